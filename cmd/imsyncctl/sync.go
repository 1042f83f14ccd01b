package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matheus3301/imsync/internal/api"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

func newStatusCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connection state of the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.call(cmd, api.MethodGetStatus, nil, func(out *structpb.Struct) error {
				f := out.GetFields()
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "Account:  %s\n", str(f, "account"))
				fmt.Fprintf(w, "User:     %s\n", str(f, "userId"))
				fmt.Fprintf(w, "State:    %s (since %s)\n", str(f, "state"), stamp(num(f, "since")))
				fmt.Fprintf(w, "Retries:  %d\n", num(f, "retries"))
				_, err := fmt.Fprintf(w, "Sessions: %d\n", num(f, "sessions"))
				return err
			})
		},
	}
}

func newReconcileCmd(opts *rootOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run a full reconciliation pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.call(cmd, api.MethodReconcile, nil, func(out *structpb.Struct) error {
				f := out.GetFields()
				if !f["ok"].GetBoolValue() {
					return errors.New(str(f, "error"))
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "ok")
				return err
			})
		},
	}
	return cmd
}

func newReconnectCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "reconnect",
		Short: "Reset the retry budget and reconnect the realtime channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.call(cmd, api.MethodReconnect, nil, func(out *structpb.Struct) error {
				f := out.GetFields()
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s (%d retries left)\n", str(f, "state"), num(f, "retries"))
				return err
			})
		},
	}
}

func newWatchCmd(opts *rootOpts) *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream daemon events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.dial()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			w := cmd.OutOrStdout()
			err = c.Watch(ctx, prefix, func(evt *structpb.Struct) error {
				if opts.json {
					data, err := protojson.Marshal(evt)
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(w, string(data))
					return err
				}
				f := evt.GetFields()
				payload, err := protojson.Marshal(f["payload"])
				if err != nil {
					return err
				}
				at := time.UnixMilli(num(f, "occurredAt")).Local().Format("15:04:05.000")
				_, err = fmt.Fprintf(w, "%s  %-22s %s\n", at, str(f, "kind"), payload)
				return err
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&prefix, "prefix", "p", "", "only events whose kind starts with prefix (e.g. session.)")
	return cmd
}
