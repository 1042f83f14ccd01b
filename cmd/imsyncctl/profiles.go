package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/matheus3301/imsync/internal/api"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/structpb"
)

func newApplicationsCmd(opts *rootOpts) *cobra.Command {
	var status int
	cmd := &cobra.Command{
		Use:   "applications",
		Short: "List contact applications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := map[string]any{}
			if cmd.Flags().Changed("status") {
				in["status"] = status
			}
			return opts.call(cmd, api.MethodListApplications, in, func(out *structpb.Struct) error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "APPLICANT\tTARGET\tSTATUS\tINFO\tTIME")
				for _, v := range list(out, "applications") {
					f := v.GetFields()
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
						str(f, "applyUserId"), str(f, "targetId"), num(f, "status"),
						preview(str(f, "applyInfo")), stamp(num(f, "lastApplyTime")))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&status, "status", 0, "only applications with this status")
	return cmd
}

// profileArgs builds the request shared by the avatar and nickname commands.
func profileArgs(targetID, contactType string, version int64) (map[string]any, error) {
	ct, err := parseContactType(contactType)
	if err != nil {
		return nil, err
	}
	in := map[string]any{"targetId": targetID, "contactType": ct}
	if version > 0 {
		in["version"] = version
	}
	return in, nil
}

func newAvatarCmd(opts *rootOpts) *cobra.Command {
	var (
		contactType string
		strategy    string
		version     int64
	)
	cmd := &cobra.Command{
		Use:   "avatar <target-id>",
		Short: "Resolve a cached avatar file, downloading it when stale",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := profileArgs(args[0], contactType, version)
			if err != nil {
				return err
			}
			in["strategy"] = strategy
			return opts.call(cmd, api.MethodResolveAvatar, in, func(out *structpb.Struct) error {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), str(out.GetFields(), "path"))
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&contactType, "type", "t", "user", "contact type (user or group)")
	cmd.Flags().StringVar(&strategy, "strategy", "thumb", "rendition (thumb or original)")
	cmd.Flags().Int64Var(&version, "version", 0, "minimum acceptable avatar version")
	return cmd
}

func newNicknameCmd(opts *rootOpts) *cobra.Command {
	var (
		contactType string
		version     int64
	)
	cmd := &cobra.Command{
		Use:   "nickname <target-id>",
		Short: "Resolve a display name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := profileArgs(args[0], contactType, version)
			if err != nil {
				return err
			}
			return opts.call(cmd, api.MethodResolveNickname, in, func(out *structpb.Struct) error {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), str(out.GetFields(), "nickname"))
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&contactType, "type", "t", "user", "contact type (user or group)")
	cmd.Flags().Int64Var(&version, "version", 0, "minimum acceptable nickname version")
	return cmd
}
