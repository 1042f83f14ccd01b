package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/imsync/internal/account"
	"github.com/matheus3301/imsync/internal/api"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// rootOpts holds the persistent flags shared by every command.
type rootOpts struct {
	account string
	socket  string
	json    bool
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &rootOpts{}
	cmd := &cobra.Command{
		Use:           "imsyncctl",
		Short:         "Control a running imsync daemon",
		Long:          "imsyncctl talks to the imsync daemon of one account over its Unix socket.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.account, "account", "", "account name (overrides config default)")
	cmd.PersistentFlags().StringVar(&opts.socket, "socket", "", "daemon socket path (overrides the account socket)")
	cmd.PersistentFlags().BoolVar(&opts.json, "json", false, "output in JSON format")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")
	_ = cmd.PersistentFlags().MarkHidden("socket")

	cmd.AddCommand(newStatusCmd(opts))
	cmd.AddCommand(newSessionsCmd(opts))
	cmd.AddCommand(newMessagesCmd(opts))
	cmd.AddCommand(newApplicationsCmd(opts))
	cmd.AddCommand(newAvatarCmd(opts))
	cmd.AddCommand(newNicknameCmd(opts))
	cmd.AddCommand(newPinCmd(opts))
	cmd.AddCommand(newMuteCmd(opts))
	cmd.AddCommand(newRenameCmd(opts))
	cmd.AddCommand(newReadCmd(opts))
	cmd.AddCommand(newSendCmd(opts))
	cmd.AddCommand(newReconcileCmd(opts))
	cmd.AddCommand(newReconnectCmd(opts))
	cmd.AddCommand(newWatchCmd(opts))
	return cmd
}

func (o *rootOpts) socketPath() (string, error) {
	if o.socket != "" {
		return o.socket, nil
	}
	name := account.Resolve(o.account)
	if err := account.ValidateName(name); err != nil {
		return "", err
	}
	return account.SocketPath(name), nil
}

func (o *rootOpts) dial() (*api.Client, error) {
	path, err := o.socketPath()
	if err != nil {
		return nil, err
	}
	return api.Dial(path)
}

// call runs one unary method and hands the reply to render, or prints it as
// JSON when --json is set.
func (o *rootOpts) call(cmd *cobra.Command, method string, args map[string]any, render func(*structpb.Struct) error) error {
	c, err := o.dial()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()

	out, err := c.Call(ctx, method, args)
	if err != nil {
		return err
	}
	if o.json || render == nil {
		return printJSON(cmd, out)
	}
	return render(out)
}

func printJSON(cmd *cobra.Command, v *structpb.Struct) error {
	data, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

func execute(cmd *cobra.Command) int {
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
