package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/matheus3301/imsync/internal/api"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/structpb"
)

func newSessionsCmd(opts *rootOpts) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions in display order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := map[string]any{}
			if limit > 0 {
				in["limit"] = limit
			}
			return opts.call(cmd, api.MethodListSessions, in, func(out *structpb.Struct) error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "SESSION\tNAME\tUNREAD\tFLAGS\tLAST")
				for _, v := range list(out, "sessions") {
					f := v.GetFields()
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
						str(f, "sessionId"), str(f, "contactName"), num(f, "unreadCount"),
						flags(f), preview(str(f, "lastMsgContent")))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show at most n sessions")
	return cmd
}

func newMessagesCmd(opts *rootOpts) *cobra.Command {
	var (
		limit  int
		before int64
	)
	cmd := &cobra.Command{
		Use:   "messages <session-id>",
		Short: "Show the newest messages of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := map[string]any{"sessionId": args[0], "limit": limit}
			if before > 0 {
				in["before"] = before
			}
			return opts.call(cmd, api.MethodListMessages, in, func(out *structpb.Struct) error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				msgs := list(out, "messages")
				// Newest first on the wire; print oldest first.
				for i := len(msgs) - 1; i >= 0; i-- {
					f := msgs[i].GetFields()
					text := str(f, "text")
					if f["isRecalled"].GetBoolValue() {
						text = "(recalled)"
					}
					if st := f["extData"].GetStructValue().GetFields()["sendStatus"].GetStringValue(); st != "" && st != "sent" {
						text += " [" + st + "]"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", stamp(num(f, "sendTime")), str(f, "senderId"), text)
				}
				if out.GetFields()["hasMore"].GetBoolValue() {
					fmt.Fprintln(w, "...\t\tolder messages available")
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of messages")
	cmd.Flags().Int64Var(&before, "before", 0, "only messages sent before this unix millisecond time")
	return cmd
}

func newPinCmd(opts *rootOpts) *cobra.Command {
	var off bool
	cmd := &cobra.Command{
		Use:   "pin <session-id>",
		Short: "Pin or unpin a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.call(cmd, api.MethodPinSession, map[string]any{"sessionId": args[0], "pinned": !off}, done(cmd))
		},
	}
	cmd.Flags().BoolVar(&off, "off", false, "unpin")
	return cmd
}

func newMuteCmd(opts *rootOpts) *cobra.Command {
	var off bool
	cmd := &cobra.Command{
		Use:   "mute <session-id>",
		Short: "Mute or unmute a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.call(cmd, api.MethodMuteSession, map[string]any{"sessionId": args[0], "muted": !off}, done(cmd))
		},
	}
	cmd.Flags().BoolVar(&off, "off", false, "unmute")
	return cmd
}

func newRenameCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <session-id> <name>",
		Short: "Set the display name of a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.call(cmd, api.MethodRenameSession, map[string]any{"sessionId": args[0], "name": args[1]}, done(cmd))
		},
	}
}

func newReadCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "read <session-id>",
		Short: "Mark a session read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.call(cmd, api.MethodMarkRead, map[string]any{"sessionId": args[0]}, done(cmd))
		},
	}
}

func newSendCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "send <session-id> <text>",
		Short: "Queue a text message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.call(cmd, api.MethodSendText, map[string]any{"sessionId": args[0], "text": args[1]}, func(out *structpb.Struct) error {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "queued %s\n", str(out.GetFields(), "clientMsgId"))
				return err
			})
		},
	}
}

func done(cmd *cobra.Command) func(*structpb.Struct) error {
	return func(*structpb.Struct) error {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), "ok")
		return err
	}
}

func list(s *structpb.Struct, key string) []*structpb.Struct {
	values := s.GetFields()[key].GetListValue().GetValues()
	out := make([]*structpb.Struct, 0, len(values))
	for _, v := range values {
		out = append(out, v.GetStructValue())
	}
	return out
}

func str(f map[string]*structpb.Value, key string) string {
	return f[key].GetStringValue()
}

func num(f map[string]*structpb.Value, key string) int64 {
	return int64(f[key].GetNumberValue())
}

func flags(f map[string]*structpb.Value) string {
	var out string
	if f["isPinned"].GetBoolValue() {
		out += "P"
	}
	if f["isMuted"].GetBoolValue() {
		out += "M"
	}
	if out == "" {
		return "-"
	}
	return out
}

func preview(s string) string {
	r := []rune(s)
	if len(r) > 40 {
		return string(r[:39]) + "…"
	}
	return s
}

func stamp(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04")
}

func parseContactType(s string) (int, error) {
	switch s {
	case "user", "1":
		return 1, nil
	case "group", "2":
		return 2, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("contact type %q: want user or group", s)
	}
	return n, nil
}
