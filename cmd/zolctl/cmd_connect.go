package main

import (
	"io"
	"strconv"

	"github.com/fenio/zol-iscsi/pkg/volume"
	"github.com/spf13/cobra"
)

func newConnectCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "connect NAME",
		Short: "Log in to a volume's target and print its block device",
		Long: `Discover the volume's target on every configured portal, log in and
resolve the local block device. Logging in to a target with a live session
is a no-op.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(o, func(m *volume.Manager) error {
				info, err := m.InitializeConnection(cmd.Context(), ref(args[0], 0))
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), o.output, info, func(w io.Writer) {
					renderKV(w, [][2]string{
						{"Device", info.DevicePath},
						{"Portal", info.Portal},
						{"Target IQN", info.TargetIQN},
						{"LUN", strconv.Itoa(info.LUN)},
					})
				})
			})
		},
	}
}

func newDisconnectCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect NAME",
		Short: "Log out of a volume's target",
		Long:  "Log out of a volume's target. A missing volume, target or session is reported as disconnected.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(o, func(m *volume.Manager) error {
				if err := m.TerminateConnection(cmd.Context(), ref(args[0], 0)); err != nil {
					return err
				}
				return printAction(cmd.OutOrStdout(), o.output, actionResult{Volume: args[0], Action: "Disconnected"})
			})
		},
	}
}
