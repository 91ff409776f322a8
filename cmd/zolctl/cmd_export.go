package main

import (
	"errors"
	"io"
	"strconv"

	"github.com/fenio/zol-iscsi/pkg/volume"
	"github.com/spf13/cobra"
)

// exportResult is the location of an exported volume.
type exportResult struct {
	Name             string `json:"name"             yaml:"name"`
	ProviderLocation string `json:"providerLocation" yaml:"providerLocation"`
	Portal           string `json:"portal"           yaml:"portal"`
	TargetIQN        string `json:"targetIQN"        yaml:"targetIQN"`
	LUN              int    `json:"lun"              yaml:"lun"`
}

func (r exportResult) table(w io.Writer) {
	renderKV(w, [][2]string{
		{"Name", r.Name},
		{"Portal", r.Portal},
		{"Target IQN", r.TargetIQN},
		{"LUN", strconv.Itoa(r.LUN)},
	})
}

// exportState is the outcome of check-export.
type exportState struct {
	Name     string `json:"name"     yaml:"name"`
	Exported bool   `json:"exported" yaml:"exported"`
}

func newExportCmd(o *options) *cobra.Command {
	var ensure bool

	cmd := &cobra.Command{
		Use:   "export NAME",
		Short: "Share a volume over iSCSI",
		Long: `Share a volume over iSCSI and print its portal, target and LUN.

When discovery does not list the target yet, the location falls back to the
primary portal and the configured target prefix. --ensure re-shares a volume
that should already be exported, e.g. after a restart of the target daemon.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(o, func(m *volume.Manager) error {
				export := m.CreateExport
				if ensure {
					export = m.EnsureExport
				}
				update, err := export(cmd.Context(), ref(args[0], 0))
				if err != nil {
					return err
				}
				portal, iqn, lun, err := volume.ParseProviderLocation(update.ProviderLocation)
				if err != nil {
					return err
				}
				r := exportResult{
					Name:             args[0],
					ProviderLocation: update.ProviderLocation,
					Portal:           portal,
					TargetIQN:        iqn,
					LUN:              lun,
				}
				return render(cmd.OutOrStdout(), o.output, r, r.table)
			})
		},
	}
	cmd.Flags().BoolVar(&ensure, "ensure", false, "Re-share a volume that should already be exported")
	return cmd
}

func newUnexportCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "unexport NAME",
		Short: "Stop sharing a volume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(o, func(m *volume.Manager) error {
				if err := m.RemoveExport(cmd.Context(), ref(args[0], 0)); err != nil {
					return err
				}
				return printAction(cmd.OutOrStdout(), o.output, actionResult{Volume: args[0], Action: "Unexported"})
			})
		},
	}
}

func newCheckExportCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check-export NAME",
		Short: "Check that a volume is shared",
		Long:  "Check that a volume exists and is shared over iSCSI. Exits non-zero when it is not.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(o, func(m *volume.Manager) error {
				checkErr := m.CheckForExport(cmd.Context(), ref(args[0], 0))
				if checkErr != nil && !errors.Is(checkErr, volume.ErrExportNotFound) {
					return checkErr
				}

				state := exportState{Name: args[0], Exported: checkErr == nil}
				err := render(cmd.OutOrStdout(), o.output, state, func(w io.Writer) {
					if state.Exported {
						printStepf(w, colorSuccess, iconOK, "%s is exported", state.Name)
						return
					}
					printStepf(w, colorError, iconError, "%s is not exported", state.Name)
				})
				if err != nil {
					return err
				}
				return checkErr
			})
		},
	}
}
