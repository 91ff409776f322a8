package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fenio/zol-iscsi/pkg/volume"
	"github.com/spf13/cobra"
)

// volumeResult is printed by the commands that create or resize a volume.
type volumeResult struct {
	Name    string `json:"name"             yaml:"name"`
	Source  string `json:"source,omitempty" yaml:"source,omitempty"`
	Size    string `json:"size"             yaml:"size"`
	SizeGiB int64  `json:"sizeGiB"          yaml:"sizeGiB"`
}

func newVolumeResult(name, source string, sizeGiB int64) volumeResult {
	return volumeResult{Name: name, Source: source, Size: formatGiB(sizeGiB), SizeGiB: sizeGiB}
}

func printVolume(w io.Writer, format string, r volumeResult) error {
	return render(w, format, r, func(w io.Writer) {
		rows := [][2]string{{"Name", r.Name}, {"Size", r.Size}}
		if r.Source != "" {
			rows = append(rows, [2]string{"Source", r.Source})
		}
		renderKV(w, rows)
	})
}

// actionResult is printed by the commands that change state without
// returning data.
type actionResult struct {
	Volume   string `json:"volume"             yaml:"volume"`
	Snapshot string `json:"snapshot,omitempty" yaml:"snapshot,omitempty"`
	Action   string `json:"action"             yaml:"action"`
}

func printAction(w io.Writer, format string, r actionResult) error {
	return render(w, format, r, func(w io.Writer) {
		subject := r.Volume
		if r.Snapshot != "" {
			subject += "@" + r.Snapshot
		}
		printStepf(w, colorSuccess, iconOK, "%s %s", r.Action, subject)
	})
}

func ref(name string, sizeGiB int64) volume.VolumeRef {
	return volume.VolumeRef{ID: name, Name: name, SizeGiB: sizeGiB}
}

func newCreateCmd(o *options) *cobra.Command {
	var size string

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a volume",
		Long: `Create a zvol below the base dataset.

Creating a volume that already exists with the same size succeeds without
changes; a different size is an error.

Examples:
  zolctl create vol1 --size 10Gi
  zolctl create vol1 --size 20`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sizeGiB, err := parseSizeGiB(size)
			if err != nil {
				return err
			}
			return withManager(o, func(m *volume.Manager) error {
				if err := m.CreateVolume(cmd.Context(), ref(args[0], sizeGiB)); err != nil {
					return err
				}
				return printVolume(cmd.OutOrStdout(), o.output, newVolumeResult(args[0], "", sizeGiB))
			})
		},
	}
	cmd.Flags().StringVar(&size, "size", "1Gi", "Volume size in GiB or as a quantity such as 10Gi")
	return cmd
}

func newDeleteCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a volume",
		Long: `Delete a volume, logging out of its target first.

A volume that does not exist is reported as deleted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(o, func(m *volume.Manager) error {
				if err := m.DeleteVolume(cmd.Context(), ref(args[0], 0)); err != nil {
					return err
				}
				return printAction(cmd.OutOrStdout(), o.output, actionResult{Volume: args[0], Action: "Deleted"})
			})
		},
	}
}

func newExtendCmd(o *options) *cobra.Command {
	var size string

	cmd := &cobra.Command{
		Use:   "extend NAME --size SIZE",
		Short: "Grow a volume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sizeGiB, err := parseSizeGiB(size)
			if err != nil {
				return err
			}
			return withManager(o, func(m *volume.Manager) error {
				res := m.ExtendVolume(cmd.Context(), ref(args[0], 0), sizeGiB)
				if !res.OK() {
					return fmt.Errorf("%w: %s: %w", volume.ErrExtendFailed, args[0], res.Err)
				}
				return printVolume(cmd.OutOrStdout(), o.output, newVolumeResult(args[0], "", sizeGiB))
			})
		},
	}
	cmd.Flags().StringVar(&size, "size", "", "New volume size in GiB or as a quantity such as 10Gi")
	//nolint:errcheck // flag is registered above
	_ = cmd.MarkFlagRequired("size")
	return cmd
}

func newCloneCmd(o *options) *cobra.Command {
	var size string

	cmd := &cobra.Command{
		Use:   "clone NAME SOURCE",
		Short: "Create a volume from a snapshot or another volume",
		Long: `Create a volume from SOURCE, which is either a snapshot written as
VOLUME@SNAPSHOT or a volume. Cloning a volume takes a clone-NAME snapshot
of it first. The clone is promoted so that the source can be deleted.

Without --size the clone gets the size of its source volume.

Examples:
  zolctl clone vol2 vol1@nightly
  zolctl clone vol3 vol1 --size 20Gi`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, source := args[0], args[1]
			srcVolume, snapName, fromSnapshot := strings.Cut(source, "@")

			return withManager(o, func(m *volume.Manager) error {
				ctx := cmd.Context()
				sizeGiB, err := m.ManageExistingGetSize(ctx, srcVolume)
				if err != nil {
					return err
				}
				if size != "" {
					if sizeGiB, err = parseSizeGiB(size); err != nil {
						return err
					}
				}

				vol := ref(name, sizeGiB)
				if fromSnapshot {
					err = m.CreateVolumeFromSnapshot(ctx, vol, volume.SnapshotRef{
						ID:         source,
						Name:       snapName,
						VolumeID:   srcVolume,
						VolumeName: srcVolume,
					})
				} else {
					err = m.CreateClonedVolume(ctx, vol, ref(srcVolume, 0))
				}
				if err != nil {
					return err
				}
				return printVolume(cmd.OutOrStdout(), o.output, newVolumeResult(name, source, sizeGiB))
			})
		},
	}
	cmd.Flags().StringVar(&size, "size", "", "Clone size in GiB or as a quantity; defaults to the source size")
	return cmd
}

func newManageCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "manage NAME SOURCE",
		Short: "Adopt an existing zvol under a new name",
		Long: `Adopt the zvol SOURCE below the base dataset by renaming it to NAME.
Sessions to the old target are logged out first.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, source := args[0], args[1]
			return withManager(o, func(m *volume.Manager) error {
				ctx := cmd.Context()
				sizeGiB, err := m.ManageExistingGetSize(ctx, source)
				if err != nil {
					return err
				}
				if err := m.ManageExisting(ctx, ref(name, sizeGiB), source); err != nil {
					return err
				}
				return printVolume(cmd.OutOrStdout(), o.output, newVolumeResult(name, source, sizeGiB))
			})
		},
	}
}

func newSnapshotCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Create and delete volume snapshots",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "create VOLUME SNAPSHOT",
		Short: "Snapshot a volume",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(o, func(m *volume.Manager) error {
				if err := m.CreateSnapshot(cmd.Context(), snapshotRef(args[0], args[1])); err != nil {
					return err
				}
				return printAction(cmd.OutOrStdout(), o.output, actionResult{Volume: args[0], Snapshot: args[1], Action: "Created"})
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete VOLUME SNAPSHOT",
		Short: "Delete a snapshot",
		Long:  "Delete a snapshot. A snapshot that does not exist is reported as deleted.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(o, func(m *volume.Manager) error {
				if err := m.DeleteSnapshot(cmd.Context(), snapshotRef(args[0], args[1])); err != nil {
					return err
				}
				return printAction(cmd.OutOrStdout(), o.output, actionResult{Volume: args[0], Snapshot: args[1], Action: "Deleted"})
			})
		},
	})
	return cmd
}

func snapshotRef(vol, snap string) volume.SnapshotRef {
	return volume.SnapshotRef{ID: vol + "@" + snap, Name: snap, VolumeID: vol, VolumeName: vol}
}
