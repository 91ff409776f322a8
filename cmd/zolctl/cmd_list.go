package main

import (
	"context"
	"errors"
	"io"

	"github.com/fenio/zol-iscsi/pkg/volume"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// listConcurrency bounds the per-volume queries list runs at once.
const listConcurrency = 8

// VolumeInfo is one row of the list command.
type VolumeInfo struct {
	Name     string `json:"name"     yaml:"name"`
	Size     string `json:"size"     yaml:"size"`
	Device   string `json:"device"   yaml:"device"`
	SizeGiB  int64  `json:"sizeGiB"  yaml:"sizeGiB"`
	Exported bool   `json:"exported" yaml:"exported"`
}

func newListCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List volumes below the base dataset",
		Long: `List every zvol below the base dataset with its size, export state and
device node on the SAN host.

Examples:
  zolctl list
  zolctl list -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withManager(o, func(m *volume.Manager) error {
				volumes, err := findVolumes(cmd.Context(), m)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), o.output, volumes, func(w io.Writer) {
					volumeTable(w, volumes)
				})
			})
		},
	}
}

// findVolumes lists the volumes and queries each one's size and export
// state concurrently. Rows keep the listing order.
func findVolumes(ctx context.Context, m *volume.Manager) ([]VolumeInfo, error) {
	names, err := m.ListVolumes(ctx)
	if err != nil {
		return nil, err
	}

	volumes := make([]VolumeInfo, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listConcurrency)
	for i, name := range names {
		g.Go(func() error {
			sizeGiB, err := m.ManageExistingGetSize(gctx, name)
			if err != nil {
				return err
			}
			exportErr := m.CheckForExport(gctx, ref(name, 0))
			if exportErr != nil && !errors.Is(exportErr, volume.ErrExportNotFound) {
				return exportErr
			}
			volumes[i] = VolumeInfo{
				Name:     name,
				Size:     formatGiB(sizeGiB),
				Device:   m.LocalPath(ref(name, 0)),
				SizeGiB:  sizeGiB,
				Exported: exportErr == nil,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return volumes, nil
}

func volumeTable(w io.Writer, volumes []VolumeInfo) {
	if len(volumes) == 0 {
		printStepf(w, colorMuted, "-", "No volumes found")
		return
	}
	t := newStyledTable(w)
	t.AppendHeader(table.Row{"NAME", "SIZE", "EXPORTED", "DEVICE"})
	for _, v := range volumes {
		t.AppendRow(table.Row{v.Name, v.Size, exportBadge(v.Exported), colorMuted.Sprint(v.Device)})
	}
	t.Render()
}
