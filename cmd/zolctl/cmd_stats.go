package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/fenio/zol-iscsi/pkg/capacity"
	"github.com/fenio/zol-iscsi/pkg/volume"
	"github.com/spf13/cobra"
)

// usageWarnPercent is the pool usage at which the used column turns yellow.
const usageWarnPercent = 80

func newStatsCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show pool capacity",
		Long: `Query the pool holding the base dataset and show the capacity snapshot
reported to the scheduler. A sub-query that fails is shown as zero.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withManager(o, func(m *volume.Manager) error {
				stats := m.GetVolumeStats(cmd.Context())
				return render(cmd.OutOrStdout(), o.output, stats, func(w io.Writer) {
					renderKV(w, statsRows(stats))
				})
			})
		},
	}
}

func statsRows(s capacity.PoolStats) [][2]string {
	return [][2]string{
		{"Pool", s.PoolName},
		{"Backend", s.VolumeBackendName},
		{"Total", formatBytes(s.TotalBytes)},
		{"Free", formatBytes(s.FreeBytes)},
		{"Provisioned", usage(s.ProvisionedBytes, s.TotalBytes)},
		{"Volumes", strconv.Itoa(s.TotalVolumeCount)},
		{"Encryption", strconv.FormatBool(s.SupportsEncryption)},
		{"Thin provisioning", strconv.FormatBool(s.ThinProvisioningSupport)},
		{"Max over-subscription", strconv.FormatFloat(s.MaxOverSubscriptionRatio, 'f', -1, 64)},
		{"Reserved", strconv.Itoa(s.ReservedPercentage) + "%"},
		{"Protocol", s.StorageProtocol},
		{"Vendor", s.VendorName + " " + s.DriverVersion},
	}
}

// usage formats used bytes with their share of total.
func usage(used, total int64) string {
	if total <= 0 {
		return formatBytes(used)
	}
	percent := float64(used) / float64(total) * 100
	c := colorSuccess
	if percent >= usageWarnPercent {
		c = colorWarning
	}
	return fmt.Sprintf("%s (%s)", formatBytes(used), c.Sprintf("%.1f%%", percent))
}
