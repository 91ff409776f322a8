// Package main implements zolctl, an operator CLI for ZFS-on-Linux iSCSI
// volumes.
//
// Usage:
//
//	zolctl create vol1 --size 10Gi         # Create a zvol
//	zolctl export vol1                     # Share it over iSCSI
//	zolctl snapshot create vol1 nightly    # Snapshot it
//	zolctl clone vol2 vol1@nightly         # Clone the snapshot
//	zolctl list -o yaml                    # List volumes with size and export state
//	zolctl stats                           # Show pool capacity
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/fenio/zol-iscsi/pkg/cmdrunner"
	"github.com/fenio/zol-iscsi/pkg/config"
	"github.com/fenio/zol-iscsi/pkg/iscsi"
	"github.com/fenio/zol-iscsi/pkg/volume"
	"github.com/fenio/zol-iscsi/pkg/zfs"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// Build information (set via ldflags).
var (
	version = "dev"
	commit  = "unknown"
)

const defaultImageDir = "/var/lib/zol-iscsi/images"

func main() {
	if err := newRootCmd(openManager).Execute(); err != nil {
		os.Exit(1)
	}
}

// opener builds the Manager a command runs against. The returned func
// releases its transports.
type opener func(o *options) (*volume.Manager, func(), error)

// options holds the global flags shared by every subcommand.
type options struct {
	open       opener
	configPath string
	output     string
	imageDir   string
	debug      bool
}

func newRootCmd(open opener) *cobra.Command {
	o := &options{open: open}

	rootCmd := &cobra.Command{
		Use:   "zolctl",
		Short: "Manage ZFS-on-Linux iSCSI volumes",
		Long: `zolctl drives the volume backend directly from the command line.

It reads the same configuration file as the CSI driver and runs the same
lifecycle operations: zfs commands go to the SAN host (locally or over SSH)
and iscsiadm runs on this machine.`,
		Version:      version + " (" + commit + ")",
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return setupLogging(o.debug)
		},
	}

	rootCmd.PersistentFlags().StringVar(&o.configPath, "config", "/etc/zol-iscsi/config.yaml", "Path to the backend configuration file")
	rootCmd.PersistentFlags().StringVarP(&o.output, "output", "o", outputFormatTable, "Output format: table, yaml, json")
	rootCmd.PersistentFlags().BoolVar(&o.debug, "debug", false, "Log backend commands to stderr")

	rootCmd.AddCommand(newCreateCmd(o))
	rootCmd.AddCommand(newDeleteCmd(o))
	rootCmd.AddCommand(newExtendCmd(o))
	rootCmd.AddCommand(newCloneCmd(o))
	rootCmd.AddCommand(newManageCmd(o))
	rootCmd.AddCommand(newSnapshotCmd(o))
	rootCmd.AddCommand(newExportCmd(o))
	rootCmd.AddCommand(newUnexportCmd(o))
	rootCmd.AddCommand(newCheckExportCmd(o))
	rootCmd.AddCommand(newConnectCmd(o))
	rootCmd.AddCommand(newDisconnectCmd(o))
	rootCmd.AddCommand(newStatsCmd(o))
	rootCmd.AddCommand(newListCmd(o))
	rootCmd.AddCommand(newImageCmd(o))

	return rootCmd
}

// setupLogging sends klog to stderr at -v=4 in debug mode. Otherwise only
// warnings and errors reach stderr.
func setupLogging(debug bool) error {
	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)

	settings := map[string]string{"logtostderr": "false", "stderrthreshold": "WARNING"}
	if debug {
		settings = map[string]string{"logtostderr": "true", "v": "4"}
	}
	for name, value := range settings {
		if err := fs.Set(name, value); err != nil {
			return fmt.Errorf("failed to set klog flag %s: %w", name, err)
		}
	}
	if !debug {
		klog.SetOutput(io.Discard)
	}
	return nil
}

// openManager loads the configuration and connects the storage and
// initiator runners.
func openManager(o *options) (*volume.Manager, func(), error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}

	storage, err := cmdrunner.New(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up SAN command runner: %w", err)
	}
	release := func() {
		if closer, ok := storage.(io.Closer); ok {
			//nolint:errcheck // best effort on exit
			_ = closer.Close()
		}
	}

	initiator, err := cmdrunner.NewLocalRunner(cfg.SAN.RootHelper)
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("failed to set up initiator command runner: %w", err)
	}

	var opts []volume.Option
	if o.imageDir != "" {
		opts = append(opts, volume.WithImageService(volume.NewDirImageService(o.imageDir)))
	}

	manager := volume.NewManager(config.NewStatic(cfg),
		zfs.NewClient(storage, cfg.ZFS),
		iscsi.NewClient(initiator, iscsi.WithRefreshNodeRecords(cfg.ISCSI.RefreshNodeRecords)),
		opts...,
	)
	return manager, release, nil
}

// withManager opens the Manager for one command and releases it afterwards.
func withManager(o *options, fn func(m *volume.Manager) error) error {
	m, release, err := o.open(o)
	if err != nil {
		return err
	}
	defer release()
	return fn(m)
}
