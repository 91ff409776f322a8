// Package main implements the ZoL iSCSI CSI driver entry point.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/fenio/zol-iscsi/pkg/cmdrunner"
	"github.com/fenio/zol-iscsi/pkg/config"
	"github.com/fenio/zol-iscsi/pkg/driver"
	"github.com/fenio/zol-iscsi/pkg/iscsi"
	"github.com/fenio/zol-iscsi/pkg/mount"
	"github.com/fenio/zol-iscsi/pkg/volume"
	"github.com/fenio/zol-iscsi/pkg/zfs"
	"k8s.io/klog/v2"
)

// Build-time variables set via -ldflags.
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	endpoint       = flag.String("endpoint", "unix:///var/lib/kubelet/plugins/zol-iscsi.csi.io/csi.sock", "CSI endpoint")
	nodeID         = flag.String("node-id", "", "Node ID")
	driverName     = flag.String("driver-name", "zol-iscsi.csi.io", "Name of the driver")
	configPath     = flag.String("config", "/etc/zol-iscsi/config.yaml", "Path to the backend configuration file")
	metricsAddr    = flag.String("metrics-addr", ":8080", "Address to expose Prometheus metrics")
	hostNamespaces = flag.Bool("host-namespaces", false, "Run iscsiadm and findmnt in the host mount and IPC namespaces")
	showVersion    = flag.Bool("show-version", false, "Show version and exit")
	debug          = flag.Bool("debug", false, "Enable debug logging (equivalent to -v=4)")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *debug || os.Getenv("DEBUG_CSI") == "true" || os.Getenv("DEBUG_CSI") == "1" {
		if err := flag.Set("v", "4"); err != nil {
			klog.Warningf("Failed to set verbosity level: %v", err)
		}
	}

	if *showVersion {
		fmt.Printf("%s version: %s\n", *driverName, version)
		fmt.Printf("  Git commit: %s\n", gitCommit)
		fmt.Printf("  Build date: %s\n", buildDate)
		fmt.Printf("  Go version: %s\n", runtime.Version())
		fmt.Printf("  Platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	if *nodeID == "" {
		klog.Fatal("Node ID must be provided")
	}

	klog.Infof("Starting ZoL iSCSI CSI Driver %s (commit: %s, built: %s)", version, gitCommit, buildDate)
	klog.V(4).Infof("Driver: %s", *driverName)
	klog.V(4).Infof("Node ID: %s", *nodeID)

	if err := run(); err != nil {
		klog.Fatalf("Failed to run driver: %v", err)
	}
}

func run() error {
	holder, err := config.NewHolder(*configPath)
	if err != nil {
		return err
	}
	cfg := holder.Current()

	storage, err := cmdrunner.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to set up SAN command runner: %w", err)
	}
	if closer, ok := storage.(io.Closer); ok {
		defer closer.Close()
	}

	var localOpts []cmdrunner.LocalOption
	if *hostNamespaces {
		localOpts = append(localOpts, cmdrunner.WithHostNamespaces())
	}
	initiator, err := cmdrunner.NewLocalRunner(cfg.SAN.RootHelper, localOpts...)
	if err != nil {
		return fmt.Errorf("failed to set up initiator command runner: %w", err)
	}

	manager := volume.NewManager(holder,
		zfs.NewClient(storage, cfg.ZFS),
		iscsi.NewClient(initiator, iscsi.WithRefreshNodeRecords(cfg.ISCSI.RefreshNodeRecords)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go reloadOnHangup(ctx, holder)

	drv := driver.NewDriver(driver.Config{
		DriverName:  *driverName,
		Version:     version,
		NodeID:      *nodeID,
		Endpoint:    *endpoint,
		MetricsAddr: *metricsAddr,
	}, manager, driver.WithMountChecker(mount.NewChecker(initiator)))
	return drv.Run(ctx)
}

// reloadOnHangup re-reads the configuration file on every SIGHUP.
func reloadOnHangup(ctx context.Context, holder *config.Holder) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			// Reload logs its own failure and keeps the previous config.
			_ = holder.Reload()
		}
	}
}
