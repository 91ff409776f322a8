// Package driver exposes the volume lifecycle as a CSI plugin.
package driver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"k8s.io/klog/v2"
)

// ErrUnsupportedEndpoint is returned for endpoints that are neither unix nor tcp.
var ErrUnsupportedEndpoint = errors.New("unsupported endpoint scheme")

const metricsShutdownTimeout = 5 * time.Second

// Config contains the configuration for the driver.
type Config struct {
	DriverName  string
	Version     string
	NodeID      string
	Endpoint    string
	MetricsAddr string
}

// Driver is the ZoL iSCSI CSI driver.
type Driver struct {
	srv        *grpc.Server
	metricsSrv *http.Server
	controller *ControllerService
	node       *NodeService
	identity   *IdentityService
	config     Config
}

// NewDriver creates a driver serving backend.
func NewDriver(cfg Config, backend Backend, nodeOpts ...NodeOption) *Driver {
	klog.V(4).Infof("Creating new driver with config: %+v", cfg)

	locks := NewVolumeLocks()
	return &Driver{
		config:     cfg,
		identity:   NewIdentityService(cfg.DriverName, cfg.Version, backend),
		controller: NewControllerService(backend, locks),
		node:       NewNodeService(cfg.NodeID, backend, locks, nodeOpts...),
	}
}

// Run serves CSI on the endpoint and metrics on MetricsAddr until ctx is
// done or either server fails.
func (d *Driver) Run(ctx context.Context) error {
	listener, err := listen(ctx, d.config.Endpoint)
	if err != nil {
		return err
	}

	d.srv = grpc.NewServer(grpc.UnaryInterceptor(logGRPC))
	csi.RegisterIdentityServer(d.srv, d.identity)
	csi.RegisterControllerServer(d.srv, d.controller)
	csi.RegisterNodeServer(d.srv, d.node)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		klog.Info("ZoL iSCSI CSI Driver is ready")
		return d.srv.Serve(listener)
	})

	if d.config.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		d.metricsSrv = &http.Server{
			Addr:              d.config.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			klog.Infof("Serving metrics on %s", d.config.MetricsAddr)
			if err := d.metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		d.Stop()
		return nil
	})

	return g.Wait()
}

// Stop stops the driver.
func (d *Driver) Stop() {
	klog.Info("Stopping ZoL iSCSI CSI Driver")
	if d.srv != nil {
		d.srv.GracefulStop()
	}
	if d.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := d.metricsSrv.Shutdown(ctx); err != nil {
			klog.Warningf("Metrics server shutdown: %v", err)
		}
	}
}

// listen opens a unix:// or tcp:// endpoint. A stale unix socket is removed.
func listen(ctx context.Context, endpoint string) (net.Listener, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}

	var addr string
	switch u.Scheme {
	case "unix":
		addr = u.Path
		if removeErr := os.Remove(addr); removeErr != nil && !os.IsNotExist(removeErr) {
			return nil, removeErr
		}
	case "tcp":
		addr = u.Host
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEndpoint, u.Scheme)
	}

	klog.Infof("Listening on %s://%s", u.Scheme, addr)
	var lc net.ListenConfig
	return lc.Listen(ctx, u.Scheme, addr)
}

// logGRPC logs gRPC requests.
func logGRPC(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	methodParts := strings.Split(info.FullMethod, "/")
	method := methodParts[len(methodParts)-1]

	klog.V(3).Infof("GRPC call: %s", method)
	klog.V(5).Infof("GRPC request: %+v", req)

	resp, err := handler(ctx, req)
	if err != nil {
		klog.Errorf("GRPC error: %s returned error: %v", method, err)
	} else {
		klog.V(5).Infof("GRPC response: %+v", resp)
	}

	return resp, err
}
