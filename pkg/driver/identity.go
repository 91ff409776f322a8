package driver

import (
	"context"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/fenio/zol-iscsi/pkg/metrics"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
	"k8s.io/klog/v2"
)

// SetupChecker reports whether the backend can serve requests.
type SetupChecker interface {
	CheckForSetupError(ctx context.Context) error
}

// IdentityService implements the CSI Identity service.
type IdentityService struct {
	csi.UnimplementedIdentityServer
	checker    SetupChecker
	driverName string
	version    string
}

// NewIdentityService creates a new identity service.
func NewIdentityService(driverName, version string, checker SetupChecker) *IdentityService {
	return &IdentityService{
		driverName: driverName,
		version:    version,
		checker:    checker,
	}
}

// GetPluginInfo returns plugin information.
func (s *IdentityService) GetPluginInfo(_ context.Context, _ *csi.GetPluginInfoRequest) (*csi.GetPluginInfoResponse, error) {
	klog.V(4).Info("GetPluginInfo called")

	if s.driverName == "" {
		return nil, status.Error(codes.Unavailable, "Driver name not configured")
	}

	if s.version == "" {
		return nil, status.Error(codes.Unavailable, "Driver version not configured")
	}

	return &csi.GetPluginInfoResponse{
		Name:          s.driverName,
		VendorVersion: s.version,
	}, nil
}

// GetPluginCapabilities returns plugin capabilities.
func (s *IdentityService) GetPluginCapabilities(_ context.Context, _ *csi.GetPluginCapabilitiesRequest) (*csi.GetPluginCapabilitiesResponse, error) {
	klog.V(4).Info("GetPluginCapabilities called")

	return &csi.GetPluginCapabilitiesResponse{
		Capabilities: []*csi.PluginCapability{
			{
				Type: &csi.PluginCapability_Service_{
					Service: &csi.PluginCapability_Service{
						Type: csi.PluginCapability_Service_CONTROLLER_SERVICE,
					},
				},
			},
			{
				Type: &csi.PluginCapability_VolumeExpansion_{
					VolumeExpansion: &csi.PluginCapability_VolumeExpansion{
						Type: csi.PluginCapability_VolumeExpansion_ONLINE,
					},
				},
			},
		},
	}, nil
}

// Probe checks that the base dataset is reachable.
func (s *IdentityService) Probe(ctx context.Context, _ *csi.ProbeRequest) (resp *csi.ProbeResponse, err error) {
	timer := metrics.NewOperationTimer(metrics.OpProbe)
	defer func() { timer.Observe(err) }()
	klog.V(4).Info("Probe called")

	if s.checker != nil {
		if err := s.checker.CheckForSetupError(ctx); err != nil {
			klog.Errorf("Probe failed: %v", err)
			return nil, toStatus(err)
		}
	}
	return &csi.ProbeResponse{
		Ready: wrapperspb.Bool(true),
	}, nil
}
