package driver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/fenio/zol-iscsi/pkg/metrics"
	"github.com/fenio/zol-iscsi/pkg/volume"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

// deviceLinkName is the symlink inside the staging directory that records
// the block device of a staged volume.
const deviceLinkName = "device"

// ErrPathIsDirectory is returned when a link location holds a directory.
var ErrPathIsDirectory = errors.New("path is a directory")

// Connector attaches and detaches volumes on this node.
type Connector interface {
	InitializeConnection(ctx context.Context, vol volume.VolumeRef) (*volume.ConnectionInfo, error)
	TerminateConnection(ctx context.Context, vol volume.VolumeRef) error
}

// MountChecker inspects the node's mount table.
type MountChecker interface {
	IsMounted(ctx context.Context, targetPath string) (bool, error)
	DeviceMountpoints(ctx context.Context, device string) ([]string, error)
}

// NodeOption configures a NodeService.
type NodeOption func(*NodeService)

// WithMountChecker makes the node refuse to log out of a device that is
// still mounted and to unpublish a target path that is a mount point.
func WithMountChecker(m MountChecker) NodeOption {
	return func(s *NodeService) { s.mounts = m }
}

// NodeService implements the CSI Node service.
type NodeService struct {
	csi.UnimplementedNodeServer
	connector Connector
	mounts    MountChecker
	locks     *VolumeLocks
	nodeID    string
	sysfsRoot string
}

// NewNodeService creates a new node service.
func NewNodeService(nodeID string, connector Connector, locks *VolumeLocks, opts ...NodeOption) *NodeService {
	s := &NodeService{
		nodeID:    nodeID,
		connector: connector,
		locks:     locks,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *NodeService) acquire(id string) error {
	if !s.locks.TryAcquire(id) {
		return status.Errorf(codes.Aborted, errMsgOperationPending, id)
	}
	return nil
}

func requireBlock(capability *csi.VolumeCapability) error {
	if capability == nil {
		return status.Error(codes.InvalidArgument, errMsgCapabilityRequired)
	}
	if capability.GetBlock() == nil {
		return status.Error(codes.InvalidArgument, "Only block access type is supported")
	}
	return nil
}

// NodeStageVolume logs in to the volume's target and records its block
// device under the staging path.
func (s *NodeService) NodeStageVolume(ctx context.Context, req *csi.NodeStageVolumeRequest) (resp *csi.NodeStageVolumeResponse, err error) {
	timer := metrics.NewOperationTimer(metrics.OpNodeStage)
	defer func() { timer.Observe(err) }()
	klog.V(4).Infof("NodeStageVolume called with request: %+v", req)

	volumeID, staging := req.GetVolumeId(), req.GetStagingTargetPath()
	if volumeID == "" {
		return nil, status.Error(codes.InvalidArgument, errMsgVolumeIDRequired)
	}
	if staging == "" {
		return nil, status.Error(codes.InvalidArgument, "Staging target path is required")
	}
	if err := requireBlock(req.GetVolumeCapability()); err != nil {
		return nil, err
	}

	if err := s.acquire(volumeID); err != nil {
		return nil, err
	}
	defer s.locks.Release(volumeID)

	if iqn := req.GetPublishContext()[ContextTargetIQN]; iqn != "" {
		klog.V(4).Infof("Volume %s published as %s on %s", volumeID, iqn, req.GetPublishContext()[ContextPortal])
	}

	info, err := s.connector.InitializeConnection(ctx, volume.VolumeRef{ID: volumeID, Name: volumeID})
	if err != nil {
		return nil, toStatus(err)
	}

	if err := linkDevice(info.DevicePath, filepath.Join(staging, deviceLinkName)); err != nil {
		return nil, status.Errorf(codes.Internal, "Failed to record device of %s: %v", volumeID, err)
	}

	klog.Infof("Staged volume %s at %s -> %s", volumeID, staging, info.DevicePath)
	return &csi.NodeStageVolumeResponse{}, nil
}

// NodeUnstageVolume forgets the staged device and logs out of the target.
func (s *NodeService) NodeUnstageVolume(ctx context.Context, req *csi.NodeUnstageVolumeRequest) (resp *csi.NodeUnstageVolumeResponse, err error) {
	timer := metrics.NewOperationTimer(metrics.OpNodeUnstage)
	defer func() { timer.Observe(err) }()
	klog.V(4).Infof("NodeUnstageVolume called with request: %+v", req)

	volumeID, staging := req.GetVolumeId(), req.GetStagingTargetPath()
	if volumeID == "" {
		return nil, status.Error(codes.InvalidArgument, errMsgVolumeIDRequired)
	}
	if staging == "" {
		return nil, status.Error(codes.InvalidArgument, "Staging target path is required")
	}

	if err := s.acquire(volumeID); err != nil {
		return nil, err
	}
	defer s.locks.Release(volumeID)

	link := filepath.Join(staging, deviceLinkName)
	if err := s.checkDeviceUnmounted(ctx, volumeID, link); err != nil {
		return nil, err
	}
	if err := removeLink(link); err != nil {
		return nil, status.Errorf(codes.Internal, "Failed to clean staging path %s: %v", staging, err)
	}

	if err := s.connector.TerminateConnection(ctx, volume.VolumeRef{ID: volumeID, Name: volumeID}); err != nil {
		return nil, toStatus(err)
	}

	klog.Infof("Unstaged volume %s from %s", volumeID, staging)
	return &csi.NodeUnstageVolumeResponse{}, nil
}

// NodePublishVolume links the staged block device at the target path.
func (s *NodeService) NodePublishVolume(_ context.Context, req *csi.NodePublishVolumeRequest) (resp *csi.NodePublishVolumeResponse, err error) {
	timer := metrics.NewOperationTimer(metrics.OpNodePublish)
	defer func() { timer.Observe(err) }()
	klog.V(4).Infof("NodePublishVolume called with request: %+v", req)

	volumeID, staging, target := req.GetVolumeId(), req.GetStagingTargetPath(), req.GetTargetPath()
	if volumeID == "" {
		return nil, status.Error(codes.InvalidArgument, errMsgVolumeIDRequired)
	}
	if staging == "" {
		return nil, status.Error(codes.InvalidArgument, "Staging target path is required")
	}
	if target == "" {
		return nil, status.Error(codes.InvalidArgument, "Target path is required")
	}
	if err := requireBlock(req.GetVolumeCapability()); err != nil {
		return nil, err
	}

	device, err := os.Readlink(filepath.Join(staging, deviceLinkName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.Errorf(codes.FailedPrecondition, "Volume %s is not staged at %s", volumeID, staging)
		}
		return nil, status.Errorf(codes.Internal, "Failed to read staged device of %s: %v", volumeID, err)
	}

	if req.GetReadonly() {
		klog.V(4).Infof("Volume %s requested read-only; block links carry no mount flags", volumeID)
	}

	if err := linkDevice(device, target); err != nil {
		return nil, status.Errorf(codes.Internal, "Failed to publish %s at %s: %v", volumeID, target, err)
	}

	klog.Infof("Published volume %s at %s -> %s", volumeID, target, device)
	return &csi.NodePublishVolumeResponse{}, nil
}

// NodeUnpublishVolume removes the target path link.
func (s *NodeService) NodeUnpublishVolume(ctx context.Context, req *csi.NodeUnpublishVolumeRequest) (resp *csi.NodeUnpublishVolumeResponse, err error) {
	timer := metrics.NewOperationTimer(metrics.OpNodeUnpublish)
	defer func() { timer.Observe(err) }()
	klog.V(4).Infof("NodeUnpublishVolume called with request: %+v", req)

	if req.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, errMsgVolumeIDRequired)
	}
	if req.GetTargetPath() == "" {
		return nil, status.Error(codes.InvalidArgument, "Target path is required")
	}

	if s.mounts != nil {
		mounted, err := s.mounts.IsMounted(ctx, req.GetTargetPath())
		if err != nil {
			return nil, status.Errorf(codes.Internal, "Failed to check %s: %v", req.GetTargetPath(), err)
		}
		if mounted {
			return nil, status.Errorf(codes.FailedPrecondition, "Target path %s is a mount point", req.GetTargetPath())
		}
	}

	if err := removeLink(req.GetTargetPath()); err != nil {
		return nil, status.Errorf(codes.Internal, "Failed to unpublish %s: %v", req.GetVolumeId(), err)
	}
	return &csi.NodeUnpublishVolumeResponse{}, nil
}

// checkDeviceUnmounted fails when the device recorded at link is mounted
// anywhere on the node. Nothing staged means nothing to check.
func (s *NodeService) checkDeviceUnmounted(ctx context.Context, volumeID, link string) error {
	if s.mounts == nil {
		return nil
	}
	device, err := os.Readlink(link)
	if err != nil {
		return nil //nolint:nilerr // an unstaged volume has no device to check
	}
	points, err := s.mounts.DeviceMountpoints(ctx, device)
	if err != nil {
		return status.Errorf(codes.Internal, "Failed to check mounts of %s: %v", device, err)
	}
	if len(points) > 0 {
		return status.Errorf(codes.FailedPrecondition, "Device %s of volume %s is still mounted at %s",
			device, volumeID, strings.Join(points, ", "))
	}
	return nil
}

// NodeGetCapabilities returns node capabilities.
func (s *NodeService) NodeGetCapabilities(_ context.Context, _ *csi.NodeGetCapabilitiesRequest) (*csi.NodeGetCapabilitiesResponse, error) {
	klog.V(4).Info("NodeGetCapabilities called")

	return &csi.NodeGetCapabilitiesResponse{
		Capabilities: []*csi.NodeServiceCapability{
			{
				Type: &csi.NodeServiceCapability_Rpc{
					Rpc: &csi.NodeServiceCapability_RPC{
						Type: csi.NodeServiceCapability_RPC_STAGE_UNSTAGE_VOLUME,
					},
				},
			},
			{
				Type: &csi.NodeServiceCapability_Rpc{
					Rpc: &csi.NodeServiceCapability_RPC{
						Type: csi.NodeServiceCapability_RPC_GET_VOLUME_STATS,
					},
				},
			},
			{
				Type: &csi.NodeServiceCapability_Rpc{
					Rpc: &csi.NodeServiceCapability_RPC{
						Type: csi.NodeServiceCapability_RPC_VOLUME_CONDITION,
					},
				},
			},
		},
	}, nil
}

// NodeGetInfo returns node information.
func (s *NodeService) NodeGetInfo(_ context.Context, _ *csi.NodeGetInfoRequest) (*csi.NodeGetInfoResponse, error) {
	klog.V(4).Info("NodeGetInfo called")

	return &csi.NodeGetInfoResponse{
		NodeId: s.nodeID,
	}, nil
}

// linkDevice makes path a symlink to device. A link already pointing at
// device is left alone; anything else at path is replaced.
func linkDevice(device, path string) error {
	if current, err := os.Readlink(path); err == nil {
		if current == device {
			klog.V(4).Infof("%s already points to %s", path, device)
			return nil
		}
		klog.Warningf("Replacing stale link %s -> %s", path, current)
	}
	if err := removeLink(path); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.Symlink(device, path)
}

// removeLink removes path. A missing path is success; a directory is
// refused.
func removeLink(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return &os.PathError{Op: "remove", Path: path, Err: ErrPathIsDirectory}
	}
	return os.Remove(path)
}
