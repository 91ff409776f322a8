package driver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/fenio/zol-iscsi/pkg/capacity"
	"github.com/fenio/zol-iscsi/pkg/metrics"
	"github.com/fenio/zol-iscsi/pkg/volume"
	"github.com/fenio/zol-iscsi/pkg/zfs"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/klog/v2"
)

// Volume context and publish context keys.
const (
	ContextProviderLocation = "providerLocation"
	ContextPortal           = "portal"
	ContextTargetIQN        = "targetIQN"
	ContextLUN              = "lun"
)

// snapshotSeparator joins volume and snapshot names in a snapshot ID.
const snapshotSeparator = "@"

// ErrInvalidSnapshotID is returned for snapshot IDs not of the form <volume>@<snapshot>.
var ErrInvalidSnapshotID = errors.New("invalid snapshot ID")

// Backend is the volume lifecycle the CSI services drive.
type Backend interface {
	SetupChecker
	CreateVolume(ctx context.Context, vol volume.VolumeRef) error
	CreateVolumeFromSnapshot(ctx context.Context, vol volume.VolumeRef, snap volume.SnapshotRef) error
	CreateClonedVolume(ctx context.Context, vol, src volume.VolumeRef) error
	DeleteVolume(ctx context.Context, vol volume.VolumeRef) error
	CreateSnapshot(ctx context.Context, snap volume.SnapshotRef) error
	DeleteSnapshot(ctx context.Context, snap volume.SnapshotRef) error
	ExtendVolume(ctx context.Context, vol volume.VolumeRef, newSizeGiB int64) zfs.ExtendResult
	ManageExistingGetSize(ctx context.Context, sourceName string) (int64, error)
	CreateExport(ctx context.Context, vol volume.VolumeRef) (*volume.ModelUpdate, error)
	EnsureExport(ctx context.Context, vol volume.VolumeRef) (*volume.ModelUpdate, error)
	InitializeConnection(ctx context.Context, vol volume.VolumeRef) (*volume.ConnectionInfo, error)
	TerminateConnection(ctx context.Context, vol volume.VolumeRef) error
	GetVolumeStats(ctx context.Context) capacity.PoolStats
}

var _ Backend = (*volume.Manager)(nil)

// ControllerService implements the CSI Controller service.
type ControllerService struct {
	csi.UnimplementedControllerServer
	backend Backend
	locks   *VolumeLocks
}

// NewControllerService creates a new controller service.
func NewControllerService(backend Backend, locks *VolumeLocks) *ControllerService {
	return &ControllerService{backend: backend, locks: locks}
}

// SnapshotID encodes a snapshot ID.
func SnapshotID(volumeName, snapshotName string) string {
	return volumeName + snapshotSeparator + snapshotName
}

// ParseSnapshotID splits a snapshot ID into volume and snapshot names.
func ParseSnapshotID(id string) (volumeName, snapshotName string, err error) {
	volumeName, snapshotName, ok := strings.Cut(id, snapshotSeparator)
	if !ok || volumeName == "" || snapshotName == "" || strings.Contains(snapshotName, snapshotSeparator) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidSnapshotID, id)
	}
	return volumeName, snapshotName, nil
}

// requestedGiB converts a capacity range to whole GiB. A missing range
// yields 1 GiB.
func requestedGiB(cr *csi.CapacityRange) (int64, error) {
	required := cr.GetRequiredBytes()
	limit := cr.GetLimitBytes()
	if required < 0 || limit < 0 {
		return 0, status.Error(codes.InvalidArgument, "Capacity must not be negative")
	}
	if limit > 0 && required > limit {
		return 0, status.Errorf(codes.InvalidArgument, "Required capacity %s exceeds limit %s", quantity(required), quantity(limit))
	}

	gib := zfs.BytesToGiBCeil(required)
	if gib < 1 {
		gib = 1
	}
	if limit > 0 && zfs.GiBToBytes(gib) > limit {
		return 0, status.Errorf(codes.OutOfRange, "Capacity %s rounded to whole GiB exceeds limit %s",
			quantity(zfs.GiBToBytes(gib)), quantity(limit))
	}
	return gib, nil
}

func quantity(bytes int64) string {
	return resource.NewQuantity(bytes, resource.BinarySI).String()
}

// validateCapabilities accepts raw block access in single-node or
// read-only modes.
func validateCapabilities(caps []*csi.VolumeCapability) error {
	for _, c := range caps {
		if c.GetBlock() == nil {
			return status.Error(codes.InvalidArgument, "Only block access type is supported")
		}
		switch c.GetAccessMode().GetMode() {
		case csi.VolumeCapability_AccessMode_SINGLE_NODE_WRITER,
			csi.VolumeCapability_AccessMode_SINGLE_NODE_READER_ONLY,
			csi.VolumeCapability_AccessMode_SINGLE_NODE_SINGLE_WRITER,
			csi.VolumeCapability_AccessMode_SINGLE_NODE_MULTI_WRITER,
			csi.VolumeCapability_AccessMode_MULTI_NODE_READER_ONLY:
		default:
			return status.Errorf(codes.InvalidArgument, "Access mode %s is not supported", c.GetAccessMode().GetMode())
		}
	}
	return nil
}

func (s *ControllerService) acquire(id string) error {
	if !s.locks.TryAcquire(id) {
		return status.Errorf(codes.Aborted, errMsgOperationPending, id)
	}
	return nil
}

// CreateVolume creates a zvol named after the request and exports it.
func (s *ControllerService) CreateVolume(ctx context.Context, req *csi.CreateVolumeRequest) (resp *csi.CreateVolumeResponse, err error) {
	timer := metrics.NewOperationTimer(metrics.OpCreateVolume)
	defer func() { timer.Observe(err) }()
	klog.V(4).Infof("CreateVolume called with request: %+v", req)

	name := req.GetName()
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "Volume name is required")
	}
	if len(req.GetVolumeCapabilities()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "Volume capabilities are required")
	}
	if err := validateCapabilities(req.GetVolumeCapabilities()); err != nil {
		return nil, err
	}
	sizeGiB, err := requestedGiB(req.GetCapacityRange())
	if err != nil {
		return nil, err
	}

	if err := s.acquire(name); err != nil {
		return nil, err
	}
	defer s.locks.Release(name)

	vol := volume.VolumeRef{ID: name, Name: name, SizeGiB: sizeGiB}
	source := req.GetVolumeContentSource()
	switch {
	case source.GetSnapshot() != nil:
		err = s.createFromSnapshot(ctx, vol, source.GetSnapshot().GetSnapshotId())
	case source.GetVolume() != nil:
		err = s.createFromVolume(ctx, vol, source.GetVolume().GetVolumeId())
	default:
		err = s.backend.CreateVolume(ctx, vol)
	}
	if err != nil {
		return nil, toStatus(err)
	}

	update, err := s.backend.CreateExport(ctx, vol)
	if err != nil {
		return nil, toStatus(err)
	}

	klog.Infof("Created volume %s (%s) at %s", name, quantity(zfs.GiBToBytes(sizeGiB)), update.ProviderLocation)
	return &csi.CreateVolumeResponse{
		Volume: &csi.Volume{
			VolumeId:      name,
			CapacityBytes: zfs.GiBToBytes(sizeGiB),
			VolumeContext: map[string]string{ContextProviderLocation: update.ProviderLocation},
			ContentSource: source,
		},
	}, nil
}

func (s *ControllerService) createFromSnapshot(ctx context.Context, vol volume.VolumeRef, snapshotID string) error {
	volumeName, snapshotName, err := ParseSnapshotID(snapshotID)
	if err != nil {
		return status.Error(codes.NotFound, err.Error())
	}
	snap := volume.SnapshotRef{ID: snapshotID, Name: snapshotName, VolumeID: volumeName, VolumeName: volumeName}
	return s.existingCloneOK(ctx, vol, s.backend.CreateVolumeFromSnapshot(ctx, vol, snap))
}

func (s *ControllerService) createFromVolume(ctx context.Context, vol volume.VolumeRef, sourceID string) error {
	src := volume.VolumeRef{ID: sourceID, Name: sourceID}
	return s.existingCloneOK(ctx, vol, s.backend.CreateClonedVolume(ctx, vol, src))
}

// existingCloneOK turns ErrVolumeExists from a repeated clone request into
// success when the existing volume is large enough.
func (s *ControllerService) existingCloneOK(ctx context.Context, vol volume.VolumeRef, err error) error {
	if !errors.Is(err, volume.ErrVolumeExists) {
		return err
	}
	size, sizeErr := s.backend.ManageExistingGetSize(ctx, vol.Name)
	if sizeErr != nil || size < vol.SizeGiB {
		return err
	}
	klog.Infof("Volume %s already exists with %dGiB", vol.Name, size)
	return nil
}

// DeleteVolume destroys a volume. Unknown volumes are success.
func (s *ControllerService) DeleteVolume(ctx context.Context, req *csi.DeleteVolumeRequest) (resp *csi.DeleteVolumeResponse, err error) {
	timer := metrics.NewOperationTimer(metrics.OpDeleteVolume)
	defer func() { timer.Observe(err) }()
	klog.V(4).Infof("DeleteVolume called with request: %+v", req)

	volumeID := req.GetVolumeId()
	if volumeID == "" {
		return nil, status.Error(codes.InvalidArgument, errMsgVolumeIDRequired)
	}
	if err := s.acquire(volumeID); err != nil {
		return nil, err
	}
	defer s.locks.Release(volumeID)

	if err := s.backend.DeleteVolume(ctx, volume.VolumeRef{ID: volumeID, Name: volumeID}); err != nil {
		return nil, toStatus(err)
	}
	return &csi.DeleteVolumeResponse{}, nil
}

// ControllerPublishVolume makes sure the volume is exported and hands the
// node its target.
func (s *ControllerService) ControllerPublishVolume(ctx context.Context, req *csi.ControllerPublishVolumeRequest) (resp *csi.ControllerPublishVolumeResponse, err error) {
	timer := metrics.NewOperationTimer(metrics.OpControllerPublish)
	defer func() { timer.Observe(err) }()
	klog.V(4).Infof("ControllerPublishVolume called with request: %+v", req)

	volumeID := req.GetVolumeId()
	if volumeID == "" {
		return nil, status.Error(codes.InvalidArgument, errMsgVolumeIDRequired)
	}
	if req.GetNodeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "Node ID is required")
	}
	if req.GetVolumeCapability() == nil {
		return nil, status.Error(codes.InvalidArgument, errMsgCapabilityRequired)
	}
	if err := validateCapabilities([]*csi.VolumeCapability{req.GetVolumeCapability()}); err != nil {
		return nil, err
	}

	if err := s.acquire(volumeID); err != nil {
		return nil, err
	}
	defer s.locks.Release(volumeID)

	update, err := s.backend.EnsureExport(ctx, volume.VolumeRef{ID: volumeID, Name: volumeID})
	if err != nil {
		return nil, toStatus(err)
	}
	portal, iqn, lun, err := volume.ParseProviderLocation(update.ProviderLocation)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	klog.Infof("Published volume %s to node %s via %s", volumeID, req.GetNodeId(), portal)
	return &csi.ControllerPublishVolumeResponse{
		PublishContext: map[string]string{
			ContextPortal:    portal,
			ContextTargetIQN: iqn,
			ContextLUN:       strconv.Itoa(lun),
		},
	}, nil
}

// ControllerUnpublishVolume leaves the export in place; the node logs out
// when it unstages.
func (s *ControllerService) ControllerUnpublishVolume(_ context.Context, req *csi.ControllerUnpublishVolumeRequest) (resp *csi.ControllerUnpublishVolumeResponse, err error) {
	timer := metrics.NewOperationTimer(metrics.OpControllerUnpublish)
	defer func() { timer.Observe(err) }()
	klog.V(4).Infof("ControllerUnpublishVolume called with request: %+v", req)

	if req.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, errMsgVolumeIDRequired)
	}
	return &csi.ControllerUnpublishVolumeResponse{}, nil
}

// ValidateVolumeCapabilities confirms block capabilities of an existing volume.
func (s *ControllerService) ValidateVolumeCapabilities(ctx context.Context, req *csi.ValidateVolumeCapabilitiesRequest) (resp *csi.ValidateVolumeCapabilitiesResponse, err error) {
	timer := metrics.NewOperationTimer(metrics.OpValidateCapabilities)
	defer func() { timer.Observe(err) }()
	klog.V(4).Infof("ValidateVolumeCapabilities called with request: %+v", req)

	volumeID := req.GetVolumeId()
	if volumeID == "" {
		return nil, status.Error(codes.InvalidArgument, errMsgVolumeIDRequired)
	}
	if len(req.GetVolumeCapabilities()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "Volume capabilities are required")
	}

	if _, err := s.backend.ManageExistingGetSize(ctx, volumeID); err != nil {
		return nil, toStatus(err)
	}

	if capErr := validateCapabilities(req.GetVolumeCapabilities()); capErr != nil {
		return &csi.ValidateVolumeCapabilitiesResponse{Message: status.Convert(capErr).Message()}, nil
	}
	return &csi.ValidateVolumeCapabilitiesResponse{
		Confirmed: &csi.ValidateVolumeCapabilitiesResponse_Confirmed{
			VolumeContext:      req.GetVolumeContext(),
			VolumeCapabilities: req.GetVolumeCapabilities(),
			Parameters:         req.GetParameters(),
		},
	}, nil
}

// CreateSnapshot snapshots the source volume. The snapshot ID is
// <volume>@<name>.
func (s *ControllerService) CreateSnapshot(ctx context.Context, req *csi.CreateSnapshotRequest) (resp *csi.CreateSnapshotResponse, err error) {
	timer := metrics.NewOperationTimer(metrics.OpCreateSnapshot)
	defer func() { timer.Observe(err) }()
	klog.V(4).Infof("CreateSnapshot called with request: %+v", req)

	name, sourceID := req.GetName(), req.GetSourceVolumeId()
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "Snapshot name is required")
	}
	if sourceID == "" {
		return nil, status.Error(codes.InvalidArgument, "Source volume ID is required")
	}

	if err := s.acquire(sourceID); err != nil {
		return nil, err
	}
	defer s.locks.Release(sourceID)

	id := SnapshotID(sourceID, name)
	snap := volume.SnapshotRef{ID: id, Name: name, VolumeID: sourceID, VolumeName: sourceID}
	if err := s.backend.CreateSnapshot(ctx, snap); err != nil {
		return nil, toStatus(err)
	}

	sizeGiB, err := s.backend.ManageExistingGetSize(ctx, sourceID)
	if err != nil {
		klog.Warningf("Size of snapshot source %s unknown: %v", sourceID, err)
		sizeGiB = 0
	}

	klog.Infof("Created snapshot %s", id)
	return &csi.CreateSnapshotResponse{
		Snapshot: &csi.Snapshot{
			SnapshotId:     id,
			SourceVolumeId: sourceID,
			SizeBytes:      zfs.GiBToBytes(sizeGiB),
			CreationTime:   timestamppb.Now(),
			ReadyToUse:     true,
		},
	}, nil
}

// DeleteSnapshot destroys a snapshot. Unknown and malformed IDs are success.
func (s *ControllerService) DeleteSnapshot(ctx context.Context, req *csi.DeleteSnapshotRequest) (resp *csi.DeleteSnapshotResponse, err error) {
	timer := metrics.NewOperationTimer(metrics.OpDeleteSnapshot)
	defer func() { timer.Observe(err) }()
	klog.V(4).Infof("DeleteSnapshot called with request: %+v", req)

	id := req.GetSnapshotId()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, errMsgSnapshotIDRequired)
	}
	volumeName, snapshotName, err := ParseSnapshotID(id)
	if err != nil {
		klog.V(4).Infof("Ignoring delete of unknown snapshot: %v", err)
		return &csi.DeleteSnapshotResponse{}, nil
	}

	if err := s.acquire(volumeName); err != nil {
		return nil, err
	}
	defer s.locks.Release(volumeName)

	snap := volume.SnapshotRef{ID: id, Name: snapshotName, VolumeID: volumeName, VolumeName: volumeName}
	if err := s.backend.DeleteSnapshot(ctx, snap); err != nil {
		if errors.Is(err, volume.ErrInvalidName) {
			klog.V(4).Infof("Ignoring delete of unknown snapshot: %v", err)
			return &csi.DeleteSnapshotResponse{}, nil
		}
		return nil, toStatus(err)
	}
	return &csi.DeleteSnapshotResponse{}, nil
}

// ControllerExpandVolume grows a volume. Block volumes need no node step.
func (s *ControllerService) ControllerExpandVolume(ctx context.Context, req *csi.ControllerExpandVolumeRequest) (resp *csi.ControllerExpandVolumeResponse, err error) {
	timer := metrics.NewOperationTimer(metrics.OpExpandVolume)
	defer func() { timer.Observe(err) }()
	klog.V(4).Infof("ControllerExpandVolume called with request: %+v", req)

	volumeID := req.GetVolumeId()
	if volumeID == "" {
		return nil, status.Error(codes.InvalidArgument, errMsgVolumeIDRequired)
	}
	if req.GetCapacityRange() == nil {
		return nil, status.Error(codes.InvalidArgument, "Capacity range is required")
	}
	sizeGiB, err := requestedGiB(req.GetCapacityRange())
	if err != nil {
		return nil, err
	}

	if err := s.acquire(volumeID); err != nil {
		return nil, err
	}
	defer s.locks.Release(volumeID)

	current, err := s.backend.ManageExistingGetSize(ctx, volumeID)
	if err != nil {
		return nil, toStatus(err)
	}
	if current >= sizeGiB {
		klog.V(4).Infof("Volume %s already has %dGiB", volumeID, current)
		return &csi.ControllerExpandVolumeResponse{CapacityBytes: zfs.GiBToBytes(current)}, nil
	}

	res := s.backend.ExtendVolume(ctx, volume.VolumeRef{ID: volumeID, Name: volumeID, SizeGiB: current}, sizeGiB)
	if !res.OK() {
		return nil, status.Errorf(codes.Internal, "Failed to expand volume %s: %v", volumeID, res.Err)
	}

	klog.Infof("Expanded volume %s to %s", volumeID, quantity(zfs.GiBToBytes(sizeGiB)))
	return &csi.ControllerExpandVolumeResponse{
		CapacityBytes:         zfs.GiBToBytes(sizeGiB),
		NodeExpansionRequired: false,
	}, nil
}

// GetCapacity reports the free space of the pool behind the base dataset.
func (s *ControllerService) GetCapacity(ctx context.Context, req *csi.GetCapacityRequest) (resp *csi.GetCapacityResponse, err error) {
	timer := metrics.NewOperationTimer(metrics.OpGetCapacity)
	defer func() { timer.Observe(err) }()
	klog.V(4).Infof("GetCapacity called with request: %+v", req)

	if caps := req.GetVolumeCapabilities(); len(caps) > 0 {
		if err := validateCapabilities(caps); err != nil {
			return &csi.GetCapacityResponse{}, nil
		}
	}

	stats := s.backend.GetVolumeStats(ctx)
	klog.V(4).Infof("Pool %s capacity: total=%s, free=%s, provisioned=%s",
		stats.PoolName, quantity(stats.TotalBytes), quantity(stats.FreeBytes), quantity(stats.ProvisionedBytes))

	return &csi.GetCapacityResponse{
		AvailableCapacity: stats.FreeBytes,
	}, nil
}

// ControllerGetCapabilities returns controller capabilities.
func (s *ControllerService) ControllerGetCapabilities(_ context.Context, _ *csi.ControllerGetCapabilitiesRequest) (*csi.ControllerGetCapabilitiesResponse, error) {
	klog.V(4).Info("ControllerGetCapabilities called")

	rpcs := []csi.ControllerServiceCapability_RPC_Type{
		csi.ControllerServiceCapability_RPC_CREATE_DELETE_VOLUME,
		csi.ControllerServiceCapability_RPC_PUBLISH_UNPUBLISH_VOLUME,
		csi.ControllerServiceCapability_RPC_GET_CAPACITY,
		csi.ControllerServiceCapability_RPC_EXPAND_VOLUME,
		csi.ControllerServiceCapability_RPC_CREATE_DELETE_SNAPSHOT,
		csi.ControllerServiceCapability_RPC_CLONE_VOLUME,
	}
	caps := make([]*csi.ControllerServiceCapability, 0, len(rpcs))
	for _, rpc := range rpcs {
		caps = append(caps, &csi.ControllerServiceCapability{
			Type: &csi.ControllerServiceCapability_Rpc{
				Rpc: &csi.ControllerServiceCapability_RPC{Type: rpc},
			},
		})
	}
	return &csi.ControllerGetCapabilitiesResponse{Capabilities: caps}, nil
}
