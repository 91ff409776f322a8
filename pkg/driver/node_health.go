package driver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

const (
	defaultSysfsRoot  = "/sys"
	scsiStateRunning  = "running"
	sysfsSectorBytes  = 512
	healthyMessage    = "iSCSI device is running"
	deviceStateSuffix = "device/state"
)

// VolumeHealth represents the health status of a volume.
type VolumeHealth struct {
	Message  string
	Abnormal bool
}

// Healthy returns a VolumeHealth indicating the volume is healthy.
func Healthy() VolumeHealth {
	return VolumeHealth{Message: healthyMessage}
}

// Unhealthy returns a VolumeHealth indicating the volume is unhealthy.
func Unhealthy(message string) VolumeHealth {
	return VolumeHealth{
		Abnormal: true,
		Message:  message,
	}
}

// ToCSI converts VolumeHealth to a CSI VolumeCondition.
func (h VolumeHealth) ToCSI() *csi.VolumeCondition {
	return &csi.VolumeCondition{
		Abnormal: h.Abnormal,
		Message:  h.Message,
	}
}

// NodeGetVolumeStats reports the size and condition of a published block
// volume.
func (s *NodeService) NodeGetVolumeStats(_ context.Context, req *csi.NodeGetVolumeStatsRequest) (*csi.NodeGetVolumeStatsResponse, error) {
	klog.V(4).Infof("NodeGetVolumeStats called with request: %+v", req)

	if req.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, errMsgVolumeIDRequired)
	}
	volumePath := req.GetVolumePath()
	if volumePath == "" {
		return nil, status.Error(codes.InvalidArgument, "Volume path is required")
	}
	if _, err := os.Lstat(volumePath); err != nil {
		if os.IsNotExist(err) {
			return nil, status.Errorf(codes.NotFound, "Volume path %s not found", volumePath)
		}
		return nil, status.Errorf(codes.Internal, "Failed to stat %s: %v", volumePath, err)
	}

	device, health := s.checkISCSIHealth(volumePath)
	resp := &csi.NodeGetVolumeStatsResponse{VolumeCondition: health.ToCSI()}
	if health.Abnormal {
		klog.Warningf("Volume %s is abnormal: %s", req.GetVolumeId(), health.Message)
		return resp, nil
	}

	if size, err := s.blockDeviceSize(device); err != nil {
		klog.V(4).Infof("Size of %s unknown: %v", device, err)
	} else {
		resp.Usage = []*csi.VolumeUsage{{Unit: csi.VolumeUsage_BYTES, Total: size}}
	}
	return resp, nil
}

// checkISCSIHealth resolves the device behind volumePath and checks its
// SCSI state in sysfs.
func (s *NodeService) checkISCSIHealth(volumePath string) (string, VolumeHealth) {
	device, err := filepath.EvalSymlinks(volumePath)
	if err != nil {
		return "", Unhealthy(fmt.Sprintf("iSCSI device behind %s not found: %v", volumePath, err))
	}

	state, err := s.scsiState(device)
	if err != nil {
		klog.V(4).Infof("Failed to get SCSI state of %s: %v", device, err)
		// An unreadable state does not make the volume abnormal.
		return device, Healthy()
	}
	if state != scsiStateRunning {
		return device, Unhealthy(fmt.Sprintf("iSCSI device %s state is %q (expected: %s)", device, state, scsiStateRunning))
	}
	return device, Healthy()
}

func (s *NodeService) sysfsBlock(device string, rest ...string) string {
	root := s.sysfsRoot
	if root == "" {
		root = defaultSysfsRoot
	}
	return filepath.Join(append([]string{root, "block", filepath.Base(device)}, rest...)...)
}

func (s *NodeService) scsiState(device string) (string, error) {
	data, err := os.ReadFile(s.sysfsBlock(device, deviceStateSuffix))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *NodeService) blockDeviceSize(device string) (int64, error) {
	data, err := os.ReadFile(s.sysfsBlock(device, "size"))
	if err != nil {
		return 0, err
	}
	sectors, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid sector count of %s: %w", device, err)
	}
	return sectors * sysfsSectorBytes, nil
}
