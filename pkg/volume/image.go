package volume

import (
	"context"
	"errors"

	"github.com/fenio/zol-iscsi/pkg/metrics"
	"github.com/fenio/zol-iscsi/pkg/zfs"
	"k8s.io/klog/v2"
)

// ImageService moves raw image bytes to and from a block device. The
// Manager supplies only the device path and the volume size.
type ImageService interface {
	FetchToDevice(ctx context.Context, imageID, devicePath string, sizeBytes int64) error
	UploadFromDevice(ctx context.Context, imageID, devicePath string, sizeBytes int64) error
}

// CopyImageToVolume writes an image onto a volume through a temporary
// initiator session.
func (m *Manager) CopyImageToVolume(ctx context.Context, vol VolumeRef, imageID string) (err error) {
	timer := metrics.NewVolumeOperationTimer(metrics.ComponentLifecycle, "copy_image_to_volume")
	defer func() { timer.Observe(err) }()

	return m.withDevice(ctx, vol, func(devicePath string) error {
		klog.Infof("Writing image %s to %s (%s)", imageID, vol.Name, devicePath)
		return m.images.FetchToDevice(ctx, imageID, devicePath, zfs.GiBToBytes(vol.SizeGiB))
	})
}

// CopyVolumeToImage reads a volume into an image through a temporary
// initiator session.
func (m *Manager) CopyVolumeToImage(ctx context.Context, vol VolumeRef, imageID string) (err error) {
	timer := metrics.NewVolumeOperationTimer(metrics.ComponentLifecycle, "copy_volume_to_image")
	defer func() { timer.Observe(err) }()

	return m.withDevice(ctx, vol, func(devicePath string) error {
		klog.Infof("Reading %s (%s) into image %s", vol.Name, devicePath, imageID)
		return m.images.UploadFromDevice(ctx, imageID, devicePath, zfs.GiBToBytes(vol.SizeGiB))
	})
}

// withDevice connects vol, runs fn on its block device and disconnects,
// whether or not fn succeeded.
func (m *Manager) withDevice(ctx context.Context, vol VolumeRef, fn func(devicePath string) error) error {
	if m.images == nil {
		return ErrNoImageService
	}

	info, err := m.InitializeConnection(ctx, vol)
	if err != nil {
		return err
	}

	fnErr := fn(info.DevicePath)

	// Disconnect even when ctx is already done.
	if err := m.TerminateConnection(context.WithoutCancel(ctx), vol); err != nil {
		klog.Warningf("Disconnect of %s after image copy failed: %v", vol.Name, err)
		return errors.Join(fnErr, err)
	}
	return fnErr
}
