package volume

import (
	"context"
	"fmt"

	"github.com/fenio/zol-iscsi/pkg/metrics"
	"github.com/fenio/zol-iscsi/pkg/utils"
	"k8s.io/klog/v2"
)

// InitializeConnection discovers the volume's target, logs in and resolves
// the block device, in that order.
func (m *Manager) InitializeConnection(ctx context.Context, vol VolumeRef) (info *ConnectionInfo, err error) {
	timer := metrics.NewVolumeOperationTimer(metrics.ComponentLifecycle, "initialize_connection")
	defer func() { timer.Observe(err) }()

	if err := validateName("volume", vol.Name); err != nil {
		return nil, err
	}
	cfg := m.current().cfg
	target, err := m.iscsi.FindTarget(ctx, cfg.Portals(), vol.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to find target of %s: %w", vol.Name, err)
	}

	if err := m.iscsi.Login(ctx, target.Portal, target.IQN); err != nil {
		return nil, err
	}

	wait := utils.PollConfig("device of "+vol.Name, cfg.ISCSI.DeviceWaitAttempts, cfg.ISCSI.DeviceWaitInterval)
	device, err := m.iscsi.WaitForBlockDevice(ctx, target.IQN, wait)
	if err != nil {
		return nil, err
	}

	klog.Infof("Connected %s as %s via %s", vol.Name, device, target.Portal)
	return &ConnectionInfo{
		Portal:     target.Portal,
		TargetIQN:  target.IQN,
		LUN:        cfg.ISCSI.LUN,
		DevicePath: device,
	}, nil
}

// TerminateConnection logs out of the volume's target. Only an invalid name
// fails: missing volumes, targets and sessions are success, and a failing
// logout is logged. When the SAN cannot be asked whether the volume exists,
// the local session is still released.
func (m *Manager) TerminateConnection(ctx context.Context, vol VolumeRef) (err error) {
	timer := metrics.NewVolumeOperationTimer(metrics.ComponentLifecycle, "terminate_connection")
	defer func() { timer.Observe(err) }()

	if err := validateName("volume", vol.Name); err != nil {
		return err
	}
	p := m.current()
	exists, err := m.probeForDelete(ctx, p.volume(vol.Name))
	switch {
	case err != nil:
		klog.Warningf("Presence of %s unknown, releasing its session anyway: %v", vol.Name, err)
	case !exists:
		klog.V(4).Infof("Volume %s is gone, nothing to disconnect", vol.Name)
		return nil
	}

	if err := m.releaseSessions(ctx, p.cfg, vol.Name); err != nil {
		klog.Warningf("Disconnect of %s incomplete: %v", vol.Name, err)
		return nil
	}
	klog.Infof("Disconnected %s", vol.Name)
	return nil
}
