package volume

import (
	"context"
	"fmt"

	"github.com/fenio/zol-iscsi/pkg/metrics"
	"github.com/fenio/zol-iscsi/pkg/zfs"
	"k8s.io/klog/v2"
)

// CreateExport shares a volume over iSCSI and returns its location.
func (m *Manager) CreateExport(ctx context.Context, vol VolumeRef) (*ModelUpdate, error) {
	return m.export(ctx, vol, "create_export")
}

// EnsureExport re-shares a volume that should already be exported, e.g.
// after a restart of the target daemon.
func (m *Manager) EnsureExport(ctx context.Context, vol VolumeRef) (*ModelUpdate, error) {
	return m.export(ctx, vol, "ensure_export")
}

// export sets shareiscsi=on and looks the target up on every portal. When
// discovery does not list it yet, the location falls back to the primary
// portal and the configured target prefix.
func (m *Manager) export(ctx context.Context, vol VolumeRef, op string) (update *ModelUpdate, err error) {
	timer := metrics.NewVolumeOperationTimer(metrics.ComponentLifecycle, op)
	defer func() { timer.Observe(err) }()

	if err := validateName("volume", vol.Name); err != nil {
		return nil, err
	}
	p := m.current()
	path := p.volume(vol.Name)

	exists, err := m.zfs.Exists(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to check for %s: %w", path, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrVolumeNotFound, vol.Name)
	}

	if err := m.zfs.SetProperty(ctx, path, zfs.PropertyShareISCSI, zfs.ValueOn); err != nil {
		return nil, err
	}

	portal, iqn := p.cfg.Portal(), p.cfg.ISCSI.TargetPrefix+vol.Name
	target, err := m.iscsi.FindTarget(ctx, p.cfg.Portals(), vol.Name)
	if err != nil {
		klog.Warningf("Target of %s not discovered, using %s on %s: %v", vol.Name, iqn, portal, err)
	} else {
		portal, iqn = target.Portal, target.IQN
	}

	update = &ModelUpdate{ProviderLocation: ProviderLocation(portal, iqn, p.cfg.ISCSI.LUN)}
	klog.Infof("Exported %s at %s", vol.Name, update.ProviderLocation)
	return update, nil
}

// RemoveExport stops sharing a volume. An absent volume is success.
func (m *Manager) RemoveExport(ctx context.Context, vol VolumeRef) (err error) {
	timer := metrics.NewVolumeOperationTimer(metrics.ComponentLifecycle, "remove_export")
	defer func() { timer.Observe(err) }()

	if err := validateName("volume", vol.Name); err != nil {
		return err
	}
	path := m.current().volume(vol.Name)
	exists, err := m.probeForDelete(ctx, path)
	if err != nil {
		return err
	}
	if !exists {
		klog.Infof("Volume %s is gone, nothing to unexport", vol.Name)
		return nil
	}
	if err := m.zfs.SetProperty(ctx, path, zfs.PropertyShareISCSI, zfs.ValueOff); err != nil {
		return err
	}
	klog.Infof("Unexported %s", vol.Name)
	return nil
}

// CheckForExport returns ErrExportNotFound unless the volume exists and is
// shared.
func (m *Manager) CheckForExport(ctx context.Context, vol VolumeRef) error {
	if err := validateName("volume", vol.Name); err != nil {
		return err
	}
	path := m.current().volume(vol.Name)
	exists, err := m.zfs.Exists(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to check for %s: %w", path, err)
	}
	if !exists {
		return fmt.Errorf("%w: volume %s does not exist", ErrExportNotFound, vol.Name)
	}

	share, err := m.zfs.GetProperty(ctx, path, zfs.PropertyShareISCSI, zfs.KindString)
	if err != nil {
		return err
	}
	if share.Raw != zfs.ValueOn {
		return fmt.Errorf("%w: %s has %s=%s", ErrExportNotFound, vol.Name, zfs.PropertyShareISCSI, share.Raw)
	}
	return nil
}
