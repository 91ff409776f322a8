package volume

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fenio/zol-iscsi/pkg/capacity"
	"github.com/fenio/zol-iscsi/pkg/cmdrunner"
	"github.com/fenio/zol-iscsi/pkg/config"
	"github.com/fenio/zol-iscsi/pkg/iscsi"
	"github.com/fenio/zol-iscsi/pkg/metrics"
	"github.com/fenio/zol-iscsi/pkg/zfs"
	"k8s.io/klog/v2"
)

// Manager runs volume lifecycle operations. It holds no per-volume state
// and is safe for concurrent use on different volumes; callers serialize
// operations on the same volume.
type Manager struct {
	source   config.Source
	zfs      zfs.ClientInterface
	iscsi    iscsi.ClientInterface
	reporter *capacity.Reporter
	images   ImageService
}

// Option configures a Manager.
type Option func(*Manager)

// WithImageService enables image import and export.
func WithImageService(svc ImageService) Option {
	return func(m *Manager) { m.images = svc }
}

// NewManager creates a Manager.
func NewManager(source config.Source, z zfs.ClientInterface, i iscsi.ClientInterface, opts ...Option) *Manager {
	m := &Manager{
		source:   source,
		zfs:      z,
		iscsi:    i,
		reporter: capacity.NewReporter(z, source),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// paths resolves the configuration in effect for this call.
type paths struct {
	cfg *config.Config
}

func (m *Manager) current() paths {
	return paths{cfg: m.source.Current()}
}

func (p paths) volume(name string) string {
	return zfs.DatasetPath(p.cfg.ZFS.Base, name)
}

func (p paths) snapshot(volume, snapshot string) string {
	return zfs.SnapshotPath(p.cfg.ZFS.Base, volume, snapshot)
}

// name strips the base dataset from a dataset path.
func (p paths) name(datasetPath string) string {
	return strings.TrimPrefix(datasetPath, p.cfg.ZFS.Base+"/")
}

// CheckForSetupError verifies that the base dataset exists.
func (m *Manager) CheckForSetupError(ctx context.Context) error {
	base := m.current().cfg.ZFS.Base
	exists, err := m.zfs.Exists(ctx, base)
	if err != nil {
		return fmt.Errorf("failed to check base dataset %s: %w", base, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrBaseDatasetMissing, base)
	}
	return nil
}

// CreateVolume creates a zvol after confirming it is absent. A zvol that
// already exists with the requested size is success.
func (m *Manager) CreateVolume(ctx context.Context, vol VolumeRef) (err error) {
	timer := metrics.NewVolumeOperationTimer(metrics.ComponentLifecycle, "create_volume")
	defer func() { timer.Observe(err) }()

	if err := validateName("volume", vol.Name); err != nil {
		return err
	}
	if vol.SizeGiB < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidSize, vol.SizeGiB)
	}

	p := m.current()
	path := p.volume(vol.Name)

	done, err := m.existingMatches(ctx, path, vol.SizeGiB)
	if err != nil || done {
		return err
	}

	opts := zfs.CreateOptionsFromConfig(p.cfg.ZFS)
	if opts.WantsEncryption() {
		opts.EncryptionSupported = m.supportsEncryption(ctx, zfs.PoolName(p.cfg.ZFS.Base))
	}
	if err := m.zfs.Create(ctx, path, vol.SizeGiB, opts); err != nil {
		return err
	}

	metrics.SetVolumeCapacity(vol.Name, zfs.GiBToBytes(vol.SizeGiB))
	klog.Infof("Created volume %s (%dGiB)", vol.Name, vol.SizeGiB)
	return nil
}

// existingMatches confirms a create target is absent. It reports true when
// the zvol already exists with sizeGiB, and ErrVolumeExists when it exists
// with another size.
func (m *Manager) existingMatches(ctx context.Context, path string, sizeGiB int64) (bool, error) {
	exists, err := m.zfs.Exists(ctx, path)
	if err != nil {
		return false, fmt.Errorf("failed to check for %s: %w", path, err)
	}
	if !exists {
		return false, nil
	}

	current, err := m.zfs.Volsize(ctx, path)
	if err != nil {
		return false, err
	}
	if current != zfs.GiBToBytes(sizeGiB) {
		return false, fmt.Errorf("%w: %s has %d bytes, requested %dGiB", ErrVolumeExists, path, current, sizeGiB)
	}
	klog.Infof("Volume %s already exists with %dGiB", path, sizeGiB)
	return true, nil
}

func (m *Manager) supportsEncryption(ctx context.Context, pool string) bool {
	v, err := m.zfs.GetPoolProperty(ctx, pool, zfs.PoolFeatureEncryption, zfs.KindFeature)
	if err != nil {
		klog.Warningf("Could not read %s of pool %s: %v", zfs.PoolFeatureEncryption, pool, err)
		return false
	}
	return v.Enabled
}

// probeForDelete checks presence on a delete path. A probe that failed with
// an exit code counts as absent; a transport or parse failure does not.
func (m *Manager) probeForDelete(ctx context.Context, path string) (bool, error) {
	exists, err := m.zfs.Exists(ctx, path)
	if err == nil {
		return exists, nil
	}
	if _, ok := cmdrunner.ExitCode(err); ok {
		klog.Warningf("Treating %s as absent: %v", path, err)
		return false, nil
	}
	return false, fmt.Errorf("failed to check for %s: %w", path, err)
}

// DeleteVolume logs out any session on the volume's target, then destroys
// the zvol. An absent volume is success. A failing logout is logged and the
// destroy runs anyway.
func (m *Manager) DeleteVolume(ctx context.Context, vol VolumeRef) (err error) {
	timer := metrics.NewVolumeOperationTimer(metrics.ComponentLifecycle, "delete_volume")
	defer func() { timer.Observe(err) }()

	if err := validateName("volume", vol.Name); err != nil {
		return err
	}
	p := m.current()
	path := p.volume(vol.Name)

	exists, err := m.probeForDelete(ctx, path)
	if err != nil {
		return err
	}
	if !exists {
		klog.Infof("Volume %s already deleted", vol.Name)
		metrics.DeleteVolumeCapacity(vol.Name)
		return nil
	}

	if err := m.releaseSessions(ctx, p.cfg, vol.Name); err != nil {
		klog.Warningf("Deleting %s despite session cleanup failure: %v", vol.Name, err)
	}

	if err := m.zfs.Destroy(ctx, path); err != nil {
		return err
	}
	metrics.DeleteVolumeCapacity(vol.Name)
	klog.Infof("Deleted volume %s", vol.Name)
	return nil
}

// CreateSnapshot snapshots a volume. An existing snapshot is success.
func (m *Manager) CreateSnapshot(ctx context.Context, snap SnapshotRef) (err error) {
	timer := metrics.NewVolumeOperationTimer(metrics.ComponentLifecycle, "create_snapshot")
	defer func() { timer.Observe(err) }()

	if err := validateName("snapshot", snap.Name); err != nil {
		return err
	}
	if err := validateName("volume", snap.VolumeName); err != nil {
		return err
	}

	p := m.current()
	snapPath := p.snapshot(snap.VolumeName, snap.Name)
	exists, err := m.zfs.Exists(ctx, snapPath)
	if err != nil {
		return fmt.Errorf("failed to check for %s: %w", snapPath, err)
	}
	if exists {
		klog.Infof("Snapshot %s already exists", snapPath)
		return nil
	}

	volPath := p.volume(snap.VolumeName)
	volExists, err := m.zfs.Exists(ctx, volPath)
	if err != nil {
		return fmt.Errorf("failed to check for %s: %w", volPath, err)
	}
	if !volExists {
		return fmt.Errorf("%w: %s", ErrVolumeNotFound, snap.VolumeName)
	}

	return m.zfs.Snapshot(ctx, volPath, snap.Name)
}

// DeleteSnapshot destroys a snapshot. An absent snapshot is success and
// nothing is destroyed.
func (m *Manager) DeleteSnapshot(ctx context.Context, snap SnapshotRef) (err error) {
	timer := metrics.NewVolumeOperationTimer(metrics.ComponentLifecycle, "delete_snapshot")
	defer func() { timer.Observe(err) }()

	if err := validateName("snapshot", snap.Name); err != nil {
		return err
	}
	if err := validateName("volume", snap.VolumeName); err != nil {
		return err
	}
	snapPath := m.current().snapshot(snap.VolumeName, snap.Name)
	exists, err := m.probeForDelete(ctx, snapPath)
	if err != nil {
		return err
	}
	if !exists {
		klog.Infof("Snapshot %s already deleted", snapPath)
		return nil
	}
	return m.zfs.Destroy(ctx, snapPath)
}

// CreateVolumeFromSnapshot clones a snapshot into a new volume and promotes
// it. The clone is grown afterwards when vol asks for more than the source.
func (m *Manager) CreateVolumeFromSnapshot(ctx context.Context, vol VolumeRef, snap SnapshotRef) (err error) {
	timer := metrics.NewVolumeOperationTimer(metrics.ComponentLifecycle, "create_from_snapshot")
	defer func() { timer.Observe(err) }()

	return m.cloneFromSnapshot(ctx, vol, snap)
}

func (m *Manager) cloneFromSnapshot(ctx context.Context, vol VolumeRef, snap SnapshotRef) error {
	if err := validateName("volume", vol.Name); err != nil {
		return err
	}

	p := m.current()
	snapPath := p.snapshot(snap.VolumeName, snap.Name)
	path := p.volume(vol.Name)

	snapExists, err := m.zfs.Exists(ctx, snapPath)
	if err != nil {
		return fmt.Errorf("failed to check for %s: %w", snapPath, err)
	}
	if !snapExists {
		return fmt.Errorf("%w: %s", ErrSnapshotNotFound, snapPath)
	}

	exists, err := m.zfs.Exists(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to check for %s: %w", path, err)
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrVolumeExists, path)
	}

	if err := m.zfs.CloneAndPromote(ctx, snapPath, path); err != nil {
		return err
	}

	size, err := m.zfs.Volsize(ctx, path)
	if err != nil {
		return err
	}
	if vol.SizeGiB > 0 && zfs.GiBToBytes(vol.SizeGiB) > size {
		res := m.zfs.Extend(ctx, path, vol.SizeGiB)
		if !res.OK() {
			return fmt.Errorf("%w %s to %dGiB: %w", ErrExtendFailed, vol.Name, vol.SizeGiB, res.Err)
		}
		size = zfs.GiBToBytes(vol.SizeGiB)
	}

	metrics.SetVolumeCapacity(vol.Name, size)
	klog.Infof("Created volume %s from %s", vol.Name, snapPath)
	return nil
}

// CloneSnapshotName is the snapshot CreateClonedVolume takes of the source.
func CloneSnapshotName(vol VolumeRef) string {
	id := vol.ID
	if id == "" {
		id = vol.Name
	}
	return "clone-" + id
}

// CreateClonedVolume snapshots src as clone-<id> and creates vol from it.
func (m *Manager) CreateClonedVolume(ctx context.Context, vol, src VolumeRef) (err error) {
	timer := metrics.NewVolumeOperationTimer(metrics.ComponentLifecycle, "create_cloned_volume")
	defer func() { timer.Observe(err) }()

	if err := validateName("volume", vol.Name); err != nil {
		return err
	}
	if err := validateName("volume", src.Name); err != nil {
		return err
	}

	p := m.current()
	srcPath := p.volume(src.Name)
	srcExists, err := m.zfs.Exists(ctx, srcPath)
	if err != nil {
		return fmt.Errorf("failed to check for %s: %w", srcPath, err)
	}
	if !srcExists {
		return fmt.Errorf("%w: %s", ErrVolumeNotFound, src.Name)
	}

	snap := SnapshotRef{Name: CloneSnapshotName(vol), VolumeID: src.ID, VolumeName: src.Name}
	snapPath := p.snapshot(src.Name, snap.Name)
	snapExists, err := m.zfs.Exists(ctx, snapPath)
	if err != nil {
		return fmt.Errorf("failed to check for %s: %w", snapPath, err)
	}
	if !snapExists {
		if err := m.zfs.Snapshot(ctx, srcPath, snap.Name); err != nil {
			return err
		}
	}

	return m.cloneFromSnapshot(ctx, vol, snap)
}

// ExtendVolume grows a volume. The result is advisory: callers decide how
// much a failed extend matters.
func (m *Manager) ExtendVolume(ctx context.Context, vol VolumeRef, newSizeGiB int64) zfs.ExtendResult {
	timer := metrics.NewVolumeOperationTimer(metrics.ComponentLifecycle, "extend_volume")

	res := m.zfs.Extend(ctx, m.current().volume(vol.Name), newSizeGiB)
	timer.Observe(res.Err)
	if res.OK() {
		metrics.SetVolumeCapacity(vol.Name, zfs.GiBToBytes(newSizeGiB))
	}
	return res
}

// ManageExisting adopts the zvol sourceName as vol by renaming it. Sessions
// on the old name are logged out first.
func (m *Manager) ManageExisting(ctx context.Context, vol VolumeRef, sourceName string) (err error) {
	timer := metrics.NewVolumeOperationTimer(metrics.ComponentLifecycle, "manage_existing")
	defer func() { timer.Observe(err) }()

	if err := validateName("volume", vol.Name); err != nil {
		return err
	}
	if err := validateName("volume", sourceName); err != nil {
		return err
	}

	p := m.current()
	oldPath, newPath := p.volume(sourceName), p.volume(vol.Name)
	if oldPath == newPath {
		return nil
	}

	exists, err := m.zfs.Exists(ctx, oldPath)
	if err != nil {
		return fmt.Errorf("failed to check for %s: %w", oldPath, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrVolumeNotFound, sourceName)
	}
	taken, err := m.zfs.Exists(ctx, newPath)
	if err != nil {
		return fmt.Errorf("failed to check for %s: %w", newPath, err)
	}
	if taken {
		return fmt.Errorf("%w: %s", ErrVolumeExists, newPath)
	}

	if err := m.zfs.Rename(ctx, oldPath, newPath, sessionReleaser{m: m, p: p}); err != nil {
		return err
	}
	klog.Infof("Managed %s as %s", sourceName, vol.Name)
	return nil
}

// ManageExistingGetSize returns the size of the zvol sourceName in GiB,
// rounded up.
func (m *Manager) ManageExistingGetSize(ctx context.Context, sourceName string) (int64, error) {
	if err := validateName("volume", sourceName); err != nil {
		return 0, err
	}
	path := m.current().volume(sourceName)
	exists, err := m.zfs.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("failed to check for %s: %w", path, err)
	}
	if !exists {
		return 0, fmt.Errorf("%w: %s", ErrVolumeNotFound, sourceName)
	}
	size, err := m.zfs.Volsize(ctx, path)
	if err != nil {
		return 0, err
	}
	return zfs.BytesToGiBCeil(size), nil
}

// ListVolumes returns the names of the zvols directly below the base
// dataset.
func (m *Manager) ListVolumes(ctx context.Context) ([]string, error) {
	p := m.current()
	paths, err := m.zfs.ListVolumes(ctx, p.cfg.ZFS.Base)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(paths))
	for _, path := range paths {
		if path == p.cfg.ZFS.Base {
			continue
		}
		name := p.name(path)
		if validateName("volume", name) != nil {
			klog.V(4).Infof("Skipping %s: not a volume of %s", path, p.cfg.ZFS.Base)
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// GetVolumeStats refreshes pool capacity. Stats are never cached.
func (m *Manager) GetVolumeStats(ctx context.Context) capacity.PoolStats {
	return m.reporter.Refresh(ctx, m.current().cfg.ZFS.Base)
}

// LocalPath returns the zvol device node on the SAN host.
func (m *Manager) LocalPath(vol VolumeRef) string {
	return zfs.ZvolDevicePath(m.current().volume(vol.Name))
}

// releaseSessions logs out of the target of volumeName when a session to it
// is live. A volume without a discoverable target has nothing to release.
func (m *Manager) releaseSessions(ctx context.Context, cfg *config.Config, volumeName string) error {
	target, err := m.iscsi.FindTarget(ctx, cfg.Portals(), volumeName)
	if err != nil {
		if errors.Is(err, iscsi.ErrTargetNotFound) {
			klog.V(4).Infof("No target for %s, no session to release", volumeName)
			return nil
		}
		return err
	}

	session, err := m.iscsi.Session(ctx, target.Portal, target.IQN)
	if err != nil {
		return err
	}
	if session == nil {
		klog.V(4).Infof("No live session to %s", target.IQN)
		return nil
	}
	return m.iscsi.Logout(ctx, target.Portal, target.IQN)
}

// sessionReleaser adapts releaseSessions to zfs.SessionReleaser.
type sessionReleaser struct {
	m *Manager
	p paths
}

func (r sessionReleaser) Release(ctx context.Context, datasetPath string) error {
	return r.m.releaseSessions(ctx, r.p.cfg, r.p.name(datasetPath))
}
