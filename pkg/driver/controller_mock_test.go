package driver

import (
	"context"
	"sync"

	"github.com/fenio/zol-iscsi/pkg/capacity"
	"github.com/fenio/zol-iscsi/pkg/volume"
	"github.com/fenio/zol-iscsi/pkg/zfs"
)

// mockBackend is a Backend whose calls are recorded and optionally overridden.
type mockBackend struct {
	checkFunc          func(ctx context.Context) error
	createFunc         func(ctx context.Context, vol volume.VolumeRef) error
	createFromSnapFunc func(ctx context.Context, vol volume.VolumeRef, snap volume.SnapshotRef) error
	cloneFunc          func(ctx context.Context, vol, src volume.VolumeRef) error
	deleteFunc         func(ctx context.Context, vol volume.VolumeRef) error
	createSnapshotFunc func(ctx context.Context, snap volume.SnapshotRef) error
	deleteSnapshotFunc func(ctx context.Context, snap volume.SnapshotRef) error
	extendFunc         func(ctx context.Context, vol volume.VolumeRef, newSizeGiB int64) zfs.ExtendResult
	sizeFunc           func(ctx context.Context, name string) (int64, error)
	exportFunc         func(ctx context.Context, vol volume.VolumeRef) (*volume.ModelUpdate, error)
	initializeFunc     func(ctx context.Context, vol volume.VolumeRef) (*volume.ConnectionInfo, error)
	terminateFunc      func(ctx context.Context, vol volume.VolumeRef) error
	stats              capacity.PoolStats
	calls              []string
	mu                 sync.Mutex
}

var _ Backend = (*mockBackend)(nil)

func (m *mockBackend) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *mockBackend) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockBackend) CheckForSetupError(ctx context.Context) error {
	m.record("CheckForSetupError")
	if m.checkFunc != nil {
		return m.checkFunc(ctx)
	}
	return nil
}

func (m *mockBackend) CreateVolume(ctx context.Context, vol volume.VolumeRef) error {
	m.record("CreateVolume " + vol.Name)
	if m.createFunc != nil {
		return m.createFunc(ctx, vol)
	}
	return nil
}

func (m *mockBackend) CreateVolumeFromSnapshot(ctx context.Context, vol volume.VolumeRef, snap volume.SnapshotRef) error {
	m.record("CreateVolumeFromSnapshot " + vol.Name + " " + snap.VolumeName + "@" + snap.Name)
	if m.createFromSnapFunc != nil {
		return m.createFromSnapFunc(ctx, vol, snap)
	}
	return nil
}

func (m *mockBackend) CreateClonedVolume(ctx context.Context, vol, src volume.VolumeRef) error {
	m.record("CreateClonedVolume " + vol.Name + " " + src.Name)
	if m.cloneFunc != nil {
		return m.cloneFunc(ctx, vol, src)
	}
	return nil
}

func (m *mockBackend) DeleteVolume(ctx context.Context, vol volume.VolumeRef) error {
	m.record("DeleteVolume " + vol.Name)
	if m.deleteFunc != nil {
		return m.deleteFunc(ctx, vol)
	}
	return nil
}

func (m *mockBackend) CreateSnapshot(ctx context.Context, snap volume.SnapshotRef) error {
	m.record("CreateSnapshot " + snap.VolumeName + "@" + snap.Name)
	if m.createSnapshotFunc != nil {
		return m.createSnapshotFunc(ctx, snap)
	}
	return nil
}

func (m *mockBackend) DeleteSnapshot(ctx context.Context, snap volume.SnapshotRef) error {
	m.record("DeleteSnapshot " + snap.VolumeName + "@" + snap.Name)
	if m.deleteSnapshotFunc != nil {
		return m.deleteSnapshotFunc(ctx, snap)
	}
	return nil
}

func (m *mockBackend) ExtendVolume(ctx context.Context, vol volume.VolumeRef, newSizeGiB int64) zfs.ExtendResult {
	m.record("ExtendVolume " + vol.Name)
	if m.extendFunc != nil {
		return m.extendFunc(ctx, vol, newSizeGiB)
	}
	return zfs.ExtendResult{SizeGiB: newSizeGiB}
}

func (m *mockBackend) ManageExistingGetSize(ctx context.Context, name string) (int64, error) {
	m.record("ManageExistingGetSize " + name)
	if m.sizeFunc != nil {
		return m.sizeFunc(ctx, name)
	}
	return 1, nil
}

func (m *mockBackend) CreateExport(ctx context.Context, vol volume.VolumeRef) (*volume.ModelUpdate, error) {
	m.record("CreateExport " + vol.Name)
	return m.export(ctx, vol)
}

func (m *mockBackend) EnsureExport(ctx context.Context, vol volume.VolumeRef) (*volume.ModelUpdate, error) {
	m.record("EnsureExport " + vol.Name)
	return m.export(ctx, vol)
}

func (m *mockBackend) export(ctx context.Context, vol volume.VolumeRef) (*volume.ModelUpdate, error) {
	if m.exportFunc != nil {
		return m.exportFunc(ctx, vol)
	}
	return &volume.ModelUpdate{
		ProviderLocation: volume.ProviderLocation("10.0.0.5:3260", "iqn.2010-10.org.openstack:"+vol.Name, 0),
	}, nil
}

func (m *mockBackend) InitializeConnection(ctx context.Context, vol volume.VolumeRef) (*volume.ConnectionInfo, error) {
	m.record("InitializeConnection " + vol.Name)
	if m.initializeFunc != nil {
		return m.initializeFunc(ctx, vol)
	}
	return &volume.ConnectionInfo{DevicePath: "/dev/sdb"}, nil
}

func (m *mockBackend) TerminateConnection(ctx context.Context, vol volume.VolumeRef) error {
	m.record("TerminateConnection " + vol.Name)
	if m.terminateFunc != nil {
		return m.terminateFunc(ctx, vol)
	}
	return nil
}

func (m *mockBackend) GetVolumeStats(_ context.Context) capacity.PoolStats {
	m.record("GetVolumeStats")
	return m.stats
}
