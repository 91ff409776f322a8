package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/fenio/zol-iscsi/pkg/capacity"
	"github.com/fenio/zol-iscsi/pkg/cmdrunner/cmdrunnertest"
	"github.com/fenio/zol-iscsi/pkg/config"
	"github.com/fenio/zol-iscsi/pkg/iscsi"
	"github.com/fenio/zol-iscsi/pkg/volume"
	"github.com/fenio/zol-iscsi/pkg/zfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	targetIQN   = "iqn.2012-11.com.example:share.tank.cinder.v1"
	discoveryV1 = "10.0.0.5:3260,1 " + targetIQN + "\n"
	sessionLine = "tcp: [1] 10.0.0.5:3260,1 " + targetIQN + " (non-flash)\n"
	byPathV1    = "/dev/disk/by-path/ip-10.0.0.5:3260-iscsi-" + targetIQN + "-lun-0"
	loginOK     = "Login to [iface: default, target: " + targetIQN + ", portal: 10.0.0.5,3260] successful.\n"
	logoutOK    = "Logout of [sid: 1, target: " + targetIQN + ", portal: 10.0.0.5,3260] successful.\n"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

// cliEnv runs zolctl against a simulated SAN.
type cliEnv struct {
	cfg  *config.Config
	fake *cmdrunnertest.Fake
	sim  *cmdrunnertest.ZFS
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	cfg := config.Default()
	cfg.ZFS.Base = "tank/cinder"
	cfg.SAN.Local = true
	cfg.ISCSI.IPAddress = "10.0.0.5"
	require.NoError(t, cfg.Validate())

	fake := cmdrunnertest.New()
	sim := cmdrunnertest.NewZFS().Install(fake, "zfs", "zpool")
	sim.AddPool("tank", map[string]string{"size": "107374182400", "feature@encryption": "disabled"})
	sim.AddDataset("tank/cinder", map[string]string{"available": "53687091200"})
	fake.On("iscsiadm -m discovery", cmdrunnertest.OK(""))

	return &cliEnv{cfg: cfg, fake: fake, sim: sim}
}

func (e *cliEnv) open(o *options) (*volume.Manager, func(), error) {
	var opts []volume.Option
	if o.imageDir != "" {
		opts = append(opts, volume.WithImageService(volume.NewDirImageService(o.imageDir)))
	}
	m := volume.NewManager(config.NewStatic(e.cfg), zfs.NewClient(e.fake, e.cfg.ZFS), iscsi.NewClient(e.fake), opts...)
	return m, func() {}, nil
}

func (e *cliEnv) run(args ...string) (string, error) {
	cmd := newRootCmd(e.open)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// runJSON runs a command with -o json and decodes its output into v.
func (e *cliEnv) runJSON(t *testing.T, v any, args ...string) {
	t.Helper()
	out, err := e.run(append(args, "-o", "json")...)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), v), out)
}

// connectable scripts discovery, login and device resolution for v1.
func (e *cliEnv) connectable(device string) {
	e.fake.On("iscsiadm -m discovery", cmdrunnertest.OK(discoveryV1))
	e.fake.On("iscsiadm -m session", cmdrunnertest.Fail(21, "iscsiadm: No active sessions.\n"), cmdrunnertest.OK(sessionLine))
	e.fake.On("iscsiadm -m node -l", cmdrunnertest.OK(loginOK))
	e.fake.On("iscsiadm -m node -u", cmdrunnertest.OK(logoutOK))
	e.fake.On("find /dev/disk/by-path", cmdrunnertest.OK(byPathV1+"\n"))
	e.fake.On("readlink -f", cmdrunnertest.OK(device+"\n"))
}

func TestCreateListDelete(t *testing.T) {
	e := newCLIEnv(t)

	var created volumeResult
	e.runJSON(t, &created, "create", "v1", "--size", "2Gi")
	assert.Equal(t, volumeResult{Name: "v1", Size: "2Gi", SizeGiB: 2}, created)
	assert.Equal(t, "2147483648", e.sim.Property("tank/cinder/v1", "volsize"))

	_, err := e.run("create", "v2", "--size", "1")
	require.NoError(t, err)

	var listed []VolumeInfo
	e.runJSON(t, &listed, "list")
	assert.Equal(t, []VolumeInfo{
		{Name: "v1", Size: "2Gi", Device: "/dev/zvol/tank/cinder/v1", SizeGiB: 2},
		{Name: "v2", Size: "1Gi", Device: "/dev/zvol/tank/cinder/v2", SizeGiB: 1},
	}, listed)

	out, err := e.run("delete", "v1")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted v1")
	assert.False(t, e.sim.Exists("tank/cinder/v1"))

	// Deleting again is success.
	_, err = e.run("delete", "v1")
	require.NoError(t, err)
}

func TestCreateRejectsBadSize(t *testing.T) {
	e := newCLIEnv(t)

	_, err := e.run("create", "v1", "--size", "0")
	require.ErrorIs(t, err, errInvalidSize)
	assert.Zero(t, e.fake.Count("zfs create"))
}

func TestCreateExistingWithDifferentSize(t *testing.T) {
	e := newCLIEnv(t)
	_, err := e.run("create", "v1", "--size", "1Gi")
	require.NoError(t, err)

	_, err = e.run("create", "v1", "--size", "3Gi")
	require.ErrorIs(t, err, volume.ErrVolumeExists)
}

func TestListSkipsNestedZvols(t *testing.T) {
	e := newCLIEnv(t)
	_, err := e.run("create", "v1", "--size", "1Gi")
	require.NoError(t, err)
	e.sim.AddDataset("tank/cinder/child", nil)
	e.sim.AddDataset("tank/cinder/child/v2", map[string]string{"volsize": "1073741824"})

	var listed []VolumeInfo
	e.runJSON(t, &listed, "list")
	assert.Equal(t, []VolumeInfo{
		{Name: "v1", Size: "1Gi", Device: "/dev/zvol/tank/cinder/v1", SizeGiB: 1},
	}, listed)
}

func TestListEmpty(t *testing.T) {
	e := newCLIEnv(t)

	out, err := e.run("list")
	require.NoError(t, err)
	assert.Contains(t, out, "No volumes found")
}

func TestExtend(t *testing.T) {
	e := newCLIEnv(t)
	_, err := e.run("create", "v1", "--size", "1Gi")
	require.NoError(t, err)

	var extended volumeResult
	e.runJSON(t, &extended, "extend", "v1", "--size", "3Gi")
	assert.Equal(t, int64(3), extended.SizeGiB)
	assert.Equal(t, "3221225472", e.sim.Property("tank/cinder/v1", "volsize"))

	_, err = e.run("extend", "v1", "--size", "2Gi")
	require.ErrorIs(t, err, volume.ErrExtendFailed)
	require.ErrorIs(t, err, zfs.ErrShrinkRefused)
}

func TestSnapshotAndClone(t *testing.T) {
	e := newCLIEnv(t)
	_, err := e.run("create", "v1", "--size", "2Gi")
	require.NoError(t, err)

	out, err := e.run("snapshot", "create", "v1", "s1")
	require.NoError(t, err)
	assert.Contains(t, out, "Created v1@s1")
	assert.True(t, e.sim.Exists("tank/cinder/v1@s1"))

	var fromSnap volumeResult
	e.runJSON(t, &fromSnap, "clone", "v2", "v1@s1")
	assert.Equal(t, volumeResult{Name: "v2", Source: "v1@s1", Size: "2Gi", SizeGiB: 2}, fromSnap)
	assert.True(t, e.sim.Exists("tank/cinder/v2"))

	var fromVolume volumeResult
	e.runJSON(t, &fromVolume, "clone", "v3", "v1", "--size", "4Gi")
	assert.Equal(t, int64(4), fromVolume.SizeGiB)
	assert.Equal(t, "4294967296", e.sim.Property("tank/cinder/v3", "volsize"))

	_, err = e.run("clone", "v4", "v1@missing")
	require.ErrorIs(t, err, volume.ErrSnapshotNotFound)

	_, err = e.run("snapshot", "create", "v3", "s2")
	require.NoError(t, err)
	var deleted actionResult
	e.runJSON(t, &deleted, "snapshot", "delete", "v3", "s2")
	assert.Equal(t, actionResult{Volume: "v3", Snapshot: "s2", Action: "Deleted"}, deleted)
	assert.False(t, e.sim.Exists("tank/cinder/v3@s2"))
}

func TestManage(t *testing.T) {
	e := newCLIEnv(t)
	e.sim.AddDataset("tank/cinder/legacy", map[string]string{"volsize": "1610612736"})

	var managed volumeResult
	e.runJSON(t, &managed, "manage", "v1", "legacy")
	assert.Equal(t, volumeResult{Name: "v1", Source: "legacy", Size: "2Gi", SizeGiB: 2}, managed)
	assert.True(t, e.sim.Exists("tank/cinder/v1"))
	assert.False(t, e.sim.Exists("tank/cinder/legacy"))

	_, err := e.run("manage", "v2", "absent")
	require.ErrorIs(t, err, volume.ErrVolumeNotFound)
}

func TestExportLifecycle(t *testing.T) {
	e := newCLIEnv(t)
	_, err := e.run("create", "v1")
	require.NoError(t, err)

	var state exportState
	out, err := e.run("check-export", "v1", "-o", "json")
	require.ErrorIs(t, err, volume.ErrExportNotFound)
	require.NoError(t, json.Unmarshal([]byte(out), &state))
	assert.False(t, state.Exported)

	var exported exportResult
	e.runJSON(t, &exported, "export", "v1")
	assert.Equal(t, exportResult{
		Name:             "v1",
		ProviderLocation: "10.0.0.5:3260,iqn.2010-10.org.openstack:v1 0",
		Portal:           "10.0.0.5:3260",
		TargetIQN:        "iqn.2010-10.org.openstack:v1",
	}, exported)
	assert.Equal(t, "on", e.sim.Property("tank/cinder/v1", "shareiscsi"))

	out, err = e.run("check-export", "v1")
	require.NoError(t, err)
	assert.Contains(t, out, "v1 is exported")

	e.fake.On("iscsiadm -m discovery", cmdrunnertest.OK(discoveryV1))
	e.runJSON(t, &exported, "export", "v1", "--ensure")
	assert.Equal(t, targetIQN, exported.TargetIQN)

	_, err = e.run("unexport", "v1")
	require.NoError(t, err)
	assert.Equal(t, "off", e.sim.Property("tank/cinder/v1", "shareiscsi"))
}

func TestConnectAndDisconnect(t *testing.T) {
	e := newCLIEnv(t)
	e.sim.AddDataset("tank/cinder/v1", map[string]string{"volsize": "1073741824"})
	e.connectable("/dev/sdb")

	var info volume.ConnectionInfo
	e.runJSON(t, &info, "connect", "v1")
	assert.Equal(t, volume.ConnectionInfo{Portal: "10.0.0.5:3260", TargetIQN: targetIQN, DevicePath: "/dev/sdb"}, info)
	assert.Equal(t, 1, e.fake.Count("iscsiadm -m node -l"))

	out, err := e.run("disconnect", "v1")
	require.NoError(t, err)
	assert.Contains(t, out, "Disconnected v1")
	assert.Equal(t, 1, e.fake.Count("iscsiadm -m node -u"))
}

func TestImageImportExport(t *testing.T) {
	e := newCLIEnv(t)
	e.sim.AddDataset("tank/cinder/v1", map[string]string{"volsize": "1073741824"})

	dir := t.TempDir()
	device := filepath.Join(dir, "sdb")
	require.NoError(t, os.WriteFile(device, nil, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base.raw"), []byte("image bytes"), 0o600))
	e.connectable(device)

	out, err := e.run("image", "import", "v1", "base", "--image-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote image base to v1")
	data, err := os.ReadFile(device)
	require.NoError(t, err)
	assert.Equal(t, "image bytes", string(data))

	var r imageResult
	e.runJSON(t, &r, "image", "export", "v1", "backup", "--image-dir", dir)
	assert.Equal(t, imageResult{Volume: "v1", Image: "backup"}, r)
	data, err = os.ReadFile(filepath.Join(dir, "backup.raw"))
	require.NoError(t, err)
	assert.Equal(t, "image bytes", string(data))

	// Every copy disconnects afterwards.
	assert.Equal(t, 2, e.fake.Count("iscsiadm -m node -u"))
}

func TestStats(t *testing.T) {
	e := newCLIEnv(t)
	_, err := e.run("create", "v1")
	require.NoError(t, err)

	var stats capacity.PoolStats
	e.runJSON(t, &stats, "stats")
	assert.Equal(t, "tank", stats.PoolName)
	assert.Equal(t, int64(107374182400), stats.TotalBytes)
	assert.Equal(t, int64(53687091200), stats.FreeBytes)
	assert.Equal(t, 1, stats.TotalVolumeCount)

	out, err := e.run("stats")
	require.NoError(t, err)
	assert.Contains(t, out, "100.0Gi")
	assert.Contains(t, out, "50.0Gi (50.0%)")
}

func TestUnknownOutputFormat(t *testing.T) {
	e := newCLIEnv(t)

	_, err := e.run("list", "-o", "xml")
	require.ErrorIs(t, err, errUnknownOutputFormat)
}
