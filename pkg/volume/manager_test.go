package volume_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/fenio/zol-iscsi/pkg/cmdrunner/cmdrunnertest"
	"github.com/fenio/zol-iscsi/pkg/config"
	"github.com/fenio/zol-iscsi/pkg/iscsi"
	"github.com/fenio/zol-iscsi/pkg/volume"
	"github.com/fenio/zol-iscsi/pkg/zfs"
)

const (
	gib         = int64(1) << 30
	portal      = "10.0.0.5:3260"
	targetIQN   = "iqn.2012-11.com.example:share.tank.cinder.v1"
	sessionLine = "tcp: [1] 10.0.0.5:3260,1 iqn.2012-11.com.example:share.tank.cinder.v1 (non-flash)\n"
	discoveryV1 = "10.0.0.5:3260,1 iqn.2012-11.com.example:share.tank.cinder.v1\n"
	noSessions  = "iscsiadm: No active sessions.\n"
	loginOK     = "Login to [iface: default, target: iqn.2012-11.com.example:share.tank.cinder.v1, portal: 10.0.0.5,3260] successful.\n"
	logoutOK    = "Logout of [sid: 1, target: iqn.2012-11.com.example:share.tank.cinder.v1, portal: 10.0.0.5,3260] successful.\n"
	byPathV1    = "/dev/disk/by-path/ip-10.0.0.5:3260-iscsi-iqn.2012-11.com.example:share.tank.cinder.v1-lun-0"
)

type env struct {
	cfg     *config.Config
	fake    *cmdrunnertest.Fake
	sim     *cmdrunnertest.ZFS
	manager *volume.Manager
}

func newEnv(mutate func(*config.Config), opts ...volume.Option) *env {
	cfg := config.Default()
	cfg.ZFS.Base = "tank/cinder"
	cfg.SAN.Local = true
	cfg.ISCSI.IPAddress = "10.0.0.5"
	if mutate != nil {
		mutate(cfg)
	}
	Expect(cfg.Validate()).To(Succeed())

	fake := cmdrunnertest.New()
	sim := cmdrunnertest.NewZFS().Install(fake, "zfs", "zpool")
	sim.AddPool("tank", map[string]string{"size": "107374182400", "feature@encryption": "disabled"})
	sim.AddDataset("tank/cinder", map[string]string{"available": "53687091200"})

	z := zfs.NewClient(fake, cfg.ZFS)
	i := iscsi.NewClient(fake)
	return &env{
		cfg:     cfg,
		fake:    fake,
		sim:     sim,
		manager: volume.NewManager(config.NewStatic(cfg), z, i, opts...),
	}
}

// exported scripts discovery and a live session for v1.
func (e *env) exported() {
	e.fake.On("iscsiadm -m discovery", cmdrunnertest.OK(discoveryV1))
	e.fake.On("iscsiadm -m session", cmdrunnertest.OK(sessionLine))
}

var _ = Describe("Manager", func() {
	var (
		ctx context.Context
		e   *env
	)

	BeforeEach(func() {
		ctx = context.Background()
		e = newEnv(nil)
	})

	Describe("CheckForSetupError", func() {
		It("accepts an existing base dataset", func() {
			Expect(e.manager.CheckForSetupError(ctx)).To(Succeed())
		})

		It("reports a missing base dataset", func() {
			e = newEnv(func(c *config.Config) { c.ZFS.Base = "tank/missing" })
			Expect(e.manager.CheckForSetupError(ctx)).To(MatchError(volume.ErrBaseDatasetMissing))
		})
	})

	Describe("CreateVolume", func() {
		It("creates the zvol with the configured properties", func() {
			Expect(e.manager.CreateVolume(ctx, volume.VolumeRef{Name: "v1", SizeGiB: 10})).To(Succeed())

			Expect(e.fake.Matching("zfs create")).To(Equal([]string{
				"zfs create -V10g -o compression=on -o dedup=off -o volblocksize=8K -o checksum=on -o copies=1 -o sync=standard tank/cinder/v1",
			}))
			Expect(e.sim.Exists("tank/cinder/v1")).To(BeTrue())
			Expect(e.fake.Index("zfs list -H tank/cinder/v1")).To(BeNumerically("<", e.fake.Index("zfs create")))
		})

		It("creates sparse zvols when thin provisioning", func() {
			e = newEnv(func(c *config.Config) { c.ZFS.ThinProvision = true })
			Expect(e.manager.CreateVolume(ctx, volume.VolumeRef{Name: "v1", SizeGiB: 1})).To(Succeed())
			Expect(e.fake.Matching("zfs create")[0]).To(HavePrefix("zfs create -V1g -s "))
		})

		It("succeeds without creating when the zvol exists with the same size", func() {
			e.sim.AddDataset("tank/cinder/v1", map[string]string{"volsize": "10737418240"})

			Expect(e.manager.CreateVolume(ctx, volume.VolumeRef{Name: "v1", SizeGiB: 10})).To(Succeed())
			Expect(e.fake.Count("zfs create")).To(BeZero())
		})

		It("refuses an existing zvol of another size", func() {
			e.sim.AddDataset("tank/cinder/v1", map[string]string{"volsize": "1073741824"})

			err := e.manager.CreateVolume(ctx, volume.VolumeRef{Name: "v1", SizeGiB: 10})
			Expect(err).To(MatchError(volume.ErrVolumeExists))
			Expect(e.fake.Count("zfs create")).To(BeZero())
		})

		It("does not create when presence cannot be determined", func() {
			e.fake.On("zfs list -H tank/cinder/v1", cmdrunnertest.Response{Err: errors.New("connection reset")})

			Expect(e.manager.CreateVolume(ctx, volume.VolumeRef{Name: "v1", SizeGiB: 10})).NotTo(Succeed())
			Expect(e.fake.Count("zfs create")).To(BeZero())
		})

		It("rejects bad input", func() {
			Expect(e.manager.CreateVolume(ctx, volume.VolumeRef{Name: "", SizeGiB: 1})).To(MatchError(volume.ErrInvalidName))
			Expect(e.manager.CreateVolume(ctx, volume.VolumeRef{Name: "a@b", SizeGiB: 1})).To(MatchError(volume.ErrInvalidName))
			Expect(e.manager.CreateVolume(ctx, volume.VolumeRef{Name: "v1", SizeGiB: 0})).To(MatchError(volume.ErrInvalidSize))
			Expect(e.fake.Commands()).To(BeEmpty())
		})

		Context("with encryption configured", func() {
			encrypted := func(c *config.Config) {
				c.ZFS.Encryption = "aes-256-gcm"
				c.ZFS.KeyFormat = "passphrase"
				c.ZFS.KeyLocation = "file:///etc/zol/key"
			}

			It("encrypts when the pool supports it", func() {
				e = newEnv(encrypted)
				e.sim.AddPool("tank", map[string]string{"feature@encryption": "enabled"})

				Expect(e.manager.CreateVolume(ctx, volume.VolumeRef{Name: "v1", SizeGiB: 1})).To(Succeed())
				Expect(e.fake.Matching("zfs create")[0]).To(ContainSubstring(
					"-o encryption=aes-256-gcm -o keyformat=passphrase -o keylocation=file:///etc/zol/key tank/cinder/v1"))
			})

			It("creates unencrypted when the pool does not", func() {
				e = newEnv(encrypted)

				Expect(e.manager.CreateVolume(ctx, volume.VolumeRef{Name: "v1", SizeGiB: 1})).To(Succeed())
				Expect(e.fake.Matching("zfs create")[0]).NotTo(ContainSubstring("encryption"))
			})
		})
	})

	Describe("DeleteVolume", func() {
		BeforeEach(func() {
			e.sim.AddDataset("tank/cinder/v1", map[string]string{"volsize": "1073741824"})
		})

		It("logs out of a live session before destroying", func() {
			e.exported()
			e.fake.On("iscsiadm -m node -u", cmdrunnertest.OK(logoutOK))

			Expect(e.manager.DeleteVolume(ctx, volume.VolumeRef{Name: "v1"})).To(Succeed())
			Expect(e.sim.Exists("tank/cinder/v1")).To(BeFalse())
			Expect(e.fake.Index("iscsiadm -m node -u")).To(BeNumerically("<", e.fake.Index("zfs destroy")))
		})

		It("destroys even when logout fails", func() {
			e.exported()
			e.fake.On("iscsiadm -m node -u", cmdrunnertest.Fail(8, "iscsiadm: session error"))

			Expect(e.manager.DeleteVolume(ctx, volume.VolumeRef{Name: "v1"})).To(Succeed())
			Expect(e.fake.Count("iscsiadm -m node -u")).To(Equal(1))
			Expect(e.fake.Matching("zfs destroy")).To(Equal([]string{"zfs destroy tank/cinder/v1"}))
			Expect(e.sim.Exists("tank/cinder/v1")).To(BeFalse())
		})

		It("skips logout when no target is exported", func() {
			e.fake.On("iscsiadm -m discovery", cmdrunnertest.OK(""))

			Expect(e.manager.DeleteVolume(ctx, volume.VolumeRef{Name: "v1"})).To(Succeed())
			Expect(e.fake.Count("iscsiadm -m node")).To(BeZero())
			Expect(e.sim.Exists("tank/cinder/v1")).To(BeFalse())
		})

		It("is idempotent", func() {
			e.fake.On("iscsiadm -m discovery", cmdrunnertest.OK(""))

			Expect(e.manager.DeleteVolume(ctx, volume.VolumeRef{Name: "v1"})).To(Succeed())
			Expect(e.manager.DeleteVolume(ctx, volume.VolumeRef{Name: "v1"})).To(Succeed())
			Expect(e.fake.Count("zfs destroy")).To(Equal(1))
		})

		It("treats a probe failing with an exit code as absent", func() {
			e.fake.On("zfs list -H tank/cinder/v1", cmdrunnertest.Fail(2, "permission denied"))

			Expect(e.manager.DeleteVolume(ctx, volume.VolumeRef{Name: "v1"})).To(Succeed())
			Expect(e.fake.Count("zfs destroy")).To(BeZero())
		})

		It("propagates transport failures", func() {
			e.fake.On("zfs list -H tank/cinder/v1", cmdrunnertest.Response{Err: errors.New("connection reset")})

			Expect(e.manager.DeleteVolume(ctx, volume.VolumeRef{Name: "v1"})).NotTo(Succeed())
			Expect(e.fake.Count("zfs destroy")).To(BeZero())
			Expect(e.sim.Exists("tank/cinder/v1")).To(BeTrue())
		})
	})

	Describe("snapshots", func() {
		snap := volume.SnapshotRef{Name: "s1", VolumeName: "v1"}

		BeforeEach(func() {
			e.sim.AddDataset("tank/cinder/v1", map[string]string{"volsize": "1073741824"})
		})

		It("creates a snapshot once", func() {
			Expect(e.manager.CreateSnapshot(ctx, snap)).To(Succeed())
			Expect(e.manager.CreateSnapshot(ctx, snap)).To(Succeed())
			Expect(e.fake.Matching("zfs snapshot")).To(Equal([]string{"zfs snapshot tank/cinder/v1@s1"}))
		})

		It("refuses to snapshot a missing volume", func() {
			err := e.manager.CreateSnapshot(ctx, volume.SnapshotRef{Name: "s1", VolumeName: "v9"})
			Expect(err).To(MatchError(volume.ErrVolumeNotFound))
		})

		It("deletes an absent snapshot without destroying anything", func() {
			Expect(e.manager.DeleteSnapshot(ctx, snap)).To(Succeed())
			Expect(e.fake.Count("zfs destroy")).To(BeZero())
		})

		It("deletes an existing snapshot", func() {
			e.sim.AddDataset("tank/cinder/v1@s1", nil)

			Expect(e.manager.DeleteSnapshot(ctx, snap)).To(Succeed())
			Expect(e.sim.Exists("tank/cinder/v1@s1")).To(BeFalse())
		})
	})

	Describe("CreateVolumeFromSnapshot", func() {
		snap := volume.SnapshotRef{Name: "s1", VolumeName: "src"}

		BeforeEach(func() {
			e.sim.AddDataset("tank/cinder/src", map[string]string{"volsize": "1073741824"})
			e.sim.AddDataset("tank/cinder/src@s1", map[string]string{"volsize": "1073741824"})
		})

		It("clones before promoting", func() {
			Expect(e.manager.CreateVolumeFromSnapshot(ctx, volume.VolumeRef{Name: "v2", SizeGiB: 1}, snap)).To(Succeed())

			clone := e.fake.Index("zfs clone tank/cinder/src@s1 tank/cinder/v2")
			promote := e.fake.Index("zfs promote tank/cinder/v2")
			Expect(clone).To(BeNumerically(">=", 0))
			Expect(promote).To(BeNumerically(">", clone))
			Expect(e.sim.Exists("tank/cinder/v2")).To(BeTrue())
			Expect(e.fake.Count("zfs set volsize")).To(BeZero())
		})

		It("grows the clone when a larger size is requested", func() {
			Expect(e.manager.CreateVolumeFromSnapshot(ctx, volume.VolumeRef{Name: "v2", SizeGiB: 3}, snap)).To(Succeed())
			Expect(e.fake.Matching("zfs set")).To(Equal([]string{"zfs set volsize=3G tank/cinder/v2"}))
			Expect(e.sim.Property("tank/cinder/v2", "volsize")).To(Equal("3221225472"))
		})

		It("does not promote when the clone fails", func() {
			e.fake.On("zfs clone", cmdrunnertest.Fail(1, "cannot create 'tank/cinder/v2': out of space"))

			err := e.manager.CreateVolumeFromSnapshot(ctx, volume.VolumeRef{Name: "v2", SizeGiB: 1}, snap)
			Expect(err).To(HaveOccurred())
			Expect(e.fake.Count("zfs promote")).To(BeZero())
		})

		It("reports a missing snapshot", func() {
			err := e.manager.CreateVolumeFromSnapshot(ctx, volume.VolumeRef{Name: "v2", SizeGiB: 1},
				volume.SnapshotRef{Name: "nope", VolumeName: "src"})
			Expect(err).To(MatchError(volume.ErrSnapshotNotFound))
			Expect(e.fake.Count("zfs clone")).To(BeZero())
		})

		It("refuses an existing destination", func() {
			e.sim.AddDataset("tank/cinder/v2", map[string]string{"volsize": "1073741824"})

			err := e.manager.CreateVolumeFromSnapshot(ctx, volume.VolumeRef{Name: "v2", SizeGiB: 1}, snap)
			Expect(err).To(MatchError(volume.ErrVolumeExists))
		})
	})

	Describe("CreateClonedVolume", func() {
		It("snapshots the source then clones and promotes", func() {
			e.sim.AddDataset("tank/cinder/src", map[string]string{"volsize": "2147483648"})

			vol := volume.VolumeRef{ID: "1234", Name: "v2", SizeGiB: 2}
			Expect(e.manager.CreateClonedVolume(ctx, vol, volume.VolumeRef{Name: "src"})).To(Succeed())

			snapshot := e.fake.Index("zfs snapshot tank/cinder/src@clone-1234")
			clone := e.fake.Index("zfs clone tank/cinder/src@clone-1234 tank/cinder/v2")
			Expect(snapshot).To(BeNumerically(">=", 0))
			Expect(clone).To(BeNumerically(">", snapshot))
			Expect(e.sim.Exists("tank/cinder/v2")).To(BeTrue())
		})

		It("reports a missing source", func() {
			err := e.manager.CreateClonedVolume(ctx, volume.VolumeRef{Name: "v2", SizeGiB: 1}, volume.VolumeRef{Name: "src"})
			Expect(err).To(MatchError(volume.ErrVolumeNotFound))
		})
	})

	Describe("ExtendVolume", func() {
		BeforeEach(func() {
			e.sim.AddDataset("tank/cinder/v1", map[string]string{"volsize": "2147483648"})
		})

		It("grows the zvol", func() {
			res := e.manager.ExtendVolume(ctx, volume.VolumeRef{Name: "v1"}, 5)
			Expect(res.OK()).To(BeTrue())
			Expect(e.sim.Property("tank/cinder/v1", "volsize")).To(Equal("5368709120"))
		})

		It("refuses to shrink", func() {
			res := e.manager.ExtendVolume(ctx, volume.VolumeRef{Name: "v1"}, 1)
			Expect(res.OK()).To(BeFalse())
			Expect(res.Err).To(MatchError(zfs.ErrShrinkRefused))
			Expect(e.fake.Count("zfs set")).To(BeZero())
		})

		It("reports a missing zvol without panicking", func() {
			res := e.manager.ExtendVolume(ctx, volume.VolumeRef{Name: "v9"}, 5)
			Expect(res.OK()).To(BeFalse())
		})
	})

	Describe("ManageExisting", func() {
		BeforeEach(func() {
			e.sim.AddDataset("tank/cinder/legacy", map[string]string{"volsize": "1610612736"})
		})

		It("logs out of the old target before renaming", func() {
			e.fake.On("iscsiadm -m discovery", cmdrunnertest.OK("10.0.0.5:3260,1 iqn.2012-11.com.example:share.tank.cinder.legacy\n"))
			e.fake.On("iscsiadm -m session", cmdrunnertest.OK("tcp: [3] 10.0.0.5:3260,1 iqn.2012-11.com.example:share.tank.cinder.legacy (non-flash)\n"))
			e.fake.On("iscsiadm -m node -u", cmdrunnertest.OK("Logout of [sid: 3] successful.\n"))

			Expect(e.manager.ManageExisting(ctx, volume.VolumeRef{Name: "v1"}, "legacy")).To(Succeed())

			logout := e.fake.Index("iscsiadm -m node -u -p 10.0.0.5:3260 -T iqn.2012-11.com.example:share.tank.cinder.legacy")
			rename := e.fake.Index("zfs rename tank/cinder/legacy tank/cinder/v1")
			Expect(logout).To(BeNumerically(">=", 0))
			Expect(rename).To(BeNumerically(">", logout))
			Expect(e.sim.Exists("tank/cinder/v1")).To(BeTrue())
			Expect(e.sim.Exists("tank/cinder/legacy")).To(BeFalse())
		})

		It("does not rename when logout fails", func() {
			e.fake.On("iscsiadm -m discovery", cmdrunnertest.OK("10.0.0.5:3260,1 iqn.2012-11.com.example:share.tank.cinder.legacy\n"))
			e.fake.On("iscsiadm -m session", cmdrunnertest.OK("tcp: [3] 10.0.0.5:3260,1 iqn.2012-11.com.example:share.tank.cinder.legacy (non-flash)\n"))
			e.fake.On("iscsiadm -m node -u", cmdrunnertest.Fail(8, "iscsiadm: session error"))

			Expect(e.manager.ManageExisting(ctx, volume.VolumeRef{Name: "v1"}, "legacy")).To(MatchError(iscsi.ErrLogoutFailed))
			Expect(e.fake.Count("zfs rename")).To(BeZero())
		})

		It("reports a missing source", func() {
			Expect(e.manager.ManageExisting(ctx, volume.VolumeRef{Name: "v1"}, "nope")).To(MatchError(volume.ErrVolumeNotFound))
		})

		It("rounds the size up to whole GiB", func() {
			size, err := e.manager.ManageExistingGetSize(ctx, "legacy")
			Expect(err).NotTo(HaveOccurred())
			Expect(size).To(Equal(int64(2)))
		})
	})

	Describe("exports", func() {
		vol := volume.VolumeRef{Name: "v1", SizeGiB: 1}

		BeforeEach(func() {
			e.sim.AddDataset("tank/cinder/v1", map[string]string{"volsize": "1073741824"})
		})

		It("shares the zvol and reports the discovered target", func() {
			e.fake.On("iscsiadm -m discovery", cmdrunnertest.OK(discoveryV1))

			update, err := e.manager.CreateExport(ctx, vol)
			Expect(err).NotTo(HaveOccurred())
			Expect(update.ProviderLocation).To(Equal("10.0.0.5:3260," + targetIQN + " 0"))
			Expect(e.sim.Property("tank/cinder/v1", "shareiscsi")).To(Equal("on"))
			Expect(e.fake.Index("zfs set shareiscsi=on")).To(BeNumerically("<", e.fake.Index("iscsiadm -m discovery")))
		})

		It("falls back to the target prefix when discovery finds nothing", func() {
			e.fake.On("iscsiadm -m discovery", cmdrunnertest.OK(""))

			update, err := e.manager.EnsureExport(ctx, vol)
			Expect(err).NotTo(HaveOccurred())
			Expect(update.ProviderLocation).To(Equal("10.0.0.5:3260,iqn.2010-10.org.openstack:v1 0"))
		})

		It("refuses to export a missing volume", func() {
			_, err := e.manager.CreateExport(ctx, volume.VolumeRef{Name: "v9"})
			Expect(err).To(MatchError(volume.ErrVolumeNotFound))
		})

		It("checks and removes the export", func() {
			Expect(e.manager.CheckForExport(ctx, vol)).To(MatchError(volume.ErrExportNotFound))

			e.fake.On("iscsiadm -m discovery", cmdrunnertest.OK(discoveryV1))
			_, err := e.manager.CreateExport(ctx, vol)
			Expect(err).NotTo(HaveOccurred())
			Expect(e.manager.CheckForExport(ctx, vol)).To(Succeed())

			Expect(e.manager.RemoveExport(ctx, vol)).To(Succeed())
			Expect(e.sim.Property("tank/cinder/v1", "shareiscsi")).To(Equal("off"))
			Expect(e.manager.CheckForExport(ctx, vol)).To(MatchError(volume.ErrExportNotFound))
		})

		It("removes the export of a missing volume", func() {
			Expect(e.manager.RemoveExport(ctx, volume.VolumeRef{Name: "v9"})).To(Succeed())
			Expect(e.fake.Count("zfs set")).To(BeZero())
		})

		It("reports a missing volume as not exported", func() {
			Expect(e.manager.CheckForExport(ctx, volume.VolumeRef{Name: "v9"})).To(MatchError(volume.ErrExportNotFound))
		})
	})

	Describe("connections", func() {
		vol := volume.VolumeRef{Name: "v1", SizeGiB: 1}

		BeforeEach(func() {
			e.sim.AddDataset("tank/cinder/v1", map[string]string{"volsize": "1073741824"})
			e.fake.On("iscsiadm -m discovery", cmdrunnertest.OK(discoveryV1))
			e.fake.On("iscsiadm -m session", cmdrunnertest.Fail(21, noSessions), cmdrunnertest.OK(sessionLine))
			e.fake.On("iscsiadm -m node -l", cmdrunnertest.OK(loginOK))
			e.fake.On("iscsiadm -m node -u", cmdrunnertest.OK(logoutOK))
			e.fake.On("find /dev/disk/by-path", cmdrunnertest.OK(byPathV1+"\n"))
			e.fake.On("readlink -f", cmdrunnertest.OK("/dev/sdb\n"))
		})

		It("discovers, logs in and resolves the device in order", func() {
			info, err := e.manager.InitializeConnection(ctx, vol)
			Expect(err).NotTo(HaveOccurred())
			Expect(*info).To(Equal(volume.ConnectionInfo{
				Portal:     portal,
				TargetIQN:  targetIQN,
				LUN:        0,
				DevicePath: "/dev/sdb",
			}))
			Expect(e.fake.Commands()).To(Equal([]string{
				"iscsiadm -m discovery -t sendtargets -p 10.0.0.5:3260",
				"iscsiadm -m session",
				"iscsiadm -m node -l -p 10.0.0.5:3260 -T " + targetIQN,
				"find /dev/disk/by-path -name *-iscsi-" + targetIQN + "-lun-*",
				"readlink -f " + byPathV1,
			}))
		})

		It("fails loudly when the target is not exported", func() {
			e.fake.On("iscsiadm -m discovery", cmdrunnertest.OK(""))

			_, err := e.manager.InitializeConnection(ctx, vol)
			Expect(err).To(MatchError(iscsi.ErrTargetNotFound))
			Expect(e.fake.Count("iscsiadm -m node -l")).To(BeZero())
		})

		It("disconnects a live session", func() {
			_, err := e.manager.InitializeConnection(ctx, vol)
			Expect(err).NotTo(HaveOccurred())

			Expect(e.manager.TerminateConnection(ctx, vol)).To(Succeed())
			Expect(e.fake.Matching("iscsiadm -m node -u")).To(Equal([]string{
				"iscsiadm -m node -u -p 10.0.0.5:3260 -T " + targetIQN,
			}))
		})

		It("swallows logout failures", func() {
			e.fake.On("iscsiadm -m session", cmdrunnertest.OK(sessionLine))
			e.fake.On("iscsiadm -m node -u", cmdrunnertest.Fail(8, "iscsiadm: session error"))

			Expect(e.manager.TerminateConnection(ctx, vol)).To(Succeed())
		})

		It("still logs out when the SAN is unreachable", func() {
			e.fake.On("iscsiadm -m session", cmdrunnertest.OK(sessionLine))
			e.fake.On("zfs list -H tank/cinder/v1", cmdrunnertest.Response{Err: errors.New("connection reset")})

			Expect(e.manager.TerminateConnection(ctx, vol)).To(Succeed())
			Expect(e.fake.Matching("iscsiadm -m node -u")).To(Equal([]string{
				"iscsiadm -m node -u -p 10.0.0.5:3260 -T " + targetIQN,
			}))
		})

		It("does nothing for a missing volume", func() {
			Expect(e.manager.TerminateConnection(ctx, volume.VolumeRef{Name: "v9"})).To(Succeed())
			Expect(e.fake.Count("iscsiadm")).To(BeZero())
		})
	})

	Describe("names that do not map to a single zvol", func() {
		BeforeEach(func() {
			e.sim.AddDataset("tank/cinder/v1", map[string]string{"volsize": "1073741824"})
			e.sim.AddDataset("tank/cinder/v1@s1", nil)
		})

		It("are refused before any command runs", func() {
			Expect(e.manager.DeleteVolume(ctx, volume.VolumeRef{Name: "v1@s1"})).To(MatchError(volume.ErrInvalidName))
			Expect(e.manager.DeleteVolume(ctx, volume.VolumeRef{Name: "v1/x"})).To(MatchError(volume.ErrInvalidName))
			Expect(e.manager.DeleteSnapshot(ctx, volume.SnapshotRef{Name: "s1", VolumeName: "../v1"})).To(MatchError(volume.ErrInvalidName))
			Expect(e.manager.DeleteSnapshot(ctx, volume.SnapshotRef{Name: "", VolumeName: "v1"})).To(MatchError(volume.ErrInvalidName))
			Expect(e.manager.RemoveExport(ctx, volume.VolumeRef{Name: "v1@s1"})).To(MatchError(volume.ErrInvalidName))
			Expect(e.manager.CheckForExport(ctx, volume.VolumeRef{Name: "v1@s1"})).To(MatchError(volume.ErrInvalidName))
			Expect(e.manager.TerminateConnection(ctx, volume.VolumeRef{Name: "v1@s1"})).To(MatchError(volume.ErrInvalidName))

			_, err := e.manager.CreateExport(ctx, volume.VolumeRef{Name: "v1@s1"})
			Expect(err).To(MatchError(volume.ErrInvalidName))
			_, err = e.manager.InitializeConnection(ctx, volume.VolumeRef{Name: "v1@s1"})
			Expect(err).To(MatchError(volume.ErrInvalidName))

			Expect(e.fake.Commands()).To(BeEmpty())
			Expect(e.sim.Exists("tank/cinder/v1@s1")).To(BeTrue())
		})
	})

	Describe("GetVolumeStats", func() {
		It("refreshes on every call", func() {
			e.sim.AddDataset("tank/cinder/v1", map[string]string{"volsize": "1073741824"})

			stats := e.manager.GetVolumeStats(ctx)
			Expect(stats.TotalCapacityGB).To(Equal(int64(100)))
			Expect(stats.FreeCapacityGB).To(Equal(int64(50)))
			Expect(stats.TotalVolumeCount).To(Equal(1))

			e.manager.GetVolumeStats(ctx)
			Expect(e.fake.Count("zpool get -Hp size tank")).To(Equal(2))
		})
	})

	Describe("ListVolumes and LocalPath", func() {
		It("lists names relative to the base", func() {
			e.sim.AddDataset("tank/cinder/v1", map[string]string{"volsize": "1073741824"})
			e.sim.AddDataset("tank/cinder/v2", map[string]string{"volsize": "1073741824"})

			names, err := e.manager.ListVolumes(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(names).To(Equal([]string{"v1", "v2"}))
		})

		It("skips zvols inside child datasets", func() {
			e.sim.AddDataset("tank/cinder/v1", map[string]string{"volsize": "1073741824"})
			e.sim.AddDataset("tank/cinder/child", nil)
			e.sim.AddDataset("tank/cinder/child/v2", map[string]string{"volsize": "1073741824"})

			names, err := e.manager.ListVolumes(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(names).To(Equal([]string{"v1"}))
		})

		It("points at the zvol device node", func() {
			Expect(e.manager.LocalPath(volume.VolumeRef{Name: "v1"})).To(Equal("/dev/zvol/tank/cinder/v1"))
		})
	})
})

type recordingImages struct {
	fetchErr error
	calls    []string
}

func (r *recordingImages) FetchToDevice(_ context.Context, imageID, devicePath string, sizeBytes int64) error {
	r.calls = append(r.calls, "fetch "+imageID+" "+devicePath)
	Expect(sizeBytes).To(Equal(gib))
	return r.fetchErr
}

func (r *recordingImages) UploadFromDevice(_ context.Context, imageID, devicePath string, _ int64) error {
	r.calls = append(r.calls, "upload "+imageID+" "+devicePath)
	return nil
}

var _ = Describe("image copies", func() {
	var (
		ctx    context.Context
		e      *env
		images *recordingImages
		vol    = volume.VolumeRef{Name: "v1", SizeGiB: 1}
	)

	BeforeEach(func() {
		ctx = context.Background()
		images = &recordingImages{}
		e = newEnv(nil, volume.WithImageService(images))
		e.sim.AddDataset("tank/cinder/v1", map[string]string{"volsize": "1073741824"})
		e.fake.On("iscsiadm -m discovery", cmdrunnertest.OK(discoveryV1))
		e.fake.On("iscsiadm -m session", cmdrunnertest.Fail(21, noSessions), cmdrunnertest.OK(sessionLine))
		e.fake.On("iscsiadm -m node -l", cmdrunnertest.OK(loginOK))
		e.fake.On("iscsiadm -m node -u", cmdrunnertest.OK(logoutOK))
		e.fake.On("find /dev/disk/by-path", cmdrunnertest.OK(byPathV1+"\n"))
		e.fake.On("readlink -f", cmdrunnertest.OK("/dev/sdb\n"))
	})

	It("writes the image to the connected device and disconnects", func() {
		Expect(e.manager.CopyImageToVolume(ctx, vol, "img-1")).To(Succeed())
		Expect(images.calls).To(Equal([]string{"fetch img-1 /dev/sdb"}))
		Expect(e.fake.Count("iscsiadm -m node -u")).To(Equal(1))
	})

	It("reads the volume into an image", func() {
		Expect(e.manager.CopyVolumeToImage(ctx, vol, "img-2")).To(Succeed())
		Expect(images.calls).To(Equal([]string{"upload img-2 /dev/sdb"}))
		Expect(e.fake.Count("iscsiadm -m node -u")).To(Equal(1))
	})

	It("disconnects when the copy fails", func() {
		images.fetchErr = errors.New("image service unavailable")

		Expect(e.manager.CopyImageToVolume(ctx, vol, "img-1")).To(MatchError(images.fetchErr))
		Expect(e.fake.Count("iscsiadm -m node -u")).To(Equal(1))
	})

	It("requires an image service", func() {
		e = newEnv(nil)
		Expect(e.manager.CopyImageToVolume(ctx, vol, "img-1")).To(MatchError(volume.ErrNoImageService))
		Expect(e.fake.Commands()).To(BeEmpty())
	})
})
