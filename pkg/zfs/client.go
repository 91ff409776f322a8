package zfs

import (
	"context"
	"fmt"
	"strconv"

	"github.com/fenio/zol-iscsi/pkg/cmdrunner"
	"github.com/fenio/zol-iscsi/pkg/config"
	"k8s.io/klog/v2"
)

// ClientInterface defines the dataset operations used by the orchestrator.
// This allows for mocking in tests.
type ClientInterface interface {
	Exists(ctx context.Context, path string) (bool, error)
	Create(ctx context.Context, path string, sizeGiB int64, opts CreateOptions) error
	Destroy(ctx context.Context, path string) error
	DestroyIfExists(ctx context.Context, path string) (bool, error)
	Snapshot(ctx context.Context, volumePath, snapshot string) error
	DestroySnapshot(ctx context.Context, snapshotPath string) (bool, error)
	Clone(ctx context.Context, snapshotPath, volumePath string) error
	Promote(ctx context.Context, volumePath string) error
	CloneAndPromote(ctx context.Context, snapshotPath, volumePath string) error
	Rename(ctx context.Context, oldPath, newPath string, releaser SessionReleaser) error
	SetProperty(ctx context.Context, path, key, value string) error
	GetProperty(ctx context.Context, path, key string, kind PropertyKind) (PropertyValue, error)
	GetPoolProperty(ctx context.Context, pool, key string, kind PropertyKind) (PropertyValue, error)
	Volsize(ctx context.Context, path string) (int64, error)
	ListVolumes(ctx context.Context, base string) ([]string, error)
	Extend(ctx context.Context, path string, newSizeGiB int64) ExtendResult
}

// Verify that Client implements ClientInterface.
var _ ClientInterface = (*Client)(nil)

// SessionReleaser tears down initiator sessions that reference a dataset
// before it is renamed.
type SessionReleaser interface {
	Release(ctx context.Context, datasetPath string) error
}

// CreateOptions are the zvol properties passed to zfs create.
type CreateOptions struct {
	Compression  string
	Dedup        string
	Volblocksize string
	Checksum     string
	Copies       string
	Sync         string
	Encryption   string
	KeyFormat    string
	KeyLocation  string

	// Thin creates a sparse zvol.
	Thin bool

	// EncryptionSupported gates the encryption properties; set from the
	// pool's feature@encryption state.
	EncryptionSupported bool
}

// CreateOptionsFromConfig copies the zvol defaults from configuration.
func CreateOptionsFromConfig(z config.ZFS) CreateOptions {
	return CreateOptions{
		Thin:         z.ThinProvision,
		Compression:  z.Compression,
		Dedup:        z.Dedup,
		Volblocksize: z.Volblocksize,
		Checksum:     z.Checksum,
		Copies:       z.Copies,
		Sync:         z.Sync,
		Encryption:   z.Encryption,
		KeyFormat:    z.KeyFormat,
		KeyLocation:  z.KeyLocation,
	}
}

// WantsEncryption reports whether encryption was requested at all.
func (o CreateOptions) WantsEncryption() bool {
	return o.Encryption != "" && o.Encryption != ValueOff
}

// ExtendResult is the advisory outcome of growing a zvol. Extend never
// returns an error value; callers decide how much a failure matters.
type ExtendResult struct {
	Err     error
	Path    string
	SizeGiB int64
}

// OK reports whether the zvol now has the requested size.
func (r ExtendResult) OK() bool {
	return r.Err == nil
}

// Client runs zfs and zpool through a cmdrunner.Runner.
type Client struct {
	runner cmdrunner.Runner
	zfs    string
	zpool  string
}

// NewClient creates a dataset client for the configured binaries.
func NewClient(runner cmdrunner.Runner, z config.ZFS) *Client {
	zfsBin, zpoolBin := z.ZFSCommand, z.ZpoolCommand
	if zfsBin == "" {
		zfsBin = "zfs"
	}
	if zpoolBin == "" {
		zpoolBin = "zpool"
	}
	return &Client{runner: runner, zfs: zfsBin, zpool: zpoolBin}
}

func (c *Client) run(ctx context.Context, args ...string) (*cmdrunner.Result, error) {
	return c.runner.Run(ctx, append([]string{c.zfs}, args...), cmdrunner.AsRoot())
}

// Exists reports whether path exists, matching the listed name exactly.
//
// A failing "zfs list" whose stderr says the dataset does not exist is
// absence. Any other failure is returned so callers can tell an unreachable
// SAN from a missing dataset.
func (c *Client) Exists(ctx context.Context, path string) (bool, error) {
	res, err := c.run(ctx, "list", "-H", path)
	if err != nil {
		if isNotExist(err) {
			klog.V(4).Infof("Dataset %s does not exist", path)
			return false, nil
		}
		return false, err
	}
	name, err := ParseListFirstName(res.Stdout)
	if err != nil {
		return false, err
	}
	return name == path, nil
}

// BuildCreateArgs assembles the zfs create argv for a zvol.
func BuildCreateArgs(zfsBinary, path string, sizeGiB int64, opts CreateOptions) []string {
	args := []string{zfsBinary, "create", "-V" + strconv.FormatInt(sizeGiB, 10) + "g"}
	if opts.Thin {
		args = append(args, "-s")
	}

	props := []struct{ key, value string }{
		{PropertyCompression, opts.Compression},
		{PropertyDedup, opts.Dedup},
		{PropertyVolblocksize, opts.Volblocksize},
		{PropertyChecksum, opts.Checksum},
		{PropertyCopies, opts.Copies},
		{PropertySync, opts.Sync},
	}
	if opts.EncryptionSupported && opts.WantsEncryption() {
		props = append(props,
			struct{ key, value string }{PropertyEncryption, opts.Encryption},
			struct{ key, value string }{PropertyKeyFormat, opts.KeyFormat},
			struct{ key, value string }{PropertyKeyLocation, opts.KeyLocation},
		)
	}
	for _, p := range props {
		if p.value != "" {
			args = append(args, "-o", p.key+"="+p.value)
		}
	}
	return append(args, path)
}

// Create creates a zvol. Callers confirm absence first.
func (c *Client) Create(ctx context.Context, path string, sizeGiB int64, opts CreateOptions) error {
	if sizeGiB < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidSize, sizeGiB)
	}
	if IsSnapshot(path) {
		return fmt.Errorf("%w: %s", ErrIsASnapshot, path)
	}
	if opts.WantsEncryption() && !opts.EncryptionSupported {
		klog.Warningf("Encryption %q requested for %s but the pool does not support it, creating unencrypted", opts.Encryption, path)
	}

	argv := BuildCreateArgs(c.zfs, path, sizeGiB, opts)
	klog.Infof("Creating zvol %s (%dGiB, thin=%v)", path, sizeGiB, opts.Thin)
	if _, err := c.runner.Run(ctx, argv, cmdrunner.AsRoot()); err != nil {
		return fmt.Errorf("failed to create zvol %s: %w", path, err)
	}
	return nil
}

// Destroy destroys a dataset or snapshot unconditionally.
func (c *Client) Destroy(ctx context.Context, path string) error {
	klog.Infof("Destroying %s", path)
	if _, err := c.run(ctx, "destroy", path); err != nil {
		return fmt.Errorf("failed to destroy %s: %w", path, err)
	}
	return nil
}

// DestroyIfExists destroys path when it exists and reports whether it did.
func (c *Client) DestroyIfExists(ctx context.Context, path string) (bool, error) {
	exists, err := c.Exists(ctx, path)
	if err != nil {
		return false, err
	}
	if !exists {
		klog.V(4).Infof("Skipping destroy of %s: not present", path)
		return false, nil
	}
	if err := c.Destroy(ctx, path); err != nil {
		return false, err
	}
	return true, nil
}

// Snapshot creates volumePath@snapshot.
func (c *Client) Snapshot(ctx context.Context, volumePath, snapshot string) error {
	if snapshot == "" {
		return ErrEmptyName
	}
	snapPath := volumePath + "@" + snapshot
	klog.Infof("Creating snapshot %s", snapPath)
	if _, err := c.run(ctx, "snapshot", snapPath); err != nil {
		return fmt.Errorf("failed to create snapshot %s: %w", snapPath, err)
	}
	return nil
}

// DestroySnapshot destroys a snapshot when it exists.
func (c *Client) DestroySnapshot(ctx context.Context, snapshotPath string) (bool, error) {
	if !IsSnapshot(snapshotPath) {
		return false, fmt.Errorf("%w: %s", ErrNotASnapshot, snapshotPath)
	}
	return c.DestroyIfExists(ctx, snapshotPath)
}

// Clone creates volumePath from a snapshot.
func (c *Client) Clone(ctx context.Context, snapshotPath, volumePath string) error {
	if !IsSnapshot(snapshotPath) {
		return fmt.Errorf("%w: %s", ErrNotASnapshot, snapshotPath)
	}
	klog.Infof("Cloning %s to %s", snapshotPath, volumePath)
	if _, err := c.run(ctx, "clone", snapshotPath, volumePath); err != nil {
		return fmt.Errorf("failed to clone %s to %s: %w", snapshotPath, volumePath, err)
	}
	return nil
}

// Promote makes a clone independent of its origin snapshot.
func (c *Client) Promote(ctx context.Context, volumePath string) error {
	klog.V(4).Infof("Promoting %s", volumePath)
	if _, err := c.run(ctx, "promote", volumePath); err != nil {
		return fmt.Errorf("failed to promote %s: %w", volumePath, err)
	}
	return nil
}

// CloneAndPromote clones a snapshot and immediately promotes the clone so the
// source snapshot can be destroyed while the new volume lives.
func (c *Client) CloneAndPromote(ctx context.Context, snapshotPath, volumePath string) error {
	if err := c.Clone(ctx, snapshotPath, volumePath); err != nil {
		return err
	}
	return c.Promote(ctx, volumePath)
}

// Rename renames a dataset after the releaser has dropped sessions on it.
func (c *Client) Rename(ctx context.Context, oldPath, newPath string, releaser SessionReleaser) error {
	if releaser != nil {
		if err := releaser.Release(ctx, oldPath); err != nil {
			return fmt.Errorf("failed to release sessions on %s before rename: %w", oldPath, err)
		}
	}
	klog.Infof("Renaming %s to %s", oldPath, newPath)
	if _, err := c.run(ctx, "rename", oldPath, newPath); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", oldPath, newPath, err)
	}
	return nil
}

// SetProperty sets key=value on path.
func (c *Client) SetProperty(ctx context.Context, path, key, value string) error {
	klog.V(4).Infof("Setting %s=%s on %s", key, value, path)
	if _, err := c.run(ctx, "set", key+"="+value, path); err != nil {
		return fmt.Errorf("failed to set %s on %s: %w", key, path, err)
	}
	return nil
}

// GetProperty reads a dataset property with "zfs get -Hp".
func (c *Client) GetProperty(ctx context.Context, path, key string, kind PropertyKind) (PropertyValue, error) {
	res, err := c.run(ctx, "get", "-Hp", key, path)
	if err != nil {
		return PropertyValue{}, fmt.Errorf("failed to get %s of %s: %w", key, path, err)
	}
	return ParseGetValue(res.Stdout, key, kind)
}

// GetPoolProperty reads a pool property with "zpool get -Hp".
func (c *Client) GetPoolProperty(ctx context.Context, pool, key string, kind PropertyKind) (PropertyValue, error) {
	res, err := c.runner.Run(ctx, []string{c.zpool, "get", "-Hp", key, pool}, cmdrunner.AsRoot())
	if err != nil {
		return PropertyValue{}, fmt.Errorf("failed to get %s of pool %s: %w", key, pool, err)
	}
	return ParseGetValue(res.Stdout, key, kind)
}

// Volsize returns the size of a zvol in bytes.
func (c *Client) Volsize(ctx context.Context, path string) (int64, error) {
	v, err := c.GetProperty(ctx, path, PropertyVolsize, KindBytes)
	if err != nil {
		return 0, err
	}
	if !v.Set {
		return 0, &ParseError{Command: "zfs get volsize", Output: v.Raw, Reason: path + " has no volsize"}
	}
	return v.Bytes, nil
}

// ListVolumes lists the zvols directly below base. Zvols inside child
// datasets are not volumes of this backend.
func (c *Client) ListVolumes(ctx context.Context, base string) ([]string, error) {
	res, err := c.run(ctx, "list", "-H", "-d", "1", "-o", "name", "-t", "volume", base)
	if err != nil {
		return nil, fmt.Errorf("failed to list volumes under %s: %w", base, err)
	}
	return ParseListNames(res.Stdout), nil
}

// Extend grows a zvol to newSizeGiB. A request that does not grow the zvol
// is a no-op when equal and refused when smaller.
func (c *Client) Extend(ctx context.Context, path string, newSizeGiB int64) ExtendResult {
	result := ExtendResult{Path: path, SizeGiB: newSizeGiB}
	if newSizeGiB < 1 {
		result.Err = fmt.Errorf("%w: %d", ErrInvalidSize, newSizeGiB)
		return result
	}

	current, err := c.Volsize(ctx, path)
	if err != nil {
		klog.Warningf("Extend of %s failed: %v", path, err)
		result.Err = err
		return result
	}
	target := GiBToBytes(newSizeGiB)
	switch {
	case current == target:
		klog.V(4).Infof("Zvol %s already has %dGiB", path, newSizeGiB)
		return result
	case current > target:
		result.Err = fmt.Errorf("%w: %s is %d bytes, requested %d", ErrShrinkRefused, path, current, target)
		klog.Warningf("Extend of %s refused: %v", path, result.Err)
		return result
	}

	klog.Infof("Extending zvol %s to %dGiB", path, newSizeGiB)
	if err := c.SetProperty(ctx, path, PropertyVolsize, strconv.FormatInt(newSizeGiB, 10)+"G"); err != nil {
		klog.Warningf("Extend of %s failed: %v", path, err)
		result.Err = err
	}
	return result
}
