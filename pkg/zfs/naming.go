// Package zfs wraps the zfs and zpool command line tools into idempotent
// dataset operations.
package zfs

import "strings"

// zvolDeviceDir is where the ZFS udev rules expose zvols.
const zvolDeviceDir = "/dev/zvol/"

// DatasetPath returns the dataset path of a volume or snapshot name under base.
// Every dataset path in this module is derived here.
func DatasetPath(base, name string) string {
	return base + "/" + name
}

// SnapshotPath returns the "<dataset>@<snapshot>" path of a volume snapshot.
func SnapshotPath(base, volume, snapshot string) string {
	return DatasetPath(base, volume) + "@" + snapshot
}

// ZvolDevicePath returns the local block device node of a zvol.
func ZvolDevicePath(path string) string {
	return zvolDeviceDir + path
}

// PoolName returns the pool component of a dataset path.
func PoolName(path string) string {
	pool, _, _ := strings.Cut(path, "/")
	pool, _, _ = strings.Cut(pool, "@")
	return pool
}

// IsSnapshot reports whether path names a snapshot.
func IsSnapshot(path string) bool {
	return strings.Contains(path, "@")
}
