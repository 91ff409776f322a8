// Package capacity builds pool capacity snapshots for the scheduler.
package capacity

import (
	"context"

	"github.com/fenio/zol-iscsi/pkg/config"
	"github.com/fenio/zol-iscsi/pkg/metrics"
	"github.com/fenio/zol-iscsi/pkg/zfs"
	"k8s.io/klog/v2"
)

// Static identity reported with every snapshot.
const (
	VendorName    = "Open Source"
	DriverVersion = "1.0.0"
)

// Querier is the subset of zfs.ClientInterface a refresh needs.
type Querier interface {
	GetPoolProperty(ctx context.Context, pool, key string, kind zfs.PropertyKind) (zfs.PropertyValue, error)
	GetProperty(ctx context.Context, path, key string, kind zfs.PropertyKind) (zfs.PropertyValue, error)
	ListVolumes(ctx context.Context, base string) ([]string, error)
}

// PoolStats is one capacity snapshot. Every field comes from the same
// refresh; a snapshot is never updated in place.
//
//nolint:govet // fieldalignment: grouped by source for readability.
type PoolStats struct {
	PoolName           string `json:"poolName" yaml:"poolName"`
	TotalBytes         int64  `json:"totalBytes" yaml:"totalBytes"`
	FreeBytes          int64  `json:"freeBytes" yaml:"freeBytes"`
	ProvisionedBytes   int64  `json:"provisionedBytes" yaml:"provisionedBytes"`
	TotalVolumeCount   int    `json:"totalVolumes" yaml:"totalVolumes"`
	SupportsEncryption bool   `json:"supportsEncryption" yaml:"supportsEncryption"`

	TotalCapacityGB       int64 `json:"totalCapacityGB" yaml:"totalCapacityGB"`
	FreeCapacityGB        int64 `json:"freeCapacityGB" yaml:"freeCapacityGB"`
	ProvisionedCapacityGB int64 `json:"provisionedCapacityGB" yaml:"provisionedCapacityGB"`

	MaxOverSubscriptionRatio float64 `json:"maxOverSubscriptionRatio" yaml:"maxOverSubscriptionRatio"`
	ReservedPercentage       int     `json:"reservedPercentage" yaml:"reservedPercentage"`
	ThinProvisioningSupport  bool    `json:"thinProvisioningSupport" yaml:"thinProvisioningSupport"`
	ThickProvisioningSupport bool    `json:"thickProvisioningSupport" yaml:"thickProvisioningSupport"`
	VolumeBackendName        string  `json:"volumeBackendName" yaml:"volumeBackendName"`
	VendorName               string  `json:"vendorName" yaml:"vendorName"`
	DriverVersion            string  `json:"driverVersion" yaml:"driverVersion"`
	StorageProtocol          string  `json:"storageProtocol" yaml:"storageProtocol"`
}

// Reporter refreshes PoolStats from the pool holding a base dataset.
type Reporter struct {
	zfs    Querier
	source config.Source
}

// NewReporter creates a Reporter.
func NewReporter(q Querier, source config.Source) *Reporter {
	return &Reporter{zfs: q, source: source}
}

// Refresh queries pool size, available space, encryption support and the
// volume count, in that order. A failing query contributes zero and the
// refresh carries on with the rest.
func (r *Reporter) Refresh(ctx context.Context, base string) PoolStats {
	cfg := r.source.Current()
	pool := zfs.PoolName(base)

	total := r.bytes("pool size", func() (zfs.PropertyValue, error) {
		return r.zfs.GetPoolProperty(ctx, pool, zfs.PoolPropertySize, zfs.KindBytes)
	})
	free := r.bytes("available space", func() (zfs.PropertyValue, error) {
		return r.zfs.GetProperty(ctx, base, zfs.PropertyAvailable, zfs.KindBytes)
	})

	encryption, err := r.zfs.GetPoolProperty(ctx, pool, zfs.PoolFeatureEncryption, zfs.KindFeature)
	if err != nil {
		klog.Warningf("Capacity refresh of %s: encryption support unknown: %v", pool, err)
	}

	volumes, err := r.zfs.ListVolumes(ctx, base)
	if err != nil {
		klog.Warningf("Capacity refresh of %s: volume count unknown: %v", base, err)
	}

	provisioned := total - free
	if provisioned < 0 {
		provisioned = 0
	}

	stats := PoolStats{
		PoolName:              pool,
		TotalBytes:            total,
		FreeBytes:             free,
		ProvisionedBytes:      provisioned,
		TotalVolumeCount:      len(volumes),
		SupportsEncryption:    encryption.Enabled,
		TotalCapacityGB:       zfs.BytesToGiB(total),
		FreeCapacityGB:        zfs.BytesToGiB(free),
		ProvisionedCapacityGB: zfs.BytesToGiB(provisioned),

		MaxOverSubscriptionRatio: cfg.MaxOverSubscriptionRatio,
		ReservedPercentage:       cfg.ReservedPercentage,
		ThinProvisioningSupport:  true,
		ThickProvisioningSupport: true,
		VolumeBackendName:        cfg.BackendName,
		VendorName:               VendorName,
		DriverVersion:            DriverVersion,
		StorageProtocol:          cfg.ISCSI.Protocol,
	}

	metrics.SetPoolCapacity(pool, stats.TotalBytes, stats.FreeBytes, stats.ProvisionedBytes, stats.TotalVolumeCount)
	klog.V(4).Infof("Pool %s: total=%dGiB free=%dGiB provisioned=%dGiB volumes=%d encryption=%v",
		pool, stats.TotalCapacityGB, stats.FreeCapacityGB, stats.ProvisionedCapacityGB,
		stats.TotalVolumeCount, stats.SupportsEncryption)
	return stats
}

func (r *Reporter) bytes(what string, get func() (zfs.PropertyValue, error)) int64 {
	v, err := get()
	if err != nil {
		klog.Warningf("Capacity refresh: %s unknown: %v", what, err)
		return 0
	}
	if !v.Set {
		klog.Warningf("Capacity refresh: %s not reported", what)
		return 0
	}
	return v.Bytes
}
