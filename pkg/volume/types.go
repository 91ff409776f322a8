// Package volume implements the volume lifecycle on top of the dataset and
// session reconcilers. Every call re-reads configuration and re-queries the
// SAN; nothing learned in one call is reused by the next.
package volume

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Static errors returned by the lifecycle operations.
var (
	ErrVolumeExists       = errors.New("volume already exists with a different size")
	ErrVolumeNotFound     = errors.New("volume not found")
	ErrSnapshotNotFound   = errors.New("snapshot not found")
	ErrExportNotFound     = errors.New("export not found")
	ErrBaseDatasetMissing = errors.New("base dataset does not exist")
	ErrInvalidName        = errors.New("invalid name")
	ErrInvalidSize        = errors.New("volume size must be at least 1 GiB")
	ErrNoImageService     = errors.New("no image service configured")
	ErrExtendFailed       = errors.New("failed to extend volume")
	ErrInvalidLocation    = errors.New("invalid provider location")
)

// VolumeRef identifies a volume for one call.
//
//nolint:revive // VolumeRef reads better than Ref at call sites.
type VolumeRef struct {
	ID      string
	Name    string
	SizeGiB int64
}

// SnapshotRef identifies a snapshot for one call.
type SnapshotRef struct {
	ID         string
	Name       string
	VolumeID   string
	VolumeName string
}

// ModelUpdate carries the fields the caller persists with the volume.
type ModelUpdate struct {
	// ProviderLocation is "<portal>,<iqn> <lun>".
	ProviderLocation string `json:"providerLocation" yaml:"providerLocation"`
}

// ProviderLocation formats the export location of a target.
func ProviderLocation(portal, iqn string, lun int) string {
	return fmt.Sprintf("%s,%s %d", portal, iqn, lun)
}

// ParseProviderLocation splits a location produced by ProviderLocation.
func ParseProviderLocation(location string) (portal, iqn string, lun int, err error) {
	target, lunStr, ok := strings.Cut(strings.TrimSpace(location), " ")
	if !ok {
		return "", "", 0, fmt.Errorf("%w: %q has no LUN", ErrInvalidLocation, location)
	}
	portal, iqn, ok = strings.Cut(target, ",")
	if !ok || portal == "" || iqn == "" {
		return "", "", 0, fmt.Errorf("%w: %q", ErrInvalidLocation, location)
	}
	lun, err = strconv.Atoi(lunStr)
	if err != nil {
		return "", "", 0, fmt.Errorf("%w: LUN %q: %w", ErrInvalidLocation, lunStr, err)
	}
	return portal, iqn, lun, nil
}

// ConnectionInfo describes an established initiator session.
type ConnectionInfo struct {
	Portal     string `json:"portal" yaml:"portal"`
	TargetIQN  string `json:"targetIQN" yaml:"targetIQN"`
	DevicePath string `json:"devicePath" yaml:"devicePath"`
	LUN        int    `json:"lun" yaml:"lun"`
}

// validateName rejects names that would not map to a single zvol below
// the base dataset.
func validateName(kind, name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty %s name", ErrInvalidName, kind)
	case strings.ContainsAny(name, "@/ \t\n"):
		return fmt.Errorf("%w: %s name %q", ErrInvalidName, kind, name)
	}
	return nil
}
