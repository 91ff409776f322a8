package zfs

import "strconv"

// ZFS properties read or written by the reconcilers.
const (
	// PropertyShareISCSI toggles the iSCSI export of a zvol.
	// Value: "on" or "off".
	PropertyShareISCSI = "shareiscsi"

	// PropertyVolsize is the logical size of a zvol in bytes.
	PropertyVolsize = "volsize"

	// PropertyAvailable is the space available to a dataset in bytes.
	PropertyAvailable = "available"

	// PropertyOrigin is the snapshot a clone depends on; "-" when none.
	PropertyOrigin = "origin"

	// PoolPropertySize is the total pool size in bytes.
	PoolPropertySize = "size"

	// PoolFeatureEncryption reports native encryption support.
	// Value: "disabled", "enabled" or "active".
	PoolFeatureEncryption = "feature@encryption"
)

// Zvol creation properties in the order they are passed to zfs create.
const (
	PropertyCompression  = "compression"
	PropertyDedup        = "dedup"
	PropertyVolblocksize = "volblocksize"
	PropertyChecksum     = "checksum"
	PropertyCopies       = "copies"
	PropertySync         = "sync"
	PropertyEncryption   = "encryption"
	PropertyKeyFormat    = "keyformat"
	PropertyKeyLocation  = "keylocation"
)

// Values of on/off properties.
const (
	ValueOn  = "on"
	ValueOff = "off"
)

// PropertyKind selects how a "zfs get -Hp" value is interpreted.
type PropertyKind int

const (
	// KindString keeps the raw value.
	KindString PropertyKind = iota
	// KindBytes parses an exact byte count.
	KindBytes
	// KindFeature maps a pool feature state to a boolean.
	KindFeature
)

func (k PropertyKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindFeature:
		return "feature"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// PropertyValue is a parsed property. Only the field matching the requested
// kind is set; an unset property yields the zero value with Set false.
type PropertyValue struct {
	Raw     string
	Bytes   int64
	Enabled bool
	Set     bool
}
