package zfs

import (
	"strconv"
	"strings"

	"github.com/fenio/zol-iscsi/pkg/cmdrunner"
)

const bytesPerGiB = int64(1) << 30

// ParseListFirstName returns the name column of the first "zfs list -H" row.
func ParseListFirstName(out string) (string, error) {
	lines := cmdrunner.Lines(out)
	if len(lines) == 0 {
		return "", &ParseError{Command: "zfs list", Output: out, Reason: "no rows"}
	}
	fields := strings.Fields(lines[0])
	return fields[0], nil
}

// ParseListNames returns one dataset name per "zfs list -H -o name" row.
func ParseListNames(out string) []string {
	lines := cmdrunner.Lines(out)
	names := make([]string, 0, len(lines))
	for _, line := range lines {
		names = append(names, strings.Fields(line)[0])
	}
	return names
}

// ParseGetValue parses one row of "zfs get -Hp" or "zpool get -Hp":
//
//	<name>\t<property>\t<value>\t<source>
//
// Empty output and the "-" placeholder yield an unset value.
func ParseGetValue(out, key string, kind PropertyKind) (PropertyValue, error) {
	lines := cmdrunner.Lines(out)
	if len(lines) == 0 {
		return PropertyValue{}, nil
	}

	fields := strings.Fields(lines[0])
	if len(fields) < 3 {
		return PropertyValue{}, &ParseError{Command: "get " + key, Output: out, Reason: "expected at least 3 columns"}
	}
	if fields[1] != key {
		return PropertyValue{}, &ParseError{Command: "get " + key, Output: out, Reason: "property column is " + fields[1]}
	}

	raw := fields[2]
	if raw == "-" {
		return PropertyValue{Raw: raw}, nil
	}

	v := PropertyValue{Raw: raw, Set: true}
	switch kind {
	case KindString:
	case KindBytes:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return PropertyValue{}, &ParseError{Command: "get " + key, Output: out, Reason: "not a byte count: " + raw}
		}
		v.Bytes = n
	case KindFeature:
		v.Enabled = raw == "enabled" || raw == "active"
	}
	return v, nil
}

// BytesToGiB converts bytes to whole GiB, truncating.
func BytesToGiB(b int64) int64 {
	if b <= 0 {
		return 0
	}
	return b / bytesPerGiB
}

// BytesToGiBCeil converts bytes to whole GiB, rounding up.
func BytesToGiBCeil(b int64) int64 {
	if b <= 0 {
		return 0
	}
	return (b + bytesPerGiB - 1) / bytesPerGiB
}

// GiBToBytes converts whole GiB to bytes.
func GiBToBytes(g int64) int64 {
	return g * bytesPerGiB
}
