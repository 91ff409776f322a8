package main

import (
	"errors"
	"fmt"
	"strconv"

	"k8s.io/apimachinery/pkg/api/resource"
)

const gib = int64(1) << 30

var errInvalidSize = errors.New("size must be positive")

// parseSizeGiB parses a size in whole GiB. A bare integer is a GiB count;
// anything else is a Kubernetes quantity ("10Gi", "500M") rounded up to the
// next GiB.
func parseSizeGiB(s string) (int64, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("%w: %s", errInvalidSize, s)
		}
		return n, nil
	}

	q, err := resource.ParseQuantity(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if q.Sign() <= 0 {
		return 0, fmt.Errorf("%w: %s", errInvalidSize, s)
	}
	bytes := q.Value()
	return (bytes + gib - 1) / gib, nil
}

// formatGiB renders a GiB count as a binary quantity, e.g. "10Gi".
func formatGiB(n int64) string {
	return resource.NewQuantity(n*gib, resource.BinarySI).String()
}
