package zfs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fenio/zol-iscsi/pkg/cmdrunner"
)

// Static errors returned by the dataset reconciler.
var (
	ErrInvalidSize   = errors.New("volume size must be at least 1 GiB")
	ErrNotASnapshot  = errors.New("path is not a snapshot")
	ErrIsASnapshot   = errors.New("path is a snapshot")
	ErrEmptyName     = errors.New("dataset name is empty")
	ErrShrinkRefused = errors.New("zvols cannot be shrunk")
)

// ParseError reports command output that did not have the expected shape.
// It is distinct from absence: the command succeeded but said something
// the parser does not understand.
type ParseError struct {
	Command string
	Output  string
	Reason  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unexpected output from %s: %s: %q", e.Command, e.Reason, e.Output)
}

// isNotExist reports whether a zfs failure means the dataset is absent.
func isNotExist(err error) bool {
	if _, ok := cmdrunner.ExitCode(err); !ok {
		return false
	}
	stderr := cmdrunner.Stderr(err)
	return strings.Contains(stderr, "does not exist") ||
		strings.Contains(stderr, "could not find any snapshots")
}
