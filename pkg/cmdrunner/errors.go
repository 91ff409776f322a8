package cmdrunner

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrEmptyCommand is returned when Run is called without argv.
var ErrEmptyCommand = errors.New("empty command")

// ExecutionError is a command that exited with an unaccepted code or could
// not be run at all. ExitCode is -1 for the latter.
type ExecutionError struct {
	Err      error
	Stdout   string
	Stderr   string
	Command  []string
	ExitCode int
}

func (e *ExecutionError) Error() string {
	cause := "exit status " + fmt.Sprint(e.ExitCode)
	if e.Err != nil {
		cause = e.Err.Error()
	}

	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		return fmt.Sprintf("failed to run: %s: %s", CommandString(e.Command), cause)
	}
	return fmt.Sprintf("failed to run: %s: %s (%s)", CommandString(e.Command), cause, stderr)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Transport reports whether the failure happened before an exit code was known.
func (e *ExecutionError) Transport() bool {
	return e.ExitCode < 0
}

// ExitCode extracts the exit code of a failed command.
func ExitCode(err error) (int, bool) {
	var execErr *ExecutionError
	if !errors.As(err, &execErr) || execErr.Transport() {
		return 0, false
	}
	return execErr.ExitCode, true
}

// IsExitCode reports whether err is a command failure with one of codes.
func IsExitCode(err error, codes ...int) bool {
	code, ok := ExitCode(err)
	return ok && slices.Contains(codes, code)
}

// IsTransportError reports whether err is a failure without an exit code:
// the command never ran, the connection dropped or the context ended.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	_, ok := ExitCode(err)
	return !ok
}

// Stderr returns the captured stderr of a failed command, if any.
func Stderr(err error) string {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Stderr
	}
	return ""
}
