// Package cmdrunner executes external commands on the local host or on a
// remote SAN host over SSH. All ZFS and iSCSI effects go through a Runner.
package cmdrunner

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fenio/zol-iscsi/pkg/config"
	"github.com/fenio/zol-iscsi/pkg/metrics"
	"github.com/kballard/go-shellquote"
	"k8s.io/klog/v2"
)

// Transport names used in logs and metrics.
const (
	TransportLocal = "local"
	TransportSSH   = "ssh"
)

// Runner executes one command and returns its captured output.
//
// A non-nil *Result is returned alongside an *ExecutionError when the command
// ran but exited with a code the options do not accept, so callers can still
// inspect its output.
type Runner interface {
	Run(ctx context.Context, argv []string, opts ...Option) (*Result, error)
}

// Options control how a command is executed and judged.
type Options struct {
	// AsRoot prefixes the configured root helper when not already root.
	AsRoot bool

	// AllowedExitCodes are accepted in addition to 0.
	AllowedExitCodes []int

	// IgnoreExitCode accepts every exit code.
	IgnoreExitCode bool
}

// Option mutates Options.
type Option func(*Options)

// AsRoot runs the command with root privileges.
func AsRoot() Option {
	return func(o *Options) { o.AsRoot = true }
}

// AllowExitCodes treats the given exit codes as success.
func AllowExitCodes(codes ...int) Option {
	return func(o *Options) { o.AllowedExitCodes = append(o.AllowedExitCodes, codes...) }
}

// IgnoreExitCode disables exit code checking.
func IgnoreExitCode() Option {
	return func(o *Options) { o.IgnoreExitCode = true }
}

// ResolveOptions applies opts to the zero Options.
func ResolveOptions(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Accepts reports whether an exit code counts as success.
func (o Options) Accepts(code int) bool {
	if o.IgnoreExitCode || code == 0 {
		return true
	}
	return slices.Contains(o.AllowedExitCodes, code)
}

// Result is the captured outcome of a command.
type Result struct {
	Command  []string
	Stdout   string
	Stderr   string
	ExitCode int
}

// Lines returns the non-empty stdout lines.
func (r *Result) Lines() []string {
	if r == nil {
		return nil
	}
	return Lines(r.Stdout)
}

// Lines splits command output into trimmed, non-empty lines.
// Windows line endings and whitespace runs around a line are tolerated.
func Lines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// Check returns an *ExecutionError when res carries an exit code opts do not accept.
func Check(res *Result, opts Options) error {
	if opts.Accepts(res.ExitCode) {
		return nil
	}
	return &ExecutionError{
		Command:  res.Command,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}
}

// CommandString renders argv the way a shell would accept it.
func CommandString(argv []string) string {
	return shellquote.Join(argv...)
}

// New builds the Runner variant selected by the SAN configuration.
func New(cfg *config.Config) (Runner, error) {
	if cfg.SAN.Local {
		r, err := NewLocalRunner(cfg.SAN.RootHelper)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	r, err := NewSSHRunner(cfg)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// rootPrefix splits a root helper like "sudo -n" into argv.
func rootPrefix(helper string) ([]string, error) {
	if strings.TrimSpace(helper) == "" {
		return nil, nil
	}
	words, err := shellquote.Split(helper)
	if err != nil {
		return nil, fmt.Errorf("invalid root helper %q: %w", helper, err)
	}
	return words, nil
}

// finish records metrics and logs for a completed command and applies the exit code policy.
func finish(transport string, res *Result, opts Options, started time.Time) (*Result, error) {
	binary := filepath.Base(res.Command[0])
	err := Check(res, opts)

	status := metrics.StatusSuccess
	if err != nil {
		status = metrics.StatusError
	}
	metrics.RecordCommand(binary, transport, status, time.Since(started))

	klog.V(5).Infof("Command %q exited %d, stdout=%q stderr=%q",
		CommandString(res.Command), res.ExitCode, res.Stdout, res.Stderr)
	if err != nil {
		klog.V(4).Infof("Command failed: %v", err)
	}
	return res, err
}

// transportFailure records and returns a failure where no exit code was obtained.
func transportFailure(transport string, argv []string, cause error, started time.Time) error {
	metrics.RecordCommand(filepath.Base(argv[0]), transport, metrics.StatusError, time.Since(started))
	klog.V(4).Infof("Command %q failed over %s: %v", CommandString(argv), transport, cause)
	return &ExecutionError{Command: argv, ExitCode: -1, Err: cause}
}
