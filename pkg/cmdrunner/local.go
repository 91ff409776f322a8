package cmdrunner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"time"

	"k8s.io/klog/v2"
)

// hostNamespacePrefix runs a command in the mount and IPC namespaces of PID 1.
// A containerized node plugin needs this so iscsiadm talks to the host's iscsid.
var hostNamespacePrefix = []string{"nsenter", "--mount=/proc/1/ns/mnt", "--ipc=/proc/1/ns/ipc", "--"}

// LocalRunner runs commands as local subprocesses.
type LocalRunner struct {
	rootHelper     []string
	isRoot         bool
	hostNamespaces bool
}

// LocalOption configures a LocalRunner.
type LocalOption func(*LocalRunner)

// WithHostNamespaces enters the host mount/IPC namespaces for every command.
func WithHostNamespaces() LocalOption {
	return func(r *LocalRunner) { r.hostNamespaces = true }
}

// NewLocalRunner creates a LocalRunner using rootHelper (e.g. "sudo") for AsRoot commands.
func NewLocalRunner(rootHelper string, opts ...LocalOption) (*LocalRunner, error) {
	prefix, err := rootPrefix(rootHelper)
	if err != nil {
		return nil, err
	}
	r := &LocalRunner{
		rootHelper: prefix,
		isRoot:     os.Geteuid() == 0,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run executes argv locally.
func (r *LocalRunner) Run(ctx context.Context, argv []string, opts ...Option) (*Result, error) {
	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}
	o := ResolveOptions(opts...)
	full := r.wrap(argv, o)

	klog.V(4).Infof("Executing locally: %s", CommandString(full))

	//nolint:gosec // argv is assembled from configuration and validated names, never a shell string
	cmd := exec.CommandContext(ctx, full[0], full[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	res := &Result{
		Command: argv,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || exitErr.ExitCode() < 0 {
			return nil, transportFailure(TransportLocal, argv, err, started)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	return finish(TransportLocal, res, o, started)
}

func (r *LocalRunner) wrap(argv []string, o Options) []string {
	var full []string
	if r.hostNamespaces {
		full = append(full, hostNamespacePrefix...)
	}
	if o.AsRoot && !r.isRoot {
		full = append(full, r.rootHelper...)
	}
	return append(full, argv...)
}
