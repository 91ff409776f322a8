package cmdrunner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/fenio/zol-iscsi/pkg/config"
	"github.com/fenio/zol-iscsi/pkg/metrics"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"k8s.io/klog/v2"
)

// ErrNoSSHAuth is returned when neither a password nor a private key is configured.
var ErrNoSSHAuth = errors.New("no SSH authentication method configured")

// SSHRunner runs commands on the SAN host over one persistent SSH connection.
// Each command gets its own session; argv is joined into a single shell string.
type SSHRunner struct {
	clientConfig *ssh.ClientConfig
	client       *ssh.Client
	addr         string
	rootHelper   []string
	timeout      time.Duration
	mu           sync.Mutex
}

// NewSSHRunner builds an SSHRunner from the SAN configuration. The connection
// is established on first use.
func NewSSHRunner(cfg *config.Config) (*SSHRunner, error) {
	san := cfg.SAN

	var auth []ssh.AuthMethod
	if san.PrivateKey != "" {
		key, err := os.ReadFile(san.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to read SSH private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse SSH private key %s: %w", san.PrivateKey, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if san.Password != "" {
		auth = append(auth, ssh.Password(san.Password))
	}
	if len(auth) == 0 {
		return nil, ErrNoSSHAuth
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // opt-in verification via knownHostsFile
	if san.KnownHostsFile != "" {
		cb, err := knownhosts.New(san.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts %s: %w", san.KnownHostsFile, err)
		}
		hostKeyCallback = cb
	} else {
		klog.Warningf("san.knownHostsFile not set, SSH host key of %s will not be verified", san.Host)
	}

	var prefix []string
	if san.Login != "root" {
		p, err := rootPrefix(san.RootHelper)
		if err != nil {
			return nil, err
		}
		prefix = p
	}

	return &SSHRunner{
		addr:       cfg.SSHAddress(),
		rootHelper: prefix,
		timeout:    san.ConnectTimeout,
		clientConfig: &ssh.ClientConfig{
			User:            san.Login,
			Auth:            auth,
			HostKeyCallback: hostKeyCallback,
			Timeout:         san.ConnectTimeout,
		},
	}, nil
}

// Run executes argv on the SAN host.
func (r *SSHRunner) Run(ctx context.Context, argv []string, opts ...Option) (*Result, error) {
	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}
	o := ResolveOptions(opts...)
	full := argv
	if o.AsRoot && len(r.rootHelper) > 0 {
		full = append(append([]string{}, r.rootHelper...), argv...)
	}
	command := CommandString(full)

	started := time.Now()
	client, err := r.connect(ctx)
	if err != nil {
		return nil, transportFailure(TransportSSH, argv, err, started)
	}

	session, err := client.NewSession()
	if err != nil {
		r.drop(client)
		return nil, transportFailure(TransportSSH, argv, fmt.Errorf("failed to open SSH session: %w", err), started)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	klog.V(4).Infof("Executing over SSH on %s: %s", r.addr, command)

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		//nolint:errcheck // best effort, the session is closed right after
		_ = session.Signal(ssh.SIGKILL)
		return nil, transportFailure(TransportSSH, argv, ctx.Err(), started)
	}

	res := &Result{
		Command: argv,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}
	if err != nil {
		var exitErr *ssh.ExitError
		if !errors.As(err, &exitErr) {
			r.drop(client)
			return nil, transportFailure(TransportSSH, argv, err, started)
		}
		res.ExitCode = exitErr.ExitStatus()
	}
	return finish(TransportSSH, res, o, started)
}

// Close closes the SSH connection, if any.
func (r *SSHRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

func (r *SSHRunner) connect(ctx context.Context) (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		return r.client, nil
	}

	klog.V(4).Infof("Dialing SSH %s@%s", r.clientConfig.User, r.addr)
	metrics.RecordSSHReconnection()

	dialer := net.Dialer{Timeout: r.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", r.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", r.addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, r.addr, r.clientConfig)
	if err != nil {
		//nolint:errcheck // handshake already failed
		_ = conn.Close()
		return nil, fmt.Errorf("SSH handshake with %s failed: %w", r.addr, err)
	}
	r.client = ssh.NewClient(c, chans, reqs)
	return r.client, nil
}

// drop discards a broken client so the next Run redials.
func (r *SSHRunner) drop(client *ssh.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == client {
		//nolint:errcheck // connection is already broken
		_ = r.client.Close()
		r.client = nil
	}
}
