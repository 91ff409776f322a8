package iscsi

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/fenio/zol-iscsi/pkg/cmdrunner"
	"github.com/fenio/zol-iscsi/pkg/utils"
	"k8s.io/klog/v2"
)

// iscsiadm exit codes, from open-iscsi's iscsi_err.h.
const (
	exitSessionExists = 15 // ISCSI_ERR_SESS_EXISTS
	exitNoObjects     = 21 // ISCSI_ERR_NO_OBJS_FOUND
)

// byPathDir holds the udev symlinks of iSCSI LUNs.
const byPathDir = "/dev/disk/by-path"

// Static errors for iSCSI operations.
var (
	ErrDiscoveryFailed = errors.New("iSCSI discovery failed")
	ErrTargetNotFound  = errors.New("iSCSI target not found")
	ErrLoginFailed     = errors.New("failed to login to iSCSI target")
	ErrLogoutFailed    = errors.New("failed to logout of iSCSI target")
	ErrDeviceNotFound  = errors.New("iSCSI device not found")
	ErrNoPortals       = errors.New("no iSCSI portals given")
)

// Target is a discovered target on one portal.
type Target struct {
	Portal string
	IQN    string
}

// ClientInterface defines the session operations used by the orchestrator.
type ClientInterface interface {
	Discover(ctx context.Context, portal string) ([]string, error)
	FindTarget(ctx context.Context, portals []string, volumeName string) (Target, error)
	Login(ctx context.Context, portal, target string) error
	Logout(ctx context.Context, portal, target string) error
	Sessions(ctx context.Context) ([]TargetSession, error)
	Session(ctx context.Context, portal, target string) (*TargetSession, error)
	BlockDevice(ctx context.Context, target string) (string, error)
	WaitForBlockDevice(ctx context.Context, target string, cfg utils.RetryConfig) (string, error)
}

// Verify that Client implements ClientInterface.
var _ ClientInterface = (*Client)(nil)

// Client runs iscsiadm through a cmdrunner.Runner.
type Client struct {
	runner             cmdrunner.Runner
	parser             SessionParser
	iscsiadm           string
	refreshNodeRecords bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithSessionParser replaces the session listing parser.
func WithSessionParser(p SessionParser) ClientOption {
	return func(c *Client) { c.parser = p }
}

// WithRefreshNodeRecords makes discovery update existing node records.
func WithRefreshNodeRecords(refresh bool) ClientOption {
	return func(c *Client) { c.refreshNodeRecords = refresh }
}

// NewClient creates an initiator client.
func NewClient(runner cmdrunner.Runner, opts ...ClientOption) *Client {
	c := &Client{
		runner:   runner,
		parser:   FieldSessionParser{},
		iscsiadm: "iscsiadm",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) run(ctx context.Context, args []string, opts ...cmdrunner.Option) (*cmdrunner.Result, error) {
	opts = append(opts, cmdrunner.AsRoot())
	return c.runner.Run(ctx, append([]string{c.iscsiadm}, args...), opts...)
}

// Discover runs sendtargets discovery against portal and returns the IQNs
// it reports for that portal.
func (c *Client) Discover(ctx context.Context, portal string) ([]string, error) {
	args := []string{"-m", "discovery", "-t", "sendtargets", "-p", portal}
	if c.refreshNodeRecords {
		args = append(args, "-D", "-o", "update")
	}
	res, err := c.run(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("%w at %s: %w", ErrDiscoveryFailed, portal, err)
	}
	iqns := ParseDiscovery(res.Stdout, portal)
	klog.V(4).Infof("Discovery at %s found %d targets", portal, len(iqns))
	return iqns, nil
}

// FindTarget discovers each portal in order and returns the first target
// whose IQN names volumeName.
func (c *Client) FindTarget(ctx context.Context, portals []string, volumeName string) (Target, error) {
	if len(portals) == 0 {
		return Target{}, ErrNoPortals
	}

	var lastErr error
	failed := 0
	for _, portal := range portals {
		iqns, err := c.Discover(ctx, portal)
		if err != nil {
			klog.Warningf("Skipping portal %s: %v", portal, err)
			lastErr = err
			failed++
			continue
		}
		for _, iqn := range iqns {
			if MatchesVolume(iqn, volumeName) {
				klog.V(4).Infof("Volume %s is exported as %s on %s", volumeName, iqn, portal)
				return Target{Portal: portal, IQN: iqn}, nil
			}
		}
	}

	if failed == len(portals) {
		return Target{}, lastErr
	}
	return Target{}, fmt.Errorf("%w for volume %s on %s", ErrTargetNotFound, volumeName, strings.Join(portals, ", "))
}

// Login logs in to target on portal. An existing session is success and
// no login command is issued.
func (c *Client) Login(ctx context.Context, portal, target string) error {
	existing, err := c.Session(ctx, portal, target)
	if err != nil {
		return err
	}
	if existing != nil {
		klog.V(4).Infof("Session %d to %s on %s already present", existing.SessionID, target, portal)
		return nil
	}

	klog.Infof("Logging in to %s on %s", target, portal)
	res, err := c.run(ctx, []string{"-m", "node", "-l", "-p", portal, "-T", target},
		cmdrunner.AllowExitCodes(exitSessionExists))
	if err != nil {
		return fmt.Errorf("%w %s: %w", ErrLoginFailed, target, err)
	}
	if res.ExitCode == exitSessionExists {
		klog.V(4).Infof("Session to %s was established concurrently", target)
		return nil
	}
	if !HasSuccessLine(res.Stdout) {
		return fmt.Errorf("%w %s: no success line in %q", ErrLoginFailed, target, strings.TrimSpace(res.Stdout))
	}
	return nil
}

// Logout logs out of target on portal. A missing session is success.
func (c *Client) Logout(ctx context.Context, portal, target string) error {
	klog.Infof("Logging out of %s on %s", target, portal)
	res, err := c.run(ctx, []string{"-m", "node", "-u", "-p", portal, "-T", target},
		cmdrunner.AllowExitCodes(exitNoObjects))
	if err != nil {
		return fmt.Errorf("%w %s: %w", ErrLogoutFailed, target, err)
	}
	if res.ExitCode == exitNoObjects || strings.Contains(res.Stderr, "No matching sessions") {
		klog.V(4).Infof("No session to %s on %s", target, portal)
		return nil
	}
	if !HasSuccessLine(res.Stdout) {
		return fmt.Errorf("%w %s: no success line in %q", ErrLogoutFailed, target, strings.TrimSpace(res.Stdout))
	}
	return nil
}

// Sessions lists the current initiator sessions.
func (c *Client) Sessions(ctx context.Context) ([]TargetSession, error) {
	res, err := c.run(ctx, []string{"-m", "session"}, cmdrunner.AllowExitCodes(exitNoObjects))
	if err != nil {
		return nil, fmt.Errorf("failed to list iSCSI sessions: %w", err)
	}
	if res.ExitCode == exitNoObjects {
		return nil, nil
	}
	return c.parser.ParseSessions(res.Stdout)
}

// Session returns the live session to target on portal, or nil.
func (c *Client) Session(ctx context.Context, portal, target string) (*TargetSession, error) {
	sessions, err := c.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range sessions {
		s := &sessions[i]
		if s.Portal == portal && s.TargetIQN == target && s.LoggedIn {
			return s, nil
		}
	}
	return nil, nil
}

// BlockDevice resolves the block device of target through its by-path
// symlink. Partition links and links of other targets sharing the IQN
// prefix are skipped.
func (c *Client) BlockDevice(ctx context.Context, target string) (string, error) {
	res, err := c.runner.Run(ctx, []string{"find", byPathDir, "-name", "*-iscsi-" + target + "-lun-*"})
	if err != nil {
		klog.V(4).Infof("Listing %s failed: %v", byPathDir, err)
		return "", fmt.Errorf("%w for %s", ErrDeviceNotFound, target)
	}

	var links []string
	for _, line := range res.Lines() {
		if isTargetLink(line, target) {
			links = append(links, line)
		}
	}
	if len(links) == 0 {
		return "", fmt.Errorf("%w for %s", ErrDeviceNotFound, target)
	}
	sort.Strings(links)

	res, err = c.runner.Run(ctx, []string{"readlink", "-f", links[0]})
	if err != nil {
		klog.V(4).Infof("Resolving %s failed: %v", links[0], err)
		return "", fmt.Errorf("%w for %s", ErrDeviceNotFound, target)
	}
	lines := res.Lines()
	if len(lines) == 0 {
		return "", fmt.Errorf("%w for %s", ErrDeviceNotFound, target)
	}
	klog.V(4).Infof("Target %s is %s (%s)", target, lines[0], links[0])
	return lines[0], nil
}

// isTargetLink reports whether link is the whole-disk by-path link of a
// LUN of exactly target: "...-iscsi-<target>-lun-<n>".
func isTargetLink(link, target string) bool {
	base := path.Base(link)
	marker := "-iscsi-" + target + "-lun-"
	i := strings.Index(base, marker)
	if i < 0 {
		return false
	}
	lun := base[i+len(marker):]
	if lun == "" {
		return false
	}
	for _, r := range lun {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// WaitForBlockDevice polls BlockDevice while it reports ErrDeviceNotFound.
func (c *Client) WaitForBlockDevice(ctx context.Context, target string, cfg utils.RetryConfig) (string, error) {
	cfg.RetryableFunc = utils.RetryOn(ErrDeviceNotFound)
	if cfg.OperationName == "" {
		cfg.OperationName = "wait for device of " + target
	}
	return utils.WithRetry(ctx, cfg, func() (string, error) {
		return c.BlockDevice(ctx, target)
	})
}
