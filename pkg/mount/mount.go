// Package mount inspects the node's mount table with findmnt.
package mount

import (
	"context"
	"fmt"
	"time"

	"github.com/fenio/zol-iscsi/pkg/cmdrunner"
)

// findmnt exits 1 when no mount matches.
const findmntNoMatch = 1

const defaultTimeout = 10 * time.Second

// Checker runs findmnt through a command runner.
type Checker struct {
	runner  cmdrunner.Runner
	findmnt string
	timeout time.Duration
}

// NewChecker creates a Checker.
func NewChecker(runner cmdrunner.Runner) *Checker {
	return &Checker{runner: runner, findmnt: "findmnt", timeout: defaultTimeout}
}

// IsMounted reports whether targetPath is a mount point.
func (c *Checker) IsMounted(ctx context.Context, targetPath string) (bool, error) {
	targets, err := c.find(ctx, "--mountpoint", targetPath)
	if err != nil {
		return false, err
	}
	return len(targets) > 0, nil
}

// DeviceMountpoints returns every mount point whose source is device.
func (c *Checker) DeviceMountpoints(ctx context.Context, device string) ([]string, error) {
	return c.find(ctx, "--source", device)
}

func (c *Checker) find(ctx context.Context, flag, value string) ([]string, error) {
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	argv := []string{c.findmnt, "-n", "-l", "-o", "TARGET", flag, value}
	res, err := c.runner.Run(checkCtx, argv, cmdrunner.AllowExitCodes(findmntNoMatch))
	if err != nil {
		return nil, fmt.Errorf("failed to check mounts of %s: %w", value, err)
	}
	if res.ExitCode == findmntNoMatch {
		return nil, nil
	}
	return res.Lines(), nil
}
