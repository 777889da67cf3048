// Package reconnect implements the bounce primitive: a disconnect-then-
// reconnect repair action against the control plane.
//
// The controller never retries on its own. Retry policy lives entirely in
// the health state machine via its consecutive-failure counter, which keeps
// this package a simple, testable, side-effecting primitive.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pilot-net/vpnmon/internal/controlplane"
)

// ErrDownFailed indicates the disconnect half of a bounce failed. The tunnel
// was never torn down, so the caller should not treat the connection as
// fresh (no new grace period).
var ErrDownFailed = errors.New("bounce: disconnect failed")

// ErrUpFailed indicates the reconnect half of a bounce failed, leaving the
// tunnel down.
var ErrUpFailed = errors.New("bounce: reconnect failed")

// Controller issues bounce operations against the control plane.
type Controller struct {
	cp     controlplane.ControlPlane
	settle time.Duration
	logger *slog.Logger
}

// New creates a reconnect controller. settle is the pause between the down
// and up calls, giving the network manager time to release routes and DNS
// state before re-activation.
func New(cp controlplane.ControlPlane, settle time.Duration, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{cp: cp, settle: settle, logger: logger}
}

// Bounce tears the named tunnel down, waits the settle delay, and brings it
// back up. The two failure modes are distinguishable via errors.Is against
// ErrDownFailed and ErrUpFailed.
func (c *Controller) Bounce(ctx context.Context, name string) error {
	c.logger.Info("bouncing tunnel", "tunnel", name)

	if err := c.cp.Disconnect(ctx, name); err != nil {
		c.logger.Warn("bounce disconnect failed", "tunnel", name, "error", err)
		return fmt.Errorf("%w: %v", ErrDownFailed, err)
	}

	if c.settle > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.settle):
		}
	}

	if err := c.cp.Connect(ctx, name); err != nil {
		c.logger.Warn("bounce reconnect failed", "tunnel", name, "error", err)
		return fmt.Errorf("%w: %v", ErrUpFailed, err)
	}

	c.logger.Info("bounce complete", "tunnel", name)
	return nil
}
