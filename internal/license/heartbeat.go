package license

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrHeartbeatActive is returned when StartHeartbeat is called while a
// heartbeat is already running.
var ErrHeartbeatActive = errors.New("license: heartbeat already running")

// StartHeartbeat performs an immediate validation and then revalidates every
// heartbeat interval until StopHeartbeat is called or ctx is cancelled. The
// heartbeat is a single cancellable task owned by the caller, not a detached
// lifecycle.
func (c *Client) StartHeartbeat(ctx context.Context, licenseKey string) error {
	if licenseKey == "" {
		return ErrEmptyLicenseKey
	}

	c.hbMu.Lock()
	defer c.hbMu.Unlock()

	if c.hbCancel != nil {
		return ErrHeartbeatActive
	}

	hbCtx, cancel := context.WithCancel(ctx)
	c.hbCancel = cancel
	gen := c.hbGen.Add(1)

	c.logAction(slog.LevelInfo, "heartbeat_start", "heartbeat scheduled",
		slog.String("license_key", maskLicenseKey(licenseKey)),
		slog.Duration("interval", c.hbInterval),
	)

	go c.runHeartbeat(hbCtx, licenseKey, gen)
	return nil
}

// StopHeartbeat cancels the heartbeat. It is idempotent. No validation fires
// after it returns, and a validation already in flight has its result
// discarded when it arrives (supersession, enforced by the generation check
// in commitIf).
func (c *Client) StopHeartbeat() {
	c.hbMu.Lock()
	defer c.hbMu.Unlock()

	if c.hbCancel == nil {
		return
	}
	c.hbCancel()
	c.hbCancel = nil

	// Invalidate the generation so in-flight results cannot commit.
	c.hbGen.Add(1)

	c.logAction(slog.LevelInfo, "heartbeat_stop", "heartbeat cancelled")
}

func (c *Client) runHeartbeat(ctx context.Context, licenseKey string, gen uint64) {
	c.heartbeatCycle(ctx, licenseKey, gen)

	ticker := time.NewTicker(c.hbInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.heartbeatCycle(ctx, licenseKey, gen)
		}
	}
}

func (c *Client) heartbeatCycle(ctx context.Context, licenseKey string, gen uint64) {
	if ctx.Err() != nil {
		return
	}

	res, err := c.validate(ctx, licenseKey, Options{})
	if err != nil {
		c.logger.Warn("heartbeat validation failed",
			slog.String("license_key", maskLicenseKey(licenseKey)),
			slog.String("error", err.Error()),
		)
		return
	}

	c.metrics.recordHeartbeat(ctx)
	c.commitIf(res, gen)
}
