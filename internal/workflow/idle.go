package workflow

import (
	"context"
	"log/slog"
	"time"
)

const idleSweepInterval = 30 * time.Second

// StartIdleWatchdog runs a background goroutine that periodically checks for
// an abandoned session and aborts it, returning the kiosk to the ready
// screen. A completed session is still archived by the abort path. Analysis
// progress counts as activity, so a session is never reaped mid-analysis.
func StartIdleWatchdog(ctx context.Context, ctrl *Controller, timeout time.Duration) {
	ticker := time.NewTicker(idleSweepInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Idle watchdog started", "interval", idleSweepInterval, "timeout", timeout)

		for {
			select {
			case <-ticker.C:
				ctrl.abortIfIdle(ctx, timeout)
			case <-ctx.Done():
				slog.Info("Idle watchdog shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (c *Controller) abortIfIdle(ctx context.Context, timeout time.Duration) {
	c.mu.Lock()
	expired := c.state != StateReady && time.Since(c.lastActive) > timeout
	state := c.state
	c.mu.Unlock()

	if !expired {
		return
	}

	c.log.Info("Aborting abandoned session", "state", string(state), "timeout", timeout)
	if err := c.Abort(ctx); err != nil {
		c.log.Warn("Idle abort could not archive session", "error", err)
	}
}
