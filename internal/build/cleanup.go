package build

import (
	"context"
	"log/slog"
	"time"
)

// ArtifactDeleter removes the cluster artifacts a build left behind,
// matched by the build's identity labels. includeFinal widens the match
// from intermediate artifacts to the final image as well, which is what
// an aborted build needs. Deleting artifacts that are already gone must
// succeed.
type ArtifactDeleter interface {
	Delete(ctx context.Context, buildUUID string, includeFinal bool) error
}

const (
	cleanupAttempts = 10
	cleanupDelay    = 500 * time.Millisecond
)

// Cleanup retries artifact deletion a bounded number of times. It never
// escalates: when every attempt fails the leftovers are logged and
// abandoned, because the build's own outcome is already recorded.
type Cleanup struct {
	deleter ArtifactDeleter
	logger  *slog.Logger
	delay   time.Duration
}

func NewCleanup(deleter ArtifactDeleter, logger *slog.Logger) *Cleanup {
	return &Cleanup{deleter: deleter, logger: logger, delay: cleanupDelay}
}

func (c *Cleanup) Run(ctx context.Context, buildUUID string, includeFinal bool) {
	var lastErr error
	for attempt := 1; attempt <= cleanupAttempts; attempt++ {
		lastErr = c.deleter.Delete(ctx, buildUUID, includeFinal)
		if lastErr == nil {
			return
		}
		if attempt < cleanupAttempts {
			select {
			case <-time.After(c.delay):
			case <-ctx.Done():
				c.logger.Error("artifact cleanup interrupted", "build_uuid", buildUUID, "error", ctx.Err())
				return
			}
		}
	}
	c.logger.Error("artifact cleanup gave up", "build_uuid", buildUUID, "attempts", cleanupAttempts, "error", lastErr)
}
