// Package lifecycle contains the composable operations that keep the
// database and the cluster in agreement: each operation stages its row
// changes on a shared transaction and performs its infrastructure effect
// only after commit (see internal/twophase).
package lifecycle

import (
	"context"
	"log/slog"

	"github.com/atelier-labs/atelier/internal/domain"
)

// AbortFlags is the externally pollable abort signal keyed by build or run
// identity. Setting it is cooperative: the running task notices at its next
// check point.
type AbortFlags interface {
	Set(ctx context.Context, identity string) error
}

// SessionStopper tears down the cluster side of an interactive session.
// Stops issued during cascading deletes are fire-and-forget; the session
// layer reconciles whatever is left.
type SessionStopper interface {
	Stop(ctx context.Context, projectUUID, pipelineUUID string) error
}

// BuildEnqueuer hands a committed build to the worker queue.
type BuildEnqueuer interface {
	EnqueueBuild(ctx context.Context, buildUUID, projectUUID, imageName string) error
}

// Scheduler registers and unregisters cron entries for jobs.
type Scheduler interface {
	Register(schedule, jobUUID string) (entryID string, err error)
	Unregister(entryID string) error
}

// ImageRemover deletes a built artifact from the cluster registry. Removing
// an image that is already gone must succeed.
type ImageRemover interface {
	Remove(ctx context.Context, image domain.Image) error
}

// Deps are the infrastructure collaborators shared by all operations.
// Repositories are not part of Deps: every operation is constructed over
// the stores bound to the coordinator's transaction.
type Deps struct {
	Flags    AbortFlags
	Sessions SessionStopper
	Builds   BuildEnqueuer
	Sched    Scheduler
	Images   ImageRemover
	Logger   *slog.Logger
}
