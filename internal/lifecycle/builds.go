package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atelier-labs/atelier/internal/domain"
	"github.com/atelier-labs/atelier/internal/repo"
	"github.com/atelier-labs/atelier/internal/twophase"
	"github.com/google/uuid"
)

// CreateBuild defines a new image build. Only one build per (project,
// image) may be active, so any PENDING or STARTED build for the same image
// is aborted first. The task uuid is generated during staging and committed
// with the row, so the worker task finds its own record in the database no
// matter how quickly it starts.
type CreateBuild struct {
	deps        *Deps
	tx          repo.Stores
	projectUUID string
	imageName   string

	build domain.Build
}

func NewCreateBuild(deps *Deps, tx repo.Stores, projectUUID, imageName string) *CreateBuild {
	return &CreateBuild{deps: deps, tx: tx, projectUUID: projectUUID, imageName: imageName}
}

// Build returns the record staged for this request.
func (op *CreateBuild) Build() domain.Build { return op.build }

func (op *CreateBuild) Stage(ctx context.Context, c *twophase.Coordinator) error {
	active, err := op.tx.Builds().List(ctx, repo.BuildFilter{
		ProjectUUID: op.projectUUID,
		ImageName:   op.imageName,
		ActiveOnly:  true,
	})
	if err != nil {
		return fmt.Errorf("list active builds: %w", err)
	}
	for _, stale := range active {
		if err := c.Stage(ctx, NewAbortBuild(op.deps, op.tx, stale.UUID)); err != nil {
			return err
		}
	}

	op.build = domain.Build{
		UUID:          uuid.NewString(),
		ProjectUUID:   op.projectUUID,
		ImageName:     op.imageName,
		Status:        domain.StatusPending,
		RequestedTime: time.Now().UTC(),
	}
	if err := op.tx.Builds().Create(ctx, op.build); err != nil {
		return fmt.Errorf("insert build: %w", err)
	}
	return nil
}

func (op *CreateBuild) Apply(ctx context.Context) error {
	if err := op.deps.Builds.EnqueueBuild(ctx, op.build.UUID, op.projectUUID, op.imageName); err != nil {
		return fmt.Errorf("enqueue build %s: %w", op.build.UUID, err)
	}
	return nil
}

// AbortBuild marks a PENDING or STARTED build ABORTED and raises its abort
// flag after commit. Database rows are kept; only the status changes.
type AbortBuild struct {
	deps      *Deps
	tx        repo.Stores
	buildUUID string

	abortable bool
}

func NewAbortBuild(deps *Deps, tx repo.Stores, buildUUID string) *AbortBuild {
	return &AbortBuild{deps: deps, tx: tx, buildUUID: buildUUID}
}

// Abortable reports whether the build was still active when staged.
func (op *AbortBuild) Abortable() bool { return op.abortable }

func (op *AbortBuild) Stage(ctx context.Context, c *twophase.Coordinator) error {
	now := time.Now().UTC()
	n, err := op.tx.Builds().UpdateStatus(ctx, op.buildUUID, domain.StatusUpdate{
		Status:       domain.StatusAborted,
		FinishedTime: &now,
	})
	if err != nil {
		return fmt.Errorf("abort build %s: %w", op.buildUUID, err)
	}
	op.abortable = n > 0
	return nil
}

func (op *AbortBuild) Apply(ctx context.Context) error {
	if !op.abortable {
		return nil
	}
	if err := op.deps.Flags.Set(ctx, op.buildUUID); err != nil {
		return fmt.Errorf("set abort flag for build %s: %w", op.buildUUID, err)
	}
	return nil
}

// DeleteImageBuilds removes every build row of one (project, image) pair,
// aborting the newest build first when it is still active. Rows are ordered
// by request time, so only the most recent one can be active.
type DeleteImageBuilds struct {
	deps        *Deps
	tx          repo.Stores
	projectUUID string
	imageName   string
}

func NewDeleteImageBuilds(deps *Deps, tx repo.Stores, projectUUID, imageName string) *DeleteImageBuilds {
	return &DeleteImageBuilds{deps: deps, tx: tx, projectUUID: projectUUID, imageName: imageName}
}

func (op *DeleteImageBuilds) Stage(ctx context.Context, c *twophase.Coordinator) error {
	recent, err := op.tx.Builds().MostRecent(ctx, op.projectUUID, op.imageName)
	switch {
	case err == nil:
		if recent.Active() {
			if err := c.Stage(ctx, NewAbortBuild(op.deps, op.tx, recent.UUID)); err != nil {
				return err
			}
		}
	case errors.Is(err, repo.ErrNotFound):
	default:
		return fmt.Errorf("most recent build for %s/%s: %w", op.projectUUID, op.imageName, err)
	}

	if err := op.tx.Builds().DeleteByImage(ctx, op.projectUUID, op.imageName); err != nil {
		return fmt.Errorf("delete builds for %s/%s: %w", op.projectUUID, op.imageName, err)
	}
	return nil
}

func (op *DeleteImageBuilds) Apply(ctx context.Context) error { return nil }

// DeleteProjectBuilds fans out DeleteImageBuilds over every image the
// project has ever built.
type DeleteProjectBuilds struct {
	deps        *Deps
	tx          repo.Stores
	projectUUID string
}

func NewDeleteProjectBuilds(deps *Deps, tx repo.Stores, projectUUID string) *DeleteProjectBuilds {
	return &DeleteProjectBuilds{deps: deps, tx: tx, projectUUID: projectUUID}
}

func (op *DeleteProjectBuilds) Stage(ctx context.Context, c *twophase.Coordinator) error {
	builds, err := op.tx.Builds().List(ctx, repo.BuildFilter{ProjectUUID: op.projectUUID})
	if err != nil {
		return fmt.Errorf("list project builds: %w", err)
	}
	seen := make(map[string]bool, len(builds))
	for _, b := range builds {
		if seen[b.ImageName] {
			continue
		}
		seen[b.ImageName] = true
		if err := c.Stage(ctx, NewDeleteImageBuilds(op.deps, op.tx, op.projectUUID, b.ImageName)); err != nil {
			return err
		}
	}
	return nil
}

func (op *DeleteProjectBuilds) Apply(ctx context.Context) error { return nil }
