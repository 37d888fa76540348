package lifecycle

import (
	"context"
	"fmt"

	"github.com/atelier-labs/atelier/internal/domain"
	"github.com/atelier-labs/atelier/internal/repo"
	"github.com/atelier-labs/atelier/internal/twophase"
)

// CreateProject inserts a validated project row. No infrastructure effect:
// cluster resources only appear once sessions or builds are requested.
type CreateProject struct {
	tx      repo.Stores
	project domain.Project
}

func NewCreateProject(tx repo.Stores, project domain.Project) *CreateProject {
	return &CreateProject{tx: tx, project: project}
}

func (op *CreateProject) Stage(ctx context.Context, c *twophase.Coordinator) error {
	if err := op.project.Validate(); err != nil {
		return err
	}
	if err := op.tx.Projects().Create(ctx, op.project); err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (op *CreateProject) Apply(ctx context.Context) error { return nil }

// UpdateProjectEnv replaces a project's environment variables after
// validating the names. No infrastructure effect: running sessions keep
// the variables they started with.
type UpdateProjectEnv struct {
	tx          repo.Stores
	projectUUID string
	vars        map[string]string
}

func NewUpdateProjectEnv(tx repo.Stores, projectUUID string, vars map[string]string) *UpdateProjectEnv {
	return &UpdateProjectEnv{tx: tx, projectUUID: projectUUID, vars: vars}
}

func (op *UpdateProjectEnv) Stage(ctx context.Context, c *twophase.Coordinator) error {
	if err := domain.ValidateEnvVariables(op.vars); err != nil {
		return err
	}
	if err := op.tx.Projects().UpdateEnvVariables(ctx, op.projectUUID, op.vars); err != nil {
		return fmt.Errorf("update project %s env: %w", op.projectUUID, err)
	}
	return nil
}

func (op *UpdateProjectEnv) Apply(ctx context.Context) error { return nil }

// DeleteProject cascades over everything the project owns before removing
// the row itself:
//
//  1. every interactive run row is deleted, aborting the non-terminal
//     ones first,
//  2. live sessions are asked to stop without holding up the transaction,
//  3. each job tears itself down through its own DeleteJob,
//  4. build history goes, aborting anything still running,
//  5. image artifacts are scheduled for removal last,
//  6. the project row is deleted.
//
// Everything commits as one transaction; a failure anywhere while staging
// leaves the project untouched.
type DeleteProject struct {
	deps        *Deps
	tx          repo.Stores
	projectUUID string
}

func NewDeleteProject(deps *Deps, tx repo.Stores, projectUUID string) *DeleteProject {
	return &DeleteProject{deps: deps, tx: tx, projectUUID: projectUUID}
}

func (op *DeleteProject) Stage(ctx context.Context, c *twophase.Coordinator) error {
	runs, err := op.tx.Runs().List(ctx, repo.RunFilter{
		ProjectUUID:     op.projectUUID,
		InteractiveOnly: true,
	})
	if err != nil {
		return fmt.Errorf("list interactive runs: %w", err)
	}
	for _, run := range runs {
		if !run.Status.Terminal() {
			if err := c.Stage(ctx, NewAbortPipelineRun(op.deps, op.tx, run.UUID)); err != nil {
				return err
			}
		}
		if err := op.tx.Runs().Delete(ctx, run.UUID); err != nil {
			return fmt.Errorf("delete run %s: %w", run.UUID, err)
		}
	}

	sessions, err := op.tx.Sessions().ListByProject(ctx, op.projectUUID)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	for _, session := range sessions {
		if err := c.Stage(ctx, NewStopInteractiveSession(op.deps, op.tx, session.ProjectUUID, session.PipelineUUID)); err != nil {
			return err
		}
	}

	jobs, err := op.tx.Jobs().ListByProject(ctx, op.projectUUID)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	for _, job := range jobs {
		if err := c.Stage(ctx, NewDeleteJob(op.deps, op.tx, job.UUID)); err != nil {
			return err
		}
	}

	if err := c.Stage(ctx, NewDeleteProjectBuilds(op.deps, op.tx, op.projectUUID)); err != nil {
		return err
	}
	if err := c.Stage(ctx, NewDeleteProjectImages(op.deps, op.tx, op.projectUUID)); err != nil {
		return err
	}

	if err := op.tx.Projects().Delete(ctx, op.projectUUID); err != nil {
		return fmt.Errorf("delete project %s: %w", op.projectUUID, err)
	}
	return nil
}

func (op *DeleteProject) Apply(ctx context.Context) error { return nil }
