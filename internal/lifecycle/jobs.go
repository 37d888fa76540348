package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"github.com/atelier-labs/atelier/internal/domain"
	"github.com/atelier-labs/atelier/internal/repo"
	"github.com/atelier-labs/atelier/internal/twophase"
)

// CreateJob inserts the job row and, once that is committed, registers the
// cron entry with the scheduler. The entry id lands through a pool-bound
// repository since the coordinator's transaction is already closed; a crash
// between the two leaves a job without a schedule, which re-registration at
// bring-up repairs.
type CreateJob struct {
	deps     *Deps
	tx       repo.Stores
	jobsPool repo.JobRepository
	job      domain.Job
}

func NewCreateJob(deps *Deps, tx repo.Stores, jobsPool repo.JobRepository, job domain.Job) *CreateJob {
	return &CreateJob{deps: deps, tx: tx, jobsPool: jobsPool, job: job}
}

func (op *CreateJob) Stage(ctx context.Context, c *twophase.Coordinator) error {
	if err := op.job.Validate(); err != nil {
		return err
	}
	if err := op.tx.Jobs().Create(ctx, op.job); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (op *CreateJob) Apply(ctx context.Context) error {
	if strings.TrimSpace(op.job.Schedule) == "" {
		return nil
	}
	entryID, err := op.deps.Sched.Register(op.job.Schedule, op.job.UUID)
	if err != nil {
		return fmt.Errorf("register schedule for job %s: %w", op.job.UUID, err)
	}
	if err := op.jobsPool.SetScheduleEntry(ctx, op.job.UUID, entryID); err != nil {
		return fmt.Errorf("persist schedule entry for job %s: %w", op.job.UUID, err)
	}
	return nil
}

// DeleteJob removes a job and its runs: active runs are aborted before
// their rows go, then the job row goes, and after commit the cron entry is
// unregistered.
type DeleteJob struct {
	deps    *Deps
	tx      repo.Stores
	jobUUID string

	entryID string
}

func NewDeleteJob(deps *Deps, tx repo.Stores, jobUUID string) *DeleteJob {
	return &DeleteJob{deps: deps, tx: tx, jobUUID: jobUUID}
}

func (op *DeleteJob) Stage(ctx context.Context, c *twophase.Coordinator) error {
	job, err := op.tx.Jobs().Get(ctx, op.jobUUID)
	if err != nil {
		return fmt.Errorf("get job %s: %w", op.jobUUID, err)
	}
	op.entryID = job.ScheduleEntryID

	runs, err := op.tx.Runs().List(ctx, repo.RunFilter{JobUUID: op.jobUUID})
	if err != nil {
		return fmt.Errorf("list job runs: %w", err)
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

	if err := op.tx.Jobs().Delete(ctx, op.jobUUID); err != nil {
		return fmt.Errorf("delete job %s: %w", op.jobUUID, err)
	}
	return nil
}

func (op *DeleteJob) Apply(ctx context.Context) error {
	if strings.TrimSpace(op.entryID) == "" {
		return nil
	}
	if err := op.deps.Sched.Unregister(op.entryID); err != nil {
		return fmt.Errorf("unregister schedule entry %s: %w", op.entryID, err)
	}
	return nil
}
