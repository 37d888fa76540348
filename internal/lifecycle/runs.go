package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/atelier-labs/atelier/internal/domain"
	"github.com/atelier-labs/atelier/internal/repo"
	"github.com/atelier-labs/atelier/internal/twophase"
)

// AbortPipelineRun moves a run to ABORTED if it is still PENDING or
// STARTED, then raises the abort flag so the executing task winds down at
// its next check point. Aborting a run that already reached a terminal
// state stages to a no-op.
type AbortPipelineRun struct {
	deps    *Deps
	tx      repo.Stores
	runUUID string

	abortable bool
}

func NewAbortPipelineRun(deps *Deps, tx repo.Stores, runUUID string) *AbortPipelineRun {
	return &AbortPipelineRun{deps: deps, tx: tx, runUUID: runUUID}
}

// Abortable reports whether the staged update actually changed a row,
// meaning the run was still in a non-terminal state.
func (op *AbortPipelineRun) Abortable() bool { return op.abortable }

func (op *AbortPipelineRun) Stage(ctx context.Context, c *twophase.Coordinator) error {
	now := time.Now().UTC()
	n, err := op.tx.Runs().UpdateStatus(ctx, op.runUUID, domain.StatusUpdate{
		Status:       domain.StatusAborted,
		FinishedTime: &now,
	})
	if err != nil {
		return fmt.Errorf("abort run %s: %w", op.runUUID, err)
	}
	op.abortable = n > 0
	return nil
}

func (op *AbortPipelineRun) Apply(ctx context.Context) error {
	if !op.abortable {
		return nil
	}
	if err := op.deps.Flags.Set(ctx, op.runUUID); err != nil {
		return fmt.Errorf("set abort flag for run %s: %w", op.runUUID, err)
	}
	return nil
}
