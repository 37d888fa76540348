package lifecycle

import (
	"context"
	"fmt"

	"github.com/atelier-labs/atelier/internal/repo"
	"github.com/atelier-labs/atelier/internal/twophase"
)

// StopInteractiveSession removes the session row and asks the cluster to
// tear the session down. The teardown request is dispatched without
// waiting: session teardown is never on the critical path of the
// transaction that ordered it.
type StopInteractiveSession struct {
	deps         *Deps
	tx           repo.Stores
	projectUUID  string
	pipelineUUID string
}

func NewStopInteractiveSession(deps *Deps, tx repo.Stores, projectUUID, pipelineUUID string) *StopInteractiveSession {
	return &StopInteractiveSession{deps: deps, tx: tx, projectUUID: projectUUID, pipelineUUID: pipelineUUID}
}

func (op *StopInteractiveSession) Stage(ctx context.Context, c *twophase.Coordinator) error {
	if err := op.tx.Sessions().Delete(ctx, op.projectUUID, op.pipelineUUID); err != nil {
		return fmt.Errorf("delete session %s/%s: %w", op.projectUUID, op.pipelineUUID, err)
	}
	return nil
}

func (op *StopInteractiveSession) Apply(ctx context.Context) error {
	deps := op.deps
	projectUUID, pipelineUUID := op.projectUUID, op.pipelineUUID
	go func() {
		// Detached from the request: the row is already gone, the cluster
		// catches up on its own time.
		if err := deps.Sessions.Stop(context.Background(), projectUUID, pipelineUUID); err != nil {
			deps.Logger.Error("session stop failed",
				"project_uuid", projectUUID,
				"pipeline_uuid", pipelineUUID,
				"error", err)
		}
	}()
	return nil
}
