package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atelier-labs/atelier/internal/domain"
	"github.com/atelier-labs/atelier/internal/twophase"
)

func TestCreateBuildRevokesActiveDuplicate(t *testing.T) {
	stores := newFakeStores()
	_ = stores.Builds().Create(context.Background(), domain.Build{
		UUID: "old-build", ProjectUUID: "proj-1", ImageName: "base-py",
		Status: domain.StatusStarted, RequestedTime: time.Now().Add(-time.Minute),
	})
	stores.log = nil
	deps, flags, enq, _, _ := testDeps(newFakeStopper(1))
	tx := &fakeTxn{}

	op := NewCreateBuild(deps, stores, "proj-1", "base-py")
	err := twophase.Run(context.Background(), tx, func(c *twophase.Coordinator) error {
		return c.Stage(context.Background(), op)
	})
	if err != nil {
		t.Fatalf("create build: %v", err)
	}

	created := op.Build()
	if created.UUID == "" || created.Status != domain.StatusPending {
		t.Fatalf("unexpected staged build: %+v", created)
	}
	if old, _ := stores.Builds().Get(context.Background(), "old-build"); old.Status != domain.StatusAborted {
		t.Fatalf("duplicate active build not aborted: %s", old.Status)
	}

	// The old build was aborted before the new row went in.
	idxAbort := indexOf(t, stores.log, "build.status:old-build:ABORTED")
	idxCreate := indexOf(t, stores.log, "build.create:"+created.UUID)
	if idxAbort > idxCreate {
		t.Fatalf("new build inserted before the duplicate was aborted: %v", stores.log)
	}

	wantFlag(t, flags, "old-build")
	if len(enq.enqueued) != 1 || enq.enqueued[0] != created.UUID {
		t.Fatalf("expected one enqueued build task, got %v", enq.enqueued)
	}
}

func TestCreateBuildEnqueueFailureIsPostCommit(t *testing.T) {
	stores := newFakeStores()
	deps, _, enq, _, _ := testDeps(newFakeStopper(1))
	enq.err = errors.New("queue unavailable")
	tx := &fakeTxn{}

	op := NewCreateBuild(deps, stores, "proj-1", "base-py")
	err := twophase.Run(context.Background(), tx, func(c *twophase.Coordinator) error {
		return c.Stage(context.Background(), op)
	})
	var committed *twophase.CommittedError
	if !errors.As(err, &committed) {
		t.Fatalf("expected CommittedError, got %v", err)
	}
	if !tx.committed {
		t.Fatalf("row must be committed even when the enqueue fails")
	}
	if _, getErr := stores.Builds().Get(context.Background(), op.Build().UUID); getErr != nil {
		t.Fatalf("committed build row missing: %v", getErr)
	}
}

func TestDeleteImageBuildsAbortsOnlyActiveRecent(t *testing.T) {
	stores := newFakeStores()
	ctx := context.Background()
	_ = stores.Builds().Create(ctx, domain.Build{
		UUID: "b1", ProjectUUID: "p", ImageName: "img",
		Status: domain.StatusFailure, RequestedTime: time.Now().Add(-2 * time.Hour),
	})
	_ = stores.Builds().Create(ctx, domain.Build{
		UUID: "b2", ProjectUUID: "p", ImageName: "img",
		Status: domain.StatusPending, RequestedTime: time.Now(),
	})
	deps, flags, _, _, _ := testDeps(newFakeStopper(1))
	tx := &fakeTxn{}

	err := twophase.Run(ctx, tx, func(c *twophase.Coordinator) error {
		return c.Stage(ctx, NewDeleteImageBuilds(deps, stores, "p", "img"))
	})
	if err != nil {
		t.Fatalf("delete image builds: %v", err)
	}
	if len(stores.builds) != 0 {
		t.Fatalf("expected all build rows removed")
	}
	wantFlag(t, flags, "b2")
	for _, id := range flags.set {
		if id == "b1" {
			t.Fatalf("terminal build must not get an abort flag")
		}
	}
}

func TestCreateJobRegistersScheduleAfterCommit(t *testing.T) {
	stores := newFakeStores()
	deps, _, _, sched, _ := testDeps(newFakeStopper(1))
	tx := &fakeTxn{}
	job := domain.Job{
		UUID: "job-9", ProjectUUID: "p", PipelineUUID: "pl", Name: "hourly", Schedule: "@hourly",
	}

	err := twophase.Run(context.Background(), tx, func(c *twophase.Coordinator) error {
		return c.Stage(context.Background(), NewCreateJob(deps, stores, stores.Jobs(), job))
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if len(sched.registered) != 1 || sched.registered[0] != "job-9" {
		t.Fatalf("schedule not registered: %v", sched.registered)
	}
	stored, _ := stores.Jobs().Get(context.Background(), "job-9")
	if stored.ScheduleEntryID != "entry-job-9" {
		t.Fatalf("entry id not persisted: %q", stored.ScheduleEntryID)
	}
}
