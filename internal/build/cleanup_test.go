package build

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

type countingDeleter struct {
	calls        int
	failUntil    int // attempts up to and including failUntil return an error
	includeFinal []bool
}

func (d *countingDeleter) Delete(ctx context.Context, buildUUID string, includeFinal bool) error {
	d.calls++
	d.includeFinal = append(d.includeFinal, includeFinal)
	if d.calls <= d.failUntil {
		return errors.New("conflict: artifact busy")
	}
	return nil
}

func newTestCleanup(d *countingDeleter) *Cleanup {
	c := NewCleanup(d, slog.New(slog.DiscardHandler))
	c.delay = time.Millisecond
	return c
}

func TestCleanupRetriesUntilSuccess(t *testing.T) {
	d := &countingDeleter{failUntil: 3}
	newTestCleanup(d).Run(context.Background(), "b-1", false)
	if d.calls != 4 {
		t.Fatalf("expected 4 attempts, got %d", d.calls)
	}
}

func TestCleanupGivesUpAfterBoundedAttempts(t *testing.T) {
	d := &countingDeleter{failUntil: 1000}
	newTestCleanup(d).Run(context.Background(), "b-2", false)
	if d.calls != cleanupAttempts {
		t.Fatalf("expected exactly %d attempts, got %d", cleanupAttempts, d.calls)
	}
}

func TestCleanupPassesWidenedSelector(t *testing.T) {
	d := &countingDeleter{}
	newTestCleanup(d).Run(context.Background(), "b-3", true)
	if d.calls != 1 || !d.includeFinal[0] {
		t.Fatalf("expected one widened delete, got calls=%d includeFinal=%v", d.calls, d.includeFinal)
	}
}

func TestCleanupStopsWhenContextCancelled(t *testing.T) {
	d := &countingDeleter{failUntil: 1000}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	newTestCleanup(d).Run(ctx, "b-4", false)
	if d.calls != 1 {
		t.Fatalf("expected a single attempt before honoring cancellation, got %d", d.calls)
	}
}
