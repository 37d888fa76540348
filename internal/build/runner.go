// Package build executes image builds on the worker: it streams the
// builder's output line by line, honors cooperative aborts, pushes
// status transitions back to the API and always leaves artifact cleanup
// behind it.
package build

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/atelier-labs/atelier/internal/domain"
	"github.com/atelier-labs/atelier/internal/platform/logstream"
)

// LogNamespace is the channel namespace build output is published under.
const LogNamespace = "build"

// Step produces the build output. It writes raw output to w and returns
// once the underlying work is done; cancelling ctx must make it return
// promptly.
type Step func(ctx context.Context, w io.Writer) error

// AbortChecker polls the externally raised abort flag for a task identity.
type AbortChecker interface {
	IsSet(ctx context.Context, identity string) (bool, error)
}

// Reporter pushes one status transition. Implementations are
// fire-and-forget: they log delivery problems and never fail the build.
type Reporter interface {
	Report(ctx context.Context, buildUUID string, update domain.StatusUpdate)
}

// CleanupDispatcher hands artifact cleanup off to run detached from the
// build task.
type CleanupDispatcher interface {
	DispatchCleanup(ctx context.Context, buildUUID string, includeFinal bool) error
}

type Runner struct {
	flags     AbortChecker
	reporter  Reporter
	publisher logstream.Publisher
	cleanup   CleanupDispatcher
	logger    *slog.Logger

	// idleTimeout fails a build whose output stalls. Zero disables the
	// watchdog.
	idleTimeout time.Duration
}

func NewRunner(flags AbortChecker, reporter Reporter, publisher logstream.Publisher, cleanup CleanupDispatcher, logger *slog.Logger, idleTimeout time.Duration) *Runner {
	return &Runner{
		flags:       flags,
		reporter:    reporter,
		publisher:   publisher,
		cleanup:     cleanup,
		logger:      logger,
		idleTimeout: idleTimeout,
	}
}

// Run drives one build to a terminal status and returns it. The returned
// error is non-nil only for FAILURE; an abort is a normal outcome, not an
// error. Cleanup is dispatched on every path, with the selector widened
// to the final artifact when the build was aborted.
func (r *Runner) Run(ctx context.Context, buildUUID string, step Step) (status domain.Status, err error) {
	defer func() {
		r.dispatchCleanup(buildUUID, status == domain.StatusAborted)
	}()

	if aborted := r.abortRequested(ctx, buildUUID); aborted {
		r.reportFinished(ctx, buildUUID, domain.StatusAborted)
		return domain.StatusAborted, nil
	}

	started := time.Now().UTC()
	r.reporter.Report(ctx, buildUUID, domain.StatusUpdate{
		Status:      domain.StatusStarted,
		StartedTime: &started,
	})

	stepCtx, cancelStep := context.WithCancel(ctx)
	defer cancelStep()

	pr, pw := io.Pipe()
	stepErr := make(chan error, 1)
	go func() {
		err := step(stepCtx, pw)
		pw.CloseWithError(err)
		stepErr <- err
	}()

	lines := make(chan string)
	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-stepCtx.Done():
				return
			}
		}
	}()

	aborted := false
	var idle *time.Timer
	var idleC <-chan time.Time
	if r.idleTimeout > 0 {
		idle = time.NewTimer(r.idleTimeout)
		defer idle.Stop()
		idleC = idle.C
	}

stream:
	for {
		select {
		case line := <-lines:
			if idle != nil {
				if !idle.Stop() {
					<-idle.C
				}
				idle.Reset(r.idleTimeout)
			}
			r.publishLine(ctx, buildUUID, line)
			if r.abortRequested(ctx, buildUUID) {
				aborted = true
				cancelStep()
				break stream
			}
		case <-idleC:
			r.logger.Error("build output stalled", "build_uuid", buildUUID, "idle_timeout", r.idleTimeout)
			cancelStep()
			break stream
		case <-scanDone:
			break stream
		}
	}

	// Unblock the pipe if the producer is still writing.
	_ = pr.CloseWithError(context.Canceled)
	runErr := <-stepErr

	if aborted {
		r.reportFinished(ctx, buildUUID, domain.StatusAborted)
		return domain.StatusAborted, nil
	}
	if runErr != nil {
		r.reportFinished(ctx, buildUUID, domain.StatusFailure)
		return domain.StatusFailure, runErr
	}
	r.reportFinished(ctx, buildUUID, domain.StatusSuccess)
	return domain.StatusSuccess, nil
}

func (r *Runner) abortRequested(ctx context.Context, buildUUID string) bool {
	set, err := r.flags.IsSet(ctx, buildUUID)
	if err != nil {
		// An unreadable flag is treated as absent; the abort will be
		// noticed at the next line.
		r.logger.Error("abort flag check failed", "build_uuid", buildUUID, "error", err)
		return false
	}
	return set
}

func (r *Runner) publishLine(ctx context.Context, buildUUID, line string) {
	if err := r.publisher.Publish(ctx, LogNamespace, buildUUID, line); err != nil {
		r.logger.Error("publish build output", "build_uuid", buildUUID, "error", err)
	}
}

func (r *Runner) reportFinished(ctx context.Context, buildUUID string, status domain.Status) {
	finished := time.Now().UTC()
	r.reporter.Report(ctx, buildUUID, domain.StatusUpdate{
		Status:       status,
		FinishedTime: &finished,
	})
}

func (r *Runner) dispatchCleanup(buildUUID string, includeFinal bool) {
	// Cleanup outlives the task, so it is not tied to the task context.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.cleanup.DispatchCleanup(ctx, buildUUID, includeFinal); err != nil {
		r.logger.Error("dispatch artifact cleanup", "build_uuid", buildUUID, "error", err)
	}
}
