package build

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/atelier-labs/atelier/internal/domain"
	"github.com/atelier-labs/atelier/internal/repo"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Task types routed through the worker queue.
const (
	TypeImageBuild      = "build:image"
	TypeArtifactCleanup = "build:cleanup"
	TypeJobTrigger      = "job:trigger"
)

// Queue names. Cleanup rides a separate queue so a backlog of builds
// cannot starve it.
const (
	QueueBuilds  = "builds"
	QueueCleanup = "cleanup"
	QueueDefault = "default"
)

type imageBuildPayload struct {
	BuildUUID   string `json:"build_uuid"`
	ProjectUUID string `json:"project_uuid"`
	ImageName   string `json:"image_name"`
}

type cleanupPayload struct {
	BuildUUID    string `json:"build_uuid"`
	IncludeFinal bool   `json:"include_final"`
}

type jobTriggerPayload struct {
	JobUUID string `json:"job_uuid"`
}

// Queue enqueues build work. The build uuid doubles as the asynq task id,
// so re-enqueueing the same committed build is a conflict rather than a
// duplicate task.
type Queue struct {
	client *asynq.Client
}

func NewQueue(client *asynq.Client) *Queue {
	return &Queue{client: client}
}

func (q *Queue) EnqueueBuild(ctx context.Context, buildUUID, projectUUID, imageName string) error {
	payload, err := json.Marshal(imageBuildPayload{
		BuildUUID:   buildUUID,
		ProjectUUID: projectUUID,
		ImageName:   imageName,
	})
	if err != nil {
		return fmt.Errorf("marshal build task: %w", err)
	}
	_, err = q.client.EnqueueContext(ctx, asynq.NewTask(TypeImageBuild, payload),
		asynq.TaskID(buildUUID),
		asynq.Queue(QueueBuilds),
		asynq.MaxRetry(0),
		asynq.Timeout(2*time.Hour),
	)
	if err != nil {
		return fmt.Errorf("enqueue build %s: %w", buildUUID, err)
	}
	return nil
}

func (q *Queue) DispatchCleanup(ctx context.Context, buildUUID string, includeFinal bool) error {
	payload, err := json.Marshal(cleanupPayload{BuildUUID: buildUUID, IncludeFinal: includeFinal})
	if err != nil {
		return fmt.Errorf("marshal cleanup task: %w", err)
	}
	// Retries happen inside the handler; the task itself runs once.
	_, err = q.client.EnqueueContext(ctx, asynq.NewTask(TypeArtifactCleanup, payload),
		asynq.Queue(QueueCleanup),
		asynq.MaxRetry(0),
		asynq.Timeout(5*time.Minute),
	)
	if err != nil {
		return fmt.Errorf("dispatch cleanup for %s: %w", buildUUID, err)
	}
	return nil
}

// StepFactory binds a concrete builder step to one build's identity.
type StepFactory func(buildUUID, projectUUID, imageName string) Step

// Handlers are the worker-side entry points for queued tasks.
type Handlers struct {
	runner  *Runner
	steps   StepFactory
	cleanup *Cleanup
	stores  repo.Stores
	logger  *slog.Logger
}

func NewHandlers(runner *Runner, steps StepFactory, cleanup *Cleanup, stores repo.Stores, logger *slog.Logger) *Handlers {
	return &Handlers{runner: runner, steps: steps, cleanup: cleanup, stores: stores, logger: logger}
}

// Register wires the handlers onto the worker mux.
func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeImageBuild, h.HandleImageBuild)
	mux.HandleFunc(TypeArtifactCleanup, h.HandleArtifactCleanup)
	mux.HandleFunc(TypeJobTrigger, h.HandleJobTrigger)
}

func (h *Handlers) HandleImageBuild(ctx context.Context, t *asynq.Task) error {
	var p imageBuildPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode build task: %v: %w", err, asynq.SkipRetry)
	}
	status, err := h.runner.Run(ctx, p.BuildUUID, h.steps(p.BuildUUID, p.ProjectUUID, p.ImageName))
	h.logger.Info("build finished",
		"build_uuid", p.BuildUUID,
		"project_uuid", p.ProjectUUID,
		"image_name", p.ImageName,
		"status", status,
	)
	if err != nil {
		// The failure is already recorded as the build's terminal status;
		// a queue-level retry would race a fresh build for the same image.
		return fmt.Errorf("build %s: %v: %w", p.BuildUUID, err, asynq.SkipRetry)
	}
	return nil
}

func (h *Handlers) HandleArtifactCleanup(ctx context.Context, t *asynq.Task) error {
	var p cleanupPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode cleanup task: %v: %w", err, asynq.SkipRetry)
	}
	h.cleanup.Run(ctx, p.BuildUUID, p.IncludeFinal)
	return nil
}

// HandleJobTrigger fires when a job's cron entry comes due: it records a
// new pending run for the job's pipeline.
func (h *Handlers) HandleJobTrigger(ctx context.Context, t *asynq.Task) error {
	var p jobTriggerPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode job trigger: %v: %w", err, asynq.SkipRetry)
	}
	job, err := h.stores.Jobs().Get(ctx, p.JobUUID)
	if err != nil {
		// The job may have been deleted between scheduling and firing.
		h.logger.Info("job trigger skipped", "job_uuid", p.JobUUID, "error", err)
		return nil
	}
	run := domain.PipelineRun{
		UUID:         uuid.NewString(),
		ProjectUUID:  job.ProjectUUID,
		PipelineUUID: job.PipelineUUID,
		JobUUID:      job.UUID,
		Status:       domain.StatusPending,
	}
	if err := h.stores.Runs().Create(ctx, run); err != nil {
		return fmt.Errorf("record scheduled run for job %s: %w", p.JobUUID, err)
	}
	h.logger.Info("scheduled run recorded", "job_uuid", job.UUID, "run_uuid", run.UUID)
	return nil
}

// CronScheduler adapts the asynq scheduler to the lifecycle layer's
// Scheduler interface.
type CronScheduler struct {
	scheduler *asynq.Scheduler
}

func NewCronScheduler(scheduler *asynq.Scheduler) *CronScheduler {
	return &CronScheduler{scheduler: scheduler}
}

func (s *CronScheduler) Register(schedule, jobUUID string) (string, error) {
	payload, err := json.Marshal(jobTriggerPayload{JobUUID: jobUUID})
	if err != nil {
		return "", fmt.Errorf("marshal job trigger: %w", err)
	}
	entryID, err := s.scheduler.Register(schedule, asynq.NewTask(TypeJobTrigger, payload),
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(1),
	)
	if err != nil {
		return "", fmt.Errorf("register schedule for job %s: %w", jobUUID, err)
	}
	return entryID, nil
}

func (s *CronScheduler) Unregister(entryID string) error {
	if entryID == "" {
		return nil
	}
	if err := s.scheduler.Unregister(entryID); err != nil {
		return fmt.Errorf("unregister schedule entry %s: %w", entryID, err)
	}
	return nil
}
