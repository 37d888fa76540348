package repo

import (
	"context"
	"errors"

	"github.com/atelier-labs/atelier/internal/domain"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

type RunFilter struct {
	ProjectUUID     string
	JobUUID         string
	InteractiveOnly bool
	ActiveOnly      bool
	Limit           int
}

type BuildFilter struct {
	ProjectUUID string
	ImageName   string
	ActiveOnly  bool
	Limit       int
}

// ProjectRepository manages project rows.
type ProjectRepository interface {
	Create(ctx context.Context, project domain.Project) error
	Get(ctx context.Context, uuid string) (domain.Project, error)
	List(ctx context.Context) ([]domain.Project, error)
	UpdateEnvVariables(ctx context.Context, uuid string, vars map[string]string) error
	Delete(ctx context.Context, uuid string) error
}

// RunRepository manages pipeline run rows. UpdateStatus reports how many
// rows changed so callers can tell an effective abort from a no-op replay.
type RunRepository interface {
	Create(ctx context.Context, run domain.PipelineRun) error
	Get(ctx context.Context, uuid string) (domain.PipelineRun, error)
	List(ctx context.Context, filter RunFilter) ([]domain.PipelineRun, error)
	UpdateStatus(ctx context.Context, uuid string, update domain.StatusUpdate) (int64, error)
	Delete(ctx context.Context, uuid string) error
}

// SessionRepository manages interactive session rows keyed by
// (project, pipeline).
type SessionRepository interface {
	Create(ctx context.Context, session domain.InteractiveSession) error
	ListByProject(ctx context.Context, projectUUID string) ([]domain.InteractiveSession, error)
	Delete(ctx context.Context, projectUUID, pipelineUUID string) error
}

// JobRepository manages job rows.
type JobRepository interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, uuid string) (domain.Job, error)
	ListByProject(ctx context.Context, projectUUID string) ([]domain.Job, error)
	SetScheduleEntry(ctx context.Context, uuid, entryID string) error
	Delete(ctx context.Context, uuid string) error
}

// BuildRepository manages image build rows. UpdateStatus is idempotent and
// monotonic: terminal rows are never rewritten, replays change zero rows.
type BuildRepository interface {
	Create(ctx context.Context, build domain.Build) error
	Get(ctx context.Context, uuid string) (domain.Build, error)
	List(ctx context.Context, filter BuildFilter) ([]domain.Build, error)
	MostRecent(ctx context.Context, projectUUID, imageName string) (domain.Build, error)
	UpdateStatus(ctx context.Context, uuid string, update domain.StatusUpdate) (int64, error)
	DeleteByImage(ctx context.Context, projectUUID, imageName string) error
}

// ImageRepository manages built artifact references.
type ImageRepository interface {
	Upsert(ctx context.Context, image domain.Image) error
	ListByProject(ctx context.Context, projectUUID string) ([]domain.Image, error)
	DeleteByProject(ctx context.Context, projectUUID string) error
}

// Stores bundles the repositories bound to one database handle, either the
// pool or a single transaction.
type Stores interface {
	Projects() ProjectRepository
	Runs() RunRepository
	Sessions() SessionRepository
	Jobs() JobRepository
	Builds() BuildRepository
	Images() ImageRepository
}

// TxStores is Stores bound to an open transaction.
type TxStores interface {
	Stores
	Commit() error
	Rollback() error
}

// Beginner opens transactions for coordinated lifecycle work.
type Beginner interface {
	Begin(ctx context.Context) (TxStores, error)
}
