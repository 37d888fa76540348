package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/atelier-labs/atelier/internal/domain"
	"github.com/atelier-labs/atelier/internal/repo"
)

type JobStore struct {
	db DB
}

func NewJobStore(db DB) *JobStore {
	if db == nil {
		return nil
	}
	return &JobStore{db: db}
}

func (s *JobStore) Create(ctx context.Context, job domain.Job) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("job store not initialized")
	}
	if err := job.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (uuid, project_uuid, pipeline_uuid, name, schedule, schedule_entry_id, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		strings.TrimSpace(job.UUID),
		strings.TrimSpace(job.ProjectUUID),
		strings.TrimSpace(job.PipelineUUID),
		strings.TrimSpace(job.Name),
		strings.TrimSpace(job.Schedule),
		strings.TrimSpace(job.ScheduleEntryID),
		normalizeTime(job.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *JobStore) Get(ctx context.Context, uuid string) (domain.Job, error) {
	if s == nil || s.db == nil {
		return domain.Job{}, fmt.Errorf("job store not initialized")
	}
	uuid = strings.TrimSpace(uuid)
	if uuid == "" {
		return domain.Job{}, fmt.Errorf("job uuid is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT uuid, project_uuid, pipeline_uuid, name, schedule, schedule_entry_id, created_at
		 FROM jobs WHERE uuid = $1`,
		uuid,
	)
	var job domain.Job
	if err := row.Scan(&job.UUID, &job.ProjectUUID, &job.PipelineUUID, &job.Name, &job.Schedule, &job.ScheduleEntryID, &job.CreatedAt); err != nil {
		return domain.Job{}, handleNotFound(err)
	}
	return job, nil
}

func (s *JobStore) ListByProject(ctx context.Context, projectUUID string) ([]domain.Job, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("job store not initialized")
	}
	projectUUID = strings.TrimSpace(projectUUID)
	if projectUUID == "" {
		return nil, fmt.Errorf("project uuid is required")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT uuid, project_uuid, pipeline_uuid, name, schedule, schedule_entry_id, created_at
		 FROM jobs WHERE project_uuid = $1 ORDER BY created_at`,
		projectUUID,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]domain.Job, 0)
	for rows.Next() {
		var j domain.Job
		if err := rows.Scan(&j.UUID, &j.ProjectUUID, &j.PipelineUUID, &j.Name, &j.Schedule, &j.ScheduleEntryID, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (s *JobStore) SetScheduleEntry(ctx context.Context, uuid, entryID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("job store not initialized")
	}
	uuid = strings.TrimSpace(uuid)
	if uuid == "" {
		return fmt.Errorf("job uuid is required")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET schedule_entry_id = $2 WHERE uuid = $1`,
		uuid,
		strings.TrimSpace(entryID),
	)
	if err != nil {
		return fmt.Errorf("set job schedule entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set job schedule entry: %w", err)
	}
	if n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *JobStore) Delete(ctx context.Context, uuid string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("job store not initialized")
	}
	uuid = strings.TrimSpace(uuid)
	if uuid == "" {
		return fmt.Errorf("job uuid is required")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE uuid = $1`, uuid); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}
