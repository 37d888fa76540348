package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/atelier-labs/atelier/internal/domain"
	"github.com/atelier-labs/atelier/internal/repo"
)

type RunStore struct {
	db DB
}

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) Create(ctx context.Context, run domain.PipelineRun) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO pipeline_runs (uuid, project_uuid, pipeline_uuid, job_uuid, status, started_time, finished_time)
		 VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,$7)`,
		strings.TrimSpace(run.UUID),
		strings.TrimSpace(run.ProjectUUID),
		strings.TrimSpace(run.PipelineUUID),
		strings.TrimSpace(run.JobUUID),
		string(run.Status),
		run.StartedTime,
		run.FinishedTime,
	)
	if err != nil {
		return fmt.Errorf("insert pipeline run: %w", err)
	}
	return nil
}

func (s *RunStore) Get(ctx context.Context, uuid string) (domain.PipelineRun, error) {
	if s == nil || s.db == nil {
		return domain.PipelineRun{}, fmt.Errorf("run store not initialized")
	}
	uuid = strings.TrimSpace(uuid)
	if uuid == "" {
		return domain.PipelineRun{}, fmt.Errorf("run uuid is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT uuid, project_uuid, pipeline_uuid, COALESCE(job_uuid, ''), status, started_time, finished_time
		 FROM pipeline_runs WHERE uuid = $1`,
		uuid,
	)
	var run domain.PipelineRun
	if err := row.Scan(&run.UUID, &run.ProjectUUID, &run.PipelineUUID, &run.JobUUID, &run.Status, &run.StartedTime, &run.FinishedTime); err != nil {
		return domain.PipelineRun{}, handleNotFound(err)
	}
	return run, nil
}

func buildRunListQuery(filter repo.RunFilter) (string, []any) {
	clauses := make([]string, 0, 4)
	args := make([]any, 0, 4)

	if strings.TrimSpace(filter.ProjectUUID) != "" {
		args = append(args, strings.TrimSpace(filter.ProjectUUID))
		clauses = append(clauses, fmt.Sprintf("project_uuid = $%d", len(args)))
	}
	if strings.TrimSpace(filter.JobUUID) != "" {
		args = append(args, strings.TrimSpace(filter.JobUUID))
		clauses = append(clauses, fmt.Sprintf("job_uuid = $%d", len(args)))
	}
	if filter.InteractiveOnly {
		clauses = append(clauses, "job_uuid IS NULL")
	}
	if filter.ActiveOnly {
		clauses = append(clauses, "status IN ('PENDING','STARTED')")
	}

	query := `SELECT uuid, project_uuid, pipeline_uuid, COALESCE(job_uuid, ''), status, started_time, finished_time FROM pipeline_runs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY uuid"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}

func (s *RunStore) List(ctx context.Context, filter repo.RunFilter) ([]domain.PipelineRun, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	query, args := buildRunListQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pipeline runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.PipelineRun, 0)
	for rows.Next() {
		var r domain.PipelineRun
		if err := rows.Scan(&r.UUID, &r.ProjectUUID, &r.PipelineUUID, &r.JobUUID, &r.Status, &r.StartedTime, &r.FinishedTime); err != nil {
			return nil, fmt.Errorf("scan pipeline run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pipeline runs: %w", err)
	}
	return runs, nil
}

// UpdateStatus advances a run's status in place. The WHERE clause encodes
// the allowed transitions, so a replayed or stale update changes zero rows
// instead of failing.
func (s *RunStore) UpdateStatus(ctx context.Context, uuid string, update domain.StatusUpdate) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("run store not initialized")
	}
	uuid = strings.TrimSpace(uuid)
	if uuid == "" {
		return 0, fmt.Errorf("run uuid is required")
	}
	if err := update.Validate(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE pipeline_runs
		 SET status = $2,
		     started_time = COALESCE($3, started_time),
		     finished_time = COALESCE($4, finished_time)
		 WHERE uuid = $1
		   AND status NOT IN ('SUCCESS','FAILURE','ABORTED')
		   AND status <> $2
		   AND $2 <> 'PENDING'`,
		uuid,
		string(update.Status),
		update.StartedTime,
		update.FinishedTime,
	)
	if err != nil {
		return 0, fmt.Errorf("update run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update run status: %w", err)
	}
	return n, nil
}

func (s *RunStore) Delete(ctx context.Context, uuid string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	uuid = strings.TrimSpace(uuid)
	if uuid == "" {
		return fmt.Errorf("run uuid is required")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pipeline_runs WHERE uuid = $1`, uuid); err != nil {
		return fmt.Errorf("delete pipeline run: %w", err)
	}
	return nil
}
