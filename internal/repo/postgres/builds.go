package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/atelier-labs/atelier/internal/domain"
	"github.com/atelier-labs/atelier/internal/repo"
)

type BuildStore struct {
	db DB
}

func NewBuildStore(db DB) *BuildStore {
	if db == nil {
		return nil
	}
	return &BuildStore{db: db}
}

func (s *BuildStore) Create(ctx context.Context, build domain.Build) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("build store not initialized")
	}
	if err := build.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO image_builds (uuid, project_uuid, image_name, status, requested_time, started_time, finished_time)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		strings.TrimSpace(build.UUID),
		strings.TrimSpace(build.ProjectUUID),
		strings.TrimSpace(build.ImageName),
		string(build.Status),
		normalizeTime(build.RequestedTime),
		build.StartedTime,
		build.FinishedTime,
	)
	if err != nil {
		return fmt.Errorf("insert build: %w", err)
	}
	return nil
}

func (s *BuildStore) Get(ctx context.Context, uuid string) (domain.Build, error) {
	if s == nil || s.db == nil {
		return domain.Build{}, fmt.Errorf("build store not initialized")
	}
	uuid = strings.TrimSpace(uuid)
	if uuid == "" {
		return domain.Build{}, fmt.Errorf("build uuid is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT uuid, project_uuid, image_name, status, requested_time, started_time, finished_time
		 FROM image_builds WHERE uuid = $1`,
		uuid,
	)
	var b domain.Build
	if err := row.Scan(&b.UUID, &b.ProjectUUID, &b.ImageName, &b.Status, &b.RequestedTime, &b.StartedTime, &b.FinishedTime); err != nil {
		return domain.Build{}, handleNotFound(err)
	}
	return b, nil
}

func buildBuildListQuery(filter repo.BuildFilter) (string, []any) {
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 3)

	if strings.TrimSpace(filter.ProjectUUID) != "" {
		args = append(args, strings.TrimSpace(filter.ProjectUUID))
		clauses = append(clauses, fmt.Sprintf("project_uuid = $%d", len(args)))
	}
	if strings.TrimSpace(filter.ImageName) != "" {
		args = append(args, strings.TrimSpace(filter.ImageName))
		clauses = append(clauses, fmt.Sprintf("image_name = $%d", len(args)))
	}
	if filter.ActiveOnly {
		clauses = append(clauses, "status IN ('PENDING','STARTED')")
	}

	query := `SELECT uuid, project_uuid, image_name, status, requested_time, started_time, finished_time FROM image_builds`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY requested_time DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}

func (s *BuildStore) List(ctx context.Context, filter repo.BuildFilter) ([]domain.Build, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("build store not initialized")
	}
	query, args := buildBuildListQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	defer rows.Close()

	builds := make([]domain.Build, 0)
	for rows.Next() {
		var b domain.Build
		if err := rows.Scan(&b.UUID, &b.ProjectUUID, &b.ImageName, &b.Status, &b.RequestedTime, &b.StartedTime, &b.FinishedTime); err != nil {
			return nil, fmt.Errorf("scan build: %w", err)
		}
		builds = append(builds, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	return builds, nil
}

func (s *BuildStore) MostRecent(ctx context.Context, projectUUID, imageName string) (domain.Build, error) {
	if s == nil || s.db == nil {
		return domain.Build{}, fmt.Errorf("build store not initialized")
	}
	projectUUID = strings.TrimSpace(projectUUID)
	imageName = strings.TrimSpace(imageName)
	if projectUUID == "" || imageName == "" {
		return domain.Build{}, fmt.Errorf("project uuid and image name are required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT uuid, project_uuid, image_name, status, requested_time, started_time, finished_time
		 FROM image_builds
		 WHERE project_uuid = $1 AND image_name = $2
		 ORDER BY requested_time DESC
		 LIMIT 1`,
		projectUUID,
		imageName,
	)
	var b domain.Build
	if err := row.Scan(&b.UUID, &b.ProjectUUID, &b.ImageName, &b.Status, &b.RequestedTime, &b.StartedTime, &b.FinishedTime); err != nil {
		return domain.Build{}, handleNotFound(err)
	}
	return b, nil
}

// UpdateStatus applies a monotonic status push. Terminal rows never change
// again and a repeated update matches zero rows, so the reporter can fire
// the same update twice without harm.
func (s *BuildStore) UpdateStatus(ctx context.Context, uuid string, update domain.StatusUpdate) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("build store not initialized")
	}
	uuid = strings.TrimSpace(uuid)
	if uuid == "" {
		return 0, fmt.Errorf("build uuid is required")
	}
	if err := update.Validate(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE image_builds
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
		return 0, fmt.Errorf("update build status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update build status: %w", err)
	}
	return n, nil
}

func (s *BuildStore) DeleteByImage(ctx context.Context, projectUUID, imageName string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("build store not initialized")
	}
	projectUUID = strings.TrimSpace(projectUUID)
	imageName = strings.TrimSpace(imageName)
	if projectUUID == "" || imageName == "" {
		return fmt.Errorf("project uuid and image name are required")
	}
	_, err := s.db.ExecContext(
		ctx,
		`DELETE FROM image_builds WHERE project_uuid = $1 AND image_name = $2`,
		projectUUID,
		imageName,
	)
	if err != nil {
		return fmt.Errorf("delete builds: %w", err)
	}
	return nil
}
