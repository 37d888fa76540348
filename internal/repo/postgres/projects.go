package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/atelier-labs/atelier/internal/domain"
	"github.com/atelier-labs/atelier/internal/repo"
)

type ProjectStore struct {
	db DB
}

func NewProjectStore(db DB) *ProjectStore {
	if db == nil {
		return nil
	}
	return &ProjectStore{db: db}
}

func (s *ProjectStore) Create(ctx context.Context, project domain.Project) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("project store not initialized")
	}
	if err := project.Validate(); err != nil {
		return err
	}
	envJSON, err := encodeEnvVariables(project.EnvVariables)
	if err != nil {
		return fmt.Errorf("encode env variables: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO projects (uuid, env_variables, created_at) VALUES ($1,$2,$3)`,
		strings.TrimSpace(project.UUID),
		envJSON,
		normalizeTime(project.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *ProjectStore) Get(ctx context.Context, uuid string) (domain.Project, error) {
	if s == nil || s.db == nil {
		return domain.Project{}, fmt.Errorf("project store not initialized")
	}
	uuid = strings.TrimSpace(uuid)
	if uuid == "" {
		return domain.Project{}, fmt.Errorf("project uuid is required")
	}
	var (
		project domain.Project
		envJSON []byte
	)
	row := s.db.QueryRowContext(
		ctx,
		`SELECT uuid, env_variables, created_at FROM projects WHERE uuid = $1`,
		uuid,
	)
	if err := row.Scan(&project.UUID, &envJSON, &project.CreatedAt); err != nil {
		return domain.Project{}, handleNotFound(err)
	}
	vars, err := decodeEnvVariables(envJSON)
	if err != nil {
		return domain.Project{}, fmt.Errorf("decode env variables: %w", err)
	}
	project.EnvVariables = vars
	return project, nil
}

func (s *ProjectStore) List(ctx context.Context) ([]domain.Project, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("project store not initialized")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT uuid, env_variables, created_at FROM projects ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		var p domain.Project
		var envJSON []byte
		if err := rows.Scan(&p.UUID, &envJSON, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		vars, err := decodeEnvVariables(envJSON)
		if err != nil {
			return nil, fmt.Errorf("decode env variables: %w", err)
		}
		p.EnvVariables = vars
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}

func (s *ProjectStore) UpdateEnvVariables(ctx context.Context, uuid string, vars map[string]string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("project store not initialized")
	}
	uuid = strings.TrimSpace(uuid)
	if uuid == "" {
		return fmt.Errorf("project uuid is required")
	}
	if err := domain.ValidateEnvVariables(vars); err != nil {
		return err
	}
	envJSON, err := encodeEnvVariables(vars)
	if err != nil {
		return fmt.Errorf("encode env variables: %w", err)
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE projects SET env_variables = $2 WHERE uuid = $1`,
		uuid,
		envJSON,
	)
	if err != nil {
		return fmt.Errorf("update project env variables: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update project env variables: %w", err)
	}
	if n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *ProjectStore) Delete(ctx context.Context, uuid string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("project store not initialized")
	}
	uuid = strings.TrimSpace(uuid)
	if uuid == "" {
		return fmt.Errorf("project uuid is required")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE uuid = $1`, uuid); err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return nil
}
