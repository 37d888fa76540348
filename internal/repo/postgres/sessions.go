package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/atelier-labs/atelier/internal/domain"
)

type SessionStore struct {
	db DB
}

func NewSessionStore(db DB) *SessionStore {
	if db == nil {
		return nil
	}
	return &SessionStore{db: db}
}

func (s *SessionStore) Create(ctx context.Context, session domain.InteractiveSession) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("session store not initialized")
	}
	if err := session.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO interactive_sessions (project_uuid, pipeline_uuid, status, created_at)
		 VALUES ($1,$2,$3,$4)`,
		strings.TrimSpace(session.ProjectUUID),
		strings.TrimSpace(session.PipelineUUID),
		strings.TrimSpace(session.Status),
		normalizeTime(session.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SessionStore) ListByProject(ctx context.Context, projectUUID string) ([]domain.InteractiveSession, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("session store not initialized")
	}
	projectUUID = strings.TrimSpace(projectUUID)
	if projectUUID == "" {
		return nil, fmt.Errorf("project uuid is required")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT project_uuid, pipeline_uuid, status, created_at
		 FROM interactive_sessions WHERE project_uuid = $1 ORDER BY created_at`,
		projectUUID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]domain.InteractiveSession, 0)
	for rows.Next() {
		var sess domain.InteractiveSession
		if err := rows.Scan(&sess.ProjectUUID, &sess.PipelineUUID, &sess.Status, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

func (s *SessionStore) Delete(ctx context.Context, projectUUID, pipelineUUID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("session store not initialized")
	}
	projectUUID = strings.TrimSpace(projectUUID)
	pipelineUUID = strings.TrimSpace(pipelineUUID)
	if projectUUID == "" || pipelineUUID == "" {
		return fmt.Errorf("project and pipeline uuids are required")
	}
	_, err := s.db.ExecContext(
		ctx,
		`DELETE FROM interactive_sessions WHERE project_uuid = $1 AND pipeline_uuid = $2`,
		projectUUID,
		pipelineUUID,
	)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
