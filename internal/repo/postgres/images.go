package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/atelier-labs/atelier/internal/domain"
)

type ImageStore struct {
	db DB
}

func NewImageStore(db DB) *ImageStore {
	if db == nil {
		return nil
	}
	return &ImageStore{db: db}
}

// Upsert registers a built image. Re-registering the same (project, name)
// pair refreshes the language and leaves created_at alone, which makes the
// default-image seeding safe to run on every boot.
func (s *ImageStore) Upsert(ctx context.Context, image domain.Image) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("image store not initialized")
	}
	if err := image.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO images (name, language, project_uuid, created_at)
		 VALUES ($1,$2,$3,$4)
		 ON CONFLICT (project_uuid, name) DO UPDATE SET language = EXCLUDED.language`,
		strings.TrimSpace(image.Name),
		strings.TrimSpace(image.Language),
		strings.TrimSpace(image.ProjectUUID),
		normalizeTime(image.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert image: %w", err)
	}
	return nil
}

func (s *ImageStore) ListByProject(ctx context.Context, projectUUID string) ([]domain.Image, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("image store not initialized")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT name, language, project_uuid, created_at
		 FROM images WHERE project_uuid = $1 ORDER BY name`,
		strings.TrimSpace(projectUUID),
	)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	images := make([]domain.Image, 0)
	for rows.Next() {
		var img domain.Image
		if err := rows.Scan(&img.Name, &img.Language, &img.ProjectUUID, &img.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		images = append(images, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	return images, nil
}

func (s *ImageStore) DeleteByProject(ctx context.Context, projectUUID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("image store not initialized")
	}
	projectUUID = strings.TrimSpace(projectUUID)
	if projectUUID == "" {
		return fmt.Errorf("project uuid is required")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM images WHERE project_uuid = $1`, projectUUID); err != nil {
		return fmt.Errorf("delete images: %w", err)
	}
	return nil
}
