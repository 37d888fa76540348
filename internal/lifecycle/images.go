package lifecycle

import (
	"context"
	"fmt"

	"github.com/atelier-labs/atelier/internal/domain"
	"github.com/atelier-labs/atelier/internal/repo"
	"github.com/atelier-labs/atelier/internal/twophase"
)

// DeleteProjectImages drops a project's image rows and, after commit,
// removes the artifacts from the cluster registry. Removal happens last in
// the project deletion chain so no still-live container references an image
// whose project record is already gone.
type DeleteProjectImages struct {
	deps        *Deps
	tx          repo.Stores
	projectUUID string

	images []domain.Image
}

func NewDeleteProjectImages(deps *Deps, tx repo.Stores, projectUUID string) *DeleteProjectImages {
	return &DeleteProjectImages{deps: deps, tx: tx, projectUUID: projectUUID}
}

func (op *DeleteProjectImages) Stage(ctx context.Context, c *twophase.Coordinator) error {
	images, err := op.tx.Images().ListByProject(ctx, op.projectUUID)
	if err != nil {
		return fmt.Errorf("list project images: %w", err)
	}
	op.images = images
	if err := op.tx.Images().DeleteByProject(ctx, op.projectUUID); err != nil {
		return fmt.Errorf("delete image rows: %w", err)
	}
	return nil
}

func (op *DeleteProjectImages) Apply(ctx context.Context) error {
	for _, image := range op.images {
		if err := op.deps.Images.Remove(ctx, image); err != nil {
			return fmt.Errorf("remove image %s: %w", image.Name, err)
		}
	}
	return nil
}
