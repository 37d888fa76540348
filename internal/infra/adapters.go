package infra

import (
	"context"
	"errors"
	"fmt"

	"github.com/atelier-labs/atelier/internal/domain"
	"github.com/atelier-labs/atelier/internal/platform/k8s"
)

// Cluster bundles the adapters over one kubernetes client. The zero
// namespace means the client's own.
type Cluster struct {
	client    *k8s.Client
	namespace string
}

func NewCluster(client *k8s.Client, namespace string) *Cluster {
	if namespace == "" {
		namespace = client.Namespace()
	}
	return &Cluster{client: client, namespace: namespace}
}

// Stop deletes every pod belonging to one interactive session. A session
// that is already gone is a successful stop.
func (c *Cluster) Stop(ctx context.Context, projectUUID, pipelineUUID string) error {
	err := c.client.DeletePodsBySelector(ctx, c.namespace, sessionSelector(projectUUID, pipelineUUID))
	if err != nil && !errors.Is(err, k8s.ErrNotFound) {
		return fmt.Errorf("stop session %s/%s: %w", projectUUID, pipelineUUID, err)
	}
	return nil
}

// Remove deletes the cluster-side registration of a built image.
func (c *Cluster) Remove(ctx context.Context, image domain.Image) error {
	selector := fmt.Sprintf("%s=%s,%s=%s", LabelProject, image.ProjectUUID, LabelImage, image.Name)
	if image.ProjectUUID == "" {
		selector = fmt.Sprintf("%s,%s=%s", LabelProject, LabelImage, image.Name)
	}
	err := c.client.DeleteCustomObjectsBySelector(ctx, imageGroup, imageVersion, c.namespace, imagePlural, selector)
	if err != nil && !errors.Is(err, k8s.ErrNotFound) {
		return fmt.Errorf("remove image %s: %w", image.Name, err)
	}
	return nil
}

// Delete removes the artifacts one build left in the cluster. The
// intermediate selector matches only scratch resources; includeFinal
// widens it to everything carrying the build's label, final image
// registration included.
func (c *Cluster) Delete(ctx context.Context, buildUUID string, includeFinal bool) error {
	selector := buildSelector(buildUUID, includeFinal)
	if err := c.client.DeletePodsBySelector(ctx, c.namespace, selector); err != nil && !errors.Is(err, k8s.ErrNotFound) {
		return fmt.Errorf("delete build pods %s: %w", buildUUID, err)
	}
	if includeFinal {
		err := c.client.DeleteCustomObjectsBySelector(ctx, imageGroup, imageVersion, c.namespace, imagePlural, buildSelector(buildUUID, true))
		if err != nil && !errors.Is(err, k8s.ErrNotFound) {
			return fmt.Errorf("delete build image %s: %w", buildUUID, err)
		}
	}
	return nil
}
