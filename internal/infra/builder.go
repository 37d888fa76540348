package infra

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/atelier-labs/atelier/internal/build"
	"github.com/atelier-labs/atelier/internal/platform/k8s"
)

// SnapshotStore locates the build-context snapshot for a build.
type SnapshotStore interface {
	Stat(ctx context.Context, buildUUID string) (int64, error)
	URL(buildUUID string) string
}

// Builder runs image builds as labeled pods and turns their log stream
// into the runner's output.
type Builder struct {
	client       *k8s.Client
	snapshots    SnapshotStore
	namespace    string
	builderImage string
	serviceAcct  string
	registry     string

	pollInterval time.Duration
}

func NewBuilder(client *k8s.Client, snapshots SnapshotStore, namespace, builderImage, serviceAcct, registry string) *Builder {
	if namespace == "" {
		namespace = client.Namespace()
	}
	return &Builder{
		client:       client,
		snapshots:    snapshots,
		namespace:    namespace,
		builderImage: builderImage,
		serviceAcct:  serviceAcct,
		registry:     registry,
		pollInterval: 2 * time.Second,
	}
}

// StepFactory returns the factory the worker handlers consume.
func (b *Builder) StepFactory() build.StepFactory {
	return func(buildUUID, projectUUID, imageName string) build.Step {
		return func(ctx context.Context, w io.Writer) error {
			return b.run(ctx, w, buildUUID, projectUUID, imageName)
		}
	}
}

func podName(buildUUID string) string {
	return "image-build-" + buildUUID
}

func (b *Builder) run(ctx context.Context, w io.Writer, buildUUID, projectUUID, imageName string) error {
	if _, err := b.snapshots.Stat(ctx, buildUUID); err != nil {
		return fmt.Errorf("build context missing: %w", err)
	}

	pod := k8s.Pod{
		Metadata: k8s.ObjectMeta{
			Name: podName(buildUUID),
			Labels: map[string]string{
				LabelBuild:        buildUUID,
				LabelIntermediate: "true",
				LabelComponent:    ComponentBuilder,
				LabelProject:      projectUUID,
				LabelImage:        imageName,
			},
		},
		Spec: k8s.PodSpec{
			RestartPolicy:      "Never",
			ServiceAccountName: b.serviceAcct,
			Containers: []k8s.Container{{
				Name:  "builder",
				Image: b.builderImage,
				Env: []k8s.EnvVar{
					{Name: "BUILD_UUID", Value: buildUUID},
					{Name: "CONTEXT_URL", Value: b.snapshots.URL(buildUUID)},
					{Name: "IMAGE_NAME", Value: imageName},
					{Name: "REGISTRY", Value: b.registry},
				},
				VolumeMounts: []k8s.VolumeMount{{Name: "workdir", MountPath: "/workdir"}},
			}},
			Volumes: []k8s.Volume{{Name: "workdir", EmptyDir: &k8s.EmptyDirVolumeSource{}}},
		},
	}
	// A pod left over from an interrupted attempt keeps its logs; attach
	// to it instead of failing.
	if err := b.client.CreatePod(ctx, b.namespace, pod); err != nil && !errors.Is(err, k8s.ErrAlreadyExists) {
		return fmt.Errorf("create builder pod: %w", err)
	}

	if err := b.waitPodRunning(ctx, buildUUID); err != nil {
		return err
	}

	logs, err := b.client.StreamPodLogs(ctx, b.namespace, podName(buildUUID), "builder")
	if err != nil {
		return fmt.Errorf("stream builder logs: %w", err)
	}
	defer logs.Close()
	if _, err := io.Copy(w, logs); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("read builder logs: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	final, err := b.client.GetPod(ctx, b.namespace, podName(buildUUID))
	if err != nil {
		return fmt.Errorf("inspect builder pod: %w", err)
	}
	if final.Status.Phase != "Succeeded" {
		return fmt.Errorf("builder pod ended in phase %s: %s", final.Status.Phase, final.Status.Message)
	}
	return b.registerImage(ctx, buildUUID, projectUUID, imageName)
}

func (b *Builder) waitPodRunning(ctx context.Context, buildUUID string) error {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()
	for {
		pod, err := b.client.GetPod(ctx, b.namespace, podName(buildUUID))
		if err != nil {
			return fmt.Errorf("wait for builder pod: %w", err)
		}
		switch pod.Status.Phase {
		case "Running", "Succeeded", "Failed":
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// registerImage records the final artifact in the cluster. It carries the
// build's label without the intermediate marker, so only a widened
// cleanup touches it.
func (b *Builder) registerImage(ctx context.Context, buildUUID, projectUUID, imageName string) error {
	obj := k8s.CustomObject{
		Kind: "Image",
		Metadata: k8s.ObjectMeta{
			Name: fmt.Sprintf("%s-%s", projectUUID, imageName),
			Labels: map[string]string{
				LabelBuild:   buildUUID,
				LabelProject: projectUUID,
				LabelImage:   imageName,
			},
		},
		Spec: map[string]any{
			"image":    fmt.Sprintf("%s/%s:%s", b.registry, imageName, buildUUID),
			"project":  projectUUID,
			"buildRef": buildUUID,
		},
	}
	err := b.client.CreateCustomObject(ctx, imageGroup, imageVersion, b.namespace, imagePlural, obj)
	if err != nil && !errors.Is(err, k8s.ErrAlreadyExists) {
		return fmt.Errorf("register image %s: %w", imageName, err)
	}
	return nil
}
