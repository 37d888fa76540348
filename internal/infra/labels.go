// Package infra adapts the cluster client to the interfaces the
// lifecycle and build layers consume. Everything the control plane puts
// in the cluster carries identity labels, so teardown is always a label
// selector rather than a list of remembered names.
package infra

import "fmt"

const (
	LabelProject      = "atelier.io/project"
	LabelPipeline     = "atelier.io/pipeline"
	LabelComponent    = "atelier.io/component"
	LabelBuild        = "atelier.io/build"
	LabelIntermediate = "atelier.io/intermediate"
	LabelImage        = "atelier.io/image"

	ComponentSession = "session"
	ComponentBuilder = "builder"
)

// Image custom resources registered by successful builds.
const (
	imageGroup   = "atelier.io"
	imageVersion = "v1alpha1"
	imagePlural  = "images"
)

func buildSelector(buildUUID string, includeFinal bool) string {
	if includeFinal {
		return fmt.Sprintf("%s=%s", LabelBuild, buildUUID)
	}
	return fmt.Sprintf("%s=%s,%s=true", LabelBuild, buildUUID, LabelIntermediate)
}

func sessionSelector(projectUUID, pipelineUUID string) string {
	return fmt.Sprintf("%s=%s,%s=%s,%s=%s",
		LabelProject, projectUUID,
		LabelPipeline, pipelineUUID,
		LabelComponent, ComponentSession,
	)
}
