package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/atelier-labs/atelier/internal/platform/k8s"
)

type fakeSnapshots struct {
	missing bool
}

func (f *fakeSnapshots) Stat(ctx context.Context, buildUUID string) (int64, error) {
	if f.missing {
		return 0, context.DeadlineExceeded
	}
	return 1024, nil
}

func (f *fakeSnapshots) URL(buildUUID string) string {
	return "http://objectstore/build-snapshots/snapshots/" + buildUUID + ".tar.gz"
}

func TestBuilderStepStreamsLogsAndRegistersImage(t *testing.T) {
	var createdPod k8s.Pod
	var registered k8s.CustomObject
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/namespaces/atelier/pods":
			_ = json.NewDecoder(r.Body).Decode(&createdPod)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{}`))
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/namespaces/atelier/pods/image-build-b-1/log":
			_, _ = w.Write([]byte("fetching context\npushing image\n"))
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/namespaces/atelier/pods/image-build-b-1":
			_ = json.NewEncoder(w).Encode(k8s.Pod{Status: k8s.PodStatus{Phase: "Succeeded"}})
		case r.Method == http.MethodPost && r.URL.Path == "/apis/atelier.io/v1alpha1/namespaces/atelier/images":
			_ = json.NewDecoder(r.Body).Decode(&registered)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	client := k8s.NewClientWithToken(srv.URL, "tok", "atelier", srv.Client())
	builder := NewBuilder(client, &fakeSnapshots{}, "", "atelier/builder:latest", "atelier-builder", "registry.atelier.svc")
	builder.pollInterval = time.Millisecond

	step := builder.StepFactory()("b-1", "proj-1", "base-py")
	var out bytes.Buffer
	if err := step(context.Background(), &out); err != nil {
		t.Fatalf("step: %v", err)
	}

	if !strings.Contains(out.String(), "pushing image") {
		t.Fatalf("builder logs not streamed: %q", out.String())
	}
	labels := createdPod.Metadata.Labels
	if labels[LabelBuild] != "b-1" || labels[LabelIntermediate] != "true" {
		t.Fatalf("builder pod must carry build identity and intermediate marker, got %v", labels)
	}
	if registered.Metadata.Labels[LabelBuild] != "b-1" {
		t.Fatalf("final image must carry the build label, got %v", registered.Metadata.Labels)
	}
	if _, marked := registered.Metadata.Labels[LabelIntermediate]; marked {
		t.Fatalf("final image must not be marked intermediate")
	}
}

func TestBuilderStepFailsWhenPodFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{}`))
		case strings.HasSuffix(r.URL.Path, "/log"):
			_, _ = w.Write([]byte("error: base image not found\n"))
		default:
			_ = json.NewEncoder(w).Encode(k8s.Pod{Status: k8s.PodStatus{Phase: "Failed", Message: "builder exited 1"}})
		}
	}))
	defer srv.Close()

	client := k8s.NewClientWithToken(srv.URL, "tok", "atelier", srv.Client())
	builder := NewBuilder(client, &fakeSnapshots{}, "", "atelier/builder:latest", "atelier-builder", "registry.atelier.svc")
	builder.pollInterval = time.Millisecond

	step := builder.StepFactory()("b-2", "proj-1", "base-py")
	var out bytes.Buffer
	err := step(context.Background(), &out)
	if err == nil || !strings.Contains(err.Error(), "Failed") {
		t.Fatalf("expected pod failure error, got %v", err)
	}
}

func TestBuilderStepFailsFastWithoutSnapshot(t *testing.T) {
	client := k8s.NewClientWithToken("http://unused.invalid", "tok", "atelier", nil)
	builder := NewBuilder(client, &fakeSnapshots{missing: true}, "", "atelier/builder:latest", "atelier-builder", "registry.atelier.svc")

	step := builder.StepFactory()("b-3", "proj-1", "base-py")
	var out bytes.Buffer
	if err := step(context.Background(), &out); err == nil {
		t.Fatalf("expected missing-context error")
	}
}
