package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/atelier-labs/atelier/internal/domain"
	"github.com/atelier-labs/atelier/internal/lifecycle"
	"github.com/atelier-labs/atelier/internal/platform/objectstore"
	"github.com/atelier-labs/atelier/internal/repo"
	"github.com/atelier-labs/atelier/internal/twophase"
	"github.com/google/uuid"
)

type controlAPI struct {
	logger         *slog.Logger
	pool           repo.Stores
	begin          repo.Beginner
	deps           *lifecycle.Deps
	snapshots      *objectstore.Snapshots
	uploadMaxBytes int64
}

func newControlAPI(logger *slog.Logger, pool repo.Stores, begin repo.Beginner, deps *lifecycle.Deps, snapshots *objectstore.Snapshots, uploadMaxBytes int64) *controlAPI {
	if uploadMaxBytes <= 0 {
		uploadMaxBytes = int64(1) << 30 // 1 GiB
	}
	return &controlAPI{
		logger:         logger,
		pool:           pool,
		begin:          begin,
		deps:           deps,
		snapshots:      snapshots,
		uploadMaxBytes: uploadMaxBytes,
	}
}

func (api *controlAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/projects", api.handleCreateProject)
	mux.HandleFunc("GET /api/projects", api.handleListProjects)
	mux.HandleFunc("GET /api/projects/{project_uuid}", api.handleGetProject)
	mux.HandleFunc("PUT /api/projects/{project_uuid}/env", api.handleUpdateProjectEnv)
	mux.HandleFunc("DELETE /api/projects/{project_uuid}", api.handleDeleteProject)

	mux.HandleFunc("POST /api/projects/{project_uuid}/sessions", api.handleCreateSession)
	mux.HandleFunc("DELETE /api/projects/{project_uuid}/sessions/{pipeline_uuid}", api.handleStopSession)

	mux.HandleFunc("POST /api/projects/{project_uuid}/runs", api.handleCreateRun)
	mux.HandleFunc("GET /api/runs/{run_uuid}", api.handleGetRun)
	mux.HandleFunc("POST /api/runs/{run_uuid}/abort", api.handleAbortRun)

	mux.HandleFunc("POST /api/projects/{project_uuid}/jobs", api.handleCreateJob)
	mux.HandleFunc("DELETE /api/jobs/{job_uuid}", api.handleDeleteJob)

	mux.HandleFunc("POST /api/projects/{project_uuid}/builds", api.handleCreateBuild)
	mux.HandleFunc("GET /api/projects/{project_uuid}/builds", api.handleListBuilds)
	mux.HandleFunc("GET /api/projects/{project_uuid}/images/{image_name}/builds/most-recent", api.handleMostRecentBuild)
	mux.HandleFunc("GET /api/builds/{build_uuid}", api.handleGetBuild)
	mux.HandleFunc("POST /api/builds/{build_uuid}/abort", api.handleAbortBuild)
	mux.HandleFunc("PUT /api/builds/{build_uuid}/status", api.handleBuildStatus)
	mux.HandleFunc("PUT /api/builds/{build_uuid}/context", api.handleUploadContext)

	mux.HandleFunc("POST /api/projects/{project_uuid}/images", api.handleRegisterImage)
	mux.HandleFunc("GET /api/projects/{project_uuid}/images", api.handleListImages)
}

// coordinate runs one staged unit of work over a fresh transaction.
func (api *controlAPI) coordinate(ctx context.Context, fn func(c *twophase.Coordinator, tx repo.Stores) error) error {
	tx, err := api.begin.Begin(ctx)
	if err != nil {
		return err
	}
	return twophase.Run(ctx, tx, func(c *twophase.Coordinator) error {
		return fn(c, tx)
	})
}

type projectResponse struct {
	UUID         string            `json:"uuid"`
	EnvVariables map[string]string `json:"env_variables"`
	CreatedAt    time.Time         `json:"created_at"`
}

func toProjectResponse(p domain.Project) projectResponse {
	vars := p.EnvVariables
	if vars == nil {
		vars = map[string]string{}
	}
	return projectResponse{UUID: p.UUID, EnvVariables: vars, CreatedAt: p.CreatedAt}
}

type runResponse struct {
	UUID         string     `json:"uuid"`
	ProjectUUID  string     `json:"project_uuid"`
	PipelineUUID string     `json:"pipeline_uuid"`
	JobUUID      string     `json:"job_uuid,omitempty"`
	Status       string     `json:"status"`
	StartedTime  *time.Time `json:"started_time,omitempty"`
	FinishedTime *time.Time `json:"finished_time,omitempty"`
}

func toRunResponse(r domain.PipelineRun) runResponse {
	return runResponse{
		UUID:         r.UUID,
		ProjectUUID:  r.ProjectUUID,
		PipelineUUID: r.PipelineUUID,
		JobUUID:      r.JobUUID,
		Status:       string(r.Status),
		StartedTime:  r.StartedTime,
		FinishedTime: r.FinishedTime,
	}
}

type buildResponse struct {
	UUID          string     `json:"uuid"`
	ProjectUUID   string     `json:"project_uuid"`
	ImageName     string     `json:"image_name"`
	Status        string     `json:"status"`
	RequestedTime time.Time  `json:"requested_time"`
	StartedTime   *time.Time `json:"started_time,omitempty"`
	FinishedTime  *time.Time `json:"finished_time,omitempty"`
}

func toBuildResponse(b domain.Build) buildResponse {
	return buildResponse{
		UUID:          b.UUID,
		ProjectUUID:   b.ProjectUUID,
		ImageName:     b.ImageName,
		Status:        string(b.Status),
		RequestedTime: b.RequestedTime,
		StartedTime:   b.StartedTime,
		FinishedTime:  b.FinishedTime,
	}
}

type createProjectRequest struct {
	UUID         string            `json:"uuid,omitempty"`
	EnvVariables map[string]string `json:"env_variables,omitempty"`
}

func (api *controlAPI) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if err := domain.ValidateEnvVariables(req.EnvVariables); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_env_variables")
		return
	}
	project := domain.Project{
		UUID:         strings.TrimSpace(req.UUID),
		EnvVariables: req.EnvVariables,
		CreatedAt:    time.Now().UTC(),
	}
	if project.UUID == "" {
		project.UUID = uuid.NewString()
	}

	err := api.coordinate(r.Context(), func(c *twophase.Coordinator, tx repo.Stores) error {
		return c.Stage(r.Context(), lifecycle.NewCreateProject(tx, project))
	})
	if err != nil {
		api.writeOpError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusCreated, toProjectResponse(project))
}

func (api *controlAPI) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := api.pool.Projects().List(r.Context())
	if err != nil {
		api.writeOpError(w, r, err)
		return
	}
	out := make([]projectResponse, 0, len(projects))
	for _, p := range projects {
		out = append(out, toProjectResponse(p))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"projects": out})
}

func (api *controlAPI) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := api.pool.Projects().Get(r.Context(), r.PathValue("project_uuid"))
	if err != nil {
		api.writeOpError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toProjectResponse(project))
}

type updateEnvRequest struct {
	EnvVariables map[string]string `json:"env_variables"`
}

func (api *controlAPI) handleUpdateProjectEnv(w http.ResponseWriter, r *http.Request) {
	var req updateEnvRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if err := domain.ValidateEnvVariables(req.EnvVariables); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_env_variables")
		return
	}
	projectUUID := r.PathValue("project_uuid")
	err := api.coordinate(r.Context(), func(c *twophase.Coordinator, tx repo.Stores) error {
		return c.Stage(r.Context(), lifecycle.NewUpdateProjectEnv(tx, projectUUID, req.EnvVariables))
	})
	if err != nil {
		api.writeOpError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"uuid": projectUUID})
}

func (api *controlAPI) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	projectUUID := r.PathValue("project_uuid")
	if _, err := api.pool.Projects().Get(r.Context(), projectUUID); err != nil {
		api.writeOpError(w, r, err)
		return
	}
	err := api.coordinate(r.Context(), func(c *twophase.Coordinator, tx repo.Stores) error {
		return c.Stage(r.Context(), lifecycle.NewDeleteProject(api.deps, tx, projectUUID))
	})
	if err != nil {
		api.writeOpError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createSessionRequest struct {
	PipelineUUID string `json:"pipeline_uuid"`
}

func (api *controlAPI) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	session := domain.InteractiveSession{
		ProjectUUID:  r.PathValue("project_uuid"),
		PipelineUUID: strings.TrimSpace(req.PipelineUUID),
		Status:       "LAUNCHING",
		CreatedAt:    time.Now().UTC(),
	}
	if err := session.Validate(); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_session")
		return
	}
	if err := api.pool.Sessions().Create(r.Context(), session); err != nil {
		api.writeOpError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusCreated, map[string]any{
		"project_uuid":  session.ProjectUUID,
		"pipeline_uuid": session.PipelineUUID,
		"status":        session.Status,
	})
}

func (api *controlAPI) handleStopSession(w http.ResponseWriter, r *http.Request) {
	projectUUID := r.PathValue("project_uuid")
	pipelineUUID := r.PathValue("pipeline_uuid")
	err := api.coordinate(r.Context(), func(c *twophase.Coordinator, tx repo.Stores) error {
		return c.Stage(r.Context(), lifecycle.NewStopInteractiveSession(api.deps, tx, projectUUID, pipelineUUID))
	})
	if err != nil {
		api.writeOpError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createRunRequest struct {
	PipelineUUID string `json:"pipeline_uuid"`
}

func (api *controlAPI) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	run := domain.PipelineRun{
		UUID:         uuid.NewString(),
		ProjectUUID:  r.PathValue("project_uuid"),
		PipelineUUID: strings.TrimSpace(req.PipelineUUID),
		Status:       domain.StatusPending,
	}
	if err := run.Validate(); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_run")
		return
	}
	if err := api.pool.Runs().Create(r.Context(), run); err != nil {
		api.writeOpError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusCreated, toRunResponse(run))
}

func (api *controlAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := api.pool.Runs().Get(r.Context(), r.PathValue("run_uuid"))
	if err != nil {
		api.writeOpError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toRunResponse(run))
}

func (api *controlAPI) handleAbortRun(w http.ResponseWriter, r *http.Request) {
	runUUID := r.PathValue("run_uuid")
	if _, err := api.pool.Runs().Get(r.Context(), runUUID); err != nil {
		api.writeOpError(w, r, err)
		return
	}
	var op *lifecycle.AbortPipelineRun
	err := api.coordinate(r.Context(), func(c *twophase.Coordinator, tx repo.Stores) error {
		op = lifecycle.NewAbortPipelineRun(api.deps, tx, runUUID)
		return c.Stage(r.Context(), op)
	})
	if err != nil {
		api.writeOpError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"uuid":    runUUID,
		"aborted": op.Abortable(),
	})
}

type createJobRequest struct {
	PipelineUUID string `json:"pipeline_uuid"`
	Name         string `json:"name"`
	Schedule     string `json:"schedule,omitempty"`
}

func (api *controlAPI) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	job := domain.Job{
		UUID:         uuid.NewString(),
		ProjectUUID:  r.PathValue("project_uuid"),
		PipelineUUID: strings.TrimSpace(req.PipelineUUID),
		Name:         strings.TrimSpace(req.Name),
		Schedule:     strings.TrimSpace(req.Schedule),
		CreatedAt:    time.Now().UTC(),
	}
	if err := job.Validate(); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_job")
		return
	}
	err := api.coordinate(r.Context(), func(c *twophase.Coordinator, tx repo.Stores) error {
		return c.Stage(r.Context(), lifecycle.NewCreateJob(api.deps, tx, api.pool.Jobs(), job))
	})
	if err != nil {
		api.writeOpError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusCreated, map[string]any{
		"uuid":          job.UUID,
		"project_uuid":  job.ProjectUUID,
		"pipeline_uuid": job.PipelineUUID,
		"name":          job.Name,
		"schedule":      job.Schedule,
	})
}

func (api *controlAPI) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	jobUUID := r.PathValue("job_uuid")
	err := api.coordinate(r.Context(), func(c *twophase.Coordinator, tx repo.Stores) error {
		return c.Stage(r.Context(), lifecycle.NewDeleteJob(api.deps, tx, jobUUID))
	})
	if err != nil {
		api.writeOpError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createBuildRequest struct {
	ImageName string `json:"image_name"`
}

func (api *controlAPI) handleCreateBuild(w http.ResponseWriter, r *http.Request) {
	var req createBuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	imageName := strings.TrimSpace(req.ImageName)
	if imageName == "" {
		api.writeError(w, r, http.StatusBadRequest, "image_name_required")
		return
	}
	projectUUID := r.PathValue("project_uuid")
	if _, err := api.pool.Projects().Get(r.Context(), projectUUID); err != nil {
		api.writeOpError(w, r, err)
		return
	}

	var op *lifecycle.CreateBuild
	err := api.coordinate(r.Context(), func(c *twophase.Coordinator, tx repo.Stores) error {
		op = lifecycle.NewCreateBuild(api.deps, tx, projectUUID, imageName)
		return c.Stage(r.Context(), op)
	})
	if err != nil {
		api.writeOpError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusCreated, toBuildResponse(op.Build()))
}

func (api *controlAPI) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	filter := repo.BuildFilter{
		ProjectUUID: r.PathValue("project_uuid"),
		ImageName:   strings.TrimSpace(r.URL.Query().Get("image_name")),
		ActiveOnly:  r.URL.Query().Get("active") == "true",
	}
	builds, err := api.pool.Builds().List(r.Context(), filter)
	if err != nil {
		api.writeOpError(w, r, err)
		return
	}
	out := make([]buildResponse, 0, len(builds))
	for _, b := range builds {
		out = append(out, toBuildResponse(b))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"builds": out})
}

func (api *controlAPI) handleMostRecentBuild(w http.ResponseWriter, r *http.Request) {
	build, err := api.pool.Builds().MostRecent(r.Context(), r.PathValue("project_uuid"), r.PathValue("image_name"))
	if err != nil {
		api.writeOpError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toBuildResponse(build))
}

func (api *controlAPI) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	build, err := api.pool.Builds().Get(r.Context(), r.PathValue("build_uuid"))
	if err != nil {
		api.writeOpError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toBuildResponse(build))
}

func (api *controlAPI) handleAbortBuild(w http.ResponseWriter, r *http.Request) {
	buildUUID := r.PathValue("build_uuid")
	if _, err := api.pool.Builds().Get(r.Context(), buildUUID); err != nil {
		api.writeOpError(w, r, err)
		return
	}
	var op *lifecycle.AbortBuild
	err := api.coordinate(r.Context(), func(c *twophase.Coordinator, tx repo.Stores) error {
		op = lifecycle.NewAbortBuild(api.deps, tx, buildUUID)
		return c.Stage(r.Context(), op)
	})
	if err != nil {
		api.writeOpError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"uuid":    buildUUID,
		"aborted": op.Abortable(),
	})
}

// handleBuildStatus is the status store the worker's reporter pushes to.
// Updates are monotonic and idempotent: a replayed terminal update matches
// zero rows and still succeeds.
func (api *controlAPI) handleBuildStatus(w http.ResponseWriter, r *http.Request) {
	var update domain.StatusUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if err := update.Validate(); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_status_update")
		return
	}
	buildUUID := r.PathValue("build_uuid")
	if _, err := api.pool.Builds().Get(r.Context(), buildUUID); err != nil {
		api.writeOpError(w, r, err)
		return
	}
	n, err := api.pool.Builds().UpdateStatus(r.Context(), buildUUID, update)
	if err != nil {
		api.writeOpError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"uuid":    buildUUID,
		"updated": n > 0,
	})
}

func (api *controlAPI) handleUploadContext(w http.ResponseWriter, r *http.Request) {
	if api.snapshots == nil {
		api.writeError(w, r, http.StatusServiceUnavailable, "object_store_unavailable")
		return
	}
	buildUUID := r.PathValue("build_uuid")
	if _, err := api.pool.Builds().Get(r.Context(), buildUUID); err != nil {
		api.writeOpError(w, r, err)
		return
	}
	body := http.MaxBytesReader(w, r.Body, api.uploadMaxBytes)
	defer body.Close()
	size := r.ContentLength
	if size <= 0 {
		size = -1
	}
	if err := api.snapshots.Upload(r.Context(), buildUUID, body, size); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			api.writeError(w, r, http.StatusRequestEntityTooLarge, "context_too_large")
			return
		}
		api.logger.Error("snapshot upload failed", "build_uuid", buildUUID, "error", err)
		api.writeError(w, r, http.StatusBadGateway, "object_store_error")
		return
	}
	api.writeJSON(w, http.StatusCreated, map[string]any{"uuid": buildUUID})
}

type registerImageRequest struct {
	Name     string `json:"name"`
	Language string `json:"language"`
}

func (api *controlAPI) handleRegisterImage(w http.ResponseWriter, r *http.Request) {
	var req registerImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	image := domain.Image{
		Name:        strings.TrimSpace(req.Name),
		Language:    strings.TrimSpace(req.Language),
		ProjectUUID: r.PathValue("project_uuid"),
		CreatedAt:   time.Now().UTC(),
	}
	if err := image.Validate(); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_image")
		return
	}
	if _, err := api.pool.Projects().Get(r.Context(), image.ProjectUUID); err != nil {
		api.writeOpError(w, r, err)
		return
	}
	if err := api.pool.Images().Upsert(r.Context(), image); err != nil {
		api.writeOpError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusCreated, map[string]any{
		"name":         image.Name,
		"language":     image.Language,
		"project_uuid": image.ProjectUUID,
	})
}

func (api *controlAPI) handleListImages(w http.ResponseWriter, r *http.Request) {
	images, err := api.pool.Images().ListByProject(r.Context(), r.PathValue("project_uuid"))
	if err != nil {
		api.writeOpError(w, r, err)
		return
	}
	type imageResponse struct {
		Name     string `json:"name"`
		Language string `json:"language"`
	}
	out := make([]imageResponse, 0, len(images))
	for _, img := range images {
		out = append(out, imageResponse{Name: img.Name, Language: img.Language})
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"images": out})
}

// writeOpError maps coordinator and repository failures. A post-commit
// apply failure is reported distinctly: the metadata change stands even
// though some infrastructure action did not complete.
func (api *controlAPI) writeOpError(w http.ResponseWriter, r *http.Request, err error) {
	var committed *twophase.CommittedError
	switch {
	case errors.As(err, &committed):
		api.logger.Error("infrastructure apply failed after commit", "path", r.URL.Path, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "committed_apply_failed")
	case errors.Is(err, repo.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "not_found")
	case errors.Is(err, context.Canceled):
		api.writeError(w, r, http.StatusServiceUnavailable, "request_cancelled")
	default:
		api.logger.Error("request failed", "path", r.URL.Path, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func (api *controlAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *controlAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}
