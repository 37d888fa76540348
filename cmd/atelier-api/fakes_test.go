package main

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/atelier-labs/atelier/internal/domain"
	"github.com/atelier-labs/atelier/internal/lifecycle"
	"github.com/atelier-labs/atelier/internal/repo"
)

// memStores is an in-memory repo.Stores that also hands itself out as the
// transaction for coordinated work, so handler tests run without a database.
type memStores struct {
	mu sync.Mutex

	projects map[string]domain.Project
	runs     map[string]domain.PipelineRun
	sessions map[string]domain.InteractiveSession
	jobs     map[string]domain.Job
	builds   map[string]domain.Build
	images   map[string]domain.Image

	commits   int
	rollbacks int
}

func newMemStores() *memStores {
	return &memStores{
		projects: map[string]domain.Project{},
		runs:     map[string]domain.PipelineRun{},
		sessions: map[string]domain.InteractiveSession{},
		jobs:     map[string]domain.Job{},
		builds:   map[string]domain.Build{},
		images:   map[string]domain.Image{},
	}
}

func (s *memStores) Projects() repo.ProjectRepository { return (*memProjects)(s) }
func (s *memStores) Runs() repo.RunRepository         { return (*memRuns)(s) }
func (s *memStores) Sessions() repo.SessionRepository { return (*memSessions)(s) }
func (s *memStores) Jobs() repo.JobRepository         { return (*memJobs)(s) }
func (s *memStores) Builds() repo.BuildRepository     { return (*memBuilds)(s) }
func (s *memStores) Images() repo.ImageRepository     { return (*memImages)(s) }

func (s *memStores) Begin(ctx context.Context) (repo.TxStores, error) { return s, nil }
func (s *memStores) Commit() error                                    { s.commits++; return nil }
func (s *memStores) Rollback() error                                  { s.rollbacks++; return nil }

type memProjects memStores

func (s *memProjects) Create(ctx context.Context, p domain.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.UUID] = p
	return nil
}

func (s *memProjects) Get(ctx context.Context, uuid string) (domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[uuid]
	if !ok {
		return domain.Project{}, repo.ErrNotFound
	}
	return p, nil
}

func (s *memProjects) List(ctx context.Context) ([]domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out, nil
}

func (s *memProjects) UpdateEnvVariables(ctx context.Context, uuid string, vars map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[uuid]
	if !ok {
		return repo.ErrNotFound
	}
	p.EnvVariables = vars
	s.projects[uuid] = p
	return nil
}

func (s *memProjects) Delete(ctx context.Context, uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.projects, uuid)
	return nil
}

type memRuns memStores

func (s *memRuns) Create(ctx context.Context, r domain.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.UUID] = r
	return nil
}

func (s *memRuns) Get(ctx context.Context, uuid string) (domain.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[uuid]
	if !ok {
		return domain.PipelineRun{}, repo.ErrNotFound
	}
	return r, nil
}

func (s *memRuns) List(ctx context.Context, f repo.RunFilter) ([]domain.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PipelineRun
	for _, r := range s.runs {
		if f.ProjectUUID != "" && r.ProjectUUID != f.ProjectUUID {
			continue
		}
		if f.JobUUID != "" && r.JobUUID != f.JobUUID {
			continue
		}
		if f.InteractiveOnly && !r.Interactive() {
			continue
		}
		if f.ActiveOnly && r.Status.Terminal() {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out, nil
}

func (s *memRuns) UpdateStatus(ctx context.Context, uuid string, u domain.StatusUpdate) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[uuid]
	if !ok || !r.Status.CanAdvanceTo(u.Status) || r.Status == u.Status {
		return 0, nil
	}
	r.Status = u.Status
	if u.StartedTime != nil {
		r.StartedTime = u.StartedTime
	}
	if u.FinishedTime != nil {
		r.FinishedTime = u.FinishedTime
	}
	s.runs[uuid] = r
	return 1, nil
}

func (s *memRuns) Delete(ctx context.Context, uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, uuid)
	return nil
}

type memSessions memStores

func (s *memSessions) Create(ctx context.Context, sess domain.InteractiveSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ProjectUUID+"/"+sess.PipelineUUID] = sess
	return nil
}

func (s *memSessions) ListByProject(ctx context.Context, projectUUID string) ([]domain.InteractiveSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.InteractiveSession
	for _, sess := range s.sessions {
		if sess.ProjectUUID == projectUUID {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PipelineUUID < out[j].PipelineUUID })
	return out, nil
}

func (s *memSessions) Delete(ctx context.Context, projectUUID, pipelineUUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, projectUUID+"/"+pipelineUUID)
	return nil
}

type memJobs memStores

func (s *memJobs) Create(ctx context.Context, j domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.UUID] = j
	return nil
}

func (s *memJobs) Get(ctx context.Context, uuid string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[uuid]
	if !ok {
		return domain.Job{}, repo.ErrNotFound
	}
	return j, nil
}

func (s *memJobs) ListByProject(ctx context.Context, projectUUID string) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if j.ProjectUUID == projectUUID {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out, nil
}

func (s *memJobs) SetScheduleEntry(ctx context.Context, uuid, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[uuid]
	if !ok {
		return repo.ErrNotFound
	}
	j.ScheduleEntryID = entryID
	s.jobs[uuid] = j
	return nil
}

func (s *memJobs) Delete(ctx context.Context, uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, uuid)
	return nil
}

type memBuilds memStores

func (s *memBuilds) Create(ctx context.Context, b domain.Build) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.builds[b.UUID] = b
	return nil
}

func (s *memBuilds) Get(ctx context.Context, uuid string) (domain.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builds[uuid]
	if !ok {
		return domain.Build{}, repo.ErrNotFound
	}
	return b, nil
}

func (s *memBuilds) List(ctx context.Context, f repo.BuildFilter) ([]domain.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Build
	for _, b := range s.builds {
		if f.ProjectUUID != "" && b.ProjectUUID != f.ProjectUUID {
			continue
		}
		if f.ImageName != "" && b.ImageName != f.ImageName {
			continue
		}
		if f.ActiveOnly && !b.Active() {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out, nil
}

func (s *memBuilds) MostRecent(ctx context.Context, projectUUID, imageName string) (domain.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var recent domain.Build
	found := false
	for _, b := range s.builds {
		if b.ProjectUUID != projectUUID || b.ImageName != imageName {
			continue
		}
		if !found || b.RequestedTime.After(recent.RequestedTime) {
			recent = b
			found = true
		}
	}
	if !found {
		return domain.Build{}, repo.ErrNotFound
	}
	return recent, nil
}

func (s *memBuilds) UpdateStatus(ctx context.Context, uuid string, u domain.StatusUpdate) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builds[uuid]
	if !ok || !b.Status.CanAdvanceTo(u.Status) || b.Status == u.Status {
		return 0, nil
	}
	b.Status = u.Status
	if u.StartedTime != nil {
		b.StartedTime = u.StartedTime
	}
	if u.FinishedTime != nil {
		b.FinishedTime = u.FinishedTime
	}
	s.builds[uuid] = b
	return 1, nil
}

func (s *memBuilds) DeleteByImage(ctx context.Context, projectUUID, imageName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for uuid, b := range s.builds {
		if b.ProjectUUID == projectUUID && b.ImageName == imageName {
			delete(s.builds, uuid)
		}
	}
	return nil
}

type memImages memStores

func (s *memImages) Upsert(ctx context.Context, img domain.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[img.ProjectUUID+"/"+img.Name] = img
	return nil
}

func (s *memImages) ListByProject(ctx context.Context, projectUUID string) ([]domain.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Image
	for _, img := range s.images {
		if img.ProjectUUID == projectUUID {
			out = append(out, img)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memImages) DeleteByProject(ctx context.Context, projectUUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, img := range s.images {
		if img.ProjectUUID == projectUUID {
			delete(s.images, key)
		}
	}
	return nil
}

// Infrastructure stubs.

var errBroker = errors.New("broker unreachable")

type stubFlags struct {
	mu  sync.Mutex
	set []string
}

func (f *stubFlags) Set(ctx context.Context, identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.set = append(f.set, identity)
	return nil
}

type stubStopper struct{}

func (stubStopper) Stop(ctx context.Context, projectUUID, pipelineUUID string) error { return nil }

type stubEnqueuer struct {
	mu       sync.Mutex
	enqueued []string
	err      error
}

func (f *stubEnqueuer) EnqueueBuild(ctx context.Context, buildUUID, projectUUID, imageName string) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, buildUUID)
	return nil
}

type stubScheduler struct{}

func (stubScheduler) Register(schedule, jobUUID string) (string, error) { return "entry-1", nil }
func (stubScheduler) Unregister(entryID string) error                   { return nil }

type stubRemover struct{}

func (stubRemover) Remove(ctx context.Context, image domain.Image) error { return nil }

type apiHarness struct {
	api    *controlAPI
	stores *memStores
	flags  *stubFlags
	queue  *stubEnqueuer
}

func newAPIHarness() *apiHarness {
	stores := newMemStores()
	flags := &stubFlags{}
	queue := &stubEnqueuer{}
	deps := &lifecycle.Deps{
		Flags:    flags,
		Sessions: stubStopper{},
		Builds:   queue,
		Sched:    stubScheduler{},
		Images:   stubRemover{},
		Logger:   slog.New(slog.DiscardHandler),
	}
	api := newControlAPI(slog.New(slog.DiscardHandler), stores, stores, deps, nil, 0)
	return &apiHarness{api: api, stores: stores, flags: flags, queue: queue}
}
