package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/atelier-labs/atelier/internal/domain"
	"github.com/atelier-labs/atelier/internal/repo"
)

// fakeStores is an in-memory repo.Stores that records every mutation in
// order, so tests can assert cascade ordering without a database.
type fakeStores struct {
	mu  sync.Mutex
	log []string

	projects map[string]domain.Project
	runs     map[string]domain.PipelineRun
	sessions map[string]domain.InteractiveSession
	jobs     map[string]domain.Job
	builds   map[string]domain.Build
	images   map[string]domain.Image

	failRunAbort bool
}

func newFakeStores() *fakeStores {
	return &fakeStores{
		projects: map[string]domain.Project{},
		runs:     map[string]domain.PipelineRun{},
		sessions: map[string]domain.InteractiveSession{},
		jobs:     map[string]domain.Job{},
		builds:   map[string]domain.Build{},
		images:   map[string]domain.Image{},
	}
}

func (s *fakeStores) record(entry string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, entry)
}

func (s *fakeStores) Projects() repo.ProjectRepository { return (*fakeProjects)(s) }
func (s *fakeStores) Runs() repo.RunRepository         { return (*fakeRuns)(s) }
func (s *fakeStores) Sessions() repo.SessionRepository { return (*fakeSessions)(s) }
func (s *fakeStores) Jobs() repo.JobRepository         { return (*fakeJobs)(s) }
func (s *fakeStores) Builds() repo.BuildRepository     { return (*fakeBuilds)(s) }
func (s *fakeStores) Images() repo.ImageRepository     { return (*fakeImages)(s) }

type fakeProjects fakeStores

func (s *fakeProjects) Create(ctx context.Context, p domain.Project) error {
	s.projects[p.UUID] = p
	(*fakeStores)(s).record("project.create:" + p.UUID)
	return nil
}

func (s *fakeProjects) Get(ctx context.Context, uuid string) (domain.Project, error) {
	p, ok := s.projects[uuid]
	if !ok {
		return domain.Project{}, repo.ErrNotFound
	}
	return p, nil
}

func (s *fakeProjects) List(ctx context.Context) ([]domain.Project, error) {
	out := make([]domain.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	return out, nil
}

func (s *fakeProjects) UpdateEnvVariables(ctx context.Context, uuid string, vars map[string]string) error {
	p, ok := s.projects[uuid]
	if !ok {
		return repo.ErrNotFound
	}
	p.EnvVariables = vars
	s.projects[uuid] = p
	return nil
}

func (s *fakeProjects) Delete(ctx context.Context, uuid string) error {
	delete(s.projects, uuid)
	(*fakeStores)(s).record("project.delete:" + uuid)
	return nil
}

type fakeRuns fakeStores

func (s *fakeRuns) Create(ctx context.Context, r domain.PipelineRun) error {
	s.runs[r.UUID] = r
	return nil
}

func (s *fakeRuns) Get(ctx context.Context, uuid string) (domain.PipelineRun, error) {
	r, ok := s.runs[uuid]
	if !ok {
		return domain.PipelineRun{}, repo.ErrNotFound
	}
	return r, nil
}

func (s *fakeRuns) List(ctx context.Context, f repo.RunFilter) ([]domain.PipelineRun, error) {
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

func (s *fakeRuns) UpdateStatus(ctx context.Context, uuid string, u domain.StatusUpdate) (int64, error) {
	if s.failRunAbort && u.Status == domain.StatusAborted {
		return 0, errors.New("induced abort failure")
	}
	r, ok := s.runs[uuid]
	if !ok || !r.Status.CanAdvanceTo(u.Status) || r.Status == u.Status {
		return 0, nil
	}
	r.Status = u.Status
	r.StartedTime = u.StartedTime
	r.FinishedTime = u.FinishedTime
	s.runs[uuid] = r
	(*fakeStores)(s).record("run.status:" + uuid + ":" + string(u.Status))
	return 1, nil
}

func (s *fakeRuns) Delete(ctx context.Context, uuid string) error {
	delete(s.runs, uuid)
	(*fakeStores)(s).record("run.delete:" + uuid)
	return nil
}

type fakeSessions fakeStores

func (s *fakeSessions) Create(ctx context.Context, sess domain.InteractiveSession) error {
	s.sessions[sess.ProjectUUID+"/"+sess.PipelineUUID] = sess
	return nil
}

func (s *fakeSessions) ListByProject(ctx context.Context, projectUUID string) ([]domain.InteractiveSession, error) {
	var out []domain.InteractiveSession
	for _, sess := range s.sessions {
		if sess.ProjectUUID == projectUUID {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PipelineUUID < out[j].PipelineUUID })
	return out, nil
}

func (s *fakeSessions) Delete(ctx context.Context, projectUUID, pipelineUUID string) error {
	delete(s.sessions, projectUUID+"/"+pipelineUUID)
	(*fakeStores)(s).record("session.delete:" + projectUUID + "/" + pipelineUUID)
	return nil
}

type fakeJobs fakeStores

func (s *fakeJobs) Create(ctx context.Context, j domain.Job) error {
	s.jobs[j.UUID] = j
	(*fakeStores)(s).record("job.create:" + j.UUID)
	return nil
}

func (s *fakeJobs) Get(ctx context.Context, uuid string) (domain.Job, error) {
	j, ok := s.jobs[uuid]
	if !ok {
		return domain.Job{}, repo.ErrNotFound
	}
	return j, nil
}

func (s *fakeJobs) ListByProject(ctx context.Context, projectUUID string) ([]domain.Job, error) {
	var out []domain.Job
	for _, j := range s.jobs {
		if j.ProjectUUID == projectUUID {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out, nil
}

func (s *fakeJobs) SetScheduleEntry(ctx context.Context, uuid, entryID string) error {
	j, ok := s.jobs[uuid]
	if !ok {
		return repo.ErrNotFound
	}
	j.ScheduleEntryID = entryID
	s.jobs[uuid] = j
	(*fakeStores)(s).record("job.entry:" + uuid + ":" + entryID)
	return nil
}

func (s *fakeJobs) Delete(ctx context.Context, uuid string) error {
	delete(s.jobs, uuid)
	(*fakeStores)(s).record("job.delete:" + uuid)
	return nil
}

type fakeBuilds fakeStores

func (s *fakeBuilds) Create(ctx context.Context, b domain.Build) error {
	s.builds[b.UUID] = b
	(*fakeStores)(s).record("build.create:" + b.UUID)
	return nil
}

func (s *fakeBuilds) Get(ctx context.Context, uuid string) (domain.Build, error) {
	b, ok := s.builds[uuid]
	if !ok {
		return domain.Build{}, repo.ErrNotFound
	}
	return b, nil
}

func (s *fakeBuilds) List(ctx context.Context, f repo.BuildFilter) ([]domain.Build, error) {
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

func (s *fakeBuilds) MostRecent(ctx context.Context, projectUUID, imageName string) (domain.Build, error) {
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

func (s *fakeBuilds) UpdateStatus(ctx context.Context, uuid string, u domain.StatusUpdate) (int64, error) {
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
	(*fakeStores)(s).record("build.status:" + uuid + ":" + string(u.Status))
	return 1, nil
}

func (s *fakeBuilds) DeleteByImage(ctx context.Context, projectUUID, imageName string) error {
	for uuid, b := range s.builds {
		if b.ProjectUUID == projectUUID && b.ImageName == imageName {
			delete(s.builds, uuid)
		}
	}
	(*fakeStores)(s).record("build.deleteimage:" + projectUUID + "/" + imageName)
	return nil
}

type fakeImages fakeStores

func (s *fakeImages) Upsert(ctx context.Context, img domain.Image) error {
	s.images[img.ProjectUUID+"/"+img.Name] = img
	return nil
}

func (s *fakeImages) ListByProject(ctx context.Context, projectUUID string) ([]domain.Image, error) {
	var out []domain.Image
	for _, img := range s.images {
		if img.ProjectUUID == projectUUID {
			out = append(out, img)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *fakeImages) DeleteByProject(ctx context.Context, projectUUID string) error {
	for key, img := range s.images {
		if img.ProjectUUID == projectUUID {
			delete(s.images, key)
		}
	}
	(*fakeStores)(s).record("image.deleteproject:" + projectUUID)
	return nil
}

// Infrastructure fakes.

type fakeFlags struct {
	mu  sync.Mutex
	set []string
}

func (f *fakeFlags) Set(ctx context.Context, identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.set = append(f.set, identity)
	return nil
}

type fakeStopper struct {
	mu      sync.Mutex
	stopped []string
	done    chan struct{}
}

func newFakeStopper(expect int) *fakeStopper {
	return &fakeStopper{done: make(chan struct{}, expect)}
}

func (f *fakeStopper) Stop(ctx context.Context, projectUUID, pipelineUUID string) error {
	f.mu.Lock()
	f.stopped = append(f.stopped, projectUUID+"/"+pipelineUUID)
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

type fakeEnqueuer struct {
	mu       sync.Mutex
	enqueued []string
	err      error
}

func (f *fakeEnqueuer) EnqueueBuild(ctx context.Context, buildUUID, projectUUID, imageName string) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, buildUUID)
	return nil
}

type fakeScheduler struct {
	registered   []string
	unregistered []string
}

func (f *fakeScheduler) Register(schedule, jobUUID string) (string, error) {
	f.registered = append(f.registered, jobUUID)
	return "entry-" + jobUUID, nil
}

func (f *fakeScheduler) Unregister(entryID string) error {
	f.unregistered = append(f.unregistered, entryID)
	return nil
}

type fakeRemover struct {
	removed []string
}

func (f *fakeRemover) Remove(ctx context.Context, image domain.Image) error {
	f.removed = append(f.removed, image.Name)
	return nil
}

func testDeps(stopper SessionStopper) (*Deps, *fakeFlags, *fakeEnqueuer, *fakeScheduler, *fakeRemover) {
	flags := &fakeFlags{}
	enq := &fakeEnqueuer{}
	sched := &fakeScheduler{}
	remover := &fakeRemover{}
	deps := &Deps{
		Flags:    flags,
		Sessions: stopper,
		Builds:   enq,
		Sched:    sched,
		Images:   remover,
		Logger:   slog.New(slog.DiscardHandler),
	}
	return deps, flags, enq, sched, remover
}

func ptrTime(t time.Time) *time.Time { return &t }
