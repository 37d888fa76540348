package domain

import (
	"errors"
	"strings"
	"time"
)

// PipelineRun is one execution of a pipeline. Interactive runs have no
// owning job; scheduled runs carry the job uuid that produced them.
type PipelineRun struct {
	UUID         string
	ProjectUUID  string
	PipelineUUID string
	JobUUID      string
	Status       Status
	StartedTime  *time.Time
	FinishedTime *time.Time
}

func (r PipelineRun) Validate() error {
	if strings.TrimSpace(r.UUID) == "" {
		return errors.New("run uuid is required")
	}
	if strings.TrimSpace(r.ProjectUUID) == "" {
		return errors.New("run project uuid is required")
	}
	if strings.TrimSpace(r.PipelineUUID) == "" {
		return errors.New("run pipeline uuid is required")
	}
	if !r.Status.Valid() {
		return errors.New("run status is invalid")
	}
	return nil
}

// Interactive reports whether the run was launched by a user rather than a
// scheduled job.
func (r PipelineRun) Interactive() bool {
	return strings.TrimSpace(r.JobUUID) == ""
}

// InteractiveSession is the at-most-one live workspace for a (project,
// pipeline) pair. Stopping one is asynchronous; the session layer reconciles
// whatever is still running in the cluster after the row is gone.
type InteractiveSession struct {
	ProjectUUID  string
	PipelineUUID string
	Status       string
	CreatedAt    time.Time
}

func (s InteractiveSession) Validate() error {
	if strings.TrimSpace(s.ProjectUUID) == "" {
		return errors.New("session project uuid is required")
	}
	if strings.TrimSpace(s.PipelineUUID) == "" {
		return errors.New("session pipeline uuid is required")
	}
	return nil
}

// Job triggers pipeline runs on a cron schedule. ScheduleEntryID is the
// scheduler registration handle, kept so that deleting the job can
// unregister the cron entry after commit.
type Job struct {
	UUID            string
	ProjectUUID     string
	PipelineUUID    string
	Name            string
	Schedule        string
	ScheduleEntryID string
	CreatedAt       time.Time
}

func (j Job) Validate() error {
	if strings.TrimSpace(j.UUID) == "" {
		return errors.New("job uuid is required")
	}
	if strings.TrimSpace(j.ProjectUUID) == "" {
		return errors.New("job project uuid is required")
	}
	if strings.TrimSpace(j.PipelineUUID) == "" {
		return errors.New("job pipeline uuid is required")
	}
	if strings.TrimSpace(j.Name) == "" {
		return errors.New("job name is required")
	}
	return nil
}
