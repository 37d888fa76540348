package domain

import (
	"errors"
	"strings"
	"time"
)

// Build is one attempt at producing a runtime image. The uuid doubles as
// the task identity handed to the worker queue, so it is generated before
// the row is committed and never reused.
type Build struct {
	UUID          string
	ProjectUUID   string
	ImageName     string
	Status        Status
	RequestedTime time.Time
	StartedTime   *time.Time
	FinishedTime  *time.Time
}

func (b Build) Validate() error {
	if strings.TrimSpace(b.UUID) == "" {
		return errors.New("build uuid is required")
	}
	if strings.TrimSpace(b.ProjectUUID) == "" {
		return errors.New("build project uuid is required")
	}
	if strings.TrimSpace(b.ImageName) == "" {
		return errors.New("build image name is required")
	}
	if !b.Status.Valid() {
		return errors.New("build status is invalid")
	}
	return nil
}

// Active reports whether the build still occupies its (project, image) slot.
// Only one active build per image is allowed; creating a new one aborts the
// active one first.
func (b Build) Active() bool {
	return b.Status == StatusPending || b.Status == StatusStarted
}

// StatusUpdate is the payload of a one-way status push. Timestamps travel
// with the status so a replayed update carries the same times.
type StatusUpdate struct {
	Status       Status     `json:"status"`
	StartedTime  *time.Time `json:"started_time,omitempty"`
	FinishedTime *time.Time `json:"finished_time,omitempty"`
}

func (u StatusUpdate) Validate() error {
	if !u.Status.Valid() {
		return errors.New("status is invalid")
	}
	if u.Status == StatusStarted && u.StartedTime == nil {
		return errors.New("started update requires started_time")
	}
	if u.Status.Terminal() && u.FinishedTime == nil {
		return errors.New("terminal update requires finished_time")
	}
	return nil
}

// Image is a built artifact reference. Rows with an empty project uuid are
// the defaults seeded at bring-up; project images only disappear through
// their project's deletion chain.
type Image struct {
	Name        string
	Language    string
	ProjectUUID string
	CreatedAt   time.Time
}

func (i Image) Validate() error {
	if strings.TrimSpace(i.Name) == "" {
		return errors.New("image name is required")
	}
	if strings.TrimSpace(i.Language) == "" {
		return errors.New("image language is required")
	}
	return nil
}
