package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Project owns pipelines, runs, sessions, jobs, builds and images. The
// database row is the authoritative record of its existence; everything the
// cluster holds for a project can be rebuilt from it.
type Project struct {
	UUID         string
	EnvVariables map[string]string
	CreatedAt    time.Time
}

func (p Project) Validate() error {
	if strings.TrimSpace(p.UUID) == "" {
		return errors.New("project uuid is required")
	}
	return ValidateEnvVariables(p.EnvVariables)
}

// ValidateEnvVariables rejects names that a POSIX shell would not accept:
// empty, starting with a digit, or containing anything besides letters,
// digits and underscores.
func ValidateEnvVariables(vars map[string]string) error {
	for name := range vars {
		if !validEnvName(name) {
			return fmt.Errorf("invalid environment variable name: %q", name)
		}
	}
	return nil
}

func validEnvName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_':
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
