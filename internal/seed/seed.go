// Package seed installs the default images available to every project.
// The manifest is YAML so operators can ship their own set; applying it
// is idempotent and runs on every API boot.
package seed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/atelier-labs/atelier/internal/domain"
	"github.com/atelier-labs/atelier/internal/repo"
	"gopkg.in/yaml.v3"
)

type Manifest struct {
	Images []ImageSpec `yaml:"images"`
}

type ImageSpec struct {
	Name     string `yaml:"name"`
	Language string `yaml:"language"`
}

// Defaults is the built-in manifest used when no file is configured.
func Defaults() Manifest {
	return Manifest{Images: []ImageSpec{
		{Name: "base-python", Language: "python"},
		{Name: "base-r", Language: "r"},
		{Name: "base-julia", Language: "julia"},
	}}
}

func Load(r io.Reader) (Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("decode seed manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func LoadFile(path string) (Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("open seed manifest: %w", err)
	}
	defer f.Close()
	return Load(f)
}

func (m Manifest) Validate() error {
	if len(m.Images) == 0 {
		return fmt.Errorf("seed manifest declares no images")
	}
	seen := make(map[string]bool, len(m.Images))
	for _, img := range m.Images {
		name := strings.TrimSpace(img.Name)
		if name == "" {
			return fmt.Errorf("seed manifest has an image without a name")
		}
		if strings.TrimSpace(img.Language) == "" {
			return fmt.Errorf("seed image %q has no language", name)
		}
		if seen[name] {
			return fmt.Errorf("seed image %q declared twice", name)
		}
		seen[name] = true
	}
	return nil
}

// Apply upserts every default image. Default images belong to no project,
// which keeps them out of every project's deletion chain.
func Apply(ctx context.Context, images repo.ImageRepository, m Manifest, logger *slog.Logger) error {
	for _, img := range m.Images {
		err := images.Upsert(ctx, domain.Image{
			Name:     strings.TrimSpace(img.Name),
			Language: strings.TrimSpace(img.Language),
		})
		if err != nil {
			return fmt.Errorf("seed image %s: %w", img.Name, err)
		}
		logger.Info("default image seeded", "image_name", img.Name, "language", img.Language)
	}
	return nil
}
