// Package catalog seeds the marketplace template store from a YAML file.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/homeport-sh/homeport/internal/models"
	"github.com/homeport-sh/homeport/internal/store"
)

// seedFile is the on-disk shape of the catalog file.
type seedFile struct {
	Templates []*models.Template `yaml:"templates"`
}

// Load parses a catalog YAML file.
func Load(path string) ([]*models.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog file: %w", err)
	}
	return Parse(data)
}

// Parse parses catalog YAML and validates each template.
func Parse(data []byte) ([]*models.Template, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}

	for _, t := range f.Templates {
		if err := validate(t); err != nil {
			return nil, err
		}
		if t.TotalSteps == 0 {
			t.TotalSteps = models.DefaultTotalSteps
		}
	}
	return f.Templates, nil
}

func validate(t *models.Template) error {
	if t.ID == "" {
		return fmt.Errorf("catalog template missing id")
	}
	if t.Name == "" {
		return fmt.Errorf("catalog template %s: missing name", t.ID)
	}
	if t.Image == "" {
		return fmt.Errorf("catalog template %s: missing image", t.ID)
	}
	if t.TotalSteps < 0 {
		return fmt.Errorf("catalog template %s: negative total_steps", t.ID)
	}
	return nil
}

// Seed inserts catalog templates that are not already stored. Existing
// templates are left untouched so operator edits survive restarts.
func Seed(ctx context.Context, ts store.TemplateStore, templates []*models.Template, logger *slog.Logger) error {
	seeded := 0
	for _, t := range templates {
		err := ts.Create(ctx, t)
		if err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				continue
			}
			return fmt.Errorf("seeding template %s: %w", t.ID, err)
		}
		seeded++
	}

	if logger != nil {
		logger.Info("catalog seeded", "templates", seeded, "skipped", len(templates)-seeded)
	}
	return nil
}
