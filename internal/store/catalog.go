package store

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"io"
	"log/slog"

	"github.com/TaskDOM/TaskDOM/internal/models"
	"gopkg.in/yaml.v3"
)

//go:embed default_catalog.yaml
var defaultCatalogYAML []byte

// catalogFile is the on-disk YAML layout of a praise catalog.
type catalogFile struct {
	Scripts []catalogScript `yaml:"scripts"`
}

// catalogScript defaults is_active to true when omitted.
type catalogScript struct {
	models.PraiseScript `yaml:",inline"`
	Active              *bool `yaml:"active"`
}

// LoadCatalog parses a YAML praise catalog and validates every script.
func LoadCatalog(r io.Reader) ([]models.PraiseScript, error) {
	var file catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	seen := make(map[string]bool, len(file.Scripts))
	scripts := make([]models.PraiseScript, 0, len(file.Scripts))
	for i, cs := range file.Scripts {
		sc := cs.PraiseScript
		sc.IsActive = cs.Active == nil || *cs.Active
		if err := sc.Validate(); err != nil {
			return nil, fmt.Errorf("catalog script %d (%q): %w", i, sc.ID, err)
		}
		if seen[sc.ID] {
			return nil, fmt.Errorf("catalog script %d: duplicate id %q", i, sc.ID)
		}
		seen[sc.ID] = true
		scripts = append(scripts, sc)
	}
	return scripts, nil
}

// DefaultCatalog returns the catalog compiled into the binary.
func DefaultCatalog() ([]models.PraiseScript, error) {
	return LoadCatalog(bytes.NewReader(defaultCatalogYAML))
}

// SeedCatalog saves every script whose id is not yet stored. Existing scripts are left
// untouched so edits made through the API survive restarts. Returns the number inserted.
func SeedCatalog(ctx context.Context, repo ScriptRepo, scripts []models.PraiseScript) (int, error) {
	inserted := 0
	for _, sc := range scripts {
		existing, err := repo.GetScript(ctx, sc.ID)
		if err != nil {
			return inserted, fmt.Errorf("seed lookup %s: %w", sc.ID, err)
		}
		if existing != nil {
			continue
		}
		if err := repo.SaveScript(ctx, sc); err != nil {
			return inserted, fmt.Errorf("seed save %s: %w", sc.ID, err)
		}
		inserted++
	}
	slog.Info("SeedCatalog: catalog seeded", "inserted", inserted, "total", len(scripts))
	return inserted, nil
}
