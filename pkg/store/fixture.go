package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmylchreest/triage/pkg/findings"
	"github.com/oklog/ulid/v2"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/yaml.v3"
)

// Fixture is a bulk import of topology and findings, as produced by an
// analysis export.
type Fixture struct {
	Projects  []findings.Project  `json:"projects" yaml:"projects"`
	Branches  []findings.Branch   `json:"branches" yaml:"branches"`
	Snapshots []findings.Snapshot `json:"snapshots" yaml:"snapshots"`
	Findings  []findings.Finding  `json:"findings" yaml:"findings"`
	Comments  []findings.Comment  `json:"comments,omitempty" yaml:"comments,omitempty"`
}

// ImportStats counts what an import wrote.
type ImportStats struct {
	Projects  int `json:"projects"`
	Branches  int `json:"branches"`
	Snapshots int `json:"snapshots"`
	Findings  int `json:"findings"`
	Comments  int `json:"comments"`
}

// LoadFixture reads a fixture file. Files ending in .yaml or .yml are parsed
// as YAML, anything else as JSON.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fx Fixture
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &fx)
	default:
		err = json.Unmarshal(data, &fx)
	}
	if err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &fx, nil
}

// Import validates and writes a fixture in one transaction, then indexes the
// imported findings. Findings without a key get a new ULID.
func (s *Store) Import(ctx context.Context, fx *Fixture) (ImportStats, error) {
	var stats ImportStats
	if err := checkCtx(ctx); err != nil {
		return stats, err
	}

	now := s.now()
	for i := range fx.Findings {
		f := &fx.Findings[i]
		if f.Key == "" {
			f.Key = ulid.Make().String()
		}
		if f.CreatedAt.IsZero() {
			f.CreatedAt = now
		}
		if f.UpdatedAt.IsZero() {
			f.UpdatedAt = f.CreatedAt
		}
		if err := f.Validate(); err != nil {
			return stats, fmt.Errorf("finding %d (%s): %w", i, f.Key, err)
		}
	}
	for i := range fx.Comments {
		if fx.Comments[i].Key == "" {
			fx.Comments[i].Key = ulid.Make().String()
		}
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, p := range fx.Projects {
			if p.Qualifier == "" {
				p.Qualifier = findings.QualifierProject
			}
			if err := putJSON(tx, BucketProjects, p.Key, p); err != nil {
				return err
			}
			stats.Projects++
		}
		for _, b := range fx.Branches {
			if err := putJSON(tx, BucketBranches, b.ID, b); err != nil {
				return err
			}
			stats.Branches++
		}
		for _, snap := range fx.Snapshots {
			if err := putJSON(tx, BucketSnapshots, snap.BranchID, snap); err != nil {
				return err
			}
			stats.Snapshots++
		}
		for i := range fx.Findings {
			if err := putJSON(tx, BucketFindings, fx.Findings[i].Key, &fx.Findings[i]); err != nil {
				return err
			}
			stats.Findings++
		}
		for i := range fx.Comments {
			if err := putComment(tx, &fx.Comments[i]); err != nil {
				return err
			}
			stats.Comments++
		}
		return nil
	})
	if err != nil {
		return ImportStats{}, err
	}

	for i := range fx.Findings {
		s.mirror(&fx.Findings[i])
	}
	s.logger.Info().
		Int("projects", stats.Projects).
		Int("branches", stats.Branches).
		Int("findings", stats.Findings).
		Msg("fixture imported")
	return stats, nil
}
