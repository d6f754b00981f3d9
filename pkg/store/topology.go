package store

import (
	"context"
	"encoding/json"

	"github.com/jmylchreest/triage/pkg/findings"
	bolt "go.etcd.io/bbolt"
)

func putJSON(tx *bolt.Tx, bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

func (s *Store) getJSON(bucket []byte, key string, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, v)
	})
}

// LoadProject returns a project or application by key.
func (s *Store) LoadProject(ctx context.Context, key string) (*findings.Project, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var p findings.Project
	if err := s.getJSON(BucketProjects, key, &p); err != nil {
		if err == ErrNotFound {
			return nil, findings.NotFound("Component key '%s' not found", key)
		}
		return nil, err
	}
	return &p, nil
}

// LoadBranchByID returns a branch by its identifier.
func (s *Store) LoadBranchByID(ctx context.Context, id string) (*findings.Branch, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var b findings.Branch
	if err := s.getJSON(BucketBranches, id, &b); err != nil {
		if err == ErrNotFound {
			return nil, findings.NotFound("Branch '%s' not found", id)
		}
		return nil, err
	}
	return &b, nil
}

// LoadBranch finds a branch or pull request of a project by name.
func (s *Store) LoadBranch(ctx context.Context, projectKey, name string, kind findings.BranchKind) (*findings.Branch, error) {
	b, err := s.findBranch(ctx, func(b *findings.Branch) bool {
		if b.ProjectKey != projectKey || b.Name != name {
			return false
		}
		if kind == findings.BranchPullRequest {
			return b.Kind == findings.BranchPullRequest
		}
		return b.Kind != findings.BranchPullRequest
	})
	if err != nil {
		return nil, err
	}
	if b == nil {
		if kind == findings.BranchPullRequest {
			return nil, findings.NotFound("Pull request '%s' in project '%s' not found", name, projectKey)
		}
		return nil, findings.NotFound("Branch '%s' in project '%s' not found", name, projectKey)
	}
	return b, nil
}

// LoadMainBranch returns the main branch of a project or application.
func (s *Store) LoadMainBranch(ctx context.Context, projectKey string) (*findings.Branch, error) {
	b, err := s.findBranch(ctx, func(b *findings.Branch) bool {
		return b.ProjectKey == projectKey && b.IsMain()
	})
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, findings.NotFound("Main branch of project '%s' not found", projectKey)
	}
	return b, nil
}

func (s *Store) findBranch(ctx context.Context, pred func(*findings.Branch) bool) (*findings.Branch, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var found *findings.Branch
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(BucketBranches).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var b findings.Branch
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			if pred(&b) {
				found = &b
				return nil
			}
		}
		return nil
	})
	return found, err
}

// ApplicationBranches returns the project branches aggregated by an
// application branch. Constituents that no longer exist are skipped.
func (s *Store) ApplicationBranches(ctx context.Context, appBranchID string) ([]*findings.Branch, error) {
	app, err := s.LoadBranchByID(ctx, appBranchID)
	if err != nil {
		return nil, err
	}
	out := make([]*findings.Branch, 0, len(app.Constituents))
	for _, id := range app.Constituents {
		b, err := s.LoadBranchByID(ctx, id)
		if err != nil {
			s.logger.Warn().Str("application_branch", appBranchID).Str("branch", id).Msg("constituent branch missing")
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// LoadLastAnalysisSnapshot returns the last analysis of a branch, or nil when
// the branch was never analyzed.
func (s *Store) LoadLastAnalysisSnapshot(ctx context.Context, branchID string) (*findings.Snapshot, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var snap findings.Snapshot
	if err := s.getJSON(BucketSnapshots, branchID, &snap); err != nil {
		if err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &snap, nil
}
