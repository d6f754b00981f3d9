package store

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/jmylchreest/triage/pkg/findings"
	bolt "go.etcd.io/bbolt"
)

// NewCodeFilter restricts results to new code. For a single branch either
// ReferenceBranch or Since applies. For an application the two per-project
// collections apply instead and are never merged: projects in
// ReferenceProjects match on the finding's new-code flag, projects in
// PeriodStarts match on creation date.
type NewCodeFilter struct {
	ReferenceBranch bool
	Since           time.Time

	ReferenceProjects []string
	PeriodStarts      map[string]time.Time
}

func (nc *NewCodeFilter) application() bool {
	return nc.ReferenceProjects != nil || nc.PeriodStarts != nil
}

func (nc *NewCodeFilter) match(f *findings.Finding) bool {
	if !nc.application() {
		if nc.ReferenceBranch {
			return f.NewCodeReference
		}
		return !f.CreatedAt.Before(nc.Since)
	}
	if slices.Contains(nc.ReferenceProjects, f.ProjectKey) {
		return f.NewCodeReference
	}
	if start, ok := nc.PeriodStarts[f.ProjectKey]; ok {
		return !f.CreatedAt.Before(start)
	}
	return false
}

// Filter is the set of criteria shared by index and store queries. Empty
// fields do not filter.
type Filter struct {
	Types       []findings.Type
	Statuses    []findings.Status
	Resolutions []findings.Resolution
	Keys        []string
	ProjectKeys []string
	BranchIDs   []string
	Assignee    string
	// Files are doublestar patterns or exact paths.
	Files []string
	// Standards holds, per taxonomy, the codes of which a finding must carry
	// at least one. A taxonomy mapped to no codes matches nothing.
	Standards map[findings.Taxonomy][]string
	NewCode   *NewCodeFilter
}

// Match reports whether f satisfies every criterion.
func (q *Filter) Match(f *findings.Finding) bool {
	if len(q.Keys) > 0 && !slices.Contains(q.Keys, f.Key) {
		return false
	}
	if len(q.Types) > 0 && !slices.Contains(q.Types, f.Type) {
		return false
	}
	if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, f.Status) {
		return false
	}
	if len(q.Resolutions) > 0 && !slices.Contains(q.Resolutions, f.Resolution) {
		return false
	}
	if len(q.ProjectKeys) > 0 && !slices.Contains(q.ProjectKeys, f.ProjectKey) {
		return false
	}
	if len(q.BranchIDs) > 0 && !slices.Contains(q.BranchIDs, f.BranchID) {
		return false
	}
	if q.Assignee != "" && f.Assignee != q.Assignee {
		return false
	}
	if len(q.Files) > 0 && !matchAnyFile(q.Files, f.FilePath) {
		return false
	}
	for t, codes := range q.Standards {
		carried := f.Codes(t)
		if !slices.ContainsFunc(codes, func(c string) bool { return slices.Contains(carried, c) }) {
			return false
		}
	}
	if q.NewCode != nil && !q.NewCode.match(f) {
		return false
	}
	return true
}

func matchAnyFile(patterns []string, path string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, path); err == nil && ok {
			return true
		}
	}
	return false
}

// StoreQuery is a filtered listing served from bbolt without the index.
type StoreQuery struct {
	Filter
	Hotspots bool
	// Limit caps the number of findings returned after sorting (0 = all).
	Limit int
}

// Query scans the findings bucket and returns the matches in result order.
func (s *Store) Query(ctx context.Context, q StoreQuery) ([]*findings.Finding, error) {
	var out []*findings.Finding
	err := s.db.View(func(tx *bolt.Tx) error {
		if len(q.Keys) > 0 {
			b := tx.Bucket(BucketFindings)
			for _, k := range q.Keys {
				data := b.Get([]byte(k))
				if data == nil {
					continue
				}
				var f findings.Finding
				if err := json.Unmarshal(data, &f); err != nil {
					return err
				}
				if q.Match(&f) {
					out = append(out, &f)
				}
			}
			return nil
		}
		c := tx.Bucket(BucketFindings).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := checkCtx(ctx); err != nil {
				return err
			}
			var f findings.Finding
			if err := json.Unmarshal(v, &f); err != nil {
				s.logger.Warn().Err(err).Str("key", string(k)).Msg("skipping unreadable finding")
				continue
			}
			if q.Match(&f) {
				out = append(out, &f)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	findings.Sort(out, q.Hotspots)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}
