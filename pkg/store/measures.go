package store

import (
	"context"
	"encoding/json"
	"math"

	"github.com/jmylchreest/triage/pkg/findings"
	bolt "go.etcd.io/bbolt"
)

// RefreshMeasures recomputes the aggregate measures of the given branches
// from their findings and stores them.
func (s *Store) RefreshMeasures(ctx context.Context, branchIDs []string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	wanted := make(map[string]*findings.Measures, len(branchIDs))
	now := s.now()
	for _, id := range branchIDs {
		wanted[id] = &findings.Measures{BranchID: id, ComputedAt: now}
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(BucketFindings).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var f findings.Finding
			if err := json.Unmarshal(v, &f); err != nil {
				continue
			}
			m, ok := wanted[f.BranchID]
			if !ok {
				continue
			}
			switch f.Status {
			case findings.StatusOpen, findings.StatusReopened:
				m.OpenIssues++
			case findings.StatusConfirmed:
				m.ConfirmedIssues++
			case findings.StatusToReview:
				m.HotspotsToReview++
			case findings.StatusReviewed:
				m.HotspotsReviewed++
			}
		}
		for id, m := range wanted {
			if total := m.HotspotsToReview + m.HotspotsReviewed; total > 0 {
				m.ReviewedPercent = math.Round(1000*float64(m.HotspotsReviewed)/float64(total)) / 10
			}
			if err := putJSON(tx, BucketMeasures, id, m); err != nil {
				return err
			}
		}
		return nil
	})
}

// Measures returns the last computed measures of a branch.
func (s *Store) Measures(ctx context.Context, branchID string) (*findings.Measures, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var m findings.Measures
	if err := s.getJSON(BucketMeasures, branchID, &m); err != nil {
		if err == ErrNotFound {
			return nil, findings.NotFound("No measures computed for branch '%s'", branchID)
		}
		return nil, err
	}
	return &m, nil
}
