package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/jmylchreest/triage/pkg/findings"
	bolt "go.etcd.io/bbolt"
)

// childKey builds "<parent>\x00<child>" keys so that a prefix scan lists the
// children of one parent in key order.
func childKey(parent, child string) []byte {
	return append(append([]byte(parent), 0), child...)
}

func childPrefix(parent string) []byte {
	return append([]byte(parent), 0)
}

// LoadByKey returns the finding stored under key.
func (s *Store) LoadByKey(ctx context.Context, key string) (*findings.Finding, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var f findings.Finding
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(BucketFindings).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &f)
	})
	if errors.Is(err, ErrNotFound) {
		return nil, findings.NotFound("Finding '%s' does not exist", key)
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// LoadByKeys returns the findings stored under keys. Missing keys are
// skipped and the result is in storage order, not request order.
func (s *Store) LoadByKeys(ctx context.Context, keys []string) ([]*findings.Finding, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	out := make([]*findings.Finding, 0, len(sorted))
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(BucketFindings)
		for _, k := range sorted {
			data := b.Get([]byte(k))
			if data == nil {
				continue
			}
			var f findings.Finding
			if err := json.Unmarshal(data, &f); err != nil {
				return fmt.Errorf("decode finding %s: %w", k, err)
			}
			out = append(out, &f)
		}
		return nil
	})
	return out, err
}

// Save writes f with its new change events and comments in one transaction
// and then mirrors f into the search index.
func (s *Store) Save(ctx context.Context, f *findings.Finding, events []findings.ChangeEvent, comments []findings.Comment) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	if err := f.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal finding: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(BucketFindings).Put([]byte(f.Key), data); err != nil {
			return err
		}
		changelog := tx.Bucket(BucketChangelog)
		for _, e := range events {
			v, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := changelog.Put(childKey(f.Key, e.Key), v); err != nil {
				return err
			}
		}
		for i := range comments {
			if err := putComment(tx, &comments[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.mirror(f)
	return nil
}

// Changelog returns the change events of a finding in creation order.
func (s *Store) Changelog(ctx context.Context, findingKey string) ([]findings.ChangeEvent, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var out []findings.ChangeEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := childPrefix(findingKey)
		c := tx.Bucket(BucketChangelog).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var e findings.ChangeEvent
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

// =============================================================================
// Comments
// =============================================================================

func putComment(tx *bolt.Tx, c *findings.Comment) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := tx.Bucket(BucketComments).Put([]byte(c.Key), data); err != nil {
		return err
	}
	return tx.Bucket(BucketFindingComments).Put(childKey(c.FindingKey, c.Key), []byte(c.Key))
}

// SaveComment inserts c.
func (s *Store) SaveComment(ctx context.Context, c *findings.Comment) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(BucketFindings).Get([]byte(c.FindingKey)) == nil {
			return findings.NotFound("Finding '%s' does not exist", c.FindingKey)
		}
		return putComment(tx, c)
	})
}

// UpdateComment replaces an existing comment.
func (s *Store) UpdateComment(ctx context.Context, c *findings.Comment) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(BucketComments).Get([]byte(c.Key)) == nil {
			return findings.NotFound("Comment '%s' does not exist", c.Key)
		}
		return putComment(tx, c)
	})
}

// LoadComment returns the comment stored under key.
func (s *Store) LoadComment(ctx context.Context, key string) (*findings.Comment, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var c findings.Comment
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(BucketComments).Get([]byte(key))
		if data == nil {
			return findings.NotFound("Comment '%s' does not exist", key)
		}
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteComment removes the comment stored under key.
func (s *Store) DeleteComment(ctx context.Context, key string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(BucketComments)
		data := b.Get([]byte(key))
		if data == nil {
			return findings.NotFound("Comment '%s' does not exist", key)
		}
		var c findings.Comment
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		if err := tx.Bucket(BucketFindingComments).Delete(childKey(c.FindingKey, c.Key)); err != nil {
			return err
		}
		return b.Delete([]byte(key))
	})
}

// ListComments returns the comments of a finding, oldest first.
func (s *Store) ListComments(ctx context.Context, findingKey string) ([]findings.Comment, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var out []findings.Comment
	err := s.db.View(func(tx *bolt.Tx) error {
		comments := tx.Bucket(BucketComments)
		prefix := childPrefix(findingKey)
		c := tx.Bucket(BucketFindingComments).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			data := comments.Get(v)
			if data == nil {
				continue
			}
			var cm findings.Comment
			if err := json.Unmarshal(data, &cm); err != nil {
				return err
			}
			out = append(out, cm)
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}
