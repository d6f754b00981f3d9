// Package store persists findings, their changelog and comments, and the
// branch topology in bbolt, mirroring findings into a bleve search index.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned by the low-level bucket helpers. The public API maps
// it onto findings.ErrNotFound with a descriptive message.
var ErrNotFound = errors.New("not found")

// Bucket names.
var (
	BucketFindings        = []byte("findings")
	BucketComments        = []byte("comments")
	BucketFindingComments = []byte("finding_comments")
	BucketChangelog       = []byte("changelog")
	BucketProjects        = []byte("projects")
	BucketBranches        = []byte("branches")
	BucketSnapshots       = []byte("snapshots")
	BucketMeasures        = []byte("measures")
	BucketMeta            = []byte("meta")
)

var allBuckets = [][]byte{
	BucketFindings,
	BucketComments,
	BucketFindingComments,
	BucketChangelog,
	BucketProjects,
	BucketBranches,
	BucketSnapshots,
	BucketMeasures,
	BucketMeta,
}

// Meta keys.
const (
	metaSchemaVersion = "schema_version"
	metaMappingHash   = "search_mapping_hash"
	metaIndexStatus   = "index_status"
)

const (
	dbFile    = "triage.db"
	indexFile = "search.bleve"
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l.With().Str("component", "store").Logger() }
}

// WithMemIndex keeps the search index in memory. It is rebuilt from bbolt on
// every open.
func WithMemIndex() Option {
	return func(s *Store) { s.memIndex = true }
}

// WithClock overrides the clock used for measure timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the bbolt-backed source of truth plus its bleve mirror.
type Store struct {
	db         *bolt.DB
	dbPath     string
	searchPath string
	memIndex   bool
	logger     zerolog.Logger
	now        func() time.Time

	mu     sync.RWMutex // guards search
	search bleve.Index

	mirrorFailures atomic.Uint64
}

// Open opens or creates the store in dir.
func Open(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &Store{
		dbPath:     filepath.Join(dir, dbFile),
		searchPath: filepath.Join(dir, indexFile),
		logger:     zerolog.Nop(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}

	db, err := bolt.Open(s.dbPath, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store db: %w", err)
	}
	s.db = db

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	if err := RunMigrations(db, s.logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	if err := s.openIndex(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open search index: %w", err)
	}

	return s, nil
}

// Close closes the index and the database.
func (s *Store) Close() error {
	var errs []error
	s.mu.Lock()
	if s.search != nil {
		if err := s.search.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close search index: %w", err))
		}
		s.search = nil
	}
	s.mu.Unlock()
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close db: %w", err))
		}
	}
	return errors.Join(errs...)
}

// GetMeta reads a string value from the meta bucket.
func (s *Store) GetMeta(key string) (string, error) {
	var val string
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(BucketMeta).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		val = string(data)
		return nil
	})
	return val, err
}

// SetMeta writes a string value to the meta bucket.
func (s *Store) SetMeta(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(BucketMeta).Put([]byte(key), []byte(value))
	})
}

func checkCtx(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}
