package store

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

// SchemaVersion is the current schema version. Increment it when adding a
// migration.
var SchemaVersion uint64 = 2

type migration struct {
	version     uint64
	description string
	migrate     func(tx *bolt.Tx) error
}

// migrations are applied once each, in order, when the stored version is
// below SchemaVersion.
var migrations = []migration{
	{version: 1, description: "baseline schema stamp", migrate: func(tx *bolt.Tx) error { return nil }},
	{version: 2, description: "backfill finding updatedAt from createdAt", migrate: backfillUpdatedAt},
}

// RunMigrations applies pending migrations in a single transaction. A stored
// version ahead of SchemaVersion is an error.
func RunMigrations(db *bolt.DB, logger zerolog.Logger) error {
	current, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	if current > SchemaVersion {
		return fmt.Errorf("database schema version %d is ahead of binary version %d (downgrade not supported)", current, SchemaVersion)
	}
	if current == SchemaVersion {
		return nil
	}

	var pending []migration
	for _, m := range migrations {
		if m.version > current {
			pending = append(pending, m)
		}
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, m := range pending {
			logger.Info().Uint64("version", m.version).Str("migration", m.description).Msg("applying migration")
			if err := m.migrate(tx); err != nil {
				return fmt.Errorf("migration v%d (%s) failed: %w", m.version, m.description, err)
			}
		}
		return putSchemaVersion(tx, SchemaVersion)
	})
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// GetSchemaVersion reads the schema version. A fresh database reports 0.
func GetSchemaVersion(db *bolt.DB) (uint64, error) {
	var version uint64
	err := db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(BucketMeta)
		if meta == nil {
			return nil
		}
		data := meta.Get([]byte(metaSchemaVersion))
		if data == nil {
			return nil
		}
		if len(data) != 8 {
			return fmt.Errorf("corrupt schema_version: expected 8 bytes, got %d", len(data))
		}
		version = binary.BigEndian.Uint64(data)
		return nil
	})
	return version, err
}

func putSchemaVersion(tx *bolt.Tx, version uint64) error {
	meta := tx.Bucket(BucketMeta)
	if meta == nil {
		return fmt.Errorf("meta bucket not found")
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, version)
	return meta.Put([]byte(metaSchemaVersion), buf)
}

func backfillUpdatedAt(tx *bolt.Tx) error {
	b := tx.Bucket(BucketFindings)
	type patch struct{ k, v []byte }
	var patches []patch
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var m map[string]any
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}
		if u, ok := m["updatedAt"].(string); ok && u != "" && u != "0001-01-01T00:00:00Z" {
			continue
		}
		m["updatedAt"] = m["createdAt"]
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		patches = append(patches, patch{append([]byte(nil), k...), data})
	}
	for _, p := range patches {
		if err := b.Put(p.k, p.v); err != nil {
			return err
		}
	}
	return nil
}

// MappingHash returns a SHA-256 hex digest of a bleve mapping, used to detect
// mapping changes that require an index rebuild.
func MappingHash(m mapping.IndexMapping) string {
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%x", sha256.Sum256(data))
}
