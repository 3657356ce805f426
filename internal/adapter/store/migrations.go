package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
	"photosearch/internal/port"
)

// CurrentSchemaVersion is the current schema version.
// Increment this when making breaking changes to the storage format.
const CurrentSchemaVersion = 2

var (
	keySchemaVersion = []byte("schema_version")
	keyConfigHash    = []byte("config_hash")
)

// SchemaInfo stores schema version and configuration hash.
type SchemaInfo struct {
	Version    int    `json:"version"`
	ConfigHash string `json:"config_hash"`
}

// GetSchemaInfo retrieves the current schema info from the database.
func (s *BoltStore) GetSchemaInfo() (*SchemaInfo, error) {
	var info SchemaInfo
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if versionData := b.Get(keySchemaVersion); versionData != nil {
			if err := json.Unmarshal(versionData, &info.Version); err != nil {
				info.Version = 1
			}
		}
		if hashData := b.Get(keyConfigHash); hashData != nil {
			info.ConfigHash = string(hashData)
		}
		return nil
	})
	return &info, err
}

// SetSchemaInfo stores the schema info in the database.
func (s *BoltStore) SetSchemaInfo(info *SchemaInfo) error {
	return s.update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMeta)

		versionData, err := json.Marshal(info.Version)
		if err != nil {
			return err
		}
		if err := b.Put(keySchemaVersion, versionData); err != nil {
			return err
		}
		return b.Put(keyConfigHash, []byte(info.ConfigHash))
	})
}

// ComputeSpaceHash hashes the embedding space of the provider actually in
// use, which may be a fallback rather than the configured one. Stored
// embeddings are meaningless once this hash changes.
func ComputeSpaceHash(p port.EmbeddingProvider) string {
	relevant := struct {
		Model     string `json:"model"`
		Encoder   string `json:"encoder,omitempty"`
		Dimension int    `json:"dimension"`
	}{
		Model:     p.ModelName(),
		Dimension: p.Dimension(),
	}
	if w, ok := p.(port.ModelWarmer); ok {
		relevant.Encoder = w.Name()
	}

	data, _ := json.Marshal(relevant)
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:8])
}

// MigrationResult describes the result of a migration check.
type MigrationResult struct {
	NeedsMigration bool
	NeedsRebuild   bool
	OldVersion     int
	NewVersion     int
	Reason         string
}

// CheckMigration checks if migration or rebuild is needed.
func (s *BoltStore) CheckMigration(p port.EmbeddingProvider) (*MigrationResult, error) {
	info, err := s.GetSchemaInfo()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get schema info")
	}

	result := &MigrationResult{
		OldVersion: info.Version,
		NewVersion: CurrentSchemaVersion,
	}

	switch {
	case info.Version == 0:
		result.NeedsMigration = true
		result.Reason = "initializing schema version"
	case info.Version < CurrentSchemaVersion:
		result.NeedsMigration = true
		result.Reason = fmt.Sprintf("schema upgrade from v%d to v%d", info.Version, CurrentSchemaVersion)
	case info.Version > CurrentSchemaVersion:
		result.NeedsRebuild = true
		result.Reason = fmt.Sprintf("database created by newer version (v%d > v%d)", info.Version, CurrentSchemaVersion)
		return result, nil
	}

	if info.ConfigHash != "" && info.ConfigHash != ComputeSpaceHash(p) {
		result.NeedsRebuild = true
		result.Reason = "embedding model changed"
	}

	return result, nil
}

// Migrate performs any necessary schema migrations and records the hash of
// p's embedding space.
func (s *BoltStore) Migrate(p port.EmbeddingProvider) error {
	info, err := s.GetSchemaInfo()
	if err != nil {
		return err
	}

	for v := info.Version; v < CurrentSchemaVersion; v++ {
		if err := s.runMigration(v, v+1); err != nil {
			return errors.Wrapf(err, "migration from v%d to v%d failed", v, v+1)
		}
	}

	return s.SetSchemaInfo(&SchemaInfo{
		Version:    CurrentSchemaVersion,
		ConfigHash: ComputeSpaceHash(p),
	})
}

func (s *BoltStore) runMigration(from, to int) error {
	switch {
	case from == 1 && to == 2:
		// v1 had no city index; rebuild it from the primary rows.
		return s.update(func(tx *bbolt.Tx) error {
			byCity := tx.Bucket(bucketByCity)
			return tx.Bucket(bucketImages).ForEach(func(k, v []byte) error {
				var meta imageMeta
				if err := json.Unmarshal(v, &meta); err != nil || meta.City == nil || *meta.City == "" {
					return nil
				}
				return byCity.Put(cityKey(*meta.City, string(k)), nil)
			})
		})
	default:
		return nil
	}
}

// Clear removes every indexed photo, label, preference and the completion
// timestamp. Schema info is kept.
func (s *BoltStore) Clear() error {
	return s.update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketImages, bucketEmbeddings, bucketByTime, bucketByCity, bucketLabels, bucketPrefs} {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketMeta).Delete(keyLastIndexedAt)
	})
}

// NeedsRebuild checks if the index was built in another embedding space.
func (s *BoltStore) NeedsRebuild(p port.EmbeddingProvider) (bool, string, error) {
	result, err := s.CheckMigration(p)
	if err != nil {
		return false, "", err
	}
	return result.NeedsRebuild, result.Reason, nil
}
