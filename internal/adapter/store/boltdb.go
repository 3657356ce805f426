package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"iter"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
	"photosearch/internal/domain"
	"photosearch/internal/port"
)

var (
	bucketImages     = []byte("image_index")
	bucketEmbeddings = []byte("image_embedding")
	bucketByTime     = []byte("idx_timestamp")
	bucketByCity     = []byte("idx_city")
	bucketLabels     = []byte("image_labels")
	bucketPrefs      = []byte("user_preferences")
	bucketMeta       = []byte("meta")
	keyLastIndexedAt = []byte("last_indexed_at")
)

var allBuckets = [][]byte{bucketImages, bucketEmbeddings, bucketByTime, bucketByCity, bucketLabels, bucketPrefs, bucketMeta}

var errStopScan = errors.New("scan stopped")

var _ port.VectorStore = (*BoltStore)(nil)

// BoltStore implements port.VectorStore on a single bbolt file.
// A batch is one long-lived read-write transaction.
type BoltStore struct {
	db *bbolt.DB

	mu    sync.Mutex
	batch *bbolt.Tx
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open bolt db")
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return errors.Wrapf(err, "failed to create bucket %s", b)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) DB() *bbolt.DB {
	return s.db
}

type imageMeta struct {
	URI       string   `json:"uri"`
	Latitude  *float64 `json:"lat,omitempty"`
	Longitude *float64 `json:"lon,omitempty"`
	City      *string  `json:"city,omitempty"`
	Timestamp int64    `json:"ts"`
}

// update runs fn inside the open batch, or in its own transaction otherwise.
func (s *BoltStore) update(fn func(tx *bbolt.Tx) error) error {
	s.mu.Lock()
	if s.batch != nil {
		defer s.mu.Unlock()
		return fn(s.batch)
	}
	s.mu.Unlock()
	return s.db.Update(fn)
}

func (s *BoltStore) BeginBatch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch != nil {
		return port.ErrBatchInProgress
	}
	tx, err := s.db.Begin(true)
	if err != nil {
		return errors.Wrap(err, "begin batch")
	}
	s.batch = tx
	return nil
}

func (s *BoltStore) CommitBatch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch == nil {
		return port.ErrNoBatch
	}
	tx := s.batch
	s.batch = nil
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit batch")
	}
	return nil
}

func (s *BoltStore) RollbackBatch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch == nil {
		return port.ErrNoBatch
	}
	tx := s.batch
	s.batch = nil
	if err := tx.Rollback(); err != nil && !errors.Is(err, bbolt.ErrTxClosed) {
		return errors.Wrap(err, "rollback batch")
	}
	return nil
}

func (s *BoltStore) UpsertIndexEntry(entry domain.IndexEntry) error {
	if entry.ID == "" {
		return errors.New("index entry without id")
	}
	meta := imageMeta{
		URI:       entry.URI,
		Latitude:  entry.Latitude,
		Longitude: entry.Longitude,
		City:      entry.City,
		Timestamp: entry.Timestamp,
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	id := []byte(entry.ID)

	return s.update(func(tx *bbolt.Tx) error {
		images := tx.Bucket(bucketImages)
		if prev := images.Get(id); prev != nil {
			var old imageMeta
			if err := json.Unmarshal(prev, &old); err == nil {
				if err := deleteSecondary(tx, entry.ID, old); err != nil {
					return err
				}
			}
		}
		if err := images.Put(id, data); err != nil {
			return err
		}
		if err := tx.Bucket(bucketEmbeddings).Put(id, EncodeEmbedding(entry.Embedding)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketByTime).Put(timeKey(meta.Timestamp, entry.ID), nil); err != nil {
			return err
		}
		if meta.City != nil && *meta.City != "" {
			return tx.Bucket(bucketByCity).Put(cityKey(*meta.City, entry.ID), nil)
		}
		return nil
	})
}

func (s *BoltStore) GetIndexEntry(id string) (domain.IndexEntry, error) {
	var entry domain.IndexEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketImages).Get([]byte(id))
		if data == nil {
			return errors.Wrapf(port.ErrNotFound, "index entry %s", id)
		}
		var meta imageMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			return errors.Wrapf(err, "decode index entry %s", id)
		}
		entry = domain.IndexEntry{
			ID:        id,
			URI:       meta.URI,
			Embedding: DecodeEmbedding(tx.Bucket(bucketEmbeddings).Get([]byte(id))),
			Latitude:  meta.Latitude,
			Longitude: meta.Longitude,
			City:      meta.City,
			Timestamp: meta.Timestamp,
		}
		return nil
	})
	return entry, err
}

func (s *BoltStore) ListIndexedIDs() (map[string]struct{}, error) {
	ids := make(map[string]struct{})
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketImages).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			ids[string(k)] = struct{}{}
		}
		return nil
	})
	return ids, err
}

func (s *BoltStore) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketImages).Stats().KeyN
		return nil
	})
	return n, err
}

// Scan walks the timestamp index when a time bound is set, the city index
// when only a city is set, and the primary bucket otherwise. The full filter
// is re-checked against the stored row in every case.
func (s *BoltStore) Scan(filter domain.Filter) iter.Seq2[domain.Candidate, error] {
	return func(yield func(domain.Candidate, error) bool) {
		stopped := false
		err := s.db.View(func(tx *bbolt.Tx) error {
			images := tx.Bucket(bucketImages)
			embeddings := tx.Bucket(bucketEmbeddings)

			emit := func(id []byte) error {
				raw := images.Get(id)
				if raw == nil {
					return nil // stale secondary key
				}
				var meta imageMeta
				if err := json.Unmarshal(raw, &meta); err != nil {
					if !yield(domain.Candidate{}, errors.Wrapf(err, "decode index entry %s", id)) {
						stopped = true
						return errStopScan
					}
					return nil
				}
				c := domain.Candidate{
					ID:        string(id),
					URI:       meta.URI,
					Timestamp: meta.Timestamp,
				}
				if meta.City != nil {
					c.City = *meta.City
				}
				if !filter.Matches(c) {
					return nil
				}
				c.Embedding = DecodeEmbedding(embeddings.Get(id))
				if !yield(c, nil) {
					stopped = true
					return errStopScan
				}
				return nil
			}

			switch {
			case filter.TimeRange != nil && (filter.TimeRange.Start != nil || filter.TimeRange.End != nil):
				c := tx.Bucket(bucketByTime).Cursor()
				var k []byte
				if filter.TimeRange.Start != nil {
					k, _ = c.Seek(timeKey(*filter.TimeRange.Start, ""))
				} else {
					k, _ = c.First()
				}
				for ; k != nil; k, _ = c.Next() {
					if len(k) < 8 {
						continue
					}
					if filter.TimeRange.End != nil && timeFromKey(k) > *filter.TimeRange.End {
						break
					}
					if err := emit(k[8:]); err != nil {
						return err
					}
				}
			case filter.City != nil && strings.TrimSpace(*filter.City) != "":
				prefix := cityKey(*filter.City, "")
				c := tx.Bucket(bucketByCity).Cursor()
				for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
					if err := emit(k[len(prefix):]); err != nil {
						return err
					}
				}
			default:
				c := images.Cursor()
				for k, _ := c.First(); k != nil; k, _ = c.Next() {
					if err := emit(k); err != nil {
						return err
					}
				}
			}
			return nil
		})
		if err != nil && !stopped {
			yield(domain.Candidate{}, errors.Wrap(err, "scan index"))
		}
	}
}

func (s *BoltStore) InsertLabelScore(imageID, label string, score float64) error {
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, math.Float64bits(score))
	return s.update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLabels).Put(compositeKey(label, imageID), value)
	})
}

func (s *BoltStore) ClearLabels(label string) error {
	return s.update(func(tx *bbolt.Tx) error {
		return deletePrefix(tx.Bucket(bucketLabels), compositeKey(label, ""))
	})
}

// LabelScores returns the scores for label, best first.
func (s *BoltStore) LabelScores(label string) ([]domain.LabelScore, error) {
	var scores []domain.LabelScore
	prefix := compositeKey(label, "")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketLabels).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if len(v) != 8 {
				continue
			}
			scores = append(scores, domain.LabelScore{
				ImageID: string(k[len(prefix):]),
				Label:   label,
				Score:   math.Float64frombits(binary.BigEndian.Uint64(v)),
			})
		}
		return nil
	})
	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].ImageID < scores[j].ImageID
	})
	return scores, err
}

func (s *BoltStore) InsertPreference(imageID, tag string, embedding []float32) error {
	return s.update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPrefs).Put(compositeKey(tag, imageID), EncodeEmbedding(embedding))
	})
}

func (s *BoltStore) PreferenceEmbeddings(tag string) ([][]float32, error) {
	var out [][]float32
	prefix := compositeKey(tag, "")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketPrefs).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			out = append(out, DecodeEmbedding(v))
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) DeletePhoto(id string) error {
	key := []byte(id)
	suffix := append([]byte{0}, key...)
	return s.update(func(tx *bbolt.Tx) error {
		images := tx.Bucket(bucketImages)
		if prev := images.Get(key); prev != nil {
			var old imageMeta
			if err := json.Unmarshal(prev, &old); err == nil {
				if err := deleteSecondary(tx, id, old); err != nil {
					return err
				}
			}
		}
		if err := images.Delete(key); err != nil {
			return err
		}
		if err := tx.Bucket(bucketEmbeddings).Delete(key); err != nil {
			return err
		}
		for _, name := range [][]byte{bucketLabels, bucketPrefs} {
			if err := deleteMatching(tx.Bucket(name), func(k []byte) bool {
				return bytes.HasSuffix(k, suffix)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) LastIndexedAt() (int64, bool, error) {
	var (
		ms int64
		ok bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get(keyLastIndexedAt)
		if len(data) != 8 {
			return nil
		}
		ms = int64(binary.BigEndian.Uint64(data))
		ok = true
		return nil
	})
	return ms, ok, err
}

func (s *BoltStore) SetLastIndexedAt(ms int64) error {
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, uint64(ms))
	return s.update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyLastIndexedAt, value)
	})
}

// Close rolls back an open batch before closing the database.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	if s.batch != nil {
		_ = s.batch.Rollback()
		s.batch = nil
	}
	s.mu.Unlock()
	return s.db.Close()
}

func deleteSecondary(tx *bbolt.Tx, id string, meta imageMeta) error {
	if err := tx.Bucket(bucketByTime).Delete(timeKey(meta.Timestamp, id)); err != nil {
		return err
	}
	if meta.City != nil && *meta.City != "" {
		return tx.Bucket(bucketByCity).Delete(cityKey(*meta.City, id))
	}
	return nil
}

func deletePrefix(b *bbolt.Bucket, prefix []byte) error {
	return deleteMatching(b, func(k []byte) bool { return bytes.HasPrefix(k, prefix) })
}

// deleteMatching collects keys first; deleting under a live cursor skips keys.
func deleteMatching(b *bbolt.Bucket, match func(k []byte) bool) error {
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if match(k) {
			keys = append(keys, append([]byte(nil), k...))
		}
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// timeKey orders signed timestamps correctly under byte comparison.
func timeKey(ts int64, id string) []byte {
	k := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(k, uint64(ts)^(1<<63))
	copy(k[8:], id)
	return k
}

func timeFromKey(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k[:8]) ^ (1 << 63))
}

func cityKey(city, id string) []byte {
	return compositeKey(strings.ToLower(strings.TrimSpace(city)), id)
}

func compositeKey(prefix, id string) []byte {
	k := make([]byte, 0, len(prefix)+1+len(id))
	k = append(k, prefix...)
	k = append(k, 0)
	return append(k, id...)
}
