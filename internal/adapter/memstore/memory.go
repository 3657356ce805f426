package memstore

import (
	"iter"
	"maps"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"photosearch/internal/domain"
	"photosearch/internal/port"
)

var _ port.VectorStore = (*MemoryStore)(nil)

// MemoryStore is a non-persistent port.VectorStore. A batch snapshots all
// tables on begin and restores the snapshot on rollback.
type MemoryStore struct {
	mu            sync.RWMutex
	entries       map[string]domain.IndexEntry
	labels        map[string]map[string]float64 // label -> image -> score
	prefs         map[string]map[string][]float32 // tag -> image -> embedding
	lastIndexedAt *int64

	snapshot *state
}

type state struct {
	entries       map[string]domain.IndexEntry
	labels        map[string]map[string]float64
	prefs         map[string]map[string][]float32
	lastIndexedAt *int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]domain.IndexEntry),
		labels:  make(map[string]map[string]float64),
		prefs:   make(map[string]map[string][]float32),
	}
}

func (s *MemoryStore) BeginBatch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot != nil {
		return port.ErrBatchInProgress
	}
	snap := &state{
		entries:       maps.Clone(s.entries),
		labels:        make(map[string]map[string]float64, len(s.labels)),
		prefs:         make(map[string]map[string][]float32, len(s.prefs)),
		lastIndexedAt: s.lastIndexedAt,
	}
	for k, v := range s.labels {
		snap.labels[k] = maps.Clone(v)
	}
	for k, v := range s.prefs {
		snap.prefs[k] = maps.Clone(v)
	}
	s.snapshot = snap
	return nil
}

func (s *MemoryStore) CommitBatch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return port.ErrNoBatch
	}
	s.snapshot = nil
	return nil
}

func (s *MemoryStore) RollbackBatch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return port.ErrNoBatch
	}
	s.entries = s.snapshot.entries
	s.labels = s.snapshot.labels
	s.prefs = s.snapshot.prefs
	s.lastIndexedAt = s.snapshot.lastIndexedAt
	s.snapshot = nil
	return nil
}

func (s *MemoryStore) UpsertIndexEntry(entry domain.IndexEntry) error {
	if entry.ID == "" {
		return errors.New("index entry without id")
	}
	entry.Embedding = append([]float32(nil), entry.Embedding...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = entry
	return nil
}

func (s *MemoryStore) GetIndexEntry(id string) (domain.IndexEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[id]
	if !ok {
		return domain.IndexEntry{}, errors.Wrapf(port.ErrNotFound, "index entry %s", id)
	}
	entry.Embedding = append([]float32(nil), entry.Embedding...)
	return entry, nil
}

func (s *MemoryStore) ListIndexedIDs() (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make(map[string]struct{}, len(s.entries))
	for id := range s.entries {
		ids[id] = struct{}{}
	}
	return ids, nil
}

func (s *MemoryStore) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

// Scan iterates a point-in-time copy ordered by id.
func (s *MemoryStore) Scan(filter domain.Filter) iter.Seq2[domain.Candidate, error] {
	return func(yield func(domain.Candidate, error) bool) {
		s.mu.RLock()
		candidates := make([]domain.Candidate, 0, len(s.entries))
		for _, e := range s.entries {
			c := domain.Candidate{
				ID:        e.ID,
				URI:       e.URI,
				Embedding: append([]float32(nil), e.Embedding...),
				Timestamp: e.Timestamp,
			}
			if e.City != nil {
				c.City = *e.City
			}
			if filter.Matches(c) {
				candidates = append(candidates, c)
			}
		}
		s.mu.RUnlock()

		sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
		for _, c := range candidates {
			if !yield(c, nil) {
				return
			}
		}
	}
}

func (s *MemoryStore) InsertLabelScore(imageID, label string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.labels[label] == nil {
		s.labels[label] = make(map[string]float64)
	}
	s.labels[label][imageID] = score
	return nil
}

func (s *MemoryStore) ClearLabels(label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.labels, label)
	return nil
}

func (s *MemoryStore) LabelScores(label string) ([]domain.LabelScore, error) {
	s.mu.RLock()
	scores := make([]domain.LabelScore, 0, len(s.labels[label]))
	for id, score := range s.labels[label] {
		scores = append(scores, domain.LabelScore{ImageID: id, Label: label, Score: score})
	}
	s.mu.RUnlock()

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].ImageID < scores[j].ImageID
	})
	return scores, nil
}

func (s *MemoryStore) InsertPreference(imageID, tag string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prefs[tag] == nil {
		s.prefs[tag] = make(map[string][]float32)
	}
	s.prefs[tag][imageID] = append([]float32(nil), embedding...)
	return nil
}

func (s *MemoryStore) PreferenceEmbeddings(tag string) ([][]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.prefs[tag]))
	for id := range s.prefs[tag] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([][]float32, 0, len(ids))
	for _, id := range ids {
		out = append(out, append([]float32(nil), s.prefs[tag][id]...))
	}
	return out, nil
}

func (s *MemoryStore) DeletePhoto(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	for _, byImage := range s.labels {
		delete(byImage, id)
	}
	for _, byImage := range s.prefs {
		delete(byImage, id)
	}
	return nil
}

func (s *MemoryStore) LastIndexedAt() (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastIndexedAt == nil {
		return 0, false, nil
	}
	return *s.lastIndexedAt, true, nil
}

func (s *MemoryStore) SetLastIndexedAt(ms int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastIndexedAt = &ms
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
