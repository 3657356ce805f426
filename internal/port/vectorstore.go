package port

import (
	"iter"

	"github.com/pkg/errors"
	"photosearch/internal/domain"
)

var (
	ErrBatchInProgress = errors.New("batch already in progress")
	ErrNoBatch         = errors.New("no batch in progress")
	ErrNotFound        = errors.New("not found")
)

// VectorStore persists index entries, label scores and feedback.
//
// Writes issued while a batch is open become part of that batch.
type VectorStore interface {
	// UpsertIndexEntry replaces any existing entry with the same id.
	UpsertIndexEntry(entry domain.IndexEntry) error

	// GetIndexEntry returns ErrNotFound when the id is not indexed.
	GetIndexEntry(id string) (domain.IndexEntry, error)

	// ListIndexedIDs returns the ids of all entries without decoding embeddings.
	ListIndexedIDs() (map[string]struct{}, error)

	// Scan yields entries matching filter. Every call starts a fresh pass.
	Scan(filter domain.Filter) iter.Seq2[domain.Candidate, error]

	Count() (int, error)

	InsertLabelScore(imageID, label string, score float64) error
	ClearLabels(label string) error
	LabelScores(label string) ([]domain.LabelScore, error)

	InsertPreference(imageID, tag string, embedding []float32) error
	PreferenceEmbeddings(tag string) ([][]float32, error)

	// DeletePhoto removes the entry, its labels and its preferences.
	DeletePhoto(id string) error

	LastIndexedAt() (int64, bool, error)
	SetLastIndexedAt(ms int64) error

	BeginBatch() error
	CommitBatch() error
	RollbackBatch() error

	Close() error
}

// IndexedIDSource lists ids indexed outside the store, e.g. a legacy cache file.
type IndexedIDSource interface {
	IndexedIDs() (map[string]struct{}, error)
}
