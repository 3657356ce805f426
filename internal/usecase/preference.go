package usecase

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"photosearch/internal/domain"
	"photosearch/internal/logging"
	"photosearch/internal/port"
)

// PreferenceModel records feedback and derives per-tag centroids.
// Only the Dislike centroid influences ranking; Like is stored for later use.
type PreferenceModel struct {
	store port.VectorStore
	log   *zap.Logger
}

func NewPreferenceModel(store port.VectorStore, log *zap.Logger) *PreferenceModel {
	return &PreferenceModel{store: store, log: logging.OrNop(log)}
}

// RecordFeedback copies the photo's stored embedding under tag. It returns
// false when the photo has not been indexed yet.
func (m *PreferenceModel) RecordFeedback(imageID, tag string) (bool, error) {
	entry, err := m.store.GetIndexEntry(imageID)
	if errors.Is(err, port.ErrNotFound) {
		m.log.Debug("feedback for unindexed photo ignored", zap.String("photo", imageID), zap.String("tag", tag))
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "load embedding")
	}
	if len(entry.Embedding) == 0 {
		return false, nil
	}
	if err := m.store.InsertPreference(imageID, tag, entry.Embedding); err != nil {
		return false, errors.Wrap(err, "store feedback")
	}
	return true, nil
}

// Centroid is the per-dimension mean of the tag's embeddings, truncated to
// the shortest one. It is empty when the tag has no entries.
func (m *PreferenceModel) Centroid(tag string) ([]float32, error) {
	vectors, err := m.store.PreferenceEmbeddings(tag)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s feedback", tag)
	}
	return Centroid(vectors), nil
}

func (m *PreferenceModel) DislikeCentroid() ([]float32, error) {
	return m.Centroid(domain.TagDislike)
}

func Centroid(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return []float32{}
	}
	n := len(vectors[0])
	for _, v := range vectors[1:] {
		n = min(n, len(v))
	}

	sum := make([]float64, n)
	for _, v := range vectors {
		for i := 0; i < n; i++ {
			sum[i] += float64(v[i])
		}
	}
	out := make([]float32, n)
	for i, s := range sum {
		out[i] = float32(s / float64(len(vectors)))
	}
	return out
}
