package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"photosearch/internal/adapter/memstore"
	"photosearch/internal/domain"
)

func newLabelStore(t *testing.T) *memstore.MemoryStore {
	t.Helper()
	st := memstore.NewMemoryStore()
	for _, e := range []domain.IndexEntry{
		{ID: "shore", Embedding: []float32{1, 0, 0}},
		{ID: "dusk", Embedding: []float32{0.6, 0.8, 0}},
		{ID: "city", Embedding: []float32{-1, 0, 0}},
	} {
		require.NoError(t, st.UpsertIndexEntry(e))
	}
	return st
}

func TestCategorizerScoresAndReplaces(t *testing.T) {
	st := newLabelStore(t)
	emb := &stubEmbedder{text: map[string][]float32{
		"beach":  {1, 0, 0},
		"sunset": {0, 1, 0},
	}}
	c := NewCategorizer(st, emb, 0.5, nil)

	summaries, err := c.Run(context.Background(), []string{"beach", "sunset"})
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, LabelSummary{Label: "beach", Scanned: 3, Stored: 2}, summaries[0])
	assert.Equal(t, LabelSummary{Label: "sunset", Scanned: 3, Stored: 1}, summaries[1])

	beach, err := c.Top("beach", 0)
	require.NoError(t, err)
	require.Len(t, beach, 2)
	assert.Equal(t, "shore", beach[0].ImageID)
	assert.InDelta(t, 1.0, beach[0].Score, 1e-6)
	assert.Equal(t, "dusk", beach[1].ImageID)
	assert.InDelta(t, 0.6, beach[1].Score, 1e-6)

	top, err := c.Top("beach", 1)
	require.NoError(t, err)
	assert.Len(t, top, 1)

	require.NoError(t, st.DeletePhoto("shore"))
	_, err = c.Run(context.Background(), []string{"beach"})
	require.NoError(t, err)
	beach, err = c.Top("beach", 0)
	require.NoError(t, err)
	require.Len(t, beach, 1)
	assert.Equal(t, "dusk", beach[0].ImageID)
}

func TestCategorizerClampsNegativeScores(t *testing.T) {
	st := newLabelStore(t)
	c := NewCategorizer(st, &stubEmbedder{text: map[string][]float32{"beach": {1, 0, 0}}}, 0, nil)

	_, err := c.Run(context.Background(), []string{"beach"})
	require.NoError(t, err)

	scores, err := c.Top("beach", 0)
	require.NoError(t, err)
	require.Len(t, scores, 3)
	for _, s := range scores {
		assert.GreaterOrEqual(t, s.Score, 0.0)
		assert.LessOrEqual(t, s.Score, 1.0)
	}
	assert.Equal(t, "city", scores[2].ImageID)
	assert.Zero(t, scores[2].Score)
}

func TestCategorizerKeepsScoresWhenLabelFails(t *testing.T) {
	st := newLabelStore(t)
	require.NoError(t, st.InsertLabelScore("dusk", "mountain", 0.7))
	c := NewCategorizer(st, &stubEmbedder{text: map[string][]float32{}}, 0.2, nil)

	summaries, err := c.Run(context.Background(), []string{"mountain"})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Error(t, summaries[0].Err)

	scores, err := c.Top("mountain", 0)
	require.NoError(t, err)
	assert.Equal(t, []domain.LabelScore{{ImageID: "dusk", Label: "mountain", Score: 0.7}}, scores)
}

func TestCategorizerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewCategorizer(newLabelStore(t), &stubEmbedder{}, 0.2, nil)

	summaries, err := c.Run(ctx, []string{"beach"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, summaries)
}
