package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"photosearch/internal/adapter/memstore"
	"photosearch/internal/adapter/retriever"
	"photosearch/internal/domain"
)

type plannerFixture struct {
	store *memstore.MemoryStore
	emb   *stubEmbedder
	prefs *PreferenceModel
}

func newPlannerFixture(t *testing.T) *plannerFixture {
	t.Helper()
	st := memstore.NewMemoryStore()
	entries := []domain.IndexEntry{
		{ID: "photo1", URI: "/p/1.jpg", Embedding: []float32{1, 0, 0}, City: ptr("Paris"), Timestamp: 100},
		{ID: "photo2", URI: "/p/2.jpg", Embedding: []float32{0, 1, 0}, Timestamp: 200},
		{ID: "photo3", URI: "/p/3.jpg", Embedding: []float32{0.9, 0.1, 0}, City: ptr("Lyon"), Timestamp: 300},
		{ID: "photo4", URI: "/p/4.jpg", Embedding: []float32{0.6, 0, 0.8}, Timestamp: 400},
	}
	for _, e := range entries {
		require.NoError(t, st.UpsertIndexEntry(e))
	}
	return &plannerFixture{
		store: st,
		emb: &stubEmbedder{text: map[string][]float32{
			"beach":  {1, 0, 0},
			"sunset": {0, 1, 0},
		}},
		prefs: NewPreferenceModel(st, nil),
	}
}

func (f *plannerFixture) planner(cfg PlannerConfig, opts ...PlannerOption) *QueryPlanner {
	return NewQueryPlanner(retriever.NewSimilarityEngine(f.store, nil), f.emb, f.prefs, cfg, opts...)
}

func resultIDs(resp domain.SearchResponse) []string {
	ids := make([]string, 0, len(resp.Results))
	for _, r := range resp.Results {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestPlanFallsBackToLiteralQuery(t *testing.T) {
	f := newPlannerFixture(t)
	literal := domain.QueryPlan{Phrases: []string{"sunset"}, Fallback: true}

	t.Run("no expander", func(t *testing.T) {
		assert.Equal(t, literal, f.planner(DefaultPlannerConfig()).Plan(context.Background(), " sunset "))
	})

	t.Run("malformed expansion", func(t *testing.T) {
		q := f.planner(DefaultPlannerConfig(), WithExpander(stubExpander(func(context.Context, string) (domain.Expansion, error) {
			return domain.Expansion{}, errors.New("invalid character 'S' looking for beginning of value")
		})))
		plan := q.Plan(context.Background(), "sunset")
		assert.Equal(t, literal, plan)
		assert.True(t, plan.Filter.IsEmpty())
	})

	t.Run("no usable phrases", func(t *testing.T) {
		q := f.planner(DefaultPlannerConfig(), WithExpander(stubExpander(func(context.Context, string) (domain.Expansion, error) {
			return domain.Expansion{Phrases: []string{" ", ""}, City: ptr("Paris")}, nil
		})))
		assert.Equal(t, literal, q.Plan(context.Background(), "sunset"))
	})

	t.Run("inverted time range", func(t *testing.T) {
		q := f.planner(DefaultPlannerConfig(), WithExpander(stubExpander(func(context.Context, string) (domain.Expansion, error) {
			return domain.Expansion{
				Phrases:   []string{"sunset over water"},
				TimeRange: &domain.TimeRange{Start: ptr(int64(500)), End: ptr(int64(100))},
			}, nil
		})))
		assert.Equal(t, literal, q.Plan(context.Background(), "sunset"))
	})

	t.Run("expander ignores deadline", func(t *testing.T) {
		block := make(chan struct{})
		defer close(block)
		cfg := DefaultPlannerConfig()
		cfg.ExpansionTimeout = 20 * time.Millisecond
		q := f.planner(cfg, WithExpander(stubExpander(func(context.Context, string) (domain.Expansion, error) {
			<-block
			return domain.Expansion{Phrases: []string{"late"}}, nil
		})))

		start := time.Now()
		assert.Equal(t, literal, q.Plan(context.Background(), "sunset"))
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("empty query", func(t *testing.T) {
		plan := f.planner(DefaultPlannerConfig()).Plan(context.Background(), "   ")
		assert.Empty(t, plan.Phrases)
		assert.NotNil(t, plan.Phrases)
	})
}

func TestPlanCleansExpansion(t *testing.T) {
	f := newPlannerFixture(t)
	cfg := DefaultPlannerConfig()
	cfg.MaxPhrases = 2
	q := f.planner(cfg, WithExpander(stubExpander(func(_ context.Context, text string) (domain.Expansion, error) {
		return domain.Expansion{
			Phrases:   []string{"beach", " Beach ", "sunset   at sea", "dunes"},
			City:      ptr(" Lyon "),
			TimeRange: &domain.TimeRange{Start: ptr(int64(10))},
		}, nil
	})))

	plan := q.Plan(context.Background(), "beach trip in lyon")
	assert.False(t, plan.Fallback)
	assert.Equal(t, []string{"beach", "sunset at sea"}, plan.Phrases)
	require.NotNil(t, plan.Filter.City)
	assert.Equal(t, "Lyon", *plan.Filter.City)
	require.NotNil(t, plan.Filter.TimeRange)
	assert.Equal(t, int64(10), *plan.Filter.TimeRange.Start)
	assert.Nil(t, plan.Filter.TimeRange.End)
}

func TestSearchRanksByBestPhrase(t *testing.T) {
	f := newPlannerFixture(t)
	resp := f.planner(DefaultPlannerConfig()).Search(context.Background(), "beach")

	assert.Equal(t, "beach", resp.Query)
	assert.Equal(t, []string{"photo1", "photo3", "photo4"}, resultIDs(resp))
	assert.InDelta(t, 1.0, resp.Results[0].Score, 1e-6)
	assert.InDelta(t, 0.9939, resp.Results[1].Score, 1e-4)
	assert.Equal(t, "beach", resp.Results[0].BestPhrase)
	assert.Equal(t, "Paris", resp.Results[0].City)
	assert.Equal(t, []string{"beach"}, resp.PhrasesUsed)
	assert.Equal(t, "matched 3 of 4 candidates", resp.Message)
}

func TestSearchAppliesExpandedFilter(t *testing.T) {
	f := newPlannerFixture(t)
	q := f.planner(DefaultPlannerConfig(), WithExpander(stubExpander(func(context.Context, string) (domain.Expansion, error) {
		return domain.Expansion{Phrases: []string{"beach", "sunset"}, City: ptr("lyon")}, nil
	})))

	resp := q.Search(context.Background(), "beach in lyon")
	assert.Equal(t, []string{"photo3"}, resultIDs(resp))
	assert.Equal(t, "beach", resp.Results[0].BestPhrase)
	assert.Equal(t, []string{"beach", "sunset"}, resp.PhrasesUsed)
	assert.Equal(t, "matched 1 of 1 candidates", resp.Message)
}

func TestSearchOptionsOverridePlan(t *testing.T) {
	f := newPlannerFixture(t)
	q := f.planner(DefaultPlannerConfig())
	ctx := context.Background()

	resp := q.SearchWithOptions(ctx, "beach", SearchOptions{City: ptr("PARIS")})
	assert.Equal(t, []string{"photo1"}, resultIDs(resp))

	resp = q.SearchWithOptions(ctx, "beach", SearchOptions{Threshold: ptr(0.95)})
	assert.Equal(t, []string{"photo1", "photo3"}, resultIDs(resp))

	resp = q.SearchWithOptions(ctx, "beach", SearchOptions{Limit: 1})
	assert.Equal(t, []string{"photo1"}, resultIDs(resp))
	assert.Equal(t, "matched 3 of 4 candidates", resp.Message)

	resp = q.SearchWithOptions(ctx, "beach", SearchOptions{From: ptr(int64(250))})
	assert.Equal(t, []string{"photo3", "photo4"}, resultIDs(resp))

	resp = q.SearchWithOptions(ctx, "beach", SearchOptions{From: ptr(int64(150)), To: ptr(int64(350))})
	assert.Equal(t, []string{"photo3"}, resultIDs(resp))
}

func TestSearchPenalizesDislikedPhotos(t *testing.T) {
	f := newPlannerFixture(t)
	q := f.planner(DefaultPlannerConfig())

	before := q.Search(context.Background(), "beach")
	assert.Contains(t, resultIDs(before), "photo4")

	ok, err := f.prefs.RecordFeedback("photo4", domain.TagDislike)
	require.NoError(t, err)
	require.True(t, ok)

	after := q.Search(context.Background(), "beach")
	assert.Equal(t, []string{"photo1", "photo3"}, resultIDs(after))
	assert.InDelta(t, 0.72, after.Results[0].Penalty, 1e-6)
	assert.InDelta(t, 0.28, after.Results[0].Score, 1e-6)
}

func TestSearchReportsProblemsInMessage(t *testing.T) {
	f := newPlannerFixture(t)

	t.Run("empty", func(t *testing.T) {
		resp := f.planner(DefaultPlannerConfig()).Search(context.Background(), "  ")
		assert.Equal(t, "empty query", resp.Message)
		assert.NotNil(t, resp.Results)
		assert.Empty(t, resp.Results)
	})

	t.Run("nothing embeddable", func(t *testing.T) {
		resp := f.planner(DefaultPlannerConfig()).Search(context.Background(), "zebra crossing")
		assert.Equal(t, "no phrase could be embedded", resp.Message)
		assert.Empty(t, resp.Results)
		assert.Empty(t, resp.PhrasesUsed)
	})

	t.Run("literal fallback", func(t *testing.T) {
		q := f.planner(DefaultPlannerConfig(), WithExpander(stubExpander(func(context.Context, string) (domain.Expansion, error) {
			return domain.Expansion{}, errors.New("offline")
		})))
		resp := q.Search(context.Background(), "sunset")
		assert.Equal(t, []string{"photo2"}, resultIDs(resp))
		assert.Equal(t, "matched 1 of 4 candidates (literal search)", resp.Message)
	})
}

func TestSearchSpeech(t *testing.T) {
	f := newPlannerFixture(t)
	ctx := context.Background()

	_, err := f.planner(DefaultPlannerConfig()).SearchSpeech(ctx, "query.m4a", SearchOptions{})
	assert.Error(t, err)

	q := f.planner(DefaultPlannerConfig(), WithTranscriber(stubTranscriber{text: "beach"}))
	resp, err := q.SearchSpeech(ctx, "query.m4a", SearchOptions{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, "beach", resp.Query)
	assert.Equal(t, []string{"photo1"}, resultIDs(resp))

	q = f.planner(DefaultPlannerConfig(), WithTranscriber(stubTranscriber{err: errors.New("silence")}))
	_, err = q.SearchSpeech(ctx, "query.m4a", SearchOptions{})
	assert.ErrorContains(t, err, "silence")
}
