package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"photosearch/internal/adapter/retriever"
	"photosearch/internal/domain"
	"photosearch/internal/logging"
	"photosearch/internal/port"
)

// PlannerConfig holds the planner's limits and ranking defaults.
type PlannerConfig struct {
	ExpansionTimeout time.Duration
	MaxPhrases       int
	Threshold        float64
	Limit            int
	PenaltyFactor    float64
}

func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		ExpansionTimeout: 8 * time.Second,
		MaxPhrases:       4,
		Threshold:        retriever.DefaultThreshold,
		Limit:            retriever.DefaultLimit,
		PenaltyFactor:    retriever.DefaultPenaltyFactor,
	}
}

// SearchOptions override planned filters and ranking defaults. Nil fields
// keep the planned or configured value.
type SearchOptions struct {
	City      *string
	From      *int64
	To        *int64
	Threshold *float64
	Limit     int
}

// QueryPlanner turns raw queries into phrases and filters and runs them
// against the similarity engine.
type QueryPlanner struct {
	engine      *retriever.SimilarityEngine
	embedder    port.EmbeddingProvider
	prefs       *PreferenceModel
	expander    port.PhraseExpander
	transcriber port.Transcriber
	cfg         PlannerConfig
	log         *zap.Logger
}

type PlannerOption func(*QueryPlanner)

func WithExpander(e port.PhraseExpander) PlannerOption {
	return func(q *QueryPlanner) { q.expander = e }
}

func WithTranscriber(t port.Transcriber) PlannerOption {
	return func(q *QueryPlanner) { q.transcriber = t }
}

func WithPlannerLogger(log *zap.Logger) PlannerOption {
	return func(q *QueryPlanner) { q.log = log }
}

func NewQueryPlanner(engine *retriever.SimilarityEngine, embedder port.EmbeddingProvider, prefs *PreferenceModel, cfg PlannerConfig, opts ...PlannerOption) *QueryPlanner {
	def := DefaultPlannerConfig()
	if cfg.ExpansionTimeout <= 0 {
		cfg.ExpansionTimeout = def.ExpansionTimeout
	}
	if cfg.MaxPhrases <= 0 {
		cfg.MaxPhrases = def.MaxPhrases
	}
	if cfg.Limit <= 0 {
		cfg.Limit = def.Limit
	}
	q := &QueryPlanner{
		engine:   engine,
		embedder: embedder,
		prefs:    prefs,
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.log = logging.OrNop(q.log)
	return q
}

// Plan asks the expander for phrases and filters. Any failure, including a
// timeout, yields a literal single-phrase plan without filters.
func (q *QueryPlanner) Plan(ctx context.Context, raw string) domain.QueryPlan {
	raw = strings.TrimSpace(raw)
	literal := domain.QueryPlan{Phrases: []string{raw}, Fallback: true}
	if raw == "" {
		return domain.QueryPlan{Phrases: []string{}, Fallback: true}
	}
	if q.expander == nil {
		return literal
	}

	exp, err := q.expand(ctx, raw)
	if err != nil {
		q.log.Warn("query expansion failed, using literal query", zap.String("query", raw), zap.Error(err))
		return literal
	}

	phrases := cleanPhrases(exp.Phrases, q.cfg.MaxPhrases)
	if len(phrases) == 0 {
		q.log.Warn("query expansion returned no phrases, using literal query", zap.String("query", raw))
		return literal
	}
	if tr := exp.TimeRange; tr != nil && tr.Start != nil && tr.End != nil && *tr.Start > *tr.End {
		q.log.Warn("query expansion returned an inverted time range, using literal query", zap.String("query", raw))
		return literal
	}

	plan := domain.QueryPlan{Phrases: phrases}
	if exp.City != nil && strings.TrimSpace(*exp.City) != "" {
		city := strings.TrimSpace(*exp.City)
		plan.Filter.City = &city
	}
	if exp.TimeRange != nil && (exp.TimeRange.Start != nil || exp.TimeRange.End != nil) {
		tr := *exp.TimeRange
		plan.Filter.TimeRange = &tr
	}
	return plan
}

// expand bounds the expander call even when it ignores ctx.
func (q *QueryPlanner) expand(ctx context.Context, raw string) (domain.Expansion, error) {
	ctx, cancel := context.WithTimeout(ctx, q.cfg.ExpansionTimeout)
	defer cancel()

	type reply struct {
		exp domain.Expansion
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		exp, err := q.expander.Expand(ctx, raw)
		ch <- reply{exp, err}
	}()

	select {
	case r := <-ch:
		return r.exp, r.err
	case <-ctx.Done():
		return domain.Expansion{}, errors.Wrap(ctx.Err(), "query expansion")
	}
}

func cleanPhrases(in []string, limit int) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.Join(strings.Fields(p), " ")
		key := strings.ToLower(p)
		if p == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
		if len(out) == limit {
			break
		}
	}
	return out
}

func (q *QueryPlanner) Search(ctx context.Context, raw string) domain.SearchResponse {
	return q.SearchWithOptions(ctx, raw, SearchOptions{})
}

// SearchWithOptions never fails for a query; problems are reported in the
// response message with an empty result set.
func (q *QueryPlanner) SearchWithOptions(ctx context.Context, raw string, opts SearchOptions) domain.SearchResponse {
	resp := domain.SearchResponse{
		Query:       strings.TrimSpace(raw),
		Results:     []domain.SearchResult{},
		PhrasesUsed: []string{},
	}
	plan := q.Plan(ctx, raw)
	if len(plan.Phrases) == 0 {
		resp.Message = "empty query"
		return resp
	}
	filter := mergeFilter(plan.Filter, opts)

	queries := make([]retriever.QueryVector, 0, len(plan.Phrases))
	for _, phrase := range plan.Phrases {
		vec, err := q.embedder.EmbedText(ctx, phrase)
		if err != nil || len(vec) == 0 {
			q.log.Warn("skipping phrase", zap.String("phrase", phrase), zap.Error(err))
			continue
		}
		queries = append(queries, retriever.QueryVector{Phrase: phrase, Vector: vec})
		resp.PhrasesUsed = append(resp.PhrasesUsed, phrase)
	}
	if len(queries) == 0 {
		resp.Message = "no phrase could be embedded"
		return resp
	}

	req := retriever.NewSearchRequest(queries)
	req.Filter = filter
	req.Threshold = q.cfg.Threshold
	req.Limit = q.cfg.Limit
	req.PenaltyFactor = q.cfg.PenaltyFactor
	if opts.Threshold != nil {
		req.Threshold = *opts.Threshold
	}
	if opts.Limit > 0 {
		req.Limit = opts.Limit
	}
	if q.prefs != nil {
		centroid, err := q.prefs.DislikeCentroid()
		if err != nil {
			q.log.Warn("dislike centroid unavailable", zap.Error(err))
		}
		req.Penalty = centroid
	}

	out, err := q.engine.Search(ctx, req)
	if err != nil {
		q.log.Error("similarity search failed", zap.Error(err))
		resp.Message = "search failed: " + err.Error()
		return resp
	}

	resp.Results = append(resp.Results, out.Results...)
	resp.Message = fmt.Sprintf("matched %d of %d candidates", out.Matched, out.Candidates)
	if out.Errors > 0 {
		resp.Message += fmt.Sprintf(", %d unreadable", out.Errors)
	}
	if plan.Fallback && q.expander != nil {
		resp.Message += " (literal search)"
	}
	return resp
}

// SearchSpeech transcribes a recorded query and searches for the text.
func (q *QueryPlanner) SearchSpeech(ctx context.Context, audioPath string, opts SearchOptions) (domain.SearchResponse, error) {
	if q.transcriber == nil {
		return domain.SearchResponse{}, errors.New("speech input is not configured")
	}
	text, err := q.transcriber.Transcribe(ctx, audioPath)
	if err != nil {
		return domain.SearchResponse{}, errors.Wrap(err, "transcribe query")
	}
	q.log.Debug("speech query transcribed", zap.String("text", text))
	return q.SearchWithOptions(ctx, text, opts), nil
}

func mergeFilter(planned domain.Filter, opts SearchOptions) domain.Filter {
	f := planned
	if opts.City != nil {
		city := strings.TrimSpace(*opts.City)
		f.City = &city
	}
	if opts.From != nil || opts.To != nil {
		var tr domain.TimeRange
		if f.TimeRange != nil {
			tr = *f.TimeRange
		}
		if opts.From != nil {
			tr.Start = opts.From
		}
		if opts.To != nil {
			tr.End = opts.To
		}
		f.TimeRange = &tr
	}
	return f
}
