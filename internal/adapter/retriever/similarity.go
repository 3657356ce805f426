package retriever

import (
	"context"
	"iter"
	"math"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"photosearch/internal/domain"
	"photosearch/internal/logging"
)

const (
	DefaultThreshold     = 0.25
	DefaultLimit         = 100
	DefaultPenaltyFactor = 1.2
)

// CandidateSource yields stored embeddings matching a filter.
type CandidateSource interface {
	Scan(filter domain.Filter) iter.Seq2[domain.Candidate, error]
}

// QueryVector is the embedding of one planned phrase.
type QueryVector struct {
	Phrase string
	Vector []float32
}

type SearchRequest struct {
	Queries   []QueryVector
	Filter    domain.Filter
	Threshold float64
	Limit     int // <= 0 means DefaultLimit

	// Penalty is the dislike centroid; empty means no penalty.
	Penalty       []float32
	PenaltyFactor float64
}

// NewSearchRequest returns a request with the default threshold, limit and
// penalty factor.
func NewSearchRequest(queries []QueryVector) SearchRequest {
	return SearchRequest{
		Queries:       queries,
		Threshold:     DefaultThreshold,
		Limit:         DefaultLimit,
		PenaltyFactor: DefaultPenaltyFactor,
	}
}

type SearchOutcome struct {
	Results []domain.SearchResult
	// Candidates is the number of rows the filter admitted.
	Candidates int
	// Matched is the number of rows at or above the threshold, before the cap.
	Matched int
	// Errors counts unreadable rows that were skipped.
	Errors int
}

// SimilarityEngine ranks stored photos by brute-force cosine similarity.
type SimilarityEngine struct {
	source CandidateSource
	log    *zap.Logger
}

func NewSimilarityEngine(source CandidateSource, log *zap.Logger) *SimilarityEngine {
	return &SimilarityEngine{source: source, log: logging.OrNop(log)}
}

func (e *SimilarityEngine) Search(ctx context.Context, req SearchRequest) (SearchOutcome, error) {
	var out SearchOutcome
	if len(req.Queries) == 0 {
		return out, nil
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	var results []domain.SearchResult
	for c, err := range e.source.Scan(req.Filter) {
		if err != nil {
			out.Errors++
			e.log.Warn("skipping unreadable candidate", zap.Error(err))
			continue
		}
		out.Candidates++
		if out.Candidates%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return out, errors.Wrap(err, "similarity search")
			}
		}

		base, best := math.Inf(-1), ""
		for _, q := range req.Queries {
			if s := CosineSimilarity(q.Vector, c.Embedding); s > base {
				base, best = s, q.Phrase
			}
		}

		var penalty float64
		if len(req.Penalty) > 0 {
			penalty = CosineSimilarity(req.Penalty, c.Embedding) * req.PenaltyFactor
		}
		score := base - penalty
		if score < req.Threshold {
			continue
		}

		results = append(results, domain.SearchResult{
			ID:         c.ID,
			URI:        c.URI,
			Score:      score,
			BaseScore:  base,
			Penalty:    penalty,
			BestPhrase: best,
			City:       c.City,
			Timestamp:  c.Timestamp,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	out.Matched = len(results)
	if len(results) > limit {
		results = results[:limit]
	}
	out.Results = results
	return out, nil
}

// CosineSimilarity returns dot(a,b)/(|a||b|) clamped to [-1, 1]. It is 0 when
// either norm is zero or the lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	s := dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
	switch {
	case math.IsNaN(s):
		return 0
	case s > 1:
		return 1
	case s < -1:
		return -1
	}
	return s
}
