package domain

import "strings"

// Feedback tags with special meaning to the ranking engine.
const (
	TagLike    = "Like"
	TagDislike = "Dislike"
)

type PhotoRecord struct {
	ID        string
	URI       string
	CreatedAt int64 // epoch milliseconds
}

type GeoPoint struct {
	Latitude  float64
	Longitude float64
}

// IndexEntry is the persisted projection of a photo that was embedded
// successfully.
type IndexEntry struct {
	ID        string
	URI       string
	Embedding []float32
	Latitude  *float64
	Longitude *float64
	City      *string
	Timestamp int64
}

type LabelScore struct {
	ImageID string
	Label   string
	Score   float64
}

type PreferenceEntry struct {
	ImageID   string
	Tag       string
	Embedding []float32
}

// Candidate is a row produced by a store scan.
type Candidate struct {
	ID        string
	URI       string
	Embedding []float32
	City      string
	Timestamp int64
}

// TimeRange bounds are inclusive epoch milliseconds; nil means unbounded.
type TimeRange struct {
	Start *int64
	End   *int64
}

func (r TimeRange) Contains(ts int64) bool {
	if r.Start != nil && ts < *r.Start {
		return false
	}
	if r.End != nil && ts > *r.End {
		return false
	}
	return true
}

// Filter restricts a scan. The zero value matches everything.
type Filter struct {
	City      *string
	TimeRange *TimeRange
}

func (f Filter) IsEmpty() bool {
	return (f.City == nil || *f.City == "") && (f.TimeRange == nil || (f.TimeRange.Start == nil && f.TimeRange.End == nil))
}

func (f Filter) Matches(c Candidate) bool {
	if f.City != nil && *f.City != "" && !strings.EqualFold(strings.TrimSpace(*f.City), c.City) {
		return false
	}
	if f.TimeRange != nil && !f.TimeRange.Contains(c.Timestamp) {
		return false
	}
	return true
}

type Stage string

const (
	StageModelWarmup Stage = "model_warmup"
	StageIndexing    Stage = "indexing"
)

type IndexingProgress struct {
	Total         int     `json:"total"`
	Processed     int     `json:"processed"`
	Stage         Stage   `json:"stage"`
	StageProgress float64 `json:"stage_progress"`
	Current       string  `json:"current,omitempty"`
	LastIndexedAt int64   `json:"last_indexed_at,omitempty"`
}

// Expansion is what a phrase-expansion collaborator returns for free text.
type Expansion struct {
	Phrases   []string
	City      *string
	TimeRange *TimeRange
}

type QueryPlan struct {
	Phrases  []string
	Filter   Filter
	Fallback bool
}

type SearchResult struct {
	ID         string  `json:"id"`
	URI        string  `json:"uri"`
	Score      float64 `json:"score"`
	BaseScore  float64 `json:"base_score"`
	Penalty    float64 `json:"penalty,omitempty"`
	BestPhrase string  `json:"best_phrase,omitempty"`
	City       string  `json:"city,omitempty"`
	Timestamp  int64   `json:"timestamp"`
}

type SearchResponse struct {
	Query       string         `json:"query"`
	Results     []SearchResult `json:"results"`
	PhrasesUsed []string       `json:"phrases_used"`
	Message     string         `json:"message"`
}
