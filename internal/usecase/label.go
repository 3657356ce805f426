package usecase

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"photosearch/internal/adapter/retriever"
	"photosearch/internal/domain"
	"photosearch/internal/logging"
	"photosearch/internal/port"
)

// Categorizer scores every indexed photo against label phrases and stores
// the scores. Re-running a label replaces its previous scores.
type Categorizer struct {
	store    port.VectorStore
	embedder port.EmbeddingProvider
	minScore float64
	log      *zap.Logger
}

func NewCategorizer(store port.VectorStore, embedder port.EmbeddingProvider, minScore float64, log *zap.Logger) *Categorizer {
	return &Categorizer{
		store:    store,
		embedder: embedder,
		minScore: minScore,
		log:      logging.OrNop(log),
	}
}

type LabelSummary struct {
	Label   string
	Scanned int
	Stored  int
	Err     error
}

// Run categorizes all labels. A label whose phrase cannot be embedded is
// reported in its summary and left untouched in the store.
func (c *Categorizer) Run(ctx context.Context, labels []string) ([]LabelSummary, error) {
	summaries := make([]LabelSummary, 0, len(labels))
	for _, label := range labels {
		if err := ctx.Err(); err != nil {
			return summaries, err
		}
		s, err := c.runLabel(ctx, label)
		if err != nil {
			return summaries, err
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}

type labelHit struct {
	id    string
	score float64
}

func (c *Categorizer) runLabel(ctx context.Context, label string) (LabelSummary, error) {
	summary := LabelSummary{Label: label}
	vec, err := c.embedder.EmbedText(ctx, label)
	if err != nil || len(vec) == 0 {
		c.log.Warn("skipping label", zap.String("label", label), zap.Error(err))
		summary.Err = err
		if summary.Err == nil {
			summary.Err = errors.New("empty embedding")
		}
		return summary, nil
	}

	var hits []labelHit
	for cand, err := range c.store.Scan(domain.Filter{}) {
		if err != nil {
			c.log.Warn("skipping unreadable entry", zap.Error(err))
			continue
		}
		summary.Scanned++
		score := max(0, min(1, retriever.CosineSimilarity(vec, cand.Embedding)))
		if score >= c.minScore {
			hits = append(hits, labelHit{id: cand.ID, score: score})
		}
	}

	if err := c.store.BeginBatch(); err != nil {
		return summary, errors.Wrap(err, "begin label batch")
	}
	if err := c.writeLabel(label, hits); err != nil {
		if rerr := c.store.RollbackBatch(); rerr != nil {
			c.log.Error("rollback label batch failed", zap.Error(rerr))
		}
		return summary, errors.Wrapf(err, "store label %s", label)
	}
	if err := c.store.CommitBatch(); err != nil {
		_ = c.store.RollbackBatch()
		return summary, errors.Wrapf(err, "commit label %s", label)
	}

	summary.Stored = len(hits)
	c.log.Info("label scored", zap.String("label", label), zap.Int("scanned", summary.Scanned), zap.Int("stored", summary.Stored))
	return summary, nil
}

func (c *Categorizer) writeLabel(label string, hits []labelHit) error {
	if err := c.store.ClearLabels(label); err != nil {
		return err
	}
	for _, h := range hits {
		if err := c.store.InsertLabelScore(h.id, label, h.score); err != nil {
			return err
		}
	}
	return nil
}

// Top returns up to n photos with the highest score for label.
func (c *Categorizer) Top(label string, n int) ([]domain.LabelScore, error) {
	scores, err := c.store.LabelScores(label)
	if err != nil {
		return nil, errors.Wrapf(err, "load label %s", label)
	}
	if n > 0 && len(scores) > n {
		scores = scores[:n]
	}
	return scores, nil
}
