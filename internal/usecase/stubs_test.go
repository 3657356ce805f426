package usecase

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"photosearch/internal/domain"
	"photosearch/internal/port"
)

type stubSource struct {
	photos    []domain.PhotoRecord
	locations map[string]*domain.GeoPoint
	err       error
}

func (s *stubSource) ListAll(ctx context.Context) ([]domain.PhotoRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	return append([]domain.PhotoRecord(nil), s.photos...), nil
}

func (s *stubSource) AssetLocation(ctx context.Context, id string) (*domain.GeoPoint, error) {
	return s.locations[id], nil
}

func photos(n int) []domain.PhotoRecord {
	out := make([]domain.PhotoRecord, n)
	for i := range out {
		out[i] = domain.PhotoRecord{
			ID:        fmt.Sprintf("photo%02d", i+1),
			URI:       fmt.Sprintf("/library/IMG_%04d.jpg", i+1),
			CreatedAt: int64(1_700_000_000_000 + i),
		}
	}
	return out
}

// stubEmbedder embeds images through imageFn and text through a lookup table.
type stubEmbedder struct {
	mu      sync.Mutex
	calls   []string
	imageFn func(call int, path string) ([]float32, error)
	text    map[string][]float32
	textErr error
}

func (e *stubEmbedder) EmbedImage(ctx context.Context, path string) ([]float32, error) {
	e.mu.Lock()
	e.calls = append(e.calls, path)
	call := len(e.calls)
	e.mu.Unlock()
	if e.imageFn == nil {
		return []float32{1, 0, 0}, nil
	}
	return e.imageFn(call, path)
}

func (e *stubEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if e.textErr != nil {
		return nil, e.textErr
	}
	v, ok := e.text[text]
	if !ok {
		return nil, port.NewEmbedError(port.EmbedUnsupported, "embed text", errors.Errorf("no vector for %q", text))
	}
	return v, nil
}

func (e *stubEmbedder) Dimension() int    { return 3 }
func (e *stubEmbedder) ModelName() string { return "stub" }

func (e *stubEmbedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type stubWarmer struct {
	mu    sync.Mutex
	warms int
	err   error
}

func (w *stubWarmer) Warm(ctx context.Context, report func(float64)) error {
	w.mu.Lock()
	w.warms++
	w.mu.Unlock()
	if report != nil {
		report(0.5)
	}
	return w.err
}

func (w *stubWarmer) Name() string { return "stub encoder" }

func (w *stubWarmer) Warms() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.warms
}

type stubLegacy map[string]struct{}

func (l stubLegacy) IndexedIDs() (map[string]struct{}, error) { return l, nil }

type stubGeocoder struct {
	city string
	err  error
}

func (g stubGeocoder) ReverseGeocode(ctx context.Context, lat, lon float64) (string, error) {
	return g.city, g.err
}

type stubExpander func(ctx context.Context, text string) (domain.Expansion, error)

func (f stubExpander) Expand(ctx context.Context, text string) (domain.Expansion, error) {
	return f(ctx, text)
}

type stubTranscriber struct {
	text string
	err  error
}

func (t stubTranscriber) Transcribe(ctx context.Context, path string) (string, error) {
	return t.text, t.err
}

// failingStore fails the failAt-th UpsertIndexEntry call.
type failingStore struct {
	port.VectorStore
	mu      sync.Mutex
	upserts int
	failAt  int
}

func (s *failingStore) UpsertIndexEntry(entry domain.IndexEntry) error {
	s.mu.Lock()
	s.upserts++
	n := s.upserts
	s.mu.Unlock()
	if n == s.failAt {
		return errors.New("disk full")
	}
	return s.VectorStore.UpsertIndexEntry(entry)
}

func ptr[T any](v T) *T { return &v }
