package embedding

import (
	"context"
	"encoding/json"
	"image/color"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"photosearch/config"
	"photosearch/internal/port"
)

// slowProvider records how many image calls overlap.
type slowProvider struct {
	delay    time.Duration
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	gate     chan struct{}

	mu    sync.Mutex
	order []string
}

func (p *slowProvider) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return []float32{1}, nil
}

func (p *slowProvider) EmbedImage(ctx context.Context, path string) ([]float32, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		m := p.maxSeen.Load()
		if n <= m || p.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if p.gate != nil {
		<-p.gate
	}
	time.Sleep(p.delay)
	p.mu.Lock()
	p.order = append(p.order, path)
	p.mu.Unlock()
	return []float32{1, 0}, nil
}

func (p *slowProvider) Dimension() int    { return 2 }
func (p *slowProvider) ModelName() string { return "slow" }

func TestImageQueueSerializesCalls(t *testing.T) {
	inner := &slowProvider{delay: 2 * time.Millisecond}
	q := NewImageQueue(inner, nil)
	defer q.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vec, err := q.EmbedImage(context.Background(), "p")
			assert.NoError(t, err)
			assert.Equal(t, []float32{1, 0}, vec)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), inner.maxSeen.Load())
}

func TestImageQueueIsFIFO(t *testing.T) {
	inner := &slowProvider{gate: make(chan struct{})}
	q := NewImageQueue(inner, nil)
	defer q.Close()

	var wg sync.WaitGroup
	submit := func(path string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.EmbedImage(context.Background(), path)
			assert.NoError(t, err)
		}()
	}

	// The first request occupies the worker until the gate opens.
	submit("a")
	require.Eventually(t, func() bool { return inner.inFlight.Load() == 1 }, time.Second, time.Millisecond)
	for i, path := range []string{"b", "c", "d", "e"} {
		submit(path)
		want := i + 1
		require.Eventually(t, func() bool { return q.Queued() == want }, time.Second, time.Millisecond)
	}

	close(inner.gate)
	wg.Wait()
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, inner.order)
}

func TestImageQueueCancelledWhileWaiting(t *testing.T) {
	inner := &slowProvider{gate: make(chan struct{})}
	q := NewImageQueue(inner, nil)
	defer q.Close()

	go func() { _, _ = q.EmbedImage(context.Background(), "busy") }()
	require.Eventually(t, func() bool { return inner.inFlight.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := q.EmbedImage(ctx, "waiting")
		errc <- err
	}()
	require.Eventually(t, func() bool { return q.Queued() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	close(inner.gate)
	require.Eventually(t, func() bool { return q.Queued() == 0 && inner.inFlight.Load() == 0 }, time.Second, time.Millisecond)
	// the abandoned request never reached the provider
	inner.mu.Lock()
	defer inner.mu.Unlock()
	assert.Equal(t, []string{"busy"}, inner.order)
}

func TestImageQueueClosed(t *testing.T) {
	q := NewImageQueue(&slowProvider{}, nil)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	_, err := q.EmbedImage(context.Background(), "p")
	assert.ErrorIs(t, err, ErrQueueClosed)

	vec, err := q.EmbedText(context.Background(), "text passes through")
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, vec)
}

// warmingProvider warms up by running a real image inference.
type warmingProvider struct {
	*slowProvider
}

func (p warmingProvider) Warm(ctx context.Context, report func(float64)) error {
	_, err := p.EmbedImage(ctx, "warm")
	if report != nil {
		report(1)
	}
	return err
}

func (p warmingProvider) Name() string { return "slow encoder" }

func TestImageQueueSerializesWarmWithEmbeddings(t *testing.T) {
	inner := &slowProvider{delay: 2 * time.Millisecond}
	q := NewImageQueue(warmingProvider{inner}, nil)
	defer q.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := q.EmbedImage(context.Background(), "p")
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			var reported float64
			assert.NoError(t, q.Warm(context.Background(), func(f float64) { reported = f }))
			assert.Equal(t, 1.0, reported)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), inner.maxSeen.Load())
	assert.Len(t, inner.order, 16)
}

func TestImageQueueWarmWaitsItsTurn(t *testing.T) {
	inner := &slowProvider{gate: make(chan struct{})}
	q := NewImageQueue(warmingProvider{inner}, nil)
	defer q.Close()

	go func() { _, _ = q.EmbedImage(context.Background(), "first") }()
	require.Eventually(t, func() bool { return inner.inFlight.Load() == 1 }, time.Second, time.Millisecond)

	warmed := make(chan error, 1)
	go func() { warmed <- q.Warm(context.Background(), nil) }()
	require.Eventually(t, func() bool { return q.Queued() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), inner.inFlight.Load())

	close(inner.gate)
	require.NoError(t, <-warmed)
	inner.mu.Lock()
	defer inner.mu.Unlock()
	assert.Equal(t, []string{"first", "warm"}, inner.order)
}

func TestImageQueueWarmWithoutWarmer(t *testing.T) {
	q := NewImageQueue(&slowProvider{}, nil)
	defer q.Close()

	var reported float64
	require.NoError(t, q.Warm(context.Background(), func(f float64) { reported = f }))
	assert.Equal(t, 1.0, reported)
}

func TestImageQueueCloseReleasesLateJob(t *testing.T) {
	// No worker: the job sits in the buffer as if it was sent after the
	// worker drained.
	q := &ImageQueue{
		inner: &slowProvider{},
		jobs:  make(chan imageJob, 1),
		done:  make(chan struct{}),
	}

	errc := make(chan error, 1)
	go func() {
		_, err := q.EmbedImage(context.Background(), "late")
		errc <- err
	}()
	require.Eventually(t, func() bool { return q.Queued() == 1 }, time.Second, time.Millisecond)
	close(q.done)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("EmbedImage blocked after close")
	}
}

func writeImage(t *testing.T, dir, name string, c color.Color) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, imaging.Save(imaging.New(32, 24, c), path))
	return path
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func TestDeterministicImage(t *testing.T) {
	dir := t.TempDir()
	red := writeImage(t, dir, "red.png", color.NRGBA{R: 255, A: 255})
	blue := writeImage(t, dir, "blue.jpg", color.NRGBA{B: 255, A: 255})

	p := NewDeterministicProvider(64)
	a1, err := p.EmbedImage(context.Background(), red)
	require.NoError(t, err)
	a2, err := p.EmbedImage(context.Background(), red)
	require.NoError(t, err)
	b, err := p.EmbedImage(context.Background(), blue)
	require.NoError(t, err)

	assert.Len(t, a1, 64)
	assert.Equal(t, a1, a2)
	assert.InDelta(t, 1.0, norm(a1), 1e-5)
	assert.NotEqual(t, a1, b)
}

func TestDeterministicImageUnsupported(t *testing.T) {
	dir := t.TempDir()
	notImage := filepath.Join(dir, "notes.jpg")
	require.NoError(t, os.WriteFile(notImage, []byte("plain text"), 0o644))

	p := NewDeterministicProvider(16)
	for _, path := range []string{notImage, filepath.Join(dir, "missing.png")} {
		_, err := p.EmbedImage(context.Background(), path)
		kind, ok := port.EmbedErrorKindOf(err)
		require.True(t, ok, path)
		assert.Equal(t, port.EmbedUnsupported, kind)
	}
}

func TestDeterministicText(t *testing.T) {
	p := NewDeterministicProvider(256)
	ctx := context.Background()

	a, err := p.EmbedText(ctx, "sunset over the beach")
	require.NoError(t, err)
	again, err := p.EmbedText(ctx, "Sunset over the beach!")
	require.NoError(t, err)
	near, err := p.EmbedText(ctx, "beach sunset")
	require.NoError(t, err)
	far, err := p.EmbedText(ctx, "snowy mountain cabin")
	require.NoError(t, err)

	assert.Equal(t, a, again)
	assert.Greater(t, dot(a, near), dot(a, far))

	_, err = p.EmbedText(ctx, "  !! ")
	kind, _ := port.EmbedErrorKindOf(err)
	assert.Equal(t, port.EmbedUnsupported, kind)
}

func embeddingServer(t *testing.T, status int, inputs *[]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		assert.NoError(t, json.Unmarshal(body, &req))
		if inputs != nil {
			*inputs = append(*inputs, req.Input...)
		}

		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"server_error"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"object":"list","model":"clip","data":[{"object":"embedding","index":0,"embedding":[0.5,-0.25]}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestOpenAI(t *testing.T, srv *httptest.Server) *OpenAIProvider {
	t.Helper()
	t.Setenv("PHOTOSEARCH_TEST_KEY", "sk-test")
	p, err := NewOpenAIProvider(config.EmbeddingConfig{
		Model:     "clip",
		BaseURL:   srv.URL + "/v1",
		APIKeyEnv: "PHOTOSEARCH_TEST_KEY",
		Dimension: 2,
		Timeout:   5 * time.Second,
	})
	require.NoError(t, err)
	return p
}

func TestOpenAIProviderEmbedsImageAsDataURI(t *testing.T) {
	var inputs []string
	p := newTestOpenAI(t, embeddingServer(t, http.StatusOK, &inputs))
	path := writeImage(t, t.TempDir(), "x.png", color.White)

	vec, err := p.EmbedImage(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -0.25}, vec)
	require.Len(t, inputs, 1)
	assert.True(t, strings.HasPrefix(inputs[0], "data:image/png;base64,"))

	vec, err = p.EmbedText(context.Background(), "beach")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -0.25}, vec)
	assert.Equal(t, "beach", inputs[1])
}

func TestOpenAIProviderErrorKinds(t *testing.T) {
	path := writeImage(t, t.TempDir(), "x.png", color.Black)
	cases := []struct {
		status int
		want   port.EmbedErrorKind
	}{
		{http.StatusServiceUnavailable, port.EmbedModelNotReady},
		{http.StatusTooManyRequests, port.EmbedTransient},
		{http.StatusBadGateway, port.EmbedTransient},
		{http.StatusBadRequest, port.EmbedUnsupported},
	}
	for _, tc := range cases {
		p := newTestOpenAI(t, embeddingServer(t, tc.status, nil))
		_, err := p.EmbedImage(context.Background(), path)
		kind, ok := port.EmbedErrorKindOf(err)
		require.True(t, ok, "status %d: %v", tc.status, err)
		assert.Equal(t, tc.want, kind, "status %d", tc.status)
	}
}

func TestOpenAIProviderRejectsNonImage(t *testing.T) {
	p := newTestOpenAI(t, embeddingServer(t, http.StatusOK, nil))
	path := filepath.Join(t.TempDir(), "a.jpg")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	_, err := p.EmbedImage(context.Background(), path)
	kind, _ := port.EmbedErrorKindOf(err)
	assert.Equal(t, port.EmbedUnsupported, kind)
}

func TestOpenAIProviderWarm(t *testing.T) {
	var inputs []string
	p := newTestOpenAI(t, embeddingServer(t, http.StatusOK, &inputs))
	var reports []float64
	require.NoError(t, p.Warm(context.Background(), func(v float64) { reports = append(reports, v) }))
	assert.Equal(t, []float64{0, 1}, reports)
	require.Len(t, inputs, 1)
	assert.True(t, strings.HasPrefix(inputs[0], "data:image/png;base64,"))
}

func TestSelectFallsBack(t *testing.T) {
	cfg := config.DefaultConfig().Embedding
	assert.IsType(t, &DeterministicProvider{}, Select(cfg, nil))

	cfg.Provider = "openai"
	cfg.APIKeyEnv = "PHOTOSEARCH_UNSET_KEY"
	t.Setenv("PHOTOSEARCH_UNSET_KEY", "")
	p := Select(cfg, nil)
	assert.IsType(t, &DeterministicProvider{}, p)
	assert.Equal(t, 512, p.Dimension())

	cfg.Provider = "quantum"
	assert.IsType(t, &DeterministicProvider{}, Select(cfg, nil))
}
