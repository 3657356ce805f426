package speech

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"photosearch/config"
)

func newTestWhisper(t *testing.T) *Whisper {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/transcriptions", r.URL.Path)
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		_, _, err := r.FormFile("file")
		assert.NoError(t, err)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"  sunset at the beach \n"}`))
	}))
	t.Cleanup(srv.Close)

	t.Setenv("PHOTOSEARCH_TEST_KEY", "sk-test")
	cfg := config.DefaultConfig().Speech
	cfg.BaseURL = srv.URL + "/v1"
	cfg.APIKeyEnv = "PHOTOSEARCH_TEST_KEY"
	w, err := NewWhisper(cfg)
	require.NoError(t, err)
	return w
}

func TestWhisperTranscribe(t *testing.T) {
	w := newTestWhisper(t)
	path := filepath.Join(t.TempDir(), "query.m4a")
	require.NoError(t, os.WriteFile(path, []byte("fake audio"), 0o644))

	text, err := w.Transcribe(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "sunset at the beach", text)
}

func TestWhisperMissingRecording(t *testing.T) {
	w := newTestWhisper(t)
	_, err := w.Transcribe(context.Background(), filepath.Join(t.TempDir(), "none.wav"))
	assert.Error(t, err)
}

func TestWhisperWarm(t *testing.T) {
	w := newTestWhisper(t)
	var got []float64
	require.NoError(t, w.Warm(context.Background(), func(p float64) { got = append(got, p) }))
	assert.Equal(t, []float64{1}, got)
	assert.Contains(t, w.Name(), "whisper-1")
}

func TestNewWhisperNeedsKey(t *testing.T) {
	cfg := config.DefaultConfig().Speech
	cfg.APIKeyEnv = "PHOTOSEARCH_UNSET_KEY"
	t.Setenv("PHOTOSEARCH_UNSET_KEY", "")
	_, err := NewWhisper(cfg)
	assert.Error(t, err)
}
