package speech

import (
	"context"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
	"photosearch/config"
	"photosearch/internal/port"
)

var (
	_ port.Transcriber = (*Whisper)(nil)
	_ port.ModelWarmer = (*Whisper)(nil)
)

// Whisper transcribes audio through an OpenAI-compatible
// /audio/transcriptions endpoint.
type Whisper struct {
	client *openai.Client
	model  string
}

func NewWhisper(cfg config.SpeechConfig) (*Whisper, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" && cfg.BaseURL == "" {
		return nil, errors.Errorf("API key not found in environment variable: %s", cfg.APIKeyEnv)
	}

	clientConfig := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = openai.Whisper1
	}
	return &Whisper{client: openai.NewClientWithConfig(clientConfig), model: model}, nil
}

func (w *Whisper) Transcribe(ctx context.Context, audioPath string) (string, error) {
	if _, err := os.Stat(audioPath); err != nil {
		return "", errors.Wrap(err, "open recording")
	}
	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: audioPath,
	})
	if err != nil {
		return "", errors.Wrap(err, "transcribe")
	}
	return strings.TrimSpace(resp.Text), nil
}

// Warm reports ready at once; the model runs remotely.
func (w *Whisper) Warm(ctx context.Context, report func(float64)) error {
	if report != nil {
		report(1)
	}
	return ctx.Err()
}

func (w *Whisper) Name() string { return "speech encoder " + w.model }
