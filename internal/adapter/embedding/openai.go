package embedding

import (
	"bytes"
	"context"
	"encoding/base64"
	"image/color"
	"net/http"
	"os"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
	"photosearch/config"
	"photosearch/internal/port"
)

var (
	_ port.EmbeddingProvider = (*OpenAIProvider)(nil)
	_ port.ModelWarmer       = (*OpenAIProvider)(nil)
)

// OpenAIProvider embeds text and images through an OpenAI-compatible
// /embeddings endpoint. Images are sent as base64 data URIs, which
// multimodal servers (CLIP, jina-clip, nomic-embed-vision) accept as input.
type OpenAIProvider struct {
	client     *openai.Client
	model      string
	imageModel string
	dimension  int
}

func NewOpenAIProvider(cfg config.EmbeddingConfig) (*OpenAIProvider, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" && cfg.BaseURL == "" {
		return nil, errors.Errorf("API key not found in environment variable: %s", cfg.APIKeyEnv)
	}

	clientConfig := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		clientConfig.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	imageModel := cfg.ImageModel
	if imageModel == "" {
		imageModel = cfg.Model
	}

	return &OpenAIProvider{
		client:     openai.NewClientWithConfig(clientConfig),
		model:      cfg.Model,
		imageModel: imageModel,
		dimension:  cfg.Dimension,
	}, nil
}

func (p *OpenAIProvider) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return p.embed(ctx, "embed text", p.model, text)
}

func (p *OpenAIProvider) EmbedImage(ctx context.Context, path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, port.NewEmbedError(port.EmbedUnsupported, "embed image", err)
	}
	uri, err := dataURI(data)
	if err != nil {
		return nil, port.NewEmbedError(port.EmbedUnsupported, "embed image", errors.Wrap(err, path))
	}
	return p.embed(ctx, "embed image", p.imageModel, uri)
}

func (p *OpenAIProvider) embed(ctx context.Context, op, model, input string) ([]float32, error) {
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{input},
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		return nil, classify(ctx, op, err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, nil
	}
	return resp.Data[0].Embedding, nil
}

func dataURI(data []byte) (string, error) {
	mime := http.DetectContentType(data)
	if len(mime) < 6 || mime[:6] != "image/" {
		return "", errors.Errorf("not an image: %s", mime)
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// classify maps transport and API failures onto embed error kinds.
// Cancellation of ctx is returned unchanged so callers can treat it as a stop.
func classify(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return errors.Wrap(ctx.Err(), op)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return port.NewEmbedError(kindForStatus(apiErr.HTTPStatusCode), op, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return port.NewEmbedError(kindForStatus(reqErr.HTTPStatusCode), op, err)
	}
	// network failures and client-side timeouts
	return port.NewEmbedError(port.EmbedTransient, op, err)
}

func kindForStatus(code int) port.EmbedErrorKind {
	switch {
	case code == http.StatusServiceUnavailable:
		return port.EmbedModelNotReady
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return port.EmbedTransient
	case code >= 400:
		return port.EmbedUnsupported
	default:
		return port.EmbedTransient
	}
}

// Warm embeds a 1x1 image so that a lazily loading server brings the
// image encoder into memory.
func (p *OpenAIProvider) Warm(ctx context.Context, report func(float64)) error {
	if report != nil {
		report(0)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, imaging.New(1, 1, color.White), imaging.PNG); err != nil {
		return errors.Wrap(err, "encode warm-up image")
	}
	uri, err := dataURI(buf.Bytes())
	if err != nil {
		return err
	}
	if _, err := p.embed(ctx, "warm image encoder", p.imageModel, uri); err != nil {
		return err
	}
	if report != nil {
		report(1)
	}
	return nil
}

func (p *OpenAIProvider) Name() string      { return "image encoder " + p.imageModel }
func (p *OpenAIProvider) Dimension() int    { return p.dimension }
func (p *OpenAIProvider) ModelName() string { return p.model }
