package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"os"
	"strings"
	"unicode"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"photosearch/internal/port"
)

const (
	thumbSide        = 8
	imageProjections = 4
)

var (
	_ port.EmbeddingProvider = (*DeterministicProvider)(nil)
	_ port.ModelWarmer       = (*DeterministicProvider)(nil)
)

// DeterministicProvider produces stable pseudo-embeddings without a model.
// Text is embedded by signed feature hashing of words and word pairs.
// Images are reduced to an 8x8 thumbnail whose pixels are projected by
// hashing. Text and image vectors do not share a semantic space.
type DeterministicProvider struct {
	dimension int
}

func NewDeterministicProvider(dimension int) *DeterministicProvider {
	if dimension <= 0 {
		dimension = 512
	}
	return &DeterministicProvider{dimension: dimension}
}

func (p *DeterministicProvider) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(tokens) == 0 {
		return nil, port.NewEmbedError(port.EmbedUnsupported, "embed text", errors.New("no tokens"))
	}

	vec := make([]float32, p.dimension)
	for i, tok := range tokens {
		p.add(vec, []byte(tok), 1)
		if i > 0 {
			p.add(vec, []byte(tokens[i-1]+" "+tok), 0.5)
		}
	}
	normalize(vec)
	return vec, nil
}

func (p *DeterministicProvider) EmbedImage(ctx context.Context, path string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, port.NewEmbedError(port.EmbedUnsupported, "embed image", err)
	}
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, port.NewEmbedError(port.EmbedUnsupported, "embed image", err)
	}

	thumb := imaging.Resize(img, thumbSide, thumbSide, imaging.Box)
	vec := make([]float32, p.dimension)
	var key [4]byte
	for y := 0; y < thumbSide; y++ {
		for x := 0; x < thumbSide; x++ {
			off := y*thumb.Stride + x*4
			for c := 0; c < 3; c++ {
				v := float32(thumb.Pix[off+c])/255 - 0.5
				for k := 0; k < imageProjections; k++ {
					key = [4]byte{byte(x), byte(y), byte(c), byte(k)}
					p.add(vec, key[:], v)
				}
			}
		}
	}
	normalize(vec)
	return vec, nil
}

// add accumulates weight into the bucket chosen by the hash of feature.
// The top bit of the hash selects the sign.
func (p *DeterministicProvider) add(vec []float32, feature []byte, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write(feature)
	v := h.Sum64()
	idx := int(v % uint64(p.dimension))
	if v>>63 == 1 {
		weight = -weight
	}
	vec[idx] += weight
}

func normalize(vec []float32) {
	var sum float64
	for _, x := range vec {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
}

func (p *DeterministicProvider) Dimension() int    { return p.dimension }
func (p *DeterministicProvider) ModelName() string { return "deterministic" }

func (p *DeterministicProvider) Warm(ctx context.Context, report func(float64)) error {
	if report != nil {
		report(1)
	}
	return ctx.Err()
}

func (p *DeterministicProvider) Name() string { return "deterministic" }
