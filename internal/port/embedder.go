package port

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// EmbeddingProvider generates vector embeddings for text and images.
// Calls may take seconds and must be treated as cancellable.
type EmbeddingProvider interface {
	// EmbedText embeds a short phrase.
	EmbedText(ctx context.Context, text string) ([]float32, error)

	// EmbedImage embeds the image at path. Implementations are not
	// expected to be safe for concurrent image calls; see embedding.ImageQueue.
	EmbedImage(ctx context.Context, path string) ([]float32, error)

	// Dimension returns the embedding vector dimension.
	Dimension() int

	// ModelName returns the name of the embedding model.
	ModelName() string
}

// ModelWarmer loads a model ahead of use, reporting progress in [0,1].
// report may be nil.
type ModelWarmer interface {
	Warm(ctx context.Context, report func(progress float64)) error
	Name() string
}

type EmbedErrorKind int

const (
	// EmbedModelNotReady means the model must be initialized before a retry.
	EmbedModelNotReady EmbedErrorKind = iota + 1
	// EmbedTransient means the call may succeed later.
	EmbedTransient
	// EmbedUnsupported means the input can never be embedded by this model.
	EmbedUnsupported
)

func (k EmbedErrorKind) String() string {
	switch k {
	case EmbedModelNotReady:
		return "model_not_ready"
	case EmbedTransient:
		return "transient"
	case EmbedUnsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("embed_error(%d)", int(k))
	}
}

type EmbedError struct {
	Kind EmbedErrorKind
	Op   string
	Err  error
}

func (e *EmbedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *EmbedError) Unwrap() error { return e.Err }

func NewEmbedError(kind EmbedErrorKind, op string, err error) *EmbedError {
	return &EmbedError{Kind: kind, Op: op, Err: err}
}

// EmbedErrorKindOf reports the kind of an EmbedError anywhere in err's chain.
func EmbedErrorKindOf(err error) (EmbedErrorKind, bool) {
	var ee *EmbedError
	if errors.As(err, &ee) {
		return ee.Kind, true
	}
	return 0, false
}
