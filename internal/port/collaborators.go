package port

import (
	"context"

	"photosearch/internal/domain"
)

// PhotoSource enumerates the photo library.
type PhotoSource interface {
	ListAll(ctx context.Context) ([]domain.PhotoRecord, error)

	// AssetLocation returns nil when the photo has no known coordinates.
	AssetLocation(ctx context.Context, id string) (*domain.GeoPoint, error)
}

// Geocoder resolves coordinates to a city name. An empty name means unknown.
type Geocoder interface {
	ReverseGeocode(ctx context.Context, lat, lon float64) (string, error)
}

// PhraseExpander turns free text into embeddable phrases and filters.
type PhraseExpander interface {
	Expand(ctx context.Context, text string) (domain.Expansion, error)
}

// Transcriber converts recorded speech into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}
