package geocode

import (
	"context"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"photosearch/internal/logging"
	"photosearch/internal/port"
)

var _ port.Geocoder = (*CachedGeocoder)(nil)

// CachedGeocoder memoizes lookups by coordinates rounded to a fixed number
// of decimals. Concurrent lookups of the same key share one request, and
// points without a city are cached too.
type CachedGeocoder struct {
	inner     port.Geocoder
	precision int
	cache     *cache.Cache
	group     singleflight.Group
	log       *zap.Logger
}

func NewCachedGeocoder(inner port.Geocoder, precision int, ttl time.Duration, log *zap.Logger) *CachedGeocoder {
	if precision < 0 {
		precision = 2
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CachedGeocoder{
		inner:     inner,
		precision: precision,
		cache:     cache.New(ttl, ttl/2),
		log:       logging.OrNop(log),
	}
}

// Key returns the cache key of a coordinate pair.
func (g *CachedGeocoder) Key(lat, lon float64) string {
	return strconv.FormatFloat(lat, 'f', g.precision, 64) + "," + strconv.FormatFloat(lon, 'f', g.precision, 64)
}

func (g *CachedGeocoder) ReverseGeocode(ctx context.Context, lat, lon float64) (string, error) {
	key := g.Key(lat, lon)
	if city, found := g.cache.Get(key); found {
		return city.(string), nil
	}

	v, err, shared := g.group.Do(key, func() (any, error) {
		city, err := g.inner.ReverseGeocode(ctx, lat, lon)
		if err != nil {
			return "", err
		}
		g.cache.Set(key, city, cache.DefaultExpiration)
		return city, nil
	})
	if err != nil {
		return "", err
	}
	if shared {
		g.log.Debug("geocode lookup shared", zap.String("key", key))
	}
	return v.(string), nil
}

// Len returns the number of cached keys.
func (g *CachedGeocoder) Len() int { return g.cache.ItemCount() }
