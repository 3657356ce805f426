package geocode

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
	"photosearch/config"
	"photosearch/internal/port"
)

var _ port.Geocoder = (*Nominatim)(nil)

// Nominatim resolves coordinates with the OpenStreetMap reverse geocoding
// API. The public instance allows one request per second.
type Nominatim struct {
	endpoint  string
	userAgent string
	client    *http.Client
	limiter   *rate.Limiter
}

func NewNominatim(cfg config.GeocodeConfig) *Nominatim {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Nominatim{
		endpoint:  cfg.Endpoint,
		userAgent: cfg.UserAgent,
		client:    &http.Client{Timeout: timeout},
		limiter:   rate.NewLimiter(rate.Limit(rps), 1),
	}
}

type reverseResponse struct {
	Error   string `json:"error"`
	Address struct {
		City         string `json:"city"`
		Town         string `json:"town"`
		Village      string `json:"village"`
		Municipality string `json:"municipality"`
	} `json:"address"`
}

// ReverseGeocode returns "" when the point has no settlement.
func (n *Nominatim) ReverseGeocode(ctx context.Context, lat, lon float64) (string, error) {
	if err := n.limiter.Wait(ctx); err != nil {
		return "", errors.Wrap(err, "geocode rate limit")
	}

	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	q.Set("zoom", "10")
	q.Set("addressdetails", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return "", errors.Wrap(err, "build geocode request")
	}
	req.Header.Set("User-Agent", n.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "geocode request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.Wrap(err, "read geocode response")
	}
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("geocode returned status %d: %s", resp.StatusCode, string(body))
	}

	var rr reverseResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return "", errors.Wrap(err, "decode geocode response")
	}
	if rr.Error != "" {
		// "Unable to geocode" for open sea and similar
		return "", nil
	}
	for _, name := range []string{rr.Address.City, rr.Address.Town, rr.Address.Village, rr.Address.Municipality} {
		if name != "" {
			return name, nil
		}
	}
	return "", nil
}
