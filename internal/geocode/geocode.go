// Package geocode resolves addresses to coordinates for imported rows.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/jonathan/event-importer/internal/fetch"
	"github.com/jonathan/event-importer/internal/fieldpath"
	"github.com/jonathan/event-importer/internal/types"
)

// ErrNoResult is returned when the provider has no match for an address.
var ErrNoResult = errors.New("no geocoding result")

// Result sources.
const (
	SourceGeocoded = "geocoded"
	SourceProvided = "provided"
)

// Geocoder resolves an address.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (*types.GeocodingResult, error)
}

// Noop is the Geocoder used when no provider is configured. It never finds anything.
type Noop struct{}

// Geocode implements Geocoder.
func (Noop) Geocode(context.Context, string) (*types.GeocodingResult, error) {
	return nil, ErrNoResult
}

// Nominatim queries a Nominatim-compatible search endpoint through the URL
// fetch cache, so repeated addresses are served locally.
type Nominatim struct {
	fetcher *fetch.CachedFetcher
	baseURL string
}

// NewNominatim creates a client for the endpoint at baseURL.
func NewNominatim(fetcher *fetch.CachedFetcher, baseURL string) *Nominatim {
	return &Nominatim{fetcher: fetcher, baseURL: strings.TrimRight(baseURL, "/")}
}

type place struct {
	Lat         string  `json:"lat"`
	Lon         string  `json:"lon"`
	DisplayName string  `json:"display_name"`
	Importance  float64 `json:"importance"`
}

// Geocode implements Geocoder.
func (n *Nominatim) Geocode(ctx context.Context, address string) (*types.GeocodingResult, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, ErrNoResult
	}

	q := url.Values{}
	q.Set("q", address)
	q.Set("format", "json")
	q.Set("limit", "1")

	resp, err := n.fetcher.Fetch(ctx, fetch.Request{URL: n.baseURL + "/search?" + q.Encode(), Scope: "geocode"})
	if err != nil {
		return nil, err
	}
	if err := fetch.CheckStatus(resp); err != nil {
		return nil, err
	}

	var places []place
	if err := json.Unmarshal(resp.Body, &places); err != nil {
		return nil, fmt.Errorf("failed to decode geocoder response: %w", err)
	}
	if len(places) == 0 {
		return nil, ErrNoResult
	}

	lat, latErr := strconv.ParseFloat(places[0].Lat, 64)
	lon, lonErr := strconv.ParseFloat(places[0].Lon, 64)
	if latErr != nil || lonErr != nil {
		return nil, fmt.Errorf("geocoder returned invalid coordinates %q,%q", places[0].Lat, places[0].Lon)
	}

	return &types.GeocodingResult{
		Coordinates:       types.Coordinates{Latitude: lat, Longitude: lon},
		Provider:          "nominatim",
		Confidence:        places[0].Importance,
		NormalizedAddress: places[0].DisplayName,
		Source:            SourceGeocoded,
	}, nil
}

// Provided returns the coordinates already present in row, if both fields
// hold valid numbers. Empty mapping fields default to latitude and longitude.
func Provided(row types.Row, mapping types.GeoFieldMapping) (*types.GeocodingResult, bool) {
	latField, lonField := mapping.Latitude, mapping.Longitude
	if latField == "" {
		latField = "latitude"
	}
	if lonField == "" {
		lonField = "longitude"
	}

	lat, ok := number(row, latField)
	if !ok || lat < -90 || lat > 90 {
		return nil, false
	}
	lon, ok := number(row, lonField)
	if !ok || lon < -180 || lon > 180 {
		return nil, false
	}
	return &types.GeocodingResult{
		Coordinates: types.Coordinates{Latitude: lat, Longitude: lon},
		Provider:    "import",
		Confidence:  1,
		Source:      SourceProvided,
	}, true
}

// Address returns the address text at the mapping's address field.
func Address(row types.Row, mapping types.GeoFieldMapping) (string, bool) {
	if mapping.Address == "" {
		return "", false
	}
	v, ok := fieldpath.Get(row, mapping.Address)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	s = strings.TrimSpace(s)
	return s, ok && s != ""
}

func number(row types.Row, path string) (float64, bool) {
	v, ok := fieldpath.Get(row, path)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
