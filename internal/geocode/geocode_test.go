package geocode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/event-importer/internal/cache"
	"github.com/jonathan/event-importer/internal/fetch"
	"github.com/jonathan/event-importer/internal/types"
)

func newFetcher() *fetch.CachedFetcher {
	c := cache.New[fetch.Response](cache.NewMemory(cache.MemoryOptions{}), cache.Options{Prefix: "url"})
	return fetch.NewCachedFetcher(fetch.CachedFetcherConfig{Cache: c})
}

func TestNominatim_Geocode(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		w.Header().Set("Cache-Control", "max-age=600")
		if r.URL.Query().Get("q") == "Nowhere" {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		_, _ = w.Write([]byte(`[{"lat":"52.5200","lon":"13.4050","display_name":"Berlin, Germany","importance":0.9}]`))
	}))
	defer srv.Close()

	g := NewNominatim(newFetcher(), srv.URL+"/")
	ctx := context.Background()

	res, err := g.Geocode(ctx, "Berlin")
	require.NoError(t, err)
	assert.InDelta(t, 52.52, res.Latitude, 1e-9)
	assert.InDelta(t, 13.405, res.Longitude, 1e-9)
	assert.Equal(t, "Berlin, Germany", res.NormalizedAddress)
	assert.Equal(t, SourceGeocoded, res.Source)

	_, err = g.Geocode(ctx, "Berlin")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "second lookup should be served from cache")

	_, err = g.Geocode(ctx, "Nowhere")
	assert.ErrorIs(t, err, ErrNoResult)
}

func TestNominatim_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewNominatim(newFetcher(), srv.URL).Geocode(context.Background(), "Berlin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.True(t, fetch.IsRetryable(err))
}

func TestNoop(t *testing.T) {
	_, err := Noop{}.Geocode(context.Background(), "Berlin")
	assert.ErrorIs(t, err, ErrNoResult)
}

func TestProvided(t *testing.T) {
	tests := []struct {
		name    string
		row     types.Row
		mapping types.GeoFieldMapping
		ok      bool
	}{
		{"default fields", types.Row{"latitude": "48.85", "longitude": "2.35"}, types.GeoFieldMapping{}, true},
		{"mapped fields", types.Row{"geo": map[string]any{"lat": 48.85, "lng": 2.35}}, types.GeoFieldMapping{Latitude: "geo.lat", Longitude: "geo.lng"}, true},
		{"missing longitude", types.Row{"latitude": "48.85"}, types.GeoFieldMapping{}, false},
		{"not a number", types.Row{"latitude": "north", "longitude": "2.35"}, types.GeoFieldMapping{}, false},
		{"out of range", types.Row{"latitude": "95", "longitude": "2.35"}, types.GeoFieldMapping{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, ok := Provided(tt.row, tt.mapping)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.InDelta(t, 48.85, res.Latitude, 1e-9)
				assert.Equal(t, SourceProvided, res.Source)
			}
		})
	}
}

func TestAddress(t *testing.T) {
	mapping := types.GeoFieldMapping{Address: "venue.address"}

	addr, ok := Address(types.Row{"venue": map[string]any{"address": " 1 Main St "}}, mapping)
	assert.True(t, ok)
	assert.Equal(t, "1 Main St", addr)

	_, ok = Address(types.Row{"venue": map[string]any{"address": ""}}, mapping)
	assert.False(t, ok)

	_, ok = Address(types.Row{"address": "1 Main St"}, types.GeoFieldMapping{})
	assert.False(t, ok)
}
