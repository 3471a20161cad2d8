package fetch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"lowercases host", "https://Example.COM/Data.csv", "https://example.com/Data.csv"},
		{"strips https default port", "https://example.com:443/a", "https://example.com/a"},
		{"strips http default port", "http://example.com:80/a", "http://example.com/a"},
		{"keeps other ports", "http://example.com:8080/a", "http://example.com:8080/a"},
		{"strips trailing slash", "https://example.com/a/b/", "https://example.com/a/b"},
		{"keeps root slash", "https://example.com/", "https://example.com/"},
		{"adds root slash", "https://example.com", "https://example.com/"},
		{"sorts query", "https://example.com/a?z=1&a=2&m=3", "https://example.com/a?a=2&m=3&z=1"},
		{"strips fragment", "https://example.com/a#section", "https://example.com/a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeURL(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestNormalizeURL_Invalid(t *testing.T) {
	for _, input := range []string{"not-a-valid-url", "/relative/path", "://missing"} {
		_, err := NormalizeURL(input)
		require.Error(t, err, input)

		var fetchErr *Error
		assert.ErrorAs(t, err, &fetchErr)
		assert.Contains(t, err.Error(), "invalid URL")
	}
}

func TestCacheKey_EquivalentURLsShareKey(t *testing.T) {
	a, err := CacheKey("get", "HTTPS://Example.com:443/events/?b=2&a=1#top", "")
	require.NoError(t, err)
	b, err := CacheKey("GET", "https://example.com/events?a=1&b=2", "")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	scoped, err := CacheKey("GET", "https://example.com/events?a=1&b=2", "user-7")
	require.NoError(t, err)
	assert.NotEqual(t, a, scoped)

	post, err := CacheKey("POST", "https://example.com/events?a=1&b=2", "")
	require.NoError(t, err)
	assert.NotEqual(t, a, post)
}
