package fetch

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// TTLPolicy derives how long a fetched response stays fresh.
type TTLPolicy struct {
	DefaultTTL          time.Duration
	MaxTTL              time.Duration
	RespectCacheControl bool
}

// DefaultTTLPolicy matches the URL_CACHE_* configuration defaults.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		DefaultTTL:          time.Hour,
		MaxTTL:              24 * time.Hour,
		RespectCacheControl: true,
	}
}

// TTL returns the freshness lifetime for a response with header h, received at now.
// Zero means the response must not be cached. The result never exceeds MaxTTL.
func (p TTLPolicy) TTL(h http.Header, now time.Time) time.Duration {
	if !p.RespectCacheControl {
		return p.clamp(p.DefaultTTL)
	}

	directives := parseCacheControl(h.Get("Cache-Control"))
	if _, ok := directives["no-store"]; ok {
		return 0
	}
	if _, ok := directives["no-cache"]; ok {
		return 0
	}

	if v, ok := directives["max-age"]; ok {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			if secs <= 0 {
				return 0
			}
			return p.clamp(time.Duration(secs) * time.Second)
		}
	}

	if expires := h.Get("Expires"); expires != "" {
		t, err := http.ParseTime(expires)
		if err != nil {
			return 0
		}
		until := t.Sub(now).Truncate(time.Second)
		if until <= 0 {
			return 0
		}
		return p.clamp(until)
	}

	return p.clamp(p.DefaultTTL)
}

func (p TTLPolicy) clamp(ttl time.Duration) time.Duration {
	if p.MaxTTL > 0 && ttl > p.MaxTTL {
		return p.MaxTTL
	}
	return ttl
}

// Cacheable reports whether a response may be stored at all: it must be 2xx
// and carry neither no-store nor private.
func Cacheable(statusCode int, h http.Header) bool {
	if statusCode < 200 || statusCode >= 300 {
		return false
	}
	directives := parseCacheControl(h.Get("Cache-Control"))
	_, noStore := directives["no-store"]
	_, private := directives["private"]
	return !noStore && !private
}

// parseCacheControl splits a Cache-Control header into lower-cased directives.
func parseCacheControl(value string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, arg, _ := strings.Cut(part, "=")
		out[strings.ToLower(strings.TrimSpace(name))] = strings.Trim(strings.TrimSpace(arg), `"`)
	}
	return out
}
