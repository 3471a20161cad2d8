package fetch

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// NormalizeURL canonicalizes rawURL for use in cache keys: the scheme and host
// are lower-cased, default ports and fragments are dropped, a trailing slash
// is removed from non-root paths and query parameters are sorted by name.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", &Error{URL: rawURL, Message: "invalid URL", Cause: err}
	}
	if u.Scheme == "" || u.Host == "" {
		return "", &Error{URL: rawURL, Message: "invalid URL"}
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	switch {
	case port != "":
		host = net.JoinHostPort(host, port)
	case strings.Contains(host, ":"):
		host = "[" + host + "]"
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	if u.User != nil {
		b.WriteString(u.User.String())
		b.WriteByte('@')
	}
	b.WriteString(host)
	b.WriteString(path)
	if q := u.Query(); len(q) > 0 {
		b.WriteByte('?')
		b.WriteString(q.Encode())
	}
	return b.String(), nil
}

// CacheKey builds the cache key for a request. scope partitions entries per
// user or tenant and may be empty.
func CacheKey(method, rawURL, scope string) (string, error) {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("%s:%s", strings.ToUpper(method), normalized)
	if scope != "" {
		key += "|" + scope
	}
	return key, nil
}
