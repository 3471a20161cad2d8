// Package fetch retrieves externally hosted import sources over HTTP, with
// conditional-request caching, per-host throttling and bounded timeouts.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Timeout bounds for a single fetch.
const (
	DefaultTimeout = 60 * time.Second
	MinTimeout     = 5 * time.Second
)

// DefaultUserAgent is sent with every outbound request.
const DefaultUserAgent = "Mozilla/5.0 (compatible; EventImporter/1.0)"

// X-Cache annotations.
const (
	CacheHit         = "HIT"
	CacheMiss        = "MISS"
	CacheRevalidated = "REVALIDATED"
	CacheStale       = "STALE"
	CacheBypass      = "BYPASS"
	HeaderXCache     = "X-Cache"
)

// Doer executes HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Response is a fully buffered HTTP response.
type Response struct {
	URL        string      `json:"url"`
	StatusCode int         `json:"statusCode"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
	FetchedAt  time.Time   `json:"fetchedAt"`
	FreshUntil time.Time   `json:"freshUntil"`
	// CacheStatus mirrors the X-Cache header.
	CacheStatus string `json:"-"`
}

// Stale reports whether the response is past its freshness lifetime at now.
func (r *Response) Stale(now time.Time) bool {
	return !now.Before(r.FreshUntil)
}

// ETag returns the entity tag validator, if any.
func (r *Response) ETag() string {
	return r.Header.Get("ETag")
}

// LastModified returns the Last-Modified validator, if any.
func (r *Response) LastModified() string {
	return r.Header.Get("Last-Modified")
}

func (r *Response) annotate(status string) *Response {
	out := *r
	out.Header = r.Header.Clone()
	if out.Header == nil {
		out.Header = http.Header{}
	}
	out.Header.Set(HeaderXCache, status)
	out.CacheStatus = status
	return &out
}

// Error represents an error during URL fetching.
type Error struct {
	URL        string
	Message    string
	Cause      error
	StatusCode int
	Retryable  bool
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("fetch error for %s: %s: %v", e.URL, e.Message, e.Cause)
	}
	return fmt.Sprintf("fetch error for %s: %s", e.URL, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// ErrBodyTooLarge is matched by a *BodyTooLargeError.
var ErrBodyTooLarge = errors.New("response body too large")

// BodyTooLargeError reports a response body over Options.MaxBodySize.
// Declared is the Content-Length when the origin sent one, otherwise zero.
type BodyTooLargeError struct {
	URL      string
	Declared int64
	Limit    int64
}

func (e *BodyTooLargeError) Error() string {
	if e.Declared > 0 {
		return fmt.Sprintf("fetch error for %s: response declares %d bytes, maximum is %d", e.URL, e.Declared, e.Limit)
	}
	return fmt.Sprintf("fetch error for %s: response exceeds maximum %d bytes", e.URL, e.Limit)
}

func (e *BodyTooLargeError) Is(target error) bool {
	return target == ErrBodyTooLarge
}

// IsRetryable reports whether err is a fetch failure worth retrying.
func IsRetryable(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Retryable
}

// Options configures the fetch behavior.
type Options struct {
	Timeout   time.Duration
	UserAgent string
	Headers   map[string]string
	// MaxBodySize caps the buffered body. Zero means unlimited.
	MaxBodySize int64
}

// DefaultOptions returns sensible defaults for fetching.
func DefaultOptions() *Options {
	return &Options{
		Timeout:   DefaultTimeout,
		UserAgent: DefaultUserAgent,
	}
}

// EffectiveTimeout applies the default and the MinTimeout floor to d.
func EffectiveTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTimeout
	}
	if d < MinTimeout {
		return MinTimeout
	}
	return d
}

// CheckStatus converts a non-2xx response into an *Error carrying the status code.
func CheckStatus(resp *Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &Error{
		URL:        resp.URL,
		Message:    fmt.Sprintf("HTTP status %d", resp.StatusCode),
		StatusCode: resp.StatusCode,
		Retryable:  resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
	}
}

// do performs one request and buffers the body. Transport failures come back
// as *Error with the underlying cause preserved in the message.
func do(ctx context.Context, client Doer, method, rawURL string, header http.Header, opts *Options) (*Response, error) {
	timeout := EffectiveTimeout(opts.Timeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, &Error{URL: rawURL, Message: "failed to create request", Cause: err}
	}

	req.Header.Set("User-Agent", opts.UserAgent)
	for key, value := range opts.Headers {
		req.Header.Set(key, value)
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, transportError(rawURL, timeout, err)
	}
	defer func() { _ = resp.Body.Close() }()

	limit := opts.MaxBodySize
	if limit > 0 && resp.ContentLength > limit {
		return nil, &BodyTooLargeError{URL: rawURL, Declared: resp.ContentLength, Limit: limit}
	}

	var reader io.Reader = resp.Body
	if limit > 0 {
		reader = io.LimitReader(resp.Body, limit+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, transportError(rawURL, timeout, err)
	}
	if limit > 0 && int64(len(body)) > limit {
		return nil, &BodyTooLargeError{URL: rawURL, Limit: limit}
	}

	return &Response{
		URL:        rawURL,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

func transportError(rawURL string, timeout time.Duration, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			URL:       rawURL,
			Message:   fmt.Sprintf("request timeout after %s", timeout),
			Cause:     err,
			Retryable: true,
		}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{URL: rawURL, Message: "request canceled", Cause: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{URL: rawURL, Message: "request timeout", Cause: err, Retryable: true}
	}

	var urlErr *url.Error
	retryable := errors.As(err, &urlErr) || errors.As(err, &netErr)
	return &Error{URL: rawURL, Message: "HTTP request failed", Cause: err, Retryable: retryable}
}
