package fetch

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonathan/event-importer/internal/cache"
	"github.com/jonathan/event-importer/internal/logging"
)

// CachedFetcher wraps URL fetching with conditional-request caching.
// Only GET responses are stored.
type CachedFetcher struct {
	client  Doer
	cache   *cache.Cache[Response]
	policy  TTLPolicy
	limiter *HostLimiter
	options *Options
	now     func() time.Time
}

// CachedFetcherConfig holds configuration for the cached fetcher.
type CachedFetcherConfig struct {
	Client  Doer
	Cache   *cache.Cache[Response]
	Policy  TTLPolicy
	Limiter *HostLimiter
	Options *Options
	Now     func() time.Time
}

// NewCachedFetcher creates a new cached fetcher. A nil Cache disables caching.
func NewCachedFetcher(config CachedFetcherConfig) *CachedFetcher {
	if config.Client == nil {
		config.Client = http.DefaultClient
	}
	if config.Options == nil {
		config.Options = DefaultOptions()
	}
	if config.Options.UserAgent == "" {
		config.Options.UserAgent = DefaultUserAgent
	}
	if config.Policy == (TTLPolicy{}) {
		config.Policy = DefaultTTLPolicy()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &CachedFetcher{
		client:  config.Client,
		cache:   config.Cache,
		policy:  config.Policy,
		limiter: config.Limiter,
		options: config.Options,
		now:     config.Now,
	}
}

// Request describes one fetch.
type Request struct {
	Method string
	URL    string
	Header http.Header
	// Scope partitions cache entries, e.g. per user.
	Scope string
	// Timeout overrides the fetcher timeout, subject to MinTimeout.
	Timeout time.Duration
	// ForceRevalidate skips fresh hits and revalidates with the origin.
	ForceRevalidate bool
	// MaxBodySize overrides Options.MaxBodySize when positive.
	MaxBodySize int64
}

// Get fetches rawURL with GET and default request settings.
func (f *CachedFetcher) Get(ctx context.Context, rawURL string) (*Response, error) {
	return f.Fetch(ctx, Request{Method: http.MethodGet, URL: rawURL})
}

// Fetch performs req, consulting and updating the cache for GET requests.
// The returned response carries an X-Cache header: HIT, MISS, REVALIDATED,
// STALE, or BYPASS for uncached methods.
func (f *CachedFetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	if req.Method != http.MethodGet || f.cache == nil {
		resp, err := f.fetch(ctx, req, nil)
		if err != nil {
			return nil, err
		}
		return resp.annotate(CacheBypass), nil
	}

	key, err := CacheKey(req.Method, req.URL, req.Scope)
	if err != nil {
		return nil, err
	}
	logger := logging.FromContext(ctx).With("url", req.URL)

	cached, ok := f.cache.Get(ctx, key)
	if ok && !req.ForceRevalidate && !cached.Stale(f.now()) {
		return cached.annotate(CacheHit), nil
	}

	if ok && (cached.ETag() != "" || cached.LastModified() != "") {
		return f.revalidate(ctx, key, req, &cached, logger)
	}

	if ok {
		resp, err := f.fetch(ctx, req, nil)
		if err != nil {
			return nil, err
		}
		f.store(ctx, key, resp)
		return resp.annotate(CacheMiss), nil
	}

	return f.fill(ctx, key, req)
}

// uncached carries a response that came back from the origin but may not be
// stored, out of a GetOrSet factory.
type uncached struct {
	resp *Response
}

func (u *uncached) Error() string { return "response is not cacheable" }

// fill fetches a missing entry. Concurrent misses for the same key share one
// origin request.
func (f *CachedFetcher) fill(ctx context.Context, key string, req Request) (*Response, error) {
	fetched := false
	entry, err := f.cache.GetOrSet(ctx, key, func(ctx context.Context) (Response, error) {
		fetched = true
		resp, err := f.fetch(ctx, req, nil)
		if err != nil {
			return Response{}, err
		}
		e, ok := f.entry(resp)
		if !ok {
			return Response{}, &uncached{resp: resp}
		}
		return e, nil
	}, f.entryOptions())

	var skip *uncached
	if errors.As(err, &skip) {
		return skip.resp.annotate(CacheMiss), nil
	}
	if err != nil {
		return nil, err
	}
	if fetched {
		return entry.annotate(CacheMiss), nil
	}
	return entry.annotate(CacheHit), nil
}

func (f *CachedFetcher) revalidate(ctx context.Context, key string, req Request, cached *Response, logger *slog.Logger) (*Response, error) {
	conditional := http.Header{}
	if etag := cached.ETag(); etag != "" {
		conditional.Set("If-None-Match", etag)
	}
	if lm := cached.LastModified(); lm != "" {
		conditional.Set("If-Modified-Since", lm)
	}

	resp, err := f.fetch(ctx, req, conditional)
	if err != nil {
		logger.Warn("revalidation failed, serving stale response", slog.Any("error", err))
		return cached.annotate(CacheStale), nil
	}

	if resp.StatusCode == http.StatusNotModified {
		refreshed := *cached
		refreshed.Header = cached.Header.Clone()
		for _, h := range []string{"Cache-Control", "Expires", "ETag", "Last-Modified", "Date"} {
			if v := resp.Header.Get(h); v != "" {
				refreshed.Header.Set(h, v)
			}
		}
		refreshed.FetchedAt = resp.FetchedAt
		f.store(ctx, key, &refreshed)
		logger.Debug("cached response revalidated")
		return refreshed.annotate(CacheRevalidated), nil
	}

	f.store(ctx, key, resp)
	return resp.annotate(CacheMiss), nil
}

// fetch throttles per host and performs the request.
func (f *CachedFetcher) fetch(ctx context.Context, req Request, extra http.Header) (*Response, error) {
	if u, err := url.Parse(req.URL); err == nil && u.Host != "" {
		if err := f.limiter.Wait(ctx, u.Host); err != nil {
			return nil, &Error{URL: req.URL, Message: "rate limit wait aborted", Cause: err}
		}
	}

	header := req.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	for k, v := range extra {
		header[k] = v
	}

	opts := *f.options
	if req.Timeout > 0 {
		opts.Timeout = req.Timeout
	}
	if req.MaxBodySize > 0 {
		opts.MaxBodySize = req.MaxBodySize
	}

	resp, err := do(ctx, f.client, req.Method, req.URL, header, &opts)
	if err != nil {
		return nil, err
	}
	resp.FetchedAt = f.now()
	return resp, nil
}

// entry prepares resp for caching. It reports false when the status or the
// cache directives forbid storing it.
func (f *CachedFetcher) entry(resp *Response) (Response, bool) {
	if !Cacheable(resp.StatusCode, resp.Header) {
		return Response{}, false
	}
	ttl := f.policy.TTL(resp.Header, resp.FetchedAt)
	if ttl <= 0 {
		return Response{}, false
	}

	entry := *resp
	entry.FreshUntil = resp.FetchedAt.Add(ttl)
	entry.CacheStatus = ""
	entry.Header = resp.Header.Clone()
	entry.Header.Del(HeaderXCache)
	return entry, true
}

// entryOptions keeps entries for MaxTTL so stale responses stay available
// for revalidation.
func (f *CachedFetcher) entryOptions() cache.SetOptions {
	return cache.SetOptions{TTL: f.policy.MaxTTL, Tags: []string{"url"}}
}

// store caches resp when its status and directives allow it.
func (f *CachedFetcher) store(ctx context.Context, key string, resp *Response) {
	entry, ok := f.entry(resp)
	if !ok {
		return
	}
	f.cache.Set(ctx, key, entry, f.entryOptions())
}

// Invalidate drops every cached entry for rawURL regardless of scope.
func (f *CachedFetcher) Invalidate(ctx context.Context, rawURL string) int {
	if f.cache == nil {
		return 0
	}
	key, err := CacheKey(http.MethodGet, rawURL, "")
	if err != nil {
		return 0
	}
	n := 0
	for _, k := range f.cache.Keys(ctx, nil) {
		if k == key || strings.HasPrefix(k, key+"|") {
			if f.cache.Delete(ctx, k) {
				n++
			}
		}
	}
	return n
}
