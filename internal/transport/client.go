package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bluele/gcache"
	"github.com/go-resty/resty/v2"
	"github.com/shpitdev/routecrawl/internal/crawl"
	"github.com/shpitdev/routecrawl/pkg/pipeline/core"
	"github.com/shpitdev/routecrawl/pkg/pipeline/redact"
	"go.opentelemetry.io/otel/trace"
)

const defaultUserAgent = "routecrawl"

// Options configures a Client.
type Options struct {
	UserAgent string

	// CacheSize bounds the response memo. Zero disables it.
	CacheSize int
	// CacheTTL expires memoized responses. Zero keeps them for the run.
	CacheTTL time.Duration

	// HTTPClient overrides the underlying client (tests, custom transports).
	HTTPClient *http.Client
	Tracer     trace.Tracer
	Logger     *slog.Logger
}

// Stats counts memo hits and upstream fetches.
type Stats struct {
	Hits    int64
	Fetches int64
}

// Client performs descriptor GETs against the routing APIs.
type Client struct {
	r      *resty.Client
	cache  gcache.Cache
	logger *slog.Logger

	hits    atomic.Int64
	fetches atomic.Int64
}

// New builds a Client.
func New(opts Options) *Client {
	var r *resty.Client
	if opts.HTTPClient != nil {
		r = resty.NewWithClient(opts.HTTPClient)
	} else {
		r = resty.New()
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	r.SetHeader("User-Agent", ua)
	r.SetHeader("Accept", "application/json")
	instrument(r, opts.Tracer)

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{r: r, logger: logger}
	if opts.CacheSize > 0 {
		b := gcache.New(opts.CacheSize).LRU()
		if opts.CacheTTL > 0 {
			b = b.Expiration(opts.CacheTTL)
		}
		c.cache = b.Build()
	}
	return c
}

// Fetch GETs the descriptor URL and returns the JSON body. 429 and 5xx
// responses come back as core.TransientError.
func (c *Client) Fetch(ctx context.Context, d crawl.Descriptor) ([]byte, error) {
	u, err := d.URL()
	if err != nil {
		return nil, err
	}
	safeURL := redact.URL(u)

	if c.cache != nil {
		if v, err := c.cache.Get(u); err == nil {
			if body, ok := v.([]byte); ok {
				c.hits.Add(1)
				c.logger.DebugContext(ctx, "response memo hit", "job", d.Job, "seq", d.Seq, "url", safeURL)
				return body, nil
			}
		}
	}

	start := time.Now()
	c.fetches.Add(1)
	res, err := c.r.R().SetContext(ctx).Get(u)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		return nil, fmt.Errorf("GET %s: %w", safeURL, err)
	}
	c.logger.DebugContext(ctx, "response",
		"job", d.Job,
		"seq", d.Seq,
		"url", safeURL,
		"status", res.StatusCode(),
		"duration", time.Since(start).Round(time.Millisecond),
	)

	body := res.Body()
	if !res.IsSuccess() {
		he := newHTTPError(u, res.StatusCode(), res.Status(), body)
		if he.Retryable() {
			return nil, &core.TransientError{Err: he}
		}
		return nil, he
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("GET %s: response is not valid JSON (%s)", safeURL, redactAndTruncate(body))
	}

	if c.cache != nil {
		_ = c.cache.Set(u, body)
	}
	return body, nil
}

// Stats returns memo hit and fetch counters.
func (c *Client) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Fetches: c.fetches.Load()}
}
