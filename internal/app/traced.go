package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shpitdev/routecrawl/internal/crawl"
	"github.com/shpitdev/routecrawl/pkg/pipeline/redact"
	"github.com/shpitdev/routecrawl/pkg/pipeline/worker"
)

// tracedFetcher logs every attempt of every descriptor at debug level, and
// failed attempts with their retry outlook.
type tracedFetcher struct {
	next           Fetcher
	logger         *slog.Logger
	maxRetries     int
	requestTimeout time.Duration

	mu       sync.Mutex
	attempts map[int]int
}

func newTracedFetcher(next Fetcher, logger *slog.Logger, opts worker.Options) *tracedFetcher {
	return &tracedFetcher{
		next:           next,
		logger:         logger,
		maxRetries:     opts.MaxRetries,
		requestTimeout: opts.RequestTimeout,
		attempts:       make(map[int]int),
	}
}

func (t *tracedFetcher) Fetch(ctx context.Context, d crawl.Descriptor) ([]byte, error) {
	attempt := t.nextAttempt(d.Seq)

	deadlineIn := "none"
	if dl, ok := ctx.Deadline(); ok {
		deadlineIn = time.Until(dl).Round(time.Millisecond).String()
	}
	t.logger.DebugContext(ctx, "request",
		"seq", d.Seq,
		"attempt", attempt,
		"timeout", t.requestTimeout,
		"deadline_in", deadlineIn,
	)

	start := time.Now()
	body, err := t.next.Fetch(ctx, d)
	elapsed := time.Since(start).Round(time.Millisecond)

	if err != nil {
		retryable := worker.IsTransient(err)
		t.logger.WarnContext(ctx, "request attempt failed",
			"seq", d.Seq,
			"attempt", attempt,
			"duration", elapsed,
			"retryable", retryable,
			"will_retry", retryable && attempt <= t.maxRetries,
			"error", redact.Secrets(err.Error()),
		)
		return body, err
	}

	t.logger.DebugContext(ctx, "request ok",
		"seq", d.Seq,
		"attempt", attempt,
		"duration", elapsed,
		"bytes", len(body),
	)
	return body, nil
}

func (t *tracedFetcher) nextAttempt(seq int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts[seq]++
	return t.attempts[seq]
}
