package worker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shpitdev/routecrawl/pkg/pipeline/core"
	"github.com/shpitdev/routecrawl/pkg/pipeline/worker"
	"github.com/stretchr/testify/require"
)

func fastRetry(workers, maxRetries int, policy worker.FailurePolicy) worker.Options {
	return worker.Options{
		Workers:           workers,
		MaxRetries:        maxRetries,
		FailurePolicy:     policy,
		RequestTimeout:    time.Second,
		BackoffInitial:    time.Millisecond,
		BackoffMax:        2 * time.Millisecond,
		BackoffJitterFrac: 0,
	}
}

func TestProcessAll_RetriesTransient(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	fn := func(_ context.Context, _ string) (string, error) {
		if calls.Add(1) <= 2 {
			return "", &core.TransientError{Err: errors.New("try again")}
		}
		return "ok", nil
	}

	out, err := worker.ProcessAll(context.Background(), []string{"13.40,52.52"}, fn, fastRetry(1, 3, worker.FailurePolicyPartialOutput))
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.NoError(t, out[0].Err)
	require.Equal(t, "ok", out[0].Output)
	require.Equal(t, 3, out[0].Attempts)
	require.EqualValues(t, 3, calls.Load())
}

func TestProcessAll_DoesNotRetryPermanent(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	fn := func(_ context.Context, _ string) (string, error) {
		calls.Add(1)
		return "", errors.New("permanent")
	}

	out, err := worker.ProcessAll(context.Background(), []string{"13.40,52.52"}, fn, fastRetry(1, 10, worker.FailurePolicyPartialOutput))
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.EqualError(t, out[0].Err, "permanent")
	require.EqualValues(t, 1, calls.Load())
}

func TestProcessAll_RespectsPerErrorRetryCap(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	fn := func(_ context.Context, _ string) (string, error) {
		calls.Add(1)
		return "", &core.LimitedTransientError{
			Err:          errors.New("rate limited"),
			ExtraRetries: 1,
		}
	}

	out, err := worker.ProcessAll(context.Background(), []string{"13.40,52.52"}, fn, fastRetry(1, 10, worker.FailurePolicyPartialOutput))
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Error(t, out[0].Err)
	require.EqualValues(t, 2, calls.Load(), "1 initial + 1 retry")
}

func TestProcessAll_FailFastStops(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	fn := func(_ context.Context, in string) (string, error) {
		calls.Add(1)
		if in == "bad" {
			return "", errors.New("boom")
		}
		t.Errorf("unexpected call for %q", in)
		return "", nil
	}

	out, err := worker.ProcessAll(context.Background(), []string{"bad", "good"}, fn, fastRetry(1, 0, worker.FailurePolicyFailFast))
	require.EqualError(t, err, "boom")
	require.Nil(t, out)
	require.EqualValues(t, 1, calls.Load())
}

func TestProcessAll_PartialOutputContinues(t *testing.T) {
	t.Parallel()

	fn := func(_ context.Context, in string) (string, error) {
		if in == "bad" {
			return "", errors.New("boom")
		}
		return "ok", nil
	}

	out, err := worker.ProcessAll(context.Background(), []string{"bad", "good"}, fn, fastRetry(1, 0, worker.FailurePolicyPartialOutput))
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.EqualError(t, out[0].Err, "boom")
	require.NoError(t, out[1].Err)
	require.Equal(t, "ok", out[1].Output)
	require.Equal(t, 1, out[1].Index)
}

func TestProcessAllWithCallback_OrderedDeliversInputOrder(t *testing.T) {
	t.Parallel()

	items := make([]int, 20)
	for i := range items {
		items[i] = i
	}
	fn := func(_ context.Context, in int) (string, error) {
		// Later items finish first.
		time.Sleep(time.Duration(len(items)-in) * time.Millisecond)
		return fmt.Sprint(in), nil
	}

	var seen []int
	_, err := worker.ProcessAllWithCallback(context.Background(), items, fn, func(res worker.Result[int, string]) error {
		seen = append(seen, res.Input)
		return nil
	}, worker.Options{Workers: 8, Ordered: true})
	require.NoError(t, err)
	require.Equal(t, items, seen)
}

func TestProcessAllWithCallback_UnorderedDeliversCompletionOrder(t *testing.T) {
	t.Parallel()

	releaseSlow := make(chan struct{})
	fn := func(_ context.Context, in string) (string, error) {
		if in == "slow" {
			<-releaseSlow
		}
		return in, nil
	}

	var mu sync.Mutex
	var seen []string
	_, err := worker.ProcessAllWithCallback(context.Background(), []string{"slow", "fast"}, fn, func(res worker.Result[string, string]) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, res.Input)
		if res.Input == "fast" {
			close(releaseSlow)
		}
		return nil
	}, worker.Options{Workers: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"fast", "slow"}, seen)
}

func TestProcessAllWithCallback_CallbackErrorStopsRun(t *testing.T) {
	t.Parallel()

	callbackErr := errors.New("callback failed")
	_, err := worker.ProcessAllWithCallback(
		context.Background(),
		[]string{"a"},
		func(_ context.Context, in string) (string, error) {
			return in, nil
		},
		func(worker.Result[string, string]) error {
			return callbackErr
		},
		worker.Options{Workers: 1},
	)
	require.ErrorIs(t, err, callbackErr)
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	require.True(t, worker.IsTransient(&core.TransientError{Err: errors.New("x")}))
	require.True(t, worker.IsTransient(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	require.False(t, worker.IsTransient(errors.New("x")))
	require.False(t, worker.IsTransient(nil))
}
