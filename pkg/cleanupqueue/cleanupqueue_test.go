package cleanupqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fiscallayer/validation-core/pkg/retrypolicy"
	"github.com/stretchr/testify/require"
)

func cfg() retrypolicy.Config {
	return retrypolicy.Config{MaxRetries: 2, InitialDelayMs: 10, BackoffMultiplier: 2, MaxDelayMs: 1000}
}

func TestQueue_EnqueueAndPending(t *testing.T) {
	q := New(cfg())
	now := time.Now()
	q.Enqueue("raw-invoice:run-1", "redis timeout", now)

	pending := q.Pending(now.Add(time.Hour))
	require.Len(t, pending, 1)
	require.Equal(t, "raw-invoice:run-1", pending[0].Key)
	require.Equal(t, 1, pending[0].Attempts)
}

func TestQueue_PendingExcludesFutureNextAttempt(t *testing.T) {
	q := New(cfg())
	now := time.Now()
	q.Enqueue("k", "err", now)

	require.Empty(t, q.Pending(now))
}

func TestQueue_MarkCompletedRemovesRecord(t *testing.T) {
	q := New(cfg())
	now := time.Now()
	q.Enqueue("k", "err", now)
	q.MarkCompleted("k")

	require.Empty(t, q.Pending(now.Add(time.Hour)))
}

func TestQueue_AbandonsAfterMaxRetries(t *testing.T) {
	q := New(cfg())
	now := time.Now()

	q.Enqueue("k", "err", now)
	q.MarkFailed("k", "err", now)
	rec := q.MarkFailed("k", "err", now)

	require.True(t, rec.Abandoned)
	require.Empty(t, q.Pending(now.Add(time.Hour)))

	abandoned := q.Abandoned()
	require.Len(t, abandoned, 1)
	require.Equal(t, "k", abandoned[0].Key)
}

func TestQueue_Process_SucceedsAndAbandons(t *testing.T) {
	q := New(retrypolicy.Config{MaxRetries: 1, InitialDelayMs: 10, BackoffMultiplier: 2, MaxDelayMs: 1000})
	now := time.Now()
	q.Enqueue("ok-key", "err", now)
	q.Enqueue("bad-key", "err", now)

	abandoned, err := q.Process(context.Background(), now.Add(time.Hour), func(ctx context.Context, key string) error {
		if key == "ok-key" {
			return nil
		}
		return errors.New("still failing")
	})
	require.NoError(t, err)
	require.Contains(t, abandoned, "bad-key")

	require.Empty(t, q.Pending(now.Add(2*time.Hour)))
}

func TestNew_AppliesDefaultMaxRetries(t *testing.T) {
	q := New(retrypolicy.Config{InitialDelayMs: 10, BackoffMultiplier: 2})
	require.Equal(t, DefaultMaxRetries, q.retry.MaxRetries)
}
