package retrypolicy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRun_SucceedsWithoutRetry(t *testing.T) {
	calls := 0
	err := Run(context.Background(), Config{MaxRetries: 3}, 0, func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestRun_StopsOnNonRetryableError(t *testing.T) {
	calls := 0
	boom := &ClassifiedError{Err: context.Canceled, StatusCode: 400}
	err := Run(context.Background(), Config{MaxRetries: 5}, 0, func(ctx context.Context) error {
		calls++
		return boom
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

// TestRun_AttemptBound verifies §8 Testable Property 6: attempts <= maxRetries+1.
func TestRun_AttemptBound(t *testing.T) {
	calls := 0
	cfg := Config{MaxRetries: 2, InitialDelayMs: 1, BackoffMultiplier: 2, MaxDelayMs: 5}
	retryable := &ClassifiedError{Err: context.Canceled, StatusCode: 503}
	start := time.Now()
	err := Run(context.Background(), cfg, 0, func(ctx context.Context) error {
		calls++
		return retryable
	})
	elapsed := time.Since(start)
	require.Error(t, err)
	require.LessOrEqual(t, calls, cfg.MaxRetries+1)
	require.Equal(t, 3, calls)
	require.Less(t, elapsed, 500*time.Millisecond)
}

// TestRun_TotalBudgetExhaustion verifies §8 Testable Property 6's elapsed
// bound and scenario S4 (≤3 attempts, bounded elapsed time).
func TestRun_TotalBudgetExhaustion(t *testing.T) {
	calls := 0
	cfg := Config{MaxRetries: 10, InitialDelayMs: 500, BackoffMultiplier: 2, MaxDelayMs: 2000, TotalBudgetMs: 100}
	retryable := &ClassifiedError{Err: context.Canceled, StatusCode: 503}
	start := time.Now()
	err := Run(context.Background(), cfg, 0, func(ctx context.Context) error {
		calls++
		return retryable
	})
	elapsed := time.Since(start)
	require.Error(t, err)
	require.Less(t, calls, 4)
	require.Less(t, elapsed, time.Duration(cfg.TotalBudgetMs+cfg.MaxDelayMs)*time.Millisecond)
}

func TestRun_TimeoutIsClassifiedRetryable(t *testing.T) {
	calls := 0
	err := Run(context.Background(), Config{MaxRetries: 1, InitialDelayMs: 1}, 10*time.Millisecond, func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	require.Equal(t, 2, calls)
}
