package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPoolRunsAllTasks(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}

	pool := New(Config{
		Workers: 3,
		Fetch: func(ctx context.Context, panoID string) error {
			mu.Lock()
			seen[panoID] = true
			mu.Unlock()
			return nil
		},
	})

	ids := []string{"P0", "P1", "P2", "P3", "P4"}
	results := pool.Run(context.Background(), ids)
	require.Len(t, results, len(ids))
	for _, id := range ids {
		require.True(t, seen[id], "id %s was never fetched", id)
	}
	for _, res := range results {
		require.NoError(t, res.Err)
	}
}

func TestPoolReportsFailures(t *testing.T) {
	pool := New(Config{
		Workers: 2,
		Fetch: func(ctx context.Context, panoID string) error {
			if panoID == "BAD" {
				return fmt.Errorf("fetch %s: boom", panoID)
			}
			return nil
		},
	})

	results := pool.Run(context.Background(), []string{"P0", "BAD", "P1"})
	var failed []string
	for _, res := range results {
		if res.Err != nil {
			failed = append(failed, res.PanoID)
		}
	}
	require.Equal(t, []string{"BAD"}, failed)
}

func TestPoolCallsOnResult(t *testing.T) {
	var calls atomic.Int64
	pool := New(Config{
		Workers:  2,
		Fetch:    func(ctx context.Context, panoID string) error { return nil },
		OnResult: func(Result) { calls.Add(1) },
	})

	pool.Run(context.Background(), []string{"P0", "P1", "P2"})
	require.Equal(t, int64(3), calls.Load())
}

func TestPoolCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pool := New(Config{
		Workers: 1,
		Fetch: func(ctx context.Context, panoID string) error {
			t.Error("fetch must not run after cancellation")
			return nil
		},
	})

	results := pool.Run(ctx, []string{"P0", "P1"})
	require.Len(t, results, 2)
	for _, res := range results {
		require.True(t, errors.Is(res.Err, context.Canceled))
	}
}

func TestPoolClampsWorkers(t *testing.T) {
	var order []string
	pool := New(Config{
		Workers: 0, // clamped to 1, so execution is sequential
		Fetch: func(ctx context.Context, panoID string) error {
			order = append(order, panoID)
			return nil
		},
	})

	pool.Run(context.Background(), []string{"P2", "P0", "P1"})
	sort.Strings(order)
	require.Equal(t, []string{"P0", "P1", "P2"}, order)
}

func TestPoolEmptyInput(t *testing.T) {
	pool := New(Config{Workers: 4, Fetch: func(ctx context.Context, panoID string) error { return nil }})
	require.Nil(t, pool.Run(context.Background(), nil))
}
