// Package worker provides the parallel fetch pool used by preload jobs.
package worker

import (
	"context"
	"sync"
	"time"
)

// FetchFunc fetches one panorama end to end (metadata, tiles, stitching).
type FetchFunc func(ctx context.Context, panoID string) error

// Result is the outcome of one fetch.
type Result struct {
	PanoID  string
	Err     error
	Elapsed time.Duration
}

// ResultFunc is called as each fetch completes, in completion order.
type ResultFunc func(Result)

// Config configures the pool.
type Config struct {
	Workers  int
	Fetch    FetchFunc
	OnResult ResultFunc
}

// Pool fans panorama ids out over a fixed number of workers.
type Pool struct {
	workers  int
	fetch    FetchFunc
	onResult ResultFunc
}

// New creates a pool. Workers below 1 are clamped to 1.
func New(cfg Config) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		workers:  workers,
		fetch:    cfg.Fetch,
		onResult: cfg.OnResult,
	}
}

// Run fetches all ids and returns the results. It blocks until every id has
// been processed or the context is cancelled; cancellation surfaces as
// ctx.Err() results for the ids not yet started.
func (p *Pool) Run(ctx context.Context, panoIDs []string) []Result {
	if len(panoIDs) == 0 {
		return nil
	}

	taskCh := make(chan string, len(panoIDs))
	resultCh := make(chan Result, len(panoIDs))
	for _, id := range panoIDs {
		taskCh <- id
	}
	close(taskCh)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx, taskCh, resultCh)
		}()
	}

	results := make([]Result, 0, len(panoIDs))
	done := make(chan struct{})
	go func() {
		for res := range resultCh {
			results = append(results, res)
			if p.onResult != nil {
				p.onResult(res)
			}
		}
		close(done)
	}()

	wg.Wait()
	close(resultCh)
	<-done
	return results
}

func (p *Pool) worker(ctx context.Context, tasks <-chan string, results chan<- Result) {
	for id := range tasks {
		if ctx.Err() != nil {
			results <- Result{PanoID: id, Err: ctx.Err()}
			continue
		}

		start := time.Now()
		err := p.fetch(ctx, id)
		results <- Result{PanoID: id, Err: err, Elapsed: time.Since(start)}
	}
}
