// Package preload fills the panorama cache for a geofence from upstream
// sources. It is strictly an offline path: the runtime request handlers
// never call upstream, they only read what preload has written.
//
// A preload job walks every panorama id in a geofence, skips items already
// cached, and fetches the rest through a fixed-size worker pool. Upstream
// calls are paced by a token bucket plus random jitter and retried with
// exponential backoff on rate limiting or transport failure.
package preload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/MeKo-Tech/panowalk/internal/apierr"
	"github.com/MeKo-Tech/panowalk/internal/pano"
	"github.com/MeKo-Tech/panowalk/internal/worker"
)

// Cache is the write surface the preloader needs. Satisfied by *cache.Store.
type Cache interface {
	HasMeta(panoID string) bool
	HasImage(panoID string, zoom int) bool
	PutMeta(m *pano.Metadata) error
	PutImage(panoID string, zoom int, data []byte) (string, error)
}

// Status of a preload job.
type Status string

const (
	StatusNotStarted          Status = "not_started"
	StatusRunning             Status = "running"
	StatusCompleted           Status = "completed"
	StatusCompletedWithErrors Status = "completed_with_errors"
)

// Progress is a snapshot of a job, observable through the HTTP API.
type Progress struct {
	Status     Status   `json:"status"`
	Done       int      `json:"progress"`
	Total      int      `json:"total"`
	Percentage float64  `json:"percentage"`
	Failed     []string `json:"failed,omitempty"`
}

// Config tunes pacing and retry for one Preloader.
type Config struct {
	Workers      int
	DelayMin     time.Duration
	DelayMax     time.Duration
	RetryMax     int
	RetryBackoff float64
	TilesPerPano int64 // concurrent tile fetches within one panorama
}

// Preloader runs preload jobs, one per geofence name, and keeps their
// progress in a registry until process exit.
type Preloader struct {
	cache  Cache
	tiles  TileSource
	meta   MetadataSource
	cfg    Config
	logger *slog.Logger

	limiter *rate.Limiter
	tileSem *semaphore.Weighted

	mu   sync.Mutex
	jobs map[string]*job
}

type job struct {
	mu       sync.Mutex
	progress Progress
}

func (j *job) snapshot() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	p := j.progress
	p.Failed = append([]string(nil), j.progress.Failed...)
	return p
}

// New creates a Preloader. The token bucket admits one upstream request per
// DelayMin; jitter on top of that spreads requests into [DelayMin, DelayMax].
func New(c Cache, tiles TileSource, meta MetadataSource, cfg Config, logger *slog.Logger) *Preloader {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.TilesPerPano <= 0 {
		cfg.TilesPerPano = 4
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2.0
	}
	if logger == nil {
		logger = slog.Default()
	}
	every := cfg.DelayMin
	if every <= 0 {
		every = time.Millisecond
	}
	return &Preloader{
		cache:   c,
		tiles:   tiles,
		meta:    meta,
		cfg:     cfg,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(every), 1),
		tileSem: semaphore.NewWeighted(cfg.TilesPerPano),
		jobs:    map[string]*job{},
	}
}

// Start begins (or reports) the preload job for a geofence. Items already
// fully cached are counted done without any upstream request, so re-running
// a completed preload is a no-op that reports 100%. Returns the current
// progress snapshot; the job itself runs in the background.
func (p *Preloader) Start(ctx context.Context, name string, panoIDs []string, zoom int) Progress {
	p.mu.Lock()
	if j, ok := p.jobs[name]; ok {
		snap := j.snapshot()
		if snap.Status == StatusRunning {
			p.mu.Unlock()
			return snap
		}
	}

	total := len(panoIDs)
	var missing []string
	for _, id := range panoIDs {
		if !p.cache.HasMeta(id) || !p.cache.HasImage(id, zoom) {
			missing = append(missing, id)
		}
	}

	j := &job{progress: Progress{
		Status:     StatusRunning,
		Done:       total - len(missing),
		Total:      total,
		Percentage: percentage(total-len(missing), total),
	}}
	p.jobs[name] = j
	p.mu.Unlock()

	if len(missing) == 0 {
		j.mu.Lock()
		j.progress.Status = StatusCompleted
		j.progress.Percentage = 100
		j.mu.Unlock()
		p.logger.Info("preload already complete", "geofence", name, "total", total)
		return j.snapshot()
	}

	go p.run(ctx, name, j, missing, zoom)
	return j.snapshot()
}

// Status returns the progress of a geofence's job, if one was ever started.
func (p *Preloader) Status(name string) (Progress, bool) {
	p.mu.Lock()
	j, ok := p.jobs[name]
	p.mu.Unlock()
	if !ok {
		return Progress{Status: StatusNotStarted}, false
	}
	return j.snapshot(), true
}

func (p *Preloader) run(ctx context.Context, name string, j *job, ids []string, zoom int) {
	start := time.Now()
	pool := worker.New(worker.Config{
		Workers: p.cfg.Workers,
		Fetch: func(ctx context.Context, panoID string) error {
			return p.fetchPano(ctx, panoID, zoom)
		},
		OnResult: func(res worker.Result) {
			j.mu.Lock()
			j.progress.Done++
			if res.Err != nil {
				j.progress.Failed = append(j.progress.Failed, res.PanoID)
				p.logger.Error("preload item failed",
					"geofence", name, "pano_id", res.PanoID, "error", res.Err)
			}
			j.progress.Percentage = percentage(j.progress.Done, j.progress.Total)
			j.mu.Unlock()
		},
	})
	pool.Run(ctx, ids)

	j.mu.Lock()
	if len(j.progress.Failed) > 0 {
		j.progress.Status = StatusCompletedWithErrors
	} else {
		j.progress.Status = StatusCompleted
	}
	failed := len(j.progress.Failed)
	j.mu.Unlock()

	p.logger.Info("preload finished",
		"geofence", name, "items", len(ids), "failed", failed,
		"elapsed", time.Since(start).Round(time.Millisecond))
}

// fetchPano ensures metadata and the image at the requested zoom exist for
// one panorama, deriving lower zoom levels from the assembled image.
func (p *Preloader) fetchPano(ctx context.Context, panoID string, zoom int) error {
	if !p.cache.HasMeta(panoID) {
		var meta *pano.Metadata
		err := p.withRetry(ctx, func(ctx context.Context) error {
			var ferr error
			meta, ferr = p.meta.FetchMeta(ctx, panoID)
			return ferr
		})
		if err != nil {
			return apierr.New(apierr.SourceUnavailable, "metadata fetch for %s: %v", panoID, err)
		}
		if err := p.cache.PutMeta(meta); err != nil {
			return fmt.Errorf("failed to store metadata for %s: %w", panoID, err)
		}
	}

	if p.cache.HasImage(panoID, zoom) {
		return nil
	}

	tiles, err := p.fetchTiles(ctx, panoID, zoom)
	if err != nil {
		return err
	}
	img, err := Stitch(tiles, zoom)
	if err != nil {
		return fmt.Errorf("failed to stitch %s: %w", panoID, err)
	}
	data, err := EncodeJPEG(img)
	if err != nil {
		return err
	}
	if _, err := p.cache.PutImage(panoID, zoom, data); err != nil {
		return fmt.Errorf("failed to store image for %s: %w", panoID, err)
	}

	for z := zoom - 1; z >= 0; z-- {
		if p.cache.HasImage(panoID, z) {
			continue
		}
		small, err := EncodeJPEG(Downscale(img, z))
		if err != nil {
			return err
		}
		if _, err := p.cache.PutImage(panoID, z, small); err != nil {
			return fmt.Errorf("failed to store derived image for %s z%d: %w", panoID, z, err)
		}
	}
	return nil
}

func (p *Preloader) fetchTiles(ctx context.Context, panoID string, zoom int) (map[TileKey][]byte, error) {
	cols, rows := pano.TileGrid(zoom)

	var (
		mu    sync.Mutex
		tiles = make(map[TileKey][]byte, cols*rows)
		wg    sync.WaitGroup
		firstErr error
	)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			if err := p.tileSem.Acquire(ctx, 1); err != nil {
				return nil, err
			}
			wg.Add(1)
			go func(x, y int) {
				defer wg.Done()
				defer p.tileSem.Release(1)
				var data []byte
				err := p.withRetry(ctx, func(ctx context.Context) error {
					var ferr error
					data, ferr = p.tiles.FetchTile(ctx, panoID, zoom, x, y)
					return ferr
				})
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					if firstErr == nil {
						firstErr = err
					}
					return
				}
				tiles[TileKey{x, y}] = data
			}(x, y)
		}
	}
	wg.Wait()

	if firstErr != nil {
		return nil, apierr.New(apierr.SourceUnavailable,
			"tiles for %s z%d: %v", panoID, zoom, firstErr)
	}
	return tiles, nil
}

// withRetry paces fn through the token bucket plus jitter, retrying rate
// limits and transport errors with exponential backoff up to RetryMax.
func (p *Preloader) withRetry(ctx context.Context, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := p.jitter(ctx); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= p.cfg.RetryMax || !retryable(err) {
			return err
		}

		wait := time.Duration(math.Pow(p.cfg.RetryBackoff, float64(attempt)) * float64(time.Second))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Preloader) jitter(ctx context.Context) error {
	span := p.cfg.DelayMax - p.cfg.DelayMin
	if span <= 0 {
		return nil
	}
	select {
	case <-time.After(rand.N(span)):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryable: upstream rate limiting and transport-level failures. Other
// upstream responses (404 and friends) fail the item immediately.
func retryable(err error) bool {
	if apierr.KindOf(err) == apierr.RateLimited {
		return true
	}
	var uerr *url.Error
	return errors.As(err, &uerr)
}

func percentage(done, total int) float64 {
	if total == 0 {
		return 100
	}
	return math.Round(float64(done)/float64(total)*10000) / 100
}
