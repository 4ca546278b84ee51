package preload

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/panowalk/internal/pano"
)

type memCache struct {
	mu     sync.Mutex
	meta   map[string]*pano.Metadata
	images map[string][]byte
}

func newMemCache() *memCache {
	return &memCache{meta: map[string]*pano.Metadata{}, images: map[string][]byte{}}
}

func (c *memCache) HasMeta(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.meta[id]
	return ok
}

func (c *memCache) HasImage(id string, zoom int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.images[pano.ImageName(id, zoom)]
	return ok
}

func (c *memCache) PutMeta(m *pano.Metadata) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.meta[m.PanoID] = m
	return nil
}

func (c *memCache) PutImage(id string, zoom int, data []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := pano.ImageName(id, zoom)
	c.images[name] = data
	return name, nil
}

type fakeSources struct {
	tileCalls atomic.Int64
	metaCalls atomic.Int64
	failPano  string
	tile      []byte
}

func (f *fakeSources) FetchTile(ctx context.Context, panoID string, zoom, x, y int) ([]byte, error) {
	f.tileCalls.Add(1)
	if panoID == f.failPano {
		return nil, fmt.Errorf("tile %s: upstream returned 404", panoID)
	}
	return f.tile, nil
}

func (f *fakeSources) FetchMeta(ctx context.Context, panoID string) (*pano.Metadata, error) {
	f.metaCalls.Add(1)
	if panoID == f.failPano {
		return nil, fmt.Errorf("metadata %s: upstream returned 404", panoID)
	}
	return &pano.Metadata{PanoID: panoID, Lat: 1, Lng: 2, CenterHeading: 0}, nil
}

func tileJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, pano.TileSize, pano.TileSize))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func newTestPreloader(c Cache, src *fakeSources) *Preloader {
	return New(c, src, src, Config{
		Workers:      2,
		DelayMin:     0,
		DelayMax:     0,
		RetryMax:     1,
		RetryBackoff: 1.01,
	}, nil)
}

func waitDone(t *testing.T, p *Preloader, name string) Progress {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		progress, ok := p.Status(name)
		if ok && progress.Status != StatusRunning {
			return progress
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("preload did not finish")
	return Progress{}
}

func TestPreloadFillsCache(t *testing.T) {
	c := newMemCache()
	src := &fakeSources{tile: tileJPEG(t)}
	p := newTestPreloader(c, src)

	ids := []string{"P0", "P1"}
	p.Start(context.Background(), "g", ids, 1)
	progress := waitDone(t, p, "g")

	require.Equal(t, StatusCompleted, progress.Status)
	require.Equal(t, 2, progress.Done)
	require.Equal(t, 100.0, progress.Percentage)
	require.Empty(t, progress.Failed)

	for _, id := range ids {
		require.True(t, c.HasMeta(id))
		require.True(t, c.HasImage(id, 1))
		require.True(t, c.HasImage(id, 0), "lower zoom derived by downscale")
	}
	// zoom 1 is a 2x1 grid: two tile fetches per panorama, none for zoom 0.
	require.Equal(t, int64(4), src.tileCalls.Load())
	require.Equal(t, int64(2), src.metaCalls.Load())
}

func TestPreloadIdempotent(t *testing.T) {
	c := newMemCache()
	src := &fakeSources{tile: tileJPEG(t)}
	p := newTestPreloader(c, src)

	p.Start(context.Background(), "g", []string{"P0"}, 1)
	waitDone(t, p, "g")
	tileCalls := src.tileCalls.Load()
	metaCalls := src.metaCalls.Load()

	// Second run on a fully cached geofence: zero upstream requests, 100%.
	progress := p.Start(context.Background(), "g", []string{"P0"}, 1)
	require.Equal(t, StatusCompleted, progress.Status)
	require.Equal(t, 100.0, progress.Percentage)
	require.Equal(t, tileCalls, src.tileCalls.Load())
	require.Equal(t, metaCalls, src.metaCalls.Load())
}

func TestPreloadCompletedWithErrors(t *testing.T) {
	c := newMemCache()
	src := &fakeSources{tile: tileJPEG(t), failPano: "BAD"}
	p := newTestPreloader(c, src)

	p.Start(context.Background(), "g", []string{"P0", "BAD"}, 1)
	progress := waitDone(t, p, "g")

	require.Equal(t, StatusCompletedWithErrors, progress.Status)
	require.Equal(t, []string{"BAD"}, progress.Failed)
	require.True(t, c.HasImage("P0", 1), "other items continue past a failure")
	require.False(t, c.HasMeta("BAD"))
}

func TestStatusUnknownGeofence(t *testing.T) {
	p := newTestPreloader(newMemCache(), &fakeSources{})
	progress, ok := p.Status("never-started")
	require.False(t, ok)
	require.Equal(t, StatusNotStarted, progress.Status)
}

func TestStitch(t *testing.T) {
	red := encodeSolid(t, color.RGBA{255, 0, 0, 255})
	blue := encodeSolid(t, color.RGBA{0, 0, 255, 255})

	img, err := Stitch(map[TileKey][]byte{
		{0, 0}: red,
		{1, 0}: blue,
	}, 1)
	require.NoError(t, err)
	require.Equal(t, 1024, img.Bounds().Dx())
	require.Equal(t, 512, img.Bounds().Dy())

	r, _, _, _ := img.At(100, 100).RGBA()
	require.Greater(t, uint32(r), uint32(0xc000), "left tile is red")
	_, _, b, _ := img.At(700, 100).RGBA()
	require.Greater(t, uint32(b), uint32(0xc000), "right tile is blue")
}

func TestStitchMissingTile(t *testing.T) {
	_, err := Stitch(map[TileKey][]byte{{0, 0}: encodeSolid(t, color.RGBA{A: 255})}, 1)
	require.Error(t, err)
}

func TestDownscale(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 1024, 512))
	out := Downscale(src, 0)
	require.Equal(t, 512, out.Bounds().Dx())
	require.Equal(t, 512, out.Bounds().Dy())
}

func encodeSolid(t *testing.T, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, pano.TileSize, pano.TileSize))
	for y := 0; y < pano.TileSize; y++ {
		for x := 0; x < pano.TileSize; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	return buf.Bytes()
}
