package cache

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/panowalk/internal/apierr"
	"github.com/MeKo-Tech/panowalk/internal/pano"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "cache.db"), filepath.Join(dir, "panoramas"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestMetaRoundTrip(t *testing.T) {
	s := openTestStore(t)

	in := &pano.Metadata{
		PanoID: "P0", Lat: 35.6812, Lng: 139.7671,
		CaptureDate:   "2023-07",
		CenterHeading: 182.5,
		Links: []pano.Link{
			{TargetID: "P1", Heading: 90, Distance: 12.5},
			{TargetID: "P2", Heading: 270.25, Virtual: true},
		},
		Source: "tiles-api",
	}
	require.NoError(t, s.PutMeta(in))
	require.True(t, s.HasMeta("P0"))

	out, err := s.GetMeta("P0")
	require.NoError(t, err)
	require.Equal(t, in.PanoID, out.PanoID)
	require.Equal(t, in.Lat, out.Lat)
	require.Equal(t, in.Lng, out.Lng)
	require.Equal(t, in.CenterHeading, out.CenterHeading)
	require.Equal(t, in.Links, out.Links)
	require.Equal(t, "tiles-api", out.Source)
	require.False(t, out.FetchedAt.IsZero())

	// Idempotent: re-put then read again.
	require.NoError(t, s.PutMeta(in))
	again, err := s.GetMeta("P0")
	require.NoError(t, err)
	require.Equal(t, out.Links, again.Links)
}

func TestPutMetaNormalizesHeadings(t *testing.T) {
	s := openTestStore(t)

	in := &pano.Metadata{
		PanoID: "P0", Lat: 0, Lng: 0,
		CenterHeading: -90,
		Links:         []pano.Link{{TargetID: "P1", Heading: 450}},
	}
	require.NoError(t, s.PutMeta(in))

	out, err := s.GetMeta("P0")
	require.NoError(t, err)
	require.Equal(t, 270.0, out.CenterHeading)
	require.Equal(t, 90.0, out.Links[0].Heading)
}

func TestGetMetaMiss(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetMeta("nope")
	require.Error(t, err)
	require.Equal(t, apierr.CacheMissMeta, apierr.KindOf(err))
}

func TestImageRoundTrip(t *testing.T) {
	s := openTestStore(t)
	data := testJPEG(t, 64, 32)

	require.False(t, s.HasImage("P0", 2))
	path, err := s.PutImage("P0", 2, data)
	require.NoError(t, err)
	require.True(t, s.HasImage("P0", 2))

	got, err := s.GetImage("P0", 2)
	require.NoError(t, err)
	require.Equal(t, path, got)
	require.Equal(t, "P0_z2.jpg", filepath.Base(got))
}

func TestGetImageMissAndCorrupt(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetImage("P0", 2)
	require.Equal(t, apierr.CacheMissImage, apierr.KindOf(err))

	// A corrupt blob is reported as a miss, not repaired.
	_, err = s.PutImage("P1", 2, []byte("not a jpeg"))
	require.NoError(t, err)
	_, err = s.GetImage("P1", 2)
	require.Equal(t, apierr.CacheMissImage, apierr.KindOf(err))
}

func TestLocations(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PutMeta(&pano.Metadata{PanoID: "P0", Lat: 1, Lng: 2}))
	require.NoError(t, s.PutMeta(&pano.Metadata{PanoID: "P1", Lat: 3, Lng: 4}))

	lat, lng, err := s.GetLocation("P0")
	require.NoError(t, err)
	require.Equal(t, 1.0, lat)
	require.Equal(t, 2.0, lng)

	locs, err := s.GetLocations([]string{"P0", "P1", "missing"})
	require.NoError(t, err)
	require.Len(t, locs, 2)
	require.Equal(t, [2]float64{3, 4}, locs["P1"])

	_, _, err = s.GetLocation("missing")
	require.Equal(t, apierr.CacheMissMeta, apierr.KindOf(err))
}

func TestRecordProgress(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.RecordProgress("alice", "t1", "s1", "completed", nil))
	require.NoError(t, s.RecordProgress("alice", "t1", "s2", "stopped", nil))
	require.NoError(t, s.RecordProgress("alice", "t2", "s3", "timeout", nil))

	rows, err := s.GetProgress("alice")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "t1", rows[0].TaskID)
	require.Equal(t, 2, rows[0].Attempts)
	require.Equal(t, "stopped", rows[0].Status)
	require.Equal(t, "s2", rows[0].SessionID)

	none, err := s.GetProgress("bob")
	require.NoError(t, err)
	require.Empty(t, none)
}
