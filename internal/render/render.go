// Package render projects cached equirectangular panoramas into the
// perspective JPEGs served to agents. The projection itself is a pure
// function; the Renderer wraps it with a decoded-image LRU shared by all
// sessions and a singleflight group so concurrent requests for the same
// panorama decode it once.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"math"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/MeKo-Tech/panowalk/internal/pano"
)

// JPEGQuality is the encoder quality for rendered views.
const JPEGQuality = 90

// Limits accepted by Render. One unit outside any of them is rejected.
const (
	MinPitch = -85.0
	MaxPitch = 85.0
	MinFOV   = 30.0
	MaxFOV   = 100.0
)

// ImageSource resolves a panorama id and zoom to a cached image file.
// Satisfied by *cache.Store.
type ImageSource interface {
	GetImage(panoID string, zoom int) (string, error)
}

// Renderer renders perspective views from cached panoramas.
type Renderer struct {
	source  ImageSource
	decoded *lru.Cache[string, image.Image]
	group   singleflight.Group
}

// New creates a Renderer with an LRU of lruSize decoded panoramas.
func New(source ImageSource, lruSize int) (*Renderer, error) {
	if lruSize < 1 {
		lruSize = 1
	}
	cache, err := lru.New[string, image.Image](lruSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create decode cache: %w", err)
	}
	return &Renderer{source: source, decoded: cache}, nil
}

// Render produces a JPEG perspective view of the panorama. heading is the
// agent's true-north view direction; centerHeading is the panorama's own
// capture heading from metadata, applied as a yaw offset so image space and
// true-north space line up. Deterministic for identical inputs.
func (r *Renderer) Render(panoID string, zoom int, heading, centerHeading, pitch, fov float64, w, h int) ([]byte, error) {
	if pitch < MinPitch || pitch > MaxPitch {
		return nil, fmt.Errorf("pitch %.2f out of range [%v, %v]", pitch, MinPitch, MaxPitch)
	}
	if fov < MinFOV || fov > MaxFOV {
		return nil, fmt.Errorf("fov %.2f out of range [%v, %v]", fov, MinFOV, MaxFOV)
	}
	if w < 1 || h < 1 {
		return nil, fmt.Errorf("invalid output size %dx%d", w, h)
	}

	src, err := r.decode(panoID, zoom)
	if err != nil {
		return nil, err
	}

	yaw := heading - centerHeading
	vFov := fov / (float64(w) / float64(h))
	out := Project(src, yaw, pitch, fov, vFov, w, h)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode view for %s: %w", panoID, err)
	}
	return buf.Bytes(), nil
}

func (r *Renderer) decode(panoID string, zoom int) (image.Image, error) {
	key := pano.ImageName(panoID, zoom)
	if img, ok := r.decoded.Get(key); ok {
		return img, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		if img, ok := r.decoded.Get(key); ok {
			return img, nil
		}
		path, err := r.source.GetImage(panoID, zoom)
		if err != nil {
			return nil, err
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open panorama %s: %w", path, err)
		}
		defer f.Close()
		img, err := jpeg.Decode(f)
		if err != nil {
			return nil, fmt.Errorf("failed to decode panorama %s: %w", path, err)
		}
		r.decoded.Add(key, img)
		return img, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(image.Image), nil
}

// Project maps an equirectangular image to a perspective view. yawDeg is the
// view direction in image-longitude degrees (0 = image center meridian,
// increasing clockwise), pitchDeg positive looks up, hFovDeg/vFovDeg are the
// horizontal and vertical fields of view. Pure and deterministic.
func Project(src image.Image, yawDeg, pitchDeg, hFovDeg, vFovDeg float64, w, h int) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, w, h))

	fx := (float64(w) / 2) / math.Tan(rad(hFovDeg)/2)
	fy := (float64(h) / 2) / math.Tan(rad(vFovDeg)/2)
	sinP, cosP := math.Sincos(rad(pitchDeg))

	bounds := src.Bounds()
	sw := float64(bounds.Dx())
	sh := float64(bounds.Dy())

	for y := 0; y < h; y++ {
		// Camera ray before pitch: (nx, ny, 1), y up, z forward.
		ny := (float64(h)/2 - (float64(y) + 0.5)) / fy
		for x := 0; x < w; x++ {
			nx := ((float64(x) + 0.5) - float64(w)/2) / fx

			// Rotate about the x axis so positive pitch looks up.
			dy := ny*cosP + sinP
			dz := -ny*sinP + cosP

			lon := yawDeg + deg(math.Atan2(nx, dz))
			lat := deg(math.Asin(dy / math.Sqrt(nx*nx+dy*dy+dz*dz)))

			u := pano.NormalizeHeading(lon) / 360 * sw
			v := (90 - lat) / 180 * sh

			rC, gC, bC := sampleBilinear(src, u, v, sw, sh)
			i := out.PixOffset(x, y)
			out.Pix[i+0] = rC
			out.Pix[i+1] = gC
			out.Pix[i+2] = bC
			out.Pix[i+3] = 0xff
		}
	}
	return out
}

// sampleBilinear samples with horizontal wrap and vertical clamp.
func sampleBilinear(src image.Image, u, v, sw, sh float64) (uint8, uint8, uint8) {
	u -= 0.5
	v -= 0.5

	x0 := math.Floor(u)
	y0 := math.Floor(v)
	fu := u - x0
	fv := v - y0

	x1 := x0 + 1
	y1 := y0 + 1

	iy0 := clampInt(int(y0), 0, int(sh)-1)
	iy1 := clampInt(int(y1), 0, int(sh)-1)
	ix0 := wrapInt(int(x0), int(sw))
	ix1 := wrapInt(int(x1), int(sw))

	min := src.Bounds().Min
	r00, g00, b00 := rgb8(src.At(min.X+ix0, min.Y+iy0))
	r10, g10, b10 := rgb8(src.At(min.X+ix1, min.Y+iy0))
	r01, g01, b01 := rgb8(src.At(min.X+ix0, min.Y+iy1))
	r11, g11, b11 := rgb8(src.At(min.X+ix1, min.Y+iy1))

	lerp2 := func(a, b, c, d float64) uint8 {
		top := a + (b-a)*fu
		bot := c + (d-c)*fu
		return uint8(math.Round(top + (bot-top)*fv))
	}
	return lerp2(r00, r10, r01, r11), lerp2(g00, g10, g01, g11), lerp2(b00, b10, b01, b11)
}

func rgb8(c interface{ RGBA() (uint32, uint32, uint32, uint32) }) (float64, float64, float64) {
	r, g, b, _ := c.RGBA()
	return float64(r >> 8), float64(g >> 8), float64(b >> 8)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func wrapInt(v, n int) int {
	v %= n
	if v < 0 {
		v += n
	}
	return v
}

func rad(d float64) float64 { return d * math.Pi / 180 }
func deg(r float64) float64 { return r * 180 / math.Pi }
