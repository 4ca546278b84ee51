package preload

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"

	xdraw "golang.org/x/image/draw"

	"github.com/MeKo-Tech/panowalk/internal/pano"
)

// TileKey addresses one tile within a panorama's grid.
type TileKey struct {
	X, Y int
}

// Stitch assembles downloaded tiles into one equirectangular image.
// Every grid position must be present.
func Stitch(tiles map[TileKey][]byte, zoom int) (*image.RGBA, error) {
	cols, rows := pano.TileGrid(zoom)
	w, h := pano.ImageSize(zoom)
	out := image.NewRGBA(image.Rect(0, 0, w, h))

	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			data, ok := tiles[TileKey{x, y}]
			if !ok {
				return nil, fmt.Errorf("missing tile (%d,%d) at zoom %d", x, y, zoom)
			}
			tile, err := jpeg.Decode(bytes.NewReader(data))
			if err != nil {
				return nil, fmt.Errorf("failed to decode tile (%d,%d): %w", x, y, err)
			}
			dst := image.Rect(x*pano.TileSize, y*pano.TileSize,
				(x+1)*pano.TileSize, (y+1)*pano.TileSize)
			draw.Draw(out, dst, tile, tile.Bounds().Min, draw.Src)
		}
	}
	return out, nil
}

// Downscale derives a lower-zoom panorama from an assembled higher-zoom one,
// so lower zooms never cost extra upstream fetches.
func Downscale(src image.Image, toZoom int) *image.RGBA {
	w, h := pano.ImageSize(toZoom)
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(out, out.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return out
}

// EncodeJPEG encodes an image at the cache's quality setting.
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("failed to encode panorama: %w", err)
	}
	return buf.Bytes(), nil
}
