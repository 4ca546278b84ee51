// Package pano defines the core panorama data model: identifiers, metadata,
// adjacency links, and the zoom-level geometry of tiled equirectangular images.
package pano

import (
	"fmt"
	"math"
	"time"
)

// TileSize is the edge length in pixels of a single upstream tile.
const TileSize = 512

// Link is a directed adjacency from one panorama toward a neighbour.
// Heading is the true-north bearing from the owner to the target.
// Virtual marks synthetic links added to patch missing native adjacency;
// at runtime they behave exactly like native links.
type Link struct {
	TargetID string  `json:"pano_id"`
	Heading  float64 `json:"heading"`
	Distance float64 `json:"distance_meters,omitempty"`
	Virtual  bool    `json:"virtual,omitempty"`
}

// Metadata describes a single panorama. Immutable once fetched.
type Metadata struct {
	PanoID        string    `json:"pano_id"`
	Lat           float64   `json:"lat"`
	Lng           float64   `json:"lng"`
	CaptureDate   string    `json:"capture_date,omitempty"`
	CenterHeading float64   `json:"center_heading"`
	Links         []Link    `json:"links"`
	FetchedAt     time.Time `json:"fetched_at"`
	Source        string    `json:"source"`
}

// Validate checks the coordinate and heading invariants.
func (m *Metadata) Validate() error {
	if m.PanoID == "" {
		return fmt.Errorf("empty pano_id")
	}
	if m.Lat < -90 || m.Lat > 90 {
		return fmt.Errorf("pano %s: lat %.6f out of range", m.PanoID, m.Lat)
	}
	if m.Lng < -180 || m.Lng > 180 {
		return fmt.Errorf("pano %s: lng %.6f out of range", m.PanoID, m.Lng)
	}
	for _, l := range m.Links {
		if l.TargetID == "" {
			return fmt.Errorf("pano %s: link with empty target", m.PanoID)
		}
		if l.Heading < 0 || l.Heading >= 360 {
			return fmt.Errorf("pano %s: link heading %.2f out of range", m.PanoID, l.Heading)
		}
	}
	return nil
}

// NormalizeHeading maps any angle into [0, 360).
func NormalizeHeading(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}

// TileGrid returns the tile grid dimensions (cols, rows) at a zoom level.
// cols = 2^zoom, rows = max(1, 2^(zoom-1)).
func TileGrid(zoom int) (cols, rows int) {
	if zoom <= 0 {
		return 1, 1
	}
	return 1 << zoom, 1 << (zoom - 1)
}

// ImageSize returns the assembled equirectangular image size at a zoom level.
// Width = 512*2^zoom, height = 512*max(1, 2^(zoom-1)).
func ImageSize(zoom int) (w, h int) {
	cols, rows := TileGrid(zoom)
	return cols * TileSize, rows * TileSize
}

// ImageName returns the cache file name for a panorama at a zoom level,
// e.g. "wwkpfmLCWlQ0vinOvd0TpQ_z2.jpg".
func ImageName(panoID string, zoom int) string {
	return fmt.Sprintf("%s_z%d.jpg", panoID, zoom)
}
