package pano

import "testing"

func TestTileGrid(t *testing.T) {
	tests := []struct {
		zoom       int
		cols, rows int
	}{
		{0, 1, 1},
		{1, 2, 1},
		{2, 4, 2},
		{3, 8, 4},
		{5, 32, 16},
	}

	for _, tt := range tests {
		cols, rows := TileGrid(tt.zoom)
		if cols != tt.cols || rows != tt.rows {
			t.Errorf("TileGrid(%d) = (%d, %d), want (%d, %d)",
				tt.zoom, cols, rows, tt.cols, tt.rows)
		}
	}
}

func TestImageSize(t *testing.T) {
	tests := []struct {
		zoom int
		w, h int
	}{
		{0, 512, 512},
		{1, 1024, 512},
		{2, 2048, 1024},
		{3, 4096, 2048},
	}

	for _, tt := range tests {
		w, h := ImageSize(tt.zoom)
		if w != tt.w || h != tt.h {
			t.Errorf("ImageSize(%d) = (%d, %d), want (%d, %d)", tt.zoom, w, h, tt.w, tt.h)
		}
	}
}

func TestNormalizeHeading(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0, 0},
		{360, 0},
		{-90, 270},
		{450, 90},
		{359.99, 359.99},
		{-0.5, 359.5},
	}

	for _, tt := range tests {
		if got := NormalizeHeading(tt.in); got != tt.want {
			t.Errorf("NormalizeHeading(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestImageName(t *testing.T) {
	if got := ImageName("wwkpfmLCWlQ0vinOvd0TpQ", 2); got != "wwkpfmLCWlQ0vinOvd0TpQ_z2.jpg" {
		t.Errorf("ImageName = %s", got)
	}
}

func TestMetadataValidate(t *testing.T) {
	valid := Metadata{
		PanoID: "p1", Lat: 35.0, Lng: 139.7,
		Links: []Link{{TargetID: "p2", Heading: 90}},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid metadata rejected: %v", err)
	}

	tests := []struct {
		name string
		m    Metadata
	}{
		{"empty id", Metadata{Lat: 0, Lng: 0}},
		{"lat range", Metadata{PanoID: "p", Lat: 91}},
		{"lng range", Metadata{PanoID: "p", Lng: -181}},
		{"link target", Metadata{PanoID: "p", Links: []Link{{Heading: 10}}}},
		{"link heading", Metadata{PanoID: "p", Links: []Link{{TargetID: "q", Heading: 360}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.m.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
