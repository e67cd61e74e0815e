// Package tiler decomposes image rectangles into overlapping tiles and plans
// the regions a large image is split into for distribution across workers.
// All math is pure: producers are restartable from region bounds plus
// parameters and hold no hidden state.
package tiler

import (
	"fmt"

	"github.com/aws-solutions-library-samples/osml-model-runner/internal/imagery"
)

// Rect is a pixel rectangle in full-image coordinate space.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Contains reports whether the point lies inside the rectangle.
func (r Rect) Contains(x, y int) bool {
	return x >= r.X && x < r.X+r.Width && y >= r.Y && y < r.Y+r.Height
}

// Tile describes one inference payload: its upper-left origin in full-image
// pixel space, its clipped dimensions, and the encoding it should be shipped
// with. Edge tiles may be smaller than the configured tile size.
type Tile struct {
	ULX         int                 `json:"ulx"`
	ULY         int                 `json:"uly"`
	Width       int                 `json:"width"`
	Height      int                 `json:"height"`
	Format      imagery.Format      `json:"format"`
	Compression imagery.Compression `json:"compression"`
}

// Bounds returns the tile footprint as a Rect.
func (t Tile) Bounds() Rect {
	return Rect{X: t.ULX, Y: t.ULY, Width: t.Width, Height: t.Height}
}

// axisCount returns how many tiles are needed to span length with the given
// tile size and overlap. When the length does not exceed the overlap a single
// clipped tile covers it.
func axisCount(length, size, overlap int) int {
	if length <= 0 {
		return 0
	}
	if length <= overlap {
		return 1
	}
	stride := size - overlap
	return ceilDiv(length-overlap, stride)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// Producer is a pull-based iterator over the tiles of a region. Tiles are
// produced row-major starting at the region's upper-left corner, spaced by
// (size - overlap), with the last row/column clipped to the region rectangle.
type Producer struct {
	region      Rect
	size        int
	overlap     int
	format      imagery.Format
	compression imagery.Compression
	cols        int
	rows        int
	next        int
}

// NewProducer builds a tile producer for the region. The overlap must be
// non-negative and strictly smaller than the tile size.
func NewProducer(region Rect, size, overlap int, format imagery.Format, compression imagery.Compression) (*Producer, error) {
	if size < 1 {
		return nil, fmt.Errorf("tile size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("tile overlap %d is invalid for tile size %d", overlap, size)
	}
	return &Producer{
		region:      region,
		size:        size,
		overlap:     overlap,
		format:      format,
		compression: compression,
		cols:        axisCount(region.Width, size, overlap),
		rows:        axisCount(region.Height, size, overlap),
	}, nil
}

// Count returns the total number of tiles the producer will emit.
func (p *Producer) Count() int {
	return p.cols * p.rows
}

// Reset rewinds the iterator to the first tile.
func (p *Producer) Reset() {
	p.next = 0
}

// Next returns the next tile descriptor, or false when the region is
// exhausted.
func (p *Producer) Next() (Tile, bool) {
	if p.next >= p.Count() {
		return Tile{}, false
	}
	col := p.next % p.cols
	row := p.next / p.cols
	p.next++

	stride := p.size - p.overlap
	ulx := p.region.X + col*stride
	uly := p.region.Y + row*stride
	return Tile{
		ULX:         ulx,
		ULY:         uly,
		Width:       min(p.size, p.region.X+p.region.Width-ulx),
		Height:      min(p.size, p.region.Y+p.region.Height-uly),
		Format:      p.format,
		Compression: p.compression,
	}, true
}

// Tiles drains the producer into a slice. Primarily a test convenience.
func (p *Producer) Tiles() []Tile {
	out := make([]Tile, 0, p.Count())
	for {
		t, ok := p.Next()
		if !ok {
			return out
		}
		out = append(out, t)
	}
}

// PlanRegions partitions the full processing bounds into region rectangles of
// side at most regionSize. Adjacent regions share the tile overlap so that
// detections straddling a region boundary appear in both neighbors and can be
// deduplicated during aggregation.
func PlanRegions(bounds Rect, regionSize, tileOverlap int) ([]Rect, error) {
	if regionSize < 1 {
		return nil, fmt.Errorf("region size must be positive, got %d", regionSize)
	}
	if tileOverlap < 0 || tileOverlap >= regionSize {
		return nil, fmt.Errorf("tile overlap %d is invalid for region size %d", tileOverlap, regionSize)
	}
	cols := axisCount(bounds.Width, regionSize, tileOverlap)
	rows := axisCount(bounds.Height, regionSize, tileOverlap)
	stride := regionSize - tileOverlap

	regions := make([]Rect, 0, cols*rows)
	for row := range rows {
		for col := range cols {
			x := bounds.X + col*stride
			y := bounds.Y + row*stride
			regions = append(regions, Rect{
				X:      x,
				Y:      y,
				Width:  min(regionSize, bounds.X+bounds.Width-x),
				Height: min(regionSize, bounds.Y+bounds.Height-y),
			})
		}
	}
	return regions, nil
}
