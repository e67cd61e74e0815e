package tiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aws-solutions-library-samples/osml-model-runner/internal/imagery"
)

func newTestProducer(t *testing.T, region Rect, size, overlap int) *Producer {
	t.Helper()
	p, err := NewProducer(region, size, overlap, imagery.PNG, imagery.CompressionNone)
	require.NoError(t, err)
	return p
}

func TestProducerSingleTileSmallRegion(t *testing.T) {
	p := newTestProducer(t, Rect{X: 0, Y: 0, Width: 1000, Height: 800}, 2048, 0)
	tiles := p.Tiles()
	require.Len(t, tiles, 1)
	assert.Equal(t, 0, tiles[0].ULX)
	assert.Equal(t, 0, tiles[0].ULY)
	assert.Equal(t, 1000, tiles[0].Width)
	assert.Equal(t, 800, tiles[0].Height)
}

func TestProducerTileSizeEqualsRegionSize(t *testing.T) {
	p := newTestProducer(t, Rect{Width: 2048, Height: 2048}, 2048, 50)
	assert.Equal(t, 1, p.Count())
	tiles := p.Tiles()
	require.Len(t, tiles, 1)
	assert.Equal(t, 2048, tiles[0].Width)
	assert.Equal(t, 2048, tiles[0].Height)
}

func TestProducerNoOverlapTilesExactly(t *testing.T) {
	p := newTestProducer(t, Rect{Width: 4096, Height: 2048}, 1024, 0)
	tiles := p.Tiles()
	require.Len(t, tiles, 8)

	// Tiles must partition the region with no gaps or overlaps.
	covered := 0
	for _, tile := range tiles {
		covered += tile.Width * tile.Height
		assert.Equal(t, 0, tile.ULX%1024)
		assert.Equal(t, 0, tile.ULY%1024)
	}
	assert.Equal(t, 4096*2048, covered)
}

func TestProducerOverlapStride(t *testing.T) {
	region := Rect{X: 100, Y: 200, Width: 5000, Height: 3000}
	p := newTestProducer(t, region, 2048, 50)
	tiles := p.Tiles()

	// stride = 1998: ceil((5000-50)/1998)=3 cols, ceil((3000-50)/1998)=2 rows
	require.Len(t, tiles, 6)
	assert.Equal(t, 100, tiles[0].ULX)
	assert.Equal(t, 100+1998, tiles[1].ULX)
	assert.Equal(t, 200+1998, tiles[3].ULY)

	for _, tile := range tiles {
		assert.LessOrEqual(t, tile.ULX+tile.Width, region.X+region.Width)
		assert.LessOrEqual(t, tile.ULY+tile.Height, region.Y+region.Height)
		assert.Positive(t, tile.Width)
		assert.Positive(t, tile.Height)
	}
}

func TestProducerCountFormula(t *testing.T) {
	tests := []struct {
		w, h, size, overlap int
		want                int
	}{
		{20000, 20000, 2048, 50, 100}, // ceil(19950/1998) = 10 per axis
		{8192, 8192, 2048, 0, 16},
		{100, 100, 60, 30, 9}, // ceil(70/30) = 3 per axis
		{30, 30, 60, 30, 1},   // dims <= overlap: one clipped tile
	}
	for _, tt := range tests {
		p := newTestProducer(t, Rect{Width: tt.w, Height: tt.h}, tt.size, tt.overlap)
		assert.Equal(t, tt.want, p.Count())
		assert.Len(t, p.Tiles(), p.Count())
	}
}

func TestProducerReset(t *testing.T) {
	p := newTestProducer(t, Rect{Width: 4096, Height: 4096}, 2048, 0)
	first := p.Tiles()
	p.Reset()
	second := p.Tiles()
	assert.Equal(t, first, second)
}

func TestProducerRejectsBadParameters(t *testing.T) {
	_, err := NewProducer(Rect{Width: 100, Height: 100}, 0, 0, imagery.PNG, imagery.CompressionNone)
	assert.Error(t, err)
	_, err = NewProducer(Rect{Width: 100, Height: 100}, 50, 50, imagery.PNG, imagery.CompressionNone)
	assert.Error(t, err)
	_, err = NewProducer(Rect{Width: 100, Height: 100}, 50, -1, imagery.PNG, imagery.CompressionNone)
	assert.Error(t, err)
}

func TestPlanRegionsThreeByThree(t *testing.T) {
	regions, err := PlanRegions(Rect{Width: 20000, Height: 20000}, 8192, 50)
	require.NoError(t, err)
	// stride = 8142: ceil(19950/8142) = 3 per axis
	require.Len(t, regions, 9)
	assert.Equal(t, Rect{X: 0, Y: 0, Width: 8192, Height: 8192}, regions[0])
	assert.Equal(t, 8142, regions[1].X)
	last := regions[8]
	assert.Equal(t, 20000, last.X+last.Width)
	assert.Equal(t, 20000, last.Y+last.Height)
}

func TestPlanRegionsSingleRegion(t *testing.T) {
	regions, err := PlanRegions(Rect{Width: 1000, Height: 800}, 8192, 0)
	require.NoError(t, err)
	require.Len(t, regions, 1)
	assert.Equal(t, Rect{Width: 1000, Height: 800}, regions[0])
}

func TestPlanRegionsRejectsBadParameters(t *testing.T) {
	_, err := PlanRegions(Rect{Width: 100, Height: 100}, 0, 0)
	assert.Error(t, err)
	_, err = PlanRegions(Rect{Width: 100, Height: 100}, 100, 100)
	assert.Error(t, err)
}
