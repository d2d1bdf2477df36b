package tilegen

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtentsWorld(t *testing.T) {
	e, err := NewTileExtents(WorldBounds, 0, 3)
	require.NoError(t, err)
	assert.True(t, e.Contains(0, 0, 0))
	assert.True(t, e.Contains(3, 7, 7))
	assert.Equal(t, uint64(1), e.CountAtZoom(0))
	assert.Equal(t, uint64(64), e.CountAtZoom(3))
	assert.Equal(t, uint64(1+4+16+64), e.TotalTiles())
}

func TestExtentsBounded(t *testing.T) {
	// a small box around null island
	bounds := orb.Bound{Min: orb.Point{-1, -1}, Max: orb.Point{1, 1}}
	e, err := NewTileExtents(bounds, 4, 4)
	require.NoError(t, err)
	// the four tiles meeting at (0, 0) at z4 are 7/7, 8/7, 7/8, 8/8
	assert.True(t, e.Contains(4, 7, 7))
	assert.True(t, e.Contains(4, 8, 8))
	assert.False(t, e.Contains(4, 0, 0))
	assert.False(t, e.Contains(4, 15, 15))
	// out of the zoom range
	assert.False(t, e.Contains(3, 0, 0))
}

func TestExtentsInvalidZoom(t *testing.T) {
	_, err := NewTileExtents(WorldBounds, 5, 2)
	assert.Error(t, err)
}
