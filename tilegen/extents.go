package tilegen

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/maptile/tilecover"
)

// WorldBounds covers the whole web-mercator square.
var WorldBounds = orb.Bound{Min: orb.Point{-180, -85.0511}, Max: orb.Point{180, 85.0511}}

// TileExtents is the set of candidate tiles per zoom for a bounded
// generation run. The renderer consults it to skip out-of-bounds tiles.
type TileExtents struct {
	Bounds  orb.Bound
	MinZoom uint8
	MaxZoom uint8

	world bool
	// per-zoom Hilbert tile id sets, nil when world
	levels []*roaring64.Bitmap
}

// NewTileExtents builds coverage bitmaps for the bound at each zoom.
// A bound covering the whole world skips the bitmaps entirely.
func NewTileExtents(bounds orb.Bound, minZoom, maxZoom uint8) (*TileExtents, error) {
	if maxZoom > MaxZoom || minZoom > maxZoom {
		return nil, fmt.Errorf("invalid zoom range %d..%d", minZoom, maxZoom)
	}
	e := &TileExtents{Bounds: bounds, MinZoom: minZoom, MaxZoom: maxZoom}
	if bounds.Min[0] <= WorldBounds.Min[0] && bounds.Min[1] <= WorldBounds.Min[1] &&
		bounds.Max[0] >= WorldBounds.Max[0] && bounds.Max[1] >= WorldBounds.Max[1] {
		e.world = true
		return e, nil
	}
	e.levels = make([]*roaring64.Bitmap, maxZoom+1)
	for z := minZoom; z <= maxZoom; z++ {
		set, err := tilecover.Geometry(bounds, maptile.Zoom(z))
		if err != nil {
			return nil, fmt.Errorf("covering bounds at z%d: %w", z, err)
		}
		bm := roaring64.New()
		for t := range set {
			bm.Add(ZxyToID(uint8(t.Z), t.X, t.Y))
		}
		e.levels[z] = bm
	}
	return e, nil
}

// Contains reports whether the tile is inside the generation extent.
func (e *TileExtents) Contains(z uint8, x, y uint32) bool {
	if e == nil || e.world {
		return true
	}
	if z < e.MinZoom || z > e.MaxZoom {
		return false
	}
	return e.levels[z].Contains(ZxyToID(z, x, y))
}

// CountAtZoom returns how many tiles the extent covers at a zoom.
func (e *TileExtents) CountAtZoom(z uint8) uint64 {
	if e.world {
		return (uint64(1) << z) * (uint64(1) << z)
	}
	if z < e.MinZoom || z > e.MaxZoom {
		return 0
	}
	return e.levels[z].GetCardinality()
}

// TotalTiles returns the number of candidate tiles across all zooms.
func (e *TileExtents) TotalTiles() uint64 {
	var total uint64
	for z := e.MinZoom; z <= e.MaxZoom; z++ {
		total += e.CountAtZoom(z)
	}
	return total
}
