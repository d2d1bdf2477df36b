package tilegen

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSortKeyFields(t *testing.T) {
	tile := OrderHilbert.Encode(3, 2, 5)
	k := PackSortKey(tile, 7, 1000, 42)
	assert.Equal(t, tile, k.Tile())
	assert.Equal(t, uint8(7), k.Layer())
	assert.Equal(t, 1000, k.SortOrder())
}

func TestSortKeyTileDominates(t *testing.T) {
	// a feature in an earlier tile sorts before any feature in a later
	// tile regardless of layer and sort order
	early := PackSortKey(TileID(10), 255, maxSortOrder, 255)
	late := PackSortKey(TileID(11), 0, 0, 0)
	assert.Less(t, uint64(early), uint64(late))
}

func TestSortKeyLayerThenOrder(t *testing.T) {
	tile := TileID(99)
	assert.Less(t,
		uint64(PackSortKey(tile, 0, 500, 0)),
		uint64(PackSortKey(tile, 1, 0, 0)))
	assert.Less(t,
		uint64(PackSortKey(tile, 1, 3, 200)),
		uint64(PackSortKey(tile, 1, 4, 0)))
}

func TestSortKeyMonotoneWithTileOrder(t *testing.T) {
	// property 1: key ordering matches archive tile ordering
	for _, order := range []TileOrder{OrderTMS, OrderHilbert} {
		coords := [][3]uint32{{0, 0, 0}, {1, 0, 1}, {2, 3, 1}, {3, 5, 5}, {4, 9, 2}}
		for _, a := range coords {
			for _, b := range coords {
				ta := order.Encode(uint8(a[0]), a[1], a[2])
				tb := order.Encode(uint8(b[0]), b[1], b[2])
				ka := PackSortKey(ta, 0, 0, 0)
				kb := PackSortKey(tb, 0, 0, 0)
				assert.Equal(t, ta < tb, ka < kb)
			}
		}
	}
}

func TestSortKeyClampsSortOrder(t *testing.T) {
	tile := TileID(1)
	assert.Equal(t, maxSortOrder, PackSortKey(tile, 0, 1<<20, 0).SortOrder())
	assert.Equal(t, 0, PackSortKey(tile, 0, -5, 0).SortOrder())
}
