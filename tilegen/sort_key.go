package tilegen

import "fmt"

// SortKey is the 64-bit key every rendered feature is sorted by before
// tiles are emitted:
//
//	[ tileID:32 | layerID:8 | sortOrder:16 | featureOrder:8 ]
//
// Sorting by the key yields tiles in archive order, layers in declared
// order within a tile, and features by profile sort order within a layer,
// stable by emission order.
type SortKey uint64

const maxSortOrder = 1<<16 - 1

// PackSortKey builds a SortKey. sortOrder is clamped to 16 bits; layer and
// featureOrder beyond their 8-bit range are programmer errors.
func PackSortKey(tile TileID, layer uint8, sortOrder int, featureOrder uint8) SortKey {
	if sortOrder < 0 {
		sortOrder = 0
	} else if sortOrder > maxSortOrder {
		sortOrder = maxSortOrder
	}
	return SortKey(uint64(tile)<<32 | uint64(layer)<<24 | uint64(sortOrder)<<8 | uint64(featureOrder))
}

// Tile extracts the tile id (top 32 bits).
func (k SortKey) Tile() TileID {
	return TileID(k >> 32)
}

// Layer extracts the layer id.
func (k SortKey) Layer() uint8 {
	return uint8(k >> 24)
}

// SortOrder extracts the profile-supplied ordering value.
func (k SortKey) SortOrder() int {
	return int(uint16(k >> 8))
}

// WithinTile returns the portion of the key below the tile id. Two
// features in different tiles with the same layer, order and emission
// position compare equal under it, which is what content fingerprinting
// wants.
func (k SortKey) WithinTile() uint32 {
	return uint32(k)
}

func (k SortKey) String() string {
	return fmt.Sprintf("SortKey(tile=%d layer=%d order=%d)", k.Tile(), k.Layer(), k.SortOrder())
}
