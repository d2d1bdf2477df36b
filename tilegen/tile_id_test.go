package tilegen

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestZxyToID(t *testing.T) {
	assert.Equal(t, uint64(0), ZxyToID(0, 0, 0))
	assert.Equal(t, uint64(1), ZxyToID(1, 0, 0))
	assert.Equal(t, uint64(2), ZxyToID(1, 0, 1))
	assert.Equal(t, uint64(3), ZxyToID(1, 1, 1))
	assert.Equal(t, uint64(4), ZxyToID(1, 1, 0))
	assert.Equal(t, uint64(5), ZxyToID(2, 0, 0))
}

func TestIDToZxy(t *testing.T) {
	z, x, y := IDToZxy(0)
	assert.Equal(t, uint8(0), z)
	assert.Equal(t, uint32(0), x)
	assert.Equal(t, uint32(0), y)
	z, x, y = IDToZxy(19078479)
	assert.Equal(t, uint8(12), z)
	assert.Equal(t, uint32(3423), x)
	assert.Equal(t, uint32(1763), y)
}

func TestHilbertRoundtrip(t *testing.T) {
	var z uint8
	var x, y uint32
	for z = 0; z < 8; z++ {
		for x = 0; x < (1 << z); x++ {
			for y = 0; y < (1 << z); y++ {
				id := OrderHilbert.Encode(z, x, y)
				rz, rx, ry := OrderHilbert.Decode(id)
				if z != rz || x != rx || y != ry {
					t.Fatalf(`fail on %d %d %d`, z, x, y)
				}
			}
		}
	}
}

func TestTMSRoundtrip(t *testing.T) {
	var z uint8
	var x, y uint32
	for z = 0; z < 8; z++ {
		for x = 0; x < (1 << z); x++ {
			for y = 0; y < (1 << z); y++ {
				id := OrderTMS.Encode(z, x, y)
				rz, rx, ry := OrderTMS.Decode(id)
				if z != rz || x != rx || y != ry {
					t.Fatalf(`fail on %d %d %d`, z, x, y)
				}
			}
		}
	}
}

func TestRoundtripExtremes(t *testing.T) {
	dim := uint32(1<<MaxZoom) - 1
	for _, order := range []TileOrder{OrderTMS, OrderHilbert} {
		for _, c := range [][2]uint32{{0, 0}, {dim, 0}, {0, dim}, {dim, dim}} {
			z, x, y := order.Decode(order.Encode(MaxZoom, c[0], c[1]))
			assert.Equal(t, uint8(MaxZoom), z)
			assert.Equal(t, c[0], x)
			assert.Equal(t, c[1], y)
		}
	}
}

func TestTMSZoomOrdering(t *testing.T) {
	// all tiles of a level precede all tiles of the next
	for z := uint8(0); z < 5; z++ {
		maxAtZ := OrderTMS.Encode(z, (1<<z)-1, 0)
		minAtNext := OrderTMS.Encode(z+1, 0, (1<<(z+1))-1)
		assert.Less(t, uint32(maxAtZ), uint32(minAtNext))
	}
}

func TestTMSFlippedY(t *testing.T) {
	// within a column, larger y (lower on screen) sorts earlier
	a := OrderTMS.Encode(2, 1, 3)
	b := OrderTMS.Encode(2, 1, 0)
	assert.Less(t, uint32(a), uint32(b))
}

func TestParentID(t *testing.T) {
	assert.Equal(t, ZxyToID(6, 10, 10), ParentID(ZxyToID(7, 20, 20)))
	assert.Equal(t, ZxyToID(0, 0, 0), ParentID(ZxyToID(1, 1, 1)))
}

func TestEncodeOutOfRangePanics(t *testing.T) {
	assert.Panics(t, func() { OrderTMS.Encode(2, 4, 0) })
	assert.Panics(t, func() { OrderHilbert.Encode(MaxZoom+1, 0, 0) })
}
