package tilegen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderedFeatureRoundtrip(t *testing.T) {
	f := &RenderedFeature{
		Key:  PackSortKey(TileID(123), 2, 10, 1),
		Geom: GeomLine,
		Coords: [][]Coord{
			{{0, 0}, {100, -50}, {4096, 4096}},
			{{-64, 4160}, {2048, 2048}},
		},
		Attrs: []Attr{
			{Key: 0, Value: StringValue("motorway")},
			{Key: 1, Value: IntValue(-42)},
			{Key: 2, Value: FloatValue(2.5)},
			{Key: 3, Value: BoolValue(true)},
		},
		ID:        77,
		LabelGrid: 0,
	}
	data := f.Marshal(nil)
	got, err := UnmarshalRenderedFeature(f.Key, data)
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func TestRenderedFeatureTruncated(t *testing.T) {
	f := &RenderedFeature{
		Key:    PackSortKey(TileID(1), 0, 0, 0),
		Geom:   GeomPoint,
		Coords: [][]Coord{{{2048, 2048}}},
	}
	data := f.Marshal(nil)
	_, err := UnmarshalRenderedFeature(f.Key, data[:len(data)-1])
	assert.Error(t, err)
}

func TestLayerRegistryInterning(t *testing.T) {
	r := NewLayerRegistry()
	water := r.Layer("water")
	roads := r.Layer("roads")
	assert.Equal(t, uint8(0), water.ID)
	assert.Equal(t, uint8(1), roads.ID)
	// same name returns the same layer
	assert.Same(t, water, r.Layer("water"))
	assert.Equal(t, []string{"water", "roads"}, r.Names())

	k1 := water.KeyID("class")
	k2 := water.KeyID("name")
	assert.Equal(t, k1, water.KeyID("class"))
	assert.NotEqual(t, k1, k2)
	assert.Equal(t, "class", water.KeyName(k1))
	assert.Equal(t, []string{"class", "name"}, water.Keys())

	// key tables are per layer
	assert.Equal(t, uint32(0), roads.KeyID("highway"))
}

func TestZigzag(t *testing.T) {
	for _, v := range []int32{0, 1, -1, 100, -100, 1 << 30, -(1 << 30)} {
		assert.Equal(t, v, unzigzag(zigzag(v)))
	}
	for _, v := range []int64{0, 1, -1, 1 << 60, -(1 << 60)} {
		assert.Equal(t, v, unzigzag64(zigzag64(v)))
	}
}
