package tilegen

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testProfile lets tests override callbacks piecemeal.
type testProfile struct {
	process     func(f *SourceFeature, e *FeatureEmitter)
	postProcess func(layer string, zoom uint8, features []*RenderedFeature) ([]*RenderedFeature, error)
}

func (p *testProfile) Name() string                      { return "test" }
func (p *testProfile) Description() string               { return "" }
func (p *testProfile) Attribution() string               { return "" }
func (p *testProfile) Version() string                   { return "1" }
func (p *testProfile) IsOverlay() bool                   { return false }
func (p *testProfile) CaresAboutSource(name string) bool { return true }

func (p *testProfile) ProcessFeature(f *SourceFeature, e *FeatureEmitter) {
	if p.process != nil {
		p.process(f, e)
	}
}

func (p *testProfile) PostProcessLayerFeatures(layer string, zoom uint8, features []*RenderedFeature) ([]*RenderedFeature, error) {
	if p.postProcess != nil {
		return p.postProcess(layer, zoom, features)
	}
	return features, nil
}

// spillFeatures runs rendered features through a sorter and returns a
// group reader over them.
func spillFeatures(t *testing.T, registry *LayerRegistry, profile Profile, features []*RenderedFeature) (*GroupReader, func()) {
	t.Helper()
	s, err := NewExternalMergeSort(nil, t.TempDir(), 1<<20)
	require.NoError(t, err)
	for _, f := range features {
		require.NoError(t, s.Append(uint64(f.Key), f.Marshal(nil)))
	}
	require.NoError(t, s.Finish())
	it, err := s.Iter()
	require.NoError(t, err)
	return NewGroupReader(nil, it, registry, profile, OrderHilbert), func() {
		it.Close()
		s.Close()
	}
}

func pointFeature(tile TileID, layer *LayerInfo, order int, x, y int32) *RenderedFeature {
	return &RenderedFeature{
		Key:    PackSortKey(tile, layer.ID, order, 0),
		Geom:   GeomPoint,
		Coords: [][]Coord{{{x, y}}},
	}
}

func TestGroupReaderSplitsByTile(t *testing.T) {
	registry := NewLayerRegistry()
	poi := registry.Layer("poi")
	roads := registry.Layer("roads")

	features := []*RenderedFeature{
		pointFeature(TileID(1), poi, 0, 10, 10),
		pointFeature(TileID(1), roads, 0, 20, 20),
		pointFeature(TileID(2), poi, 0, 30, 30),
	}
	reader, done := spillFeatures(t, registry, &testProfile{}, features)
	defer done()

	g1, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, TileID(1), g1.ID)
	require.Len(t, g1.Layers, 2)
	assert.Equal(t, "poi", g1.Layers[0].Info.Name)
	assert.Equal(t, "roads", g1.Layers[1].Info.Name)
	assert.Equal(t, 2, g1.NumFeatures())

	g2, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, TileID(2), g2.ID)
	assert.Equal(t, 1, g2.NumFeatures())

	_, err = reader.Next()
	assert.Equal(t, io.EOF, err)
}

func TestGroupReaderSortOrderWithinLayer(t *testing.T) {
	registry := NewLayerRegistry()
	poi := registry.Layer("poi")
	features := []*RenderedFeature{
		pointFeature(TileID(5), poi, 9, 1, 1),
		pointFeature(TileID(5), poi, 2, 2, 2),
		pointFeature(TileID(5), poi, 5, 3, 3),
	}
	reader, done := spillFeatures(t, registry, &testProfile{}, features)
	defer done()

	g, err := reader.Next()
	require.NoError(t, err)
	require.Len(t, g.Layers, 1)
	got := g.Layers[0].Features
	require.Len(t, got, 3)
	assert.Equal(t, 2, got[0].Key.SortOrder())
	assert.Equal(t, 5, got[1].Key.SortOrder())
	assert.Equal(t, 9, got[2].Key.SortOrder())
}

func TestGroupReaderPostProcessError(t *testing.T) {
	// a recoverable post-process error passes the originals through
	registry := NewLayerRegistry()
	poi := registry.Layer("poi")
	profile := &testProfile{
		postProcess: func(string, uint8, []*RenderedFeature) ([]*RenderedFeature, error) {
			return nil, errors.New("self-intersection")
		},
	}
	features := []*RenderedFeature{
		pointFeature(TileID(1), poi, 0, 10, 10),
		pointFeature(TileID(1), poi, 1, 20, 20),
	}
	reader, done := spillFeatures(t, registry, profile, features)
	defer done()

	g, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, 2, g.NumFeatures())
}

func TestGroupReaderPostProcessRewrites(t *testing.T) {
	registry := NewLayerRegistry()
	poi := registry.Layer("poi")
	profile := &testProfile{
		postProcess: func(_ string, _ uint8, fs []*RenderedFeature) ([]*RenderedFeature, error) {
			return fs[:1], nil
		},
	}
	features := []*RenderedFeature{
		pointFeature(TileID(1), poi, 0, 10, 10),
		pointFeature(TileID(1), poi, 1, 20, 20),
	}
	reader, done := spillFeatures(t, registry, profile, features)
	defer done()

	g, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, 1, g.NumFeatures())
}

func TestGroupFingerprints(t *testing.T) {
	registry := NewLayerRegistry()
	poi := registry.Layer("poi")
	features := []*RenderedFeature{
		pointFeature(TileID(1), poi, 0, 10, 10),
		pointFeature(TileID(2), poi, 0, 10, 10),
		pointFeature(TileID(3), poi, 0, 99, 99),
	}
	reader, done := spillFeatures(t, registry, &testProfile{}, features)
	defer done()

	g1, _ := reader.Next()
	g2, _ := reader.Next()
	g3, _ := reader.Next()
	assert.True(t, g2.HasSameContents(g1))
	assert.False(t, g3.HasSameContents(g2))
	assert.False(t, g1.HasSameContents(nil))
}

func TestLabelGridLimiting(t *testing.T) {
	registry := NewLayerRegistry()
	poi := registry.Layer("poi")
	poi.SetLabelGridLimit(1)

	mk := func(order int, cell uint64) *RenderedFeature {
		f := pointFeature(TileID(1), poi, order, 1, 1)
		f.LabelGrid = cell
		return f
	}
	features := []*RenderedFeature{
		mk(0, 1<<63|5),
		mk(1, 1<<63|5), // same cell, over the limit
		mk(2, 1<<63|9), // different cell
		mk(3, 0),       // ungridded always passes
	}
	reader, done := spillFeatures(t, registry, &testProfile{}, features)
	defer done()

	g, err := reader.Next()
	require.NoError(t, err)
	require.Len(t, g.Layers, 1)
	got := g.Layers[0].Features
	require.Len(t, got, 3)
	assert.Equal(t, 0, got[0].Key.SortOrder())
	assert.Equal(t, 2, got[1].Key.SortOrder())
	assert.Equal(t, 3, got[2].Key.SortOrder())
}
