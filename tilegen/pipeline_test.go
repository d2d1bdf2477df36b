package tilegen

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func oceanProfile() *testProfile {
	return &testProfile{
		process: func(f *SourceFeature, e *FeatureEmitter) {
			e.Polygon("ocean")
		},
	}
}

func oceanSource() *MemSource {
	// extends past the world edge so edge tiles clip to the same
	// buffered rectangle as interior tiles
	return &MemSource{
		SourceName: "ne",
		Features: []*SourceFeature{
			{Geometry: makePolygon(-190, -88, 190, 88)},
		},
	}
}

func testConfig(output string) Config {
	cfg := DefaultConfig()
	cfg.Threads = 2
	cfg.MaxZoom = 2
	cfg.Output = output
	cfg.Progress = false
	return cfg
}

func TestGenerateFullOceanPMTiles(t *testing.T) {
	// a world-covering polygon at z0..2 stores one payload addressed by
	// all 21 tiles
	path := filepath.Join(t.TempDir(), "ocean.pmtiles")
	cfg := testConfig(path)

	p := NewPipeline(nil, oceanProfile(), []Source{oceanSource()}, cfg)
	require.NoError(t, p.Run(context.Background()))

	require.NoError(t, Verify(nil, path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	headerBytes := make([]byte, pmtilesHeaderLen)
	_, err = f.ReadAt(headerBytes, 0)
	require.NoError(t, err)
	header, err := deserializePMTilesHeader(headerBytes)
	require.NoError(t, err)

	assert.Equal(t, uint64(21), header.AddressedTilesCount)
	assert.Equal(t, uint64(1), header.TileContentsCount)
	assert.Equal(t, int64(21), p.Stats().AddressedTiles.Load())
	assert.Equal(t, int64(1), p.Stats().TileContents.Load())
}

func TestGenerateSkipFilledTiles(t *testing.T) {
	// with fill skipping on, a pure-ocean pyramid stores nothing
	path := filepath.Join(t.TempDir(), "ocean.pmtiles")
	cfg := testConfig(path)
	cfg.SkipFilledTiles = true

	p := NewPipeline(nil, oceanProfile(), []Source{oceanSource()}, cfg)
	require.NoError(t, p.Run(context.Background()))

	require.NoError(t, Verify(nil, path))
	assert.Equal(t, int64(0), p.Stats().TilesWritten())
}

func TestGenerateSinglePointStream(t *testing.T) {
	// one unbuffered point at the origin lands in exactly one tile per
	// zoom, at the tile-local center of the world
	path := filepath.Join(t.TempDir(), "point.json")
	cfg := testConfig(path)
	cfg.MaxZoom = 1
	cfg.Compression = CompressionNone

	profile := &testProfile{
		process: func(f *SourceFeature, e *FeatureEmitter) {
			e.Point("poi").Buffer(0).Attr("name", StringValue("origin"))
		},
	}
	source := &MemSource{
		SourceName: "test",
		Features:   []*SourceFeature{{Geometry: orb.Point{0, 0}}},
	}
	require.NoError(t, Generate(context.Background(), nil, profile, []Source{source}, cfg))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var records []streamRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec streamRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, records, 2)
	assert.Equal(t, uint8(0), records[0].Z)
	assert.Equal(t, uint32(0), records[0].X)
	assert.Equal(t, uint32(0), records[0].Y)
	assert.Equal(t, uint8(1), records[1].Z)
	assert.Equal(t, uint32(1), records[1].X)
	assert.Equal(t, uint32(1), records[1].Y)
	assert.NotEmpty(t, records[0].Data)
}

func TestGenerateMBTilesCompact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ocean.mbtiles")
	cfg := testConfig(path + "?compact=true")

	p := NewPipeline(nil, oceanProfile(), []Source{oceanSource()}, cfg)
	require.NoError(t, p.Run(context.Background()))

	require.NoError(t, Verify(nil, path))
	assert.Equal(t, int64(21), p.Stats().AddressedTiles.Load())
	assert.Equal(t, int64(1), p.Stats().TileContents.Load())
}

func TestGeneratePostProcessErrorRecovers(t *testing.T) {
	// a profile raising on post-process still gets its tiles, unchanged
	path := filepath.Join(t.TempDir(), "ocean.pmtiles")
	cfg := testConfig(path)

	profile := oceanProfile()
	profile.postProcess = func(layer string, zoom uint8, fs []*RenderedFeature) ([]*RenderedFeature, error) {
		if zoom == 1 {
			return nil, errors.New("synthetic geometry error")
		}
		return fs, nil
	}
	p := NewPipeline(nil, profile, []Source{oceanSource()}, cfg)
	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, int64(21), p.Stats().AddressedTiles.Load())
}

func TestGenerateCancelledLeavesNoOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ocean.pmtiles")
	cfg := testConfig(path)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Generate(ctx, nil, oceanProfile(), []Source{oceanSource()}, cfg)
	require.Error(t, err)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(statErr))
}

func TestGenerateSkipsUncaredSources(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.pmtiles")
	cfg := testConfig(path)

	src := &MemSource{SourceName: "ignored", Features: []*SourceFeature{{Geometry: orb.Point{0, 0}}}}
	cares := &caringProfile{testProfile: oceanProfile(), cared: "ne"}
	p := NewPipeline(nil, cares, []Source{src, oceanSource()}, cfg)
	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, int64(1), p.Stats().FeaturesRead.Load())
}

type caringProfile struct {
	*testProfile
	cared string
}

func (p *caringProfile) CaresAboutSource(name string) bool { return name == p.cared }
