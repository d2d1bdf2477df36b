package tilegen

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWrite struct {
	id     TileID
	data   []byte
	dataID int64
}

type fakeArchive struct {
	order       TileOrder
	dedup       bool
	initialized bool
	finished    bool
	writes      []fakeWrite
}

func (a *fakeArchive) Order() TileOrder          { return a.order }
func (a *fakeArchive) Deduplicates() bool        { return a.dedup }
func (a *fakeArchive) Initialize(*Metadata) error { a.initialized = true; return nil }
func (a *fakeArchive) Finish(*Metadata) error     { a.finished = true; return nil }
func (a *fakeArchive) Close() error               { return nil }

func (a *fakeArchive) WriteTile(id TileID, data []byte, dataID int64) error {
	a.writes = append(a.writes, fakeWrite{id, data, dataID})
	return nil
}

func sinkBatches(t *testing.T, archive *fakeArchive, tiles ...EncodedTile) *WriterOrderedSink {
	t.Helper()
	sink := NewWriterOrderedSink(nil, &Stats{}, archive)
	batch := newTileBatch()
	batch.Result <- tiles
	queue := make(chan *TileBatch, 1)
	queue <- batch
	close(queue)
	require.NoError(t, sink.Run(context.Background(), queue))
	return sink
}

func TestSinkDedup(t *testing.T) {
	// three tiles with identical bytes store exactly one payload
	archive := &fakeArchive{order: OrderHilbert, dedup: true}
	data := []byte{0x0a, 0x02}
	hash := ContentHash(data)
	sink := sinkBatches(t, archive,
		EncodedTile{ID: 0, Data: data, Hash: hash, HasHash: true},
		EncodedTile{ID: 1, Data: data, Hash: hash, HasHash: true},
		EncodedTile{ID: 2, Data: data, Hash: hash, HasHash: true},
	)

	require.Len(t, archive.writes, 3)
	assert.NotNil(t, archive.writes[0].data)
	assert.Nil(t, archive.writes[1].data)
	assert.Nil(t, archive.writes[2].data)
	for _, w := range archive.writes {
		assert.Equal(t, int64(0), w.dataID)
	}
	assert.Equal(t, int64(1), sink.NumTileContents())
}

func TestSinkDistinctPayloads(t *testing.T) {
	archive := &fakeArchive{order: OrderHilbert, dedup: true}
	a := []byte{1}
	b := []byte{2}
	sink := sinkBatches(t, archive,
		EncodedTile{ID: 0, Data: a, Hash: ContentHash(a), HasHash: true},
		EncodedTile{ID: 1, Data: b, Hash: ContentHash(b), HasHash: true},
		EncodedTile{ID: 2, Data: a, Hash: ContentHash(a), HasHash: true},
	)
	assert.Equal(t, int64(2), sink.NumTileContents())
	assert.Equal(t, int64(0), archive.writes[0].dataID)
	assert.Equal(t, int64(1), archive.writes[1].dataID)
	assert.Equal(t, int64(0), archive.writes[2].dataID)
}

func TestSinkUnhashedAlwaysFresh(t *testing.T) {
	archive := &fakeArchive{order: OrderHilbert, dedup: true}
	data := []byte{9}
	sink := sinkBatches(t, archive,
		EncodedTile{ID: 0, Data: data},
		EncodedTile{ID: 1, Data: data},
	)
	assert.Equal(t, int64(2), sink.NumTileContents())
	assert.NotNil(t, archive.writes[1].data)
}

func TestSinkOrderAssertion(t *testing.T) {
	archive := &fakeArchive{order: OrderHilbert}
	sink := NewWriterOrderedSink(nil, &Stats{}, archive)
	batch := newTileBatch()
	batch.Result <- []EncodedTile{
		{ID: 5, Data: []byte{1}},
		{ID: 3, Data: []byte{1}},
	}
	queue := make(chan *TileBatch, 1)
	queue <- batch
	close(queue)
	assert.Panics(t, func() { sink.Run(context.Background(), queue) })
}

func TestSinkRestoresBatchOrder(t *testing.T) {
	// batches complete out of order but tiles leave in submission order
	archive := &fakeArchive{order: OrderHilbert}
	sink := NewWriterOrderedSink(nil, &Stats{}, archive)

	b1 := newTileBatch()
	b2 := newTileBatch()
	queue := make(chan *TileBatch, 2)
	queue <- b1
	queue <- b2
	close(queue)

	// second batch finishes first
	b2.Result <- []EncodedTile{{ID: 10, Data: []byte{2}}}
	b1.Result <- []EncodedTile{{ID: 4, Data: []byte{1}}}

	require.NoError(t, sink.Run(context.Background(), queue))
	require.Len(t, archive.writes, 2)
	assert.Equal(t, TileID(4), archive.writes[0].id)
	assert.Equal(t, TileID(10), archive.writes[1].id)
}

func TestEndToEndOrdering(t *testing.T) {
	// feed 100 tiles in random order through sort -> group -> batch ->
	// encode -> sink and assert the archive sees them in tile order
	registry := NewLayerRegistry()
	layer := registry.Layer("poi")

	sorter, err := NewExternalMergeSort(nil, t.TempDir(), 2048)
	require.NoError(t, err)
	defer sorter.Close()

	rng := rand.New(rand.NewSource(7))
	ids := rng.Perm(100)
	for _, id := range ids {
		f := &RenderedFeature{
			Key:    PackSortKey(TileID(id), layer.ID, 0, 0),
			Geom:   GeomPoint,
			Coords: [][]Coord{{{int32(id), int32(id)}}},
		}
		require.NoError(t, sorter.Append(uint64(f.Key), f.Marshal(nil)))
	}
	require.NoError(t, sorter.Finish())
	it, err := sorter.Iter()
	require.NoError(t, err)
	defer it.Close()

	groups := NewGroupReader(nil, it, registry, &testProfile{}, OrderHilbert)
	encodeQueue := make(chan *TileBatch, 10)
	writerQueue := make(chan *TileBatch, 10)
	archive := &fakeArchive{order: OrderHilbert}
	sink := NewWriterOrderedSink(nil, &Stats{}, archive)
	enc := NewTileEncoder(nil, nil, CompressionNone, false, false, 0)

	ctx := context.Background()
	errs := make(chan error, 3)
	go func() { errs <- Batch(ctx, groups, encodeQueue, writerQueue) }()
	go func() { errs <- enc.Run(ctx, encodeQueue) }()
	go func() { errs <- sink.Run(ctx, writerQueue) }()
	for i := 0; i < 3; i++ {
		require.NoError(t, <-errs)
	}

	require.Len(t, archive.writes, 100)
	for i, w := range archive.writes {
		assert.Equal(t, TileID(i), w.id)
	}
}
