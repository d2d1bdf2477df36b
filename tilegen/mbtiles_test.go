package tilegen

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"zombiezen.com/go/sqlite"
)

func queryOne(t *testing.T, conn *sqlite.Conn, sql string) int64 {
	t.Helper()
	stmt, _, err := conn.PrepareTransient(sql)
	require.NoError(t, err)
	defer stmt.Finalize()
	row, err := stmt.Step()
	require.NoError(t, err)
	require.True(t, row)
	return stmt.ColumnInt64(0)
}

func writeMBTilesFixture(t *testing.T, path string, compact bool, writes func(w *MBTilesWriter)) {
	t.Helper()
	opts := map[string]string{}
	if compact {
		opts["compact"] = "true"
	}
	w, err := NewMBTilesWriter(&ArchiveConfig{Path: path, Options: opts})
	require.NoError(t, err)
	defer w.Close()
	meta := &Metadata{
		Name:    "test",
		Format:  "pbf",
		MinZoom: 0,
		MaxZoom: 2,
		Bounds:  WorldBounds,
		Layers:  []MetadataLayer{{ID: "poi", Fields: []string{"name"}}},
	}
	require.NoError(t, w.Initialize(meta))
	writes(w)
	require.NoError(t, w.Finish(meta))
}

func TestMBTilesWriterBasic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mbtiles")
	writeMBTilesFixture(t, path, false, func(w *MBTilesWriter) {
		require.NoError(t, w.WriteTile(OrderTMS.Encode(0, 0, 0), []byte("z0"), -1))
		require.NoError(t, w.WriteTile(OrderTMS.Encode(1, 0, 1), []byte("z1"), -1))
	})

	conn, err := sqlite.OpenConn(path, sqlite.OpenReadOnly)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, int64(2), queryOne(t, conn, "SELECT count(*) FROM tiles"))
	// y is stored TMS-flipped: (1<<1)-1-1 = 0
	assert.Equal(t, int64(1), queryOne(t, conn,
		"SELECT count(*) FROM tiles WHERE zoom_level=1 AND tile_column=0 AND tile_row=0"))
	assert.Greater(t, queryOne(t, conn, "SELECT count(*) FROM metadata"), int64(5))
	require.NoError(t, verifyMBTiles(nil, path))
}

func TestMBTilesWriterCompactDedup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mbtiles")
	writeMBTilesFixture(t, path, true, func(w *MBTilesWriter) {
		require.NoError(t, w.WriteTile(OrderTMS.Encode(0, 0, 0), []byte("shared"), 0))
		require.NoError(t, w.WriteTile(OrderTMS.Encode(1, 0, 0), nil, 0))
		require.NoError(t, w.WriteTile(OrderTMS.Encode(1, 0, 1), nil, 0))
	})

	conn, err := sqlite.OpenConn(path, sqlite.OpenReadOnly)
	require.NoError(t, err)
	defer conn.Close()

	// one stored payload, three addressed coordinates, view joins them
	assert.Equal(t, int64(1), queryOne(t, conn, "SELECT count(*) FROM tiles_data"))
	assert.Equal(t, int64(3), queryOne(t, conn, "SELECT count(*) FROM tiles_shallow"))
	assert.Equal(t, int64(3), queryOne(t, conn, "SELECT count(*) FROM tiles"))
	assert.Equal(t, int64(3), queryOne(t, conn,
		"SELECT count(*) FROM tiles WHERE tile_data = x'736861726564'"))
}
