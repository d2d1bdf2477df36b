package tilegen

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"zombiezen.com/go/sqlite"
)

// MBTilesWriter writes an MBTiles (sqlite) archive. The compact variant
// splits tiles into tiles_shallow + tiles_data so deduplicated payloads
// are stored once, with a tiles view providing the standard read schema.
type MBTilesWriter struct {
	path          string
	tmpPath       string
	compact       bool
	noIndex       bool
	vacuumAnalyze bool

	conn        *sqlite.Conn
	insertTile  *sqlite.Stmt
	insertData  *sqlite.Stmt
	inTx        bool
	pendingRows int
	finished    bool
}

const mbtilesTxRows = 10000

func NewMBTilesWriter(cfg *ArchiveConfig) (*MBTilesWriter, error) {
	return &MBTilesWriter{
		path:          cfg.Path,
		tmpPath:       cfg.Path + ".tmp",
		compact:       cfg.BoolOption("compact"),
		noIndex:       cfg.BoolOption("no_index"),
		vacuumAnalyze: cfg.BoolOption("vacuum_analyze"),
	}, nil
}

func (w *MBTilesWriter) Order() TileOrder    { return OrderTMS }
func (w *MBTilesWriter) Deduplicates() bool  { return w.compact }

func (w *MBTilesWriter) exec(sql string) error {
	stmt, _, err := w.conn.PrepareTransient(sql)
	if err != nil {
		return err
	}
	defer stmt.Finalize()
	_, err = stmt.Step()
	return err
}

func (w *MBTilesWriter) Initialize(meta *Metadata) error {
	os.Remove(w.tmpPath)
	conn, err := sqlite.OpenConn(w.tmpPath, sqlite.OpenReadWrite, sqlite.OpenCreate)
	if err != nil {
		return fmt.Errorf("creating mbtiles: %w", err)
	}
	w.conn = conn

	// bulk-load pragmas; the file is renamed into place only on success
	for _, pragma := range []string{
		"PRAGMA synchronous=OFF",
		"PRAGMA journal_mode=OFF",
		"PRAGMA locking_mode=EXCLUSIVE",
	} {
		if err := w.exec(pragma); err != nil {
			return err
		}
	}

	if w.compact {
		stmts := []string{
			"CREATE TABLE tiles_shallow (zoom_level integer, tile_column integer, tile_row integer, tile_data_id integer)",
			"CREATE TABLE tiles_data (tile_data_id integer primary key, tile_data blob)",
			`CREATE VIEW tiles AS SELECT tiles_shallow.zoom_level, tiles_shallow.tile_column, tiles_shallow.tile_row, tiles_data.tile_data
			 FROM tiles_shallow JOIN tiles_data ON tiles_shallow.tile_data_id = tiles_data.tile_data_id`,
		}
		for _, s := range stmts {
			if err := w.exec(s); err != nil {
				return err
			}
		}
	} else {
		if err := w.exec("CREATE TABLE tiles (zoom_level integer, tile_column integer, tile_row integer, tile_data blob)"); err != nil {
			return err
		}
	}
	if err := w.exec("CREATE TABLE metadata (name text, value text)"); err != nil {
		return err
	}

	if err := w.writeMetadata(meta); err != nil {
		return err
	}

	if w.compact {
		w.insertTile = w.conn.Prep("INSERT INTO tiles_shallow (zoom_level, tile_column, tile_row, tile_data_id) VALUES (?, ?, ?, ?)")
		w.insertData = w.conn.Prep("INSERT INTO tiles_data (tile_data_id, tile_data) VALUES (?, ?)")
	} else {
		w.insertTile = w.conn.Prep("INSERT INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)")
	}
	return w.begin()
}

func (w *MBTilesWriter) writeMetadata(meta *Metadata) error {
	layersJSON, err := json.Marshal(map[string]interface{}{"vector_layers": vectorLayers(meta)})
	if err != nil {
		return err
	}
	rows := [][2]string{
		{"name", meta.Name},
		{"description", meta.Description},
		{"attribution", meta.Attribution},
		{"version", meta.Version},
		{"type", meta.Type},
		{"format", "pbf"},
		{"minzoom", strconv.Itoa(int(meta.MinZoom))},
		{"maxzoom", strconv.Itoa(int(meta.MaxZoom))},
		{"bounds", fmt.Sprintf("%f,%f,%f,%f", meta.Bounds.Min[0], meta.Bounds.Min[1], meta.Bounds.Max[0], meta.Bounds.Max[1])},
		{"center", fmt.Sprintf("%f,%f,%d", meta.Center[0], meta.Center[1], meta.CenterZoom)},
		{"json", string(layersJSON)},
	}
	if meta.Compression == CompressionGzip {
		rows = append(rows, [2]string{"compression", "gzip"})
	}
	stmt := w.conn.Prep("INSERT INTO metadata (name, value) VALUES (?, ?)")
	for _, row := range rows {
		if row[1] == "" {
			continue
		}
		stmt.BindText(1, row[0])
		stmt.BindText(2, row[1])
		if _, err := stmt.Step(); err != nil {
			return err
		}
		stmt.ClearBindings()
		stmt.Reset()
	}
	return nil
}

func vectorLayers(meta *Metadata) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(meta.Layers))
	for _, l := range meta.Layers {
		fields := map[string]string{}
		for _, f := range l.Fields {
			fields[f] = "String"
		}
		out = append(out, map[string]interface{}{
			"id":      l.ID,
			"fields":  fields,
			"minzoom": meta.MinZoom,
			"maxzoom": meta.MaxZoom,
		})
	}
	return out
}

func (w *MBTilesWriter) begin() error {
	if err := w.exec("BEGIN"); err != nil {
		return err
	}
	w.inTx = true
	return nil
}

func (w *MBTilesWriter) commit() error {
	if !w.inTx {
		return nil
	}
	w.inTx = false
	return w.exec("COMMIT")
}

func (w *MBTilesWriter) WriteTile(id TileID, data []byte, dataID int64) error {
	z, x, y := OrderTMS.Decode(id)
	flippedY := (int64(1) << z) - 1 - int64(y)

	if w.compact {
		if data != nil {
			w.insertData.BindInt64(1, dataID)
			w.insertData.BindBytes(2, data)
			if _, err := w.insertData.Step(); err != nil {
				return err
			}
			w.insertData.ClearBindings()
			w.insertData.Reset()
		}
		w.insertTile.BindInt64(1, int64(z))
		w.insertTile.BindInt64(2, int64(x))
		w.insertTile.BindInt64(3, flippedY)
		w.insertTile.BindInt64(4, dataID)
	} else {
		if data == nil {
			return nil
		}
		w.insertTile.BindInt64(1, int64(z))
		w.insertTile.BindInt64(2, int64(x))
		w.insertTile.BindInt64(3, flippedY)
		w.insertTile.BindBytes(4, data)
	}
	if _, err := w.insertTile.Step(); err != nil {
		return err
	}
	w.insertTile.ClearBindings()
	w.insertTile.Reset()

	w.pendingRows++
	if w.pendingRows >= mbtilesTxRows {
		w.pendingRows = 0
		if err := w.commit(); err != nil {
			return err
		}
		return w.begin()
	}
	return nil
}

func (w *MBTilesWriter) Finish(meta *Metadata) error {
	if err := w.commit(); err != nil {
		return err
	}
	if !w.noIndex {
		if w.compact {
			if err := w.exec("CREATE UNIQUE INDEX tiles_shallow_index ON tiles_shallow (zoom_level, tile_column, tile_row)"); err != nil {
				return err
			}
		} else {
			if err := w.exec("CREATE UNIQUE INDEX tile_index ON tiles (zoom_level, tile_column, tile_row)"); err != nil {
				return err
			}
		}
	}
	if w.vacuumAnalyze {
		if err := w.exec("VACUUM"); err != nil {
			return err
		}
		if err := w.exec("ANALYZE"); err != nil {
			return err
		}
	}
	if err := w.conn.Close(); err != nil {
		return err
	}
	w.conn = nil
	w.finished = true
	return os.Rename(w.tmpPath, w.path)
}

func (w *MBTilesWriter) Close() error {
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	if !w.finished {
		os.Remove(w.tmpPath)
	}
	return nil
}
