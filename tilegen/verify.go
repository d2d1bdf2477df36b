package tilegen

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"strings"

	"zombiezen.com/go/sqlite"
)

// Verify checks a finished archive for internal consistency: entry
// ordering, payload bounds and dedup accounting. Reads exist only for
// verification; serving archives is someone else's job.
func Verify(logger *log.Logger, path string) error {
	switch {
	case strings.HasSuffix(path, ".pmtiles"):
		return verifyPMTiles(logger, path)
	case strings.HasSuffix(path, ".mbtiles"):
		return verifyMBTiles(logger, path)
	}
	return fmt.Errorf("don't know how to verify %q", path)
}

func verifyPMTiles(logger *log.Logger, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	headerBytes := make([]byte, pmtilesHeaderLen)
	if _, err := f.ReadAt(headerBytes, 0); err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	header, err := deserializePMTilesHeader(headerBytes)
	if err != nil {
		return err
	}
	if !header.Clustered {
		return fmt.Errorf("archive is not clustered")
	}

	readSection := func(offset, length uint64) ([]byte, error) {
		buf := make([]byte, length)
		if _, err := f.ReadAt(buf, int64(offset)); err != nil {
			return nil, err
		}
		return buf, nil
	}

	rootBytes, err := readSection(header.RootOffset, header.RootLength)
	if err != nil {
		return fmt.Errorf("reading root directory: %w", err)
	}
	root := deserializePMTilesEntries(bytes.NewBuffer(rootBytes))

	var entries []pmtilesEntry
	for _, e := range root {
		if e.RunLength == 0 {
			leafBytes, err := readSection(header.LeafDirectoryOffset+e.Offset, uint64(e.Length))
			if err != nil {
				return fmt.Errorf("reading leaf directory: %w", err)
			}
			entries = append(entries, deserializePMTilesEntries(bytes.NewBuffer(leafBytes))...)
		} else {
			entries = append(entries, e)
		}
	}

	if uint64(len(entries)) != header.TileEntriesCount {
		return fmt.Errorf("entry count mismatch: header says %d, directories hold %d", header.TileEntriesCount, len(entries))
	}
	var addressed uint64
	offsets := make(map[uint64]struct{})
	for i, e := range entries {
		if i > 0 && e.TileID <= entries[i-1].TileID {
			return fmt.Errorf("entries out of order at index %d: %d after %d", i, e.TileID, entries[i-1].TileID)
		}
		if e.Offset+uint64(e.Length) > header.TileDataLength {
			return fmt.Errorf("entry %d payload out of bounds: %d+%d > %d", i, e.Offset, e.Length, header.TileDataLength)
		}
		addressed += uint64(e.RunLength)
		offsets[e.Offset] = struct{}{}
	}
	if addressed != header.AddressedTilesCount {
		return fmt.Errorf("addressed tiles mismatch: header says %d, entries address %d", header.AddressedTilesCount, addressed)
	}
	if uint64(len(offsets)) != header.TileContentsCount {
		return fmt.Errorf("tile contents mismatch: header says %d, entries reference %d payloads", header.TileContentsCount, len(offsets))
	}
	if logger != nil {
		logger.Printf("ok: %d entries, %d addressed tiles, %d contents, z%d..z%d",
			len(entries), addressed, len(offsets), header.MinZoom, header.MaxZoom)
	}
	return nil
}

func verifyMBTiles(logger *log.Logger, path string) error {
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadOnly)
	if err != nil {
		return err
	}
	defer conn.Close()

	queryInt := func(sql string) (int64, error) {
		stmt, _, err := conn.PrepareTransient(sql)
		if err != nil {
			return 0, err
		}
		defer stmt.Finalize()
		row, err := stmt.Step()
		if err != nil {
			return 0, err
		}
		if !row {
			return 0, fmt.Errorf("no row for %q", sql)
		}
		return stmt.ColumnInt64(0), nil
	}

	metaRows, err := queryInt("SELECT count(*) FROM metadata")
	if err != nil {
		return fmt.Errorf("reading metadata: %w", err)
	}
	if metaRows == 0 {
		return fmt.Errorf("metadata table is empty")
	}
	tiles, err := queryInt("SELECT count(*) FROM tiles")
	if err != nil {
		return fmt.Errorf("reading tiles: %w", err)
	}
	outOfRange, err := queryInt(
		"SELECT count(*) FROM tiles WHERE tile_column < 0 OR tile_row < 0 OR tile_column >= (1 << zoom_level) OR tile_row >= (1 << zoom_level)")
	if err != nil {
		return err
	}
	if outOfRange > 0 {
		return fmt.Errorf("%d tiles out of coordinate range", outOfRange)
	}
	if logger != nil {
		logger.Printf("ok: %d tiles", tiles)
	}
	return nil
}

// ShowArchive prints archive summary information.
func ShowArchive(logger *log.Logger, path string) error {
	if strings.HasSuffix(path, ".pmtiles") {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		headerBytes := make([]byte, pmtilesHeaderLen)
		if _, err := f.ReadAt(headerBytes, 0); err != nil {
			return err
		}
		header, err := deserializePMTilesHeader(headerBytes)
		if err != nil {
			return err
		}
		logger.Printf("pmtiles spec version: %d", pmtilesSpecVersion)
		logger.Printf("addressed tiles: %d", header.AddressedTilesCount)
		logger.Printf("tile entries: %d", header.TileEntriesCount)
		logger.Printf("tile contents: %d", header.TileContentsCount)
		logger.Printf("zoom: %d..%d", header.MinZoom, header.MaxZoom)
		logger.Printf("bounds: %f,%f,%f,%f",
			float64(header.MinLonE7)/1e7, float64(header.MinLatE7)/1e7,
			float64(header.MaxLonE7)/1e7, float64(header.MaxLatE7)/1e7)
		return nil
	}
	return Verify(logger, path)
}
