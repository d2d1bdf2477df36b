package tilegen

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
)

// pmtiles spec version 3 constants.
const (
	pmtilesHeaderLen    = 127
	pmtilesRootLen      = 16384 - pmtilesHeaderLen
	pmtilesMinLeafSize  = 4096
	pmtilesSpecVersion  = 3
	pmtilesCompNone     = 1
	pmtilesCompGzip     = 2
	pmtilesTileTypeMvt  = 1
)

type pmtilesHeader struct {
	RootOffset          uint64
	RootLength          uint64
	MetadataOffset      uint64
	MetadataLength      uint64
	LeafDirectoryOffset uint64
	LeafDirectoryLength uint64
	TileDataOffset      uint64
	TileDataLength      uint64
	AddressedTilesCount uint64
	TileEntriesCount    uint64
	TileContentsCount   uint64
	Clustered           bool
	InternalCompression uint8
	TileCompression     uint8
	TileType            uint8
	MinZoom             uint8
	MaxZoom             uint8
	MinLonE7            int32
	MinLatE7            int32
	MaxLonE7            int32
	MaxLatE7            int32
	CenterZoom          uint8
	CenterLonE7         int32
	CenterLatE7         int32
}

type pmtilesEntry struct {
	TileID    uint64
	Offset    uint64
	Length    uint32
	RunLength uint32
}

type offsetLen struct {
	offset uint64
	length uint32
}

// PMTilesWriter writes a clustered PMTiles v3 archive. Tile payloads are
// appended to a temp file in Hilbert order while directory entries
// accumulate in memory with run-length collapsing of repeated payloads;
// Finish assembles header, directories, metadata and tile data into the
// final file.
type PMTilesWriter struct {
	path        string
	tmpPath     string
	compression Compression

	dataFile *os.File
	dataBuf  *bufio.Writer
	offset   uint64

	entries   []pmtilesEntry
	byDataID  map[int64]offsetLen
	addressed uint64
	contents  uint64

	finished bool
}

func NewPMTilesWriter(cfg *ArchiveConfig, compression Compression) (*PMTilesWriter, error) {
	return &PMTilesWriter{
		path:        cfg.Path,
		tmpPath:     cfg.Path + ".tmp",
		compression: compression,
		byDataID:    make(map[int64]offsetLen),
	}, nil
}

func (w *PMTilesWriter) Order() TileOrder   { return OrderHilbert }
func (w *PMTilesWriter) Deduplicates() bool { return true }

func (w *PMTilesWriter) Initialize(*Metadata) error {
	f, err := os.CreateTemp("", "tilegen-pmtiles-")
	if err != nil {
		return fmt.Errorf("creating pmtiles tmpfile: %w", err)
	}
	w.dataFile = f
	w.dataBuf = bufio.NewWriterSize(f, 1<<20)
	return nil
}

func (w *PMTilesWriter) WriteTile(id TileID, data []byte, dataID int64) error {
	if data == nil && dataID < 0 {
		return nil
	}
	w.addressed++
	tileID := uint64(id)

	if data == nil {
		// reference to an already stored payload
		found, ok := w.byDataID[dataID]
		if !ok {
			panic(fmt.Sprintf("payload id %d referenced before stored", dataID))
		}
		if n := len(w.entries); n > 0 {
			last := &w.entries[n-1]
			if tileID == last.TileID+uint64(last.RunLength) && last.Offset == found.offset {
				if last.RunLength == math.MaxUint32 {
					panic("maximum 32-bit run length exceeded")
				}
				last.RunLength++
				return nil
			}
		}
		w.entries = append(w.entries, pmtilesEntry{tileID, found.offset, found.length, 1})
		return nil
	}

	ol := offsetLen{w.offset, uint32(len(data))}
	if dataID >= 0 {
		w.byDataID[dataID] = ol
	}
	if _, err := w.dataBuf.Write(data); err != nil {
		return fmt.Errorf("writing tile data: %w", err)
	}
	w.offset += uint64(len(data))
	w.contents++
	w.entries = append(w.entries, pmtilesEntry{tileID, ol.offset, ol.length, 1})
	return nil
}

func (w *PMTilesWriter) Finish(meta *Metadata) error {
	if err := w.dataBuf.Flush(); err != nil {
		return err
	}

	rootBytes, leavesBytes, _ := optimizePMTilesDirs(w.entries, pmtilesRootLen)

	metadataBytes, err := compressPMTilesMetadata(meta)
	if err != nil {
		return err
	}

	header := pmtilesHeader{
		AddressedTilesCount: w.addressed,
		TileEntriesCount:    uint64(len(w.entries)),
		TileContentsCount:   w.contents,
		Clustered:           true,
		InternalCompression: pmtilesCompGzip,
		TileCompression:     pmtilesCompNone,
		TileType:            pmtilesTileTypeMvt,
		MinZoom:             meta.MinZoom,
		MaxZoom:             meta.MaxZoom,
		MinLonE7:            int32(meta.Bounds.Min[0] * 10000000),
		MinLatE7:            int32(meta.Bounds.Min[1] * 10000000),
		MaxLonE7:            int32(meta.Bounds.Max[0] * 10000000),
		MaxLatE7:            int32(meta.Bounds.Max[1] * 10000000),
		CenterZoom:          meta.CenterZoom,
		CenterLonE7:         int32(meta.Center[0] * 10000000),
		CenterLatE7:         int32(meta.Center[1] * 10000000),
	}
	if w.compression == CompressionGzip {
		header.TileCompression = pmtilesCompGzip
	}
	header.RootOffset = pmtilesHeaderLen
	header.RootLength = uint64(len(rootBytes))
	header.MetadataOffset = header.RootOffset + header.RootLength
	header.MetadataLength = uint64(len(metadataBytes))
	header.LeafDirectoryOffset = header.MetadataOffset + header.MetadataLength
	header.LeafDirectoryLength = uint64(len(leavesBytes))
	header.TileDataOffset = header.LeafDirectoryOffset + header.LeafDirectoryLength
	header.TileDataLength = w.offset

	out, err := os.Create(w.tmpPath)
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	bw := bufio.NewWriterSize(out, 1<<20)
	bw.Write(serializePMTilesHeader(header))
	bw.Write(rootBytes)
	bw.Write(metadataBytes)
	bw.Write(leavesBytes)
	if _, err := w.dataFile.Seek(0, io.SeekStart); err != nil {
		out.Close()
		return err
	}
	if _, err := io.Copy(bw, w.dataFile); err != nil {
		out.Close()
		return fmt.Errorf("copying tile data: %w", err)
	}
	if err := bw.Flush(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	w.removeTmpData()
	w.finished = true
	return os.Rename(w.tmpPath, w.path)
}

func (w *PMTilesWriter) removeTmpData() {
	if w.dataFile != nil {
		name := w.dataFile.Name()
		w.dataFile.Close()
		os.Remove(name)
		w.dataFile = nil
	}
}

func (w *PMTilesWriter) Close() error {
	w.removeTmpData()
	if !w.finished {
		os.Remove(w.tmpPath)
	}
	return nil
}

func compressPMTilesMetadata(meta *Metadata) ([]byte, error) {
	doc := map[string]interface{}{
		"name":          meta.Name,
		"description":   meta.Description,
		"attribution":   meta.Attribution,
		"version":       meta.Version,
		"type":          meta.Type,
		"format":        "pbf",
		"vector_layers": vectorLayers(meta),
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var b bytes.Buffer
	gw, _ := gzip.NewWriterLevel(&b, gzip.BestCompression)
	gw.Write(raw)
	gw.Close()
	return b.Bytes(), nil
}

// serializePMTilesEntries writes a directory: entry count, tile id
// deltas, run lengths, lengths, then offsets (with the 0 shorthand for
// contiguous payloads), all uvarint and gzipped.
func serializePMTilesEntries(entries []pmtilesEntry) []byte {
	var b bytes.Buffer
	tmp := make([]byte, binary.MaxVarintLen64)
	w, _ := gzip.NewWriterLevel(&b, gzip.BestCompression)

	n := binary.PutUvarint(tmp, uint64(len(entries)))
	w.Write(tmp[:n])

	lastID := uint64(0)
	for _, e := range entries {
		n = binary.PutUvarint(tmp, e.TileID-lastID)
		w.Write(tmp[:n])
		lastID = e.TileID
	}
	for _, e := range entries {
		n = binary.PutUvarint(tmp, uint64(e.RunLength))
		w.Write(tmp[:n])
	}
	for _, e := range entries {
		n = binary.PutUvarint(tmp, uint64(e.Length))
		w.Write(tmp[:n])
	}
	for i, e := range entries {
		if i > 0 && e.Offset == entries[i-1].Offset+uint64(entries[i-1].Length) {
			n = binary.PutUvarint(tmp, 0)
		} else {
			n = binary.PutUvarint(tmp, e.Offset+1)
		}
		w.Write(tmp[:n])
	}
	w.Close()
	return b.Bytes()
}

func deserializePMTilesEntries(data *bytes.Buffer) []pmtilesEntry {
	reader, _ := gzip.NewReader(data)
	br := bufio.NewReader(reader)

	numEntries, _ := binary.ReadUvarint(br)
	entries := make([]pmtilesEntry, numEntries)

	lastID := uint64(0)
	for i := range entries {
		d, _ := binary.ReadUvarint(br)
		lastID += d
		entries[i].TileID = lastID
	}
	for i := range entries {
		rl, _ := binary.ReadUvarint(br)
		entries[i].RunLength = uint32(rl)
	}
	for i := range entries {
		l, _ := binary.ReadUvarint(br)
		entries[i].Length = uint32(l)
	}
	for i := range entries {
		o, _ := binary.ReadUvarint(br)
		if i > 0 && o == 0 {
			entries[i].Offset = entries[i-1].Offset + uint64(entries[i-1].Length)
		} else {
			entries[i].Offset = o - 1
		}
	}
	return entries
}

func buildPMTilesRootsLeaves(entries []pmtilesEntry, leafSize int) ([]byte, []byte, int) {
	var rootEntries []pmtilesEntry
	var leavesBytes []byte
	numLeaves := 0

	for idx := 0; idx < len(entries); idx += leafSize {
		numLeaves++
		end := idx + leafSize
		if end > len(entries) {
			end = len(entries)
		}
		serialized := serializePMTilesEntries(entries[idx:end])
		rootEntries = append(rootEntries, pmtilesEntry{entries[idx].TileID, uint64(len(leavesBytes)), uint32(len(serialized)), 0})
		leavesBytes = append(leavesBytes, serialized...)
	}
	return serializePMTilesEntries(rootEntries), leavesBytes, numLeaves
}

// optimizePMTilesDirs fits the root directory into targetRootLen, first
// as a single directory and otherwise by growing leaf directories (at
// least pmtilesMinLeafSize entries each) until the leaf-pointer root
// fits.
func optimizePMTilesDirs(entries []pmtilesEntry, targetRootLen int) ([]byte, []byte, int) {
	if len(entries) < 16384 {
		testBytes := serializePMTilesEntries(entries)
		if len(testBytes) <= targetRootLen {
			return testBytes, nil, 0
		}
	}
	leafSize := float64(len(entries)) / 3500
	if leafSize < pmtilesMinLeafSize {
		leafSize = pmtilesMinLeafSize
	}
	for {
		rootBytes, leavesBytes, numLeaves := buildPMTilesRootsLeaves(entries, int(leafSize))
		if len(rootBytes) <= targetRootLen {
			return rootBytes, leavesBytes, numLeaves
		}
		leafSize *= 1.2
	}
}

func serializePMTilesHeader(h pmtilesHeader) []byte {
	b := make([]byte, pmtilesHeaderLen)
	copy(b[0:7], "PMTiles")
	b[7] = pmtilesSpecVersion
	binary.LittleEndian.PutUint64(b[8:], h.RootOffset)
	binary.LittleEndian.PutUint64(b[16:], h.RootLength)
	binary.LittleEndian.PutUint64(b[24:], h.MetadataOffset)
	binary.LittleEndian.PutUint64(b[32:], h.MetadataLength)
	binary.LittleEndian.PutUint64(b[40:], h.LeafDirectoryOffset)
	binary.LittleEndian.PutUint64(b[48:], h.LeafDirectoryLength)
	binary.LittleEndian.PutUint64(b[56:], h.TileDataOffset)
	binary.LittleEndian.PutUint64(b[64:], h.TileDataLength)
	binary.LittleEndian.PutUint64(b[72:], h.AddressedTilesCount)
	binary.LittleEndian.PutUint64(b[80:], h.TileEntriesCount)
	binary.LittleEndian.PutUint64(b[88:], h.TileContentsCount)
	if h.Clustered {
		b[96] = 0x1
	}
	b[97] = h.InternalCompression
	b[98] = h.TileCompression
	b[99] = h.TileType
	b[100] = h.MinZoom
	b[101] = h.MaxZoom
	binary.LittleEndian.PutUint32(b[102:], uint32(h.MinLonE7))
	binary.LittleEndian.PutUint32(b[106:], uint32(h.MinLatE7))
	binary.LittleEndian.PutUint32(b[110:], uint32(h.MaxLonE7))
	binary.LittleEndian.PutUint32(b[114:], uint32(h.MaxLatE7))
	b[118] = h.CenterZoom
	binary.LittleEndian.PutUint32(b[119:], uint32(h.CenterLonE7))
	binary.LittleEndian.PutUint32(b[123:], uint32(h.CenterLatE7))
	return b
}

func deserializePMTilesHeader(d []byte) (pmtilesHeader, error) {
	var h pmtilesHeader
	if len(d) < pmtilesHeaderLen {
		return h, fmt.Errorf("header too short: %d bytes", len(d))
	}
	if string(d[0:7]) != "PMTiles" {
		return h, fmt.Errorf("magic number not detected")
	}
	if d[7] != pmtilesSpecVersion {
		return h, fmt.Errorf("unsupported spec version %d", d[7])
	}
	h.RootOffset = binary.LittleEndian.Uint64(d[8:])
	h.RootLength = binary.LittleEndian.Uint64(d[16:])
	h.MetadataOffset = binary.LittleEndian.Uint64(d[24:])
	h.MetadataLength = binary.LittleEndian.Uint64(d[32:])
	h.LeafDirectoryOffset = binary.LittleEndian.Uint64(d[40:])
	h.LeafDirectoryLength = binary.LittleEndian.Uint64(d[48:])
	h.TileDataOffset = binary.LittleEndian.Uint64(d[56:])
	h.TileDataLength = binary.LittleEndian.Uint64(d[64:])
	h.AddressedTilesCount = binary.LittleEndian.Uint64(d[72:])
	h.TileEntriesCount = binary.LittleEndian.Uint64(d[80:])
	h.TileContentsCount = binary.LittleEndian.Uint64(d[88:])
	h.Clustered = d[96] == 0x1
	h.InternalCompression = d[97]
	h.TileCompression = d[98]
	h.TileType = d[99]
	h.MinZoom = d[100]
	h.MaxZoom = d[101]
	h.MinLonE7 = int32(binary.LittleEndian.Uint32(d[102:]))
	h.MinLatE7 = int32(binary.LittleEndian.Uint32(d[106:]))
	h.MaxLonE7 = int32(binary.LittleEndian.Uint32(d[110:]))
	h.MaxLatE7 = int32(binary.LittleEndian.Uint32(d[114:]))
	h.CenterZoom = d[118]
	h.CenterLonE7 = int32(binary.LittleEndian.Uint32(d[119:]))
	h.CenterLatE7 = int32(binary.LittleEndian.Uint32(d[123:]))
	return h, nil
}
