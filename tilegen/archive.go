package tilegen

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb"
)

// Metadata describes the generated tileset. Written into the archive's
// metadata table/section on initialize and finish.
type Metadata struct {
	Name        string
	Description string
	Attribution string
	Version     string
	Type        string // "baselayer" or "overlay"
	Format      string // "pbf"
	Bounds      orb.Bound
	Center      orb.Point
	CenterZoom  uint8
	MinZoom     uint8
	MaxZoom     uint8
	Compression Compression
	// Layers is the vector_layers JSON fragment: layer names to field
	// names in id order.
	Layers []MetadataLayer
}

// MetadataLayer is one entry of the vector_layers metadata array.
type MetadataLayer struct {
	ID     string   `json:"id"`
	Fields []string `json:"fields"`
}

// ArchiveWriter is the contract every archive format satisfies. Writers
// are not required to be thread-safe: the pipeline guarantees a single
// writer goroutine, and WriteTile is called strictly in Order.
type ArchiveWriter interface {
	// Order is the tile ordering this archive expects tiles in.
	Order() TileOrder
	// Deduplicates reports whether the format stores one payload per
	// distinct content hash.
	Deduplicates() bool
	// Initialize is called once before any WriteTile.
	Initialize(meta *Metadata) error
	// WriteTile stores one tile. dataID identifies the payload when the
	// format deduplicates: data is non-nil the first time a dataID is
	// seen and nil for subsequent references to it. dataID is -1 when
	// the format does not deduplicate.
	WriteTile(id TileID, data []byte, dataID int64) error
	// Finish persists indexes and makes the archive visible at its final
	// path. After Finish the archive is complete on disk.
	Finish(meta *Metadata) error
	// Close releases resources; best-effort removal of partial output
	// when Finish was never reached.
	Close() error
}

// ArchiveFormat is the closed set of supported output formats.
type ArchiveFormat uint8

const (
	FormatMBTiles ArchiveFormat = iota
	FormatPMTiles
	FormatFiles
	FormatStream
)

func (f ArchiveFormat) String() string {
	switch f {
	case FormatMBTiles:
		return "mbtiles"
	case FormatPMTiles:
		return "pmtiles"
	case FormatFiles:
		return "files"
	case FormatStream:
		return "stream"
	}
	return "unknown"
}

// ArchiveConfig is the parsed form of an output URI:
//
//	[scheme:]path[?key=value(&key=value)*]
//
// The format is inferred from the path extension or forced with
// ?format=.
type ArchiveConfig struct {
	Format  ArchiveFormat
	Path    string
	Options map[string]string
}

// ParseArchiveConfig parses an output URI.
func ParseArchiveConfig(out string) (*ArchiveConfig, error) {
	cfg := &ArchiveConfig{Options: map[string]string{}}
	path := out
	if i := strings.IndexByte(out, '?'); i >= 0 {
		path = out[:i]
		values, err := url.ParseQuery(out[i+1:])
		if err != nil {
			return nil, fmt.Errorf("parsing output options: %w", err)
		}
		for k, v := range values {
			cfg.Options[k] = v[len(v)-1]
		}
	}
	if i := strings.Index(path, "://"); i >= 0 {
		scheme := path[:i]
		if scheme != "file" {
			return nil, fmt.Errorf("unsupported scheme %q in output %q", scheme, out)
		}
		path = path[i+3:]
	}
	cfg.Path = path

	format := cfg.Options["format"]
	if format == "" {
		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".mbtiles":
			format = "mbtiles"
		case ".pmtiles":
			format = "pmtiles"
		case ".json", ".ndjson":
			format = "json"
		case ".csv":
			format = "csv"
		case ".tsv":
			format = "tsv"
		case "":
			format = "files"
		default:
			return nil, fmt.Errorf("unsupported output extension %q in %q", ext, out)
		}
	}
	switch format {
	case "mbtiles":
		cfg.Format = FormatMBTiles
	case "pmtiles":
		cfg.Format = FormatPMTiles
	case "files":
		cfg.Format = FormatFiles
	case "json", "csv", "tsv":
		cfg.Format = FormatStream
		cfg.Options["format"] = format
	default:
		return nil, fmt.Errorf("unsupported format %q in output %q", format, out)
	}
	return cfg, nil
}

// BoolOption reads a boolean query option; absent means false, a bare
// key or "true"/"1" means true.
func (c *ArchiveConfig) BoolOption(key string) bool {
	v, ok := c.Options[key]
	if !ok {
		return false
	}
	return v == "" || v == "true" || v == "1"
}

// NewArchiveWriter constructs the writer for the parsed config.
func NewArchiveWriter(cfg *ArchiveConfig, compression Compression) (ArchiveWriter, error) {
	switch cfg.Format {
	case FormatMBTiles:
		return NewMBTilesWriter(cfg)
	case FormatPMTiles:
		return NewPMTilesWriter(cfg, compression)
	case FormatFiles:
		return NewFilesWriter(cfg)
	case FormatStream:
		return NewStreamWriter(cfg)
	}
	return nil, fmt.Errorf("unsupported archive format %v", cfg.Format)
}
