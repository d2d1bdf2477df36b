package tilegen

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FilesWriter writes each tile to {z}/{x}/{y}.pbf under a base
// directory, plus a metadata.json at the root.
type FilesWriter struct {
	base     string
	finished bool
}

func NewFilesWriter(cfg *ArchiveConfig) (*FilesWriter, error) {
	return &FilesWriter{base: cfg.Path}, nil
}

func (w *FilesWriter) Order() TileOrder   { return OrderTMS }
func (w *FilesWriter) Deduplicates() bool { return false }

func (w *FilesWriter) Initialize(*Metadata) error {
	return os.MkdirAll(w.base, 0o755)
}

func (w *FilesWriter) WriteTile(id TileID, data []byte, _ int64) error {
	if data == nil {
		return nil
	}
	z, x, y := OrderTMS.Decode(id)
	dir := filepath.Join(w.base, fmt.Sprintf("%d", z), fmt.Sprintf("%d", x))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, fmt.Sprintf("%d.pbf", y)), data, 0o644)
}

func (w *FilesWriter) Finish(meta *Metadata) error {
	doc := map[string]interface{}{
		"name":          meta.Name,
		"description":   meta.Description,
		"attribution":   meta.Attribution,
		"version":       meta.Version,
		"format":        "pbf",
		"minzoom":       meta.MinZoom,
		"maxzoom":       meta.MaxZoom,
		"bounds":        []float64{meta.Bounds.Min[0], meta.Bounds.Min[1], meta.Bounds.Max[0], meta.Bounds.Max[1]},
		"vector_layers": vectorLayers(meta),
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	w.finished = true
	return os.WriteFile(filepath.Join(w.base, "metadata.json"), raw, 0o644)
}

func (w *FilesWriter) Close() error {
	if !w.finished {
		os.RemoveAll(w.base)
	}
	return nil
}
