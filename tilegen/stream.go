package tilegen

import (
	"bufio"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
)

// StreamWriter emits one record per tile to a file or stdout, for piping
// into downstream loaders. Formats: json (one object per line), csv,
// tsv.
type StreamWriter struct {
	path      string
	format    string
	separator rune

	file     *os.File
	buf      *bufio.Writer
	csvw     *csv.Writer
	jsonEnc  *json.Encoder
	isStdout bool
	finished bool
}

type streamRecord struct {
	Z    uint8  `json:"z"`
	X    uint32 `json:"x"`
	Y    uint32 `json:"y"`
	Data string `json:"encoded_data"`
}

func NewStreamWriter(cfg *ArchiveConfig) (*StreamWriter, error) {
	format := cfg.Options["format"]
	if format == "" {
		format = "json"
	}
	w := &StreamWriter{path: cfg.Path, format: format, separator: ','}
	if format == "tsv" {
		w.separator = '\t'
	}
	if sep := cfg.Options["separator"]; sep != "" {
		rs := []rune(sep)
		w.separator = rs[0]
	}
	return w, nil
}

func (w *StreamWriter) Order() TileOrder   { return OrderTMS }
func (w *StreamWriter) Deduplicates() bool { return false }

func (w *StreamWriter) Initialize(*Metadata) error {
	if w.path == "" || w.path == "-" {
		w.file = os.Stdout
		w.isStdout = true
	} else {
		f, err := os.Create(w.path + ".tmp")
		if err != nil {
			return err
		}
		w.file = f
	}
	w.buf = bufio.NewWriterSize(w.file, 1<<20)
	switch w.format {
	case "csv", "tsv":
		w.csvw = csv.NewWriter(w.buf)
		w.csvw.Comma = w.separator
	default:
		w.jsonEnc = json.NewEncoder(w.buf)
	}
	return nil
}

func (w *StreamWriter) WriteTile(id TileID, data []byte, _ int64) error {
	if data == nil {
		return nil
	}
	z, x, y := OrderTMS.Decode(id)
	encoded := base64.StdEncoding.EncodeToString(data)
	if w.csvw != nil {
		return w.csvw.Write([]string{
			fmt.Sprint(z), fmt.Sprint(x), fmt.Sprint(y), encoded,
		})
	}
	return w.jsonEnc.Encode(streamRecord{Z: z, X: x, Y: y, Data: encoded})
}

func (w *StreamWriter) Finish(*Metadata) error {
	if w.csvw != nil {
		w.csvw.Flush()
		if err := w.csvw.Error(); err != nil {
			return err
		}
	}
	if err := w.buf.Flush(); err != nil {
		return err
	}
	w.finished = true
	if w.isStdout {
		return nil
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	return os.Rename(w.path+".tmp", w.path)
}

func (w *StreamWriter) Close() error {
	if w.isStdout {
		return nil
	}
	if w.file != nil {
		w.file.Close()
	}
	if !w.finished {
		os.Remove(w.path + ".tmp")
	}
	return nil
}
