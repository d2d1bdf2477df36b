package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/paulmach/orb"
	"github.com/protomaps/go-tilegen/tilegen"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var cli struct {
	Generate struct {
		Input                string `arg:"" help:"Input GeoJSON file." type:"existingfile"`
		Output               string `arg:"" help:"Output archive URI (mbtiles, pmtiles, files, json/csv/tsv)." type:"path"`
		Layer                string `default:"features" help:"Output layer name."`
		Threads              int    `default:"0" help:"Number of worker threads (default: all cores)."`
		Minzoom              int    `default:"0" help:"Minimum zoom level."`
		Maxzoom              int    `default:"14" help:"Maximum zoom level."`
		Bounds               string `default:"world" help:"Bounding box min_lon,min_lat,max_lon,max_lat or 'world'."`
		TileWarningSizeBytes int    `default:"512000" help:"Warn on uncompressed tiles above this size."`
		SkipFilledTiles      bool   `help:"Skip writing tiles containing only full-tile fills; neighboring tiles are not compared."`
		TileCompression      string `default:"gzip" enum:"gzip,none" help:"Tile compression."`
		Tmpdir               string `help:"Folder for temporary sort spill files." type:"existingdir"`
		MaxMemoryBytes       int64  `default:"8589934592" help:"Maximum memory to use while sorting."`
		Quiet                bool   `help:"Suppress progress bars."`
	} `cmd:"" help:"Generate a tile archive from a source dataset."`

	Verify struct {
		Input string `arg:"" help:"Archive to verify." type:"existingfile"`
	} `cmd:"" help:"Verify that a local archive is internally consistent."`

	Show struct {
		Input string `arg:"" help:"Archive to inspect." type:"existingfile"`
	} `cmd:"" help:"Inspect a local archive."`

	Version struct {
	} `cmd:"" help:"Show the program version."`
}

const (
	exitUsage    = 1
	exitInput    = 2
	exitOutput   = 3
	exitInternal = 4
)

func main() {
	if len(os.Args) < 2 {
		os.Args = append(os.Args, "--help")
	}

	logger := log.New(os.Stdout, "", log.Ldate|log.Ltime|log.Lshortfile)
	ctx := kong.Parse(&cli)

	defer func() {
		if r := recover(); r != nil {
			logger.Printf("internal error: %v", r)
			os.Exit(exitInternal)
		}
	}()

	switch ctx.Command() {
	case "generate <input> <output>":
		runGenerate(logger)
	case "verify <input>":
		if err := tilegen.Verify(logger, cli.Verify.Input); err != nil {
			logger.Printf("verification failed: %v", err)
			os.Exit(exitOutput)
		}
	case "show <input>":
		if err := tilegen.ShowArchive(logger, cli.Show.Input); err != nil {
			logger.Printf("failed to show archive: %v", err)
			os.Exit(exitInput)
		}
	case "version":
		fmt.Printf("tilegen %s, commit %s, built at %s\n", version, commit, date)
	}
}

func runGenerate(logger *log.Logger) {
	cfg := tilegen.DefaultConfig()
	c := cli.Generate
	if c.Threads > 0 {
		cfg.Threads = c.Threads
	}
	if c.Minzoom < 0 || c.Maxzoom > tilegen.MaxZoom || c.Minzoom > c.Maxzoom {
		logger.Printf("invalid zoom range %d..%d", c.Minzoom, c.Maxzoom)
		os.Exit(exitUsage)
	}
	cfg.MinZoom = uint8(c.Minzoom)
	cfg.MaxZoom = uint8(c.Maxzoom)
	cfg.Output = c.Output
	cfg.TileWarnBytes = c.TileWarningSizeBytes
	cfg.SkipFilledTiles = c.SkipFilledTiles
	cfg.TmpDir = c.Tmpdir
	cfg.MaxMemoryBytes = c.MaxMemoryBytes
	cfg.Progress = !c.Quiet
	if c.TileCompression == "none" {
		cfg.Compression = tilegen.CompressionNone
	}

	if c.Bounds != "world" {
		bounds, err := parseBounds(c.Bounds)
		if err != nil {
			logger.Printf("invalid bounds: %v", err)
			os.Exit(exitUsage)
		}
		cfg.Bounds = bounds
	}

	if _, err := tilegen.ParseArchiveConfig(c.Output); err != nil {
		logger.Printf("invalid output: %v", err)
		os.Exit(exitUsage)
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	profile := &passthroughProfile{layer: c.Layer, source: "geojson"}
	sources := []tilegen.Source{
		&tilegen.GeoJSONSource{SourceName: "geojson", Path: c.Input},
	}
	if err := tilegen.Generate(runCtx, logger, profile, sources, cfg); err != nil {
		logger.Printf("generation failed: %v", err)
		if strings.Contains(err.Error(), "parsing") || strings.Contains(err.Error(), "reading") {
			os.Exit(exitInput)
		}
		os.Exit(exitOutput)
	}
}

func parseBounds(s string) (orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("expected 4 comma-separated values")
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, err
		}
		vals[i] = f
	}
	return orb.Bound{Min: orb.Point{vals[0], vals[1]}, Max: orb.Point{vals[2], vals[3]}}, nil
}

// passthroughProfile emits every source feature into one layer with its
// tags copied over, rendered by native geometry type.
type passthroughProfile struct {
	layer  string
	source string
}

func (p *passthroughProfile) Name() string                { return "tilegen" }
func (p *passthroughProfile) Description() string         { return "generated by tilegen" }
func (p *passthroughProfile) Attribution() string         { return "" }
func (p *passthroughProfile) Version() string             { return version }
func (p *passthroughProfile) IsOverlay() bool             { return false }
func (p *passthroughProfile) CaresAboutSource(name string) bool { return name == p.source }

func (p *passthroughProfile) ProcessFeature(f *tilegen.SourceFeature, emitter *tilegen.FeatureEmitter) {
	var fs *tilegen.FeatureSpec
	switch f.GeomTypeName() {
	case "point":
		fs = emitter.Point(p.layer)
	case "line":
		fs = emitter.Line(p.layer)
	case "polygon":
		fs = emitter.Polygon(p.layer)
	default:
		return
	}
	fs.ID(f.ID)
	for k, v := range f.Tags {
		switch t := v.(type) {
		case string:
			fs.Attr(k, tilegen.StringValue(t))
		case bool:
			fs.Attr(k, tilegen.BoolValue(t))
		case float64:
			fs.Attr(k, tilegen.FloatValue(t))
		case int:
			fs.Attr(k, tilegen.IntValue(int64(t)))
		case int64:
			fs.Attr(k, tilegen.IntValue(t))
		}
	}
}

func (p *passthroughProfile) PostProcessLayerFeatures(_ string, _ uint8, features []*tilegen.RenderedFeature) ([]*tilegen.RenderedFeature, error) {
	return features, nil
}
