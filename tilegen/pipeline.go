package tilegen

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"time"

	"github.com/paulmach/orb"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
)

// Config is the run configuration of one generation.
type Config struct {
	Threads         int
	MinZoom         uint8
	MaxZoom         uint8
	Bounds          orb.Bound
	Output          string
	TileWarnBytes   int
	SkipFilledTiles bool
	Compression     Compression
	TmpDir          string
	MaxMemoryBytes  int64
	// Progress suppresses progress bars when false (tests, pipes).
	Progress bool
}

// DefaultConfig fills the defaults the CLI exposes.
func DefaultConfig() Config {
	return Config{
		Threads:        runtime.NumCPU(),
		MinZoom:        0,
		MaxZoom:        14,
		Bounds:         WorldBounds,
		TileWarnBytes:  DefaultTileWarnBytes,
		Compression:    CompressionGzip,
		MaxMemoryBytes: 8 << 30,
	}
}

// phase is the pipeline state machine. FAILED is reachable from any
// state.
type phase uint8

const (
	phaseInit phase = iota
	phaseReadSources
	phaseSort
	phaseEmitTiles
	phaseFinish
	phaseDone
	phaseFailed
)

func (p phase) String() string {
	switch p {
	case phaseInit:
		return "init"
	case phaseReadSources:
		return "read_sources"
	case phaseSort:
		return "sort"
	case phaseEmitTiles:
		return "emit_tiles"
	case phaseFinish:
		return "finish"
	case phaseDone:
		return "done"
	}
	return "failed"
}

// Pipeline owns the sorter, the archive writer and all worker groups for
// one run.
type Pipeline struct {
	logger  *log.Logger
	profile Profile
	sources []Source
	cfg     Config

	registry *LayerRegistry
	stats    *Stats
	phase    phase
}

func NewPipeline(logger *log.Logger, profile Profile, sources []Source, cfg Config) *Pipeline {
	return &Pipeline{
		logger:   logger,
		profile:  profile,
		sources:  sources,
		cfg:      cfg,
		registry: NewLayerRegistry(),
		stats:    &Stats{},
	}
}

// Stats exposes the run's counters.
func (p *Pipeline) Stats() *Stats { return p.stats }

func (p *Pipeline) setPhase(ph phase) {
	p.phase = ph
	if p.logger != nil {
		p.logger.Printf("phase: %s", ph)
	}
}

// Run executes the whole pipeline: read sources, render, sort, encode
// and write the archive. On any error the partial archive is deleted.
func (p *Pipeline) Run(ctx context.Context) error {
	cfg := p.cfg
	if cfg.Threads < 1 {
		cfg.Threads = 1
	}
	if cfg.MaxZoom > MaxZoom {
		return fmt.Errorf("maxzoom %d exceeds limit %d", cfg.MaxZoom, MaxZoom)
	}
	p.setPhase(phaseInit)

	archiveCfg, err := ParseArchiveConfig(cfg.Output)
	if err != nil {
		return err
	}
	archive, err := NewArchiveWriter(archiveCfg, cfg.Compression)
	if err != nil {
		return err
	}
	defer archive.Close()
	order := archive.Order()

	extents, err := NewTileExtents(cfg.Bounds, cfg.MinZoom, cfg.MaxZoom)
	if err != nil {
		return err
	}

	chunkBytes := cfg.MaxMemoryBytes / int64(cfg.Threads)
	if chunkBytes < 64<<20 {
		chunkBytes = 64 << 20
	}
	sorter, err := NewExternalMergeSort(p.logger, cfg.TmpDir, chunkBytes)
	if err != nil {
		return err
	}
	defer sorter.Close()

	if err := p.readAndRender(ctx, sorter, extents, order); err != nil {
		p.setPhase(phaseFailed)
		return err
	}

	p.setPhase(phaseSort)
	if err := sorter.Finish(); err != nil {
		p.setPhase(phaseFailed)
		return err
	}

	meta := p.buildMetadata()
	if err := p.emitTiles(ctx, sorter, archive, order, meta); err != nil {
		p.setPhase(phaseFailed)
		return err
	}

	p.setPhase(phaseFinish)
	if err := archive.Finish(meta); err != nil {
		p.setPhase(phaseFailed)
		return err
	}
	p.setPhase(phaseDone)
	p.stats.Report(p.logger, cfg.MinZoom, cfg.MaxZoom)
	return nil
}

// readAndRender runs source readers, renderer workers and the single
// sorter feeder.
func (p *Pipeline) readAndRender(ctx context.Context, sorter *ExternalMergeSort, extents *TileExtents, order TileOrder) error {
	cfg := p.cfg
	p.setPhase(phaseReadSources)

	renderer := NewFeatureRenderer(p.logger, p.registry, extents, order, cfg.MinZoom, cfg.MaxZoom)
	featureQueue := make(chan *SourceFeature, 1000)
	renderQueue := make(chan *RenderedFeature, 10000)

	g, gctx := errgroup.WithContext(ctx)

	// one reader per source the profile cares about
	readers, _ := errgroup.WithContext(gctx)
	for _, src := range p.sources {
		if !p.profile.CaresAboutSource(src.Name()) {
			if p.logger != nil {
				p.logger.Printf("skipping source %q", src.Name())
			}
			continue
		}
		src := src
		readers.Go(func() error {
			return src.ReadFeatures(gctx, func(f *SourceFeature) error {
				p.stats.FeaturesRead.Add(1)
				select {
				case featureQueue <- f:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
			})
		})
	}
	g.Go(func() error {
		defer close(featureQueue)
		return readers.Wait()
	})

	renderWorkers := cfg.Threads - 1
	if renderWorkers < 1 {
		renderWorkers = 1
	}
	renders, _ := errgroup.WithContext(gctx)
	emit := func(rf *RenderedFeature) error {
		p.stats.FeaturesRendered.Add(1)
		select {
		case renderQueue <- rf:
			return nil
		case <-gctx.Done():
			return gctx.Err()
		}
	}
	for i := 0; i < renderWorkers; i++ {
		renders.Go(func() error {
			for f := range featureQueue {
				emitter := newFeatureEmitter(f, cfg.MinZoom, cfg.MaxZoom)
				p.profile.ProcessFeature(f, emitter)
				if err := renderer.Render(f, emitter.specs, emit); err != nil {
					return err
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(renderQueue)
		return renders.Wait()
	})

	// single feeder keeps the sorter's append single-threaded
	g.Go(func() error {
		var bar *progressbar.ProgressBar
		if cfg.Progress {
			bar = progressbar.Default(-1, "render")
		}
		buf := make([]byte, 0, 1024)
		for rf := range renderQueue {
			buf = rf.Marshal(buf[:0])
			if err := sorter.Append(uint64(rf.Key), buf); err != nil {
				return err
			}
			if bar != nil {
				bar.Add(1)
			}
		}
		if bar != nil {
			bar.Finish()
		}
		return nil
	})

	return g.Wait()
}

// emitTiles runs the batcher, the encoder pool and the ordered writer.
func (p *Pipeline) emitTiles(ctx context.Context, sorter *ExternalMergeSort, archive ArchiveWriter, order TileOrder, meta *Metadata) error {
	cfg := p.cfg
	p.setPhase(phaseEmitTiles)

	if err := archive.Initialize(meta); err != nil {
		return err
	}

	reader, err := sorter.Iter()
	if err != nil {
		return err
	}
	defer reader.Close()
	groups := NewGroupReader(p.logger, reader, p.registry, p.profile, order)

	// a larger queue keeps encoders busy but costs RAM; scale down from
	// 5k per 100GB, floor at 100
	queueSize := int(5000 * float64(cfg.MaxMemoryBytes) / 100e9)
	if queueSize < 100 {
		queueSize = 100
	}
	encodeQueue := make(chan *TileBatch, queueSize)
	writerQueue := make(chan *TileBatch, queueSize)

	encodeWorkers := cfg.Threads - 1
	if encodeWorkers < 1 {
		encodeWorkers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return Batch(gctx, groups, encodeQueue, writerQueue)
	})
	for i := 0; i < encodeWorkers; i++ {
		enc := NewTileEncoder(p.logger, p.stats, cfg.Compression, archive.Deduplicates(), cfg.SkipFilledTiles, cfg.TileWarnBytes)
		g.Go(func() error {
			return enc.Run(gctx, encodeQueue)
		})
	}
	sink := NewWriterOrderedSink(p.logger, p.stats, archive)
	g.Go(func() error {
		return sink.Run(gctx, writerQueue)
	})

	var stopProgress chan struct{}
	if cfg.Progress {
		stopProgress = make(chan struct{})
		bar := progressbar.Default(-1, "tiles")
		go func() {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					bar.Set64(p.stats.TilesWritten())
				case <-stopProgress:
					bar.Set64(p.stats.TilesWritten())
					bar.Finish()
					return
				}
			}
		}()
	}
	err = g.Wait()
	if stopProgress != nil {
		close(stopProgress)
	}
	return err
}

func (p *Pipeline) buildMetadata() *Metadata {
	cfg := p.cfg
	metaType := "baselayer"
	if p.profile.IsOverlay() {
		metaType = "overlay"
	}
	meta := &Metadata{
		Name:        p.profile.Name(),
		Description: p.profile.Description(),
		Attribution: p.profile.Attribution(),
		Version:     p.profile.Version(),
		Type:        metaType,
		Format:      "pbf",
		Bounds:      cfg.Bounds,
		Center: orb.Point{
			(cfg.Bounds.Min[0] + cfg.Bounds.Max[0]) / 2,
			(cfg.Bounds.Min[1] + cfg.Bounds.Max[1]) / 2,
		},
		CenterZoom:  cfg.MinZoom,
		MinZoom:     cfg.MinZoom,
		MaxZoom:     cfg.MaxZoom,
		Compression: cfg.Compression,
	}
	for _, name := range p.registry.Names() {
		meta.Layers = append(meta.Layers, MetadataLayer{
			ID:     name,
			Fields: p.registry.Layer(name).Keys(),
		})
	}
	return meta
}

// Generate is the package entry point: run a profile over sources into
// the configured archive.
func Generate(ctx context.Context, logger *log.Logger, profile Profile, sources []Source, cfg Config) error {
	return NewPipeline(logger, profile, sources, cfg).Run(ctx)
}
