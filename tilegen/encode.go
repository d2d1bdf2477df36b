package tilegen

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"log"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
)

const (
	// MaxTilesPerBatch and MaxFeaturesPerBatch bound one encoder batch;
	// whichever trips first closes the batch. Encoding cost varies wildly
	// per tile, so batches flex between 1 huge tile and thousands of tiny
	// ones to keep encoder threads busy.
	MaxTilesPerBatch    = 1000
	MaxFeaturesPerBatch = 10000

	// DefaultTileWarnBytes warns on uncompressed tiles above this size.
	DefaultTileWarnBytes = 500 * 1024
)

// Compression selects how encoded tiles are compressed in the archive.
type Compression uint8

const (
	CompressionGzip Compression = iota
	CompressionNone
)

// EncodedTile is one encoded, compressed tile ready for the archive.
type EncodedTile struct {
	ID      TileID
	Z       uint8
	Data    []byte
	Hash    uint64
	HasHash bool
	RawSize int
}

// TileBatch carries an ordered run of tile groups plus the completion
// slot the encoder fills. The batcher enqueues each batch onto both the
// encoder and the writer; the writer awaits Result, which restores input
// order around the parallel encoders.
type TileBatch struct {
	Groups []*TileGroup
	Result chan []EncodedTile
}

func newTileBatch() *TileBatch {
	return &TileBatch{Result: make(chan []EncodedTile, 1)}
}

// GroupSource yields tile groups in archive order, io.EOF at the end.
type GroupSource interface {
	Next() (*TileGroup, error)
}

// Batch reads tile groups in order and forks batches onto the encoder
// and writer queues. Both queues are closed when the input is exhausted.
func Batch(ctx context.Context, groups GroupSource, encoderQueue, writerQueue chan<- *TileBatch) error {
	defer close(encoderQueue)
	defer close(writerQueue)

	send := func(b *TileBatch) error {
		select {
		case writerQueue <- b:
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case encoderQueue <- b:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}

	batch := newTileBatch()
	features := 0
	for {
		group, err := groups.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if len(batch.Groups) > 0 &&
			(len(batch.Groups) >= MaxTilesPerBatch || features+group.NumFeatures() > MaxFeaturesPerBatch) {
			if err := send(batch); err != nil {
				return err
			}
			batch = newTileBatch()
			features = 0
		}
		batch.Groups = append(batch.Groups, group)
		features += group.NumFeatures()
	}
	if len(batch.Groups) > 0 {
		return send(batch)
	}
	return nil
}

// TileEncoder encodes tile groups into the compressed wire format. One
// instance per worker; memoization state is worker-local.
type TileEncoder struct {
	logger      *log.Logger
	stats       *Stats
	compression Compression
	gzipLevel   int
	dedup       bool
	skipFilled  bool
	warnBytes   int
}

func NewTileEncoder(logger *log.Logger, stats *Stats, compression Compression, dedup, skipFilled bool, warnBytes int) *TileEncoder {
	if warnBytes <= 0 {
		warnBytes = DefaultTileWarnBytes
	}
	return &TileEncoder{
		logger:      logger,
		stats:       stats,
		compression: compression,
		gzipLevel:   6,
		dedup:       dedup,
		skipFilled:  skipFilled,
		warnBytes:   warnBytes,
	}
}

// Run consumes batches until the queue closes, completing each batch's
// result slot.
func (e *TileEncoder) Run(ctx context.Context, batches <-chan *TileBatch) error {
	var last *TileGroup
	var lastData []byte
	var lastHash uint64
	var lastHasHash, lastIsFill bool
	var lastRawSize int

	for {
		var batch *TileBatch
		var ok bool
		select {
		case batch, ok = <-batches:
		case <-ctx.Done():
			return ctx.Err()
		}
		if !ok {
			return nil
		}
		results := make([]EncodedTile, 0, len(batch.Groups))
		for _, group := range batch.Groups {
			if e.stats != nil {
				e.stats.FeaturesProcessed.Add(int64(group.NumFeatures()))
			}
			if group.HasSameContents(last) {
				if e.stats != nil {
					e.stats.MemoizedTiles.Add(1)
				}
			} else {
				isFill := e.skipFilled && containsOnlyFills(group)
				if isFill {
					lastData, lastHasHash, lastRawSize = nil, false, 0
				} else {
					encoded, err := encodeTile(group)
					if err != nil {
						return fmt.Errorf("encoding tile %d/%d/%d: %w", group.Z, group.X, group.Y, err)
					}
					if len(encoded) > e.warnBytes && e.logger != nil {
						e.logger.Printf("warning: tile %d/%d/%d is %dkb uncompressed", group.Z, group.X, group.Y, len(encoded)/1024)
					}
					data, err := e.compress(encoded)
					if err != nil {
						return err
					}
					lastData, lastRawSize = data, len(encoded)
					if e.dedup {
						lastHash, lastHasHash = ContentHash(data), true
					} else {
						lastHasHash = false
					}
				}
				last, lastIsFill = group, isFill
			}
			if lastIsFill {
				continue
			}
			results = append(results, EncodedTile{
				ID:      group.ID,
				Z:       group.Z,
				Data:    lastData,
				Hash:    lastHash,
				HasHash: lastHasHash,
				RawSize: lastRawSize,
			})
		}
		select {
		case batch.Result <- results:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *TileEncoder) compress(encoded []byte) ([]byte, error) {
	if e.compression == CompressionNone {
		return encoded, nil
	}
	var b bytes.Buffer
	w, err := gzip.NewWriterLevel(&b, e.gzipLevel)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(encoded); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// ContentHash is the FNV-1a 64-bit hash of the compressed tile payload,
// used to deduplicate identical tiles in the archive.
func ContentHash(data []byte) uint64 {
	h := fnv.New64a()
	h.Write(data)
	return h.Sum64()
}

// encodeTile builds the vector-tile wire message for one group.
func encodeTile(group *TileGroup) ([]byte, error) {
	layers := make(mvt.Layers, 0, len(group.Layers))
	for _, gl := range group.Layers {
		layer := &mvt.Layer{
			Name:    gl.Info.Name,
			Version: 2,
			Extent:  TileExtent,
		}
		for _, f := range gl.Features {
			gf := geojson.NewFeature(f.OrbGeometry())
			if f.ID != 0 {
				gf.ID = float64(f.ID)
			}
			for _, a := range f.Attrs {
				gf.Properties[gl.Info.KeyName(a.Key)] = a.Value.Interface()
			}
			layer.Features = append(layer.Features, gf)
		}
		layers = append(layers, layer)
	}
	return mvt.Marshal(layers)
}

// OrbGeometry reconstructs the tile-local geometry of a spilled feature.
func (f *RenderedFeature) OrbGeometry() orb.Geometry {
	toLine := func(part []Coord) orb.LineString {
		ls := make(orb.LineString, len(part))
		for i, c := range part {
			ls[i] = orb.Point{float64(c.X), float64(c.Y)}
		}
		return ls
	}
	switch f.Geom {
	case GeomPoint:
		c := f.Coords[0][0]
		return orb.Point{float64(c.X), float64(c.Y)}
	case GeomMultiPoint:
		var mp orb.MultiPoint
		for _, part := range f.Coords {
			for _, c := range part {
				mp = append(mp, orb.Point{float64(c.X), float64(c.Y)})
			}
		}
		return mp
	case GeomLine:
		return toLine(f.Coords[0])
	case GeomMultiLine:
		ml := make(orb.MultiLineString, len(f.Coords))
		for i, part := range f.Coords {
			ml[i] = toLine(part)
		}
		return ml
	case GeomPolygon:
		poly := make(orb.Polygon, len(f.Coords))
		for i, part := range f.Coords {
			poly[i] = orb.Ring(toLine(part))
		}
		return poly
	case GeomMultiPolygon:
		// rings with the winding of the first ring start a new polygon
		var mp orb.MultiPolygon
		var sign float64
		for _, part := range f.Coords {
			ring := orb.Ring(toLine(part))
			area := signedArea(part)
			if len(mp) == 0 || (sign != 0 && area*sign > 0) {
				mp = append(mp, orb.Polygon{ring})
				if sign == 0 {
					sign = area
				}
			} else {
				mp[len(mp)-1] = append(mp[len(mp)-1], ring)
			}
		}
		return mp
	}
	return nil
}

func signedArea(ring []Coord) float64 {
	var sum float64
	for i := 0; i < len(ring)-1; i++ {
		sum += float64(ring[i].X)*float64(ring[i+1].Y) - float64(ring[i+1].X)*float64(ring[i].Y)
	}
	return sum / 2
}

// containsOnlyFills reports whether every feature in the group is a
// polygon rectangle covering the entire tile extent. Runs of such tiles
// can be skipped when skipFilled is on.
func containsOnlyFills(group *TileGroup) bool {
	any := false
	for _, gl := range group.Layers {
		for _, f := range gl.Features {
			if f.Geom != GeomPolygon && f.Geom != GeomMultiPolygon {
				return false
			}
			for _, ring := range f.Coords {
				if !isFillRing(ring) {
					return false
				}
			}
			any = true
		}
	}
	return any
}

// isFillRing checks for a closed ring that is exactly its own bounding
// rectangle (area test tolerates collinear vertices left by clipping)
// and covers [0, TileExtent] in both dimensions.
func isFillRing(ring []Coord) bool {
	if len(ring) < 4 || ring[0] != ring[len(ring)-1] {
		return false
	}
	minX, minY := ring[0].X, ring[0].Y
	maxX, maxY := minX, minY
	for _, c := range ring {
		if c.X < minX {
			minX = c.X
		}
		if c.X > maxX {
			maxX = c.X
		}
		if c.Y < minY {
			minY = c.Y
		}
		if c.Y > maxY {
			maxY = c.Y
		}
	}
	if minX > 0 || minY > 0 || maxX < TileExtent || maxY < TileExtent {
		return false
	}
	area := signedArea(ring)
	if area < 0 {
		area = -area
	}
	return area == float64(maxX-minX)*float64(maxY-minY)
}
