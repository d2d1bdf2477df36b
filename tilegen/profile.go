package tilegen

import (
	"github.com/paulmach/orb"
)

// SourceFeature is one feature read from a source dataset: geometry in
// lon/lat plus a string-keyed attribute map.
type SourceFeature struct {
	Source      string
	SourceLayer string
	Geometry    orb.Geometry
	Tags        map[string]interface{}
	ID          uint64
}

// GetTag returns the raw tag value, or nil.
func (f *SourceFeature) GetTag(key string) interface{} {
	return f.Tags[key]
}

// HasTag reports whether the tag is present.
func (f *SourceFeature) HasTag(key string) bool {
	_, ok := f.Tags[key]
	return ok
}

// GeomTypeName returns "point", "line" or "polygon" for expression
// matching.
func (f *SourceFeature) GeomTypeName() string {
	switch f.Geometry.(type) {
	case orb.Point, orb.MultiPoint:
		return "point"
	case orb.LineString, orb.MultiLineString:
		return "line"
	case orb.Polygon, orb.MultiPolygon:
		return "polygon"
	}
	return ""
}

// Profile decides which features are emitted into which layers and how a
// layer is post-processed per tile. Implementations must be safe for
// concurrent ProcessFeature calls.
type Profile interface {
	Name() string
	Description() string
	Attribution() string
	Version() string
	IsOverlay() bool
	// CaresAboutSource lets the pipeline skip whole sources.
	CaresAboutSource(name string) bool
	// ProcessFeature inspects one source feature and emits zero or more
	// render specs through the emitter.
	ProcessFeature(feature *SourceFeature, emitter *FeatureEmitter)
	// PostProcessLayerFeatures may add, remove or reorder the features of
	// one layer in one tile. A returned error is recoverable: the
	// original features pass through unchanged.
	PostProcessLayerFeatures(layer string, zoom uint8, features []*RenderedFeature) ([]*RenderedFeature, error)
}

// GeometryKind selects how the source geometry is rendered.
type GeometryKind uint8

const (
	KindPoint GeometryKind = iota
	KindLine
	KindPolygon
	KindCentroid
	KindPointOnSurface
)

type emitAttr struct {
	key     string
	value   Value
	minZoom uint8
}

// FeatureSpec is one emitted (layer, geometry) render request with its
// per-zoom render options. Built fluently through FeatureEmitter.
type FeatureSpec struct {
	layer         string
	kind          GeometryKind
	minZoom       uint8
	maxZoom       uint8
	bufferPixels  float64
	minPixelSize  float64
	tolerance     float64
	toleranceFn   func(z uint8) float64
	minSizeFn     func(z uint8) float64
	labelGridSize func(z uint8) float64
	labelGridLim  int
	sortOrder     int
	id            uint64
	keepCollapsed bool
	attrs         []emitAttr
}

// ZoomRange limits the zoom levels this spec renders at.
func (s *FeatureSpec) ZoomRange(min, max uint8) *FeatureSpec {
	s.minZoom, s.maxZoom = min, max
	return s
}

// Buffer sets how far outside the tile edge geometry is kept, in 256px
// tile pixels.
func (s *FeatureSpec) Buffer(pixels float64) *FeatureSpec {
	s.bufferPixels = pixels
	return s
}

// MinPixelSize drops clipped geometry smaller than this many pixels.
func (s *FeatureSpec) MinPixelSize(px float64) *FeatureSpec {
	s.minPixelSize = px
	return s
}

// MinPixelSizeAtZoom overrides MinPixelSize per zoom.
func (s *FeatureSpec) MinPixelSizeAtZoom(fn func(z uint8) float64) *FeatureSpec {
	s.minSizeFn = fn
	return s
}

// PixelTolerance sets the simplification tolerance in pixels.
func (s *FeatureSpec) PixelTolerance(px float64) *FeatureSpec {
	s.tolerance = px
	return s
}

// PixelToleranceAtZoom overrides PixelTolerance per zoom.
func (s *FeatureSpec) PixelToleranceAtZoom(fn func(z uint8) float64) *FeatureSpec {
	s.toleranceFn = fn
	return s
}

// LabelGrid thins points to at most limit per gridSize-pixel cell per
// tile, evaluated after sorting.
func (s *FeatureSpec) LabelGrid(gridSize func(z uint8) float64, limit int) *FeatureSpec {
	s.labelGridSize = gridSize
	s.labelGridLim = limit
	return s
}

// SortKey orders features within the layer; lower sorts first.
func (s *FeatureSpec) SortKey(order int) *FeatureSpec {
	s.sortOrder = order
	return s
}

// ID sets the feature id emitted in the wire format.
func (s *FeatureSpec) ID(id uint64) *FeatureSpec {
	s.id = id
	return s
}

// KeepCollapsed emits a centroid point when the clipped geometry collapses
// below the minimum pixel size instead of dropping it.
func (s *FeatureSpec) KeepCollapsed() *FeatureSpec {
	s.keepCollapsed = true
	return s
}

// Attr attaches an attribute at every zoom.
func (s *FeatureSpec) Attr(key string, value Value) *FeatureSpec {
	s.attrs = append(s.attrs, emitAttr{key: key, value: value})
	return s
}

// AttrWithMinZoom attaches an attribute only at or above the given zoom.
func (s *FeatureSpec) AttrWithMinZoom(key string, value Value, minZoom uint8) *FeatureSpec {
	s.attrs = append(s.attrs, emitAttr{key: key, value: value, minZoom: minZoom})
	return s
}

func (s *FeatureSpec) minPixelSizeAt(z uint8, outermost uint8) float64 {
	if s.minSizeFn != nil {
		return s.minSizeFn(z)
	}
	if z == outermost && s.minPixelSize == 0 {
		// roughly one wire unit at the deepest rendered zoom
		return 256.0 / TileExtent
	}
	return s.minPixelSize
}

func (s *FeatureSpec) toleranceAt(z uint8) float64 {
	if s.toleranceFn != nil {
		return s.toleranceFn(z)
	}
	return s.tolerance
}

// FeatureEmitter buffers the render specs a profile emits for one source
// feature. The profile calls the kind helpers synchronously; the pipeline
// renders the buffered specs afterwards.
type FeatureEmitter struct {
	feature *SourceFeature
	minZoom uint8
	maxZoom uint8
	specs   []*FeatureSpec
}

func newFeatureEmitter(f *SourceFeature, minZoom, maxZoom uint8) *FeatureEmitter {
	return &FeatureEmitter{feature: f, minZoom: minZoom, maxZoom: maxZoom}
}

func (e *FeatureEmitter) emit(kind GeometryKind, layer string) *FeatureSpec {
	s := &FeatureSpec{
		layer:        layer,
		kind:         kind,
		minZoom:      e.minZoom,
		maxZoom:      e.maxZoom,
		bufferPixels: 4,
		tolerance:    0.1,
	}
	e.specs = append(e.specs, s)
	return s
}

// Point emits the feature as points (each point of a multipoint).
func (e *FeatureEmitter) Point(layer string) *FeatureSpec {
	return e.emit(KindPoint, layer)
}

// Line emits the feature as linestrings.
func (e *FeatureEmitter) Line(layer string) *FeatureSpec {
	return e.emit(KindLine, layer)
}

// Polygon emits the feature as polygons.
func (e *FeatureEmitter) Polygon(layer string) *FeatureSpec {
	return e.emit(KindPolygon, layer)
}

// Centroid emits a single point at the geometry centroid.
func (e *FeatureEmitter) Centroid(layer string) *FeatureSpec {
	return e.emit(KindCentroid, layer)
}

// PointOnSurface emits a single point guaranteed to fall on the geometry.
func (e *FeatureEmitter) PointOnSurface(layer string) *FeatureSpec {
	return e.emit(KindPointOnSurface, layer)
}
