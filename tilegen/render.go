package tilegen

import (
	"fmt"
	"log"
	"math"
	"sync/atomic"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/maptile/tilecover"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
)

// pixel-to-wire scale: one 256px tile pixel is 16 wire units at extent
// 4096.
const unitsPerPixel = TileExtent / 256

// FeatureRenderer turns one source feature plus the profile's emitted
// specs into per-tile RenderedFeatures, handling projection, tile
// coverage, clipping, simplification and collapse fallbacks.
type FeatureRenderer struct {
	logger   *log.Logger
	registry *LayerRegistry
	extents  *TileExtents
	order    TileOrder
	minZoom  uint8
	maxZoom  uint8

	emitted atomic.Uint64
}

func NewFeatureRenderer(logger *log.Logger, registry *LayerRegistry, extents *TileExtents, order TileOrder, minZoom, maxZoom uint8) *FeatureRenderer {
	return &FeatureRenderer{
		logger:   logger,
		registry: registry,
		extents:  extents,
		order:    order,
		minZoom:  minZoom,
		maxZoom:  maxZoom,
	}
}

// worldXY maps lon/lat onto the unit square of the web-mercator world.
// Coordinates beyond the mercator square are allowed so buffered
// geometry keeps its shape at the world edge; only the latitude is kept
// away from the poles where the projection diverges.
func worldXY(p orb.Point) (float64, float64) {
	x := (p[0] + 180) / 360
	lat := p[1]
	if lat > 89.9 {
		lat = 89.9
	} else if lat < -89.9 {
		lat = -89.9
	}
	sin := math.Sin(lat * math.Pi / 180)
	y := 0.5 - 0.25*math.Log((1+sin)/(1-sin))/math.Pi
	return x, y
}

// Render expands every spec the profile emitted for feature into rendered
// per-tile features and passes each to emit. emit may be called from the
// renderer's goroutine only.
func (r *FeatureRenderer) Render(feature *SourceFeature, specs []*FeatureSpec, emit func(*RenderedFeature) error) error {
	for _, spec := range specs {
		if err := r.renderSpec(feature, spec, emit); err != nil {
			return err
		}
	}
	return nil
}

func (r *FeatureRenderer) renderSpec(feature *SourceFeature, spec *FeatureSpec, emit func(*RenderedFeature) error) error {
	geom := r.specGeometry(feature, spec)
	if geom == nil {
		return nil
	}
	lo, hi := spec.minZoom, spec.maxZoom
	if lo < r.minZoom {
		lo = r.minZoom
	}
	if hi > r.maxZoom {
		hi = r.maxZoom
	}
	if lo > hi {
		return nil
	}
	layer := r.registry.Layer(spec.layer)
	if spec.labelGridLim > 0 {
		layer.SetLabelGridLimit(spec.labelGridLim)
	}
	for z := lo; z <= hi; z++ {
		if err := r.renderZoom(geom, spec, layer, z, hi, emit); err != nil {
			return err
		}
	}
	return nil
}

// specGeometry resolves the geometry kind against the source geometry.
func (r *FeatureRenderer) specGeometry(feature *SourceFeature, spec *FeatureSpec) orb.Geometry {
	g := feature.Geometry
	if g == nil {
		return nil
	}
	switch spec.kind {
	case KindCentroid:
		c, _ := planar.CentroidArea(g)
		return c
	case KindPointOnSurface:
		return pointOnSurface(g)
	case KindPoint:
		switch gg := g.(type) {
		case orb.Point, orb.MultiPoint:
			return gg
		default:
			c, _ := planar.CentroidArea(g)
			return c
		}
	case KindLine:
		switch gg := g.(type) {
		case orb.LineString, orb.MultiLineString:
			return gg
		case orb.Polygon:
			return polygonBoundary(gg)
		case orb.MultiPolygon:
			var ml orb.MultiLineString
			for _, p := range gg {
				ml = append(ml, polygonBoundary(p)...)
			}
			return ml
		}
		return nil
	case KindPolygon:
		switch gg := g.(type) {
		case orb.Polygon, orb.MultiPolygon:
			return gg
		}
		return nil
	}
	return nil
}

func polygonBoundary(p orb.Polygon) orb.MultiLineString {
	var ml orb.MultiLineString
	for _, ring := range p {
		ml = append(ml, orb.LineString(ring))
	}
	return ml
}

func pointOnSurface(g orb.Geometry) orb.Point {
	c, _ := planar.CentroidArea(g)
	switch gg := g.(type) {
	case orb.Polygon:
		if planar.PolygonContains(gg, c) {
			return c
		}
		if len(gg) > 0 && len(gg[0]) > 0 {
			return gg[0][0]
		}
	case orb.MultiPolygon:
		if planar.MultiPolygonContains(gg, c) {
			return c
		}
		if len(gg) > 0 && len(gg[0]) > 0 && len(gg[0][0]) > 0 {
			return gg[0][0][0]
		}
	}
	return c
}

func (r *FeatureRenderer) renderZoom(geom orb.Geometry, spec *FeatureSpec, layer *LayerInfo, z uint8, outermost uint8, emit func(*RenderedFeature) error) error {
	buffer := spec.bufferPixels * unitsPerPixel
	tiles, err := r.coveredTiles(geom, z, spec.bufferPixels)
	if err != nil {
		// recoverable input problem: log, drop this feature at this zoom
		if r.logger != nil {
			r.logger.Printf("tile cover failed at z%d: %v", z, err)
		}
		return nil
	}
	n := uint32(1) << z
	for tile := range tiles {
		if tile.X >= n || tile.Y >= n {
			continue
		}
		if r.extents != nil && !r.extents.Contains(z, tile.X, tile.Y) {
			continue
		}
		local := projectToTile(geom, z, tile.X, tile.Y)
		bound := orb.Bound{
			Min: orb.Point{-buffer, -buffer},
			Max: orb.Point{TileExtent + buffer, TileExtent + buffer},
		}
		clipped := clip.Geometry(bound, local)
		if clipped == nil || geomEmpty(clipped) {
			continue
		}
		if tol := spec.toleranceAt(z) * unitsPerPixel; tol > 0 && !isPointGeom(clipped) {
			simplified := simplify.DouglasPeucker(tol).Simplify(clipped)
			if simplified == nil || geomEmpty(simplified) {
				if !spec.keepCollapsed {
					continue
				}
				c, _ := planar.CentroidArea(clipped)
				simplified = c
			}
			clipped = simplified
		}
		if minPx := spec.minPixelSizeAt(z, outermost) * unitsPerPixel; minPx > 0 && !isPointGeom(clipped) {
			b := clipped.Bound()
			if b.Max[0]-b.Min[0] < minPx && b.Max[1]-b.Min[1] < minPx {
				if !spec.keepCollapsed {
					continue
				}
				c, _ := planar.CentroidArea(clipped)
				clipped = c
			}
		}
		rendered := r.buildFeatures(clipped, spec, layer, z, tile)
		for _, rf := range rendered {
			if err := emit(rf); err != nil {
				return err
			}
		}
	}
	return nil
}

// coveredTiles computes the tiles a geometry touches at zoom z. Points
// map to their containing tile; other geometries use tile cover. A
// non-zero buffer dilates the set by one ring of neighbors so buffered
// clipping can pick up edge overlap; empty clips are dropped later.
func (r *FeatureRenderer) coveredTiles(geom orb.Geometry, z uint8, bufferPixels float64) (maptile.Set, error) {
	zoom := maptile.Zoom(z)
	// coverage only cares about the part inside the mercator square;
	// the per-tile clip still sees the full geometry
	geom = clip.Geometry(WorldBounds, orb.Clone(geom))
	if geom == nil {
		return nil, nil
	}
	var set maptile.Set
	switch g := geom.(type) {
	case orb.Point:
		set = maptile.Set{maptile.At(g, zoom): true}
	case orb.MultiPoint:
		set = make(maptile.Set, len(g))
		for _, p := range g {
			set[maptile.At(p, zoom)] = true
		}
	default:
		var err error
		set, err = tilecover.Geometry(geom, zoom)
		if err != nil {
			return nil, err
		}
	}
	if bufferPixels > 0 {
		dilated := make(maptile.Set, len(set)*2)
		n := uint32(1) << z
		for t := range set {
			for dx := int64(-1); dx <= 1; dx++ {
				for dy := int64(-1); dy <= 1; dy++ {
					x := int64(t.X) + dx
					y := int64(t.Y) + dy
					if y < 0 || y >= int64(n) {
						continue
					}
					// wrap across the antimeridian
					x = (x + int64(n)) % int64(n)
					dilated[maptile.New(uint32(x), uint32(y), zoom)] = true
				}
			}
		}
		set = dilated
	}
	return set, nil
}

// projectToTile maps lon/lat geometry into the tile's local wire space,
// where the tile spans [0, TileExtent].
func projectToTile(g orb.Geometry, z uint8, tx, ty uint32) orb.Geometry {
	scale := float64(uint64(1) << z)
	proj := func(p orb.Point) orb.Point {
		wx, wy := worldXY(p)
		return orb.Point{
			(wx*scale - float64(tx)) * TileExtent,
			(wy*scale - float64(ty)) * TileExtent,
		}
	}
	return projectGeometry(g, proj)
}

func projectGeometry(g orb.Geometry, proj func(orb.Point) orb.Point) orb.Geometry {
	switch gg := g.(type) {
	case orb.Point:
		return proj(gg)
	case orb.MultiPoint:
		out := make(orb.MultiPoint, len(gg))
		for i, p := range gg {
			out[i] = proj(p)
		}
		return out
	case orb.LineString:
		out := make(orb.LineString, len(gg))
		for i, p := range gg {
			out[i] = proj(p)
		}
		return out
	case orb.MultiLineString:
		out := make(orb.MultiLineString, len(gg))
		for i, ls := range gg {
			out[i] = projectGeometry(ls, proj).(orb.LineString)
		}
		return out
	case orb.Ring:
		out := make(orb.Ring, len(gg))
		for i, p := range gg {
			out[i] = proj(p)
		}
		return out
	case orb.Polygon:
		out := make(orb.Polygon, len(gg))
		for i, ring := range gg {
			out[i] = projectGeometry(ring, proj).(orb.Ring)
		}
		return out
	case orb.MultiPolygon:
		out := make(orb.MultiPolygon, len(gg))
		for i, poly := range gg {
			out[i] = projectGeometry(poly, proj).(orb.Polygon)
		}
		return out
	case orb.Collection:
		out := make(orb.Collection, len(gg))
		for i, c := range gg {
			out[i] = projectGeometry(c, proj)
		}
		return out
	}
	panic(fmt.Sprintf("unhandled geometry %T", g))
}

func geomEmpty(g orb.Geometry) bool {
	switch gg := g.(type) {
	case orb.LineString:
		return len(gg) < 2
	case orb.MultiLineString:
		return len(gg) == 0
	case orb.Polygon:
		return len(gg) == 0 || len(gg[0]) < 3
	case orb.MultiPolygon:
		return len(gg) == 0
	case orb.MultiPoint:
		return len(gg) == 0
	case orb.Collection:
		return len(gg) == 0
	}
	return false
}

func isPointGeom(g orb.Geometry) bool {
	switch g.(type) {
	case orb.Point, orb.MultiPoint:
		return true
	}
	return false
}

// buildFeatures converts clipped tile-local geometry into spill records.
// Multi-point specs emit one record per point so label gridding can thin
// them independently.
func (r *FeatureRenderer) buildFeatures(g orb.Geometry, spec *FeatureSpec, layer *LayerInfo, z uint8, tile maptile.Tile) []*RenderedFeature {
	tileID := r.order.Encode(z, tile.X, tile.Y)
	attrs := r.buildAttrs(spec, layer, z)

	newFeature := func(geomType GeomType, coords [][]Coord) *RenderedFeature {
		order := uint8(r.emitted.Add(1))
		return &RenderedFeature{
			Key:    PackSortKey(tileID, layer.ID, spec.sortOrder, order),
			Geom:   geomType,
			Coords: coords,
			Attrs:  attrs,
			ID:     spec.id,
		}
	}

	var out []*RenderedFeature
	switch gg := g.(type) {
	case orb.Point:
		f := newFeature(GeomPoint, [][]Coord{{roundCoord(gg)}})
		f.LabelGrid = labelGridCell(spec, z, gg)
		out = append(out, f)
	case orb.MultiPoint:
		for _, p := range gg {
			f := newFeature(GeomPoint, [][]Coord{{roundCoord(p)}})
			f.LabelGrid = labelGridCell(spec, z, p)
			out = append(out, f)
		}
	case orb.LineString:
		if coords := roundLine(gg); len(coords) >= 2 {
			out = append(out, newFeature(GeomLine, [][]Coord{coords}))
		}
	case orb.MultiLineString:
		var parts [][]Coord
		for _, ls := range gg {
			if coords := roundLine(ls); len(coords) >= 2 {
				parts = append(parts, coords)
			}
		}
		if len(parts) == 1 {
			out = append(out, newFeature(GeomLine, parts))
		} else if len(parts) > 1 {
			out = append(out, newFeature(GeomMultiLine, parts))
		}
	case orb.Polygon:
		if parts := roundPolygon(gg); len(parts) > 0 {
			out = append(out, newFeature(GeomPolygon, parts))
		}
	case orb.MultiPolygon:
		var parts [][]Coord
		polys := 0
		for _, poly := range gg {
			if p := roundPolygon(poly); len(p) > 0 {
				parts = append(parts, p...)
				polys++
			}
		}
		if polys == 1 {
			out = append(out, newFeature(GeomPolygon, parts))
		} else if polys > 1 {
			out = append(out, newFeature(GeomMultiPolygon, parts))
		}
	case orb.Collection:
		for _, c := range gg {
			out = append(out, r.buildFeatures(c, spec, layer, z, tile)...)
		}
	}
	return out
}

func (r *FeatureRenderer) buildAttrs(spec *FeatureSpec, layer *LayerInfo, z uint8) []Attr {
	attrs := make([]Attr, 0, len(spec.attrs))
	for _, a := range spec.attrs {
		if z < a.minZoom {
			continue
		}
		attrs = append(attrs, Attr{Key: layer.KeyID(a.key), Value: a.value})
	}
	return attrs
}

func labelGridCell(spec *FeatureSpec, z uint8, p orb.Point) uint64 {
	if spec.labelGridSize == nil || spec.labelGridLim <= 0 {
		return 0
	}
	size := spec.labelGridSize(z) * unitsPerPixel
	if size <= 0 {
		return 0
	}
	cx := int32(math.Floor(p[0] / size))
	cy := int32(math.Floor(p[1] / size))
	// bit 63 marks "gridded"; 31 bits per axis keep cells distinct
	return 1<<63 | uint64(uint32(cx)&0x7fffffff)<<31 | uint64(uint32(cy)&0x7fffffff)
}

func roundCoord(p orb.Point) Coord {
	return Coord{int32(math.Round(p[0])), int32(math.Round(p[1]))}
}

// roundLine snaps to integers and removes consecutive duplicates.
func roundLine(ls orb.LineString) []Coord {
	out := make([]Coord, 0, len(ls))
	for _, p := range ls {
		c := roundCoord(p)
		if n := len(out); n > 0 && out[n-1] == c {
			continue
		}
		out = append(out, c)
	}
	return out
}

// roundPolygon snaps rings; rings that collapse below 4 points (closed)
// are dropped, and a dropped exterior drops the whole polygon.
func roundPolygon(p orb.Polygon) [][]Coord {
	var parts [][]Coord
	for i, ring := range p {
		coords := roundLine(orb.LineString(ring))
		// close the ring after rounding
		if len(coords) >= 3 && coords[0] != coords[len(coords)-1] {
			coords = append(coords, coords[0])
		}
		if len(coords) < 4 {
			if i == 0 {
				return nil
			}
			continue
		}
		parts = append(parts, coords)
	}
	return parts
}
