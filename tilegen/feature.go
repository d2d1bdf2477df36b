package tilegen

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
)

// TileExtent is the integer coordinate space of one tile in the wire
// format. Geometries are clipped into [0, TileExtent] plus the layer
// buffer before being spilled.
const TileExtent = 4096

// GeomType is the geometry type of a rendered feature.
type GeomType uint8

const (
	GeomPoint GeomType = iota + 1
	GeomLine
	GeomPolygon
	GeomMultiPoint
	GeomMultiLine
	GeomMultiPolygon
)

func (g GeomType) String() string {
	switch g {
	case GeomPoint:
		return "point"
	case GeomLine:
		return "line"
	case GeomPolygon:
		return "polygon"
	case GeomMultiPoint:
		return "multipoint"
	case GeomMultiLine:
		return "multiline"
	case GeomMultiPolygon:
		return "multipolygon"
	}
	return "unknown"
}

// Coord is a tile-local integer coordinate. Values may fall outside
// [0, TileExtent] by up to the layer buffer.
type Coord struct {
	X, Y int32
}

// ValueType tags an attribute value in the spill record and the wire
// format.
type ValueType uint8

const (
	ValueString ValueType = iota
	ValueInt
	ValueFloat
	ValueBool
)

// Value is one attribute value.
type Value struct {
	Type  ValueType
	Str   string
	Int   int64
	Float float64
	Bool  bool
}

// Interface returns the value as the dynamic type the tile encoder wants.
func (v Value) Interface() interface{} {
	switch v.Type {
	case ValueString:
		return v.Str
	case ValueInt:
		return v.Int
	case ValueFloat:
		return v.Float
	default:
		return v.Bool
	}
}

// StringValue, IntValue, FloatValue and BoolValue build attribute values.
func StringValue(s string) Value  { return Value{Type: ValueString, Str: s} }
func IntValue(i int64) Value      { return Value{Type: ValueInt, Int: i} }
func FloatValue(f float64) Value  { return Value{Type: ValueFloat, Float: f} }
func BoolValue(b bool) Value      { return Value{Type: ValueBool, Bool: b} }

// Attr is one (key, value) pair with the key interned per layer.
type Attr struct {
	Key   uint32
	Value Value
}

// RenderedFeature is the compact record spilled to disk between rendering
// and tile emission: one tile-local fragment of a source feature.
type RenderedFeature struct {
	Key    SortKey
	Geom   GeomType
	Coords [][]Coord
	Attrs  []Attr
	ID     uint64
	// LabelGrid is the label grid cell this point belongs to at its zoom,
	// or 0 when the layer does not grid-limit points.
	LabelGrid uint64
}

// Marshal encodes everything except the sort key, which the sorter keeps
// alongside the payload.
func (f *RenderedFeature) Marshal(buf []byte) []byte {
	tmp := make([]byte, binary.MaxVarintLen64)
	put := func(v uint64) {
		n := binary.PutUvarint(tmp, v)
		buf = append(buf, tmp[:n]...)
	}
	buf = append(buf, byte(f.Geom))
	put(f.ID)
	put(f.LabelGrid)
	put(uint64(len(f.Coords)))
	for _, part := range f.Coords {
		put(uint64(len(part)))
		var px, py int32
		for _, c := range part {
			put(zigzag(c.X - px))
			put(zigzag(c.Y - py))
			px, py = c.X, c.Y
		}
	}
	put(uint64(len(f.Attrs)))
	for _, a := range f.Attrs {
		put(uint64(a.Key))
		buf = append(buf, byte(a.Value.Type))
		switch a.Value.Type {
		case ValueString:
			put(uint64(len(a.Value.Str)))
			buf = append(buf, a.Value.Str...)
		case ValueInt:
			put(zigzag64(a.Value.Int))
		case ValueFloat:
			var fb [8]byte
			binary.LittleEndian.PutUint64(fb[:], math.Float64bits(a.Value.Float))
			buf = append(buf, fb[:]...)
		case ValueBool:
			if a.Value.Bool {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		}
	}
	return buf
}

type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) ReadByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, fmt.Errorf("truncated record at offset %d", r.pos)
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *byteReader) uvarint() (uint64, error) {
	return binary.ReadUvarint(r)
}

// UnmarshalRenderedFeature decodes a spill record payload produced by
// Marshal. key is the sort key the sorter kept alongside it.
func UnmarshalRenderedFeature(key SortKey, data []byte) (*RenderedFeature, error) {
	r := &byteReader{data: data}
	gt, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	f := &RenderedFeature{Key: key, Geom: GeomType(gt)}
	if f.ID, err = r.uvarint(); err != nil {
		return nil, err
	}
	if f.LabelGrid, err = r.uvarint(); err != nil {
		return nil, err
	}
	nParts, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	f.Coords = make([][]Coord, 0, nParts)
	for p := uint64(0); p < nParts; p++ {
		n, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		part := make([]Coord, 0, n)
		var px, py int32
		for i := uint64(0); i < n; i++ {
			dx, err := r.uvarint()
			if err != nil {
				return nil, err
			}
			dy, err := r.uvarint()
			if err != nil {
				return nil, err
			}
			px += unzigzag(dx)
			py += unzigzag(dy)
			part = append(part, Coord{px, py})
		}
		f.Coords = append(f.Coords, part)
	}
	nAttrs, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	f.Attrs = make([]Attr, 0, nAttrs)
	for i := uint64(0); i < nAttrs; i++ {
		keyID, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		vt, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		a := Attr{Key: uint32(keyID), Value: Value{Type: ValueType(vt)}}
		switch ValueType(vt) {
		case ValueString:
			n, err := r.uvarint()
			if err != nil {
				return nil, err
			}
			if r.pos+int(n) > len(r.data) {
				return nil, fmt.Errorf("truncated string at offset %d", r.pos)
			}
			a.Value.Str = string(r.data[r.pos : r.pos+int(n)])
			r.pos += int(n)
		case ValueInt:
			u, err := r.uvarint()
			if err != nil {
				return nil, err
			}
			a.Value.Int = unzigzag64(u)
		case ValueFloat:
			if r.pos+8 > len(r.data) {
				return nil, fmt.Errorf("truncated float at offset %d", r.pos)
			}
			a.Value.Float = math.Float64frombits(binary.LittleEndian.Uint64(r.data[r.pos:]))
			r.pos += 8
		case ValueBool:
			b, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			a.Value.Bool = b != 0
		default:
			return nil, fmt.Errorf("unknown value type %d at offset %d", vt, r.pos)
		}
		f.Attrs = append(f.Attrs, a)
	}
	return f, nil
}

func zigzag(v int32) uint64   { return uint64(uint32((v << 1) ^ (v >> 31))) }
func unzigzag(u uint64) int32 { return int32(uint32(u)>>1) ^ -int32(uint32(u)&1) }

func zigzag64(v int64) uint64   { return uint64((v << 1) ^ (v >> 63)) }
func unzigzag64(u uint64) int64 { return int64(u>>1) ^ -int64(u&1) }

// LayerInfo holds the interned id and key table for one output layer.
// Keys are appended in first-use order and stay stable for the run.
type LayerInfo struct {
	Name string
	ID   uint8

	mu       sync.Mutex
	keyIDs   map[string]uint32
	keyNames []string

	// labelGridLimit caps points per label grid cell when > 0.
	labelGridLimit int
}

// SetLabelGridLimit records the layer's label grid cap. Renderer workers
// may race to set the same value; the lock keeps it well-defined.
func (l *LayerInfo) SetLabelGridLimit(limit int) {
	l.mu.Lock()
	l.labelGridLimit = limit
	l.mu.Unlock()
}

// LabelGridLimit returns the layer's label grid cap, 0 when unlimited.
func (l *LayerInfo) LabelGridLimit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.labelGridLimit
}

// KeyID interns an attribute key.
func (l *LayerInfo) KeyID(name string) uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id, ok := l.keyIDs[name]; ok {
		return id
	}
	id := uint32(len(l.keyNames))
	l.keyIDs[name] = id
	l.keyNames = append(l.keyNames, name)
	return id
}

// Keys returns all interned attribute keys in id order.
func (l *LayerInfo) Keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.keyNames))
	copy(out, l.keyNames)
	return out
}

// KeyName resolves an interned key id.
func (l *LayerInfo) KeyName(id uint32) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if int(id) >= len(l.keyNames) {
		return ""
	}
	return l.keyNames[id]
}

// LayerRegistry assigns 8-bit layer ids in declaration order and owns the
// per-layer key tables. Safe for concurrent renderer workers.
type LayerRegistry struct {
	mu     sync.Mutex
	byName map[string]*LayerInfo
	byID   []*LayerInfo
}

func NewLayerRegistry() *LayerRegistry {
	return &LayerRegistry{byName: make(map[string]*LayerInfo)}
}

// Layer interns a layer name. More than 256 distinct layers is a
// programmer error.
func (r *LayerRegistry) Layer(name string) *LayerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.byName[name]; ok {
		return l
	}
	if len(r.byID) >= 256 {
		panic("too many layers: ids are 8-bit")
	}
	l := &LayerInfo{Name: name, ID: uint8(len(r.byID)), keyIDs: make(map[string]uint32)}
	r.byName[name] = l
	r.byID = append(r.byID, l)
	return l
}

// ByID resolves a layer id from a sort key.
func (r *LayerRegistry) ByID(id uint8) *LayerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(id) >= len(r.byID) {
		return nil
	}
	return r.byID[id]
}

// Names returns all layer names in id order.
func (r *LayerRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.byID))
	for i, l := range r.byID {
		names[i] = l.Name
	}
	return names
}
