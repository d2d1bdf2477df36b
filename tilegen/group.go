package tilegen

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// TileGroup is the ordered run of rendered features sharing one tile id,
// partitioned by layer, after label-grid thinning and profile
// post-processing. Groups handed to the encoder are immutable.
type TileGroup struct {
	ID     TileID
	Z      uint8
	X, Y   uint32
	Layers []*GroupLayer

	numFeatures int
	fingerprint uint64
}

// GroupLayer is one layer's features within a tile, in sort-key order.
type GroupLayer struct {
	Info     *LayerInfo
	Features []*RenderedFeature
}

// NumFeatures is the feature count after post-processing, used to size
// encoder batches.
func (g *TileGroup) NumFeatures() int { return g.numFeatures }

// HasSameContents reports whether two successive groups carry identical
// features (ignoring the tile id itself). Adjacent ocean tiles are
// overwhelmingly identical, so the encoder memoizes on this.
func (g *TileGroup) HasSameContents(prev *TileGroup) bool {
	return prev != nil && g.fingerprint == prev.fingerprint
}

// GroupReader turns the sorter's record stream into TileGroups.
type GroupReader struct {
	logger   *log.Logger
	reader   *SortedReader
	registry *LayerRegistry
	profile  Profile
	order    TileOrder

	pendingKey  SortKey
	pendingData []byte
	havePending bool
	done        bool
}

func NewGroupReader(logger *log.Logger, reader *SortedReader, registry *LayerRegistry, profile Profile, order TileOrder) *GroupReader {
	return &GroupReader{
		logger:   logger,
		reader:   reader,
		registry: registry,
		profile:  profile,
		order:    order,
	}
}

// Next returns the next tile group in archive order, or io.EOF.
func (r *GroupReader) Next() (*TileGroup, error) {
	if r.done {
		return nil, io.EOF
	}
	if !r.havePending {
		key, data, err := r.reader.Next()
		if err == io.EOF {
			r.done = true
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}
		r.pendingKey, r.pendingData = SortKey(key), data
		r.havePending = true
	}

	tile := r.pendingKey.Tile()
	digest := xxhash.New()
	var features []*RenderedFeature
	var keyBuf [4]byte
	for {
		binary.BigEndian.PutUint32(keyBuf[:], r.pendingKey.WithinTile())
		digest.Write(keyBuf[:])
		digest.Write(r.pendingData)
		f, err := UnmarshalRenderedFeature(r.pendingKey, r.pendingData)
		if err != nil {
			return nil, fmt.Errorf("decoding feature for tile %d: %w", tile, err)
		}
		features = append(features, f)

		key, data, err := r.reader.Next()
		if err == io.EOF {
			r.done = true
			r.havePending = false
			break
		}
		if err != nil {
			return nil, err
		}
		r.pendingKey, r.pendingData = SortKey(key), data
		if r.pendingKey.Tile() != tile {
			break
		}
	}
	return r.buildGroup(tile, features, digest.Sum64())
}

func (r *GroupReader) buildGroup(tile TileID, features []*RenderedFeature, fingerprint uint64) (*TileGroup, error) {
	z, x, y := r.order.Decode(tile)
	group := &TileGroup{ID: tile, Z: z, X: x, Y: y, fingerprint: fingerprint}

	// features arrive sorted, so layer runs are contiguous and in id order
	for start := 0; start < len(features); {
		layerID := features[start].Key.Layer()
		end := start
		for end < len(features) && features[end].Key.Layer() == layerID {
			end++
		}
		info := r.registry.ByID(layerID)
		if info == nil {
			return nil, fmt.Errorf("unknown layer id %d in tile %d", layerID, tile)
		}
		layerFeatures := features[start:end]
		if limit := info.LabelGridLimit(); limit > 0 {
			layerFeatures = limitLabelGrid(layerFeatures, limit)
		}
		if r.profile != nil {
			processed, err := r.profile.PostProcessLayerFeatures(info.Name, z, layerFeatures)
			if err != nil {
				// recoverable geometry error: keep the originals
				if r.logger != nil {
					r.logger.Printf("post-process error on layer %q tile %d/%d/%d: %v", info.Name, z, x, y, err)
				}
			} else if processed != nil {
				layerFeatures = processed
			}
		}
		if len(layerFeatures) > 0 {
			group.Layers = append(group.Layers, &GroupLayer{Info: info, Features: layerFeatures})
			group.numFeatures += len(layerFeatures)
		}
		start = end
	}
	return group, nil
}

// limitLabelGrid keeps at most limit features per label grid cell,
// preferring lower sort keys. Ungridded features always pass.
func limitLabelGrid(features []*RenderedFeature, limit int) []*RenderedFeature {
	counts := make(map[uint64]int)
	out := features[:0:0]
	for _, f := range features {
		if f.LabelGrid == 0 {
			out = append(out, f)
			continue
		}
		if counts[f.LabelGrid] < limit {
			counts[f.LabelGrid]++
			out = append(out, f)
		}
	}
	return out
}

// SortFeaturesByKey restores sort-key order after a profile reorders
// features in post-processing.
func SortFeaturesByKey(features []*RenderedFeature) {
	sort.SliceStable(features, func(i, j int) bool {
		return features[i].Key < features[j].Key
	})
}
