package tilegen

import (
	"context"
	"fmt"
	"os"

	"github.com/paulmach/orb/geojson"
)

// Source streams features out of one input dataset. Concrete parsers for
// the heavyweight formats (OSM PBF, shapefile, parquet) plug in behind
// this interface.
type Source interface {
	Name() string
	ReadFeatures(ctx context.Context, each func(*SourceFeature) error) error
}

// MemSource serves an in-memory feature slice. Used by tests and small
// profiles.
type MemSource struct {
	SourceName string
	Features   []*SourceFeature
}

func (s *MemSource) Name() string { return s.SourceName }

func (s *MemSource) ReadFeatures(ctx context.Context, each func(*SourceFeature) error) error {
	for _, f := range s.Features {
		if err := ctx.Err(); err != nil {
			return err
		}
		f.Source = s.SourceName
		if err := each(f); err != nil {
			return err
		}
	}
	return nil
}

// GeoJSONSource reads a FeatureCollection from a local file.
type GeoJSONSource struct {
	SourceName string
	Path       string
}

func (s *GeoJSONSource) Name() string { return s.SourceName }

func (s *GeoJSONSource) ReadFeatures(ctx context.Context, each func(*SourceFeature) error) error {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", s.Path, err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(raw)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", s.Path, err)
	}
	for i, f := range fc.Features {
		if err := ctx.Err(); err != nil {
			return err
		}
		sf := &SourceFeature{
			Source:   s.SourceName,
			Geometry: f.Geometry,
			Tags:     map[string]interface{}(f.Properties),
			ID:       uint64(i + 1),
		}
		if err := each(sf); err != nil {
			return err
		}
	}
	return nil
}
