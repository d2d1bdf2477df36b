package tilegen

import (
	"log"
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

// Stats collects lock-free progress counters for one pipeline run. A
// single handle is constructed by the pipeline and threaded through the
// stages.
type Stats struct {
	FeaturesRead      atomic.Int64
	FeaturesRendered  atomic.Int64
	FeaturesProcessed atomic.Int64
	MemoizedTiles     atomic.Int64

	AddressedTiles atomic.Int64
	TileContents   atomic.Int64

	tilesByZoom    [MaxZoom + 1]atomic.Int64
	bytesByZoom    [MaxZoom + 1]atomic.Int64
	maxTileByZoom  [MaxZoom + 1]atomic.Int64
}

// WroteTile records one tile leaving the writer. rawSize is the
// uncompressed encoded length; isNew marks the first occurrence of a
// payload.
func (s *Stats) WroteTile(z uint8, compressed, rawSize int, isNew bool) {
	s.AddressedTiles.Add(1)
	if isNew {
		s.TileContents.Add(1)
	}
	s.tilesByZoom[z].Add(1)
	s.bytesByZoom[z].Add(int64(rawSize))
	for {
		cur := s.maxTileByZoom[z].Load()
		if int64(rawSize) <= cur || s.maxTileByZoom[z].CompareAndSwap(cur, int64(rawSize)) {
			break
		}
	}
}

// TilesWritten sums tiles across all zooms.
func (s *Stats) TilesWritten() int64 {
	var total int64
	for z := range s.tilesByZoom {
		total += s.tilesByZoom[z].Load()
	}
	return total
}

// Report logs a per-zoom summary after a run.
func (s *Stats) Report(logger *log.Logger, minZoom, maxZoom uint8) {
	if logger == nil {
		return
	}
	for z := minZoom; z <= maxZoom && z <= MaxZoom; z++ {
		count := s.tilesByZoom[z].Load()
		if count == 0 {
			continue
		}
		logger.Printf("z%-2d %8s tiles  avg %8s  max %8s",
			z,
			humanize.Comma(count),
			humanize.Bytes(uint64(s.bytesByZoom[z].Load()/count)),
			humanize.Bytes(uint64(s.maxTileByZoom[z].Load())))
	}
	logger.Printf("features: %s processed, %s memoized tiles",
		humanize.Comma(s.FeaturesProcessed.Load()),
		humanize.Comma(s.MemoizedTiles.Load()))
	logger.Printf("tiles: %s addressed, %s distinct contents",
		humanize.Comma(s.AddressedTiles.Load()),
		humanize.Comma(s.TileContents.Load()))
}
