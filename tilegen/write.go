package tilegen

import (
	"context"
	"fmt"
	"log"
)

// WriterOrderedSink is the single-consumer stage that drives the archive
// writer. It receives batches in submission order, awaits each batch's
// encoded result, deduplicates payloads by content hash and asserts that
// tiles leave strictly in archive order.
type WriterOrderedSink struct {
	logger  *log.Logger
	stats   *Stats
	archive ArchiveWriter

	// content hash -> payload id; populated only when the archive
	// deduplicates. Writer-thread only, so no lock.
	dataIDs    map[uint64]int64
	nextDataID int64

	wroteAny bool
	lastTile TileID
	currentZ int
}

func NewWriterOrderedSink(logger *log.Logger, stats *Stats, archive ArchiveWriter) *WriterOrderedSink {
	return &WriterOrderedSink{
		logger:   logger,
		stats:    stats,
		archive:  archive,
		dataIDs:  make(map[uint64]int64),
		currentZ: -1,
	}
}

// Run consumes batches until the queue closes. The archive must already
// be initialized; Finish is left to the pipeline so failures can abort
// instead.
func (s *WriterOrderedSink) Run(ctx context.Context, batches <-chan *TileBatch) error {
	dedup := s.archive.Deduplicates()
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
		var tiles []EncodedTile
		select {
		case tiles = <-batch.Result:
		case <-ctx.Done():
			return ctx.Err()
		}
		for i := range tiles {
			if err := s.writeTile(&tiles[i], dedup); err != nil {
				return err
			}
		}
	}
}

func (s *WriterOrderedSink) writeTile(tile *EncodedTile, dedup bool) error {
	if s.wroteAny && tile.ID <= s.lastTile {
		panic(fmt.Sprintf("tiles out of order: %d before %d", s.lastTile, tile.ID))
	}
	s.wroteAny = true
	s.lastTile = tile.ID
	if int(tile.Z) != s.currentZ {
		if s.logger != nil {
			s.logger.Printf("starting z%d", tile.Z)
		}
		s.currentZ = int(tile.Z)
	}

	dataID := int64(-1)
	data := tile.Data
	isNew := true
	if dedup && tile.HasHash {
		if id, ok := s.dataIDs[tile.Hash]; ok {
			dataID = id
			data = nil
			isNew = false
		} else {
			dataID = s.nextDataID
			s.nextDataID++
			s.dataIDs[tile.Hash] = dataID
		}
	} else if dedup {
		// unhashed tiles still need a fresh payload id
		dataID = s.nextDataID
		s.nextDataID++
	}
	if err := s.archive.WriteTile(tile.ID, data, dataID); err != nil {
		return fmt.Errorf("writing tile: %w", err)
	}
	if s.stats != nil {
		s.stats.WroteTile(tile.Z, len(tile.Data), tile.RawSize, isNew)
	}
	return nil
}

// NumTileContents returns how many payload ids were assigned; it is 0 when
// the archive does not deduplicate.
func (s *WriterOrderedSink) NumTileContents() int64 { return s.nextDataID }
