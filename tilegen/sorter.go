package tilegen

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultChunkMaxBytes caps the in-memory buffer of one sort chunk.
	DefaultChunkMaxBytes = 1 << 30
	mergeReadBufferBytes = 256 * 1024
)

type sortRecord struct {
	key  uint64
	data []byte
}

// ExternalMergeSort is a memory-bounded sorter over opaque records keyed
// by uint64. Records are appended by a single producer, buffered into
// chunks, sorted and spilled to temp files off the append path, then
// streamed back in global key order by a k-way merge. Equal keys keep
// their append order.
type ExternalMergeSort struct {
	logger        *log.Logger
	dir           string
	chunkMaxBytes int64

	cur      []sortRecord
	curBytes int64
	chunks   []string
	count    atomic.Int64
	spilled  atomic.Int64

	spill    *errgroup.Group
	finished bool
	closed   bool
}

// NewExternalMergeSort creates a sorter spilling under tmpdir. The temp
// directory is removed on Close.
func NewExternalMergeSort(logger *log.Logger, tmpdir string, chunkMaxBytes int64) (*ExternalMergeSort, error) {
	if chunkMaxBytes <= 0 {
		chunkMaxBytes = DefaultChunkMaxBytes
	}
	dir, err := os.MkdirTemp(tmpdir, "tilegen-sort-")
	if err != nil {
		return nil, fmt.Errorf("creating sort tmpdir: %w", err)
	}
	g, _ := errgroup.WithContext(context.Background())
	// one chunk spilling in the background while the next one fills
	g.SetLimit(1)
	return &ExternalMergeSort{
		logger:        logger,
		dir:           dir,
		chunkMaxBytes: chunkMaxBytes,
		spill:         g,
	}, nil
}

// NumRecords returns the number of records appended so far.
func (s *ExternalMergeSort) NumRecords() int64 { return s.count.Load() }

// SpilledBytes returns the number of bytes written to spill files.
func (s *ExternalMergeSort) SpilledBytes() int64 { return s.spilled.Load() }

// NumChunks returns how many spill chunks exist.
func (s *ExternalMergeSort) NumChunks() int { return len(s.chunks) }

// Append buffers one record. Single producer; must not be called after
// Finish.
func (s *ExternalMergeSort) Append(key uint64, data []byte) error {
	if s.finished {
		panic("append after finish")
	}
	d := make([]byte, len(data))
	copy(d, data)
	s.cur = append(s.cur, sortRecord{key: key, data: d})
	s.curBytes += int64(len(d)) + 16
	s.count.Add(1)
	if s.curBytes >= s.chunkMaxBytes {
		return s.rotate()
	}
	return nil
}

func (s *ExternalMergeSort) rotate() error {
	if len(s.cur) == 0 {
		return nil
	}
	chunk := s.cur
	path := filepath.Join(s.dir, fmt.Sprintf("chunk-%06d", len(s.chunks)))
	s.chunks = append(s.chunks, path)
	s.cur = nil
	s.curBytes = 0
	// Go blocks when the previous chunk is still spilling, which bounds
	// memory to one filling + one spilling chunk.
	s.spill.Go(func() error {
		return s.spillChunk(path, chunk)
	})
	return nil
}

func (s *ExternalMergeSort) spillChunk(path string, chunk []sortRecord) error {
	sort.SliceStable(chunk, func(i, j int) bool {
		return chunk[i].key < chunk[j].key
	})
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating spill chunk: %w", err)
	}
	w := bufio.NewWriterSize(f, mergeReadBufferBytes)
	tmp := make([]byte, binary.MaxVarintLen64)
	var written int64
	for _, rec := range chunk {
		n := binary.PutUvarint(tmp, uint64(len(rec.data)))
		if _, err := w.Write(tmp[:n]); err != nil {
			f.Close()
			return fmt.Errorf("writing spill chunk %s: %w", path, err)
		}
		binary.BigEndian.PutUint64(tmp[:8], rec.key)
		if _, err := w.Write(tmp[:8]); err != nil {
			f.Close()
			return fmt.Errorf("writing spill chunk %s: %w", path, err)
		}
		if _, err := w.Write(rec.data); err != nil {
			f.Close()
			return fmt.Errorf("writing spill chunk %s: %w", path, err)
		}
		written += int64(n) + 8 + int64(len(rec.data))
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flushing spill chunk %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing spill chunk %s: %w", path, err)
	}
	s.spilled.Add(written)
	return nil
}

// Finish flushes the in-memory chunk and seals the sorter. After Finish
// only Iter and Close may be called.
func (s *ExternalMergeSort) Finish() error {
	if s.finished {
		return nil
	}
	if err := s.rotate(); err != nil {
		return err
	}
	if err := s.spill.Wait(); err != nil {
		return err
	}
	s.finished = true
	if s.logger != nil {
		s.logger.Printf("sorted %d features in %d chunk(s)", s.count.Load(), len(s.chunks))
	}
	return nil
}

// Close removes all spill files. Safe to call on every exit path.
func (s *ExternalMergeSort) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.spill.Wait()
	return os.RemoveAll(s.dir)
}

// Iter opens a merged view over all chunks. The sorter must be finished.
// Single consumer.
func (s *ExternalMergeSort) Iter() (*SortedReader, error) {
	if !s.finished {
		panic("iter before finish")
	}
	r := &SortedReader{
		heap:    newMinHeap(len(s.chunks) + 1),
		readers: make([]*chunkReader, len(s.chunks)),
	}
	for i, path := range s.chunks {
		cr, err := openChunkReader(path)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.readers[i] = cr
		if cr.advance() {
			r.heap.push(i, cr.key)
		} else if cr.err != nil {
			r.Close()
			return nil, cr.err
		}
	}
	return r, nil
}

type chunkReader struct {
	path   string
	file   *os.File
	br     *bufio.Reader
	offset int64

	key  uint64
	data []byte
	err  error
	done bool
}

func openChunkReader(path string) (*chunkReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening spill chunk: %w", err)
	}
	return &chunkReader{
		path: path,
		file: f,
		br:   bufio.NewReaderSize(f, mergeReadBufferBytes),
	}, nil
}

// advance reads the next record into key/data. Returns false at EOF or on
// error (inspect err).
func (c *chunkReader) advance() bool {
	if c.done || c.err != nil {
		return false
	}
	length, err := binary.ReadUvarint(c.br)
	if err == io.EOF {
		c.done = true
		return false
	}
	if err != nil {
		c.err = fmt.Errorf("corrupt chunk %s at offset %d: %w", c.path, c.offset, err)
		return false
	}
	buf := make([]byte, 8+length)
	if _, err := io.ReadFull(c.br, buf); err != nil {
		c.err = fmt.Errorf("corrupt chunk %s at offset %d: record length %d: %w", c.path, c.offset, length, err)
		return false
	}
	c.key = binary.BigEndian.Uint64(buf[:8])
	c.data = buf[8:]
	c.offset += int64(uvarintLen(length)) + 8 + int64(length)
	return true
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

func (c *chunkReader) close() {
	if c.file != nil {
		c.file.Close()
		c.file = nil
	}
}

// SortedReader streams records in non-decreasing key order across all
// spill chunks via a 4-ary min-heap keyed by each chunk's current head.
type SortedReader struct {
	heap    *minHeap
	readers []*chunkReader
}

// Next returns the next record. io.EOF signals the end of the stream. The
// returned slice is owned by the caller.
func (r *SortedReader) Next() (uint64, []byte, error) {
	if r.heap.empty() {
		return 0, nil, io.EOF
	}
	idx := r.heap.peekID()
	cr := r.readers[idx]
	key, data := cr.key, cr.data
	if cr.advance() {
		// cheaper than poll+push when the same chunk stays the head
		r.heap.updateHead(cr.key)
	} else {
		if cr.err != nil {
			return 0, nil, cr.err
		}
		r.heap.poll()
	}
	return key, data, nil
}

// Close releases all chunk readers. Spill files themselves are deleted by
// the sorter's Close.
func (r *SortedReader) Close() {
	for _, cr := range r.readers {
		if cr != nil {
			cr.close()
		}
	}
}
