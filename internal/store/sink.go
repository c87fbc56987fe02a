package store

import (
	"io"
	"os"
	"sync"

	"github.com/felixschorer/cmb-protocol/internal/fec"
)

// Sink is the receiver-side output sink from spec §4.3: accepts decoded
// blocks in any order and writes them at offset blockID × BlockSize,
// truncating the final block's write to the resource's true length.
type Sink interface {
	WriteBlock(blockID uint64, data []byte) error
	Close() error
}

// NewSink opens the output named by path for a resource of the given
// length. path may be a regular file path, "-" for stdout, or
// "/dev/null" — matching the client CLI's <output> argument (spec §6).
func NewSink(path string, length uint64) (Sink, error) {
	switch path {
	case "-":
		return newSequentialSink(os.Stdout, length), nil
	case os.DevNull:
		return discardSink{}, nil
	default:
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, err
		}
		if length > 0 {
			if err := f.Truncate(int64(length)); err != nil {
				f.Close()
				return nil, err
			}
		}
		return &fileSink{f: f, length: length}, nil
	}
}

// fileSink writes each block directly at its final offset via WriteAt,
// so blocks may arrive and be written in any order.
type fileSink struct {
	f      *os.File
	length uint64
}

func (s *fileSink) WriteBlock(blockID uint64, data []byte) error {
	n := truncateToBlockLength(s.length, blockID, data)
	offset := int64(blockID) * fec.BlockSize
	wrote, err := s.f.WriteAt(data[:n], offset)
	if err != nil {
		return err
	}
	if wrote != n {
		return &ErrShortWrite{BlockID: blockID, Wrote: wrote, Want: n}
	}
	return nil
}

func (s *fileSink) Close() error { return s.f.Close() }

// sequentialSink serializes out-of-order blocks into an in-order byte
// stream for a writer that can't seek, such as stdout. Blocks that
// arrive ahead of the next expected block id are buffered until the gap
// closes, the same "hold until contiguous" pattern as the teacher's
// reassembler (internal/adapter/reassembler.go), but keyed by block id
// rather than by a min-heap of sequence numbers since completion order
// here is already bounded by the partitioner's convergence.
type sequentialSink struct {
	mu      sync.Mutex
	w       io.Writer
	length  uint64
	next    uint64
	pending map[uint64][]byte
}

func newSequentialSink(w io.Writer, length uint64) *sequentialSink {
	return &sequentialSink{w: w, length: length, pending: make(map[uint64][]byte)}
}

func (s *sequentialSink) WriteBlock(blockID uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := truncateToBlockLength(s.length, blockID, data)
	s.pending[blockID] = data[:n]

	for {
		buf, ok := s.pending[s.next]
		if !ok {
			return nil
		}
		if _, err := s.w.Write(buf); err != nil {
			return err
		}
		delete(s.pending, s.next)
		s.next++
	}
}

func (s *sequentialSink) Close() error {
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// discardSink implements the /dev/null output target without touching
// the filesystem.
type discardSink struct{}

func (discardSink) WriteBlock(uint64, []byte) error { return nil }
func (discardSink) Close() error                    { return nil }

func truncateToBlockLength(totalLength, blockID uint64, data []byte) int {
	if totalLength == 0 {
		return len(data)
	}
	want := fec.BlockLength(totalLength, blockID)
	if want < 0 || want > len(data) {
		return len(data)
	}
	return want
}
