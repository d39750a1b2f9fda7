// Package file implements File, the persisted block sink/source: an
// append-only sequence of Blocks supporting one writer and any number of
// concurrent non-consuming readers, or one
// exclusive consuming reader.
package file

import (
	"context"
	"sync"

	"github.com/joeycumines/go-flowdag/block"
	"github.com/joeycumines/go-flowdag/blockio"
	"github.com/joeycumines/go-flowdag/ferr"
)

// File is an ordered, append-only sequence of Blocks persisted in a
// block.Pool, with per-block cumulative item counts supporting random
// access by item index (GetReaderAt).
type File struct {
	pool *block.Pool

	mu             sync.Mutex
	blocks         []block.Block
	cumItems       []int // cumItems[i] = total items started in blocks[0..i]
	totalBytes     int64
	writerOpened   bool
	writerClosed   bool
	consumerActive bool
}

// New constructs an empty File backed by pool.
func New(pool *block.Pool) *File {
	return &File{pool: pool}
}

// NumItems returns the total number of items written so far.
func (f *File) NumItems() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.cumItems) == 0 {
		return 0
	}
	return f.cumItems[len(f.cumItems)-1]
}

// SizeBytes returns the total number of payload bytes written so far.
func (f *File) SizeBytes() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.totalBytes
}

// fileSink is the blockio.Sink returned by GetWriter.
type fileSink struct {
	f *File
}

func (s *fileSink) Put(b block.Block) error {
	f := s.f
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writerClosed {
		return ferr.New(ferr.LogicError, "file: Put after writer Close")
	}
	f.blocks = append(f.blocks, b)
	prev := 0
	if len(f.cumItems) > 0 {
		prev = f.cumItems[len(f.cumItems)-1]
	}
	f.cumItems = append(f.cumItems, prev+b.NumItems)
	f.totalBytes += int64(b.Len())
	return nil
}

func (s *fileSink) Close() error {
	s.f.mu.Lock()
	s.f.writerClosed = true
	s.f.mu.Unlock()
	return nil
}

// GetWriter returns a Sink that appends blocks to this File. Only one
// writer may be active over the lifetime of a File.
func (f *File) GetWriter() (blockio.Sink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writerOpened {
		return nil, ferr.New(ferr.LogicError, "file: GetWriter called more than once")
	}
	f.writerOpened = true
	return &fileSink{f: f}, nil
}

// fileSource iterates a fixed snapshot of a File's blocks, from idx.
// If consume is true, each yielded block's File-owned reference is
// transferred to the caller (and removed from the File's own index) as it
// is produced, so the underlying bytes can be released once the caller is
// done with them; otherwise a fresh reference is retained for the caller
// and the File keeps its own.
type fileSource struct {
	f       *File
	idx     int
	consume bool
}

// fileSourceAdapter implements blockio.Source over a fileSource.
type fileSourceAdapter struct {
	src *fileSource
}

func (a *fileSourceAdapter) Next(ctx context.Context) (block.Block, bool, error) {
	if err := ctx.Err(); err != nil {
		return block.Block{}, false, err
	}
	b, ok := a.src.nextBlock()
	if !ok {
		if a.src.consume {
			a.src.f.mu.Lock()
			a.src.f.consumerActive = false
			a.src.f.mu.Unlock()
		}
		return block.Block{}, false, nil
	}
	return b, true, nil
}

func (s *fileSource) nextBlock() (block.Block, bool) {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	if s.idx >= len(s.f.blocks) {
		return block.Block{}, false
	}
	b := s.f.blocks[s.idx]
	if s.consume {
		// transfer File's reference to the caller; record removal by
		// nil-ing the slot (File no longer iterates over it).
		s.f.blocks[s.idx] = block.Block{}
	} else {
		b = b.Retain()
	}
	s.idx++
	return b, true
}

// GetReader returns a Source iterating this File's blocks from the start.
// If consume is true the reader is exclusive and each block is removed
// from the File as it is read, releasing it back to the pool once the
// caller releases its own reference; concurrent non-consuming readers may
// still be in progress, but no further consuming reader may be opened
// until this one is exhausted or abandoned.
func (f *File) GetReader(consume bool) (blockio.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if consume {
		if f.consumerActive {
			return nil, ferr.New(ferr.LogicError, "file: a consuming reader is already active")
		}
		f.consumerActive = true
	}
	return &fileSourceAdapter{src: &fileSource{f: f, consume: consume}}, nil
}

// GetReaderAt returns a non-consuming Source positioned so that the block
// containing item itemIndex is produced first, together with skip: the
// number of leading items in that first block's typed decode that belong
// to items before itemIndex and must be discarded by the typed
// blockio.Reader built atop this Source before real consumption begins.
func (f *File) GetReaderAt(itemIndex int) (src blockio.Source, skip int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	total := 0
	if len(f.cumItems) > 0 {
		total = f.cumItems[len(f.cumItems)-1]
	}
	if itemIndex < 0 || itemIndex > total {
		return nil, 0, ferr.New(ferr.LogicError, "file: GetReaderAt index out of range")
	}
	if itemIndex == total {
		return &fileSourceAdapter{src: &fileSource{f: f, idx: len(f.blocks), consume: false}}, 0, nil
	}

	// binary search for the first block whose cumulative count exceeds itemIndex
	lo, hi := 0, len(f.cumItems)-1
	for lo < hi {
		mid := (lo + hi) / 2
		if f.cumItems[mid] > itemIndex {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	before := 0
	if lo > 0 {
		before = f.cumItems[lo-1]
	}
	return &fileSourceAdapter{src: &fileSource{f: f, idx: lo, consume: false}}, itemIndex - before, nil
}
