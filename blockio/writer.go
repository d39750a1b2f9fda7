package blockio

import (
	"encoding/binary"

	"github.com/joeycumines/go-flowdag/block"
	"github.com/joeycumines/go-flowdag/ferr"
)

// byteWriter is the low-level block-filling mechanism shared by every
// typed Writer[T]: it owns the current pinned block, tracks the write
// cursor, and finalizes/emits blocks to a Sink as they fill, computing
// each block's first_item_offset and num_items.
type byteWriter struct {
	pool      *block.Pool
	sink      Sink
	blockSize int

	pb              *block.PinnedBlock
	pos             int
	itemsInBlock    int
	firstItemOffset int
	closed          bool
}

func newByteWriter(pool *block.Pool, sink Sink) *byteWriter {
	return &byteWriter{pool: pool, sink: sink, blockSize: pool.BlockSize()}
}

func (w *byteWriter) allocateBlock(firstItemOffset int) error {
	pb, err := w.pool.AllocateByteBlock()
	if err != nil {
		return ferr.Wrap(ferr.IoError, err)
	}
	w.pb = pb
	w.pos = 0
	w.itemsInBlock = 0
	w.firstItemOffset = firstItemOffset
	return nil
}

func (w *byteWriter) finalizeBlock() error {
	if w.pb == nil || w.pos == 0 {
		if w.pb != nil {
			w.pb.Release()
			w.pb = nil
		}
		return nil
	}
	bb := w.pb.ByteBlock()
	blk := block.NewBlock(bb.Retain(), 0, w.pos, w.firstItemOffset, w.itemsInBlock)
	err := w.sink.Put(blk)
	w.pb.Release()
	w.pb = nil
	if err != nil {
		return ferr.Wrap(ferr.IoError, err)
	}
	return nil
}

// putFrame writes frame as a single logical item, marking an item-start in
// whichever block frame begins in, and splitting frame's bytes across
// block boundaries as needed so writers never exceed the fixed block size.
func (w *byteWriter) putFrame(frame []byte) error {
	if w.closed {
		return ferr.New(ferr.LogicError, "blockio: Put after Close")
	}
	if w.pb == nil {
		if err := w.allocateBlock(0); err != nil {
			return err
		}
	}
	if w.pos == w.blockSize {
		if err := w.finalizeBlock(); err != nil {
			return err
		}
		if err := w.allocateBlock(0); err != nil {
			return err
		}
	}

	w.itemsInBlock++

	remaining := frame
	for len(remaining) > 0 {
		capLeft := w.blockSize - w.pos
		n := len(remaining)
		if n > capLeft {
			n = capLeft
		}
		copy(w.pb.Bytes()[w.pos:], remaining[:n])
		w.pos += n
		remaining = remaining[n:]

		if len(remaining) > 0 {
			if err := w.finalizeBlock(); err != nil {
				return err
			}
			carry := len(remaining)
			if carry > w.blockSize {
				carry = w.blockSize
			}
			if err := w.allocateBlock(carry); err != nil {
				return err
			}
		}
	}
	return nil
}

// close finalizes any partial final block and closes the sink.
func (w *byteWriter) close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.finalizeBlock(); err != nil {
		return err
	}
	return w.sink.Close()
}

func putUvarintFrame(w *byteWriter, payload []byte) error {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(payload)))
	frame := make([]byte, n+len(payload))
	copy(frame, lenBuf[:n])
	copy(frame[n:], payload)
	return w.putFrame(frame)
}

// Writer is the typed BlockWriter:
// Put(v) serializes one item at a time into a sequence of Blocks emitted
// to a Sink (a File, BlockQueue, or per-peer Stream writer).
type Writer[T any] struct {
	bw    *byteWriter
	codec Codec[T]
}

// NewWriter constructs a Writer over sink, allocating blocks from pool.
func NewWriter[T any](pool *block.Pool, sink Sink, codec Codec[T]) *Writer[T] {
	return &Writer[T]{bw: newByteWriter(pool, sink), codec: codec}
}

// Put serializes v and appends it to the current block, rolling over to a
// fresh block (and emitting the full one to the Sink) as needed.
func (w *Writer[T]) Put(v T) error {
	payload, err := w.codec.Encode(v)
	if err != nil {
		return ferr.Wrap(ferr.UserException, err)
	}
	if sz := w.codec.FixedSize(); sz > 0 {
		if len(payload) != sz {
			return ferr.New(ferr.DecodeError, "blockio: fixed codec returned wrong-sized payload")
		}
		return w.bw.putFrame(payload)
	}
	return putUvarintFrame(w.bw, payload)
}

// Close finalizes any pending partial block and closes the underlying
// Sink. Further Put calls return an error.
func (w *Writer[T]) Close() error {
	return w.bw.close()
}
