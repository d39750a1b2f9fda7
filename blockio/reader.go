package blockio

import (
	"context"
	"encoding/binary"

	"github.com/joeycumines/go-flowdag/block"
	"github.com/joeycumines/go-flowdag/ferr"
)

// byteReader is the low-level, block-boundary-crossing byte cursor shared
// by every typed Reader[T]. It pins at most one block at a time and
// transparently advances to the Source's next block once the current one
// is exhausted.
type byteReader struct {
	source Source
	pool   *block.Pool

	cur        block.Block
	pinned     *block.PinnedBlock
	pos        int
	eof        bool
	firstBlock bool
}

func newByteReader(pool *block.Pool, source Source) *byteReader {
	return &byteReader{pool: pool, source: source, firstBlock: true}
}

func (r *byteReader) releaseCurrent() {
	if r.pinned != nil {
		r.pinned.Release()
		r.pinned = nil
	}
	if !r.cur.IsEmpty() {
		r.cur.Release()
		r.cur = block.Block{}
	}
}

// advance releases the current block (if any) and pins the next one from
// the Source. It returns false, nil at the true end of the stream.
func (r *byteReader) advance(ctx context.Context) (bool, error) {
	r.releaseCurrent()

	blk, ok, err := r.source.Next(ctx)
	if err != nil {
		return false, ferr.Wrap(ferr.IoError, err)
	}
	if !ok {
		r.eof = true
		return false, nil
	}

	pb, err := r.pool.PinBlock(ctx, blk.BB)
	if err != nil {
		blk.Release()
		return false, ferr.Wrap(ferr.IoError, err)
	}

	r.cur = blk
	r.pinned = pb
	// The very first block this reader ever pins may be a mid-sequence
	// block whose leading bytes (up to FirstItemOffset) belong to an item
	// split from a block this reader never sees. Starting at
	// Begin+FirstItemOffset skips that unreadable partial tail and lands
	// on the first complete item in the block; for a block that opens a
	// fresh sequence FirstItemOffset is always 0, so ordinary sequential
	// reads are unaffected. Every subsequent block is read from Begin, so
	// an item split across block N and N+1 still decodes as the
	// continuation of the in-progress item.
	if r.firstBlock {
		r.pos = blk.Begin + blk.FirstItemOffset
		r.firstBlock = false
	} else {
		r.pos = blk.Begin
	}
	return true, nil
}

// readByte returns the next byte in the stream, transparently crossing
// block boundaries. ok is false exactly at a clean end of stream.
func (r *byteReader) readByte(ctx context.Context) (byte, bool, error) {
	for {
		if r.pinned != nil && r.pos < r.cur.End {
			b := r.pinned.Bytes()[r.pos]
			r.pos++
			return b, true, nil
		}
		if r.eof {
			return 0, false, nil
		}
		ok, err := r.advance(ctx)
		if err != nil {
			return 0, false, err
		}
		if !ok {
			return 0, false, nil
		}
	}
}

// read fills buf completely, returning a DecodeError if the stream ends
// before buf is full.
func (r *byteReader) read(ctx context.Context, buf []byte) error {
	for i := range buf {
		b, ok, err := r.readByte(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return ferr.New(ferr.DecodeError, "blockio: truncated stream reading fixed-length data")
		}
		buf[i] = b
	}
	return nil
}

// getVarint decodes a uvarint from the stream. ok is false, err is nil only
// when the stream ends cleanly before any byte of the varint is read; an
// EOF in the middle of a varint is a DecodeError.
func (r *byteReader) getVarint(ctx context.Context) (uint64, bool, error) {
	var x uint64
	var s uint
	for i := 0; ; i++ {
		b, ok, err := r.readByte(ctx)
		if err != nil {
			return 0, false, err
		}
		if !ok {
			if i == 0 {
				return 0, false, nil
			}
			return 0, false, ferr.New(ferr.DecodeError, "blockio: truncated stream reading varint")
		}
		if i == binary.MaxVarintLen64 {
			return 0, false, ferr.New(ferr.DecodeError, "blockio: varint overflow")
		}
		if b < 0x80 {
			if i == binary.MaxVarintLen64-1 && b > 1 {
				return 0, false, ferr.New(ferr.DecodeError, "blockio: varint overflow")
			}
			x |= uint64(b) << s
			return x, true, nil
		}
		x |= uint64(b&0x7f) << s
		s += 7
	}
}

// readFrame decodes the next item using codec. ok is false, err is nil only
// at a clean end of stream (no partial frame was started).
func readFrame[T any](ctx context.Context, r *byteReader, codec Codec[T]) (v T, ok bool, err error) {
	if sz := codec.FixedSize(); sz > 0 {
		first, present, ferr2 := r.readByte(ctx)
		if ferr2 != nil {
			return v, false, ferr2
		}
		if !present {
			return v, false, nil
		}
		buf := make([]byte, sz)
		buf[0] = first
		if err := r.read(ctx, buf[1:]); err != nil {
			return v, false, err
		}
		v, err = codec.Decode(buf)
		if err != nil {
			return v, false, ferr.Wrap(ferr.DecodeError, err)
		}
		return v, true, nil
	}

	length, present, err := r.getVarint(ctx)
	if err != nil {
		return v, false, err
	}
	if !present {
		return v, false, nil
	}
	buf := make([]byte, length)
	if err := r.read(ctx, buf); err != nil {
		return v, false, err
	}
	v, err = codec.Decode(buf)
	if err != nil {
		return v, false, ferr.Wrap(ferr.DecodeError, err)
	}
	return v, true, nil
}

// Reader is the typed BlockReader: a
// one-item lookahead cursor over blocks yielded by a Source, supporting
// HasNext/Next. Calling Next when HasNext is false is a programming error.
type Reader[T any] struct {
	br    *byteReader
	codec Codec[T]

	fetched   bool
	lookahead T
	lookDone  bool
	lookErr   error
}

// NewReader constructs a Reader over source, pinning blocks from pool.
func NewReader[T any](pool *block.Pool, source Source, codec Codec[T]) *Reader[T] {
	return &Reader[T]{br: newByteReader(pool, source), codec: codec}
}

// NewReaderAt constructs a Reader over source exactly like NewReader, then
// discards skip leading items before returning - the counterpart to
// File.GetReaderAt's (src, skip) result, so GetReaderAt(k) followed by
// Next returns the (k+1)-th item:
// source already starts at the block containing the target item, and skip
// is how many items at its front belong to earlier indices.
func NewReaderAt[T any](ctx context.Context, pool *block.Pool, source Source, codec Codec[T], skip int) (*Reader[T], error) {
	r := NewReader(pool, source, codec)
	for i := 0; i < skip; i++ {
		if !r.HasNext(ctx) {
			if err := r.Err(ctx); err != nil {
				return nil, err
			}
			return nil, ferr.New(ferr.DecodeError, "blockio: GetReaderAt skip count exceeds available items")
		}
		if _, err := r.Next(ctx); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Reader[T]) ensureLookahead(ctx context.Context) {
	if r.fetched {
		return
	}
	r.fetched = true
	v, ok, err := readFrame(ctx, r.br, r.codec)
	if err != nil {
		r.lookErr = err
		return
	}
	if !ok {
		r.lookDone = true
		return
	}
	r.lookahead = v
}

// HasNext reports whether another item is available, blocking until the
// next block arrives or the stream ends. A false result after a nil error
// from a prior Next means the stream is exhausted.
func (r *Reader[T]) HasNext(ctx context.Context) bool {
	r.ensureLookahead(ctx)
	return r.lookErr == nil && !r.lookDone
}

// Err returns any error encountered while determining HasNext's result.
func (r *Reader[T]) Err(ctx context.Context) error {
	r.ensureLookahead(ctx)
	return r.lookErr
}

// Next returns the next item. Calling Next when HasNext(ctx) is false is a
// programming error and panics.
func (r *Reader[T]) Next(ctx context.Context) (T, error) {
	r.ensureLookahead(ctx)
	if r.lookErr != nil {
		var zero T
		return zero, r.lookErr
	}
	if r.lookDone {
		panic("blockio: Next called with HasNext false")
	}
	v := r.lookahead
	var zero T
	r.lookahead = zero
	r.fetched = false
	return v, nil
}
