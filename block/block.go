package block

// PinnedBlock is a ByteBlock pinned resident in memory, safe to read/write
// directly. The caller must call Release when done, unpinning the
// underlying ByteBlock and releasing the caller's reference.
type PinnedBlock struct {
	bb    *ByteBlock
	bytes []byte
}

// Bytes returns the full fixed-size backing buffer. Callers that only
// want a Block's sub-range slice it to that Block's [Begin,End).
func (pb *PinnedBlock) Bytes() []byte { return pb.bytes }

// ByteBlock returns the underlying ByteBlock, e.g. to build a Block view
// over it.
func (pb *PinnedBlock) ByteBlock() *ByteBlock { return pb.bb }

// Release unpins and releases this PinnedBlock's reference. Safe to call
// exactly once.
func (pb *PinnedBlock) Release() {
	pb.bb.pool.UnpinBlock(pb.bb)
	pb.bb.Release()
}

// Block is a typed view into a ByteBlock:
// {byte_block, begin, end, first_item_offset, num_items}. [begin,end) is
// the valid byte range within the ByteBlock; FirstItemOffset is the byte
// offset, relative to begin, at which the first *complete* item starts
// (earlier bytes belong to an item split from the previous Block in a
// sequence); NumItems counts complete-or-partial items starting inside
// this Block.
//
// A Block owns one reference on its ByteBlock (acquired at construction);
// Release must be called exactly once when the Block is no longer needed.
type Block struct {
	BB              *ByteBlock
	Begin           int
	End             int
	FirstItemOffset int
	NumItems        int
}

// NewBlock constructs a Block view, taking ownership of one reference on
// bb (the caller should Retain bb first if it still needs its own
// reference).
func NewBlock(bb *ByteBlock, begin, end, firstItemOffset, numItems int) Block {
	return Block{BB: bb, Begin: begin, End: end, FirstItemOffset: firstItemOffset, NumItems: numItems}
}

// Len returns the number of valid bytes in this view.
func (b Block) Len() int { return b.End - b.Begin }

// Retain returns a copy of b holding its own reference on the same
// ByteBlock.
func (b Block) Retain() Block {
	b.BB.Retain()
	return b
}

// Release drops this view's reference on its ByteBlock.
func (b Block) Release() {
	b.BB.Release()
}

// IsEmpty reports whether this is the zero Block (no backing ByteBlock) -
// used as the terminator sentinel for File/BlockQueue/Stream readers.
func (b Block) IsEmpty() bool { return b.BB == nil }
