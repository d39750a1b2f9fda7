// Package reduce implements the external hash table: a partitioned,
// spilling reduce engine backing ReduceByKey and related operators. Each logical partition lives in memory as a plain Go
// map until either its own fill rate or the table's global entry budget is
// exceeded, at which point the largest partition is spilled to a
// block.Pool-backed file.File and cleared. Flush emits live partitions
// directly and runs a second-pass in-memory reduce over spilled
// partitions, recursing with a freshly-seeded hash into sub-partitions if
// that second pass is itself too large to fit, up to a configured depth.
package reduce

import (
	"context"
	"encoding/binary"
	"fmt"
	"reflect"

	"github.com/joeycumines/go-flowdag/block"
	"github.com/joeycumines/go-flowdag/blockio"
	"github.com/joeycumines/go-flowdag/ferr"
	"github.com/joeycumines/go-flowdag/file"
	"github.com/joeycumines/go-flowdag/flog"
)

// Config configures a Table. ReduceFn, CodecK, CodecV, and Pool are
// required; all other fields default per field docs.
type Config[K comparable, V any] struct {
	// Partitions is the number of logical key-space partitions. Defaults
	// to 1 (no pre-partitioning; useful for a post-reduce Table that has
	// already received one worker's shuffled share).
	Partitions int
	// IndexFn computes the partition id for a key. Defaults to
	// HashFn(0, k) mod Partitions.
	IndexFn func(k K) int
	// HashFn is a seedable hash used by the default IndexFn and by the
	// recursive re-partitioning step on pathological skew. Defaults to
	// 64-bit FNV-1a over CodecK's encoding of k, salted with seed.
	HashFn func(seed uint64, k K) uint64
	// ReduceFn combines two values sharing a key. Must be associative;
	// non-associative ReduceFn produces a documented non-deterministic
	// result.
	ReduceFn func(a, b V) V
	// PartitionFillRate is the maximum live entry count in a single
	// partition before it becomes spill-eligible. Defaults to 4096.
	PartitionFillRate int
	// MaxEntries bounds the sum of live entries across all partitions.
	// Defaults to 65536.
	MaxEntries int
	// SubPartitions is the fan-out used when recursively re-partitioning a
	// spill file that is itself too large for memory. Defaults to 8.
	SubPartitions int
	// MaxSpillDepth bounds spill recursion; exceeding it returns
	// ferr.OutOfMemory. Defaults to 4.
	MaxSpillDepth int
	CodecK        blockio.Codec[K]
	CodecV        blockio.Codec[V]
	Pool          *block.Pool
	Logger        flog.Logger
}

type pair[K any, V any] struct {
	K K
	V V
}

// pairCodec frames a (K,V) pair as uvarint(len(encoded K)) + encoded K +
// encoded V, so Decode can split the combined payload the outer
// blockio.Writer/Reader hands it (itself already length-framed, since this
// codec reports FixedSize()==0).
type pairCodec[K any, V any] struct {
	ck blockio.Codec[K]
	cv blockio.Codec[V]
}

func (c pairCodec[K, V]) FixedSize() int { return 0 }

func (c pairCodec[K, V]) Encode(p pair[K, V]) ([]byte, error) {
	kb, err := c.ck.Encode(p.K)
	if err != nil {
		return nil, err
	}
	vb, err := c.cv.Encode(p.V)
	if err != nil {
		return nil, err
	}
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(kb)))
	out := make([]byte, 0, n+len(kb)+len(vb))
	out = append(out, lenBuf[:n]...)
	out = append(out, kb...)
	out = append(out, vb...)
	return out, nil
}

func (c pairCodec[K, V]) Decode(data []byte) (pair[K, V], error) {
	var out pair[K, V]
	klen, n := binary.Uvarint(data)
	if n <= 0 {
		return out, fmt.Errorf("reduce: malformed pair frame")
	}
	data = data[n:]
	if uint64(len(data)) < klen {
		return out, fmt.Errorf("reduce: truncated pair frame")
	}
	k, err := c.ck.Decode(data[:klen])
	if err != nil {
		return out, err
	}
	v, err := c.cv.Decode(data[klen:])
	if err != nil {
		return out, err
	}
	out.K, out.V = k, v
	return out, nil
}

type partition[K comparable, V any] struct {
	data    map[K]V
	spilled bool
	file    *file.File
	writer  *blockio.Writer[pair[K, V]]
}

// Table is the partitioned, spilling external hash table.
type Table[K comparable, V any] struct {
	cfg       Config[K, V]
	pairCodec pairCodec[K, V]
	parts     []*partition[K, V]
}

func fnv1a64(b []byte) uint64 {
	const offset, prime = 14695981039346656037, 1099511628211
	h := uint64(offset)
	for _, c := range b {
		h ^= uint64(c)
		h *= prime
	}
	return h
}

// New constructs a Table.
func New[K comparable, V any](cfg Config[K, V]) (*Table[K, V], error) {
	if cfg.ReduceFn == nil {
		return nil, ferr.New(ferr.ConfigError, "reduce: ReduceFn is required")
	}
	if cfg.CodecK == nil || cfg.CodecV == nil {
		return nil, ferr.New(ferr.ConfigError, "reduce: CodecK and CodecV are required")
	}
	if cfg.Pool == nil {
		return nil, ferr.New(ferr.ConfigError, "reduce: Pool is required")
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	if cfg.PartitionFillRate <= 0 {
		cfg.PartitionFillRate = 4096
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 65536
	}
	if cfg.SubPartitions <= 0 {
		cfg.SubPartitions = 8
	}
	if cfg.MaxSpillDepth <= 0 {
		cfg.MaxSpillDepth = 4
	}
	if cfg.HashFn == nil {
		cfg.HashFn = func(seed uint64, k K) uint64 {
			kb, _ := cfg.CodecK.Encode(k)
			var seedBuf [8]byte
			binary.LittleEndian.PutUint64(seedBuf[:], seed)
			return fnv1a64(append(seedBuf[:], kb...))
		}
	}
	if cfg.IndexFn == nil {
		cfg.IndexFn = func(k K) int { return int(cfg.HashFn(0, k) % uint64(cfg.Partitions)) }
	}
	if reflect.ValueOf(cfg.Logger).IsZero() {
		cfg.Logger = flog.Nop()
	}

	t := &Table[K, V]{
		cfg:       cfg,
		pairCodec: pairCodec[K, V]{ck: cfg.CodecK, cv: cfg.CodecV},
		parts:     make([]*partition[K, V], cfg.Partitions),
	}
	for i := range t.parts {
		t.parts[i] = &partition[K, V]{data: make(map[K]V)}
	}
	return t, nil
}

func (t *Table[K, V]) liveEntries() int {
	n := 0
	for _, p := range t.parts {
		n += len(p.data)
	}
	return n
}

func (t *Table[K, V]) largestPartitionID() int {
	best, bestLen := 0, -1
	for i, p := range t.parts {
		if len(p.data) > bestLen {
			best, bestLen = i, len(p.data)
		}
	}
	return best
}

func (t *Table[K, V]) spillPartition(pid int) error {
	p := t.parts[pid]
	if !p.spilled {
		p.file = file.New(t.cfg.Pool)
		w, err := p.file.GetWriter()
		if err != nil {
			return ferr.Wrap(ferr.IoError, err)
		}
		p.writer = blockio.NewWriter(t.cfg.Pool, w, t.pairCodec)
		p.spilled = true
	}
	for k, v := range p.data {
		if err := p.writer.Put(pair[K, V]{K: k, V: v}); err != nil {
			return ferr.Wrap(ferr.IoError, err)
		}
	}
	p.data = make(map[K]V)
	return nil
}

// Insert combines v into whichever existing entry shares its key (via
// ReduceFn) or inserts it fresh, then spills the largest partition if the
// table is now over its fill-rate or entry budget.
func (t *Table[K, V]) Insert(k K, v V) error {
	pid := t.cfg.IndexFn(k)
	if pid < 0 || pid >= len(t.parts) {
		return ferr.New(ferr.LogicError, "reduce: IndexFn returned out-of-range partition id")
	}
	p := t.parts[pid]
	if existing, ok := p.data[k]; ok {
		p.data[k] = t.cfg.ReduceFn(existing, v)
	} else {
		p.data[k] = v
	}
	if len(p.data) > t.cfg.PartitionFillRate || t.liveEntries() > t.cfg.MaxEntries {
		victim := t.largestPartitionID()
		if err := t.spillPartition(victim); err != nil {
			return err
		}
		t.cfg.Logger.Debug().Int("partition", victim).Msg("reduce: spilled partition")
	}
	return nil
}

// Flush emits exactly one (k, v) pair per distinct key ever inserted, v
// being the fold of ReduceFn over every value inserted for that key.
// Partition order is deterministic; within a partition, order is
// unspecified.
func (t *Table[K, V]) Flush(ctx context.Context, emit func(k K, v V) error) error {
	for pid, p := range t.parts {
		if !p.spilled {
			for k, v := range p.data {
				if err := emit(k, v); err != nil {
					return err
				}
			}
			continue
		}
		if len(p.data) > 0 {
			for k, v := range p.data {
				if err := p.writer.Put(pair[K, V]{K: k, V: v}); err != nil {
					return ferr.Wrap(ferr.IoError, err)
				}
			}
			p.data = nil
		}
		if err := p.writer.Close(); err != nil {
			return ferr.Wrap(ferr.IoError, err)
		}
		src, err := p.file.GetReader(true)
		if err != nil {
			return err
		}
		if err := t.reduceSpillSource(ctx, src, 0, emit); err != nil {
			return fmt.Errorf("reduce: partition %d: %w", pid, err)
		}
	}
	return nil
}

// reduceSpillSource streams src's (k,v) pairs through a bounded in-memory
// reducer. If the accumulated set would exceed MaxEntries, it re-partitions
// everything seen so far (plus the remainder of src) into SubPartitions
// fresh spill files keyed by a freshly-seeded hash and recurses.
func (t *Table[K, V]) reduceSpillSource(ctx context.Context, src blockio.Source, depth int, emit func(k K, v V) error) error {
	if depth > t.cfg.MaxSpillDepth {
		return ferr.New(ferr.OutOfMemory, "reduce: spill recursion exceeded configured depth")
	}
	reader := blockio.NewReader[pair[K, V]](t.cfg.Pool, src, t.pairCodec)
	mem := make(map[K]V)
	overBudget := false
	for reader.HasNext(ctx) {
		pr, err := reader.Next(ctx)
		if err != nil {
			return err
		}
		if existing, ok := mem[pr.K]; ok {
			mem[pr.K] = t.cfg.ReduceFn(existing, pr.V)
		} else {
			mem[pr.K] = pr.V
		}
		if len(mem) > t.cfg.MaxEntries {
			overBudget = true
			break
		}
	}
	if err := reader.Err(ctx); err != nil {
		return err
	}
	if !overBudget {
		for k, v := range mem {
			if err := emit(k, v); err != nil {
				return err
			}
		}
		return nil
	}

	seed := uint64(depth) + 1
	subFiles := make([]*file.File, t.cfg.SubPartitions)
	subWriters := make([]*blockio.Writer[pair[K, V]], t.cfg.SubPartitions)
	for i := range subFiles {
		subFiles[i] = file.New(t.cfg.Pool)
		w, err := subFiles[i].GetWriter()
		if err != nil {
			return ferr.Wrap(ferr.IoError, err)
		}
		subWriters[i] = blockio.NewWriter(t.cfg.Pool, w, t.pairCodec)
	}
	emitToSub := func(k K, v V) error {
		idx := t.cfg.HashFn(seed, k) % uint64(len(subWriters))
		return subWriters[idx].Put(pair[K, V]{K: k, V: v})
	}
	for k, v := range mem {
		if err := emitToSub(k, v); err != nil {
			return ferr.Wrap(ferr.IoError, err)
		}
	}
	for reader.HasNext(ctx) {
		pr, err := reader.Next(ctx)
		if err != nil {
			return err
		}
		if err := emitToSub(pr.K, pr.V); err != nil {
			return ferr.Wrap(ferr.IoError, err)
		}
	}
	if err := reader.Err(ctx); err != nil {
		return err
	}
	for _, w := range subWriters {
		if err := w.Close(); err != nil {
			return ferr.Wrap(ferr.IoError, err)
		}
	}
	t.cfg.Logger.Debug().Int("depth", depth).Msg("reduce: re-partitioned skewed spill")
	for _, sf := range subFiles {
		rdr, err := sf.GetReader(true)
		if err != nil {
			return err
		}
		if err := t.reduceSpillSource(ctx, rdr, depth+1, emit); err != nil {
			return err
		}
	}
	return nil
}
