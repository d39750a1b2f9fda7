// Package sortx implements the external sort pipeline: sample-based range
// partitioning, a shuffle over a stream.Stream, and per-receiver local
// sort that spills to a file.File and performs a
// tournament-heap external merge once the shuffled-in share no longer fits
// in memory.
package sortx

import (
	"bytes"
	"container/heap"
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"reflect"
	"sort"

	"github.com/joeycumines/go-flowdag/block"
	"github.com/joeycumines/go-flowdag/blockio"
	"github.com/joeycumines/go-flowdag/ferr"
	"github.com/joeycumines/go-flowdag/file"
	"github.com/joeycumines/go-flowdag/flog"
	"github.com/joeycumines/go-flowdag/flowcontrol"
	"github.com/joeycumines/go-flowdag/mux"
	"github.com/joeycumines/go-flowdag/stream"
	"github.com/joeycumines/go-flowdag/transport"
	"github.com/joeycumines/go-flowdag/worker"
)

// Config configures one worker's participation in a Sort. Cmp, Codec,
// Pool, Channel, Repo, and Identity are required.
type Config[T any] struct {
	// Cmp returns <0, 0, >0 comparing a and b, defining the total order.
	Cmp func(a, b T) int
	Codec    blockio.Codec[T]
	Pool     *block.Pool
	Channel  *flowcontrol.Channel
	Repo     *mux.Repository
	Identity worker.Identity
	// StreamID must be chosen identically on every worker of the job.
	StreamID uint64
	// SampleSize is this worker's reservoir-sample size. Defaults to
	// 20 * P, on the order of P*log(N).
	SampleSize int
	// MaxInMemoryItems bounds the shuffled-in share a worker keeps
	// resident before spilling a sorted run to disk. Defaults to 200000.
	MaxInMemoryItems int
	// Seed seeds the reservoir sampler, for reproducible splitter choice
	// given a fixed input layout. Defaults to 0.
	Seed   int64
	Logger flog.Logger
}

func (c *Config[T]) setDefaults() error {
	if c.Cmp == nil || c.Codec == nil || c.Pool == nil || c.Channel == nil || c.Repo == nil {
		return ferr.New(ferr.ConfigError, "sortx: Cmp, Codec, Pool, Channel, and Repo are required")
	}
	p := c.Identity.GlobalWorkers()
	if p <= 0 {
		return ferr.New(ferr.ConfigError, "sortx: Identity must describe at least one worker")
	}
	if c.SampleSize <= 0 {
		c.SampleSize = 20 * p
	}
	if c.MaxInMemoryItems <= 0 {
		c.MaxInMemoryItems = 200000
	}
	if reflect.ValueOf(c.Logger).IsZero() {
		c.Logger = flog.Nop()
	}
	return nil
}

// reservoirSample draws up to size items from local using Algorithm R,
// seeded by seed for reproducibility given a fixed input.
func reservoirSample[T any](local []T, size int, seed int64) []T {
	if size >= len(local) {
		out := make([]T, len(local))
		copy(out, local)
		return out
	}
	rng := rand.New(rand.NewSource(seed))
	out := make([]T, size)
	copy(out, local[:size])
	for i := size; i < len(local); i++ {
		j := rng.Intn(i + 1)
		if j < size {
			out[j] = local[i]
		}
	}
	return out
}

func encodeSlice[T any](codec blockio.Codec[T], items []T) ([]byte, error) {
	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(items)))
	buf.Write(tmp[:n])
	for _, it := range items {
		eb, err := codec.Encode(it)
		if err != nil {
			return nil, err
		}
		ln := binary.PutUvarint(tmp[:], uint64(len(eb)))
		buf.Write(tmp[:ln])
		buf.Write(eb)
	}
	return buf.Bytes(), nil
}

func decodeSlice[T any](codec blockio.Codec[T], data []byte) ([]T, error) {
	count, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, fmt.Errorf("sortx: malformed sample blob")
	}
	data = data[n:]
	out := make([]T, 0, count)
	for i := uint64(0); i < count; i++ {
		ln, n2 := binary.Uvarint(data)
		if n2 <= 0 {
			return nil, fmt.Errorf("sortx: malformed sample item")
		}
		data = data[n2:]
		if uint64(len(data)) < ln {
			return nil, fmt.Errorf("sortx: truncated sample item")
		}
		v, err := codec.Decode(data[:ln])
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		data = data[ln:]
	}
	return out, nil
}

// splitters draws a reservoir sample of local, all-gathers every worker's
// sample, and returns P-1 splitter keys cutting the combined, sorted
// sample into P roughly-equal ranges.
func splitters[T any](ctx context.Context, cfg *Config[T], localRank int, local []T) ([]T, error) {
	sample := reservoirSample(local, cfg.SampleSize, cfg.Seed)
	blob, err := encodeSlice(cfg.Codec, sample)
	if err != nil {
		return nil, ferr.Wrap(ferr.DecodeError, err)
	}
	vals, err := cfg.Channel.AllGather(ctx, localRank, transport.BytesValue(blob), cfg.Identity.Hosts)
	if err != nil {
		return nil, err
	}
	var all []T
	for _, v := range vals {
		part, err := decodeSlice(cfg.Codec, v.B)
		if err != nil {
			return nil, ferr.Wrap(ferr.DecodeError, err)
		}
		all = append(all, part...)
	}
	sort.Slice(all, func(i, j int) bool { return cfg.Cmp(all[i], all[j]) < 0 })

	p := cfg.Identity.GlobalWorkers()
	if len(all) == 0 || p <= 1 {
		return nil, nil
	}
	out := make([]T, 0, p-1)
	for i := 1; i < p; i++ {
		idx := i * len(all) / p
		if idx >= len(all) {
			idx = len(all) - 1
		}
		out = append(out, all[idx])
	}
	return out, nil
}

// assignRange returns the index of the first splitter >= key, i.e. the
// lowest range id whose upper bound is not below key.
func assignRange[T any](cmp func(a, b T) int, sp []T, key T) int {
	lo, hi := 0, len(sp)
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(sp[mid], key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// partitionLocal buckets local into numRanges slices by binary-searching
// sp, breaking ties at a splitter boundary for balance: assign
// to the lower range while its running share is below the per-worker
// target, else the higher range.
func partitionLocal[T any](cmp func(a, b T) int, sp []T, numRanges int, local []T) [][]T {
	buckets := make([][]T, numRanges)
	target := len(local) / numRanges
	if target == 0 {
		target = 1
	}
	routed := make([]int, numRanges)
	for _, item := range local {
		idx := assignRange(cmp, sp, item)
		if idx < len(sp) && cmp(sp[idx], item) == 0 {
			if routed[idx] >= target && idx+1 < numRanges {
				idx++
			}
		}
		routed[idx]++
		buckets[idx] = append(buckets[idx], item)
	}
	return buckets
}

type runSource[T any] interface {
	next(ctx context.Context) (T, bool, error)
}

type sliceSource[T any] struct {
	items []T
	idx   int
}

func (s *sliceSource[T]) next(context.Context) (T, bool, error) {
	if s.idx >= len(s.items) {
		var zero T
		return zero, false, nil
	}
	v := s.items[s.idx]
	s.idx++
	return v, true, nil
}

type readerSource[T any] struct {
	r *blockio.Reader[T]
}

func (s *readerSource[T]) next(ctx context.Context) (T, bool, error) {
	if !s.r.HasNext(ctx) {
		var zero T
		return zero, false, s.r.Err(ctx)
	}
	v, err := s.r.Next(ctx)
	return v, err == nil, err
}

type heapItem[T any] struct {
	val T
	src int
}

type mergeHeap[T any] struct {
	items []heapItem[T]
	cmp   func(a, b T) int
}

func (h *mergeHeap[T]) Len() int { return len(h.items) }
func (h *mergeHeap[T]) Less(i, j int) bool { return h.cmp(h.items[i].val, h.items[j].val) < 0 }
func (h *mergeHeap[T]) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *mergeHeap[T]) Push(x interface{}) { h.items = append(h.items, x.(heapItem[T])) }
func (h *mergeHeap[T]) Pop() interface{} {
	old := h.items
	n := len(old)
	it := old[n-1]
	h.items = old[:n-1]
	return it
}

// mergeRuns performs a k-way tournament-heap merge of already-sorted
// sources into a single sorted slice.
func mergeRuns[T any](ctx context.Context, cmp func(a, b T) int, sources []runSource[T]) ([]T, error) {
	h := &mergeHeap[T]{cmp: cmp}
	heap.Init(h)
	for i, s := range sources {
		v, ok, err := s.next(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			heap.Push(h, heapItem[T]{val: v, src: i})
		}
	}
	var out []T
	for h.Len() > 0 {
		top := heap.Pop(h).(heapItem[T])
		out = append(out, top.val)
		v, ok, err := sources[top.src].next(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			heap.Push(h, heapItem[T]{val: v, src: top.src})
		}
	}
	return out, nil
}

// Sort runs the full pipeline for one worker: sample and all-gather
// splitters, shuffle local over a Stream keyed by cfg.StreamID, and sort
// (in-memory, or via external merge once the shuffled-in share exceeds
// MaxInMemoryItems) the items this worker receives. The returned slice is
// this worker's contiguous range of the globally sorted output; the
// concatenation of every worker's result, in ascending worker order, is
// the full sorted collection.
func Sort[T any](ctx context.Context, cfg Config[T], localRank int, local []T) ([]T, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	sp, err := splitters(ctx, &cfg, localRank, local)
	if err != nil {
		return nil, err
	}

	p := cfg.Identity.GlobalWorkers()
	buckets := partitionLocal(cfg.Cmp, sp, p, local)

	s := stream.New(cfg.StreamID, localRank, cfg.Identity, cfg.Repo, cfg.Pool, cfg.Logger)
	writers := stream.OpenWriters(s, cfg.Codec)

	// ship buckets concurrently with draining the inbound side, so the
	// bounded per-pair queues cannot fill while every worker is still in
	// its own write phase.
	writeErr := make(chan error, 1)
	go func() {
		writeErr <- func() error {
			defer s.Close()
			for r, bucket := range buckets {
				for _, item := range bucket {
					if err := writers[r].Put(item); err != nil {
						return err
					}
				}
				if err := writers[r].Close(); err != nil {
					return err
				}
			}
			return nil
		}()
	}()

	reader := stream.OpenMixReader(s, cfg.Codec)

	var buf []T
	var runs []*file.File
	for reader.HasNext(ctx) {
		v, err := reader.Next(ctx)
		if err != nil {
			<-writeErr
			return nil, err
		}
		buf = append(buf, v)
		if len(buf) >= cfg.MaxInMemoryItems {
			rf, err := spillRun(cfg.Pool, cfg.Codec, cfg.Cmp, buf)
			if err != nil {
				return nil, err
			}
			runs = append(runs, rf)
			buf = nil
			cfg.Logger.Debug().Int("run_items", cfg.MaxInMemoryItems).Msg("sortx: spilled sorted run")
		}
	}
	if err := <-writeErr; err != nil {
		return nil, err
	}
	if err := reader.Err(ctx); err != nil {
		return nil, err
	}

	sort.Slice(buf, func(i, j int) bool { return cfg.Cmp(buf[i], buf[j]) < 0 })
	if len(runs) == 0 {
		return buf, nil
	}

	sources := make([]runSource[T], 0, len(runs)+1)
	for _, rf := range runs {
		src, err := rf.GetReader(true)
		if err != nil {
			return nil, err
		}
		sources = append(sources, &readerSource[T]{r: blockio.NewReader(cfg.Pool, src, cfg.Codec)})
	}
	sources = append(sources, &sliceSource[T]{items: buf})
	return mergeRuns(ctx, cfg.Cmp, sources)
}

func spillRun[T any](pool *block.Pool, codec blockio.Codec[T], cmp func(a, b T) int, items []T) (*file.File, error) {
	sort.Slice(items, func(i, j int) bool { return cmp(items[i], items[j]) < 0 })
	f := file.New(pool)
	sink, err := f.GetWriter()
	if err != nil {
		return nil, ferr.Wrap(ferr.IoError, err)
	}
	w := blockio.NewWriter(pool, sink, codec)
	for _, it := range items {
		if err := w.Put(it); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return f, nil
}
