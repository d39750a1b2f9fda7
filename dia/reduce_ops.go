package dia

import (
	"context"
	"math/rand"

	"github.com/joeycumines/go-flowdag/blockio"
	"github.com/joeycumines/go-flowdag/reduce"
)

// hashKey hashes k's CodecK encoding for shuffle routing. Encode errors are
// ignored (treated as an empty encoding), matching reduce.Table's own
// default HashFn (reduce/table.go).
func hashKey[K any](codec blockio.Codec[K], k K) uint64 {
	b, _ := codec.Encode(k)
	return fnv1a64(b)
}

// Pair is an explicit (key, value) item, consumed by ReducePair for
// pipelines that already carry their key alongside the value rather than
// deriving it with a key-extractor function.
type Pair[K any, V any] struct {
	Key   K
	Value V
}

// Group is GroupByKey's result:
// every item sharing Key, collected in shuffled-arrival order.
type Group[K any, V any] struct {
	Key   K
	Items []V
}

// ReduceByKey shuffles d by keyOf's hash and combines every pair of items
// sharing a key via reduceFn (which must be associative), returning
// one item per distinct key, arbitrarily distributed across workers by hash.
func ReduceByKey[K comparable, V any](ctx *Context, d DIA[V], keyOf func(V) K, reduceFn func(a, b V) V, codecK blockio.Codec[K], codecV blockio.Codec[V]) DIA[V] {
	return ReduceByKeyWith(ctx, d, keyOf, func(k K, p int) int {
		return int(hashKey(codecK, k) % uint64(p))
	}, reduceFn, codecK, codecV)
}

// ReduceByKeyWith is ReduceByKey with an explicit partitioner in place of
// the default key-hash routing: partition(k, p) returns the destination
// worker rank in [0,p) for key k and must be a pure function, identical on
// every worker, so all items sharing a key reduce on one worker.
func ReduceByKeyWith[K comparable, V any](ctx *Context, d DIA[V], keyOf func(V) K, partition func(k K, workers int) int, reduceFn func(a, b V) V, codecK blockio.Codec[K], codecV blockio.Codec[V]) DIA[V] {
	n := newNode("ReduceByKey", true, d.n)
	p := ctx.Identity.GlobalWorkers()
	return DIA[V]{ctx: ctx, n: n, gen: func(gctx context.Context) ([]V, error) {
		local, err := d.materialize(gctx)
		if err != nil {
			return nil, err
		}
		shuffled, err := shuffle(gctx, ctx, local, codecV, func(v V) int {
			return partition(keyOf(v), p)
		})
		if err != nil {
			return nil, err
		}
		tbl, err := reduce.New(reduce.Config[K, V]{
			ReduceFn: reduceFn,
			CodecK:   codecK,
			CodecV:   codecV,
			Pool:     ctx.Pool,
			Logger:   ctx.Log,
		})
		if err != nil {
			return nil, err
		}
		for _, v := range shuffled {
			if err := tbl.Insert(keyOf(v), v); err != nil {
				return nil, err
			}
		}
		var out []V
		if err := tbl.Flush(gctx, func(_ K, v V) error {
			out = append(out, v)
			return nil
		}); err != nil {
			return nil, err
		}
		return out, nil
	}}
}

// ReducePair is ReduceByKey for inputs that already carry their key
// explicitly.
func ReducePair[K comparable, V any](ctx *Context, d DIA[Pair[K, V]], reduceFn func(a, b V) V, codecK blockio.Codec[K], codecPair blockio.Codec[Pair[K, V]]) DIA[Pair[K, V]] {
	return ReduceByKey(ctx, d,
		func(p Pair[K, V]) K { return p.Key },
		func(a, b Pair[K, V]) Pair[K, V] { return Pair[K, V]{Key: a.Key, Value: reduceFn(a.Value, b.Value)} },
		codecK, codecPair)
}

// GroupByKey shuffles d by keyOf's hash and collects every item sharing a
// key into one Group.
func GroupByKey[K comparable, V any](ctx *Context, d DIA[V], keyOf func(V) K, codecK blockio.Codec[K], codecV blockio.Codec[V]) DIA[Group[K, V]] {
	n := newNode("GroupByKey", true, d.n)
	return DIA[Group[K, V]]{ctx: ctx, n: n, gen: func(gctx context.Context) ([]Group[K, V], error) {
		local, err := d.materialize(gctx)
		if err != nil {
			return nil, err
		}
		shuffled, err := shuffle(gctx, ctx, local, codecV, func(v V) int {
			return int(hashKey(codecK, keyOf(v)))
		})
		if err != nil {
			return nil, err
		}
		tbl, err := reduce.New(reduce.Config[K, []V]{
			ReduceFn: func(a, b []V) []V { return append(a, b...) },
			CodecK:   codecK,
			CodecV:   blockio.GobCodec[[]V]{},
			Pool:     ctx.Pool,
			Logger:   ctx.Log,
		})
		if err != nil {
			return nil, err
		}
		for _, v := range shuffled {
			if err := tbl.Insert(keyOf(v), []V{v}); err != nil {
				return nil, err
			}
		}
		var out []Group[K, V]
		if err := tbl.Flush(gctx, func(k K, vs []V) error {
			out = append(out, Group[K, V]{Key: k, Items: vs})
			return nil
		}); err != nil {
			return nil, err
		}
		return out, nil
	}}
}

// ownerOfIndex returns the worker rank that partitionRange(total, rank, p)
// assigns idx to; the inverse of partitionRange, used by ReduceToIndex and
// GroupToIndex to route each item to the worker owning its target index
// rather than hashing it, so the dense [0,size) output is distributed
// identically to Generate's.
func ownerOfIndex(idx, total, p int) int {
	for r := 0; r < p; r++ {
		begin, end := partitionRange(total, r, p)
		if idx >= begin && idx < end {
			return r
		}
	}
	return p - 1
}

// ReduceToIndex is ReduceByKey over a dense integer index range [0,size):
// the result has exactly size items, one per index in ascending order
// across the whole job (workers own contiguous index ranges, as Generate
// does), with neutral filling any index no item mapped to.
func ReduceToIndex[V any](ctx *Context, d DIA[V], indexOf func(V) int, size int, reduceFn func(a, b V) V, neutral V, codecV blockio.Codec[V]) DIA[V] {
	n := newNode("ReduceToIndex", true, d.n)
	p := ctx.Identity.GlobalWorkers()
	rank := ctx.Identity.GlobalRank
	return DIA[V]{ctx: ctx, n: n, gen: func(gctx context.Context) ([]V, error) {
		local, err := d.materialize(gctx)
		if err != nil {
			return nil, err
		}
		shuffled, err := shuffle(gctx, ctx, local, codecV, func(v V) int {
			return ownerOfIndex(indexOf(v), size, p)
		})
		if err != nil {
			return nil, err
		}
		begin, end := partitionRange(size, rank, p)
		results := make(map[int]V, len(shuffled))
		for _, v := range shuffled {
			idx := indexOf(v)
			if cur, ok := results[idx]; ok {
				results[idx] = reduceFn(cur, v)
			} else {
				results[idx] = v
			}
		}
		out := make([]V, end-begin)
		for i := begin; i < end; i++ {
			if v, ok := results[i]; ok {
				out[i-begin] = v
			} else {
				out[i-begin] = neutral
			}
		}
		return out, nil
	}}
}

// GroupToIndex is GroupByKey over a dense integer index range [0,size),
// analogous to ReduceToIndex.
func GroupToIndex[V any](ctx *Context, d DIA[V], indexOf func(V) int, size int, codecV blockio.Codec[V]) DIA[[]V] {
	n := newNode("GroupToIndex", true, d.n)
	p := ctx.Identity.GlobalWorkers()
	rank := ctx.Identity.GlobalRank
	return DIA[[]V]{ctx: ctx, n: n, gen: func(gctx context.Context) ([][]V, error) {
		local, err := d.materialize(gctx)
		if err != nil {
			return nil, err
		}
		shuffled, err := shuffle(gctx, ctx, local, codecV, func(v V) int {
			return ownerOfIndex(indexOf(v), size, p)
		})
		if err != nil {
			return nil, err
		}
		begin, end := partitionRange(size, rank, p)
		results := make(map[int][]V, len(shuffled))
		for _, v := range shuffled {
			idx := indexOf(v)
			results[idx] = append(results[idx], v)
		}
		out := make([][]V, end-begin)
		for i := begin; i < end; i++ {
			out[i-begin] = results[i]
		}
		return out, nil
	}}
}

// Sample draws a reservoir sample of up to n items from each worker's local
// partition independently (Algorithm R). This is not a globally-uniform
// sample across the whole job, unlike sortx's splitter sampling which
// additionally AllGathers per-worker reservoirs; adequate for previewing
// a partition's shape rather than feeding a partitioner.
func Sample[T any](d DIA[T], n int, seed int64) DIA[T] {
	nd := newNode("Sample", true, d.n)
	return DIA[T]{ctx: d.ctx, n: nd, gen: func(ctx context.Context) ([]T, error) {
		items, err := d.materialize(ctx)
		if err != nil {
			return nil, err
		}
		if n >= len(items) {
			out := make([]T, len(items))
			copy(out, items)
			return out, nil
		}
		rng := rand.New(rand.NewSource(seed))
		out := make([]T, n)
		copy(out, items[:n])
		for i := n; i < len(items); i++ {
			j := rng.Intn(i + 1)
			if j < n {
				out[j] = items[i]
			}
		}
		return out, nil
	}}
}
