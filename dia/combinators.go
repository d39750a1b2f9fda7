package dia

import "context"

// Zip pairs up a's and b's local partitions index-for-index and combines
// each pair with fn. This
// implementation assumes the two inputs are already aligned one-to-one
// per worker (equal local partition lengths); true cross-worker
// rebalancing to a common global index is not implemented, since every
// caller in this module only zips DIAs derived
// from the same partitioning (e.g. Generate followed by Map).
func Zip[A, B, R any](ctx *Context, a DIA[A], b DIA[B], fn func(A, B) R) DIA[R] {
	n := newNode("Zip", true, a.n, b.n)
	return DIA[R]{ctx: ctx, n: n, gen: func(gctx context.Context) ([]R, error) {
		as, err := a.materialize(gctx)
		if err != nil {
			return nil, err
		}
		bs, err := b.materialize(gctx)
		if err != nil {
			return nil, err
		}
		sz := len(as)
		if len(bs) < sz {
			sz = len(bs)
		}
		out := make([]R, sz)
		for i := 0; i < sz; i++ {
			out[i] = fn(as[i], bs[i])
		}
		return out, nil
	}}
}

// Merge two-way merges a's and b's local partitions, each of which must
// already be sorted by cmp, into one sorted local partition
// (a co-partitioned merge of sorted DIAs).
func Merge[T any](ctx *Context, a, b DIA[T], cmp func(x, y T) int) DIA[T] {
	n := newNode("Merge", true, a.n, b.n)
	return DIA[T]{ctx: ctx, n: n, gen: func(gctx context.Context) ([]T, error) {
		as, err := a.materialize(gctx)
		if err != nil {
			return nil, err
		}
		bs, err := b.materialize(gctx)
		if err != nil {
			return nil, err
		}
		out := make([]T, 0, len(as)+len(bs))
		i, j := 0, 0
		for i < len(as) && j < len(bs) {
			if cmp(as[i], bs[j]) <= 0 {
				out = append(out, as[i])
				i++
			} else {
				out = append(out, bs[j])
				j++
			}
		}
		out = append(out, as[i:]...)
		out = append(out, bs[j:]...)
		return out, nil
	}}
}
