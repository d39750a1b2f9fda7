package dia

import (
	"context"

	"github.com/joeycumines/go-flowdag/ferr"
)

// nodeState is the node lifecycle: a node is
// built NEW, transitions to EXECUTING while its stack is being pulled, then
// EXECUTED; a node whose consumeOnPush is set moves straight on to DISPOSED,
// after which any further pull is a programming error.
type nodeState int32

const (
	stateNew nodeState = iota
	stateExecuting
	stateExecuted
	stateDisposed
)

// node is the type-erased bookkeeping shared by every DIA[T] produced from
// the same DOp or source. LOps (Map/Filter/FlatMap/Window/...) never create
// a node of their own: they extend the current transform chain in place, so a linear chain of LOps shares exactly one node
// with the DOp or source that started it.
type node struct {
	name          string
	parents       []*node
	consumeOnPush bool
	state         nodeState
}

func newNode(name string, consumeOnPush bool, parents ...*node) *node {
	return &node{name: name, consumeOnPush: consumeOnPush, parents: parents}
}

// DIA is a handle to one (possibly still-lazy) distributed collection, as
// seen from the local worker identified by its owning Context. gen realizes
// the fused local transform chain down to a concrete slice; it is pulled
// directly by further LOps in the same chain, and only by materialize (once,
// at the top of a DOp construction or Action) does the underlying node's
// lifecycle actually advance.
type DIA[T any] struct {
	ctx *Context
	n   *node
	gen func(ctx context.Context) ([]T, error)
}

// materialize forces d's fused chain to a concrete slice, advancing its
// node's lifecycle exactly once. Any code that needs the literal items of a
// DIA as input to a new node (combinators, Actions, DOp constructors) must
// call this rather than d.gen directly; linear LOps must call d.gen.
func (d DIA[T]) materialize(ctx context.Context) ([]T, error) {
	if d.n.state == stateDisposed {
		return nil, ferr.New(ferr.LogicError, "dia: re-read of a consumed DIA").WithOperator(d.n.name)
	}
	d.n.state = stateExecuting
	items, err := d.gen(ctx)
	if err != nil {
		return nil, err
	}
	if d.n.consumeOnPush {
		d.n.state = stateDisposed
	} else {
		d.n.state = stateExecuted
	}
	return items, nil
}

// Map applies fn to every item of d, per-partition, without a shuffle.
func Map[T, U any](d DIA[T], fn func(T) U) DIA[U] {
	return DIA[U]{ctx: d.ctx, n: d.n, gen: func(ctx context.Context) ([]U, error) {
		items, err := d.gen(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]U, len(items))
		for i, it := range items {
			out[i] = fn(it)
		}
		return out, nil
	}}
}

// Filter keeps only the items of d for which pred returns true.
func Filter[T any](d DIA[T], pred func(T) bool) DIA[T] {
	return DIA[T]{ctx: d.ctx, n: d.n, gen: func(ctx context.Context) ([]T, error) {
		items, err := d.gen(ctx)
		if err != nil {
			return nil, err
		}
		out := items[:0:0]
		for _, it := range items {
			if pred(it) {
				out = append(out, it)
			}
		}
		return out, nil
	}}
}

// FlatMap applies fn to every item of d and concatenates the results.
func FlatMap[T, U any](d DIA[T], fn func(T) []U) DIA[U] {
	return DIA[U]{ctx: d.ctx, n: d.n, gen: func(ctx context.Context) ([]U, error) {
		items, err := d.gen(ctx)
		if err != nil {
			return nil, err
		}
		var out []U
		for _, it := range items {
			out = append(out, fn(it)...)
		}
		return out, nil
	}}
}

// Window groups d's local partition into overlapping slices of size
// elements, advancing by stride each step (stride==size for non-overlapping
// tumbling windows). Windowing is local to each worker's partition; it does not rebalance items across workers, so
// a window may legitimately be shorter than size at worker boundaries.
// Iteration stops at the first window that reaches the end of the
// partition, so no later window lying wholly inside that one is emitted.
func Window[T any](d DIA[T], size, stride int) DIA[[]T] {
	if size <= 0 {
		panic("dia: Window size must be positive")
	}
	if stride <= 0 {
		stride = size
	}
	return DIA[[]T]{ctx: d.ctx, n: d.n, gen: func(ctx context.Context) ([][]T, error) {
		items, err := d.gen(ctx)
		if err != nil {
			return nil, err
		}
		var out [][]T
		for start := 0; start < len(items); start += stride {
			end := start + size
			if end > len(items) {
				end = len(items)
			}
			win := make([]T, end-start)
			copy(win, items[start:end])
			out = append(out, win)
			if end == len(items) {
				break
			}
		}
		return out, nil
	}}
}

// ConcatToDIA concatenates several DIAs' local partitions, in argument
// order, into one. It is a combinator (each input is consumed via
// materialize) but performs no shuffle: each worker only ever sees its own
// local items from each input.
func ConcatToDIA[T any](ctx *Context, dias ...DIA[T]) DIA[T] {
	parents := make([]*node, len(dias))
	for i, d := range dias {
		parents[i] = d.n
	}
	n := newNode("ConcatToDIA", true, parents...)
	return DIA[T]{ctx: ctx, n: n, gen: func(gctx context.Context) ([]T, error) {
		var out []T
		for _, d := range dias {
			items, err := d.materialize(gctx)
			if err != nil {
				return nil, err
			}
			out = append(out, items...)
		}
		return out, nil
	}}
}

// Collapse forces the current transform chain to a concrete, re-readable
// slice without any network cost, bounding chain depth. Unlike most DOps
// its node is re-readable (consumeOnPush==false).
func Collapse[T any](d DIA[T]) DIA[T] {
	n := newNode("Collapse", false, d.n)
	var memo []T
	var done bool
	return DIA[T]{ctx: d.ctx, n: n, gen: func(ctx context.Context) ([]T, error) {
		if !done {
			items, err := d.materialize(ctx)
			if err != nil {
				return nil, err
			}
			memo = items
			done = true
		}
		out := make([]T, len(memo))
		copy(out, memo)
		return out, nil
	}}
}

// Cache is Collapse plus a stable, reusable identity: repeated reads after
// the first always return the same memoized items without re-running any
// upstream shuffle.
func Cache[T any](d DIA[T]) DIA[T] {
	n := newNode("Cache", false, d.n)
	var memo []T
	var done bool
	return DIA[T]{ctx: d.ctx, n: n, gen: func(ctx context.Context) ([]T, error) {
		if !done {
			items, err := d.materialize(ctx)
			if err != nil {
				return nil, err
			}
			memo = items
			done = true
		}
		out := make([]T, len(memo))
		copy(out, memo)
		return out, nil
	}}
}
