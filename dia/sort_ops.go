package dia

import (
	"context"

	"github.com/joeycumines/go-flowdag/blockio"
	"github.com/joeycumines/go-flowdag/sortx"
	"github.com/joeycumines/go-flowdag/transport"
	"golang.org/x/exp/constraints"
)

// Sort forces d's stack and globally sorts the result by cmp, via sortx's
// sample-partition-shuffle-local-sort-merge pipeline.
func Sort[T any](ctx *Context, d DIA[T], cmp func(a, b T) int, codec blockio.Codec[T]) DIA[T] {
	n := newNode("Sort", true, d.n)
	return DIA[T]{ctx: ctx, n: n, gen: func(gctx context.Context) ([]T, error) {
		local, err := d.materialize(gctx)
		if err != nil {
			return nil, err
		}
		cfg := sortx.Config[T]{
			Cmp:      cmp,
			Codec:    codec,
			Pool:     ctx.Pool,
			Channel:  ctx.Channel,
			Repo:     ctx.Repo,
			Identity: ctx.Identity,
			StreamID: ctx.newStreamID(),
			Logger:   ctx.Log,
		}
		return sortx.Sort(gctx, cfg, ctx.Identity.LocalRank, local)
	}}
}

// SortOrdered is Sort using T's natural order, for T satisfying
// constraints.Ordered.
func SortOrdered[T constraints.Ordered](ctx *Context, d DIA[T], codec blockio.Codec[T]) DIA[T] {
	return Sort(ctx, d, func(a, b T) int {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	}, codec)
}

// numeric is the constraint PrefixSum/Sum/AllReduce-style collective
// actions accept. Values are carried over the wire as float64, which loses
// precision above 2^53 for very large integer magnitudes.
type numeric interface {
	constraints.Integer | constraints.Float
}

// PrefixSum computes, for every item of d in the job-global order (worker 0's
// items first, then worker 1's, ...), the running sum of every prior item
// (exclusive, unless inclusive is true) combined with init. T is summed
// with the ordinary + operator; the cross-worker carry travels through
// flowcontrol.Channel.PrefixSum as a float64.
func PrefixSum[T numeric](ctx *Context, d DIA[T], init T, inclusive bool) DIA[T] {
	n := newNode("PrefixSum", true, d.n)
	return DIA[T]{ctx: ctx, n: n, gen: func(gctx context.Context) ([]T, error) {
		local, err := d.materialize(gctx)
		if err != nil {
			return nil, err
		}
		var localTotal T
		localPrefix := make([]T, len(local))
		var running T
		for i, v := range local {
			if inclusive {
				running += v
				localPrefix[i] = running
			} else {
				localPrefix[i] = running
				running += v
			}
		}
		localTotal = running
		sumOp := func(a, b transport.Value) transport.Value { return transport.Float64Value(a.F + b.F) }
		carryVal, err := ctx.Channel.PrefixSum(gctx, ctx.Identity.LocalRank, transport.Float64Value(float64(localTotal)), transport.Float64Value(float64(init)), sumOp, false)
		if err != nil {
			return nil, err
		}
		carry := T(carryVal.F)
		out := make([]T, len(local))
		for i, v := range localPrefix {
			out[i] = v + carry
		}
		return out, nil
	}}
}

// ExPrefixSum is PrefixSum with inclusive==false.
func ExPrefixSum[T numeric](ctx *Context, d DIA[T], init T) DIA[T] {
	return PrefixSum(ctx, d, init, false)
}
