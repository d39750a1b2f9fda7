package dia

import (
	"context"

	"github.com/joeycumines/go-flowdag/blockio"
)

// InnerJoinWith shuffles a and b by a shared key hash so that matching keys
// land on the same worker, then emits joinFn(av, bv) for every pair whose
// keys compare equal.
func InnerJoinWith[K comparable, A, B, R any](
	ctx *Context,
	a DIA[A],
	b DIA[B],
	keyOfA func(A) K,
	keyOfB func(B) K,
	joinFn func(A, B) R,
	codecK blockio.Codec[K],
	codecA blockio.Codec[A],
	codecB blockio.Codec[B],
) DIA[R] {
	n := newNode("InnerJoinWith", true, a.n, b.n)
	return DIA[R]{ctx: ctx, n: n, gen: func(gctx context.Context) ([]R, error) {
		aLocal, err := a.materialize(gctx)
		if err != nil {
			return nil, err
		}
		bLocal, err := b.materialize(gctx)
		if err != nil {
			return nil, err
		}
		aShuf, err := shuffle(gctx, ctx, aLocal, codecA, func(v A) int { return int(hashKey(codecK, keyOfA(v))) })
		if err != nil {
			return nil, err
		}
		bShuf, err := shuffle(gctx, ctx, bLocal, codecB, func(v B) int { return int(hashKey(codecK, keyOfB(v))) })
		if err != nil {
			return nil, err
		}
		index := make(map[K][]B, len(bShuf))
		for _, v := range bShuf {
			k := keyOfB(v)
			index[k] = append(index[k], v)
		}
		var out []R
		for _, av := range aShuf {
			for _, bv := range index[keyOfA(av)] {
				out = append(out, joinFn(av, bv))
			}
		}
		return out, nil
	}}
}
