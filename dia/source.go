package dia

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"github.com/joeycumines/go-flowdag/blockio"
	"github.com/joeycumines/go-flowdag/vfs"
)

// partitionRange returns the contiguous [begin,end) slice of [0,total) that
// belongs to worker rank of P, the default equal-split partitioning used by
// every source operator below.
func partitionRange(total, rank, p int) (begin, end int) {
	begin = rank * total / p
	end = (rank + 1) * total / p
	return
}

// Generate produces a DIA of n items, indices [0,n) partitioned contiguously
// across workers, each computed by fn.
func Generate[T any](ctx *Context, n int, fn func(i int) T) DIA[T] {
	nd := newNode("Generate", true)
	p := ctx.Identity.GlobalWorkers()
	rank := ctx.Identity.GlobalRank
	return DIA[T]{ctx: ctx, n: nd, gen: func(context.Context) ([]T, error) {
		begin, end := partitionRange(n, rank, p)
		out := make([]T, 0, end-begin)
		for i := begin; i < end; i++ {
			out = append(out, fn(i))
		}
		return out, nil
	}}
}

// EqualToDIA distributes a single, identical slice of items across workers,
// each taking an equal contiguous range.
func EqualToDIA[T any](ctx *Context, items []T) DIA[T] {
	nd := newNode("EqualToDIA", true)
	p := ctx.Identity.GlobalWorkers()
	rank := ctx.Identity.GlobalRank
	return DIA[T]{ctx: ctx, n: nd, gen: func(context.Context) ([]T, error) {
		begin, end := partitionRange(len(items), rank, p)
		out := make([]T, end-begin)
		copy(out, items[begin:end])
		return out, nil
	}}
}

// Distribute takes already-worker-local items verbatim: each worker supplies
// its own shard and no redistribution occurs.
func Distribute[T any](ctx *Context, local []T) DIA[T] {
	nd := newNode("Distribute", true)
	return DIA[T]{ctx: ctx, n: nd, gen: func(context.Context) ([]T, error) {
		out := make([]T, len(local))
		copy(out, local)
		return out, nil
	}}
}

// DistributeFrom scatters items, supplied only by srcGlobalRank (every other
// worker passes nil), round-robin across all workers. It is the one source
// operator that genuinely shuffles.
func DistributeFrom[T any](ctx *Context, srcGlobalRank int, items []T, codec blockio.Codec[T]) DIA[T] {
	p := ctx.Identity.GlobalWorkers()
	nd := newNode("DistributeFrom", true)
	return DIA[T]{ctx: ctx, n: nd, gen: func(gctx context.Context) ([]T, error) {
		local := items
		if ctx.Identity.GlobalRank != srcGlobalRank {
			local = nil
		}
		i := 0
		return shuffle(gctx, ctx, local, codec, func(T) int {
			dest := i % p
			i++
			return dest
		})
	}}
}

// ConcatDIA is an alias for ConcatToDIA (core.go).
func ConcatDIA[T any](ctx *Context, dias ...DIA[T]) DIA[T] { return ConcatToDIA(ctx, dias...) }

// ReadLines sources a DIA of the lines of every matching file, assigning
// whole files to workers round-robin by Glob order; a single large file is
// never split into sub-file byte ranges across workers.
func ReadLines(ctx *Context, fs vfs.FS, pattern string) DIA[string] {
	nd := newNode("ReadLines", true)
	p := ctx.Identity.GlobalWorkers()
	rank := ctx.Identity.GlobalRank
	return DIA[string]{ctx: ctx, n: nd, gen: func(context.Context) ([]string, error) {
		infos, err := fs.Glob(pattern)
		if err != nil {
			return nil, err
		}
		var out []string
		for i, fi := range infos {
			if i%p != rank {
				continue
			}
			rs, err := fs.OpenReadStream(fi.Path, nil)
			if err != nil {
				return nil, err
			}
			sc := bufio.NewScanner(rs)
			sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
			for sc.Scan() {
				out = append(out, sc.Text())
			}
			err = sc.Err()
			rs.Close()
			if err != nil {
				return nil, err
			}
		}
		return out, nil
	}}
}

// ReadBinary sources one opaque []byte item per matching file (whole file
// contents), assigned to workers the same way as ReadLines.
func ReadBinary(ctx *Context, fs vfs.FS, pattern string) DIA[[]byte] {
	nd := newNode("ReadBinary", true)
	p := ctx.Identity.GlobalWorkers()
	rank := ctx.Identity.GlobalRank
	return DIA[[]byte]{ctx: ctx, n: nd, gen: func(context.Context) ([][]byte, error) {
		infos, err := fs.Glob(pattern)
		if err != nil {
			return nil, err
		}
		var out [][]byte
		for i, fi := range infos {
			if i%p != rank {
				continue
			}
			rs, err := fs.OpenReadStream(fi.Path, nil)
			if err != nil {
				return nil, err
			}
			var bb bytes.Buffer
			buf := make([]byte, 32*1024)
			for {
				n, rerr := rs.Read(buf)
				if n > 0 {
					bb.Write(buf[:n])
				}
				if rerr == io.EOF {
					break
				}
				if rerr != nil {
					rs.Close()
					return nil, rerr
				}
			}
			rs.Close()
			out = append(out, bb.Bytes())
		}
		return out, nil
	}}
}
