package dia

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/joeycumines/go-flowdag/blockio"
	"github.com/joeycumines/go-flowdag/stream"
	"github.com/joeycumines/go-flowdag/transport"
	"github.com/joeycumines/go-flowdag/vfs"
)

func encodeItemSlice[T any](codec blockio.Codec[T], items []T) ([]byte, error) {
	var buf bytes.Buffer
	var num [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(num[:], uint64(len(items)))
	buf.Write(num[:n])
	for _, it := range items {
		b, err := codec.Encode(it)
		if err != nil {
			return nil, err
		}
		n := binary.PutUvarint(num[:], uint64(len(b)))
		buf.Write(num[:n])
		buf.Write(b)
	}
	return buf.Bytes(), nil
}

func decodeItemSlice[T any](codec blockio.Codec[T], data []byte) ([]T, error) {
	r := bytes.NewReader(data)
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, count)
	for i := uint64(0); i < count; i++ {
		ln, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		b := make([]byte, ln)
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, err
		}
		v, err := codec.Decode(b)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Execute forces d's stack for its side effects only, discarding results.
func Execute[T any](ctx context.Context, d DIA[T]) error {
	_, err := d.materialize(ctx)
	return err
}

// Size returns the job-global item count of d.
func Size[T any](ctx context.Context, dc *Context, d DIA[T]) (int64, error) {
	local, err := d.materialize(ctx)
	if err != nil {
		return 0, err
	}
	sumOp := func(a, b transport.Value) transport.Value { return transport.Int64Value(a.I + b.I) }
	v, err := dc.Channel.AllReduce(ctx, dc.Identity.LocalRank, transport.Int64Value(int64(len(local))), sumOp, false)
	if err != nil {
		return 0, err
	}
	return v.I, nil
}

// Sum folds every item of d (job-global) via ordinary addition.
func Sum[T numeric](ctx context.Context, dc *Context, d DIA[T]) (T, error) {
	local, err := d.materialize(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	var localTotal float64
	for _, v := range local {
		localTotal += float64(v)
	}
	sumOp := func(a, b transport.Value) transport.Value { return transport.Float64Value(a.F + b.F) }
	v, err := dc.Channel.AllReduce(ctx, dc.Identity.LocalRank, transport.Float64Value(localTotal), sumOp, false)
	if err != nil {
		var zero T
		return zero, err
	}
	return T(v.F), nil
}

// extreme is the shared implementation of Min and Max: it folds the
// job-global items of d via pick (which must return whichever of a, b
// "wins"), representing "no local value" with a one-byte has-flag so
// workers with an empty local partition don't skew the result.
func extreme[T any](ctx context.Context, dc *Context, d DIA[T], codec blockio.Codec[T], pick func(a, b T) T) (T, bool, error) {
	var zero T
	local, err := d.materialize(ctx)
	if err != nil {
		return zero, false, err
	}
	var best T
	has := false
	for _, v := range local {
		if !has {
			best = v
			has = true
		} else {
			best = pick(best, v)
		}
	}
	encode := func(v T, ok bool) []byte {
		if !ok {
			return []byte{0}
		}
		b, _ := codec.Encode(v)
		return append([]byte{1}, b...)
	}
	decode := func(b []byte) (T, bool) {
		if len(b) == 0 || b[0] == 0 {
			return zero, false
		}
		v, _ := codec.Decode(b[1:])
		return v, true
	}
	op := func(a, b transport.Value) transport.Value {
		av, aok := decode(a.B)
		bv, bok := decode(b.B)
		switch {
		case !aok:
			return b
		case !bok:
			return a
		default:
			return transport.BytesValue(encode(pick(av, bv), true))
		}
	}
	v, err := dc.Channel.AllReduce(ctx, dc.Identity.LocalRank, transport.BytesValue(encode(best, has)), op, false)
	if err != nil {
		return zero, false, err
	}
	result, ok := decode(v.B)
	return result, ok, nil
}

// Min returns the smallest item of d by cmp, job-global, or ok==false if d
// is empty on every worker.
func Min[T any](ctx context.Context, dc *Context, d DIA[T], cmp func(a, b T) int, codec blockio.Codec[T]) (T, bool, error) {
	return extreme(ctx, dc, d, codec, func(a, b T) T {
		if cmp(a, b) <= 0 {
			return a
		}
		return b
	})
}

// Max returns the largest item of d by cmp, job-global, or ok==false if d
// is empty on every worker.
func Max[T any](ctx context.Context, dc *Context, d DIA[T], cmp func(a, b T) int, codec blockio.Codec[T]) (T, bool, error) {
	return extreme(ctx, dc, d, codec, func(a, b T) T {
		if cmp(a, b) >= 0 {
			return a
		}
		return b
	})
}

// AllGatherAction returns every item of d, from every worker, in ascending
// global-rank order, identically on every worker.
func AllGatherAction[T any](ctx context.Context, dc *Context, d DIA[T], codec blockio.Codec[T]) ([]T, error) {
	local, err := d.materialize(ctx)
	if err != nil {
		return nil, err
	}
	enc, err := encodeItemSlice(codec, local)
	if err != nil {
		return nil, err
	}
	vals, err := dc.Channel.AllGather(ctx, dc.Identity.LocalRank, transport.BytesValue(enc), dc.Identity.Hosts)
	if err != nil {
		return nil, err
	}
	var out []T
	for _, v := range vals {
		items, err := decodeItemSlice(codec, v.B)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
	}
	return out, nil
}

// GatherAction collects every item of d onto destGlobalRank, in ascending
// global-rank order; every other worker receives a nil slice.
func GatherAction[T any](ctx context.Context, dc *Context, d DIA[T], destGlobalRank int, codec blockio.Codec[T]) ([]T, error) {
	local, err := d.materialize(ctx)
	if err != nil {
		return nil, err
	}
	id := dc.newStreamID()
	s := stream.New(id, dc.Identity.LocalRank, dc.Identity, dc.Repo, dc.Pool, dc.Log)
	writers := stream.OpenWriters[T](s, codec)

	// write concurrently with reading: the destination worker sends to its
	// own bounded inbound queue, which it must drain itself.
	writeErr := make(chan error, 1)
	go func() {
		writeErr <- func() error {
			defer s.Close()
			for _, it := range local {
				if err := writers[destGlobalRank].Put(it); err != nil {
					return err
				}
			}
			for _, w := range writers {
				if err := w.Close(); err != nil {
					return err
				}
			}
			return s.Close()
		}()
	}()

	reader := stream.OpenCatReader[T](s, codec)
	var out []T
	for reader.HasNext(ctx) {
		v, err := reader.Next(ctx)
		if err != nil {
			<-writeErr
			return nil, err
		}
		out = append(out, v)
	}
	if err := <-writeErr; err != nil {
		return nil, err
	}
	return out, reader.Err(ctx)
}

// WriteLines writes d's local partition as newline-delimited text to
// path, suffixed with this worker's global rank, one output file per
// worker.
func WriteLines(ctx context.Context, dc *Context, d DIA[string], fs vfs.FS, path string) error {
	local, err := d.materialize(ctx)
	if err != nil {
		return err
	}
	w, err := fs.OpenWriteStream(fmt.Sprintf("%s.%04d", path, dc.Identity.GlobalRank))
	if err != nil {
		return err
	}
	defer w.Close()
	for _, line := range local {
		if _, err := io.WriteString(w, line); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "\n"); err != nil {
			return err
		}
	}
	return nil
}

// WriteLinesMany is WriteLines that additionally splits this worker's
// output across multiple files once maxLinesPerFile is reached.
func WriteLinesMany(ctx context.Context, dc *Context, d DIA[string], fs vfs.FS, path string, maxLinesPerFile int) error {
	local, err := d.materialize(ctx)
	if err != nil {
		return err
	}
	if maxLinesPerFile <= 0 {
		maxLinesPerFile = len(local)
		if maxLinesPerFile == 0 {
			maxLinesPerFile = 1
		}
	}
	part := 0
	var w vfs.WriteStream
	open := func() error {
		var err error
		w, err = fs.OpenWriteStream(fmt.Sprintf("%s.%04d.part%04d", path, dc.Identity.GlobalRank, part))
		return err
	}
	for i, line := range local {
		if i%maxLinesPerFile == 0 {
			if w != nil {
				if err := w.Close(); err != nil {
					return err
				}
				part++
			}
			if err := open(); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, line); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "\n"); err != nil {
			return err
		}
	}
	if w != nil {
		return w.Close()
	}
	return nil
}

// WriteBinary writes d's local partition as concatenated opaque byte
// records to path, one output file per worker.
func WriteBinary(ctx context.Context, dc *Context, d DIA[[]byte], fs vfs.FS, path string) error {
	local, err := d.materialize(ctx)
	if err != nil {
		return err
	}
	w, err := fs.OpenWriteStream(fmt.Sprintf("%s.%04d", path, dc.Identity.GlobalRank))
	if err != nil {
		return err
	}
	defer w.Close()
	for _, rec := range local {
		if _, err := w.Write(rec); err != nil {
			return err
		}
	}
	return nil
}
