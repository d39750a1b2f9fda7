package dia

import (
	"context"

	"github.com/joeycumines/go-flowdag/blockio"
	"github.com/joeycumines/go-flowdag/stream"
)

// shuffle hash-partitions local across every global worker via a fresh
// Stream, then collects this worker's share in whatever order the network
// delivers it (MixStream). partitionOf must be a pure function of the
// item's key, identical on every worker, so that a given item lands on
// the same destination rank everywhere.
// The write phase runs concurrently with the read phase: inbound queues
// are bounded pipes, so a worker that wrote its whole partition before
// reading anything could fill every receiver's queue while every receiver
// is itself still writing, deadlocking the all-to-all exchange.
func shuffle[T any](ctx context.Context, dc *Context, local []T, codec blockio.Codec[T], partitionOf func(T) int) ([]T, error) {
	id := dc.newStreamID()
	s := stream.New(id, dc.Identity.LocalRank, dc.Identity, dc.Repo, dc.Pool, dc.Log)
	writers := stream.OpenWriters[T](s, codec)
	p := len(writers)

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- func() error {
			defer s.Close()
			for _, it := range local {
				dest := partitionOf(it) % p
				if dest < 0 {
					dest += p
				}
				if err := writers[dest].Put(it); err != nil {
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

	reader := stream.OpenMixReader[T](s, codec)
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
	if err := reader.Err(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// fnv1a64 hashes b for key-based partitioning, reused for
// GroupByKey/ReduceByKey/InnerJoinWith shuffles so equal keys land on the
// same worker.
func fnv1a64(b []byte) uint64 {
	const (
		offset = 14695981039346656037
		prime  = 1099511628211
	)
	h := uint64(offset)
	for _, c := range b {
		h ^= uint64(c)
		h *= prime
	}
	return h
}
