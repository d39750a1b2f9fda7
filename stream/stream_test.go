package stream

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-flowdag/block"
	"github.com/joeycumines/go-flowdag/blockio"
	"github.com/joeycumines/go-flowdag/flog"
	"github.com/joeycumines/go-flowdag/mux"
	"github.com/joeycumines/go-flowdag/transport/inproc"
	"github.com/joeycumines/go-flowdag/worker"
)

// shuffleHarness wires hosts x workersPerHost workers: one pool and one
// Repository per host over an inproc host group, and runs fn once per
// global worker with that worker's Stream.
func shuffleHarness(t *testing.T, hosts, workersPerHost int, streamID uint64, fn func(ctx context.Context, s *Stream, id worker.Identity) error) {
	t.Helper()
	groups := inproc.NewGroup(hosts)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	repos := make([]*mux.Repository, hosts)
	pools := make([]*block.Pool, hosts)
	for h := 0; h < hosts; h++ {
		pool, err := block.NewPool(&block.PoolConfig{BlockSize: 64, SoftLimitBytes: 1 << 20})
		require.NoError(t, err)
		pools[h] = pool
		id := worker.Identity{GlobalRank: h * workersPerHost, LocalRank: 0, Hosts: hosts, WorkersPerHost: workersPerHost}
		repos[h] = mux.NewRepository(id, groups[h], pool, flog.Nop())
		repos[h].Start(ctx)
	}
	t.Cleanup(func() {
		for h := range repos {
			_ = repos[h].Shutdown()
			_ = pools[h].Close()
		}
	})

	errs := make([]error, hosts*workersPerHost)
	var wg sync.WaitGroup
	for h := 0; h < hosts; h++ {
		for l := 0; l < workersPerHost; l++ {
			h, l := h, l
			wg.Add(1)
			go func() {
				defer wg.Done()
				id := worker.Identity{GlobalRank: h*workersPerHost + l, LocalRank: l, Hosts: hosts, WorkersPerHost: workersPerHost}
				s := New(streamID, l, id, repos[h], pools[h], flog.Nop())
				errs[id.GlobalRank] = fn(ctx, s, id)
			}()
		}
	}
	wg.Wait()
	for g, err := range errs {
		require.NoError(t, err, "global worker %d", g)
	}
}

// TestCatReader_PeerOrder: every sender s ships 3 items to every receiver
// r; a CatReader must deliver them grouped by sender, ascending sender
// rank, preserving per-sender send order.
func TestCatReader_PeerOrder(t *testing.T) {
	const hosts, w = 2, 2
	p := hosts * w
	codec := blockio.Int64Codec()

	var mu sync.Mutex
	got := map[int][]int64{}

	shuffleHarness(t, hosts, w, 21, func(ctx context.Context, s *Stream, id worker.Identity) error {
		writers := OpenWriters(s, codec)
		for r := 0; r < p; r++ {
			for i := 0; i < 3; i++ {
				if err := writers[r].Put(int64(id.GlobalRank*1000 + r*10 + i)); err != nil {
					return err
				}
			}
			if err := writers[r].Close(); err != nil {
				return err
			}
		}

		reader := OpenCatReader(s, codec)
		var items []int64
		for reader.HasNext(ctx) {
			v, err := reader.Next(ctx)
			if err != nil {
				return err
			}
			items = append(items, v)
		}
		if err := reader.Err(ctx); err != nil {
			return err
		}
		mu.Lock()
		got[id.GlobalRank] = items
		mu.Unlock()
		return nil
	})

	for r := 0; r < p; r++ {
		var want []int64
		for sender := 0; sender < p; sender++ {
			for i := 0; i < 3; i++ {
				want = append(want, int64(sender*1000+r*10+i))
			}
		}
		require.Equal(t, want, got[r], "receiver %d", r)
	}
}

// TestMixReader_Conservation: items routed to pseudo-random peers arrive
// exactly once each, in some interleaving; the union of all receivers'
// reads equals the union of all sends.
func TestMixReader_Conservation(t *testing.T) {
	const hosts, w, perWorker = 2, 2, 100
	p := hosts * w
	codec := blockio.Int64Codec()

	var mu sync.Mutex
	var received []int64

	shuffleHarness(t, hosts, w, 22, func(ctx context.Context, s *Stream, id worker.Identity) error {
		writers := OpenWriters(s, codec)
		for i := 0; i < perWorker; i++ {
			v := int64(id.GlobalRank*perWorker + i)
			dest := int(uint64(v*2654435761) % uint64(p))
			if err := writers[dest].Put(v); err != nil {
				return err
			}
		}
		for _, wr := range writers {
			if err := wr.Close(); err != nil {
				return err
			}
		}

		reader := OpenMixReader(s, codec)
		var items []int64
		for reader.HasNext(ctx) {
			v, err := reader.Next(ctx)
			if err != nil {
				return err
			}
			items = append(items, v)
		}
		if err := reader.Err(ctx); err != nil {
			return err
		}
		mu.Lock()
		received = append(received, items...)
		mu.Unlock()
		return nil
	})

	require.Len(t, received, p*perWorker)
	sort.Slice(received, func(i, j int) bool { return received[i] < received[j] })
	for i, v := range received {
		require.Equal(t, int64(i), v, "multiset element %d", i)
	}
}

// TestStreamClose_Idempotent: Close after per-writer Close reports no
// error and the reader still sees each item once.
func TestStreamClose_Idempotent(t *testing.T) {
	shuffleHarness(t, 1, 2, 23, func(ctx context.Context, s *Stream, id worker.Identity) error {
		writers := OpenWriters(s, blockio.Int64Codec())
		for r, wr := range writers {
			if err := wr.Put(int64(r)); err != nil {
				return err
			}
			if err := wr.Close(); err != nil {
				return err
			}
		}
		if err := s.Close(); err != nil {
			return err
		}
		if err := s.Close(); err != nil {
			return err
		}
		reader := OpenCatReader(s, blockio.Int64Codec())
		count := 0
		for reader.HasNext(ctx) {
			if _, err := reader.Next(ctx); err != nil {
				return err
			}
			count++
		}
		if count != 2 {
			return fmt.Errorf("read %d items, want 2", count)
		}
		return reader.Err(ctx)
	})
}
