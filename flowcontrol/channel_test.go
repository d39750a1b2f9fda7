package flowcontrol

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-flowdag/transport"
	"github.com/joeycumines/go-flowdag/transport/inproc"
)

// runWorkers drives a hosts x workersPerHost job: one Channel per host
// over an inproc host group, one goroutine per global worker. fn receives
// (host, localRank, channel) and returns an error.
func runWorkers(t *testing.T, hosts, workersPerHost int, fn func(ctx context.Context, host, localRank int, c *Channel) error) {
	t.Helper()
	groups := inproc.NewGroup(hosts)
	channels := make([]*Channel, hosts)
	for h := range channels {
		channels[h] = New(workersPerHost, groups[h], nil)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errs := make([]error, hosts*workersPerHost)
	var wg sync.WaitGroup
	for h := 0; h < hosts; h++ {
		for l := 0; l < workersPerHost; l++ {
			h, l := h, l
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[h*workersPerHost+l] = fn(ctx, h, l, channels[h])
			}()
		}
	}
	wg.Wait()
	for g, err := range errs {
		require.NoError(t, err, "global worker %d", g)
	}
	for _, g := range groups {
		_ = g.Shutdown()
	}
}

func sumOp(a, b transport.Value) transport.Value { return transport.Int64Value(a.I + b.I) }

func TestChannel_Barrier(t *testing.T) {
	runWorkers(t, 2, 2, func(ctx context.Context, host, localRank int, c *Channel) error {
		for i := 0; i < 5; i++ {
			if err := c.Barrier(ctx, localRank); err != nil {
				return err
			}
		}
		return nil
	})
}

func TestChannel_AllReduce(t *testing.T) {
	var mu sync.Mutex
	got := map[int]int64{}
	runWorkers(t, 2, 2, func(ctx context.Context, host, localRank int, c *Channel) error {
		global := host*2 + localRank
		v, err := c.AllReduce(ctx, localRank, transport.Int64Value(int64(global+1)), sumOp, true)
		if err != nil {
			return err
		}
		mu.Lock()
		got[global] = v.I
		mu.Unlock()
		return nil
	})
	// locals are 1..4 across the four global workers.
	for g := 0; g < 4; g++ {
		require.Equal(t, int64(10), got[g], "global worker %d", g)
	}
}

func TestChannel_PrefixSum(t *testing.T) {
	for _, inclusive := range []bool{true, false} {
		var mu sync.Mutex
		got := map[int]int64{}
		runWorkers(t, 2, 2, func(ctx context.Context, host, localRank int, c *Channel) error {
			global := host*2 + localRank
			v, err := c.PrefixSum(ctx, localRank, transport.Int64Value(int64(global+1)), transport.Int64Value(0), sumOp, inclusive)
			if err != nil {
				return err
			}
			mu.Lock()
			got[global] = v.I
			mu.Unlock()
			return nil
		})
		for g := 0; g < 4; g++ {
			var want int64
			for i := 0; i <= g; i++ {
				want += int64(i + 1)
			}
			if !inclusive {
				want -= int64(g + 1)
			}
			require.Equal(t, want, got[g], "global worker %d inclusive=%v", g, inclusive)
		}
	}
}

func TestChannel_AllGather_GlobalRankOrder(t *testing.T) {
	var mu sync.Mutex
	got := map[int][]transport.Value{}
	runWorkers(t, 2, 2, func(ctx context.Context, host, localRank int, c *Channel) error {
		global := host*2 + localRank
		vals, err := c.AllGather(ctx, localRank, transport.Int64Value(int64(global*11)), 2)
		if err != nil {
			return err
		}
		mu.Lock()
		got[global] = vals
		mu.Unlock()
		return nil
	})
	for g := 0; g < 4; g++ {
		require.Len(t, got[g], 4, "global worker %d", g)
		for i, v := range got[g] {
			require.Equal(t, int64(i*11), v.I, "global worker %d element %d", g, i)
		}
	}
}

func TestChannel_Broadcast_RemoteRoot(t *testing.T) {
	// root is global worker 3 = host 1, local rank 1; every worker (on both
	// hosts) must receive its value.
	var mu sync.Mutex
	got := map[int]int64{}
	runWorkers(t, 2, 2, func(ctx context.Context, host, localRank int, c *Channel) error {
		global := host*2 + localRank
		v, err := c.Broadcast(ctx, localRank, transport.Int64Value(int64(global*100)), 1, 1, host)
		if err != nil {
			return err
		}
		mu.Lock()
		got[global] = v.I
		mu.Unlock()
		return nil
	})
	for g := 0; g < 4; g++ {
		require.Equal(t, int64(300), got[g], "global worker %d", g)
	}
}

func TestNew_PanicsOnBadArgs(t *testing.T) {
	groups := inproc.NewGroup(1)
	defer groups[0].Shutdown()
	require.Panics(t, func() { New(0, groups[0], nil) })
	require.Panics(t, func() { New(1, nil, nil) })
}
