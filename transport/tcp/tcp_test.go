package tcp

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-flowdag/transport"
)

// freeAddrs reserves n distinct loopback addresses by briefly listening on
// ephemeral ports. The usual test idiom: the port can in principle be
// reclaimed between Close and NewGroup's own Listen, but dialWithRetry's
// backoff absorbs the bootstrap race this would otherwise cause.
func freeAddrs(t *testing.T, n int) []string {
	t.Helper()
	addrs := make([]string, n)
	listeners := make([]net.Listener, n)
	for i := 0; i < n; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners[i] = ln
		addrs[i] = ln.Addr().String()
	}
	for _, ln := range listeners {
		_ = ln.Close()
	}
	return addrs
}

func TestNewGroup_FullMeshCollectives(t *testing.T) {
	const size = 3
	addrs := freeAddrs(t, size)

	groups := make([]transport.Group, size)
	errs := make([]error, size)
	var wg sync.WaitGroup
	for r := 0; r < size; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			groups[r], errs[r] = NewGroup(r, addrs)
		}()
	}
	wg.Wait()
	for r, err := range errs {
		require.NoError(t, err, "rank %d", r)
	}
	defer func() {
		for _, g := range groups {
			_ = g.Shutdown()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sum := func(a, b transport.Value) transport.Value { return transport.Int64Value(a.I + b.I) }
	results := make([]int64, size)
	gathered := make([][]transport.Value, size)
	opErrs := make([]error, size)
	for r := 0; r < size; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			g := groups[r]
			if err := g.Barrier(ctx); err != nil {
				opErrs[r] = err
				return
			}
			v, err := g.AllReduce(ctx, transport.Int64Value(int64(r+1)), sum, true)
			if err != nil {
				opErrs[r] = err
				return
			}
			results[r] = v.I
			gathered[r], opErrs[r] = g.AllGather(ctx, transport.Int64Value(int64(r)))
		}()
	}
	wg.Wait()
	for r := 0; r < size; r++ {
		require.NoError(t, opErrs[r], "rank %d", r)
		require.Equal(t, int64(6), results[r], "rank %d", r)
		require.Len(t, gathered[r], size)
		for i, v := range gathered[r] {
			require.Equal(t, int64(i), v.I, "rank %d element %d", r, i)
		}
	}
}

func TestNewGroup_RankOutOfRange(t *testing.T) {
	_, err := NewGroup(2, []string{"127.0.0.1:0", "127.0.0.1:0"})
	require.Error(t, err)
	_, err = NewGroup(-1, []string{"127.0.0.1:0"})
	require.Error(t, err)
}
