package sortx

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-flowdag/block"
	"github.com/joeycumines/go-flowdag/blockio"
	"github.com/joeycumines/go-flowdag/flog"
	"github.com/joeycumines/go-flowdag/flowcontrol"
	"github.com/joeycumines/go-flowdag/mux"
	"github.com/joeycumines/go-flowdag/transport/inproc"
	"github.com/joeycumines/go-flowdag/worker"
)

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// runSort splits input across workers local workers of a single host and
// runs the full Sort pipeline, returning each worker's output range in
// worker order.
func runSort(t *testing.T, workers int, input []int64, maxInMemory int) [][]int64 {
	t.Helper()
	groups := inproc.NewGroup(1)
	t.Cleanup(func() { _ = groups[0].Shutdown() })
	// block size chosen so each (sender,receiver) pair's shuffled share
	// stays within the inbound queue's default pipe capacity while every
	// worker is still in its write phase.
	pool, err := block.NewPool(&block.PoolConfig{BlockSize: 256, SoftLimitBytes: 1 << 20})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	hostID := worker.Identity{GlobalRank: 0, LocalRank: 0, Hosts: 1, WorkersPerHost: workers}
	repo := mux.NewRepository(hostID, groups[0], pool, flog.Nop())
	repo.Start(context.Background())
	channel := flowcontrol.New(workers, groups[0], nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	outputs := make([][]int64, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for l := 0; l < workers; l++ {
		l := l
		wg.Add(1)
		go func() {
			defer wg.Done()
			// contiguous equal-ish split of the input across workers.
			lo := l * len(input) / workers
			hi := (l + 1) * len(input) / workers
			cfg := Config[int64]{
				Cmp:              cmpInt64,
				Codec:            blockio.Int64Codec(),
				Pool:             pool,
				Channel:          channel,
				Repo:             repo,
				Identity:         worker.Identity{GlobalRank: l, LocalRank: l, Hosts: 1, WorkersPerHost: workers},
				StreamID:         77,
				MaxInMemoryItems: maxInMemory,
			}
			outputs[l], errs[l] = Sort(ctx, cfg, l, input[lo:hi])
		}()
	}
	wg.Wait()
	for l, err := range errs {
		require.NoError(t, err, "worker %d", l)
	}
	return outputs
}

func checkGloballySorted(t *testing.T, input []int64, outputs [][]int64) {
	t.Helper()
	var all []int64
	for w, out := range outputs {
		require.True(t, sort.SliceIsSorted(out, func(i, j int) bool { return out[i] < out[j] }), "worker %d output not locally sorted", w)
		if len(all) > 0 && len(out) > 0 {
			require.LessOrEqual(t, all[len(all)-1], out[0], "worker %d range starts below worker %d's end", w, w-1)
		}
		all = append(all, out...)
	}
	want := append([]int64(nil), input...)
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
	require.Equal(t, want, all)
}

func TestSort_SingleWorkerInMemory(t *testing.T) {
	input := []int64{5, -1, 3, 3, 9, 0, 7}
	outputs := runSort(t, 1, input, 0)
	checkGloballySorted(t, input, outputs)
}

// TestSort_ReversedAcrossWorkers is the reversed-integers scenario: item i
// is n-1-i; the concatenated output must be 0..n-1.
func TestSort_ReversedAcrossWorkers(t *testing.T) {
	const n = 1000
	input := make([]int64, n)
	for i := range input {
		input[i] = int64(n - 1 - i)
	}
	outputs := runSort(t, 4, input, 0)
	checkGloballySorted(t, input, outputs)
	total := 0
	for _, out := range outputs {
		total += len(out)
	}
	require.Equal(t, n, total)
}

// TestSort_ExternalMerge forces the spill path with a tiny in-memory run
// budget, exercising run formation and the tournament-heap merge.
func TestSort_ExternalMerge(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	input := make([]int64, 500)
	for i := range input {
		input[i] = int64(rng.Intn(200)) // duplicates included
	}
	outputs := runSort(t, 2, input, 16)
	checkGloballySorted(t, input, outputs)
}

func TestSort_EmptyInput(t *testing.T) {
	outputs := runSort(t, 2, nil, 0)
	for w, out := range outputs {
		require.Empty(t, out, "worker %d", w)
	}
}

func TestSort_ConfigValidation(t *testing.T) {
	_, err := Sort(context.Background(), Config[int64]{}, 0, nil)
	require.Error(t, err)
}

func TestPartitionLocal_SplitterTieBreaking(t *testing.T) {
	// all keys equal to the single splitter: the lower range takes its
	// target share, overflow routes to the higher range.
	sp := []int64{5}
	local := []int64{5, 5, 5, 5}
	buckets := partitionLocal(cmpInt64, sp, 2, local)
	require.Len(t, buckets[0], 2)
	require.Len(t, buckets[1], 2)
}

func TestMergeRuns_KWay(t *testing.T) {
	ctx := context.Background()
	sources := []runSource[int64]{
		&sliceSource[int64]{items: []int64{1, 4, 9}},
		&sliceSource[int64]{items: []int64{2, 2, 8}},
		&sliceSource[int64]{items: []int64{0, 5}},
		&sliceSource[int64]{},
	}
	out, err := mergeRuns(ctx, cmpInt64, sources)
	require.NoError(t, err)
	require.Equal(t, []int64{0, 1, 2, 2, 4, 5, 8, 9}, out)
}
