package reduce

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-flowdag/block"
	"github.com/joeycumines/go-flowdag/blockio"
	"github.com/joeycumines/go-flowdag/ferr"
)

func newPool(t *testing.T) *block.Pool {
	t.Helper()
	pool, err := block.NewPool(&block.PoolConfig{BlockSize: 64, SoftLimitBytes: 1 << 20})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func flushToMap(t *testing.T, table *Table[string, int64]) map[string]int64 {
	t.Helper()
	got := map[string]int64{}
	err := table.Flush(context.Background(), func(k string, v int64) error {
		_, dup := got[k]
		require.False(t, dup, "key %q emitted twice", k)
		got[k] = v
		return nil
	})
	require.NoError(t, err)
	return got
}

func TestNew_ConfigErrors(t *testing.T) {
	pool := newPool(t)
	add := func(a, b int64) int64 { return a + b }

	_, err := New(Config[string, int64]{CodecK: blockio.StringCodec(), CodecV: blockio.Int64Codec(), Pool: pool})
	require.Error(t, err)
	_, err = New(Config[string, int64]{ReduceFn: add, Pool: pool})
	require.Error(t, err)
	_, err = New(Config[string, int64]{ReduceFn: add, CodecK: blockio.StringCodec(), CodecV: blockio.Int64Codec()})
	require.Error(t, err)
}

func TestTable_InMemoryReduce(t *testing.T) {
	pool := newPool(t)
	table, err := New(Config[string, int64]{
		ReduceFn: func(a, b int64) int64 { return a + b },
		CodecK:   blockio.StringCodec(),
		CodecV:   blockio.Int64Codec(),
		Pool:     pool,
	})
	require.NoError(t, err)

	words := []string{"test", "this", "might", "be", "a", "test", "a", "test", "a", "test"}
	for _, w := range words {
		require.NoError(t, table.Insert(w, 1))
	}

	require.Equal(t, map[string]int64{
		"a": 3, "be": 1, "might": 1, "test": 4, "this": 1,
	}, flushToMap(t, table))
}

// TestTable_SpillAndSecondReduce forces spills with a tiny fill rate and
// checks the second-pass reduce still folds every key exactly once,
// including keys whose partial aggregates landed in multiple spill
// batches.
func TestTable_SpillAndSecondReduce(t *testing.T) {
	pool := newPool(t)
	table, err := New(Config[string, int64]{
		Partitions:        4,
		PartitionFillRate: 2,
		ReduceFn:          func(a, b int64) int64 { return a + b },
		CodecK:            blockio.StringCodec(),
		CodecV:            blockio.Int64Codec(),
		Pool:              pool,
	})
	require.NoError(t, err)

	want := map[string]int64{}
	// three rounds over the same 24 keys, so most keys get spilled as
	// partial aggregates more than once.
	for round := 0; round < 3; round++ {
		for i := 0; i < 24; i++ {
			k := fmt.Sprintf("key-%02d", i)
			require.NoError(t, table.Insert(k, int64(i+round)))
			want[k] += int64(i + round)
		}
	}

	require.Equal(t, want, flushToMap(t, table))
}

// TestTable_SkewRecursion drives the flush-time second reduce over its
// in-memory budget, forcing the re-partition-with-fresh-seed recursion.
func TestTable_SkewRecursion(t *testing.T) {
	pool := newPool(t)
	table, err := New(Config[string, int64]{
		Partitions:        1,
		PartitionFillRate: 4,
		MaxEntries:        8,
		SubPartitions:     3,
		MaxSpillDepth:     6,
		ReduceFn:          func(a, b int64) int64 { return a + b },
		CodecK:            blockio.StringCodec(),
		CodecV:            blockio.Int64Codec(),
		Pool:              pool,
	})
	require.NoError(t, err)

	want := map[string]int64{}
	for round := 0; round < 2; round++ {
		for i := 0; i < 60; i++ {
			k := fmt.Sprintf("k%03d", i)
			require.NoError(t, table.Insert(k, 1))
			want[k]++
		}
	}

	require.Equal(t, want, flushToMap(t, table))
}

// TestTable_SkewRecursionDepthExceeded: with one sub-partition the
// recursion cannot shrink the working set, so it must terminate with
// OutOfMemory instead of recursing forever.
func TestTable_SkewRecursionDepthExceeded(t *testing.T) {
	pool := newPool(t)
	table, err := New(Config[string, int64]{
		Partitions:        1,
		PartitionFillRate: 2,
		MaxEntries:        4,
		SubPartitions:     1,
		MaxSpillDepth:     2,
		ReduceFn:          func(a, b int64) int64 { return a + b },
		CodecK:            blockio.StringCodec(),
		CodecV:            blockio.Int64Codec(),
		Pool:              pool,
	})
	require.NoError(t, err)

	for i := 0; i < 40; i++ {
		require.NoError(t, table.Insert(fmt.Sprintf("k%02d", i), 1))
	}

	err = table.Flush(context.Background(), func(string, int64) error { return nil })
	require.Error(t, err)
	var fe *ferr.Error
	require.ErrorAs(t, err, &fe)
	require.Equal(t, ferr.OutOfMemory, fe.Kind)
}

func TestTable_CustomIndexFn(t *testing.T) {
	pool := newPool(t)
	table, err := New(Config[string, int64]{
		Partitions: 2,
		IndexFn:    func(k string) int { return len(k) % 2 },
		ReduceFn:   func(a, b int64) int64 { return a + b },
		CodecK:     blockio.StringCodec(),
		CodecV:     blockio.Int64Codec(),
		Pool:       pool,
	})
	require.NoError(t, err)
	require.NoError(t, table.Insert("ab", 1))
	require.NoError(t, table.Insert("abc", 2))
	require.NoError(t, table.Insert("ab", 4))

	require.Equal(t, map[string]int64{"ab": 5, "abc": 2}, flushToMap(t, table))
}
