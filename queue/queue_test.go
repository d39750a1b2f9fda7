package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-flowdag/block"
	"github.com/joeycumines/go-flowdag/blockio"
)

func newTestPool(t *testing.T) *block.Pool {
	t.Helper()
	p, err := block.NewPool(&block.PoolConfig{BlockSize: 64, SoftLimitBytes: 1 << 20})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestQueue_PutNext_FIFO(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t)
	q := New(&Config{Capacity: 4})

	w := blockio.NewWriter[int32](pool, q, blockio.Int32Codec())
	for i := int32(0); i < 3; i++ {
		require.NoError(t, w.Put(i))
	}
	require.NoError(t, w.Close())

	src, err := q.GetReader(true)
	require.NoError(t, err)
	r := blockio.NewReader[int32](pool, src, blockio.Int32Codec())

	var got []int32
	for r.HasNext(ctx) {
		v, err := r.Next(ctx)
		require.NoError(t, err)
		got = append(got, v)
	}
	require.NoError(t, r.Err(ctx))
	require.Equal(t, []int32{0, 1, 2}, got)
}

func TestQueue_PutBlocksWhenFull(t *testing.T) {
	pool := newTestPool(t)
	q := New(&Config{Capacity: 1})
	src, err := q.GetReader(true)
	require.NoError(t, err)

	// A blockio.Writer buffers items until a whole block is full, so the
	// test puts blocks on the queue directly.
	blocks := make([]block.Block, 2)
	for i := range blocks {
		pb, err := pool.AllocateByteBlock()
		require.NoError(t, err)
		blocks[i] = block.NewBlock(pb.ByteBlock().Retain(), 0, 0, 0, 0)
		pb.Release()
	}
	require.NoError(t, q.Put(blocks[0]))

	putDone := make(chan error, 1)
	go func() { putDone <- q.Put(blocks[1]) }()

	select {
	case <-putDone:
		t.Fatal("second Put should have blocked while the queue is full")
	case <-time.After(50 * time.Millisecond):
	}

	b, ok, err := src.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	b.Release()

	select {
	case err := <-putDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second Put did not unblock after a slot freed up")
	}
}

func TestQueue_CloseTerminatesReaderOnceDrained(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t)
	q := New(&Config{Capacity: 4})
	src, err := q.GetReader(true)
	require.NoError(t, err)
	r := blockio.NewReader[int32](pool, src, blockio.Int32Codec())

	w := blockio.NewWriter[int32](pool, q, blockio.Int32Codec())
	require.NoError(t, w.Put(9))
	require.NoError(t, w.Close())
	require.NoError(t, q.Close())

	require.True(t, r.HasNext(ctx))
	v, err := r.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(9), v)

	require.False(t, r.HasNext(ctx))
	require.NoError(t, r.Err(ctx))
}

func TestQueue_PutAfterCloseErrors(t *testing.T) {
	q := New(&Config{Capacity: 4})
	require.NoError(t, q.Close())
	_, err := q.GetReader(true)
	require.NoError(t, err)
	err = q.Put(block.Block{})
	require.Error(t, err)
}

func TestQueue_KeepMode_RereadAfterClose(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t)
	q := New(&Config{Capacity: 4, Keep: true, Pool: pool})

	consumeSrc, err := q.GetReader(true)
	require.NoError(t, err)
	consumeReader := blockio.NewReader[int32](pool, consumeSrc, blockio.Int32Codec())

	w := blockio.NewWriter[int32](pool, q, blockio.Int32Codec())
	for i := int32(0); i < 3; i++ {
		require.NoError(t, w.Put(i))
	}
	require.NoError(t, w.Close())

	// Drain the live pipe once, as the consuming side normally would.
	var drained []int32
	for consumeReader.HasNext(ctx) {
		v, err := consumeReader.Next(ctx)
		require.NoError(t, err)
		drained = append(drained, v)
	}
	require.Equal(t, []int32{0, 1, 2}, drained)
	require.NoError(t, q.Close())

	// A keep-mode, non-consuming reader re-reads every block from the
	// internal keep-File after Close, independent of the already-drained
	// live pipe.
	keepSrc, err := q.GetReader(false)
	require.NoError(t, err)
	keepReader := blockio.NewReader[int32](pool, keepSrc, blockio.Int32Codec())
	var got []int32
	for keepReader.HasNext(ctx) {
		v, err := keepReader.Next(ctx)
		require.NoError(t, err)
		got = append(got, v)
	}
	require.NoError(t, keepReader.Err(ctx))
	require.Equal(t, []int32{0, 1, 2}, got)
}

func TestQueue_NonKeepingQueue_RejectsNonConsumingReader(t *testing.T) {
	q := New(&Config{Capacity: 4})
	_, err := q.GetReader(false)
	require.Error(t, err)
}
