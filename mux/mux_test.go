package mux

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-flowdag/block"
	"github.com/joeycumines/go-flowdag/flog"
	"github.com/joeycumines/go-flowdag/transport/inproc"
	"github.com/joeycumines/go-flowdag/worker"
)

func TestHeader_EncodeDecode(t *testing.T) {
	h := header{
		StreamID:            0xdeadbeefcafe,
		PayloadSize:         4096,
		FirstItemOffset:     17,
		NumItems:            321,
		SenderRank:          9,
		ReceiverLocalWorker: 3,
		SenderLocalWorker:   1,
	}
	buf := h.encode()
	require.Len(t, buf, headerSize)
	require.Equal(t, h, decodeHeader(buf))
}

func newPool(t *testing.T) *block.Pool {
	t.Helper()
	pool, err := block.NewPool(&block.PoolConfig{BlockSize: 64, SoftLimitBytes: 1 << 20})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

// makeBlock allocates a block in pool holding payload, with the given item
// metadata, ready to hand to Repository.Send (which takes ownership).
func makeBlock(t *testing.T, pool *block.Pool, payload []byte, firstItemOffset, numItems int) block.Block {
	t.Helper()
	pb, err := pool.AllocateByteBlock()
	require.NoError(t, err)
	copy(pb.Bytes(), payload)
	blk := block.NewBlock(pb.ByteBlock().Retain(), 0, len(payload), firstItemOffset, numItems)
	pb.Release()
	return blk
}

// readBlock pins blk and copies out its payload bytes.
func readBlock(t *testing.T, pool *block.Pool, blk block.Block) []byte {
	t.Helper()
	pb, err := pool.PinBlock(context.Background(), blk.BB)
	require.NoError(t, err)
	defer pb.Release()
	out := append([]byte(nil), pb.Bytes()[blk.Begin:blk.End]...)
	return out
}

func TestSend_IntraHostShortCircuit(t *testing.T) {
	ctx := context.Background()
	groups := inproc.NewGroup(1)
	defer groups[0].Shutdown()
	pool := newPool(t)
	// 1 host x 2 workers: worker 0 -> worker 1 never touches the network.
	id := worker.Identity{GlobalRank: 0, LocalRank: 0, Hosts: 1, WorkersPerHost: 2}
	repo := NewRepository(id, groups[0], pool, flog.Nop())
	repo.Start(ctx)

	const streamID = 7
	blk := makeBlock(t, pool, []byte("local hop"), 2, 3)
	require.NoError(t, repo.Send(ctx, streamID, 1, 0, blk))
	require.NoError(t, repo.CloseStream(ctx, streamID, 1, 0))

	q := repo.InboundQueue(streamID, 1, 0)
	src, err := q.GetReader(true)
	require.NoError(t, err)

	got, ok, err := src.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, got.FirstItemOffset)
	require.Equal(t, 3, got.NumItems)
	require.Equal(t, "local hop", string(readBlock(t, pool, got)))
	got.Release()

	_, ok, err = src.Next(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSend_CrossHost(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	groups := inproc.NewGroup(2)
	defer func() {
		_ = groups[0].Shutdown()
		_ = groups[1].Shutdown()
	}()
	pool0, pool1 := newPool(t), newPool(t)

	id0 := worker.Identity{GlobalRank: 0, LocalRank: 0, Hosts: 2, WorkersPerHost: 1}
	id1 := worker.Identity{GlobalRank: 1, LocalRank: 0, Hosts: 2, WorkersPerHost: 1}
	repo0 := NewRepository(id0, groups[0], pool0, flog.Nop())
	repo1 := NewRepository(id1, groups[1], pool1, flog.Nop())
	repo0.Start(ctx)
	repo1.Start(ctx)

	const streamID = 11
	done := make(chan error, 1)
	go func() {
		b1 := makeBlock(t, pool0, []byte("first"), 0, 1)
		if err := repo0.Send(ctx, streamID, 1, 0, b1); err != nil {
			done <- err
			return
		}
		b2 := makeBlock(t, pool0, []byte("second"), 0, 2)
		if err := repo0.Send(ctx, streamID, 1, 0, b2); err != nil {
			done <- err
			return
		}
		done <- repo0.CloseStream(ctx, streamID, 1, 0)
	}()

	q := repo1.InboundQueue(streamID, 0, 0)
	src, err := q.GetReader(true)
	require.NoError(t, err)

	var payloads []string
	var numItems []int
	for {
		blk, ok, err := src.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		payloads = append(payloads, string(readBlock(t, pool1, blk)))
		numItems = append(numItems, blk.NumItems)
		blk.Release()
	}
	require.NoError(t, <-done)
	require.Equal(t, []string{"first", "second"}, payloads)
	require.Equal(t, []int{1, 2}, numItems)
}
