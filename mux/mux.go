// Package mux implements the Multiplexer: the per-process router between
// the byte transport and Stream objects. A Repository is shared by every
// local worker of one host/process: it owns
// one transport connection per remote host and demultiplexes inbound bytes
// into the correct (stream_id, local_worker, sender) inbound queue, keyed
// off the fixed wire header.
package mux

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/joeycumines/go-flowdag/block"
	"github.com/joeycumines/go-flowdag/ferr"
	"github.com/joeycumines/go-flowdag/flog"
	"github.com/joeycumines/go-flowdag/queue"
	"github.com/joeycumines/go-flowdag/transport"
	"github.com/joeycumines/go-flowdag/worker"
)

// headerSize is the fixed wire header size: stream_id(8) + payload_size(8)
// + first_item_offset(8) + num_items(8) + sender_rank(4) +
// receiver_local_worker(4) + sender_local_worker(4).
const headerSize = 8 + 8 + 8 + 8 + 4 + 4 + 4

type header struct {
	StreamID            uint64
	PayloadSize         uint64
	FirstItemOffset     uint64
	NumItems            uint64
	SenderRank          uint32
	ReceiverLocalWorker uint32
	SenderLocalWorker   uint32
}

func (h header) encode() []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.StreamID)
	binary.LittleEndian.PutUint64(buf[8:16], h.PayloadSize)
	binary.LittleEndian.PutUint64(buf[16:24], h.FirstItemOffset)
	binary.LittleEndian.PutUint64(buf[24:32], h.NumItems)
	binary.LittleEndian.PutUint32(buf[32:36], h.SenderRank)
	binary.LittleEndian.PutUint32(buf[36:40], h.ReceiverLocalWorker)
	binary.LittleEndian.PutUint32(buf[40:44], h.SenderLocalWorker)
	return buf
}

func decodeHeader(buf []byte) header {
	return header{
		StreamID:            binary.LittleEndian.Uint64(buf[0:8]),
		PayloadSize:         binary.LittleEndian.Uint64(buf[8:16]),
		FirstItemOffset:     binary.LittleEndian.Uint64(buf[16:24]),
		NumItems:            binary.LittleEndian.Uint64(buf[24:32]),
		SenderRank:          binary.LittleEndian.Uint32(buf[32:36]),
		ReceiverLocalWorker: binary.LittleEndian.Uint32(buf[36:40]),
		SenderLocalWorker:   binary.LittleEndian.Uint32(buf[40:44]),
	}
}

type inboundKey struct {
	streamID    uint64
	localWorker int
	senderRank  int
}

// Repository is the per-host Multiplexer: one instance shared by every
// local worker of a process, owning the process's transport connections to
// every other host.
type Repository struct {
	identity worker.Identity
	group    transport.Group
	pool     *block.Pool
	log      flog.Logger

	mu       sync.Mutex
	inbound  map[inboundKey]*queue.Queue
	sendMu   []sync.Mutex
	started  bool
	firstErr error
}

// NewRepository constructs a Repository for a host whose transport.Group
// has one endpoint per host (size == identity.Hosts).
func NewRepository(identity worker.Identity, group transport.Group, pool *block.Pool, log flog.Logger) *Repository {
	return &Repository{
		identity: identity,
		group:    group,
		pool:     pool,
		log:      log,
		inbound:  make(map[inboundKey]*queue.Queue),
		sendMu:   make([]sync.Mutex, identity.Hosts),
	}
}

// Start launches one receive-loop goroutine per remote host. Must be
// called once before any stream traffic is expected.
func (r *Repository) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	for h := 0; h < r.identity.Hosts; h++ {
		if h == r.identity.Host() {
			continue
		}
		go r.recvLoop(ctx, h)
	}
}

func (r *Repository) recordErr(err error) {
	r.mu.Lock()
	if r.firstErr == nil {
		r.firstErr = err
	}
	r.mu.Unlock()
	r.log.Error().Err(err).Msg("mux: receive loop failed")
}

func (r *Repository) recvLoop(ctx context.Context, peerHost int) {
	conn, err := r.group.Conn(peerHost)
	if err != nil {
		r.recordErr(err)
		return
	}
	hdrBuf := make([]byte, headerSize)
	for {
		if _, err := io.ReadFull(conn, hdrBuf); err != nil {
			// a clean EOF or our own Shutdown closing the connection is
			// the normal end of this loop, not a failure.
			if err != io.EOF && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, net.ErrClosed) {
				r.recordErr(ferr.Wrap(ferr.IoError, err))
			}
			return
		}
		h := decodeHeader(hdrBuf)

		if h.PayloadSize == 0 {
			q := r.inboundQueueFor(int(h.StreamID), int(h.ReceiverLocalWorker), int(h.SenderRank))
			_ = q.Close()
			continue
		}

		pb, err := r.pool.AllocateByteBlock()
		if err != nil {
			r.recordErr(err)
			return
		}
		if _, err := io.ReadFull(conn, pb.Bytes()[:h.PayloadSize]); err != nil {
			pb.Release()
			r.recordErr(ferr.Wrap(ferr.IoError, err))
			return
		}
		blk := block.NewBlock(pb.ByteBlock().Retain(), 0, int(h.PayloadSize), int(h.FirstItemOffset), int(h.NumItems))
		pb.Release()

		q := r.inboundQueueFor(int(h.StreamID), int(h.ReceiverLocalWorker), int(h.SenderRank))
		if err := q.Put(blk); err != nil {
			r.recordErr(err)
			return
		}
	}
}

// InboundQueue returns (creating if necessary) the inbound queue carrying
// data for streamID destined for localWorker, originating from the given
// global sender rank.
func (r *Repository) InboundQueue(streamID uint64, localWorker int, senderGlobalRank int) *queue.Queue {
	return r.inboundQueueFor(int(streamID), localWorker, senderGlobalRank)
}

func (r *Repository) inboundQueueFor(streamID int, localWorker int, senderRank int) *queue.Queue {
	k := inboundKey{streamID: uint64(streamID), localWorker: localWorker, senderRank: senderRank}
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.inbound[k]
	if !ok {
		q = queue.New(nil)
		r.inbound[k] = q
	}
	return q
}

// Send ships blk (which the caller must not use afterward) to
// destGlobalRank's local worker for streamID, as sent from senderLocalWorker
// on this host. If destGlobalRank is on this host, Send short-circuits
// directly into the destination's inbound queue without touching the
// network.
func (r *Repository) Send(ctx context.Context, streamID uint64, destGlobalRank int, senderLocalWorker int, blk block.Block) error {
	destHost := r.identity.HostOf(destGlobalRank)
	destLocalWorker := destGlobalRank - destHost*r.identity.WorkersPerHost
	senderGlobalRank := r.identity.Host()*r.identity.WorkersPerHost + senderLocalWorker

	if destHost == r.identity.Host() {
		q := r.inboundQueueFor(int(streamID), destLocalWorker, senderGlobalRank)
		return q.Put(blk)
	}
	return r.sendRemote(ctx, destHost, streamID, destLocalWorker, senderGlobalRank, senderLocalWorker, blk)
}

// CloseStream signals end-of-stream for streamID from senderLocalWorker on
// this host to destGlobalRank's local worker.
func (r *Repository) CloseStream(ctx context.Context, streamID uint64, destGlobalRank int, senderLocalWorker int) error {
	destHost := r.identity.HostOf(destGlobalRank)
	destLocalWorker := destGlobalRank - destHost*r.identity.WorkersPerHost
	senderGlobalRank := r.identity.Host()*r.identity.WorkersPerHost + senderLocalWorker

	if destHost == r.identity.Host() {
		q := r.inboundQueueFor(int(streamID), destLocalWorker, senderGlobalRank)
		return q.Close()
	}
	conn, err := r.group.Conn(destHost)
	if err != nil {
		return ferr.Wrap(ferr.IoError, err)
	}
	h := header{
		StreamID:            streamID,
		PayloadSize:         0,
		SenderRank:          uint32(senderGlobalRank),
		ReceiverLocalWorker: uint32(destLocalWorker),
		SenderLocalWorker:   uint32(senderLocalWorker),
	}
	r.sendMu[destHost].Lock()
	defer r.sendMu[destHost].Unlock()
	_, err = conn.Write(h.encode())
	if err != nil {
		return ferr.Wrap(ferr.IoError, err)
	}
	return nil
}

func (r *Repository) sendRemote(ctx context.Context, destHost int, streamID uint64, destLocalWorker, senderGlobalRank, senderLocalWorker int, blk block.Block) error {
	conn, err := r.group.Conn(destHost)
	if err != nil {
		blk.Release()
		return ferr.Wrap(ferr.IoError, err)
	}
	pb, err := r.pool.PinBlock(ctx, blk.BB)
	if err != nil {
		blk.Release()
		return ferr.Wrap(ferr.IoError, err)
	}
	payload := pb.Bytes()[blk.Begin:blk.End]
	h := header{
		StreamID:            streamID,
		PayloadSize:         uint64(len(payload)),
		FirstItemOffset:     uint64(blk.FirstItemOffset),
		NumItems:            uint64(blk.NumItems),
		SenderRank:          uint32(senderGlobalRank),
		ReceiverLocalWorker: uint32(destLocalWorker),
		SenderLocalWorker:   uint32(senderLocalWorker),
	}

	r.sendMu[destHost].Lock()
	_, werr := conn.Write(h.encode())
	if werr == nil {
		_, werr = conn.Write(payload)
	}
	r.sendMu[destHost].Unlock()

	pb.Release()
	blk.Release()
	if werr != nil {
		return ferr.Wrap(ferr.IoError, werr)
	}
	return nil
}

// Err returns the first receive-loop failure observed by this Repository,
// or nil. Receive loops run detached, so their failures surface here (and
// from Shutdown) rather than from any single Send call.
func (r *Repository) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.firstErr
}

// Shutdown closes every host connection; draining is the caller's
// responsibility (every Stream must be Closed first). Reports the first
// receive-loop failure, if any.
func (r *Repository) Shutdown() error {
	loopErr := r.Err() // snapshot before our own close tears the loops down
	err := r.group.Shutdown()
	if loopErr != nil {
		return loopErr
	}
	return err
}
