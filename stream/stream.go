// Package stream implements Stream, the network-shuffle block sink/source:
// a worker-level object identified by (stream_id, local_worker) that, for
// each global peer, owns one outbound
// blockio.Sink (routed through a mux.Repository, which applies the
// intra-host short-circuit) and one inbound blockio.Source (a queue.Queue
// fed by the Repository's receive loop). Two reader flavors are offered:
// CatReader concatenates peer sources in ascending peer-rank order;
// MixReader fans them in, in arrival order.
package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-flowdag/block"
	"github.com/joeycumines/go-flowdag/blockio"
	"github.com/joeycumines/go-flowdag/flog"
	"github.com/joeycumines/go-flowdag/mux"
	"github.com/joeycumines/go-flowdag/worker"
)

// Stream is one local worker's endpoint of a shuffle identified by ID,
// selected identically on every worker of the job.
type Stream struct {
	ID          uint64
	LocalWorker int

	identity worker.Identity
	repo     *mux.Repository
	pool     *block.Pool
	log      flog.Logger

	mu      sync.Mutex
	sinks   []blockio.Sink // one per global peer, lazily populated
	closed  bool
}

// New constructs a Stream. id must be chosen identically on every worker
// of the job.
func New(id uint64, localWorker int, identity worker.Identity, repo *mux.Repository, pool *block.Pool, log flog.Logger) *Stream {
	return &Stream{
		ID:          id,
		LocalWorker: localWorker,
		identity:    identity,
		repo:        repo,
		pool:        pool,
		log:         log.WithStream(id).WithWorker(identity.GlobalRank),
		sinks:       make([]blockio.Sink, identity.GlobalWorkers()),
	}
}

// peerSink is the blockio.Sink for one outbound peer, forwarding every
// finalized Block to the Multiplexer, which applies the intra-host
// short-circuit transparently.
type peerSink struct {
	s    *Stream
	peer int
}

func (p *peerSink) Put(b block.Block) error {
	return p.s.repo.Send(context.Background(), p.s.ID, p.peer, p.s.LocalWorker, b)
}

func (p *peerSink) Close() error {
	return p.s.repo.CloseStream(context.Background(), p.s.ID, p.peer, p.s.LocalWorker)
}

// OpenWriters returns one typed BlockWriter per global peer. Each Writer
// must be Close()'d by the
// caller (or via Stream.Close) to emit that peer's end-of-stream marker.
func OpenWriters[T any](s *Stream, codec blockio.Codec[T]) []*blockio.Writer[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	writers := make([]*blockio.Writer[T], len(s.sinks))
	for peer := range writers {
		sink := &peerSink{s: s, peer: peer}
		s.sinks[peer] = sink
		writers[peer] = blockio.NewWriter(s.pool, sink, codec)
	}
	return writers
}

// Close closes every writer opened via OpenWriters, sending each peer an
// end-of-stream marker; a writer that was already closed individually is
// closed again, which its queue ignores. Safe to call more than once.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var first error
	for _, sink := range s.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *Stream) peerSources() []blockio.Source {
	p := s.identity.GlobalWorkers()
	sources := make([]blockio.Source, p)
	for peer := 0; peer < p; peer++ {
		q := s.repo.InboundQueue(s.ID, s.LocalWorker, peer)
		src, err := q.GetReader(true)
		if err != nil {
			// a queue returns an error only for a non-consuming reader, and
			// this asks for a consuming one.
			panic("stream: unexpected inbound queue reader error: " + err.Error())
		}
		sources[peer] = src
	}
	return sources
}

// catSource concatenates a fixed list of blockio.Source in order.
type catSource struct {
	sources []blockio.Source
	idx     int
}

func (c *catSource) Next(ctx context.Context) (block.Block, bool, error) {
	for c.idx < len(c.sources) {
		b, ok, err := c.sources[c.idx].Next(ctx)
		if err != nil {
			return block.Block{}, false, err
		}
		if ok {
			return b, true, nil
		}
		c.idx++
	}
	return block.Block{}, false, nil
}

// OpenCatReader returns a BlockReader that concatenates every peer's
// inbound blocks in ascending peer-rank order: a deterministic,
// peer-id-ordered read order (CatStream).
func OpenCatReader[T any](s *Stream, codec blockio.Codec[T]) *blockio.Reader[T] {
	return blockio.NewReader(s.pool, &catSource{sources: s.peerSources()}, codec)
}

type mixItem[T any] struct {
	v   T
	err error
}

// MixReader merges every peer's inbound items in whatever order they
// become available (MixStream). Decoding happens per peer: an item split
// across two of one sender's blocks is reassembled from that sender's own
// block sequence before any other sender's items can interleave with it,
// so only whole items mix, never partial frames.
type MixReader[T any] struct {
	readers []*blockio.Reader[T]

	once      sync.Once
	ch        chan mixItem[T]
	remaining int32

	fetched   bool
	lookahead T
	lookDone  bool
	lookErr   error
}

func (m *MixReader[T]) start(ctx context.Context) {
	m.remaining = int32(len(m.readers))
	if m.remaining == 0 {
		close(m.ch)
		return
	}
	for _, r := range m.readers {
		r := r
		go func() {
			for r.HasNext(ctx) {
				v, err := r.Next(ctx)
				if err != nil {
					select {
					case m.ch <- mixItem[T]{err: err}:
					case <-ctx.Done():
					}
					return
				}
				select {
				case m.ch <- mixItem[T]{v: v}:
				case <-ctx.Done():
					return
				}
			}
			if err := r.Err(ctx); err != nil {
				select {
				case m.ch <- mixItem[T]{err: err}:
				case <-ctx.Done():
				}
				return
			}
			if atomic.AddInt32(&m.remaining, -1) == 0 {
				close(m.ch)
			}
		}()
	}
}

func (m *MixReader[T]) ensureLookahead(ctx context.Context) {
	m.once.Do(func() { m.start(ctx) })
	if m.fetched {
		return
	}
	m.fetched = true
	select {
	case <-ctx.Done():
		m.lookErr = ctx.Err()
	case it, ok := <-m.ch:
		if !ok {
			m.lookDone = true
			return
		}
		if it.err != nil {
			m.lookErr = it.err
			return
		}
		m.lookahead = it.v
	}
}

// HasNext reports whether another item is available from any peer,
// blocking until one arrives or every peer's end-of-stream is reached.
func (m *MixReader[T]) HasNext(ctx context.Context) bool {
	m.ensureLookahead(ctx)
	return m.lookErr == nil && !m.lookDone
}

// Err returns any error encountered while determining HasNext's result.
func (m *MixReader[T]) Err(ctx context.Context) error {
	m.ensureLookahead(ctx)
	return m.lookErr
}

// Next returns the next item. Calling Next when HasNext(ctx) is false is a
// programming error and panics.
func (m *MixReader[T]) Next(ctx context.Context) (T, error) {
	m.ensureLookahead(ctx)
	if m.lookErr != nil {
		var zero T
		return zero, m.lookErr
	}
	if m.lookDone {
		panic("stream: Next called with HasNext false")
	}
	v := m.lookahead
	var zero T
	m.lookahead = zero
	m.fetched = false
	return v, nil
}

// OpenMixReader returns a reader that merges every peer's inbound items
// in arrival order.
func OpenMixReader[T any](s *Stream, codec blockio.Codec[T]) *MixReader[T] {
	sources := s.peerSources()
	readers := make([]*blockio.Reader[T], len(sources))
	for i, src := range sources {
		readers[i] = blockio.NewReader(s.pool, src, codec)
	}
	return &MixReader[T]{readers: readers, ch: make(chan mixItem[T], len(readers))}
}
