// Package queue implements BlockQueue, a single-producer/single-consumer
// block pipe with close-notification and a consume/keep reader mode. The
// ring itself is code.hybscloud.com/lfq's lock-free SPSC buffer; Put/Next
// layer a condition-wait blocking idiom on top of lfq's non-blocking
// Enqueue/Dequeue, since BlockQueue's contract (Put blocks while full, Next
// blocks while empty) is a level above what a lock-free ring provides on
// its own.
package queue

import (
	"context"
	"sync"

	"code.hybscloud.com/lfq"

	"github.com/joeycumines/go-flowdag/block"
	"github.com/joeycumines/go-flowdag/blockio"
	"github.com/joeycumines/go-flowdag/ferr"
	"github.com/joeycumines/go-flowdag/file"
)

// DefaultCapacity is the default pipe capacity, in blocks, if Config.Capacity
// is left at zero.
const DefaultCapacity = 8

// Config configures a Queue. A nil Config is valid; see field docs for
// defaults.
type Config struct {
	// Capacity bounds the number of unconsumed blocks buffered in the pipe
	// before Put blocks. Defaults to DefaultCapacity.
	Capacity int
	// Keep, if true, additionally appends every block to an internal File
	// (backed by Pool) so the stream can be re-read after the queue closes.
	// If false (the default), the queue behaves as a pure pipe: each block
	// flows directly from producer to consumer and is not retained.
	Keep bool
	// Pool is required when Keep is true, to back the internal File.
	Pool *block.Pool
}

// Queue is a BlockQueue: a bounded SPSC pipe of block.Block values with a
// terminator delivered to the reader once Close is called and all buffered
// blocks have been drained.
type Queue struct {
	cap  int
	keep bool
	ring *lfq.SPSC[block.Block]

	mu     sync.Mutex
	cond   *sync.Cond
	length int // blocks currently buffered; lfq rounds its ring up to a power of two, so the configured capacity is enforced here
	closed bool

	keepFile *file.File
	keepSink blockio.Sink
}

// New constructs a Queue. cfg may be nil.
func New(cfg *Config) *Queue {
	c := Config{Capacity: DefaultCapacity}
	if cfg != nil {
		if cfg.Capacity > 0 {
			c.Capacity = cfg.Capacity
		}
		c.Keep = cfg.Keep
		c.Pool = cfg.Pool
	}
	ringCap := c.Capacity
	if ringCap < 2 {
		ringCap = 2
	}
	q := &Queue{cap: c.Capacity, keep: c.Keep, ring: lfq.NewSPSC[block.Block](ringCap)}
	q.cond = sync.NewCond(&q.mu)
	if c.Keep {
		if c.Pool == nil {
			panic("queue: Keep requires a non-nil Pool")
		}
		q.keepFile = file.New(c.Pool)
		sink, err := q.keepFile.GetWriter()
		if err != nil {
			panic("queue: unexpected error opening keep-file writer: " + err.Error())
		}
		q.keepSink = sink
	}
	return q
}

// Put appends b to the queue, blocking (cooperative suspension) while the
// pipe is at capacity. Put after Close returns a LogicError.
//
// Enqueue/Dequeue against the lfq ring happen under q.mu throughout, so
// the blocking wait and the lock-free ring's fullness/emptiness check are
// always consistent with each other: a Put that finds the ring full always
// either succeeds or parks inside the same critical section a waking
// Dequeue broadcasts from, so no wakeup is ever lost between the two.
func (q *Queue) Put(b block.Block) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return ferr.New(ferr.LogicError, "queue: Put after Close")
		}
		if q.length < q.cap {
			if err := q.ring.Enqueue(&b); err != nil {
				return ferr.Wrap(ferr.IoError, err)
			}
			q.length++
			break
		}
		q.cond.Wait()
	}
	if q.keep {
		if err := q.keepSink.Put(b.Retain()); err != nil {
			return err
		}
	}
	q.cond.Broadcast() // wake the consumer, if it's waiting on an empty ring
	return nil
}

// Close signals no further blocks will be Put. The reader observes a
// terminator (Next returning ok=false) once all buffered blocks are drained.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	if q.keep {
		return q.keepSink.Close()
	}
	return nil
}

// queueSource is the pipe-mode blockio.Source: it drains the Queue's lfq ring directly.
type queueSource struct {
	q *Queue
}

func (s *queueSource) Next(ctx context.Context) (block.Block, bool, error) {
	q := s.q
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		item, err := q.ring.Dequeue()
		if err == nil {
			q.length--
			q.cond.Broadcast() // space freed for Put
			return item, true, nil
		}
		if !lfq.IsWouldBlock(err) {
			return block.Block{}, false, ferr.Wrap(ferr.IoError, err)
		}
		if q.closed {
			return block.Block{}, false, nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return block.Block{}, false, cerr
		}
		q.cond.Wait()
	}
}

// GetReader returns a Source for this Queue's blocks.
//
// If the Queue was constructed with Keep: false, consume must be true (the
// pipe has no other way to deliver bytes); the reader drains the live pipe
// directly and is exclusive.
//
// If the Queue was constructed with Keep: true, consume selects between
// draining the pipe (consume=true, exclusive, one-shot) or reading the
// internal keep-File after Close (consume=false, re-readable, available
// only once the queue has been closed).
func (q *Queue) GetReader(consume bool) (blockio.Source, error) {
	if !q.keep && !consume {
		return nil, ferr.New(ferr.ConfigError, "queue: a non-keeping queue only supports a consuming reader")
	}
	if consume {
		return &queueSource{q: q}, nil
	}
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if !closed {
		return nil, ferr.New(ferr.LogicError, "queue: keep-mode reader requires the queue to be closed first")
	}
	return q.keepFile.GetReader(false)
}
