// Package block implements the BlockPool and external-memory layer: the
// single per-process owner of all ByteBlocks, which evicts unpinned
// resident blocks to a backing file when a soft byte limit would
// otherwise be exceeded.
package block

import (
	"container/list"
	"context"
	"fmt"
	"io"
	"os"
	"reflect"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/joeycumines/go-flowdag/ferr"
	"github.com/joeycumines/go-flowdag/flog"
)

// DefaultBlockSize is the block size the dataflow core uses unless a
// component overrides it.
const DefaultBlockSize = 2 * 1024 * 1024

// PoolConfig configures a Pool. A nil Config is valid; see field docs for
// the documented zero-value defaults.
type PoolConfig struct {
	// BlockSize is the fixed size of every ByteBlock this Pool allocates.
	// Defaults to DefaultBlockSize.
	BlockSize int
	// SoftLimitBytes bounds resident bytes; exceeding it on allocation
	// triggers LRU eviction of unpinned blocks. Defaults to 256 MiB.
	SoftLimitBytes int64
	// HardLimitBytes is an upper bound the pool may only briefly exceed
	// while an eviction write is in flight; exceeding it steady-state fails
	// the allocation with OutOfMemory. Defaults to 2x SoftLimitBytes.
	HardLimitBytes int64
	// MaxConcurrentIO bounds concurrent eviction/pin-load disk operations.
	// Defaults to 4.
	MaxConcurrentIO int64
	// Dir is the directory backing the external file. Defaults to the
	// result of os.MkdirTemp("", "flowdag-blockpool-").
	Dir string
	// Logger receives lifecycle events (eviction, load) at Debug and
	// failures at Error. Defaults to flog.Nop().
	Logger flog.Logger
}

// Stats is a snapshot of a Pool's byte accounting.
type Stats struct {
	TotalBytes      int64 // resident + on-disk
	ResidentBytes   int64
	PinnedBytes     int64
	UnpinnedBytes   int64
	OnDiskBytes     int64
	AllocatedBlocks int64 // live ByteBlocks (refcount > 0)
}

type lruElem struct {
	bb *ByteBlock
	el *list.Element
}

// Pool is the single per-process owner of ByteBlocks.
type Pool struct {
	cfg    PoolConfig
	log    flog.Logger
	ioSem  *semaphore.Weighted
	ext    *externalFile
	nextID uint64

	mu            sync.Mutex
	lru           *list.List // of *ByteBlock, front = least recently used
	residentBytes int64
	pinnedBytes   int64
	onDiskBytes   int64
	blockCount    int64
}

// NewPool constructs a Pool. cfg may be nil.
func NewPool(cfg *PoolConfig) (*Pool, error) {
	c := PoolConfig{
		BlockSize:       DefaultBlockSize,
		SoftLimitBytes:  256 << 20,
		MaxConcurrentIO: 4,
		Logger:          flog.Nop(),
	}
	if cfg != nil {
		if cfg.BlockSize > 0 {
			c.BlockSize = cfg.BlockSize
		}
		if cfg.SoftLimitBytes > 0 {
			c.SoftLimitBytes = cfg.SoftLimitBytes
		}
		if cfg.HardLimitBytes > 0 {
			c.HardLimitBytes = cfg.HardLimitBytes
		}
		if cfg.MaxConcurrentIO > 0 {
			c.MaxConcurrentIO = cfg.MaxConcurrentIO
		}
		c.Dir = cfg.Dir
		if !reflect.ValueOf(cfg.Logger).IsZero() {
			c.Logger = cfg.Logger
		}
	}
	if c.HardLimitBytes == 0 {
		c.HardLimitBytes = c.SoftLimitBytes * 2
	}
	if c.HardLimitBytes < c.SoftLimitBytes {
		return nil, ferr.New(ferr.ConfigError, "block: HardLimitBytes must be >= SoftLimitBytes")
	}

	ext, err := newExternalFile(c.Dir)
	if err != nil {
		return nil, ferr.Wrap(ferr.IoError, err)
	}

	return &Pool{
		cfg:   c,
		log:   c.Logger,
		ioSem: semaphore.NewWeighted(c.MaxConcurrentIO),
		ext:   ext,
		lru:   list.New(),
	}, nil
}

// BlockSize returns the fixed size configured for this Pool.
func (p *Pool) BlockSize() int { return p.cfg.BlockSize }

// Stats returns a point-in-time snapshot of byte accounting.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		TotalBytes:      p.residentBytes + p.onDiskBytes,
		ResidentBytes:   p.residentBytes,
		PinnedBytes:     p.pinnedBytes,
		UnpinnedBytes:   p.residentBytes - p.pinnedBytes,
		OnDiskBytes:     p.onDiskBytes,
		AllocatedBlocks: p.blockCount,
	}
}

// AllocateByteBlock returns a new, pinned ByteBlock of the Pool's
// configured BlockSize. The caller owns one reference and one pin; it must
// eventually call UnpinBlock and Release (or PinnedBlock.Release, which
// does both).
func (p *Pool) AllocateByteBlock() (*PinnedBlock, error) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.blockCount++
	p.residentBytes += int64(p.cfg.BlockSize)
	p.pinnedBytes += int64(p.cfg.BlockSize)
	over := p.residentBytes > p.cfg.HardLimitBytes
	p.mu.Unlock()

	bb := newByteBlock(p, id, p.cfg.BlockSize)
	bb.state = residentPinned
	bb.pinCount = 1

	// The hard limit may only be briefly exceeded
	// while a write-out is in flight; try a synchronous eviction of other
	// unpinned blocks to bring residency back down before admitting this
	// allocation, and fail it outright if that isn't enough.
	if over {
		p.evictSyncUntilUnderHardLimit()
		p.mu.Lock()
		stillOver := p.residentBytes > p.cfg.HardLimitBytes
		p.mu.Unlock()
		if stillOver {
			p.destroy(bb)
			return nil, ferr.New(ferr.OutOfMemory, fmt.Sprintf(
				"block: resident bytes %d exceed hard limit %d even after eviction",
				p.residentBytes, p.cfg.HardLimitBytes))
		}
	}

	p.maybeEvictAsync()

	return &PinnedBlock{bb: bb, bytes: bb.buf}, nil
}

// evictSyncUntilUnderHardLimit synchronously evicts resident unpinned
// blocks, LRU-first, until residentBytes is back at or under
// HardLimitBytes or no further progress can be made. Bounded to one pass
// over the LRU list's current length so a victim that turns out to be
// unevictable (raced onto a pin) cannot spin the caller forever.
func (p *Pool) evictSyncUntilUnderHardLimit() {
	p.mu.Lock()
	attempts := p.lru.Len()
	p.mu.Unlock()

	for i := 0; i < attempts; i++ {
		p.mu.Lock()
		if p.residentBytes <= p.cfg.HardLimitBytes {
			p.mu.Unlock()
			return
		}
		front := p.lru.Front()
		var victim *ByteBlock
		if front != nil {
			victim, _ = front.Value.(*ByteBlock)
		}
		p.mu.Unlock()
		if victim == nil {
			return
		}
		_ = p.evict(victim)
	}
}

// PinBlock returns the resident, pinned bytes of bb, blocking (on a
// per-block condition variable) until an in-flight eviction completes or
// an on-disk block has
// been reloaded. ctx cancellation only takes effect at wait boundaries.
func (p *Pool) PinBlock(ctx context.Context, bb *ByteBlock) (*PinnedBlock, error) {
	bb.mu.Lock()
	for bb.state == evicting {
		bb.cond.Wait()
		if ctx.Err() != nil {
			bb.mu.Unlock()
			return nil, ctx.Err()
		}
	}

	if bb.state == onDisk {
		loc := bb.disk
		bb.mu.Unlock()

		if err := p.ioSem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		buf := make([]byte, bb.size)
		err := p.ext.readAt(buf, loc)
		p.ioSem.Release(1)
		if err != nil {
			return nil, ferr.Wrap(ferr.IoError, fmt.Errorf("block: reload block %d: %w", bb.id, err))
		}

		bb.mu.Lock()
		bb.buf = buf
		bb.state = residentPinned
		bb.pinCount++
		bb.mu.Unlock()

		p.mu.Lock()
		p.onDiskBytes -= int64(bb.size)
		p.residentBytes += int64(bb.size)
		p.pinnedBytes += int64(bb.size)
		over := p.residentBytes > p.cfg.HardLimitBytes
		p.mu.Unlock()

		if over {
			p.evictSyncUntilUnderHardLimit()
			p.mu.Lock()
			stillOver := p.residentBytes > p.cfg.HardLimitBytes
			p.mu.Unlock()
			if stillOver {
				bb.mu.Lock()
				bb.pinCount--
				rolledBack := bb.pinCount == 0
				if rolledBack {
					bb.state = onDisk
					bb.buf = nil
					bb.disk = loc
				}
				bb.mu.Unlock()
				if rolledBack {
					p.mu.Lock()
					p.residentBytes -= int64(bb.size)
					p.pinnedBytes -= int64(bb.size)
					p.onDiskBytes += int64(bb.size)
					p.mu.Unlock()
				}
				return nil, ferr.New(ferr.OutOfMemory, fmt.Sprintf(
					"block: reloading block %d would exceed hard limit %d even after eviction",
					bb.id, p.cfg.HardLimitBytes))
			}
		}

		p.log.Debug().Uint64("block_id", bb.id).Msg("reloaded evicted block")
		return &PinnedBlock{bb: bb.Retain(), bytes: bb.buf}, nil
	}

	// resident, pinned or unpinned
	if bb.state == residentUnpinned {
		p.removeFromLRU(bb)
		bb.state = residentPinned
		p.mu.Lock()
		p.pinnedBytes += int64(bb.size)
		p.mu.Unlock()
	}
	bb.pinCount++
	buf := bb.buf
	bb.mu.Unlock()

	return &PinnedBlock{bb: bb.Retain(), bytes: buf}, nil
}

// UnpinBlock marks bb evictable again, once its pin count reaches zero.
func (p *Pool) UnpinBlock(bb *ByteBlock) {
	bb.mu.Lock()
	if bb.pinCount == 0 {
		bb.mu.Unlock()
		return
	}
	bb.pinCount--
	becameUnpinned := bb.pinCount == 0 && bb.state == residentPinned
	if becameUnpinned {
		bb.state = residentUnpinned
	}
	bb.mu.Unlock()

	if becameUnpinned {
		p.mu.Lock()
		p.pinnedBytes -= int64(bb.size)
		el := p.lru.PushBack(bb)
		p.mu.Unlock()

		bb.mu.Lock()
		bb.lru = &lruElem{bb: bb, el: el}
		bb.mu.Unlock()

		p.maybeEvictAsync()
	}
}

// EvictBlock forces synchronous eviction of bb, even if the soft limit has
// not been reached. bb must currently be resident and unpinned.
func (p *Pool) EvictBlock(bb *ByteBlock) error {
	return p.evict(bb)
}

func (p *Pool) removeFromLRU(bb *ByteBlock) {
	if bb.lru == nil {
		return
	}
	p.mu.Lock()
	p.lru.Remove(bb.lru.el)
	p.mu.Unlock()
	bb.lru = nil
}

// maybeEvictAsync checks the soft limit and, if exceeded, spawns a
// background eviction of the least-recently-used unpinned block. This
// keeps the write-out off the allocating caller's path; PinBlock callers that race with
// the in-flight write observe residency==evicting and wait on the block's
// condition variable.
func (p *Pool) maybeEvictAsync() {
	p.mu.Lock()
	over := p.residentBytes > p.cfg.SoftLimitBytes
	var victim *ByteBlock
	if over {
		if front := p.lru.Front(); front != nil {
			victim, _ = front.Value.(*ByteBlock)
		}
	}
	p.mu.Unlock()

	if victim == nil {
		return
	}

	victim.mu.Lock()
	if victim.state != residentUnpinned {
		victim.mu.Unlock()
		return
	}
	victim.state = evicting
	victim.mu.Unlock()

	go func() {
		if err := p.doEvict(victim); err != nil {
			p.log.Error().Err(err).Uint64("block_id", victim.id).Msg("eviction failed")
		}
	}()
}

func (p *Pool) evict(bb *ByteBlock) error {
	bb.mu.Lock()
	if bb.state != residentUnpinned {
		bb.mu.Unlock()
		return nil
	}
	bb.state = evicting
	bb.mu.Unlock()
	return p.doEvict(bb)
}

func (p *Pool) doEvict(bb *ByteBlock) error {
	p.removeFromLRU(bb)

	ctx := context.Background()
	if err := p.ioSem.Acquire(ctx, 1); err != nil {
		return err
	}
	bb.mu.Lock()
	buf := bb.buf
	bb.mu.Unlock()
	loc, err := p.ext.append(buf)
	p.ioSem.Release(1)

	bb.mu.Lock()
	if err != nil {
		bb.state = residentUnpinned
		bb.mu.Unlock()
		bb.cond.Broadcast()
		return ferr.Wrap(ferr.IoError, fmt.Errorf("block: evict block %d: %w", bb.id, err))
	}
	bb.disk = loc
	bb.buf = nil
	bb.state = onDisk
	bb.mu.Unlock()
	bb.cond.Broadcast()

	p.mu.Lock()
	p.residentBytes -= int64(bb.size)
	p.onDiskBytes += int64(bb.size)
	p.mu.Unlock()

	p.log.Debug().Uint64("block_id", bb.id).Msg("evicted block to disk")
	return nil
}

func (p *Pool) destroy(bb *ByteBlock) {
	bb.mu.Lock()
	state := bb.state
	size := bb.size
	bb.mu.Unlock()

	p.removeFromLRU(bb)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.blockCount--
	switch state {
	case residentPinned, residentUnpinned:
		p.residentBytes -= int64(size)
		if state == residentPinned {
			p.pinnedBytes -= int64(size)
		}
	case onDisk:
		p.onDiskBytes -= int64(size)
	}
}

// Close releases the Pool's external file. It does not wait for
// in-flight evictions; callers must ensure no ByteBlocks are still live.
func (p *Pool) Close() error {
	return p.ext.close()
}

// externalFile is a simple append-only backing store for evicted blocks:
// each eviction appends at the current end offset; space from released
// blocks is never reclaimed, since the dataflow core is strictly
// non-transactional and a job runs to completion or aborts, so the temp
// file is discarded wholesale at job end.
type externalFile struct {
	mu     sync.Mutex
	f      *os.File
	offset int64
	dir    string
	owned  bool
}

func newExternalFile(dir string) (*externalFile, error) {
	owned := dir == ""
	if owned {
		var err error
		dir, err = os.MkdirTemp("", "flowdag-blockpool-")
		if err != nil {
			return nil, err
		}
	}
	f, err := os.CreateTemp(dir, "blocks-*.bin")
	if err != nil {
		return nil, err
	}
	return &externalFile{f: f, dir: dir, owned: owned}, nil
}

func (e *externalFile) append(buf []byte) (diskLocation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	off := e.offset
	n, err := e.f.WriteAt(buf, off)
	if err != nil {
		return diskLocation{}, err
	}
	e.offset += int64(n)
	return diskLocation{offset: off, length: int64(n)}, nil
}

func (e *externalFile) readAt(buf []byte, loc diskLocation) error {
	_, err := e.f.ReadAt(buf[:loc.length], loc.offset)
	if err == io.EOF && loc.length == int64(len(buf)) {
		err = nil
	}
	return err
}

func (e *externalFile) close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	name := e.f.Name()
	err := e.f.Close()
	_ = os.Remove(name)
	if e.owned {
		_ = os.RemoveAll(e.dir)
	}
	return err
}
