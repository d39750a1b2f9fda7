// Package flowcontrol implements the FlowControlChannel collectives:
// Barrier, Broadcast, AllReduce, PrefixSum, and AllGather over the worker
// group, modeled as a two-level protocol - local workers on one host
// synchronize through an in-process barrier and a shared scratch area,
// while one worker per host performs the inter-host step over the
// transport.Group and publishes the result back to its local peers.
//
// This Channel picks whichever local worker happens to complete the
// barrier last as that generation's inter-host actor, rather than pinning
// the role to local rank 0: every local worker blocks until the inter-host
// step is done either way, so which goroutine performs it is not
// externally observable, and
// rotating the actor avoids a hot single thread for every collective in a
// job with many local workers per host.
package flowcontrol

import (
	"context"
	"sync"

	"github.com/joeycumines/go-flowdag/ferr"
	"github.com/joeycumines/go-flowdag/flog"
	"github.com/joeycumines/go-flowdag/transport"
)

// Config configures a Channel. A nil Config is valid; see field docs for
// defaults.
type Config struct {
	// Logger receives Debug events on collective entry/exit and Error on
	// failure. Defaults to flog.Nop().
	Logger flog.Logger
}

// Channel is one process's FlowControlChannel, shared by every local
// worker on a host. Workers is the number of local workers that must call
// each collective before it completes.
type Channel struct {
	workers int
	group   transport.Group
	log     flog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	gen     uint64
	arrived int
	slots   []transport.Value
	result  []transport.Value
	err     error
}

// New constructs a Channel for workers local workers sharing group (the
// host-level transport.Group). cfg may be
// nil.
func New(workers int, group transport.Group, cfg *Config) *Channel {
	if workers <= 0 {
		panic("flowcontrol: workers must be positive")
	}
	if group == nil {
		panic("flowcontrol: nil group")
	}
	log := flog.Nop()
	if cfg != nil {
		log = cfg.Logger
	}
	c := &Channel{
		workers: workers,
		group:   group,
		log:     log,
		slots:   make([]transport.Value, workers),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// round is the shared barrier-and-inter-host-step primitive: every local
// worker calls round with its localRank and local contribution; the
// generation's finisher is invoked exactly once, by whichever caller
// completes the barrier (arrives last), with the full, local-rank-ordered
// contribution slice; its returned slice (same length) is published to
// every waiter, who receives the entry at its own localRank.
func (c *Channel) round(ctx context.Context, localRank int, contribution transport.Value, finisher func(ctx context.Context, contributions []transport.Value) ([]transport.Value, error)) (transport.Value, error) {
	if localRank < 0 || localRank >= c.workers {
		panic("flowcontrol: localRank out of range")
	}
	if err := ctx.Err(); err != nil {
		return transport.Value{}, err
	}

	c.mu.Lock()
	myGen := c.gen
	c.slots[localRank] = contribution
	c.arrived++
	actor := c.arrived == c.workers
	c.mu.Unlock()

	if actor {
		contributions := make([]transport.Value, c.workers)
		c.mu.Lock()
		copy(contributions, c.slots)
		c.mu.Unlock()

		result, err := finisher(ctx, contributions)

		c.mu.Lock()
		c.result = result
		c.err = err
		c.arrived = 0
		c.gen++
		c.mu.Unlock()
		c.cond.Broadcast()

		if err != nil {
			c.log.Error().Err(err).Msg("flowcontrol: collective failed")
			return transport.Value{}, err
		}
		return result[localRank], nil
	}

	c.mu.Lock()
	for c.gen == myGen {
		c.cond.Wait()
		if err := ctx.Err(); err != nil {
			c.mu.Unlock()
			return transport.Value{}, err
		}
	}
	err := c.err
	var result transport.Value
	if err == nil {
		result = c.result[localRank]
	}
	c.mu.Unlock()
	return result, err
}

// Barrier returns only after every local worker on this host has called
// it, and the host-level step has completed across every host.
func (c *Channel) Barrier(ctx context.Context, localRank int) error {
	_, err := c.round(ctx, localRank, transport.Int64Value(0), func(ctx context.Context, _ []transport.Value) ([]transport.Value, error) {
		if err := c.group.Barrier(ctx); err != nil {
			return nil, ferr.Wrap(ferr.IoError, err)
		}
		return make([]transport.Value, c.workers), nil
	})
	return err
}

// Broadcast returns the value of the worker at (rootHost, rootLocalRank) on
// every local worker; rootHost is compared with thisHost to determine
// whether the root is local to this host.
func (c *Channel) Broadcast(ctx context.Context, localRank int, value transport.Value, rootHost int, rootLocalRank int, thisHost int) (transport.Value, error) {
	return c.round(ctx, localRank, value, func(ctx context.Context, contributions []transport.Value) ([]transport.Value, error) {
		var local transport.Value
		if thisHost == rootHost {
			local = contributions[rootLocalRank]
		}
		v, err := c.group.Broadcast(ctx, local, rootHost)
		if err != nil {
			return nil, ferr.Wrap(ferr.IoError, err)
		}
		out := make([]transport.Value, c.workers)
		for i := range out {
			out[i] = v
		}
		return out, nil
	})
}

// AllReduce folds every global worker's local value via op (associative;
// commutative unless ordered is true, in which case the fold is performed
// strictly ascending by global rank) and returns the result to every local
// worker.
func (c *Channel) AllReduce(ctx context.Context, localRank int, local transport.Value, op transport.Op, ordered bool) (transport.Value, error) {
	return c.round(ctx, localRank, local, func(ctx context.Context, contributions []transport.Value) ([]transport.Value, error) {
		hostLocal := contributions[0]
		for i := 1; i < len(contributions); i++ {
			hostLocal = op(hostLocal, contributions[i])
		}
		v, err := c.group.AllReduce(ctx, hostLocal, op, ordered)
		if err != nil {
			return nil, ferr.Wrap(ferr.IoError, err)
		}
		out := make([]transport.Value, c.workers)
		for i := range out {
			out[i] = v
		}
		return out, nil
	})
}

// PrefixSum returns localRank's prefix over op, in ascending-global-rank
// order, inclusive or exclusive.
func (c *Channel) PrefixSum(ctx context.Context, localRank int, local transport.Value, init transport.Value, op transport.Op, inclusive bool) (transport.Value, error) {
	return c.round(ctx, localRank, local, func(ctx context.Context, contributions []transport.Value) ([]transport.Value, error) {
		localPrefix := make([]transport.Value, len(contributions))
		acc := contributions[0]
		localPrefix[0] = acc
		for i := 1; i < len(contributions); i++ {
			acc = op(acc, contributions[i])
			localPrefix[i] = acc
		}
		hostTotal := localPrefix[len(localPrefix)-1]

		hostExclusive, err := c.group.PrefixSum(ctx, hostTotal, init, op, false)
		if err != nil {
			return nil, ferr.Wrap(ferr.IoError, err)
		}

		out := make([]transport.Value, len(contributions))
		for i := range out {
			if inclusive {
				out[i] = op(hostExclusive, localPrefix[i])
			} else if i == 0 {
				out[i] = hostExclusive
			} else {
				out[i] = op(hostExclusive, localPrefix[i-1])
			}
		}
		return out, nil
	})
}

// AllGather returns the full P-element vector of every global worker's
// local value, in ascending-global-rank order, identically to every local
// worker. hostCount sizes the flattened vector when the per-host blobs are
// put back into global-rank order (hosts are assumed contiguous blocks of
// workers, per worker.Identity's layout).
func (c *Channel) AllGather(ctx context.Context, localRank int, local transport.Value, hostCount int) ([]transport.Value, error) {
	v, err := c.round(ctx, localRank, local, func(ctx context.Context, contributions []transport.Value) ([]transport.Value, error) {
		blob := transport.BytesValue(transport.EncodeValues(contributions))
		vals, err := c.group.AllGather(ctx, blob)
		if err != nil {
			return nil, ferr.Wrap(ferr.IoError, err)
		}
		flat := make([]transport.Value, 0, hostCount*c.workers)
		for _, hv := range vals {
			perHost, derr := transport.DecodeValues(hv.B)
			if derr != nil {
				return nil, derr
			}
			flat = append(flat, perHost...)
		}
		encoded := transport.BytesValue(transport.EncodeValues(flat))
		out := make([]transport.Value, c.workers)
		for i := range out {
			out[i] = encoded
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return transport.DecodeValues(v.B)
}
