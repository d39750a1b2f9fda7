// Package dia implements the DIA dataflow layer: a DAG of lazily-fused
// local transforms (LOps) punctuated by forced operators (DOps) that
// shuffle through stream.Stream, spill through reduce.Table/sortx.Sort,
// or synchronize through flowcontrol.Channel.
//
// Construction is single-threaded and symmetric: every worker runs the same
// job function and therefore builds a structurally identical graph in the
// same order, so stream IDs are assigned by a simple per-Context counter
// rather than a cross-worker negotiation.
package dia

import (
	"github.com/joeycumines/go-flowdag/block"
	"github.com/joeycumines/go-flowdag/flog"
	"github.com/joeycumines/go-flowdag/flowcontrol"
	"github.com/joeycumines/go-flowdag/mux"
	"github.com/joeycumines/go-flowdag/worker"
)

// Context bundles everything a job function needs to build and execute a
// DIA graph on one worker: group membership, the block pool backing every
// File/Stream allocated during this run, the multiplexer routing shuffle
// traffic, the flow-control channel backing collectives, and a logger.
type Context struct {
	Identity worker.Identity
	Pool     *block.Pool
	Repo     *mux.Repository
	Channel  *flowcontrol.Channel
	Log      flog.Logger

	nextStream uint64
}

// NewContext constructs a Context for one worker of a job.
func NewContext(identity worker.Identity, pool *block.Pool, repo *mux.Repository, channel *flowcontrol.Channel, log flog.Logger) *Context {
	return &Context{Identity: identity, Pool: pool, Repo: repo, Channel: channel, Log: log}
}

// newStreamID hands out the next stream ID in program order. Because every
// worker executes the same job function, the Nth call to newStreamID across
// the whole job always corresponds to the same DOp, on every worker.
func (ctx *Context) newStreamID() uint64 {
	id := ctx.nextStream
	ctx.nextStream++
	return id
}

// LocalRank identifies this worker for flowcontrol purposes: flowcontrol.Channel
// is shared by every local worker of a host and keyed by caller-supplied rank,
// so each Context threads its own worker's local rank through every Channel
// call explicitly rather than storing it redundantly.
func (ctx *Context) LocalRank() int { return ctx.Identity.LocalRank }
