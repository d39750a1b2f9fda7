// Package flowdag is the job entry point for go-flowdag, a distributed
// batch dataflow engine: a DAG of operators over partitioned in-memory/
// on-disk collections, built the same way on every worker and executed via
// the dia package's lazily-fused transform chains and forced shuffle/sort/
// reduce operators.
//
// Run constructs one Context per local worker of this host process and
// runs jobFunc on each concurrently via errgroup.Group ("start N things,
// fail fast, wait for all").
package flowdag

import (
	"context"
	"errors"
	"reflect"

	"github.com/joeycumines/go-flowdag/block"
	"github.com/joeycumines/go-flowdag/dia"
	"github.com/joeycumines/go-flowdag/ferr"
	"github.com/joeycumines/go-flowdag/flog"
	"github.com/joeycumines/go-flowdag/flowcontrol"
	"github.com/joeycumines/go-flowdag/mux"
	"github.com/joeycumines/go-flowdag/transport"
	"github.com/joeycumines/go-flowdag/worker"
	"golang.org/x/sync/errgroup"
)

// Context is the dia package's job-building/execution handle, re-exported
// at module root so job functions only need this package.
type Context = dia.Context

// GroupConfig describes one host process's participation in a job. Group
// must already be connected to every other host (transport/inproc and
// transport/tcp construct it); Run does not itself dial peers.
type GroupConfig struct {
	// Group is this host's transport.Group, sized to Hosts.
	Group transport.Group
	// Hosts is the total number of host processes in the job.
	Hosts int
	// WorkersPerHost is the number of local worker goroutines this host
	// runs jobFunc on concurrently. Defaults to 1.
	WorkersPerHost int
	// HostRank is this process's index in [0,Hosts).
	HostRank int
	// Pool configures the block.Pool shared by every local worker on this
	// host. A nil Pool is valid; see block.PoolConfig's field docs.
	Pool *block.PoolConfig
	// Logger is the base logger every Context's flog.Logger derives from.
	// Defaults to flog.Nop().
	Logger flog.Logger
}

// Run constructs the host's Repository, FlowControlChannel, and one
// Context per local worker, then runs jobFunc on each worker concurrently.
// It blocks until every worker's jobFunc returns. The first error cancels
// the ctx passed to the other local workers' jobFunc calls (threaded
// through every blocking call), and that first error is returned as
// *ferr.Error.
func Run(ctx context.Context, gc GroupConfig, jobFunc func(ctx context.Context, c *Context) error) error {
	if gc.Group == nil {
		panic("flowdag: nil GroupConfig.Group")
	}
	if gc.Hosts <= 0 {
		panic("flowdag: GroupConfig.Hosts must be positive")
	}
	if gc.WorkersPerHost <= 0 {
		gc.WorkersPerHost = 1
	}
	log := gc.Logger
	if reflect.ValueOf(log).IsZero() {
		log = flog.Nop()
	}

	pool, err := block.NewPool(gc.Pool)
	if err != nil {
		return err
	}
	defer pool.Close()

	hostIdentity := worker.Identity{
		GlobalRank:     gc.HostRank * gc.WorkersPerHost,
		LocalRank:      0,
		Hosts:          gc.Hosts,
		WorkersPerHost: gc.WorkersPerHost,
	}
	repo := mux.NewRepository(hostIdentity, gc.Group, pool, log)
	repo.Start(ctx)
	defer repo.Shutdown()

	channel := flowcontrol.New(gc.WorkersPerHost, gc.Group, &flowcontrol.Config{Logger: log})

	eg, egCtx := errgroup.WithContext(ctx)
	for local := 0; local < gc.WorkersPerHost; local++ {
		local := local
		eg.Go(func() error {
			identity := worker.Identity{
				GlobalRank:     gc.HostRank*gc.WorkersPerHost + local,
				LocalRank:      local,
				Hosts:          gc.Hosts,
				WorkersPerHost: gc.WorkersPerHost,
			}
			workerLog := log.WithWorker(identity.GlobalRank)
			c := dia.NewContext(identity, pool, repo, channel, workerLog)
			return jobFunc(egCtx, c)
		})
	}
	if err := eg.Wait(); err != nil {
		var fe *ferr.Error
		if errors.As(err, &fe) {
			return fe
		}
		return ferr.Wrap(ferr.UserException, err)
	}
	return nil
}
