// Package blockio implements the typed BlockWriter/BlockReader layer:
// translating language-level values to and from sequences of block.Block,
// tracking item boundaries so a reader can restart at any block
// (File/BlockQueue/Stream rely on this).
package blockio

import (
	"context"

	"github.com/joeycumines/go-flowdag/block"
)

// Sink receives finalized Block views, in order. Implemented by File
// writers, BlockQueue writers, and per-peer Stream writers.
type Sink interface {
	Put(b block.Block) error
	// Close signals no further blocks will be written.
	Close() error
}

// Source yields Block views, in order, blocking until the next Block is
// available. Implemented
// by File iterators, BlockQueue consumers, and Stream receivers.
//
// Next returns ok=false, err=nil exactly once, at the true end of the
// source; further calls are undefined.
type Source interface {
	Next(ctx context.Context) (b block.Block, ok bool, err error)
}
