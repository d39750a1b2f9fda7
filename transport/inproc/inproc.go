// Package inproc implements transport.Group for workers colocated in a
// single process, using net.Pipe for each peer connection in a full mesh.
// It is the transport used by single-process jobs and by this module's own
// end-to-end tests.
package inproc

import (
	"net"

	"github.com/joeycumines/go-flowdag/ferr"
	"github.com/joeycumines/go-flowdag/transport"
)

type group struct {
	rank      int
	size      int
	conns     []transport.Conn
	flowConns []transport.Conn
	*transport.Collectives
}

func (g *group) Rank() int { return g.rank }
func (g *group) Size() int { return g.size }

func (g *group) conn(conns []transport.Conn, peer int) (transport.Conn, error) {
	if peer == g.rank {
		return nil, ferr.New(ferr.ConfigError, "inproc: Conn to self")
	}
	if peer < 0 || peer >= g.size {
		return nil, ferr.New(ferr.ConfigError, "inproc: peer out of range")
	}
	return conns[peer], nil
}

func (g *group) Conn(peer int) (transport.Conn, error) {
	return g.conn(g.conns, peer)
}

func (g *group) FlowConn(peer int) (transport.Conn, error) {
	return g.conn(g.flowConns, peer)
}

func (g *group) Shutdown() error {
	var first error
	for _, conns := range [][]transport.Conn{g.conns, g.flowConns} {
		for _, c := range conns {
			if c == nil {
				continue
			}
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

// NewGroup constructs size in-process transport.Group endpoints connected
// in a full mesh, one per rank, ready for immediate use.
func NewGroup(size int) []transport.Group {
	if size <= 0 {
		panic("inproc: size must be positive")
	}
	mesh := func() [][]transport.Conn {
		conns := make([][]transport.Conn, size)
		for i := range conns {
			conns[i] = make([]transport.Conn, size)
		}
		for i := 0; i < size; i++ {
			for j := i + 1; j < size; j++ {
				a, b := net.Pipe()
				conns[i][j] = a
				conns[j][i] = b
			}
		}
		return conns
	}
	conns := mesh()
	flowConns := mesh()
	groups := make([]transport.Group, size)
	for i := 0; i < size; i++ {
		g := &group{rank: i, size: size, conns: conns[i], flowConns: flowConns[i]}
		g.Collectives = transport.NewCollectives(g)
		groups[i] = g
	}
	return groups
}
