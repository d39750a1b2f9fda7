// Package tcp implements transport.Group over real TCP connections,
// bootstrapping a full mesh: every rank listens on its configured address,
// dials every lower-ranked peer, and accepts connections from every
// higher-ranked peer, exchanging an 8-byte handshake (rank and channel tag)
// so each side knows which peer a connection belongs to.
package tcp

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/joeycumines/go-flowdag/ferr"
	"github.com/joeycumines/go-flowdag/transport"
)

func dialWithRetry(addr string) (net.Conn, error) {
	const maxAttempts = 50
	backoff := 20 * time.Millisecond
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		c, err := net.Dial("tcp", addr)
		if err == nil {
			return c, nil
		}
		lastErr = err
		time.Sleep(backoff)
		if backoff < 500*time.Millisecond {
			backoff *= 2
		}
	}
	return nil, lastErr
}

// channel tags carried in the connection handshake: each peer pair keeps
// one data connection (owned by the Multiplexer's loops) and one
// flow-control connection (owned by the collectives), so the two can
// never consume each other's bytes.
const (
	chanData = 0
	chanFlow = 1
)

type group struct {
	rank      int
	size      int
	ln        net.Listener
	conns     []transport.Conn
	flowConns []transport.Conn
	*transport.Collectives
}

func (g *group) Rank() int { return g.rank }
func (g *group) Size() int { return g.size }

func (g *group) conn(conns []transport.Conn, peer int) (transport.Conn, error) {
	if peer == g.rank {
		return nil, ferr.New(ferr.ConfigError, "tcp: Conn to self")
	}
	if peer < 0 || peer >= g.size {
		return nil, ferr.New(ferr.ConfigError, "tcp: peer out of range")
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
	if err := g.ln.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

func sendRank(c net.Conn, rank, channel int) error {
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[:4], uint32(rank))
	binary.LittleEndian.PutUint32(buf[4:], uint32(channel))
	_, err := c.Write(buf[:])
	return err
}

func recvRank(c net.Conn) (rank, channel int, _ error) {
	var buf [8]byte
	if _, err := readFull(c, buf[:]); err != nil {
		return 0, 0, err
	}
	return int(binary.LittleEndian.Uint32(buf[:4])), int(binary.LittleEndian.Uint32(buf[4:])), nil
}

func readFull(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// NewGroup bootstraps a full-mesh TCP transport.Group for the rank'th
// process of a group whose every member's listen address is given by addrs
// (in rank order, addrs[rank] is this process's own listen address). Each
// peer pair establishes two connections, one per channel tag: the data
// connection handed out by Conn and the flow-control connection handed
// out by FlowConn.
//
// NewGroup blocks until every peer connection is established: it dials
// every peer of lower rank and accepts connections from every peer of
// higher rank, which requires every peer to call NewGroup at roughly the
// same time. A dial to a lower-ranked peer that is not yet listening is
// retried with a short backoff, up to 50 attempts.
func NewGroup(rank int, addrs []string) (transport.Group, error) {
	size := len(addrs)
	if rank < 0 || rank >= size {
		return nil, ferr.New(ferr.ConfigError, "tcp: rank out of range")
	}
	ln, err := net.Listen("tcp", addrs[rank])
	if err != nil {
		return nil, ferr.Wrap(ferr.IoError, err)
	}

	conns := make([]transport.Conn, size)
	flowConns := make([]transport.Conn, size)

	type accepted struct {
		peer    int
		channel int
		conn    net.Conn
		err     error
	}
	numInbound := 2 * (size - rank - 1)
	acceptCh := make(chan accepted, numInbound)
	go func() {
		for i := 0; i < numInbound; i++ {
			c, err := ln.Accept()
			if err != nil {
				acceptCh <- accepted{err: err}
				continue
			}
			peer, channel, err := recvRank(c)
			if err != nil {
				acceptCh <- accepted{err: err}
				continue
			}
			acceptCh <- accepted{peer: peer, channel: channel, conn: c}
		}
	}()

	for peer := 0; peer < rank; peer++ {
		for _, channel := range []int{chanData, chanFlow} {
			c, err := dialWithRetry(addrs[peer])
			if err != nil {
				return nil, ferr.Wrap(ferr.IoError, err)
			}
			if err := sendRank(c, rank, channel); err != nil {
				return nil, ferr.Wrap(ferr.IoError, err)
			}
			if channel == chanData {
				conns[peer] = c
			} else {
				flowConns[peer] = c
			}
		}
	}
	for i := 0; i < numInbound; i++ {
		a := <-acceptCh
		if a.err != nil {
			return nil, ferr.Wrap(ferr.IoError, a.err)
		}
		if a.channel == chanData {
			conns[a.peer] = a.conn
		} else {
			flowConns[a.peer] = a.conn
		}
	}

	g := &group{rank: rank, size: size, ln: ln, conns: conns, flowConns: flowConns}
	g.Collectives = transport.NewCollectives(g)
	return g, nil
}
