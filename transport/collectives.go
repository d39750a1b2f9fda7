package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"math"

	"github.com/joeycumines/go-flowdag/ferr"
)

// peerDialer is the minimal surface Collectives needs from a concrete
// Group implementation; both transport/inproc and transport/tcp embed a
// *Collectives built over themselves to get Barrier/Broadcast/AllReduce/
// PrefixSum/AllGather for free, rather than re-implementing rank-0-leader
// aggregation in every transport.
type peerDialer interface {
	Rank() int
	Size() int
	FlowConn(peer int) (Conn, error)
}

// Collectives implements Group's collective operations over any peerDialer
// using a simple rank-0-leader aggregation protocol carried on the
// dedicated flow-control connections (never the data connections, which
// the Multiplexer's receive loops own): every non-leader rank
// sends its local value to rank 0, which combines (always in ascending-rank
// order, which is a valid realization of both the "ordered" and "tree"
// reduction modes for an associative operator) and scatters results back.
// This is the same leader-aggregation model flowcontrol.Channel uses for
// its inter-host step, reused directly at the
// transport layer since nothing in this module distinguishes host-leader
// ranks from plain ranks.
type Collectives struct {
	b peerDialer
}

// NewCollectives wraps b with the leader-aggregation collectives.
func NewCollectives(b peerDialer) *Collectives {
	return &Collectives{b: b}
}

func writeFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func encodeValue(v Value) []byte {
	switch v.Kind {
	case KindInt64:
		buf := make([]byte, 9)
		buf[0] = byte(KindInt64)
		binary.LittleEndian.PutUint64(buf[1:], uint64(v.I))
		return buf
	case KindFloat64:
		buf := make([]byte, 9)
		buf[0] = byte(KindFloat64)
		binary.LittleEndian.PutUint64(buf[1:], math.Float64bits(v.F))
		return buf
	default:
		buf := make([]byte, 1+len(v.B))
		buf[0] = byte(KindBytes)
		copy(buf[1:], v.B)
		return buf
	}
}

func decodeValue(data []byte) (Value, error) {
	if len(data) < 1 {
		return Value{}, ferr.New(ferr.DecodeError, "transport: empty collective value frame")
	}
	switch Kind(data[0]) {
	case KindInt64:
		if len(data) != 9 {
			return Value{}, ferr.New(ferr.DecodeError, "transport: malformed int64 collective value")
		}
		return Int64Value(int64(binary.LittleEndian.Uint64(data[1:]))), nil
	case KindFloat64:
		if len(data) != 9 {
			return Value{}, ferr.New(ferr.DecodeError, "transport: malformed float64 collective value")
		}
		return Float64Value(math.Float64frombits(binary.LittleEndian.Uint64(data[1:]))), nil
	case KindBytes:
		out := make([]byte, len(data)-1)
		copy(out, data[1:])
		return BytesValue(out), nil
	default:
		return Value{}, ferr.New(ferr.DecodeError, "transport: unknown collective value kind")
	}
}

// EncodeValues serializes a slice of Values to an opaque byte blob, for
// callers (flowcontrol's host-level step) that need to ship a vector of
// Values through a single Group.AllGather/Broadcast round as KindBytes.
func EncodeValues(vals []Value) []byte { return encodeValues(vals) }

// DecodeValues is the inverse of EncodeValues.
func DecodeValues(data []byte) ([]Value, error) { return decodeValues(data) }

func encodeValues(vals []Value) []byte {
	var buf bytes.Buffer
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(vals)))
	buf.Write(n[:])
	for _, v := range vals {
		e := encodeValue(v)
		var l [4]byte
		binary.LittleEndian.PutUint32(l[:], uint32(len(e)))
		buf.Write(l[:])
		buf.Write(e)
	}
	return buf.Bytes()
}

func decodeValues(data []byte) ([]Value, error) {
	if len(data) < 4 {
		return nil, ferr.New(ferr.DecodeError, "transport: truncated collective vector")
	}
	n := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	vals := make([]Value, n)
	for i := range vals {
		if len(data) < 4 {
			return nil, ferr.New(ferr.DecodeError, "transport: truncated collective vector element")
		}
		l := binary.LittleEndian.Uint32(data[:4])
		data = data[4:]
		if uint32(len(data)) < l {
			return nil, ferr.New(ferr.DecodeError, "transport: truncated collective vector element payload")
		}
		v, err := decodeValue(data[:l])
		if err != nil {
			return nil, err
		}
		vals[i] = v
		data = data[l:]
	}
	return vals, nil
}

func sendValue(conn Conn, v Value) error { return writeFrame(conn, encodeValue(v)) }

func recvValue(conn Conn) (Value, error) {
	data, err := readFrame(conn)
	if err != nil {
		return Value{}, ferr.Wrap(ferr.IoError, err)
	}
	return decodeValue(data)
}

// gatherAtLeader returns the full P-element vector on rank 0 (nil on every
// other rank, which instead sends its value to rank 0 and returns).
func (c *Collectives) gatherAtLeader(ctx context.Context, local Value) ([]Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rank, size := c.b.Rank(), c.b.Size()
	if rank != 0 {
		conn, err := c.b.FlowConn(0)
		if err != nil {
			return nil, ferr.Wrap(ferr.IoError, err)
		}
		if err := sendValue(conn, local); err != nil {
			return nil, ferr.Wrap(ferr.IoError, err)
		}
		return nil, nil
	}
	vals := make([]Value, size)
	vals[0] = local
	for peer := 1; peer < size; peer++ {
		conn, err := c.b.FlowConn(peer)
		if err != nil {
			return nil, ferr.Wrap(ferr.IoError, err)
		}
		v, err := recvValue(conn)
		if err != nil {
			return nil, err
		}
		vals[peer] = v
	}
	return vals, nil
}

func (c *Collectives) broadcastScalarFromLeader(ctx context.Context, value Value) (Value, error) {
	rank, size := c.b.Rank(), c.b.Size()
	if rank == 0 {
		for peer := 1; peer < size; peer++ {
			conn, err := c.b.FlowConn(peer)
			if err != nil {
				return Value{}, ferr.Wrap(ferr.IoError, err)
			}
			if err := sendValue(conn, value); err != nil {
				return Value{}, ferr.Wrap(ferr.IoError, err)
			}
		}
		return value, nil
	}
	conn, err := c.b.FlowConn(0)
	if err != nil {
		return Value{}, ferr.Wrap(ferr.IoError, err)
	}
	return recvValue(conn)
}

func (c *Collectives) scatterFromLeader(ctx context.Context, values []Value) (Value, error) {
	rank, size := c.b.Rank(), c.b.Size()
	if rank == 0 {
		for peer := 1; peer < size; peer++ {
			conn, err := c.b.FlowConn(peer)
			if err != nil {
				return Value{}, ferr.Wrap(ferr.IoError, err)
			}
			if err := sendValue(conn, values[peer]); err != nil {
				return Value{}, ferr.Wrap(ferr.IoError, err)
			}
		}
		return values[0], nil
	}
	conn, err := c.b.FlowConn(0)
	if err != nil {
		return Value{}, ferr.Wrap(ferr.IoError, err)
	}
	return recvValue(conn)
}

func (c *Collectives) broadcastVectorFromLeader(ctx context.Context, vals []Value) ([]Value, error) {
	rank, size := c.b.Rank(), c.b.Size()
	if rank == 0 {
		payload := encodeValues(vals)
		for peer := 1; peer < size; peer++ {
			conn, err := c.b.FlowConn(peer)
			if err != nil {
				return nil, ferr.Wrap(ferr.IoError, err)
			}
			if err := writeFrame(conn, payload); err != nil {
				return nil, ferr.Wrap(ferr.IoError, err)
			}
		}
		return vals, nil
	}
	conn, err := c.b.FlowConn(0)
	if err != nil {
		return nil, ferr.Wrap(ferr.IoError, err)
	}
	data, err := readFrame(conn)
	if err != nil {
		return nil, ferr.Wrap(ferr.IoError, err)
	}
	return decodeValues(data)
}

// Barrier gathers a trivial value at the leader and releases every rank via
// a scalar broadcast.
func (c *Collectives) Barrier(ctx context.Context) error {
	_, err := c.gatherAtLeader(ctx, Int64Value(0))
	if err != nil {
		return err
	}
	_, err = c.broadcastScalarFromLeader(ctx, Int64Value(0))
	return err
}

// Broadcast returns root's value on every rank.
func (c *Collectives) Broadcast(ctx context.Context, value Value, root int) (Value, error) {
	rank := c.b.Rank()
	if root == 0 {
		return c.broadcastScalarFromLeader(ctx, value)
	}
	// route root's value through rank 0 first, then the usual leader
	// broadcast fans it out (including back to root, symmetrically with
	// every other non-leader rank).
	switch rank {
	case root:
		conn, err := c.b.FlowConn(0)
		if err != nil {
			return Value{}, ferr.Wrap(ferr.IoError, err)
		}
		if err := sendValue(conn, value); err != nil {
			return Value{}, ferr.Wrap(ferr.IoError, err)
		}
	case 0:
		conn, err := c.b.FlowConn(root)
		if err != nil {
			return Value{}, ferr.Wrap(ferr.IoError, err)
		}
		v, err := recvValue(conn)
		if err != nil {
			return Value{}, err
		}
		value = v
	}
	return c.broadcastScalarFromLeader(ctx, value)
}

// AllReduce folds every rank's local value via op, always in ascending-rank
// order (a valid realization of both "ordered" and "tree" modes for an
// associative op), and broadcasts the result.
func (c *Collectives) AllReduce(ctx context.Context, local Value, op Op, ordered bool) (Value, error) {
	vals, err := c.gatherAtLeader(ctx, local)
	if err != nil {
		return Value{}, err
	}
	var result Value
	if c.b.Rank() == 0 {
		result = vals[0]
		for i := 1; i < len(vals); i++ {
			result = op(result, vals[i])
		}
	}
	return c.broadcastScalarFromLeader(ctx, result)
}

// PrefixSum returns this rank's prefix over op starting from init.
func (c *Collectives) PrefixSum(ctx context.Context, local Value, init Value, op Op, inclusive bool) (Value, error) {
	vals, err := c.gatherAtLeader(ctx, local)
	if err != nil {
		return Value{}, err
	}
	var prefixes []Value
	if c.b.Rank() == 0 {
		prefixes = make([]Value, len(vals))
		acc := init
		for i, v := range vals {
			if inclusive {
				acc = op(acc, v)
				prefixes[i] = acc
			} else {
				prefixes[i] = acc
				acc = op(acc, v)
			}
		}
	}
	return c.scatterFromLeader(ctx, prefixes)
}

// AllGather returns the P-element vector of every rank's local value.
func (c *Collectives) AllGather(ctx context.Context, local Value) ([]Value, error) {
	vals, err := c.gatherAtLeader(ctx, local)
	if err != nil {
		return nil, err
	}
	return c.broadcastVectorFromLeader(ctx, vals)
}
