// Package partition implements the receiver-side partitioner (spec
// §4.6): splitting the block-id space across up to two connections to
// different server endpoints, relaying each connection's progress to
// its sibling as a SendStop call, and closing the shared output sink
// once both sides report completion. Grounded on the reference
// implementation's download() (original_source/cmb_protocol/client.py),
// generalized from its two-nursery structure to two goroutines
// rendezvousing on Connection.Done.
package partition

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/felixschorer/cmb-protocol/internal/connio"
	"github.com/felixschorer/cmb-protocol/internal/fec"
	"github.com/felixschorer/cmb-protocol/internal/receiver"
	"github.com/felixschorer/cmb-protocol/internal/store"
	"github.com/felixschorer/cmb-protocol/internal/util"
	"github.com/felixschorer/cmb-protocol/internal/wire"
)

// Endpoint is one server target the receiver is configured to pull
// from, with its requested sending rate.
type Endpoint struct {
	Addr        string
	SendingRate uint32
}

// Session owns the sink and the up-to-two connections pulling one
// resource into it.
type Session struct {
	sink store.Sink

	sockets []*connio.Socket
	conns   []*receiver.Connection
}

// Open starts a session against one or two endpoints, binding a real
// UDP socket per endpoint. With two endpoints, the first requests the
// block range forward from 0 and the second requests it in REVERSE from
// the top, converging in the middle per spec §4.6.
func Open(ctx context.Context, hash [16]byte, length uint64, endpoints []Endpoint, outputPath string) (*Session, error) {
	if len(endpoints) == 0 || len(endpoints) > 2 {
		return nil, fmt.Errorf("partition: need 1 or 2 endpoints, got %d", len(endpoints))
	}

	sink, err := store.NewSink(outputPath, length)
	if err != nil {
		return nil, fmt.Errorf("partition: opening output: %w", err)
	}

	var sockets []*connio.Socket
	specs := make([]connSpec, len(endpoints))
	for i, ep := range endpoints {
		remote, err := net.ResolveUDPAddr("udp", ep.Addr)
		if err != nil {
			closeAll(sockets)
			return nil, fmt.Errorf("partition: resolving %s: %w", ep.Addr, err)
		}
		conn, err := net.ListenPacket("udp", ":0")
		if err != nil {
			closeAll(sockets)
			return nil, fmt.Errorf("partition: binding local socket: %w", err)
		}
		socket := connio.New(conn)
		sockets = append(sockets, socket)
		specs[i] = connSpec{socket: socket, remote: remote, sendingRate: ep.SendingRate}
	}

	return newSession(ctx, hash, length, sink, sockets, specs)
}

// connSpec is one connection's socket, remote address, and requested
// rate, independent of how the socket was obtained — a real bound UDP
// socket in production, an in-memory mocknet one in tests.
type connSpec struct {
	socket      *connio.Socket
	remote      net.Addr
	sendingRate uint32
}

// newSession builds the receiver.Connection actors and wires sibling
// SendStop notifications, given already-constructed sockets. Split out
// from Open so tests can supply sockets over an in-memory transport
// without going through a real UDP bind.
func newSession(ctx context.Context, hash [16]byte, length uint64, sink store.Sink, sockets []*connio.Socket, specs []connSpec) (*Session, error) {
	n := fec.NumBlocks(length)
	ranges := blockRanges(n, len(specs))

	s := &Session{sink: sink, sockets: sockets}
	conns := make([]*receiver.Connection, len(specs))
	for i, spec := range specs {
		socket, remote := spec.socket, spec.remote
		send := func(pkt wire.Packet) error { return socket.Send(remote, pkt) }
		conn := receiver.New(ctx, remote, send, sink, hash, length,
			ranges[i].start, ranges[i].end, spec.sendingRate, nil)
		conns[i] = conn

		go dispatch(ctx, socket, conn)
	}

	if len(conns) == 2 {
		conns[0].SetOnBlockAcked(func(blockID uint64) { conns[1].SendStop(blockID) })
		conns[1].SetOnBlockAcked(func(blockID uint64) { conns[0].SendStop(blockID) })
	}

	s.conns = conns
	for range conns {
		util.Stats.AddConn()
	}
	for _, c := range s.conns {
		go c.Run()
	}

	return s, nil
}

func closeAll(sockets []*connio.Socket) {
	for _, s := range sockets {
		s.Close()
	}
}

// Wait blocks until every connection has closed, then closes the sink
// and returns the first non-nil connection error, if any.
func (s *Session) Wait() error {
	var firstErr error
	for _, c := range s.conns {
		<-c.Done()
		util.Stats.RemoveConn()
		if err := c.Err(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.closeSockets()
	if err := s.sink.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Close cancels every connection immediately, as on Ctrl+C.
func (s *Session) Close() {
	for _, c := range s.conns {
		c.Close()
	}
}

func (s *Session) closeSockets() {
	for _, sock := range s.sockets {
		sock.Close()
	}
}

type blockRange struct{ start, end uint64 }

// blockRanges assigns [0, n) forward to a lone endpoint, or [0, n)
// forward and [n, 0) REVERSE to two endpoints so they converge from
// opposite ends of the id space.
func blockRanges(n uint64, numEndpoints int) []blockRange {
	if numEndpoints == 1 {
		return []blockRange{{0, n}}
	}
	return []blockRange{{0, n}, {n, 0}}
}

func dispatch(ctx context.Context, socket *connio.Socket, conn *receiver.Connection) {
	err := socket.ReadLoop(ctx, func(_ net.Addr, pkt wire.Packet) {
		conn.Deliver(pkt)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		util.LogDebug("partition: read loop ended: %v", err)
	}
}
