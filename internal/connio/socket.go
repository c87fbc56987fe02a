// Package connio is the UDP socket multiplexer collaborator named as
// out-of-scope in spec §1 ("bind, send, recv"): a thin, mutex-free
// wrapper that owns one net.PacketConn, decodes inbound frames with the
// wire codec, and dispatches them to a caller-supplied handler — the
// same "OnPacket" callback shape as the teacher's transport.Transport,
// generalized from a single DataChannel to any net.PacketConn so the
// same code drives both a real *net.UDPConn and an in-memory transport
// in tests.
package connio

import (
	"context"
	"errors"
	"net"

	"github.com/felixschorer/cmb-protocol/internal/util"
	"github.com/felixschorer/cmb-protocol/internal/wire"
)

// maxDatagramSize is large enough for a Data frame carrying one full
// fec.SymbolSize payload plus header, with headroom.
const maxDatagramSize = 2048

// Handler is invoked once per successfully decoded inbound frame.
type Handler func(from net.Addr, pkt wire.Packet)

// Socket multiplexes one UDP endpoint between many logical connections,
// keyed by the caller on the peer's net.Addr.
type Socket struct {
	conn net.PacketConn
}

// New wraps an already-bound net.PacketConn.
func New(conn net.PacketConn) *Socket {
	return &Socket{conn: conn}
}

// Listen binds a UDP socket at addr ("" host means all interfaces).
func Listen(addr string) (*Socket, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	return New(conn), nil
}

// LocalAddr returns the socket's bound address.
func (s *Socket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Close releases the underlying socket, unblocking any pending ReadLoop.
func (s *Socket) Close() error {
	return s.conn.Close()
}

// Send encodes pkt and writes it to addr in a single datagram.
func (s *Socket) Send(addr net.Addr, pkt wire.Packet) error {
	buf, err := wire.Encode(pkt)
	if err != nil {
		return err
	}
	_, err = s.conn.WriteTo(buf, addr)
	if err != nil {
		return err
	}
	util.Stats.AddSent(len(buf))
	return nil
}

// ReadLoop decodes and dispatches inbound frames until ctx is cancelled
// or the socket is closed. Frames that fail to decode (spec §4.1: unknown
// magic, inconsistent length) are dropped silently per spec §7 rather
// than propagated to the caller.
func (s *Socket) ReadLoop(ctx context.Context, handle Handler) error {
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		util.Stats.AddRecv(n)

		frame := make([]byte, n)
		copy(frame, buf[:n])

		pkt, err := wire.Decode(frame)
		if err != nil {
			util.LogDebug("%s connio: dropping unparseable frame: %v", util.Tag(addr), err)
			continue
		}
		handle(addr, pkt)
	}
}
