package sender

import (
	"context"
	"net"
	"sync"

	"github.com/felixschorer/cmb-protocol/internal/connio"
	"github.com/felixschorer/cmb-protocol/internal/fec"
	"github.com/felixschorer/cmb-protocol/internal/store"
	"github.com/felixschorer/cmb-protocol/internal/util"
	"github.com/felixschorer/cmb-protocol/internal/wire"
)

// Sender owns one UDP endpoint and the resource store behind it,
// dispatching inbound frames to per-remote connection actors the way
// the teacher's adapter routes by socketID (internal/adapter/adapter.go).
type Sender struct {
	socket *connio.Socket
	store  *store.Store

	mu    sync.Mutex
	conns map[string]*Connection
}

// New creates a Sender serving resources out of the given store over
// socket.
func New(socket *connio.Socket, resources *store.Store) *Sender {
	return &Sender{
		socket: socket,
		store:  resources,
		conns:  make(map[string]*Connection),
	}
}

// Run dispatches inbound frames until ctx is cancelled.
func (s *Sender) Run(ctx context.Context) error {
	err := s.socket.ReadLoop(ctx, func(from net.Addr, pkt wire.Packet) {
		s.dispatch(ctx, from, pkt)
	})

	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}

	return err
}

func (s *Sender) dispatch(ctx context.Context, from net.Addr, pkt wire.Packet) {
	key := from.String()

	if req, ok := pkt.(wire.RequestResource); ok {
		s.mu.Lock()
		conn, exists := s.conns[key]
		s.mu.Unlock()
		if !exists {
			s.openConnection(ctx, from, req)
			return
		}
		conn.Deliver(req)
		return
	}

	s.mu.Lock()
	conn, ok := s.conns[key]
	s.mu.Unlock()
	if !ok {
		util.LogDebug("%s sender: dropping %T from unknown connection", util.Tag(from), pkt)
		return
	}
	conn.Deliver(pkt)
}

func (s *Sender) openConnection(ctx context.Context, from net.Addr, req wire.RequestResource) {
	resource, ok := s.store.Lookup(req.ResourceHash)
	if !ok || resource.Length != req.ResourceLength {
		if err := s.socket.Send(from, wire.Error{Code: wire.ErrorCodeUnknownResource}); err != nil {
			util.LogDebug("%s sender: replying unknown-resource: %v", util.Tag(from), err)
		}
		return
	}

	n := fec.NumBlocks(resource.Length)
	if req.BlockRangeStart > n || req.BlockRangeEnd > n {
		if err := s.socket.Send(from, wire.Error{Code: wire.ErrorCodeProtocolViolation}); err != nil {
			util.LogDebug("%s sender: replying protocol-violation: %v", util.Tag(from), err)
		}
		return
	}

	key := from.String()
	conn := newConnection(ctx, from, func(p wire.Packet) error { return s.socket.Send(from, p) }, resource, req)

	s.mu.Lock()
	s.conns[key] = conn
	s.mu.Unlock()
	util.Stats.AddConn()

	go func() {
		conn.Run()
		s.mu.Lock()
		delete(s.conns, key)
		s.mu.Unlock()
		util.Stats.RemoveConn()
	}()
}
