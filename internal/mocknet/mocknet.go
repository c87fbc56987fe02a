// Package mocknet provides an in-memory net.PacketConn implementation
// with injectable delay and loss, for exercising the wire-level
// connection state machines without a real socket. Grounded on the
// teacher's mockTransport (tests/adapter_test.go): a linked pair of
// endpoints that deliver to each other's handler after a random delay,
// generalized from a single hard-wired pair to an addressable network
// of any number of endpoints, and from a callback-delivery model to the
// net.PacketConn interface connio.Socket already speaks.
package mocknet

import (
	"math/rand"
	"net"
	"sync"
	"time"
)

// Addr is a mocknet endpoint address; any string naming an endpoint.
type Addr string

func (a Addr) Network() string { return "mock" }
func (a Addr) String() string  { return string(a) }

// Network is a shared in-memory medium. Endpoints register by name via
// Listen and can then WriteTo each other by Addr.
type Network struct {
	mu       sync.Mutex
	conns    map[Addr]*Conn
	rng      *rand.Rand
	minDelay time.Duration
	maxDelay time.Duration
	lossProb float64
}

// NewNetwork returns a lossless, zero-delay network. Use WithDelay and
// WithLoss to add impairments before calling Listen.
func NewNetwork(seed int64) *Network {
	return &Network{
		conns: make(map[Addr]*Conn),
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// WithDelay sets the uniform random one-way delay range applied to
// every datagram.
func (n *Network) WithDelay(min, max time.Duration) *Network {
	n.minDelay, n.maxDelay = min, max
	return n
}

// WithLoss sets the independent per-datagram drop probability.
func (n *Network) WithLoss(p float64) *Network {
	n.lossProb = p
	return n
}

// Listen registers and returns a new endpoint at addr.
func (n *Network) Listen(addr Addr) *Conn {
	c := &Conn{
		addr:    addr,
		network: n,
		inbox:   make(chan packet, 256),
		closeCh: make(chan struct{}),
	}
	n.mu.Lock()
	n.conns[addr] = c
	n.mu.Unlock()
	return c
}

func (n *Network) lookup(addr net.Addr) (*Conn, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.conns[Addr(addr.String())]
	return c, ok
}

func (n *Network) remove(addr Addr) {
	n.mu.Lock()
	delete(n.conns, addr)
	n.mu.Unlock()
}

func (n *Network) delay() time.Duration {
	if n.maxDelay <= n.minDelay {
		return n.minDelay
	}
	n.mu.Lock()
	d := n.minDelay + time.Duration(n.rng.Int63n(int64(n.maxDelay-n.minDelay)))
	n.mu.Unlock()
	return d
}

func (n *Network) shouldDrop() bool {
	if n.lossProb <= 0 {
		return false
	}
	n.mu.Lock()
	drop := n.rng.Float64() < n.lossProb
	n.mu.Unlock()
	return drop
}

type packet struct {
	data []byte
	from net.Addr
}

// Conn is one endpoint in a Network, implementing net.PacketConn.
type Conn struct {
	addr    Addr
	network *Network
	inbox   chan packet
	closeCh chan struct{}
	once    sync.Once
}

func (c *Conn) LocalAddr() net.Addr { return c.addr }

func (c *Conn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closeCh:
		return 0, net.ErrClosed
	default:
	}

	dst, ok := c.network.lookup(addr)
	if !ok {
		return 0, &net.OpError{Op: "write", Net: "mock", Addr: addr, Err: net.UnknownNetworkError("no such endpoint")}
	}
	if c.network.shouldDrop() {
		return len(p), nil
	}

	data := append([]byte(nil), p...)
	delay := c.network.delay()
	go func() {
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-dst.closeCh:
				return
			case <-c.closeCh:
				return
			}
		}
		select {
		case dst.inbox <- packet{data: data, from: c.addr}:
		case <-dst.closeCh:
		}
	}()
	return len(p), nil
}

func (c *Conn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case pkt := <-c.inbox:
		return copy(p, pkt.data), pkt.from, nil
	case <-c.closeCh:
		return 0, nil, net.ErrClosed
	}
}

func (c *Conn) Close() error {
	c.once.Do(func() {
		close(c.closeCh)
		c.network.remove(c.addr)
	})
	return nil
}

func (c *Conn) SetDeadline(time.Time) error      { return nil }
func (c *Conn) SetReadDeadline(time.Time) error  { return nil }
func (c *Conn) SetWriteDeadline(time.Time) error { return nil }
