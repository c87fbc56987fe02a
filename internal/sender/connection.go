// Package sender implements the sender-side connection state machine
// (spec §4.4) and rate-governed emission loop (spec §4.7), one actor per
// (local, remote) pair in the style of the teacher's per-socketID Socket
// actor (internal/adapter/socket.go): an inbox channel fed by the
// dispatcher, a context for cancellation, and a single goroutine that
// owns all of the connection's mutable state.
package sender

import (
	"context"
	"math"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/felixschorer/cmb-protocol/internal/fec"
	"github.com/felixschorer/cmb-protocol/internal/pacer"
	"github.com/felixschorer/cmb-protocol/internal/store"
	"github.com/felixschorer/cmb-protocol/internal/tfrc"
	"github.com/felixschorer/cmb-protocol/internal/timestamp"
	"github.com/felixschorer/cmb-protocol/internal/util"
	"github.com/felixschorer/cmb-protocol/internal/wire"
)

type connState int

const (
	stateActive connState = iota
	stateClosed
)

// inactivityTimeout closes a connection that hasn't heard any inbound
// packet in this long (spec §4.8: "Connection-level inactivity timeout:
// 10 s without any inbound packet"), matching the receiver's own
// inactivityTimeout (internal/receiver/connection.go). The reference
// implementation's send_blocks loop instead checks "now -
// keep_alive_received_at > 4 * MAXIMUM_HEARTBEAT_INTERVAL" (1s), but
// spec.md states the 10s bound with no sender/receiver distinction;
// tfrc.MaxHeartbeatInterval serves as the feedback-period floor (spec
// §4.8) and the receiver's heartbeat cap, not as a connection-close
// timer.
const inactivityTimeout = 10 * time.Second

// minimumRepairSymbols is the minimum_repair term in the NACK budget
// policy (spec §4.4).
const minimumRepairSymbols = 10

// nominalOverheadSymbols is the cushion added on top of the block's raw
// source-symbol count before any NACK has been seen, covering RaptorQ's
// small decode overhead.
const nominalOverheadSymbols = 5

// inboxSize bounds how many unprocessed inbound packets a connection
// will buffer before newer ones are dropped, matching the teacher's
// per-socket inbox sizing rationale (bounded, drop-newest under
// overload rather than unbounded growth).
const inboxSize = 64

// blockState is the sender-side bookkeeping for one in-flight block.
type blockState struct {
	encoder   *fec.Encoder
	nextSeq   uint32
	sentCount int
	budget    int
}

// Connection is one sender-side (local, remote) actor. rangeStart and
// rangeEnd are the connection's active_block_range from the reference
// implementation's ServerSideConnection: they only ever shrink, via a
// Request update or a ShrinkRange, toward each other.
type Connection struct {
	remote net.Addr
	send   func(wire.Packet) error

	mu          sync.Mutex
	resource    store.Resource
	rangeStart  uint64
	rangeEnd    uint64
	reverse     bool
	sendingRate uint32
	state       connState

	epoch             time.Time
	lastRequestRecv   time.Time
	acked             map[uint64]struct{}
	blocks            map[uint64]*blockState
	cursor            uint64
	lastFeedbackTS    timestamp.T
	haveFeedbackTS    bool

	pacer     *pacer.Pacer
	estimator *tfrc.Estimator

	inbox     chan wire.Packet
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// newConnection creates a connection actor in state Active, as if it
// had just processed the Request that created it. Call Run in its own
// goroutine.
func newConnection(ctx context.Context, remote net.Addr, send func(wire.Packet) error, resource store.Resource, req wire.RequestResource) *Connection {
	cctx, cancel := context.WithCancel(ctx)
	now := time.Now()
	c := &Connection{
		remote:          remote,
		send:            send,
		resource:        resource,
		rangeStart:      req.BlockRangeStart,
		rangeEnd:        req.BlockRangeEnd,
		reverse:         wire.IsReversed(req.BlockRangeStart, req.BlockRangeEnd),
		sendingRate:     req.SendingRate,
		state:           stateActive,
		epoch:           now,
		lastRequestRecv: now,
		acked:           make(map[uint64]struct{}),
		blocks:          make(map[uint64]*blockState),
		pacer:           pacer.New(req.SendingRate, wire.DataHeaderSize+fec.SymbolSize),
		estimator:       &tfrc.Estimator{},
		inbox:           make(chan wire.Packet, inboxSize),
		ctx:             cctx,
		cancel:          cancel,
		done:            make(chan struct{}),
	}
	c.cursor = c.rangeStart
	return c
}

// Deliver hands an inbound packet to the connection's actor loop,
// dropping it if the inbox is saturated.
func (c *Connection) Deliver(pkt wire.Packet) {
	select {
	case c.inbox <- pkt:
	default:
		util.LogDebug("%s sender: inbox full, dropping %T", util.Tag(c.remote), pkt)
	}
}

// Done reports when the connection actor has exited.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Close cancels the connection actor, as on process shutdown.
func (c *Connection) Close() {
	c.closeOnce.Do(c.cancel)
}

// Run is the connection's actor loop. It returns once the connection
// reaches Closed.
func (c *Connection) Run() {
	defer close(c.done)
	inactivity := time.NewTimer(inactivityTimeout)
	defer inactivity.Stop()

	for c.step(inactivity) {
	}
}

func (c *Connection) step(inactivity *time.Timer) bool {
	if c.getState() == stateClosed {
		return false
	}

	var sendCh <-chan time.Time
	var reservation *rate.Reservation
	if c.canEmit() {
		reservation = c.pacer.Reserve()
		timer := time.NewTimer(reservation.Delay())
		defer timer.Stop()
		sendCh = timer.C
	}

	select {
	case <-c.ctx.Done():
		if reservation != nil {
			reservation.Cancel()
		}
		return false

	case pkt := <-c.inbox:
		if reservation != nil {
			reservation.Cancel()
		}
		inactivity.Reset(inactivityTimeout)
		c.handlePacket(pkt)
		return true

	case <-sendCh:
		c.emit()
		return true

	case <-inactivity.C:
		util.LogDebug("%s sender: timed out, closing", util.Tag(c.remote))
		c.setState(stateClosed)
		return false
	}
}

func (c *Connection) getState() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s connState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connection) canEmit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateActive && !c.rangeEmptyLocked()
}

func (c *Connection) rangeEmptyLocked() bool {
	return c.rangeStart == c.rangeEnd
}

func (c *Connection) handlePacket(pkt wire.Packet) {
	switch p := pkt.(type) {
	case wire.RequestResource:
		c.handleRequest(p)
	case wire.AckBlock:
		c.handleAck(p)
	case wire.NackBlock:
		c.handleNack(p)
	case wire.ShrinkRange:
		c.handleShrinkRange(p)
	case wire.Feedback:
		c.handleFeedback(p)
	}
}

// handleRequest updates the sending rate and, per the reference
// implementation's handle_request_resource, treats any request after
// the first as narrowing the active range exactly like a ShrinkRange.
func (c *Connection) handleRequest(req wire.RequestResource) {
	c.mu.Lock()
	c.sendingRate = req.SendingRate
	c.lastRequestRecv = time.Now()
	c.applyRangeClipLocked(req.BlockRangeStart, req.BlockRangeEnd)
	c.mu.Unlock()
	c.pacer.SetRate(req.SendingRate)
}

func (c *Connection) handleAck(pkt wire.AckBlock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acked[pkt.BlockID] = struct{}{}
	delete(c.blocks, pkt.BlockID)
}

func (c *Connection) handleNack(pkt wire.NackBlock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bs := c.blocks[pkt.BlockID]
	if bs == nil {
		return
	}

	loss := c.estimator.LossEventRate()
	var slack int
	if loss <= 0 {
		slack = fec.SymbolsPerBlock
	} else {
		slack = int(math.Ceil(loss*float64(pkt.ReceivedSymbols))) + minimumRepairSymbols
	}
	newBudget := int(pkt.ReceivedSymbols) + slack
	if newBudget > bs.budget {
		bs.budget = newBudget
	}
}

func (c *Connection) handleShrinkRange(pkt wire.ShrinkRange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyRangeClipLocked(pkt.BlockRangeStart, pkt.BlockRangeEnd)
}

// applyRangeClipLocked intersects the active range with [start, end),
// directly ported from the reference implementation's shrink_range: the
// range only ever narrows, and ranges given in opposing directions are
// rejected as a protocol error (logged, not fatal).
func (c *Connection) applyRangeClipLocked(start, end uint64) {
	if start == end {
		c.rangeStart, c.rangeEnd = start, start
		return
	}
	if wire.IsReversed(start, end) != c.reverse {
		util.LogDebug("%s sender: sent a range with opposing direction, ignoring", util.Tag(c.remote))
		return
	}
	if c.reverse {
		if c.rangeEnd < end {
			c.rangeEnd = end
		}
		if c.rangeStart > start {
			c.rangeStart = start
		}
	} else {
		if c.rangeStart < start {
			c.rangeStart = start
		}
		if c.rangeEnd > end {
			c.rangeEnd = end
		}
	}
}

// handleFeedback applies a TFRC report, ignoring any Feedback whose
// timestamp is older than the last one processed (spec §5's ordering
// guarantee) since reordered reports would otherwise smear in a stale
// RTT/loss sample after a fresher one.
func (c *Connection) handleFeedback(pkt wire.Feedback) {
	c.mu.Lock()
	if c.haveFeedbackTS && pkt.Timestamp.Before(c.lastFeedbackTS) {
		c.mu.Unlock()
		return
	}
	c.lastFeedbackTS = pkt.Timestamp
	c.haveFeedbackTS = true
	c.mu.Unlock()

	now := timestamp.Now(c.epoch)
	rtt := now.Sub(pkt.Timestamp) - time.Duration(pkt.Delay)*time.Millisecond
	if rtt > 0 {
		c.estimator.UpdateRTT(rtt)
	}
	c.estimator.UpdateLossEventRate(float64(pkt.LossEventRate))

	c.mu.Lock()
	requested := c.sendingRate
	c.mu.Unlock()
	c.pacer.SetRate(c.estimator.AllowedRate(requested))
}

// emit sends the next Data packet, round-robining across the active
// range's unacked blocks the way the reference implementation's
// packets() generator spreads repair traffic evenly rather than
// exhausting one block before starting the next.
func (c *Connection) emit() {
	c.mu.Lock()
	blockID, ok := c.pickBlockLocked()
	if !ok {
		c.mu.Unlock()
		return
	}
	bs := c.blocks[blockID]
	if bs == nil {
		data, present := c.resource.Block(blockID)
		if !present {
			c.mu.Unlock()
			return
		}
		bs = &blockState{
			encoder: fec.NewEncoder(data),
			budget:  fec.SymbolsPerBlock + nominalOverheadSymbols,
		}
		c.blocks[blockID] = bs
	}
	seq := bs.nextSeq
	bs.nextSeq++
	bs.sentCount++
	lastReq := c.lastRequestRecv
	epoch := c.epoch
	c.mu.Unlock()

	payload, err := bs.encoder.Symbol(seq)
	if err != nil {
		util.LogError("%s sender: encoding symbol for block %d: %v", util.Tag(c.remote), blockID, err)
		return
	}

	pkt := wire.Data{
		BlockID:     blockID,
		Timestamp:   timestamp.Now(epoch),
		Delay:       uint16(time.Since(lastReq).Milliseconds()),
		SequenceNum: seq,
		Payload:     payload,
	}
	if err := c.send(pkt); err != nil {
		util.LogDebug("%s sender: sending Data: %v", util.Tag(c.remote), err)
	}
}

// pickBlockLocked advances a round-robin cursor through the active
// range, skipping acked blocks and blocks that have exhausted their
// current emit budget, and returns the first eligible block found.
func (c *Connection) pickBlockLocked() (uint64, bool) {
	if c.rangeEmptyLocked() {
		return 0, false
	}

	n := c.rangeEnd - c.rangeStart
	if c.reverse {
		n = c.rangeStart - c.rangeEnd
	}
	if c.outsideRangeLocked(c.cursor) {
		c.cursor = c.rangeStart
	}

	for i := uint64(0); i < n; i++ {
		id := c.cursor
		c.advanceCursorLocked()

		if _, acked := c.acked[id]; acked {
			continue
		}
		bs := c.blocks[id]
		if bs == nil || bs.sentCount < bs.budget {
			return id, true
		}
	}
	return 0, false
}

func (c *Connection) outsideRangeLocked(id uint64) bool {
	if c.reverse {
		return id <= c.rangeEnd || id > c.rangeStart
	}
	return id < c.rangeStart || id >= c.rangeEnd
}

func (c *Connection) advanceCursorLocked() {
	if c.reverse {
		c.cursor--
		if c.cursor <= c.rangeEnd {
			c.cursor = c.rangeStart
		}
	} else {
		c.cursor++
		if c.cursor >= c.rangeEnd {
			c.cursor = c.rangeStart
		}
	}
}
