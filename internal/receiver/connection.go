// Package receiver implements the receiver-side connection state
// machine (spec §4.5), one actor per (local, remote) pair, ported from
// the reference implementation's ClientSideConnection
// (original_source/cmb_protocol/connection.py): head-of-line tracking
// on both the connection's own boundary and the boundary the sibling
// connection is closing in on, lazy per-block decoders, and
// RTT-sampling straight off the Data packet's timestamp/delay fields.
package receiver

import (
	"context"
	"math"
	"net"
	"sync"
	"time"

	"github.com/felixschorer/cmb-protocol/internal/fec"
	"github.com/felixschorer/cmb-protocol/internal/store"
	"github.com/felixschorer/cmb-protocol/internal/tfrc"
	"github.com/felixschorer/cmb-protocol/internal/timestamp"
	"github.com/felixschorer/cmb-protocol/internal/util"
	"github.com/felixschorer/cmb-protocol/internal/wire"
)

type connState int

const (
	stateRequesting connState = iota
	stateEstablished
	stateCompleting
	stateClosed
)

// giveUpAfter bounds how long Requesting retries before the session
// reports a handshake timeout (spec §4.8: "give up after ~30 s").
const giveUpAfter = 30 * time.Second

// inactivityTimeout is the Established-state bound from spec §4.8, the
// same 10 s bound the sender uses for its own inactivity timeout
// (internal/sender/connection.go).
const inactivityTimeout = 10 * time.Second

// ackResendMinimum floors the "4 * rtt" wait from handle_data's
// lost-Ack-retry branch so a connection with no RTT sample yet still
// retries eventually.
const ackResendMinimum = 200 * time.Millisecond

// nackMinimumRepair mirrors the sender's minimum_repair term so the
// receiver's NACK threshold and the sender's NACK response use the same
// notion of "a small repair cushion" (spec §4.4, §4.5).
const nackMinimumRepair = 10

// nackRenotifyDelta is how many additional symbols must arrive before a
// NACK for the same block is worth repeating.
const nackRenotifyDelta = 5

type blockDecoder struct {
	dec      *fec.Decoder
	lastNack int
}

// Connection is one receiver-side actor. rangeStart/rangeEnd is this
// connection's own working range; headOfLineBlocked buffers Acks that
// arrived ahead of the contiguous frontier so advanceHeadOfLine can
// sweep through them once the gap closes, exactly like
// advance_head_of_line in the reference implementation.
type Connection struct {
	remote net.Addr
	send   func(wire.Packet) error
	sink   store.Sink

	resourceHash   [16]byte
	resourceLength uint64

	mu                        sync.Mutex
	rangeStart, rangeEnd      uint64
	reverse                   bool
	state                     connState
	acked                     map[uint64]time.Time
	headOfLineBlocked         map[uint64]struct{}
	oppositeHeadOfLineBlocked map[uint64]struct{}
	decoders                  map[uint64]*blockDecoder

	blockLastSeq       map[uint64]uint32
	recvCountWindow    int
	expectedWindow     int
	lastDataAt         time.Time
	lastDataTS         timestamp.T
	lastRequestSentAt  time.Time
	requestRetryAfter  time.Duration
	completingSince    time.Time

	epoch       time.Time
	estimator   *tfrc.Estimator
	backoff     *tfrc.Backoff
	sendingRate uint32

	onBlockAcked func(blockID uint64)

	inbox     chan wire.Packet
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
	closeOnce sync.Once
}

// New creates a receiver connection actor in state Requesting. Call Run
// in its own goroutine; Run sends the first Request. onBlockAcked is
// invoked (off the actor's own goroutine's lock) every time this
// connection locally decodes and acks a block, so the partitioner can
// relay a SendStop to the sibling connection.
func New(ctx context.Context, remote net.Addr, send func(wire.Packet) error, sink store.Sink,
	hash [16]byte, length uint64, rangeStart, rangeEnd uint64, sendingRate uint32,
	onBlockAcked func(blockID uint64)) *Connection {
	cctx, cancel := context.WithCancel(ctx)
	now := time.Now()
	c := &Connection{
		remote:                    remote,
		send:                      send,
		sink:                      sink,
		resourceHash:              hash,
		resourceLength:            length,
		rangeStart:                rangeStart,
		rangeEnd:                  rangeEnd,
		reverse:                   wire.IsReversed(rangeStart, rangeEnd),
		state:                     stateRequesting,
		acked:                     make(map[uint64]time.Time),
		headOfLineBlocked:         make(map[uint64]struct{}),
		oppositeHeadOfLineBlocked: make(map[uint64]struct{}),
		decoders:                  make(map[uint64]*blockDecoder),
		blockLastSeq:              make(map[uint64]uint32),
		lastDataAt:                now,
		epoch:                     now,
		estimator:                 &tfrc.Estimator{},
		backoff:                   tfrc.NewBackoff(),
		sendingRate:               sendingRate,
		onBlockAcked:              onBlockAcked,
		inbox:                     make(chan wire.Packet, 64),
		ctx:                       cctx,
		cancel:                    cancel,
		done:                      make(chan struct{}),
	}
	return c
}

// Deliver hands an inbound packet to the actor loop.
func (c *Connection) Deliver(pkt wire.Packet) {
	select {
	case c.inbox <- pkt:
	default:
		util.LogDebug("%s receiver: inbox full, dropping %T", util.Tag(c.remote), pkt)
	}
}

// Done reports when the actor has exited.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns the terminal error, if the connection closed abnormally
// (nil on a clean completion).
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close cancels the connection actor immediately, as on process
// shutdown or a sibling-triggered teardown.
func (c *Connection) Close() {
	c.closeOnce.Do(c.cancel)
}

// RangeEmpty reports whether this connection's own range has nothing
// left to request.
func (c *Connection) RangeEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rangeStart == c.rangeEnd
}

// SetOnBlockAcked wires the sibling-notification callback once both
// connections of a two-endpoint session exist; the partitioner cannot
// supply it at construction time since each connection's sibling is the
// other connection being constructed in the same call.
func (c *Connection) SetOnBlockAcked(fn func(blockID uint64)) {
	c.mu.Lock()
	c.onBlockAcked = fn
	c.mu.Unlock()
}

// SendStop is called by the partitioner when the sibling connection
// decodes blockID, narrowing this connection's far boundary the same
// way advance_opposite_head_of_line does in the reference
// implementation, and emitting ShrinkRange to this connection's own
// sender if the boundary actually moved.
func (c *Connection) SendStop(blockID uint64) {
	c.mu.Lock()
	moved := c.advanceOppositeHeadOfLineLocked(blockID)
	start, end := c.rangeStart, c.rangeEnd
	c.mu.Unlock()

	if moved {
		if err := c.send(wire.ShrinkRange{BlockRangeStart: start, BlockRangeEnd: end}); err != nil {
			util.LogDebug("%s receiver: sending ShrinkRange: %v", util.Tag(c.remote), err)
		}
	}
	c.checkCompletion()
}

func (c *Connection) Run() {
	defer close(c.done)
	c.sendRequest()
	// An empty starting range (the resource has zero blocks, or this
	// connection was handed none of them) has nothing to wait for.
	c.checkCompletion()

	giveUpAt := time.Now().Add(giveUpAfter)
	for c.step(giveUpAt) {
	}
}

func (c *Connection) step(giveUpAt time.Time) bool {
	state := c.getState()
	if state == stateClosed {
		return false
	}

	wake := c.nextWakeLocked(state, giveUpAt)
	timer := time.NewTimer(time.Until(wake))
	defer timer.Stop()

	select {
	case <-c.ctx.Done():
		return false

	case pkt := <-c.inbox:
		c.mu.Lock()
		c.lastDataAt = time.Now()
		c.mu.Unlock()
		c.handlePacket(pkt)
		return c.getState() != stateClosed

	case <-timer.C:
		return c.onTimer(state, giveUpAt)
	}
}

func (c *Connection) nextWakeLocked(state connState, giveUpAt time.Time) time.Time {
	now := time.Now()
	c.mu.Lock()
	lastDataAt := c.lastDataAt
	lastRequestSentAt := c.lastRequestSentAt
	completingSince := c.completingSince
	sendingRate := c.sendingRate
	rtt, haveRTT := c.estimator.RTT()
	c.mu.Unlock()

	c.mu.Lock()
	retryAfter := c.requestRetryAfter
	c.mu.Unlock()

	switch state {
	case stateRequesting:
		retry := lastRequestSentAt.Add(retryAfter)
		if giveUpAt.Before(retry) {
			return giveUpAt
		}
		return retry

	case stateEstablished:
		deadline := lastDataAt.Add(inactivityTimeout)
		heartbeat := lastRequestSentAt.Add(tfrc.HeartbeatInterval(haveRTT, rtt, sendingRate))
		feedback := lastRequestSentAt.Add(c.estimator.FeedbackPeriod())
		if heartbeat.Before(deadline) {
			deadline = heartbeat
		}
		if feedback.Before(deadline) {
			deadline = feedback
		}
		return deadline

	case stateCompleting:
		bound := rtt
		if bound <= 0 {
			bound = 250 * time.Millisecond
		}
		return completingSince.Add(bound)
	}
	return now.Add(time.Second)
}

func (c *Connection) onTimer(state connState, giveUpAt time.Time) bool {
	switch state {
	case stateRequesting:
		if !time.Now().Before(giveUpAt) {
			c.mu.Lock()
			c.err = errHandshakeTimeout
			c.state = stateClosed
			c.mu.Unlock()
			return false
		}
		c.sendRequest()
		return true

	case stateEstablished:
		c.mu.Lock()
		inactive := time.Since(c.lastDataAt) > inactivityTimeout
		c.mu.Unlock()
		if inactive {
			c.mu.Lock()
			c.err = errInactivityTimeout
			c.state = stateClosed
			c.mu.Unlock()
			return false
		}
		c.sendRequest()
		c.maybeSendFeedback()
		return true

	case stateCompleting:
		c.setState(stateClosed)
		return false
	}
	return true
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

func (c *Connection) sendRequest() {
	c.mu.Lock()
	start, end := c.rangeStart, c.rangeEnd
	rate := c.sendingRate
	c.mu.Unlock()

	req := wire.RequestResource{
		Timestamp:       timestamp.Now(c.epoch),
		SendingRate:     rate,
		BlockRangeStart: start,
		ResourceHash:    c.resourceHash,
		ResourceLength:  c.resourceLength,
		BlockRangeEnd:   end,
	}
	if err := c.send(req); err != nil {
		util.LogDebug("%s receiver: sending Request: %v", util.Tag(c.remote), err)
	}

	c.mu.Lock()
	c.lastRequestSentAt = time.Now()
	if c.state == stateRequesting {
		c.requestRetryAfter = c.backoff.Next()
	}
	c.mu.Unlock()
}

func (c *Connection) handlePacket(pkt wire.Packet) {
	switch p := pkt.(type) {
	case wire.Data:
		c.handleData(p)
	case wire.Error:
		c.handleError(p)
	}
}

func (c *Connection) handleError(wire.Error) {
	c.mu.Lock()
	c.err = errProtocolError
	c.state = stateClosed
	c.mu.Unlock()
}

// handleData mirrors ClientSideConnection.handle_data: sample RTT off
// the packet's own timestamp/delay fields, feed the block's decoder
// lazily created on first symbol, and on decode success advance the
// local head of line, ack, and write the block to the sink.
func (c *Connection) handleData(pkt wire.Data) {
	now := timestamp.Now(c.epoch)
	rttSample := now.Sub(pkt.Timestamp) - time.Duration(pkt.Delay)*time.Millisecond
	if rttSample > 0 {
		c.estimator.UpdateRTT(rttSample)
	}
	if c.getState() == stateRequesting {
		c.setState(stateEstablished)
		c.backoff.Reset()
	}

	c.mu.Lock()
	inRange := !c.outsideRangeLocked(pkt.BlockID)
	_, isAcked := c.acked[pkt.BlockID]
	c.lastDataTS = pkt.Timestamp
	c.recordGapLocked(pkt.BlockID, pkt.SequenceNum)
	c.mu.Unlock()

	if !inRange {
		return
	}

	if isAcked {
		c.maybeResendAck(pkt.BlockID)
		return
	}

	c.mu.Lock()
	bd := c.decoders[pkt.BlockID]
	if bd == nil {
		// Every block, including a short final one, is encoded over the
		// full zero-padded BlockSize on the sender side (store.Resource.Block
		// always hands the encoder a fec.BlockSize slice); the true,
		// possibly shorter length is only applied when the sink writes the
		// decoded bytes out, via fec.BlockLength.
		bd = &blockDecoder{
			dec: fec.NewDecoder(fec.SymbolsPerBlock, fec.BlockSize),
		}
		c.decoders[pkt.BlockID] = bd
	}
	c.mu.Unlock()

	data, decoded, err := bd.dec.Feed(pkt.SequenceNum, pkt.Payload)
	if err != nil {
		util.LogDebug("%s receiver: malformed symbol for block %d: %v", util.Tag(c.remote), pkt.BlockID, err)
		return
	}

	if decoded {
		c.mu.Lock()
		delete(c.decoders, pkt.BlockID)
		c.acked[pkt.BlockID] = time.Now()
		c.advanceHeadOfLineLocked(pkt.BlockID)
		c.mu.Unlock()
		util.Stats.AddBlockAcked()

		if err := c.send(wire.AckBlock{BlockID: pkt.BlockID}); err != nil {
			util.LogDebug("%s receiver: sending AckBlock: %v", util.Tag(c.remote), err)
		}
		if err := c.sink.WriteBlock(pkt.BlockID, data); err != nil {
			util.LogError("%s receiver: writing block %d: %v", util.Tag(c.remote), pkt.BlockID, err)
		}
		if c.onBlockAcked != nil {
			c.onBlockAcked(pkt.BlockID)
		}
		c.checkCompletion()
		return
	}

	c.maybeSendNack(pkt.BlockID, bd)
}

func (c *Connection) maybeResendAck(blockID uint64) {
	c.mu.Lock()
	ackedAt, ok := c.acked[blockID]
	rtt, haveRTT := c.estimator.RTT()
	c.mu.Unlock()
	if !ok {
		return
	}
	bound := ackResendMinimum
	if haveRTT && 4*rtt > bound {
		bound = 4 * rtt
	}
	if time.Since(ackedAt) <= bound {
		return
	}
	c.mu.Lock()
	c.acked[blockID] = time.Now()
	c.mu.Unlock()
	if err := c.send(wire.AckBlock{BlockID: blockID}); err != nil {
		util.LogDebug("%s receiver: re-sending AckBlock: %v", util.Tag(c.remote), err)
	}
}

// maybeSendNack implements spec §4.5's NACK threshold: once enough
// symbols have arrived that decode should have succeeded by now,
// request more. loss-event rate from our own estimator sizes the
// slack; with no loss sample yet, a full block's worth of repair is
// requested, matching the sender's "under uncertainty" fallback.
func (c *Connection) maybeSendNack(blockID uint64, bd *blockDecoder) {
	received := int(bd.dec.ReceivedSymbols())
	k := fec.SymbolsPerBlock

	loss := c.estimator.LossEventRate()
	var slack int
	if loss <= 0 {
		slack = fec.SymbolsPerBlock
	} else {
		slack = int(math.Ceil(loss*float64(received))) + nackMinimumRepair
	}

	if received < k+slack {
		return
	}
	if received-bd.lastNack < nackRenotifyDelta {
		return
	}
	bd.lastNack = received

	if err := c.send(wire.NackBlock{BlockID: blockID, ReceivedSymbols: uint16(received)}); err != nil {
		util.LogDebug("%s receiver: sending NackBlock: %v", util.Tag(c.remote), err)
	}
}

func (c *Connection) recordGapLocked(blockID uint64, seq uint32) {
	expected := 1
	if last, ok := c.blockLastSeq[blockID]; ok && seq > last {
		expected = int(seq - last)
	}
	c.blockLastSeq[blockID] = seq
	c.expectedWindow += expected
	c.recvCountWindow++
}

func (c *Connection) maybeSendFeedback() {
	c.mu.Lock()
	if c.state != stateEstablished {
		c.mu.Unlock()
		return
	}
	recv, expected := c.recvCountWindow, c.expectedWindow
	c.recvCountWindow, c.expectedWindow = 0, 0
	lastDataAt := c.lastDataAt
	lastDataTS := c.lastDataTS
	c.mu.Unlock()

	loss := float32(0)
	if expected > 0 && recv < expected {
		loss = float32(1 - float64(recv)/float64(expected))
	}
	c.estimator.UpdateLossEventRate(float64(loss))

	period := c.estimator.FeedbackPeriod()
	receiveRate := uint32(0)
	if period > 0 {
		receiveRate = uint32(float64(recv) / period.Seconds())
	}

	fb := wire.Feedback{
		Delay:         uint16(time.Since(lastDataAt).Milliseconds()),
		Timestamp:     lastDataTS,
		ReceiveRate:   receiveRate,
		LossEventRate: loss,
	}
	if err := c.send(fb); err != nil {
		util.LogDebug("%s receiver: sending Feedback: %v", util.Tag(c.remote), err)
	}
}

// advanceHeadOfLineLocked is advance_head_of_line from the reference
// implementation: if blockID is exactly the current frontier, move the
// frontier past it and past any already-buffered later acks, stopping
// only at a genuine gap or at the opposite boundary. Acks that arrive
// ahead of the frontier are buffered rather than dropped.
func (c *Connection) advanceHeadOfLineLocked(blockID uint64) bool {
	if c.reverse {
		if blockID > c.rangeStart {
			return false
		}
	} else if blockID < c.rangeStart {
		return false
	}

	if blockID != c.rangeStart {
		c.headOfLineBlocked[blockID] = struct{}{}
		return false
	}

	c.step1Locked()
	for {
		if _, blocked := c.headOfLineBlocked[c.rangeStart]; !blocked {
			break
		}
		delete(c.headOfLineBlocked, c.rangeStart)
		c.step1Locked()
	}
	c.clampRangeStartLocked()
	return true
}

func (c *Connection) step1Locked() {
	if c.reverse {
		c.rangeStart--
	} else {
		c.rangeStart++
	}
}

func (c *Connection) clampRangeStartLocked() {
	if c.reverse {
		if c.rangeStart < c.rangeEnd {
			c.rangeStart = c.rangeEnd
		}
	} else if c.rangeStart > c.rangeEnd {
		c.rangeStart = c.rangeEnd
	}
}

// advanceOppositeHeadOfLineLocked is advance_opposite_head_of_line: the
// far boundary (rangeEnd) is narrowed when told that blockID has been
// claimed by the sibling connection, sweeping through any
// already-buffered notifications the same way advanceHeadOfLineLocked
// does for the near boundary.
func (c *Connection) advanceOppositeHeadOfLineLocked(blockID uint64) bool {
	lastBlockID := func() uint64 {
		if c.reverse {
			return c.rangeEnd + 1
		}
		return c.rangeEnd - 1
	}

	if c.reverse {
		if blockID <= c.rangeEnd {
			return false
		}
	} else if blockID >= c.rangeEnd {
		return false
	}

	if blockID != lastBlockID() {
		c.oppositeHeadOfLineBlocked[blockID] = struct{}{}
		return false
	}

	c.step2Locked()
	for {
		if _, blocked := c.oppositeHeadOfLineBlocked[lastBlockID()]; !blocked {
			break
		}
		delete(c.oppositeHeadOfLineBlocked, lastBlockID())
		c.step2Locked()
	}
	c.clampRangeEndLocked()
	return true
}

func (c *Connection) step2Locked() {
	if c.reverse {
		c.rangeEnd++
	} else {
		c.rangeEnd--
	}
}

func (c *Connection) clampRangeEndLocked() {
	if c.reverse {
		if c.rangeEnd > c.rangeStart {
			c.rangeEnd = c.rangeStart
		}
	} else if c.rangeEnd < c.rangeStart {
		c.rangeEnd = c.rangeStart
	}
}

func (c *Connection) outsideRangeLocked(id uint64) bool {
	if c.reverse {
		return id > c.rangeStart || id <= c.rangeEnd
	}
	return id < c.rangeStart || id >= c.rangeEnd
}

// checkCompletion moves Established → Completing once this connection's
// own range has closed to empty, emitting the Opposite-Range-ACK
// special case of ShrinkRange per spec §4.5/§4.6.
func (c *Connection) checkCompletion() {
	c.mu.Lock()
	if c.state == stateCompleting || c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	empty := c.rangeStart == c.rangeEnd
	start := c.rangeStart
	if !empty {
		c.mu.Unlock()
		return
	}
	c.state = stateCompleting
	c.completingSince = time.Now()
	c.mu.Unlock()

	if err := c.send(wire.ShrinkRange{BlockRangeStart: start, BlockRangeEnd: start}); err != nil {
		util.LogDebug("%s receiver: sending Opposite-Range-ACK: %v", util.Tag(c.remote), err)
	}
}
