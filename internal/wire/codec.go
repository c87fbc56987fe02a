package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/felixschorer/cmb-protocol/internal/timestamp"
)

var be = binary.BigEndian

// ErrUnknownMagic is returned by Decode when the frame's leading magic
// does not match any known packet kind.
var ErrUnknownMagic = errors.New("wire: unknown packet magic")

// ErrMalformed is returned by Decode when a frame's declared length is
// inconsistent with the actual frame size for its kind.
var ErrMalformed = errors.New("wire: malformed frame")

// Fixed frame sizes for the non-variable-length packet kinds.
const (
	sizeRequestResource = MagicSize + 3 + 4 + 6 + 16 + 8 + 6
	sizeDataHeader      = MagicSize + 6 + 3 + 2 + 3 // payload follows
	sizeAckBlock        = MagicSize + 6
	sizeNackBlock       = MagicSize + 6 + 2
	sizeShrinkRange     = MagicSize + 6 + 6
	sizeError           = MagicSize + 2
	sizeFeedback        = MagicSize + 2 + 3 + 4 + 4
)

// DataHeaderSize is the byte size of a Data frame excluding its payload,
// exported for callers (the TFRC throughput equation, the rate pacer)
// that need the on-wire cost of one symbol transmission.
const DataHeaderSize = sizeDataHeader

// Encode serializes pkt into a single UDP datagram payload.
func Encode(pkt Packet) ([]byte, error) {
	switch p := pkt.(type) {
	case RequestResource:
		buf := make([]byte, sizeRequestResource)
		putMagic(buf, MagicRequestResource)
		off := MagicSize
		copy(buf[off:off+3], p.Timestamp.AppendBytes(nil))
		off += 3
		be.PutUint32(buf[off:off+4], p.SendingRate)
		off += 4
		putUint48(buf[off:off+6], p.BlockRangeStart)
		off += 6
		copy(buf[off:off+16], p.ResourceHash[:])
		off += 16
		be.PutUint64(buf[off:off+8], p.ResourceLength)
		off += 8
		putUint48(buf[off:off+6], p.BlockRangeEnd)
		return buf, nil

	case Data:
		buf := make([]byte, sizeDataHeader+len(p.Payload))
		putMagic(buf, MagicData)
		off := MagicSize
		putUint48(buf[off:off+6], p.BlockID)
		off += 6
		copy(buf[off:off+3], p.Timestamp.AppendBytes(nil))
		off += 3
		be.PutUint16(buf[off:off+2], p.Delay)
		off += 2
		putUint24(buf[off:off+3], p.SequenceNum)
		off += 3
		copy(buf[off:], p.Payload)
		return buf, nil

	case AckBlock:
		buf := make([]byte, sizeAckBlock)
		putMagic(buf, MagicAckBlock)
		putUint48(buf[MagicSize:MagicSize+6], p.BlockID)
		return buf, nil

	case NackBlock:
		buf := make([]byte, sizeNackBlock)
		putMagic(buf, MagicNackBlock)
		putUint48(buf[MagicSize:MagicSize+6], p.BlockID)
		be.PutUint16(buf[MagicSize+6:MagicSize+8], p.ReceivedSymbols)
		return buf, nil

	case ShrinkRange:
		buf := make([]byte, sizeShrinkRange)
		putMagic(buf, MagicShrinkRange)
		putUint48(buf[MagicSize:MagicSize+6], p.BlockRangeStart)
		putUint48(buf[MagicSize+6:MagicSize+12], p.BlockRangeEnd)
		return buf, nil

	case Error:
		buf := make([]byte, sizeError)
		putMagic(buf, MagicError)
		be.PutUint16(buf[MagicSize:MagicSize+2], uint16(p.Code))
		return buf, nil

	case Feedback:
		buf := make([]byte, sizeFeedback)
		putMagic(buf, MagicFeedback)
		off := MagicSize
		be.PutUint16(buf[off:off+2], p.Delay)
		off += 2
		copy(buf[off:off+3], p.Timestamp.AppendBytes(nil))
		off += 3
		be.PutUint32(buf[off:off+4], uint32(p.ReceiveRate))
		off += 4
		be.PutUint32(buf[off:off+4], math.Float32bits(p.LossEventRate))
		return buf, nil

	default:
		return nil, fmt.Errorf("wire: unknown packet type %T", pkt)
	}
}

// Decode parses a single UDP datagram payload into a typed Packet. Unknown
// magics and frames whose size doesn't match their kind's expected size
// are rejected; callers are expected to drop such frames silently per
// spec §6/§7 rather than propagate the error to a peer.
func Decode(frame []byte) (Packet, error) {
	if len(frame) < MagicSize {
		return nil, ErrMalformed
	}
	magic := Magic(be.Uint16(frame[:MagicSize]))

	switch magic {
	case MagicRequestResource:
		if len(frame) != sizeRequestResource {
			return nil, ErrMalformed
		}
		off := MagicSize
		ts := timestamp.FromBytes(frame[off : off+3])
		off += 3
		rate := be.Uint32(frame[off : off+4])
		off += 4
		start := getUint48(frame[off : off+6])
		off += 6
		var hash [16]byte
		copy(hash[:], frame[off:off+16])
		off += 16
		length := be.Uint64(frame[off : off+8])
		off += 8
		end := getUint48(frame[off : off+6])
		return RequestResource{
			Timestamp:       ts,
			SendingRate:     rate,
			BlockRangeStart: start,
			ResourceHash:    hash,
			ResourceLength:  length,
			BlockRangeEnd:   end,
		}, nil

	case MagicData:
		if len(frame) < sizeDataHeader {
			return nil, ErrMalformed
		}
		off := MagicSize
		blockID := getUint48(frame[off : off+6])
		off += 6
		ts := timestamp.FromBytes(frame[off : off+3])
		off += 3
		delay := be.Uint16(frame[off : off+2])
		off += 2
		seq := getUint24(frame[off : off+3])
		off += 3
		payload := append([]byte(nil), frame[off:]...)
		return Data{
			BlockID:     blockID,
			Timestamp:   ts,
			Delay:       delay,
			SequenceNum: seq,
			Payload:     payload,
		}, nil

	case MagicAckBlock:
		if len(frame) != sizeAckBlock {
			return nil, ErrMalformed
		}
		return AckBlock{BlockID: getUint48(frame[MagicSize : MagicSize+6])}, nil

	case MagicNackBlock:
		if len(frame) != sizeNackBlock {
			return nil, ErrMalformed
		}
		return NackBlock{
			BlockID:         getUint48(frame[MagicSize : MagicSize+6]),
			ReceivedSymbols: be.Uint16(frame[MagicSize+6 : MagicSize+8]),
		}, nil

	case MagicShrinkRange:
		if len(frame) != sizeShrinkRange {
			return nil, ErrMalformed
		}
		return ShrinkRange{
			BlockRangeStart: getUint48(frame[MagicSize : MagicSize+6]),
			BlockRangeEnd:   getUint48(frame[MagicSize+6 : MagicSize+12]),
		}, nil

	case MagicError:
		if len(frame) != sizeError {
			return nil, ErrMalformed
		}
		return Error{Code: ErrorCode(be.Uint16(frame[MagicSize : MagicSize+2]))}, nil

	case MagicFeedback:
		if len(frame) != sizeFeedback {
			return nil, ErrMalformed
		}
		off := MagicSize
		delay := be.Uint16(frame[off : off+2])
		off += 2
		ts := timestamp.FromBytes(frame[off : off+3])
		off += 3
		rate := be.Uint32(frame[off : off+4])
		off += 4
		loss := math.Float32frombits(be.Uint32(frame[off : off+4]))
		return Feedback{
			Delay:         delay,
			Timestamp:     ts,
			ReceiveRate:   rate,
			LossEventRate: loss,
		}, nil

	default:
		return nil, ErrUnknownMagic
	}
}

func putMagic(buf []byte, m Magic) {
	be.PutUint16(buf[:MagicSize], uint16(m))
}

func putUint48(buf []byte, v uint64) {
	buf[0] = byte(v >> 40)
	buf[1] = byte(v >> 32)
	buf[2] = byte(v >> 24)
	buf[3] = byte(v >> 16)
	buf[4] = byte(v >> 8)
	buf[5] = byte(v)
}

func getUint48(buf []byte) uint64 {
	return uint64(buf[0])<<40 | uint64(buf[1])<<32 | uint64(buf[2])<<24 |
		uint64(buf[3])<<16 | uint64(buf[4])<<8 | uint64(buf[5])
}

func putUint24(buf []byte, v uint32) {
	buf[0] = byte(v >> 16)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v)
}

func getUint24(buf []byte) uint32 {
	return uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2])
}
