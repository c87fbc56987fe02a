package fec

import (
	"sync"

	"github.com/Watchdog-Network/gofountain"
)

// Decoder is make_decoder(num_source_symbols, symbol_size) from spec §6:
// fed encoded symbols out of order and with duplicates, it reports
// decoded block bytes once enough distinct symbols have arrived.
//
// gofountain exposes decoding only as the free function Decode, which
// takes the whole accumulated symbol set and runs the belief-propagation
// matrix from scratch; there's no incremental decoder value to hold
// onto, so Feed re-runs Decode over everything received so far.
type Decoder struct {
	mu          sync.Mutex
	symbols     int
	messageSize int
	received    []gofountain.LTBlock
	seen        map[uint32]struct{}
	done        bool
}

// NewDecoder builds a decoder for a block with the given number of
// source symbols and original (unpadded) byte length.
func NewDecoder(sourceSymbols int, messageSize int) *Decoder {
	return &Decoder{
		symbols:     sourceSymbols,
		messageSize: messageSize,
		seen:        make(map[uint32]struct{}),
	}
}

// Feed submits one received symbol. It returns (blockBytes, true, nil)
// the first time enough symbols have arrived to decode, (nil, false,
// nil) if more symbols are still needed, and a non-nil error only for a
// malformed payload. Duplicate sequence numbers are ignored.
func (d *Decoder) Feed(seq uint32, payload []byte) ([]byte, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.done {
		return nil, false, nil
	}
	if _, dup := d.seen[seq]; dup {
		return nil, false, nil
	}

	blk, err := unmarshalSymbol(payload)
	if err != nil {
		return nil, false, err
	}
	d.seen[seq] = struct{}{}
	d.received = append(d.received, blk)

	out, _, decErr := gofountain.Decode(d.received, d.symbols, SymbolSize, len(d.received), d.messageSize, [32]byte{})
	if decErr != nil {
		return nil, false, nil
	}
	d.done = true
	return out, true, nil
}

// ReceivedSymbols reports how many distinct symbols have been fed so
// far, for NackBlock's received-symbols field.
func (d *Decoder) ReceivedSymbols() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint16(len(d.received))
}

// Done reports whether this decoder has already produced its block.
func (d *Decoder) Done() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}
