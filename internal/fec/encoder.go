package fec

import (
	"sync"

	"github.com/Watchdog-Network/gofountain"
)

// Encoder is make_encoder(block_bytes, symbol_size) from spec §6: given a
// block's source bytes, it yields encoded symbols deterministically by
// sequence number, so any receiver requesting the same sequence number on
// any connection gets byte-identical output.
//
// gofountain.Encode regenerates its full symbol-id sequence from a fixed
// seed on every call, so the first n ids are stable across calls that
// differ only in how many symbols were requested; Encoder exploits that
// to serve Symbol(seq) by re-requesting a growing batch and caching it.
type Encoder struct {
	mu      sync.Mutex
	message []byte
	symbols int
	cache   []gofountain.LTBlock
}

// NewEncoder builds an encoder over a single block's bytes. block is
// padded with zeroes up to a whole number of symbols before coding.
func NewEncoder(block []byte) *Encoder {
	padded := padToSymbolSize(block)
	return &Encoder{
		message: padded,
		symbols: len(padded) / SymbolSize,
	}
}

// Symbol returns the encoded payload for sequence number seq, growing
// the cached symbol batch if needed.
func (e *Encoder) Symbol(seq uint32) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	need := int(seq) + 1
	if need > len(e.cache) {
		// Ask for headroom so a burst of NACKs doesn't re-run Encode on
		// every single call.
		batch := need * 2
		e.cache = gofountain.Encode(e.message, e.symbols, SymbolSize, batch)
	}
	return marshalSymbol(e.cache[seq])
}
