// Package fec wraps the RaptorQ fountain codec behind the black-box
// contract of spec §6: make_encoder/Encoder.symbol and
// make_decoder/Decoder.feed. The underlying codec comes from
// github.com/Watchdog-Network/gofountain, the only RaptorQ-family library
// surfaced in the example pack (vendored there for per-block symbol
// generation in a Hyperledger Fabric block replicator). Wire transport of
// the opaque gofountain.LTBlock value follows that same example's
// pattern of JSON-marshalling LTBlock across a network boundary
// (types.SymbolData.SourceData).
package fec

import (
	"encoding/json"
	"errors"

	"github.com/Watchdog-Network/gofountain"
)

// SymbolSize is the fixed FEC symbol size in bytes, matching the
// reference implementation's MAXIMUM_TRANSMISSION_UNIT.
const SymbolSize = 512

// SymbolsPerBlock is the number of source symbols a full block is cut
// into, matching the reference implementation's SYMBOLS_PER_BLOCK.
const SymbolsPerBlock = 100

// BlockSize is the byte size of a full (non-final) block.
const BlockSize = SymbolSize * SymbolsPerBlock

// NumBlocks returns N, the number of blocks a resource of the given
// length is cut into. An empty resource has zero blocks.
func NumBlocks(length uint64) uint64 {
	if length == 0 {
		return 0
	}
	return (length + BlockSize - 1) / BlockSize
}

// BlockLength returns the byte length of block blockID within a resource
// of the given length, or -1 if blockID is out of range. Every block is
// BlockSize bytes except possibly the last, which holds the remainder.
func BlockLength(length uint64, blockID uint64) int {
	n := NumBlocks(length)
	if n == 0 || blockID >= n {
		return -1
	}
	if blockID < n-1 {
		return BlockSize
	}
	last := int(length % BlockSize)
	if last == 0 {
		return BlockSize
	}
	return last
}

// ErrNotYetDecodable is a sentinel for "need more symbols". Decoder.Feed
// does not return it: Feed reports that case as (nil, false, nil) and
// keeps a non-nil error for a genuine unmarshalling failure.
var ErrNotYetDecodable = errors.New("fec: block not yet decodable")

func numSymbols(blockLen int) int {
	return (blockLen + SymbolSize - 1) / SymbolSize
}

func padToSymbolSize(block []byte) []byte {
	n := numSymbols(len(block)) * SymbolSize
	if n == len(block) {
		return block
	}
	padded := make([]byte, n)
	copy(padded, block)
	return padded
}

func marshalSymbol(blk gofountain.LTBlock) ([]byte, error) {
	return json.Marshal(blk)
}

func unmarshalSymbol(payload []byte) (gofountain.LTBlock, error) {
	var blk gofountain.LTBlock
	err := json.Unmarshal(payload, &blk)
	return blk, err
}
