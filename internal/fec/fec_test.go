package fec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumBlocks(t *testing.T) {
	assert.EqualValues(t, 0, NumBlocks(0))
	assert.EqualValues(t, 1, NumBlocks(1))
	assert.EqualValues(t, 1, NumBlocks(BlockSize))
	assert.EqualValues(t, 2, NumBlocks(BlockSize+1))
}

func TestBlockLength(t *testing.T) {
	length := uint64(BlockSize + 100)
	assert.Equal(t, BlockSize, BlockLength(length, 0))
	assert.Equal(t, 100, BlockLength(length, 1))
	assert.Equal(t, -1, BlockLength(length, 2))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	block := make([]byte, 3000)
	for i := range block {
		block[i] = byte(i % 251)
	}

	enc := NewEncoder(block)
	symbols := numSymbols(len(block))
	dec := NewDecoder(symbols, len(block))

	var out []byte
	for seq := uint32(0); seq < 64; seq++ {
		payload, err := enc.Symbol(seq)
		require.NoError(t, err)

		decoded, done, err := dec.Feed(seq, payload)
		require.NoError(t, err)
		if done {
			out = decoded
			break
		}
	}

	require.NotNil(t, out)
	assert.Equal(t, block, out)
	assert.True(t, dec.Done())
}

func TestDeterministicSymbols(t *testing.T) {
	block := []byte("a reasonably sized block of source bytes for testing")
	enc1 := NewEncoder(block)
	enc2 := NewEncoder(block)

	for seq := uint32(0); seq < 10; seq++ {
		s1, err := enc1.Symbol(seq)
		require.NoError(t, err)
		s2, err := enc2.Symbol(seq)
		require.NoError(t, err)
		assert.Equal(t, s1, s2, "sequence %d should be byte-identical across independent encoders", seq)
	}
}

func TestDecoderIgnoresDuplicates(t *testing.T) {
	block := make([]byte, 1500)
	enc := NewEncoder(block)
	symbols := numSymbols(len(block))
	dec := NewDecoder(symbols, len(block))

	payload, err := enc.Symbol(0)
	require.NoError(t, err)

	_, done, err := dec.Feed(0, payload)
	require.NoError(t, err)
	assert.False(t, done)
	assert.EqualValues(t, 1, dec.ReceivedSymbols())

	_, done, err = dec.Feed(0, payload)
	require.NoError(t, err)
	assert.False(t, done)
	assert.EqualValues(t, 1, dec.ReceivedSymbols(), "duplicate sequence number must not be counted twice")
}
