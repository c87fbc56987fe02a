package store

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixschorer/cmb-protocol/internal/fec"
)

func TestStoreLookup(t *testing.T) {
	s := NewStore()
	data := []byte("hello resource")
	r := s.Add(data)

	got, ok := s.Lookup(r.Hash)
	require.True(t, ok)
	assert.Equal(t, uint64(len(data)), got.Length)

	_, ok = s.Lookup([16]byte{0xff})
	assert.False(t, ok)
}

func TestResourceBlockPadsFinalBlock(t *testing.T) {
	data := make([]byte, fec.BlockSize+100)
	for i := range data {
		data[i] = byte(i)
	}
	r := NewResource(data)

	first, ok := r.Block(0)
	require.True(t, ok)
	assert.Len(t, first, fec.BlockSize)
	assert.Equal(t, data[:fec.BlockSize], first)

	last, ok := r.Block(1)
	require.True(t, ok)
	assert.Len(t, last, fec.BlockSize)
	assert.Equal(t, data[fec.BlockSize:], last[:100])
	assert.Zero(t, last[100]) // padding

	_, ok = r.Block(2)
	assert.False(t, ok)
}

func TestFileSinkOutOfOrderWrites(t *testing.T) {
	data := make([]byte, fec.BlockSize+100)
	for i := range data {
		data[i] = byte(i % 256)
	}
	r := NewResource(data)

	dir := t.TempDir()
	out := filepath.Join(dir, "output.bin")
	sink, err := NewSink(out, r.Length)
	require.NoError(t, err)

	// write block 1 (final, short) before block 0
	b1, _ := r.Block(1)
	require.NoError(t, sink.WriteBlock(1, b1))
	b0, _ := r.Block(0)
	require.NoError(t, sink.WriteBlock(0, b0))
	require.NoError(t, sink.Close())

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestSequentialSinkReordersAndTruncates(t *testing.T) {
	data := make([]byte, fec.BlockSize+50)
	for i := range data {
		data[i] = byte(i % 256)
	}
	r := NewResource(data)

	var buf bytes.Buffer
	sink := newSequentialSink(&buf, r.Length)

	b1, _ := r.Block(1)
	b0, _ := r.Block(0)
	require.NoError(t, sink.WriteBlock(1, b1))
	assert.Zero(t, buf.Len(), "block 1 must be held back until block 0 arrives")
	require.NoError(t, sink.WriteBlock(0, b0))

	assert.Equal(t, data, buf.Bytes())
}

func TestDiscardSink(t *testing.T) {
	sink, err := NewSink(os.DevNull, 100)
	require.NoError(t, err)
	assert.NoError(t, sink.WriteBlock(0, make([]byte, fec.BlockSize)))
	assert.NoError(t, sink.Close())
}
