package mocknet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripLossless(t *testing.T) {
	n := NewNetwork(1)
	a := n.Listen("a")
	b := n.Listen("b")
	defer a.Close()
	defer b.Close()

	_, err := a.WriteTo([]byte("hello"), Addr("b"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	read, from, err := b.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:read]))
	assert.Equal(t, Addr("a"), from)
}

func TestWriteToUnknownEndpoint(t *testing.T) {
	n := NewNetwork(1)
	a := n.Listen("a")
	defer a.Close()

	_, err := a.WriteTo([]byte("x"), Addr("nowhere"))
	assert.Error(t, err)
}

func TestLossDropsDatagrams(t *testing.T) {
	n := NewNetwork(2).WithLoss(1)
	a := n.Listen("a")
	b := n.Listen("b")
	defer a.Close()
	defer b.Close()

	_, err := a.WriteTo([]byte("x"), Addr("b"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	done := make(chan struct{})
	go func() {
		b.ReadFrom(buf)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("expected the datagram to be dropped")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseUnblocksReadFrom(t *testing.T) {
	n := NewNetwork(3)
	a := n.Listen("a")

	done := make(chan error, 1)
	go func() {
		_, _, err := a.ReadFrom(make([]byte, 16))
		done <- err
	}()

	a.Close()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("ReadFrom did not unblock after Close")
	}
}
