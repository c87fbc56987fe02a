package receiver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixschorer/cmb-protocol/internal/connio"
	"github.com/felixschorer/cmb-protocol/internal/mocknet"
	"github.com/felixschorer/cmb-protocol/internal/store"
	"github.com/felixschorer/cmb-protocol/internal/wire"
)

func readPacket(t *testing.T, conn *mocknet.Conn, timeout time.Duration) wire.Packet {
	t.Helper()
	buf := make([]byte, 2048)
	type result struct {
		n   int
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		n, _, err := conn.ReadFrom(buf)
		resultCh <- result{n, err}
	}()

	select {
	case r := <-resultCh:
		require.NoError(t, r.err)
		pkt, err := wire.Decode(buf[:r.n])
		require.NoError(t, err)
		return pkt
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a packet")
		return nil
	}
}

// TestRequestingRetriesWithBackoff checks that a connection with no
// server on the other end resends its Request at the bounded
// exponential schedule rather than busy-looping.
func TestRequestingRetriesWithBackoff(t *testing.T) {
	net_ := mocknet.NewNetwork(1)
	clientConn := net_.Listen("client")
	serverConn := net_.Listen("server")
	defer clientConn.Close()
	defer serverConn.Close()

	socket := connio.New(clientConn)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := New(ctx, mocknet.Addr("server"), func(p wire.Packet) error { return socket.Send(mocknet.Addr("server"), p) },
		discardSink{}, [16]byte{9}, 10*1024, 0, 20, 1000, nil)
	go c.Run()
	defer c.Close()

	first := readPacket(t, serverConn, time.Second)
	_, ok := first.(wire.RequestResource)
	assert.True(t, ok)

	second := readPacket(t, serverConn, time.Second)
	_, ok = second.(wire.RequestResource)
	assert.True(t, ok, "expected a retried Request within the backoff window")
}

// TestEmptyRangeCompletesImmediately covers the zero-block scenario
// (spec §8, scenario 1): a connection whose range is already empty
// should send the Opposite-Range-ACK and close without waiting on Data.
func TestEmptyRangeCompletesImmediately(t *testing.T) {
	net_ := mocknet.NewNetwork(2)
	clientConn := net_.Listen("client")
	serverConn := net_.Listen("server")
	defer clientConn.Close()
	defer serverConn.Close()

	socket := connio.New(clientConn)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := New(ctx, mocknet.Addr("server"), func(p wire.Packet) error { return socket.Send(mocknet.Addr("server"), p) },
		discardSink{}, [16]byte{1}, 0, 0, 0, 1000, nil)
	go c.Run()

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("connection with an empty range did not close")
	}
	assert.NoError(t, c.Err())
}

type discardSink struct{}

func (discardSink) WriteBlock(uint64, []byte) error { return nil }
func (discardSink) Close() error                    { return nil }

var _ store.Sink = discardSink{}
