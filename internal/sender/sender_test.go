package sender

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixschorer/cmb-protocol/internal/connio"
	"github.com/felixschorer/cmb-protocol/internal/mocknet"
	"github.com/felixschorer/cmb-protocol/internal/store"
	"github.com/felixschorer/cmb-protocol/internal/timestamp"
	"github.com/felixschorer/cmb-protocol/internal/wire"
)

func TestSenderRepliesUnknownResource(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net_ := mocknet.NewNetwork(1)
	serverConn := net_.Listen("server")
	clientConn := net_.Listen("client")
	defer serverConn.Close()
	defer clientConn.Close()

	s := New(connio.New(serverConn), store.NewStore())
	go s.Run(ctx)

	client := connio.New(clientConn)
	req := wire.RequestResource{
		Timestamp:      timestamp.Now(time.Now()),
		SendingRate:    1000,
		ResourceHash:   [16]byte{1, 2, 3},
		ResourceLength: 100,
		BlockRangeEnd:  1,
	}
	require.NoError(t, client.Send(mocknet.Addr("server"), req))

	buf := make([]byte, 2048)
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := clientConn.ReadFrom(buf)
	require.NoError(t, err)

	pkt, err := wire.Decode(buf[:n])
	require.NoError(t, err)
	errPkt, ok := pkt.(wire.Error)
	require.True(t, ok)
	assert.Equal(t, wire.ErrorCodeUnknownResource, errPkt.Code)
}

func TestInactivityTimeoutMatchesSpec(t *testing.T) {
	// spec.md §4.8: "Connection-level inactivity timeout: 10 s without
	// any inbound packet", with no sender/receiver distinction.
	assert.Equal(t, 10*time.Second, inactivityTimeout)
}

func TestSenderServesDataForKnownResource(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net_ := mocknet.NewNetwork(2)
	serverConn := net_.Listen("server")
	clientConn := net_.Listen("client")
	defer serverConn.Close()
	defer clientConn.Close()

	st := store.NewStore()
	resource := st.Add([]byte("some small resource payload"))

	s := New(connio.New(serverConn), st)
	go s.Run(ctx)

	client := connio.New(clientConn)
	req := wire.RequestResource{
		Timestamp:      timestamp.Now(time.Now()),
		SendingRate:    800_000,
		ResourceHash:   resource.Hash,
		ResourceLength: resource.Length,
		BlockRangeEnd:  1,
	}
	require.NoError(t, client.Send(mocknet.Addr("server"), req))

	buf := make([]byte, 2048)
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := clientConn.ReadFrom(buf)
	require.NoError(t, err)

	pkt, err := wire.Decode(buf[:n])
	require.NoError(t, err)
	data, ok := pkt.(wire.Data)
	require.True(t, ok)
	assert.EqualValues(t, 0, data.BlockID)
}
