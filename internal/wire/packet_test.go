package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixschorer/cmb-protocol/internal/timestamp"
)

func roundTrip(t *testing.T, pkt Packet) Packet {
	t.Helper()
	buf, err := Encode(pkt)
	require.NoError(t, err)
	got, err := Decode(buf)
	require.NoError(t, err)
	return got
}

func TestRequestResourceRoundTrip(t *testing.T) {
	want := RequestResource{
		Timestamp:       timestamp.T(123456),
		SendingRate:     900_000,
		BlockRangeStart: 0,
		ResourceHash:    [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		ResourceLength:  1 << 40,
		BlockRangeEnd:   1000,
	}
	assert.Equal(t, want, roundTrip(t, want))
	assert.False(t, IsReversed(want.BlockRangeStart, want.BlockRangeEnd))
}

func TestRequestResourceReversedRoundTrip(t *testing.T) {
	want := RequestResource{
		BlockRangeStart: 1000,
		BlockRangeEnd:   0,
		ResourceLength:  4096,
	}
	got := roundTrip(t, want).(RequestResource)
	assert.Equal(t, want, got)
	assert.True(t, IsReversed(got.BlockRangeStart, got.BlockRangeEnd))
}

func TestDataRoundTrip(t *testing.T) {
	want := Data{
		BlockID:     1 << 47,
		Timestamp:   timestamp.T(42),
		Delay:       17,
		SequenceNum: 1 << 23,
		Payload:     []byte("some encoded symbol bytes"),
	}
	assert.Equal(t, want, roundTrip(t, want))
}

func TestDataRoundTripEmptyPayload(t *testing.T) {
	want := Data{BlockID: 7, SequenceNum: 0}
	got := roundTrip(t, want).(Data)
	assert.Equal(t, want.BlockID, got.BlockID)
	assert.Empty(t, got.Payload)
}

func TestAckBlockRoundTrip(t *testing.T) {
	want := AckBlock{BlockID: 1<<48 - 1}
	assert.Equal(t, want, roundTrip(t, want))
}

func TestNackBlockRoundTrip(t *testing.T) {
	want := NackBlock{BlockID: 99, ReceivedSymbols: 12}
	assert.Equal(t, want, roundTrip(t, want))
}

func TestShrinkRangeRoundTrip(t *testing.T) {
	want := ShrinkRange{BlockRangeStart: 10, BlockRangeEnd: 20}
	assert.Equal(t, want, roundTrip(t, want))
}

func TestErrorRoundTrip(t *testing.T) {
	want := Error{Code: ErrorCodeUnknownResource}
	assert.Equal(t, want, roundTrip(t, want))
}

func TestFeedbackRoundTrip(t *testing.T) {
	want := Feedback{
		Delay:         5,
		Timestamp:     timestamp.T(8000),
		ReceiveRate:   321,
		LossEventRate: 0.015625,
	}
	assert.Equal(t, want, roundTrip(t, want))
}

func TestDecodeUnknownMagic(t *testing.T) {
	_, err := Decode([]byte{0xff, 0xff, 0, 0})
	assert.ErrorIs(t, err, ErrUnknownMagic)
}

func TestDecodeTruncatedFrame(t *testing.T) {
	_, err := Decode([]byte{0xcb, 0x02, 0x00})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeEmptyFrame(t *testing.T) {
	_, err := Decode(nil)
	assert.ErrorIs(t, err, ErrMalformed)
}
