package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResourceIDHashOnly(t *testing.T) {
	id, err := ParseResourceID("000102030405060708090a0b0c0d0e0f")
	require.NoError(t, err)
	assert.False(t, id.HasLength)
	assert.EqualValues(t, 0, id.Length)
	assert.Equal(t, "000102030405060708090a0b0c0d0e0f", id.String())
}

func TestParseResourceIDWithZeroLength(t *testing.T) {
	// spec §8 scenario 1 (empty resource): the length hint is the
	// legitimate value zero, not an absent hint.
	id, err := ParseResourceID("000102030405060708090a0b0c0d0e0f0000000000000000")
	require.NoError(t, err)
	assert.True(t, id.HasLength)
	assert.EqualValues(t, 0, id.Length)
	assert.Equal(t, "000102030405060708090a0b0c0d0e0f0000000000000000", id.String())
}

func TestParseResourceIDWithNonzeroLength(t *testing.T) {
	id, err := ParseResourceID("000102030405060708090a0b0c0d0e0f00000000000003e8")
	require.NoError(t, err)
	assert.True(t, id.HasLength)
	assert.EqualValues(t, 1000, id.Length)
	assert.Equal(t, "000102030405060708090a0b0c0d0e0f00000000000003e8", id.String())
}

func TestParseResourceIDInvalidLength(t *testing.T) {
	_, err := ParseResourceID("deadbeef")
	assert.Error(t, err)
}

func TestParseResourceIDInvalidHex(t *testing.T) {
	_, err := ParseResourceID("zz0102030405060708090a0b0c0d0e0f")
	assert.Error(t, err)
}

func TestResourceIDStringRoundTrip(t *testing.T) {
	id := ResourceID{Hash: [16]byte{0xff, 0xee}, Length: 42, HasLength: true}
	parsed, err := ParseResourceID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}
