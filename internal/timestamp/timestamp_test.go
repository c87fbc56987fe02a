package timestamp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByteRoundTrip(t *testing.T) {
	cases := []T{0, 1, 12345, wrapMillis - 1}
	for _, tc := range cases {
		buf := tc.AppendBytes(nil)
		require.Len(t, buf, 3)
		assert.Equal(t, tc, FromBytes(buf))
	}
}

func TestSubWithinRange(t *testing.T) {
	a := T(1000)
	b := T(1500)
	assert.Equal(t, 500*time.Millisecond, b.Sub(a))
	assert.Equal(t, -500*time.Millisecond, a.Sub(b))
}

func TestSubAcrossWrap(t *testing.T) {
	a := T(wrapMillis - 10)
	b := T(5)
	// b is 15ms after a, wrapping around 2^24.
	assert.Equal(t, 15*time.Millisecond, b.Sub(a))
	assert.Equal(t, -15*time.Millisecond, a.Sub(b))
}

func TestBeforeAfter(t *testing.T) {
	a := T(100)
	b := T(200)
	assert.True(t, a.Before(b))
	assert.True(t, b.After(a))
	assert.False(t, a.After(b))
}

func TestAddWraps(t *testing.T) {
	start := T(wrapMillis - 5)
	got := start.Add(10 * time.Millisecond)
	assert.Equal(t, T(5), got)
}
