package tfrc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUpdateRTTEMA(t *testing.T) {
	e := &Estimator{}
	e.UpdateRTT(100 * time.Millisecond)
	rtt, ok := e.RTT()
	assert.True(t, ok)
	assert.Equal(t, 100*time.Millisecond, rtt)

	e.UpdateRTT(180 * time.Millisecond)
	rtt, _ = e.RTT()
	// EWMA with alpha=1/8: 100 + (180-100)/8 = 110ms
	assert.Equal(t, 110*time.Millisecond, rtt)
}

func TestAllowedRateNoSamplesPassesThrough(t *testing.T) {
	e := &Estimator{}
	assert.EqualValues(t, 1_000_000, e.AllowedRate(1_000_000))
}

func TestAllowedRateCapsUnderLoss(t *testing.T) {
	e := &Estimator{}
	e.UpdateRTT(100 * time.Millisecond)
	e.UpdateLossEventRate(0.1)

	got := e.AllowedRate(100_000_000)
	assert.Less(t, got, uint32(100_000_000))
	assert.Greater(t, got, uint32(0))
}

func TestAllowedRateFloorsUnderHighLoss(t *testing.T) {
	e := &Estimator{}
	e.UpdateRTT(100 * time.Millisecond)
	e.UpdateLossEventRate(0.9)

	got := e.AllowedRate(100_000_000)
	assert.Greater(t, got, uint32(0))
	assert.GreaterOrEqual(t, got, uint32(minRateBps))
}

func TestFeedbackPeriodFloor(t *testing.T) {
	e := &Estimator{}
	assert.Equal(t, MaxHeartbeatInterval, e.FeedbackPeriod())

	e.UpdateRTT(500 * time.Millisecond)
	assert.Equal(t, 500*time.Millisecond, e.FeedbackPeriod())
}

func TestHeartbeatIntervalNoRTT(t *testing.T) {
	assert.Equal(t, MaxHeartbeatInterval, HeartbeatInterval(false, 0, 1_000_000))
}

func TestHeartbeatIntervalBoundedByRTT(t *testing.T) {
	got := HeartbeatInterval(true, 50*time.Millisecond, 4_000_000_000)
	assert.Equal(t, 50*time.Millisecond, got)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := NewBackoff()
	assert.Equal(t, 200*time.Millisecond, b.Next())
	assert.Equal(t, 400*time.Millisecond, b.Next())
	assert.Equal(t, 800*time.Millisecond, b.Next())
	assert.Equal(t, 1600*time.Millisecond, b.Next())
	assert.Equal(t, 3200*time.Millisecond, b.Next())
	assert.Equal(t, 3200*time.Millisecond, b.Next())

	b.Reset()
	assert.Equal(t, 200*time.Millisecond, b.Next())
}
