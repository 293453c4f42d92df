package timebase

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRescale(t *testing.T) {
	tests := []struct {
		name    string
		a, b, c int64
		want    int64
	}{
		{"identity", 42, 1, 1, 42},
		{"90k to ns", 90000, 1_000_000_000, 90000, 1_000_000_000},
		{"rounds half up", 3, 1, 2, 2},
		{"rounds down", 4, 1, 3, 1},
		{"negative rounds away from zero", -3, 1, 2, -2},
		{"large product", math.MaxInt64 / 2, 4, 4, math.MaxInt64 / 2},
		{"saturates", math.MaxInt64, 4, 1, math.MaxInt64},
		{"sentinel passes through", NoPTS, 1, 1, NoPTS},
		{"invalid divisor", 1, 1, 0, NoPTS},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Rescale(tt.a, tt.b, tt.c))
		})
	}
}

func TestToDuration(t *testing.T) {
	assert.Equal(t, time.Second, ToDuration(90000, MPEGTS))
	assert.Equal(t, 40*time.Millisecond, ToDuration(3600, MPEGTS))
	assert.Equal(t, time.Duration(0), ToDuration(0, MPEGTS))
	assert.Equal(t, None, ToDuration(NoPTS, MPEGTS))
}

func TestFromDuration(t *testing.T) {
	assert.Equal(t, int64(90000), FromDuration(time.Second, MPEGTS))
	assert.Equal(t, int64(1500), FromDuration(1500*time.Microsecond, Microsecond))
	assert.Equal(t, NoPTS, FromDuration(None, MPEGTS))
	assert.Equal(t, int64(0), FromDuration(0, MPEGTS))
}

func TestRoundTripKeepsSentinels(t *testing.T) {
	for _, ts := range []int64{0, 1, 3003, 90000, 8589934591} {
		d := ToDuration(ts, MPEGTS)
		assert.True(t, IsValid(d))
		assert.Equal(t, ts, FromDuration(d, MPEGTS))
	}
	assert.False(t, IsValid(ToDuration(NoPTS, MPEGTS)))
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name       string
		pos, start time.Duration
		want       time.Duration
	}{
		{"after start", 5 * time.Second, 2 * time.Second, 3 * time.Second},
		{"equal to start", 2 * time.Second, 2 * time.Second, 0},
		{"before start clamps", time.Second, 2 * time.Second, 0},
		{"unknown position", None, time.Second, None},
		{"unknown start", 3 * time.Second, None, 3 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.pos, tt.start))
		})
	}
}

func TestUnwrap33(t *testing.T) {
	assert.Equal(t, int64(100), Unwrap33(NoPTS, 100))
	assert.Equal(t, int64(200), Unwrap33(100, 200))
	assert.Equal(t, PTSWrap+10, Unwrap33(PTSWrap-10, 10))
	assert.Equal(t, PTSWrap-10, Unwrap33(PTSWrap+10, PTSWrap-10))
}
