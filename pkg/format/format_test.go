package format

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBytes(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1536, "1.5 KiB"},
		{1 << 20, "1.0 MiB"},
		{5 << 30, "5.0 GiB"},
		{-2048, "-2.0 KiB"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, Bytes(tt.input))
		})
	}
}

func TestBitrate(t *testing.T) {
	tests := []struct {
		name     string
		size     int64
		d        time.Duration
		expected string
	}{
		{"megabit", 125_000, time.Second, "1.0 Mbit/s"},
		{"kilobit", 16_000, 2 * time.Second, "64.0 kbit/s"},
		{"bits", 10, time.Second, "80 bit/s"},
		{"zero duration", 100, 0, "n/a"},
		{"negative size", -1, time.Second, "n/a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Bitrate(tt.size, tt.d))
		})
	}
}

func TestNumber(t *testing.T) {
	assert.Equal(t, "0", Number(0))
	assert.Equal(t, "999", Number(999))
	assert.Equal(t, "1,234,567", Number(1234567))
}

func TestNumberCompact(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{12, "12"},
		{1500, "1.5K"},
		{1_234_567, "1.2M"},
		{3_000_000_000, "3.0B"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, NumberCompact(tt.input))
		})
	}
}

func TestPercentage(t *testing.T) {
	assert.Equal(t, "45.7%", Percentage(45.678, 1))
	assert.Equal(t, "100%", Percentage(100, 0))
}

func TestTimestamp(t *testing.T) {
	tests := []struct {
		input    time.Duration
		expected string
	}{
		{0, "0:00:00.000"},
		{1960 * time.Millisecond, "0:00:01.960"},
		{83*time.Second + 250*time.Millisecond, "0:01:23.250"},
		{2*time.Hour + 3*time.Minute + 4*time.Second, "2:03:04.000"},
		{-1, "none"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, Timestamp(tt.input))
		})
	}
}
