// Package timebase converts timestamps between container time bases and
// normalized stream time.
package timebase

import (
	"math"
	"math/bits"
	"time"
)

// NoPTS marks an absent container timestamp.
const NoPTS int64 = math.MinInt64

// None marks an absent normalized time. It is never confused with zero.
const None time.Duration = -1

// PTSWrap is the modulus of 33-bit MPEG-TS presentation timestamps.
const PTSWrap int64 = 1 << 33

// Rational is a time base expressed as Num/Den seconds per tick.
type Rational struct {
	Num int64
	Den int64
}

// Common time bases.
var (
	MPEGTS      = Rational{Num: 1, Den: 90000}
	Microsecond = Rational{Num: 1, Den: 1_000_000}
	Nanosecond  = Rational{Num: 1, Den: 1_000_000_000}
)

// Rescale returns a*b/c rounded to the nearest integer, with halves rounded
// away from zero. The intermediate product is kept in 128 bits.
func Rescale(a, b, c int64) int64 {
	if c <= 0 || b < 0 {
		return NoPTS
	}
	if a == NoPTS {
		return NoPTS
	}
	neg := a < 0
	ua := uint64(a)
	if neg {
		ua = uint64(-a)
	}

	hi, lo := bits.Mul64(ua, uint64(b))
	lo, carry := bits.Add64(lo, uint64(c)/2, 0)
	hi += carry
	if hi >= uint64(c) {
		// overflow of the 64-bit quotient
		if neg {
			return math.MinInt64 + 1
		}
		return math.MaxInt64
	}
	q, _ := bits.Div64(hi, lo, uint64(c))
	if q > math.MaxInt64 {
		q = math.MaxInt64
	}
	if neg {
		return -int64(q)
	}
	return int64(q)
}

// RescaleQ converts ts from time base from into time base to.
func RescaleQ(ts int64, from, to Rational) int64 {
	if ts == NoPTS {
		return NoPTS
	}
	return Rescale(ts, from.Num*to.Den, from.Den*to.Num)
}

// ToDuration converts a timestamp in tb into a time.Duration.
// NoPTS maps to None.
func ToDuration(ts int64, tb Rational) time.Duration {
	if ts == NoPTS {
		return None
	}
	return time.Duration(RescaleQ(ts, tb, Nanosecond))
}

// FromDuration converts a duration into a timestamp in tb.
// None maps to NoPTS.
func FromDuration(d time.Duration, tb Rational) int64 {
	if d == None {
		return NoPTS
	}
	return RescaleQ(int64(d), Nanosecond, tb)
}

// IsValid reports whether d holds a real time value.
func IsValid(d time.Duration) bool {
	return d >= 0
}

// Normalize rebases pos against start, clamping at zero.
// None passes through unchanged.
func Normalize(pos, start time.Duration) time.Duration {
	switch {
	case !IsValid(pos):
		return None
	case !IsValid(start):
		return pos
	case start >= pos:
		return 0
	}
	return pos - start
}

// Unwrap33 extends a 33-bit PTS so that it lies within half a wrap of ref.
// ref may be NoPTS, in which case cur is returned unchanged.
func Unwrap33(ref, cur int64) int64 {
	if ref == NoPTS || cur == NoPTS {
		return cur
	}
	cur &= PTSWrap - 1
	base := ref - (ref & (PTSWrap - 1))
	v := base + cur
	switch {
	case v-ref > PTSWrap/2:
		v -= PTSWrap
	case ref-v > PTSWrap/2:
		v += PTSWrap
	}
	return v
}
