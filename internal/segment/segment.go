// Package segment tracks the playback window shared by the demuxer and its
// downstream channels.
package segment

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmylchreest/tsdemux/internal/timebase"
)

// Format is the unit of segment values. Only Time is produced.
type Format int

const (
	FormatUndefined Format = iota
	FormatTime
)

func (f Format) String() string {
	switch f {
	case FormatTime:
		return "time"
	default:
		return "undefined"
	}
}

// SeekFlags modify how a reposition request is carried out.
type SeekFlags uint32

const (
	SeekFlagNone SeekFlags = 0
	// SeekFlagFlush discards in-flight data before repositioning.
	SeekFlagFlush SeekFlags = 1 << iota
	// SeekFlagAccurate is accepted and ignored.
	SeekFlagAccurate
	// SeekFlagKeyUnit snaps the target to the nearest earlier keyframe.
	SeekFlagKeyUnit
	// SeekFlagSegment requests a segment-done notification instead of EOS.
	SeekFlagSegment
)

// Has reports whether all bits of o are set.
func (f SeekFlags) Has(o SeekFlags) bool {
	return f&o == o
}

func (f SeekFlags) String() string {
	if f == SeekFlagNone {
		return "none"
	}
	var parts []string
	for _, v := range []struct {
		flag SeekFlags
		name string
	}{
		{SeekFlagFlush, "flush"},
		{SeekFlagAccurate, "accurate"},
		{SeekFlagKeyUnit, "key-unit"},
		{SeekFlagSegment, "segment"},
	} {
		if f.Has(v.flag) {
			parts = append(parts, v.name)
		}
	}
	return strings.Join(parts, "+")
}

// SeekType says how a seek boundary is interpreted.
type SeekType int

const (
	// SeekTypeNone leaves the boundary unchanged.
	SeekTypeNone SeekType = iota
	// SeekTypeSet uses the value as an absolute position.
	SeekTypeSet
	// SeekTypeEnd uses the value relative to the duration.
	SeekTypeEnd
)

var (
	ErrInvalidRate  = errors.New("segment rate must not be zero")
	ErrInvalidRange = errors.New("segment start is after stop")
	ErrNoDuration   = errors.New("segment duration unknown")
)

// Segment is the active playback window. All values are in normalized
// stream time; timebase.None marks an undefined value.
type Segment struct {
	Rate     float64
	Format   Format
	Flags    SeekFlags
	Base     time.Duration
	Start    time.Duration
	Stop     time.Duration
	Time     time.Duration
	Position time.Duration
	Duration time.Duration
}

// New returns a segment spanning the whole stream at normal rate.
func New() Segment {
	return Segment{
		Rate:     1.0,
		Format:   FormatTime,
		Start:    0,
		Stop:     timebase.None,
		Time:     0,
		Position: 0,
		Duration: timebase.None,
	}
}

// Reset restores the segment to its initial state.
func (s *Segment) Reset() {
	*s = New()
}

func (s *Segment) resolve(typ SeekType, v, current time.Duration) (time.Duration, error) {
	switch typ {
	case SeekTypeSet:
		return v, nil
	case SeekTypeEnd:
		if !timebase.IsValid(s.Duration) {
			return 0, ErrNoDuration
		}
		r := s.Duration + v
		if r < 0 {
			r = 0
		}
		return r, nil
	default:
		return current, nil
	}
}

// DoSeek applies a seek request to the segment. update reports whether the
// playback position moved. On error the segment is left untouched.
func (s *Segment) DoSeek(rate float64, flags SeekFlags, startType SeekType, start time.Duration,
	stopType SeekType, stop time.Duration,
) (bool, error) {
	if rate == 0 {
		return false, ErrInvalidRate
	}

	newStart, err := s.resolve(startType, start, s.Start)
	if err != nil {
		return false, fmt.Errorf("resolving start: %w", err)
	}
	newStop, err := s.resolve(stopType, stop, s.Stop)
	if err != nil {
		return false, fmt.Errorf("resolving stop: %w", err)
	}
	if !timebase.IsValid(newStart) {
		newStart = 0
	}
	if timebase.IsValid(s.Duration) && newStart > s.Duration {
		newStart = s.Duration
	}
	if timebase.IsValid(newStop) && newStart > newStop {
		return false, ErrInvalidRange
	}

	position := newStart
	if rate < 0 && timebase.IsValid(newStop) {
		position = newStop
	}
	update := position != s.Position

	if flags.Has(SeekFlagFlush) {
		s.Base = 0
	} else if timebase.IsValid(s.Position) && s.Position > s.Start {
		s.Base += s.Position - s.Start
	}

	s.Rate = rate
	s.Flags = flags
	s.Start = newStart
	s.Stop = newStop
	s.Time = newStart
	s.Position = position
	return update, nil
}

// ToStreamTime converts a position inside the segment into stream time.
// Positions outside the segment map to timebase.None.
func (s *Segment) ToStreamTime(pos time.Duration) time.Duration {
	if !timebase.IsValid(pos) || pos < s.Start {
		return timebase.None
	}
	if timebase.IsValid(s.Stop) && pos > s.Stop {
		return timebase.None
	}
	return s.Time + (pos - s.Start)
}

// StopOrDuration returns the stop bound, falling back to the duration.
func (s *Segment) StopOrDuration() time.Duration {
	if timebase.IsValid(s.Stop) {
		return s.Stop
	}
	return s.Duration
}

// PastStop reports whether pos lies beyond a defined stop bound.
func (s *Segment) PastStop(pos time.Duration) bool {
	return timebase.IsValid(s.Stop) && timebase.IsValid(pos) && pos > s.Stop
}

func (s Segment) String() string {
	return fmt.Sprintf("segment{rate=%g flags=%s start=%s stop=%s time=%s position=%s duration=%s}",
		s.Rate, s.Flags, fmtTime(s.Start), fmtTime(s.Stop), fmtTime(s.Time), fmtTime(s.Position), fmtTime(s.Duration))
}

func fmtTime(d time.Duration) string {
	if !timebase.IsValid(d) {
		return "none"
	}
	return d.String()
}
