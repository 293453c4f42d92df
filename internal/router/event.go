package router

import (
	"time"

	"github.com/jmylchreest/tsdemux/internal/demux"
	"github.com/jmylchreest/tsdemux/internal/segment"
)

// EventType identifies a control event.
type EventType int

const (
	EventStreamStart EventType = iota
	EventCaps
	EventSegment
	EventTag
	EventEOS
	EventSegmentDone
	EventFlushStart
	EventFlushStop
)

func (t EventType) String() string {
	switch t {
	case EventStreamStart:
		return "stream-start"
	case EventCaps:
		return "caps"
	case EventSegment:
		return "segment"
	case EventTag:
		return "tag"
	case EventEOS:
		return "eos"
	case EventSegmentDone:
		return "segment-done"
	case EventFlushStart:
		return "flush-start"
	case EventFlushStop:
		return "flush-stop"
	default:
		return "unknown"
	}
}

// Sticky reports whether a channel keeps the event and replays it to a
// consumer linked later.
func (t EventType) Sticky() bool {
	switch t {
	case EventStreamStart, EventCaps, EventSegment, EventTag:
		return true
	default:
		return false
	}
}

// Event is a control event travelling alongside packets.
type Event struct {
	Type EventType

	// stream-start
	StreamID string
	GroupID  uint32

	Caps    demux.Caps
	Segment segment.Segment
	Tags    map[string]string

	// segment-done
	Position time.Duration

	// flush-stop
	ResetTime bool
}

func NewStreamStartEvent(streamID string, groupID uint32) Event {
	return Event{Type: EventStreamStart, StreamID: streamID, GroupID: groupID}
}

func NewCapsEvent(caps demux.Caps) Event {
	return Event{Type: EventCaps, Caps: caps}
}

func NewSegmentEvent(seg segment.Segment) Event {
	return Event{Type: EventSegment, Segment: seg}
}

func NewTagEvent(tags map[string]string) Event {
	return Event{Type: EventTag, Tags: tags}
}

func NewEOSEvent() Event {
	return Event{Type: EventEOS}
}

func NewSegmentDoneEvent(pos time.Duration) Event {
	return Event{Type: EventSegmentDone, Position: pos}
}

func NewFlushStartEvent() Event {
	return Event{Type: EventFlushStart}
}

func NewFlushStopEvent(resetTime bool) Event {
	return Event{Type: EventFlushStop, ResetTime: resetTime}
}
