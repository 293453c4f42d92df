package demux

import (
	"fmt"
	"strings"
	"time"

	"github.com/jmylchreest/tsdemux/internal/container"
	"github.com/jmylchreest/tsdemux/internal/timebase"
)

// Kind is the class of a surfaced elementary stream.
type Kind int

const (
	KindOther Kind = iota
	KindVideo
	KindAudio
	KindMetadata
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindMetadata:
		return "metadata"
	default:
		return "other"
	}
}

// kindOf returns the kind a raw stream is surfaced as. Streams of any other
// codec are not surfaced.
func kindOf(raw container.RawStream) (Kind, bool) {
	switch {
	case raw.Type == container.MediaVideo && raw.Codec == container.CodecH264:
		return KindVideo, true
	case raw.Type == container.MediaAudio && raw.Codec == container.CodecAAC:
		return KindAudio, true
	case raw.Type == container.MediaData && raw.Codec == container.CodecID3:
		return KindMetadata, true
	default:
		return KindOther, false
	}
}

// Caps describes the format of a stream's packets.
type Caps struct {
	MediaType    string
	StreamFormat string
	Alignment    string
	MPEGVersion  int
	Width        int
	Height       int
	Rate         int
	Channels     int
}

func capsFor(kind Kind, raw container.RawStream) Caps {
	switch kind {
	case KindVideo:
		return Caps{
			MediaType:    "video/x-h264",
			StreamFormat: "byte-stream",
			Alignment:    "au",
			Width:        raw.Width,
			Height:       raw.Height,
		}
	case KindAudio:
		return Caps{
			MediaType:    "audio/mpeg",
			StreamFormat: "adts",
			MPEGVersion:  4,
			Rate:         raw.SampleRate,
			Channels:     raw.Channels,
		}
	case KindMetadata:
		return Caps{MediaType: "meta/x-id3"}
	default:
		return Caps{MediaType: "application/octet-stream"}
	}
}

func (c Caps) String() string {
	parts := []string{c.MediaType}
	if c.MPEGVersion > 0 {
		parts = append(parts, fmt.Sprintf("mpegversion=%d", c.MPEGVersion))
	}
	if c.StreamFormat != "" {
		parts = append(parts, "stream-format="+c.StreamFormat)
	}
	if c.Alignment != "" {
		parts = append(parts, "alignment="+c.Alignment)
	}
	if c.Width > 0 && c.Height > 0 {
		parts = append(parts, fmt.Sprintf("width=%d", c.Width), fmt.Sprintf("height=%d", c.Height))
	}
	if c.Rate > 0 {
		parts = append(parts, fmt.Sprintf("rate=%d", c.Rate))
	}
	if c.Channels > 0 {
		parts = append(parts, fmt.Sprintf("channels=%d", c.Channels))
	}
	return strings.Join(parts, ", ")
}

// ChannelHandle is the output a descriptor is routed to.
type ChannelHandle interface {
	Name() string
}

// StreamDescriptor is a surfaced elementary stream. The engine owns it;
// the router only keeps the channel handle.
type StreamDescriptor struct {
	// Index is the position in the container's stream list.
	Index int
	// PID is the container's identifier for the stream.
	PID  uint16
	Kind Kind
	// Ordinal counts streams of the same kind in declaration order.
	Ordinal int
	// Active marks the first stream of its kind.
	Active bool
	Codec  container.Codec
	Caps   Caps
	Tags   map[string]string

	Channel      ChannelHandle
	LastPosition time.Duration
	Discont      bool

	timeBase timebase.Rational
	duration int64
}

// Name is the channel name of the stream, e.g. "audio_1".
func (d *StreamDescriptor) Name() string {
	return fmt.Sprintf("%s_%d", d.Kind, d.Ordinal)
}

// Duration returns the stream duration, or timebase.None.
func (d *StreamDescriptor) Duration() time.Duration {
	return timebase.ToDuration(d.duration, d.timeBase)
}

// Packet is one timed unit of a surfaced stream.
type Packet struct {
	Stream *StreamDescriptor
	Data   []byte
	// PTS is normalized by the container start time, or timebase.None.
	PTS      time.Duration
	Duration time.Duration
	Key      bool
	Discont  bool
	// Offset is the byte position the unit started at, or -1.
	Offset int64
}
