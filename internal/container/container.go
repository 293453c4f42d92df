// Package container defines the contract between the demux engine and a
// container parsing library.
package container

import (
	"context"
	"errors"
	"io"

	"github.com/jmylchreest/tsdemux/internal/timebase"
)

var (
	// ErrProbe is returned when the input cannot be recognized as a
	// supported container.
	ErrProbe = errors.New("probing container failed")
	// ErrStreamInfo is returned when the container was recognized but its
	// streams could not be enumerated.
	ErrStreamInfo = errors.New("reading stream info failed")
	// ErrNotSeekable is returned by Seek on a non-seekable input.
	ErrNotSeekable = errors.New("input is not seekable")
	// ErrNoIndex is returned by SearchIndex when no entry matches.
	ErrNoIndex = errors.New("no index entry")
)

// MediaType is the broad kind of an elementary stream.
type MediaType int

const (
	MediaUnknown MediaType = iota
	MediaVideo
	MediaAudio
	MediaData
)

func (m MediaType) String() string {
	switch m {
	case MediaVideo:
		return "video"
	case MediaAudio:
		return "audio"
	case MediaData:
		return "data"
	default:
		return "unknown"
	}
}

// Codec identifies the coding of an elementary stream.
type Codec string

const (
	CodecH264    Codec = "h264"
	CodecH265    Codec = "h265"
	CodecAAC     Codec = "aac"
	CodecAC3     Codec = "ac3"
	CodecEAC3    Codec = "eac3"
	CodecMP3     Codec = "mp3"
	CodecMPEG2   Codec = "mpeg2video"
	CodecID3     Codec = "id3"
	CodecUnknown Codec = "unknown"
)

// RawStream describes an elementary stream as reported by the engine.
type RawStream struct {
	Index      int
	ID         uint16
	Program    uint16
	Type       MediaType
	Codec      Codec
	TimeBase   timebase.Rational
	StartTime  int64
	Duration   int64
	Width      int
	Height     int
	SampleRate int
	Channels   int
	Tags       map[string]string
}

// RawPacket is one demuxed unit in the stream's time base.
type RawPacket struct {
	StreamIndex int
	Data        []byte
	PTS         int64
	DTS         int64
	Duration    int64
	Key         bool
	Pos         int64
}

// Engine is a container parser reading from an io.ReadSeeker.
//
// Open probes the input and enumerates its streams. ReadPacket returns
// io.EOF at end of input. StartTime and Duration are in microseconds, or
// timebase.NoPTS when unknown. SearchIndex and Seek take timestamps in the
// stream's time base. Flush drops partially assembled data after upstream
// discarded bytes; the next read resynchronizes on a packet boundary.
type Engine interface {
	Open(ctx context.Context, r io.ReadSeeker, seekable bool, size int64) error
	Streams() []RawStream
	StartTime() int64
	Duration() int64
	Tags() map[string]string
	DefaultStream() int
	ReadPacket(ctx context.Context) (*RawPacket, error)
	SearchIndex(stream int, ts int64, backward bool) (int64, error)
	Seek(ctx context.Context, stream int, ts int64, backward bool) error
	Flush()
	Close() error
}
