// Package demux turns a container engine reading from a byte source into a
// sequence of timed packets on classified streams.
package demux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"time"

	"github.com/jmylchreest/tsdemux/internal/avio"
	"github.com/jmylchreest/tsdemux/internal/container"
	"github.com/jmylchreest/tsdemux/internal/container/mpegts"
	"github.com/jmylchreest/tsdemux/internal/observability"
	"github.com/jmylchreest/tsdemux/internal/segment"
	"github.com/jmylchreest/tsdemux/internal/source"
	"github.com/jmylchreest/tsdemux/internal/timebase"
)

var (
	// ErrNotOpen is returned by operations that need an open container.
	ErrNotOpen = errors.New("demuxer not open")
	// ErrInvalidState is returned when an operation is not valid in the
	// current state.
	ErrInvalidState = errors.New("invalid demuxer state")
	// ErrDecodeRead wraps a mid-stream read failure of the container engine.
	ErrDecodeRead = errors.New("reading packet failed")
	// ErrEndOfSegment is returned when a packet lies beyond the segment stop.
	ErrEndOfSegment = errors.New("end of segment")
	// ErrNoStreams is returned by Open when no stream can be surfaced.
	ErrNoStreams = errors.New("no supported streams")
)

// ID3Prefix is prepended to packets of the active metadata stream.
var ID3Prefix = []byte("ID3\x04\x00")

// State is the demuxer lifecycle state.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateIdle
	StateReading
	StateSeeking
	StateEOS
	StateError
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateIdle:
		return "idle"
	case StateReading:
		return "reading"
	case StateSeeking:
		return "seeking"
	case StateEOS:
		return "eos"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// IsOpen reports whether a container is open, whatever its sub-state.
func (s State) IsOpen() bool {
	return s >= StateIdle
}

// StreamListener is told about every surfaced stream once Open succeeds,
// in declaration order.
type StreamListener interface {
	StreamAdded(d *StreamDescriptor)
}

// Options configures an Engine.
type Options struct {
	// NewContainer creates the container engine for each Open. Defaults to
	// the MPEG-TS engine.
	NewContainer func() container.Engine
	// ReadAheadSize is the IO bridge buffer size.
	ReadAheadSize int
	// ProbeSize and DurationScanSize configure the default container.
	ProbeSize        int64
	DurationScanSize int64
	// DisableID3Prefix sends metadata payloads unchanged.
	DisableID3Prefix bool
	Listener         StreamListener
	Logger           *slog.Logger
}

// Engine is the demuxer state machine. It is not safe for concurrent use;
// callers serialize access with their stream lock.
type Engine struct {
	opts   Options
	logger *slog.Logger

	state  State
	bridge *avio.Bridge
	ce     container.Engine

	streams []*StreamDescriptor
	byIndex map[int]*StreamDescriptor
	counts  map[Kind]int

	seekable  bool
	startTime time.Duration
	duration  time.Duration
	tags      map[string]string

	// tagsChanged is set when the container tags changed after Open.
	tagsChanged bool
}

// New creates a closed engine.
func New(opts Options) *Engine {
	base := opts.Logger
	if base == nil {
		base = slog.Default()
	}
	logger := observability.WithComponent(base, "demux")
	if opts.NewContainer == nil {
		opts.NewContainer = func() container.Engine {
			return mpegts.New(mpegts.Options{
				ProbeSize:        opts.ProbeSize,
				DurationScanSize: opts.DurationScanSize,
				Logger:           base,
			})
		}
	}
	return &Engine{
		opts:      opts,
		logger:    logger,
		startTime: timebase.None,
		duration:  timebase.None,
	}
}

// State returns the current state.
func (e *Engine) State() State {
	return e.state
}

// Open binds src through an IO bridge, probes the container and surfaces
// its supported streams. On failure the engine is left in StateError and no
// stream is announced.
func (e *Engine) Open(ctx context.Context, src source.ByteSource) error {
	if e.state != StateClosed {
		return fmt.Errorf("%w: open in state %s", ErrInvalidState, e.state)
	}
	e.state = StateOpening

	bridge := avio.New(ctx, src, avio.WithBufferSize(e.opts.ReadAheadSize), avio.WithLogger(e.logger))
	size, ok := bridge.Size()
	if !ok {
		size = 0
	}
	seekable := bridge.Seekable()

	ce := e.opts.NewContainer()
	if err := ce.Open(ctx, bridge.Reader(), seekable, size); err != nil {
		e.logger.Error("opening container failed",
			slog.Bool("seekable", seekable),
			slog.String("error", err.Error()))
		_ = ce.Close()
		bridge.Close()
		e.state = StateError
		return fmt.Errorf("opening container: %w", err)
	}

	streams, byIndex, counts := e.classify(ce.Streams())
	if len(streams) == 0 {
		e.logger.Error("no supported streams", slog.Int("declared", len(ce.Streams())))
		_ = ce.Close()
		bridge.Close()
		e.state = StateError
		return fmt.Errorf("%w: %w", container.ErrStreamInfo, ErrNoStreams)
	}

	e.bridge = bridge
	e.ce = ce
	e.seekable = seekable
	e.streams = streams
	e.byIndex = byIndex
	e.counts = counts
	e.startTime = timebase.ToDuration(ce.StartTime(), timebase.Microsecond)
	e.duration = timebase.ToDuration(ce.Duration(), timebase.Microsecond)
	e.tags = maps.Clone(ce.Tags())
	e.state = StateIdle

	e.logger.Info("container opened",
		slog.Int("streams", len(streams)),
		slog.Duration("start_time", e.startTime),
		slog.Duration("duration", e.duration),
		slog.Bool("seekable", seekable))

	if e.opts.Listener != nil {
		for _, d := range e.streams {
			e.opts.Listener.StreamAdded(d)
		}
	}
	return nil
}

func (e *Engine) classify(raws []container.RawStream) ([]*StreamDescriptor, map[int]*StreamDescriptor, map[Kind]int) {
	var streams []*StreamDescriptor
	byIndex := make(map[int]*StreamDescriptor)
	counts := make(map[Kind]int)

	for _, raw := range raws {
		kind, ok := kindOf(raw)
		if !ok {
			e.logger.Debug("dropping unsupported stream",
				slog.Int("index", raw.Index),
				slog.String("codec", string(raw.Codec)),
				slog.String("type", raw.Type.String()))
			continue
		}
		d := &StreamDescriptor{
			Index:        raw.Index,
			PID:          raw.ID,
			Kind:         kind,
			Ordinal:      counts[kind],
			Active:       counts[kind] == 0,
			Codec:        raw.Codec,
			Caps:         capsFor(kind, raw),
			Tags:         maps.Clone(raw.Tags),
			LastPosition: timebase.None,
			Discont:      true,
			timeBase:     raw.TimeBase,
			duration:     raw.Duration,
		}
		counts[kind]++
		streams = append(streams, d)
		byIndex[raw.Index] = d
	}
	return streams, byIndex, counts
}

// NextPacket reads the next packet of a surfaced stream. It returns io.EOF
// at the end of the input and ErrEndOfSegment once a packet lies beyond the
// stop of seg; both move the engine to StateEOS. seg may be nil.
func (e *Engine) NextPacket(ctx context.Context, seg *segment.Segment) (*Packet, error) {
	if e.state != StateIdle && e.state != StateReading {
		return nil, fmt.Errorf("%w: read in state %s", ErrInvalidState, e.state)
	}
	e.state = StateReading

	for {
		raw, err := e.ce.ReadPacket(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				e.state = StateEOS
				return nil, io.EOF
			case ctx.Err() != nil:
				e.state = StateIdle
				return nil, ctx.Err()
			case errors.Is(err, source.ErrFlushing):
				e.state = StateIdle
				return nil, source.ErrFlushing
			}
			e.state = StateError
			return nil, fmt.Errorf("%w: %w", ErrDecodeRead, err)
		}

		e.refreshTags()
		d := e.byIndex[raw.StreamIndex]
		if d == nil {
			continue
		}
		return e.packet(d, raw, seg)
	}
}

func (e *Engine) packet(d *StreamDescriptor, raw *container.RawPacket, seg *segment.Segment) (*Packet, error) {
	pts := timebase.ToDuration(raw.PTS, d.timeBase)
	if raw.PTS != timebase.NoPTS && pts < 0 {
		pts = 0
	}
	pos := timebase.Normalize(pts, e.startTime)

	if seg != nil && seg.PastStop(pos) {
		e.logger.Debug("packet beyond segment stop",
			slog.String("stream", d.Name()),
			slog.Duration("position", pos),
			slog.Duration("stop", seg.Stop))
		e.state = StateEOS
		return nil, ErrEndOfSegment
	}

	dur := timebase.None
	if raw.Duration > 0 {
		dur = timebase.ToDuration(raw.Duration, d.timeBase)
	}

	data := raw.Data
	if d.Kind == KindMetadata && d.Active && !e.opts.DisableID3Prefix {
		data = append(bytes.Clone(ID3Prefix), data...)
	}

	p := &Packet{
		Stream:   d,
		Data:     data,
		PTS:      pos,
		Duration: dur,
		Key:      raw.Key,
		Discont:  d.Discont,
		Offset:   raw.Pos,
	}
	d.Discont = false
	if timebase.IsValid(pos) {
		d.LastPosition = pos
	}
	return p, nil
}

// MarkDiscont re-arms the discontinuity flag of every stream.
func (e *Engine) MarkDiscont() {
	for _, d := range e.streams {
		d.Discont = true
	}
}

// Flush drops data buffered in the container engine after upstream
// discarded bytes and re-arms discontinuities. An engine at end of stream
// becomes readable again.
func (e *Engine) Flush() {
	if !e.state.IsOpen() || e.state == StateError {
		return
	}
	e.bridge.Discard()
	e.ce.Flush()
	e.MarkDiscont()
	e.state = StateIdle
}

// Close releases the container engine and the IO bridge. It may be called
// in any state, more than once.
func (e *Engine) Close() error {
	var err error
	if e.ce != nil {
		err = e.ce.Close()
		e.ce = nil
	}
	if e.bridge != nil {
		e.bridge.Close()
		e.bridge = nil
	}
	e.streams = nil
	e.byIndex = nil
	e.counts = nil
	e.tags = nil
	e.tagsChanged = false
	e.seekable = false
	e.startTime = timebase.None
	e.duration = timebase.None
	e.state = StateClosed
	if err != nil {
		return fmt.Errorf("closing container: %w", err)
	}
	return nil
}

// Streams returns the surfaced streams in declaration order.
func (e *Engine) Streams() []*StreamDescriptor {
	return e.streams
}

// Stream returns the descriptor for a container stream index.
func (e *Engine) Stream(index int) (*StreamDescriptor, bool) {
	d, ok := e.byIndex[index]
	return d, ok
}

// Active returns the active stream of kind.
func (e *Engine) Active(kind Kind) (*StreamDescriptor, bool) {
	for _, d := range e.streams {
		if d.Kind == kind && d.Active {
			return d, true
		}
	}
	return nil, false
}

// Count returns the number of surfaced streams of kind.
func (e *Engine) Count(kind Kind) int {
	return e.counts[kind]
}

// StartTime returns the container start time, or timebase.None.
func (e *Engine) StartTime() time.Duration {
	return e.startTime
}

// Duration returns the container duration, or timebase.None.
func (e *Engine) Duration() time.Duration {
	return e.duration
}

// StreamDuration returns the duration of the stream at a container index,
// falling back to the container duration.
func (e *Engine) StreamDuration(index int) time.Duration {
	if d, ok := e.byIndex[index]; ok {
		if dur := d.Duration(); timebase.IsValid(dur) {
			return dur
		}
	}
	return e.duration
}

// Tags returns the container tags.
func (e *Engine) Tags() map[string]string {
	return e.tags
}

// TagsChanged reports whether Tags changed while reading since the last
// call.
func (e *Engine) TagsChanged() bool {
	changed := e.tagsChanged
	e.tagsChanged = false
	return changed
}

func (e *Engine) refreshTags() {
	if t := e.ce.Tags(); !maps.Equal(t, e.tags) {
		e.tags = maps.Clone(t)
		e.tagsChanged = true
		e.logger.Debug("container tags changed", slog.Int("tags", len(t)))
	}
}

// Seekable reports whether the open input can be repositioned.
func (e *Engine) Seekable() bool {
	return e.seekable
}
