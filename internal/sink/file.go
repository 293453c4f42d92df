// Package sink writes demuxed channels to files.
package sink

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jmylchreest/tsdemux/internal/demux"
	"github.com/jmylchreest/tsdemux/internal/router"
	"github.com/jmylchreest/tsdemux/internal/timebase"
)

// SummaryFile is the name WriteSummary writes to.
const SummaryFile = "summary.json"

// Extension returns the file extension used for a media type.
func Extension(mediaType string) string {
	switch mediaType {
	case "video/x-h264":
		return "h264"
	case "audio/mpeg":
		return "aac"
	case "meta/x-id3":
		return "id3"
	default:
		return "bin"
	}
}

// ChannelSummary describes what a channel wrote.
type ChannelSummary struct {
	Channel     string        `json:"channel"`
	Caps        string        `json:"caps"`
	File        string        `json:"file"`
	Packets     uint64        `json:"packets"`
	Bytes       uint64        `json:"bytes"`
	Keyframes   uint64        `json:"keyframes"`
	Discont     uint64        `json:"discontinuities"`
	Flushes     uint64        `json:"flushes"`
	First       time.Duration `json:"first_ns"`
	Last        time.Duration `json:"last_ns"`
	EOS         bool          `json:"eos"`
	SegmentDone bool          `json:"segment_done"`
}

type output struct {
	summary ChannelSummary
	f       *os.File
	w       *bufio.Writer
	err     error
}

// FileSink is a router.Consumer writing the payload of every channel to
// <dir>/<channel>.<ext>.
type FileSink struct {
	dir *Dir

	mu      sync.Mutex
	outputs map[string]*output
	order   []string
	closed  bool

	logger *slog.Logger
}

// NewFileSink creates a sink writing into dir.
func NewFileSink(dir string) (*FileSink, error) {
	return NewFileSinkWithLogger(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// NewFileSinkWithLogger creates a sink with a custom logger.
func NewFileSinkWithLogger(dir string, logger *slog.Logger) (*FileSink, error) {
	d, err := NewDir(dir)
	if err != nil {
		return nil, err
	}
	return &FileSink{
		dir:     d,
		outputs: make(map[string]*output),
		logger:  logger.With(slog.String("component", "file_sink")),
	}, nil
}

// Dir returns the output directory.
func (s *FileSink) Dir() string {
	return s.dir.Path()
}

// Link attaches the sink to ch. It matches router.LinkFunc.
func (s *FileSink) Link(ch *router.Channel) {
	ch.Link(s)
}

// get returns the output of a channel, creating its record. Caller holds mu.
func (s *FileSink) get(name string) *output {
	out, ok := s.outputs[name]
	if !ok {
		out = &output{summary: ChannelSummary{Channel: name, First: timebase.None, Last: timebase.None}}
		s.outputs[name] = out
		s.order = append(s.order, name)
	}
	return out
}

// open creates the channel file once its media type is known. Caller holds
// mu.
func (s *FileSink) open(out *output, mediaType string) error {
	if out.f != nil || out.err != nil {
		return out.err
	}
	name := fmt.Sprintf("%s.%s", out.summary.Channel, Extension(mediaType))
	f, err := s.dir.Create(name)
	if err != nil {
		out.err = err
		s.logger.Error("creating channel file failed", slog.String("file", name), slog.String("error", err.Error()))
		return err
	}
	out.f = f
	out.w = bufio.NewWriter(f)
	out.summary.File = name
	s.logger.Debug("channel file created", slog.String("file", name))
	return nil
}

// HandleEvent implements router.Consumer.
func (s *FileSink) HandleEvent(ch *router.Channel, ev router.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	out := s.get(ch.Name())

	switch ev.Type {
	case router.EventCaps:
		out.summary.Caps = ev.Caps.String()
		return s.open(out, ev.Caps.MediaType) == nil
	case router.EventFlushStop:
		out.summary.Flushes++
		out.summary.EOS = false
		out.summary.SegmentDone = false
	case router.EventEOS:
		out.summary.EOS = true
		return s.flush(out) == nil
	case router.EventSegmentDone:
		out.summary.SegmentDone = true
		return s.flush(out) == nil
	}
	return true
}

// HandlePacket implements router.Consumer.
func (s *FileSink) HandlePacket(ch *router.Channel, p *demux.Packet) router.FlowReturn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return router.FlowFlushing
	}
	out := s.get(ch.Name())
	if out.summary.EOS {
		return router.FlowEOS
	}
	if err := s.open(out, ""); err != nil {
		return router.FlowError
	}

	if _, err := out.w.Write(p.Data); err != nil {
		out.err = err
		s.logger.Error("writing packet failed", slog.String("channel", ch.Name()), slog.String("error", err.Error()))
		return router.FlowError
	}

	sum := &out.summary
	sum.Packets++
	sum.Bytes += uint64(len(p.Data))
	if p.Key {
		sum.Keyframes++
	}
	if p.Discont {
		sum.Discont++
	}
	if timebase.IsValid(p.PTS) {
		if !timebase.IsValid(sum.First) {
			sum.First = p.PTS
		}
		sum.Last = p.PTS
	}
	return router.FlowOK
}

// flush writes buffered bytes. Caller holds mu.
func (s *FileSink) flush(out *output) error {
	if out.w == nil {
		return nil
	}
	if err := out.w.Flush(); err != nil {
		out.err = err
		return fmt.Errorf("flushing %s: %w", out.summary.File, err)
	}
	return nil
}

// Summary returns the per-channel summaries in channel creation order.
func (s *FileSink) Summary() []ChannelSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChannelSummary, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.outputs[name].summary)
	}
	return out
}

// WriteSummary stores the summary as JSON next to the channel files.
func (s *FileSink) WriteSummary() error {
	data, err := json.MarshalIndent(s.Summary(), "", "  ")
	if err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}
	return s.dir.AtomicWrite(SummaryFile, data)
}

// Close flushes and closes every channel file. Later packets are refused.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for _, name := range s.order {
		out := s.outputs[name]
		if out.f == nil {
			continue
		}
		if err := s.flush(out); err != nil {
			errs = append(errs, err)
		}
		if err := out.f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", out.summary.File, err))
		}
	}
	return errors.Join(errs...)
}
