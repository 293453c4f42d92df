package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/jmylchreest/tsdemux/internal/demux"
	"github.com/jmylchreest/tsdemux/internal/observability"
	"github.com/jmylchreest/tsdemux/internal/router"
	"github.com/jmylchreest/tsdemux/internal/segment"
	"github.com/jmylchreest/tsdemux/internal/source"
	"github.com/jmylchreest/tsdemux/internal/timebase"
)

// Element errors.
var (
	ErrNotActive     = errors.New("element not active")
	ErrAlreadyActive = errors.New("element already active")
	ErrNoProvider    = errors.New("upstream has no range provider")
)

// Mode is the scheduling mode chosen at activation.
type Mode int

const (
	ModeNone Mode = iota
	ModePush
	ModePull
)

func (m Mode) String() string {
	switch m {
	case ModePush:
		return "push"
	case ModePull:
		return "pull"
	default:
		return "none"
	}
}

// Upstream is what the element is activated against.
type Upstream interface {
	// Scheduling reports whether upstream can serve random access reads,
	// whether it can seek and whether access is sequential only.
	Scheduling() (pull, seekable, sequential bool)
	// Provider returns the range provider used in pull mode.
	Provider() source.RangeProvider
}

// SeekRequest repositions playback.
type SeekRequest struct {
	Rate      float64
	Flags     segment.SeekFlags
	StartType segment.SeekType
	Start     time.Duration
	StopType  segment.SeekType
	Stop      time.Duration
}

// MessageType identifies a bus message.
type MessageType int

const (
	MessageStreamsReady MessageType = iota
	MessageSegmentStart
	MessageSegmentDone
	MessageEOS
	MessageError
)

func (t MessageType) String() string {
	switch t {
	case MessageStreamsReady:
		return "streams-ready"
	case MessageSegmentStart:
		return "segment-start"
	case MessageSegmentDone:
		return "segment-done"
	case MessageEOS:
		return "eos"
	case MessageError:
		return "error"
	default:
		return "unknown"
	}
}

// Message is posted to the bus.
type Message struct {
	Type     MessageType
	Source   string
	Position time.Duration
	Err      error
}

// Bus receives messages from the element. It is called from the streaming
// task with the stream lock held and must not call back into the element.
type Bus func(Message)

// Options configures an Element.
type Options struct {
	// Demux configures the demuxer. Its Listener is replaced by the
	// element's router.
	Demux demux.Options
	// ReadTimeout bounds a push mode read. Zero disables it.
	ReadTimeout time.Duration
	// MaxQueued bounds the bytes queued in push mode. Zero disables it.
	MaxQueued int
	// OnChannel is called for every new output channel.
	OnChannel router.LinkFunc
	Bus       Bus
	Logger    *slog.Logger
}

// Element drives a demuxer from its own task and routes packets to output
// channels.
type Element struct {
	opts   Options
	logger *slog.Logger

	router *router.Router
	demux  *demux.Engine
	seeker *demux.SeekController
	task   *Task

	// streamLock serializes the task step with seeks and flushes. It
	// guards demux, seg and the fields below it.
	streamLock  sync.Mutex
	seg         segment.Segment
	newSegment  bool
	pendingSeek *SeekRequest

	mu         sync.Mutex
	ctx        context.Context
	mode       Mode
	src        source.ByteSource
	push       *source.PushSource
	flushing   bool
	opened     bool
	lastFlow   router.FlowReturn
	position   time.Duration
	positions  map[string]time.Duration
	durations  map[string]time.Duration
	duration   time.Duration
	seekable   bool
	segmentPub segment.Segment
}

// New creates an inactive element.
func New(opts Options) *Element {
	base := opts.Logger
	if base == nil {
		base = slog.Default()
	}

	r := router.NewRouterWithLogger(base)
	base = base.With(slog.String("element_id", r.ID()))
	logger := observability.WithComponent(base, "element")
	if opts.OnChannel != nil {
		r.OnChannel(opts.OnChannel)
	}

	dopts := opts.Demux
	dopts.Listener = r
	if dopts.Logger == nil {
		dopts.Logger = base
	}
	d := demux.New(dopts)

	e := &Element{
		opts:       opts,
		logger:     logger,
		router:     r,
		demux:      d,
		seeker:     demux.NewSeekController(d),
		seg:        segment.New(),
		segmentPub: segment.New(),
		position:   timebase.None,
		duration:   timebase.None,
	}
	e.task = NewTask(e.step).WithLogger(logger)
	return e
}

// ID returns the element instance id.
func (e *Element) ID() string {
	return e.router.ID()
}

// Router returns the output channels.
func (e *Element) Router() *router.Router {
	return e.router
}

// Mode returns the scheduling mode chosen at activation.
func (e *Element) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// TaskState returns the state of the streaming task.
func (e *Element) TaskState() TaskState {
	return e.task.State()
}

// Activate picks the scheduling mode from upstream and starts the task.
// Pull mode is used when upstream serves random access reads and can seek;
// otherwise the element waits for data through Chain.
func (e *Element) Activate(ctx context.Context, up Upstream) error {
	e.mu.Lock()
	if e.mode != ModeNone {
		e.mu.Unlock()
		return ErrAlreadyActive
	}

	pull, seekable, sequential := up.Scheduling()
	if pull && seekable && !sequential {
		provider := up.Provider()
		if provider == nil {
			e.mu.Unlock()
			return ErrNoProvider
		}
		e.mode = ModePull
		e.src = source.NewPullSource(provider)
	} else {
		e.mode = ModePush
		e.push = source.NewPushSource(
			source.WithReadTimeout(e.opts.ReadTimeout),
			source.WithMaxQueued(e.opts.MaxQueued),
		)
		e.src = e.push
	}
	e.ctx = ctx
	e.flushing = false
	mode := e.mode
	e.mu.Unlock()

	e.logger.Info("activated", slog.String("mode", mode.String()))
	e.task.Start(ctx)
	return nil
}

// Chain hands upstream bytes to the demuxer in push mode. It blocks while
// the queue is full and returns the last combined flow of the channels.
func (e *Element) Chain(p []byte) router.FlowReturn {
	e.mu.Lock()
	push, ctx, flushing := e.push, e.ctx, e.flushing
	e.mu.Unlock()

	if push == nil {
		return router.FlowError
	}
	if flushing {
		return router.FlowFlushing
	}

	if err := push.Push(ctx, p); err != nil {
		switch {
		case errors.Is(err, source.ErrFlushing), errors.Is(err, context.Canceled):
			return router.FlowFlushing
		case errors.Is(err, source.ErrEndOfStream):
			return router.FlowEOS
		default:
			return router.FlowError
		}
	}

	e.mu.Lock()
	ret := e.lastFlow
	e.mu.Unlock()
	if ret == router.FlowEOS || ret.IsFatal() {
		return ret
	}
	return router.FlowOK
}

// SinkEvent handles an event arriving from upstream in push mode.
func (e *Element) SinkEvent(ev router.Event) bool {
	e.mu.Lock()
	push := e.push
	e.mu.Unlock()
	if push == nil {
		e.logger.Debug("upstream event ignored", slog.String("event", ev.Type.String()))
		return false
	}

	switch ev.Type {
	case router.EventFlushStart:
		e.setFlushing(true)
		push.SetFlushing(true)
		e.router.Broadcast(ev)
		e.task.Pause()
		return true

	case router.EventFlushStop:
		e.streamLock.Lock()
		push.Reset()
		e.demux.Flush()
		e.resetPositions()
		e.router.Broadcast(ev)
		e.router.ResetFlows()
		e.setLastFlow(router.FlowOK)
		e.newSegment = e.newSegment || e.demux.State().IsOpen()
		e.streamLock.Unlock()

		e.setFlushing(false)
		e.restart()
		return true

	case router.EventEOS:
		push.EndOfStream()
		return true

	case router.EventSegment:
		// upstream segments are in bytes; the element produces its own.
		return true

	default:
		return false
	}
}

// Seek repositions playback. It returns false in push mode, for an invalid
// request or when the demuxer cannot reach the target; the previous
// playback state is then kept. A seek before the input is open is stored
// and applied once it is.
func (e *Element) Seek(req SeekRequest) bool {
	e.mu.Lock()
	mode, opened := e.mode, e.opened
	e.mu.Unlock()

	if mode == ModePush {
		e.logger.Debug("seek refused", slog.String("mode", mode.String()))
		return false
	}
	if req.Rate == 0 {
		req.Rate = 1.0
	}

	if !opened {
		e.streamLock.Lock()
		if !e.demux.State().IsOpen() {
			e.pendingSeek = &req
			e.streamLock.Unlock()
			e.logger.Debug("seek deferred until open")
			return true
		}
		e.streamLock.Unlock()
	}
	return e.seek(req)
}

func (e *Element) seek(req SeekRequest) bool {
	flush := req.Flags.Has(segment.SeekFlagFlush)
	if flush {
		e.setFlushing(true)
		e.router.Broadcast(router.NewFlushStartEvent())
	}
	e.task.Pause()

	e.streamLock.Lock()
	ok := e.seekLocked(req)
	if flush {
		e.router.Broadcast(router.NewFlushStopEvent(true))
		e.router.ResetFlows()
		e.setLastFlow(router.FlowOK)
	}
	e.streamLock.Unlock()

	if flush {
		e.setFlushing(false)
	}
	e.restart()
	return ok
}

// seekLocked applies req to a copy of the segment and repositions the
// demuxer. Caller holds streamLock.
func (e *Element) seekLocked(req SeekRequest) bool {
	seg := e.seg
	if _, err := seg.DoSeek(req.Rate, req.Flags, req.StartType, req.Start, req.StopType, req.Stop); err != nil {
		e.logger.Warn("invalid seek request", slog.String("error", err.Error()))
		return false
	}

	keyUnit := req.Flags.Has(segment.SeekFlagKeyUnit)
	if err := e.seeker.Seek(e.context(), &seg, keyUnit); err != nil {
		e.logger.Warn("seek failed", slog.Duration("target", req.Start), slog.String("error", err.Error()))
		return false
	}

	e.seg = seg
	e.newSegment = true
	e.resetPositions()
	e.publishSegment()
	e.logger.Info("seek done", slog.String("segment", seg.String()))

	if seg.Flags.Has(segment.SeekFlagSegment) {
		e.post(Message{Type: MessageSegmentStart, Position: seg.Start})
	}
	return true
}

// Pause parks the streaming task and waits for the current iteration. In
// push mode that iteration may be waiting for upstream data.
func (e *Element) Pause() {
	e.task.Pause()
	e.streamLock.Lock()
	defer e.streamLock.Unlock()
}

// Resume restarts a paused streaming task.
func (e *Element) Resume() {
	e.restart()
}

func (e *Element) restart() {
	e.mu.Lock()
	ctx, mode := e.ctx, e.mode
	e.mu.Unlock()
	if mode == ModeNone {
		return
	}
	e.task.Start(ctx)
}

// Deactivate stops the task and closes the demuxer. A read waiting for push
// data is released first.
func (e *Element) Deactivate() error {
	e.mu.Lock()
	if e.mode == ModeNone {
		e.mu.Unlock()
		return ErrNotActive
	}
	push := e.push
	e.flushing = true
	e.mu.Unlock()

	if push != nil {
		push.SetFlushing(true)
	}
	e.task.Stop()

	e.streamLock.Lock()
	err := e.demux.Close()
	e.router.RemoveAll()
	e.seg = segment.New()
	e.newSegment = false
	e.pendingSeek = nil
	e.streamLock.Unlock()

	e.mu.Lock()
	e.mode = ModeNone
	e.src = nil
	e.push = nil
	e.flushing = false
	e.opened = false
	e.lastFlow = router.FlowOK
	e.position = timebase.None
	e.positions = nil
	e.durations = nil
	e.duration = timebase.None
	e.seekable = false
	e.segmentPub = segment.New()
	e.mu.Unlock()

	e.logger.Info("deactivated")
	if err != nil {
		return fmt.Errorf("closing demuxer: %w", err)
	}
	return nil
}

// Close deactivates the element if it is active.
func (e *Element) Close() error {
	if err := e.Deactivate(); err != nil && !errors.Is(err, ErrNotActive) {
		return err
	}
	return nil
}

// QueryPosition returns the last position output on the named channel, or
// on any channel when name is empty.
func (e *Element) QueryPosition(name string) (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos := e.position
	if name != "" {
		p, ok := e.positions[name]
		if !ok {
			return timebase.None, false
		}
		pos = p
	}
	return pos, timebase.IsValid(pos)
}

// QueryDuration returns the duration of the named channel's stream, or of
// the container when name is empty.
func (e *Element) QueryDuration(name string) (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.duration
	if name != "" {
		v, ok := e.durations[name]
		if !ok {
			return timebase.None, false
		}
		d = v
	}
	return d, timebase.IsValid(d)
}

// QuerySeeking reports whether the element can seek and over which range.
// Only pull mode with a known duration is seekable.
func (e *Element) QuerySeeking() (seekable bool, start, end time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mode != ModePull || !e.seekable || !timebase.IsValid(e.duration) {
		return false, timebase.None, timebase.None
	}
	return true, 0, e.duration
}

// QuerySegment returns the active segment.
func (e *Element) QuerySegment() segment.Segment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.segmentPub
}

// step is one iteration of the streaming task.
func (e *Element) step(ctx context.Context) error {
	e.streamLock.Lock()
	defer e.streamLock.Unlock()

	switch e.demux.State() {
	case demux.StateClosed:
		if err := e.open(); err != nil {
			return ErrPause
		}
	case demux.StateError, demux.StateEOS:
		return ErrPause
	}

	if e.newSegment {
		e.router.Broadcast(router.NewSegmentEvent(e.seg))
		e.newSegment = false
	}

	p, err := e.demux.NextPacket(ctx, &e.seg)
	if err != nil {
		return e.readFailed(err)
	}
	e.recordPosition(p)
	if e.demux.TagsChanged() {
		e.router.Broadcast(router.NewTagEvent(maps.Clone(e.demux.Tags())))
	}

	ret, err := e.router.Dispatch(p)
	if err != nil {
		e.fail(fmt.Errorf("dispatching packet: %w", err))
		return ErrPause
	}
	e.setLastFlow(ret)

	switch {
	case ret == router.FlowOK:
		return nil
	case ret == router.FlowFlushing:
		return ErrPause
	case ret == router.FlowEOS:
		e.logger.Debug("all channels at eos")
		e.endOfStream()
		return ErrPause
	default:
		e.fail(fmt.Errorf("streaming stopped, reason %s", ret))
		return ErrPause
	}
}

// open probes the input, announces the channels and broadcasts the
// container tags. Caller holds streamLock.
func (e *Element) open() error {
	e.mu.Lock()
	ctx, src := e.ctx, e.src
	e.mu.Unlock()
	if src == nil {
		return ErrNotActive
	}

	e.router.NewGroup()
	err := e.demux.Open(ctx, src)
	if err != nil && e.isFlushing() {
		e.logger.Debug("open interrupted", slog.String("error", err.Error()))
		_ = e.demux.Close()
		return err
	}
	if err != nil {
		e.logger.Error("opening input failed", slog.String("error", err.Error()))
		e.post(Message{Type: MessageError, Err: err})
		return err
	}

	positions := make(map[string]time.Duration)
	durations := make(map[string]time.Duration)
	for _, d := range e.demux.Streams() {
		positions[d.Name()] = timebase.None
		durations[d.Name()] = e.demux.StreamDuration(d.Index)
	}

	e.seg.Duration = e.demux.Duration()
	e.newSegment = true

	e.mu.Lock()
	e.opened = true
	e.positions = positions
	e.durations = durations
	e.duration = e.demux.Duration()
	e.seekable = e.demux.Seekable()
	e.mu.Unlock()

	e.logger.Info("input opened",
		slog.Int("streams", len(e.demux.Streams())),
		slog.Duration("duration", e.demux.Duration()),
		slog.Bool("seekable", e.demux.Seekable()))
	e.post(Message{Type: MessageStreamsReady})

	if tags := e.demux.Tags(); len(tags) > 0 {
		e.router.Broadcast(router.NewTagEvent(maps.Clone(tags)))
	}

	if req := e.pendingSeek; req != nil {
		e.pendingSeek = nil
		switch {
		case e.Mode() != ModePull:
			e.logger.Warn("deferred seek dropped", slog.String("mode", e.Mode().String()))
		case !e.seekLocked(*req):
			e.logger.Warn("deferred seek failed")
		}
	}
	e.publishSegment()
	return nil
}

// readFailed classifies a demuxer read error. Caller holds streamLock.
func (e *Element) readFailed(err error) error {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, demux.ErrEndOfSegment):
		e.endOfStream()
	case e.isFlushing(), errors.Is(err, source.ErrFlushing), errors.Is(err, context.Canceled):
		e.logger.Debug("read interrupted", slog.String("error", err.Error()))
	default:
		e.fail(err)
	}
	return ErrPause
}

// endOfStream finishes the segment: segment-done when the segment was
// requested with the segment flag, otherwise EOS on every channel.
func (e *Element) endOfStream() {
	if e.seg.Flags.Has(segment.SeekFlagSegment) {
		stop := e.seg.StopOrDuration()
		if !timebase.IsValid(stop) {
			stop, _ = e.QueryPosition("")
		}
		e.logger.Debug("segment done", slog.Duration("position", stop))
		e.router.Broadcast(router.NewSegmentDoneEvent(stop))
		e.post(Message{Type: MessageSegmentDone, Position: stop})
		return
	}

	e.logger.Debug("end of stream")
	e.router.Broadcast(router.NewEOSEvent())
	e.post(Message{Type: MessageEOS})
}

// fail posts err, ends every channel and leaves the task paused.
func (e *Element) fail(err error) {
	e.logger.Error("streaming failed", slog.String("error", err.Error()))
	e.setLastFlow(router.FlowError)
	e.router.Broadcast(router.NewEOSEvent())
	e.post(Message{Type: MessageError, Err: err})
}

// resetPositions forgets the positions output before a seek or flush.
func (e *Element) resetPositions() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.position = timebase.None
	for name := range e.positions {
		e.positions[name] = timebase.None
	}
}

// recordPosition tracks the last position per channel and the furthest one
// since the last seek or flush.
func (e *Element) recordPosition(p *demux.Packet) {
	if !timebase.IsValid(p.PTS) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if p.PTS > e.position || !timebase.IsValid(e.position) {
		e.position = p.PTS
	}
	if e.positions != nil {
		e.positions[p.Stream.Name()] = p.PTS
	}
	e.segmentPub.Position = p.PTS
}

func (e *Element) publishSegment() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.segmentPub = e.seg
}

func (e *Element) post(m Message) {
	if m.Source == "" {
		m.Source = e.router.ID()
	}
	if e.opts.Bus != nil {
		e.opts.Bus(m)
	}
}

func (e *Element) context() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

func (e *Element) setFlushing(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushing = v
}

func (e *Element) isFlushing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushing
}

func (e *Element) setLastFlow(ret router.FlowReturn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastFlow = ret
}
