// Package mpegts implements the container engine for MPEG transport streams
// on top of go-astits.
package mpegts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"

	"github.com/asticode/go-astits"

	"github.com/jmylchreest/tsdemux/internal/container"
	"github.com/jmylchreest/tsdemux/internal/observability"
	"github.com/jmylchreest/tsdemux/internal/timebase"
)

// Default probing budgets in bytes.
const (
	DefaultProbeSize        = 5_000_000
	DefaultDurationScanSize = 1 << 20
)

// Options configures an Engine.
type Options struct {
	// ProbeSize bounds how far Open reads looking for tables and first
	// timestamps.
	ProbeSize int64
	// DurationScanSize is how much of the tail is read to estimate the
	// duration of a seekable input.
	DurationScanSize int64
	Logger           *slog.Logger
}

type stream struct {
	index      int
	pid        uint16
	media      container.MediaType
	codec      container.Codec
	first      int64
	ref        int64
	frameTicks int64
}

// unit is one reassembled PES together with where it started.
type unit struct {
	pid    uint16
	pes    *astits.PESData
	rai    bool
	offset int64
}

// Engine demuxes an MPEG transport stream. It is not safe for concurrent
// use.
type Engine struct {
	opts   Options
	logger *slog.Logger

	ctx       context.Context
	r         io.ReadSeeker
	seekable  bool
	size      int64
	dataStart int64
	obs       *offsetReader
	dmx       *astits.Demuxer

	streams    []container.RawStream
	byPID      map[uint16]*stream
	order      []*stream
	defaultIdx int
	startTime  int64
	duration   int64
	tags       map[string]string

	replay  []unit
	pending []*container.RawPacket
	index   keyIndex
	flushed bool
}

// New creates an engine. Zero option values take the defaults.
func New(opts Options) *Engine {
	if opts.ProbeSize <= 0 {
		opts.ProbeSize = DefaultProbeSize
	}
	if opts.DurationScanSize <= 0 {
		opts.DurationScanSize = DefaultDurationScanSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		opts:      opts,
		logger:    observability.WithComponent(logger, "mpegts"),
		startTime: timebase.NoPTS,
		duration:  timebase.NoPTS,
	}
}

func newDemuxer(ctx context.Context, r io.Reader) *astits.Demuxer {
	return astits.NewDemuxer(ctx, r, astits.DemuxerOptPacketSize(packetSize))
}

// Open probes the input: it reads until every program table has been seen
// and every stream has a first timestamp, or until the probe budget is
// spent. Data read while probing is replayed by ReadPacket.
func (e *Engine) Open(ctx context.Context, r io.ReadSeeker, seekable bool, size int64) error {
	e.ctx = ctx
	e.r = r
	e.seekable = seekable
	e.size = size
	e.byPID = make(map[uint16]*stream)
	e.tags = make(map[string]string)

	if pos, err := r.Seek(0, io.SeekCurrent); err == nil {
		e.dataStart = pos
	}
	e.obs = newOffsetReader(r, e.dataStart)
	e.dmx = newDemuxer(ctx, e.obs)

	if err := e.probe(ctx); err != nil {
		return err
	}
	e.finishProbe()

	if e.seekable && e.size > 0 {
		if err := e.scanDuration(ctx); err != nil {
			e.logger.Warn("estimating duration failed", slog.String("error", err.Error()))
		}
	}

	e.logger.Debug("transport stream opened",
		slog.Int("streams", len(e.streams)),
		slog.Int64("start_time", e.startTime),
		slog.Int64("duration", e.duration),
		slog.Bool("seekable", e.seekable))
	return nil
}

func (e *Engine) probe(ctx context.Context) error {
	var (
		patSeen bool
		pmts    = make(map[uint16]bool)
	)

	for e.obs.offset-e.dataStart <= e.opts.ProbeSize {
		if err := ctx.Err(); err != nil {
			return err
		}

		d, err := e.dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) {
				break
			}
			return fmt.Errorf("%w: %w", container.ErrProbe, err)
		}

		switch {
		case d.PAT != nil:
			patSeen = true
			for _, p := range d.PAT.Programs {
				if _, ok := pmts[p.ProgramMapID]; !ok && p.ProgramNumber > 0 {
					pmts[p.ProgramMapID] = false
				}
			}
		case d.PMT != nil:
			if seen, ok := pmts[d.PID]; ok && !seen {
				pmts[d.PID] = true
				e.addProgram(d.PMT)
			}
		case d.SDT != nil:
			maps.Copy(e.tags, serviceTags(d.SDT))
		case d.PES != nil:
			u := e.unitFor(d)
			e.replay = append(e.replay, u)
			if st := e.byPID[u.pid]; st != nil {
				e.probeUnit(st, u)
			}
		}

		if patSeen && len(pmts) > 0 && allSeen(pmts) && e.allProbed() {
			break
		}
	}

	if !patSeen {
		return fmt.Errorf("%w: no program association table within %d bytes", container.ErrProbe, e.opts.ProbeSize)
	}
	if len(e.order) == 0 {
		return fmt.Errorf("%w: no elementary streams declared", container.ErrStreamInfo)
	}
	return nil
}

func allSeen(m map[uint16]bool) bool {
	for _, v := range m {
		if !v {
			return false
		}
	}
	return true
}

func (e *Engine) allProbed() bool {
	for _, st := range e.order {
		if st.first == timebase.NoPTS {
			return false
		}
	}
	return true
}

func (e *Engine) addProgram(pmt *astits.PMTData) {
	for _, es := range pmt.ElementaryStreams {
		if es == nil {
			continue
		}
		if _, dup := e.byPID[es.ElementaryPID]; dup {
			continue
		}
		media, codec := classify(es.StreamType)
		st := &stream{
			index: len(e.order),
			pid:   es.ElementaryPID,
			media: media,
			codec: codec,
			first: timebase.NoPTS,
			ref:   timebase.NoPTS,
		}
		e.order = append(e.order, st)
		e.byPID[st.pid] = st
		e.streams = append(e.streams, container.RawStream{
			Index:     st.index,
			ID:        st.pid,
			Program:   pmt.ProgramNumber,
			Type:      media,
			Codec:     codec,
			TimeBase:  timebase.MPEGTS,
			StartTime: timebase.NoPTS,
			Duration:  timebase.NoPTS,
			Tags:      streamTags(es),
		})
	}
}

// probeUnit fills stream parameters from a unit seen during probing.
func (e *Engine) probeUnit(st *stream, u unit) {
	if pts, ok := ptsOf(u.pes); ok && st.first == timebase.NoPTS {
		st.first = pts
		st.ref = pts
	}

	raw := &e.streams[st.index]
	switch st.codec {
	case container.CodecH264:
		if raw.Width == 0 {
			if w, h, ok := h264Info(u.pes.Data); ok {
				raw.Width, raw.Height = w, h
			}
		}
	case container.CodecAAC:
		if raw.SampleRate == 0 {
			if cfg := parseADTSHeader(u.pes.Data); cfg != nil {
				raw.SampleRate = cfg.SampleRate
				raw.Channels = cfg.ChannelCount
				st.frameTicks = int64(aacSamplesPerFrame) * 90000 / int64(cfg.SampleRate)
			}
		}
	}
}

func (e *Engine) finishProbe() {
	// Units that arrived before their program table are probed now.
	for _, u := range e.replay {
		if st := e.byPID[u.pid]; st != nil {
			e.probeUnit(st, u)
		}
	}

	for _, st := range e.order {
		e.streams[st.index].StartTime = st.first
		if st.first != timebase.NoPTS && (e.startTime == timebase.NoPTS || st.first < e.startTime) {
			e.startTime = st.first
		}
	}

	e.defaultIdx = 0
	for _, media := range []container.MediaType{container.MediaVideo, container.MediaAudio} {
		if i := e.firstOf(media); i >= 0 {
			e.defaultIdx = i
			break
		}
	}
}

func (e *Engine) firstOf(media container.MediaType) int {
	for _, st := range e.order {
		if st.media == media {
			return st.index
		}
	}
	return -1
}

func (e *Engine) unitFor(d *astits.DemuxerData) unit {
	u := unit{pid: d.PID, pes: d.PES, offset: e.obs.pop(d.PID)}
	if d.FirstPacket != nil && d.FirstPacket.AdaptationField != nil {
		u.rai = d.FirstPacket.AdaptationField.RandomAccessIndicator
	}
	return u
}

func ptsOf(pes *astits.PESData) (int64, bool) {
	if pes == nil || pes.Header == nil || pes.Header.OptionalHeader == nil || pes.Header.OptionalHeader.PTS == nil {
		return 0, false
	}
	return pes.Header.OptionalHeader.PTS.Base, true
}

func dtsOf(pes *astits.PESData) (int64, bool) {
	if pes == nil || pes.Header == nil || pes.Header.OptionalHeader == nil || pes.Header.OptionalHeader.DTS == nil {
		return 0, false
	}
	return pes.Header.OptionalHeader.DTS.Base, true
}

// isKey decides whether a unit of st starts a random access point.
func isKey(st *stream, u unit) bool {
	switch st.codec {
	case container.CodecH264:
		if key, ok := h264Key(u.pes.Data); ok {
			return key || u.rai
		}
		return u.rai
	case container.CodecH265, container.CodecMPEG2:
		return u.rai
	default:
		return true
	}
}

// Streams returns every elementary stream declared by the program tables.
func (e *Engine) Streams() []container.RawStream {
	return e.streams
}

// StartTime returns the earliest first timestamp in microseconds.
func (e *Engine) StartTime() int64 {
	return timebase.RescaleQ(e.startTime, timebase.MPEGTS, timebase.Microsecond)
}

// Duration returns the estimated duration in microseconds.
func (e *Engine) Duration() int64 {
	return timebase.RescaleQ(e.duration, timebase.MPEGTS, timebase.Microsecond)
}

// Tags returns container level tags.
func (e *Engine) Tags() map[string]string {
	return e.tags
}

// DefaultStream returns the stream used as seeking reference: the first
// video stream, else the first audio stream, else the first stream.
func (e *Engine) DefaultStream() int {
	return e.defaultIdx
}

// ReadPacket returns the next packet in file order.
func (e *Engine) ReadPacket(ctx context.Context) (*container.RawPacket, error) {
	for len(e.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		u, err := e.nextUnit()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) {
				if !e.flushed {
					e.index.complete = true
				}
				return nil, io.EOF
			}
			if errors.Is(err, astits.ErrPacketMustStartWithASyncByte) {
				e.logger.Debug("lost packet alignment, resynchronizing",
					slog.Int64("offset", e.obs.offset))
				e.obs.Resync()
				e.dmx = newDemuxer(e.ctx, e.obs)
				continue
			}
			if rerr := e.obs.err; rerr != nil && !errors.Is(err, rerr) {
				e.obs.err = nil
				return nil, fmt.Errorf("reading transport stream: %w: %w", rerr, err)
			}
			e.obs.err = nil
			return nil, fmt.Errorf("reading transport stream: %w", err)
		}
		e.emit(u)
	}

	p := e.pending[0]
	e.pending[0] = nil
	e.pending = e.pending[1:]
	return p, nil
}

func (e *Engine) nextUnit() (unit, error) {
	if len(e.replay) > 0 {
		u := e.replay[0]
		e.replay[0] = unit{}
		e.replay = e.replay[1:]
		return u, nil
	}

	for {
		d, err := e.dmx.NextData()
		if err != nil {
			return unit{}, err
		}
		switch {
		case d.PES != nil:
			return e.unitFor(d), nil
		case d.SDT != nil:
			maps.Copy(e.tags, serviceTags(d.SDT))
		}
	}
}

// emit converts a unit into packets queued for ReadPacket.
func (e *Engine) emit(u unit) {
	st := e.byPID[u.pid]
	if st == nil || u.pes == nil {
		return
	}

	pts := timebase.NoPTS
	if raw, ok := ptsOf(u.pes); ok {
		pts = timebase.Unwrap33(st.ref, raw)
		st.ref = pts
	}
	dts := pts
	if raw, ok := dtsOf(u.pes); ok {
		dts = timebase.Unwrap33(st.ref, raw)
	}

	key := isKey(st, u)
	if st.index == e.defaultIdx && pts != timebase.NoPTS && !e.flushed {
		if key {
			e.index.add(pts, u.offset)
		}
		e.index.observe(pts)
	}

	if st.codec == container.CodecAAC {
		if frames := splitADTS(u.pes.Data); len(frames) > 0 {
			for i, f := range frames {
				p := &container.RawPacket{
					StreamIndex: st.index,
					Data:        bytes.Clone(f),
					PTS:         pts,
					DTS:         pts,
					Duration:    st.frameTicks,
					Key:         true,
					Pos:         u.offset,
				}
				if pts != timebase.NoPTS {
					p.PTS = pts + int64(i)*st.frameTicks
					p.DTS = p.PTS
				}
				e.pending = append(e.pending, p)
			}
			return
		}
	}

	e.pending = append(e.pending, &container.RawPacket{
		StreamIndex: st.index,
		Data:        bytes.Clone(u.pes.Data),
		PTS:         pts,
		DTS:         dts,
		Key:         key,
		Pos:         u.offset,
	})
}

// SearchIndex returns the timestamp of the keyframe of stream closest to
// ts. Only the default stream is indexed.
func (e *Engine) SearchIndex(stream int, ts int64, backward bool) (int64, error) {
	if stream != e.defaultIdx || len(e.order) == 0 {
		return 0, container.ErrNoIndex
	}
	if e.seekable {
		if err := e.ensureIndexed(e.ctx, ts, backward); err != nil {
			return 0, err
		}
	}
	entry, ok := e.index.search(ts, backward)
	if !ok {
		return 0, container.ErrNoIndex
	}
	return entry.pts, nil
}

// Seek repositions the input on a keyframe of the default stream near ts,
// at or before it when backward. Queued data is discarded.
func (e *Engine) Seek(ctx context.Context, stream int, ts int64, backward bool) error {
	if !e.seekable {
		return container.ErrNotSeekable
	}
	if len(e.order) == 0 {
		return container.ErrStreamInfo
	}
	if err := e.ensureIndexed(ctx, ts, backward); err != nil {
		return err
	}

	offset := e.dataStart
	if entry, ok := e.index.search(ts, backward); ok {
		offset = entry.offset
	} else if !backward {
		return fmt.Errorf("no keyframe at or after %d: %w", ts, container.ErrNoIndex)
	}

	e.logger.Debug("repositioning",
		slog.Int("stream", stream),
		slog.Int64("target", ts),
		slog.Int64("offset", offset))
	return e.reposition(ctx, offset)
}

func (e *Engine) reposition(ctx context.Context, offset int64) error {
	if _, err := e.r.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seeking input to %d: %w", offset, err)
	}
	e.pending = nil
	e.replay = nil
	e.obs = newOffsetReader(e.r, offset)
	e.dmx = newDemuxer(ctx, e.obs)
	e.flushed = false
	return nil
}

// ensureIndexed reads ahead of the indexed region until the keyframe index
// can answer a search for ts in the given direction. The read position is
// restored afterwards.
func (e *Engine) ensureIndexed(ctx context.Context, ts int64, backward bool) error {
	if e.index.complete {
		return nil
	}
	if backward && e.index.covers(ts) {
		return nil
	}
	if !backward {
		if _, ok := e.index.search(ts, false); ok {
			return nil
		}
	}

	st := e.order[e.defaultIdx]
	from, ref := e.dataStart, st.first
	if last, ok := e.index.last(); ok {
		from, ref = last.offset, last.pts
	}

	eof, err := e.scan(ctx, from, func(d *astits.DemuxerData, u unit) bool {
		if u.pid != st.pid {
			return true
		}
		raw, ok := ptsOf(d.PES)
		if !ok {
			return true
		}
		pts := timebase.Unwrap33(ref, raw)
		ref = pts
		key := isKey(st, u)
		if key {
			e.index.add(pts, u.offset)
		}
		e.index.observe(pts)
		if backward {
			return pts <= ts
		}
		return !key || pts < ts
	})
	if err != nil {
		return fmt.Errorf("indexing keyframes: %w", err)
	}
	if eof {
		e.index.complete = true
	}
	return nil
}

// scanDuration reads the tail of the input and estimates the duration from
// the last timestamps of each stream.
func (e *Engine) scanDuration(ctx context.Context) error {
	from := e.size - e.opts.DurationScanSize
	if from < e.dataStart {
		from = e.dataStart
	}
	from = e.dataStart + (from-e.dataStart)/packetSize*packetSize

	type tail struct {
		last, prev, end int64
	}
	tails := make(map[int]*tail)

	_, err := e.scan(ctx, from, func(d *astits.DemuxerData, u unit) bool {
		st := e.byPID[u.pid]
		if st == nil || st.first == timebase.NoPTS {
			return true
		}
		raw, ok := ptsOf(d.PES)
		if !ok {
			return true
		}
		t := tails[st.index]
		if t == nil {
			t = &tail{last: timebase.NoPTS, prev: timebase.NoPTS}
			tails[st.index] = t
		}
		ref := st.first
		if t.last != timebase.NoPTS {
			ref = t.last
		}
		pts := timebase.Unwrap33(ref, raw)
		t.prev, t.last = t.last, pts

		end := pts
		switch {
		case st.codec == container.CodecAAC:
			end += int64(len(splitADTS(d.PES.Data))) * st.frameTicks
		case t.prev != timebase.NoPTS && pts > t.prev:
			end += pts - t.prev
		}
		if end > t.end {
			t.end = end
		}
		return true
	})
	if err != nil {
		return err
	}

	var maxEnd int64 = timebase.NoPTS
	for idx, t := range tails {
		st := e.order[idx]
		if d := t.end - st.first; d > 0 {
			e.streams[idx].Duration = d
		}
		if maxEnd == timebase.NoPTS || t.end > maxEnd {
			maxEnd = t.end
		}
	}
	if maxEnd != timebase.NoPTS && e.startTime != timebase.NoPTS && maxEnd > e.startTime {
		e.duration = maxEnd - e.startTime
	}
	return nil
}

// scan runs a separate demuxer from offset, calling fn for every PES until
// fn returns false or the input ends. The main read position is restored.
func (e *Engine) scan(ctx context.Context, offset int64, fn func(*astits.DemuxerData, unit) bool) (eof bool, err error) {
	saved, err := e.r.Seek(0, io.SeekCurrent)
	if err != nil {
		return false, fmt.Errorf("saving read position: %w", err)
	}
	defer func() {
		if _, serr := e.r.Seek(saved, io.SeekStart); serr != nil && err == nil {
			err = fmt.Errorf("restoring read position: %w", serr)
		}
	}()

	if _, err := e.r.Seek(offset, io.SeekStart); err != nil {
		return false, fmt.Errorf("seeking to %d: %w", offset, err)
	}

	obs := newOffsetReader(e.r, offset)
	dmx := newDemuxer(ctx, obs)
	for {
		d, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) {
				return true, nil
			}
			return false, err
		}
		if d.PES == nil {
			continue
		}
		u := unit{pid: d.PID, pes: d.PES, offset: obs.pop(d.PID)}
		if d.FirstPacket != nil && d.FirstPacket.AdaptationField != nil {
			u.rai = d.FirstPacket.AdaptationField.RandomAccessIndicator
		}
		if !fn(d, u) {
			return false, nil
		}
	}
}

// Flush drops queued and partially assembled data. The next read
// resynchronizes on a sync byte.
func (e *Engine) Flush() {
	if e.obs == nil {
		return
	}
	e.pending = nil
	e.replay = nil
	obs := newOffsetReader(e.r, e.obs.offset)
	obs.Resync()
	e.obs = obs
	e.dmx = newDemuxer(e.ctx, e.obs)
	e.flushed = true
}

// Close releases all state. It may be called more than once.
func (e *Engine) Close() error {
	e.r = nil
	e.obs = nil
	e.dmx = nil
	e.replay = nil
	e.pending = nil
	e.streams = nil
	e.order = nil
	e.byPID = nil
	e.index.reset()
	e.startTime = timebase.NoPTS
	e.duration = timebase.NoPTS
	return nil
}
