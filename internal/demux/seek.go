package demux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/tsdemux/internal/segment"
	"github.com/jmylchreest/tsdemux/internal/timebase"
)

// ErrSeekFailed wraps every reason a seek could not be carried out.
var ErrSeekFailed = errors.New("seek failed")

// SeekController repositions an open Engine on the stream the container
// designates as default.
type SeekController struct {
	engine *Engine
	logger *slog.Logger
}

// NewSeekController creates a controller for e.
func NewSeekController(e *Engine) *SeekController {
	return &SeekController{
		engine: e,
		logger: e.logger.With(slog.String("operation", "seek")),
	}
}

// Seek moves the engine to seg.Position. With keyUnitOnly the target snaps
// to the nearest keyframe at or before it. On success seg's position, time
// and start are set to the position actually reached; on failure seg is
// left untouched.
func (c *SeekController) Seek(ctx context.Context, seg *segment.Segment, keyUnitOnly bool) error {
	e := c.engine
	if !e.state.IsOpen() || e.state == StateError {
		return fmt.Errorf("%w: %w", ErrSeekFailed, ErrNotOpen)
	}

	ref := e.ce.DefaultStream()
	tb := timebase.MPEGTS
	for _, raw := range e.ce.Streams() {
		if raw.Index == ref {
			tb = raw.TimeBase
			break
		}
	}

	target := seg.Position
	if !timebase.IsValid(target) {
		target = 0
	}
	if timebase.IsValid(e.startTime) {
		target += e.startTime
	}
	ts := timebase.FromDuration(target, tb)

	if keyUnitOnly {
		if kts, err := e.ce.SearchIndex(ref, ts, true); err == nil && kts >= 0 {
			ts = kts
		} else if err != nil {
			c.logger.Debug("no keyframe before target", slog.Int64("target", ts), slog.String("error", err.Error()))
		}
	}

	prev := e.state
	e.state = StateSeeking
	if err := e.ce.Seek(ctx, ref, ts, true); err != nil {
		e.state = prev
		c.logger.Warn("seek failed",
			slog.Duration("position", seg.Position),
			slog.String("error", err.Error()))
		return fmt.Errorf("%w: %w", ErrSeekFailed, err)
	}

	pos := timebase.Normalize(timebase.ToDuration(ts, tb), e.startTime)
	if !timebase.IsValid(pos) {
		pos = 0
	}
	seg.Position = pos
	seg.Time = pos
	seg.Start = pos

	e.MarkDiscont()
	e.state = StateIdle

	c.logger.Debug("seek done",
		slog.Duration("position", pos),
		slog.Bool("key_unit", keyUnitOnly))
	return nil
}
