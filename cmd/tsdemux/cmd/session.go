package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/tsdemux/internal/config"
	"github.com/jmylchreest/tsdemux/internal/demux"
	"github.com/jmylchreest/tsdemux/internal/input"
	"github.com/jmylchreest/tsdemux/internal/pipeline"
	"github.com/jmylchreest/tsdemux/internal/router"
)

// messageBuffer bounds the bus messages waiting for the watcher.
const messageBuffer = 64

// ErrNotSeekable is returned when a seek is requested on a streamed input.
var ErrNotSeekable = errors.New("input does not support seeking")

// session wires an input to a demux element.
type session struct {
	in     *input.Input
	el     *pipeline.Element
	msgs   chan pipeline.Message
	logger *slog.Logger
}

// elementOptions maps the demux configuration onto element options.
func elementOptions(c *config.Config) pipeline.Options {
	return pipeline.Options{
		Demux: demux.Options{
			ReadAheadSize:    c.Demux.ReadAheadSize.Int(),
			ProbeSize:        c.Demux.ProbeSize.Bytes(),
			DurationScanSize: c.Demux.DurationScanSize.Bytes(),
			DisableID3Prefix: !c.Demux.MetadataID3Prefix,
		},
		ReadTimeout: c.Demux.ReadTimeout,
		MaxQueued:   c.Demux.MaxQueued.Int(),
	}
}

// newSession opens path and creates an inactive element for it. onChannel
// links every output channel the element creates.
func newSession(c *config.Config, path string, onChannel router.LinkFunc, logger *slog.Logger) (*session, error) {
	in, err := input.Open(path,
		input.WithChunkSize(c.Demux.ChunkSize.Int()),
		input.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("opening input: %w", err)
	}

	s := &session{
		in:     in,
		msgs:   make(chan pipeline.Message, messageBuffer),
		logger: logger,
	}
	opts := elementOptions(c)
	opts.OnChannel = onChannel
	opts.Bus = s.post
	opts.Logger = logger
	s.el = pipeline.New(opts)
	return s, nil
}

// post forwards a bus message. It runs with the element's stream lock held
// and never blocks.
func (s *session) post(m pipeline.Message) {
	select {
	case s.msgs <- m:
	default:
		s.logger.Warn("dropping bus message", slog.String("type", m.Type.String()))
	}
}

// seekable reports whether the input is served by random access.
func (s *session) seekable() bool {
	pull, seekable, sequential := s.in.Scheduling()
	return pull && seekable && !sequential
}

// run activates the element, feeds it in push mode, and blocks until done
// reports completion, an error message arrives or ctx ends. The element is
// deactivated before run returns.
func (s *session) run(ctx context.Context, done func(pipeline.Message) bool) error {
	g, gctx := errgroup.WithContext(ctx)

	if err := s.el.Activate(gctx, s.in); err != nil {
		return fmt.Errorf("activating element: %w", err)
	}
	s.logger.Debug("element activated", slog.String("mode", s.el.Mode().String()))

	if s.el.Mode() == pipeline.ModePush {
		g.Go(func() error {
			return s.in.Feed(gctx, s.el)
		})
	}

	g.Go(func() error {
		err := s.watch(gctx, done)
		if cerr := s.el.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing element: %w", cerr)
		}
		return err
	})

	return g.Wait()
}

// watch consumes bus messages until done returns true.
func (s *session) watch(ctx context.Context, done func(pipeline.Message) bool) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-s.msgs:
			s.logger.Debug("bus message",
				slog.String("type", m.Type.String()),
				slog.Duration("position", m.Position),
			)
			if m.Type == pipeline.MessageError {
				return fmt.Errorf("demuxing %s: %w", s.in.Name(), m.Err)
			}
			if done(m) {
				return nil
			}
		}
	}
}

// close releases the element and the input.
func (s *session) close() error {
	return errors.Join(s.el.Close(), s.in.Close())
}
