// Package avio adapts a source.ByteSource to the callback style expected by
// a container engine: reads return a byte count or a negative status code,
// seeks return a position or a negative status code.
package avio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/jmylchreest/tsdemux/internal/source"
)

// DefaultBufferSize is the read-ahead window used when none is configured.
const DefaultBufferSize = 4096

// SeekSize asks Seek for the total size without moving the position.
const SeekSize = source.SeekSize

// Status codes returned by Read and Seek. They mirror the errno values an
// engine callback would report.
const (
	ErrCodeIO      = -5
	ErrCodeClosed  = -9
	ErrCodeInvalid = -22
	ErrCodeNoSys   = -38
)

// ErrClosed is reported after the bridge was closed.
var ErrClosed = errors.New("bridge closed")

// Error carries a status code and the source error behind it.
type Error struct {
	Code int
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("io bridge status %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("io bridge status %d", e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithBufferSize sets the read-ahead window.
func WithBufferSize(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// Bridge owns a read-ahead buffer over a ByteSource and tracks the logical
// position the engine has consumed.
type Bridge struct {
	mu         sync.Mutex
	ctx        context.Context
	src        source.ByteSource
	bufferSize int
	buf        []byte
	bufPos     int
	pos        int64
	closed     bool
	lastErr    error
	closeOnce  sync.Once
	logger     *slog.Logger
}

// New binds a bridge to src. ctx bounds every blocking source read.
func New(ctx context.Context, src source.ByteSource, opts ...Option) *Bridge {
	b := &Bridge{
		ctx:        ctx,
		src:        src,
		bufferSize: DefaultBufferSize,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Read fills p from the read-ahead buffer, refilling it from the source as
// needed. It returns the number of bytes copied, zero at end of stream, or
// a negative status code.
func (b *Bridge) Read(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		b.lastErr = ErrClosed
		return ErrCodeClosed
	}
	if len(p) == 0 {
		return 0
	}

	if b.bufPos < len(b.buf) {
		n := copy(p, b.buf[b.bufPos:])
		b.bufPos += n
		b.pos += int64(n)
		return n
	}

	b.buf = nil
	b.bufPos = 0

	// Large reads bypass the buffer.
	if len(p) >= b.bufferSize {
		data, code := b.fill(len(p))
		if code <= 0 {
			return code
		}
		n := copy(p, data)
		b.pos += int64(n)
		return n
	}

	data, code := b.fill(b.bufferSize)
	if code <= 0 {
		return code
	}
	b.buf = data
	b.bufPos = copy(p, b.buf)
	b.pos += int64(b.bufPos)
	return b.bufPos
}

// fill reads up to n bytes from the source. Caller holds mu.
func (b *Bridge) fill(n int) ([]byte, int) {
	data, err := b.src.Read(b.ctx, n)
	if err != nil {
		if errors.Is(err, io.EOF) {
			b.lastErr = nil
			return nil, 0
		}
		b.lastErr = err
		code := codeFor(err)
		if !errors.Is(err, source.ErrFlushing) && !errors.Is(err, context.Canceled) {
			b.logger.Debug("source read failed",
				slog.Int64("position", b.pos),
				slog.Int("status", code),
				slog.String("error", err.Error()))
		}
		return nil, code
	}
	if len(data) == 0 {
		return nil, 0
	}
	b.lastErr = nil
	return data, len(data)
}

// Seek repositions the logical cursor. whence is io.SeekStart,
// io.SeekCurrent, io.SeekEnd or SeekSize. SeekSize reports the total size
// and has no side effects.
func (b *Bridge) Seek(pos int64, whence int) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		b.lastErr = ErrClosed
		return ErrCodeClosed
	}

	switch whence {
	case SeekSize:
		size, err := b.src.Seek(pos, SeekSize)
		if err != nil {
			b.lastErr = err
			return int64(codeFor(err))
		}
		return size
	case io.SeekCurrent:
		if pos == 0 {
			return b.pos
		}
		pos += b.pos
		whence = io.SeekStart
	case io.SeekStart, io.SeekEnd:
	default:
		b.lastErr = fmt.Errorf("%w: whence %d", source.ErrInvalidSeek, whence)
		return ErrCodeInvalid
	}

	// Stay inside the read-ahead window when possible.
	if whence == io.SeekStart && len(b.buf) > 0 {
		bufStart := b.pos - int64(b.bufPos)
		if pos >= bufStart && pos <= bufStart+int64(len(b.buf)) {
			b.bufPos = int(pos - bufStart)
			b.pos = pos
			return pos
		}
	}

	newPos, err := b.src.Seek(pos, whence)
	if err != nil {
		b.lastErr = err
		return int64(codeFor(err))
	}
	b.buf = nil
	b.bufPos = 0
	b.pos = newPos
	return newPos
}

// Discard drops the unread part of the read-ahead window. A seekable source
// is repositioned to the consumed position so no byte is lost; a push
// source is left alone since its pending bytes were already dropped
// upstream.
func (b *Bridge) Discard() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if b.bufPos < len(b.buf) && b.src.Seekable() {
		if _, err := b.src.Seek(b.pos, io.SeekStart); err != nil {
			b.lastErr = err
			b.logger.Debug("repositioning after discard failed",
				slog.Int64("position", b.pos),
				slog.String("error", err.Error()))
		}
	}
	if dropped := len(b.buf) - b.bufPos; dropped > 0 {
		b.logger.Debug("read-ahead discarded", slog.Int("bytes", dropped))
	}
	b.buf = nil
	b.bufPos = 0
}

// Position returns the logical position consumed by the engine.
func (b *Bridge) Position() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pos
}

// Seekable reports whether the underlying source can reposition.
func (b *Bridge) Seekable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed && b.src.Seekable()
}

// Size returns the source size when known.
func (b *Bridge) Size() (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, false
	}
	return b.src.Size()
}

// Err returns the source error behind the last negative status, if any.
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// Close releases the buffer and detaches from the source. Only the first
// call has an effect.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.closed = true
		b.buf = nil
		b.bufPos = 0
		b.src = nil
	})
}

// Reader returns an io.ReadSeeker view translating status codes back into
// Go errors.
func (b *Bridge) Reader() io.ReadSeeker {
	return &reader{b: b}
}

type reader struct {
	b *Bridge
}

func (r *reader) Read(p []byte) (int, error) {
	n := r.b.Read(p)
	switch {
	case n > 0:
		return n, nil
	case n == 0 && len(p) > 0:
		return 0, io.EOF
	case n == 0:
		return 0, nil
	default:
		return 0, &Error{Code: n, Err: r.b.Err()}
	}
}

func (r *reader) Seek(offset int64, whence int) (int64, error) {
	pos := r.b.Seek(offset, whence)
	if pos < 0 {
		return 0, &Error{Code: int(pos), Err: r.b.Err()}
	}
	return pos, nil
}

func codeFor(err error) int {
	switch {
	case errors.Is(err, source.ErrUnsupported):
		return ErrCodeNoSys
	case errors.Is(err, source.ErrInvalidSeek):
		return ErrCodeInvalid
	case errors.Is(err, ErrClosed):
		return ErrCodeClosed
	default:
		return ErrCodeIO
	}
}
