// Package input opens demuxer inputs. Plain files are served by random
// access; standard input and compressed files are streamed to the element
// by a producer.
package input

import (
	"bufio"
	"compress/bzip2"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/andybalholm/brotli"
	"github.com/ulikunitz/xz"

	"github.com/jmylchreest/tsdemux/internal/router"
	"github.com/jmylchreest/tsdemux/internal/source"
)

// DefaultChunkSize is the size of the chunks a producer pushes.
const DefaultChunkSize = 64 * 1024

// Input errors.
var (
	ErrNotStreaming = errors.New("input is served by random access")
	ErrDownstream   = errors.New("downstream refused data")
)

// Compression identifies the compression wrapping an input.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionBzip2
	CompressionXZ
	CompressionBrotli
)

func (c Compression) String() string {
	switch c {
	case CompressionGzip:
		return "gzip"
	case CompressionBzip2:
		return "bzip2"
	case CompressionXZ:
		return "xz"
	case CompressionBrotli:
		return "brotli"
	default:
		return "none"
	}
}

// Detect identifies compression from the first bytes of an input. Brotli
// has no magic number and is detected by name only.
func Detect(name string, header []byte) Compression {
	switch {
	case len(header) >= 2 && header[0] == 0x1f && header[1] == 0x8b:
		return CompressionGzip
	case len(header) >= 3 && header[0] == 'B' && header[1] == 'Z' && header[2] == 'h':
		return CompressionBzip2
	case len(header) >= 6 && header[0] == 0xfd && header[1] == '7' && header[2] == 'z' &&
		header[3] == 'X' && header[4] == 'Z' && header[5] == 0x00:
		return CompressionXZ
	case strings.EqualFold(filepath.Ext(name), ".br"):
		return CompressionBrotli
	default:
		return CompressionNone
	}
}

// Target receives the bytes of a streamed input.
type Target interface {
	Chain(p []byte) router.FlowReturn
	SinkEvent(ev router.Event) bool
}

// Option configures an Input.
type Option func(*Input)

// WithChunkSize sets the producer chunk size.
func WithChunkSize(n int) Option {
	return func(in *Input) {
		if n > 0 {
			in.chunkSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(in *Input) {
		in.logger = logger
	}
}

// Input is an opened input. It satisfies the element's upstream contract.
type Input struct {
	name        string
	compression Compression

	provider *source.FileProvider
	reader   io.Reader
	closers  []io.Closer

	chunkSize int
	produced  atomic.Int64
	logger    *slog.Logger
}

func newInput(name string, opts []Option) *Input {
	in := &Input{
		name:      name,
		chunkSize: DefaultChunkSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(in)
	}
	in.logger = in.logger.With(slog.String("component", "input"), slog.String("input", name))
	return in
}

// Open opens path. "-" reads standard input.
func Open(path string, opts ...Option) (*Input, error) {
	if path == "-" {
		return OpenReader("stdin", os.Stdin, opts...)
	}

	provider, err := source.OpenFile(path)
	if err != nil {
		return nil, err
	}

	header, err := provider.ReadRange(context.Background(), 0, 6)
	if err != nil && !errors.Is(err, io.EOF) {
		_ = provider.Close()
		return nil, fmt.Errorf("reading header of %s: %w", path, err)
	}

	if c := Detect(path, header); c != CompressionNone {
		_ = provider.Close()
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", path, err)
		}
		in, err := OpenReader(path, f, opts...)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		in.closers = append(in.closers, f)
		return in, nil
	}

	in := newInput(path, opts)
	in.provider = provider
	in.closers = append(in.closers, provider)
	in.logger.Debug("input opened for random access")
	return in, nil
}

// OpenReader wraps r as a streamed input, decompressing it when needed.
func OpenReader(name string, r io.Reader, opts ...Option) (*Input, error) {
	in := newInput(name, opts)

	br := bufio.NewReader(r)
	header, err := br.Peek(6)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("peeking header of %s: %w", name, err)
	}

	in.compression = Detect(name, header)
	switch in.compression {
	case CompressionGzip:
		gzr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		in.reader = gzr
		in.closers = append(in.closers, gzr)
	case CompressionBzip2:
		in.reader = bzip2.NewReader(br)
	case CompressionXZ:
		xzr, err := xz.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("creating xz reader: %w", err)
		}
		in.reader = xzr
	case CompressionBrotli:
		in.reader = brotli.NewReader(br)
	default:
		in.reader = br
	}

	in.logger.Debug("input opened for streaming", slog.String("compression", in.compression.String()))
	return in, nil
}

// Name returns the input name.
func (in *Input) Name() string {
	return in.name
}

// Compression returns the detected compression.
func (in *Input) Compression() Compression {
	return in.compression
}

// Scheduling reports random access for plain files and sequential access
// for streamed inputs.
func (in *Input) Scheduling() (pull, seekable, sequential bool) {
	if in.provider != nil {
		return true, true, false
	}
	return false, false, true
}

// Provider returns the range provider of a plain file, or nil.
func (in *Input) Provider() source.RangeProvider {
	if in.provider == nil {
		return nil
	}
	return in.provider
}

// Produced returns the number of bytes handed to the target so far.
func (in *Input) Produced() int64 {
	return in.produced.Load()
}

// Feed pushes the input to t in chunks and signals end-of-stream when the
// input is exhausted. It returns early without error once t reports
// end-of-stream or flushing.
func (in *Input) Feed(ctx context.Context, t Target) error {
	if in.reader == nil {
		return ErrNotStreaming
	}

	buf := make([]byte, in.chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := in.reader.Read(buf)
		if n > 0 {
			switch ret := t.Chain(buf[:n]); ret {
			case router.FlowOK:
				in.produced.Add(int64(n))
			case router.FlowEOS, router.FlowFlushing:
				in.logger.Debug("producer stopped", slog.String("flow", ret.String()))
				return nil
			default:
				return fmt.Errorf("%w: %s", ErrDownstream, ret)
			}
		}

		switch {
		case errors.Is(err, io.EOF):
			in.logger.Debug("input exhausted", slog.Int64("bytes", in.produced.Load()))
			t.SinkEvent(router.NewEOSEvent())
			return nil
		case err != nil:
			t.SinkEvent(router.NewEOSEvent())
			return fmt.Errorf("reading %s: %w", in.name, err)
		}
	}
}

// Close releases the input.
func (in *Input) Close() error {
	var errs []error
	for i := len(in.closers) - 1; i >= 0; i-- {
		if err := in.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	in.closers = nil
	return errors.Join(errs...)
}
