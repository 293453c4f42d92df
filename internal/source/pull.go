package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// RangeProvider is an upstream that can serve arbitrary byte ranges.
type RangeProvider interface {
	// ReadRange returns up to size bytes starting at offset. A short result
	// is not an error. io.EOF with no data means offset is at or beyond the
	// end of the upstream.
	ReadRange(ctx context.Context, offset int64, size int) ([]byte, error)
	// Size returns the total length in bytes when known.
	Size() (int64, bool)
}

// PullSource reads from a RangeProvider at a cursor it owns.
type PullSource struct {
	mu       sync.Mutex
	provider RangeProvider
	offset   int64
}

// NewPullSource creates a pull source positioned at offset zero.
func NewPullSource(p RangeProvider) *PullSource {
	return &PullSource{provider: p}
}

func (*PullSource) byteSource() {}

// Read fetches up to size bytes at the cursor with a single upstream
// request. The cursor advances by the number of bytes returned.
func (s *PullSource) Read(ctx context.Context, size int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if size <= 0 {
		return nil, nil
	}

	data, err := s.provider.ReadRange(ctx, s.offset, size)
	if len(data) > size {
		data = data[:size]
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			if len(data) == 0 {
				return nil, io.EOF
			}
		} else {
			return nil, fmt.Errorf("reading range at %d: %w", s.offset, err)
		}
	}
	s.offset += int64(len(data))
	return data, nil
}

// Seek moves the cursor. SeekSize reports the total size plus offset and
// leaves the cursor where it is.
func (s *PullSource) Seek(offset int64, whence int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = s.offset + offset
	case io.SeekEnd, SeekSize:
		size, ok := s.provider.Size()
		if !ok {
			return 0, ErrUnsupported
		}
		if whence == SeekSize {
			return size + offset, nil
		}
		target = size + offset
	default:
		return 0, fmt.Errorf("%w: whence %d", ErrInvalidSeek, whence)
	}

	if target < 0 {
		return 0, fmt.Errorf("%w: offset %d", ErrInvalidSeek, target)
	}
	s.offset = target
	return target, nil
}

// Size returns the upstream size when known.
func (s *PullSource) Size() (int64, bool) {
	return s.provider.Size()
}

// Seekable reports true: a pull source always repositions.
func (s *PullSource) Seekable() bool {
	return true
}

// Offset returns the current cursor.
func (s *PullSource) Offset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// FileProvider serves ranges from an io.ReaderAt of known size.
type FileProvider struct {
	r    io.ReaderAt
	size int64
	c    io.Closer
}

// NewFileProvider wraps r, which holds size bytes.
func NewFileProvider(r io.ReaderAt, size int64) *FileProvider {
	return &FileProvider{r: r, size: size}
}

// OpenFile opens path as a range provider. The caller must Close it.
func OpenFile(path string) (*FileProvider, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return &FileProvider{r: f, size: info.Size(), c: f}, nil
}

// ReadRange implements RangeProvider.
func (p *FileProvider) ReadRange(ctx context.Context, offset int64, size int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if offset >= p.size {
		return nil, io.EOF
	}
	if remaining := p.size - offset; int64(size) > remaining {
		size = int(remaining)
	}

	buf := make([]byte, size)
	n, err := p.r.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if n == 0 {
		return nil, io.EOF
	}
	return buf[:n], nil
}

// Size implements RangeProvider.
func (p *FileProvider) Size() (int64, bool) {
	return p.size, true
}

// Close releases the underlying file, if any.
func (p *FileProvider) Close() error {
	if p.c == nil {
		return nil
	}
	return p.c.Close()
}
