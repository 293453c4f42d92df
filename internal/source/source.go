// Package source provides the byte sources the demuxer reads from.
//
// A ByteSource is either a PullSource, where the reader fetches ranges at
// offsets it chooses, or a PushSource, where an upstream producer delivers
// bytes in its own order and the reader blocks until enough are queued.
package source

import (
	"context"
	"errors"
)

// SeekSize is a whence value that asks for the total size of the source
// without moving the read cursor.
const SeekSize = 0x10000

var (
	// ErrUnsupported is returned when a source cannot reposition or report
	// its size.
	ErrUnsupported = errors.New("operation not supported by source")
	// ErrReadTimeout is returned when a push read waits longer than the
	// configured safety timeout.
	ErrReadTimeout = errors.New("timed out waiting for upstream data")
	// ErrFlushing is returned by a push read while the source is flushing.
	ErrFlushing = errors.New("source is flushing")
	// ErrEndOfStream is returned when data is pushed after end-of-stream.
	ErrEndOfStream = errors.New("source already at end of stream")
	// ErrInvalidSeek is returned for an unknown whence or a negative target.
	ErrInvalidSeek = errors.New("invalid seek")
)

// ByteSource is the single read interface the demuxer sees. Read returns at
// most size bytes; io.EOF signals end of stream. Only *PullSource and
// *PushSource implement it.
type ByteSource interface {
	Read(ctx context.Context, size int) ([]byte, error)
	Seek(offset int64, whence int) (int64, error)
	Size() (int64, bool)
	Seekable() bool

	byteSource()
}
