package avio

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/tsdemux/internal/source"
)

func pullBridge(t *testing.T, data []byte, opts ...Option) *Bridge {
	t.Helper()
	src := source.NewPullSource(source.NewFileProvider(bytes.NewReader(data), int64(len(data))))
	return New(context.Background(), src, opts...)
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestBridge_ReadThroughBuffer(t *testing.T) {
	data := payload(10000)
	b := pullBridge(t, data)

	var out []byte
	p := make([]byte, 188)
	for {
		n := b.Read(p)
		require.GreaterOrEqual(t, n, 0)
		if n == 0 {
			break
		}
		out = append(out, p[:n]...)
	}
	assert.Equal(t, data, out)
	assert.Equal(t, int64(len(data)), b.Position())
}

func TestBridge_LargeReadBypassesBuffer(t *testing.T) {
	data := payload(3 * DefaultBufferSize)
	b := pullBridge(t, data)

	p := make([]byte, 2*DefaultBufferSize)
	n := b.Read(p)
	assert.Equal(t, len(p), n)
	assert.Equal(t, data[:n], p[:n])

	small := make([]byte, 10)
	require.Equal(t, 10, b.Read(small))
	assert.Equal(t, data[n:n+10], small)
}

func TestBridge_Seek(t *testing.T) {
	data := payload(20000)
	b := pullBridge(t, data, WithBufferSize(1024))
	p := make([]byte, 100)

	require.Equal(t, 100, b.Read(p))

	t.Run("inside read-ahead window", func(t *testing.T) {
		assert.Equal(t, int64(50), b.Seek(50, io.SeekStart))
		require.Equal(t, 100, b.Read(p))
		assert.Equal(t, data[50:150], p)
	})

	t.Run("current", func(t *testing.T) {
		assert.Equal(t, int64(150), b.Seek(0, io.SeekCurrent))
		assert.Equal(t, int64(5150), b.Seek(5000, io.SeekCurrent))
		require.Equal(t, 100, b.Read(p))
		assert.Equal(t, data[5150:5250], p)
	})

	t.Run("end", func(t *testing.T) {
		assert.Equal(t, int64(19900), b.Seek(-100, io.SeekEnd))
		require.Equal(t, 100, b.Read(p))
		assert.Equal(t, data[19900:], p)
		assert.Equal(t, 0, b.Read(p))
	})

	t.Run("size has no side effects", func(t *testing.T) {
		before := b.Position()
		assert.Equal(t, int64(20000), b.Seek(0, SeekSize))
		assert.Equal(t, before, b.Position())
	})

	t.Run("invalid whence", func(t *testing.T) {
		assert.Equal(t, int64(ErrCodeInvalid), b.Seek(0, 99))
	})
}

func TestBridge_PushSource(t *testing.T) {
	src := source.NewPushSource()
	b := New(context.Background(), src)
	ctx := context.Background()

	assert.False(t, b.Seekable())
	assert.Equal(t, int64(ErrCodeNoSys), b.Seek(0, SeekSize))
	assert.Equal(t, int64(ErrCodeNoSys), b.Seek(10, io.SeekStart))
	assert.ErrorIs(t, b.Err(), source.ErrUnsupported)

	go func() {
		_ = src.Push(ctx, payload(100))
		src.EndOfStream()
	}()

	p := make([]byte, 188)
	n := b.Read(p)
	assert.Equal(t, 100, n)
	assert.Equal(t, 0, b.Read(p))
	assert.Equal(t, int64(100), b.Seek(0, io.SeekCurrent))
}

func TestBridge_FlushingMapsToIOError(t *testing.T) {
	src := source.NewPushSource()
	b := New(context.Background(), src)

	done := make(chan int, 1)
	go func() {
		done <- b.Read(make([]byte, 16))
	}()
	require.Eventually(t, func() bool { return src.Pending() > 0 }, time.Second, time.Millisecond)
	src.SetFlushing(true)

	select {
	case n := <-done:
		assert.Equal(t, ErrCodeIO, n)
		assert.ErrorIs(t, b.Err(), source.ErrFlushing)
	case <-time.After(time.Second):
		t.Fatal("read was not released")
	}
}

func TestBridge_CloseOnce(t *testing.T) {
	b := pullBridge(t, payload(100))
	b.Close()
	b.Close()

	assert.Equal(t, ErrCodeClosed, b.Read(make([]byte, 10)))
	assert.Equal(t, int64(ErrCodeClosed), b.Seek(0, io.SeekStart))
	assert.False(t, b.Seekable())
	_, ok := b.Size()
	assert.False(t, ok)
}

func TestBridge_Reader(t *testing.T) {
	data := payload(1000)
	b := pullBridge(t, data)
	r := b.Reader()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	pos, err := r.Seek(10, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(10), pos)

	b.Close()
	_, err = r.Read(make([]byte, 4))
	var berr *Error
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, ErrCodeClosed, berr.Code)
	assert.ErrorIs(t, err, ErrClosed)
}
