package source

import (
	"context"
	"io"
	"sync"
	"time"
)

// PushSource queues bytes delivered by an upstream producer and serves them
// to a single blocking reader.
//
// A read waits until at least the requested number of bytes are queued or
// end-of-stream is signalled. Flush discards queued bytes without ending the
// stream. Every state change wakes all waiters so they re-check.
type PushSource struct {
	mu       sync.Mutex
	queue    []byte
	eos      bool
	flushing bool
	pending  int
	wake     chan struct{}

	readTimeout time.Duration
	maxQueued   int
}

// PushOption configures a PushSource.
type PushOption func(*PushSource)

// WithReadTimeout bounds how long a read waits for data. Zero disables it.
func WithReadTimeout(d time.Duration) PushOption {
	return func(s *PushSource) {
		s.readTimeout = d
	}
}

// WithMaxQueued makes Push wait while at least n bytes are queued and a
// reader has no unmet request. Zero disables backpressure.
func WithMaxQueued(n int) PushOption {
	return func(s *PushSource) {
		s.maxQueued = n
	}
}

// NewPushSource creates an empty push source.
func NewPushSource(opts ...PushOption) *PushSource {
	s := &PushSource{wake: make(chan struct{})}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (*PushSource) byteSource() {}

// broadcast wakes every waiter. Caller holds mu.
func (s *PushSource) broadcast() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// Push appends p to the queue and wakes the reader.
func (s *PushSource) Push(ctx context.Context, p []byte) error {
	s.mu.Lock()
	for {
		if s.eos {
			s.mu.Unlock()
			return ErrEndOfStream
		}
		if s.flushing {
			s.mu.Unlock()
			return ErrFlushing
		}
		if s.maxQueued <= 0 || len(s.queue) < s.maxQueued || (s.pending > 0 && len(s.queue) < s.pending) {
			break
		}
		wake := s.wake
		s.mu.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
	}

	s.queue = append(s.queue, p...)
	s.broadcast()
	s.mu.Unlock()
	return nil
}

// Read blocks until size bytes are queued or the stream ended, then returns
// up to size bytes. io.EOF is returned once the stream ended and the queue
// is drained.
func (s *PushSource) Read(ctx context.Context, size int) ([]byte, error) {
	if size <= 0 {
		return nil, nil
	}

	var timeout <-chan time.Time
	if s.readTimeout > 0 {
		timer := time.NewTimer(s.readTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { s.pending = 0 }()

	for {
		if s.flushing {
			return nil, ErrFlushing
		}
		if len(s.queue) >= size || s.eos {
			break
		}
		s.pending = size
		s.broadcast()
		wake := s.wake

		s.mu.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
			s.mu.Lock()
			return nil, ctx.Err()
		case <-timeout:
			s.mu.Lock()
			return nil, ErrReadTimeout
		}
		s.mu.Lock()
	}

	if len(s.queue) == 0 {
		return nil, io.EOF
	}

	n := min(size, len(s.queue))
	out := make([]byte, n)
	copy(out, s.queue[:n])
	s.queue = s.queue[n:]
	if len(s.queue) == 0 {
		s.queue = nil
	}
	s.broadcast()
	return out, nil
}

// Flush discards queued bytes without signalling end-of-stream.
func (s *PushSource) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
	s.broadcast()
}

// SetFlushing toggles flushing. While flushing, reads and pushes fail with
// ErrFlushing and queued bytes are discarded.
func (s *PushSource) SetFlushing(flushing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushing = flushing
	if flushing {
		s.queue = nil
	}
	s.broadcast()
}

// EndOfStream marks the stream as finished and wakes the reader.
func (s *PushSource) EndOfStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eos = true
	s.broadcast()
}

// Reset clears end-of-stream, flushing and any queued bytes.
func (s *PushSource) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
	s.eos = false
	s.flushing = false
	s.broadcast()
}

// Pending returns the size of the read currently waiting, or zero.
func (s *PushSource) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Queued returns the number of bytes waiting to be read.
func (s *PushSource) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// EOS reports whether end-of-stream has been signalled.
func (s *PushSource) EOS() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eos
}

// Seek always fails: a push source cannot reposition.
func (s *PushSource) Seek(int64, int) (int64, error) {
	return 0, ErrUnsupported
}

// Size is never known for a push source.
func (s *PushSource) Size() (int64, bool) {
	return 0, false
}

// Seekable reports false.
func (s *PushSource) Seekable() bool {
	return false
}
