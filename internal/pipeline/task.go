// Package pipeline drives a demuxer from a background task and exposes the
// control surface: activation, upstream data and events, seeking and
// queries.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
)

// ErrPause returned by a step parks the task until it is started again.
var ErrPause = errors.New("pause task")

// TaskState is the state of a Task.
type TaskState int

const (
	TaskStopped TaskState = iota
	TaskStarted
	TaskPaused
)

func (s TaskState) String() string {
	switch s {
	case TaskStarted:
		return "started"
	case TaskPaused:
		return "paused"
	default:
		return "stopped"
	}
}

// StepFunc is one iteration of a task.
type StepFunc func(ctx context.Context) error

// Task calls its step function in a loop on its own goroutine.
type Task struct {
	mu    sync.Mutex
	cond  *sync.Cond
	state TaskState
	step  StepFunc

	// running state
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	logger *slog.Logger
}

// NewTask creates a stopped task.
func NewTask(step StepFunc) *Task {
	t := &Task{
		step:   step,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// WithLogger sets a custom logger.
func (t *Task) WithLogger(logger *slog.Logger) *Task {
	t.logger = logger
	return t
}

// State returns the current state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Start runs the loop, resuming it when paused. ctx is used only when a
// new goroutine is started.
func (t *Task) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state = TaskStarted
	if !t.running {
		t.ctx, t.cancel = context.WithCancel(ctx)
		t.done = make(chan struct{})
		t.running = true
		go t.loop(t.ctx, t.done)
		t.logger.Debug("task started")
	}
	t.cond.Broadcast()
}

// Pause parks the loop after the current iteration. It does not wait.
func (t *Task) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == TaskStarted {
		t.state = TaskPaused
		t.cond.Broadcast()
	}
}

// Stop ends the loop and waits for the goroutine to exit.
func (t *Task) Stop() {
	t.mu.Lock()
	t.state = TaskStopped
	if t.cancel != nil {
		t.cancel()
	}
	t.cond.Broadcast()
	t.mu.Unlock()

	t.Join()
}

// Join waits for the goroutine to exit, if one is running.
func (t *Task) Join() {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (t *Task) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		t.mu.Lock()
		t.running = false
		t.cancel()
		t.mu.Unlock()
		close(done)
		t.logger.Debug("task stopped")
	}()

	for {
		t.mu.Lock()
		for t.state == TaskPaused {
			t.cond.Wait()
		}
		if t.state == TaskStopped {
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		err := t.step(ctx)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrPause) {
			t.logger.Warn("task step failed", slog.String("error", err.Error()))
		}
		t.mu.Lock()
		if t.state == TaskStarted {
			t.state = TaskPaused
		}
		t.mu.Unlock()
	}
}
