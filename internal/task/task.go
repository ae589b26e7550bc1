// Package task implements the ControllableTask primitive: a unit of
// asynchronous work that can be paused, resumed, cancelled, and that
// reports progress and a terminal outcome. It underlies the Fetcher,
// the ActionLibrary, and the UpdateSequencer.
package task

import (
	"context"
	"errors"
	"sync"
)

// State is one point in the task's finite state machine.
//
//	Resumed -> Paused -> Resumed -> ... -> {Fulfilled | Cancelled | Rejected}
type State int

const (
	Resumed State = iota
	Paused
	Fulfilled
	Cancelled
	Rejected
)

func (s State) String() string {
	switch s {
	case Resumed:
		return "resumed"
	case Paused:
		return "paused"
	case Fulfilled:
		return "fulfilled"
	case Cancelled:
		return "cancelled"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == Fulfilled || s == Cancelled || s == Rejected
}

// ErrPrecondition is returned when pause/resume/cancel is attempted
// against a settled task, or when a concurrent operation is already
// holding the exclusive operation lock.
var ErrPrecondition = errors.New("task: precondition violated")

// Progress is one unit of work reported by the task body.
type Progress struct {
	ChunkSize      int64
	DownloadedSize int64
}

// Body is the function a Task runs. It must be cooperative: poll ctx
// for cancellation and pause, and use report to emit progress.
type Body func(ctx context.Context, ctl *Control) error

// Control is handed to a running Body so it can check for pause and
// emit progress without reaching into Task internals.
type Control struct {
	t *Task
}

// Context returns a context that is done when the task is cancelled.
func (c *Control) Context() context.Context { return c.t.cancelCtx }

// WaitIfPaused blocks the caller while the task is paused, returning
// early if the task is cancelled while waiting. This is how a Body
// cooperates with Pause/Resume: it must call this between units of
// work (e.g. between downloaded chunks).
func (c *Control) WaitIfPaused() error {
	c.t.mu.Lock()
	for c.t.state == Paused {
		c.t.pauseCond.Wait()
	}
	cancelled := c.t.state == Cancelled
	c.t.mu.Unlock()
	if cancelled {
		return context.Canceled
	}
	return nil
}

// Report delivers progress to every current subscriber. Delivery is
// best-effort and synchronous with the producer, matching the
// one-to-many, non-blocking contract in the spec.
func (c *Control) Report(p Progress) {
	c.t.mu.Lock()
	paused := c.t.state == Paused
	subs := append([]func(Progress){}, c.t.subscribers...)
	c.t.mu.Unlock()

	if paused {
		// Progress notifications cease while paused; the fulfillment
		// itself (if the body finishes mid-pause) is deferred, not
		// dropped — see settle().
		return
	}
	for _, sub := range subs {
		sub(p)
	}
}

// CancelHandler is invoked when Cancel is requested while the task's
// Body is still running, to let it quiesce in-flight I/O (unpipe a
// stream, close a temp file) before the task settles as Cancelled.
type CancelHandler func()

// Task is a ControllableTask: pausable, resumable, cancellable, with
// progress subscription and a terminal outcome.
type Task struct {
	mu          sync.Mutex
	opLock      sync.Mutex // held exclusively during pause/resume/cancel
	state       State
	err         error
	subscribers []func(Progress)
	onCancel    CancelHandler

	cancelCtx    context.Context
	cancelFunc   context.CancelFunc
	pauseCond    *sync.Cond
	done         chan struct{}
	deferredDone bool // body settled while paused; apply on next Resume
	deferredErr  error
	deferredOK   bool
}

// New creates a task in the Resumed state and starts running body in
// a new goroutine immediately.
func New(parent context.Context, body Body, onCancel CancelHandler) *Task {
	ctx, cancel := context.WithCancel(parent)
	t := &Task{
		state:      Resumed,
		cancelCtx:  ctx,
		cancelFunc: cancel,
		done:       make(chan struct{}),
		onCancel:   onCancel,
	}
	t.pauseCond = sync.NewCond(&t.mu)

	go func() {
		err := body(ctx, &Control{t: t})
		t.settle(err)
	}()

	return t
}

// settle records the body's outcome. If the task is currently paused,
// the fulfillment is deferred to the next Resume call, preserving the
// contract that progress/completion events cease while paused.
func (t *Task) settle(err error) {
	t.mu.Lock()
	if t.state == Paused {
		t.deferredDone = true
		t.deferredErr = err
		t.deferredOK = true
		t.mu.Unlock()
		return
	}
	t.applyOutcome(err)
	t.mu.Unlock()
}

// applyOutcome must be called with t.mu held.
func (t *Task) applyOutcome(err error) {
	if t.state.Terminal() {
		return
	}
	switch {
	case errors.Is(err, context.Canceled):
		t.state = Cancelled
	case err != nil:
		t.state = Rejected
		t.err = err
	default:
		t.state = Fulfilled
	}
	close(t.done)
}

// Pause transitions a Resumed task to Paused. Concurrent pause/resume/
// cancel calls are serialized by opLock; a call made while another is
// in flight fails with ErrPrecondition without mutating state.
func (t *Task) Pause() error {
	if !t.opLock.TryLock() {
		return ErrPrecondition
	}
	defer t.opLock.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return ErrPrecondition
	}
	if t.state != Resumed {
		return ErrPrecondition
	}
	t.state = Paused
	return nil
}

// Resume transitions a Paused task back to Resumed, applying any
// fulfillment/rejection that completed while paused.
func (t *Task) Resume() error {
	if !t.opLock.TryLock() {
		return ErrPrecondition
	}
	defer t.opLock.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return ErrPrecondition
	}
	if t.state != Paused {
		return ErrPrecondition
	}
	t.state = Resumed
	t.pauseCond.Broadcast()

	if t.deferredDone {
		t.deferredDone = false
		t.applyOutcome(t.deferredErr)
	}
	return nil
}

// Cancel requests cancellation: it cancels the task's context, wakes a
// paused body, and runs the CancelHandler if one is registered. Unless
// the body has already settled by then, the task then settles as
// Cancelled. A body that settles while the handler runs keeps the
// outcome of its own returned error; that case is not turned into
// Rejected.
func (t *Task) Cancel() error {
	if !t.opLock.TryLock() {
		return ErrPrecondition
	}
	defer t.opLock.Unlock()

	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return ErrPrecondition
	}
	wasPaused := t.state == Paused
	handler := t.onCancel
	t.mu.Unlock()

	t.cancelFunc()
	if wasPaused {
		t.mu.Lock()
		t.pauseCond.Broadcast()
		t.mu.Unlock()
	}
	if handler != nil {
		handler()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.Terminal() {
		if t.deferredDone {
			// Body already finished (deferred by a pause); a cancel
			// racing a deferred fulfillment still wins as Cancelled
			// per the spec's settlement-race rule.
			t.deferredDone = false
			t.state = Cancelled
			close(t.done)
		} else {
			t.state = Cancelled
			close(t.done)
		}
	}
	return nil
}

// Subscribe registers a progress observer. Safe to call at any point
// in the task's lifetime; observers registered after settlement
// simply never fire.
func (t *Task) Subscribe(fn func(Progress)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribers = append(t.subscribers, fn)
}

// State returns the current state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Wait blocks until the task reaches a terminal state and returns its
// error (nil for Fulfilled or Cancelled, non-nil for Rejected).
func (t *Task) Wait() error {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Rejected {
		return t.err
	}
	return nil
}

// Done returns a channel closed when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }
