/*Package worker runs at most one calibration task at a time against the
shared instrument, and lets another goroutine stop, pause and resume it.

Stopping and pausing are cooperative.  The task calls Checkpoint(ctx) at
every hardware boundary; Checkpoint returns ErrStopRequested once Stop has
been called and blocks while the worker is paused.

WaitFor and Signal give the task a "wait for named condition, with timeout"
primitive, for example to let an operator blank the beam mid-procedure.
*/
package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrBusy is returned by Start and Run when a task is already running
	ErrBusy = errors.New("worker busy: a task is already running")

	// ErrIdle is returned by Pause and Resume when no task is running
	ErrIdle = errors.New("worker idle: no task is running")

	// ErrStopRequested is returned from checkpoints after Stop.  It is a
	// cancellation, not a fault.
	ErrStopRequested = errors.New("stop requested")

	// ErrTimeout is returned by WaitFor when the condition is not signalled in time
	ErrTimeout = errors.New("timed out waiting for condition")
)

// Task is the body of a procedure
type Task func(ctx context.Context) error

// State is the lifecycle state of the worker
type State int

const (
	// Idle means no task is running
	Idle State = iota

	// Running means a task is running
	Running

	// Paused means a task is blocked at a checkpoint
	Paused

	// Stopping means Stop was called and the task has not returned yet
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Status is a snapshot of the worker for display
type Status struct {
	State   string `json:"state"`
	Task    string `json:"task"`
	LastErr string `json:"lastErr"`
}

type ctxKey struct{}

// Worker is the single task runner shared by every procedure of a session.
// The zero value is not usable; use New.
type Worker struct {
	mu      sync.Mutex
	running bool
	name    string
	cancel  context.CancelFunc
	done    chan struct{}
	paused  bool
	resume  chan struct{}
	stopped bool
	lastErr error
	waiters map[string][]chan struct{}
}

// New returns an idle worker
func New() *Worker {
	return &Worker{waiters: map[string][]chan struct{}{}}
}

func (w *Worker) begin(parent context.Context, name string) (context.Context, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil, errors.Wrapf(ErrBusy, "cannot start %s while %s runs", name, w.name)
	}
	ctx, cancel := context.WithCancel(parent)
	ctx = context.WithValue(ctx, ctxKey{}, w)
	w.running = true
	w.name = name
	w.cancel = cancel
	w.done = make(chan struct{})
	w.paused = false
	w.stopped = false
	w.lastErr = nil
	log.Printf("worker: starting %s\n", name)
	return ctx, nil
}

func (w *Worker) end(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancel()
	w.running = false
	w.paused = false
	w.lastErr = err
	close(w.done)
	if err != nil {
		log.Printf("worker: %s finished with error: %v\n", w.name, err)
	} else {
		log.Printf("worker: %s finished\n", w.name)
	}
}

// Run runs task on the calling goroutine.  It fails with ErrBusy if another
// task is running.
func (w *Worker) Run(ctx context.Context, name string, task Task) error {
	tctx, err := w.begin(ctx, name)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			w.end(fmt.Errorf("%s panicked: %v", name, r))
			panic(r)
		}
	}()
	err = task(tctx)
	w.end(err)
	return err
}

// Start runs task on a new goroutine and returns immediately.  It fails with
// ErrBusy if another task is running.  A panicking task is recorded as an error.
func (w *Worker) Start(ctx context.Context, name string, task Task) error {
	tctx, err := w.begin(ctx, name)
	if err != nil {
		return err
	}
	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s panicked: %v", name, r)
			}
			w.end(err)
		}()
		err = task(tctx)
	}()
	return nil
}

// Wait blocks until the current task, if any, returns, and returns its error
func (w *Worker) Wait() error {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Stop asks the running task to stop.  It returns without waiting.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running || w.stopped {
		return
	}
	log.Printf("worker: stop requested for %s\n", w.name)
	w.stopped = true
	w.cancel()
	if w.paused {
		w.paused = false
		close(w.resume)
	}
}

// Pause makes the running task block at its next checkpoint
func (w *Worker) Pause() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return ErrIdle
	}
	if !w.paused && !w.stopped {
		w.paused = true
		w.resume = make(chan struct{})
	}
	return nil
}

// Resume releases a paused task
func (w *Worker) Resume() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return ErrIdle
	}
	if w.paused {
		w.paused = false
		close(w.resume)
	}
	return nil
}

// Busy is true while a task is running
func (w *Worker) Busy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// State returns the lifecycle state
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state()
}

func (w *Worker) state() State {
	switch {
	case !w.running:
		return Idle
	case w.stopped:
		return Stopping
	case w.paused:
		return Paused
	default:
		return Running
	}
}

// Status returns a snapshot for display
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{State: w.state().String(), Task: w.name}
	if w.lastErr != nil {
		s.LastErr = w.lastErr.Error()
	}
	return s
}

func (w *Worker) checkpoint(ctx context.Context) error {
	for {
		w.mu.Lock()
		if w.stopped || ctx.Err() != nil {
			w.mu.Unlock()
			return ErrStopRequested
		}
		if !w.paused {
			w.mu.Unlock()
			return nil
		}
		ch := w.resume
		w.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
		}
	}
}

// Signal releases every WaitFor blocked on name.  A signal with no waiter is dropped.
func (w *Worker) Signal(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.waiters[name] {
		close(ch)
	}
	delete(w.waiters, name)
}

// WaitFor blocks until name is signalled, timeout elapses or ctx is done.
// A timeout of zero or less waits indefinitely.
func (w *Worker) WaitFor(ctx context.Context, name string, timeout time.Duration) error {
	ch := make(chan struct{})
	w.mu.Lock()
	w.waiters[name] = append(w.waiters[name], ch)
	w.mu.Unlock()
	defer w.forget(name, ch)

	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}
	select {
	case <-ch:
		return nil
	case <-expire:
		return errors.Wrapf(ErrTimeout, "%s after %v", name, timeout)
	case <-ctx.Done():
		return ErrStopRequested
	}
}

// Waiting is true while at least one WaitFor is blocked on name
func (w *Worker) Waiting(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.waiters[name]) > 0
}

func (w *Worker) forget(name string, ch chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	list := w.waiters[name]
	for i, c := range list {
		if c == ch {
			w.waiters[name] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(w.waiters[name]) == 0 {
		delete(w.waiters, name)
	}
}

// From returns the worker running the task that owns ctx, or nil
func From(ctx context.Context) *Worker {
	w, _ := ctx.Value(ctxKey{}).(*Worker)
	return w
}

// Checkpoint is called by tasks before and after every hardware operation.
// It returns ErrStopRequested after a stop or when ctx is done, and blocks
// while the owning worker is paused.  Outside a worker only ctx is checked.
func Checkpoint(ctx context.Context) error {
	if w := From(ctx); w != nil {
		return w.checkpoint(ctx)
	}
	if ctx.Err() != nil {
		return ErrStopRequested
	}
	return nil
}

// Detach returns a context that carries ctx's values but is never cancelled
// and is not bound to a worker.  It is used to restore hardware state after
// a stop.
func Detach(ctx context.Context) context.Context {
	return context.WithValue(context.WithoutCancel(ctx), ctxKey{}, (*Worker)(nil))
}

// IsStop reports whether err is a cancellation rather than a fault
func IsStop(err error) bool {
	return errors.Is(err, ErrStopRequested) || errors.Is(err, context.Canceled)
}
