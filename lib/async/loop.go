// Package async provides the single-goroutine event loop every state machine runs on.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/coachpo/threadline/errs"
)

// Task is a unit of work executed on the loop goroutine.
type Task func()

// PanicHandler receives values recovered from panicking tasks.
type PanicHandler func(recovered any)

// Loop runs posted tasks one at a time, in submission order, on a single goroutine.
// A task runs to completion before the next one starts, so code executing on the
// loop never needs locking against other loop code.
type Loop struct {
	ctx    context.Context
	cancel context.CancelFunc
	tasks  chan Task
	done   chan struct{}
	once   sync.Once

	panicMu sync.RWMutex
	onPanic PanicHandler
}

// NewLoop starts a loop with the given queue depth.
func NewLoop(queue int) *Loop {
	if queue <= 0 {
		queue = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := new(Loop)
	l.ctx = ctx
	l.cancel = cancel
	l.tasks = make(chan Task, queue)
	l.done = make(chan struct{})
	go l.run()
	return l
}

// SetPanicHandler installs the handler invoked when a task panics.
func (l *Loop) SetPanicHandler(fn PanicHandler) {
	l.panicMu.Lock()
	l.onPanic = fn
	l.panicMu.Unlock()
}

// Post schedules fn. It blocks while the queue is full and must not be called
// from the loop goroutine when the queue may be saturated.
func (l *Loop) Post(fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	select {
	case <-l.ctx.Done():
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("loop closed"))
	default:
	}
	select {
	case <-l.ctx.Done():
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("loop closed"))
	case l.tasks <- fn:
		return nil
	}
}

// Do runs fn on the loop and waits for it to finish. Calling Do from the loop
// goroutine deadlocks.
func (l *Loop) Do(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	finished := make(chan struct{})
	if err := l.Post(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for loop task: %w", ctx.Err())
	case <-l.done:
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("loop closed"))
	}
}

// Close stops the loop. Queued tasks that have not started are dropped.
func (l *Loop) Close() {
	l.once.Do(func() {
		l.cancel()
	})
}

// Shutdown closes the loop and waits for the running task to return.
func (l *Loop) Shutdown(ctx context.Context) error {
	l.Close()
	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-l.done:
		return nil
	}
}

// Done is closed once the loop goroutine exits.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.ctx.Done():
			return
		case task := <-l.tasks:
			l.execute(task)
		}
	}
}

func (l *Loop) execute(task Task) {
	defer func() {
		if r := recover(); r != nil {
			l.panicMu.RLock()
			handler := l.onPanic
			l.panicMu.RUnlock()
			if handler != nil {
				handler(r)
			}
		}
	}()
	task()
}
