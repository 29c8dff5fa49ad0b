package async

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danmuck/uastack/internal/protocol/ua"
	"github.com/rs/zerolog/log"
)

var errNilSettlement = errors.New("async: future settled with a nil error")

// Future is a result settled at most once. Any number of goroutines may wait
// on it; listeners registered before settlement run on the executor, those
// registered after run immediately on the caller.
type Future[T any] struct {
	exec Executor

	mu        sync.Mutex
	settled   bool
	value     T
	err       error
	listeners []func(T, error)
	done      chan struct{}
}

// NewFuture returns an unsettled future. A nil exec runs listeners inline.
func NewFuture[T any](exec Executor) *Future[T] {
	if exec == nil {
		exec = Inline{}
	}
	return &Future[T]{exec: exec, done: make(chan struct{})}
}

// Resolved returns a future already settled with v.
func Resolved[T any](v T) *Future[T] {
	f := NewFuture[T](nil)
	f.SetResult(v)
	return f
}

// Failed returns a future already settled with err.
func Failed[T any](err error) *Future[T] {
	f := NewFuture[T](nil)
	f.SetError(err)
	return f
}

// SetResult settles with v. It reports whether this call won.
func (f *Future[T]) SetResult(v T) bool { return f.settle(v, nil) }

// SetError settles with err. It reports whether this call won.
func (f *Future[T]) SetError(err error) bool {
	if err == nil {
		err = errNilSettlement
	}
	var zero T
	return f.settle(zero, err)
}

func (f *Future[T]) settle(v T, err error) bool {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return false
	}
	f.settled = true
	f.value, f.err = v, err
	pending := f.listeners
	f.listeners = nil
	close(f.done)
	f.mu.Unlock()

	for _, fn := range pending {
		f.dispatch(fn, v, err)
	}
	return true
}

func (f *Future[T]) dispatch(fn func(T, error), v T, err error) {
	if subErr := f.exec.Submit(func() { invokeListener(fn, v, err) }); subErr != nil {
		log.Warn().Err(subErr).Msg("async.Future.dispatch executor rejected listener; running inline")
		invokeListener(fn, v, err)
	}
}

func invokeListener[T any](fn func(T, error), v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("async.Future.listener recovered")
		}
	}()
	fn(v, err)
}

// OnSettled registers fn to observe the outcome exactly once.
func (f *Future[T]) OnSettled(fn func(T, error)) {
	f.mu.Lock()
	if !f.settled {
		f.listeners = append(f.listeners, fn)
		f.mu.Unlock()
		return
	}
	v, err := f.value, f.err
	f.mu.Unlock()
	invokeListener(fn, v, err)
}

// LinkSource settles f with whatever src settles with.
func (f *Future[T]) LinkSource(src *Future[T]) {
	src.OnSettled(func(v T, err error) {
		if err != nil {
			f.SetError(err)
			return
		}
		f.SetResult(v)
	})
}

func (f *Future[T]) Done() <-chan struct{} { return f.done }

func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result is the settled value, or the zero value while unsettled or failed.
func (f *Future[T]) Result() T {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

// Err is the settled error, or nil while unsettled or succeeded.
func (f *Future[T]) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Wait blocks until settlement.
func (f *Future[T]) Wait() (T, error) {
	<-f.done
	return f.value, f.err
}

// WaitTimeout returns ua.ErrTimeout when d elapses first.
func (f *Future[T]) WaitTimeout(d time.Duration) (T, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-f.done:
		return f.value, f.err
	case <-timer.C:
		var zero T
		return zero, ua.NewStatusError(ua.ErrTimeout, ua.StatusBadTimeout, "future not settled after %s", d)
	}
}

func (f *Future[T]) WaitContext(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
