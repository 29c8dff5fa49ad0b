package async

import (
	"context"

	"github.com/danmuck/uastack/internal/protocol/fsm"
)

type ReadState int32

const (
	ReadWaiting ReadState = iota
	ReadComplete
	ReadError
)

func (s ReadState) String() string {
	switch s {
	case ReadWaiting:
		return "Waiting"
	case ReadComplete:
		return "Complete"
	case ReadError:
		return "Error"
	}
	return "Unknown"
}

var readTable = fsm.Table[ReadState]{
	ReadWaiting: {ReadComplete, ReadError},
}

// Read is a pending inbound result. It settles exactly once; settling twice
// is a programming error and panics.
type Read[T any] struct {
	state *fsm.Machine[ReadState]
	done  chan struct{}
	value T
	err   error
}

func NewRead[T any]() *Read[T] {
	return &Read[T]{
		state: fsm.New(ReadWaiting, readTable, ReadState.String),
		done:  make(chan struct{}),
	}
}

func (r *Read[T]) State() ReadState { return r.state.State() }

func (r *Read[T]) Done() <-chan struct{} { return r.done }

func (r *Read[T]) SetComplete(v T) {
	if !r.state.CompareAndSwap(ReadWaiting, ReadComplete) {
		panic("async: Read settled twice (now " + r.state.String() + ")")
	}
	r.value = v
	close(r.done)
}

func (r *Read[T]) SetError(err error) {
	if !r.state.CompareAndSwap(ReadWaiting, ReadError) {
		panic("async: Read settled twice (now " + r.state.String() + ")")
	}
	r.err = err
	close(r.done)
}

// TrySetError settles with err unless the read already settled.
func (r *Read[T]) TrySetError(err error) bool {
	if !r.state.CompareAndSwap(ReadWaiting, ReadError) {
		return false
	}
	r.err = err
	close(r.done)
	return true
}

// Wait blocks until the read settles or ctx ends. A ctx error does not settle
// the read.
func (r *Read[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-r.done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
