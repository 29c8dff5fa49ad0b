package async

import (
	"context"
	"errors"

	"github.com/danmuck/uastack/internal/protocol/fsm"
)

var ErrWriteCanceled = errors.New("async: write canceled")

type WriteState int32

const (
	WriteReady WriteState = iota
	WriteQueued
	WriteWriting
	WriteWritten
	WriteCanceled
	WriteError
)

func (s WriteState) String() string {
	switch s {
	case WriteReady:
		return "Ready"
	case WriteQueued:
		return "Queued"
	case WriteWriting:
		return "Writing"
	case WriteWritten:
		return "Written"
	case WriteCanceled:
		return "Canceled"
	case WriteError:
		return "Error"
	}
	return "Unknown"
}

var writeTable = fsm.Table[WriteState]{
	WriteReady:   {WriteQueued, WriteCanceled, WriteError},
	WriteQueued:  {WriteWriting, WriteCanceled, WriteError},
	WriteWriting: {WriteWritten, WriteError},
}

// Write is one outbound message moving through the writer queue.
type Write struct {
	state  *fsm.Machine[WriteState]
	done   chan struct{}
	chunks [][]byte
	err    error
}

func NewWrite(chunks [][]byte) *Write {
	return &Write{
		state:  fsm.New(WriteReady, writeTable, WriteState.String),
		done:   make(chan struct{}),
		chunks: chunks,
	}
}

func (w *Write) State() WriteState { return w.state.State() }

func (w *Write) Done() <-chan struct{} { return w.done }

func (w *Write) Chunks() [][]byte { return w.chunks }

// Queue marks the write as handed to the writer.
func (w *Write) Queue() bool { return w.state.CompareAndSwap(WriteReady, WriteQueued) }

// Begin is called by the writer before touching the connection. It fails
// when the write was cancelled while queued.
func (w *Write) Begin() bool { return w.state.CompareAndSwap(WriteQueued, WriteWriting) }

func (w *Write) SetWritten() bool {
	if !w.state.CompareAndSwap(WriteWriting, WriteWritten) {
		return false
	}
	close(w.done)
	return true
}

// Cancel succeeds only while the write is Ready or Queued.
func (w *Write) Cancel() bool {
	for _, from := range []WriteState{WriteReady, WriteQueued} {
		if w.state.CompareAndSwap(from, WriteCanceled) {
			w.err = ErrWriteCanceled
			close(w.done)
			return true
		}
	}
	return false
}

// SetError fails the write from any non-terminal state.
func (w *Write) SetError(err error) bool {
	for {
		from := w.state.State()
		if w.state.CompareAndSwap(from, WriteError) {
			w.err = err
			close(w.done)
			return true
		}
		if writeTable.Terminal(w.state.State()) {
			return false
		}
	}
}

// Wait returns nil once Written, ErrWriteCanceled when cancelled, or the
// stored error.
func (w *Write) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
