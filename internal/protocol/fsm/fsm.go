// Package fsm provides a small lock-free state machine over an int32-backed
// state enum and a table of legal transitions.
package fsm

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var ErrIllegalTransition = errors.New("fsm: illegal transition")

// Table lists the legal successors of each state. States with no entry are
// terminal.
type Table[S ~int32] map[S][]S

// Allows reports whether from -> to is legal.
func (t Table[S]) Allows(from, to S) bool {
	for _, next := range t[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s has no legal successor.
func (t Table[S]) Terminal(s S) bool { return len(t[s]) == 0 }

// Machine holds one state and only moves along Table edges. All methods are
// safe for concurrent use.
type Machine[S ~int32] struct {
	state atomic.Int32
	table Table[S]
	name  func(S) string
}

// New returns a machine in initial. name renders states in errors and may be
// nil.
func New[S ~int32](initial S, table Table[S], name func(S) string) *Machine[S] {
	m := &Machine[S]{table: table, name: name}
	m.state.Store(int32(initial))
	return m
}

func (m *Machine[S]) State() S { return S(m.state.Load()) }

func (m *Machine[S]) Is(s S) bool { return m.State() == s }

// Terminal reports whether the current state has no way out.
func (m *Machine[S]) Terminal() bool { return m.table.Terminal(m.State()) }

// CompareAndSwap moves from -> to when the machine is in from and the edge is
// legal. It reports whether this call made the move.
func (m *Machine[S]) CompareAndSwap(from, to S) bool {
	if !m.table.Allows(from, to) {
		return false
	}
	return m.state.CompareAndSwap(int32(from), int32(to))
}

// Advance moves from whatever the current state is to to, retrying if
// another goroutine moves first. It returns the state it left.
func (m *Machine[S]) Advance(to S) (S, error) {
	for {
		from := m.State()
		if !m.table.Allows(from, to) {
			return from, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.render(from), m.render(to))
		}
		if m.state.CompareAndSwap(int32(from), int32(to)) {
			return from, nil
		}
	}
}

func (m *Machine[S]) String() string { return m.render(m.State()) }

func (m *Machine[S]) render(s S) string {
	if m.name != nil {
		return m.name(s)
	}
	return fmt.Sprintf("state(%d)", int32(s))
}
