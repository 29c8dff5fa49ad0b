package fsm

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/danmuck/uastack/internal/testutil/testlog"
)

type light int32

const (
	red light = iota
	green
	yellow
	broken
)

var lightTable = Table[light]{
	red:    {green, broken},
	green:  {yellow, broken},
	yellow: {red, broken},
}

func TestAdvanceFollowsTable(t *testing.T) {
	testlog.Start(t)

	m := New(red, lightTable, nil)
	if from, err := m.Advance(green); err != nil || from != red {
		t.Fatalf("red->green: from=%d err=%v", from, err)
	}
	if _, err := m.Advance(red); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("green->red should be illegal, got %v", err)
	}
	if !m.Is(green) {
		t.Fatalf("illegal transition changed state to %s", m)
	}
	if _, err := m.Advance(broken); err != nil || !m.Terminal() {
		t.Fatalf("broken should be terminal: %v", err)
	}
	if _, err := m.Advance(red); err == nil {
		t.Fatalf("terminal state must not move")
	}
}

func TestCompareAndSwapHasOneWinner(t *testing.T) {
	testlog.Start(t)

	m := New(red, lightTable, nil)
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.CompareAndSwap(red, green) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 || !m.Is(green) {
		t.Fatalf("expected exactly one winner, got %d (state %s)", wins.Load(), m)
	}
	if m.CompareAndSwap(green, red) {
		t.Fatalf("CAS must respect the table")
	}
}
