package async

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

var ErrPoolClosed = errors.New("async: executor closed")

// Executor runs callbacks off the settling goroutine.
type Executor interface {
	Submit(fn func()) error
}

// Inline runs callbacks on the caller's goroutine.
type Inline struct{}

func (Inline) Submit(fn func()) error {
	runGuarded(fn)
	return nil
}

// Pool is a fixed set of workers fed from a bounded queue. Submit blocks
// while the queue is full.
type Pool struct {
	tasks chan func()
	quit  chan struct{}
	mu    sync.RWMutex
	shut  bool
	once  sync.Once
	wg    sync.WaitGroup
}

func NewPool(workers, queue int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	p := &Pool{
		tasks: make(chan func(), queue),
		quit:  make(chan struct{}),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	defer p.wg.Done()
	for fn := range p.tasks {
		runGuarded(fn)
	}
}

func (p *Pool) Submit(fn func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.shut {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- fn:
		return nil
	case <-p.quit:
		return ErrPoolClosed
	}
}

// Close stops accepting work, runs what is already queued, and waits for the
// workers to exit.
func (p *Pool) Close() {
	p.once.Do(func() {
		close(p.quit)
		p.mu.Lock()
		p.shut = true
		close(p.tasks)
		p.mu.Unlock()
	})
	p.wg.Wait()
}

func runGuarded(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("async.Executor.run recovered")
		}
	}()
	fn()
}
