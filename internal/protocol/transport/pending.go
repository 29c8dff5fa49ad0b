package transport

import (
	"sync"
	"time"

	"github.com/danmuck/uastack/internal/protocol/async"
)

// PendingRequest tracks one request awaiting its response chunks.
type PendingRequest struct {
	RequestID uint32
	Service   string
	QueuedAt  time.Time
	Deadline  time.Time
	Result    *async.Read[[]byte]
}

// PendingTable stores in-flight requests by request id. After FailAll every
// current and future entry settles with the same cause.
type PendingTable struct {
	mu     sync.RWMutex
	items  map[uint32]*PendingRequest
	failed error
}

func NewPendingTable() *PendingTable {
	return &PendingTable{items: make(map[uint32]*PendingRequest)}
}

// Add registers item. It returns the stored failure if the table has been
// failed, leaving item unsettled.
func (p *PendingTable) Add(item *PendingRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failed != nil {
		return p.failed
	}
	p.items[item.RequestID] = item
	return nil
}

// Take removes and returns the entry for requestID.
func (p *PendingTable) Take(requestID uint32) (*PendingRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	item, ok := p.items[requestID]
	if ok {
		delete(p.items, requestID)
	}
	return item, ok
}

func (p *PendingTable) Remove(requestID uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.items, requestID)
}

func (p *PendingTable) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.items)
}

// FailAll settles every entry with cause and rejects later Adds. Only the
// first cause sticks. It returns how many entries it settled.
func (p *PendingTable) FailAll(cause error) int {
	p.mu.Lock()
	if p.failed == nil {
		p.failed = cause
	}
	cause = p.failed
	items := p.items
	p.items = make(map[uint32]*PendingRequest)
	p.mu.Unlock()

	n := 0
	for _, item := range items {
		if item.Result.TrySetError(cause) {
			n++
		}
	}
	return n
}

// Expire removes and fails entries whose deadline passed before now.
func (p *PendingTable) Expire(now time.Time, cause func(*PendingRequest) error) int {
	p.mu.Lock()
	var expired []*PendingRequest
	for id, item := range p.items {
		if !item.Deadline.IsZero() && now.After(item.Deadline) {
			expired = append(expired, item)
			delete(p.items, id)
		}
	}
	p.mu.Unlock()
	for _, item := range expired {
		item.Result.TrySetError(cause(item))
	}
	return len(expired)
}
