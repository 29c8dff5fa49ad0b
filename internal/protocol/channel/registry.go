package channel

import (
	"sync/atomic"

	"github.com/danmuck/uastack/internal/protocol/cowmap"
)

// Registry allocates channel ids and tracks live server-side channels.
type Registry struct {
	opts     Options
	channels *cowmap.Map[uint32, *SecureChannel]
	next     atomic.Uint32
}

func NewRegistry(opts Options) *Registry {
	return &Registry{opts: opts, channels: cowmap.New[uint32, *SecureChannel]()}
}

// Allocate creates a channel with an id that is non-zero and unused.
func (r *Registry) Allocate() *SecureChannel {
	for {
		id := r.next.Add(1)
		if id == 0 {
			continue
		}
		ch := NewSecureChannel(id, r.opts)
		if _, loaded := r.channels.LoadOrStore(id, ch); !loaded {
			return ch
		}
	}
}

func (r *Registry) Lookup(id uint32) (*SecureChannel, bool) { return r.channels.Load(id) }

func (r *Registry) Remove(id uint32) bool { return r.channels.Delete(id) }

func (r *Registry) Len() int { return r.channels.Len() }

// List returns live channels in allocation order.
func (r *Registry) List() []*SecureChannel { return r.channels.Values() }

// Snapshot returns Info for every live channel.
func (r *Registry) Snapshot() []Info {
	chs := r.channels.Values()
	out := make([]Info, 0, len(chs))
	for _, ch := range chs {
		out = append(out, ch.Info())
	}
	return out
}

// CountOpen counts channels currently in StateOpen.
func (r *Registry) CountOpen() int {
	n := 0
	r.channels.Range(func(_ uint32, ch *SecureChannel) bool {
		if ch.State() == StateOpen {
			n++
		}
		return true
	})
	return n
}
