package turn

import (
	"sync"

	"github.com/harunnryd/parla/pkg/conversation"
)

// Snapshot is an immutable view of the coordinator for observers.
type Snapshot struct {
	Version    uint64
	State      State
	Listening  bool
	Processing bool
	Speaking   bool
	Messages   []conversation.Message
	Error      string
}

// StreamingCount returns how many messages are still streaming.
func (s Snapshot) StreamingCount() int {
	n := 0
	for _, m := range s.Messages {
		if !m.Sealed() {
			n++
		}
	}
	return n
}

// hub keeps the latest snapshot and fans it out to subscribers.
// Each subscriber channel holds at most one snapshot; a newer one replaces
// an unread older one.
type hub struct {
	mu     sync.RWMutex
	latest Snapshot
	subs   map[int]chan Snapshot
	next   int
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan Snapshot)}
}

func (h *hub) publish(s Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = s
	for _, ch := range h.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

func (h *hub) snapshot() Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest
}

func (h *hub) subscribe() (<-chan Snapshot, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan Snapshot, 1)
	ch <- h.latest
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
