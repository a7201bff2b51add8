package network

import (
	"fmt"
	"sync"
)

// MaxClient is the number of TCP client slots.
const MaxClient = 10000

// Handle names a session for as long as it occupies its slot. Gen changes
// every time the slot is handed out, so a Handle kept past a reconnect no
// longer resolves.
type Handle struct {
	Slot int
	Gen  uint32
}

func (h Handle) String() string { return fmt.Sprintf("%d#%d", h.Slot, h.Gen) }

type slotEntry struct {
	session  *Session
	gen      uint32
	reserved bool
}

// Registry is the fixed-capacity slot table of client sessions. It is the
// single source of truth for "who is slot N right now". One mutex covers
// the slot scan, the store and the live count.
type Registry struct {
	mu    sync.Mutex
	slots []slotEntry
	count int
}

// NewRegistry creates a registry with capacity slots.
func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = MaxClient
	}
	return &Registry{slots: make([]slotEntry, capacity)}
}

// Capacity returns the number of slots.
func (r *Registry) Capacity() int { return len(r.slots) }

// Allocate reserves the lowest slot that is empty or holds a disconnected
// session. It returns false when every slot is busy. The reservation must
// be completed with Install or dropped with Unreserve.
func (r *Registry) Allocate() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.slots {
		e := &r.slots[i]
		if e.reserved {
			continue
		}
		if e.session != nil {
			if e.session.Connected() {
				continue
			}
			e.session = nil
			r.count--
		}
		e.reserved = true
		e.gen++
		return i, true
	}
	return -1, false
}

// Unreserve returns a slot obtained from Allocate without installing a session.
func (r *Registry) Unreserve(slot int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slot >= 0 && slot < len(r.slots) {
		r.slots[slot].reserved = false
	}
}

// Install assigns s its handle and stores it in a reserved slot. The
// session's close hook must already be registered.
func (r *Registry) Install(slot int, s *Session) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := &r.slots[slot]
	h := Handle{Slot: slot, Gen: e.gen}
	s.bind(h)
	e.reserved = false
	e.session = s
	r.count++
	return h
}

// Get returns the session named by h, or nil if the slot was released or
// handed to someone else since.
func (r *Registry) Get(h Handle) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h.Slot < 0 || h.Slot >= len(r.slots) {
		return nil
	}
	e := r.slots[h.Slot]
	if e.gen != h.Gen {
		return nil
	}
	return e.session
}

// Lookup returns whatever session currently occupies slot.
func (r *Registry) Lookup(slot int) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if slot < 0 || slot >= len(r.slots) {
		return nil
	}
	return r.slots[slot].session
}

// Release clears the slot named by h. Releasing twice, or releasing a
// handle whose slot was reused, is a no-op.
func (r *Registry) Release(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h.Slot < 0 || h.Slot >= len(r.slots) {
		return false
	}
	e := &r.slots[h.Slot]
	if e.gen != h.Gen || e.session == nil {
		return false
	}
	e.session = nil
	r.count--
	return true
}

// Count returns the number of occupied slots.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Sessions returns a snapshot of installed sessions in slot order.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, r.count)
	for _, e := range r.slots {
		if e.session != nil {
			out = append(out, e.session)
		}
	}
	return out
}

// CloseAll closes every installed session and returns them so the caller
// can wait for their goroutines.
func (r *Registry) CloseAll() []*Session {
	sessions := r.Sessions()
	for _, s := range sessions {
		s.Close()
	}
	return sessions
}
