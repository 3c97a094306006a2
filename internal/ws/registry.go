package ws

import (
	"errors"
	"sort"
	"sync"

	"chatsync/internal/models"
)

var (
	ErrQueueFull    = errors.New("send queue full")
	ErrHandleClosed = errors.New("handle closed")
)

// Handle is one live push channel to one client process.
type Handle interface {
	ID() string
	UserID() string
	// PushPresence stores the online set as the handle's latest presence. Sets
	// with a sequence number at or below the latest one are ignored.
	PushPresence(seq uint64, online []string)
	// Push enqueues an event without blocking.
	Push(event models.Event) error
	Close()
	// CloseReplaced closes the handle because a newer one took its place.
	CloseReplaced()
}

// Broadcaster receives the online set after every registry mutation.
type Broadcaster interface {
	Broadcast(seq uint64, online []string, handles []Handle)
}

// Registry maps each user to its single live handle.
type Registry struct {
	mu          sync.Mutex
	conns       map[string]Handle
	seq         uint64
	broadcaster Broadcaster
}

func NewRegistry(broadcaster Broadcaster) *Registry {
	return &Registry{
		conns:       make(map[string]Handle),
		broadcaster: broadcaster,
	}
}

// Register makes handle the live handle for userID. A previous handle is closed
// and returned; it is never merged with the new one.
func (r *Registry) Register(userID string, handle Handle) Handle {
	r.mu.Lock()
	prev, existed := r.conns[userID]
	if existed && prev == handle {
		r.mu.Unlock()
		return nil
	}
	r.conns[userID] = handle
	seq, online, handles := r.mutatedLocked()
	r.mu.Unlock()

	if existed {
		prev.CloseReplaced()
	}
	r.broadcast(seq, online, handles)
	if existed {
		return prev
	}
	return nil
}

// Unregister removes userID only while handle is still the registered one.
// A stale handle is a no-op and reports false.
func (r *Registry) Unregister(userID string, handle Handle) bool {
	r.mu.Lock()
	current, ok := r.conns[userID]
	if !ok || current != handle {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, userID)
	seq, online, handles := r.mutatedLocked()
	r.mu.Unlock()

	r.broadcast(seq, online, handles)
	return true
}

// Lookup returns the live handle for userID.
func (r *Registry) Lookup(userID string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.conns[userID]
	return h, ok
}

// Snapshot returns the sorted online set.
func (r *Registry) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onlineLocked()
}

// CloseAll closes every live handle. Entries are removed as their readers exit.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	handles := make([]Handle, 0, len(r.conns))
	for _, h := range r.conns {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// mutatedLocked bumps the broadcast sequence and captures the post-mutation state.
func (r *Registry) mutatedLocked() (uint64, []string, []Handle) {
	r.seq++
	handles := make([]Handle, 0, len(r.conns))
	for _, h := range r.conns {
		handles = append(handles, h)
	}
	return r.seq, r.onlineLocked(), handles
}

func (r *Registry) onlineLocked() []string {
	online := make([]string, 0, len(r.conns))
	for id := range r.conns {
		online = append(online, id)
	}
	sort.Strings(online)
	return online
}

func (r *Registry) broadcast(seq uint64, online []string, handles []Handle) {
	if r.broadcaster == nil {
		return
	}
	r.broadcaster.Broadcast(seq, online, handles)
}
