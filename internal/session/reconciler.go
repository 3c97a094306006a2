package session

import "chatsync/internal/models"

// PushOutcome says what the reconciler did with a pushed message.
type PushOutcome int

const (
	// PushIgnored covers duplicates and echoes of the user's own messages.
	PushIgnored PushOutcome = iota
	// PushAppended means the message joined the open conversation view.
	PushAppended
	// PushQueued means the open conversation is still loading; the message is
	// appended once the history lands.
	PushQueued
	// PushCounted means the sender's unseen counter went up by one.
	PushCounted
)

// MarksSeen reports whether the user is now looking at the message.
func (o PushOutcome) MarksSeen() bool {
	return o == PushAppended || o == PushQueued
}

// Reconciler holds the unseen counters and the open conversation view. It is not
// safe for concurrent use; the session goroutine owns it.
type Reconciler struct {
	self   string
	unseen map[string]int

	peer     string
	gen      uint64
	fetching bool
	view     []models.Message
	index    map[string]int
	pending  []models.Message

	// counts added while an authoritative seed is in flight
	seeding   bool
	sinceSeed map[string]int
}

func NewReconciler() *Reconciler {
	return &Reconciler{
		unseen: make(map[string]int),
		index:  make(map[string]int),
	}
}

// SetSelf records the signed-in identity.
func (r *Reconciler) SetSelf(userID string) { r.self = userID }

// Open starts showing peer. The returned generation identifies the history fetch
// that may populate the view.
func (r *Reconciler) Open(peer string) uint64 {
	r.gen++
	r.peer = peer
	r.fetching = true
	r.view = nil
	r.index = make(map[string]int)
	r.pending = nil
	delete(r.unseen, peer)
	// viewed messages must not come back through the seed merge
	delete(r.sinceSeed, peer)
	return r.gen
}

// ApplyFetch installs the history for the fetch gen. Results for a conversation
// that is no longer open, or that was reopened since, are discarded.
func (r *Reconciler) ApplyFetch(gen uint64, peer string, msgs []models.Message) bool {
	if !r.current(gen, peer) {
		return false
	}
	r.view = make([]models.Message, 0, len(msgs)+len(r.pending))
	r.index = make(map[string]int, len(msgs)+len(r.pending))
	for _, m := range msgs {
		r.appendView(m)
	}
	r.flushPending()
	return true
}

// FailFetch ends a failed fetch; queued pushes still show up.
func (r *Reconciler) FailFetch(gen uint64, peer string) bool {
	if !r.current(gen, peer) {
		return false
	}
	r.flushPending()
	return true
}

func (r *Reconciler) current(gen uint64, peer string) bool {
	return r.fetching && gen == r.gen && peer == r.peer
}

func (r *Reconciler) flushPending() {
	for _, m := range r.pending {
		r.appendView(m)
	}
	r.pending = nil
	r.fetching = false
}

// OnPush applies a message pushed over the channel.
func (r *Reconciler) OnPush(m models.Message) PushOutcome {
	switch {
	case m.SenderID == r.self:
		if r.peer != "" && m.RecipientID == r.peer {
			return r.addToConversation(m, PushIgnored)
		}
		return PushIgnored
	case r.peer != "" && m.SenderID == r.peer:
		m.Seen = true
		return r.addToConversation(m, PushAppended)
	default:
		r.unseen[m.SenderID]++
		if r.seeding {
			r.sinceSeed[m.SenderID]++
		}
		return PushCounted
	}
}

// addToConversation appends m or queues it behind an in-flight fetch. Known ids
// are ignored.
func (r *Reconciler) addToConversation(m models.Message, added PushOutcome) PushOutcome {
	if _, ok := r.index[m.ID]; ok {
		return PushIgnored
	}
	if r.fetching {
		for _, p := range r.pending {
			if p.ID == m.ID {
				return PushIgnored
			}
		}
		r.pending = append(r.pending, m)
		if added == PushAppended {
			return PushQueued
		}
		return added
	}
	r.appendView(m)
	return added
}

// ApplySent adds a message the user sent to the open conversation.
func (r *Reconciler) ApplySent(m models.Message) {
	if r.peer == "" || m.RecipientID != r.peer {
		return
	}
	r.addToConversation(m, PushAppended)
}

// OnDeleted blanks a soft-deleted message wherever the view holds it.
func (r *Reconciler) OnDeleted(messageID string) bool {
	if i, ok := r.index[messageID]; ok {
		blank(&r.view[i])
		return true
	}
	for i := range r.pending {
		if r.pending[i].ID == messageID {
			blank(&r.pending[i])
			return true
		}
	}
	return false
}

func blank(m *models.Message) {
	m.Deleted = true
	m.Text = ""
	m.ImageRef = ""
}

func (r *Reconciler) appendView(m models.Message) {
	if _, ok := r.index[m.ID]; ok {
		return
	}
	r.index[m.ID] = len(r.view)
	r.view = append(r.view, m)
}

// Close leaves the open conversation. Any fetch still running becomes stale.
func (r *Reconciler) Close() {
	r.gen++
	r.peer = ""
	r.fetching = false
	r.view = nil
	r.index = make(map[string]int)
	r.pending = nil
}

// Reset forgets everything tied to the signed-in user.
func (r *Reconciler) Reset() {
	r.Close()
	r.self = ""
	r.unseen = make(map[string]int)
	r.seeding = false
	r.sinceSeed = nil
}

// BeginSeed marks the start of an authoritative counter fetch.
func (r *Reconciler) BeginSeed() {
	r.seeding = true
	r.sinceSeed = make(map[string]int)
}

// Seed replaces the counters with the stored counts. Increments counted while
// the fetch was in flight are kept when the stored count is lower, since the
// store may not have seen those messages yet.
func (r *Reconciler) Seed(counts map[string]int) {
	unseen := make(map[string]int, len(counts))
	for peer, n := range counts {
		if n > 0 {
			unseen[peer] = n
		}
	}
	for peer, n := range r.sinceSeed {
		if n > unseen[peer] {
			unseen[peer] = n
		}
	}
	if r.peer != "" {
		delete(unseen, r.peer)
	}
	r.unseen = unseen
	r.seeding = false
	r.sinceSeed = nil
}

// AbortSeed keeps the local counters after a failed seed fetch.
func (r *Reconciler) AbortSeed() {
	r.seeding = false
	r.sinceSeed = nil
}

// Unseen returns a copy of the counters.
func (r *Reconciler) Unseen() map[string]int {
	out := make(map[string]int, len(r.unseen))
	for peer, n := range r.unseen {
		out[peer] = n
	}
	return out
}

// View returns a copy of the open conversation.
func (r *Reconciler) View() []models.Message {
	return append([]models.Message(nil), r.view...)
}

func (r *Reconciler) OpenPeer() string { return r.peer }

func (r *Reconciler) Fetching() bool { return r.fetching }
