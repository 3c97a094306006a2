package ws

import (
	"go.uber.org/zap"

	"chatsync/internal/observability"
)

// PresenceBroadcaster hands the online set to every live handle.
type PresenceBroadcaster struct {
	log *zap.Logger
}

func NewPresenceBroadcaster(log *zap.Logger) *PresenceBroadcaster {
	return &PresenceBroadcaster{log: log}
}

// Broadcast never blocks on a slow handle: each one only keeps the newest set.
func (b *PresenceBroadcaster) Broadcast(seq uint64, online []string, handles []Handle) {
	observability.ObservePresence(len(online))
	for _, h := range handles {
		b.push(h, seq, online)
	}
	b.log.Debug("presence broadcast",
		zap.Uint64("seq", seq),
		zap.Int("online", len(online)),
		zap.Int("handles", len(handles)))
}

func (b *PresenceBroadcaster) push(h Handle, seq uint64, online []string) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("presence push panicked", zap.String("conn_id", h.ID()), zap.Any("panic", r))
		}
	}()
	h.PushPresence(seq, online)
}
