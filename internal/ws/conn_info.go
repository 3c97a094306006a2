package ws

import "time"

// ConnInfo identifies one websocket connection in logs and lifecycle events.
type ConnInfo struct {
	ConnID      string
	UserID      string
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}
