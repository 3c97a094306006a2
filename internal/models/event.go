package models

// Event types pushed over the websocket channel.
const (
	EventPresence       = "presence"
	EventMessage        = "message"
	EventMessageDeleted = "message_deleted"
)

// CloseReplaced is the websocket close code sent to a connection that a newer
// connection of the same user replaced. Clients must not redial on it.
const CloseReplaced = 4000

// Event is the envelope for every server push.
type Event struct {
	Type      string   `json:"type"`
	Seq       uint64   `json:"seq,omitempty"`
	Online    []string `json:"online,omitempty"`
	Message   *Message `json:"message,omitempty"`
	MessageID string   `json:"message_id,omitempty"`
}
