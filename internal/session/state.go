package session

import "errors"

// State is the push channel lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

var (
	ErrNoIdentity     = errors.New("no signed-in identity")
	ErrNoConversation = errors.New("no open conversation")
	ErrClosed         = errors.New("session closed")
	// ErrSuperseded is returned when a newer connect, logout or conversation
	// change overtook the operation.
	ErrSuperseded = errors.New("superseded")
)
