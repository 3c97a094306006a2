package models

import (
	"errors"
	"strings"
	"time"
)

// ErrInvalidContent is returned when a message carries both or neither of text and image.
var ErrInvalidContent = errors.New("message must carry exactly one of text or image")

// Message represents a direct message between two users.
type Message struct {
	ID             string    `db:"id" json:"id"`
	ConversationID string    `db:"conversation_id" json:"conversation_id"`
	SenderID       string    `db:"sender_id" json:"sender_id"`
	RecipientID    string    `db:"recipient_id" json:"recipient_id"`
	Text           string    `db:"text" json:"text,omitempty"`
	ImageRef       string    `db:"image_ref" json:"image_ref,omitempty"`
	Seen           bool      `db:"seen" json:"seen"`
	Deleted        bool      `db:"deleted" json:"deleted"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// Content is the payload of a new message.
type Content struct {
	Text     string `json:"text"`
	ImageRef string `json:"image"`
}

// Validate trims the text and enforces the text XOR image rule.
func (c Content) Validate() (Content, error) {
	c.Text = strings.TrimSpace(c.Text)
	c.ImageRef = strings.TrimSpace(c.ImageRef)
	if (c.Text == "") == (c.ImageRef == "") {
		return c, ErrInvalidContent
	}
	return c, nil
}

// PeerOf returns the other participant of the message from userID's point of view.
func (m Message) PeerOf(userID string) string {
	if m.SenderID == userID {
		return m.RecipientID
	}
	return m.SenderID
}

// ConversationID derives the id shared by both directions of a two-party conversation.
func ConversationID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}
