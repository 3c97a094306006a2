package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatsync/internal/models"
)

var (
	// ErrBadEvent marks a frame that could not be decoded. The channel stays usable.
	ErrBadEvent = errors.New("malformed event")
	// ErrReplaced means a newer connection of the same user took over the channel.
	ErrReplaced = errors.New("connection replaced by a newer one")
)

// Channel is one open push connection.
type Channel interface {
	// Read blocks for the next server event.
	Read() (models.Event, error)
	Close() error
}

// Dialer opens push channels.
type Dialer interface {
	Dial(ctx context.Context, token string) (Channel, error)
}

// WSDialer dials the server's /ws endpoint.
type WSDialer struct {
	url    string
	dialer *websocket.Dialer
}

// NewWSDialer derives the websocket URL from the HTTP base URL.
func NewWSDialer(baseURL string) *WSDialer {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	d := *websocket.DefaultDialer
	return &WSDialer{url: u + "/ws", dialer: &d}
}

func (d *WSDialer) Dial(ctx context.Context, token string) (Channel, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := d.dialer.DialContext(ctx, d.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("dial %s: %w", d.url, err)
	}
	return &wsChannel{conn: conn}, nil
}

type wsChannel struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func (c *wsChannel) Read() (models.Event, error) {
	var event models.Event
	_, payload, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, models.CloseReplaced) {
			return event, fmt.Errorf("%w: %v", ErrReplaced, err)
		}
		return event, err
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return event, fmt.Errorf("%w: %v", ErrBadEvent, err)
	}
	return event, nil
}

func (c *wsChannel) Close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
