package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatsync/internal/models"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Clients only receive; anything larger than this is a protocol error.
	maxMessageSize = 4096
)

// Conn is the websocket Handle. A single writer goroutine drains both the
// event queue and the latest-presence slot.
type Conn struct {
	info ConnInfo
	ws   *websocket.Conn
	log  *zap.Logger

	send         chan []byte
	pingInterval time.Duration

	presenceMu  sync.Mutex
	presenceSeq uint64
	presence    []string
	sentSeq     uint64
	presenceC   chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// NewConn wraps an upgraded websocket. A zero pingInterval disables pings.
func NewConn(ws *websocket.Conn, info ConnInfo, queueSize int, pingInterval time.Duration, log *zap.Logger) *Conn {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Conn{
		info:         info,
		ws:           ws,
		log:          log.With(zap.String("conn_id", info.ConnID), zap.String("user_id", info.UserID)),
		send:         make(chan []byte, queueSize),
		pingInterval: pingInterval,
		presenceC:    make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.info.ConnID }

func (c *Conn) UserID() string { return c.info.UserID }

func (c *Conn) Info() ConnInfo { return c.info }

func (c *Conn) PushPresence(seq uint64, online []string) {
	c.presenceMu.Lock()
	if seq <= c.presenceSeq {
		c.presenceMu.Unlock()
		return
	}
	c.presenceSeq = seq
	c.presence = append([]string(nil), online...)
	c.presenceMu.Unlock()

	select {
	case c.presenceC <- struct{}{}:
	default:
	}
}

func (c *Conn) Push(event models.Event) error {
	select {
	case <-c.done:
		return ErrHandleClosed
	default:
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrHandleClosed
	default:
		return ErrQueueFull
	}
}

// Close is idempotent. It sends a best-effort close frame and drops the socket,
// which unblocks both pumps.
func (c *Conn) Close() {
	c.closeWith(websocket.CloseNormalClosure, "closed")
}

// CloseReplaced closes with models.CloseReplaced so the client stays down.
func (c *Conn) CloseReplaced() {
	c.closeWith(models.CloseReplaced, "replaced")
}

func (c *Conn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(writeWait),
		)
		_ = c.ws.Close()
	})
}

// Done is closed once the handle is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// WritePump runs until the handle is closed or a write fails.
func (c *Conn) WritePump() {
	var tick <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer c.Close()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			if err := c.write(websocket.TextMessage, payload); err != nil {
				c.log.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-c.presenceC:
			if err := c.flushPresence(); err != nil {
				c.log.Debug("websocket presence write failed", zap.Error(err))
				return
			}
		case <-tick:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.log.Debug("websocket ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *Conn) flushPresence() error {
	c.presenceMu.Lock()
	seq, online := c.presenceSeq, c.presence
	if seq <= c.sentSeq {
		c.presenceMu.Unlock()
		return nil
	}
	c.sentSeq = seq
	c.presenceMu.Unlock()

	if online == nil {
		online = []string{}
	}
	payload, err := json.Marshal(presenceFrame{Type: models.EventPresence, Seq: seq, Online: online})
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, payload)
}

// presenceFrame always carries the online key, even when the set is empty.
type presenceFrame struct {
	Type   string   `json:"type"`
	Seq    uint64   `json:"seq"`
	Online []string `json:"online"`
}

func (c *Conn) write(messageType int, payload []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(messageType, payload)
}

// ReadPump blocks until the peer goes away and returns the reason.
func (c *Conn) ReadPump() error {
	c.ws.SetReadLimit(maxMessageSize)
	if c.pingInterval > 0 {
		pongWait := c.pingInterval * 10 / 9
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return err
		}
	}
}
