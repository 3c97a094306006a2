package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"chatsync/internal/auth"
	"chatsync/internal/middleware"
	"chatsync/internal/observability"
)

// Options tunes every connection accepted by the handler.
type Options struct {
	SendQueue    int
	PingInterval time.Duration
}

// PresenceWebSocketHandler accepts the per-user push channel.
type PresenceWebSocketHandler struct {
	registry  *Registry
	validator auth.TokenValidator
	opts      Options
	log       *zap.Logger
}

// NewPresenceWebSocketHandler constructs a PresenceWebSocketHandler.
func NewPresenceWebSocketHandler(registry *Registry, validator auth.TokenValidator, opts Options, log *zap.Logger) *PresenceWebSocketHandler {
	return &PresenceWebSocketHandler{registry: registry, validator: validator, opts: opts, log: log}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handle authenticates, upgrades and registers the connection.
func (h *PresenceWebSocketHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("chatsync/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token := middleware.TokenFromRequest(c.Request, true)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	userID, err := h.validator.ValidateToken(ctx, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	info := ConnInfo{
		ConnID:      uuid.NewString(),
		UserID:      userID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	conn := NewConn(wsConn, info, h.opts.SendQueue, h.opts.PingInterval, h.log)

	// The writer must be running before registration so the first presence set
	// is flushed as soon as it lands.
	go conn.WritePump()

	observability.IncWSActive()
	publishWSEvent(context.Background(), info, "ws_connect", "")
	if prev := h.registry.Register(userID, conn); prev != nil {
		h.log.Info("websocket replaced",
			zap.String("user_id", userID),
			zap.String("old_conn_id", prev.ID()),
			zap.String("conn_id", info.ConnID))
		if old, ok := prev.(*Conn); ok {
			publishWSEvent(context.Background(), old.Info(), "ws_replaced", info.ConnID)
		}
	}

	go func() {
		var closeReason string
		defer func() {
			h.registry.Unregister(userID, conn)
			conn.Close()
			observability.DecWSActive()
			publishWSEvent(context.Background(), info, "ws_disconnect", closeReason)
		}()

		if err := conn.ReadPump(); err != nil {
			closeReason = err.Error()
			select {
			case <-conn.Done():
				// closed locally, by replacement or shutdown
				return
			default:
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				publishWSEvent(context.Background(), info, "ws_error", closeReason)
			}
		}
	}()
}

func publishWSEvent(ctx context.Context, info ConnInfo, name, reason string) {
	observability.IncWSEvent(name)
	event := observability.WSEvent{
		Name:        name,
		ConnID:      info.ConnID,
		UserID:      info.UserID,
		DeviceID:    info.DeviceID,
		IP:          info.IP,
		ConnectedAt: info.ConnectedAt,
		Reason:      reason,
	}
	_ = observability.PublishEvent(ctx, observability.WSRoutingKey, event.Envelope(),
		observability.BuildHeaders(info.RequestID, info.TraceID))
}
