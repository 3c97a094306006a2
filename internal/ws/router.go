package ws

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"chatsync/internal/models"
	"chatsync/internal/observability"
)

// Lookuper resolves a user to its live handle.
type Lookuper interface {
	Lookup(userID string) (Handle, bool)
}

// Router pushes persisted messages to the recipient's live handle. Recipients
// without one pull the message over HTTP later.
type Router struct {
	conns Lookuper
	log   *zap.Logger
}

func NewRouter(conns Lookuper, log *zap.Logger) *Router {
	return &Router{conns: conns, log: log}
}

// Route delivers a newly created message. It must only be called after the
// message was persisted. The returned outcome is informational.
func (r *Router) Route(ctx context.Context, msg models.Message) string {
	return r.deliver(ctx, msg.RecipientID, models.Event{Type: models.EventMessage, Message: &msg})
}

// RouteDeletion tells the other participant that msg was deleted.
func (r *Router) RouteDeletion(ctx context.Context, msg models.Message) string {
	return r.deliver(ctx, msg.RecipientID, models.Event{
		Type:      models.EventMessageDeleted,
		MessageID: msg.ID,
		Message:   &msg,
	})
}

func (r *Router) deliver(ctx context.Context, userID string, event models.Event) string {
	_, span := otel.Tracer("chatsync/ws").Start(ctx, "ws.route",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("event.type", event.Type),
			attribute.String("recipient.id", userID),
		),
	)
	defer span.End()

	outcome := observability.DeliveryStored
	if h, ok := r.conns.Lookup(userID); ok {
		outcome = observability.DeliveryPushed
		if err := h.Push(event); err != nil {
			outcome = observability.DeliveryDropped
			level := r.log.Warn
			if errors.Is(err, ErrHandleClosed) {
				level = r.log.Debug
			}
			level("push failed, recipient will pull",
				zap.String("recipient_id", userID),
				zap.String("conn_id", h.ID()),
				zap.String("event", event.Type),
				zap.Error(err))
		}
	}

	span.SetAttributes(attribute.String("delivery.outcome", outcome))
	observability.IncDelivery(event.Type, outcome)
	return outcome
}
