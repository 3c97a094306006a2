package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"chatsync/internal/logger"
	"chatsync/internal/telemetry"
)

// ErrChannelClosed is returned once the broker closed the publishing channel.
var ErrChannelClosed = errors.New("rabbitmq channel closed")

// Publisher publishes lifecycle and audit events to a topic exchange.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
	Close() error
}

// NewPublisher connects to amqpURL and declares exchange. When AMQP is disabled
// or the broker cannot be reached it returns a publisher that only logs.
func NewPublisher(amqpURL, exchange string) Publisher {
	if amqpURL == "" {
		logger.Info("rabbitmq disabled, using noop", zap.String("reason", "empty amqp url"))
		return noopPublisher{reason: "empty amqp url"}
	}

	p, err := dial(amqpURL, exchange)
	if err != nil {
		logger.Warn("rabbitmq disabled, using noop", zap.Error(err))
		return noopPublisher{reason: err.Error()}
	}

	logger.Info("rabbitmq connected", zap.String("exchange", exchange))
	return p
}

func dial(amqpURL, exchange string) (*amqpPublisher, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	// durable topic exchange, consumers bind by routing key prefix
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	p := &amqpPublisher{conn: conn, ch: ch, exchange: exchange}
	go p.watch(ch.NotifyClose(make(chan *amqp.Error, 1)))
	return p, nil
}

type amqpPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string

	mu       sync.RWMutex
	closeErr error
}

// watch records the reason the broker closed the channel. The channel is not
// reopened; publishes fail fast from then on.
func (p *amqpPublisher) watch(closed <-chan *amqp.Error) {
	amqpErr, ok := <-closed
	if !ok || amqpErr == nil {
		return
	}
	p.mu.Lock()
	p.closeErr = fmt.Errorf("%w: %s", ErrChannelClosed, amqpErr.Reason)
	p.mu.Unlock()
	logger.Error("rabbitmq channel closed by broker",
		zap.Int("code", amqpErr.Code),
		zap.String("reason", amqpErr.Reason))
}

func (p *amqpPublisher) Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	p.mu.RLock()
	closeErr := p.closeErr
	p.mu.RUnlock()
	if closeErr != nil {
		return closeErr
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %T: %w", event, err)
	}

	err = p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      headerTable(headers),
		Body:         body,
	})
	if err != nil {
		logger.Warn("rabbitmq publish failed", zap.String("routing_key", routingKey), zap.Error(err))
	}
	return err
}

func (p *amqpPublisher) Close() error {
	p.mu.Lock()
	if p.closeErr == nil {
		p.closeErr = ErrChannelClosed
	}
	p.mu.Unlock()

	_ = p.ch.Close()
	return p.conn.Close()
}

func headerTable(headers map[string]string) amqp.Table {
	if len(headers) == 0 {
		return nil
	}
	table := make(amqp.Table, len(headers))
	for key, value := range headers {
		table[key] = value
	}
	return table
}

type noopPublisher struct {
	reason string
}

func (noopPublisher) Publish(_ context.Context, routingKey string, event any, _ map[string]string) error {
	fields := []zap.Field{zap.String("routing_key", routingKey)}
	if envelope, ok := event.(telemetry.AuditEnvelope); ok {
		fields = append(fields,
			zap.String("event_type", envelope.EventType),
			zap.String("request_id", envelope.RequestID),
			zap.String("text", envelope.Payload.Text))
	}
	logger.Debug("rabbitmq noop publish", fields...)
	return nil
}

func (noopPublisher) Close() error { return nil }

// PublisherMode reports "amqp" or "noop" for startup logging.
func PublisherMode(p Publisher) string {
	switch p.(type) {
	case *amqpPublisher:
		return "amqp"
	case noopPublisher:
		return "noop"
	default:
		return "unknown"
	}
}

// PublisherNoopReason explains why the noop publisher was chosen.
func PublisherNoopReason(p Publisher) string {
	if publisher, ok := p.(noopPublisher); ok {
		return publisher.reason
	}
	return ""
}
