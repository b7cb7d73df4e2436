package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/vestra/internal/orchestrator"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Publisher публикует события оркестратора в RabbitMQ.
type Publisher struct {
	conn     *Connection
	instance string
	logger   *slog.Logger
}

// NewPublisher создаёт новый Publisher.
// instanceID попадает в каждое сообщение, чтобы экземпляр не будил сам себя.
func NewPublisher(conn *Connection, instanceID string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:     conn,
		instance: instanceID,
		logger:   logger,
	}
}

// Message — сообщение для публикации.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Source — экземпляр оркестратора, опубликовавший сообщение.
	Source string `json:"source,omitempty"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				AppId:        msg.Source,
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)

		return nil
	})
}

// PublishEvent публикует событие жизненного цикла в vestra.events.
func (p *Publisher) PublishEvent(ctx context.Context, ev orchestrator.Event) error {
	return p.Publish(ctx, ExchangeEvents, RoutingKey(ev.Type), newEventMessage(p.instance, ev))
}

func newEventMessage(source string, ev orchestrator.Event) *Message {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return &Message{
		ID:        uuid.New().String(),
		Type:      MessageType(ev.Type),
		Source:    source,
		Payload:   ev,
		Timestamp: ts,
	}
}

var _ orchestrator.EventPublisher = (*Publisher)(nil)
