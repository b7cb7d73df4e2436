package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeEvents Exchange = "vestra.events"
	ExchangeDLQ    Exchange = "vestra.dlq"
)

// Queues — имена очередей.
const (
	// QueueAudit — журнал всех событий для внешних потребителей
	QueueAudit    Queue = "vestra.events.audit"
	QueueDLQAudit Queue = "dlq.events"

	queueWakePrefix = "vestra.wake."

	auditMaxLength int32 = 100000
)

// Routing keys.
const (
	RoutingKeyAll      RoutingKey = "#"
	RoutingKeyDLQAudit RoutingKey = "events"
)

// WakeQueue возвращает имя очереди пробуждений экземпляра.
func WakeQueue(instanceID string) Queue {
	return Queue(queueWakePrefix + instanceID)
}

// SetupTopology объявляет общие обменники и очереди.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := declareExchanges(ch); err != nil {
			return err
		}
		if err := declareQueues(ch); err != nil {
			return err
		}
		return bindQueues(ch)
	})
}

// declareExchanges создаёт обменники.
func declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Exchange
		kind string
	}{
		{ExchangeEvents, amqp.ExchangeTopic},
		{ExchangeDLQ, amqp.ExchangeDirect},
	}

	for _, ex := range exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name), // name
			ex.kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}

	return nil
}

// declareQueues создаёт очереди.
func declareQueues(ch *amqp.Channel) error {
	queues := []struct {
		name Queue
		args amqp.Table
	}{
		// Журнал событий ограничен по длине; отклонённые сообщения уходят в DLQ
		{QueueAudit, amqp.Table{
			"x-dead-letter-exchange":    string(ExchangeDLQ),
			"x-dead-letter-routing-key": string(RoutingKeyDLQAudit),
			"x-max-length":              auditMaxLength,
			"x-overflow":                "drop-head",
		}},
		{QueueDLQAudit, nil},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}

	return nil
}

// bindQueues привязывает очереди к обменникам.
func bindQueues(ch *amqp.Channel) error {
	bindings := []struct {
		queue      Queue
		routingKey RoutingKey
		exchange   Exchange
	}{
		{QueueAudit, RoutingKeyAll, ExchangeEvents},
		{QueueDLQAudit, RoutingKeyDLQAudit, ExchangeDLQ},
	}

	for _, b := range bindings {
		if err := bind(ch, b.queue, b.routingKey, b.exchange); err != nil {
			return err
		}
	}

	return nil
}

// DeclareWakeQueue объявляет эксклюзивную очередь пробуждений экземпляра.
// Очередь живёт, пока живо соединение, и объявляется заново после reconnect.
func DeclareWakeQueue(ch *amqp.Channel, instanceID string) error {
	name := WakeQueue(instanceID)
	_, err := ch.QueueDeclare(
		string(name), // name
		false,        // durable
		true,         // delete when unused
		true,         // exclusive
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	return bind(ch, name, RoutingKeyAll, ExchangeEvents)
}

func bind(ch *amqp.Channel, queue Queue, key RoutingKey, exchange Exchange) error {
	err := ch.QueueBind(
		string(queue),    // queue name
		string(key),      // routing key
		string(exchange), // exchange
		false,            // no-wait
		nil,              // arguments
	)
	if err != nil {
		return fmt.Errorf("bind queue %s to %s: %w", queue, exchange, err)
	}
	return nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Vestra RabbitMQ Topology:

    vestra.events (topic)
    ├── vestra.events.audit [routing: #]
    │       DLQ: dlq.events
    └── vestra.wake.<instance> [routing: #, exclusive]
            Consumer: Orchestrator (notify hub)

    vestra.dlq (direct)
    └── dlq.events [routing: events]
            Manual processing
  `
}
