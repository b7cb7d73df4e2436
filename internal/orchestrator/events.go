package orchestrator

import (
	"context"
	"time"

	"github.com/shaiso/vestra/internal/domain"
)

// EventType — тип события жизненного цикла.
type EventType string

// Типы событий.
const (
	EventFlowStarted   EventType = "flow.started"
	EventFlowStatus    EventType = "flow.status"
	EventFlowCompleted EventType = "flow.completed"
	EventNodeQueued    EventType = "node.queued"
	EventNodeStarted   EventType = "node.started"
	EventNodeCompleted EventType = "node.completed"
	EventNodeFailed    EventType = "node.failed"
	EventClaimGranted  EventType = "instrument.claimed"
)

// Event — событие жизненного цикла запуска.
type Event struct {
	Type         EventType     `json:"type"`
	FlowRunID    int64         `json:"flow_run_id,omitempty"`
	NodeID       string        `json:"node_id,omitempty"`
	NodeRunID    int64         `json:"node_run_id,omitempty"`
	InstrumentID int64         `json:"instrument_id,omitempty"`
	Status       domain.Status `json:"status,omitempty"`
	Error        string        `json:"error,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// EventPublisher публикует события (например, в RabbitMQ).
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev Event) error
}

// emit будит локальных ожидающих и публикует событие.
// Ошибка публикации только логируется.
func (o *Orchestrator) emit(ctx context.Context, ev Event) {
	o.hub.Notify()

	if o.events == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := o.events.PublishEvent(context.WithoutCancel(ctx), ev); err != nil {
		o.logger.Warn("failed to publish event",
			"type", ev.Type,
			"flow_run_id", ev.FlowRunID,
			"error", err,
		)
	}
}
