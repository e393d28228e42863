// Package notify defines the notification dispatch boundary. Dispatch is
// best-effort and asynchronous: a failed dispatch is logged and never turns a
// committed workflow into a failure.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medherence/medcycle/internal/domain/event"
)

// Notification describes something a recipient should hear about.
type Notification struct {
	ID         string     `json:"id"`
	CommandID  string     `json:"command_id"`
	PatientID  string     `json:"patient_id"`
	EventType  event.Type `json:"event_type"`
	Channel    string     `json:"channel"`
	Recipients []string   `json:"recipients,omitempty"`
	Message    string     `json:"message"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// New builds a notification with a fresh id.
func New(commandID, patientID string, eventType event.Type, message string) *Notification {
	return &Notification{
		ID:         uuid.New().String(),
		CommandID:  commandID,
		PatientID:  patientID,
		EventType:  eventType,
		Channel:    "push",
		Message:    message,
		OccurredAt: time.Now().UTC(),
	}
}

// Dispatcher is the external collaborator boundary for delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, n *Notification) error
}

// Enqueuer is the durable queue a dispatcher hands notifications to. The
// notification outbox satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, entry *QueueEntry) error
}

// QueueEntry mirrors the outbox row shape without importing the storage
// package here.
type QueueEntry struct {
	NotificationID string
	CommandID      string
	PatientID      string
	Channel        string
	Payload        json.RawMessage
	Topic          string
}

// QueueDispatcher writes notifications to the durable queue for the relay to
// publish.
type QueueDispatcher struct {
	queue  Enqueuer
	topic  string
	logger *zap.Logger
}

// NewQueueDispatcher creates a dispatcher backed by the notification queue.
func NewQueueDispatcher(queue Enqueuer, topic string, logger *zap.Logger) *QueueDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueueDispatcher{queue: queue, topic: topic, logger: logger}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, n *Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return d.queue.Enqueue(ctx, &QueueEntry{
		NotificationID: n.ID,
		CommandID:      n.CommandID,
		PatientID:      n.PatientID,
		Channel:        n.Channel,
		Payload:        payload,
		Topic:          d.topic,
	})
}

// Async wraps a dispatcher so callers never block on delivery. Failures are
// logged; nothing is surfaced to the workflow.
type Async struct {
	inner   Dispatcher
	logger  *zap.Logger
	timeout time.Duration
}

// NewAsync creates the fire-and-forget wrapper.
func NewAsync(inner Dispatcher, logger *zap.Logger) *Async {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Async{inner: inner, logger: logger, timeout: 10 * time.Second}
}

// Dispatch hands the notification off on a fresh context so the caller's
// request context cancelling cannot abort delivery.
func (a *Async) Dispatch(_ context.Context, n *Notification) error {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()

		if err := a.inner.Dispatch(ctx, n); err != nil {
			a.logger.Warn("notification dispatch failed",
				zap.String("notification_id", n.ID),
				zap.String("command_id", n.CommandID),
				zap.String("event_type", string(n.EventType)),
				zap.Error(err))
		}
	}()
	return nil
}

// Nop discards notifications. Useful in tests and the scanner binary when no
// queue is configured.
type Nop struct{}

func (Nop) Dispatch(context.Context, *Notification) error { return nil }
