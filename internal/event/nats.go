// internal/event/nats.go
// Package event provides NATS JetStream implementation for event publishing.
// It streams terminal job outcomes so downstream consumers (billing,
// moderation, analytics) can react without polling the history table.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/AppleLamps/zapp/internal/model"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Publisher defines the event publishing operations required by the
// proxy. Publishing is best-effort; callers log and drop errors.
type Publisher interface {
	// PublishJobCompleted publishes one terminal job outcome.
	PublishJobCompleted(ctx context.Context, entry model.HistoryEntry) error

	// Close closes the publisher connection
	Close() error
}

// noop is a no-op implementation of Publisher for when NATS is not
// configured. It allows the service to function without event streaming.
type noop struct{}

func (n *noop) Close() error { return nil }

func (n *noop) PublishJobCompleted(ctx context.Context, entry model.HistoryEntry) error {
	return nil
}

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc *nats.Conn            // NATS connection
	js nats.JetStreamContext // JetStream context for stream operations
}

// NewPublisher creates a publisher for the given NATS URL. An empty URL,
// a failed connection, or a failed stream init all degrade to a no-op
// publisher with a warning; event streaming is never a startup blocker.
func NewPublisher(url string) Publisher {
	if url == "" {
		return &noop{}
	}

	nc, err := nats.Connect(url)
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return &noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	if err := initStreams(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	return &natsPub{nc: nc, js: js}
}

// initStreams creates the ZAPP_JOBS stream used for terminal job events.
func initStreams(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      "ZAPP_JOBS",              // Stream name
		Subjects:  []string{"zapp.jobs.>"},  // Subjects pattern for job events
		Retention: nats.LimitsPolicy,        // Retention policy
		MaxAge:    24 * time.Hour,           // Keep events for 24 hours
		Discard:   nats.DiscardOld,          // Discard old messages when limits reached
		Storage:   nats.FileStorage,         // Use file storage for persistence
	})
	if err != nil {
		return fmt.Errorf("failed to create ZAPP_JOBS stream: %w", err)
	}
	return nil
}

// EventEnvelope represents the standard event envelope structure.
// All events published to NATS are wrapped in this envelope.
type EventEnvelope struct {
	Type          string      `json:"type"`          // Event type identifier
	Version       string      `json:"version"`       // Event schema version
	OccurredAt    time.Time   `json:"occurredAt"`    // When the event occurred
	CorrelationID string      `json:"correlationId"` // Correlation ID for tracing
	Payload       interface{} `json:"payload"`       // Event-specific data
}

// Close closes the NATS connection.
func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

// PublishJobCompleted wraps the history entry in an event envelope and
// publishes it to the ZAPP_JOBS stream. The subject carries the
// provider and terminal status, e.g. "zapp.jobs.fal.completed".
func (p *natsPub) PublishJobCompleted(ctx context.Context, entry model.HistoryEntry) error {
	subject := fmt.Sprintf("zapp.jobs.%s.%s", entry.Provider, entry.Status)

	envelope := EventEnvelope{
		Type:          subject,
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.New().String(),
		Payload:       entry,
	}

	b, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	_, err = p.js.Publish(subject, b)
	return err
}
