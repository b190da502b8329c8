package domain

import (
	"context"
	"time"
)

type EventType string

const (
	EventSent      EventType = "sent"
	EventFailed    EventType = "failed"
	EventBounced   EventType = "bounced"
	EventRetried   EventType = "retried"
	EventPreviewed EventType = "previewed"
)

// DeliveryEvent is an immutable audit record. Events are never updated or
// deleted after being recorded; the reminder rate limiter and the dashboards
// both read from this history.
type DeliveryEvent struct {
	ID           string            `json:"id"`
	SubjectID    string            `json:"subject_id"`
	Type         EventType         `json:"type"`
	Timestamp    time.Time         `json:"timestamp"`
	Recipient    string            `json:"recipient,omitempty"`
	TemplateName string            `json:"template_name,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Err          *ErrorDetail      `json:"error,omitempty"`
}

type EventLog interface {
	Record(ctx context.Context, event DeliveryEvent) error
	RecentEvents(ctx context.Context, limit int) ([]DeliveryEvent, error)
	FailedEvents(ctx context.Context, limit int) ([]DeliveryEvent, error)
	EventsByType(ctx context.Context, eventType EventType) ([]DeliveryEvent, error)
	CountEventsSince(ctx context.Context, subjectID string, eventType EventType, since time.Time) (int, error)
}
