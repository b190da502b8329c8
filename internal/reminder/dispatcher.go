package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/freightops/relay/internal/domain"
	"github.com/freightops/relay/internal/recovery"
	"github.com/google/uuid"
)

const (
	// MaxRemindersPerWindow caps reminders per shipment inside the rolling window.
	MaxRemindersPerWindow = 3
	// ReminderWindow is the rolling rate-limit window.
	ReminderWindow = 24 * time.Hour

	// PreferenceCategory is the notification category recipients can opt out of.
	PreferenceCategory = "document_reminders"

	// subjectPrefix scopes rate-limit counts per shipment in the event log.
	subjectPrefix = "reminder-"

	SkipReasonRateLimited  = "Rate limit exceeded"
	SkipReasonNoRecipients = "No eligible recipients"
)

type RecipientResult struct {
	Recipient string `json:"recipient"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

type SubjectResult struct {
	SubjectID  string            `json:"subject_id"`
	Success    bool              `json:"success"`
	SkipReason string            `json:"skip_reason,omitempty"`
	Recipients []RecipientResult `json:"recipients,omitempty"`
}

// Dispatcher sends document reminders for shipments that still need action.
// It is the one place where rate limiting, preference filtering and the
// recovery queue compose; a failing send never blocks sibling recipients or
// other shipments.
type Dispatcher struct {
	shipments   domain.ShipmentSource
	preferences domain.PreferenceStore
	transport   domain.Transport
	events      domain.EventLog
	queue       *recovery.Queue
	now         func() time.Time
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func NewDispatcher(shipments domain.ShipmentSource, preferences domain.PreferenceStore, transport domain.Transport, events domain.EventLog, queue *recovery.Queue, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		shipments:   shipments,
		preferences: preferences,
		transport:   transport,
		events:      events,
		queue:       queue,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run processes every pending shipment and returns one result per shipment in
// source order. Skips are returned in the batch result only, never written to
// the event log.
func (d *Dispatcher) Run(ctx context.Context) ([]SubjectResult, error) {
	shipments, err := d.shipments.PendingShipments(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pending shipments: %w", err)
	}

	results := make([]SubjectResult, 0, len(shipments))
	for _, shipment := range shipments {
		results = append(results, d.dispatchOne(ctx, shipment))
	}
	return results, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, shipment domain.Shipment) SubjectResult {
	subjectID := subjectPrefix + shipment.ID

	sentInWindow, err := d.events.CountEventsSince(ctx, subjectID, domain.EventSent, d.now().Add(-ReminderWindow))
	if err != nil {
		slog.Error("Error occurred while counting reminder events", "shipment_id", shipment.ID, "error", err.Error())
		return SubjectResult{SubjectID: shipment.ID, Success: false, SkipReason: "Rate limit check failed"}
	}
	if sentInWindow >= MaxRemindersPerWindow {
		slog.Info("Reminder rate limit reached for shipment", "shipment_id", shipment.ID, "sent_in_window", sentInWindow)
		return SubjectResult{SubjectID: shipment.ID, Success: false, SkipReason: SkipReasonRateLimited}
	}

	recipients, err := d.eligibleRecipients(ctx, shipment.ID)
	if err != nil {
		slog.Error("Error occurred while resolving recipients", "shipment_id", shipment.ID, "error", err.Error())
		return SubjectResult{SubjectID: shipment.ID, Success: false, SkipReason: "Recipient lookup failed"}
	}
	if len(recipients) == 0 {
		slog.Info("No eligible recipients for shipment reminder", "shipment_id", shipment.ID)
		return SubjectResult{SubjectID: shipment.ID, Success: false, SkipReason: SkipReasonNoRecipients}
	}

	result := SubjectResult{SubjectID: shipment.ID, Success: true}
	for _, contact := range recipients {
		result.Recipients = append(result.Recipients, d.sendTo(ctx, subjectID, shipment, contact))
	}
	for _, r := range result.Recipients {
		if !r.Success {
			result.Success = false
			break
		}
	}
	return result
}

func (d *Dispatcher) eligibleRecipients(ctx context.Context, shipmentID string) ([]domain.Contact, error) {
	contacts, err := d.shipments.ShipmentContacts(ctx, shipmentID)
	if err != nil {
		return nil, err
	}

	eligible := []domain.Contact{}
	for _, contact := range contacts {
		prefs, err := d.preferences.GetPreferences(ctx, contact.UserID, PreferenceCategory)
		if err != nil {
			slog.Error("Error occurred while reading preferences, keeping recipient", "user_id", contact.UserID, "error", err.Error())
			eligible = append(eligible, contact)
			continue
		}
		if prefs.Enabled {
			eligible = append(eligible, contact)
		}
	}
	return eligible, nil
}

func (d *Dispatcher) sendTo(ctx context.Context, subjectID string, shipment domain.Shipment, contact domain.Contact) RecipientResult {
	sendID := uuid.NewString()
	opts := domain.SendOptions{
		To:           contact.Email,
		Subject:      fmt.Sprintf("Missing documents for shipment %s", shipment.Reference),
		TemplateName: "document_reminder",
		Data: map[string]string{
			"shipment_id":       shipment.ID,
			"reference":         shipment.Reference,
			"missing_documents": fmt.Sprintf("%d", len(shipment.MissingDocuments)),
		},
	}

	_, err := d.transport.Send(ctx, opts)
	if err != nil {
		slog.Warn("Reminder send failed, routing to recovery queue", "shipment_id", shipment.ID, "recipient", contact.Email, "error", err.Error())
		if _, addErr := d.queue.Add(ctx, sendID, opts, err); addErr != nil {
			slog.Error("Error occurred while adding failed send to retry queue", "send_id", sendID, "error", addErr.Error())
		}
		return RecipientResult{Recipient: contact.Email, Success: false, Error: err.Error()}
	}

	event := domain.DeliveryEvent{
		SubjectID:    subjectID,
		Type:         domain.EventSent,
		Recipient:    contact.Email,
		TemplateName: opts.TemplateName,
		Metadata:     map[string]string{"send_id": sendID, "shipment_id": shipment.ID},
	}
	if recErr := d.events.Record(ctx, event); recErr != nil {
		slog.Error("Error occurred while recording reminder sent event", "shipment_id", shipment.ID, "error", recErr.Error())
	}

	return RecipientResult{Recipient: contact.Email, Success: true}
}

// Handler adapts the dispatcher into a schedulable task.
func (d *Dispatcher) Handler() domain.TaskHandler {
	return func(ctx context.Context) (string, error) {
		results, err := d.Run(ctx)
		if err != nil {
			return "", err
		}

		sent, skipped := 0, 0
		for _, r := range results {
			if r.SkipReason != "" {
				skipped++
				continue
			}
			sent++
		}
		return fmt.Sprintf("processed %d shipments, %d dispatched, %d skipped", len(results), sent, skipped), nil
	}
}
