package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/freightops/relay/internal/domain"
	"github.com/freightops/relay/internal/errval"
	"github.com/google/uuid"
)

const sendErrorCode = "SEND_ERROR"

// Queue holds retryable failed notification sends. It writes every outcome to
// the event log and resends through the injected transport; one Retry call is
// one attempt, sweeping records over time is the scheduler's job.
type Queue struct {
	mu       sync.Mutex
	records  map[string]*domain.RetryRecord
	runLocks map[string]*sync.Mutex

	transport domain.Transport
	events    domain.EventLog
	now       func() time.Time
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func NewQueue(transport domain.Transport, events domain.EventLog, opts ...Option) *Queue {
	q := &Queue{
		records:   map[string]*domain.RetryRecord{},
		runLocks:  map[string]*sync.Mutex{},
		transport: transport,
		events:    events,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Add classifies a failed send and enqueues it when the failure is transient.
// Permanent failures (bad address, rejected content) are logged as failed and
// deliberately not enqueued: retrying them wastes budget and hides a data
// problem. The failed delivery event is recorded either way.
func (q *Queue) Add(ctx context.Context, sendID string, opts domain.SendOptions, cause error) (*domain.RetryRecord, error) {
	q.recordEvent(ctx, domain.DeliveryEvent{
		SubjectID: sendID,
		Type:      domain.EventFailed,
		Recipient: opts.To,
		Err:       &domain.ErrorDetail{Code: sendErrorCode, Message: cause.Error()},
	})

	if !domain.IsRetryableSendError(cause) {
		slog.Info("Send failure is not retryable, skipping retry queue", "send_id", sendID, "recipient", opts.To, "error", cause.Error())
		return nil, nil
	}

	record := &domain.RetryRecord{
		ID:             uuid.NewString(),
		OriginalSendID: sendID,
		Recipient:      opts.To,
		Subject:        opts.Subject,
		TemplateName:   opts.TemplateName,
		Attempts:       0,
		MaxAttempts:    domain.MaxSendAttempts,
		NextAttempt:    q.now().UTC(),
		Err:            &domain.ErrorDetail{Code: sendErrorCode, Message: cause.Error()},
	}

	q.mu.Lock()
	q.records[record.ID] = record
	q.runLocks[record.ID] = &sync.Mutex{}
	q.mu.Unlock()

	snapshot := *record
	return &snapshot, nil
}

// Records returns snapshots of every queued record, including exhausted ones;
// records past their budget stay visible as failed until a bounce or a
// successful resend removes them.
func (q *Queue) Records() []domain.RetryRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	snapshots := make([]domain.RetryRecord, 0, len(q.records))
	for _, record := range q.records {
		snapshots = append(snapshots, *record)
	}
	return snapshots
}

func (q *Queue) RecordsByRecipient(recipient string) []domain.RetryRecord {
	snapshots := []domain.RetryRecord{}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, record := range q.records {
		if record.Recipient == recipient {
			snapshots = append(snapshots, *record)
		}
	}
	return snapshots
}

// DueRecords returns records eligible for a sweep: attempt budget left and
// next-attempt time reached.
func (q *Queue) DueRecords(now time.Time) []domain.RetryRecord {
	due := []domain.RetryRecord{}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, record := range q.records {
		if record.Attempts < record.MaxAttempts && !record.NextAttempt.After(now) {
			due = append(due, *record)
		}
	}
	return due
}

// Retry performs exactly one resend attempt. Success removes the record and
// logs a sent event. Failure keeps the record, increments its attempt count,
// replaces its error and pushes NextAttempt out on an exponential schedule.
// Reaching the budget does not delete the record.
func (q *Queue) Retry(ctx context.Context, id string) (bool, error) {
	runLock, ok := q.runLock(id)
	if !ok {
		return false, errval.ErrNotFound
	}
	runLock.Lock()
	defer runLock.Unlock()

	q.mu.Lock()
	record, ok := q.records[id]
	if !ok {
		// Removed by a bounce while waiting on the run lock.
		q.mu.Unlock()
		return false, errval.ErrNotFound
	}
	opts := domain.SendOptions{
		To:           record.Recipient,
		Subject:      record.Subject,
		TemplateName: record.TemplateName,
	}
	sendID := record.OriginalSendID
	q.mu.Unlock()

	_, sendErr := q.transport.Send(ctx, opts)
	if sendErr == nil {
		q.mu.Lock()
		delete(q.records, id)
		delete(q.runLocks, id)
		q.mu.Unlock()

		q.recordEvent(ctx, domain.DeliveryEvent{
			SubjectID: sendID,
			Type:      domain.EventSent,
			Recipient: opts.To,
			Metadata:  map[string]string{"resend_of": sendID},
		})
		return true, nil
	}

	q.mu.Lock()
	if record, ok = q.records[id]; ok {
		record.Attempts++
		record.Err = &domain.ErrorDetail{Code: sendErrorCode, Message: sendErr.Error()}
		record.NextAttempt = q.now().UTC().Add(retryDelay(record.Attempts))
	}
	q.mu.Unlock()

	q.recordEvent(ctx, domain.DeliveryEvent{
		SubjectID: sendID,
		Type:      domain.EventFailed,
		Recipient: opts.To,
		Err:       &domain.ErrorDetail{Code: sendErrorCode, Message: sendErr.Error()},
	})
	return false, nil
}

// HandleBounce removes any record for the bounced send and logs the bounce.
// A hard bounce can never be fixed by resending, so removal is unconditional
// and ignores the attempt count.
func (q *Queue) HandleBounce(ctx context.Context, sendID, recipient, reason string) {
	q.mu.Lock()
	for id, record := range q.records {
		if record.OriginalSendID == sendID {
			delete(q.records, id)
			delete(q.runLocks, id)
		}
	}
	q.mu.Unlock()

	q.recordEvent(ctx, domain.DeliveryEvent{
		SubjectID: sendID,
		Type:      domain.EventBounced,
		Recipient: recipient,
		Err:       &domain.ErrorDetail{Code: "BOUNCE", Message: reason},
	})
}

func (q *Queue) runLock(id string) (*sync.Mutex, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	lock, ok := q.runLocks[id]
	return lock, ok
}

func (q *Queue) recordEvent(ctx context.Context, event domain.DeliveryEvent) {
	if err := q.events.Record(ctx, event); err != nil {
		slog.Error("Error occurred while recording delivery event", "subject_id", event.SubjectID, "event_type", string(event.Type), "error", err.Error())
	}
}

// retryDelay computes the wait before the next attempt: one minute doubled
// per attempt, capped at an hour.
func retryDelay(attempts int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Minute
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = time.Hour
	bo.Reset()

	delay := bo.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = bo.NextBackOff()
	}
	return delay
}
