package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/freightops/relay/internal/domain"
	"github.com/freightops/relay/internal/errval"
	"github.com/freightops/relay/internal/eventlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport fails as long as failWith is set.
type fakeTransport struct {
	mu       sync.Mutex
	failWith error
	sent     []domain.SendOptions
}

func (f *fakeTransport) Send(_ context.Context, opts domain.SendOptions) (domain.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return domain.SendResult{}, f.failWith
	}
	f.sent = append(f.sent, opts)
	return domain.SendResult{MessageID: "msg-1"}, nil
}

func (f *fakeTransport) setFailure(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWith = err
}

func retryableError(message string) error {
	return &domain.TransportError{Code: "SEND_ERROR", Message: message, Retryable: true}
}

func permanentError(message string) error {
	return &domain.TransportError{Code: "MESSAGE_REJECTED", Message: message, Retryable: false}
}

func newTestQueue(transport domain.Transport) (*Queue, *eventlog.Memory) {
	events := eventlog.NewMemory()
	return NewQueue(transport, events), events
}

func TestQueue_Add_RetryableError(t *testing.T) {
	queue, events := newTestQueue(&fakeTransport{})
	ctx := context.Background()

	record, err := queue.Add(ctx, "e1", domain.SendOptions{To: "a@x.com", Subject: "S"}, retryableError("boom"))
	require.NoError(t, err)
	require.NotNil(t, record)

	assert.Equal(t, "a@x.com", record.Recipient)
	assert.Equal(t, "e1", record.OriginalSendID)
	assert.Equal(t, 0, record.Attempts)
	assert.Equal(t, domain.MaxSendAttempts, record.MaxAttempts)
	assert.Equal(t, domain.RetryPending, record.State())
	assert.Len(t, queue.Records(), 1)

	failed, err := events.EventsByType(ctx, domain.EventFailed)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
	assert.Equal(t, "e1", failed[0].SubjectID)
}

func TestQueue_Add_PermanentError(t *testing.T) {
	queue, events := newTestQueue(&fakeTransport{})
	ctx := context.Background()

	record, err := queue.Add(ctx, "e2", domain.SendOptions{To: "b@x.com", Subject: "S"}, permanentError("Invalid recipient"))
	require.NoError(t, err)

	assert.Nil(t, record, "permanent failures are never enqueued")
	assert.Len(t, queue.Records(), 0)

	// Logged as failed even though it is not queued.
	failed, err := events.EventsByType(ctx, domain.EventFailed)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestQueue_Add_UnclassifiedError(t *testing.T) {
	queue, _ := newTestQueue(&fakeTransport{})

	record, err := queue.Add(context.Background(), "e3", domain.SendOptions{To: "c@x.com"}, errors.New("Invalid recipient"))
	require.NoError(t, err)
	assert.Nil(t, record, "unclassified errors are treated as permanent")
}

func TestQueue_Add_TimeoutIsRetryable(t *testing.T) {
	queue, _ := newTestQueue(&fakeTransport{})

	record, err := queue.Add(context.Background(), "e4", domain.SendOptions{To: "d@x.com"}, context.DeadlineExceeded)
	require.NoError(t, err)
	assert.NotNil(t, record)
}

func TestQueue_Retry_Success(t *testing.T) {
	transport := &fakeTransport{}
	queue, events := newTestQueue(transport)
	ctx := context.Background()

	record, err := queue.Add(ctx, "e1", domain.SendOptions{To: "a@x.com", Subject: "S"}, retryableError("boom"))
	require.NoError(t, err)

	success, err := queue.Retry(ctx, record.ID)
	require.NoError(t, err)
	assert.True(t, success)
	assert.Len(t, queue.Records(), 0, "successful retry removes the record")

	sent, err := events.EventsByType(ctx, domain.EventSent)
	require.NoError(t, err)
	assert.Len(t, sent, 1)
	assert.Equal(t, "e1", sent[0].SubjectID)

	require.Len(t, transport.sent, 1)
	assert.Equal(t, "a@x.com", transport.sent[0].To)
	assert.Equal(t, "S", transport.sent[0].Subject)
}

func TestQueue_Retry_Failure_KeepsRecord(t *testing.T) {
	transport := &fakeTransport{failWith: retryableError("still down")}
	queue, events := newTestQueue(transport)
	ctx := context.Background()

	record, err := queue.Add(ctx, "e1", domain.SendOptions{To: "a@x.com", Subject: "S"}, retryableError("boom"))
	require.NoError(t, err)

	success, err := queue.Retry(ctx, record.ID)
	require.NoError(t, err)
	assert.False(t, success)

	records := queue.Records()
	require.Len(t, records, 1)
	assert.Equal(t, 1, records[0].Attempts)
	require.NotNil(t, records[0].Err)
	assert.Equal(t, "still down", records[0].Err.Message)
	assert.True(t, records[0].NextAttempt.After(record.NextAttempt), "failed retry pushes the next attempt out")

	failed, err := events.EventsByType(ctx, domain.EventFailed)
	require.NoError(t, err)
	assert.Len(t, failed, 2, "the original failure and the retry failure are both logged")
}

func TestQueue_Retry_ExhaustedRecordStaysVisible(t *testing.T) {
	transport := &fakeTransport{failWith: retryableError("still down")}
	queue, _ := newTestQueue(transport)
	ctx := context.Background()

	record, err := queue.Add(ctx, "e1", domain.SendOptions{To: "a@x.com"}, retryableError("boom"))
	require.NoError(t, err)

	for i := 0; i < domain.MaxSendAttempts; i++ {
		_, err := queue.Retry(ctx, record.ID)
		require.NoError(t, err)
	}

	records := queue.Records()
	require.Len(t, records, 1, "exhausting the budget does not delete the record")
	assert.Equal(t, domain.MaxSendAttempts, records[0].Attempts)
	assert.Equal(t, domain.RetryFailed, records[0].State())
}

func TestQueue_Retry_UnknownID(t *testing.T) {
	queue, _ := newTestQueue(&fakeTransport{})

	_, err := queue.Retry(context.Background(), "no-such-record")
	assert.ErrorIs(t, err, errval.ErrNotFound)
}

func TestQueue_RecordsByRecipient(t *testing.T) {
	queue, _ := newTestQueue(&fakeTransport{})
	ctx := context.Background()

	_, err := queue.Add(ctx, "e1", domain.SendOptions{To: "a@x.com"}, retryableError("boom"))
	require.NoError(t, err)
	_, err = queue.Add(ctx, "e2", domain.SendOptions{To: "b@x.com"}, retryableError("boom"))
	require.NoError(t, err)

	records := queue.RecordsByRecipient("a@x.com")
	require.Len(t, records, 1)
	assert.Equal(t, "a@x.com", records[0].Recipient)
}

func TestQueue_HandleBounce(t *testing.T) {
	queue, events := newTestQueue(&fakeTransport{})
	ctx := context.Background()

	_, err := queue.Add(ctx, "e1", domain.SendOptions{To: "a@x.com", Subject: "S"}, retryableError("boom"))
	require.NoError(t, err)

	queue.HandleBounce(ctx, "e1", "a@x.com", "Mailbox full")

	assert.Len(t, queue.Records(), 0)

	bounced, err := events.EventsByType(ctx, domain.EventBounced)
	require.NoError(t, err)
	require.Len(t, bounced, 1)
	assert.Equal(t, "Mailbox full", bounced[0].Err.Message)
	assert.Equal(t, "a@x.com", bounced[0].Recipient)
}

func TestQueue_HandleBounce_IgnoresAttemptCount(t *testing.T) {
	transport := &fakeTransport{failWith: retryableError("still down")}
	queue, _ := newTestQueue(transport)
	ctx := context.Background()

	record, err := queue.Add(ctx, "e1", domain.SendOptions{To: "a@x.com"}, retryableError("boom"))
	require.NoError(t, err)

	for i := 0; i < domain.MaxSendAttempts; i++ {
		_, _ = queue.Retry(ctx, record.ID)
	}

	queue.HandleBounce(ctx, "e1", "a@x.com", "User unknown")
	assert.Len(t, queue.Records(), 0, "a bounce removes the record regardless of attempts")
}

func TestQueue_AddThenRetry_RoundTrip(t *testing.T) {
	transport := &fakeTransport{failWith: retryableError("blip")}
	queue, _ := newTestQueue(transport)
	ctx := context.Background()

	record, err := queue.Add(ctx, "e1", domain.SendOptions{To: "a@x.com"}, retryableError("blip"))
	require.NoError(t, err)

	transport.setFailure(nil)
	success, err := queue.Retry(ctx, record.ID)
	require.NoError(t, err)
	assert.True(t, success)
	assert.Len(t, queue.Records(), 0, "queue returns to its pre-add state")
}

func TestQueue_DueRecords(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	transport := &fakeTransport{failWith: retryableError("still down")}
	events := eventlog.NewMemory()
	queue := NewQueue(transport, events, WithClock(func() time.Time { return base }))
	ctx := context.Background()

	record, err := queue.Add(ctx, "e1", domain.SendOptions{To: "a@x.com"}, retryableError("boom"))
	require.NoError(t, err)

	assert.Len(t, queue.DueRecords(base), 1, "fresh records are due immediately")

	_, err = queue.Retry(ctx, record.ID)
	require.NoError(t, err)

	assert.Len(t, queue.DueRecords(base), 0, "after a failed retry the record waits for its next attempt")
	assert.Len(t, queue.DueRecords(base.Add(2*time.Hour)), 1)
}

func TestQueue_SweepHandler(t *testing.T) {
	transport := &fakeTransport{}
	queue, _ := newTestQueue(transport)
	ctx := context.Background()

	_, err := queue.Add(ctx, "e1", domain.SendOptions{To: "a@x.com"}, retryableError("boom"))
	require.NoError(t, err)
	_, err = queue.Add(ctx, "e2", domain.SendOptions{To: "b@x.com"}, retryableError("boom"))
	require.NoError(t, err)

	message, err := queue.SweepHandler()(ctx)
	require.NoError(t, err)
	assert.Contains(t, message, "2 due records")
	assert.Contains(t, message, "2 resent")
	assert.Len(t, queue.Records(), 0)
}
