package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/freightops/relay/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestMemory_RecentEvents_NewestFirst(t *testing.T) {
	log := NewMemory()
	ctx := context.Background()

	for _, subjectID := range []string{"s1", "s2", "s3"} {
		err := log.Record(ctx, domain.DeliveryEvent{SubjectID: subjectID, Type: domain.EventSent})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	}

	events, err := log.RecentEvents(ctx, 2)
	assert.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, "s3", events[0].SubjectID)
	assert.Equal(t, "s2", events[1].SubjectID)
}

func TestMemory_Record_AssignsIDAndTimestamp(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	log := NewMemoryWithClock(func() time.Time { return now })
	ctx := context.Background()

	err := log.Record(ctx, domain.DeliveryEvent{SubjectID: "s1", Type: domain.EventSent})
	assert.NoError(t, err)

	events, err := log.RecentEvents(ctx, 1)
	assert.NoError(t, err)
	assert.NotEmpty(t, events[0].ID)
	assert.Equal(t, now, events[0].Timestamp)
}

func TestMemory_FailedEvents_IncludesBounces(t *testing.T) {
	log := NewMemory()
	ctx := context.Background()

	_ = log.Record(ctx, domain.DeliveryEvent{SubjectID: "s1", Type: domain.EventSent})
	_ = log.Record(ctx, domain.DeliveryEvent{SubjectID: "s2", Type: domain.EventFailed})
	_ = log.Record(ctx, domain.DeliveryEvent{SubjectID: "s3", Type: domain.EventBounced})

	events, err := log.FailedEvents(ctx, 10)
	assert.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, "s3", events[0].SubjectID)
	assert.Equal(t, "s2", events[1].SubjectID)
}

func TestMemory_EventsByType(t *testing.T) {
	log := NewMemory()
	ctx := context.Background()

	_ = log.Record(ctx, domain.DeliveryEvent{SubjectID: "s1", Type: domain.EventSent})
	_ = log.Record(ctx, domain.DeliveryEvent{SubjectID: "s2", Type: domain.EventPreviewed})
	_ = log.Record(ctx, domain.DeliveryEvent{SubjectID: "s3", Type: domain.EventPreviewed})

	events, err := log.EventsByType(ctx, domain.EventPreviewed)
	assert.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, "s2", events[0].SubjectID)
	assert.Equal(t, "s3", events[1].SubjectID)
}

func TestMemory_CountEventsSince(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	log := NewMemoryWithClock(func() time.Time { return current })
	ctx := context.Background()

	// Two sends inside the window, one before it, one for another subject.
	current = base.Add(-25 * time.Hour)
	_ = log.Record(ctx, domain.DeliveryEvent{SubjectID: "reminder-s1", Type: domain.EventSent})
	current = base.Add(-2 * time.Hour)
	_ = log.Record(ctx, domain.DeliveryEvent{SubjectID: "reminder-s1", Type: domain.EventSent})
	current = base.Add(-1 * time.Hour)
	_ = log.Record(ctx, domain.DeliveryEvent{SubjectID: "reminder-s1", Type: domain.EventSent})
	_ = log.Record(ctx, domain.DeliveryEvent{SubjectID: "reminder-s2", Type: domain.EventSent})

	count, err := log.CountEventsSince(ctx, "reminder-s1", domain.EventSent, base.Add(-24*time.Hour))
	assert.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestMemory_WindowBoundaryIsInclusive(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	log := NewMemoryWithClock(func() time.Time { return base })
	ctx := context.Background()

	_ = log.Record(ctx, domain.DeliveryEvent{SubjectID: "reminder-s1", Type: domain.EventSent, Timestamp: base})

	count, err := log.CountEventsSince(ctx, "reminder-s1", domain.EventSent, base)
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
}
