package eventlog

import (
	"context"
	"sync"
	"time"

	"github.com/freightops/relay/internal/domain"
	"github.com/google/uuid"
)

// Memory is an in-process append-only delivery event log. Everything else in
// the reliability core treats it as the source of truth: the recovery queue
// writes send outcomes here and the reminder rate limiter counts against it.
type Memory struct {
	mu     sync.RWMutex
	events []domain.DeliveryEvent
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

// NewMemoryWithClock injects the clock so tests can pin event timestamps.
func NewMemoryWithClock(now func() time.Time) *Memory {
	return &Memory{now: now}
}

func (m *Memory) Record(_ context.Context, event domain.DeliveryEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = m.now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *Memory) RecentEvents(_ context.Context, limit int) ([]domain.DeliveryEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return newestFirst(m.events, limit, func(domain.DeliveryEvent) bool { return true }), nil
}

func (m *Memory) FailedEvents(_ context.Context, limit int) ([]domain.DeliveryEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return newestFirst(m.events, limit, func(e domain.DeliveryEvent) bool {
		return e.Type == domain.EventFailed || e.Type == domain.EventBounced
	}), nil
}

func (m *Memory) EventsByType(_ context.Context, eventType domain.EventType) ([]domain.DeliveryEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := []domain.DeliveryEvent{}
	for _, e := range m.events {
		if e.Type == eventType {
			matched = append(matched, e)
		}
	}
	return matched, nil
}

func (m *Memory) CountEventsSince(_ context.Context, subjectID string, eventType domain.EventType, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, e := range m.events {
		if e.SubjectID == subjectID && e.Type == eventType && !e.Timestamp.Before(since) {
			count++
		}
	}
	return count, nil
}

func newestFirst(events []domain.DeliveryEvent, limit int, match func(domain.DeliveryEvent) bool) []domain.DeliveryEvent {
	selected := []domain.DeliveryEvent{}
	for i := len(events) - 1; i >= 0 && len(selected) < limit; i-- {
		if match(events[i]) {
			selected = append(selected, events[i])
		}
	}
	return selected
}
