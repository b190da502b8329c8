package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/freightops/relay/internal/domain"
	"github.com/freightops/relay/internal/eventlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_Tick_FiresDueTask(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	registry := NewRegistry(eventlog.NewMemory(), WithClock(func() time.Time { return t0 }))

	task, err := registry.Register(Definition{
		Name:     "Due Task",
		Schedule: "* * * * *",
		Handler:  succeedingHandler("done"),
	})
	require.NoError(t, err)

	sched := New(registry, NewLocalLock(), WithSchedulerClock(func() time.Time { return t0.Add(2 * time.Minute) }))
	sched.tick(context.Background())

	assert.Eventually(t, func() bool {
		stored, _ := registry.Task(task.ID)
		return stored.Status == domain.TaskCompleted
	}, time.Second, 10*time.Millisecond)
}

func TestScheduler_Tick_SkipsDisabledTask(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	registry := NewRegistry(eventlog.NewMemory(), WithClock(func() time.Time { return t0 }))

	task, err := registry.Register(Definition{
		Name:     "Disabled Task",
		Schedule: "* * * * *",
		Handler:  succeedingHandler("never"),
		Disabled: true,
	})
	require.NoError(t, err)

	sched := New(registry, NewLocalLock(), WithSchedulerClock(func() time.Time { return t0.Add(2 * time.Minute) }))
	sched.tick(context.Background())

	stored, _ := registry.Task(task.ID)
	assert.Equal(t, domain.TaskSkipped, stored.Status)
	assert.Equal(t, 0, stored.RetryCount)
}

func TestScheduler_Tick_SkipsWhenLockHeld(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	registry := NewRegistry(eventlog.NewMemory(), WithClock(func() time.Time { return t0 }))

	task, err := registry.Register(Definition{
		Name:     "Contended Task",
		Schedule: "* * * * *",
		Handler:  succeedingHandler("never"),
	})
	require.NoError(t, err)

	lock := NewLocalLock()
	acquired, err := lock.Lock("task-lock:"+task.ID, time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	sched := New(registry, lock, WithSchedulerClock(func() time.Time { return t0.Add(2 * time.Minute) }))
	sched.tick(context.Background())

	stored, _ := registry.Task(task.ID)
	assert.Equal(t, domain.TaskSkipped, stored.Status)
}

func TestScheduler_Tick_HonorsRetryDelay(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	registry := NewRegistry(eventlog.NewMemory(), WithClock(func() time.Time { return t0 }))

	task, err := registry.Register(Definition{
		Name:       "Failing Task",
		Schedule:   "* * * * *",
		Handler:    failingHandler("boom"),
		RetryDelay: 10 * time.Minute,
	})
	require.NoError(t, err)

	_, err = registry.RunTask(context.Background(), task.ID)
	require.NoError(t, err)

	// Due by schedule, but the retry delay has not elapsed since the failure.
	sched := New(registry, NewLocalLock(), WithSchedulerClock(func() time.Time { return t0.Add(2 * time.Minute) }))
	sched.tick(context.Background())

	stored, _ := registry.Task(task.ID)
	assert.Equal(t, domain.TaskFailed, stored.Status, "task is left alone until the delay passes")
	assert.Equal(t, 1, stored.RetryCount)
}

func TestLocalLock(t *testing.T) {
	lock := NewLocalLock()

	acquired, err := lock.Lock("k1", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = lock.Lock("k1", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, lock.Unlock("k1"))

	acquired, err = lock.Lock("k1", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}
