package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/freightops/relay/internal/domain"
)

// Scheduler fires due tasks on a ticker. It assumes a single logical scheduler
// instance; the distributed lock is a guard against an accidental second
// instance double-firing a task, and a suppressed trigger is recorded as a
// skipped run rather than silently dropped.
type Scheduler struct {
	registry      *Registry
	lock          domain.DistributedLock
	checkInterval time.Duration
	lockLease     time.Duration
	now           func() time.Time
}

type Option func(*Scheduler)

func WithCheckInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.checkInterval = d }
}

func WithSchedulerClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(registry *Registry, lock domain.DistributedLock, opts ...Option) *Scheduler {
	s := &Scheduler{
		registry:      registry,
		lock:          lock,
		checkInterval: 30 * time.Second,
		lockLease:     5 * time.Minute,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start blocks until ctx is cancelled, checking for due tasks every interval.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	slog.Info("Scheduler loop is running", "check_interval", s.checkInterval.String())
	for {
		select {
		case <-ctx.Done():
			slog.Info("Scheduler loop is shutting down")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	for _, task := range s.registry.Tasks() {
		if task.NextRun.IsZero() || task.NextRun.After(now) {
			continue
		}

		if !task.Enabled {
			slog.Info("Task is disabled, skipping scheduled trigger", "task_id", task.ID, "task_name", task.Name)
			s.registry.MarkSkipped(task.ID)
			continue
		}

		if task.Status == domain.TaskRunning {
			slog.Warn("Previous run is still in progress, skipping scheduled trigger", "task_id", task.ID, "task_name", task.Name)
			s.registry.MarkSkipped(task.ID)
			continue
		}

		// A failed task waits out its retry delay before the next attempt.
		if task.Status == domain.TaskFailed && task.RetryDelay > 0 && now.Before(task.LastRun.Add(task.RetryDelay)) {
			continue
		}

		s.fire(ctx, task)
	}
}

func (s *Scheduler) fire(ctx context.Context, task domain.Task) {
	lockKey := "task-lock:" + task.ID
	acquired, err := s.lock.Lock(lockKey, s.lockLease)
	if err != nil {
		slog.Error("Error occurred while acquiring task lock", "lock_key", lockKey, "error", err.Error())
		return
	}
	if !acquired {
		slog.Warn("Task lock is held elsewhere, skipping scheduled trigger", "task_id", task.ID, "task_name", task.Name)
		s.registry.MarkSkipped(task.ID)
		return
	}

	go func() {
		defer func() {
			if err := s.lock.Unlock(lockKey); err != nil {
				slog.Error("Error while unlocking task lock", "lock_key", lockKey, "error", err.Error())
			}
		}()

		slog.Info("Firing scheduled task", "task_id", task.ID, "task_name", task.Name)
		result, err := s.registry.RunTask(ctx, task.ID)
		if err != nil {
			slog.Error("Scheduled task vanished before it could run", "task_id", task.ID, "error", err.Error())
			return
		}
		if result.Success {
			slog.Info("Scheduled task completed", "task_id", task.ID, "task_name", task.Name)
		} else {
			slog.Warn("Scheduled task failed", "task_id", task.ID, "task_name", task.Name, "message", result.Message)
		}
	}()
}

// LocalLock is a process-local DistributedLock used when the scheduler runs
// without Redis (tests, single-binary deployments).
type LocalLock struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalLock() *LocalLock {
	return &LocalLock{held: map[string]bool{}}
}

func (l *LocalLock) Ping(context.Context) error { return nil }

func (l *LocalLock) Lock(lockKey string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[lockKey] {
		return false, nil
	}
	l.held[lockKey] = true
	return true, nil
}

func (l *LocalLock) Unlock(lockKey string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, lockKey)
	return nil
}

func (l *LocalLock) Close() error { return nil }
