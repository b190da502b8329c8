package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/freightops/relay/internal/domain"
	"github.com/freightops/relay/internal/errval"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

const jobExecutionErrorCode = "JOB_EXECUTION_ERROR"

// Definition describes a task at registration time. Disabled is inverted so
// the zero value registers an enabled task.
type Definition struct {
	Name        string
	Description string
	Schedule    string
	Handler     domain.TaskHandler
	MaxRetries  int
	RetryDelay  time.Duration
	Disabled    bool
}

// Registry owns the task table and executes tasks against it. It is a plain
// constructed instance, not package state, so tests build isolated registries.
//
// Run state transitions of a single task are serialized by a per-task mutex:
// concurrent RunTask calls for the same id queue up, calls for different ids
// proceed independently.
type Registry struct {
	mu       sync.RWMutex
	tasks    map[string]*domain.Task
	order    []string
	runLocks map[string]*sync.Mutex

	events     domain.EventLog
	parser     cron.Parser
	now        func() time.Time
	runTimeout time.Duration
}

type RegistryOption func(*Registry)

func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithRunTimeout bounds every handler invocation. A handler that overruns is
// treated exactly like one that returned an error.
func WithRunTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.runTimeout = d }
}

func NewRegistry(events domain.EventLog, opts ...RegistryOption) *Registry {
	r := &Registry{
		tasks:    map[string]*domain.Task{},
		runLocks: map[string]*sync.Mutex{},
		events:   events,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Register(def Definition) (domain.Task, error) {
	if def.Name == "" || def.Handler == nil {
		return domain.Task{}, errval.ErrInvalidTask
	}

	schedule, err := r.parser.Parse(def.Schedule)
	if err != nil {
		return domain.Task{}, fmt.Errorf("%w: %s", errval.ErrInvalidSchedule, def.Schedule)
	}

	task := &domain.Task{
		ID:          uuid.NewString(),
		Name:        def.Name,
		Description: def.Description,
		Schedule:    def.Schedule,
		Enabled:     !def.Disabled,
		Handler:     def.Handler,
		MaxRetries:  def.MaxRetries,
		RetryDelay:  def.RetryDelay,
		Status:      domain.TaskPending,
		NextRun:     schedule.Next(r.now()),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.ID] = task
	r.order = append(r.order, task.ID)
	r.runLocks[task.ID] = &sync.Mutex{}

	return *task, nil
}

func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[id]; !ok {
		return errval.ErrNotFound
	}

	delete(r.tasks, id)
	delete(r.runLocks, id)
	for i, taskID := range r.order {
		if taskID == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Tasks returns snapshots in registration order.
func (r *Registry) Tasks() []domain.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshots := make([]domain.Task, 0, len(r.order))
	for _, id := range r.order {
		snapshots = append(snapshots, *r.tasks[id])
	}
	return snapshots
}

// Task returns a snapshot of one task. Callers branch on the boolean instead
// of handling an error for the lookup miss.
func (r *Registry) Task(id string) (domain.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return domain.Task{}, false
	}
	return *task, true
}

// SetEnabled flips the enabled flag without touching run state.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return errval.ErrNotFound
	}
	task.Enabled = enabled
	return nil
}

// RunTask performs exactly one attempt of the task. Handler failures are
// recovered and turned into a failed result plus a failed delivery event;
// they never propagate. Only an unknown id is surfaced as an error.
//
// Retrying across time is the scheduler's job, not this method's: a failed
// run increments RetryCount by one and returns.
func (r *Registry) RunTask(ctx context.Context, id string) (domain.TaskResult, error) {
	runLock, ok := r.runLock(id)
	if !ok {
		return domain.TaskResult{}, errval.ErrNotFound
	}
	runLock.Lock()
	defer runLock.Unlock()

	r.mu.Lock()
	task, ok := r.tasks[id]
	if !ok {
		// Unregistered while waiting on the run lock.
		r.mu.Unlock()
		return domain.TaskResult{}, errval.ErrNotFound
	}
	startedAt := r.now().UTC()
	task.Status = domain.TaskRunning
	task.LastRun = startedAt
	name := task.Name
	handler := task.Handler
	r.mu.Unlock()

	message, runErr := r.invoke(ctx, handler)

	result := domain.TaskResult{TaskID: id, Success: runErr == nil, Message: message}
	if runErr != nil {
		result.Message = fmt.Sprintf("task execution failed: %s", runErr.Error())
		result.Err = &domain.ErrorDetail{Code: jobExecutionErrorCode, Message: runErr.Error()}
	}

	r.mu.Lock()
	if task, ok = r.tasks[id]; ok {
		if runErr == nil {
			task.Status = domain.TaskCompleted
			task.RetryCount = 0
		} else {
			task.Status = domain.TaskFailed
			task.RetryCount++
		}
		task.LastResult = &result
		if schedule, err := r.parser.Parse(task.Schedule); err == nil {
			task.NextRun = schedule.Next(r.now())
		}
	}
	r.mu.Unlock()

	r.recordRunEvent(ctx, id, name, startedAt, runErr)
	return result, nil
}

// RunAllTasks runs every enabled task concurrently and returns one result per
// enabled task, ordered by registration. Disabled tasks are not touched.
func (r *Registry) RunAllTasks(ctx context.Context) []domain.TaskResult {
	r.mu.RLock()
	ids := make([]string, 0, len(r.order))
	for _, id := range r.order {
		if r.tasks[id].Enabled {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	results := make([]domain.TaskResult, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			result, err := r.RunTask(ctx, id)
			if err != nil {
				// Unregistered between the snapshot and the run.
				result = domain.TaskResult{
					TaskID:  id,
					Success: false,
					Message: err.Error(),
					Err:     &domain.ErrorDetail{Code: "NOT_FOUND", Message: err.Error()},
				}
			}
			results[i] = result
		}(i, id)
	}
	wg.Wait()

	return results
}

// MarkSkipped records a suppressed scheduled trigger. It never changes
// RetryCount.
func (r *Registry) MarkSkipped(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if task, ok := r.tasks[id]; ok {
		task.Status = domain.TaskSkipped
		if schedule, err := r.parser.Parse(task.Schedule); err == nil {
			task.NextRun = schedule.Next(r.now())
		}
	}
}

func (r *Registry) runLock(id string) (*sync.Mutex, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lock, ok := r.runLocks[id]
	return lock, ok
}

type runOutcome struct {
	message string
	err     error
}

func (r *Registry) invoke(ctx context.Context, handler domain.TaskHandler) (string, error) {
	if r.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.runTimeout)
		defer cancel()
	}

	outcomes := make(chan runOutcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				outcomes <- runOutcome{err: fmt.Errorf("%v", rec)}
			}
		}()
		message, err := handler(ctx)
		outcomes <- runOutcome{message: message, err: err}
	}()

	select {
	case outcome := <-outcomes:
		return outcome.message, outcome.err
	case <-ctx.Done():
		// A handler that never returns is abandoned; the timeout is reported
		// like any other handler failure.
		return "", ctx.Err()
	}
}

func (r *Registry) recordRunEvent(ctx context.Context, id, name string, startedAt time.Time, runErr error) {
	event := domain.DeliveryEvent{
		SubjectID: "task-" + id,
		Type:      domain.EventSent,
		Timestamp: startedAt,
		Metadata:  map[string]string{"task_name": name},
	}
	if runErr != nil {
		event.Type = domain.EventFailed
		event.Err = &domain.ErrorDetail{Code: jobExecutionErrorCode, Message: runErr.Error()}
	}

	if err := r.events.Record(ctx, event); err != nil {
		slog.Error("Error occurred while recording task run event", "task_id", id, "error", err.Error())
	}
}
