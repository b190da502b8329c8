package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/freightops/relay/internal/domain"
	"github.com/freightops/relay/internal/errval"
	"github.com/freightops/relay/internal/recovery"
	"github.com/freightops/relay/internal/scheduler"
	"github.com/freightops/relay/pkg/tasks"
)

// ServerLogic is the admin surface dashboards and operators call: task
// management, event log reads and recovery queue operations. HTTP shape lives
// in cmd/server; this layer owns the semantics.
type ServerLogic struct {
	registry *scheduler.Registry
	events   domain.EventLog
	queue    *recovery.Queue
	factory  *tasks.Factory
}

func NewServerLogic(registry *scheduler.Registry, events domain.EventLog, queue *recovery.Queue, factory *tasks.Factory) *ServerLogic {
	return &ServerLogic{
		registry: registry,
		events:   events,
		queue:    queue,
		factory:  factory,
	}
}

func (s *ServerLogic) ListTasks(_ context.Context) []domain.Task {
	return s.registry.Tasks()
}

func (s *ServerLogic) GetTask(_ context.Context, id string) (domain.Task, error) {
	task, ok := s.registry.Task(id)
	if !ok {
		return domain.Task{}, errval.ErrNotFound
	}
	return task, nil
}

func (s *ServerLogic) RegisterTask(_ context.Context, req domain.RouterRequestRegisterTask) (domain.Task, error) {
	handler, err := s.factory.ForType(req.TaskType)
	if err != nil {
		slog.Error("Unknown task type in registration request", "task_type", req.TaskType)
		return domain.Task{}, err
	}

	disabled := false
	if req.Enabled != nil {
		disabled = !*req.Enabled
	}

	task, err := s.registry.Register(scheduler.Definition{
		Name:        req.Name,
		Description: req.Description,
		Schedule:    req.Schedule,
		Handler:     handler,
		MaxRetries:  req.MaxRetries,
		RetryDelay:  time.Duration(req.RetryDelay) * time.Second,
		Disabled:    disabled,
	})
	if err != nil {
		slog.Error("Error occurred while registering task", "task_name", req.Name, "error", err.Error())
		return domain.Task{}, err
	}

	slog.Info("Task registered", "task_id", task.ID, "task_name", task.Name, "schedule", task.Schedule)
	return task, nil
}

func (s *ServerLogic) UnregisterTask(_ context.Context, id string) error {
	if err := s.registry.Unregister(id); err != nil {
		slog.Info("Task not found for unregistration", "task_id", id)
		return err
	}
	slog.Info("Task unregistered", "task_id", id)
	return nil
}

func (s *ServerLogic) RunTask(ctx context.Context, id string) (domain.TaskResult, error) {
	result, err := s.registry.RunTask(ctx, id)
	if err != nil {
		slog.Info("Task not found for run", "task_id", id)
		return domain.TaskResult{}, err
	}
	return result, nil
}

func (s *ServerLogic) RunAllTasks(ctx context.Context) []domain.TaskResult {
	return s.registry.RunAllTasks(ctx)
}

func (s *ServerLogic) RecentEvents(ctx context.Context, limit int) ([]domain.DeliveryEvent, error) {
	events, err := s.events.RecentEvents(ctx, limit)
	if err != nil {
		slog.ErrorContext(ctx, "error occurred while calling events.RecentEvents", "error", err)
		return nil, errval.ErrInternal
	}
	return events, nil
}

func (s *ServerLogic) FailedEvents(ctx context.Context, limit int) ([]domain.DeliveryEvent, error) {
	events, err := s.events.FailedEvents(ctx, limit)
	if err != nil {
		slog.ErrorContext(ctx, "error occurred while calling events.FailedEvents", "error", err)
		return nil, errval.ErrInternal
	}
	return events, nil
}

func (s *ServerLogic) EventsByType(ctx context.Context, eventType domain.EventType) ([]domain.DeliveryEvent, error) {
	events, err := s.events.EventsByType(ctx, eventType)
	if err != nil {
		slog.ErrorContext(ctx, "error occurred while calling events.EventsByType", "event_type", string(eventType), "error", err)
		return nil, errval.ErrInternal
	}
	return events, nil
}

// RecordEvent lets outer components (document preview, upload handlers)
// append to the audit log through the same choke point everything else uses.
func (s *ServerLogic) RecordEvent(ctx context.Context, event domain.DeliveryEvent) error {
	if err := s.events.Record(ctx, event); err != nil {
		slog.ErrorContext(ctx, "error occurred while calling events.Record", "subject_id", event.SubjectID, "error", err)
		return errval.ErrInternal
	}
	return nil
}

func (s *ServerLogic) RetryRecords(_ context.Context) []domain.RetryRecord {
	return s.queue.Records()
}

func (s *ServerLogic) RetryRecordsByRecipient(_ context.Context, recipient string) []domain.RetryRecord {
	return s.queue.RecordsByRecipient(recipient)
}

func (s *ServerLogic) RetryOne(ctx context.Context, id string) (bool, error) {
	ok, err := s.queue.Retry(ctx, id)
	if err != nil {
		slog.Info("Retry record not found", "record_id", id)
		return false, err
	}
	return ok, nil
}

func (s *ServerLogic) Bounce(ctx context.Context, req domain.RouterRequestBounce) {
	slog.Info("Processing bounce", "send_id", req.SendID, "recipient", req.Recipient, "reason", req.Reason)
	s.queue.HandleBounce(ctx, req.SendID, req.Recipient, req.Reason)
}
