package domain

import (
	"context"
	"time"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

// TaskHandler is a single unit of scheduled work. The returned message is
// surfaced in TaskResult.Message; a non-nil error marks the run as failed.
type TaskHandler func(ctx context.Context) (string, error)

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type TaskResult struct {
	TaskID  string       `json:"task_id"`
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Err     *ErrorDetail `json:"error,omitempty"`
}

type Task struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Schedule    string        `json:"schedule"`
	Enabled     bool          `json:"enabled"`
	Handler     TaskHandler   `json:"-"`
	MaxRetries  int           `json:"max_retries"`
	RetryDelay  time.Duration `json:"retry_delay"`
	Status      TaskStatus    `json:"status"`
	LastRun     time.Time     `json:"last_run"`
	NextRun     time.Time     `json:"next_run"`
	RetryCount  int           `json:"retry_count"`
	LastResult  *TaskResult   `json:"last_result,omitempty"`
}
