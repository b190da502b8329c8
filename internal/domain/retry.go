package domain

import "time"

// MaxSendAttempts is the retry budget for a failed notification. Records that
// exhaust it stay in the queue and are reported as failed, not deleted.
const MaxSendAttempts = 3

type RetryState string

const (
	RetryPending RetryState = "pending"
	RetryFailed  RetryState = "failed"
)

type SendOptions struct {
	To           string            `json:"to"`
	Subject      string            `json:"subject"`
	TemplateName string            `json:"template_name,omitempty"`
	Data         map[string]string `json:"data,omitempty"`
}

type RetryRecord struct {
	ID             string       `json:"id"`
	OriginalSendID string       `json:"original_send_id"`
	Recipient      string       `json:"recipient"`
	Subject        string       `json:"subject"`
	TemplateName   string       `json:"template_name,omitempty"`
	Attempts       int          `json:"attempts"`
	MaxAttempts    int          `json:"max_attempts"`
	NextAttempt    time.Time    `json:"next_attempt"`
	Err            *ErrorDetail `json:"error,omitempty"`
}

// State is derived for display, it is never stored. A record past its budget
// shows as failed but remains queryable.
func (r RetryRecord) State() RetryState {
	if r.Attempts >= r.MaxAttempts {
		return RetryFailed
	}
	return RetryPending
}
