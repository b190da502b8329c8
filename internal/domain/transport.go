package domain

import (
	"context"
	"errors"
)

type SendResult struct {
	MessageID string `json:"message_id"`
}

// Transport delivers a single notification. Implementations classify their
// failures by returning *TransportError so callers never inspect message text.
type Transport interface {
	Send(ctx context.Context, opts SendOptions) (SendResult, error)
}

type TransportError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *TransportError) Error() string {
	return e.Message
}

// IsRetryableSendError reports whether a failed send is worth re-attempting.
// Timeouts count as transient; anything that is not a classified transport
// failure is treated as permanent so bad addresses never burn retry budget.
func IsRetryableSendError(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
