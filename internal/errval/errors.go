package errval

import (
	"errors"
)

var (
	ErrInternal        = errors.New("internal server error")
	ErrNotFound        = errors.New("not found")
	ErrInvalidTask     = errors.New("invalid task definition")
	ErrInvalidSchedule = errors.New("invalid schedule expression")
	ErrInvalidTaskType = errors.New("invalid task type")
)
