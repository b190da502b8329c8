package tasks

import (
	"github.com/freightops/relay/internal/domain"
	"github.com/freightops/relay/internal/errval"
)

const (
	TypeDocumentReminder = "document_reminder"
	TypeRetrySweep       = "retry_sweep"
)

// Factory maps the task types the admin API accepts onto the handlers built
// at startup. Handlers cannot travel over HTTP, so registration requests name
// a type and the factory supplies the invocable.
type Factory struct {
	handlers map[string]domain.TaskHandler
}

func NewFactory(reminder, sweep domain.TaskHandler) *Factory {
	return &Factory{
		handlers: map[string]domain.TaskHandler{
			TypeDocumentReminder: reminder,
			TypeRetrySweep:       sweep,
		},
	}
}

func (f *Factory) ForType(taskType string) (domain.TaskHandler, error) {
	handler, ok := f.handlers[taskType]
	if !ok {
		return nil, errval.ErrInvalidTaskType
	}
	return handler, nil
}

// Types lists the registerable task types, for validation.
func (f *Factory) Types() []string {
	names := make([]string, 0, len(f.handlers))
	for name := range f.handlers {
		names = append(names, name)
	}
	return names
}
