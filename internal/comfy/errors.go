package comfy

import (
	"errors"
	"fmt"
)

// BackendError is a failed interaction with the generation backend.
// Transient errors (network, 5xx, 429) are worth one retry; everything
// else is permanent for the submitting task.
type BackendError struct {
	Op        string
	Status    int
	Message   string
	Transient bool

	// Cause keeps the underlying transport error, when there is one, so
	// callers can still match context deadlines with errors.Is.
	Cause error
}

func (e *BackendError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("comfy %s: status %d: %s", e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("comfy %s: %s", e.Op, e.Message)
}

func (e *BackendError) Unwrap() error { return e.Cause }

// ProtocolError is a response the client could not make sense of.
type ProtocolError struct {
	Op     string
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("comfy %s: unexpected response: %s", e.Op, e.Detail)
}

// IsTransient reports whether err is a backend error worth retrying.
func IsTransient(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Transient
}
