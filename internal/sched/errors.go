package sched

import (
	"errors"
	"fmt"
)

var (
	ErrStopped  = errors.New("scheduler stopped")
	ErrNotFound = errors.New("unknown task")
)

type RejectKind string

const (
	// RejectUserPending: the user already has the maximum number of
	// tasks in Pending/Queued/Running.
	RejectUserPending RejectKind = "user_pending"
)

// AdmissionRejectedError refuses a submission before it is queued.
// Carries enough for the front-end to explain the refusal.
type AdmissionRejectedError struct {
	Kind    RejectKind
	Current int
	Limit   int
}

func (e *AdmissionRejectedError) Error() string {
	return fmt.Sprintf("admission rejected (%s): %d of %d slots in use", e.Kind, e.Current, e.Limit)
}
