package dispatch

import (
	"errors"
	"fmt"
	"time"
)

// errCanceled aborts an attempt when the task's cancel flag is observed.
var errCanceled = errors.New("canceled by user")

// TimeoutError marks a task that exceeded one of the two deadlines:
// "stream" (no progress stream within the ws timeout) or "run" (the
// whole generation overran).
type TimeoutError struct {
	Stage string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout (%s) after %s", e.Stage, e.Limit)
}
