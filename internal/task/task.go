package task

import (
	"time"

	"github.com/ergashev/TeleComfy/internal/topics"
	"github.com/ergashev/TeleComfy/internal/transport"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether no further transition may leave the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Active reports whether the task still occupies a per-user pending slot.
func (s Status) Active() bool {
	switch s {
	case StatusPending, StatusQueued, StatusRunning:
		return true
	}
	return false
}

// Task is one generation request. The store holds the canonical copy;
// status transitions go through the scheduler, timestamps and results
// through the dispatcher.
type Task struct {
	ID       string
	TopicID  string
	UserID   int64
	Status   Status
	Modality topics.Modality

	// Params is the validated parameter map (int64/float64/string values).
	Params map[string]any
	// InlineParams names the params the user supplied explicitly;
	// regeneration keeps those and re-rolls the rest.
	InlineParams []string
	// Prompt is the derived free-text prompt.
	Prompt string
	// Attachments are the submission's media references, in order.
	Attachments []transport.Attachment

	CreatedAt  time.Time
	QueuedAt   time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	// OriginTaskID is set when this task was created via regeneration.
	OriginTaskID string

	// CancelRequested signals a running task's dispatcher to abort; the
	// task stays Running until the dispatcher confirms.
	CancelRequested bool
	CanceledByAdmin bool

	// Placeholder is the front-end acknowledgment message for this task.
	Placeholder transport.MessageRef

	// FailReason is the diagnostic detail of a failed task (logs only;
	// the user gets a generic message).
	FailReason string
}

// Clone returns a deep copy. Store reads hand out clones so callers never
// observe concurrent mutation.
func (t *Task) Clone() *Task {
	cp := *t
	if t.Params != nil {
		cp.Params = make(map[string]any, len(t.Params))
		for k, v := range t.Params {
			cp.Params[k] = v
		}
	}
	if t.InlineParams != nil {
		cp.InlineParams = append([]string(nil), t.InlineParams...)
	}
	if t.Attachments != nil {
		cp.Attachments = append([]transport.Attachment(nil), t.Attachments...)
	}
	return &cp
}
