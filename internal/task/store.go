package task

import (
	"crypto/rand"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ergashev/TeleComfy/internal/topics"
	"github.com/ergashev/TeleComfy/internal/transport"
)

var ErrNotFound = errors.New("task not found")

// Store is the in-memory task registry, indexed by id, topic and user.
//
// The store enforces no business rules; it only guarantees that every
// mutation is atomic and that readers never see a partially updated task.
// Status transitions are the scheduler's business.
type Store struct {
	mu      sync.RWMutex
	byID    map[string]*Task
	byTopic map[string]map[string]struct{}
	byUser  map[int64]map[string]struct{}

	entropy *ulid.MonotonicEntropy
}

func NewStore() *Store {
	return &Store{
		byID:    map[string]*Task{},
		byTopic: map[string]map[string]struct{}{},
		byUser:  map[int64]map[string]struct{}{},
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// CreateSpec carries the validated inputs for a new task.
type CreateSpec struct {
	TopicID      string
	UserID       int64
	Modality     topics.Modality
	Params       map[string]any
	InlineParams []string
	Prompt       string
	Attachments  []transport.Attachment
	OriginTaskID string
	Placeholder  transport.MessageRef
}

// Create inserts a new Pending task and returns a copy of it.
// Task IDs are monotonic ULIDs: lexicographic order is creation order,
// which the scheduler's FIFO queues rely on.
func (s *Store) Create(spec CreateSpec) *Task {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(now), s.entropy).String()
	t := &Task{
		ID:           id,
		TopicID:      spec.TopicID,
		UserID:       spec.UserID,
		Status:       StatusPending,
		Modality:     spec.Modality,
		Params:       spec.Params,
		InlineParams: spec.InlineParams,
		Prompt:       spec.Prompt,
		Attachments:  spec.Attachments,
		CreatedAt:    now,
		OriginTaskID: spec.OriginTaskID,
		Placeholder:  spec.Placeholder,
	}
	s.byID[id] = t
	s.indexAdd(t)
	return t.Clone()
}

func (s *Store) indexAdd(t *Task) {
	tt := s.byTopic[t.TopicID]
	if tt == nil {
		tt = map[string]struct{}{}
		s.byTopic[t.TopicID] = tt
	}
	tt[t.ID] = struct{}{}

	ut := s.byUser[t.UserID]
	if ut == nil {
		ut = map[string]struct{}{}
		s.byUser[t.UserID] = ut
	}
	ut[t.ID] = struct{}{}
}

func (s *Store) Get(id string) (*Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Update applies mutate to the task under the store lock. The mutation is
// atomic: concurrent readers see either the old or the new task, never a
// mix. Returns a copy of the updated task.
func (s *Store) Update(id string, mutate func(*Task)) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	mutate(t)
	return t.Clone(), nil
}

func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(id)
}

func (s *Store) deleteLocked(id string) {
	t, ok := s.byID[id]
	if !ok {
		return
	}
	delete(s.byID, id)
	if tt := s.byTopic[t.TopicID]; tt != nil {
		delete(tt, id)
		if len(tt) == 0 {
			delete(s.byTopic, t.TopicID)
		}
	}
	if ut := s.byUser[t.UserID]; ut != nil {
		delete(ut, id)
		if len(ut) == 0 {
			delete(s.byUser, t.UserID)
		}
	}
}

// PruneFinished drops terminal tasks that finalized before cutoff, so the
// registry does not grow for the lifetime of the process. Regeneration of
// a pruned task is served from the archive.
func (s *Store) PruneFinished(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var victims []string
	for id, t := range s.byID {
		if t.Status.Terminal() && !t.FinishedAt.IsZero() && t.FinishedAt.Before(cutoff) {
			victims = append(victims, id)
		}
	}
	for _, id := range victims {
		s.deleteLocked(id)
	}
	return len(victims)
}

// ListByTopic returns the topic's tasks in creation order, optionally
// filtered by status.
func (s *Store) ListByTopic(topicID string, statuses ...Status) []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.byTopic[topicID], statuses)
}

// ListByUser returns the user's tasks in creation order, optionally
// filtered by status.
func (s *Store) ListByUser(userID int64, statuses ...Status) []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.byUser[userID], statuses)
}

// CountByUser counts the user's tasks in the given statuses.
func (s *Store) CountByUser(userID int64, statuses ...Status) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for id := range s.byUser[userID] {
		if t := s.byID[id]; t != nil && matchStatus(t.Status, statuses) {
			n++
		}
	}
	return n
}

func (s *Store) collect(ids map[string]struct{}, statuses []Status) []*Task {
	out := make([]*Task, 0, len(ids))
	for id := range ids {
		t := s.byID[id]
		if t == nil || !matchStatus(t.Status, statuses) {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func matchStatus(st Status, statuses []Status) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if st == s {
			return true
		}
	}
	return false
}
