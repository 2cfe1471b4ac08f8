package sched

import (
	"fmt"
	"sync"
	"time"

	"github.com/ergashev/TeleComfy/internal/task"
	logx "github.com/ergashev/TeleComfy/pkg/logx"
)

// Limits are the three admission limits, read once at startup.
type Limits struct {
	// MaxWorkers bounds globally concurrent Running tasks.
	MaxWorkers int
	// PerTopic is the default per-topic Running bound; topics may
	// override it upward or downward via their config.
	PerTopic int
	// PerUserPending bounds one user's tasks in Pending/Queued/Running.
	// <= 0 disables the check.
	PerUserPending int
}

// Scheduler is the admission controller. It owns the per-topic FIFO
// queues, the global/topic/user counters, and every task status
// transition. All state is guarded by one mutex: admit and release are
// single critical sections, so counters can never over-admit.
//
// Admitted task IDs are handed to the dispatcher through Admitted();
// the dispatcher reports back via Release.
type Scheduler struct {
	limits Limits
	store  *task.Store
	log    logx.Logger

	mu      sync.Mutex
	stopped bool

	queues      map[string][]string // topic -> queued task IDs, oldest first
	ring        []string            // round-robin order of known topics
	cursor      int
	topicLimits map[string]int // per-topic override (0 = use default)

	runningGlobal int
	runningTopic  map[string]int
	userActive    map[int64]int // tasks in Pending/Queued/Running per user

	admitted chan string
}

func New(limits Limits, store *task.Store, log logx.Logger) *Scheduler {
	if limits.MaxWorkers <= 0 {
		limits.MaxWorkers = 1
	}
	if limits.PerTopic <= 0 {
		limits.PerTopic = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		limits:       limits,
		store:        store,
		log:          log,
		queues:       map[string][]string{},
		topicLimits:  map[string]int{},
		runningTopic: map[string]int{},
		userActive:   map[int64]int{},
		// Buffer of MaxWorkers: dispatchLocked only admits while
		// runningGlobal < MaxWorkers, so a send can never block.
		admitted: make(chan string, limits.MaxWorkers),
	}
}

// Admitted delivers the IDs of tasks that became Running. The dispatcher
// must call Release exactly once for every ID received.
func (s *Scheduler) Admitted() <-chan string { return s.admitted }

// Submit runs the admission check and queues the task on success.
// topicLimit overrides the default per-topic bound when > 0.
//
// On rejection the task never reaches Queued; the caller still owns the
// Pending record.
func (s *Scheduler) Submit(t *task.Task, topicLimit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}

	if lim := s.limits.PerUserPending; lim > 0 && t.UserID > 0 {
		if cur := s.userActive[t.UserID]; cur >= lim {
			return &AdmissionRejectedError{Kind: RejectUserPending, Current: cur, Limit: lim}
		}
	}

	if topicLimit > 0 {
		s.topicLimits[t.TopicID] = topicLimit
	}

	if _, err := s.store.Update(t.ID, func(u *task.Task) {
		u.Status = task.StatusQueued
		u.QueuedAt = time.Now()
	}); err != nil {
		return err
	}

	if t.UserID > 0 {
		s.userActive[t.UserID]++
	}
	if _, known := s.queues[t.TopicID]; !known {
		s.ring = append(s.ring, t.TopicID)
	}
	s.queues[t.TopicID] = append(s.queues[t.TopicID], t.ID)

	s.log.Debug("task queued",
		logx.String("task", t.ID),
		logx.String("topic", t.TopicID),
		logx.Int("queue_len", len(s.queues[t.TopicID])))

	s.dispatchLocked()
	return nil
}

// Release finalizes a Running task and frees its global and topic slots.
// Both happen inside the same critical section as the status transition:
// no exit path can leave a slot held.
//
// mutate (optional) is applied to the task together with the final status.
func (s *Scheduler) Release(id string, final task.Status, mutate func(*task.Task)) (*task.Task, error) {
	if !final.Terminal() {
		return nil, fmt.Errorf("release with non-terminal status %s", final)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.store.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	if cur.Status != task.StatusRunning {
		return nil, fmt.Errorf("release of task %s in status %s", id, cur.Status)
	}

	updated, err := s.store.Update(id, func(u *task.Task) {
		u.Status = final
		u.FinishedAt = time.Now()
		if mutate != nil {
			mutate(u)
		}
	})
	if err != nil {
		return nil, err
	}

	s.freeSlotLocked(cur.TopicID)
	s.userDoneLocked(cur.UserID)
	s.dispatchLocked()
	return updated, nil
}

// CancelOutcome tells the caller what a cancel request achieved.
type CancelOutcome int

const (
	// CancelDequeued: the task was Pending/Queued and is now Canceled.
	CancelDequeued CancelOutcome = iota
	// CancelSignaled: the task is Running; the dispatcher has been
	// signaled and will confirm the abort (or finish first).
	CancelSignaled
	// CancelNoop: the task is already terminal. Idempotent success.
	CancelNoop
)

// Cancel requests cancellation. A queued task transitions directly to
// Canceled and leaves its queue. A running task only gets the flag set;
// it stays Running until its dispatcher observes the signal.
func (s *Scheduler) Cancel(id string, byAdmin bool) (CancelOutcome, *task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.store.Get(id)
	if !ok {
		return CancelNoop, nil, ErrNotFound
	}

	switch cur.Status {
	case task.StatusCompleted, task.StatusFailed, task.StatusCanceled:
		// Cancel after terminal state is a race, not an error.
		return CancelNoop, cur, nil

	case task.StatusRunning:
		updated, err := s.store.Update(id, func(u *task.Task) {
			u.CancelRequested = true
			if byAdmin {
				u.CanceledByAdmin = true
			}
		})
		if err != nil {
			return CancelNoop, nil, err
		}
		return CancelSignaled, updated, nil

	default: // Pending or Queued
		s.dequeueLocked(cur.TopicID, id)
		updated, err := s.store.Update(id, func(u *task.Task) {
			u.Status = task.StatusCanceled
			u.FinishedAt = time.Now()
			if byAdmin {
				u.CanceledByAdmin = true
			}
		})
		if err != nil {
			return CancelNoop, nil, err
		}
		s.userDoneLocked(cur.UserID)
		s.dispatchLocked()
		return CancelDequeued, updated, nil
	}
}

// Withdraw removes a Pending task whose submission was rejected. Pending
// tasks hold no slots; only the store record goes.
func (s *Scheduler) Withdraw(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.store.Get(id)
	if !ok || cur.Status != task.StatusPending {
		return
	}
	s.store.Delete(id)
}

// Stop refuses further submissions. In-flight tasks keep their slots
// until the dispatcher releases them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

// dispatchLocked grants free slots to ready tasks. Topics take turns
// (round-robin) whenever several have ready work; within a topic the
// oldest queued task goes first.
func (s *Scheduler) dispatchLocked() {
	for s.runningGlobal < s.limits.MaxWorkers {
		topic, ok := s.pickTopicLocked()
		if !ok {
			return
		}

		q := s.queues[topic]
		id := q[0]
		s.queues[topic] = q[1:]

		if _, err := s.store.Update(id, func(u *task.Task) {
			u.Status = task.StatusRunning
			u.StartedAt = time.Now()
		}); err != nil {
			// Task vanished from the store; skip its slot.
			s.log.Error("queued task missing from store", logx.String("task", id), logx.Err(err))
			continue
		}

		s.runningGlobal++
		s.runningTopic[topic]++
		s.admitted <- id

		s.log.Debug("task admitted",
			logx.String("task", id),
			logx.String("topic", topic),
			logx.Int("running_global", s.runningGlobal),
			logx.Int("running_topic", s.runningTopic[topic]))
	}
}

// pickTopicLocked chooses the next topic with ready work and a free
// per-topic slot, starting after the last topic served.
func (s *Scheduler) pickTopicLocked() (string, bool) {
	n := len(s.ring)
	for i := 0; i < n; i++ {
		idx := (s.cursor + i) % n
		topic := s.ring[idx]
		if len(s.queues[topic]) == 0 {
			continue
		}
		if s.runningTopic[topic] >= s.effectiveLimitLocked(topic) {
			continue
		}
		s.cursor = (idx + 1) % n
		return topic, true
	}
	return "", false
}

func (s *Scheduler) effectiveLimitLocked(topic string) int {
	if lim := s.topicLimits[topic]; lim > 0 {
		return lim
	}
	return s.limits.PerTopic
}

func (s *Scheduler) dequeueLocked(topic, id string) {
	q := s.queues[topic]
	for i, qid := range q {
		if qid == id {
			s.queues[topic] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

// freeSlotLocked returns a global and topic slot. Underflow means the
// accounting guarantee is already broken: abort rather than limp on with
// corrupted counters.
func (s *Scheduler) freeSlotLocked(topic string) {
	s.runningGlobal--
	s.runningTopic[topic]--
	if s.runningGlobal < 0 || s.runningTopic[topic] < 0 {
		panic(fmt.Sprintf("slot counter underflow: global=%d topic[%s]=%d", s.runningGlobal, topic, s.runningTopic[topic]))
	}
}

func (s *Scheduler) userDoneLocked(userID int64) {
	if userID <= 0 {
		return
	}
	cur := s.userActive[userID]
	if cur <= 0 {
		panic(fmt.Sprintf("user pending counter underflow: user=%d", userID))
	}
	if cur == 1 {
		delete(s.userActive, userID)
	} else {
		s.userActive[userID] = cur - 1
	}
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	RunningGlobal int
	RunningTopic  map[string]int
	QueuedTopic   map[string]int
	UserActive    map[int64]int
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		RunningGlobal: s.runningGlobal,
		RunningTopic:  map[string]int{},
		QueuedTopic:   map[string]int{},
		UserActive:    map[int64]int{},
	}
	for k, v := range s.runningTopic {
		if v != 0 {
			snap.RunningTopic[k] = v
		}
	}
	for k, q := range s.queues {
		if len(q) > 0 {
			snap.QueuedTopic[k] = len(q)
		}
	}
	for k, v := range s.userActive {
		snap.UserActive[k] = v
	}
	return snap
}

// WillQueue estimates whether a new submission to the topic would wait
// rather than start immediately. Best effort, for placeholder wording.
func (s *Scheduler) WillQueue(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queues[topic]) > 0 {
		return true
	}
	if s.runningTopic[topic] >= s.effectiveLimitLocked(topic) {
		return true
	}
	return s.runningGlobal >= s.limits.MaxWorkers
}
