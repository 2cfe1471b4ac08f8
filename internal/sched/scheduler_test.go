package sched

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ergashev/TeleComfy/internal/task"
	logx "github.com/ergashev/TeleComfy/pkg/logx"
)

func newTestScheduler(t *testing.T, limits Limits) (*Scheduler, *task.Store) {
	t.Helper()
	store := task.NewStore()
	return New(limits, store, logx.Nop()), store
}

func submit(t *testing.T, s *Scheduler, store *task.Store, topic string, user int64) *task.Task {
	t.Helper()
	tk := store.Create(task.CreateSpec{TopicID: topic, UserID: user})
	require.NoError(t, s.Submit(tk, 0))
	return tk
}

// drain receives every currently admitted task ID without blocking.
func drain(s *Scheduler) []string {
	var out []string
	for {
		select {
		case id := <-s.Admitted():
			out = append(out, id)
		default:
			return out
		}
	}
}

func TestAdmitWithinLimits(t *testing.T) {
	t.Parallel()
	s, store := newTestScheduler(t, Limits{MaxWorkers: 2, PerTopic: 2, PerUserPending: 10})

	a := submit(t, s, store, "flux", 1)
	b := submit(t, s, store, "flux", 1)
	c := submit(t, s, store, "flux", 1)

	admitted := drain(s)
	assert.Equal(t, []string{a.ID, b.ID}, admitted)

	got, _ := store.Get(c.ID)
	assert.Equal(t, task.StatusQueued, got.Status)

	_, err := s.Release(a.ID, task.StatusCompleted, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID}, drain(s))
}

func TestPerTopicLimit(t *testing.T) {
	t.Parallel()
	s, store := newTestScheduler(t, Limits{MaxWorkers: 4, PerTopic: 1})

	a := submit(t, s, store, "flux", 1)
	b := submit(t, s, store, "flux", 2)

	assert.Equal(t, []string{a.ID}, drain(s))

	got, _ := store.Get(b.ID)
	assert.Equal(t, task.StatusQueued, got.Status)

	// Freeing the topic slot admits the next task of the same topic.
	_, err := s.Release(a.ID, task.StatusCompleted, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, drain(s))
}

func TestTopicLimitOverride(t *testing.T) {
	t.Parallel()
	s, store := newTestScheduler(t, Limits{MaxWorkers: 4, PerTopic: 1})

	a := store.Create(task.CreateSpec{TopicID: "video", UserID: 1})
	b := store.Create(task.CreateSpec{TopicID: "video", UserID: 2})
	require.NoError(t, s.Submit(a, 2))
	require.NoError(t, s.Submit(b, 2))

	assert.Len(t, drain(s), 2)
}

func TestPerUserPendingLimit(t *testing.T) {
	t.Parallel()
	s, store := newTestScheduler(t, Limits{MaxWorkers: 1, PerTopic: 1, PerUserPending: 2})

	a := submit(t, s, store, "flux", 7)
	_ = submit(t, s, store, "flux", 7)

	third := store.Create(task.CreateSpec{TopicID: "flux", UserID: 7})
	err := s.Submit(third, 0)

	var rej *AdmissionRejectedError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, RejectUserPending, rej.Kind)
	assert.Equal(t, 2, rej.Current)
	assert.Equal(t, 2, rej.Limit)

	// Rejected task was never queued.
	got, _ := store.Get(third.ID)
	assert.Equal(t, task.StatusPending, got.Status)

	// Other users are unaffected.
	_ = submit(t, s, store, "flux", 8)

	// After one of the user's tasks finishes, a new submission passes.
	require.Equal(t, []string{a.ID}, drain(s))
	_, err = s.Release(a.ID, task.StatusCompleted, nil)
	require.NoError(t, err)
	_ = submit(t, s, store, "flux", 7)
}

func TestFIFOWithinTopic(t *testing.T) {
	t.Parallel()
	s, store := newTestScheduler(t, Limits{MaxWorkers: 1, PerTopic: 1})

	running := submit(t, s, store, "flux", 1)
	first := submit(t, s, store, "flux", 2)
	second := submit(t, s, store, "flux", 3)
	require.Equal(t, []string{running.ID}, drain(s))

	_, err := s.Release(running.ID, task.StatusCompleted, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{first.ID}, drain(s))

	_, err = s.Release(first.ID, task.StatusCompleted, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{second.ID}, drain(s))
}

func TestRoundRobinAcrossTopics(t *testing.T) {
	t.Parallel()
	s, store := newTestScheduler(t, Limits{MaxWorkers: 1, PerTopic: 1})

	busy := submit(t, s, store, "flux", 1)
	require.Equal(t, []string{busy.ID}, drain(s))

	// Both topics now have ready tasks; only one global slot exists.
	a1 := submit(t, s, store, "alpha", 2)
	b1 := submit(t, s, store, "beta", 3)
	a2 := submit(t, s, store, "alpha", 4)
	b2 := submit(t, s, store, "beta", 5)

	// Repeated slot frees alternate between the topics instead of
	// draining one topic first.
	var order []string
	prev := busy.ID
	for i := 0; i < 4; i++ {
		_, err := s.Release(prev, task.StatusCompleted, nil)
		require.NoError(t, err)
		got := drain(s)
		require.Len(t, got, 1)
		order = append(order, got[0])
		prev = got[0]
	}
	assert.Equal(t, []string{a1.ID, b1.ID, a2.ID, b2.ID}, order)
}

func TestCancelQueued(t *testing.T) {
	t.Parallel()
	s, store := newTestScheduler(t, Limits{MaxWorkers: 1, PerTopic: 1, PerUserPending: 1})

	running := submit(t, s, store, "flux", 1)
	queued := submit(t, s, store, "flux", 2)
	require.Equal(t, []string{running.ID}, drain(s))

	out, got, err := s.Cancel(queued.ID, false)
	require.NoError(t, err)
	assert.Equal(t, CancelDequeued, out)
	assert.Equal(t, task.StatusCanceled, got.Status)
	assert.False(t, got.FinishedAt.IsZero())

	// The canceled task freed its user slot immediately.
	_ = submit(t, s, store, "flux", 2)

	// It must not be admitted later.
	_, err = s.Release(running.ID, task.StatusCompleted, nil)
	require.NoError(t, err)
	admitted := drain(s)
	require.Len(t, admitted, 1)
	assert.NotEqual(t, queued.ID, admitted[0])
}

func TestCancelRunningIsSignalOnly(t *testing.T) {
	t.Parallel()
	s, store := newTestScheduler(t, Limits{MaxWorkers: 1, PerTopic: 1})

	tk := submit(t, s, store, "flux", 1)
	require.Equal(t, []string{tk.ID}, drain(s))

	out, got, err := s.Cancel(tk.ID, false)
	require.NoError(t, err)
	assert.Equal(t, CancelSignaled, out)
	assert.Equal(t, task.StatusRunning, got.Status)
	assert.True(t, got.CancelRequested)

	// The dispatcher later confirms the abort.
	final, err := s.Release(tk.ID, task.StatusCanceled, nil)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCanceled, final.Status)
	assert.Equal(t, 0, s.Snapshot().RunningGlobal)
}

func TestCancelIdempotent(t *testing.T) {
	t.Parallel()
	s, store := newTestScheduler(t, Limits{MaxWorkers: 1, PerTopic: 1})

	tk := submit(t, s, store, "flux", 1)
	require.Equal(t, []string{tk.ID}, drain(s))
	_, err := s.Release(tk.ID, task.StatusCompleted, nil)
	require.NoError(t, err)

	// Cancel after terminal state: success, no state change.
	out, got, err := s.Cancel(tk.ID, false)
	require.NoError(t, err)
	assert.Equal(t, CancelNoop, out)
	assert.Equal(t, task.StatusCompleted, got.Status)

	out, _, err = s.Cancel(tk.ID, false)
	require.NoError(t, err)
	assert.Equal(t, CancelNoop, out)
}

func TestSlotConservation(t *testing.T) {
	t.Parallel()
	const total = 100
	s, store := newTestScheduler(t, Limits{MaxWorkers: 5, PerTopic: 5})

	topicsList := []string{"a", "b", "c"}
	for i := 0; i < total; i++ {
		_ = submit(t, s, store, topicsList[i%len(topicsList)], int64(i+1))
	}

	finished := 0
	for finished < total {
		snap := s.Snapshot()
		require.LessOrEqual(t, snap.RunningGlobal, 5)
		for topic, n := range snap.RunningTopic {
			require.LessOrEqual(t, n, 5, "topic %s", topic)
		}

		admitted := drain(s)
		require.NotEmpty(t, admitted)
		for _, id := range admitted {
			_, err := s.Release(id, task.StatusCompleted, nil)
			require.NoError(t, err)
			finished++
		}
	}

	snap := s.Snapshot()
	assert.Equal(t, 0, snap.RunningGlobal)
	assert.Empty(t, snap.RunningTopic)
	assert.Empty(t, snap.QueuedTopic)
	assert.Empty(t, snap.UserActive)
}

func TestReleaseRequiresRunning(t *testing.T) {
	t.Parallel()
	s, store := newTestScheduler(t, Limits{MaxWorkers: 1, PerTopic: 1})

	running := submit(t, s, store, "flux", 1)
	queued := submit(t, s, store, "flux", 2)
	require.Equal(t, []string{running.ID}, drain(s))

	_, err := s.Release(queued.ID, task.StatusCompleted, nil)
	require.Error(t, err)

	_, err = s.Release(running.ID, task.StatusPending, nil)
	require.Error(t, err)
}

func TestStopRefusesSubmissions(t *testing.T) {
	t.Parallel()
	s, store := newTestScheduler(t, Limits{MaxWorkers: 1, PerTopic: 1})
	s.Stop()
	tk := store.Create(task.CreateSpec{TopicID: "flux", UserID: 1})
	assert.ErrorIs(t, s.Submit(tk, 0), ErrStopped)
}

func TestWillQueue(t *testing.T) {
	t.Parallel()
	s, store := newTestScheduler(t, Limits{MaxWorkers: 1, PerTopic: 1})

	assert.False(t, s.WillQueue("flux"))
	_ = submit(t, s, store, "flux", 1)
	assert.True(t, s.WillQueue("flux"))
	assert.True(t, s.WillQueue("other"))
}
