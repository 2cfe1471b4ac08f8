package task

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAssignsOrderedIDs(t *testing.T) {
	t.Parallel()
	s := NewStore()

	var prev string
	for i := 0; i < 50; i++ {
		tk := s.Create(CreateSpec{TopicID: "flux", UserID: 1})
		require.NotEmpty(t, tk.ID)
		if prev != "" {
			assert.Greater(t, tk.ID, prev, "IDs must sort in creation order")
		}
		prev = tk.ID
	}
}

func TestGetReturnsClone(t *testing.T) {
	t.Parallel()
	s := NewStore()
	tk := s.Create(CreateSpec{TopicID: "flux", UserID: 1, Params: map[string]any{"seed": int64(1)}})

	got, ok := s.Get(tk.ID)
	require.True(t, ok)
	got.Params["seed"] = int64(999)
	got.Status = StatusFailed

	again, _ := s.Get(tk.ID)
	assert.Equal(t, int64(1), again.Params["seed"])
	assert.Equal(t, StatusPending, again.Status)
}

func TestUpdateMutatesAtomically(t *testing.T) {
	t.Parallel()
	s := NewStore()
	tk := s.Create(CreateSpec{TopicID: "flux", UserID: 1})

	updated, err := s.Update(tk.ID, func(u *Task) {
		u.Status = StatusQueued
	})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, updated.Status)

	_, err = s.Update("missing", func(u *Task) {})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteCleansIndexes(t *testing.T) {
	t.Parallel()
	s := NewStore()
	tk := s.Create(CreateSpec{TopicID: "flux", UserID: 7})
	s.Delete(tk.ID)

	_, ok := s.Get(tk.ID)
	assert.False(t, ok)
	assert.Empty(t, s.ListByTopic("flux"))
	assert.Empty(t, s.ListByUser(7))
}

func TestListFiltersByStatus(t *testing.T) {
	t.Parallel()
	s := NewStore()
	a := s.Create(CreateSpec{TopicID: "flux", UserID: 7})
	b := s.Create(CreateSpec{TopicID: "flux", UserID: 7})
	_, err := s.Update(b.ID, func(u *Task) { u.Status = StatusRunning })
	require.NoError(t, err)

	running := s.ListByUser(7, StatusRunning)
	require.Len(t, running, 1)
	assert.Equal(t, b.ID, running[0].ID)

	all := s.ListByTopic("flux")
	require.Len(t, all, 2)
	assert.Equal(t, a.ID, all[0].ID)

	assert.Equal(t, 1, s.CountByUser(7, StatusPending))
	assert.Equal(t, 2, s.CountByUser(7))
}

func TestPruneFinished(t *testing.T) {
	t.Parallel()
	s := NewStore()

	old := s.Create(CreateSpec{TopicID: "flux", UserID: 7})
	_, err := s.Update(old.ID, func(u *Task) {
		u.Status = StatusCompleted
		u.FinishedAt = time.Now().Add(-time.Hour)
	})
	require.NoError(t, err)

	fresh := s.Create(CreateSpec{TopicID: "flux", UserID: 7})
	_, err = s.Update(fresh.ID, func(u *Task) {
		u.Status = StatusFailed
		u.FinishedAt = time.Now()
	})
	require.NoError(t, err)

	// Active tasks are never pruned, however old.
	active := s.Create(CreateSpec{TopicID: "flux", UserID: 7})

	n := s.PruneFinished(time.Now().Add(-30 * time.Minute))
	assert.Equal(t, 1, n)

	_, ok := s.Get(old.ID)
	assert.False(t, ok)
	_, ok = s.Get(fresh.ID)
	assert.True(t, ok)
	_, ok = s.Get(active.ID)
	assert.True(t, ok)
	assert.Len(t, s.ListByUser(7), 2)
}

func TestStoreConcurrentAccess(t *testing.T) {
	t.Parallel()
	s := NewStore()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				tk := s.Create(CreateSpec{TopicID: "flux", UserID: int64(n)})
				_, _ = s.Update(tk.ID, func(u *Task) { u.Status = StatusQueued })
				_, _ = s.Get(tk.ID)
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, s.ListByTopic("flux"), 400)
}
