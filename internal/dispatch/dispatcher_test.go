package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ergashev/TeleComfy/internal/comfy"
	"github.com/ergashev/TeleComfy/internal/sched"
	"github.com/ergashev/TeleComfy/internal/task"
	"github.com/ergashev/TeleComfy/internal/topics"
	"github.com/ergashev/TeleComfy/internal/transport"
	logx "github.com/ergashev/TeleComfy/pkg/logx"
)

// ---- fakes ----

type resultCall struct {
	media   transport.Media
	caption string
	regenID string
}

type fakeAdapter struct {
	mu      sync.Mutex
	results []resultCall
	errs    []string
	extra   [][]transport.Media
	edits   []string

	// terminal is signaled once per terminal notification.
	terminal chan struct{}
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{terminal: make(chan struct{}, 16)}
}

func (a *fakeAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                           { return nil }

func (a *fakeAdapter) SendText(_ context.Context, _ transport.ChatTarget, _ string, _ *transport.SendOptions) (transport.MessageRef, error) {
	return transport.MessageRef{}, nil
}

func (a *fakeAdapter) EditText(_ context.Context, _ transport.MessageRef, text string, _ *transport.SendOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.edits = append(a.edits, text)
	return nil
}

func (a *fakeAdapter) AnswerCallback(context.Context, string, string) error { return nil }

func (a *fakeAdapter) CreatePlaceholder(_ context.Context, _ transport.ChatTarget, _ string) (transport.MessageRef, error) {
	return transport.MessageRef{ChatID: 1, MessageID: 100}, nil
}

func (a *fakeAdapter) OfferCancel(context.Context, transport.MessageRef, string) error { return nil }

func (a *fakeAdapter) EditWithResult(_ context.Context, _ transport.MessageRef, primary transport.Media, caption string, regenTaskID string) error {
	a.mu.Lock()
	a.results = append(a.results, resultCall{media: primary, caption: caption, regenID: regenTaskID})
	a.mu.Unlock()
	a.terminal <- struct{}{}
	return nil
}

func (a *fakeAdapter) SendExtraMedia(_ context.Context, _ transport.MessageRef, media []transport.Media) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.extra = append(a.extra, media)
	return nil
}

func (a *fakeAdapter) SendError(_ context.Context, _ transport.MessageRef, text string) error {
	a.mu.Lock()
	a.errs = append(a.errs, text)
	a.mu.Unlock()
	a.terminal <- struct{}{}
	return nil
}

func (a *fakeAdapter) DownloadAttachment(_ context.Context, att transport.Attachment) ([]byte, string, error) {
	return []byte("img"), att.FileID + ".png", nil
}

type fakeBackend struct {
	mu         sync.Mutex
	submits    int
	submitErrs []error // consumed one per Submit call, nil allows it
	watchErr   error   // returned by every Watch call
	events     []comfy.Event
	hold       bool // deliver nothing and keep the stream open
	canceled   []string
	uploads    []string
}

func (b *fakeBackend) Submit(context.Context, map[string]topics.WorkflowNode) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submits++
	if len(b.submitErrs) > 0 {
		err := b.submitErrs[0]
		b.submitErrs = b.submitErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return "prompt-1", nil
}

func (b *fakeBackend) Watch(context.Context, string) (<-chan comfy.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.watchErr != nil {
		return nil, b.watchErr
	}
	ch := make(chan comfy.Event, len(b.events)+1)
	if b.hold {
		return ch, nil
	}
	closed := false
	for _, ev := range b.events {
		ch <- ev
		if ev.Phase == comfy.PhaseDone || ev.Phase == comfy.PhaseFailed {
			closed = true
		}
	}
	if closed {
		close(ch)
	}
	return ch, nil
}

func (b *fakeBackend) Cancel(_ context.Context, promptID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.canceled = append(b.canceled, promptID)
}

func (b *fakeBackend) UploadInput(_ context.Context, filename string, _ []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploads = append(b.uploads, filename)
	return "uploaded_" + filename, nil
}

type fakeTopics struct{}

func (fakeTopics) ByAlias(alias string) (*topics.Config, error) {
	return &topics.Config{
		Alias: alias,
		Workflow: map[string]topics.WorkflowNode{
			"1": {ClassType: "CLIPTextEncode", Inputs: map[string]any{"text": ""}},
		},
		Nodes: []topics.NodeRule{{Type: "prompt", NodeIDs: []string{"1"}, Key: "text"}},
	}, nil
}

// ---- harness ----

type harness struct {
	store   *task.Store
	sched   *sched.Scheduler
	adapter *fakeAdapter
	backend *fakeBackend
}

func newHarness(t *testing.T, cfg Config, backend *fakeBackend) *harness {
	t.Helper()
	store := task.NewStore()
	s := sched.New(sched.Limits{MaxWorkers: 2, PerTopic: 2}, store, logx.Nop())
	adapter := newFakeAdapter()
	d := New(cfg, s, store, fakeTopics{}, backend, adapter, nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &harness{store: store, sched: s, adapter: adapter, backend: backend}
}

func (h *harness) submit(t *testing.T, prompt string) *task.Task {
	t.Helper()
	tk := h.store.Create(task.CreateSpec{
		TopicID:     "flux",
		UserID:      1,
		Prompt:      prompt,
		Placeholder: transport.MessageRef{ChatID: 1, MessageID: 100},
	})
	require.NoError(t, h.sched.Submit(tk, 0))
	return tk
}

func (h *harness) waitTerminal(t *testing.T) {
	t.Helper()
	select {
	case <-h.adapter.terminal:
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal notification")
	}
}

func media(urls ...string) []transport.Media {
	out := make([]transport.Media, 0, len(urls))
	for _, u := range urls {
		out = append(out, transport.Media{Kind: transport.MediaImage, URL: u, Filename: "out.png", Mime: "image/png"})
	}
	return out
}

// ---- tests ----

func TestDispatchCompletes(t *testing.T) {
	backend := &fakeBackend{events: []comfy.Event{
		{Phase: comfy.PhaseRunning},
		{Phase: comfy.PhaseDone, Media: media("http://b/view?1", "http://b/view?2")},
	}}
	h := newHarness(t, Config{Workers: 1}, backend)

	tk := h.submit(t, "a red fox")
	h.waitTerminal(t)

	got, _ := h.store.Get(tk.ID)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.False(t, got.FinishedAt.IsZero())

	h.adapter.mu.Lock()
	defer h.adapter.mu.Unlock()
	require.Len(t, h.adapter.results, 1)
	assert.Equal(t, "http://b/view?1", h.adapter.results[0].media.URL)
	assert.Equal(t, tk.ID, h.adapter.results[0].regenID)
	assert.Contains(t, h.adapter.results[0].caption, "a red fox")
	require.Len(t, h.adapter.extra, 1)
	assert.Len(t, h.adapter.extra[0], 1)
	assert.Empty(t, h.adapter.errs)

	assert.Equal(t, 0, h.sched.Snapshot().RunningGlobal)
}

func TestDispatchRetriesTransientOnce(t *testing.T) {
	backend := &fakeBackend{
		submitErrs: []error{&comfy.BackendError{Op: "submit", Status: 503, Transient: true}},
		events:     []comfy.Event{{Phase: comfy.PhaseDone, Media: media("http://b/view?1")}},
	}
	h := newHarness(t, Config{Workers: 1}, backend)

	tk := h.submit(t, "retry me")
	h.waitTerminal(t)

	got, _ := h.store.Get(tk.ID)
	assert.Equal(t, task.StatusCompleted, got.Status)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, 2, backend.submits)
}

func TestDispatchPermanentFailure(t *testing.T) {
	backend := &fakeBackend{
		submitErrs: []error{&comfy.BackendError{Op: "submit", Status: 400, Message: "bad workflow"}},
	}
	h := newHarness(t, Config{Workers: 1}, backend)

	tk := h.submit(t, "doomed")
	h.waitTerminal(t)

	got, _ := h.store.Get(tk.ID)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Contains(t, got.FailReason, "bad workflow")

	backend.mu.Lock()
	assert.Equal(t, 1, backend.submits)
	backend.mu.Unlock()

	h.adapter.mu.Lock()
	defer h.adapter.mu.Unlock()
	require.Len(t, h.adapter.errs, 1)
	assert.Empty(t, h.adapter.results)
	assert.Equal(t, 0, h.sched.Snapshot().RunningGlobal)
}

func TestDispatchCancelDuringRun(t *testing.T) {
	backend := &fakeBackend{hold: true}
	h := newHarness(t, Config{Workers: 1}, backend)

	tk := h.submit(t, "slow")

	// Wait for the worker to pick it up, then signal cancellation.
	require.Eventually(t, func() bool {
		got, _ := h.store.Get(tk.ID)
		return got.Status == task.StatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	out, _, err := h.sched.Cancel(tk.ID, false)
	require.NoError(t, err)
	require.Equal(t, sched.CancelSignaled, out)

	h.waitTerminal(t)

	got, _ := h.store.Get(tk.ID)
	assert.Equal(t, task.StatusCanceled, got.Status)

	backend.mu.Lock()
	assert.Equal(t, []string{"prompt-1"}, backend.canceled)
	backend.mu.Unlock()

	h.adapter.mu.Lock()
	defer h.adapter.mu.Unlock()
	require.Len(t, h.adapter.errs, 1)
	assert.Contains(t, h.adapter.errs[0], "canceled")
}

func TestDispatchStreamTimeout(t *testing.T) {
	backend := &fakeBackend{hold: true}
	h := newHarness(t, Config{Workers: 1, StreamTimeout: 50 * time.Millisecond}, backend)

	tk := h.submit(t, "silent backend")
	h.waitTerminal(t)

	got, _ := h.store.Get(tk.ID)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Contains(t, got.FailReason, "timeout (stream)")

	h.adapter.mu.Lock()
	defer h.adapter.mu.Unlock()
	require.Len(t, h.adapter.errs, 1)
	assert.Contains(t, h.adapter.errs[0], "timed out")
}

func TestDispatchProbeDeadlineIsStreamTimeout(t *testing.T) {
	backend := &fakeBackend{
		watchErr: &comfy.BackendError{Op: "queue", Message: "deadline", Transient: true, Cause: context.DeadlineExceeded},
	}
	h := newHarness(t, Config{Workers: 1, StreamTimeout: 30 * time.Second}, backend)

	tk := h.submit(t, "dead backend")
	h.waitTerminal(t)

	got, _ := h.store.Get(tk.ID)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Contains(t, got.FailReason, "timeout (stream)")

	// The undelivered prompt is withdrawn from the backend queue.
	backend.mu.Lock()
	assert.Equal(t, []string{"prompt-1"}, backend.canceled)
	backend.mu.Unlock()
}

func TestDispatchEmptyResultFails(t *testing.T) {
	backend := &fakeBackend{events: []comfy.Event{{Phase: comfy.PhaseDone}}}
	h := newHarness(t, Config{Workers: 1}, backend)

	tk := h.submit(t, "nothing came back")
	h.waitTerminal(t)

	got, _ := h.store.Get(tk.ID)
	assert.Equal(t, task.StatusFailed, got.Status)
}

func TestDispatchUploadsAttachments(t *testing.T) {
	backend := &fakeBackend{events: []comfy.Event{{Phase: comfy.PhaseDone, Media: media("http://b/view?1")}}}
	h := newHarness(t, Config{Workers: 1}, backend)

	tk := h.store.Create(task.CreateSpec{
		TopicID:     "flux",
		UserID:      1,
		Prompt:      "restyle",
		Attachments: []transport.Attachment{{FileID: "f1"}, {FileID: "f2"}},
		Placeholder: transport.MessageRef{ChatID: 1, MessageID: 100},
	})
	require.NoError(t, h.sched.Submit(tk, 0))
	h.waitTerminal(t)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, []string{"f1.png", "f2.png"}, backend.uploads)
}

func TestUserMessageMapping(t *testing.T) {
	t.Parallel()
	assert.Contains(t, userMessage(&TimeoutError{Stage: "run", Limit: time.Minute}), "timed out")
	assert.Contains(t, userMessage(&comfy.BackendError{Transient: true}), "unavailable")
	assert.Contains(t, userMessage(errors.New("boom")), "failed")
}
