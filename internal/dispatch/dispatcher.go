package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ergashev/TeleComfy/internal/comfy"
	"github.com/ergashev/TeleComfy/internal/sched"
	"github.com/ergashev/TeleComfy/internal/task"
	"github.com/ergashev/TeleComfy/internal/topics"
	"github.com/ergashev/TeleComfy/internal/transport"
	logx "github.com/ergashev/TeleComfy/pkg/logx"
)

// Backend is the slice of the generation API the dispatcher needs.
// *comfy.Client implements it; tests substitute a fake.
type Backend interface {
	Submit(ctx context.Context, workflow map[string]topics.WorkflowNode) (string, error)
	Watch(ctx context.Context, promptID string) (<-chan comfy.Event, error)
	Cancel(ctx context.Context, promptID string)
	UploadInput(ctx context.Context, filename string, data []byte) (string, error)
}

// TopicSource resolves a task's topic to its loaded config.
type TopicSource interface {
	ByAlias(alias string) (*topics.Config, error)
}

// Archiver persists finalized tasks. Optional.
type Archiver interface {
	ArchiveTask(t *task.Task)
}

type Config struct {
	Workers int
	// StreamTimeout bounds waiting for the first progress observation
	// after a submission.
	StreamTimeout time.Duration
	// RunTimeout bounds a task from dispatch to final result.
	RunTimeout time.Duration
}

const (
	cancelPollInterval = 500 * time.Millisecond
	progressMinGap     = 3 * time.Second
	notifyTimeout      = 15 * time.Second
)

// Dispatcher runs the worker pool. Workers take admitted task IDs from the
// scheduler, drive the backend, and report back through Release exactly
// once per task. Each terminal task produces exactly one user
// notification.
type Dispatcher struct {
	cfg      Config
	sched    *sched.Scheduler
	store    *task.Store
	topics   TopicSource
	backend  Backend
	notifier transport.Adapter
	archive  Archiver
	log      logx.Logger
}

func New(cfg Config, s *sched.Scheduler, store *task.Store, src TopicSource, backend Backend, notifier transport.Adapter, archive Archiver, log logx.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 120 * time.Second
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 300 * time.Second
	}
	return &Dispatcher{
		cfg:      cfg,
		sched:    s,
		store:    store,
		topics:   src,
		backend:  backend,
		notifier: notifier,
		archive:  archive,
		log:      log.With(logx.String("component", "dispatch")),
	}
}

// Run blocks until ctx is canceled and all workers have drained.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			d.worker(ctx, n)
		}(i)
	}
	wg.Wait()
	return nil
}

func (d *Dispatcher) worker(ctx context.Context, n int) {
	log := d.log.With(logx.Int("worker", n))
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-d.sched.Admitted():
			d.process(ctx, id, log)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, id string, log logx.Logger) {
	t, ok := d.store.Get(id)
	if !ok {
		log.Error("admitted task missing from store", logx.String("task", id))
		return
	}
	log = log.With(logx.String("task", id), logx.String("topic", t.TopicID))

	if t.CancelRequested {
		d.finalizeCanceled(t, log)
		return
	}

	topic, err := d.topics.ByAlias(t.TopicID)
	if err != nil {
		d.finalizeFailed(t, fmt.Errorf("topic %s: %w", t.TopicID, err), log)
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, d.cfg.RunTimeout)
	defer cancel()

	media, err := d.generate(runCtx, t, topic, log)
	switch {
	case err == nil:
		d.finalizeCompleted(t, media, log)
	case errors.Is(err, errCanceled):
		d.finalizeCanceled(t, log)
	default:
		d.finalizeFailed(t, err, log)
	}
}

// generate runs the full backend interaction. A transient failure gets
// one retry; anything past the first progress observation does not.
func (d *Dispatcher) generate(ctx context.Context, t *task.Task, topic *topics.Config, log logx.Logger) ([]transport.Media, error) {
	inputs, err := d.uploadInputs(ctx, t)
	if err != nil {
		return nil, err
	}

	payload, err := comfy.BuildPayload(topic, t.Prompt, t.Params, inputs)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		media, err := d.attempt(ctx, t, payload, log)
		if err == nil {
			return media, nil
		}
		if errors.Is(err, errCanceled) || !comfy.IsTransient(err) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		if attempt == 1 {
			log.Warn("attempt failed, retrying once", logx.Err(err))
		}
	}
	return nil, lastErr
}

func (d *Dispatcher) uploadInputs(ctx context.Context, t *task.Task) ([]string, error) {
	if len(t.Attachments) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(t.Attachments))
	for i, att := range t.Attachments {
		data, filename, err := d.notifier.DownloadAttachment(ctx, att)
		if err != nil {
			return nil, fmt.Errorf("download input %d: %w", i+1, err)
		}
		name, err := d.backend.UploadInput(ctx, filename, data)
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

func (d *Dispatcher) attempt(ctx context.Context, t *task.Task, payload map[string]topics.WorkflowNode, log logx.Logger) ([]transport.Media, error) {
	promptID, err := d.backend.Submit(ctx, payload)
	if err != nil {
		return nil, err
	}
	log.Debug("prompt submitted", logx.String("prompt", promptID))

	events, err := d.backend.Watch(ctx, promptID)
	if err != nil {
		d.cancelPrompt(promptID)
		// A probe that hit its own deadline while the run is still alive
		// is a stream-establishment timeout, not a run timeout.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &TimeoutError{Stage: "stream", Limit: d.cfg.StreamTimeout}
		}
		return nil, err
	}

	streamTimer := time.NewTimer(d.cfg.StreamTimeout)
	defer streamTimer.Stop()
	cancelTick := time.NewTicker(cancelPollInterval)
	defer cancelTick.Stop()
	throttle := rate.NewLimiter(rate.Every(progressMinGap), 1)
	streamed := false

	for {
		select {
		case <-ctx.Done():
			d.cancelPrompt(promptID)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &TimeoutError{Stage: "run", Limit: d.cfg.RunTimeout}
			}
			return nil, ctx.Err()

		case <-streamTimer.C:
			if streamed {
				continue
			}
			d.cancelPrompt(promptID)
			return nil, &TimeoutError{Stage: "stream", Limit: d.cfg.StreamTimeout}

		case <-cancelTick.C:
			if d.cancelRequested(t.ID) {
				d.cancelPrompt(promptID)
				return nil, errCanceled
			}

		case ev, open := <-events:
			if !open {
				if err := ctx.Err(); err != nil {
					if errors.Is(err, context.DeadlineExceeded) {
						return nil, &TimeoutError{Stage: "run", Limit: d.cfg.RunTimeout}
					}
					return nil, err
				}
				return nil, &comfy.ProtocolError{Op: "watch", Detail: "stream closed without a result"}
			}
			streamed = true

			switch ev.Phase {
			case comfy.PhaseDone:
				if len(ev.Media) == 0 {
					return nil, &comfy.ProtocolError{Op: "watch", Detail: "completed with no outputs"}
				}
				return ev.Media, nil
			case comfy.PhaseFailed:
				return nil, ev.Err
			default:
				if throttle.Allow() {
					d.editProgress(t, ev)
				}
			}
		}
	}
}

func (d *Dispatcher) cancelRequested(id string) bool {
	t, ok := d.store.Get(id)
	return ok && t.CancelRequested
}

// cancelPrompt aborts a backend prompt on a fresh context; the run
// context may already be dead.
func (d *Dispatcher) cancelPrompt(promptID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.backend.Cancel(ctx, promptID)
}

func (d *Dispatcher) editProgress(t *task.Task, ev comfy.Event) {
	if t.Placeholder.MessageID == 0 {
		return
	}
	var text string
	switch ev.Phase {
	case comfy.PhaseQueued:
		text = fmt.Sprintf("⏳ Waiting in line, %d ahead...", ev.QueuePos)
	default:
		text = "🎨 Generating..."
	}
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := d.notifier.EditText(ctx, t.Placeholder, text, nil); err != nil {
		d.log.Debug("progress edit failed", logx.String("task", t.ID), logx.Err(err))
	}
}

// ---- finalization ----

func (d *Dispatcher) finalizeCompleted(t *task.Task, media []transport.Media, log logx.Logger) {
	updated, err := d.sched.Release(t.ID, task.StatusCompleted, nil)
	if err != nil {
		log.Error("release failed", logx.Err(err))
		return
	}
	log.Info("task completed",
		logx.Duration("wait", updated.StartedAt.Sub(updated.QueuedAt)),
		logx.Duration("run", updated.FinishedAt.Sub(updated.StartedAt)),
		logx.Int("media", len(media)))

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := d.notifier.EditWithResult(ctx, updated.Placeholder, media[0], buildCaption(updated), updated.ID); err != nil {
		log.Warn("result delivery failed", logx.Err(err))
	}
	if len(media) > 1 {
		if err := d.notifier.SendExtraMedia(ctx, updated.Placeholder, media[1:]); err != nil {
			log.Warn("extra media delivery failed", logx.Err(err))
		}
	}
	d.archiveTask(updated)
}

func (d *Dispatcher) finalizeFailed(t *task.Task, cause error, log logx.Logger) {
	updated, err := d.sched.Release(t.ID, task.StatusFailed, func(u *task.Task) {
		u.FailReason = cause.Error()
	})
	if err != nil {
		log.Error("release failed", logx.Err(err))
		return
	}
	log.Error("task failed", logx.Err(cause))

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := d.notifier.SendError(ctx, updated.Placeholder, userMessage(cause)); err != nil {
		log.Warn("failure notice delivery failed", logx.Err(err))
	}
	d.archiveTask(updated)
}

func (d *Dispatcher) finalizeCanceled(t *task.Task, log logx.Logger) {
	updated, err := d.sched.Release(t.ID, task.StatusCanceled, nil)
	if err != nil {
		log.Error("release failed", logx.Err(err))
		return
	}
	log.Info("task canceled", logx.Bool("by_admin", updated.CanceledByAdmin))

	text := "🚫 Generation canceled."
	if updated.CanceledByAdmin {
		text = "🚫 Generation canceled by an administrator."
	}
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := d.notifier.SendError(ctx, updated.Placeholder, text); err != nil {
		log.Warn("cancel notice delivery failed", logx.Err(err))
	}
	d.archiveTask(updated)
}

func (d *Dispatcher) archiveTask(t *task.Task) {
	if d.archive != nil {
		d.archive.ArchiveTask(t)
	}
}

// userMessage maps an internal failure to the short notice users see.
// Details stay in the logs.
func userMessage(err error) string {
	var to *TimeoutError
	if errors.As(err, &to) {
		return "⌛ Generation timed out. Try again later."
	}
	if comfy.IsTransient(err) {
		return "⚠️ The generator is unavailable right now. Try again later."
	}
	return "⚠️ Generation failed."
}

func buildCaption(t *task.Task) string {
	var b strings.Builder
	if t.Prompt != "" {
		b.WriteString(truncate(t.Prompt, 180))
		b.WriteString("\n")
	}
	wait := t.StartedAt.Sub(t.QueuedAt).Round(time.Second)
	run := t.FinishedAt.Sub(t.StartedAt).Round(time.Second)
	if wait > 0 {
		fmt.Fprintf(&b, "⏱ waited %s, generated in %s", wait, run)
	} else {
		fmt.Fprintf(&b, "⏱ generated in %s", run)
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
