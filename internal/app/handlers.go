package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ergashev/TeleComfy/internal/params"
	"github.com/ergashev/TeleComfy/internal/sched"
	"github.com/ergashev/TeleComfy/internal/task"
	"github.com/ergashev/TeleComfy/internal/task/archive"
	"github.com/ergashev/TeleComfy/internal/topics"
	"github.com/ergashev/TeleComfy/internal/transport"
	logx "github.com/ergashev/TeleComfy/pkg/logx"
)

const replyTimeout = 15 * time.Second

func (a *App) handleMessage(ctx context.Context, m *transport.Message) {
	text := m.Text
	if text == "" {
		text = m.Caption
	}
	if strings.HasPrefix(strings.TrimSpace(text), "/") {
		a.handleCommand(ctx, m, strings.TrimSpace(text))
		return
	}
	if m.AlbumID != "" && len(m.Attachments) > 0 {
		a.albums.Add(m)
		return
	}
	a.handleSubmission(ctx, m)
}

func (a *App) handleSubmission(ctx context.Context, m *transport.Message) {
	topic, err := a.repo.ByThread(m.ThreadID)
	if err != nil {
		// Chatter outside generation threads is none of our business.
		return
	}
	log := a.log.With(
		logx.String("topic", topic.Alias),
		logx.Int64("user", m.FromID),
		logx.String("username", m.FromUsername))

	text := m.Text
	if text == "" {
		text = m.Caption
	}
	if strings.TrimSpace(text) == "" && len(m.Attachments) == 0 {
		return
	}

	in := params.Input{Text: text, AttachmentCount: len(m.Attachments)}
	if len(m.Attachments) > 0 {
		in.InputWidth = m.Attachments[0].Width
		in.InputHeight = m.Attachments[0].Height
	}

	res, err := params.Extract(topic, in)
	if err != nil {
		a.reply(ctx, m, validationText(err))
		log.Debug("submission rejected", logx.Err(err))
		return
	}

	target := transport.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
	sctx, cancel := a.sendCtx(ctx)
	ref, err := a.adapter.CreatePlaceholder(sctx, target, placeholderText(a.sched.WillQueue(topic.Alias), res.Warnings))
	cancel()
	if err != nil {
		log.Warn("placeholder failed", logx.Err(err))
		// Keep the chat target so terminal notices still land as fresh
		// messages even without a placeholder to edit.
		ref = transport.MessageRef{ChatID: target.ChatID, ThreadID: target.ThreadID}
	}

	tk := a.store.Create(task.CreateSpec{
		TopicID:      topic.Alias,
		UserID:       m.FromID,
		Modality:     topic.Modality,
		Params:       res.Params,
		InlineParams: res.Inline,
		Prompt:       res.Prompt,
		Attachments:  m.Attachments,
		Placeholder:  ref,
	})

	if err := a.submitTask(ctx, tk, topic, ref, target); err != nil {
		log.Debug("submission refused", logx.Err(err))
		return
	}
	log.Info("task submitted", logx.String("task", tk.ID), logx.Int("attachments", len(m.Attachments)))
}

// submitTask runs admission and attaches the cancel button. On rejection
// the placeholder becomes the refusal notice and the task is withdrawn.
func (a *App) submitTask(ctx context.Context, tk *task.Task, topic *topics.Config, ref transport.MessageRef, target transport.ChatTarget) error {
	err := a.sched.Submit(tk, topic.ConcurrencyLimit)
	if err == nil {
		if ref.MessageID != 0 {
			sctx, cancel := a.sendCtx(ctx)
			defer cancel()
			if err := a.adapter.OfferCancel(sctx, ref, tk.ID); err != nil {
				a.log.Debug("cancel button failed", logx.String("task", tk.ID), logx.Err(err))
			}
		}
		return nil
	}

	a.sched.Withdraw(tk.ID)

	var rej *sched.AdmissionRejectedError
	text := "⚠️ The bot is shutting down, try again later."
	if errors.As(err, &rej) {
		text = fmt.Sprintf("⛔ You already have %d of %d requests in progress. Wait for one to finish.", rej.Current, rej.Limit)
	}
	sctx, cancel := a.sendCtx(ctx)
	defer cancel()
	if ref.MessageID != 0 {
		if e := a.adapter.EditText(sctx, ref, text, nil); e == nil {
			return err
		}
	}
	_, _ = a.adapter.SendText(sctx, target, text, nil)
	return err
}

func (a *App) handleCallback(ctx context.Context, cb *transport.Callback) {
	action, id, ok := strings.Cut(cb.Data, ":")
	if !ok {
		a.answer(ctx, cb, "")
		return
	}
	switch action {
	case "cancel":
		a.handleCancel(ctx, cb, id)
	case "regen":
		a.handleRegen(ctx, cb, id)
	default:
		a.answer(ctx, cb, "")
	}
}

func (a *App) handleCancel(ctx context.Context, cb *transport.Callback, id string) {
	t, ok := a.store.Get(id)
	if !ok {
		a.answer(ctx, cb, "Unknown task.")
		return
	}
	if cb.FromID != t.UserID {
		// Chat admins may pull other users' tasks out of the queue; aborting
		// a run that already holds a worker slot is reserved for owners.
		allowed := cb.FromAdmin || a.isOwner(cb.FromID)
		if t.Status == task.StatusRunning {
			allowed = a.isOwner(cb.FromID)
		}
		if !allowed {
			a.answer(ctx, cb, "Only the requester or an admin can cancel this.")
			return
		}
	}

	out, updated, err := a.sched.Cancel(id, cb.FromID != t.UserID)
	if err != nil {
		a.answer(ctx, cb, "Unknown task.")
		return
	}
	switch out {
	case sched.CancelDequeued:
		// Never reached a worker, so the terminal notice is ours to send.
		a.answer(ctx, cb, "Canceled.")
		text := "🚫 Generation canceled."
		if updated.CanceledByAdmin {
			text = "🚫 Generation canceled by an administrator."
		}
		sctx, cancel := a.sendCtx(ctx)
		defer cancel()
		if err := a.adapter.SendError(sctx, updated.Placeholder, text); err != nil {
			a.log.Warn("cancel notice failed", logx.String("task", id), logx.Err(err))
		}
		a.archiveTask(updated)
		a.log.Info("queued task canceled", logx.String("task", id), logx.Int64("by", cb.FromID))
	case sched.CancelSignaled:
		a.answer(ctx, cb, "Canceling...")
	default:
		a.answer(ctx, cb, "Already finished.")
	}
}

func (a *App) handleRegen(ctx context.Context, cb *transport.Callback, id string) {
	spec, found := a.regenSource(ctx, id)
	if !found {
		a.answer(ctx, cb, "The original request is gone.")
		return
	}
	topic, err := a.repo.ByAlias(spec.TopicID)
	if err != nil {
		a.answer(ctx, cb, "This topic no longer exists.")
		return
	}

	// Same request, fresh seed, unless the user pinned one. A defaulted
	// seed is dropped so the payload builder rolls a new random value; an
	// explicitly submitted seed=N is part of the request and stays.
	if spec.Params != nil {
		cp := make(map[string]any, len(spec.Params))
		for k, v := range spec.Params {
			cp[k] = v
		}
		if !slices.Contains(spec.InlineParams, "seed") {
			delete(cp, "seed")
		}
		spec.Params = cp
	}

	target := transport.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}
	sctx, cancel := a.sendCtx(ctx)
	ref, err := a.adapter.CreatePlaceholder(sctx, target, placeholderText(a.sched.WillQueue(topic.Alias), nil))
	cancel()
	if err != nil {
		a.log.Warn("placeholder failed", logx.Err(err))
		ref = transport.MessageRef{ChatID: target.ChatID, ThreadID: target.ThreadID}
	}

	spec.UserID = cb.FromID
	spec.OriginTaskID = id
	spec.Placeholder = ref
	tk := a.store.Create(spec)

	if err := a.submitTask(ctx, tk, topic, ref, target); err != nil {
		a.answer(ctx, cb, "")
		return
	}
	a.answer(ctx, cb, "Requested again.")
	a.log.Info("task regenerated", logx.String("task", tk.ID), logx.String("origin", id), logx.Int64("user", cb.FromID))
}

// regenSource rebuilds a creation spec from the live store or, after a
// restart, from the archive.
func (a *App) regenSource(ctx context.Context, id string) (task.CreateSpec, bool) {
	if t, ok := a.store.Get(id); ok {
		return task.CreateSpec{
			TopicID:      t.TopicID,
			Modality:     t.Modality,
			Params:       t.Params,
			InlineParams: t.InlineParams,
			Prompt:       t.Prompt,
			Attachments:  t.Attachments,
		}, true
	}
	if a.arch == nil {
		return task.CreateSpec{}, false
	}
	rec, err := a.arch.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, archive.ErrNotFound) {
			a.log.Warn("archive lookup failed", logx.String("task", id), logx.Err(err))
		}
		return task.CreateSpec{}, false
	}
	return task.CreateSpec{
		TopicID:      rec.TopicID,
		Modality:     rec.Modality,
		Params:       rec.Params,
		InlineParams: rec.InlineParams,
		Prompt:       rec.Prompt,
		Attachments:  rec.Attachments,
	}, true
}

func (a *App) handleCommand(ctx context.Context, m *transport.Message, text string) {
	fields := strings.Fields(text)
	cmd := fields[0]
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	switch cmd {
	case "/help", "/start":
		a.replyHelp(ctx, m)
	case "/status":
		if a.isOwner(m.FromID) {
			a.reply(ctx, m, a.statusText())
		}
	}
}

func (a *App) replyHelp(ctx context.Context, m *transport.Message) {
	topic, err := a.repo.ByThread(m.ThreadID)
	if err != nil {
		aliases := a.repo.Aliases()
		sort.Strings(aliases)
		a.reply(ctx, m, "Post a prompt in one of the generation threads: "+strings.Join(aliases, ", "))
		return
	}
	a.reply(ctx, m, topicHelp(topic))
}

func topicHelp(topic *topics.Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", topic.Title)
	if topic.Description != "" {
		fmt.Fprintf(&b, "%s\n", topic.Description)
	}
	min, max := topic.AttachmentBounds()
	if max > 0 {
		if min == max {
			fmt.Fprintf(&b, "Attach %d image(s).\n", min)
		} else {
			fmt.Fprintf(&b, "Attach %d to %d images.\n", min, max)
		}
	}
	if len(topic.Params) > 0 {
		b.WriteString("Parameters:\n")
		names := make([]string, 0, len(topic.Params))
		for n := range topic.Params {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			b.WriteString("  " + paramHelp(n, topic.Params[n]) + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func paramHelp(name string, spec topics.ParamSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s=%s", name, spec.Type)
	if spec.Type == topics.ParamEnum {
		fmt.Fprintf(&b, " (%s)", strings.Join(spec.Enum, "|"))
	} else if spec.Min != nil && spec.Max != nil {
		fmt.Fprintf(&b, " (%s..%s)", trimFloat(*spec.Min), trimFloat(*spec.Max))
	}
	if spec.Default != nil {
		fmt.Fprintf(&b, ", default %v", spec.Default)
	}
	return b.String()
}

func trimFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func (a *App) statusText() string {
	snap := a.sched.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "running: %d\n", snap.RunningGlobal)
	queued := make([]string, 0, len(snap.QueuedTopic))
	for t := range snap.QueuedTopic {
		queued = append(queued, t)
	}
	sort.Strings(queued)
	for _, t := range queued {
		fmt.Fprintf(&b, "queued %s: %d\n", t, snap.QueuedTopic[t])
	}
	fmt.Fprintf(&b, "active users: %d", len(snap.UserActive))
	return b.String()
}

func (a *App) reply(ctx context.Context, m *transport.Message, text string) {
	sctx, cancel := a.sendCtx(ctx)
	defer cancel()
	target := transport.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
	if _, err := a.adapter.SendText(sctx, target, text, nil); err != nil {
		a.log.Warn("reply failed", logx.Err(err))
	}
}

func (a *App) answer(ctx context.Context, cb *transport.Callback, text string) {
	sctx, cancel := a.sendCtx(ctx)
	defer cancel()
	_ = a.adapter.AnswerCallback(sctx, cb.ID, text)
}

// sendCtx bounds a single outbound chat call. Detached from the parent's
// cancellation so in-flight replies survive shutdown, but still bounded.
func (a *App) sendCtx(context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), replyTimeout)
}

func placeholderText(willQueue bool, warnings []string) string {
	text := "🎨 Generating..."
	if willQueue {
		text = "⏳ Queued, waiting for a free slot..."
	}
	for _, w := range warnings {
		text += "\n⚠️ " + w
	}
	return text
}

func validationText(err error) string {
	var ve *params.ValidationError
	if errors.As(err, &ve) {
		return "⚠️ " + ve.Error()
	}
	return "⚠️ Could not read the request: " + err.Error()
}
