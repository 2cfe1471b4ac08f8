package telegram

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	cache "github.com/patrickmn/go-cache"
	tele "gopkg.in/telebot.v4"

	rtsup "github.com/ergashev/TeleComfy/internal/runtime/supervisor"
	kit "github.com/ergashev/TeleComfy/internal/transport"
	logx "github.com/ergashev/TeleComfy/pkg/logx"
)

type Config struct {
	Token string

	// AllowedChatID is the single group the adapter serves. Updates from
	// any other chat are dropped before they reach the core.
	AllowedChatID int64

	// OwnerUserIDs are always reported as admins on callbacks.
	OwnerUserIDs []int64

	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // stores (chan<- kit.Update)
	runMu   sync.Mutex
	running bool

	// sup owns adapter internal goroutines (poll loop, drop logger).
	// Created on Start(), cancelled on Stop().
	sup *rtsup.Supervisor

	// droppedUpdates counts updates dropped because the consumer was
	// slower than the poll loop. Logged periodically, not per update.
	droppedUpdates uint64

	// admins caches chat-admin lookups so cancel callbacks do not hit
	// getChatMember on every tap.
	admins *cache.Cache
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg:    cfg,
		log:    log,
		bot:    b,
		admins: cache.New(5*time.Minute, 10*time.Minute),
	}
	// Ensure atomic.Value is initialized with a stable dynamic type.
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	// Handlers forward to the CURRENT output channel. Start() may swap it.
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		a.sendUpdate(kit.Update{Kind: kit.UpdateMessage, Message: a.convertMessage(m, nil)})
		return nil
	})

	a.bot.Handle(tele.OnPhoto, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil || m.Photo == nil {
			return nil
		}
		att := kit.Attachment{
			FileID:   m.Photo.FileID,
			UniqueID: m.Photo.UniqueID,
			Mime:     "image/jpeg",
			Width:    m.Photo.Width,
			Height:   m.Photo.Height,
		}
		a.sendUpdate(kit.Update{Kind: kit.UpdateMessage, Message: a.convertMessage(m, []kit.Attachment{att})})
		return nil
	})

	a.bot.Handle(tele.OnDocument, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil || m.Document == nil {
			return nil
		}
		// Only image documents are usable as generation inputs.
		if !strings.HasPrefix(m.Document.MIME, "image/") {
			return nil
		}
		att := kit.Attachment{
			FileID:   m.Document.FileID,
			UniqueID: m.Document.UniqueID,
			Filename: m.Document.FileName,
			Mime:     m.Document.MIME,
		}
		a.sendUpdate(kit.Update{Kind: kit.UpdateMessage, Message: a.convertMessage(m, []kit.Attachment{att})})
		return nil
	})

	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		m := c.Message()
		if cb == nil || m == nil || m.Chat == nil {
			return nil
		}
		a.sendUpdate(kit.Update{
			Kind: kit.UpdateCallback,
			Callback: &kit.Callback{
				ID:        cb.ID,
				FromID:    cb.Sender.ID,
				ChatID:    m.Chat.ID,
				ThreadID:  m.ThreadID,
				MessageID: m.ID,
				Data:      strings.TrimSpace(cb.Data),
				FromAdmin: a.isAdmin(m.Chat, cb.Sender),
			},
		})
		return nil
	})
}

func (a *Adapter) convertMessage(m *tele.Message, atts []kit.Attachment) *kit.Message {
	return &kit.Message{
		ID:           m.ID,
		ChatID:       m.Chat.ID,
		ThreadID:     m.ThreadID,
		FromID:       m.Sender.ID,
		FromUsername: m.Sender.Username,
		Text:         m.Text,
		Caption:      m.Caption,
		AlbumID:      m.AlbumID,
		Attachments:  atts,
	}
}

func (a *Adapter) isAdmin(chat *tele.Chat, user *tele.User) bool {
	if user == nil {
		return false
	}
	for _, id := range a.cfg.OwnerUserIDs {
		if id == user.ID {
			return true
		}
	}
	key := strings.Join([]string{chat.Recipient(), user.Recipient()}, ":")
	if v, found := a.admins.Get(key); found {
		return v.(bool)
	}
	member, err := a.bot.ChatMemberOf(chat, user)
	if err != nil {
		a.log.Debug("chat member lookup failed", logx.Int64("user", user.ID), logx.Err(err))
		return false
	}
	admin := member.Role == tele.Administrator || member.Role == tele.Creator
	a.admins.SetDefault(key, admin)
	return admin
}

func (a *Adapter) sendUpdate(up kit.Update) {
	if a.cfg.AllowedChatID != 0 {
		var chatID int64
		switch {
		case up.Message != nil:
			chatID = up.Message.ChatID
		case up.Callback != nil:
			chatID = up.Callback.ChatID
		}
		if chatID != a.cfg.AllowedChatID {
			return
		}
	}
	v := a.out.Load()
	out, _ := v.(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	// Periodic summary for dropped updates (avoid noisy per-update logs).
	sup.Go("updates.drop_report", func(c context.Context) error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n))
				}
				return nil
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n))
				}
			}
		}
	})

	// Stop telebot when the adapter context is cancelled.
	sup.Go("telebot.stop_on_cancel", func(c context.Context) error {
		<-c.Done()
		if a.bot != nil {
			a.bot.Stop()
		}
		return nil
	})

	// Telebot's Start() is a long-running loop. In some failure modes it
	// can exit unexpectedly; run it under a restart loop so the adapter
	// self-heals.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		if a.bot != nil {
			a.bot.Start()
		}
		a.log.Info("polling stopped")
		return nil
	})

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if sup != nil {
		sup.Cancel()
	}
	// telebot Stop is expected to be fast; run it async just in case.
	if a.bot != nil {
		go a.bot.Stop()
	}
	if sup == nil {
		return nil
	}

	// Grace window: keep shutdown snappy even if the long-poll is still
	// waiting on Telegram.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		a.log.Warn("telegram stop timed out", logx.Err(err))
	}
	return nil
}

const telegramTextLimit = 4000

// splitText splits long messages into chunks Telegram accepts, preferring
// newline boundaries.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	var first kit.MessageRef
	for i, chunk := range splitText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	chunks := splitText(text, telegramTextLimit)
	_, err := a.bot.Edit(m, chunks[0], &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
	})
	return err
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
}

func (a *Adapter) CreatePlaceholder(ctx context.Context, to kit.ChatTarget, text string) (kit.MessageRef, error) {
	return a.SendText(ctx, to, text, nil)
}

func (a *Adapter) OfferCancel(ctx context.Context, ref kit.MessageRef, taskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	_, err := a.bot.EditReplyMarkup(m, inlineMarkup("🚫 Cancel", "cancel:"+taskID))
	return err
}

func (a *Adapter) EditWithResult(ctx context.Context, ref kit.MessageRef, primary kit.Media, caption string, regenTaskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var markup *tele.ReplyMarkup
	if regenTaskID != "" {
		markup = inlineMarkup("🔁 Again", "regen:"+regenTaskID)
	}

	media := toInputtable(primary, caption)
	if ref.MessageID != 0 {
		m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
		var err error
		if markup != nil {
			_, err = a.bot.EditMedia(m, media, markup)
		} else {
			_, err = a.bot.EditMedia(m, media)
		}
		if err == nil {
			return nil
		}
		// A plain text placeholder cannot be edited into media. Replace it.
		a.log.Debug("media edit failed, resending", logx.Err(err))
		_ = a.bot.Delete(m)
	}

	opts := &tele.SendOptions{ThreadID: ref.ThreadID}
	if markup != nil {
		opts.ReplyMarkup = markup
	}
	_, err := a.bot.Send(&tele.Chat{ID: ref.ChatID}, media, opts)
	return err
}

func (a *Adapter) SendExtraMedia(ctx context.Context, ref kit.MessageRef, media []kit.Media) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chat := &tele.Chat{ID: ref.ChatID}
	// Telegram albums carry at most 10 items.
	for len(media) > 0 {
		n := len(media)
		if n > 10 {
			n = 10
		}
		album := make(tele.Album, 0, n)
		for _, m := range media[:n] {
			album = append(album, toInputtable(m, ""))
		}
		media = media[n:]
		if _, err := a.bot.SendAlbum(chat, album, &tele.SendOptions{ThreadID: ref.ThreadID}); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) SendError(ctx context.Context, ref kit.MessageRef, text string) error {
	if ref.MessageID != 0 {
		if err := a.EditText(ctx, ref, text, nil); err == nil {
			return nil
		}
		// The placeholder may be gone; fall back to a fresh message.
	}
	_, err := a.SendText(ctx, kit.ChatTarget{ChatID: ref.ChatID, ThreadID: ref.ThreadID}, text, nil)
	return err
}

func (a *Adapter) DownloadAttachment(ctx context.Context, att kit.Attachment) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	rc, err := a.bot.File(&tele.File{FileID: att.FileID})
	if err != nil {
		return nil, "", err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, "", err
	}
	name := att.Filename
	if name == "" {
		name = att.UniqueID + ".jpg"
	}
	return data, name, nil
}

func inlineMarkup(label, data string) *tele.ReplyMarkup {
	return &tele.ReplyMarkup{
		InlineKeyboard: [][]tele.InlineButton{{{Text: label, Data: data}}},
	}
}

func toInputtable(m kit.Media, caption string) tele.Inputtable {
	f := tele.FromURL(m.URL)
	switch m.Kind {
	case kit.MediaVideo:
		return &tele.Video{File: f, Caption: caption}
	case kit.MediaAudio:
		return &tele.Audio{File: f, Caption: caption, FileName: m.Filename}
	default:
		return &tele.Photo{File: f, Caption: caption}
	}
}
