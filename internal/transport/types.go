package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

// Message is an inbound submission from the chat platform.
// ThreadID is the forum topic thread the message arrived in (0 if none);
// the app resolves it to a generation topic.
type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int
	FromID       int64
	FromUsername string
	Text         string
	Caption      string

	// AlbumID groups messages that belong to one media album.
	// Messages sharing a non-empty AlbumID should be aggregated into a
	// single submission by the consumer.
	AlbumID string

	Attachments []Attachment
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	ThreadID  int
	MessageID int
	Data      string

	// FromAdmin is set when the platform reports the sender as a chat
	// administrator at callback time.
	FromAdmin bool
}

// Attachment is a reference to platform-hosted media. Bytes are fetched
// lazily via Adapter.DownloadAttachment.
type Attachment struct {
	FileID   string
	UniqueID string
	Filename string
	Mime     string
	Width    int
	Height   int
}

type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
)

// Media is one generated result item, addressable by URL on the backend.
type Media struct {
	Kind     MediaKind
	URL      string
	Filename string
	Mime     string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Adapter is the chat-platform surface the core talks to. Everything the
// scheduler and dispatcher need from the front-end goes through here, so
// tests can substitute a fake.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error

	// CreatePlaceholder posts the provisional acknowledgment for a new task.
	CreatePlaceholder(ctx context.Context, to ChatTarget, text string) (MessageRef, error)
	// OfferCancel attaches a cancel button to a queued task's placeholder.
	OfferCancel(ctx context.Context, ref MessageRef, taskID string) error
	// EditWithResult replaces the placeholder with the primary result item.
	// regenTaskID, when non-empty, attaches a regenerate button carrying it.
	EditWithResult(ctx context.Context, ref MessageRef, primary Media, caption string, regenTaskID string) error
	// SendExtraMedia delivers result items beyond the first as a follow-up album.
	SendExtraMedia(ctx context.Context, ref MessageRef, media []Media) error
	// SendError replaces the placeholder with a failure notice.
	SendError(ctx context.Context, ref MessageRef, text string) error

	DownloadAttachment(ctx context.Context, att Attachment) (data []byte, filename string, err error)
}
