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

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

// EntitySpan is a rich-text span attached to outgoing post text.
// Offsets are UTF-16 code units, matching the Telegram wire format.
type EntitySpan struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
	URL    string `json:"url,omitempty"`
}

// MediaItem is one media asset of an outgoing post.
// Ref is either an https URL or a local file path.
type MediaItem struct {
	Ref  string `json:"ref"`
	Kind string `json:"kind"` // "photo" | "video"
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Entities       []EntitySpan
	ReplyTo        int
	ReplyMarkup    any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

// Adapter is the narrow messaging-layer surface the core depends on.
//
// Start delivers inbound updates on out until Stop or ctx cancellation.
// SendAlbum posts text plus media as a single grouped message.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendAlbum(ctx context.Context, to ChatTarget, text string, media []MediaItem, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}
