package transport

import (
	"context"
	"time"
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

// ChatTarget addresses a channel inside a tenant's chat:
// the tenant's group chat plus the forum topic acting as the named channel.
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

// EmbedField is one name/value pair in a structured payload.
type EmbedField struct {
	Name  string
	Value string
}

// Payload is a structured notification body. Adapters decide how to render it
// (the Telegram adapter flattens it into an HTML message with an image link).
type Payload struct {
	Title       string
	Description string
	Color       string // hex string, advisory only; not every platform can use it
	Fields      []EmbedField
	ImageURL    string
	Footer      string
	Timestamp   time.Time
}

// Notification is what the notify service queues and delivers.
// Text and Payload may both be set; Text is sent as-is, Payload is rendered.
type Notification struct {
	Target  ChatTarget
	Text    string
	Payload *Payload
	Options *SendOptions
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendPayload(ctx context.Context, to ChatTarget, p *Payload) (MessageRef, error)
}
