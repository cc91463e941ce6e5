package transport

import "context"

// ChatTarget addresses a chat, optionally a forum topic inside it.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

func (t ChatTarget) Valid() bool { return t.ChatID != 0 }

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

const (
	ParseMarkdown = "Markdown"
	ParseHTML     = "HTML"
)

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Notification is one outbound message.
type Notification struct {
	Channel  string // "alerts", "admin", "log"
	Priority int    // 0 low.. 10 high
	Target   ChatTarget
	Text     string
	Options  *SendOptions
}

// Sender delivers text to a chat.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)

func (f SenderFunc) SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error) {
	return f(ctx, to, text, opt)
}
