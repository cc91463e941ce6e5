package transport

import (
	"context"
	"sync/atomic"

	logx "scrapewatch/pkg/logx"
)

// LogSender writes messages to the log instead of a chat. It stands in
// when no messaging transport is configured.
type LogSender struct {
	Log logx.Logger
	seq atomic.Int64
}

func (l *LogSender) SendText(_ context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error) {
	id := l.seq.Add(1)
	l.Log.Info("outbound message", logx.Int64("chat_id", to.ChatID), logx.String("text", text))
	return MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: int(id)}, nil
}
