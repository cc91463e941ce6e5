package notifier

import "time"

// Config controls alert delivery and the async operator pipeline.
type Config struct {
	Enabled     bool
	ChatID      int64 // alert destination
	ThreadID    int
	AdminChatID int64 // defaults to ChatID
	LogChatID   int64 // defaults to AdminChatID

	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	BatchSpacing    time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// BatchResult counts delivered and failed alerts from SendBatch.
type BatchResult struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

type HistoryItem struct {
	At      time.Time `json:"at"`
	Channel string    `json:"channel"`
	Text    string    `json:"text"`
}

// NotificationEvent is published on the event bus for delivery lifecycle events.
type NotificationEvent struct {
	Channel  string    `json:"channel"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key,omitempty"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
