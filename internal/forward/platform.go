// Package forward relays source chat messages to their destinations,
// live and from history.
package forward

import (
	"context"
	"time"

	"github.com/blockedby/tgrelay/internal/models"
)

// Handlers receive live events for subscribed chats.
// Each callback must not block for long; it runs on the update goroutine.
type Handlers struct {
	OnMessage func(ctx context.Context, msg models.SourceMessage)
	// OnAlbum receives a finalized group, ordered by message id.
	OnAlbum func(ctx context.Context, msgs []models.SourceMessage)
}

// HistoryQuery selects one page of chat history, newest first.
type HistoryQuery struct {
	ChatID int64
	// OffsetID returns only messages with id below it, 0 for newest.
	OffsetID int
	// OffsetDate returns only messages sent before it, zero for no bound.
	OffsetDate time.Time
	// MinID excludes messages with id at or below it.
	MinID int
	Limit int
}

// Sender performs outbound sends on the platform.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string, replyTo int) (models.SentMessage, error)
	SendMedia(ctx context.Context, chatID int64, media models.Media, caption string, replyTo int) (models.SentMessage, error)
	// SendAlbum returns one sent message per media item, in order.
	SendAlbum(ctx context.Context, chatID int64, media []models.Media, caption string, replyTo int) ([]models.SentMessage, error)
}

// Platform is the messaging client capability the relay needs.
type Platform interface {
	Sender

	// Subscribe delivers new messages and albums of chats to h until ctx is
	// cancelled (returns nil) or the connection is lost (returns the error).
	Subscribe(ctx context.Context, chats []int64, h Handlers) error

	// FetchHistory returns one page, newest message first.
	FetchHistory(ctx context.Context, q HistoryQuery) ([]models.SourceMessage, error)
}

// MappingStore resolves reply threads across chats.
type MappingStore interface {
	Put(ctx context.Context, sourceChat int64, sourceMsg int, destChat int64, destMsg int) error
	Get(ctx context.Context, sourceChat int64, sourceMsg int, destChat int64) (int, bool, error)
}

// CheckpointStore persists backfill progress per source chat.
type CheckpointStore interface {
	Load(sourceID int64) (models.Checkpoint, bool)
	Save(sourceID int64, lastMessageID int, status models.CheckpointStatus) (models.Checkpoint, error)
	Reset(sourceID int64) error
}

// EventPublisher publishes relay events
type EventPublisher interface {
	PublishForwarded(ctx context.Context, event ForwardedEvent) error
	PublishBackfill(ctx context.Context, event BackfillEvent) error
}

// ForwardedEvent is published after a confirmed send
type ForwardedEvent struct {
	Kind                  string    `json:"kind"`
	SourceChatID          int64     `json:"source_chat_id"`
	SourceMessageIDs      []int     `json:"source_message_ids"`
	DestinationChatID     int64     `json:"destination_chat_id"`
	DestinationMessageIDs []int     `json:"destination_message_ids"`
	ReplyTo               int       `json:"reply_to,omitempty"`
	ForwardedAt           time.Time `json:"forwarded_at"`
}

// backfill event stages
const (
	StageStarted     = "started"
	StageCheckpoint  = "checkpoint"
	StageCompleted   = "completed"
	StageInterrupted = "interrupted"
	StageFailed      = "failed"
	StageSkipped     = "skipped"
)

// BackfillEvent reports backfill progress of one source chat
type BackfillEvent struct {
	RunID         string    `json:"run_id"`
	SourceID      int64     `json:"source_id"`
	Stage         string    `json:"stage"`
	LastMessageID int       `json:"last_message_id"`
	Processed     int       `json:"processed"`
	Total         int       `json:"total"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
