package models

import "time"

// CheckpointStatus is the state of a backfill for one source chat.
type CheckpointStatus string

// CheckpointStatus constants. The values are persisted.
const (
	CheckpointInProgress CheckpointStatus = "in_progress"
	CheckpointCompleted  CheckpointStatus = "completed"
)

// Checkpoint records backfill progress of a source chat.
// LastMessageID never decreases within one chat's backfill.
type Checkpoint struct {
	LastMessageID int              `json:"lastMessageID"`
	Status        CheckpointStatus `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	CompletedAt   *time.Time       `json:"completedAt,omitempty"`
}

// Completed reports whether the whole configured range was drained.
func (c Checkpoint) Completed() bool {
	return c.Status == CheckpointCompleted
}

// ReplyMapping links a source message to its copy in a destination chat.
type ReplyMapping struct {
	ID                   uint      `json:"-" gorm:"primaryKey"`
	SourceChatID         int64     `json:"source_chat_id" gorm:"uniqueIndex:idx_reply_mapping_key;not null"`
	SourceMessageID      int       `json:"source_message_id" gorm:"uniqueIndex:idx_reply_mapping_key;not null"`
	DestinationChatID    int64     `json:"destination_chat_id" gorm:"uniqueIndex:idx_reply_mapping_key;not null"`
	DestinationMessageID int       `json:"destination_message_id" gorm:"not null"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// TableName sets the gorm table name.
func (ReplyMapping) TableName() string {
	return "reply_mappings"
}
