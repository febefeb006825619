package models

import "time"

// MediaKind is the type of a media attachment.
type MediaKind string

// MediaKind constants.
const (
	MediaPhoto    MediaKind = "photo"
	MediaDocument MediaKind = "document"
)

// Media references an attachment already stored on the platform.
// It can be re-sent without downloading.
type Media struct {
	Kind          MediaKind `json:"kind"`
	ID            int64     `json:"id"`
	AccessHash    int64     `json:"access_hash"`
	FileReference []byte    `json:"file_reference,omitempty"`
}

// SourceMessage is a message read from a source chat.
type SourceMessage struct {
	ID        int       // message id (unique within chat)
	ChatID    int64     // chat id
	Text      string    // text or caption
	Media     *Media    // attachment, nil when none
	ReplyToID int       // id of replied message, 0 when not a reply
	GroupedID int64     // album id, 0 when not grouped
	Date      time.Time // creation timestamp
}

// HasText reports whether the message carries text.
func (m SourceMessage) HasText() bool {
	return m.Text != ""
}

// HasMedia reports whether the message carries an attachment.
func (m SourceMessage) HasMedia() bool {
	return m.Media != nil
}

// IsReply reports whether the message replies to another one.
func (m SourceMessage) IsReply() bool {
	return m.ReplyToID != 0
}

// IsGrouped reports whether the message is part of an album.
func (m SourceMessage) IsGrouped() bool {
	return m.GroupedID != 0
}

// SentMessage identifies a message created on the destination side.
type SentMessage struct {
	ChatID int64
	ID     int
}
