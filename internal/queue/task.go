package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/blockedby/tgrelay/internal/models"
)

// Kind tags a task variant.
type Kind string

// Task kinds.
const (
	KindSendMessage Kind = "send-message"
	KindSendAlbum   Kind = "send-album"
)

// Task is a unit of queued work. The concrete types are SendMessage and SendAlbum.
type Task interface {
	Kind() Kind
	Destination() int64
	Describe() string
	meta() *Meta
}

// Meta carries bookkeeping shared by all task variants.
type Meta struct {
	ID         uuid.UUID
	EnqueuedAt time.Time

	// OnDone is called exactly once with the final result.
	// It runs on the worker goroutine before the next task is pulled.
	OnDone func(Result)

	// Cancel, once closed, makes the queue skip the task with
	// ReasonCancelled if no worker has picked it up yet.
	Cancel <-chan struct{}
}

func (m *Meta) meta() *Meta { return m }

func (m *Meta) cancelled() bool {
	if m.Cancel == nil {
		return false
	}
	select {
	case <-m.Cancel:
		return true
	default:
		return false
	}
}

// SendMessage forwards a single message.
type SendMessage struct {
	Meta

	DestinationID int64
	Message       models.SourceMessage

	// ReplyTo is the destination message to thread under, 0 for none.
	ReplyTo int
}

// Kind implements Task.
func (t *SendMessage) Kind() Kind { return KindSendMessage }

// Destination implements Task.
func (t *SendMessage) Destination() int64 { return t.DestinationID }

// Describe implements Task.
func (t *SendMessage) Describe() string {
	return fmt.Sprintf("%s %d:%d -> %d", KindSendMessage, t.Message.ChatID, t.Message.ID, t.DestinationID)
}

// SendAlbum forwards a grouped set of messages as one post.
type SendAlbum struct {
	Meta

	DestinationID int64
	Messages      []models.SourceMessage
	Caption       string
	ReplyTo       int
}

// Kind implements Task.
func (t *SendAlbum) Kind() Kind { return KindSendAlbum }

// Destination implements Task.
func (t *SendAlbum) Destination() int64 { return t.DestinationID }

// Describe implements Task.
func (t *SendAlbum) Describe() string {
	var chatID int64
	var first int
	if len(t.Messages) > 0 {
		chatID, first = t.Messages[0].ChatID, t.Messages[0].ID
	}
	return fmt.Sprintf("%s %d:%d (+%d) -> %d", KindSendAlbum, chatID, first, len(t.Messages)-1, t.DestinationID)
}

// Status is the outcome class of a forwarding attempt.
type Status int

// Status constants.
const (
	StatusOK Status = iota
	StatusSkipped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ReasonCancelled is the skip reason of a task cancelled before it ran.
const ReasonCancelled = "cancelled"

// Result is the outcome of one forwarding attempt.
type Result struct {
	Status Status
	Sent   []models.SentMessage // set when Status is StatusOK
	Reason string               // set when Status is StatusSkipped
	Err    error                // set when Status is StatusFailed
}

// OK returns a successful result.
func OK(sent ...models.SentMessage) Result {
	return Result{Status: StatusOK, Sent: sent}
}

// Skipped returns a result for work that was intentionally not done.
func Skipped(reason string) Result {
	return Result{Status: StatusSkipped, Reason: reason}
}

// Failed returns a result for work that errored.
func Failed(err error) Result {
	return Result{Status: StatusFailed, Err: err}
}

// Attempted reports whether the task reached the executor. Cancelled tasks
// and tasks dropped by Stop were never sent.
func (r Result) Attempted() bool {
	switch r.Status {
	case StatusSkipped:
		return r.Reason != ReasonCancelled
	case StatusFailed:
		return !errors.Is(r.Err, ErrStopped)
	}
	return true
}
