package forward

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/blockedby/tgrelay/internal/logger"
	"github.com/blockedby/tgrelay/internal/models"
	"github.com/blockedby/tgrelay/internal/queue"
)

// errors
var (
	ErrNoDestination = errors.New("no destination configured")
	ErrEmptyAlbum    = errors.New("album has no media")
)

// OutcomeStatus classifies what Forward did with a message.
type OutcomeStatus int

// OutcomeStatus constants.
const (
	OutcomeEnqueued OutcomeStatus = iota
	OutcomeSkipped
	OutcomeFailed
)

func (s OutcomeStatus) String() string {
	switch s {
	case OutcomeEnqueued:
		return "enqueued"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(s))
	}
}

// Outcome is the result of handing a message to the forwarder.
// The send itself happens later on the queue.
type Outcome struct {
	Status  OutcomeStatus
	Kind    queue.Kind
	ReplyTo int
	Reason  string
	Err     error
}

func skipped(reason string) Outcome {
	return Outcome{Status: OutcomeSkipped, Reason: reason}
}

func failed(err error) Outcome {
	return Outcome{Status: OutcomeFailed, Err: err}
}

// ContentForwarder turns source messages into dispatch tasks and executes them.
// It owns the dispatch queue shared by live and backfill forwarding.
type ContentForwarder struct {
	sender    Sender
	mappings  MappingStore
	publisher EventPublisher
	queue     *queue.Queue
	log       *logger.Logger
	now       func() time.Time
}

// NewContentForwarder creates a forwarder and its dispatch queue.
// publisher may be nil.
func NewContentForwarder(
	sender Sender,
	mappings MappingStore,
	publisher EventPublisher,
	opts queue.Options,
	log *logger.Logger,
) *ContentForwarder {
	if log == nil {
		log = logger.Nop()
	}
	f := &ContentForwarder{
		sender:    sender,
		mappings:  mappings,
		publisher: publisher,
		log:       log,
		now:       time.Now,
	}
	f.queue = queue.New(opts, f, log)
	return f
}

// Queue returns the dispatch queue.
func (f *ContentForwarder) Queue() *queue.Queue {
	return f.queue
}

// Forward classifies msg and enqueues the matching send for destID.
// A non-zero replyTo is used as is; otherwise the reply target is resolved
// from the mapping store. meta carries the optional completion callback and
// cancel channel of the task.
func (f *ContentForwarder) Forward(ctx context.Context, destID int64, msg models.SourceMessage, replyTo int, meta queue.Meta) Outcome {
	if destID == 0 {
		return failed(ErrNoDestination)
	}

	kind := classify(msg)
	if kind == contentNone {
		f.log.Debug().
			Int64("source_id", msg.ChatID).
			Int("message_id", msg.ID).
			Msg("forward: skipping message without text or media")
		return skipped("no text or media")
	}

	if replyTo == 0 && msg.IsReply() {
		replyTo = f.resolveReply(ctx, msg.ChatID, msg.ReplyToID, destID)
	}

	f.queue.Enqueue(&queue.SendMessage{
		Meta:          meta,
		DestinationID: destID,
		Message:       msg,
		ReplyTo:       replyTo,
	})
	return Outcome{Status: OutcomeEnqueued, Kind: queue.KindSendMessage, ReplyTo: replyTo}
}

// ForwardAlbum enqueues a grouped send of msgs to destID. The caption is the
// first non-empty text of the group and the reply target is taken from the
// first item whose reply resolves.
func (f *ContentForwarder) ForwardAlbum(ctx context.Context, destID int64, msgs []models.SourceMessage, meta queue.Meta) Outcome {
	if destID == 0 {
		return failed(ErrNoDestination)
	}

	items := make([]models.SourceMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.HasMedia() {
			items = append(items, m)
		}
	}
	if len(items) == 0 {
		return skipped(ErrEmptyAlbum.Error())
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })

	replyTo := f.resolveAlbumReply(ctx, msgs, destID)

	f.queue.Enqueue(&queue.SendAlbum{
		Meta:          meta,
		DestinationID: destID,
		Messages:      items,
		Caption:       albumCaption(msgs),
		ReplyTo:       replyTo,
	})
	return Outcome{Status: OutcomeEnqueued, Kind: queue.KindSendAlbum, ReplyTo: replyTo}
}

// Execute implements queue.Executor.
func (f *ContentForwarder) Execute(ctx context.Context, task queue.Task) queue.Result {
	switch t := task.(type) {
	case *queue.SendMessage:
		return f.sendMessage(ctx, t)
	case *queue.SendAlbum:
		return f.sendAlbum(ctx, t)
	default:
		return queue.Failed(fmt.Errorf("unsupported task kind %q", task.Kind()))
	}
}

func (f *ContentForwarder) sendMessage(ctx context.Context, t *queue.SendMessage) queue.Result {
	msg := t.Message

	// the parent may have been sent after this task was enqueued
	if t.ReplyTo == 0 && msg.IsReply() {
		t.ReplyTo = f.resolveReply(ctx, msg.ChatID, msg.ReplyToID, t.DestinationID)
	}

	var (
		sent models.SentMessage
		err  error
	)
	switch classify(msg) {
	case contentTextAndMedia:
		sent, err = f.sender.SendMedia(ctx, t.DestinationID, *msg.Media, msg.Text, t.ReplyTo)
	case contentMedia:
		sent, err = f.sender.SendMedia(ctx, t.DestinationID, *msg.Media, "", t.ReplyTo)
	case contentText:
		sent, err = f.sender.SendText(ctx, t.DestinationID, msg.Text, t.ReplyTo)
	default:
		return queue.Skipped("no text or media")
	}
	if err != nil {
		return queue.Failed(fmt.Errorf("send message %d: %w", msg.ID, err))
	}
	if sent.ChatID == 0 {
		sent.ChatID = t.DestinationID
	}

	f.remember(ctx, msg, sent)
	f.publish(ctx, ForwardedEvent{
		Kind:                  string(queue.KindSendMessage),
		SourceChatID:          msg.ChatID,
		SourceMessageIDs:      []int{msg.ID},
		DestinationChatID:     sent.ChatID,
		DestinationMessageIDs: []int{sent.ID},
		ReplyTo:               t.ReplyTo,
	})
	return queue.OK(sent)
}

func (f *ContentForwarder) sendAlbum(ctx context.Context, t *queue.SendAlbum) queue.Result {
	if len(t.Messages) == 0 {
		return queue.Skipped(ErrEmptyAlbum.Error())
	}
	if t.ReplyTo == 0 {
		t.ReplyTo = f.resolveAlbumReply(ctx, t.Messages, t.DestinationID)
	}

	media := make([]models.Media, 0, len(t.Messages))
	for _, m := range t.Messages {
		media = append(media, *m.Media)
	}

	sent, err := f.sender.SendAlbum(ctx, t.DestinationID, media, t.Caption, t.ReplyTo)
	if err != nil {
		return queue.Failed(fmt.Errorf("send album of %d: %w", len(media), err))
	}
	if len(sent) != len(t.Messages) {
		f.log.Warn().
			Int("items", len(t.Messages)).
			Int("sent", len(sent)).
			Msg("forward: album item count mismatch, mapping the common prefix")
	}

	event := ForwardedEvent{
		Kind:              string(queue.KindSendAlbum),
		SourceChatID:      t.Messages[0].ChatID,
		DestinationChatID: t.DestinationID,
		ReplyTo:           t.ReplyTo,
	}
	for i := 0; i < len(sent) && i < len(t.Messages); i++ {
		if sent[i].ChatID == 0 {
			sent[i].ChatID = t.DestinationID
		}
		f.remember(ctx, t.Messages[i], sent[i])
		event.SourceMessageIDs = append(event.SourceMessageIDs, t.Messages[i].ID)
		event.DestinationMessageIDs = append(event.DestinationMessageIDs, sent[i].ID)
	}
	f.publish(ctx, event)
	return queue.OK(sent...)
}

// remember records a confirmed send. Errors are logged only; the message is
// already delivered.
func (f *ContentForwarder) remember(ctx context.Context, src models.SourceMessage, sent models.SentMessage) {
	if err := f.mappings.Put(ctx, src.ChatID, src.ID, sent.ChatID, sent.ID); err != nil {
		f.log.Error().
			Err(err).
			Int64("source_id", src.ChatID).
			Int("message_id", src.ID).
			Int("dest_message_id", sent.ID).
			Msg("forward: failed to store reply mapping")
	}
}

func (f *ContentForwarder) resolveReply(ctx context.Context, sourceChat int64, replyToID int, destID int64) int {
	id, ok, err := f.mappings.Get(ctx, sourceChat, replyToID, destID)
	if err != nil {
		f.log.Warn().
			Err(err).
			Int64("source_id", sourceChat).
			Int("reply_to", replyToID).
			Msg("forward: reply lookup failed, sending as top-level")
		return 0
	}
	if !ok {
		return 0
	}
	return id
}

func (f *ContentForwarder) resolveAlbumReply(ctx context.Context, msgs []models.SourceMessage, destID int64) int {
	for _, m := range msgs {
		if !m.IsReply() {
			continue
		}
		if id := f.resolveReply(ctx, m.ChatID, m.ReplyToID, destID); id != 0 {
			return id
		}
	}
	return 0
}

func (f *ContentForwarder) publish(ctx context.Context, event ForwardedEvent) {
	if f.publisher == nil {
		return
	}
	event.ForwardedAt = f.now()
	if err := f.publisher.PublishForwarded(ctx, event); err != nil {
		f.log.Warn().Err(err).Msg("forward: failed to publish forwarded event")
	}
}

type content int

const (
	contentNone content = iota
	contentText
	contentMedia
	contentTextAndMedia
)

func classify(msg models.SourceMessage) content {
	switch {
	case msg.HasText() && msg.HasMedia():
		return contentTextAndMedia
	case msg.HasMedia():
		return contentMedia
	case msg.HasText():
		return contentText
	default:
		return contentNone
	}
}

func albumCaption(msgs []models.SourceMessage) string {
	for _, m := range msgs {
		if m.HasText() {
			return m.Text
		}
	}
	return ""
}
