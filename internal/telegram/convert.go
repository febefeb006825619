package telegram

import (
	"crypto/rand"
	"fmt"
	"sort"
	"time"

	"github.com/gotd/td/crypto"
	"github.com/gotd/td/tg"

	"github.com/blockedby/tgrelay/internal/models"
)

// telegram api limits
const (
	maxHistoryPage = 100
	maxAlbumSize   = 10
)

// toSourceMessage converts a telegram message
func toSourceMessage(m *tg.Message) models.SourceMessage {
	return models.SourceMessage{
		ID:        m.ID,
		ChatID:    MarkedID(m.PeerID),
		Text:      m.Message,
		Media:     extractMedia(m.Media),
		ReplyToID: replyToID(m.ReplyTo),
		GroupedID: m.GroupedID,
		Date:      time.Unix(int64(m.Date), 0),
	}
}

// serviceMessage keeps the position of a service message in history.
// it carries no content and is never forwarded.
func serviceMessage(m *tg.MessageService) models.SourceMessage {
	return models.SourceMessage{
		ID:     m.ID,
		ChatID: MarkedID(m.PeerID),
		Date:   time.Unix(int64(m.Date), 0),
	}
}

// replyToID returns the replied message id within the same chat
func replyToID(h tg.MessageReplyHeaderClass) int {
	hdr, ok := h.(*tg.MessageReplyHeader)
	if !ok {
		return 0
	}
	// replies to another chat cannot be threaded
	if hdr.ReplyToPeerID != nil {
		return 0
	}
	// a forum topic header without a top id points at the topic, not a message
	if hdr.ForumTopic && hdr.ReplyToTopID == 0 {
		return 0
	}
	return hdr.ReplyToMsgID
}

// extractMedia returns the re-sendable attachment of a message.
// web page previews, polls, locations etc. are not attachments.
func extractMedia(media tg.MessageMediaClass) *models.Media {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		if p, ok := m.Photo.(*tg.Photo); ok {
			return &models.Media{
				Kind:          models.MediaPhoto,
				ID:            p.ID,
				AccessHash:    p.AccessHash,
				FileReference: p.FileReference,
			}
		}
	case *tg.MessageMediaDocument:
		if d, ok := m.Document.(*tg.Document); ok {
			return &models.Media{
				Kind:          models.MediaDocument,
				ID:            d.ID,
				AccessHash:    d.AccessHash,
				FileReference: d.FileReference,
			}
		}
	}
	return nil
}

// inputMedia builds the api input for re-sending an attachment
func inputMedia(m models.Media) (tg.InputMediaClass, error) {
	switch m.Kind {
	case models.MediaPhoto:
		return &tg.InputMediaPhoto{ID: &tg.InputPhoto{
			ID:            m.ID,
			AccessHash:    m.AccessHash,
			FileReference: m.FileReference,
		}}, nil
	case models.MediaDocument:
		return &tg.InputMediaDocument{ID: &tg.InputDocument{
			ID:            m.ID,
			AccessHash:    m.AccessHash,
			FileReference: m.FileReference,
		}}, nil
	}
	return nil, fmt.Errorf("unsupported media kind %q", m.Kind)
}

// replyHeader returns nil for top-level messages
func replyHeader(replyTo int) tg.InputReplyToClass {
	if replyTo == 0 {
		return nil
	}
	return &tg.InputReplyToMessage{ReplyToMsgID: replyTo}
}

func randomID() (int64, error) {
	id, err := crypto.RandInt64(rand.Reader)
	if err != nil {
		return 0, fmt.Errorf("generate random id: %w", err)
	}
	return id, nil
}

// sentIDs returns the ids of created messages in the order of randomIDs
func sentIDs(u tg.UpdatesClass, randomIDs []int64) ([]int, error) {
	switch u := u.(type) {
	case *tg.UpdateShortSentMessage:
		if len(randomIDs) != 1 {
			return nil, fmt.Errorf("short sent message for %d messages", len(randomIDs))
		}
		return []int{u.ID}, nil
	case *tg.Updates:
		return matchRandomIDs(u.Updates, randomIDs)
	case *tg.UpdatesCombined:
		return matchRandomIDs(u.Updates, randomIDs)
	}
	return nil, fmt.Errorf("unexpected updates type %T", u)
}

func matchRandomIDs(updates []tg.UpdateClass, randomIDs []int64) ([]int, error) {
	byRandom := make(map[int64]int, len(updates))
	for _, upd := range updates {
		if m, ok := upd.(*tg.UpdateMessageID); ok {
			byRandom[m.RandomID] = m.ID
		}
	}

	out := make([]int, 0, len(randomIDs))
	for _, rid := range randomIDs {
		id, ok := byRandom[rid]
		if !ok {
			return nil, fmt.Errorf("no message id for random id %d", rid)
		}
		out = append(out, id)
	}
	return out, nil
}

// historyPage is one MessagesGetHistory response
type historyPage struct {
	messages []models.SourceMessage
	raw      int
	chats    []tg.ChatClass
	users    []tg.UserClass
}

// extractHistory converts a history response, newest first
func extractHistory(res tg.MessagesMessagesClass) historyPage {
	var (
		raw  []tg.MessageClass
		page historyPage
	)
	switch h := res.(type) {
	case *tg.MessagesMessages:
		raw, page.chats, page.users = h.Messages, h.Chats, h.Users
	case *tg.MessagesMessagesSlice:
		raw, page.chats, page.users = h.Messages, h.Chats, h.Users
	case *tg.MessagesChannelMessages:
		raw, page.chats, page.users = h.Messages, h.Chats, h.Users
	}

	page.raw = len(raw)
	for _, msg := range raw {
		switch m := msg.(type) {
		case *tg.Message:
			page.messages = append(page.messages, toSourceMessage(m))
		case *tg.MessageService:
			page.messages = append(page.messages, serviceMessage(m))
		}
	}
	sort.Slice(page.messages, func(i, j int) bool { return page.messages[i].ID > page.messages[j].ID })
	return page
}
