package forward

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blockedby/tgrelay/internal/models"
	"github.com/blockedby/tgrelay/internal/queue"
	"github.com/blockedby/tgrelay/internal/repository"
)

type sendCall struct {
	Kind    string
	ChatID  int64
	Text    string
	Media   []models.Media
	ReplyTo int
	Sent    []int
}

// fakePlatform keeps chat history in memory and records sends.
type fakePlatform struct {
	mu      sync.Mutex
	history map[int64][]models.SourceMessage
	calls   []sendCall
	queries []HistoryQuery
	nextID  int

	failText  map[string]bool
	fetchErr  map[int64]error
	gate      chan struct{}
	afterSend func(call sendCall)
	onFetch   func(q HistoryQuery)

	subscribed chan Handlers
	disconnect chan error
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		history:    make(map[int64][]models.SourceMessage),
		nextID:     1000,
		failText:   make(map[string]bool),
		fetchErr:   make(map[int64]error),
		subscribed: make(chan Handlers, 1),
		disconnect: make(chan error, 1),
	}
}

func (p *fakePlatform) addHistory(msgs ...models.SourceMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		p.history[m.ChatID] = append(p.history[m.ChatID], m)
	}
}

func (p *fakePlatform) record(ctx context.Context, call sendCall, n int) (sendCall, error) {
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return call, ctx.Err()
		}
	}

	p.mu.Lock()
	if p.failText[call.Text] {
		p.mu.Unlock()
		return call, errors.New("FLOOD_WAIT")
	}
	for i := 0; i < n; i++ {
		p.nextID++
		call.Sent = append(call.Sent, p.nextID)
	}
	p.calls = append(p.calls, call)
	hook := p.afterSend
	p.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	return call, nil
}

func (p *fakePlatform) SendText(ctx context.Context, chatID int64, text string, replyTo int) (models.SentMessage, error) {
	call, err := p.record(ctx, sendCall{Kind: "text", ChatID: chatID, Text: text, ReplyTo: replyTo}, 1)
	if err != nil {
		return models.SentMessage{}, err
	}
	return models.SentMessage{ChatID: chatID, ID: call.Sent[0]}, nil
}

func (p *fakePlatform) SendMedia(ctx context.Context, chatID int64, media models.Media, caption string, replyTo int) (models.SentMessage, error) {
	call, err := p.record(ctx, sendCall{Kind: "media", ChatID: chatID, Text: caption, Media: []models.Media{media}, ReplyTo: replyTo}, 1)
	if err != nil {
		return models.SentMessage{}, err
	}
	return models.SentMessage{ChatID: chatID, ID: call.Sent[0]}, nil
}

func (p *fakePlatform) SendAlbum(ctx context.Context, chatID int64, media []models.Media, caption string, replyTo int) ([]models.SentMessage, error) {
	call, err := p.record(ctx, sendCall{Kind: "album", ChatID: chatID, Text: caption, Media: media, ReplyTo: replyTo}, len(media))
	if err != nil {
		return nil, err
	}
	out := make([]models.SentMessage, 0, len(call.Sent))
	for _, id := range call.Sent {
		out = append(out, models.SentMessage{ChatID: chatID, ID: id})
	}
	return out, nil
}

func (p *fakePlatform) Subscribe(ctx context.Context, chats []int64, h Handlers) error {
	p.subscribed <- h
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-p.disconnect:
		return err
	}
}

func (p *fakePlatform) FetchHistory(_ context.Context, q HistoryQuery) ([]models.SourceMessage, error) {
	p.mu.Lock()
	p.queries = append(p.queries, q)
	err := p.fetchErr[q.ChatID]
	hook := p.onFetch
	var out []models.SourceMessage
	for _, m := range p.history[q.ChatID] {
		if m.ID <= q.MinID {
			continue
		}
		if q.OffsetID > 0 && m.ID >= q.OffsetID {
			continue
		}
		if !q.OffsetDate.IsZero() && !m.Date.Before(q.OffsetDate) {
			continue
		}
		out = append(out, m)
	}
	p.mu.Unlock()

	if hook != nil {
		hook(q)
	}
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (p *fakePlatform) sends() []sendCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]sendCall, len(p.calls))
	copy(out, p.calls)
	return out
}

// sentTexts returns the text or caption of every send in order.
func (p *fakePlatform) sentTexts() []string {
	var out []string
	for _, c := range p.sends() {
		out = append(out, c.Text)
	}
	return out
}

// memMappings is an in-memory MappingStore.
type memMappings struct {
	mu   sync.Mutex
	data map[[3]int64]int
}

func newMemMappings() *memMappings {
	return &memMappings{data: make(map[[3]int64]int)}
}

func (m *memMappings) Put(_ context.Context, sourceChat int64, sourceMsg int, destChat int64, destMsg int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[[3]int64{sourceChat, int64(sourceMsg), destChat}] = destMsg
	return nil
}

func (m *memMappings) Get(_ context.Context, sourceChat int64, sourceMsg int, destChat int64) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.data[[3]int64{sourceChat, int64(sourceMsg), destChat}]
	return id, ok, nil
}

func (m *memMappings) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

// recordingPublisher collects published events.
type recordingPublisher struct {
	mu        sync.Mutex
	forwarded []ForwardedEvent
	backfill  []BackfillEvent
}

func (r *recordingPublisher) PublishForwarded(_ context.Context, e ForwardedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forwarded = append(r.forwarded, e)
	return nil
}

func (r *recordingPublisher) PublishBackfill(_ context.Context, e BackfillEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backfill = append(r.backfill, e)
	return nil
}

func (r *recordingPublisher) stages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.backfill {
		out = append(out, e.Stage)
	}
	return out
}

func newTestForwarder(p *fakePlatform, m MappingStore, pub EventPublisher) *ContentForwarder {
	return NewContentForwarder(p, m, pub, queue.Options{Workers: 1, Delay: 0}, nil)
}

func newTestCheckpoints(t *testing.T) *repository.CheckpointStore {
	t.Helper()
	s, err := repository.OpenCheckpointStore(filepath.Join(t.TempDir(), "forward_progress.json"))
	require.NoError(t, err)
	return s
}

func newTestSet(t *testing.T, configs ...models.ForwardConfig) *models.ForwardSet {
	t.Helper()
	set, err := models.NewForwardSet(configs)
	require.NoError(t, err)
	return set
}

func stopQueue(t *testing.T, f *ContentForwarder) {
	t.Helper()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		f.Queue().Stop(ctx)
	})
}

func textMsg(chat int64, id int, date time.Time) models.SourceMessage {
	return models.SourceMessage{ID: id, ChatID: chat, Text: fmt.Sprintf("msg-%d", id), Date: date}
}

func photo(id int64) *models.Media {
	return &models.Media{Kind: models.MediaPhoto, ID: id, AccessHash: id * 7}
}

// serial returns n text messages with ids 1..n, one minute apart.
func serial(chat int64, n int, start time.Time) []models.SourceMessage {
	out := make([]models.SourceMessage, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, textMsg(chat, i, start.Add(time.Duration(i)*time.Minute)))
	}
	return out
}

func texts(from, to int) []string {
	var out []string
	for i := from; i <= to; i++ {
		out = append(out, fmt.Sprintf("msg-%d", i))
	}
	return out
}
