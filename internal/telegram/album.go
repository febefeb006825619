package telegram

import (
	"sort"
	"sync"
	"time"

	"github.com/blockedby/tgrelay/internal/models"
)

// album items arrive as separate updates sharing a grouped id.
// albumBuffer collects them and emits the album once no new item
// arrived for wait.
type albumBuffer struct {
	wait time.Duration
	emit func([]models.SourceMessage)

	mu      sync.Mutex
	pending map[albumKey]*pendingAlbum
	stopped bool
}

type albumKey struct {
	chatID    int64
	groupedID int64
}

type pendingAlbum struct {
	msgs  []models.SourceMessage
	timer *time.Timer
}

func newAlbumBuffer(wait time.Duration, emit func([]models.SourceMessage)) *albumBuffer {
	return &albumBuffer{
		wait:    wait,
		emit:    emit,
		pending: make(map[albumKey]*pendingAlbum),
	}
}

// add buffers a grouped message and restarts the album timer
func (b *albumBuffer) add(m models.SourceMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}

	key := albumKey{chatID: m.ChatID, groupedID: m.GroupedID}
	p, ok := b.pending[key]
	if !ok {
		p = &pendingAlbum{}
		p.timer = time.AfterFunc(b.wait, func() { b.flush(key) })
		b.pending[key] = p
	} else {
		p.timer.Reset(b.wait)
	}
	p.msgs = append(p.msgs, m)
}

func (b *albumBuffer) flush(key albumKey) {
	b.mu.Lock()
	p, ok := b.pending[key]
	delete(b.pending, key)
	stopped := b.stopped
	b.mu.Unlock()

	if !ok || stopped {
		return
	}
	sort.Slice(p.msgs, func(i, j int) bool { return p.msgs[i].ID < p.msgs[j].ID })
	b.emit(p.msgs)
}

// stop discards pending albums and returns the number of dropped messages
func (b *albumBuffer) stop() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopped = true
	dropped := 0
	for key, p := range b.pending {
		p.timer.Stop()
		dropped += len(p.msgs)
		delete(b.pending, key)
	}
	return dropped
}

// size returns the number of albums waiting
func (b *albumBuffer) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
