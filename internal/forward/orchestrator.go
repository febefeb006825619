package forward

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/blockedby/tgrelay/internal/logger"
	"github.com/blockedby/tgrelay/internal/models"
	"github.com/blockedby/tgrelay/internal/queue"
)

// errors
var (
	ErrAlreadyListening = errors.New("live forwarding is already running")
	ErrAlreadyRunning   = errors.New("a backfill is already running")
	ErrNoActiveForwards = errors.New("no active forwards configured")
)

// orchestrator states
const (
	StateIdle        = "Idle"
	StateListening   = "Listening"
	StateBackfilling = "Backfilling"
)

// defaults
const (
	DefaultChunkSize     = 500
	DefaultBatchSize     = 50
	DefaultShutdownGrace = 10 * time.Second
)

// Options configures an Orchestrator.
type Options struct {
	// ChunkSize is the history page size.
	ChunkSize int
	// BatchSize is the number of messages between checkpoint saves.
	BatchSize int
	// Location interprets the date filters of forward configs.
	Location *time.Location
	// ShutdownGrace bounds the wait for the current batch after cancellation.
	ShutdownGrace time.Duration
	// Force restarts chats whose backfill already completed.
	Force bool
}

// Orchestrator drives live forwarding and history backfill for a forward set.
// Both can run at once and share the forwarder's dispatch queue.
type Orchestrator struct {
	platform    Platform
	forwarder   *ContentForwarder
	checkpoints CheckpointStore
	forwards    *models.ForwardSet
	publisher   EventPublisher
	opts        Options
	log         *logger.Logger

	mu          sync.Mutex
	listening   bool
	backfilling bool
	progress    *Progress
	summary     *Summary
}

// NewOrchestrator creates an orchestrator. publisher may be nil.
func NewOrchestrator(
	platform Platform,
	forwarder *ContentForwarder,
	checkpoints CheckpointStore,
	forwards *models.ForwardSet,
	publisher EventPublisher,
	opts Options,
	log *logger.Logger,
) *Orchestrator {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Orchestrator{
		platform:    platform,
		forwarder:   forwarder,
		checkpoints: checkpoints,
		forwards:    forwards,
		publisher:   publisher,
		opts:        opts,
		log:         log,
	}
}

// Forwards returns the forward set of this run.
func (o *Orchestrator) Forwards() *models.ForwardSet {
	return o.forwards
}

// Listen forwards new messages and albums of all active source chats until
// ctx is cancelled. Only a lost connection is returned as an error.
func (o *Orchestrator) Listen(ctx context.Context) error {
	chats := o.forwards.SourceIDs()
	if len(chats) == 0 {
		return ErrNoActiveForwards
	}

	o.mu.Lock()
	if o.listening {
		o.mu.Unlock()
		return ErrAlreadyListening
	}
	o.listening = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.listening = false
		o.mu.Unlock()
	}()

	o.log.Info().Int("chats", len(chats)).Msg("live: listening for new messages")

	err := o.platform.Subscribe(ctx, chats, Handlers{
		OnMessage: o.handleMessage,
		OnAlbum:   o.handleAlbum,
	})
	if ctx.Err() != nil {
		o.log.Info().Msg("live: stopped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("live subscription: %w", err)
	}
	return nil
}

func (o *Orchestrator) handleMessage(ctx context.Context, msg models.SourceMessage) {
	defer o.recoverEvent("message", msg.ChatID)

	// album items arrive again through handleAlbum
	if msg.IsGrouped() {
		return
	}

	dest := o.forwards.Destination(msg.ChatID)
	if dest == 0 {
		return
	}

	out := o.forwarder.Forward(ctx, dest, msg, 0, queue.Meta{})
	o.logOutcome(out, msg.ChatID, msg.ID)
}

func (o *Orchestrator) handleAlbum(ctx context.Context, msgs []models.SourceMessage) {
	if len(msgs) == 0 {
		return
	}
	defer o.recoverEvent("album", msgs[0].ChatID)

	dest := o.forwards.Destination(msgs[0].ChatID)
	if dest == 0 {
		return
	}

	out := o.forwarder.ForwardAlbum(ctx, dest, msgs, queue.Meta{})
	o.logOutcome(out, msgs[0].ChatID, msgs[0].ID)
}

func (o *Orchestrator) recoverEvent(kind string, chatID int64) {
	if r := recover(); r != nil {
		o.log.Error().
			Str("event", kind).
			Int64("source_id", chatID).
			Interface("panic", r).
			Msg("live: event handler panicked")
	}
}

func (o *Orchestrator) logOutcome(out Outcome, chatID int64, msgID int) {
	ev := o.log.Debug()
	if out.Status == OutcomeFailed {
		ev = o.log.Warn().Err(out.Err)
	}
	ev.Int64("source_id", chatID).
		Int("message_id", msgID).
		Str("outcome", out.Status.String()).
		Str("reason", out.Reason).
		Int("reply_to", out.ReplyTo).
		Msg("live: message handled")
}

// Status is the orchestrator state reported to the console and admin api.
type Status struct {
	Status          string      `json:"status"`
	QueueRunning    bool        `json:"queueRunning"`
	QueueLength     int         `json:"queueLength"`
	QueueStats      queue.Stats `json:"queueStats"`
	CurrentTask     string      `json:"currentTask,omitempty"`
	Backfill        *Progress   `json:"backfill,omitempty"`
	BackfillPercent float64     `json:"backfillPercent,omitempty"`
	LastRun         *Summary    `json:"lastRun,omitempty"`
}

// Status returns a snapshot of the current state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	var states []string
	if o.listening {
		states = append(states, StateListening)
	}
	if o.backfilling {
		states = append(states, StateBackfilling)
	}
	st := StateIdle
	if len(states) > 0 {
		st = strings.Join(states, "+")
	}

	q := o.forwarder.Queue()
	s := Status{
		Status:       st,
		QueueRunning: q.Running(),
		QueueLength:  q.Len(),
		QueueStats:   q.Stats(),
		CurrentTask:  q.Current(),
	}
	if o.progress != nil {
		p := *o.progress
		s.Backfill = &p
		s.BackfillPercent = p.Percent()
	}
	if o.summary != nil {
		sum := *o.summary
		s.LastRun = &sum
	}
	return s
}
