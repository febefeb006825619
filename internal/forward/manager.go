package forward

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blockedby/tgrelay/internal/logger"
)

// Backfiller runs one backfill over the configured chats.
type Backfiller interface {
	Backfill(ctx context.Context) (*Summary, error)
}

// BackfillJob is a backfill started through the manager.
type BackfillJob struct {
	ID        uuid.UUID `json:"id"`
	StartedAt time.Time `json:"startedAt"`
}

// BackfillManager runs backfills in the background
// ensures only one job runs at a time
// thread-safe
type BackfillManager struct {
	mu         sync.Mutex
	current    *BackfillJob
	cancelFn   context.CancelFunc
	done       chan struct{}
	last       *Summary
	lastErr    error
	backfiller Backfiller
	log        *logger.Logger
}

// NewBackfillManager creates a new backfill manager
func NewBackfillManager(backfiller Backfiller, log *logger.Logger) *BackfillManager {
	if log == nil {
		log = logger.Nop()
	}
	return &BackfillManager{
		backfiller: backfiller,
		log:        log,
	}
}

// Start starts a backfill job
// returns ErrAlreadyRunning if a job is already running
func (m *BackfillManager) Start(_ context.Context) (*BackfillJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return nil, ErrAlreadyRunning
	}

	// the job outlives the request that started it
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelFn = cancel
	m.done = make(chan struct{})

	job := &BackfillJob{
		ID:        uuid.New(),
		StartedAt: time.Now(),
	}
	m.current = job

	go m.run(ctx, job, m.done)

	return job, nil
}

// Stop cancels the current job
// safe to call when no job is running
func (m *BackfillManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancelFn != nil {
		m.cancelFn()
		m.cancelFn = nil
	}
}

// Wait blocks until the current job returned or ctx is done.
func (m *BackfillManager) Wait(ctx context.Context) error {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Current returns the running job or nil.
func (m *BackfillManager) Current() *BackfillJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Last returns the summary and error of the last finished job.
func (m *BackfillManager) Last() (*Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.lastErr
}

// run executes the job
// this is called in a goroutine
func (m *BackfillManager) run(ctx context.Context, job *BackfillJob, done chan struct{}) {
	var (
		sum *Summary
		err error
	)

	defer func() {
		m.mu.Lock()
		if m.current != nil && m.current.ID == job.ID {
			m.current = nil
			m.cancelFn = nil
		}
		m.last, m.lastErr = sum, err
		m.mu.Unlock()
		close(done)
	}()

	sum, err = m.backfiller.Backfill(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		m.log.Info().Str("job_id", job.ID.String()).Msg("backfill job cancelled")
	case err != nil:
		m.log.Error().Err(err).Str("job_id", job.ID.String()).Msg("backfill job failed")
	default:
		m.log.Info().Str("job_id", job.ID.String()).Str("summary", sum.String()).Msg("backfill job finished")
	}
}
