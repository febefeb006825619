// Package queue implements the rate-limited FIFO through which every outbound send goes.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/blockedby/tgrelay/internal/logger"
)

// errors
var (
	ErrStopped = errors.New("dispatch queue stopped")
)

// defaults
const (
	DefaultWorkers = 1
	DefaultDelay   = time.Second
)

// Executor performs a task against the platform.
type Executor interface {
	Execute(ctx context.Context, task Task) Result
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task Task) Result

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, task Task) Result {
	return f(ctx, task)
}

// Options configures a Queue.
type Options struct {
	// Workers is the number of concurrent senders.
	Workers int
	// Delay is the pause a worker takes after each task.
	Delay time.Duration
}

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopping
)

// Stats are cumulative counters since construction.
type Stats struct {
	Enqueued  int64 `json:"enqueued"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
}

// Queue is an unbounded FIFO drained by a fixed number of workers.
// Throughput is bounded by roughly Workers/Delay tasks per second.
type Queue struct {
	opts Options
	exec Executor
	log  *logger.Logger

	mu      sync.Mutex
	tasks   []Task
	current map[int]Task
	state   state
	notify  chan struct{}
	drain   chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	enqueued  atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
}

// New creates a queue. Workers are started lazily by the first Enqueue or by Start.
func New(opts Options, exec Executor, log *logger.Logger) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Queue{
		opts:    opts,
		exec:    exec,
		log:     log,
		current: make(map[int]Task),
		notify:  make(chan struct{}, 1),
	}
}

// Enqueue appends a task and makes sure workers are running.
// It never blocks on the send itself. While the queue is stopping the task
// is rejected and its OnDone receives ErrStopped.
func (q *Queue) Enqueue(task Task) {
	m := task.meta()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	m.EnqueuedAt = time.Now()

	q.mu.Lock()
	if q.state == stateStopping {
		q.mu.Unlock()
		q.log.Warn().Str("task", task.Describe()).Msg("queue: rejecting task, queue is stopping")
		finish(task, Failed(ErrStopped))
		return
	}
	q.tasks = append(q.tasks, task)
	size := len(q.tasks)
	q.startLocked()
	q.mu.Unlock()

	q.enqueued.Add(1)
	q.signal()

	q.log.Debug().Str("task", task.Describe()).Int("queue_len", size).Msg("queue: task enqueued")
}

// Start launches the workers. Calling it on a running queue is a no-op.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.startLocked()
}

func (q *Queue) startLocked() {
	if q.state != stateIdle {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.drain = make(chan struct{})
	q.state = stateRunning

	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i, q.drain)
	}

	q.log.Info().Int("workers", q.opts.Workers).Dur("delay", q.opts.Delay).Msg("queue: workers started")
}

// Stop lets workers drain the backlog until ctx is done, then cancels the
// in-flight send. Tasks still pending afterwards are completed with
// ErrStopped. It returns the number of dropped tasks.
func (q *Queue) Stop(ctx context.Context) int {
	q.mu.Lock()
	if q.state != stateRunning {
		q.mu.Unlock()
		return 0
	}
	q.state = stateStopping
	close(q.drain)
	cancel := q.cancel
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		q.log.Warn().Int("queue_len", q.Len()).Msg("queue: grace period over, cancelling workers")
		cancel()
		<-done
	}
	cancel()

	q.mu.Lock()
	dropped := q.tasks
	q.tasks = nil
	q.state = stateIdle
	q.mu.Unlock()

	for _, t := range dropped {
		finish(t, Failed(ErrStopped))
	}

	q.log.Info().Int("dropped", len(dropped)).Msg("queue: stopped")
	return len(dropped)
}

// Len returns the number of pending tasks, excluding those in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Current describes the task(s) being executed, or "" when idle.
func (q *Queue) Current() string {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.current) == 0 {
		return ""
	}
	parts := make([]string, 0, len(q.current))
	for i := 0; i < q.opts.Workers; i++ {
		if t, ok := q.current[i]; ok {
			parts = append(parts, t.Describe())
		}
	}
	return strings.Join(parts, "; ")
}

// Running reports whether workers are active.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state == stateRunning
}

// Stats returns cumulative counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:  q.enqueued.Load(),
		Succeeded: q.succeeded.Load(),
		Failed:    q.failed.Load(),
		Cancelled: q.cancelled.Load(),
	}
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop removes the head task and marks it current for worker id.
func (q *Queue) pop(id int) Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil
	}
	t := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	q.current[id] = t

	if len(q.tasks) > 0 {
		q.signal()
	}
	return t
}

func (q *Queue) worker(ctx context.Context, id int, drain <-chan struct{}) {
	defer q.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		task := q.pop(id)
		if task == nil {
			select {
			case <-q.notify:
				continue
			case <-drain:
				if q.Len() == 0 {
					return
				}
				continue
			case <-ctx.Done():
				return
			}
		}

		if !q.run(ctx, id, task) {
			continue
		}

		if q.opts.Delay > 0 {
			select {
			case <-time.After(q.opts.Delay):
			case <-ctx.Done():
				return
			}
		}
	}
}

// run executes task and reports whether it reached the executor.
func (q *Queue) run(ctx context.Context, id int, task Task) bool {
	if task.meta().cancelled() {
		q.mu.Lock()
		delete(q.current, id)
		q.mu.Unlock()

		q.cancelled.Add(1)
		q.log.Debug().Str("task", task.Describe()).Msg("queue: task cancelled before start")
		finish(task, Skipped(ReasonCancelled))
		return false
	}

	start := time.Now()

	res := q.execute(ctx, task)

	q.mu.Lock()
	delete(q.current, id)
	q.mu.Unlock()

	switch res.Status {
	case StatusFailed:
		q.failed.Add(1)
		q.log.Error().Err(res.Err).Str("task", task.Describe()).Int("worker", id).Msg("queue: task failed, discarding")
	case StatusSkipped:
		q.log.Debug().Str("task", task.Describe()).Str("reason", res.Reason).Msg("queue: task skipped")
	default:
		q.succeeded.Add(1)
		q.log.Debug().Str("task", task.Describe()).Dur("took", time.Since(start)).Msg("queue: task done")
	}

	finish(task, res)
	return true
}

func (q *Queue) execute(ctx context.Context, task Task) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Failed(fmt.Errorf("panic: %v", r))
		}
	}()
	return q.exec.Execute(ctx, task)
}

func finish(task Task, res Result) {
	if cb := task.meta().OnDone; cb != nil {
		cb(res)
	}
}
