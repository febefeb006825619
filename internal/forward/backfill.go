package forward

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blockedby/tgrelay/internal/logger"
	"github.com/blockedby/tgrelay/internal/models"
	"github.com/blockedby/tgrelay/internal/queue"
)

// Progress is the advisory state of a running backfill.
type Progress struct {
	RunID      string    `json:"runID"`
	SourceID   int64     `json:"sourceID"`
	SourceName string    `json:"sourceName"`
	Chat       int       `json:"chat"`
	Chats      int       `json:"chats"`
	Processed  int       `json:"processed"`
	Total      int       `json:"total"`
	StartedAt  time.Time `json:"startedAt"`
}

// Percent returns processed/total in percent. An unknown total counts as done.
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return 100
	}
	return float64(p.Processed) / float64(p.Total) * 100
}

// ChatSummary is the backfill result of one source chat.
type ChatSummary struct {
	SourceID         int64  `json:"sourceID"`
	Planned          int    `json:"planned"`
	Processed        int    `json:"processed"`
	Forwarded        int    `json:"forwarded"`
	Skipped          int    `json:"skipped"`
	Failed           int    `json:"failed"`
	LastMessageID    int    `json:"lastMessageID"`
	Completed        bool   `json:"completed"`
	AlreadyCompleted bool   `json:"alreadyCompleted,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Summary aggregates one backfill run.
type Summary struct {
	RunID      string        `json:"runID"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	Chats      []ChatSummary `json:"chats"`
	Planned    int           `json:"planned"`
	Processed  int           `json:"processed"`
	Forwarded  int           `json:"forwarded"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	Cancelled  bool          `json:"cancelled"`
}

func (s *Summary) add(cs ChatSummary) {
	s.Chats = append(s.Chats, cs)
	s.Planned += cs.Planned
	s.Processed += cs.Processed
	s.Forwarded += cs.Forwarded
	s.Skipped += cs.Skipped
	s.Failed += cs.Failed
}

// String renders the console summary line.
func (s Summary) String() string {
	out := fmt.Sprintf("completed %d of %d", s.Forwarded, s.Planned)
	if s.Skipped > 0 || s.Failed > 0 {
		out += fmt.Sprintf(" (%d skipped, %d failed)", s.Skipped, s.Failed)
	}
	if s.Cancelled {
		out += ", interrupted"
	}
	return out
}

// Backfill replays the history of every active source chat, one chat at a
// time, resuming from saved checkpoints. On cancellation the current batch is
// given ShutdownGrace to finish, its checkpoint is saved and ctx.Err() is
// returned with the partial summary.
func (o *Orchestrator) Backfill(ctx context.Context) (*Summary, error) {
	configs := o.forwards.Active()
	if len(configs) == 0 {
		return nil, ErrNoActiveForwards
	}

	o.mu.Lock()
	if o.backfilling {
		o.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	o.backfilling = true
	o.mu.Unlock()

	sum := &Summary{RunID: uuid.NewString(), StartedAt: time.Now()}

	defer func() {
		o.mu.Lock()
		o.backfilling = false
		o.progress = nil
		last := *sum
		o.summary = &last
		o.mu.Unlock()
	}()

	o.log.Info().
		Str("run_id", sum.RunID).
		Int("chats", len(configs)).
		Bool("force", o.opts.Force).
		Msg("backfill: starting")

	for i, cfg := range configs {
		if ctx.Err() != nil {
			break
		}
		b := o.newChatBackfill(sum.RunID, i+1, len(configs), cfg)
		sum.add(b.run(ctx))
	}

	sum.FinishedAt = time.Now()
	sum.Cancelled = ctx.Err() != nil

	o.log.Info().
		Str("run_id", sum.RunID).
		Int("forwarded", sum.Forwarded).
		Int("failed", sum.Failed).
		Dur("took", sum.FinishedAt.Sub(sum.StartedAt)).
		Msg("backfill: " + sum.String())

	if sum.Cancelled {
		return sum, ctx.Err()
	}
	return sum, nil
}

// window is the message selection of one chat's backfill.
type window struct {
	since time.Time
	until time.Time
	after int
	head  int
}

func (w window) keep(m models.SourceMessage) bool {
	if m.ID <= w.after {
		return false
	}
	if w.head > 0 && m.ID > w.head {
		return false
	}
	if !w.since.IsZero() && m.Date.Before(w.since) {
		return false
	}
	if !w.until.IsZero() && m.Date.After(w.until) {
		return false
	}
	return true
}

// plan holds the page cursors of a chat, newest page first.
type plan struct {
	pages []HistoryQuery
	head  int
	total int
}

type chatBackfill struct {
	o     *Orchestrator
	cfg   models.ForwardConfig
	runID string
	log   *logger.Logger

	win      window
	summary  ChatSummary
	lastID   int // checkpointed
	consumed int // highest id handed to the forwarder or the album buffer
	album    []models.SourceMessage
	batch    *batch
	inBatch  int
}

func (o *Orchestrator) newChatBackfill(runID string, index, count int, cfg models.ForwardConfig) *chatBackfill {
	o.mu.Lock()
	o.progress = &Progress{
		RunID:      runID,
		SourceID:   cfg.SourceID,
		SourceName: cfg.SourceName,
		Chat:       index,
		Chats:      count,
		StartedAt:  time.Now(),
	}
	o.mu.Unlock()

	return &chatBackfill{
		o:       o,
		cfg:     cfg,
		runID:   runID,
		log:     &logger.Logger{Logger: o.log.With().Int64("source_id", cfg.SourceID).Logger()},
		summary: ChatSummary{SourceID: cfg.SourceID},
		batch:   newBatch(),
	}
}

func (b *chatBackfill) run(ctx context.Context) ChatSummary {
	o := b.o

	if cp, ok := o.checkpoints.Load(b.cfg.SourceID); ok {
		switch {
		case cp.Completed() && !o.opts.Force:
			b.log.Info().Int("last_message_id", cp.LastMessageID).Msg("backfill: already completed, skipping")
			b.summary.AlreadyCompleted = true
			b.summary.Completed = true
			b.summary.LastMessageID = cp.LastMessageID
			b.publish(ctx, StageSkipped, nil)
			return b.summary
		case cp.Completed():
			if err := o.checkpoints.Reset(b.cfg.SourceID); err != nil {
				b.log.Warn().Err(err).Msg("backfill: failed to reset checkpoint")
			}
		default:
			b.lastID = cp.LastMessageID
		}
	}

	b.consumed = b.lastID
	b.summary.LastMessageID = b.lastID
	b.win = window{
		since: b.cfg.Since(o.opts.Location),
		until: b.cfg.Until(o.opts.Location),
		after: b.lastID,
	}

	b.log.Info().
		Int("resume_after", b.lastID).
		Time("since", b.win.since).
		Time("until", b.win.until).
		Msg("backfill: planning " + b.cfg.String())
	b.publish(ctx, StageStarted, nil)

	p, err := b.plan(ctx)
	if err != nil {
		return b.abort(ctx, err)
	}
	b.win.head = p.head
	b.summary.Planned = p.total
	b.setProgress(func(pr *Progress) { pr.Total = p.total })

	b.log.Info().
		Int("pages", len(p.pages)).
		Int("messages", p.total).
		Int("head", p.head).
		Msg("backfill: forwarding")

	if err := b.replay(ctx, p); err != nil {
		return b.abort(ctx, err)
	}

	b.flushAlbum(ctx)
	if !b.commit(ctx, models.CheckpointCompleted) {
		b.log.Info().Int("last_message_id", b.lastID).Msg("backfill: interrupted before the last batch finished")
		b.publish(ctx, StageInterrupted, nil)
		return b.summary
	}
	b.summary.Completed = true

	b.log.Info().
		Int("forwarded", b.summary.Forwarded).
		Int("planned", b.summary.Planned).
		Int("failed", b.summary.Failed).
		Msg("backfill: chat completed")
	b.publish(ctx, StageCompleted, nil)
	return b.summary
}

// abort saves progress after a cancellation or a history read failure.
func (b *chatBackfill) abort(ctx context.Context, err error) ChatSummary {
	b.commit(ctx, models.CheckpointInProgress)

	if ctx.Err() != nil {
		b.log.Info().Int("last_message_id", b.lastID).Msg("backfill: interrupted")
		b.publish(ctx, StageInterrupted, nil)
		return b.summary
	}

	b.log.Error().Err(err).Int("last_message_id", b.lastID).Msg("backfill: chat failed")
	b.summary.Error = err.Error()
	b.publish(ctx, StageFailed, err)
	return b.summary
}

// plan walks history backward from the newest message inside the window and
// records page cursors. Messages arriving after planning are left to live mode.
func (b *chatBackfill) plan(ctx context.Context) (*plan, error) {
	chunk := b.o.opts.ChunkSize
	q := HistoryQuery{ChatID: b.cfg.SourceID, MinID: b.win.after, Limit: chunk}
	if !b.win.until.IsZero() {
		q.OffsetDate = b.win.until.Add(time.Nanosecond)
	}

	p := &plan{}
	w := b.win
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, err := b.o.platform.FetchHistory(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("fetch history page %d: %w", len(p.pages)+1, err)
		}
		if len(raw) == 0 {
			break
		}
		if p.head == 0 {
			p.head = maxID(raw)
			w.head = p.head
		}

		kept := 0
		for _, m := range raw {
			if w.keep(m) {
				kept++
			}
		}
		if kept == 0 {
			break
		}
		p.pages = append(p.pages, q)
		p.total += kept

		if len(raw) < q.Limit || olderThan(raw, w.since) {
			break
		}
		q = HistoryQuery{ChatID: b.cfg.SourceID, OffsetID: minID(raw), MinID: b.win.after, Limit: chunk}
	}

	// pin the newest page so messages arriving later do not shift it
	if len(p.pages) > 0 {
		p.pages[0].OffsetID = p.head + 1
	}
	return p, nil
}

// replay fetches the planned pages oldest first and forwards each page
// oldest message first.
func (b *chatBackfill) replay(ctx context.Context, p *plan) error {
	for page := len(p.pages) - 1; page >= 0; page-- {
		if err := ctx.Err(); err != nil {
			return err
		}

		raw, err := b.o.platform.FetchHistory(ctx, p.pages[page])
		if err != nil {
			return fmt.Errorf("fetch history page %d: %w", page+1, err)
		}

		msgs := make([]models.SourceMessage, 0, len(raw))
		for _, m := range raw {
			// pages may overlap when messages were deleted in between
			if m.ID > b.consumed && b.win.keep(m) {
				msgs = append(msgs, m)
			}
		}
		sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })

		for _, m := range msgs {
			if err := ctx.Err(); err != nil {
				return err
			}
			b.handle(ctx, m)
		}
	}
	return nil
}

func (b *chatBackfill) handle(ctx context.Context, m models.SourceMessage) {
	b.consumed = m.ID

	if m.IsGrouped() {
		if len(b.album) > 0 && b.album[0].GroupedID != m.GroupedID {
			b.flushAlbum(ctx)
		}
		b.album = append(b.album, m)
		return
	}

	b.flushAlbum(ctx)
	b.dispatch(ctx, []models.SourceMessage{m})
}

func (b *chatBackfill) flushAlbum(ctx context.Context) {
	if len(b.album) == 0 {
		return
	}
	msgs := b.album
	b.album = nil
	b.dispatch(ctx, msgs)
}

// dispatch hands one message or one album to the forwarder and saves a
// checkpoint once a batch is full.
func (b *chatBackfill) dispatch(ctx context.Context, msgs []models.SourceMessage) {
	dest := b.cfg.DestinationID
	id := msgs[len(msgs)-1].ID
	n := len(msgs)

	bt := b.batch
	bt.add(id)
	meta := queue.Meta{
		OnDone: func(res queue.Result) { bt.complete(id, n, res) },
		Cancel: bt.cancel,
	}

	var out Outcome
	if msgs[0].IsGrouped() {
		out = b.o.forwarder.ForwardAlbum(ctx, dest, msgs, meta)
	} else {
		out = b.o.forwarder.Forward(ctx, dest, msgs[0], 0, meta)
	}

	switch out.Status {
	case OutcomeSkipped:
		bt.complete(id, n, queue.Skipped(out.Reason))
	case OutcomeFailed:
		b.log.Warn().Err(out.Err).Int("message_id", msgs[0].ID).Msg("backfill: message not forwarded")
		bt.complete(id, n, queue.Failed(out.Err))
	}

	b.summary.Processed += n
	b.setProgress(func(p *Progress) { p.Processed = b.summary.Processed })

	b.inBatch += n
	if b.inBatch >= b.o.opts.BatchSize {
		b.commit(ctx, models.CheckpointInProgress)
	}
}

// commit waits for the current batch and persists the checkpoint. It reports
// false when the batch did not finish in time; a completed status is then
// downgraded, the batch's unstarted tasks are cancelled and tasks still in
// flight save the checkpoint themselves when they finish. A checkpoint write
// error is logged and retried by the next commit.
func (b *chatBackfill) commit(ctx context.Context, status models.CheckpointStatus) bool {
	bt := b.batch
	finished := b.wait(ctx, bt)
	if !finished {
		b.log.Warn().Msg("backfill: batch did not finish within grace period, cancelling the rest")
		status = models.CheckpointInProgress
		bt.abandon(b.saveLate)
	}

	if id, ok := bt.committed(); ok && id > b.lastID {
		b.lastID = id
	}
	forwarded, skippedN, failedN := bt.counts()
	b.summary.Forwarded += forwarded
	b.summary.Skipped += skippedN
	b.summary.Failed += failedN
	b.summary.LastMessageID = b.lastID

	b.batch = newBatch()
	b.inBatch = 0

	cp, err := b.o.checkpoints.Save(b.cfg.SourceID, b.lastID, status)
	if err != nil {
		b.log.Error().Err(err).Int("last_message_id", b.lastID).Msg("backfill: failed to save checkpoint")
		return finished
	}

	b.log.Debug().
		Int("last_message_id", cp.LastMessageID).
		Str("status", string(cp.Status)).
		Int("processed", b.summary.Processed).
		Int("total", b.summary.Planned).
		Msg("backfill: checkpoint saved")
	if status == models.CheckpointInProgress && ctx.Err() == nil {
		b.publish(ctx, StageCheckpoint, nil)
	}
	return finished
}

// saveLate records a task of an abandoned batch that finished after commit.
func (b *chatBackfill) saveLate(id int) {
	cp, err := b.o.checkpoints.Save(b.cfg.SourceID, id, models.CheckpointInProgress)
	if err != nil {
		b.log.Error().Err(err).Int("last_message_id", id).Msg("backfill: failed to save checkpoint")
		return
	}
	b.log.Debug().Int("last_message_id", cp.LastMessageID).Msg("backfill: checkpoint advanced by a late send")
}

// wait blocks until every task of bt finished. After ctx is cancelled it
// waits at most ShutdownGrace.
func (b *chatBackfill) wait(ctx context.Context, bt *batch) bool {
	finished := make(chan struct{})
	go func() {
		bt.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return true
	case <-ctx.Done():
	}

	timer := time.NewTimer(b.o.opts.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-finished:
		return true
	case <-timer.C:
		return false
	}
}

func (b *chatBackfill) setProgress(update func(*Progress)) {
	b.o.mu.Lock()
	defer b.o.mu.Unlock()
	if b.o.progress != nil {
		update(b.o.progress)
	}
}

func (b *chatBackfill) publish(ctx context.Context, stage string, err error) {
	if b.o.publisher == nil {
		return
	}
	ev := BackfillEvent{
		RunID:         b.runID,
		SourceID:      b.cfg.SourceID,
		Stage:         stage,
		LastMessageID: b.lastID,
		Processed:     b.summary.Processed,
		Total:         b.summary.Planned,
		Timestamp:     time.Now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	// the run context may already be cancelled
	if perr := b.o.publisher.PublishBackfill(context.WithoutCancel(ctx), ev); perr != nil {
		b.log.Warn().Err(perr).Str("stage", stage).Msg("backfill: failed to publish event")
	}
}

// batch tracks the tasks handed to the forwarder since the last checkpoint.
type batch struct {
	wg     sync.WaitGroup
	cancel chan struct{}

	mu        sync.Mutex
	ids       []int        // last message id per task, ascending
	done      map[int]bool // finished tasks; false when never sent
	abandoned bool
	late      func(id int)
	forwarded int
	skipped   int
	failed    int
}

func newBatch() *batch {
	return &batch{done: make(map[int]bool), cancel: make(chan struct{})}
}

func (bt *batch) add(id int) {
	bt.mu.Lock()
	bt.ids = append(bt.ids, id)
	bt.mu.Unlock()
	bt.wg.Add(1)
}

func (bt *batch) complete(id, n int, res queue.Result) {
	bt.mu.Lock()
	if _, ok := bt.done[id]; ok {
		bt.mu.Unlock()
		return
	}
	bt.done[id] = res.Attempted()
	switch {
	case !res.Attempted():
	case res.Status == queue.StatusOK:
		bt.forwarded += n
	case res.Status == queue.StatusSkipped:
		bt.skipped += n
	default:
		bt.failed += n
	}
	late := bt.late
	bt.mu.Unlock()
	bt.wg.Done()

	if late != nil {
		if last, ok := bt.committed(); ok {
			late(last)
		}
	}
}

// abandon cancels the tasks no worker picked up yet. Tasks finishing
// afterwards report the new committed id to late.
func (bt *batch) abandon(late func(id int)) {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	if bt.abandoned {
		return
	}
	bt.abandoned = true
	bt.late = late
	close(bt.cancel)
}

// committed returns the highest id of the sent prefix of the batch.
// Failed sends count as sent; cancelled or dropped tasks end the prefix.
func (bt *batch) committed() (int, bool) {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	last, ok := 0, false
	for _, id := range bt.ids {
		if !bt.done[id] {
			break
		}
		last, ok = id, true
	}
	return last, ok
}

func (bt *batch) counts() (forwarded, skipped, failed int) {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	return bt.forwarded, bt.skipped, bt.failed
}

func maxID(msgs []models.SourceMessage) int {
	id := 0
	for _, m := range msgs {
		if m.ID > id {
			id = m.ID
		}
	}
	return id
}

func minID(msgs []models.SourceMessage) int {
	id := 0
	for i, m := range msgs {
		if i == 0 || m.ID < id {
			id = m.ID
		}
	}
	return id
}

func olderThan(msgs []models.SourceMessage, since time.Time) bool {
	if since.IsZero() {
		return false
	}
	for _, m := range msgs {
		if m.Date.Before(since) {
			return true
		}
	}
	return false
}
