package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/blockedby/tgrelay/internal/models"
)

// CheckpointStore keeps backfill checkpoints in a single JSON file,
// one record per source chat id.
type CheckpointStore struct {
	path string
	now  func() time.Time

	mu      sync.Mutex
	records map[int64]models.Checkpoint
}

// OpenCheckpointStore reads the file at path. A missing file is an empty store.
func OpenCheckpointStore(path string) (*CheckpointStore, error) {
	s := &CheckpointStore{
		path:    path,
		now:     time.Now,
		records: make(map[int64]models.Checkpoint),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read checkpoints: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}

	var raw map[string]models.Checkpoint
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse checkpoints %s: %w", path, err)
	}
	for k, v := range raw {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse checkpoint key %q: %w", k, err)
		}
		s.records[id] = v
	}
	return s, nil
}

// Path returns the backing file.
func (s *CheckpointStore) Path() string {
	return s.path
}

// Load returns the checkpoint of a source chat.
func (s *CheckpointStore) Load(sourceID int64) (models.Checkpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.records[sourceID]
	return cp, ok
}

// Save records progress for a source chat and writes the file.
// LastMessageID never moves backwards, except through Reset.
// The in-memory record is updated even when the write fails.
func (s *CheckpointStore) Save(sourceID int64, lastMessageID int, status models.CheckpointStatus) (models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cp := s.records[sourceID]
	if lastMessageID > cp.LastMessageID {
		cp.LastMessageID = lastMessageID
	}
	cp.Status = status
	cp.Timestamp = now
	if status == models.CheckpointCompleted {
		cp.CompletedAt = &now
	} else {
		cp.CompletedAt = nil
	}
	s.records[sourceID] = cp

	return cp, s.flushLocked()
}

// Reset removes the checkpoint of a source chat so the next backfill starts over.
func (s *CheckpointStore) Reset(sourceID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, sourceID)
	return s.flushLocked()
}

// List returns all checkpoints keyed by source chat id.
func (s *CheckpointStore) List() map[int64]models.Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int64]models.Checkpoint, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out
}

// Flush rewrites the file from memory. Used to retry after a failed Save.
func (s *CheckpointStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *CheckpointStore) flushLocked() error {
	raw := make(map[string]models.Checkpoint, len(s.records))
	for id, cp := range s.records {
		raw[strconv.FormatInt(id, 10)] = cp
	}

	data, err := json.MarshalIndent(raw, "", "    ")
	if err != nil {
		return fmt.Errorf("encode checkpoints: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create checkpoint dir: %w", err)
		}
	}

	// write-then-rename so a crash never leaves a half-written file
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write checkpoints: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close checkpoints: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace checkpoints: %w", err)
	}
	return nil
}
