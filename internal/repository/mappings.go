package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/blockedby/tgrelay/internal/models"
)

type mappingKey struct {
	sourceChat int64
	sourceMsg  int
	destChat   int64
}

// MappingsRepository stores which destination message a source message became.
// It is safe for concurrent use by the live handler and the backfill loop.
type MappingsRepository struct {
	db *gorm.DB

	// writeMu orders Puts so the cache ends with the value written last
	writeMu sync.Mutex

	mu    sync.RWMutex
	cache map[mappingKey]int
}

// NewMappingsRepository creates a repository over db and ensures its table exists.
func NewMappingsRepository(db *gorm.DB) (*MappingsRepository, error) {
	if err := db.AutoMigrate(&models.ReplyMapping{}); err != nil {
		return nil, fmt.Errorf("migrate reply_mappings: %w", err)
	}
	return &MappingsRepository{
		db:    db,
		cache: make(map[mappingKey]int),
	}, nil
}

// Put records that sourceMsg in sourceChat was delivered as destMsg in destChat.
// Writing an existing key replaces its value.
func (r *MappingsRepository) Put(ctx context.Context, sourceChat int64, sourceMsg int, destChat int64, destMsg int) error {
	m := &models.ReplyMapping{
		SourceChatID:         sourceChat,
		SourceMessageID:      sourceMsg,
		DestinationChatID:    destChat,
		DestinationMessageID: destMsg,
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "source_chat_id"},
			{Name: "source_message_id"},
			{Name: "destination_chat_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"destination_message_id", "updated_at"}),
	}).Create(m).Error
	if err != nil {
		return fmt.Errorf("save reply mapping %d:%d -> %d: %w", sourceChat, sourceMsg, destChat, err)
	}

	r.mu.Lock()
	r.cache[mappingKey{sourceChat, sourceMsg, destChat}] = destMsg
	r.mu.Unlock()
	return nil
}

// Get returns the destination message id for a source message, if one was recorded.
func (r *MappingsRepository) Get(ctx context.Context, sourceChat int64, sourceMsg int, destChat int64) (int, bool, error) {
	key := mappingKey{sourceChat, sourceMsg, destChat}

	r.mu.RLock()
	id, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return id, true, nil
	}

	var m models.ReplyMapping
	err := r.db.WithContext(ctx).
		Where("source_chat_id = ? AND source_message_id = ? AND destination_chat_id = ?", sourceChat, sourceMsg, destChat).
		Take(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("get reply mapping %d:%d -> %d: %w", sourceChat, sourceMsg, destChat, err)
	}

	// a Put that finished meanwhile holds the newer value
	r.mu.Lock()
	if cached, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return cached, true, nil
	}
	r.cache[key] = m.DestinationMessageID
	r.mu.Unlock()
	return m.DestinationMessageID, true, nil
}

// Count returns the number of stored mappings.
func (r *MappingsRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&models.ReplyMapping{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count reply mappings: %w", err)
	}
	return n, nil
}
