// Package queue persists pending sync intents next to the records they describe.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/records"
	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	columnEntity    = "entity_type = ? AND entity_id = ?"
	orderChronology = "timestamp ASC, id ASC"
)

var errMissingStore = errors.New("queue: store is required")

// Entry is one durable sync intent.
type Entry struct {
	ID        string             `json:"id"`
	Operation records.Operation  `json:"operation"`
	Type      records.EntityType `json:"type"`
	EntityID  string             `json:"entityId"`
	Data      json.RawMessage    `json:"data"`
	Timestamp int64              `json:"timestamp"`
}

// EntryID builds the composite key type-entityId-timestamp.
func EntryID(entityType records.EntityType, entityID string, timestamp int64) string {
	return fmt.Sprintf("%s-%s-%d", entityType, entityID, timestamp)
}

// Stamp positions the entry on the last-write-wins timeline.
func (e Entry) Stamp() records.Stamp {
	return records.Stamp{Modified: e.Timestamp, Key: e.ID}
}

type entryRow struct {
	ID         string `gorm:"column:id;primaryKey"`
	Operation  string `gorm:"column:operation"`
	EntityType string `gorm:"column:entity_type"`
	EntityID   string `gorm:"column:entity_id"`
	DataJSON   string `gorm:"column:data_json"`
	Timestamp  int64  `gorm:"column:timestamp"`
}

func (entryRow) TableName() string {
	return store.QueueTable
}

func (row entryRow) stamp() records.Stamp {
	return records.Stamp{Modified: row.Timestamp, Key: row.ID}
}

func (row entryRow) toEntry() (Entry, error) {
	operation, err := records.ParseOperation(row.Operation)
	if err != nil {
		return Entry{}, err
	}
	entityType, err := records.ParseEntityType(row.EntityType)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		ID:        row.ID,
		Operation: operation,
		Type:      entityType,
		EntityID:  row.EntityID,
		Data:      json.RawMessage(row.DataJSON),
		Timestamp: row.Timestamp,
	}, nil
}

// Queue is the append-only intent list.
type Queue struct {
	store  *store.Store
	logger *zap.Logger
}

// New binds the queue to the local store.
func New(localStore *store.Store, logger *zap.Logger) (*Queue, error) {
	if localStore == nil {
		return nil, errMissingStore
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{store: localStore, logger: logger}, nil
}

// Append records an intent inside the caller's transaction.
func (q *Queue) Append(tx *store.Tx, entry Entry) error {
	if entry.ID == "" {
		entry.ID = EntryID(entry.Type, entry.EntityID, entry.Timestamp)
	}
	data := entry.Data
	if len(data) == 0 {
		data = records.DeleteSnapshot(entry.EntityID)
	}
	return tx.DB().Create(&entryRow{
		ID:         entry.ID,
		Operation:  string(entry.Operation),
		EntityType: entry.Type.String(),
		EntityID:   entry.EntityID,
		DataJSON:   string(data),
		Timestamp:  entry.Timestamp,
	}).Error
}

// List returns every entry in chronological order.
// Rows with an unknown operation or entity type are skipped with a warning.
func (q *Queue) List(ctx context.Context) ([]Entry, error) {
	db, err := q.store.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: open: %w", err)
	}
	var rows []entryRow
	if err := db.Order(orderChronology).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("queue: list: %w", err)
	}
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := row.toEntry()
		if err != nil {
			q.logger.Warn("skipping unreadable sync queue entry", zap.String("entry_id", row.ID), zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Count returns the number of pending entries. Read failures count as zero.
func (q *Queue) Count(ctx context.Context) int64 {
	db, err := q.store.Open(ctx)
	if err != nil {
		return 0
	}
	var count int64
	if err := db.Model(&entryRow{}).Count(&count).Error; err != nil {
		q.logger.Warn("sync queue count failed", zap.Error(err))
		return 0
	}
	return count
}

// RemoveForEntity drops every entry referencing the entity.
func (q *Queue) RemoveForEntity(tx *store.Tx, entityType records.EntityType, entityID string) error {
	return tx.DB().Where(columnEntity, entityType.String(), entityID).Delete(&entryRow{}).Error
}

// RemoveThrough drops the entity's entries that the given stamp supersedes or equals.
// Entries written after it stay queued.
func (q *Queue) RemoveThrough(tx *store.Tx, entityType records.EntityType, entityID string, through records.Stamp) error {
	var rows []entryRow
	if err := tx.DB().Where(columnEntity, entityType.String(), entityID).Find(&rows).Error; err != nil {
		return err
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if records.Compare(row.stamp(), through) <= 0 {
			ids = append(ids, row.ID)
		}
	}
	return removeIDs(tx.DB(), ids)
}

func removeIDs(db *gorm.DB, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return db.Where("id IN ?", ids).Delete(&entryRow{}).Error
}
