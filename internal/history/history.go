// Package history keeps the bounded audit log of sync runs.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/records"
	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/store"
	"go.uber.org/zap"
)

// DefaultRetention bounds how many runs are kept when no retention is configured.
const DefaultRetention = 100

const orderRecentFirst = "timestamp DESC, id DESC"

var errMissingStore = errors.New("history: store is required")

// DetailStatus classifies one item's fate within a run.
type DetailStatus string

const (
	DetailSynced DetailStatus = "synced"
	DetailFailed DetailStatus = "failed"
)

// Detail describes one submitted item.
type Detail struct {
	EntityID  string             `json:"entityId"`
	Type      records.EntityType `json:"type"`
	Operation records.Operation  `json:"operation"`
	Status    DetailStatus       `json:"status"`
	Error     string             `json:"error,omitempty"`
}

// Entry is the immutable summary of one sync run.
type Entry struct {
	ID             int64    `json:"id"`
	Timestamp      int64    `json:"timestamp"`
	Success        bool     `json:"success"`
	ItemsSynced    int      `json:"itemsSynced"`
	ItemsFailed    int      `json:"itemsFailed"`
	DurationMillis int64    `json:"duration"`
	Message        string   `json:"message"`
	Details        []Detail `json:"details"`
}

type entryRow struct {
	ID          int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Timestamp   int64  `gorm:"column:timestamp"`
	Success     bool   `gorm:"column:success"`
	ItemsSynced int    `gorm:"column:items_synced"`
	ItemsFailed int    `gorm:"column:items_failed"`
	DurationMS  int64  `gorm:"column:duration_ms"`
	Message     string `gorm:"column:message"`
	DetailsJSON string `gorm:"column:details_json"`
}

func (entryRow) TableName() string {
	return store.HistoryTable
}

// Config controls retention and timestamps.
type Config struct {
	Retention int
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Log is the append-only run history.
type Log struct {
	store     *store.Store
	retention int
	clock     func() time.Time
	logger    *zap.Logger
}

// New binds the history log to the local store.
func New(localStore *store.Store, cfg Config) (*Log, error) {
	if localStore == nil {
		return nil, errMissingStore
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{store: localStore, retention: retention, clock: clock, logger: logger}, nil
}

// Retention reports the cap on stored entries.
func (l *Log) Retention() int {
	return l.retention
}

// Append stores the entry and prunes the oldest rows beyond the retention cap.
// A zero timestamp is stamped with the current time.
func (l *Log) Append(ctx context.Context, entry Entry) (Entry, error) {
	if entry.Timestamp == 0 {
		entry.Timestamp = l.clock().UnixMilli()
	}
	if entry.Details == nil {
		entry.Details = []Detail{}
	}
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return Entry{}, err
	}
	row := entryRow{
		Timestamp:   entry.Timestamp,
		Success:     entry.Success,
		ItemsSynced: entry.ItemsSynced,
		ItemsFailed: entry.ItemsFailed,
		DurationMS:  entry.DurationMillis,
		Message:     entry.Message,
		DetailsJSON: string(details),
	}

	err = l.store.Update(ctx, func(tx *store.Tx) error {
		if err := tx.DB().Create(&row).Error; err != nil {
			return err
		}
		keep := tx.DB().Model(&entryRow{}).Select("id").Order(orderRecentFirst).Limit(l.retention)
		return tx.DB().Where("id NOT IN (?)", keep).Delete(&entryRow{}).Error
	})
	if err != nil {
		l.logger.Error("sync history append failed", zap.Error(err))
		return Entry{}, err
	}
	entry.ID = row.ID
	return entry, nil
}

// Recent returns up to limit entries, most recent first. A non-positive limit or one past the
// retention cap is clamped to the cap. Read failures yield an empty list.
func (l *Log) Recent(ctx context.Context, limit int) []Entry {
	if limit <= 0 || limit > l.retention {
		limit = l.retention
	}
	db, err := l.store.Open(ctx)
	if err != nil {
		l.logger.Warn("sync history unavailable", zap.Error(err))
		return []Entry{}
	}
	var rows []entryRow
	if err := db.Order(orderRecentFirst).Limit(limit).Find(&rows).Error; err != nil {
		l.logger.Warn("sync history read failed", zap.Error(err))
		return []Entry{}
	}
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		details := []Detail{}
		if row.DetailsJSON != "" {
			if err := json.Unmarshal([]byte(row.DetailsJSON), &details); err != nil {
				l.logger.Warn("sync history details undecodable", zap.Int64("history_id", row.ID), zap.Error(err))
				details = []Detail{}
			}
		}
		entries = append(entries, Entry{
			ID:             row.ID,
			Timestamp:      row.Timestamp,
			Success:        row.Success,
			ItemsSynced:    row.ItemsSynced,
			ItemsFailed:    row.ItemsFailed,
			DurationMillis: row.DurationMS,
			Message:        row.Message,
			Details:        details,
		})
	}
	return entries
}

// Count returns the number of stored entries. Read failures count as zero.
func (l *Log) Count(ctx context.Context) int64 {
	db, err := l.store.Open(ctx)
	if err != nil {
		return 0
	}
	var count int64
	if err := db.Model(&entryRow{}).Count(&count).Error; err != nil {
		return 0
	}
	return count
}
