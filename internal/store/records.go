package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opCount    = "store.count"
	opGet      = "store.get"
	opQuery    = "store.query"
	opPut      = "store.put"
	opDelete   = "store.delete"
	fieldStore = "store"
	fieldID    = "entity_id"
)

type recordRow struct {
	ID              string `gorm:"column:id;primaryKey"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms"`
	Modified        int64  `gorm:"column:modified"`
	SyncStatus      string `gorm:"column:sync_status"`
	Deleted         bool   `gorm:"column:deleted"`
	Category        string `gorm:"column:category"`
	PayloadJSON     string `gorm:"column:payload_json"`
}

func rowFromRecord(record records.Record) (recordRow, error) {
	data := record.Data
	if data == nil {
		data = map[string]any{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return recordRow{}, err
	}
	category := record.Category
	if category == "" {
		category = record.DeriveCategory()
	}
	return recordRow{
		ID:              record.ID,
		CreatedAtMillis: record.CreatedAt,
		Modified:        record.Modified,
		SyncStatus:      string(record.SyncStatus),
		Deleted:         record.Deleted,
		Category:        category,
		PayloadJSON:     string(payload),
	}, nil
}

func (row recordRow) toRecord(entityType records.EntityType) (records.Record, error) {
	data := map[string]any{}
	if row.PayloadJSON != "" {
		if err := json.Unmarshal([]byte(row.PayloadJSON), &data); err != nil {
			return records.Record{}, err
		}
	}
	return records.Record{
		ID:         row.ID,
		Type:       entityType,
		CreatedAt:  row.CreatedAtMillis,
		Modified:   row.Modified,
		SyncStatus: records.SyncStatus(row.SyncStatus),
		Deleted:    row.Deleted,
		Category:   row.Category,
		Data:       data,
	}, nil
}

// Tx scopes record access to one storage transaction.
type Tx struct {
	db *gorm.DB
}

// DB exposes the transaction handle to collaborators sharing it.
func (tx *Tx) DB() *gorm.DB {
	return tx.db
}

// Get loads a record, tombstones included. Errors propagate because the caller is writing.
func (tx *Tx) Get(entityType records.EntityType, id string) (records.Record, bool, error) {
	if _, err := records.ParseEntityType(entityType.String()); err != nil {
		return records.Record{}, false, err
	}
	var row recordRow
	err := tx.db.Table(entityType.String()).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return records.Record{}, false, nil
	}
	if err != nil {
		return records.Record{}, false, err
	}
	record, err := row.toRecord(entityType)
	if err != nil {
		return records.Record{}, false, err
	}
	return record, true, nil
}

// Put inserts or replaces a record.
func (tx *Tx) Put(record records.Record) error {
	if _, err := records.ParseEntityType(record.Type.String()); err != nil {
		return err
	}
	if _, err := records.ValidateEntityID(record.ID); err != nil {
		return err
	}
	row, err := rowFromRecord(record)
	if err != nil {
		return err
	}
	return tx.db.Table(record.Type.String()).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(&row).Error
}

// Delete physically removes a record.
func (tx *Tx) Delete(entityType records.EntityType, id string) error {
	if _, err := records.ParseEntityType(entityType.String()); err != nil {
		return err
	}
	return tx.db.Table(entityType.String()).Where("id = ?", id).Delete(&recordRow{}).Error
}

// Update runs fn inside one transaction spanning every table.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	db, err := s.Open(ctx)
	if err != nil {
		return err
	}
	return db.Transaction(func(transaction *gorm.DB) error {
		return fn(&Tx{db: transaction})
	})
}

// Put writes a record in its own transaction. Errors propagate to the caller.
func (s *Store) Put(ctx context.Context, record records.Record) error {
	err := s.Update(ctx, func(tx *Tx) error {
		return tx.Put(record)
	})
	if err != nil {
		s.logError(opPut, "write_failed", err, zap.String(fieldStore, record.Type.String()), zap.String(fieldID, record.ID))
		return newStoreError(opPut, "write_failed", err)
	}
	return nil
}

// Delete physically removes a record. Errors propagate to the caller.
func (s *Store) Delete(ctx context.Context, entityType records.EntityType, id string) error {
	err := s.Update(ctx, func(tx *Tx) error {
		return tx.Delete(entityType, id)
	})
	if err != nil {
		s.logError(opDelete, "write_failed", err, zap.String(fieldStore, entityType.String()), zap.String(fieldID, id))
		return newStoreError(opDelete, "write_failed", err)
	}
	return nil
}

// Get loads one record, tombstones included. Read failures degrade to "not found".
func (s *Store) Get(ctx context.Context, entityType records.EntityType, id string) (records.Record, bool) {
	db, err := s.Open(ctx)
	if err != nil {
		s.logWarn(opGet, "open_failed", err, zap.String(fieldStore, entityType.String()))
		return records.Record{}, false
	}
	record, found, err := (&Tx{db: db}).Get(entityType, id)
	if err != nil {
		s.logWarn(opGet, "read_failed", err, zap.String(fieldStore, entityType.String()), zap.String(fieldID, id))
		return records.Record{}, false
	}
	return record, found
}

// GetAll loads every record of a store ordered by modification time, tombstones included.
// Read failures degrade to an empty slice.
func (s *Store) GetAll(ctx context.Context, entityType records.EntityType) []records.Record {
	return s.Query(ctx, entityType, nil)
}

// Query returns the records matching predicate; a nil predicate matches everything.
// Read failures degrade to an empty slice and undecodable rows are skipped.
func (s *Store) Query(ctx context.Context, entityType records.EntityType, predicate func(records.Record) bool) []records.Record {
	if _, err := records.ParseEntityType(entityType.String()); err != nil {
		s.logWarn(opQuery, "unknown_store", err)
		return []records.Record{}
	}
	db, err := s.Open(ctx)
	if err != nil {
		s.logWarn(opQuery, "open_failed", err, zap.String(fieldStore, entityType.String()))
		return []records.Record{}
	}

	var rows []recordRow
	if err := db.Table(entityType.String()).Order("modified ASC, id ASC").Find(&rows).Error; err != nil {
		s.logWarn(opQuery, "read_failed", err, zap.String(fieldStore, entityType.String()))
		return []records.Record{}
	}

	result := make([]records.Record, 0, len(rows))
	for _, row := range rows {
		record, err := row.toRecord(entityType)
		if err != nil {
			s.logWarn(opQuery, "decode_failed", err, zap.String(fieldStore, entityType.String()), zap.String(fieldID, row.ID))
			continue
		}
		if predicate != nil && !predicate(record) {
			continue
		}
		result = append(result, record)
	}
	return result
}

// CountByStatus counts live records with the given sync status. Read failures count as zero.
func (s *Store) CountByStatus(ctx context.Context, entityType records.EntityType, status records.SyncStatus) int64 {
	db, err := s.Open(ctx)
	if err != nil {
		return 0
	}
	var count int64
	if err := db.Table(entityType.String()).
		Where("sync_status = ? AND deleted = ?", string(status), false).
		Count(&count).Error; err != nil {
		s.logWarn(opCount, "count_failed", err, zap.String(fieldStore, entityType.String()))
		return 0
	}
	return count
}

func (s *Store) logWarn(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Warn("local store read degraded", attrs...)
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("local store error", attrs...)
}
