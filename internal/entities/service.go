// Package entities intercepts every entity mutation so the record and its sync intent land together.
package entities

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/queue"
	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/records"
	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/store"
	"go.uber.org/zap"
)

var (
	errMissingStore      = errors.New("local store is required")
	errMissingQueue      = errors.New("sync queue is required")
	errMissingIDProvider = errors.New("id provider is required")
	// ErrNotFound indicates that no record exists for the requested id.
	ErrNotFound = errors.New("entities: record not found")
	noOpLogger  = zap.NewNop()
)

// ServiceError carries an operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "entities.service.new"
	opSave       = "entities.save"
	opRemove     = "entities.remove"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Store      *store.Store
	Queue      *queue.Queue
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

type IDProvider interface {
	NewID() (string, error)
}

// Service writes records and their queue intents in one storage transaction.
type Service struct {
	store      *store.Store
	queue      *queue.Queue
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger

	mu        sync.Mutex
	lastStamp int64
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Queue == nil {
		return nil, newServiceError(opServiceNew, "missing_queue", errMissingQueue)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		store:      cfg.Store,
		queue:      cfg.Queue,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Save writes the record as pending and queues a create or update intent for it.
func (s *Service) Save(ctx context.Context, record records.Record) (string, error) {
	entityType, err := records.ParseEntityType(record.Type.String())
	if err != nil {
		s.logError(opSave, "invalid_type", err)
		return "", newServiceError(opSave, "invalid_type", err)
	}
	record.Type = entityType

	if record.ID == "" {
		id, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opSave, "id_generation_failed", err, zap.String("entity_type", entityType.String()))
			return "", newServiceError(opSave, "id_generation_failed", err)
		}
		record.ID = id
	} else {
		id, err := records.ValidateEntityID(record.ID)
		if err != nil {
			s.logError(opSave, "invalid_id", err, zap.String("entity_type", entityType.String()))
			return "", newServiceError(opSave, "invalid_id", err)
		}
		record.ID = id
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.store.Update(ctx, func(tx *store.Tx) error {
		existing, found, err := tx.Get(record.Type, record.ID)
		if err != nil {
			return err
		}

		stamp := s.nextStamp(existing.Modified)
		operation := records.OperationCreate
		if found {
			operation = records.OperationUpdate
		}
		if record.CreatedAt == 0 {
			record.CreatedAt = stamp
			if found && existing.CreatedAt != 0 {
				record.CreatedAt = existing.CreatedAt
			}
		}
		record.Modified = stamp
		record.SyncStatus = records.SyncStatusPending
		record.Deleted = false
		record.Category = record.DeriveCategory()

		if err := tx.Put(record); err != nil {
			return err
		}
		snapshot, err := record.Snapshot()
		if err != nil {
			return err
		}
		return s.queue.Append(tx, queue.Entry{
			Operation: operation,
			Type:      record.Type,
			EntityID:  record.ID,
			Data:      snapshot,
			Timestamp: stamp,
		})
	})
	if err != nil {
		s.logError(opSave, "write_failed", err, zap.String("entity_type", record.Type.String()), zap.String("entity_id", record.ID))
		return "", newServiceError(opSave, "write_failed", err)
	}
	s.commitStamp(record.Modified)
	return record.ID, nil
}

// Remove tombstones the record and queues a delete intent. Removing a tombstone is a no-op.
func (s *Service) Remove(ctx context.Context, entityType records.EntityType, id string) error {
	parsedType, err := records.ParseEntityType(entityType.String())
	if err != nil {
		s.logError(opRemove, "invalid_type", err)
		return newServiceError(opRemove, "invalid_type", err)
	}
	id, err = records.ValidateEntityID(id)
	if err != nil {
		s.logError(opRemove, "invalid_id", err, zap.String("entity_type", parsedType.String()))
		return newServiceError(opRemove, "invalid_id", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var stamp int64
	err = s.store.Update(ctx, func(tx *store.Tx) error {
		existing, found, err := tx.Get(parsedType, id)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		if existing.Deleted {
			return nil
		}

		stamp = s.nextStamp(existing.Modified)
		existing.Deleted = true
		existing.SyncStatus = records.SyncStatusPending
		existing.Modified = stamp
		if err := tx.Put(existing); err != nil {
			return err
		}
		return s.queue.Append(tx, queue.Entry{
			Operation: records.OperationDelete,
			Type:      parsedType,
			EntityID:  id,
			Data:      records.DeleteSnapshot(id),
			Timestamp: stamp,
		})
	})
	if errors.Is(err, ErrNotFound) {
		return newServiceError(opRemove, "not_found", err)
	}
	if err != nil {
		s.logError(opRemove, "write_failed", err, zap.String("entity_type", parsedType.String()), zap.String("entity_id", id))
		return newServiceError(opRemove, "write_failed", err)
	}
	if stamp != 0 {
		s.commitStamp(stamp)
	}
	return nil
}

// Find loads a live record. Tombstones read as missing.
func (s *Service) Find(ctx context.Context, entityType records.EntityType, id string) (records.Record, bool) {
	record, found := s.store.Get(ctx, entityType, id)
	if !found || record.Deleted {
		return records.Record{}, false
	}
	return record, true
}

// List returns every live record of a type ordered by modification time.
func (s *Service) List(ctx context.Context, entityType records.EntityType) []records.Record {
	return s.Query(ctx, entityType, nil)
}

// Query returns the live records matching predicate; nil matches everything.
func (s *Service) Query(ctx context.Context, entityType records.EntityType, predicate func(records.Record) bool) []records.Record {
	return s.store.Query(ctx, entityType, func(record records.Record) bool {
		if record.Deleted {
			return false
		}
		return predicate == nil || predicate(record)
	})
}

// PendingByType counts the live records of each type that carry unsynced edits.
func (s *Service) PendingByType(ctx context.Context) map[records.EntityType]int64 {
	counts := make(map[records.EntityType]int64, len(records.EntityTypes()))
	for _, entityType := range records.EntityTypes() {
		counts[entityType] = s.store.CountByStatus(ctx, entityType, records.SyncStatusPending)
	}
	return counts
}

// nextStamp returns a millisecond stamp later than both the last issued stamp and the stored one.
// Callers hold s.mu.
func (s *Service) nextStamp(stored int64) int64 {
	stamp := s.clock().UnixMilli()
	if stamp <= s.lastStamp {
		stamp = s.lastStamp + 1
	}
	if stamp <= stored {
		stamp = stored + 1
	}
	return stamp
}

func (s *Service) commitStamp(stamp int64) {
	if stamp > s.lastStamp {
		s.lastStamp = stamp
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("entities service error", attrs...)
}
