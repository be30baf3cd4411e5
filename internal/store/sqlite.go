package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	opStoreNew    = "store.new"
	opStoreOpen   = "store.open"
	sqlitePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
)

var (
	errMissingPath = errors.New("database path is required")
	// ErrClosed is returned when a closed store is used.
	ErrClosed = errors.New("store: closed")
)

// StoreError carries an operation.reason code alongside the cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Config describes how the local store is opened.
type Config struct {
	Path          string
	TargetVersion int
	Logger        *zap.Logger
	Clock         func() time.Time
}

// Store is the versioned local record store. The underlying connection is opened lazily
// and shared by every caller.
type Store struct {
	path          string
	targetVersion int
	logger        *zap.Logger
	clock         func() time.Time
	capacity      func(path string) (uint64, error)

	mu     sync.Mutex
	db     *gorm.DB
	closed bool
}

// New validates the configuration. No file is touched until Open.
func New(cfg Config) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, newStoreError(opStoreNew, "missing_path", errMissingPath)
	}
	target := cfg.TargetVersion
	if target <= 0 {
		target = CurrentSchemaVersion
	}
	if target > CurrentSchemaVersion {
		return nil, newStoreError(opStoreNew, "unknown_target_version", fmt.Errorf("target version %d exceeds %d", target, CurrentSchemaVersion))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		path:          path,
		targetVersion: target,
		logger:        logger,
		clock:         clock,
		capacity:      filesystemCapacity,
	}, nil
}

// Open returns the shared handle, opening and migrating the database on first use.
// A failed open is not memoized.
func (s *Store) Open(ctx context.Context) (*gorm.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.db != nil {
		return s.db.WithContext(ctx), nil
	}

	db, err := gorm.Open(sqlite.Open(sqliteDSN(s.path)), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, newStoreError(opStoreOpen, "connect_failed", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, newStoreError(opStoreOpen, "connect_failed", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := applyMigrations(db.WithContext(ctx), s.targetVersion, s.clock, s.logger); err != nil {
		_ = sqlDB.Close()
		s.logger.Error("local store migration failed", zap.String("path", s.path), zap.Error(err))
		return nil, newStoreError(opStoreOpen, "migration_failed", err)
	}

	s.logger.Info("local store initialized", zap.String("path", s.path), zap.Int("schema_version", s.targetVersion))
	s.db = db
	return db.WithContext(ctx), nil
}

// SchemaVersion reports the version recorded on disk.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	db, err := s.Open(ctx)
	if err != nil {
		return 0, err
	}
	return readSchemaVersion(db)
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Close releases the shared handle. Further calls to Open fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	s.db = nil
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?" + sqlitePragmas
}
