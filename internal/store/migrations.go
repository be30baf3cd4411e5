package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CurrentSchemaVersion is the schema version this build migrates to.
const CurrentSchemaVersion = 4

const (
	// QueueTable holds pending sync intents.
	QueueTable = "sync_queue"
	// HistoryTable holds sync run outcomes.
	HistoryTable = "sync_history"
)

// ErrSchemaTooNew indicates the on-disk schema was written by a newer build.
var ErrSchemaTooNew = errors.New("store: on-disk schema is newer than this build")

type schemaVersionRecord struct {
	Version         int   `gorm:"column:version;primaryKey;autoIncrement:false"`
	AppliedAtMillis int64 `gorm:"column:applied_at_ms;not null"`
}

func (schemaVersionRecord) TableName() string {
	return "schema_versions"
}

type migrationStep struct {
	version     int
	description string
	apply       func(*gorm.DB) error
}

// Steps only add tables and indexes, with the exception of explicit data backfills.
// Every statement must be safe to re-run after an interrupted migration.
var migrationSteps = []migrationStep{
	{
		version:     1,
		description: "core entity tables and sync queue",
		apply: func(db *gorm.DB) error {
			statements := []string{}
			for _, entityType := range []records.EntityType{records.EntityTypeProduct, records.EntityTypeSupplier, records.EntityTypeUser} {
				statements = append(statements, createEntityTable(entityType), createIndex(entityType.String(), "modified"))
			}
			statements = append(statements,
				`CREATE TABLE IF NOT EXISTS `+QueueTable+` (
					id TEXT NOT NULL PRIMARY KEY,
					operation TEXT NOT NULL,
					entity_type TEXT NOT NULL,
					entity_id TEXT NOT NULL,
					data_json TEXT NOT NULL,
					timestamp INTEGER NOT NULL
				)`,
				createIndex(QueueTable, "timestamp"),
			)
			return execAll(db, statements)
		},
	},
	{
		version:     2,
		description: "stock tables and sync status indexes",
		apply: func(db *gorm.DB) error {
			statements := []string{
				createEntityTable(records.EntityTypeStockItem),
				createIndex(records.EntityTypeStockItem.String(), "modified"),
				createEntityTable(records.EntityTypeStockTransaction),
				createIndex(records.EntityTypeStockTransaction.String(), "modified"),
			}
			for _, entityType := range records.EntityTypes() {
				statements = append(statements, createIndex(entityType.String(), "sync_status"))
			}
			return execAll(db, statements)
		},
	},
	{
		version:     3,
		description: "sync history, category and queue entity indexes",
		apply: func(db *gorm.DB) error {
			return execAll(db, []string{
				`CREATE TABLE IF NOT EXISTS ` + HistoryTable + ` (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					timestamp INTEGER NOT NULL,
					success BOOLEAN NOT NULL DEFAULT 0,
					items_synced INTEGER NOT NULL DEFAULT 0,
					items_failed INTEGER NOT NULL DEFAULT 0,
					duration_ms INTEGER NOT NULL DEFAULT 0,
					message TEXT NOT NULL DEFAULT '',
					details_json TEXT NOT NULL DEFAULT '[]'
				)`,
				createIndex(HistoryTable, "timestamp"),
				createIndex(records.EntityTypeProduct.String(), "category"),
				createIndex(records.EntityTypeStockItem.String(), "category"),
				createIndex(QueueTable, "entity_type", "entity_id"),
			})
		},
	},
	{
		version:     4,
		description: "tombstone indexes and sync status backfill",
		apply: func(db *gorm.DB) error {
			statements := []string{}
			for _, entityType := range records.EntityTypes() {
				statements = append(statements,
					createIndex(entityType.String(), "deleted"),
					fmt.Sprintf("UPDATE %s SET sync_status = '%s' WHERE sync_status = ''", entityType, records.SyncStatusPending),
				)
			}
			return execAll(db, statements)
		},
	},
}

func applyMigrations(db *gorm.DB, targetVersion int, clock func() time.Time, logger *zap.Logger) error {
	if err := db.AutoMigrate(&schemaVersionRecord{}); err != nil {
		return err
	}

	current, err := readSchemaVersion(db)
	if err != nil {
		return err
	}
	if current > targetVersion {
		return fmt.Errorf("%w: on-disk %d, target %d", ErrSchemaTooNew, current, targetVersion)
	}

	for _, step := range migrationSteps {
		if step.version <= current || step.version > targetVersion {
			continue
		}
		if step.version != current+1 {
			return fmt.Errorf("store: migration gap between version %d and %d", current, step.version)
		}
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := step.apply(tx); err != nil {
				return err
			}
			return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&schemaVersionRecord{
				Version:         step.version,
				AppliedAtMillis: clock().UnixMilli(),
			}).Error
		})
		if err != nil {
			return fmt.Errorf("store: migration to version %d (%s): %w", step.version, step.description, err)
		}
		current = step.version
		if logger != nil {
			logger.Info("local store migration applied",
				zap.Int("version", step.version),
				zap.String("description", step.description))
		}
	}
	return nil
}

func readSchemaVersion(db *gorm.DB) (int, error) {
	var version int
	err := db.Model(&schemaVersionRecord{}).Select("COALESCE(MAX(version), 0)").Scan(&version).Error
	return version, err
}

func createEntityTable(entityType records.EntityType) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT NOT NULL PRIMARY KEY,
		created_at_ms INTEGER NOT NULL DEFAULT 0,
		modified INTEGER NOT NULL DEFAULT 0,
		sync_status TEXT NOT NULL DEFAULT '',
		deleted BOOLEAN NOT NULL DEFAULT 0,
		category TEXT NOT NULL DEFAULT '',
		payload_json TEXT NOT NULL DEFAULT '{}'
	)`, entityType)
}

func createIndex(table string, columns ...string) string {
	name := "idx_" + table
	list := ""
	for index, column := range columns {
		name += "_" + column
		if index > 0 {
			list += ", "
		}
		list += column
	}
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", name, table, list)
}

func execAll(db *gorm.DB, statements []string) error {
	for _, statement := range statements {
		if err := db.Exec(statement).Error; err != nil {
			return err
		}
	}
	return nil
}
