package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillContentHash = "2026-10-01_backfill_content_hash"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillContentHash, apply: backfillContentHash},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillContentHash fills content_hash for rows written before the column existed so the
// unchanged-write check compares against real digests.
func backfillContentHash(db *gorm.DB) error {
	var records []storage.DocumentContent
	if err := db.Where("content_hash = ''").Find(&records).Error; err != nil {
		return err
	}
	for _, record := range records {
		err := db.Model(&storage.DocumentContent{}).
			Where("document_id = ?", record.DocumentID).
			Update("content_hash", storage.HashContent(record.Content)).Error
		if err != nil {
			return err
		}
	}
	return nil
}
