package storage

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opSQLiteNew   = "storage.sqlite.new"
	opSQLiteFetch = "storage.sqlite.fetch"
	opSQLiteStore = "storage.sqlite.store"

	fieldDocumentID = "document_id"
	queryDocumentID = fieldDocumentID + " = ?"

	reasonMissingDatabase = "missing_database"
	reasonQueryFailed     = "query_failed"
	reasonLookupFailed    = "lookup_failed"
	reasonUpsertFailed    = "upsert_failed"
)

var errMissingDatabase = errors.New("database handle is required")

// DocumentContent stores the latest rendered content per document.
type DocumentContent struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	Content          []byte `gorm:"column:content;type:blob;not null"`
	ContentHash      string `gorm:"column:content_hash;size:64;not null;default:''"`
	UpdatedBy        string `gorm:"column:updated_by;size:190;not null;default:''"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentContent) TableName() string {
	return "collab_documents"
}

// SQLiteStoreConfig configures a SQLiteStore.
type SQLiteStoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// SQLiteStore keeps document content in a local gorm database for standalone deployments.
type SQLiteStore struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewSQLiteStore validates the configuration and returns a store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opSQLiteNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &SQLiteStore{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Fetch returns the stored content or ErrNotFound.
func (s *SQLiteStore) Fetch(ctx context.Context, documentID crdt.DocumentID) ([]byte, error) {
	var record DocumentContent
	err := s.db.WithContext(ctx).Where(queryDocumentID, documentID.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		logError(s.logger, opSQLiteFetch, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return nil, newServiceError(opSQLiteFetch, reasonQueryFailed, err)
	}
	return record.Content, nil
}

// Store upserts the content. Writes whose hash matches the stored row are skipped.
func (s *SQLiteStore) Store(ctx context.Context, documentID crdt.DocumentID, content []byte, credentials Credentials) error {
	contentHash := HashContent(content)
	return s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var existing DocumentContent
		err := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("content_hash").
			Where(queryDocumentID, documentID.String()).
			Take(&existing).Error
		switch {
		case err == nil && existing.ContentHash == contentHash:
			s.logger.Debug("content unchanged; skipping write", zap.String(fieldDocumentID, documentID.String()))
			return nil
		case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
			logError(s.logger, opSQLiteStore, reasonLookupFailed, err, zap.String(fieldDocumentID, documentID.String()))
			return newServiceError(opSQLiteStore, reasonLookupFailed, err)
		}

		record := DocumentContent{
			DocumentID:       documentID.String(),
			Content:          append([]byte(nil), content...),
			ContentHash:      contentHash,
			UpdatedBy:        credentials.Subject,
			UpdatedAtSeconds: s.clock().UTC().Unix(),
		}
		upsert := transaction.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: fieldDocumentID}},
			DoUpdates: clause.AssignmentColumns([]string{"content", "content_hash", "updated_by", "updated_at_s"}),
		}).Create(&record)
		if upsert.Error != nil {
			logError(s.logger, opSQLiteStore, reasonUpsertFailed, upsert.Error, zap.String(fieldDocumentID, documentID.String()))
			return newServiceError(opSQLiteStore, reasonUpsertFailed, upsert.Error)
		}
		return nil
	})
}
