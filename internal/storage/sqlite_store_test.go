package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestSQLiteStore(t *testing.T, clock func() time.Time) (*SQLiteStore, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:collab_store_%d?mode=memory&cache=shared", time.Now().UnixNano())
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&DocumentContent{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := NewSQLiteStore(SQLiteStoreConfig{Database: database, Clock: clock, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store, database
}

func mustDocumentID(t *testing.T, value string) crdt.DocumentID {
	t.Helper()
	id, err := crdt.NewDocumentID(value)
	if err != nil {
		t.Fatalf("unexpected document id error: %v", err)
	}
	return id
}

func TestSQLiteStoreFetchMissingDocument(t *testing.T) {
	store, _ := newTestSQLiteStore(t, nil)
	if _, err := store.Fetch(context.Background(), mustDocumentID(t, "missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStoreStoresAndSkipsUnchangedContent(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store, database := newTestSQLiteStore(t, func() time.Time { return now })
	documentID := mustDocumentID(t, "doc-1")

	if err := store.Store(context.Background(), documentID, []byte(`{"v":1}`), Credentials{Subject: "alice"}); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	content, err := store.Fetch(context.Background(), documentID)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if string(content) != `{"v":1}` {
		t.Fatalf("unexpected content %q", content)
	}

	now = now.Add(time.Minute)
	if err := store.Store(context.Background(), documentID, []byte(`{"v":1}`), Credentials{Subject: "bob"}); err != nil {
		t.Fatalf("unchanged store failed: %v", err)
	}
	var record DocumentContent
	if err := database.Where("document_id = ?", documentID.String()).Take(&record).Error; err != nil {
		t.Fatalf("failed to reload record: %v", err)
	}
	if record.UpdatedBy != "alice" || record.UpdatedAtSeconds != 1_700_000_000 {
		t.Fatalf("unchanged content should not be rewritten: %#v", record)
	}

	if err := store.Store(context.Background(), documentID, []byte(`{"v":2}`), Credentials{Subject: "bob"}); err != nil {
		t.Fatalf("changed store failed: %v", err)
	}
	if err := database.Where("document_id = ?", documentID.String()).Take(&record).Error; err != nil {
		t.Fatalf("failed to reload record: %v", err)
	}
	if record.UpdatedBy != "bob" || string(record.Content) != `{"v":2}` || record.ContentHash != HashContent([]byte(`{"v":2}`)) {
		t.Fatalf("expected rewritten record, got %#v", record)
	}
}

func TestNewSQLiteStoreRequiresDatabase(t *testing.T) {
	_, err := NewSQLiteStore(SQLiteStoreConfig{})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected ServiceError, got %v", err)
	}
	if serviceErr.Code() != "storage.sqlite.new.missing_database" {
		t.Fatalf("unexpected code %s", serviceErr.Code())
	}
}
