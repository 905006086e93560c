// Package storage provides the external content stores the Persistence Bridge writes through.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
)

// ErrNotFound indicates that the store holds no content for the document.
var ErrNotFound = errors.New("storage: document not found")

// Credentials identify the session whose edits triggered a write.
type Credentials struct {
	Subject string
	Token   string
}

// ContentStore reads and writes rendered document content.
type ContentStore interface {
	Fetch(ctx context.Context, documentID crdt.DocumentID) ([]byte, error)
	Store(ctx context.Context, documentID crdt.DocumentID, content []byte, credentials Credentials) error
}

// HashContent returns the hex sha256 digest used to skip unchanged writes.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
