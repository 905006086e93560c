package persistence

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
)

const formatCollabV1 = "collab-v1"

// ErrUnsupportedFormat indicates stored content the codec cannot parse.
var ErrUnsupportedFormat = errors.New("persistence: unsupported content format")

// Checkpoint is one consistent capture of a document prepared for storage.
type Checkpoint struct {
	DocumentID crdt.DocumentID
	Version    uint64
	Snapshot   []byte
	Content    crdt.Snapshot
}

// NewCheckpoint captures the document at its current version.
func NewCheckpoint(documentID crdt.DocumentID, document *crdt.Document) Checkpoint {
	snapshot, content := document.Capture()
	return Checkpoint{
		DocumentID: documentID,
		Version:    content.Version,
		Snapshot:   snapshot,
		Content:    content,
	}
}

// Codec converts between checkpoints and the content store's representation.
type Codec interface {
	Render(checkpoint Checkpoint) ([]byte, error)
	Parse(content []byte) ([]byte, error)
}

// JSONCodec renders checkpoints as JSON carrying both the restorable CRDT state and the
// materialized text for consumers that only read content.
type JSONCodec struct{}

type jsonDocument struct {
	Format  string                       `json:"format"`
	Version uint64                       `json:"version"`
	State   string                       `json:"state"`
	Texts   map[string]string            `json:"texts,omitempty"`
	Fields  map[string]map[string]string `json:"fields,omitempty"`
}

// Render serializes the checkpoint.
func (JSONCodec) Render(checkpoint Checkpoint) ([]byte, error) {
	return json.Marshal(jsonDocument{
		Format:  formatCollabV1,
		Version: checkpoint.Version,
		State:   base64.StdEncoding.EncodeToString(checkpoint.Snapshot),
		Texts:   checkpoint.Content.Texts,
		Fields:  checkpoint.Content.Fields,
	})
}

// Parse extracts the CRDT snapshot bytes from rendered content.
func (JSONCodec) Parse(content []byte) ([]byte, error) {
	var document jsonDocument
	if err := json.Unmarshal(content, &document); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	if document.Format != formatCollabV1 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, document.Format)
	}
	snapshot, err := base64.StdEncoding.DecodeString(document.State)
	if err != nil {
		return nil, fmt.Errorf("%w: state: %v", ErrUnsupportedFormat, err)
	}
	return snapshot, nil
}
