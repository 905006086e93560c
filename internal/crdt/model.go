package crdt

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

const (
	maxIdentifierLength = 190
	maxRootNameLength   = 190
	maxMapKeyLength     = 512
	maxDeleteRun        = 1 << 20
)

var (
	// ErrMalformed indicates that an update failed structural validation and was not applied.
	ErrMalformed = errors.New("crdt: malformed update")
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("crdt: invalid document id")
	// ErrPendingOverflow indicates that an update arrived before its dependencies while the
	// buffer of such updates was full. The update was not applied and may be resent.
	ErrPendingOverflow = errors.New("crdt: too many updates waiting for dependencies")
	// ErrInvalidSnapshot indicates that a persisted snapshot could not be decoded.
	ErrInvalidSnapshot = errors.New("crdt: invalid snapshot")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	if strings.ContainsAny(trimmed, "/?#") {
		return "", fmt.Errorf("%w: contains reserved characters", ErrInvalidDocumentID)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// ClientID identifies the replica that authored an operation.
type ClientID uint64

// ID identifies a single sequence element or map write. The zero ID is the sequence head.
type ID struct {
	Client ClientID
	Clock  uint64
}

// NewID validates the components and returns an ID.
func NewID(client ClientID, clock uint64) (ID, error) {
	if client == 0 {
		return ID{}, fmt.Errorf("%w: zero client id", ErrMalformed)
	}
	if clock == 0 {
		return ID{}, fmt.Errorf("%w: zero clock", ErrMalformed)
	}
	return ID{Client: client, Clock: clock}, nil
}

// IsZero reports whether the ID refers to the sequence head.
func (id ID) IsZero() bool {
	return id.Client == 0 && id.Clock == 0
}

// Less orders identifiers by clock, breaking ties by client.
func (id ID) Less(other ID) bool {
	if id.Clock != other.Clock {
		return id.Clock < other.Clock
	}
	return id.Client < other.Client
}

// String renders the identifier as client@clock.
func (id ID) String() string {
	return fmt.Sprintf("%d@%d", id.Client, id.Clock)
}

func (id ID) offset(delta uint64) ID {
	return ID{Client: id.Client, Clock: id.Clock + delta}
}

// OpKind enumerates supported operation kinds.
type OpKind uint8

const (
	// OpInsert inserts a run of runes into a sequence root.
	OpInsert OpKind = 1
	// OpDelete tombstones a run of sequence elements.
	OpDelete OpKind = 2
	// OpMapSet writes a key in a map root.
	OpMapSet OpKind = 3
	// OpMapDelete removes a key from a map root.
	OpMapDelete OpKind = 4
)

// String returns the wire name of the kind.
func (kind OpKind) String() string {
	switch kind {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	case OpMapSet:
		return "map_set"
	case OpMapDelete:
		return "map_delete"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(kind))
	}
}

func (kind OpKind) targetsSequence() bool {
	return kind == OpInsert || kind == OpDelete
}

// Op is one mutation inside an Update.
type Op struct {
	Kind OpKind
	Root string

	// ID is the identifier of the first inserted rune, or of the map write.
	ID ID
	// Origin is the left neighbour of the first inserted rune.
	Origin ID
	Text   string

	// Target is the first deleted element; Length consecutive clocks of the same client are deleted.
	Target ID
	Length uint64

	Key   string
	Value string
}

// Update is an immutable batch of operations produced by a local edit.
type Update struct {
	Ops []Op
}

// Validate performs structural validation independent of document state.
func (update Update) Validate() error {
	if len(update.Ops) == 0 {
		return fmt.Errorf("%w: no operations", ErrMalformed)
	}
	rootKinds := make(map[string]bool, len(update.Ops))
	for index, op := range update.Ops {
		if err := op.validate(); err != nil {
			return fmt.Errorf("%w (op %d)", err, index)
		}
		isSequence := op.Kind.targetsSequence()
		if previous, seen := rootKinds[op.Root]; seen && previous != isSequence {
			return fmt.Errorf("%w: root %q used as sequence and map", ErrMalformed, op.Root)
		}
		rootKinds[op.Root] = isSequence
	}
	return nil
}

func (op Op) validate() error {
	if op.Root == "" {
		return fmt.Errorf("%w: empty root", ErrMalformed)
	}
	if len(op.Root) > maxRootNameLength {
		return fmt.Errorf("%w: root exceeds %d characters", ErrMalformed, maxRootNameLength)
	}
	if !utf8.ValidString(op.Root) {
		return fmt.Errorf("%w: root is not valid utf-8", ErrMalformed)
	}
	switch op.Kind {
	case OpInsert:
		if _, err := NewID(op.ID.Client, op.ID.Clock); err != nil {
			return err
		}
		if op.Text == "" {
			return fmt.Errorf("%w: empty insert", ErrMalformed)
		}
		if !utf8.ValidString(op.Text) {
			return fmt.Errorf("%w: insert is not valid utf-8", ErrMalformed)
		}
		runeCount := uint64(utf8.RuneCountInString(op.Text))
		if op.ID.Clock > math.MaxUint64-runeCount {
			return fmt.Errorf("%w: clock overflow", ErrMalformed)
		}
		if !op.Origin.IsZero() {
			if op.Origin.Client == 0 || op.Origin.Clock == 0 {
				return fmt.Errorf("%w: partial origin id", ErrMalformed)
			}
			if op.Origin.Clock >= op.ID.Clock {
				return fmt.Errorf("%w: clock %d not after origin %s", ErrMalformed, op.ID.Clock, op.Origin)
			}
		}
	case OpDelete:
		if _, err := NewID(op.Target.Client, op.Target.Clock); err != nil {
			return err
		}
		if op.Length == 0 {
			return fmt.Errorf("%w: zero-length delete", ErrMalformed)
		}
		if op.Length > maxDeleteRun {
			return fmt.Errorf("%w: delete run exceeds %d elements", ErrMalformed, maxDeleteRun)
		}
		if op.Target.Clock > math.MaxUint64-op.Length {
			return fmt.Errorf("%w: clock overflow", ErrMalformed)
		}
	case OpMapSet, OpMapDelete:
		if _, err := NewID(op.ID.Client, op.ID.Clock); err != nil {
			return err
		}
		if op.Key == "" {
			return fmt.Errorf("%w: empty map key", ErrMalformed)
		}
		if len(op.Key) > maxMapKeyLength {
			return fmt.Errorf("%w: map key exceeds %d bytes", ErrMalformed, maxMapKeyLength)
		}
		if !utf8.ValidString(op.Value) {
			return fmt.Errorf("%w: map value is not valid utf-8", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown op kind %d", ErrMalformed, uint8(op.Kind))
	}
	return nil
}

// Result reports the outcome of Document.Apply. A Duplicate was already accepted and left
// the version unchanged. An Ineffective update was new but changed nothing, such as a map
// write that lost to a newer one; it is still counted and relayed.
type Result struct {
	Version     uint64
	Duplicate   bool
	Pending     bool
	Ineffective bool
}

// Snapshot is the materialized content of a document.
type Snapshot struct {
	Version uint64
	Texts   map[string]string
	Fields  map[string]map[string]string
}

// Text returns the materialized text of a sequence root, or "" when absent.
func (snapshot Snapshot) Text(root string) string {
	return snapshot.Texts[root]
}

// Equal reports whether two snapshots carry the same content, ignoring version.
func (snapshot Snapshot) Equal(other Snapshot) bool {
	if len(snapshot.Texts) != len(other.Texts) || len(snapshot.Fields) != len(other.Fields) {
		return false
	}
	for root, text := range snapshot.Texts {
		if otherText, ok := other.Texts[root]; !ok || otherText != text {
			return false
		}
	}
	for root, fields := range snapshot.Fields {
		otherFields, ok := other.Fields[root]
		if !ok || len(otherFields) != len(fields) {
			return false
		}
		for key, value := range fields {
			if otherValue, ok := otherFields[key]; !ok || otherValue != value {
				return false
			}
		}
	}
	return true
}
