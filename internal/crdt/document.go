package crdt

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

const (
	defaultMaxLogEntries = 1024
	defaultMaxPending    = 256
)

type logEntry struct {
	version uint64
	payload []byte
}

type pendingUpdate struct {
	update  Update
	payload []byte
}

type elementKey struct {
	root string
	id   ID
}

// Option customizes a Document.
type Option func(*Document)

// WithMaxLogEntries bounds the update log retained for delta resynchronization.
func WithMaxLogEntries(limit int) Option {
	return func(document *Document) {
		if limit > 0 {
			document.maxLogEntries = limit
		}
	}
}

// WithMaxPending bounds the number of updates buffered while waiting for their dependencies.
func WithMaxPending(limit int) Option {
	return func(document *Document) {
		if limit > 0 {
			document.maxPending = limit
		}
	}
}

// Document is the Update Log of one collaborative document. All methods are safe for
// concurrent use; mutations are serialized by an internal lock.
type Document struct {
	mu sync.RWMutex

	sequences map[string]*sequence
	maps      map[string]*lwwMap
	rootKinds map[string]bool

	epoch   string
	version uint64
	log     []logEntry
	logBase uint64
	seen    map[[sha256.Size]byte]struct{}
	recent  [][sha256.Size]byte
	pending []pendingUpdate

	maxLogEntries int
	maxPending    int
}

// NewDocument returns the canonical empty document.
func NewDocument(options ...Option) *Document {
	document := &Document{
		epoch:         uuid.NewString(),
		sequences:     make(map[string]*sequence),
		maps:          make(map[string]*lwwMap),
		rootKinds:     make(map[string]bool),
		seen:          make(map[[sha256.Size]byte]struct{}),
		maxLogEntries: defaultMaxLogEntries,
		maxPending:    defaultMaxPending,
	}
	for _, option := range options {
		option(document)
	}
	return document
}

// Epoch identifies this in-memory incarnation of the document. Versions are only comparable
// within one epoch: a restored document continues from its persisted version, which may be
// behind what clients observed before a restart.
func (d *Document) Epoch() string {
	return d.epoch
}

// Version returns the number of updates accepted by the document.
func (d *Document) Version() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version
}

// PendingCount returns the number of updates waiting for missing dependencies.
func (d *Document) PendingCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.pending)
}

// Apply merges an update and returns the resulting version.
func (d *Document) Apply(update Update) (Result, error) {
	if err := update.Validate(); err != nil {
		return Result{}, err
	}
	return d.apply(update, EncodeUpdate(update))
}

// ApplyEncoded decodes and merges an update received from the network. The payload is kept
// verbatim in the update log.
func (d *Document) ApplyEncoded(payload []byte) (Result, error) {
	update, err := DecodeUpdate(payload)
	if err != nil {
		return Result{}, err
	}
	return d.apply(update, append([]byte(nil), payload...))
}

func (d *Document) apply(update Update, payload []byte) (Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkRootKinds(update); err != nil {
		return Result{}, err
	}

	hash := sha256.Sum256(payload)
	if _, duplicate := d.seen[hash]; duplicate {
		return Result{Version: d.version, Duplicate: true}, nil
	}

	if !d.ready(update) {
		if len(d.pending) >= d.maxPending {
			return Result{}, fmt.Errorf("%w: %d updates already waiting for dependencies", ErrPendingOverflow, len(d.pending))
		}
		d.pending = append(d.pending, pendingUpdate{update: update, payload: payload})
		d.accept(update, payload, hash)
		return Result{Version: d.version, Pending: true}, nil
	}

	changed := d.integrate(update)
	d.accept(update, payload, hash)
	if !changed {
		return Result{Version: d.version, Ineffective: true}, nil
	}
	d.drainPending()
	return Result{Version: d.version}, nil
}

func (d *Document) accept(update Update, payload []byte, hash [sha256.Size]byte) {
	d.seen[hash] = struct{}{}
	d.recent = append(d.recent, hash)
	if overflow := len(d.recent) - d.maxLogEntries; overflow > 0 {
		d.recent = append([][sha256.Size]byte(nil), d.recent[overflow:]...)
	}
	d.version++
	for _, op := range update.Ops {
		d.rootKinds[op.Root] = op.Kind.targetsSequence()
	}
	d.log = append(d.log, logEntry{version: d.version, payload: payload})
	if overflow := len(d.log) - d.maxLogEntries; overflow > 0 {
		d.logBase = d.log[overflow-1].version
		d.log = append([]logEntry(nil), d.log[overflow:]...)
	}
}

func (d *Document) checkRootKinds(update Update) error {
	for _, op := range update.Ops {
		isSequence, known := d.rootKinds[op.Root]
		if known && isSequence != op.Kind.targetsSequence() {
			return fmt.Errorf("%w: root %q already holds a different type", ErrMalformed, op.Root)
		}
	}
	return nil
}

// ready reports whether every origin and delete target is known, counting elements
// introduced earlier in the same update.
func (d *Document) ready(update Update) bool {
	introduced := make(map[elementKey]struct{})
	known := func(root string, id ID) bool {
		if id.IsZero() {
			return true
		}
		if _, ok := introduced[elementKey{root: root, id: id}]; ok {
			return true
		}
		current, ok := d.sequences[root]
		return ok && current.has(id)
	}
	for _, op := range update.Ops {
		switch op.Kind {
		case OpInsert:
			if !known(op.Root, op.Origin) {
				return false
			}
			offset := uint64(0)
			for range op.Text {
				introduced[elementKey{root: op.Root, id: op.ID.offset(offset)}] = struct{}{}
				offset++
			}
		case OpDelete:
			for offset := uint64(0); offset < op.Length; offset++ {
				if !known(op.Root, op.Target.offset(offset)) {
					return false
				}
			}
		}
	}
	return true
}

func (d *Document) integrate(update Update) bool {
	changed := false
	for _, op := range update.Ops {
		switch op.Kind {
		case OpInsert:
			if d.sequenceFor(op.Root).insertRun(op) {
				changed = true
			}
		case OpDelete:
			if d.sequenceFor(op.Root).deleteRun(op) {
				changed = true
			}
		case OpMapSet, OpMapDelete:
			if d.mapFor(op.Root).write(op) {
				changed = true
			}
		}
	}
	return changed
}

func (d *Document) drainPending() {
	for progressed := true; progressed; {
		progressed = false
		for index, candidate := range d.pending {
			if !d.ready(candidate.update) {
				continue
			}
			d.integrate(candidate.update)
			d.pending = append(d.pending[:index], d.pending[index+1:]...)
			progressed = true
			break
		}
	}
}

func (d *Document) sequenceFor(root string) *sequence {
	current, ok := d.sequences[root]
	if !ok {
		current = newSequence()
		d.sequences[root] = current
	}
	return current
}

func (d *Document) mapFor(root string) *lwwMap {
	current, ok := d.maps[root]
	if !ok {
		current = newLWWMap()
		d.maps[root] = current
	}
	return current
}

// Materialize returns the merged content independent of the history representation.
func (d *Document) Materialize() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.materializeLocked()
}

func (d *Document) materializeLocked() Snapshot {
	snapshot := Snapshot{
		Version: d.version,
		Texts:   make(map[string]string, len(d.sequences)),
		Fields:  make(map[string]map[string]string, len(d.maps)),
	}
	for root, current := range d.sequences {
		snapshot.Texts[root] = current.text()
	}
	for root, current := range d.maps {
		snapshot.Fields[root] = current.fields()
	}
	return snapshot
}

// EncodeState returns one update that reproduces the integrated state on an empty document.
// Pending updates are not included. An empty document encodes to nil.
func (d *Document) EncodeState() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.encodeStateLocked()
}

func (d *Document) encodeStateLocked() []byte {
	roots := make([]string, 0, len(d.sequences)+len(d.maps))
	for root := range d.sequences {
		roots = append(roots, root)
	}
	for root := range d.maps {
		roots = append(roots, root)
	}
	sort.Strings(roots)

	state := Update{}
	for _, root := range roots {
		if current, ok := d.sequences[root]; ok {
			state.Ops = append(state.Ops, current.encode(root)...)
			continue
		}
		state.Ops = append(state.Ops, d.maps[root].encode(root)...)
	}
	if len(state.Ops) == 0 {
		return nil
	}
	return EncodeUpdate(state)
}

// Delta is the set of updates a replica at some version is missing.
type Delta struct {
	Epoch   string
	Version uint64
	Full    bool
	Updates [][]byte
}

// Delta returns the updates accepted after since within epoch. The delta carries the full
// state followed by any pending updates when the epoch differs, when since is ahead of the
// document, or when since predates the retained log.
func (d *Document) Delta(epoch string, since uint64) Delta {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if epoch != d.epoch || since > d.version || since < d.logBase {
		return d.fullDeltaLocked()
	}
	delta := Delta{Epoch: d.epoch, Version: d.version}
	for _, entry := range d.log {
		if entry.version > since {
			delta.Updates = append(delta.Updates, entry.payload)
		}
	}
	return delta
}

// FullDelta returns the complete state as a delta.
func (d *Document) FullDelta() Delta {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.fullDeltaLocked()
}

func (d *Document) fullDeltaLocked() Delta {
	delta := Delta{Epoch: d.epoch, Version: d.version, Full: true}
	if state := d.encodeStateLocked(); state != nil {
		delta.Updates = append(delta.Updates, state)
	}
	for _, candidate := range d.pending {
		delta.Updates = append(delta.Updates, candidate.payload)
	}
	return delta
}

// MarshalSnapshot serializes the document for persistence, keeping its version, any pending
// updates, and the hashes of recently accepted updates.
func (d *Document) MarshalSnapshot() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.marshalSnapshotLocked()
}

// Capture returns MarshalSnapshot and Materialize output observed at the same version.
func (d *Document) Capture() ([]byte, Snapshot) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.marshalSnapshotLocked(), d.materializeLocked()
}

func (d *Document) marshalSnapshotLocked() []byte {
	envelope := snapshotEnvelope{version: d.version, state: d.encodeStateLocked()}
	for _, hash := range d.recent {
		envelope.recent = append(envelope.recent, hash[:])
	}
	for _, candidate := range d.pending {
		envelope.pending = append(envelope.pending, candidate.payload)
	}
	return encodeSnapshotEnvelope(envelope)
}

// Restore rebuilds a document from MarshalSnapshot output in a new epoch. Version continues
// from the persisted value; the update log starts empty. Recently accepted updates are still
// recognized as duplicates.
func Restore(data []byte, options ...Option) (*Document, error) {
	envelope, err := decodeSnapshotEnvelope(data)
	if err != nil {
		return nil, err
	}
	document := NewDocument(options...)
	if len(envelope.state) > 0 {
		state, decodeErr := DecodeUpdate(envelope.state)
		if decodeErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, decodeErr)
		}
		if !document.ready(state) {
			return nil, fmt.Errorf("%w: state references unknown elements", ErrInvalidSnapshot)
		}
		document.integrate(state)
		for _, op := range state.Ops {
			document.rootKinds[op.Root] = op.Kind.targetsSequence()
		}
	}
	for _, raw := range envelope.pending {
		update, decodeErr := DecodeUpdate(raw)
		if decodeErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, decodeErr)
		}
		document.pending = append(document.pending, pendingUpdate{update: update, payload: raw})
		document.seen[sha256.Sum256(raw)] = struct{}{}
		for _, op := range update.Ops {
			document.rootKinds[op.Root] = op.Kind.targetsSequence()
		}
	}
	for _, raw := range envelope.recent {
		var hash [sha256.Size]byte
		if len(raw) != len(hash) {
			return nil, fmt.Errorf("%w: update hash has %d bytes", ErrInvalidSnapshot, len(raw))
		}
		copy(hash[:], raw)
		document.seen[hash] = struct{}{}
		document.recent = append(document.recent, hash)
	}
	if overflow := len(document.recent) - document.maxLogEntries; overflow > 0 {
		document.recent = document.recent[overflow:]
	}
	document.drainPending()
	document.version = envelope.version
	document.logBase = envelope.version
	return document, nil
}
