// Package session tracks which sessions are connected to which documents and owns the
// resident documents' lifecycle: lazy load, serialized mutation, debounced saves, and
// eviction after the last session leaves.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/metrics"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/persistence"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/storage"
	"go.uber.org/zap"
)

const (
	defaultSaveDebounce  = 2 * time.Second
	defaultEvictionGrace = 5 * time.Second
	defaultLoadTimeout   = 10 * time.Second
)

var (
	// ErrRegistryClosed indicates the registry is shutting down.
	ErrRegistryClosed = errors.New("session: registry closed")
	// ErrDocumentUnavailable indicates the document could not be loaded; the join may be retried.
	ErrDocumentUnavailable = errors.New("session: document unavailable")
	// ErrAlreadyJoined indicates the session already belongs to a room.
	ErrAlreadyJoined = errors.New("session: already joined")

	errMissingPersister = errors.New("session: persister required")
)

// Persister loads and saves documents.
type Persister interface {
	Load(ctx context.Context, documentID crdt.DocumentID) (*crdt.Document, error)
	Save(ctx context.Context, checkpoint persistence.Checkpoint, credentials storage.Credentials) error
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Persister     Persister
	Logger        *zap.Logger
	Metrics       *metrics.Collectors
	SaveDebounce  time.Duration
	EvictionGrace time.Duration
	LoadTimeout   time.Duration
	// OnSaved is invoked from the room goroutine after every acknowledged save.
	OnSaved func(documentID crdt.DocumentID, version uint64)
}

type roomEntry struct {
	ready chan struct{}
	room  *Room
	err   error
}

// Registry maps document identifiers to resident rooms. Its lock guards only the map.
type Registry struct {
	persister     Persister
	logger        *zap.Logger
	metrics       *metrics.Collectors
	saveDebounce  time.Duration
	evictionGrace time.Duration
	loadTimeout   time.Duration
	onSaved       func(crdt.DocumentID, uint64)

	mu     sync.Mutex
	rooms  map[crdt.DocumentID]*roomEntry
	closed bool

	actors sync.WaitGroup
}

// NewRegistry validates the configuration and applies defaults.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Persister == nil {
		return nil, errMissingPersister
	}
	registry := &Registry{
		persister:     cfg.Persister,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		saveDebounce:  cfg.SaveDebounce,
		evictionGrace: cfg.EvictionGrace,
		loadTimeout:   cfg.LoadTimeout,
		onSaved:       cfg.OnSaved,
		rooms:         make(map[crdt.DocumentID]*roomEntry),
	}
	if registry.logger == nil {
		registry.logger = zap.NewNop()
	}
	if registry.saveDebounce <= 0 {
		registry.saveDebounce = defaultSaveDebounce
	}
	if registry.evictionGrace <= 0 {
		registry.evictionGrace = defaultEvictionGrace
	}
	if registry.loadTimeout <= 0 {
		registry.loadTimeout = defaultLoadTimeout
	}
	return registry, nil
}

// Join admits the session to its document's room, loading the document first if it is not
// resident. The session's initial sync frame is queued before Join returns.
func (r *Registry) Join(ctx context.Context, s *Session) (*Room, error) {
	s.joinMu.Lock()
	defer s.joinMu.Unlock()
	if s.room != nil || s.left {
		return nil, ErrAlreadyJoined
	}

	for {
		entry, err := r.entryFor(s.documentID)
		if err != nil {
			return nil, err
		}
		select {
		case <-entry.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if entry.err != nil {
			return nil, entry.err
		}

		err = entry.room.join(ctx, s)
		if errors.Is(err, ErrRoomClosed) {
			select {
			case <-entry.room.done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err != nil {
			return nil, err
		}
		s.room = entry.room
		return entry.room, nil
	}
}

// Leave removes the session from its room. Only the first call has an effect.
func (r *Registry) Leave(s *Session) {
	s.joinMu.Lock()
	defer s.joinMu.Unlock()
	if s.left {
		return
	}
	s.left = true
	if s.room != nil {
		s.room.leave(s)
	}
}

// Resident reports whether the document is currently held in memory.
func (r *Registry) Resident(documentID crdt.DocumentID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[documentID]
	return ok
}

// Close kicks every session, flushes dirty documents, and waits for the rooms to stop.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	entries := make([]*roomEntry, 0, len(r.rooms))
	for _, entry := range r.rooms {
		entries = append(entries, entry)
	}
	r.mu.Unlock()

	for _, entry := range entries {
		select {
		case <-entry.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		if entry.room != nil {
			entry.room.shutdown()
		}
	}

	stopped := make(chan struct{})
	go func() {
		r.actors.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) entryFor(documentID crdt.DocumentID) (*roomEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if entry, ok := r.rooms[documentID]; ok {
		return entry, nil
	}
	entry := &roomEntry{ready: make(chan struct{})}
	r.rooms[documentID] = entry
	r.actors.Add(1)
	go r.load(documentID, entry)
	return entry, nil
}

func (r *Registry) load(documentID crdt.DocumentID, entry *roomEntry) {
	loadContext, cancel := context.WithTimeout(context.Background(), r.loadTimeout)
	defer cancel()

	document, err := r.persister.Load(loadContext, documentID)

	r.mu.Lock()
	if err == nil && r.closed {
		err = ErrRegistryClosed
	}
	if err != nil {
		delete(r.rooms, documentID)
		r.mu.Unlock()
		r.metrics.LoadCompleted(metrics.ResultFailure)
		r.logger.Error("document load failed", zap.String("document_id", documentID.String()), zap.Error(err))
		if !errors.Is(err, ErrRegistryClosed) {
			err = fmt.Errorf("%w: %w", ErrDocumentUnavailable, err)
		}
		entry.err = err
		close(entry.ready)
		r.actors.Done()
		return
	}
	room := newRoom(r, documentID, document)
	entry.room = room
	r.mu.Unlock()

	r.metrics.LoadCompleted(metrics.ResultSuccess)
	r.metrics.RoomOpened()
	r.logger.Debug("document loaded", zap.String("document_id", documentID.String()), zap.Uint64("version", document.Version()))
	close(entry.ready)
	room.run()
}

// release removes the room's entry. Called from the room goroutine before it exits.
func (r *Registry) release(room *Room) {
	r.mu.Lock()
	if entry, ok := r.rooms[room.documentID]; ok && entry.room == room {
		delete(r.rooms, room.documentID)
	}
	r.mu.Unlock()
	r.metrics.RoomEvicted()
}
