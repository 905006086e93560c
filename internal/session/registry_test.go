package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/persistence"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/protocol"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/storage"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const frameTimeout = 2 * time.Second

type countingStore struct {
	mu         sync.Mutex
	content    map[crdt.DocumentID][]byte
	fetchErr   error
	failures   int
	storeCalls int
}

func newCountingStore() *countingStore {
	return &countingStore{content: make(map[crdt.DocumentID][]byte)}
}

func (s *countingStore) Fetch(_ context.Context, documentID crdt.DocumentID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	content, ok := s.content[documentID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return content, nil
}

func (s *countingStore) Store(_ context.Context, documentID crdt.DocumentID, content []byte, _ storage.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storeCalls++
	if s.failures > 0 {
		s.failures--
		return errors.New("store unavailable")
	}
	s.content[documentID] = append([]byte(nil), content...)
	return nil
}

func (s *countingStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeCalls
}

type registryOptions struct {
	saveDebounce    time.Duration
	evictionGrace   time.Duration
	onSaved         func(crdt.DocumentID, uint64)
	documentOptions []crdt.Option
}

func newTestRegistry(t *testing.T, store storage.ContentStore, options registryOptions) *Registry {
	t.Helper()
	bridge, err := persistence.NewBridge(persistence.Config{
		Store:           store,
		MaxAttempts:     1,
		InitialBackoff:  time.Millisecond,
		DocumentOptions: options.documentOptions,
	})
	if err != nil {
		t.Fatalf("failed to construct bridge: %v", err)
	}
	if options.saveDebounce == 0 {
		options.saveDebounce = time.Hour
	}
	if options.evictionGrace == 0 {
		options.evictionGrace = time.Hour
	}
	registry, err := NewRegistry(RegistryConfig{
		Persister:     bridge,
		Logger:        zap.NewNop(),
		SaveDebounce:  options.saveDebounce,
		EvictionGrace: options.evictionGrace,
		OnSaved:       options.onSaved,
	})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = registry.Close(ctx)
	})
	return registry
}

func mustDocumentID(t *testing.T, value string) crdt.DocumentID {
	t.Helper()
	id, err := crdt.NewDocumentID(value)
	if err != nil {
		t.Fatalf("unexpected document id error: %v", err)
	}
	return id
}

func mustJoin(t *testing.T, registry *Registry, documentID crdt.DocumentID, subject string) (*Session, *Room) {
	t.Helper()
	s, err := New(Config{DocumentID: documentID, Identity: auth.Identity{Subject: subject}, Token: "token-" + subject})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	room, err := registry.Join(context.Background(), s)
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	return s, room
}

func nextFrame(t *testing.T, s *Session) protocol.Frame {
	t.Helper()
	select {
	case message := <-s.Outbound():
		frame, err := protocol.Decode(message)
		if err != nil {
			t.Fatalf("failed to decode frame: %v", err)
		}
		return frame
	case <-time.After(frameTimeout):
		t.Fatalf("timed out waiting for frame")
		return nil
	}
}

func expectNoFrame(t *testing.T, s *Session) {
	t.Helper()
	select {
	case message := <-s.Outbound():
		frame, _ := protocol.Decode(message)
		t.Fatalf("unexpected frame %#v", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func expectSync(t *testing.T, s *Session) protocol.Sync {
	t.Helper()
	frame := nextFrame(t, s)
	syncFrame, ok := frame.(protocol.Sync)
	if !ok {
		t.Fatalf("expected sync frame, got %#v", frame)
	}
	return syncFrame
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(frameTimeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

func insertPayload(client crdt.ClientID, clock uint64, origin crdt.ID, text string) []byte {
	return crdt.EncodeUpdate(crdt.Update{Ops: []crdt.Op{{
		Kind:   crdt.OpInsert,
		Root:   "body",
		ID:     crdt.ID{Client: client, Clock: clock},
		Origin: origin,
		Text:   text,
	}}})
}

func TestBroadcastExcludesOriginAndOtherDocuments(t *testing.T) {
	registry := newTestRegistry(t, newCountingStore(), registryOptions{})
	alpha, beta := mustDocumentID(t, "doc-a"), mustDocumentID(t, "doc-b")

	author, authorRoom := mustJoin(t, registry, alpha, "author")
	peer, _ := mustJoin(t, registry, alpha, "peer")
	outsider, _ := mustJoin(t, registry, beta, "outsider")
	for _, s := range []*Session{author, peer, outsider} {
		expectSync(t, s)
	}

	payload := insertPayload(1, 1, crdt.ID{}, "hi")
	result, err := authorRoom.Apply(context.Background(), author, payload)
	if err != nil || result.Version != 1 {
		t.Fatalf("unexpected apply result %#v %v", result, err)
	}

	ack, ok := nextFrame(t, author).(protocol.Ack)
	if !ok || ack.Version != 1 || ack.Epoch != authorRoom.document.Epoch() {
		t.Fatalf("expected ack for author, got %#v", ack)
	}
	broadcast, ok := nextFrame(t, peer).(protocol.Broadcast)
	if !ok || broadcast.Version != 1 || string(broadcast.Payload) != string(payload) {
		t.Fatalf("expected verbatim broadcast for peer, got %#v", broadcast)
	}
	expectNoFrame(t, author)
	expectNoFrame(t, outsider)
}

func TestConcurrentEditsConvergeForBothSessions(t *testing.T) {
	registry := newTestRegistry(t, newCountingStore(), registryOptions{})
	documentID := mustDocumentID(t, "doc-1")

	sessionA, room := mustJoin(t, registry, documentID, "a")
	sessionB, _ := mustJoin(t, registry, documentID, "b")
	replicaA, replicaB := crdt.NewDocument(), crdt.NewDocument()
	for _, pair := range []struct {
		s       *Session
		replica *crdt.Document
	}{{sessionA, replicaA}, {sessionB, replicaB}} {
		for _, update := range expectSync(t, pair.s).Updates {
			if _, err := pair.replica.ApplyEncoded(update); err != nil {
				t.Fatalf("replica apply failed: %v", err)
			}
		}
	}

	hello := insertPayload(2, 1, crdt.ID{}, "Hello")
	world := insertPayload(1, 6, crdt.ID{Client: 2, Clock: 5}, " World")
	if _, err := replicaA.ApplyEncoded(hello); err != nil {
		t.Fatalf("local apply failed: %v", err)
	}
	if _, err := replicaB.ApplyEncoded(world); err != nil {
		t.Fatalf("local apply failed: %v", err)
	}

	var waitGroup sync.WaitGroup
	for _, edit := range []struct {
		s       *Session
		payload []byte
	}{{sessionA, hello}, {sessionB, world}} {
		waitGroup.Add(1)
		go func(s *Session, payload []byte) {
			defer waitGroup.Done()
			if _, err := room.Apply(context.Background(), s, payload); err != nil {
				t.Errorf("apply failed: %v", err)
			}
		}(edit.s, edit.payload)
	}
	waitGroup.Wait()

	for _, pair := range []struct {
		s       *Session
		replica *crdt.Document
	}{{sessionA, replicaA}, {sessionB, replicaB}} {
		for pair.replica.Materialize().Text("body") != "Hello World" {
			frame := nextFrame(t, pair.s)
			if broadcast, ok := frame.(protocol.Broadcast); ok {
				if _, err := pair.replica.ApplyEncoded(broadcast.Payload); err != nil {
					t.Fatalf("replica apply failed: %v", err)
				}
			}
		}
	}
	if got := room.Materialize().Text("body"); got != "Hello World" {
		t.Fatalf("server text %q", got)
	}
}

func TestEvictionSavesExactlyOnceBeforeRelease(t *testing.T) {
	store := newCountingStore()
	registry := newTestRegistry(t, store, registryOptions{evictionGrace: 30 * time.Millisecond})
	documentID := mustDocumentID(t, "doc-1")

	author, room := mustJoin(t, registry, documentID, "author")
	if _, err := room.Apply(context.Background(), author, insertPayload(1, 1, crdt.ID{}, "draft")); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	registry.Leave(author)

	waitFor(t, "eviction", func() bool { return !registry.Resident(documentID) })
	select {
	case <-room.Done():
	case <-time.After(frameTimeout):
		t.Fatalf("room did not stop after eviction")
	}
	if store.calls() != 1 {
		t.Fatalf("expected exactly one save, got %d", store.calls())
	}

	bridge, _ := persistence.NewBridge(persistence.Config{Store: store})
	reloaded, err := bridge.Load(context.Background(), documentID)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded.Materialize().Text("body") != "draft" || reloaded.Version() != 1 {
		t.Fatalf("saved state is not the last merged state: %#v", reloaded.Materialize())
	}
}

func TestFailedFlushKeepsDocumentResident(t *testing.T) {
	store := newCountingStore()
	store.failures = 1
	registry := newTestRegistry(t, store, registryOptions{evictionGrace: 30 * time.Millisecond})
	documentID := mustDocumentID(t, "doc-1")

	author, room := mustJoin(t, registry, documentID, "author")
	if _, err := room.Apply(context.Background(), author, insertPayload(1, 1, crdt.ID{}, "x")); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	registry.Leave(author)

	waitFor(t, "first flush attempt", func() bool { return store.calls() >= 1 })
	if !registry.Resident(documentID) && store.calls() < 2 {
		t.Fatalf("document released after a failed flush")
	}
	waitFor(t, "eviction after retry", func() bool { return !registry.Resident(documentID) })
	if store.calls() != 2 {
		t.Fatalf("expected failed flush followed by one successful flush, got %d calls", store.calls())
	}
}

func TestLoadFailureLeavesNoDocument(t *testing.T) {
	store := newCountingStore()
	store.fetchErr = errors.New("article api unavailable")
	registry := newTestRegistry(t, store, registryOptions{})
	documentID := mustDocumentID(t, "doc-1")

	s, err := New(Config{DocumentID: documentID, Identity: auth.Identity{Subject: "author"}})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	_, err = registry.Join(context.Background(), s)
	if !errors.Is(err, ErrDocumentUnavailable) || !errors.Is(err, persistence.ErrLoad) {
		t.Fatalf("expected unavailable load error, got %v", err)
	}
	if registry.Resident(documentID) {
		t.Fatalf("failed load must not leave a resident document")
	}

	store.mu.Lock()
	store.fetchErr = nil
	store.mu.Unlock()
	retry, err := New(Config{DocumentID: documentID, Identity: auth.Identity{Subject: "author"}})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if _, err := registry.Join(context.Background(), retry); err != nil {
		t.Fatalf("retry join failed: %v", err)
	}
}

func TestExplicitSaveNotifiesEverySession(t *testing.T) {
	var observed []uint64
	var observedMu sync.Mutex
	store := newCountingStore()
	registry := newTestRegistry(t, store, registryOptions{onSaved: func(_ crdt.DocumentID, version uint64) {
		observedMu.Lock()
		observed = append(observed, version)
		observedMu.Unlock()
	}})
	documentID := mustDocumentID(t, "doc-1")

	author, room := mustJoin(t, registry, documentID, "author")
	reader, _ := mustJoin(t, registry, documentID, "reader")
	expectSync(t, author)
	expectSync(t, reader)

	if _, err := room.Apply(context.Background(), author, insertPayload(1, 1, crdt.ID{}, "x")); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	nextFrame(t, author)
	nextFrame(t, reader)

	if err := room.RequestSave(context.Background(), author); err != nil {
		t.Fatalf("save request failed: %v", err)
	}
	for _, s := range []*Session{author, reader} {
		saved, ok := nextFrame(t, s).(protocol.Saved)
		if !ok || saved.Version != 1 {
			t.Fatalf("expected saved{1}, got %#v", saved)
		}
	}
	if store.calls() != 1 {
		t.Fatalf("expected one save, got %d", store.calls())
	}
	observedMu.Lock()
	defer observedMu.Unlock()
	if len(observed) != 1 || observed[0] != 1 {
		t.Fatalf("expected saved observer call for version 1, got %v", observed)
	}
}

func TestRejoinDuringGraceKeepsDocument(t *testing.T) {
	store := newCountingStore()
	registry := newTestRegistry(t, store, registryOptions{evictionGrace: 200 * time.Millisecond})
	documentID := mustDocumentID(t, "doc-1")

	author, room := mustJoin(t, registry, documentID, "author")
	if _, err := room.Apply(context.Background(), author, insertPayload(1, 1, crdt.ID{}, "kept")); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	registry.Leave(author)

	returning, sameRoom := mustJoin(t, registry, documentID, "author")
	if sameRoom != room {
		t.Fatalf("expected the resident room to be reused")
	}
	syncFrame := expectSync(t, returning)
	if syncFrame.Version != 1 || len(syncFrame.Updates) != 1 {
		t.Fatalf("expected full state at version 1, got %#v", syncFrame)
	}

	time.Sleep(300 * time.Millisecond)
	if !registry.Resident(documentID) {
		t.Fatalf("document evicted while a session is joined")
	}
	if store.calls() != 0 {
		t.Fatalf("unexpected save while the room is occupied")
	}
}

func TestPresenceIsReplayedAndClearedOnLeave(t *testing.T) {
	registry := newTestRegistry(t, newCountingStore(), registryOptions{})
	documentID := mustDocumentID(t, "doc-1")

	author, room := mustJoin(t, registry, documentID, "author")
	expectSync(t, author)
	if err := room.Awareness(context.Background(), author, []byte(`{"cursor":3}`)); err != nil {
		t.Fatalf("awareness failed: %v", err)
	}

	viewer, _ := mustJoin(t, registry, documentID, "viewer")
	expectSync(t, viewer)
	presence, ok := nextFrame(t, viewer).(protocol.PeerAwareness)
	if !ok || presence.SessionID != author.ID() || string(presence.Payload) != `{"cursor":3}` {
		t.Fatalf("expected replayed presence, got %#v", presence)
	}

	registry.Leave(author)
	registry.Leave(author)
	left, ok := nextFrame(t, viewer).(protocol.PeerAwareness)
	if !ok || left.SessionID != author.ID() || len(left.Payload) != 0 {
		t.Fatalf("expected presence removal, got %#v", left)
	}
	expectNoFrame(t, viewer)

	if _, err := room.Apply(context.Background(), author, insertPayload(1, 1, crdt.ID{}, "x")); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined after leave, got %v", err)
	}
}

func TestMalformedUpdateNotifiesOnlySender(t *testing.T) {
	registry := newTestRegistry(t, newCountingStore(), registryOptions{})
	documentID := mustDocumentID(t, "doc-1")

	author, room := mustJoin(t, registry, documentID, "author")
	peer, _ := mustJoin(t, registry, documentID, "peer")
	expectSync(t, author)
	expectSync(t, peer)

	if _, err := room.Apply(context.Background(), author, []byte{0xff}); !errors.Is(err, crdt.ErrMalformed) {
		t.Fatalf("expected malformed error, got %v", err)
	}
	errorFrame, ok := nextFrame(t, author).(protocol.ErrorFrame)
	if !ok || errorFrame.Code != protocol.CodeMalformedUpdate {
		t.Fatalf("expected malformed notification, got %#v", errorFrame)
	}
	expectNoFrame(t, peer)
	if room.Materialize().Version != 0 {
		t.Fatalf("malformed update changed version")
	}
}

func TestPendingOverflowNotifiesOnlySender(t *testing.T) {
	registry := newTestRegistry(t, newCountingStore(), registryOptions{documentOptions: []crdt.Option{crdt.WithMaxPending(1)}})
	documentID := mustDocumentID(t, "doc-1")

	author, room := mustJoin(t, registry, documentID, "author")
	peer, _ := mustJoin(t, registry, documentID, "peer")
	expectSync(t, author)
	expectSync(t, peer)

	result, err := room.Apply(context.Background(), author, insertPayload(2, 9, crdt.ID{Client: 1, Clock: 7}, "p"))
	if err != nil || !result.Pending {
		t.Fatalf("expected pending result, got %#v %v", result, err)
	}
	nextFrame(t, author)
	nextFrame(t, peer)

	if _, err := room.Apply(context.Background(), author, insertPayload(2, 12, crdt.ID{Client: 1, Clock: 10}, "q")); !errors.Is(err, crdt.ErrPendingOverflow) {
		t.Fatalf("expected ErrPendingOverflow, got %v", err)
	}
	errorFrame, ok := nextFrame(t, author).(protocol.ErrorFrame)
	if !ok || errorFrame.Code != protocol.CodePendingOverflow {
		t.Fatalf("expected overflow notification, got %#v", errorFrame)
	}
	expectNoFrame(t, peer)
	if room.Materialize().Version != 1 {
		t.Fatalf("rejected update changed version")
	}
}

func TestIneffectiveUpdateIsAcknowledgedAndRelayed(t *testing.T) {
	registry := newTestRegistry(t, newCountingStore(), registryOptions{})
	documentID := mustDocumentID(t, "doc-1")

	author, room := mustJoin(t, registry, documentID, "author")
	peer, _ := mustJoin(t, registry, documentID, "peer")
	expectSync(t, author)
	expectSync(t, peer)

	deleteRun := func(clock, length uint64) []byte {
		return crdt.EncodeUpdate(crdt.Update{Ops: []crdt.Op{{
			Kind:   crdt.OpDelete,
			Root:   "body",
			Target: crdt.ID{Client: 1, Clock: clock},
			Length: length,
		}}})
	}
	for _, payload := range [][]byte{insertPayload(1, 1, crdt.ID{}, "ab"), deleteRun(1, 2)} {
		if _, err := room.Apply(context.Background(), author, payload); err != nil {
			t.Fatalf("apply failed: %v", err)
		}
		nextFrame(t, author)
		nextFrame(t, peer)
	}

	repeated := deleteRun(2, 1)
	if _, err := room.Apply(context.Background(), author, repeated); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	ack, ok := nextFrame(t, author).(protocol.Ack)
	if !ok || !ack.Ineffective || ack.Duplicate || ack.Version != 3 {
		t.Fatalf("expected ineffective ack at version 3, got %#v", ack)
	}
	broadcast, ok := nextFrame(t, peer).(protocol.Broadcast)
	if !ok || broadcast.Version != 3 || string(broadcast.Payload) != string(repeated) {
		t.Fatalf("expected ineffective update to be relayed, got %#v", broadcast)
	}
}

func TestResumeAfterUnsavedRestartSendsFullState(t *testing.T) {
	store := newCountingStore()
	documentID := mustDocumentID(t, "doc-1")
	first := newTestRegistry(t, store, registryOptions{})

	author, room := mustJoin(t, first, documentID, "author")
	staleEpoch := expectSync(t, author).Epoch
	if _, err := room.Apply(context.Background(), author, insertPayload(1, 1, crdt.ID{}, "a")); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	nextFrame(t, author)
	if err := room.RequestSave(context.Background(), author); err != nil {
		t.Fatalf("save request failed: %v", err)
	}
	if saved, ok := nextFrame(t, author).(protocol.Saved); !ok || saved.Version != 1 {
		t.Fatalf("expected saved{1}, got %#v", saved)
	}
	if _, err := room.Apply(context.Background(), author, insertPayload(1, 2, crdt.ID{Client: 1, Clock: 1}, "b")); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	nextFrame(t, author)

	store.mu.Lock()
	store.failures = 1
	store.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()
	if err := first.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	second := newTestRegistry(t, store, registryOptions{})
	resumed, err := New(Config{
		DocumentID:    documentID,
		Identity:      auth.Identity{Subject: "author"},
		Token:         "token-author",
		Resume:        true,
		ResumeVersion: 2,
		ResumeEpoch:   staleEpoch,
	})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if _, err := second.Join(context.Background(), resumed); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	syncFrame := expectSync(t, resumed)
	if !syncFrame.Full || syncFrame.Version != 1 || syncFrame.Epoch == staleEpoch {
		t.Fatalf("expected full state in a new epoch, got %#v", syncFrame)
	}
}

func TestCloseKicksSessionsAndFlushes(t *testing.T) {
	store := newCountingStore()
	registry := newTestRegistry(t, store, registryOptions{})
	documentID := mustDocumentID(t, "doc-1")

	author, room := mustJoin(t, registry, documentID, "author")
	if _, err := room.Apply(context.Background(), author, insertPayload(1, 1, crdt.ID{}, "x")); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()
	if err := registry.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	code, _ := author.KickReason()
	if code != websocket.CloseGoingAway {
		t.Fatalf("expected going-away kick, got %d", code)
	}
	if store.calls() != 1 {
		t.Fatalf("expected shutdown flush, got %d saves", store.calls())
	}
	late, err := New(Config{DocumentID: documentID, Identity: auth.Identity{Subject: "late"}})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if _, err := registry.Join(context.Background(), late); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("expected ErrRegistryClosed, got %v", err)
	}
}
