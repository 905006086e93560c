package session

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/metrics"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/persistence"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/protocol"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/storage"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	// ErrRoomClosed indicates the room was evicted or shut down.
	ErrRoomClosed = errors.New("session: room closed")
	// ErrNotJoined indicates a request from a session that is not a member of the room.
	ErrNotJoined = errors.New("session: not joined")
)

// Room serializes every mutation of one resident document through a single actor goroutine.
// Document, session set, save state, and timers are touched only from that goroutine.
type Room struct {
	documentID crdt.DocumentID
	document   *crdt.Document
	registry   *Registry
	logger     *zap.Logger

	commands chan func()
	done     chan struct{}

	sessions        map[string]*Session
	savedVersion    uint64
	lastCredentials storage.Credentials

	saving         bool
	saveTimerGen   uint64
	saveTimerArmed bool
	graceTimerGen  uint64
	evictRequested bool
	saveRequested  bool
	notifySaved    bool
	shuttingDown   bool
	stopped        bool
}

func newRoom(registry *Registry, documentID crdt.DocumentID, document *crdt.Document) *Room {
	return &Room{
		documentID:   documentID,
		document:     document,
		registry:     registry,
		logger:       registry.logger.With(zap.String("document_id", documentID.String())),
		commands:     make(chan func()),
		done:         make(chan struct{}),
		sessions:     make(map[string]*Session),
		savedVersion: document.Version(),
	}
}

// DocumentID returns the identifier of the resident document.
func (r *Room) DocumentID() crdt.DocumentID {
	return r.documentID
}

// Materialize returns the current merged content.
func (r *Room) Materialize() crdt.Snapshot {
	return r.document.Materialize()
}

// Done is closed once the room has been evicted or shut down.
func (r *Room) Done() <-chan struct{} {
	return r.done
}

func (r *Room) run() {
	defer r.registry.actors.Done()
	r.armGrace()
	for !r.stopped {
		command := <-r.commands
		command()
	}
	close(r.done)
}

// call runs fn on the actor and waits for it to finish.
func (r *Room) call(ctx context.Context, fn func()) error {
	completed := make(chan struct{})
	command := func() {
		fn()
		close(completed)
	}
	select {
	case r.commands <- command:
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-completed
	return nil
}

// post queues fn on the actor without waiting. Used by timers and save completions.
func (r *Room) post(fn func()) {
	select {
	case r.commands <- fn:
	case <-r.done:
	}
}

func (r *Room) sessionFields(s *Session) []zap.Field {
	return []zap.Field{zap.String("session_id", s.id), zap.String("subject", s.identity.Subject)}
}

func (r *Room) join(ctx context.Context, s *Session) error {
	var joinErr error
	err := r.call(ctx, func() {
		if r.shuttingDown {
			joinErr = ErrRoomClosed
			return
		}
		r.cancelGrace()
		r.evictRequested = false

		var delta crdt.Delta
		if s.resume {
			delta = r.document.Delta(s.resumeEpoch, s.resumeVersion)
		} else {
			delta = r.document.FullDelta()
		}
		r.send(s, protocol.Sync(delta))
		for _, peer := range r.sessions {
			if len(peer.presence) == 0 {
				continue
			}
			r.send(s, protocol.PeerAwareness{SessionID: peer.id, Subject: peer.identity.Subject, Payload: peer.presence})
		}
		r.sessions[s.id] = s
		r.registry.metrics.SessionJoined()
		r.logger.Debug("session joined", append(r.sessionFields(s), zap.Uint64("version", delta.Version), zap.Bool("full", delta.Full))...)
	})
	if err != nil {
		return err
	}
	return joinErr
}

func (r *Room) leave(s *Session) {
	r.post(func() {
		if _, ok := r.sessions[s.id]; !ok {
			return
		}
		delete(r.sessions, s.id)
		r.registry.metrics.SessionLeft()
		r.broadcast(protocol.PeerAwareness{SessionID: s.id, Subject: s.identity.Subject}, s.id)
		r.logger.Debug("session left", r.sessionFields(s)...)
		if len(r.sessions) == 0 {
			r.armGrace()
		}
	})
}

// Apply merges one encoded update from s. The sender receives an ack or an error frame;
// every other session receives the payload verbatim.
func (r *Room) Apply(ctx context.Context, s *Session, payload []byte) (crdt.Result, error) {
	var (
		result   crdt.Result
		applyErr error
	)
	err := r.call(ctx, func() {
		if _, ok := r.sessions[s.id]; !ok {
			applyErr = ErrNotJoined
			return
		}
		result, applyErr = r.document.ApplyEncoded(payload)
		switch {
		case errors.Is(applyErr, crdt.ErrPendingOverflow):
			r.registry.metrics.UpdateReceived(metrics.ResultOverflow)
			r.send(s, protocol.ErrorFrame{Code: protocol.CodePendingOverflow, Message: applyErr.Error()})
			return
		case applyErr != nil:
			r.registry.metrics.UpdateReceived(metrics.ResultMalformed)
			r.send(s, protocol.ErrorFrame{Code: protocol.CodeMalformedUpdate, Message: applyErr.Error()})
			return
		}
		r.send(s, protocol.Ack{
			Version:     result.Version,
			Duplicate:   result.Duplicate,
			Pending:     result.Pending,
			Epoch:       r.document.Epoch(),
			Ineffective: result.Ineffective,
		})
		switch {
		case result.Duplicate:
			r.registry.metrics.UpdateReceived(metrics.ResultDuplicate)
			return
		case result.Pending:
			r.registry.metrics.UpdateReceived(metrics.ResultPending)
		case result.Ineffective:
			r.registry.metrics.UpdateReceived(metrics.ResultIneffective)
		default:
			r.registry.metrics.UpdateReceived(metrics.ResultApplied)
		}
		r.broadcast(protocol.Broadcast{Version: result.Version, Payload: payload}, s.id)
		r.lastCredentials = s.credentials
		r.armSaveTimer()
	})
	if err != nil {
		return crdt.Result{}, err
	}
	return result, applyErr
}

// Awareness records and relays the session's presence metadata.
func (r *Room) Awareness(ctx context.Context, s *Session, payload []byte) error {
	var awarenessErr error
	err := r.call(ctx, func() {
		if _, ok := r.sessions[s.id]; !ok {
			awarenessErr = ErrNotJoined
			return
		}
		s.presence = append([]byte(nil), payload...)
		r.broadcast(protocol.PeerAwareness{SessionID: s.id, Subject: s.identity.Subject, Payload: s.presence}, s.id)
	})
	if err != nil {
		return err
	}
	return awarenessErr
}

// Resync queues the updates the session missed since the given version of epoch.
func (r *Room) Resync(ctx context.Context, s *Session, epoch string, since uint64) error {
	var resyncErr error
	err := r.call(ctx, func() {
		if _, ok := r.sessions[s.id]; !ok {
			resyncErr = ErrNotJoined
			return
		}
		r.send(s, protocol.Sync(r.document.Delta(epoch, since)))
	})
	if err != nil {
		return err
	}
	return resyncErr
}

// RequestSave persists the document now. Every session receives saved{} once the current
// version is stored.
func (r *Room) RequestSave(ctx context.Context, s *Session) error {
	var saveErr error
	err := r.call(ctx, func() {
		if _, ok := r.sessions[s.id]; !ok {
			saveErr = ErrNotJoined
			return
		}
		r.notifySaved = true
		if r.dirty() {
			r.lastCredentials = s.credentials
		}
		r.startSave()
	})
	if err != nil {
		return err
	}
	return saveErr
}

func (r *Room) send(s *Session, frame protocol.Frame) {
	if !s.enqueue(protocol.Encode(frame)) {
		r.registry.metrics.BroadcastDropped()
		r.logger.Warn("outbound queue full; frame dropped", append(r.sessionFields(s), zap.Stringer("frame", frame.Type()))...)
	}
}

func (r *Room) broadcast(frame protocol.Frame, exclude string) {
	encoded := protocol.Encode(frame)
	for id, target := range r.sessions {
		if id == exclude {
			continue
		}
		if !target.enqueue(encoded) {
			r.registry.metrics.BroadcastDropped()
			r.logger.Warn("outbound queue full; frame dropped", append(r.sessionFields(target), zap.Stringer("frame", frame.Type()))...)
		}
	}
}

func (r *Room) dirty() bool {
	return r.document.Version() > r.savedVersion
}

func (r *Room) armSaveTimer() {
	if r.saveTimerArmed || r.saving {
		return
	}
	r.saveTimerArmed = true
	r.saveTimerGen++
	generation := r.saveTimerGen
	time.AfterFunc(r.registry.saveDebounce, func() {
		r.post(func() {
			if generation != r.saveTimerGen || !r.saveTimerArmed {
				return
			}
			r.saveTimerArmed = false
			r.startSave()
		})
	})
}

func (r *Room) cancelSaveTimer() {
	r.saveTimerArmed = false
	r.saveTimerGen++
}

func (r *Room) armGrace() {
	r.graceTimerGen++
	generation := r.graceTimerGen
	time.AfterFunc(r.registry.evictionGrace, func() {
		r.post(func() {
			if generation != r.graceTimerGen {
				return
			}
			r.evictRequested = true
			r.tryEvict()
		})
	})
}

func (r *Room) cancelGrace() {
	r.graceTimerGen++
}

// startSave captures the document and writes it off the actor goroutine. At most one save
// is in flight; a request during a save is folded into a follow-up.
func (r *Room) startSave() {
	if r.saving {
		r.saveRequested = true
		return
	}
	r.cancelSaveTimer()
	if !r.dirty() {
		r.announceSaved()
		return
	}

	checkpoint := persistence.NewCheckpoint(r.documentID, r.document)
	credentials := r.lastCredentials
	r.saving = true
	r.saveRequested = false
	go func() {
		started := time.Now()
		err := r.registry.persister.Save(context.Background(), checkpoint, credentials)
		elapsed := time.Since(started)
		r.post(func() {
			r.finishSave(checkpoint.Version, err, elapsed)
		})
	}()
}

func (r *Room) finishSave(version uint64, err error, elapsed time.Duration) {
	r.saving = false
	if err != nil {
		r.registry.metrics.SaveCompleted(metrics.ResultFailure, elapsed)
		r.logger.Error("document save failed",
			zap.Uint64("version", version),
			zap.Uint64("saved_version", r.savedVersion),
			zap.Error(err))
		switch {
		case r.shuttingDown:
			r.stop()
		case r.evictRequested:
			r.evictRequested = false
			r.armGrace()
		default:
			r.armSaveTimer()
		}
		return
	}

	r.registry.metrics.SaveCompleted(metrics.ResultSuccess, elapsed)
	if version > r.savedVersion {
		r.savedVersion = version
	}
	r.logger.Info("document saved", zap.Uint64("version", version))
	if r.registry.onSaved != nil {
		r.registry.onSaved(r.documentID, version)
	}

	switch {
	case r.shuttingDown:
		if r.dirty() {
			r.startSave()
			return
		}
		r.stop()
	case r.evictRequested:
		r.tryEvict()
	case r.saveRequested:
		r.startSave()
	case r.dirty():
		r.announceSaved()
		r.armSaveTimer()
	default:
		r.announceSaved()
	}
}

func (r *Room) announceSaved() {
	if !r.notifySaved {
		return
	}
	r.notifySaved = false
	r.broadcast(protocol.Saved{Version: r.savedVersion}, "")
}

// tryEvict frees the room once it is empty and its last version is stored.
func (r *Room) tryEvict() {
	if !r.evictRequested || r.stopped {
		return
	}
	if len(r.sessions) > 0 {
		r.evictRequested = false
		return
	}
	if r.saving {
		return
	}
	if r.dirty() {
		r.startSave()
		return
	}
	r.logger.Info("document evicted", zap.Uint64("version", r.savedVersion))
	r.stop()
}

func (r *Room) shutdown() {
	r.post(func() {
		if r.shuttingDown {
			return
		}
		r.shuttingDown = true
		r.cancelGrace()
		r.cancelSaveTimer()
		for id, s := range r.sessions {
			s.kick(websocket.CloseGoingAway, "server shutting down")
			delete(r.sessions, id)
			r.registry.metrics.SessionLeft()
		}
		if r.saving {
			return
		}
		if r.dirty() {
			r.startSave()
			return
		}
		r.stop()
	})
}

func (r *Room) stop() {
	if r.stopped {
		return
	}
	r.cancelGrace()
	r.cancelSaveTimer()
	r.registry.release(r)
	r.stopped = true
}
