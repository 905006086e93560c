package session

import (
	"errors"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/storage"
	"github.com/google/uuid"
)

const defaultQueueSize = 256

var errMissingSubject = errors.New("session: identity subject required")

// Config describes one connection's membership request.
type Config struct {
	DocumentID crdt.DocumentID
	Identity   auth.Identity
	Token      string
	// Resume asks for a delta since ResumeVersion instead of the full state. The delta is
	// only incremental when ResumeEpoch matches the resident document.
	Resume        bool
	ResumeVersion uint64
	ResumeEpoch   string
	QueueSize     int
}

// Session is one connected client within a document room. Outbound frames are queued
// without blocking the room; a full queue drops frames.
type Session struct {
	id            string
	documentID    crdt.DocumentID
	identity      auth.Identity
	credentials   storage.Credentials
	resume        bool
	resumeVersion uint64
	resumeEpoch   string

	outbound chan []byte

	kickOnce   sync.Once
	kicked     chan struct{}
	kickCode   int
	kickReason string

	joinMu sync.Mutex
	room   *Room
	left   bool

	// presence is owned by the room actor.
	presence []byte
}

// New creates a session with a time-ordered identifier.
func New(cfg Config) (*Session, error) {
	if strings.TrimSpace(cfg.Identity.Subject) == "" {
		return nil, errMissingSubject
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Session{
		id:            id.String(),
		documentID:    cfg.DocumentID,
		identity:      cfg.Identity,
		credentials:   storage.Credentials{Subject: cfg.Identity.Subject, Token: cfg.Token},
		resume:        cfg.Resume,
		resumeVersion: cfg.ResumeVersion,
		resumeEpoch:   cfg.ResumeEpoch,
		outbound:      make(chan []byte, queueSize),
		kicked:        make(chan struct{}),
	}, nil
}

func (s *Session) ID() string                  { return s.id }
func (s *Session) DocumentID() crdt.DocumentID { return s.documentID }
func (s *Session) Identity() auth.Identity     { return s.identity }

// Outbound yields encoded frames destined for the client.
func (s *Session) Outbound() <-chan []byte {
	return s.outbound
}

// Kicked is closed when the room asks the connection to close.
func (s *Session) Kicked() <-chan struct{} {
	return s.kicked
}

// KickReason returns the close code and reason once Kicked is closed.
func (s *Session) KickReason() (int, string) {
	<-s.kicked
	return s.kickCode, s.kickReason
}

func (s *Session) enqueue(frame []byte) bool {
	select {
	case s.outbound <- frame:
		return true
	default:
		return false
	}
}

func (s *Session) kick(code int, reason string) {
	s.kickOnce.Do(func() {
		s.kickCode = code
		s.kickReason = reason
		close(s.kicked)
	})
}
