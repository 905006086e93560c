package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/metrics"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/protocol"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/session"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

type connectionState int

const (
	stateConnecting connectionState = iota
	stateAuthenticating
	stateSyncing
	stateActive
	stateClosing
	stateClosed
)

func (state connectionState) String() string {
	switch state {
	case stateConnecting:
		return "connecting"
	case stateAuthenticating:
		return "authenticating"
	case stateSyncing:
		return "syncing"
	case stateActive:
		return "active"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(state))
	}
}

var connectionTransitions = map[connectionState][]connectionState{
	stateConnecting:     {stateAuthenticating, stateClosing},
	stateAuthenticating: {stateSyncing, stateClosing},
	stateSyncing:        {stateActive, stateClosing},
	stateActive:         {stateClosing},
	stateClosing:        {stateClosed},
}

var errInvalidTransition = errors.New("server: invalid connection state transition")

// closeError carries the websocket close code a pump wants the connection closed with.
type closeError struct {
	code   int
	reason string
}

func (e *closeError) Error() string {
	return fmt.Sprintf("close %d: %s", e.code, e.reason)
}

// connection drives one websocket through the collaboration state machine.
type connection struct {
	conn             *websocket.Conn
	documentID       crdt.DocumentID
	gate             *auth.Gate
	registry         *session.Registry
	metrics          *metrics.Collectors
	handshakeTimeout time.Duration
	logger           *zap.Logger

	stateMu sync.Mutex
	state   connectionState

	closeOnce sync.Once
	closeCode int
}

func (c *connection) transition(next connectionState) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	for _, allowed := range connectionTransitions[c.state] {
		if allowed == next {
			c.logger.Debug("connection state changed", zap.Stringer("from", c.state), zap.Stringer("to", next))
			c.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", errInvalidTransition, c.state, next)
}

func (c *connection) currentState() connectionState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// serve runs the connection until it closes. Registry.Leave runs exactly once for every
// session that was created.
func (c *connection) serve(ctx context.Context) {
	defer c.finish()

	hello, err := c.readHello()
	if err != nil {
		c.closeWithError(err, websocket.CloseProtocolError, "hello required")
		return
	}
	if err := c.transition(stateAuthenticating); err != nil {
		c.closeWith(websocket.CloseInternalServerErr, "internal error")
		return
	}

	identity, err := c.gate.Verify(ctx, hello.Token)
	if err != nil {
		c.metrics.AuthRejected()
		c.closeWith(protocol.CloseUnauthorized, "unauthorized")
		return
	}
	c.logger = c.logger.With(zap.String("subject", identity.Subject))

	s, err := session.New(session.Config{
		DocumentID:    c.documentID,
		Identity:      identity,
		Token:         hello.Token,
		Resume:        hello.Resume,
		ResumeVersion: hello.ResumeVersion,
		ResumeEpoch:   hello.ResumeEpoch,
	})
	if err != nil {
		c.logger.Error("failed to create session", zap.Error(err))
		c.closeWith(websocket.CloseInternalServerErr, "internal error")
		return
	}
	c.logger = c.logger.With(zap.String("session_id", s.ID()))
	defer c.registry.Leave(s)

	if err := c.transition(stateSyncing); err != nil {
		c.closeWith(websocket.CloseInternalServerErr, "internal error")
		return
	}
	room, err := c.registry.Join(ctx, s)
	switch {
	case errors.Is(err, session.ErrDocumentUnavailable):
		c.logger.Warn("document unavailable", zap.Error(err))
		c.closeWith(protocol.CloseDocumentUnavailable, "document unavailable")
		return
	case errors.Is(err, session.ErrRegistryClosed):
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		return
	case err != nil:
		c.logger.Error("join failed", zap.Error(err))
		c.closeWith(websocket.CloseInternalServerErr, "internal error")
		return
	}

	if err := c.transition(stateActive); err != nil {
		c.closeWith(websocket.CloseInternalServerErr, "internal error")
		return
	}
	c.logger.Info("connection active")

	group, groupContext := errgroup.WithContext(ctx)
	group.Go(func() error {
		return c.readPump(groupContext, s, room)
	})
	group.Go(func() error {
		return c.writePump(groupContext, s)
	})
	group.Go(func() error {
		<-groupContext.Done()
		c.closeWith(websocket.CloseNormalClosure, "")
		return nil
	})
	if err := group.Wait(); err != nil {
		c.logger.Debug("connection pumps stopped", zap.Error(err))
	}
}

func (c *connection) readHello() (protocol.Hello, error) {
	if c.handshakeTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.handshakeTimeout)); err != nil {
			return protocol.Hello{}, err
		}
	}
	frame, err := c.readFrame()
	if err != nil {
		return protocol.Hello{}, err
	}
	hello, ok := frame.(protocol.Hello)
	if !ok {
		return protocol.Hello{}, &closeError{code: websocket.CloseProtocolError, reason: "hello required"}
	}
	return hello, c.conn.SetReadDeadline(time.Time{})
}

// readFrame reads and decodes one binary frame.
func (c *connection) readFrame() (protocol.Frame, error) {
	messageType, message, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if messageType != websocket.BinaryMessage {
		return nil, &closeError{code: websocket.CloseUnsupportedData, reason: "binary frames required"}
	}
	frame, err := protocol.Decode(message)
	if err != nil {
		c.logger.Warn("malformed frame", zap.Error(err))
		return nil, &closeError{code: websocket.CloseProtocolError, reason: "malformed frame"}
	}
	return frame, nil
}

func (c *connection) readPump(ctx context.Context, s *session.Session, room *session.Room) error {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return err
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		frame, err := c.readFrame()
		if err != nil {
			var closeErr *closeError
			if errors.As(err, &closeErr) {
				c.closeWith(closeErr.code, closeErr.reason)
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("connection read failed", zap.Error(err))
			}
			return err
		}

		switch typed := frame.(type) {
		case protocol.Update:
			_, err = room.Apply(ctx, s, typed.Payload)
			switch {
			case errors.Is(err, crdt.ErrMalformed):
				c.logger.Warn("malformed update rejected", zap.Error(err))
				err = nil
			case errors.Is(err, crdt.ErrPendingOverflow):
				c.logger.Warn("update rejected while waiting for dependencies", zap.Error(err))
				err = nil
			}
		case protocol.Awareness:
			err = room.Awareness(ctx, s, typed.Payload)
		case protocol.SyncRequest:
			err = room.Resync(ctx, s, typed.Epoch, typed.Since)
		case protocol.Save:
			err = room.RequestSave(ctx, s)
		default:
			c.logger.Warn("unexpected frame", zap.Stringer("frame", frame.Type()))
			closeErr := &closeError{code: websocket.CloseProtocolError, reason: "unexpected frame"}
			c.closeWith(closeErr.code, closeErr.reason)
			return closeErr
		}
		if err != nil {
			return err
		}
	}
}

func (c *connection) writePump(ctx context.Context, s *session.Session) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message := <-s.Outbound():
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return err
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				c.logger.Warn("connection write failed", zap.Error(err))
				return err
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		case <-s.Kicked():
			code, reason := s.KickReason()
			c.drain(s)
			c.closeWith(code, reason)
			return &closeError{code: code, reason: reason}
		case <-ctx.Done():
			return nil
		}
	}
}

// drain flushes frames queued before a kick so clients see them ahead of the close.
func (c *connection) drain(s *session.Session) {
	for {
		select {
		case message := <-s.Outbound():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *connection) closeWithError(err error, fallbackCode int, fallbackReason string) {
	var closeErr *closeError
	if errors.As(err, &closeErr) {
		c.closeWith(closeErr.code, closeErr.reason)
		return
	}
	c.logger.Debug("connection failed before activation", zap.Error(err))
	c.closeWith(fallbackCode, fallbackReason)
}

// closeWith sends a close frame and tears the transport down. Only the first call counts.
func (c *connection) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		if err := c.transition(stateClosing); err != nil {
			c.logger.Debug("close requested twice", zap.Error(err))
		}
		c.closeCode = code
		message := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait))
		_ = c.conn.Close()
	})
}

func (c *connection) finish() {
	c.closeWith(websocket.CloseNormalClosure, "")
	if err := c.transition(stateClosed); err != nil {
		c.logger.Error("connection not closing at teardown", zap.Error(err))
	}
	c.logger.Info("connection closed", zap.Int("close_code", c.closeCode))
}
