// Package protocol defines the binary websocket frames exchanged between editors and the
// collaboration service. Every message is one type byte followed by a protobuf-wire body.
package protocol

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/wire"
)

var (
	// ErrMalformedFrame indicates that a frame body could not be decoded.
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	// ErrUnknownFrame indicates an unrecognized frame type byte.
	ErrUnknownFrame = errors.New("protocol: unknown frame type")
)

// Websocket close codes used by the service in addition to the RFC 6455 ones.
const (
	CloseUnauthorized        = 4001
	CloseDocumentUnavailable = 4003
)

// Error codes carried by ErrorFrame.
const (
	CodeMalformedUpdate     = "malformed_update"
	CodePendingOverflow     = "pending_overflow"
	CodeProtocolError       = "protocol_error"
	CodeUnauthorized        = "unauthorized"
	CodeDocumentUnavailable = "document_unavailable"
)

// FrameType is the leading byte of every message.
type FrameType byte

const (
	TypeHello         FrameType = 0x01
	TypeUpdate        FrameType = 0x02
	TypeAwareness     FrameType = 0x03
	TypeSyncRequest   FrameType = 0x04
	TypeSave          FrameType = 0x05
	TypeSync          FrameType = 0x10
	TypeBroadcast     FrameType = 0x11
	TypeAck           FrameType = 0x12
	TypeError         FrameType = 0x13
	TypePeerAwareness FrameType = 0x14
	TypeSaved         FrameType = 0x15
)

// String returns a log-friendly frame name.
func (frameType FrameType) String() string {
	switch frameType {
	case TypeHello:
		return "hello"
	case TypeUpdate:
		return "update"
	case TypeAwareness:
		return "awareness"
	case TypeSyncRequest:
		return "sync_request"
	case TypeSave:
		return "save"
	case TypeSync:
		return "sync"
	case TypeBroadcast:
		return "broadcast"
	case TypeAck:
		return "ack"
	case TypeError:
		return "error"
	case TypePeerAwareness:
		return "peer_awareness"
	case TypeSaved:
		return "saved"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(frameType))
	}
}

// Frame is any message that can travel over the socket.
type Frame interface {
	Type() FrameType
	appendBody(buffer []byte) []byte
}

// Hello is the first client frame. It carries the bearer token and, when resuming, the epoch
// and last version the client has observed.
type Hello struct {
	Token         string
	Resume        bool
	ResumeVersion uint64
	ResumeEpoch   string
}

// Update carries one encoded CRDT update.
type Update struct {
	Payload []byte
}

// Awareness carries opaque presence metadata. An empty payload clears it.
type Awareness struct {
	Payload []byte
}

// SyncRequest asks for every update after Since within Epoch.
type SyncRequest struct {
	Since uint64
	Epoch string
}

// Save requests an immediate persist of the document.
type Save struct{}

// Sync delivers the initial state or a resync delta. Its body is the encoded crdt.Delta.
type Sync crdt.Delta

// Broadcast relays an update accepted from another session.
type Broadcast struct {
	Version uint64
	Payload []byte
}

// Ack reports the outcome of the sender's own update.
type Ack struct {
	Version     uint64
	Duplicate   bool
	Pending     bool
	Epoch       string
	Ineffective bool
}

// ErrorFrame notifies the client of a rejected request.
type ErrorFrame struct {
	Code    string
	Message string
}

// PeerAwareness relays another session's presence. An empty payload means the session left.
type PeerAwareness struct {
	SessionID string
	Subject   string
	Payload   []byte
}

// Saved announces that the document was persisted at Version.
type Saved struct {
	Version uint64
}

func (Hello) Type() FrameType         { return TypeHello }
func (Update) Type() FrameType        { return TypeUpdate }
func (Awareness) Type() FrameType     { return TypeAwareness }
func (SyncRequest) Type() FrameType   { return TypeSyncRequest }
func (Save) Type() FrameType          { return TypeSave }
func (Sync) Type() FrameType          { return TypeSync }
func (Broadcast) Type() FrameType     { return TypeBroadcast }
func (Ack) Type() FrameType           { return TypeAck }
func (ErrorFrame) Type() FrameType    { return TypeError }
func (PeerAwareness) Type() FrameType { return TypePeerAwareness }
func (Saved) Type() FrameType         { return TypeSaved }

func (frame Hello) appendBody(buffer []byte) []byte {
	buffer = wire.AppendString(buffer, 1, frame.Token)
	buffer = wire.AppendBool(buffer, 2, frame.Resume)
	buffer = wire.AppendUint64(buffer, 3, frame.ResumeVersion)
	return wire.AppendString(buffer, 4, frame.ResumeEpoch)
}

func (frame Update) appendBody(buffer []byte) []byte {
	return wire.AppendBytes(buffer, 1, frame.Payload)
}

func (frame Awareness) appendBody(buffer []byte) []byte {
	return wire.AppendBytes(buffer, 1, frame.Payload)
}

func (frame SyncRequest) appendBody(buffer []byte) []byte {
	buffer = wire.AppendUint64(buffer, 1, frame.Since)
	return wire.AppendString(buffer, 2, frame.Epoch)
}

func (Save) appendBody(buffer []byte) []byte { return buffer }

func (frame Sync) appendBody(buffer []byte) []byte {
	return append(buffer, crdt.EncodeDelta(crdt.Delta(frame))...)
}

func (frame Broadcast) appendBody(buffer []byte) []byte {
	buffer = wire.AppendUint64(buffer, 1, frame.Version)
	return wire.AppendBytes(buffer, 2, frame.Payload)
}

func (frame Ack) appendBody(buffer []byte) []byte {
	buffer = wire.AppendUint64(buffer, 1, frame.Version)
	buffer = wire.AppendBool(buffer, 2, frame.Duplicate)
	buffer = wire.AppendBool(buffer, 3, frame.Pending)
	buffer = wire.AppendString(buffer, 4, frame.Epoch)
	return wire.AppendBool(buffer, 5, frame.Ineffective)
}

func (frame ErrorFrame) appendBody(buffer []byte) []byte {
	buffer = wire.AppendString(buffer, 1, frame.Code)
	return wire.AppendString(buffer, 2, frame.Message)
}

func (frame PeerAwareness) appendBody(buffer []byte) []byte {
	buffer = wire.AppendString(buffer, 1, frame.SessionID)
	buffer = wire.AppendString(buffer, 2, frame.Subject)
	return wire.AppendBytes(buffer, 3, frame.Payload)
}

func (frame Saved) appendBody(buffer []byte) []byte {
	return wire.AppendUint64(buffer, 1, frame.Version)
}

// Encode serializes a frame into one websocket message.
func Encode(frame Frame) []byte {
	buffer := make([]byte, 1, 32)
	buffer[0] = byte(frame.Type())
	return frame.appendBody(buffer)
}

// Decode parses one websocket message.
func Decode(message []byte) (Frame, error) {
	if len(message) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrMalformedFrame)
	}
	frameType, body := FrameType(message[0]), message[1:]

	var (
		frame Frame
		err   error
	)
	switch frameType {
	case TypeHello:
		frame, err = decodeHello(body)
	case TypeUpdate:
		var payload []byte
		payload, err = decodePayload(body, 1)
		frame = Update{Payload: payload}
	case TypeAwareness:
		var payload []byte
		payload, err = decodePayload(body, 1)
		frame = Awareness{Payload: payload}
	case TypeSyncRequest:
		frame, err = decodeSyncRequest(body)
	case TypeSave:
		frame = Save{}
	case TypeSync:
		frame, err = decodeSync(body)
	case TypeBroadcast:
		frame, err = decodeBroadcast(body)
	case TypeAck:
		frame, err = decodeAck(body)
	case TypeError:
		frame, err = decodeError(body)
	case TypePeerAwareness:
		frame, err = decodePeerAwareness(body)
	case TypeSaved:
		frame, err = decodeSaved(body)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFrame, frameType)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, frameType, err)
	}
	return frame, nil
}

func copyBytes(field wire.Field) ([]byte, error) {
	raw, err := field.Bytes()
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), raw...), nil
}

func decodePayload(body []byte, number int) ([]byte, error) {
	var payload []byte
	err := wire.Decode(body, func(field wire.Field) error {
		if int(field.Number) != number {
			return nil
		}
		var err error
		payload, err = copyBytes(field)
		return err
	})
	return payload, err
}

func decodeHello(body []byte) (Hello, error) {
	frame := Hello{}
	err := wire.Decode(body, func(field wire.Field) error {
		var err error
		switch field.Number {
		case 1:
			frame.Token, err = field.String()
		case 2:
			frame.Resume, err = field.Bool()
		case 3:
			frame.ResumeVersion, err = field.Uint64()
		case 4:
			frame.ResumeEpoch, err = field.String()
		}
		return err
	})
	return frame, err
}

func decodeSyncRequest(body []byte) (SyncRequest, error) {
	frame := SyncRequest{}
	err := wire.Decode(body, func(field wire.Field) error {
		var err error
		switch field.Number {
		case 1:
			frame.Since, err = field.Uint64()
		case 2:
			frame.Epoch, err = field.String()
		}
		return err
	})
	return frame, err
}

func decodeSync(body []byte) (Sync, error) {
	delta, err := crdt.DecodeDelta(body)
	return Sync(delta), err
}

func decodeBroadcast(body []byte) (Broadcast, error) {
	frame := Broadcast{}
	err := wire.Decode(body, func(field wire.Field) error {
		var err error
		switch field.Number {
		case 1:
			frame.Version, err = field.Uint64()
		case 2:
			frame.Payload, err = copyBytes(field)
		}
		return err
	})
	return frame, err
}

func decodeAck(body []byte) (Ack, error) {
	frame := Ack{}
	err := wire.Decode(body, func(field wire.Field) error {
		var err error
		switch field.Number {
		case 1:
			frame.Version, err = field.Uint64()
		case 2:
			frame.Duplicate, err = field.Bool()
		case 3:
			frame.Pending, err = field.Bool()
		case 4:
			frame.Epoch, err = field.String()
		case 5:
			frame.Ineffective, err = field.Bool()
		}
		return err
	})
	return frame, err
}

func decodeError(body []byte) (ErrorFrame, error) {
	frame := ErrorFrame{}
	err := wire.Decode(body, func(field wire.Field) error {
		var err error
		switch field.Number {
		case 1:
			frame.Code, err = field.String()
		case 2:
			frame.Message, err = field.String()
		}
		return err
	})
	return frame, err
}

func decodePeerAwareness(body []byte) (PeerAwareness, error) {
	frame := PeerAwareness{}
	err := wire.Decode(body, func(field wire.Field) error {
		var err error
		switch field.Number {
		case 1:
			frame.SessionID, err = field.String()
		case 2:
			frame.Subject, err = field.String()
		case 3:
			frame.Payload, err = copyBytes(field)
		}
		return err
	})
	return frame, err
}

func decodeSaved(body []byte) (Saved, error) {
	frame := Saved{}
	err := wire.Decode(body, func(field wire.Field) error {
		if field.Number != 1 {
			return nil
		}
		var err error
		frame.Version, err = field.Uint64()
		return err
	})
	return frame, err
}
