package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
)

func TestDecodeHelloCarriesResumeState(t *testing.T) {
	frame, err := Decode(Encode(Hello{Token: "token-value", Resume: true, ResumeVersion: 42, ResumeEpoch: "epoch-1"}))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	hello, ok := frame.(Hello)
	if !ok {
		t.Fatalf("expected Hello, got %T", frame)
	}
	if hello.Token != "token-value" || !hello.Resume || hello.ResumeVersion != 42 || hello.ResumeEpoch != "epoch-1" {
		t.Fatalf("unexpected hello: %#v", hello)
	}
}

func TestDecodeSyncKeepsUpdateBoundaries(t *testing.T) {
	original := Sync{Epoch: "epoch-1", Version: 7, Full: true, Updates: [][]byte{{0x0a, 0x01}, {}, {0x0b}}}
	message := Encode(original)

	frame, err := Decode(message)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	decoded := frame.(Sync)
	if decoded.Version != 7 || !decoded.Full || decoded.Epoch != "epoch-1" || len(decoded.Updates) != 3 {
		t.Fatalf("unexpected sync frame: %#v", decoded)
	}
	if !bytes.Equal(decoded.Updates[0], original.Updates[0]) || len(decoded.Updates[1]) != 0 {
		t.Fatalf("update payloads changed: %#v", decoded.Updates)
	}

	message[7] = 0xff
	if !bytes.Equal(decoded.Updates[0], []byte{0x0a, 0x01}) {
		t.Fatalf("decoded payload aliases the input buffer")
	}
}

func TestSyncBodyIsEncodedDelta(t *testing.T) {
	delta := crdt.Delta{Epoch: "epoch-2", Version: 3, Updates: [][]byte{{0x0a}}}
	message := Encode(Sync(delta))
	if !bytes.Equal(message[1:], crdt.EncodeDelta(delta)) {
		t.Fatalf("sync body differs from the encoded delta")
	}
}

func TestDecodeAckAndSyncRequestCarryEpoch(t *testing.T) {
	frame, err := Decode(Encode(Ack{Version: 5, Epoch: "epoch-3", Ineffective: true}))
	if err != nil {
		t.Fatalf("decode ack failed: %v", err)
	}
	ack := frame.(Ack)
	if ack.Version != 5 || ack.Epoch != "epoch-3" || !ack.Ineffective || ack.Duplicate || ack.Pending {
		t.Fatalf("unexpected ack: %#v", ack)
	}

	frame, err = Decode(Encode(SyncRequest{Since: 4, Epoch: "epoch-3"}))
	if err != nil {
		t.Fatalf("decode sync request failed: %v", err)
	}
	if request := frame.(SyncRequest); request.Since != 4 || request.Epoch != "epoch-3" {
		t.Fatalf("unexpected sync request: %#v", request)
	}
}

func TestDecodePeerAwarenessWithEmptyPayloadMeansLeft(t *testing.T) {
	frame, err := Decode(Encode(PeerAwareness{SessionID: "s-1", Subject: "user-1"}))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	peer := frame.(PeerAwareness)
	if peer.SessionID != "s-1" || peer.Subject != "user-1" || len(peer.Payload) != 0 {
		t.Fatalf("unexpected peer awareness: %#v", peer)
	}
}

func TestDecodeRejectsInvalidMessages(t *testing.T) {
	testCases := []struct {
		name     string
		message  []byte
		expected error
	}{
		{name: "empty", message: nil, expected: ErrMalformedFrame},
		{name: "unknown type", message: []byte{0x7f}, expected: ErrUnknownFrame},
		{name: "truncated body", message: []byte{byte(TypeUpdate), 0x0a, 0x05, 0x01}, expected: ErrMalformedFrame},
		{name: "wrong wire type", message: []byte{byte(TypeSyncRequest), 0x0a, 0x00}, expected: ErrMalformedFrame},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := Decode(testCase.message); !errors.Is(err, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, err)
			}
		})
	}
}

func TestDecodeSaveIgnoresBody(t *testing.T) {
	frame, err := Decode([]byte{byte(TypeSave)})
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if frame.Type() != TypeSave {
		t.Fatalf("expected save frame, got %s", frame.Type())
	}
}
