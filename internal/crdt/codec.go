package crdt

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/wire"
)

const (
	fieldUpdateOps = 1

	fieldOpKind   = 1
	fieldOpRoot   = 2
	fieldOpID     = 3
	fieldOpOrigin = 4
	fieldOpText   = 5
	fieldOpTarget = 6
	fieldOpLength = 7
	fieldOpKey    = 8
	fieldOpValue  = 9

	fieldIDClient = 1
	fieldIDClock  = 2

	fieldSnapshotVersion = 1
	fieldSnapshotState   = 2
	fieldSnapshotPending = 3
	fieldSnapshotRecent  = 4
)

// EncodeUpdate serializes an update into its binary wire form.
func EncodeUpdate(update Update) []byte {
	buffer := make([]byte, 0, 32*len(update.Ops))
	for _, op := range update.Ops {
		buffer = wire.AppendBytes(buffer, fieldUpdateOps, encodeOp(op))
	}
	return buffer
}

// DecodeUpdate parses and structurally validates an update.
func DecodeUpdate(payload []byte) (Update, error) {
	update := Update{}
	err := wire.Decode(payload, func(field wire.Field) error {
		if field.Number != fieldUpdateOps {
			return nil
		}
		raw, err := field.Bytes()
		if err != nil {
			return err
		}
		op, err := decodeOp(raw)
		if err != nil {
			return err
		}
		update.Ops = append(update.Ops, op)
		return nil
	})
	if err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := update.Validate(); err != nil {
		return Update{}, err
	}
	return update, nil
}

func encodeOp(op Op) []byte {
	buffer := make([]byte, 0, 24+len(op.Root)+len(op.Text)+len(op.Key)+len(op.Value))
	buffer = wire.AppendUint64(buffer, fieldOpKind, uint64(op.Kind))
	buffer = wire.AppendString(buffer, fieldOpRoot, op.Root)
	if !op.ID.IsZero() {
		buffer = wire.AppendBytes(buffer, fieldOpID, encodeID(op.ID))
	}
	if !op.Origin.IsZero() {
		buffer = wire.AppendBytes(buffer, fieldOpOrigin, encodeID(op.Origin))
	}
	buffer = wire.AppendString(buffer, fieldOpText, op.Text)
	if !op.Target.IsZero() {
		buffer = wire.AppendBytes(buffer, fieldOpTarget, encodeID(op.Target))
	}
	buffer = wire.AppendUint64(buffer, fieldOpLength, op.Length)
	buffer = wire.AppendString(buffer, fieldOpKey, op.Key)
	buffer = wire.AppendString(buffer, fieldOpValue, op.Value)
	return buffer
}

func decodeOp(payload []byte) (Op, error) {
	op := Op{}
	err := wire.Decode(payload, func(field wire.Field) error {
		var err error
		switch field.Number {
		case fieldOpKind:
			var kind uint64
			kind, err = field.Uint64()
			if kind > 0xff {
				return fmt.Errorf("op kind %d out of range", kind)
			}
			op.Kind = OpKind(kind)
		case fieldOpRoot:
			op.Root, err = field.String()
		case fieldOpID:
			op.ID, err = decodeIDField(field)
		case fieldOpOrigin:
			op.Origin, err = decodeIDField(field)
		case fieldOpText:
			op.Text, err = field.String()
		case fieldOpTarget:
			op.Target, err = decodeIDField(field)
		case fieldOpLength:
			op.Length, err = field.Uint64()
		case fieldOpKey:
			op.Key, err = field.String()
		case fieldOpValue:
			op.Value, err = field.String()
		}
		return err
	})
	return op, err
}

func encodeID(id ID) []byte {
	buffer := make([]byte, 0, 20)
	buffer = wire.AppendUint64(buffer, fieldIDClient, uint64(id.Client))
	return wire.AppendUint64(buffer, fieldIDClock, id.Clock)
}

func decodeIDField(field wire.Field) (ID, error) {
	raw, err := field.Bytes()
	if err != nil {
		return ID{}, err
	}
	id := ID{}
	err = wire.Decode(raw, func(inner wire.Field) error {
		switch inner.Number {
		case fieldIDClient:
			client, clientErr := inner.Uint64()
			id.Client = ClientID(client)
			return clientErr
		case fieldIDClock:
			clock, clockErr := inner.Uint64()
			id.Clock = clock
			return clockErr
		}
		return nil
	})
	return id, err
}

type snapshotEnvelope struct {
	version uint64
	state   []byte
	pending [][]byte
	recent  [][]byte
}

func encodeSnapshotEnvelope(envelope snapshotEnvelope) []byte {
	buffer := make([]byte, 0, len(envelope.state)+16)
	buffer = wire.AppendUint64(buffer, fieldSnapshotVersion, envelope.version)
	buffer = wire.AppendBytes(buffer, fieldSnapshotState, envelope.state)
	for _, pending := range envelope.pending {
		buffer = wire.AppendBytes(buffer, fieldSnapshotPending, pending)
	}
	for _, hash := range envelope.recent {
		buffer = wire.AppendBytes(buffer, fieldSnapshotRecent, hash)
	}
	return buffer
}

func decodeSnapshotEnvelope(payload []byte) (snapshotEnvelope, error) {
	envelope := snapshotEnvelope{}
	err := wire.Decode(payload, func(field wire.Field) error {
		var err error
		switch field.Number {
		case fieldSnapshotVersion:
			envelope.version, err = field.Uint64()
		case fieldSnapshotState:
			envelope.state, err = field.Bytes()
		case fieldSnapshotPending:
			var pending []byte
			pending, err = field.Bytes()
			if err == nil {
				envelope.pending = append(envelope.pending, append([]byte(nil), pending...))
			}
		case fieldSnapshotRecent:
			var hash []byte
			hash, err = field.Bytes()
			if err == nil {
				envelope.recent = append(envelope.recent, append([]byte(nil), hash...))
			}
		}
		return err
	})
	if err != nil {
		return snapshotEnvelope{}, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return envelope, nil
}

const (
	fieldDeltaVersion = 1
	fieldDeltaFull    = 2
	fieldDeltaUpdates = 3
	fieldDeltaEpoch   = 4
)

// EncodeDelta serializes a delta. It is the body of the sync frame.
func EncodeDelta(delta Delta) []byte {
	buffer := make([]byte, 0, 64)
	buffer = wire.AppendUint64(buffer, fieldDeltaVersion, delta.Version)
	buffer = wire.AppendBool(buffer, fieldDeltaFull, delta.Full)
	for _, update := range delta.Updates {
		buffer = wire.AppendBytes(buffer, fieldDeltaUpdates, update)
	}
	return wire.AppendString(buffer, fieldDeltaEpoch, delta.Epoch)
}

// DecodeDelta parses EncodeDelta output. Contained updates are not validated.
func DecodeDelta(payload []byte) (Delta, error) {
	delta := Delta{}
	err := wire.Decode(payload, func(field wire.Field) error {
		var err error
		switch field.Number {
		case fieldDeltaVersion:
			delta.Version, err = field.Uint64()
		case fieldDeltaFull:
			delta.Full, err = field.Bool()
		case fieldDeltaUpdates:
			var update []byte
			update, err = field.Bytes()
			if err == nil {
				delta.Updates = append(delta.Updates, append([]byte(nil), update...))
			}
		case fieldDeltaEpoch:
			delta.Epoch, err = field.String()
		}
		return err
	})
	if err != nil {
		return Delta{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return delta, nil
}
