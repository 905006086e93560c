// Package wire holds the protobuf wire-format helpers shared by the update and frame codecs.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrUnexpectedType indicates that a known field number arrived with the wrong wire type.
var ErrUnexpectedType = errors.New("wire: unexpected field type")

// Field is one decoded top-level field of a message.
type Field struct {
	Number protowire.Number
	Type   protowire.Type
	varint uint64
	bytes  []byte
}

// Uint64 returns the varint payload of the field.
func (field Field) Uint64() (uint64, error) {
	if field.Type != protowire.VarintType {
		return 0, fmt.Errorf("%w: field %d is not a varint", ErrUnexpectedType, field.Number)
	}
	return field.varint, nil
}

// Bool returns the varint payload interpreted as a boolean.
func (field Field) Bool() (bool, error) {
	value, err := field.Uint64()
	if err != nil {
		return false, err
	}
	return value != 0, nil
}

// Bytes returns the length-delimited payload of the field. The slice aliases the input.
func (field Field) Bytes() ([]byte, error) {
	if field.Type != protowire.BytesType {
		return nil, fmt.Errorf("%w: field %d is not length-delimited", ErrUnexpectedType, field.Number)
	}
	return field.bytes, nil
}

// String returns the length-delimited payload as a string.
func (field Field) String() (string, error) {
	value, err := field.Bytes()
	if err != nil {
		return "", err
	}
	return string(value), nil
}

// Decode walks the top-level fields of a message. Unknown wire types are skipped.
func Decode(data []byte, visit func(Field) error) error {
	for len(data) > 0 {
		number, wireType, tagLength := protowire.ConsumeTag(data)
		if tagLength < 0 {
			return protowire.ParseError(tagLength)
		}
		data = data[tagLength:]

		field := Field{Number: number, Type: wireType}
		var valueLength int
		switch wireType {
		case protowire.VarintType:
			field.varint, valueLength = protowire.ConsumeVarint(data)
		case protowire.BytesType:
			field.bytes, valueLength = protowire.ConsumeBytes(data)
		default:
			valueLength = protowire.ConsumeFieldValue(number, wireType, data)
		}
		if valueLength < 0 {
			return protowire.ParseError(valueLength)
		}
		data = data[valueLength:]

		if wireType != protowire.VarintType && wireType != protowire.BytesType {
			continue
		}
		if err := visit(field); err != nil {
			return err
		}
	}
	return nil
}

// AppendUint64 appends a varint field, omitting zero values.
func AppendUint64(buffer []byte, number protowire.Number, value uint64) []byte {
	if value == 0 {
		return buffer
	}
	buffer = protowire.AppendTag(buffer, number, protowire.VarintType)
	return protowire.AppendVarint(buffer, value)
}

// AppendBool appends a boolean field, omitting false.
func AppendBool(buffer []byte, number protowire.Number, value bool) []byte {
	if !value {
		return buffer
	}
	return AppendUint64(buffer, number, 1)
}

// AppendString appends a string field, omitting empty values.
func AppendString(buffer []byte, number protowire.Number, value string) []byte {
	if value == "" {
		return buffer
	}
	buffer = protowire.AppendTag(buffer, number, protowire.BytesType)
	return protowire.AppendString(buffer, value)
}

// AppendBytes appends a length-delimited field. Empty payloads are still written so repeated
// fields keep their cardinality.
func AppendBytes(buffer []byte, number protowire.Number, value []byte) []byte {
	buffer = protowire.AppendTag(buffer, number, protowire.BytesType)
	return protowire.AppendBytes(buffer, value)
}
