package payload

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/panduza/panduza-core/internal/errkind"
)

// Codec converts between values of type T and attribute payloads.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(data []byte) (T, error)

	// TypeName is the type reported in structural descriptors ("number", "json", ...).
	TypeName() string
}

func decodeErr(typ string, err error) error {
	return fmt.Errorf("%w: %s payload: %w", errkind.ErrCodec, typ, err)
}

// unwrapValue returns the "value" member when data is an envelope object,
// otherwise data itself.
func unwrapValue(data []byte) []byte {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return data
	}
	var env struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &env); err != nil || env.Value == nil {
		return data
	}
	return env.Value
}

// Bytes passes payloads through unchanged.
type Bytes struct{}

// Encode implements Codec.
func (Bytes) Encode(v []byte) ([]byte, error) { return append([]byte(nil), v...), nil }

// Decode implements Codec.
func (Bytes) Decode(data []byte) ([]byte, error) { return append([]byte(nil), data...), nil }

// TypeName implements Codec.
func (Bytes) TypeName() string { return "bytes" }

// Boolean encodes true/false.
type Boolean struct{}

// Encode implements Codec.
func (Boolean) Encode(v bool) ([]byte, error) { return json.Marshal(v) }

// Decode implements Codec.
func (Boolean) Decode(data []byte) (bool, error) {
	var v bool
	if err := json.Unmarshal(unwrapValue(data), &v); err != nil {
		return false, decodeErr("boolean", err)
	}
	return v, nil
}

// TypeName implements Codec.
func (Boolean) TypeName() string { return "boolean" }

// Number encodes float64 values.
type Number struct{}

// Encode implements Codec.
func (Number) Encode(v float64) ([]byte, error) { return json.Marshal(v) }

// Decode implements Codec.
func (Number) Decode(data []byte) (float64, error) {
	var v float64
	if err := json.Unmarshal(unwrapValue(data), &v); err != nil {
		return 0, decodeErr("number", err)
	}
	return v, nil
}

// TypeName implements Codec.
func (Number) TypeName() string { return "number" }

// String encodes text as a JSON string.
type String struct{}

// Encode implements Codec.
func (String) Encode(v string) ([]byte, error) { return json.Marshal(v) }

// Decode implements Codec.
func (String) Decode(data []byte) (string, error) {
	var v string
	if err := json.Unmarshal(unwrapValue(data), &v); err != nil {
		return "", decodeErr("string", err)
	}
	return v, nil
}

// TypeName implements Codec.
func (String) TypeName() string { return "string" }

// JSON carries any valid JSON document.
type JSON struct{}

// Encode implements Codec.
func (JSON) Encode(v json.RawMessage) ([]byte, error) {
	if !json.Valid(v) {
		return nil, decodeErr("json", fmt.Errorf("invalid document"))
	}
	return append([]byte(nil), v...), nil
}

// Decode implements Codec.
func (JSON) Decode(data []byte) (json.RawMessage, error) {
	if !json.Valid(data) {
		return nil, decodeErr("json", fmt.Errorf("invalid document"))
	}
	return append(json.RawMessage(nil), data...), nil
}

// TypeName implements Codec.
func (JSON) TypeName() string { return "json" }
