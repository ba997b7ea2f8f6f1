package payload

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding: the same value always produces
// the same bytes, so retained snapshots only change when the data does.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("payload: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("payload: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBOR encodes values of type T as deterministic CBOR.
type CBOR[T any] struct{}

// Encode implements Codec.
func (CBOR[T]) Encode(v T) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, decodeErr("cbor", err)
	}
	return data, nil
}

// Decode implements Codec.
func (CBOR[T]) Decode(data []byte) (T, error) {
	var v T
	if err := decMode.Unmarshal(data, &v); err != nil {
		return v, decodeErr("cbor", err)
	}
	return v, nil
}

// TypeName implements Codec.
func (CBOR[T]) TypeName() string { return "cbor" }
