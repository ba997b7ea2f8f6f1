package codec

import (
	"fmt"

	"github.com/panduza/panduza-core/internal/errkind"
)

// DefaultMaxFrameSize bounds the buffer a decoder may grow to.
const DefaultMaxFrameSize = 4096

// Codec encodes logical frames to wire bytes and creates decoders for the
// reverse direction.
type Codec interface {
	// Name identifies the codec in logs and settings ("raw", "slip", "usbtmc").
	Name() string

	// Encode converts a logical frame into wire bytes.
	Encode(frame []byte) ([]byte, error)

	// NewDecoder returns a decoder with empty state.
	NewDecoder() Decoder
}

// Decoder rebuilds frames from a byte stream.
type Decoder interface {
	// Decode feeds data to the decoder.
	//
	// Returns:
	//   - frame: The decoded payload, only meaningful when end is true
	//   - consumed: Number of bytes of data used; bytes past the frame end are left untouched
	//   - end: True once a complete frame has been decoded
	//   - error: *Error on malformed input
	//
	// After a frame ends the decoder resets and can decode the next one.
	Decode(data []byte) (frame []byte, consumed int, end bool, err error)
}

// Error reports input rejected by a codec. It wraps errkind.ErrCodec.
type Error struct {
	Codec  string
	Offset int
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("codec %s: %s at offset %d", e.Codec, e.Reason, e.Offset)
}

// Unwrap exposes the error kind.
func (e *Error) Unwrap() error {
	return errkind.ErrCodec
}

// ByName returns a codec from its settings name. An empty name selects Raw.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "raw":
		return Raw{}, nil
	case "slip":
		return NewSLIP(), nil
	case "usbtmc":
		return NewUSBTMC(DefaultUSBTMCChunkSize), nil
	default:
		return nil, fmt.Errorf("%w: unknown codec %q", errkind.ErrBadSettings, name)
	}
}
