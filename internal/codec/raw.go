package codec

// Raw is the identity codec. Every Decode call yields one frame made of the
// whole input.
type Raw struct{}

// Name implements Codec.
func (Raw) Name() string { return "raw" }

// Encode returns a copy of frame.
func (Raw) Encode(frame []byte) ([]byte, error) {
	out := make([]byte, len(frame))
	copy(out, frame)
	return out, nil
}

// NewDecoder implements Codec.
func (Raw) NewDecoder() Decoder { return rawDecoder{} }

type rawDecoder struct{}

func (rawDecoder) Decode(data []byte) ([]byte, int, bool, error) {
	frame := make([]byte, len(data))
	copy(frame, data)
	return frame, len(data), true, nil
}
