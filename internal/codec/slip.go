package codec

// SLIP special bytes.
const (
	SLIPEnd    byte = 0xC0
	SLIPEsc    byte = 0xDB
	SLIPEscEnd byte = 0xDC
	SLIPEscEsc byte = 0xDD
)

// SLIP frames payloads with END markers and escapes END/ESC bytes inside them.
type SLIP struct {
	maxFrameSize int
}

// NewSLIP returns a SLIP codec with the default frame bound.
func NewSLIP() *SLIP {
	return &SLIP{maxFrameSize: DefaultMaxFrameSize}
}

// WithMaxFrameSize returns a copy bounded to n decoded bytes per frame.
func (s *SLIP) WithMaxFrameSize(n int) *SLIP {
	return &SLIP{maxFrameSize: n}
}

// Name implements Codec.
func (*SLIP) Name() string { return "slip" }

// Encode emits END, the escaped payload, then END.
func (*SLIP) Encode(frame []byte) ([]byte, error) {
	out := make([]byte, 0, len(frame)+2+len(frame)/8)
	out = append(out, SLIPEnd)
	for _, b := range frame {
		switch b {
		case SLIPEnd:
			out = append(out, SLIPEsc, SLIPEscEnd)
		case SLIPEsc:
			out = append(out, SLIPEsc, SLIPEscEsc)
		default:
			out = append(out, b)
		}
	}
	return append(out, SLIPEnd), nil
}

// NewDecoder implements Codec.
func (s *SLIP) NewDecoder() Decoder {
	return &slipDecoder{max: s.maxFrameSize}
}

type slipDecoder struct {
	max     int
	buf     []byte
	started bool
	escaped bool
	offset  int
}

// Decode consumes input up to and including the terminating END.
//
// A leading END opens the frame. Any later END closes it, so the empty
// frame [END, END] decodes to an empty payload.
func (d *slipDecoder) Decode(data []byte) ([]byte, int, bool, error) {
	for i, b := range data {
		pos := d.offset
		d.offset++

		if d.escaped {
			d.escaped = false
			switch b {
			case SLIPEscEnd:
				b = SLIPEnd
			case SLIPEscEsc:
				b = SLIPEsc
			default:
				d.reset()
				return nil, i + 1, false, &Error{Codec: "slip", Offset: pos, Reason: "malformed escape"}
			}
			if err := d.push(b, pos); err != nil {
				return nil, i + 1, false, err
			}
			continue
		}

		switch b {
		case SLIPEnd:
			if !d.started && len(d.buf) == 0 {
				d.started = true
				continue
			}
			frame := d.buf
			if frame == nil {
				frame = []byte{}
			}
			d.reset()
			return frame, i + 1, true, nil
		case SLIPEsc:
			d.started = true
			d.escaped = true
		default:
			d.started = true
			if err := d.push(b, pos); err != nil {
				return nil, i + 1, false, err
			}
		}
	}
	return nil, len(data), false, nil
}

func (d *slipDecoder) push(b byte, pos int) error {
	if d.max > 0 && len(d.buf) >= d.max {
		d.reset()
		return &Error{Codec: "slip", Offset: pos, Reason: "frame exceeds buffer"}
	}
	d.buf = append(d.buf, b)
	return nil
}

func (d *slipDecoder) reset() {
	d.buf = nil
	d.started = false
	d.escaped = false
	d.offset = 0
}
