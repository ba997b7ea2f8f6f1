package codec

import (
	"bytes"
	"errors"
	"testing"
)

func TestSLIP_Encode(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want []byte
	}{
		{"literal END", []byte{0xC0}, []byte{0xC0, 0xDB, 0xDC, 0xC0}},
		{"literal ESC", []byte{0xDB}, []byte{0xC0, 0xDB, 0xDD, 0xC0}},
		{"plain", []byte{0x01, 0x02}, []byte{0xC0, 0x01, 0x02, 0xC0}},
		{"empty", nil, []byte{0xC0, 0xC0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewSLIP().Encode(tt.in)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("Encode() = % x, want % x", got, tt.want)
			}
		})
	}
}

func TestSLIP_DecodeStopsAtEnd(t *testing.T) {
	in := []byte{0xC0, 0x01, 0x02, 0x03, 0x04, 0x05, 0xC0, 0x04}

	frame, consumed, end, err := NewSLIP().NewDecoder().Decode(in)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if consumed != 7 {
		t.Errorf("consumed = %d, want 7", consumed)
	}
	if !end {
		t.Error("end = false, want true")
	}
	if want := []byte{0x01, 0x02, 0x03, 0x04, 0x05}; !bytes.Equal(frame, want) {
		t.Errorf("frame = % x, want % x", frame, want)
	}
}

func TestSLIP_DecodePartial(t *testing.T) {
	d := NewSLIP().NewDecoder()

	_, consumed, end, err := d.Decode([]byte{0xC0, 0x10, 0xDB})
	if err != nil || end || consumed != 3 {
		t.Fatalf("Decode(part 1) = (%d, %v, %v), want (3, false, nil)", consumed, end, err)
	}

	frame, consumed, end, err := d.Decode([]byte{0xDC, 0x20, 0xC0, 0xFF})
	if err != nil {
		t.Fatalf("Decode(part 2) error = %v", err)
	}
	if !end || consumed != 3 {
		t.Errorf("Decode(part 2) = (%d, %v), want (3, true)", consumed, end)
	}
	if want := []byte{0x10, 0xC0, 0x20}; !bytes.Equal(frame, want) {
		t.Errorf("frame = % x, want % x", frame, want)
	}
}

func TestSLIP_DecodeMalformedEscape(t *testing.T) {
	_, _, _, err := NewSLIP().NewDecoder().Decode([]byte{0xC0, 0x01, 0xDB, 0x02, 0xC0})

	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("Decode() error = %v, want *Error", err)
	}
	if cerr.Offset != 3 {
		t.Errorf("Offset = %d, want 3", cerr.Offset)
	}
}

func TestSLIP_DecodeOverflow(t *testing.T) {
	d := NewSLIP().WithMaxFrameSize(4).NewDecoder()

	_, _, _, err := d.Decode([]byte{0xC0, 1, 2, 3, 4, 5, 0xC0})
	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("Decode() error = %v, want *Error", err)
	}
	if cerr.Offset != 5 {
		t.Errorf("Offset = %d, want 5", cerr.Offset)
	}
}
