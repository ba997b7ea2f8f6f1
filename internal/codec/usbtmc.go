package codec

import (
	"encoding/binary"
	"sync"
)

// USBTMC bulk message identifiers.
const (
	USBTMCDevDepMsgOut        byte = 1
	USBTMCRequestDevDepMsgIn  byte = 2
	USBTMCDevDepMsgIn         byte = 2
	USBTMCVendorSpecificOut   byte = 126
	USBTMCRequestVendorSpecIn byte = 127
)

const (
	// USBTMCHeaderSize is the size of every bulk-out and bulk-in header.
	USBTMCHeaderSize = 12

	// DefaultUSBTMCChunkSize is the payload carried by one bulk-out message.
	DefaultUSBTMCChunkSize = 64

	usbtmcEOM = 0x01
)

// USBTMC encodes payloads as DEV_DEP_MSG_OUT bulk messages and decodes
// DEV_DEP_MSG_IN responses.
type USBTMC struct {
	chunkSize int

	mu  sync.Mutex
	tag byte
}

// NewUSBTMC returns a USBTMC codec splitting payloads into messages of at
// most chunkSize bytes. A non-positive chunkSize selects the default.
func NewUSBTMC(chunkSize int) *USBTMC {
	if chunkSize <= 0 {
		chunkSize = DefaultUSBTMCChunkSize
	}
	return &USBTMC{chunkSize: chunkSize}
}

// Name implements Codec.
func (*USBTMC) Name() string { return "usbtmc" }

// nextTag returns the next bTag value. Zero is not a valid tag.
func (u *USBTMC) nextTag() byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.tag++
	if u.tag == 0 {
		u.tag = 1
	}
	return u.tag
}

// Encode splits frame into bulk-out messages. Each message is a 12-byte
// header followed by the chunk, padded with zeroes to a 4-byte boundary.
// The last message carries the end-of-message bit.
func (u *USBTMC) Encode(frame []byte) ([]byte, error) {
	var out []byte
	for start := 0; ; start += u.chunkSize {
		end := min(start+u.chunkSize, len(frame))
		chunk := frame[start:end]
		last := end == len(frame)

		var attrs byte
		if last {
			attrs = usbtmcEOM
		}
		out = append(out, header(USBTMCDevDepMsgOut, u.nextTag(), uint32(len(chunk)), attrs)...)
		out = append(out, chunk...)
		out = append(out, make([]byte, padding(len(chunk)))...)

		if last {
			return out, nil
		}
	}
}

// RequestIn builds the REQUEST_DEV_DEP_MSG_IN message that asks the device
// for up to maxSize response bytes.
func (u *USBTMC) RequestIn(maxSize uint32) []byte {
	return header(USBTMCRequestDevDepMsgIn, u.nextTag(), maxSize, 0)
}

func header(msgID, tag byte, size uint32, attrs byte) []byte {
	h := make([]byte, USBTMCHeaderSize)
	h[0] = msgID
	h[1] = tag
	h[2] = ^tag
	binary.LittleEndian.PutUint32(h[4:8], size)
	h[8] = attrs
	return h
}

func padding(n int) int {
	return (4 - n%4) % 4
}

// NewDecoder implements Codec.
func (*USBTMC) NewDecoder() Decoder {
	return &usbtmcDecoder{max: DefaultMaxFrameSize}
}

type usbtmcDecoder struct {
	max int

	hdr     []byte
	payload []byte
	size    int
	eom     bool
	skip    int
	offset  int
}

// Decode parses bulk messages until one carries the end-of-message bit.
//
// Both DEV_DEP_MSG_IN and DEV_DEP_MSG_OUT headers are accepted so that a
// stream produced by Encode decodes back to its payload.
func (d *usbtmcDecoder) Decode(data []byte) ([]byte, int, bool, error) {
	i := 0
	for i < len(data) {
		switch {
		case len(d.hdr) < USBTMCHeaderSize:
			n := min(USBTMCHeaderSize-len(d.hdr), len(data)-i)
			d.hdr = append(d.hdr, data[i:i+n]...)
			i += n
			d.offset += n
			if len(d.hdr) == USBTMCHeaderSize {
				if err := d.parseHeader(); err != nil {
					return nil, i, false, err
				}
			}

		case d.size > 0:
			n := min(d.size, len(data)-i)
			if d.max > 0 && len(d.payload)+n > d.max {
				pos := d.offset
				d.reset()
				return nil, i, false, &Error{Codec: "usbtmc", Offset: pos, Reason: "frame exceeds buffer"}
			}
			d.payload = append(d.payload, data[i:i+n]...)
			d.size -= n
			i += n
			d.offset += n

		case d.skip > 0:
			n := min(d.skip, len(data)-i)
			d.skip -= n
			i += n
			d.offset += n
		}

		if len(d.hdr) == USBTMCHeaderSize && d.size == 0 && d.skip == 0 {
			if d.eom {
				frame := d.payload
				if frame == nil {
					frame = []byte{}
				}
				d.reset()
				return frame, i, true, nil
			}
			d.hdr = d.hdr[:0]
		}
	}
	return nil, i, false, nil
}

func (d *usbtmcDecoder) parseHeader() error {
	h := d.hdr
	pos := d.offset - USBTMCHeaderSize
	if h[0] != USBTMCDevDepMsgIn && h[0] != USBTMCDevDepMsgOut {
		d.reset()
		return &Error{Codec: "usbtmc", Offset: pos, Reason: "unexpected message id"}
	}
	if h[2] != ^h[1] {
		d.reset()
		return &Error{Codec: "usbtmc", Offset: pos + 2, Reason: "header checksum mismatch"}
	}
	d.size = int(binary.LittleEndian.Uint32(h[4:8]))
	d.eom = h[8]&usbtmcEOM != 0
	d.skip = padding(d.size)
	return nil
}

func (d *usbtmcDecoder) reset() {
	d.hdr = nil
	d.payload = nil
	d.size = 0
	d.eom = false
	d.skip = 0
	d.offset = 0
}
