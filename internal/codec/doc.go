// Package codec provides the wire codecs applied by transport connectors.
//
// A Codec turns a logical frame into the bytes written on a port, and hands
// out stateful Decoders that rebuild frames from bytes read back. Decoders
// accept input in arbitrary slices: a partial frame is buffered internally
// and the caller feeds more input until end-of-frame is reported.
//
// Three codecs are provided:
//   - Raw: identity in both directions
//   - SLIP: RFC 1055 framing with END/ESC byte stuffing
//   - USBTMC: bulk-out message headers on encode, bulk-in parsing on decode
//
// # Usage
//
//	c := codec.NewSLIP()
//	wire, _ := c.Encode([]byte{0xC0})
//	// wire == []byte{0xC0, 0xDB, 0xDC, 0xC0}
//
//	d := c.NewDecoder()
//	frame, consumed, end, err := d.Decode(wire)
//
// # Thread Safety
//
// Codecs are safe for concurrent use. A Decoder holds per-exchange state and
// must only be used by one goroutine.
package codec
