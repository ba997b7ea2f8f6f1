// Package payload provides the value codecs carried by attributes.
//
// A value codec converts between a typed Go value and the bytes published on
// an attribute topic. Numbers and booleans are published as bare JSON scalars
// ("14", "true"); on the command side both the bare scalar and an envelope
// object {"value": x} are accepted.
//
// Codecs:
//   - Bytes: raw payload, no transformation
//   - Boolean, Number, String: JSON scalars
//   - JSON: any JSON document, kept as json.RawMessage
//   - MemoryCommands: register read/write requests
//   - CBOR: deterministic CBOR for compact binary snapshots
package payload
