package payload

import (
	"encoding/json"
	"fmt"
)

// MemoryMode selects a memory command direction.
type MemoryMode string

// Memory command modes.
const (
	MemoryRead  MemoryMode = "read"
	MemoryWrite MemoryMode = "write"
)

// MemoryCommand asks a device to read or write a range of registers.
type MemoryCommand struct {
	Mode    MemoryMode `json:"mode"`
	Address uint64     `json:"address"`
	Size    uint64     `json:"size,omitempty"`
	Values  []uint64   `json:"values,omitempty"`

	// RepeatMs, when non-zero, asks for the read to be repeated periodically.
	RepeatMs uint64 `json:"repeat_ms,omitempty"`
}

// Validate checks mode and arguments.
func (m MemoryCommand) Validate() error {
	switch m.Mode {
	case MemoryRead:
		if m.Size == 0 {
			return fmt.Errorf("read of zero registers")
		}
	case MemoryWrite:
		if len(m.Values) == 0 {
			return fmt.Errorf("write without values")
		}
	default:
		return fmt.Errorf("unknown mode %q", m.Mode)
	}
	return nil
}

// Count returns the number of registers the command touches.
func (m MemoryCommand) Count() uint64 {
	if m.Mode == MemoryWrite {
		return uint64(len(m.Values))
	}
	return m.Size
}

// MemoryCommands encodes MemoryCommand values as JSON. A read without a
// size reads one register.
type MemoryCommands struct{}

// Encode implements Codec.
func (MemoryCommands) Encode(v MemoryCommand) ([]byte, error) {
	if err := v.Validate(); err != nil {
		return nil, decodeErr("memory_command", err)
	}
	return json.Marshal(v)
}

// Decode implements Codec.
func (MemoryCommands) Decode(data []byte) (MemoryCommand, error) {
	var v MemoryCommand
	if err := json.Unmarshal(data, &v); err != nil {
		return MemoryCommand{}, decodeErr("memory_command", err)
	}
	if v.Mode == MemoryRead && v.Size == 0 {
		v.Size = 1
	}
	if err := v.Validate(); err != nil {
		return MemoryCommand{}, decodeErr("memory_command", err)
	}
	return v, nil
}

// TypeName implements Codec.
func (MemoryCommands) TypeName() string { return "memory_command" }
