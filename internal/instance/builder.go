package instance

import (
	"encoding/json"
	"fmt"

	"github.com/panduza/panduza-core/internal/dispatcher"
	"github.com/panduza/panduza-core/internal/infopack"
	"github.com/panduza/panduza-core/internal/payload"
)

// AttributeBuilder configures an attribute before creation. The default
// mode is RW.
type AttributeBuilder struct {
	parent   *Class
	name     string
	access   Access
	retained *bool
	info     string
}

// CreateAttribute starts building a child attribute named name.
func (c *Class) CreateAttribute(name string) *AttributeBuilder {
	return &AttributeBuilder{parent: c, name: name, access: AccessRW}
}

// WithRO makes the attribute read-only for bus clients.
func (b *AttributeBuilder) WithRO() *AttributeBuilder {
	b.access = AccessRO
	return b
}

// WithWO makes the attribute write-only for bus clients.
func (b *AttributeBuilder) WithWO() *AttributeBuilder {
	b.access = AccessWO
	return b
}

// WithRW makes the attribute readable and writable.
func (b *AttributeBuilder) WithRW() *AttributeBuilder {
	b.access = AccessRW
	return b
}

// WithAttOnly publishes values without retaining them by default.
func (b *AttributeBuilder) WithAttOnly() *AttributeBuilder {
	b.access = AccessAttOnly
	return b
}

// WithRetained overrides the retain flag of published values.
func (b *AttributeBuilder) WithRetained(retained bool) *AttributeBuilder {
	b.retained = &retained
	return b
}

// WithInfo sets a description carried in the structure tree.
func (b *AttributeBuilder) WithInfo(info string) *AttributeBuilder {
	b.info = info
	return b
}

// FinishAsBoolean creates a boolean attribute.
func (b *AttributeBuilder) FinishAsBoolean() (*Attribute[bool], error) {
	return Finish(b, payload.Boolean{})
}

// FinishAsNumber creates a number attribute.
func (b *AttributeBuilder) FinishAsNumber() (*Attribute[float64], error) {
	return Finish(b, payload.Number{})
}

// FinishAsString creates a string attribute.
func (b *AttributeBuilder) FinishAsString() (*Attribute[string], error) {
	return Finish(b, payload.String{})
}

// FinishAsJSON creates an attribute carrying raw JSON documents.
func (b *AttributeBuilder) FinishAsJSON() (*Attribute[json.RawMessage], error) {
	return Finish(b, payload.JSON{})
}

// FinishAsBytes creates an attribute carrying opaque bytes.
func (b *AttributeBuilder) FinishAsBytes() (*Attribute[[]byte], error) {
	return Finish(b, payload.Bytes{})
}

// FinishAsMemoryCommand creates a memory command attribute. The mode must
// receive commands.
func (b *AttributeBuilder) FinishAsMemoryCommand() (*Attribute[payload.MemoryCommand], error) {
	return Finish(b, payload.MemoryCommands{})
}

func (b *AttributeBuilder) validate(codec string) (bool, error) {
	retained := b.access == AccessRO || b.access == AccessRW
	if b.retained != nil {
		retained = *b.retained
	}
	if b.access == AccessWO && retained {
		return false, fmt.Errorf("%w: %q is write-only and cannot be retained", ErrInvalidAccess, b.name)
	}
	if codec == (payload.MemoryCommands{}).TypeName() && !b.access.receives() {
		return false, fmt.Errorf("%w: %q memory commands need a WO or RW mode", ErrInvalidAccess, b.name)
	}
	return retained, nil
}

// Finish creates an attribute with any codec.
//
// The attribute name is reserved among its siblings first. For WO and RW
// modes a dispatcher endpoint is registered and the cmd topic subscribed
// with QoS 0. A structural notification is emitted last.
//
// Returns:
//   - *Attribute[T]: The new attribute
//   - error: ErrInvalidAccess, ErrNameTaken, ErrSubscribe or ErrNotMounted
func Finish[T any](b *AttributeBuilder, codec payload.Codec[T]) (*Attribute[T], error) {
	retained, err := b.validate(codec.TypeName())
	if err != nil {
		return nil, err
	}

	p := b.parent
	env := p.inst.env
	if err := p.reserve(b.name); err != nil {
		return nil, err
	}

	tp := p.topic.Child(b.name)
	a := &Attribute[T]{
		env:      env,
		logger:   p.inst.logger.With("attribute", tp.String()),
		topic:    tp,
		codec:    codec,
		access:   b.access,
		retained: retained,
		info:     b.info,
	}

	if b.access.receives() {
		a.ep = dispatcher.NewEndpoint(a.onCommand)
		if err := env.Dispatcher.Register(tp.Cmd(), a.ep); err != nil {
			p.unreserve(b.name)
			return nil, err
		}
		if err := env.Bus.Subscribe(tp.Cmd(), QoSAtMostOnce); err != nil {
			env.Dispatcher.Deregister(tp.Cmd(), a.ep)
			p.unreserve(b.name)
			return nil, fmt.Errorf("%w: %s: %w", ErrSubscribe, tp.Cmd(), err)
		}
	}

	var r republisher
	if retained {
		r = a
	}
	if err := p.tree.add(a, r); err != nil {
		a.teardown()
		p.unreserve(b.name)
		return nil, err
	}

	p.mu.Lock()
	p.attributes = append(p.attributes, b.name)
	p.mu.Unlock()

	env.Notifier.Notify(infopack.StructuralNotification{
		Kind:  infopack.KindAttribute,
		Topic: tp.String(),
		Descriptor: infopack.Descriptor{
			Codec:    codec.TypeName(),
			Mode:     b.access.String(),
			Info:     b.info,
			Retained: retained,
		},
	})
	return a, nil
}
