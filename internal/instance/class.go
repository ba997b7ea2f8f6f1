package instance

import (
	"fmt"
	"sync"

	"github.com/panduza/panduza-core/internal/infopack"
	"github.com/panduza/panduza-core/internal/topic"
)

// teardowner is a tree node with bus resources to release.
type teardowner interface {
	teardown()
}

// republisher is an attribute able to resend its retained value.
type republisher interface {
	Republish() error
}

// tree tracks every node created during one mount so that Cleaning can
// release them all at once.
type tree struct {
	mu    sync.Mutex
	torn  bool
	nodes []teardowner
	atts  []republisher
}

func (t *tree) add(n teardowner, r republisher) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.torn {
		return ErrNotMounted
	}
	t.nodes = append(t.nodes, n)
	if r != nil {
		t.atts = append(t.atts, r)
	}
	return nil
}

func (t *tree) teardown() {
	t.mu.Lock()
	nodes := t.nodes
	t.nodes, t.atts = nil, nil
	t.torn = true
	t.mu.Unlock()

	for i := len(nodes) - 1; i >= 0; i-- {
		nodes[i].teardown()
	}
}

func (t *tree) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.nodes)
}

func (t *tree) republishers() []republisher {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]republisher(nil), t.atts...)
}

// Class is an internal node of the attribute tree.
//
// Child class names and child attribute names share one namespace: no two
// siblings may use the same name. The tree only grows while the instance is
// mounted and is torn down as a whole on Cleaning.
type Class struct {
	inst  *Instance
	tree  *tree
	topic topic.Topic
	info  string

	mu         sync.Mutex
	names      map[string]struct{}
	classes    []*Class
	attributes []string
}

func newClass(inst *Instance, t *tree, tp topic.Topic, info string) *Class {
	return &Class{
		inst:  inst,
		tree:  t,
		topic: tp,
		info:  info,
		names: make(map[string]struct{}),
	}
}

// Topic returns the full topic of the class.
func (c *Class) Topic() topic.Topic {
	return c.topic
}

// Name returns the last topic layer.
func (c *Class) Name() string {
	return c.topic.Name()
}

// Info returns the class description.
func (c *Class) Info() string {
	return c.info
}

// Classes returns the child classes in creation order.
func (c *Class) Classes() []*Class {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Class(nil), c.classes...)
}

// Attributes returns the child attribute names in creation order.
func (c *Class) Attributes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.attributes...)
}

// reserve claims name among the children of c.
func (c *Class) reserve(name string) error {
	if err := topic.ValidateName(name); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, taken := c.names[name]; taken {
		return fmt.Errorf("%w: %q under %s", ErrNameTaken, name, c.topic)
	}
	c.names[name] = struct{}{}
	return nil
}

func (c *Class) unreserve(name string) {
	c.mu.Lock()
	delete(c.names, name)
	c.mu.Unlock()
}

func (c *Class) teardown() {}

// ClassBuilder configures a child class before creation.
type ClassBuilder struct {
	parent *Class
	name   string
	info   string
	err    error
}

// CreateClass starts building a child class named name.
func (c *Class) CreateClass(name string) *ClassBuilder {
	return &ClassBuilder{parent: c, name: name}
}

// WithInfo sets a description carried in the structure tree.
func (b *ClassBuilder) WithInfo(info string) *ClassBuilder {
	b.info = info
	return b
}

// Finish creates the class.
//
// Returns:
//   - *Class: The new class
//   - error: ErrNameTaken if a sibling already uses the name, ErrNotMounted after teardown
func (b *ClassBuilder) Finish() (*Class, error) {
	if b.err != nil {
		return nil, b.err
	}
	p := b.parent
	if err := p.reserve(b.name); err != nil {
		return nil, err
	}

	child := newClass(p.inst, p.tree, p.topic.Child(b.name), b.info)
	if err := p.tree.add(child, nil); err != nil {
		p.unreserve(b.name)
		return nil, err
	}

	p.mu.Lock()
	p.classes = append(p.classes, child)
	p.mu.Unlock()

	p.inst.env.Notifier.Notify(infopack.StructuralNotification{
		Kind:       infopack.KindClass,
		Topic:      child.topic.String(),
		Descriptor: infopack.Descriptor{Info: b.info},
	})
	return child, nil
}
