// Package infopack aggregates the state, alerts and attribute trees of every
// instance in the fleet.
//
// Instances push notifications; readers take JSON snapshots and wait on two
// change notifiers: status (state or alert updates) and structure (tree
// additions). The reflective device republishes both snapshots on the bus.
package infopack

import (
	"encoding/json"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/panduza/panduza-core/internal/notify"
	"github.com/panduza/panduza-core/internal/topic"
)

// MaxAlerts bounds the alerts kept per instance. Older alerts are dropped first.
const MaxAlerts = 16

// Alert is one entry of an instance's alert list.
type Alert struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// DeviceStatus is the public status of one instance.
type DeviceStatus struct {
	State  string  `json:"state"`
	Alerts []Alert `json:"alerts"`
}

// Node is a node of the aggregate structure tree.
type Node struct {
	Kind     NodeKind         `json:"kind"`
	Codec    string           `json:"codec,omitempty"`
	Mode     string           `json:"mode,omitempty"`
	Info     string           `json:"info,omitempty"`
	Retained bool             `json:"retained,omitempty"`
	Children map[string]*Node `json:"children,omitempty"`
}

func (n *Node) clone() *Node {
	c := *n
	if n.Children != nil {
		c.Children = make(map[string]*Node, len(n.Children))
		for k, v := range n.Children {
			c.Children[k] = v.clone()
		}
	}
	return &c
}

// Size returns the number of nodes in the subtree, n included.
func (n *Node) Size() int {
	size := 1
	for _, c := range n.Children {
		size += c.Size()
	}
	return size
}

// Sink receives state and alert notifications after they are applied.
// Used for telemetry and metrics.
type Sink interface {
	OnState(instance, state string)
	OnAlert(instance string, alert Alert)
}

// Logger defines the logging interface for the info pack.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// InfoPack is the shared aggregate.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Push applies a notification synchronously, so notifications from one
//     instance are applied in emission order.
type InfoPack struct {
	namespace string

	mu        sync.RWMutex
	devices   map[string]*DeviceStatus
	structure map[string]*Node
	hidden    map[string]bool
	sinks     []Sink
	logger    Logger

	status     notify.Signal
	structural notify.Signal
}

// New creates an empty info pack for topics under namespace.
func New(namespace string) *InfoPack {
	return &InfoPack{
		namespace: namespace,
		devices:   make(map[string]*DeviceStatus),
		structure: make(map[string]*Node),
		hidden:    make(map[string]bool),
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger used for rejected notifications.
func (p *InfoPack) SetLogger(logger Logger) {
	p.mu.Lock()
	p.logger = logger
	p.mu.Unlock()
}

// Hide excludes an instance from the devices listing.
func (p *InfoPack) Hide(instance string) {
	p.mu.Lock()
	p.hidden[instance] = true
	delete(p.devices, instance)
	p.mu.Unlock()
}

// AddSink registers a sink for state and alert notifications.
func (p *InfoPack) AddSink(s Sink) {
	p.mu.Lock()
	p.sinks = append(p.sinks, s)
	p.mu.Unlock()
}

// Notify applies a notification. It implements the instance notifier.
func (p *InfoPack) Notify(n Notification) {
	switch n := n.(type) {
	case StateNotification:
		p.applyState(n)
	case AlertNotification:
		p.applyAlert(n)
	case StructuralNotification:
		p.applyStructure(n)
	}
}

func (p *InfoPack) parse(full string) (topic.Topic, bool) {
	t, err := topic.Parse(p.namespace, full)
	if err != nil {
		p.mu.RLock()
		logger := p.logger
		p.mu.RUnlock()
		logger.Warn("info pack dropped notification", "topic", full, "error", err)
		return topic.Topic{}, false
	}
	return t, true
}

func (p *InfoPack) device(name string) *DeviceStatus {
	d, ok := p.devices[name]
	if !ok {
		d = &DeviceStatus{Alerts: []Alert{}}
		p.devices[name] = d
	}
	return d
}

func (p *InfoPack) applyState(n StateNotification) {
	t, ok := p.parse(n.Topic)
	if !ok {
		return
	}

	p.mu.Lock()
	if p.hidden[t.Instance] {
		p.mu.Unlock()
		return
	}
	p.device(t.Instance).State = n.State
	sinks := p.sinks
	p.mu.Unlock()

	p.status.Notify()
	for _, s := range sinks {
		s.OnState(t.Instance, n.State)
	}
}

func (p *InfoPack) applyAlert(n AlertNotification) {
	t, ok := p.parse(n.Topic)
	if !ok {
		return
	}
	ts := n.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	alert := Alert{Message: n.Message, Timestamp: ts.UnixMilli()}

	p.mu.Lock()
	if p.hidden[t.Instance] {
		p.mu.Unlock()
		return
	}
	d := p.device(t.Instance)
	d.Alerts = append(d.Alerts, alert)
	if len(d.Alerts) > MaxAlerts {
		d.Alerts = append([]Alert{}, d.Alerts[len(d.Alerts)-MaxAlerts:]...)
	}
	sinks := p.sinks
	p.mu.Unlock()

	p.status.Notify()
	for _, s := range sinks {
		s.OnAlert(t.Instance, alert)
	}
}

// applyStructure walks the topic layers and inserts the node at its depth.
// Missing intermediate classes are created on demand so that notifications
// arriving out of order still land at the right place.
func (p *InfoPack) applyStructure(n StructuralNotification) {
	t, ok := p.parse(n.Topic)
	if !ok {
		return
	}

	p.mu.Lock()
	root, ok := p.structure[t.Instance]
	changed := false
	if !ok {
		root = &Node{Kind: KindInstance}
		p.structure[t.Instance] = root
		changed = true
	}

	node := root
	for i, layer := range t.Layers {
		if node.Children == nil {
			node.Children = make(map[string]*Node)
		}
		child, ok := node.Children[layer]
		if !ok {
			child = &Node{Kind: KindClass}
			node.Children[layer] = child
			changed = true
		}
		if i == len(t.Layers)-1 {
			changed = update(child, n) || changed
		}
		node = child
	}
	if len(t.Layers) == 0 && n.Descriptor.Info != "" && root.Info != n.Descriptor.Info {
		root.Info = n.Descriptor.Info
		changed = true
	}
	p.mu.Unlock()

	if changed {
		p.structural.Notify()
	}
}

func update(node *Node, n StructuralNotification) bool {
	next := Node{
		Kind:     n.Kind,
		Codec:    n.Descriptor.Codec,
		Mode:     n.Descriptor.Mode,
		Info:     n.Descriptor.Info,
		Retained: n.Descriptor.Retained,
		Children: node.Children,
	}
	if next.Kind == "" {
		next.Kind = KindClass
	}
	if next.Kind == node.Kind && next.Codec == node.Codec && next.Mode == node.Mode &&
		next.Info == node.Info && next.Retained == node.Retained {
		return false
	}
	*node = next
	return true
}

// Remove forgets an instance removed from the fleet.
func (p *InfoPack) Remove(instance string) {
	p.mu.Lock()
	_, hadDevice := p.devices[instance]
	_, hadTree := p.structure[instance]
	delete(p.devices, instance)
	delete(p.structure, instance)
	p.mu.Unlock()

	if hadDevice {
		p.status.Notify()
	}
	if hadTree {
		p.structural.Notify()
	}
}

// Devices returns a copy of every visible instance status.
func (p *InfoPack) Devices() map[string]DeviceStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]DeviceStatus, len(p.devices))
	for name, d := range p.devices {
		out[name] = DeviceStatus{State: d.State, Alerts: append([]Alert{}, d.Alerts...)}
	}
	return out
}

// DevicesJSON returns the devices snapshot as a JSON object keyed by instance name.
func (p *InfoPack) DevicesJSON() ([]byte, error) {
	return json.Marshal(p.Devices())
}

// Structure returns a deep copy of the aggregate tree keyed by instance name.
func (p *InfoPack) Structure() map[string]*Node {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]*Node, len(p.structure))
	for name, n := range p.structure {
		out[name] = n.clone()
	}
	return out
}

// StructureJSON returns the aggregate tree as JSON.
func (p *InfoPack) StructureJSON() ([]byte, error) {
	return json.Marshal(p.Structure())
}

// Instances returns the names of every instance with a known status.
func (p *InfoPack) Instances() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Sorted(maps.Keys(p.devices))
}

// StatusChanged returns a channel closed on the next state or alert update.
func (p *InfoPack) StatusChanged() <-chan struct{} {
	return p.status.C()
}

// StructureChanged returns a channel closed on the next tree addition.
func (p *InfoPack) StructureChanged() <-chan struct{} {
	return p.structural.C()
}
