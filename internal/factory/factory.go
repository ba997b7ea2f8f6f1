// Package factory turns production orders into device instances.
//
// A Producer is registered under "<manufacturer>.<model>". Produce looks the
// reference up, lets the producer build the driver operations from the
// order's opaque settings, and wraps them in a fresh Instance and Monitor.
package factory

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/panduza/panduza-core/internal/errkind"
	"github.com/panduza/panduza-core/internal/instance"
	"github.com/panduza/panduza-core/internal/topic"
)

var (
	// ErrUnknownProducer is returned when no producer is registered for a reference.
	ErrUnknownProducer = fmt.Errorf("factory: %w", errkind.ErrUnknownProducer)

	// ErrDuplicateProducer is returned when a reference is registered twice.
	ErrDuplicateProducer = fmt.Errorf("factory: producer already registered: %w", errkind.ErrInternalLogic)

	// ErrInvalidOrder is returned for an order missing its name or reference.
	ErrInvalidOrder = fmt.Errorf("factory: invalid production order: %w", errkind.ErrBadSettings)
)

// Producer builds the operations of one device model.
//
// Produce receives the order's device settings untouched; it validates
// their shape and returns a BadSettings error on mismatch.
type Producer interface {
	Manufacturer() string
	Model() string
	Produce(settings json.RawMessage) (instance.Operations, error)
}

// Ref returns the "<manufacturer>.<model>" reference of p.
func Ref(p Producer) string {
	return p.Manufacturer() + "." + p.Model()
}

// ProductionOrder asks for one instance of a device model.
type ProductionOrder struct {
	DeviceRef      string          `json:"device_ref"`
	DeviceName     string          `json:"device_name"`
	DeviceSettings json.RawMessage `json:"device_settings,omitempty"`
}

// Validate checks the fields every order needs.
func (o ProductionOrder) Validate() error {
	if err := topic.ValidateName(o.DeviceName); err != nil {
		return fmt.Errorf("%w: device_name: %w", ErrInvalidOrder, err)
	}
	manufacturer, model, ok := strings.Cut(o.DeviceRef, ".")
	if !ok || manufacturer == "" || model == "" {
		return fmt.Errorf("%w: device_ref %q is not <manufacturer>.<model>", ErrInvalidOrder, o.DeviceRef)
	}
	return nil
}

// Factory maps references to producers.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Factory struct {
	mu        sync.RWMutex
	producers map[string]Producer
}

// New creates a factory pre-loaded with producers.
func New(producers ...Producer) (*Factory, error) {
	f := &Factory{producers: make(map[string]Producer)}
	for _, p := range producers {
		if err := f.Register(p); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Register adds p under its reference.
func (f *Factory) Register(p Producer) error {
	ref := Ref(p)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.producers[ref]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProducer, ref)
	}
	f.producers[ref] = p
	return nil
}

// Has reports whether ref is registered.
func (f *Factory) Has(ref string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.producers[ref]
	return ok
}

// Refs returns the registered references, sorted.
func (f *Factory) Refs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	refs := make([]string, 0, len(f.producers))
	for ref := range f.producers {
		refs = append(refs, ref)
	}
	slices.Sort(refs)
	return refs
}

// Produce builds the instance described by order, attached to env.
//
// Returns:
//   - *instance.Instance: Instance in Connecting, not yet running
//   - *instance.Monitor: Monitor to run alongside it
//   - error: ErrInvalidOrder, ErrUnknownProducer, or the producer's settings error
func (f *Factory) Produce(order ProductionOrder, env *instance.Env) (*instance.Instance, *instance.Monitor, error) {
	if err := order.Validate(); err != nil {
		return nil, nil, err
	}

	f.mu.RLock()
	p, ok := f.producers[order.DeviceRef]
	f.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownProducer, order.DeviceRef)
	}

	settings := order.DeviceSettings
	if len(settings) == 0 {
		settings = json.RawMessage("{}")
	}
	ops, err := p.Produce(settings)
	if err != nil {
		return nil, nil, fmt.Errorf("produce %s (%s): %w", order.DeviceName, order.DeviceRef, err)
	}

	mon := instance.NewMonitor(order.DeviceName)
	inst, err := instance.New(order.DeviceName, ops, mon, env)
	if err != nil {
		return nil, nil, err
	}
	return inst, mon, nil
}
