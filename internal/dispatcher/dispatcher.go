// Package dispatcher routes incoming bus messages to the endpoint
// registered for their topic.
//
// Each topic has its own FIFO mailbox drained by a short-lived goroutine, so
// messages on one topic are delivered in broker order while a slow endpoint
// never delays another topic or the client's event loop.
//
// The dispatcher only keeps weak references to endpoints: when the owner of
// an Endpoint drops it, its route disappears without an explicit Deregister.
package dispatcher

import (
	"errors"
	"runtime"
	"sync"
	"weak"
)

var (
	// ErrDuplicateRoute is returned when a topic already has a live endpoint.
	ErrDuplicateRoute = errors.New("dispatcher: topic already registered")

	// ErrClosed is returned when registering on a closed dispatcher.
	ErrClosed = errors.New("dispatcher: closed")
)

// Endpoint receives the payloads published on one topic.
//
// The dispatcher does not keep an Endpoint alive; its owner must hold it for
// as long as messages should be delivered.
type Endpoint struct {
	fn func(payload []byte)
}

// NewEndpoint wraps fn as an endpoint.
func NewEndpoint(fn func(payload []byte)) *Endpoint {
	return &Endpoint{fn: fn}
}

// Logger defines the logging interface for the dispatcher.
type Logger interface {
	Debug(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Error(string, ...any) {}

// Observer is notified of every dispatched message. Used for metrics.
type Observer interface {
	ObserveDispatch(delivered bool)
}

type route struct {
	topic string
	ep    weak.Pointer[Endpoint]

	mu      sync.Mutex
	queue   [][]byte
	running bool
}

// Dispatcher maps topics to endpoints.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - The route map is guarded by a RWMutex: lookups happen on every
//     message, registrations only when attributes are created.
type Dispatcher struct {
	mu     sync.RWMutex
	routes map[string]*route
	closed bool

	logger   Logger
	observer Observer
	wg       sync.WaitGroup
}

// New creates an empty dispatcher.
func New() *Dispatcher {
	return &Dispatcher{
		routes: make(map[string]*route),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger used for handler panics.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.mu.Lock()
	d.logger = logger
	d.mu.Unlock()
}

// SetObserver sets the dispatch observer.
func (d *Dispatcher) SetObserver(o Observer) {
	d.mu.Lock()
	d.observer = o
	d.mu.Unlock()
}

// Register routes topic to ep.
//
// A route whose endpoint has been collected is replaced silently.
//
// Returns:
//   - error: ErrDuplicateRoute if a live endpoint already owns topic
func (d *Dispatcher) Register(topic string, ep *Endpoint) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	if r, ok := d.routes[topic]; ok && r.ep.Value() != nil {
		return ErrDuplicateRoute
	}

	r := &route{topic: topic, ep: weak.Make(ep)}
	d.routes[topic] = r
	runtime.AddCleanup(ep, d.forget, r)
	return nil
}

// Deregister removes the route for topic if it still points at ep.
func (d *Dispatcher) Deregister(topic string, ep *Endpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if r, ok := d.routes[topic]; ok && r.ep.Value() == ep {
		delete(d.routes, topic)
	}
}

// forget drops a route whose endpoint was collected.
func (d *Dispatcher) forget(r *route) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.routes[r.topic] == r {
		delete(d.routes, r.topic)
	}
}

// Dispatch queues payload for the endpoint registered on topic.
//
// It never blocks on the endpoint.
//
// Returns:
//   - bool: false if no live endpoint is registered for topic
func (d *Dispatcher) Dispatch(topic string, payload []byte) bool {
	d.mu.RLock()
	r, ok := d.routes[topic]
	closed := d.closed
	obs := d.observer
	d.mu.RUnlock()

	delivered := ok && !closed && r.ep.Value() != nil
	if obs != nil {
		obs.ObserveDispatch(delivered)
	}
	if !delivered {
		return false
	}

	r.mu.Lock()
	r.queue = append(r.queue, payload)
	start := !r.running
	r.running = true
	r.mu.Unlock()

	if start {
		d.wg.Add(1)
		go d.drain(r)
	}
	return true
}

// drain delivers queued payloads in order until the mailbox is empty.
func (d *Dispatcher) drain(r *route) {
	defer d.wg.Done()
	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.running = false
			r.mu.Unlock()
			return
		}
		payload := r.queue[0]
		r.queue[0] = nil
		r.queue = r.queue[1:]
		r.mu.Unlock()

		ep := r.ep.Value()
		if ep == nil {
			continue
		}
		d.deliver(r.topic, ep, payload)
	}
}

func (d *Dispatcher) deliver(topic string, ep *Endpoint, payload []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			d.mu.RLock()
			logger := d.logger
			d.mu.RUnlock()
			logger.Error("endpoint panic recovered", "topic", topic, "panic", rec)
		}
	}()
	ep.fn(payload)
}

// Len returns the number of registered routes.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.routes)
}

// Close stops accepting messages and waits for in-flight deliveries.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}
