package instance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/panduza/panduza-core/internal/infopack"
	"github.com/panduza/panduza-core/internal/notify"
)

type published struct {
	topic    string
	payload  string
	qos      byte
	retained bool
}

// fakeBus records bus traffic in memory.
type fakeBus struct {
	mu          sync.Mutex
	pubs        []published
	subs        []string
	unsubs      []string
	failPublish error
	failSub     error
}

func (b *fakeBus) Publish(topic string, payload []byte, qos byte, retained bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failPublish != nil {
		return b.failPublish
	}
	b.pubs = append(b.pubs, published{topic, string(payload), qos, retained})
	return nil
}

func (b *fakeBus) Subscribe(topic string, _ byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failSub != nil {
		return b.failSub
	}
	b.subs = append(b.subs, topic)
	return nil
}

func (b *fakeBus) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubs = append(b.unsubs, topic)
	return nil
}

func (b *fakeBus) published() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.pubs...)
}

func (b *fakeBus) unsubscribed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.unsubs...)
}

// recorder collects notifications.
type recorder struct {
	mu    sync.Mutex
	notes []infopack.Notification
}

func (r *recorder) Notify(n infopack.Notification) {
	r.mu.Lock()
	r.notes = append(r.notes, n)
	r.mu.Unlock()
}

func (r *recorder) states() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.notes {
		if s, ok := n.(infopack.StateNotification); ok {
			out = append(out, s.State)
		}
	}
	return out
}

func (r *recorder) alerts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.notes {
		if a, ok := n.(infopack.AlertNotification); ok {
			out = append(out, a.Message)
		}
	}
	return out
}

func (r *recorder) structural() []infopack.StructuralNotification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []infopack.StructuralNotification
	for _, n := range r.notes {
		if s, ok := n.(infopack.StructuralNotification); ok {
			out = append(out, s)
		}
	}
	return out
}

type nopOps struct{}

func (nopOps) Mount(context.Context, *Instance) error { return nil }
func (nopOps) WaitRebootEvent(ctx context.Context, _ *Instance) error {
	<-ctx.Done()
	return ctx.Err()
}

// mountedInstance returns an instance with a live tree and no FSM running.
func mountedInstance(t *testing.T, bus *fakeBus) (*Instance, *recorder) {
	t.Helper()
	rec := &recorder{}
	broker := &notify.Flag{}
	broker.Set(true)
	inst, err := New("dev", nopOps{}, NewMonitor("dev"), &Env{Bus: bus, Notifier: rec, Broker: broker})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := inst.mount(context.Background()); err != nil {
		t.Fatalf("mount() error = %v", err)
	}
	return inst, rec
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var errBoom = errors.New("boom")
