package reflective

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/panduza/panduza-core/internal/infopack"
	"github.com/panduza/panduza-core/internal/instance"
	"github.com/panduza/panduza-core/internal/notify"
)

type fakeBus struct {
	mu   sync.Mutex
	last map[string][]byte
}

func (b *fakeBus) Publish(topic string, payload []byte, _ byte, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last == nil {
		b.last = make(map[string][]byte)
	}
	b.last[topic] = payload
	return nil
}

func (b *fakeBus) Subscribe(string, byte) error { return nil }
func (b *fakeBus) Unsubscribe(string) error     { return nil }

func (b *fakeBus) get(topic string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last[topic]
}

func TestReflective_PublishesFleet(t *testing.T) {
	info := infopack.New("")
	bus := &fakeBus{}
	broker := &notify.Flag{}
	broker.Set(true)
	env := &instance.Env{Bus: bus, Notifier: info, Broker: broker}

	inst, mon, err := Build(info, env)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = mon.Run(ctx) }()
	go func() { _ = inst.Run(ctx) }()

	info.Notify(infopack.StateNotification{Topic: "/psu", State: "Running"})
	info.Notify(infopack.StructuralNotification{
		Kind:       infopack.KindAttribute,
		Topic:      "/psu/voltage",
		Descriptor: infopack.Descriptor{Codec: "number", Mode: "RW", Retained: true},
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		var devices map[string]infopack.DeviceStatus
		var structure map[string]*infopack.Node
		_ = json.Unmarshal(bus.get("/_/devices/att"), &devices)
		_ = json.Unmarshal(bus.get("/_/structure/att"), &structure)

		_, hasPSU := devices["psu"]
		_, hasSelf := devices[Name]
		psu := structure["psu"]
		if hasPSU && psu != nil && psu.Children["voltage"] != nil {
			if hasSelf {
				t.Errorf("devices lists the reflective device itself: %v", devices)
			}
			if got := devices["psu"].State; got != "Running" {
				t.Errorf("devices[psu].State = %q, want Running", got)
			}
			if got := psu.Children["voltage"].Codec; got != "number" {
				t.Errorf("voltage codec = %q, want number", got)
			}
			if structure[Name] == nil || structure[Name].Children["devices"] == nil {
				t.Errorf("structure misses the reflective tree: %v", structure[Name])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("snapshots never converged: devices=%s structure=%s",
				bus.get("/_/devices/att"), bus.get("/_/structure/att"))
		}
		time.Sleep(5 * time.Millisecond)
	}
}
