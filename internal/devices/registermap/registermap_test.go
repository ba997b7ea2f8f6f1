package registermap

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/panduza/panduza-core/internal/dispatcher"
	"github.com/panduza/panduza-core/internal/errkind"
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

func (b *fakeBus) get(topic string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.last[topic])
}

func (b *fakeBus) raw(topic string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last[topic]
}

type alerts struct {
	mu   sync.Mutex
	msgs []string
}

func (a *alerts) Notify(n infopack.Notification) {
	if al, ok := n.(infopack.AlertNotification); ok {
		a.mu.Lock()
		a.msgs = append(a.msgs, al.Message)
		a.mu.Unlock()
	}
}

func (a *alerts) list() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.msgs...)
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

func startMap(t *testing.T, n int) (*Device, *instance.Env, *fakeBus, *alerts) {
	t.Helper()
	bus := &fakeBus{}
	al := &alerts{}
	broker := &notify.Flag{}
	broker.Set(true)
	env := &instance.Env{Bus: bus, Dispatcher: dispatcher.New(), Notifier: al, Broker: broker}

	dev := New(n)
	dev.rebootDelay = 10 * time.Millisecond
	mon := instance.NewMonitor("rm")
	inst, err := instance.New("rm", dev, mon, env)
	if err != nil {
		t.Fatalf("instance.New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = mon.Run(ctx) }()
	go func() { _ = inst.Run(ctx) }()

	wctx, wcancel := context.WithTimeout(ctx, 2*time.Second)
	defer wcancel()
	if err := inst.WaitState(wctx, instance.StateRunning); err != nil {
		t.Fatalf("WaitState(Running) error = %v", err)
	}
	return dev, env, bus, al
}

func TestProducer_Settings(t *testing.T) {
	tests := []struct {
		name     string
		settings string
		want     int
		wantErr  bool
	}{
		{"defaults", `{}`, DefaultRegisterCount, false},
		{"explicit", `{"number_of_register": 4}`, 4, false},
		{"zero", `{"number_of_register": 0}`, 0, true},
		{"not json", `[`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops, err := Producer{}.Produce(json.RawMessage(tt.settings))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Produce() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, errkind.ErrBadSettings) {
					t.Errorf("Produce() error = %v, want BadSettings kind", err)
				}
				return
			}
			if got := len(ops.(*Device).Values()); got != tt.want {
				t.Errorf("register count = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRegisterMap_Tree(t *testing.T) {
	_, _, bus, _ := startMap(t, 3)

	for _, name := range []string{"0", "1", "2"} {
		if got := bus.get("/rm/registers/" + name + "/att"); got != "0" {
			t.Errorf("register %s = %q, want 0", name, got)
		}
	}
	var dump []float64
	if err := cbor.Unmarshal(bus.raw("/rm/dump/att"), &dump); err != nil {
		t.Fatalf("dump is not CBOR: %v", err)
	}
	if len(dump) != 3 {
		t.Errorf("dump = %v, want 3 registers", dump)
	}
}

func TestRegisterMap_Commands(t *testing.T) {
	dev, env, bus, _ := startMap(t, 4)

	env.Dispatcher.Dispatch("/rm/registers/1/cmd", []byte("7"))
	waitUntil(t, "register write", func() bool { return bus.get("/rm/registers/1/att") == "7" })

	env.Dispatcher.Dispatch("/rm/command/cmd", []byte(`{"mode":"write","address":2,"values":[5,6]}`))
	waitUntil(t, "memory write", func() bool { return bus.get("/rm/registers/3/att") == "6" })

	want := []float64{0, 7, 5, 6}
	got := dev.Values()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Values() = %v, want %v", got, want)
		}
	}

	var dump []float64
	waitUntil(t, "dump refresh", func() bool {
		return cbor.Unmarshal(bus.raw("/rm/dump/att"), &dump) == nil && len(dump) == 4 && dump[3] == 6
	})
}

func TestRegisterMap_OutOfRangeReboots(t *testing.T) {
	dev, env, _, al := startMap(t, 2)

	env.Dispatcher.Dispatch("/rm/command/cmd", []byte(`{"mode":"write","address":1,"values":[1,2]}`))
	waitUntil(t, "alert", func() bool { return len(al.list()) > 0 })

	if msg := al.list()[0]; !strings.Contains(msg, "out of range") {
		t.Errorf("alert = %q, want out of range", msg)
	}
	if got := dev.Values(); got[1] != 0 {
		t.Errorf("Values() = %v, out-of-range write must not apply", got)
	}
}
