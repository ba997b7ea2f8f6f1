package reactor_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/panduza/panduza-core/internal/devices/reflective"
	"github.com/panduza/panduza-core/internal/devices/registermap"
	"github.com/panduza/panduza-core/internal/factory"
	"github.com/panduza/panduza-core/internal/infopack"
	"github.com/panduza/panduza-core/internal/infrastructure/mqtt"
	"github.com/panduza/panduza-core/internal/infrastructure/mqtt/mqtttest"
	"github.com/panduza/panduza-core/internal/reactor"
)

// watcher keeps the last payload received on each subscribed topic.
type watcher struct {
	t      *testing.T
	client *mqtt.Client

	mu   sync.Mutex
	last map[string][]byte
}

func watch(t *testing.T, b *mqtttest.Broker, clientID string, topics ...string) *watcher {
	t.Helper()
	c, err := mqtt.Connect(mqtt.Config{Host: b.Host, Port: b.Port, ClientID: clientID, RetryDelay: time.Second})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { c.Close() }) //nolint:errcheck // test teardown

	w := &watcher{t: t, client: c, last: make(map[string][]byte)}
	for _, topic := range topics {
		if err := c.Subscribe(topic, mqtt.QoSAtLeastOnce, w.record); err != nil {
			t.Fatalf("Subscribe(%s) error = %v", topic, err)
		}
	}
	return w
}

func (w *watcher) record(topic string, payload []byte) error {
	w.mu.Lock()
	w.last[topic] = append([]byte(nil), payload...)
	w.mu.Unlock()
	return nil
}

func (w *watcher) get(topic string) []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last[topic]
}

// waitFor polls until cond holds on the last payload of topic.
func (w *watcher) waitFor(what, topic string, timeout time.Duration, cond func(payload []byte) bool) {
	w.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if p := w.get(topic); p != nil && cond(p) {
			return
		}
		if time.Now().After(deadline) {
			w.t.Fatalf("timed out waiting for %s, last %s = %s", what, topic, w.get(topic))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func deviceStatus(payload []byte, name string) (infopack.DeviceStatus, bool) {
	var devices map[string]infopack.DeviceStatus
	if err := json.Unmarshal(payload, &devices); err != nil {
		return infopack.DeviceStatus{}, false
	}
	s, ok := devices[name]
	return s, ok
}

func TestReactor_RegisterMapOverBroker(t *testing.T) {
	if testing.Short() {
		t.Skip("waits through a full reboot cycle")
	}
	broker := mqtttest.Start(t)

	f, err := factory.New(registermap.Producer{})
	if err != nil {
		t.Fatalf("factory.New() error = %v", err)
	}
	cfg := mqtt.Config{Host: broker.Host, Port: broker.Port, ClientID: "platform", RetryDelay: time.Second}
	r := reactor.New(reactor.Options{RetryDelay: 50 * time.Millisecond}, f, reactor.MQTTDialer(cfg, nil))

	inst, mon, err := reflective.Build(r.InfoPack(), r.Env())
	if err != nil {
		t.Fatalf("reflective.Build() error = %v", err)
	}
	if err := r.Attach(inst, mon); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if err := r.Spawn(factory.ProductionOrder{DeviceRef: "panduza.fake_register_map", DeviceName: "memory_map"}); err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	const (
		devicesAtt = "/_/devices/att"
		registerAt = "/memory_map/registers/1/att"
	)
	w := watch(t, broker, "bench-tool", devicesAtt, registerAt)

	running := func(p []byte) bool {
		s, ok := deviceStatus(p, "memory_map")
		return ok && s.State == "Running"
	}
	w.waitFor("memory_map Running", devicesAtt, 5*time.Second, running)

	if err := w.client.Publish("/memory_map/registers/1/cmd", []byte(`{"value":14}`), mqtt.QoSAtLeastOnce, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	w.waitFor("register 1 = 14", registerAt, 2*time.Second, func(p []byte) bool { return string(p) == "14" })

	// A client arriving later still reads the value: it was retained.
	late := watch(t, broker, "late-tool", registerAt)
	late.waitFor("retained register 1", registerAt, 2*time.Second, func(p []byte) bool { return string(p) == "14" })

	bad := `{"mode":"write","address":19,"values":[1,2]}`
	if err := w.client.Publish("/memory_map/command/cmd", []byte(bad), mqtt.QoSAtLeastOnce, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	w.waitFor("memory_map Warning with an alert", devicesAtt, 2*time.Second, func(p []byte) bool {
		s, ok := deviceStatus(p, "memory_map")
		return ok && s.State == "Warning" && len(s.Alerts) > 0
	})
	w.waitFor("memory_map Running after reboot", devicesAtt, registermap.RebootDelay+5*time.Second, running)

	// The tree was rebuilt and the register kept its value.
	again := watch(t, broker, "after-reboot", registerAt)
	again.waitFor("register 1 after reboot", registerAt, 2*time.Second, func(p []byte) bool { return string(p) == "14" })
}
