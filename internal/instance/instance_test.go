package instance

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/panduza/panduza-core/internal/notify"
)

// flakyOps fails its first mount's subtask and succeeds afterwards.
type flakyOps struct {
	mounts atomic.Int32
	att    atomic.Pointer[Attribute[float64]]
}

func (o *flakyOps) Mount(_ context.Context, inst *Instance) error {
	n := o.mounts.Add(1)
	att, err := inst.CreateAttribute("value").FinishAsNumber()
	if err != nil {
		return err
	}
	o.att.Store(att)
	if err := att.Set(float64(n)); err != nil {
		return err
	}
	if n == 1 {
		return inst.Spawn("fail", func(context.Context) error { return errBoom })
	}
	return inst.Spawn("idle", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
}

func (o *flakyOps) WaitRebootEvent(ctx context.Context, _ *Instance) error {
	select {
	case <-time.After(10 * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func startInstance(t *testing.T, ops Operations, broker *notify.Flag) (*Instance, *fakeBus, *recorder) {
	t.Helper()
	bus := &fakeBus{}
	rec := &recorder{}
	mon := NewMonitor("dev")
	inst, err := New("dev", ops, mon, &Env{Bus: bus, Notifier: rec, Broker: broker})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	inst.SetGrace(100 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = mon.Run(ctx) }()
	go func() { _ = inst.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-inst.Done()
	})
	return inst, bus, rec
}

func waitFor(t *testing.T, inst *Instance, s State) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := inst.WaitState(ctx, s); err != nil {
		t.Fatalf("instance never reached %s (at %s)", s, inst.State())
	}
}

func TestInstance_RebootsAfterSubtaskError(t *testing.T) {
	broker := &notify.Flag{}
	broker.Set(true)
	ops := &flakyOps{}
	inst, bus, rec := startInstance(t, ops, broker)

	waitUntil(t, "second mount", func() bool { return ops.mounts.Load() == 2 })
	waitFor(t, inst, StateRunning)

	want := []string{"Connecting", "Initialising", "Running", "Warning", "Cleaning", "Connecting", "Initialising", "Running"}
	if got := rec.states(); !slices.Equal(got[:len(want)], want) {
		t.Errorf("states = %v, want prefix %v", got, want)
	}

	alerts := rec.alerts()
	if len(alerts) != 1 || alerts[0] != "task fail: boom" {
		t.Errorf("alerts = %v, want [task fail: boom]", alerts)
	}

	// The first tree was released before the second mount.
	if got := bus.unsubscribed(); len(got) != 1 || got[0] != "/dev/value/cmd" {
		t.Errorf("unsubscribed = %v, want one release of /dev/value/cmd", got)
	}
	if v, err := ops.att.Load().Get(); err != nil || v != 2 {
		t.Errorf("second mount value = %v, %v, want 2", v, err)
	}
}

func TestInstance_MountErrorGoesToWarning(t *testing.T) {
	broker := &notify.Flag{}
	broker.Set(true)
	ops := &mountErrOps{}
	inst, _, rec := startInstance(t, ops, broker)

	waitUntil(t, "alert", func() bool { return len(rec.alerts()) > 0 })
	if got := rec.alerts()[0]; got != "mount: boom" {
		t.Errorf("alert = %q, want %q", got, "mount: boom")
	}
	inst.Stop()
	waitFor(t, inst, StateStopped)
}

type mountErrOps struct{ nopOps }

func (mountErrOps) Mount(context.Context, *Instance) error { return errBoom }

func TestInstance_WaitsForBroker(t *testing.T) {
	broker := &notify.Flag{}
	inst, _, rec := startInstance(t, nopOps{}, broker)

	waitFor(t, inst, StateConnecting)
	time.Sleep(20 * time.Millisecond)
	if inst.State() != StateConnecting {
		t.Fatalf("State() = %s without broker, want Connecting", inst.State())
	}

	broker.Set(true)
	waitFor(t, inst, StateRunning)

	broker.Set(false)
	waitFor(t, inst, StateWarning)
	if alerts := rec.alerts(); len(alerts) == 0 || alerts[0] != ErrBrokerDisconnected.Error() {
		t.Errorf("alerts = %v, want broker disconnected", alerts)
	}
}

func TestInstance_StopReachesStopped(t *testing.T) {
	broker := &notify.Flag{}
	broker.Set(true)
	inst, bus, rec := startInstance(t, &flakyOps{}, broker)

	waitFor(t, inst, StateRunning)
	inst.Stop()
	select {
	case <-inst.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	states := rec.states()
	if got := states[len(states)-2:]; !slices.Equal(got, []string{"Stopping", "Stopped"}) {
		t.Errorf("last states = %v, want [Stopping Stopped]", got)
	}
	if len(bus.unsubscribed()) == 0 {
		t.Error("tree not released on stop")
	}
	if inst.Root() != nil {
		t.Error("Root() != nil after stop")
	}
}

type stoppingOps struct {
	nopOps
	stop chan struct{}
}

func (o stoppingOps) WaitStopEvent(ctx context.Context, _ *Instance) error {
	select {
	case <-o.stop:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestInstance_StopEvent(t *testing.T) {
	broker := &notify.Flag{}
	broker.Set(true)
	ops := stoppingOps{stop: make(chan struct{})}
	inst, _, _ := startInstance(t, ops, broker)

	waitFor(t, inst, StateRunning)
	close(ops.stop)
	waitFor(t, inst, StateStopped)
}

func TestInstance_Republish(t *testing.T) {
	bus := &fakeBus{}
	inst, _ := mountedInstance(t, bus)

	kept, _ := inst.CreateAttribute("kept").WithRO().FinishAsNumber()
	live, _ := inst.CreateAttribute("live").WithAttOnly().FinishAsNumber()
	_ = kept.Set(1)
	_ = live.Set(2)

	if err := inst.Republish(); err != nil {
		t.Fatalf("Republish() error = %v", err)
	}
	pubs := bus.published()
	if len(pubs) != 3 || pubs[2].topic != "/dev/kept/att" || !pubs[2].retained {
		t.Errorf("publishes = %+v, want a retained resend of /dev/kept/att", pubs)
	}
}

func TestNew_InvalidName(t *testing.T) {
	if _, err := New("a/b", nopOps{}, NewMonitor("a/b"), nil); err == nil {
		t.Error("New() with slash succeeded, want error")
	}
}

// lockedBuffer is a bytes.Buffer safe for the concurrent writes of a logger.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) records(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(b.buf.Bytes()), []byte("\n")) {
		var rec map[string]any
		if err := json.Unmarshal(line, &rec); err != nil {
			t.Fatalf("log line %q is not JSON: %v", line, err)
		}
		out = append(out, rec)
	}
	return out
}

func TestInstance_LoggerScope(t *testing.T) {
	out := &lockedBuffer{}
	parent := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	broker := &notify.Flag{}
	broker.Set(true)

	inst, err := New("psu", nopOps{}, NewMonitor("psu"), &Env{Bus: &fakeBus{}, Broker: broker, Logger: parent})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := inst.mount(context.Background()); err != nil {
		t.Fatalf("mount() error = %v", err)
	}
	att, err := inst.CreateAttribute("voltage").FinishAsNumber()
	if err != nil {
		t.Fatalf("FinishAsNumber() error = %v", err)
	}

	inst.Logger().Info("mounted")
	inst.env.Dispatcher.Dispatch("/psu/voltage/cmd", []byte("not a number"))
	waitUntil(t, "attribute log", func() bool { return len(out.records(t)) >= 2 })

	var sawInstance, sawAttribute bool
	for _, rec := range out.records(t) {
		if rec["instance"] != "psu" {
			t.Errorf("record %v has instance = %v, want psu", rec["msg"], rec["instance"])
		}
		switch rec["msg"] {
		case "mounted":
			sawInstance = true
		case "dropping undecodable command":
			sawAttribute = true
			if rec["attribute"] != att.Topic().String() {
				t.Errorf("attribute = %v, want %s", rec["attribute"], att.Topic())
			}
		}
	}
	if !sawInstance || !sawAttribute {
		t.Errorf("records missing: instance=%v attribute=%v", sawInstance, sawAttribute)
	}
}
