package factory

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"testing"

	"github.com/panduza/panduza-core/internal/errkind"
	"github.com/panduza/panduza-core/internal/instance"
)

type stubOps struct{ settings json.RawMessage }

func (stubOps) Mount(context.Context, *instance.Instance) error { return nil }
func (stubOps) WaitRebootEvent(ctx context.Context, _ *instance.Instance) error {
	<-ctx.Done()
	return ctx.Err()
}

type stubProducer struct {
	manufacturer, model string
	fail                error
}

func (p stubProducer) Manufacturer() string { return p.manufacturer }
func (p stubProducer) Model() string        { return p.model }
func (p stubProducer) Produce(settings json.RawMessage) (instance.Operations, error) {
	if p.fail != nil {
		return nil, p.fail
	}
	return stubOps{settings: settings}, nil
}

func TestFactory_Produce(t *testing.T) {
	f, err := New(stubProducer{manufacturer: "acme", model: "widget"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	inst, mon, err := f.Produce(ProductionOrder{DeviceRef: "acme.widget", DeviceName: "w1"}, nil)
	if err != nil {
		t.Fatalf("Produce() error = %v", err)
	}
	if inst.Name() != "w1" || mon == nil || inst.Monitor() != mon {
		t.Errorf("Produce() = %s, %p", inst.Name(), mon)
	}
	if inst.State() != instance.StateConnecting {
		t.Errorf("State() = %s, want Connecting", inst.State())
	}
}

func TestFactory_ProduceErrors(t *testing.T) {
	badSettings := errors.Join(errkind.ErrBadSettings, errors.New("number_of_register must be positive"))
	f, _ := New(
		stubProducer{manufacturer: "acme", model: "widget"},
		stubProducer{manufacturer: "acme", model: "broken", fail: badSettings},
	)

	tests := []struct {
		name    string
		order   ProductionOrder
		wantErr error
	}{
		{name: "unknown ref", order: ProductionOrder{DeviceRef: "acme.gadget", DeviceName: "g"}, wantErr: errkind.ErrUnknownProducer},
		{name: "ref without model", order: ProductionOrder{DeviceRef: "acme", DeviceName: "g"}, wantErr: ErrInvalidOrder},
		{name: "empty name", order: ProductionOrder{DeviceRef: "acme.widget"}, wantErr: ErrInvalidOrder},
		{name: "name with slash", order: ProductionOrder{DeviceRef: "acme.widget", DeviceName: "a/b"}, wantErr: ErrInvalidOrder},
		{name: "producer refuses settings", order: ProductionOrder{DeviceRef: "acme.broken", DeviceName: "b"}, wantErr: errkind.ErrBadSettings},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := f.Produce(tt.order, nil); !errors.Is(err, tt.wantErr) {
				t.Errorf("Produce() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestFactory_Register(t *testing.T) {
	f, _ := New()
	p := stubProducer{manufacturer: "panduza", model: "fake_register_map"}
	if err := f.Register(p); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := f.Register(p); !errors.Is(err, ErrDuplicateProducer) {
		t.Errorf("second Register() error = %v, want ErrDuplicateProducer", err)
	}
	_ = f.Register(stubProducer{manufacturer: "acme", model: "widget"})

	if got := f.Refs(); !slices.Equal(got, []string{"acme.widget", "panduza.fake_register_map"}) {
		t.Errorf("Refs() = %v", got)
	}
	if !f.Has("acme.widget") || f.Has("acme.gadget") {
		t.Error("Has() mismatch")
	}
}

func TestProductionOrder_JSON(t *testing.T) {
	var o ProductionOrder
	doc := `{"device_ref":"panduza.fake_register_map","device_name":"memory_map","device_settings":{"number_of_register":4}}`
	if err := json.Unmarshal([]byte(doc), &o); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if o.DeviceRef != "panduza.fake_register_map" || o.DeviceName != "memory_map" {
		t.Errorf("order = %+v", o)
	}
	if string(o.DeviceSettings) != `{"number_of_register":4}` {
		t.Errorf("DeviceSettings = %s", o.DeviceSettings)
	}
}
