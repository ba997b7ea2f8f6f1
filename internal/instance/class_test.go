package instance

import (
	"errors"
	"testing"
)

func TestClass_SiblingNamesAreUnique(t *testing.T) {
	bus := &fakeBus{}
	inst, _ := mountedInstance(t, bus)

	regs, err := inst.CreateClass("registers").WithInfo("register bank").Finish()
	if err != nil {
		t.Fatalf("CreateClass() error = %v", err)
	}
	if got := regs.Topic().String(); got != "/dev/registers" {
		t.Errorf("Topic() = %q, want /dev/registers", got)
	}

	if _, err := inst.CreateAttribute("registers").FinishAsNumber(); !errors.Is(err, ErrNameTaken) {
		t.Errorf("attribute with class name error = %v, want ErrNameTaken", err)
	}
	if _, err := inst.CreateClass("registers").Finish(); !errors.Is(err, ErrNameTaken) {
		t.Errorf("duplicate class error = %v, want ErrNameTaken", err)
	}

	// The same name is fine one level down.
	if _, err := regs.CreateAttribute("registers").FinishAsNumber(); err != nil {
		t.Errorf("nested attribute error = %v", err)
	}
	if got := regs.Attributes(); len(got) != 1 || got[0] != "registers" {
		t.Errorf("Attributes() = %v", got)
	}
}

func TestClass_InvalidName(t *testing.T) {
	bus := &fakeBus{}
	inst, _ := mountedInstance(t, bus)

	for _, name := range []string{"", "a/b", "+", "#"} {
		if _, err := inst.CreateClass(name).Finish(); err == nil {
			t.Errorf("CreateClass(%q) succeeded, want error", name)
		}
	}
}

func TestClass_TeardownReleasesTree(t *testing.T) {
	bus := &fakeBus{}
	inst, _ := mountedInstance(t, bus)

	c, err := inst.CreateClass("io").Finish()
	if err != nil {
		t.Fatalf("CreateClass() error = %v", err)
	}
	if _, err := c.CreateAttribute("out").FinishAsBoolean(); err != nil {
		t.Fatalf("FinishAsBoolean() error = %v", err)
	}

	inst.clean()

	if got := bus.unsubscribed(); len(got) != 1 || got[0] != "/dev/io/out/cmd" {
		t.Errorf("unsubscribed = %v, want [/dev/io/out/cmd]", got)
	}
	if inst.env.Dispatcher.Len() != 0 {
		t.Errorf("dispatcher routes = %d, want 0", inst.env.Dispatcher.Len())
	}
	if _, err := c.CreateAttribute("late").FinishAsBoolean(); !errors.Is(err, ErrNotMounted) {
		t.Errorf("build after teardown error = %v, want ErrNotMounted", err)
	}
	if _, err := inst.CreateClass("again").Finish(); !errors.Is(err, ErrNotMounted) {
		t.Errorf("CreateClass() outside mount error = %v, want ErrNotMounted", err)
	}
}
