package gpm

import (
	"testing"

	"github.com/monhv/monhv/event"
)

func TestSetMappingPublishesBeforeVisible(t *testing.T) {
	t.Parallel()

	bus := event.NewBus()

	var sawDuringPublish bool

	m := New(bus)
	bus.Subscribe(event.GPMSet, func(payload any) bool {
		_, _, present := m.tree.GetMapping(0x1000)
		sawDuringPublish = !present

		return false
	})

	m.SetMapping(0x1000, 0x2000, 4096, AttrRead|AttrWrite)

	if !sawDuringPublish {
		t.Errorf("expected mapping to be absent while EVENT_GPM_SET is still being published")
	}

	hpa, attr, present := m.GetMapping(0x1000)
	if !present || hpa != 0x2000 {
		t.Fatalf("GetMapping after SetMapping = (%#x, present=%v)", hpa, present)
	}

	if attr&cacheMask != CacheWB {
		t.Errorf("expected default cache type write-back, got %#x", attr&cacheMask)
	}
}

func TestRemoveMapping(t *testing.T) {
	t.Parallel()

	bus := event.NewBus()
	m := New(bus)

	m.SetMapping(0x3000, 0x4000, 4096, AttrRead)
	m.RemoveMapping(0x3000, 4096)

	if _, _, present := m.GetMapping(0x3000); present {
		t.Errorf("expected mapping removed")
	}
}

func TestGPMSetPayloadFields(t *testing.T) {
	t.Parallel()

	bus := event.NewBus()
	m := New(bus)

	var got event.GPMSetPayload

	bus.Subscribe(event.GPMSet, func(payload any) bool {
		got = payload.(event.GPMSetPayload)

		return false
	})

	m.SetMapping(0x5000, 0x6000, 8192, AttrRead|AttrWrite)

	if got.GPA != 0x5000 || got.HPA != 0x6000 || got.Size != 8192 {
		t.Errorf("payload = %+v, want gpa=0x5000 hpa=0x6000 size=8192", got)
	}
}
