package suspend_test

import (
	"testing"

	"github.com/monhv/monhv/event"
	"github.com/monhv/monhv/suspend"
)

func TestShutdownDeviceRaisesShutdown(t *testing.T) {
	t.Parallel()

	bus := event.NewBus()

	fired := false
	bus.Subscribe(event.Shutdown, func(any) bool {
		fired = true

		return false
	})

	d := suspend.NewShutdownDevice(bus)
	if err := d.Write(suspend.ShutdownPort, []byte{5<<2 | 1<<5}); err != nil {
		t.Fatal(err)
	}

	if !fired {
		t.Fatal("expected event.Shutdown to fire on S5 write")
	}
}

func TestShutdownDeviceRaisesReboot(t *testing.T) {
	t.Parallel()

	bus := event.NewBus()

	fired := false
	bus.Subscribe(event.Reboot, func(any) bool {
		fired = true

		return false
	})

	d := suspend.NewShutdownDevice(bus)
	if err := d.Write(suspend.ShutdownPort, []byte{1}); err != nil {
		t.Fatal(err)
	}

	if !fired {
		t.Fatal("expected event.Reboot to fire on reboot write")
	}
}
