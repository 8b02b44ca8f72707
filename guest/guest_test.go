package guest

import (
	"testing"

	"github.com/monhv/monhv/event"
	"github.com/monhv/monhv/gcpu"
	"github.com/monhv/monhv/inject"
)

type fakeVMCSHandle struct{}

func (fakeVMCSHandle) ClearLaunched() {}

func newEmptyCPU() *gcpu.CPU {
	return gcpu.New(0, event.NewBus(), fakeVMCSHandle{})
}

func interruptibilityAllOpen() inject.Interruptibility {
	return inject.Interruptibility{RFlagsIF: true}
}

func TestProcBasedNMIWindowExiting(t *testing.T) {
	t.Parallel()

	if procBasedNMIWindowExiting(false) != 0 {
		t.Fatal("expected 0 when clearing the NMI-window-exiting bit")
	}

	if procBasedNMIWindowExiting(true) == 0 {
		t.Fatal("expected a nonzero bit when arming NMI-window-exiting")
	}
}

func TestDeliverPendingNoopWhenNothingPending(t *testing.T) {
	t.Parallel()

	c := &VCPU{CPU: newEmptyCPU()}

	if err := c.DeliverPending(interruptibilityAllOpen()); err != nil {
		t.Fatalf("unexpected error with no pending interrupt: %v", err)
	}
}
