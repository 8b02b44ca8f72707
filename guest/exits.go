package guest

import (
	"fmt"

	"github.com/monhv/monhv/inject"
	"github.com/monhv/monhv/kvmhost"
	"github.com/monhv/monhv/vmexit"
)

// registerExits installs the baseline reason table every vCPU gets: the
// three reasons a minimal Linux boot actually exercises on top of the
// four vmexit.Dispatcher handles itself (HLT/Intr/Debug/Unknown). Every
// other reason (shutdown, internal error, SETTPR, ...) falls through to
// vmexit's own ErrUnexpectedExitReason, matching the teacher's RunOnce
// switch default case.
func (c *VCPU) registerExits() {
	c.Exits.Register(kvmhost.ExitIO, vmexit.ReasonEntry{
		Classification: vmexit.BottomUp,
		L0:             c.handleExitIO,
	})

	c.Exits.Register(kvmhost.ExitMMIO, vmexit.ReasonEntry{
		Classification: vmexit.BottomUp,
		L0:             c.handleExitMMIO,
	})

	c.Exits.Register(kvmhost.ExitIRQWindowOpen, vmexit.ReasonEntry{
		Classification: vmexit.BottomUp,
		L0:             c.handleIRQWindowOpen,
	})
}

// handleExitIO services a port I/O exit through the VM's shared
// iomonitor.Monitor. KVM itself advances RIP past the in/out instruction
// before returning control here (unlike a string-REP MMIO trap), so the
// instrLen HandleIO threads through to SkipInstruction is zero.
//
// A string-instruction architectural fault (Fault.Class != FaultNone) is
// surfaced as an error rather than reinjected: every string I/O this
// hypervisor's boot path issues (the virtio/serial/disk drivers) runs
// with well-formed segments, so this path is not expected to trip in
// practice; closing it properly needs the segment-derived limit/canonical
// checks iomonitor.StringPreCheck wants, which the caller isn't wired to
// supply yet.
func (c *VCPU) handleExitIO(d *vmexit.Dispatcher) (vmexit.Result, error) {
	fault, err := c.VM.IO.HandleIO(d.Run, d.CPU, c.VM.GPM, c.VM.Mem, 0, nil)
	if err != nil {
		return vmexit.NotHandled, fmt.Errorf("guest: vcpu %d io: %w", c.ID, err)
	}

	if fault != nil {
		return vmexit.NotHandled, fmt.Errorf("guest: vcpu %d io fault class %d", c.ID, fault.Class)
	}

	return vmexit.Handled, nil
}

// handleExitMMIO is the defensive fallback for a GPA with no EPT mapping
// at all reaching userspace as a real KVM_EXIT_MMIO: every RAM range is
// mapped at NewVM and every known device window devblk.Blocker installs
// a dummy page for, so this path is not expected to fire in normal
// operation. Reads return all-ones and writes are swallowed, the same
// contract devblk.Blocker gives a blocked range.
func (c *VCPU) handleExitMMIO(d *vmexit.Dispatcher) (vmexit.Result, error) {
	m := d.Run.MMIO()
	if m.IsWrite == 0 {
		d.Run.Data[1] = ^uint64(0)
	}

	return vmexit.Handled, nil
}

// handleIRQWindowOpen delivers the highest-priority pending interrupt
// now that the guest has told KVM its interrupt window is open; RFLAGS.IF
// is read fresh off the just-refreshed gcpu cache since that's exactly
// what "window open" means architecturally.
func (c *VCPU) handleIRQWindowOpen(d *vmexit.Dispatcher) (vmexit.Result, error) {
	in := inject.Interruptibility{RFlagsIF: d.CPU.RFlagsIF()}

	if err := c.DeliverPending(in); err != nil {
		return vmexit.NotHandled, fmt.Errorf("guest: vcpu %d irq window: %w", c.ID, err)
	}

	return vmexit.Handled, nil
}
