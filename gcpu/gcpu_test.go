package gcpu

import (
	"testing"

	"github.com/monhv/monhv/event"
	"github.com/monhv/monhv/kvmhost"
)

func newTestCPU(t *testing.T) *CPU {
	t.Helper()

	return &CPU{
		regs:  &kvmhost.Regs{},
		sregs: &kvmhost.Sregs{},
		fpu:   &kvmhost.FPURegs{},
		bus:   event.NewBus(),
	}
}

func TestPendingInterruptsSetClearGet(t *testing.T) {
	t.Parallel()

	var p PendingInterrupts

	if _, ok := p.Get(); ok {
		t.Fatal("expected nothing pending on a fresh bitmap")
	}

	p.Set(35)
	p.Set(66)

	v, ok := p.Get()
	if !ok || v != 66 {
		t.Fatalf("Get() = %d,%v, want 66,true", v, ok)
	}

	p.Clear(66)

	v, ok = p.Get()
	if !ok || v != 35 {
		t.Fatalf("Get() after clearing 66 = %d,%v, want 35,true", v, ok)
	}

	p.Clear(35)

	if _, ok := p.Get(); ok {
		t.Fatal("expected nothing pending after clearing every vector")
	}
}

func TestReadSetGP(t *testing.T) {
	t.Parallel()

	c := newTestCPU(t)
	c.SetGP(0, 0xdeadbeef) // RAX
	c.SetGP(4, 0x1000)     // RSP

	if got := c.ReadGP(0); got != 0xdeadbeef {
		t.Errorf("RAX = %#x, want 0xdeadbeef", got)
	}

	if got := c.ReadGP(4); got != 0x1000 {
		t.Errorf("RSP = %#x, want 0x1000", got)
	}

	if c.regs.RAX != 0xdeadbeef || c.regs.RSP != 0x1000 {
		t.Fatal("SetGP did not mutate the underlying register struct")
	}
}

func TestVisibleCRShadowing(t *testing.T) {
	t.Parallel()

	c := newTestCPU(t)
	c.SetCR0Mask(cr0PG) // host owns the paging-enable bit

	c.WriteCR0(cr0PG) // guest asks to turn on paging

	// The real register must not reflect the guest's write to a masked
	// bit...
	if c.sregs.CR0&cr0PG != 0 {
		t.Errorf("real CR0 picked up a masked bit from the guest write")
	}

	// ...but the visible value read back through CR0() must, since the
	// shadow now carries it.
	if c.CR0()&cr0PG == 0 {
		t.Errorf("CR0() did not reflect the shadowed bit")
	}
}

func TestGuestModeUpdatesOnCR0AndEFER(t *testing.T) {
	t.Parallel()

	c := newTestCPU(t)

	c.sregs.EFER = eferLME
	c.WriteCR0(cr0PG)

	if !c.IA32eModeGuest() {
		t.Fatal("expected IA32e mode once CR0.PG and EFER.LME both hold")
	}

	if c.sregs.EFER&eferLMA == 0 {
		t.Fatal("expected EFER.LMA to be set alongside IA32e mode")
	}

	c.WriteCR0(0)

	if c.IA32eModeGuest() {
		t.Fatal("expected IA32e mode to clear once CR0.PG drops")
	}

	if c.sregs.EFER&eferLMA != 0 {
		t.Fatal("expected EFER.LMA to clear alongside IA32e mode")
	}
}

func TestSetCR2DefaultPath(t *testing.T) {
	t.Parallel()

	c := newTestCPU(t)
	c.SetCR2(0x4000)

	if got := c.CR2(); got != 0x4000 {
		t.Errorf("CR2() = %#x, want 0x4000", got)
	}
}

func TestSetCR2VetoedBySubscriber(t *testing.T) {
	t.Parallel()

	c := newTestCPU(t)
	c.bus.Subscribe(event.SetCR2, func(payload any) bool {
		p, ok := payload.(*setCR2Payload)
		if !ok {
			t.Fatalf("unexpected payload type %T", payload)
		}

		p.Veto()

		return true
	})

	c.SetCR2(0x4000)

	if got := c.CR2(); got != 0 {
		t.Errorf("CR2() = %#x, want 0 (vetoed write never applied)", got)
	}
}

func TestSkipInstruction(t *testing.T) {
	t.Parallel()

	c := newTestCPU(t)
	c.regs.RIP = 0x1000
	c.SkipInstruction(3)

	if c.regs.RIP != 0x1003 {
		t.Errorf("RIP = %#x, want 0x1003", c.regs.RIP)
	}
}
