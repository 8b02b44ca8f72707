// Package gcpu models per-vCPU guest-CPU state: the GP/XMM register
// file, the pending-interrupt bitmap, visible-vs-true CR0/CR4 shadowing,
// guest-mode tracking, and the CR2-write veto hook.
package gcpu

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/monhv/monhv/event"
	"github.com/monhv/monhv/kvmhost"
)

// VMCSHandle is the narrow slice of the VMCS control accountant gcpu
// holds on to: it exposes only ClearLaunched. Defined locally, rather
// than importing the vmcs package directly, so gcpu and vmcs can each
// be built and tested without depending on the other's concrete types.
type VMCSHandle interface {
	ClearLaunched()
}

// CR/EFER bit positions gcpu's guest-mode tracking cares about.
const (
	cr0PG   = 1 << 31
	eferLME = 1 << 8
	eferLMA = 1 << 10
)

// PendingInterrupts is the 256-bit pending-interrupt bitmap, stored as
// 8 groups of 32 bits with bit 0 of group 0 serving as the
// group-non-empty summary.
type PendingInterrupts struct {
	groups [8]uint32
}

// Set marks vector v pending.
func (p *PendingInterrupts) Set(v uint8) {
	group := v >> 5
	p.groups[group] |= 1 << (v & 31)
	p.groups[0] |= 1 << group
}

// Clear unmarks vector v, clearing the group's summary bit if the group
// becomes empty.
func (p *PendingInterrupts) Clear(v uint8) {
	group := v >> 5
	p.groups[group] &^= 1 << (v & 31)

	if p.groups[group] == 0 {
		p.groups[0] &^= 1 << group
	}
}

// Get returns the highest pending vector and whether any is pending, via
// the bsr(group0)*32+bsr(groupN) composition the spec specifies: the
// highest set bit of group 0 picks the group, and the highest set bit of
// that group picks the vector. Group 0 doubles as both the vector-0-31
// storage word and the 8-bit group summary, so a vector in 0-31 shares
// its bit with a summary bit and is not tracked apart from it.
func (p *PendingInterrupts) Get() (vector uint8, ok bool) {
	if p.groups[0] == 0 {
		return 0, false
	}

	highestGroup := 31 - bits.LeadingZeros32(p.groups[0])
	if highestGroup > 7 {
		highestGroup = 0
	}

	word := p.groups[highestGroup]
	if word == 0 {
		return 0, false
	}

	highestBit := 31 - bits.LeadingZeros32(word)

	return uint8(highestGroup)*32 + uint8(highestBit), true
}

// CPU is one vCPU's software-visible state.
type CPU struct {
	mu sync.Mutex

	vcpuFd uintptr

	regs  *kvmhost.Regs
	sregs *kvmhost.Sregs
	fpu   *kvmhost.FPURegs

	cr2 uint64

	shadowCR0, maskCR0 uint64
	shadowCR4, maskCR4 uint64

	pending PendingInterrupts

	bus *event.Bus

	VMCS VMCSHandle

	ia32eModeGuest bool

	debugCtx any // optional VMDB-equivalent debug context
}

// New wraps a vcpu file descriptor whose registers have already been
// established by KVM_CREATE_VCPU; bus is the guest's event bus, used for
// the CR2 veto.
func New(vcpuFd uintptr, bus *event.Bus, acct VMCSHandle) *CPU {
	return &CPU{
		vcpuFd: vcpuFd,
		regs:   &kvmhost.Regs{},
		sregs:  &kvmhost.Sregs{},
		fpu:    &kvmhost.FPURegs{},
		bus:    bus,
		VMCS:   acct,
	}
}

// Refresh reloads the register/special-register snapshot from KVM,
// called once per VMExit before any handler inspects state.
func (c *CPU) Refresh() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	regs, err := kvmhost.GetRegs(c.vcpuFd)
	if err != nil {
		return fmt.Errorf("gcpu: get regs: %w", err)
	}

	sregs, err := kvmhost.GetSregs(c.vcpuFd)
	if err != nil {
		return fmt.Errorf("gcpu: get sregs: %w", err)
	}

	fpu, err := kvmhost.GetFPU(c.vcpuFd)
	if err != nil {
		return fmt.Errorf("gcpu: get fpu: %w", err)
	}

	c.regs = regs
	c.sregs = sregs
	c.fpu = fpu

	return nil
}

// Flush writes the current register/special-register snapshot back to
// KVM before resuming the guest.
func (c *CPU) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := kvmhost.SetRegs(c.vcpuFd, c.regs); err != nil {
		return fmt.Errorf("gcpu: set regs: %w", err)
	}

	if err := kvmhost.SetSregs(c.vcpuFd, c.sregs); err != nil {
		return fmt.Errorf("gcpu: set sregs: %w", err)
	}

	if err := kvmhost.SetFPU(c.vcpuFd, c.fpu); err != nil {
		return fmt.Errorf("gcpu: set fpu: %w", err)
	}

	return nil
}

// ReadGP reads a general-purpose register by its RunData.IO/instruction
// decode index convention (0=RAX..15=R15), proxying RSP through the same
// path the spec describes (RSP itself lives directly in kvmhost.Regs,
// unlike on real hardware where it is VMCS-resident).
func (c *CPU) ReadGP(i int) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return *gpSlots(c.regs)[i]
}

// SetGP writes a general-purpose register.
func (c *CPU) SetGP(i int, v uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	*gpSlots(c.regs)[i] = v
}

// gpSlots orders pointers into the GP register file per the x86
// ModRM/SIB register index convention (0=RAX,1=RCX,2=RDX,3=RBX,4=RSP,
// 5=RBP,6=RSI,7=RDI,8-15=R8-R15), which is what decoded instruction
// operands and the VMCS exit-qualification GPR field index against.
func gpSlots(r *kvmhost.Regs) [16]*uint64 {
	return [16]*uint64{
		&r.RAX, &r.RCX, &r.RDX, &r.RBX, &r.RSP, &r.RBP, &r.RSI, &r.RDI,
		&r.R8, &r.R9, &r.R10, &r.R11, &r.R12, &r.R13, &r.R14, &r.R15,
	}
}

// XMM reads one of the 16 XMM registers the FPU state carries alongside
// the GP file.
func (c *CPU) XMM(i int) [16]uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.fpu.XMM[i]
}

// SetXMM writes one of the 16 XMM registers.
func (c *CPU) SetXMM(i int, v [16]uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fpu.XMM[i] = v
}

// RIP, CR0, CR3, CR4, EFER, CPL satisfy pagewalker.CPUState.

func (c *CPU) RIP() uint64 { c.mu.Lock(); defer c.mu.Unlock(); return c.regs.RIP }

func (c *CPU) CR0() uint64 { c.mu.Lock(); defer c.mu.Unlock(); return c.visibleCR0Locked() }

func (c *CPU) CR3() uint64 { c.mu.Lock(); defer c.mu.Unlock(); return c.sregs.CR3 }

func (c *CPU) CR4() uint64 { c.mu.Lock(); defer c.mu.Unlock(); return c.visibleCR4Locked() }

func (c *CPU) EFER() uint64 { c.mu.Lock(); defer c.mu.Unlock(); return c.sregs.EFER }

func (c *CPU) CPL() int { c.mu.Lock(); defer c.mu.Unlock(); return int(c.sregs.SS.DPL) }

func (c *CPU) RFlagsAC() bool { c.mu.Lock(); defer c.mu.Unlock(); return c.regs.RFLAGS&(1<<18) != 0 }

// RFlagsDF reports the direction flag, used by the I/O monitor to pick
// increment-versus-decrement addressing for a REP string instruction.
func (c *CPU) RFlagsDF() bool { c.mu.Lock(); defer c.mu.Unlock(); return c.regs.RFLAGS&(1<<10) != 0 }

// RFlagsIF reports the interrupt flag, consulted by the injection FSM to
// decide whether a maskable external interrupt can be delivered.
func (c *CPU) RFlagsIF() bool { c.mu.Lock(); defer c.mu.Unlock(); return c.regs.RFLAGS&(1<<9) != 0 }

// RFlagsVM reports the virtual-8086 flag, used by the I/O monitor to
// distinguish V8086 from flat protected mode.
func (c *CPU) RFlagsVM() bool { c.mu.Lock(); defer c.mu.Unlock(); return c.regs.RFLAGS&(1<<17) != 0 }

func (c *CPU) SMAPEnabled() bool { return true }

func (c *CPU) PKRU() uint32 { return 0 }

func (c *CPU) visibleCR0Locked() uint64 {
	return (c.sregs.CR0 &^ c.maskCR0) | (c.shadowCR0 & c.maskCR0)
}

func (c *CPU) visibleCR4Locked() uint64 {
	return (c.sregs.CR4 &^ c.maskCR4) | (c.shadowCR4 & c.maskCR4)
}

// SetCR0Mask/SetCR4Mask install the bits this vCPU's accountant wants
// shadowed rather than passed straight through to hardware.
func (c *CPU) SetCR0Mask(mask uint64) { c.mu.Lock(); c.maskCR0 = mask; c.mu.Unlock() }
func (c *CPU) SetCR4Mask(mask uint64) { c.mu.Lock(); c.maskCR4 = mask; c.mu.Unlock() }

// WriteCR0 updates the real (mask-cleared) bits and the shadow (masked)
// bits in one critical section, then re-evaluates guest-mode. Masked
// bit positions in the real register are host-owned and left untouched
// by a guest write; the guest's intent for them is recorded only in the
// shadow.
func (c *CPU) WriteCR0(v uint64) {
	c.mu.Lock()
	c.sregs.CR0 = (c.sregs.CR0 & c.maskCR0) | (v &^ c.maskCR0)
	c.shadowCR0 = (c.shadowCR0 &^ c.maskCR0) | (v & c.maskCR0)
	c.updateGuestModeLocked()
	c.mu.Unlock()
}

// WriteCR4 is WriteCR0's CR4 analogue.
func (c *CPU) WriteCR4(v uint64) {
	c.mu.Lock()
	c.sregs.CR4 = (c.sregs.CR4 & c.maskCR4) | (v &^ c.maskCR4)
	c.shadowCR4 = (c.shadowCR4 &^ c.maskCR4) | (v & c.maskCR4)
	c.mu.Unlock()
}

// WriteEFER updates EFER and re-evaluates guest-mode, since LME lives
// here rather than in a CR.
func (c *CPU) WriteEFER(v uint64) {
	c.mu.Lock()
	c.sregs.EFER = v
	c.updateGuestModeLocked()
	c.mu.Unlock()
}

// updateGuestModeLocked re-evaluates EFER.LMA and the entry-control
// IA32eModeGuest bit together: both are set iff CR0.PG=1 and EFER.LME=1
// both hold, cleared otherwise. Caller holds c.mu.
func (c *CPU) updateGuestModeLocked() {
	lma := c.sregs.CR0&cr0PG != 0 && c.sregs.EFER&eferLME != 0

	if lma {
		c.sregs.EFER |= eferLMA
	} else {
		c.sregs.EFER &^= eferLMA
	}

	c.ia32eModeGuest = lma
}

// IA32eModeGuest reports the entry-control bit gcpu maintains alongside
// EFER.LMA.
func (c *CPU) IA32eModeGuest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ia32eModeGuest
}

// CR2 returns the last value this vCPU's CR2 was set to.
func (c *CPU) CR2() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cr2
}

// SetCR2 raises EVENT_SET_CR2, letting at most one subscriber veto the
// default write; if no subscriber exists, or the subscriber declines to
// veto, CR2 is written directly.
func (c *CPU) SetCR2(v uint64) {
	vetoed := false

	if c.bus != nil {
		payload := &setCR2Payload{cpu: c, value: v, vetoed: &vetoed}
		c.bus.Publish(event.SetCR2, payload)
	}

	if vetoed {
		return
	}

	c.mu.Lock()
	c.cr2 = v
	c.mu.Unlock()
}

type setCR2Payload struct {
	cpu    *CPU
	value  uint64
	vetoed *bool
}

// Veto lets a SetCR2 subscriber suppress the default write, having
// presumably installed its own value through cpu directly.
func (p *setCR2Payload) Veto() { *p.vetoed = true }

// Value is the CR2 write this event is reporting.
func (p *setCR2Payload) Value() uint64 { return p.value }

// CPU is the vCPU the write targets.
func (p *setCR2Payload) CPU() *CPU { return p.cpu }

// PendingInterrupts exposes the bitmap for the injection FSM.
func (c *CPU) PendingInterrupts() *PendingInterrupts {
	c.mu.Lock()
	defer c.mu.Unlock()

	return &c.pending
}

// SkipInstruction advances RIP past the instruction that caused the
// current exit by instrLen bytes (the caller resolves instrLen either
// from an exit that carries it directly or from x86asm.Decode over the
// fetched bytes at RIP, per spec).
func (c *CPU) SkipInstruction(instrLen uint64) {
	c.mu.Lock()
	c.regs.RIP += instrLen
	c.mu.Unlock()
}

// SetDebugContext installs an optional VMDB-equivalent debug context
// pointer.
func (c *CPU) SetDebugContext(ctx any) { c.mu.Lock(); c.debugCtx = ctx; c.mu.Unlock() }

// DebugContext returns the installed debug context, or nil.
func (c *CPU) DebugContext() any { c.mu.Lock(); defer c.mu.Unlock(); return c.debugCtx }
