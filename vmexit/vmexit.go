// Package vmexit implements the VMExit dispatcher: the per-exit pipeline
// generalizing the teacher's Machine.RunOnce switch into a reason-table
// lookup, a bottom-up/top-down nested-guest classifier, and the analyzer
// hook that decides whether an L1 guest would have trapped a given exit
// itself.
package vmexit

import (
	"fmt"
	"runtime"

	"github.com/monhv/monhv/event"
	"github.com/monhv/monhv/gcpu"
	"github.com/monhv/monhv/kvmhost"
	"github.com/monhv/monhv/vmcs"
)

// Result is what an L0 handler reports back to the dispatcher.
type Result int

const (
	// NotHandled means: if nested, ask the analyzer whether L1 wants
	// this exit class; otherwise (exception-class reasons) reflect to
	// the guest.
	NotHandled Result = iota
	// Handled means the exit was fully serviced; resume the guest.
	Handled
	// HandledResumeLevel2 lets a bottom-up L0 handler explicitly
	// re-descend into an L2 guest it had ascended out of.
	HandledResumeLevel2
)

// Classification names which of the two dispatch orders (§4.I) a given
// reason table entry uses.
type Classification int

const (
	// BottomUp runs the L0 handler first; a NotHandled result asks the
	// analyzer whether L1 requested the exit before reflecting.
	BottomUp Classification = iota
	// TopDown asks the analyzer first when running a nested guest;
	// only runs the L0 handler if L1 didn't claim the exit.
	TopDown
)

// Level names which VMCS level is currently executing.
type Level int

const (
	LevelL0 Level = iota // no nested guest running
	LevelL1              // MON's own guest is itself a monitor
	LevelL2              // the doubly-nested guest
)

// Handler services one VMCS exit reason at L0.
type Handler func(d *Dispatcher) (Result, error)

// ReasonEntry binds a dispatch classification to its L0 handler.
type ReasonEntry struct {
	Classification Classification
	L0             Handler
}

// Analyzer replicates the Intel architectural "would this VMCS have
// trapped this exit" rules used to decide whether an L1 guest, rather
// than L0, should service a given reason. The KVM binding does not
// implement a full nested-VMX L1 hypervisor today, so the default
// analyzer always reports false (L1 never wants it) — a real
// implementation would inspect L1's vmcs.Fields controls per §4.I.
type Analyzer interface {
	WouldL1Trap(d *Dispatcher, reason kvmhost.ExitType) bool
}

// NoNestedAnalyzer is the zero-value Analyzer: no L1 monitor is ever
// present, so every bottom-up NotHandled exception-class reason goes
// straight to reflection and every top-down dispatch runs the L0
// handler.
type NoNestedAnalyzer struct{}

// WouldL1Trap always reports false.
func (NoNestedAnalyzer) WouldL1Trap(*Dispatcher, kvmhost.ExitType) bool { return false }

// Dispatcher is the per-vCPU exit pipeline state.
type Dispatcher struct {
	VCPUFd uintptr
	Run    *kvmhost.RunData
	CPU    *gcpu.CPU
	VMCS   *vmcs.VMCS
	Acct   *vmcs.Accountant
	Bus    *event.Bus
	HostCPU int

	Reasons  map[kvmhost.ExitType]ReasonEntry
	Analyzer Analyzer

	Level Level

	// ReflectException services an exception-class NotHandled reason
	// with no L1 interest by reinjecting it into the guest (§4.J);
	// wired by the caller to avoid an import cycle between vmexit and
	// inject.
	ReflectException func(d *Dispatcher) error

	// FastViewSwitch, when non-nil, is tried before general dispatch
	// on every exit; returning true means it fully serviced the exit.
	FastViewSwitch func(d *Dispatcher) bool

	cacheEnabled  bool
	mtfFollowUp   bool
	lastWasEPTViolation bool
}

// New builds a dispatcher around one vCPU's shared run-data page, with an
// empty reason table the caller populates via Register.
func New(vcpuFd uintptr, run *kvmhost.RunData, cpu *gcpu.CPU, v *vmcs.VMCS, acct *vmcs.Accountant, bus *event.Bus) *Dispatcher {
	return &Dispatcher{
		VCPUFd:       vcpuFd,
		Run:          run,
		CPU:          cpu,
		VMCS:         v,
		Acct:         acct,
		Bus:          bus,
		Reasons:      make(map[kvmhost.ExitType]ReasonEntry),
		Analyzer:     NoNestedAnalyzer{},
		cacheEnabled: true,
	}
}

// Register installs the reason-table entry for one exit type, one of the
// (up to) 60 classified reasons the real dispatcher distinguishes;
// unregistered reasons fall through to NotHandled/reflection.
func (d *Dispatcher) Register(reason kvmhost.ExitType, entry ReasonEntry) {
	d.Reasons[reason] = entry
}

// isEPTViolationClass reports whether reason belongs to the
// EPT-violation class that keeps the VMCS software shadow cache
// disabled across its dispatch, per the invariant in §4.I.
func isEPTViolationClass(reason kvmhost.ExitType) bool {
	return reason == kvmhost.ExitMMIO
}

// CacheEnabled reports whether the VMCS software shadow cache is
// currently considered live for this host CPU, false for the whole of
// an EPT-violation-class dispatch.
func (d *Dispatcher) CacheEnabled() bool { return d.cacheEnabled }

// LastWasEPTViolation reports whether the most recently dispatched exit
// belonged to the EPT-violation class.
func (d *Dispatcher) LastWasEPTViolation() bool { return d.lastWasEPTViolation }

// ArmMTFFollowUp schedules the fast re-entry path for the next RunOnce
// call, set by an EPT-violation handler that single-stepped the guest
// and just wants to resume without a full dispatch.
func (d *Dispatcher) ArmMTFFollowUp() { d.mtfFollowUp = true }

// RunOnce executes one VM-entry/VM-exit cycle and dispatches the result.
// Returns (continue, err): continue mirrors the teacher's RunOnce
// convention of "caller should immediately call RunOnce again" versus a
// fatal condition the caller must stop on.
func (d *Dispatcher) RunOnce() (bool, error) {
	runtime.LockOSThread()

	// Step 1: disable the software shadow cache for this host CPU.
	d.cacheEnabled = false
	d.VMCS.ClearLaunched()

	// Step 2: MTF follow-up fast path.
	if d.mtfFollowUp {
		d.mtfFollowUp = false

		if err := kvmhost.Run(d.VCPUFd); err != nil {
			return true, fmt.Errorf("vmexit: mtf follow-up run: %w", err)
		}

		return true, nil
	}

	if err := kvmhost.Run(d.VCPUFd); err != nil {
		return true, fmt.Errorf("vmexit: run: %w", err)
	}

	reason := kvmhost.ExitType(d.Run.ExitReason)

	// Step 3: fast-view-switch short circuit.
	if d.FastViewSwitch != nil && d.FastViewSwitch(d) {
		return true, nil
	}

	// Step 4: re-enable the cache unless this exit is EPT-violation
	// class, which keeps it disabled across the whole dispatch to
	// guarantee fresh hardware reads.
	d.lastWasEPTViolation = isEPTViolationClass(reason)
	if !d.lastWasEPTViolation {
		d.cacheEnabled = true
	}

	// Step 5: refresh the per-exit gcpu cache.
	if err := d.CPU.Refresh(); err != nil {
		return false, fmt.Errorf("vmexit: refresh gcpu: %w", err)
	}

	cont, err := d.handleReason(reason)
	if err != nil {
		return cont, err
	}

	if err := d.CPU.Flush(); err != nil {
		return false, fmt.Errorf("vmexit: flush gcpu: %w", err)
	}

	return cont, nil
}

// handleReason is step 6 of RunOnce, the reason-table lookup and
// bottom-up/top-down dispatch, split out so it can be exercised directly
// against a synthetic exit reason without a live vCPU file descriptor.
func (d *Dispatcher) handleReason(reason kvmhost.ExitType) (bool, error) {
	switch reason {
	case kvmhost.ExitHLT:
		return false, nil
	case kvmhost.ExitIntr:
		return true, nil
	case kvmhost.ExitDebug:
		return false, kvmhost.ErrDebug
	case kvmhost.ExitUnknown:
		return true, nil
	}

	entry, ok := d.Reasons[reason]
	if !ok {
		return true, fmt.Errorf("vmexit: %w: %s", kvmhost.ErrUnexpectedExitReason, reason)
	}

	if _, err := d.dispatch(entry, reason); err != nil {
		return false, err
	}

	return true, nil
}

// dispatch runs entry's bottom-up or top-down order against the current
// nesting level.
func (d *Dispatcher) dispatch(entry ReasonEntry, reason kvmhost.ExitType) (Result, error) {
	switch entry.Classification {
	case BottomUp:
		result, err := entry.L0(d)
		if err != nil {
			return result, err
		}

		if result != NotHandled {
			return result, nil
		}

		if d.Level == LevelL2 && d.Analyzer.WouldL1Trap(d, reason) {
			d.Level = LevelL1

			return NotHandled, nil
		}

		if d.ReflectException != nil {
			return Handled, d.ReflectException(d)
		}

		return NotHandled, nil

	case TopDown:
		if d.Level == LevelL2 && d.Analyzer.WouldL1Trap(d, reason) {
			d.Level = LevelL1

			return NotHandled, nil
		}

		result, err := entry.L0(d)
		if err != nil {
			return result, err
		}

		if result == HandledResumeLevel2 {
			d.Level = LevelL2
		}

		return result, nil

	default:
		return NotHandled, fmt.Errorf("vmexit: unknown classification %v", entry.Classification)
	}
}
