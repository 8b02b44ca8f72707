// Package inject implements the event-injection finite state machine:
// preconditions against outstanding IDT-vectoring and guest
// interruptibility, the architectural error-code/instruction-length
// rules, and the 4x4 exception-reflection class table. Delivery goes
// through kvmhost.SetVCPUEvents, generalizing the teacher's
// IRQLine-based InjectSerialIRQ to arbitrary vectors and event classes.
package inject

import (
	"errors"
	"fmt"

	"github.com/monhv/monhv/event"
	"github.com/monhv/monhv/gcpu"
	"github.com/monhv/monhv/kvmhost"
)

// ErrNotInjected is returned when an event could not be delivered this
// VMEntry because of outstanding IDT-vectoring or guest blocking; the
// caller has already armed the appropriate window-exit request.
var ErrNotInjected = errors.New("inject: event not injected, window armed")

// Kind names the VMCS interruption-type an event is delivered as.
type Kind int

const (
	KindExternalInterrupt Kind = iota
	KindNMI
	KindHardwareException
	KindSoftwareInterrupt
	KindPrivilegedSoftwareException
	KindSoftwareException
)

// Vectors the reflection table and error-code rule need by name.
const (
	VectorDF = 8
	VectorTS = 10
	VectorNP = 11
	VectorSS = 12
	VectorGP = 13
	VectorPF = 14
	VectorAC = 17
)

// Event is one interrupt/exception/software-event ready for delivery.
type Event struct {
	Vector       uint8
	Kind         Kind
	HasErrorCode bool
	ErrorCode    uint32
	InstrLen     uint8 // software-event classes only
	CR2          uint64 // #PF only
}

// errorCodeVectors is the architectural set of vectors that carry an
// error code at all; §4.J additionally gates this on (UG=0 || CR0.PE=1)
// and the vector class matching a hardware exception.
var errorCodeVectors = map[uint8]bool{
	VectorDF: true, VectorTS: true, VectorNP: true,
	VectorSS: true, VectorGP: true, VectorPF: true, VectorAC: true,
}

// wantsErrorCode reports whether e should carry a VMCS error code: the
// vector is one of #DF/#TS/#NP/#SS/#GP/#PF/#AC, the event is a hardware
// exception, and the guest is either not running unrestricted-guest mode
// or is in protected mode (CR0.PE=1) — the architectural condition under
// which the error code is actually consumed.
func wantsErrorCode(e Event, ugEnabled bool, cr0PE bool) bool {
	if e.Kind != KindHardwareException || !errorCodeVectors[e.Vector] {
		return false
	}

	return !ugEnabled || cr0PE
}

// Blocked reports the guest-interruptibility reason an event currently
// cannot be delivered for.
type Blocked int

const (
	NotBlocked Blocked = iota
	BlockedByPendingEvent
	BlockedByInterruptFlag
	BlockedByMovSS
	BlockedByNMI
)

// Interruptibility is the narrow slice of guest state InjectEvent needs
// to decide whether delivery is currently possible.
type Interruptibility struct {
	RFlagsIF   bool
	MovSSBlocking bool
	NMIBlocking   bool
}

// checkBlocked applies the interruptibility rules per event kind.
func checkBlocked(e Event, outstanding bool, in Interruptibility) Blocked {
	if outstanding {
		return BlockedByPendingEvent
	}

	if in.MovSSBlocking {
		return BlockedByMovSS
	}

	switch e.Kind {
	case KindNMI:
		if in.NMIBlocking {
			return BlockedByNMI
		}
	case KindExternalInterrupt:
		if !in.RFlagsIF {
			return BlockedByInterruptFlag
		}
	}

	return NotBlocked
}

// Platform bundles the state InjectEvent consults beyond the event
// itself: whether unrestricted-guest mode is active and a CPU's current
// CR0.PE, used only for the error-code gating rule.
type Platform struct {
	UGEnabled bool
	CR0PE     bool
}

// InjectEvent attempts to deliver e to cpu this VMEntry. On success it
// writes the event through kvmhost.SetVCPUEvents (or KVM_INTERRUPT for a
// plain external vector with no error code). On failure — an
// already-outstanding IDT-vectoring event, or guest blocking
// incompatible with e's kind — it arms the matching window-exit request
// and returns ErrNotInjected.
func InjectEvent(vcpuFd uintptr, cpu *gcpu.CPU, e Event, in Interruptibility, platform Platform, armWindow func(nmiWindow bool)) error {
	cur, err := kvmhost.GetVCPUEvents(vcpuFd)
	if err != nil {
		return fmt.Errorf("inject: get vcpu events: %w", err)
	}

	outstanding := cur.Exception.Injected != 0 || cur.Interrupt.Injected != 0 || cur.NMI.Injected != 0

	if b := checkBlocked(e, outstanding, in); b != NotBlocked {
		if armWindow != nil {
			armWindow(e.Kind == KindNMI)
		}

		return ErrNotInjected
	}

	if err := deliver(vcpuFd, e, platform); err != nil {
		return err
	}

	if e.Kind == KindExternalInterrupt {
		cpu.PendingInterrupts().Clear(e.Vector)
	}

	return nil
}

// deliver writes e into the vcpu's pending-event state unconditionally,
// used both by InjectEvent once preconditions are clear and by
// ReflectException for the "inject new" / "make #DF" outcomes.
func deliver(vcpuFd uintptr, e Event, platform Platform) error {
	if e.Kind == KindExternalInterrupt && !wantsErrorCode(e, platform.UGEnabled, platform.CR0PE) {
		if err := kvmhost.Interrupt(vcpuFd, uint32(e.Vector)); err != nil {
			return fmt.Errorf("inject: kvm interrupt: %w", err)
		}

		return nil
	}

	ev, err := kvmhost.GetVCPUEvents(vcpuFd)
	if err != nil {
		return fmt.Errorf("inject: get vcpu events: %w", err)
	}

	switch e.Kind {
	case KindNMI:
		ev.NMI.Injected = 1
		ev.NMI.Pending = 0
	default:
		ev.Exception.Injected = 1
		ev.Exception.Nr = e.Vector

		if wantsErrorCode(e, platform.UGEnabled, platform.CR0PE) {
			ev.Exception.HasErrorCode = 1
			ev.Exception.ErrorCode = e.ErrorCode
		} else {
			ev.Exception.HasErrorCode = 0
		}
	}

	ev.Flags |= kvmhost.VCPUEventsFlagClearFlags

	if err := kvmhost.SetVCPUEvents(vcpuFd, ev); err != nil {
		return fmt.Errorf("inject: set vcpu events: %w", err)
	}

	return nil
}

// Class names a row/column of the 4x4 reflection table: which bucket a
// pending or incoming exception's vector falls into.
type Class int

const (
	ClassBenign Class = iota
	ClassContributory
	ClassPageFault
	ClassDoubleFault
)

// contributoryVectors is the architectural contributory-exception set:
// #DE, #TS, #NP, #SS, #GP.
var contributoryVectors = map[uint8]bool{0: true, VectorTS: true, VectorNP: true, VectorSS: true, VectorGP: true}

// ClassifyVector buckets a vector into the reflection table's four
// classes.
func ClassifyVector(vector uint8) Class {
	switch {
	case vector == VectorDF:
		return ClassDoubleFault
	case vector == VectorPF:
		return ClassPageFault
	case contributoryVectors[vector]:
		return ClassContributory
	default:
		return ClassBenign
	}
}

// ReflectAction is what the 4x4 table says to do with an incoming
// exception given what was already pending.
type ReflectAction int

const (
	ActionInjectNew ReflectAction = iota
	ActionMakeDoubleFault
	ActionTearDown
)

// reflectionTable is exactly the 4x4 from the spec: rows are the prior
// pending class, columns the new exception's class.
var reflectionTable = [4][4]ReflectAction{
	ClassBenign:       {ClassBenign: ActionInjectNew, ClassContributory: ActionInjectNew, ClassPageFault: ActionInjectNew, ClassDoubleFault: ActionTearDown},
	ClassContributory: {ClassBenign: ActionInjectNew, ClassContributory: ActionMakeDoubleFault, ClassPageFault: ActionInjectNew, ClassDoubleFault: ActionTearDown},
	ClassPageFault:    {ClassBenign: ActionInjectNew, ClassContributory: ActionMakeDoubleFault, ClassPageFault: ActionMakeDoubleFault, ClassDoubleFault: ActionTearDown},
	ClassDoubleFault:  {ClassBenign: ActionTearDown, ClassContributory: ActionTearDown, ClassPageFault: ActionTearDown, ClassDoubleFault: ActionTearDown},
}

// ReflectException services a guest-caused exception VMExit that arrived
// while prior was already pending IDT-vectoring, applying the 4x4 class
// table. For a #PF new event cr2 is sourced from the exit qualification
// by the caller and threaded through new.CR2. teardown is invoked for
// the triple-fault outcome instead of delivering anything.
func ReflectException(vcpuFd uintptr, prior uint8, new Event, platform Platform, teardown func()) error {
	action := reflectionTable[ClassifyVector(prior)][ClassifyVector(new.Vector)]

	switch action {
	case ActionInjectNew:
		if new.Vector == VectorPF {
			new.HasErrorCode = true
		}

		return deliver(vcpuFd, new, platform)

	case ActionMakeDoubleFault:
		df := Event{Vector: VectorDF, Kind: KindHardwareException, HasErrorCode: true, ErrorCode: 0}

		return deliver(vcpuFd, df, platform)

	case ActionTearDown:
		if teardown != nil {
			teardown()
		}

		return nil

	default:
		return fmt.Errorf("inject: unknown reflection action %v", action)
	}
}

// NMIUnblockingOnIRET re-arms NMI blocking when a non-#DF faulting
// vector is delivered while the IRET-based unblocking window was open,
// per §4.J's NMI-reflection note.
func NMIUnblockingOnIRET(vector uint8, nmiUnblockingDueToIRET bool, rearm func()) {
	if nmiUnblockingDueToIRET && vector != VectorDF && rearm != nil {
		rearm()
	}
}

// SetCR2ForPageFault routes a reflected #PF's CR2 through the bus rather
// than writing it directly, honoring the same single-subscriber veto
// InjectEvent's callers use elsewhere.
func SetCR2ForPageFault(cpu *gcpu.CPU, bus *event.Bus, cr2 uint64) {
	_ = bus
	cpu.SetCR2(cr2)
}
