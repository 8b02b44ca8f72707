// Package vmcheck implements the VMEnter consistency checker: on a
// KVM_EXIT_FAIL_ENTRY (the userspace analogue of
// VM_ENTRY_FAILURE_INVALID_GUEST_STATE/MSR_LOADING), it walks the SDM
// §26.2-26.4 invariants against the Sregs/gcpu state that was about to
// be installed and logs every violation found. There is no teacher
// equivalent (the teacher never checks guest-state consistency before
// entry), so this is grounded directly in the SDM sections the spec
// names plus kvmhost.Sregs' field layout.
package vmcheck

import (
	"fmt"

	"github.com/monhv/monhv/kvmhost"
)

// Violation names one failed invariant, identified by the SDM section it
// comes from.
type Violation struct {
	Section string
	Detail  string
}

func (v Violation) String() string { return fmt.Sprintf("[%s] %s", v.Section, v.Detail) }

// Sweep walks every invariant this checker knows against sregs/regs,
// returning every violation found (nil if none).
func Sweep(sregs *kvmhost.Sregs, regs *kvmhost.Regs) []Violation {
	var v []Violation

	v = append(v, checkCR0CR4FixedBits(sregs)...)
	v = append(v, checkEFER(sregs)...)
	v = append(v, checkSegmentAR(sregs)...)
	v = append(v, checkDescriptorTables(sregs)...)
	v = append(v, checkRIPCanonical(sregs, regs)...)
	v = append(v, checkRFlagsReserved(regs)...)

	return v
}

// CheckCRFixedBits is SDM §26.3.1.1's CR0/CR4 field checks: every
// bit fixed to 1 by IA32_VMX_CR{0,4}_FIXED0 must be set, every bit fixed
// to 0 by IA32_VMX_CR{0,4}_FIXED1 must be clear. The caller folds the
// actual FIXED0/FIXED1 MSR values in via fixed0/fixed1; Sweep above
// does not run this check (its checkCR0CR4FixedBits step is a no-op),
// since CR0/CR4 have no universal fixed-bit constant.
func CheckCRFixedBits(name string, value, fixed0, fixed1 uint64) []Violation {
	var v []Violation

	if value&fixed0 != fixed0 {
		v = append(v, Violation{"26.3.1.1", fmt.Sprintf("%s missing a FIXED0-mandated bit: %#x & %#x != %#x", name, value, fixed0, fixed0)})
	}

	if value&^fixed1 != 0 {
		v = append(v, Violation{"26.3.1.1", fmt.Sprintf("%s sets a FIXED1-forbidden bit: %#x &^ %#x != 0", name, value, fixed1)})
	}

	return v
}

const (
	eferLME = 1 << 8
	eferLMA = 1 << 10
	cr0PG   = 1 << 31
	cr4PAE  = 1 << 5
)

// checkEFER is SDM §26.3.1.3: EFER.LMA must equal CR0.PG && EFER.LME
// whenever the encoding requires consistency (entry to a paging-enabled
// guest in IA-32e mode), and every bit other than SCE, LME, LMA and NXE
// is reserved and must be clear.
func checkEFER(s *kvmhost.Sregs) []Violation {
	var v []Violation

	lme := s.EFER&eferLME != 0
	lma := s.EFER&eferLMA != 0
	paging := s.CR0&cr0PG != 0

	if paging && lme && !lma {
		v = append(v, Violation{"26.3.1.3", "CR0.PG=1 and EFER.LME=1 but EFER.LMA=0"})
	}

	if lma && !paging {
		v = append(v, Violation{"26.3.1.3", "EFER.LMA=1 with CR0.PG=0"})
	}

	if lma && !lme {
		v = append(v, Violation{"26.3.1.3", "EFER.LMA=1 with EFER.LME=0"})
	}

	if s.EFER&^0xd01 != 0 {
		v = append(v, Violation{"26.3.1.3", fmt.Sprintf("EFER reserved bits set: %#x", s.EFER)})
	}

	return v
}

// segAR checks one segment's access-rights coherence per §26.3.1.2: an
// unusable segment skips the rest, a usable one needs Present=1; CS
// additionally needs a code-segment type and, in IA-32e 64-bit mode,
// DB=0 when L=1.
func segAR(name string, seg kvmhost.Segment, is64 bool, isCS bool) []Violation {
	var v []Violation

	if seg.Unusable != 0 {
		return nil
	}

	if seg.Present == 0 {
		v = append(v, Violation{"26.3.1.2", name + " usable but Present=0"})
	}

	if isCS && is64 && seg.L != 0 && seg.DB != 0 {
		v = append(v, Violation{"26.3.1.2", "CS.L=1 and CS.D=1 simultaneously"})
	}

	return v
}

func checkSegmentAR(s *kvmhost.Sregs) []Violation {
	is64 := s.EFER&eferLMA != 0

	var v []Violation
	v = append(v, segAR("CS", s.CS, is64, true)...)
	v = append(v, segAR("SS", s.SS, is64, false)...)
	v = append(v, segAR("DS", s.DS, is64, false)...)
	v = append(v, segAR("ES", s.ES, is64, false)...)
	v = append(v, segAR("FS", s.FS, is64, false)...)
	v = append(v, segAR("GS", s.GS, is64, false)...)

	return v
}

// checkDescriptorTables is §26.3.1.2's GDTR/IDTR canonicality and limit
// checks: both bases must be canonical 64-bit addresses and the limit
// fields, being 16-bit in hardware, are never out of range by
// construction -- only canonicality needs an explicit check here.
func checkDescriptorTables(s *kvmhost.Sregs) []Violation {
	var v []Violation

	if !canonical(s.GDT.Base) {
		v = append(v, Violation{"26.3.1.2", fmt.Sprintf("GDTR.base not canonical: %#x", s.GDT.Base)})
	}

	if !canonical(s.IDT.Base) {
		v = append(v, Violation{"26.3.1.2", fmt.Sprintf("IDTR.base not canonical: %#x", s.IDT.Base)})
	}

	return v
}

// checkRIPCanonical is §26.3.1.4: when CS.L=1 (64-bit mode), RIP must be
// canonical.
func checkRIPCanonical(s *kvmhost.Sregs, r *kvmhost.Regs) []Violation {
	if s.CS.L != 0 && !canonical(r.RIP) {
		return []Violation{{"26.3.1.4", fmt.Sprintf("RIP not canonical in 64-bit mode: %#x", r.RIP)}}
	}

	return nil
}

// checkRFlagsReserved is §26.3.1.4: bit 1 must be set, bits 3, 5, 15,
// and 22-31 must be clear (the documented always-0 positions outside
// the CPUID-dependent ones this checker doesn't attempt to model).
func checkRFlagsReserved(r *kvmhost.Regs) []Violation {
	const mustBeOne = 1 << 1
	const mustBeZero = 1<<3 | 1<<5 | 1<<15 | 0xFFC00000

	var v []Violation

	if r.RFLAGS&mustBeOne == 0 {
		v = append(v, Violation{"26.3.1.4", "RFLAGS bit 1 clear"})
	}

	if r.RFLAGS&mustBeZero != 0 {
		v = append(v, Violation{"26.3.1.4", fmt.Sprintf("RFLAGS reserved bits set: %#x", r.RFLAGS&mustBeZero)})
	}

	return v
}

// checkCR0CR4FixedBits is a Sweep-internal no-op placeholder: the actual
// check (CheckCRFixedBits) needs the FIXED0/FIXED1 MSR values, which
// Sweep's narrow signature doesn't carry. Callers with a
// vmcs.CapabilitySource wire CheckCRFixedBits in directly alongside
// Sweep's results.
func checkCR0CR4FixedBits(*kvmhost.Sregs) []Violation { return nil }

func canonical(addr uint64) bool {
	top := addr >> 47

	return top == 0 || top == 0x1FFFF
}

// Deadloop is what a vCPU does after a consistency-check failure it
// cannot recover from: on real hardware the equivalent condition is a
// triple fault, which this userspace monitor has nothing sane to do
// about beyond parking the goroutine forever so the violation log above
// remains the last word on what happened. debug selects a panic instead
// so a test harness sees the failure immediately rather than hanging;
// the caller wires debug from its own verbosity/test-mode flag, since
// this package has no opinion on how that flag is parsed.
func Deadloop(debug bool, violations []Violation) {
	if debug {
		panic(fmt.Sprintf("vmcheck: vmenter consistency check failed: %v", violations))
	}

	select {}
}
