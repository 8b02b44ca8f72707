// Package vmcs implements the per-vCPU VMCS control-field accountant:
// the architectural field IDs, the three logical Level0/Level1/Merged
// register files, and the multi-module request-counter bookkeeping that
// turns many modules' wishes into one written field value.
//
// Under the KVM binding the raw pin/proc-based VMX control fields
// themselves are owned by the kernel; ApplyOnly's computed summary drives
// which software interception points (CR write-traps, exception-bitmap
// entries, MSR-bitmap entries) gcpu and iomonitor arm for this vCPU, not
// a literal VMWRITE.
package vmcs

import (
	"sync"

	"github.com/monhv/monhv/kvmhost"
)

// Field is an architectural 32-bit VMCS field encoding.
type Field uint32

// A representative slice of the architectural field set; implementations
// are expected to accept the full published encoding space, but these
// are the ones the dispatcher and accountant name directly.
const (
	GuestCR0        Field = 0x6800
	GuestCR3        Field = 0x6802
	GuestCR4        Field = 0x6804
	GuestRIP        Field = 0x681e
	GuestRFLAGS     Field = 0x6820
	CR0GuestHostMask Field = 0x6000
	CR4GuestHostMask Field = 0x6002
	CR0ReadShadow   Field = 0x6004
	CR4ReadShadow   Field = 0x6006
	PinBasedControls Field = 0x4000
	ProcBasedControls Field = 0x4002
	ProcBasedControls2 Field = 0x401e
	ExceptionBitmap Field = 0x4004
	ExitControls    Field = 0x400c
	EntryControls   Field = 0x4012
	ExitReason      Field = 0x4402
	ExitInstrLen    Field = 0x440c
	ExitQualification Field = 0x6400
	VMCSLinkPointer Field = 0x2800
)

// Fields is one logical VMCS register file, keyed by architectural
// encoding.
type Fields struct {
	mu       sync.RWMutex
	values   map[Field]uint64
	launched bool
}

// NewFields returns an empty field set.
func NewFields() *Fields {
	return &Fields{values: make(map[Field]uint64)}
}

// Read returns a field's current value, 0 if never written.
func (f *Fields) Read(field Field) uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.values[field]
}

// Write sets a field's value.
func (f *Fields) Write(field Field, v uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.values[field] = v
}

// ClrPtr clears this VMCS's hardware pointer (VMCLEAR-equivalent),
// forcing the next entry to use VMLAUNCH rather than VMRESUME.
func (f *Fields) ClrPtr() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.launched = false
}

// SetPtr marks this VMCS as the active pointer (VMPTRLD-equivalent).
// Launch state is unaffected.
func (f *Fields) SetPtr() {}

// ClearLaunched forces the next entry through this VMCS to use
// VMLAUNCH, used whenever a field change invalidates the cached launch
// state.
func (f *Fields) ClearLaunched() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.launched = false
}

// Launched reports whether this VMCS has successfully launched since its
// last ClrPtr/ClearLaunched.
func (f *Fields) Launched() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.launched
}

// MarkLaunched records a successful VMLAUNCH/VMRESUME.
func (f *Fields) MarkLaunched() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.launched = true
}

// VMCS holds a vCPU's three logical levels. Level1 is the shadow
// maintained only when a nested monitor is present; Merged is the
// effective live set callers address by default.
type VMCS struct {
	Level0 *Fields
	Level1 *Fields
	Merged *Fields
}

// New allocates an empty three-level VMCS.
func New() *VMCS {
	return &VMCS{Level0: NewFields(), Level1: NewFields(), Merged: NewFields()}
}

// ClearLaunched clears launch state across all three levels, used when a
// software shadow-cache flush invalidates cached entry state.
func (v *VMCS) ClearLaunched() {
	v.Level0.ClearLaunched()
	v.Level1.ClearLaunched()
	v.Merged.ClearLaunched()
}

// counterField names one of the control-field groups the Accountant
// tracks per-bit request counters for.
type counterField int

const (
	cfCR0Mask counterField = iota
	cfCR4Mask
	cfPinBased
	cfProcBasedPrimary
	cfProcBasedSecondary
	cfExceptionBitmap
	cfExitControls
	cfEntryControls
	numCounterFields
)

// Request is a paired {bit_request, bit_mask} SetupOnly argument: for
// every bit set in Mask, Bits says whether that bit's counter should be
// incremented (1) or decremented (0).
type Request struct {
	Bits uint64
	Mask uint64
}

// counterSet is the per-bit request-counter bookkeeping for one control
// field: 64 independent saturating counters plus the summary bit each
// one's 0<->nonzero transition drives.
type counterSet struct {
	counters [64]uint8
	summary  uint64
}

func (c *counterSet) setupOnly(req Request) {
	for bit := 0; bit < 64; bit++ {
		mask := uint64(1) << bit
		if req.Mask&mask == 0 {
			continue
		}

		if req.Bits&mask != 0 {
			if c.counters[bit] == 255 {
				panic("vmcs: accountant counter saturated")
			}

			c.counters[bit]++
		} else {
			if c.counters[bit] == 0 {
				panic("vmcs: accountant counter underflow")
			}

			c.counters[bit]--
		}

		if c.counters[bit] == 0 {
			c.summary &^= mask
		} else {
			c.summary |= mask
		}
	}
}

// Accountant is the per-vCPU multi-module bookkeeping that turns many
// modules' SetupOnly requests into one written field value per group.
type Accountant struct {
	mu       sync.Mutex
	counters [numCounterFields]counterSet
	minimal1 [numCounterFields]uint64
	minimal0 [numCounterFields]uint64
	fields   [numCounterFields]Field
	vmcs     *VMCS
}

// Policy bits baked in identically across every vCPU regardless of which
// modules ask for them: always intercept and virtualize NMI, always
// save/load the listed state on both exit and entry, and force secondary
// controls on whenever the platform advertises them.
const (
	// PinBased: NMI exiting, virtual NMIs.
	alwaysInterceptNMI  = 1 << 3
	alwaysVirtualizeNMI = 1 << 5
	// Exit/entry controls: save/load the listed architectural state.
	saveLoadDebugCtls = 1 << 2
	saveLoadCR        = 1 << 3 // symbolic: CR0/CR3/CR4 save/restore grouping
	saveLoadSegState  = 1 << 4
	saveLoadSysenter  = 1 << 6
	saveLoadEFER      = 1 << 20
	saveLoadPAT       = 1 << 18
	saveLoadPerfGlobal = 1 << 13
	forceSecondaryControls = 1 << 31
)

// NewAccountant builds an Accountant bound to vmcs, deriving
// Minimal1/Minimal0 once from the KVM-reported VMX capability MSRs and
// baking in the policy bits every vCPU carries regardless of which
// modules request them.
func NewAccountant(vmcs *VMCS, caps CapabilitySource) *Accountant {
	a := &Accountant{vmcs: vmcs}

	a.fields = [numCounterFields]Field{
		cfCR0Mask:             CR0GuestHostMask,
		cfCR4Mask:             CR4GuestHostMask,
		cfPinBased:            PinBasedControls,
		cfProcBasedPrimary:    ProcBasedControls,
		cfProcBasedSecondary:  ProcBasedControls2,
		cfExceptionBitmap:     ExceptionBitmap,
		cfExitControls:        ExitControls,
		cfEntryControls:       EntryControls,
	}

	for i := range a.minimal0 {
		a.minimal0[i] = ^uint64(0)
	}

	if caps != nil {
		a.minimal1[cfPinBased], a.minimal0[cfPinBased] = caps.PinBasedFixed()
		a.minimal1[cfProcBasedPrimary], a.minimal0[cfProcBasedPrimary] = caps.ProcBasedFixed()
		a.minimal1[cfProcBasedSecondary], a.minimal0[cfProcBasedSecondary] = caps.ProcBased2Fixed()
		a.minimal1[cfExitControls], a.minimal0[cfExitControls] = caps.ExitFixed()
		a.minimal1[cfEntryControls], a.minimal0[cfEntryControls] = caps.EntryFixed()
	}

	a.minimal1[cfPinBased] |= alwaysInterceptNMI
	a.minimal1[cfPinBased] |= alwaysVirtualizeNMI
	a.minimal1[cfExitControls] |= saveLoadDebugCtls | saveLoadCR | saveLoadSegState |
		saveLoadSysenter | saveLoadEFER | saveLoadPAT | saveLoadPerfGlobal
	a.minimal1[cfEntryControls] |= saveLoadDebugCtls | saveLoadCR | saveLoadSegState |
		saveLoadSysenter | saveLoadEFER | saveLoadPAT | saveLoadPerfGlobal

	if caps != nil && caps.Secondary2Available() {
		a.minimal1[cfProcBasedPrimary] |= forceSecondaryControls
	}

	return a
}

// CapabilitySource is the narrow slice of kvmhost.MSRCapabilities the
// accountant needs: the allowed-0/allowed-1 bit pairs for each VMX
// capability MSR, reduced to (Minimal1, Minimal0) here.
type CapabilitySource interface {
	PinBasedFixed() (minimal1, minimal0 uint64)
	ProcBasedFixed() (minimal1, minimal0 uint64)
	ProcBased2Fixed() (minimal1, minimal0 uint64)
	ExitFixed() (minimal1, minimal0 uint64)
	EntryFixed() (minimal1, minimal0 uint64)
	Secondary2Available() bool
}

// msrCapabilitySource adapts kvmhost's raw allowed-0/allowed-1 MSR pairs
// into the (Minimal1, Minimal0) form the accountant consumes: a bit is
// forced to 1 when the MSR's allowed-0 side reports it fixed-to-1, and
// left settable (Minimal0 bit set) unless the allowed-1 side reports it
// fixed-to-0.
type msrCapabilitySource struct {
	caps *kvmhost.MSRCapabilities
}

// FromMSRCapabilities wraps the VMX capability MSR block KVM reports for
// a vcpu as a vmcs.CapabilitySource.
func FromMSRCapabilities(caps *kvmhost.MSRCapabilities) CapabilitySource {
	return msrCapabilitySource{caps: caps}
}

func fixedBits(allowed0, allowed1 uint32) (minimal1, minimal0 uint64) {
	return uint64(allowed0), uint64(allowed1)
}

func (m msrCapabilitySource) PinBasedFixed() (uint64, uint64) {
	return fixedBits(m.caps.PinbasedAllowed0, m.caps.PinbasedAllowed1)
}

func (m msrCapabilitySource) ProcBasedFixed() (uint64, uint64) {
	return fixedBits(m.caps.ProcbasedAllowed0, m.caps.ProcbasedAllowed1)
}

func (m msrCapabilitySource) ProcBased2Fixed() (uint64, uint64) {
	return fixedBits(m.caps.Procbased2Allowed0, m.caps.Procbased2Allowed1)
}

func (m msrCapabilitySource) ExitFixed() (uint64, uint64) {
	return fixedBits(m.caps.ExitAllowed0, m.caps.ExitAllowed1)
}

func (m msrCapabilitySource) EntryFixed() (uint64, uint64) {
	return fixedBits(m.caps.EntryAllowed0, m.caps.EntryAllowed1)
}

func (m msrCapabilitySource) Secondary2Available() bool {
	return m.caps.ProcbasedAllowed1&(1<<31) != 0
}

// SetupOnly takes {bit_request, bit_mask} for one of the accountant's
// controlled groups (named by the Field it ultimately governs) and
// flips the corresponding per-bit saturating counters, toggling the
// summary bit on 0<->nonzero transitions.
func (a *Accountant) SetupOnly(field Field, req Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cf, ok := a.counterFieldFor(field)
	if !ok {
		panic("vmcs: accountant has no counter group for this field")
	}

	a.counters[cf].setupOnly(req)
}

func (a *Accountant) counterFieldFor(field Field) (counterField, bool) {
	for cf, f := range a.fields {
		if f == field {
			return counterField(cf), true
		}
	}

	return 0, false
}

// ApplyOnly computes, for every controlled group, (summary | Minimal1)
// &^ ^Minimal0 and writes the result into the Merged level, skipping the
// write if the value is unchanged from what is already there.
func (a *Accountant) ApplyOnly() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for cf := counterField(0); cf < numCounterFields; cf++ {
		value := (a.counters[cf].summary | a.minimal1[cf]) & a.minimal0[cf]
		field := a.fields[cf]

		if a.vmcs.Merged.Read(field) == value {
			continue
		}

		a.vmcs.Merged.Write(field, value)
	}
}
