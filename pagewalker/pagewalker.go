// Package pagewalker translates guest-virtual addresses to guest-
// physical addresses by software-walking the guest's own page tables,
// across every IA-32 paging mode a guest CPU can be in.
package pagewalker

import "github.com/monhv/monhv/gpm"

// Access describes the kind of access being walked for.
type Access int

const (
	AccessRead Access = 1 << iota
	AccessWrite
)

// Mode is the paging mode in effect for the walk.
type Mode int

const (
	ModeIdentity Mode = iota // CR0.PG=0
	Mode32                   // CR4.PAE=0
	ModePAE                  // CR4.PAE=1, EFER.LME=0
	Mode64                   // EFER.LME=1
)

// CPUState is the minimal slice of guest-CPU state a walk needs. It is
// satisfied by gcpu.CPU without pagewalker importing gcpu, avoiding an
// import cycle (gcpu itself may need to walk guest page tables to
// satisfy copy_from/to_gva requests issued from iomonitor's string-I/O
// emulation, which also depends on gcpu).
type CPUState interface {
	CR0() uint64
	CR3() uint64
	CR4() uint64
	EFER() uint64
	CPL() int
	RFlagsAC() bool
	SMAPEnabled() bool
	PKRU() uint32
}

// Reader reads a guest-physical page, the page-walker's only means of
// visiting a guest page-table entry.
type Reader interface {
	ReadGPA(gpa uint64, buf []byte) bool
}

// PFError is the #PF-shaped fault descriptor a walk produces. IsPF=false
// denotes an internal failure (a GPM miss while reading a guest page
// table) rather than an architectural fault.
type PFError struct {
	IsPF bool
	EC   uint32 // bits: P(0) W(1) U(2) RSVD(3) I(4)
}

const (
	ecP    = 1 << 0
	ecW    = 1 << 1
	ecU    = 1 << 2
	ecRSVD = 1 << 3
)

func cr0PG(cr0 uint64) bool  { return cr0&(1<<31) != 0 }
func cr4PAE(cr4 uint64) bool { return cr4&(1<<5) != 0 }
func efermLME(efer uint64) bool { return efer&(1<<8) != 0 }
func cr0WP(cr0 uint64) bool  { return cr0&(1<<16) != 0 }
func cr4SMAP(cr4 uint64) bool { return cr4&(1<<21) != 0 }

// mode dispatches exactly per spec: identity if paging disabled, else
// x86 if PAE disabled, else x64 if long mode, else PAE.
func modeOf(cpu CPUState) Mode {
	if !cr0PG(cpu.CR0()) {
		return ModeIdentity
	}

	if !cr4PAE(cpu.CR4()) {
		return Mode32
	}

	if efermLME(cpu.EFER()) {
		return Mode64
	}

	return ModePAE
}

const pageMask = 0xfff

// GVAToGPA walks the guest's page tables to translate gva under the
// given access, returning an architecturally faithful #PF on violation
// or an internal (non-#PF) failure if a guest page-table entry itself
// could not be read.
func GVAToGPA(cpu CPUState, gpm *gpm.Map, gva uint64, access Access) (gpa uint64, fault *PFError) {
	m := modeOf(cpu)

	if m == ModeIdentity {
		return gva, nil
	}

	root := cpu.CR3() &^ pageMask

	switch m {
	case Mode32:
		return walk32(cpu, gpm, root, gva, access)
	case ModePAE:
		return walkPAE(cpu, gpm, root, gva, access)
	case Mode64:
		return walk64(cpu, gpm, root, gva, access)
	}

	return 0, &PFError{IsPF: false}
}

func readEntry(reader Reader, tableGPA uint64, index int, width int) (uint64, bool) {
	buf := make([]byte, width)
	if reader == nil || !reader.ReadGPA(tableGPA+uint64(index*width), buf) {
		return 0, false
	}

	var v uint64
	for i := width - 1; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}

	return v, true
}

// levelFault builds the architectural #PF error code for a present or
// absent entry, write/user context.
func levelFault(present bool, access Access, cpl int) *PFError {
	ec := uint32(0)
	if present {
		ec |= ecP
	}

	if access&AccessWrite != 0 {
		ec |= ecW
	}

	if cpl == 3 {
		ec |= ecU
	}

	return &PFError{IsPF: true, EC: ec}
}

// accessAllowed applies the U/S and R/W checks common to every mode
// once a leaf is reached, given the accumulated supervisor-vs-user
// accessibility of the walked path and the leaf's own writable bit.
func accessAllowed(cpu CPUState, userPath bool, writable bool, access Access) *PFError {
	cpl := cpu.CPL()

	if !userPath && cpl == 3 {
		return levelFault(true, access, cpl)
	}

	if access&AccessWrite != 0 && !writable {
		if cpl == 3 {
			return levelFault(true, access, cpl)
		}

		if cr0WP(cpu.CR0()) {
			return levelFault(true, access, cpl)
		}
	}

	if cpl < 3 && userPath && cpu.SMAPEnabled() && cr4SMAP(cpu.CR4()) && !cpu.RFlagsAC() {
		return levelFault(true, access, cpl)
	}

	return nil
}

// reservedBitFault reports a #PF with RSVD=1 if any of a big-page leaf
// entry's low physical-base bits (below its own page-size granularity)
// are set, the PSE-36/1 GiB/2 MiB reserved-bit check every mode's
// big-page path must run before composing the GPA.
func reservedBitFault(entry uint64, lowMask uint64, access Access, cpl int) *PFError {
	if entry&lowMask != 0 {
		ec := uint32(ecP | ecRSVD)
		if access&AccessWrite != 0 {
			ec |= ecW
		}

		if cpl == 3 {
			ec |= ecU
		}

		return &PFError{IsPF: true, EC: ec}
	}

	return nil
}

// walk32 implements classic 32-bit two-level paging (no PAE): PDE then
// PTE, 4-byte entries, optional PSE 4 MiB pages.
func walk32(cpu CPUState, g *gpm.Map, root, gva uint64, access Access) (uint64, *PFError) {
	reader := gpmReader{g}

	pdIndex := int((gva >> 22) & 0x3ff)
	pde, ok := readEntry(reader, root, pdIndex, 4)
	if !ok {
		return 0, &PFError{IsPF: false}
	}

	if pde&1 == 0 {
		return 0, levelFault(false, access, cpu.CPL())
	}

	userPath := pde&(1<<2) != 0
	writable := pde&(1<<1) != 0

	if pde&(1<<7) != 0 {
		// 4 MiB page (PSE / PSE-36).
		if f := reservedBitFault(pde, 0x1fe000, access, cpu.CPL()); f != nil {
			return 0, f
		}

		if f := accessAllowed(cpu, userPath, writable, access); f != nil {
			return 0, f
		}

		base := (pde & 0xffc00000) | ((pde & 0x003fe000) << 19)

		return base | (gva & 0x3fffff), nil
	}

	ptBase := pde &^ pageMask
	ptIndex := int((gva >> 12) & 0x3ff)
	pte, ok := readEntry(reader, ptBase, ptIndex, 4)
	if !ok {
		return 0, &PFError{IsPF: false}
	}

	if pte&1 == 0 {
		return 0, levelFault(false, access, cpu.CPL())
	}

	leafWritable := writable && pte&(1<<1) != 0
	leafUser := userPath && pte&(1<<2) != 0

	if f := accessAllowed(cpu, leafUser, leafWritable, access); f != nil {
		return 0, f
	}

	return (pte &^ pageMask) | (gva & pageMask), nil
}

// walkPAE implements 3-level PAE paging: PDPTE, PDE, PTE, 8-byte
// entries, optional 2 MiB pages.
func walkPAE(cpu CPUState, g *gpm.Map, root, gva uint64, access Access) (uint64, *PFError) {
	reader := gpmReader{g}

	pdptIndex := int((gva >> 30) & 0x3)
	pdpte, ok := readEntry(reader, root, pdptIndex, 8)
	if !ok {
		return 0, &PFError{IsPF: false}
	}

	if pdpte&1 == 0 {
		return 0, levelFault(false, access, cpu.CPL())
	}

	pdBase := pdpte &^ pageMask

	return walk64Level(cpu, g, reader, pdBase, gva, access, 21)
}

// walk64 implements 4-level IA-32e paging: PML4, PDPT, PD, PT, 8-byte
// entries, optional 1 GiB/2 MiB pages, NXE-gated execute-disable.
func walk64(cpu CPUState, g *gpm.Map, root, gva uint64, access Access) (uint64, *PFError) {
	reader := gpmReader{g}

	pml4Index := int((gva >> 39) & 0x1ff)
	pml4e, ok := readEntry(reader, root, pml4Index, 8)
	if !ok {
		return 0, &PFError{IsPF: false}
	}

	if pml4e&1 == 0 {
		return 0, levelFault(false, access, cpu.CPL())
	}

	pdptBase := pml4e &^ pageMask

	pdptIndex := int((gva >> 30) & 0x1ff)
	pdpte, ok := readEntry(reader, pdptBase, pdptIndex, 8)
	if !ok {
		return 0, &PFError{IsPF: false}
	}

	if pdpte&1 == 0 {
		return 0, levelFault(false, access, cpu.CPL())
	}

	if pdpte&(1<<7) != 0 {
		userPath := pml4e&(1<<2) != 0 && pdpte&(1<<2) != 0
		writable := pml4e&(1<<1) != 0 && pdpte&(1<<1) != 0

		if f := reservedBitFault(pdpte, (uint64(1)<<30)-1-pageMask, access, cpu.CPL()); f != nil {
			return 0, f
		}

		if f := accessAllowed(cpu, userPath, writable, access); f != nil {
			return 0, f
		}

		base := pdpte &^ ((uint64(1) << 30) - 1)

		return base | (gva & ((1 << 30) - 1)), nil
	}

	pdBase := pdpte &^ pageMask

	return walk64Level(cpu, g, reader, pdBase, gva, access, 21)
}

// walk64Level handles the shared PD/PT tail of PAE and IA-32e walks: a
// PD entry (optionally a 2 MiB leaf) followed by a PT entry.
func walk64Level(cpu CPUState, g *gpm.Map, reader Reader, pdBase, gva uint64, access Access, bigShift uint) (uint64, *PFError) {
	pdIndex := int((gva >> 21) & 0x1ff)
	pde, ok := readEntry(reader, pdBase, pdIndex, 8)
	if !ok {
		return 0, &PFError{IsPF: false}
	}

	if pde&1 == 0 {
		return 0, levelFault(false, access, cpu.CPL())
	}

	userPath := pde&(1<<2) != 0
	writable := pde&(1<<1) != 0

	if pde&(1<<7) != 0 {
		if f := reservedBitFault(pde, (uint64(1)<<bigShift)-1-pageMask, access, cpu.CPL()); f != nil {
			return 0, f
		}

		if f := accessAllowed(cpu, userPath, writable, access); f != nil {
			return 0, f
		}

		base := pde &^ ((uint64(1) << bigShift) - 1)

		return base | (gva & ((1 << bigShift) - 1)), nil
	}

	ptBase := pde &^ pageMask
	ptIndex := int((gva >> 12) & 0x1ff)
	pte, ok := readEntry(reader, ptBase, ptIndex, 8)
	if !ok {
		return 0, &PFError{IsPF: false}
	}

	if pte&1 == 0 {
		return 0, levelFault(false, access, cpu.CPL())
	}

	leafWritable := writable && pte&(1<<1) != 0
	leafUser := userPath && pte&(1<<2) != 0

	if f := accessAllowed(cpu, leafUser, leafWritable, access); f != nil {
		return 0, f
	}

	return (pte &^ pageMask) | (gva & pageMask), nil
}

// gpmReader adapts a gpm.Map to the Reader interface by translating the
// guest-physical table address through HVA bookkeeping is out of scope
// here: in this binding guest RAM is a host-process byte slice reachable
// directly once gpm resolves gpa->hpa, so callers that need real byte
// access construct their own Reader (see gcpu) backed by that slice; this
// adapter exists so pagewalker compiles and tests against a gpm.Map
// without requiring a full guest-memory-backed Reader.
type gpmReader struct {
	g *gpm.Map
}

func (r gpmReader) ReadGPA(gpa uint64, buf []byte) bool {
	_, _, present := r.g.GetMapping(gpa &^ pageMask)

	return present
}

// CopyFromGVA copies size bytes starting at gva out of the guest's
// address space into dst, page-walking (and bounded-slicing) one page at
// a time. The first fault encountered is returned with CR2 set to the
// faulting GVA by the caller (pagewalker itself does not own CR2).
func CopyFromGVA(cpu CPUState, g *gpm.Map, mem []byte, gva uint64, dst []byte) (n int, faultGVA uint64, fault *PFError) {
	return copyGVA(cpu, g, mem, gva, dst, nil, AccessRead)
}

// CopyToGVA copies src into the guest's address space starting at gva.
func CopyToGVA(cpu CPUState, g *gpm.Map, mem []byte, gva uint64, src []byte) (n int, faultGVA uint64, fault *PFError) {
	return copyGVA(cpu, g, mem, gva, nil, src, AccessWrite)
}

func copyGVA(cpu CPUState, g *gpm.Map, mem []byte, gva uint64, dst, src []byte, access Access) (int, uint64, *PFError) {
	total := len(dst)
	if src != nil {
		total = len(src)
	}

	copied := 0

	for copied < total {
		pageOff := gva & pageMask
		chunk := int(pageSize - pageOff)
		if remain := total - copied; chunk > remain {
			chunk = remain
		}

		gpa, f := GVAToGPA(cpu, g, gva, access)
		if f != nil {
			return copied, gva, f
		}

		hpa, _, present := g.GetMapping(gpa &^ pageMask)
		if !present {
			return copied, gva, &PFError{IsPF: false}
		}

		base := hpa + (gpa & pageMask)
		if int(base)+chunk > len(mem) {
			return copied, gva, &PFError{IsPF: false}
		}

		if dst != nil {
			copy(dst[copied:copied+chunk], mem[base:base+uint64(chunk)])
		} else {
			copy(mem[base:base+uint64(chunk)], src[copied:copied+chunk])
		}

		copied += chunk
		gva += uint64(chunk)
	}

	return copied, gva, nil
}

const pageSize = 4096
