package kvmhost

import "unsafe"

// Regs mirrors struct kvm_regs: the 16 general-purpose registers plus RIP
// and RFLAGS. Used for both 32-bit and 64-bit guests; 32-bit guests simply
// leave the upper registers unused.
type Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}

// GetRegs fetches a vCPU's general-purpose registers.
func GetRegs(vcpuFd uintptr) (*Regs, error) {
	regs := &Regs{}
	_, err := Ioctl(vcpuFd, IIOR(kvmGetRegs, unsafe.Sizeof(Regs{})), uintptr(unsafe.Pointer(regs)))

	return regs, err
}

// SetRegs installs a vCPU's general-purpose registers.
func SetRegs(vcpuFd uintptr, regs *Regs) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetRegs, unsafe.Sizeof(Regs{})), uintptr(unsafe.Pointer(regs)))

	return err
}

// Segment is an x86 segment descriptor in the shape KVM exchanges it.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor describes a GDTR/IDTR-shaped table pointer.
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs mirrors struct kvm_sregs: segment state, control registers, EFER,
// and the software interrupt-injection bitmap KVM maintains alongside
// them.
type Sregs struct {
	CS              Segment
	DS              Segment
	ES              Segment
	FS              Segment
	GS              Segment
	SS              Segment
	TR              Segment
	LDT             Segment
	GDT             Descriptor
	IDT             Descriptor
	CR0             uint64
	CR2             uint64
	CR3             uint64
	CR4             uint64
	CR8             uint64
	EFER            uint64
	ApicBase        uint64
	InterruptBitmap [(numInterrupts + 63) / 64]uint64
}

// GetSregs fetches a vCPU's special registers.
func GetSregs(vcpuFd uintptr) (*Sregs, error) {
	sregs := &Sregs{}
	_, err := Ioctl(vcpuFd, IIOR(kvmGetSregs, unsafe.Sizeof(Sregs{})), uintptr(unsafe.Pointer(sregs)))

	return sregs, err
}

// SetSregs installs a vCPU's special registers.
func SetSregs(vcpuFd uintptr, sregs *Sregs) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetSregs, unsafe.Sizeof(Sregs{})), uintptr(unsafe.Pointer(sregs)))

	return err
}

// FPURegs mirrors struct kvm_fpu, carrying the 16 XMM registers §4.G's
// GCPU register file needs alongside the GP set.
type FPURegs struct {
	FPR       [8][16]uint8
	FCW       uint16
	FSW       uint16
	FTWX      uint8
	_         uint8
	LastOpcode uint16
	LastIP    uint64
	LastDP    uint64
	XMM       [16][16]uint8
	MXCSR     uint32
	_         uint32
}

// GetFPU fetches a vCPU's x87/SSE state.
func GetFPU(vcpuFd uintptr) (*FPURegs, error) {
	fpu := &FPURegs{}
	_, err := Ioctl(vcpuFd, IIOR(kvmGetFPU, unsafe.Sizeof(FPURegs{})), uintptr(unsafe.Pointer(fpu)))

	return fpu, err
}

// SetFPU installs a vCPU's x87/SSE state.
func SetFPU(vcpuFd uintptr, fpu *FPURegs) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetFPU, unsafe.Sizeof(FPURegs{})), uintptr(unsafe.Pointer(fpu)))

	return err
}

// DebugRegs mirrors struct kvm_debugregs.
type DebugRegs struct {
	DB    [4]uint64
	DR6   uint64
	DR7   uint64
	Flags uint64
	_     [9]uint64
}

// GetDebugRegs reads DR0-DR7 from a vcpu.
func GetDebugRegs(vcpuFd uintptr) (*DebugRegs, error) {
	dregs := &DebugRegs{}
	_, err := Ioctl(vcpuFd, IIOR(kvmGetDebugRegs, unsafe.Sizeof(DebugRegs{})), uintptr(unsafe.Pointer(dregs)))

	return dregs, err
}

// SetDebugRegs installs DR0-DR7 on a vcpu.
func SetDebugRegs(vcpuFd uintptr, dregs *DebugRegs) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetDebugRegs, unsafe.Sizeof(DebugRegs{})), uintptr(unsafe.Pointer(dregs)))

	return err
}

// Translate mirrors struct kvm_translation, used to cross-check the
// software page-walker (§4.F) against KVM's own notion of the mapping
// during development and in tests.
type Translate struct {
	LinearAddress uint64

	PhysicalAddress uint64
	Valid           uint8
	Writeable       uint8
	Usermode        uint8
	_               [5]uint8
}

// GetTranslate issues KVM_TRANSLATE for a linear address.
func GetTranslate(vcpuFd uintptr, vaddr uint64) (*Translate, error) {
	t := &Translate{LinearAddress: vaddr}
	_, err := Ioctl(vcpuFd, kvmTranslate, uintptr(unsafe.Pointer(t)))

	return t, err
}
