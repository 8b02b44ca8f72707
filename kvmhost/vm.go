package kvmhost

import "unsafe"

// GetAPIVersion returns the KVM API version, expected to be 12.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetAPIVersion), 0)
}

// CreateVM opens a new VM file descriptor against the KVM device.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmCreateVM), 0)
}

// CreateVCPU creates vCPU number cpu within a VM.
func CreateVCPU(vmFd uintptr, cpu int) (uintptr, error) {
	return Ioctl(vmFd, IIO(kvmCreateVCPU), uintptr(cpu))
}

// GetVCPUMMapSize returns the size of the shared kvm_run mmap region.
func GetVCPUMMapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetVCPUMMapSize), 0)
}

// Run requests one VM-entry/VM-exit cycle. The vcpu blocks in the kernel
// for the duration of guest execution; the real VMLAUNCH/VMRESUME and the
// VMEXIT trap both happen inside this call.
func Run(vcpuFd uintptr) error {
	_, err := Ioctl(vcpuFd, IIO(kvmRun), 0)

	return err
}

// CheckExtension reports whether the running kernel's KVM module
// implements a given capability.
func CheckExtension(kvmFd uintptr, cap Capability) (int, error) {
	r, err := Ioctl(kvmFd, IIO(kvmCheckExtension), uintptr(cap))

	return int(r), err
}

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region, the
// mechanism this binding uses as the guest's second-level (EPT-equivalent)
// mapping: each slot installed here is a leaf the kernel's EPT builder
// resolves internally.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetMemLogDirtyPages marks a region for dirty-page logging.
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() { r.Flags |= 1 << 0 }

// SetMemReadonly marks a region read-only.
func (r *UserspaceMemoryRegion) SetMemReadonly() { r.Flags |= 1 << 1 }

// SetUserMemoryRegion installs or updates a memory slot.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetUserMemoryRegion, unsafe.Sizeof(UserspaceMemoryRegion{})),
		uintptr(unsafe.Pointer(region)))

	return err
}

// SetTSSAddr reserves the 3-page TSS identity area KVM needs for 16-bit
// real-mode emulation on Intel hosts.
func SetTSSAddr(vmFd uintptr, addr uint32) error {
	_, err := Ioctl(vmFd, IIO(kvmSetTSSAddr), uintptr(addr))

	return err
}

// SetIdentityMapAddr sets the address of the identity-mapped page KVM uses
// internally for real-mode EPT bring-up.
func SetIdentityMapAddr(vmFd uintptr, addr uint32) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetIdentityMapAddr, 8), uintptr(unsafe.Pointer(&addr)))

	return err
}

// CreateIRQChip instantiates an in-kernel IOAPIC/PIC/LAPIC model.
func CreateIRQChip(vmFd uintptr) error {
	_, err := Ioctl(vmFd, IIO(kvmCreateIRQChip), 0)

	return err
}

type pitConfig struct {
	Flags uint32
	_     [15]uint32
}

// CreatePIT2 instantiates an in-kernel programmable interval timer.
func CreatePIT2(vmFd uintptr) error {
	pit := pitConfig{Flags: 0}
	_, err := Ioctl(vmFd, IIOW(kvmCreatePIT2, unsafe.Sizeof(pit)), uintptr(unsafe.Pointer(&pit)))

	return err
}

// irqLevel mirrors struct kvm_irq_level.
type irqLevel struct {
	IRQ   uint32
	Level uint32
}

// IRQLine asserts or deasserts a legacy interrupt line.
func IRQLine(vmFd uintptr, irq, level uint32) error {
	lvl := irqLevel{IRQ: irq, Level: level}
	_, err := Ioctl(vmFd, IIOW(kvmIRQLine, unsafe.Sizeof(lvl)), uintptr(unsafe.Pointer(&lvl)))

	return err
}

// Interrupt injects a hardware interrupt vector directly into a vcpu,
// used by the event-injection FSM (§4.J) for the non-IOAPIC-routed path.
func Interrupt(vcpuFd uintptr, vector uint32) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmInterrupt, 4), uintptr(unsafe.Pointer(&vector)))

	return err
}

// SetGuestDebug arms or disarms single-stepping and breakpoints.
type GuestDebug struct {
	Control  uint32
	_        uint32
	DebugReg [8]uint64
}

const (
	GuestDebugEnable     = 1 << 0
	GuestDebugSingleStep = 1 << 16
)

// SetGuestDebug installs guest-debug control on a vcpu.
func SetGuestDebug(vcpuFd uintptr, dbg *GuestDebug) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetGuestDebug, unsafe.Sizeof(GuestDebug{})), uintptr(unsafe.Pointer(dbg)))

	return err
}

// SingleStep is the teacher's convenience wrapper over SetGuestDebug,
// kept because machine.go's RunInfiniteLoop/TraceCount flow calls it by
// name.
func SingleStep(vcpuFd uintptr, onoff bool) error {
	dbg := &GuestDebug{}
	if onoff {
		dbg.Control = GuestDebugEnable | GuestDebugSingleStep
	}

	return SetGuestDebug(vcpuFd, dbg)
}
