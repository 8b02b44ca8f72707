package kvmhost

import "unsafe"

// VCPUEvents mirrors struct kvm_vcpu_events: the pending-exception,
// pending-interrupt, and pending-NMI state that lives outside the GP/FPU
// register files. The injection FSM (§4.J) reads and writes this on every
// reflected event, and the GCPU pending-interrupt bitmap (§4.G) is
// reconciled against its Interrupt fields after each exit.
type VCPUEvents struct {
	Exception struct {
		Injected     uint8
		Nr           uint8
		HasErrorCode uint8
		Pad          uint8
		ErrorCode    uint32
	}
	Interrupt struct {
		Injected        uint8
		Nr              uint8
		SoftInterrupt   uint8
		ShadowFlags     uint8
	}
	NMI struct {
		Injected  uint8
		Pending   uint8
		MaskedFlg uint8
		Pad       uint8
	}
	SipiVector     uint32
	Flags          uint32
	SMI            struct {
		Smm          uint8
		Pending      uint8
		SmmInsideNmi uint8
		LatchedInit  uint8
	}
	_ [27]uint32
}

const (
	// VCPUEventsFlagClearFlags, when set, asks KVM_SET_VCPU_EVENTS to
	// clear any stale interrupt.shadow/exception.pending state rather
	// than merging with what it already has.
	VCPUEventsFlagClearFlags = 1 << 0
)

// GetVCPUEvents reads the pending-event state of a vcpu.
func GetVCPUEvents(vcpuFd uintptr) (*VCPUEvents, error) {
	ev := &VCPUEvents{}
	_, err := Ioctl(vcpuFd, IIOR(kvmNRVCPUEvents, unsafe.Sizeof(VCPUEvents{})), uintptr(unsafe.Pointer(ev)))

	return ev, err
}

// SetVCPUEvents installs pending-event state on a vcpu, the mechanism the
// injection FSM uses to hand a vectored event to hardware without going
// through the legacy KVM_INTERRUPT path.
func SetVCPUEvents(vcpuFd uintptr, ev *VCPUEvents) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmNRVCPUEvents+1, unsafe.Sizeof(VCPUEvents{})), uintptr(unsafe.Pointer(ev)))

	return err
}
