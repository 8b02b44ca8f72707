package kvmhost

import "unsafe"

const (
	kvmGetMSRs = 0xc008ae88
	kvmSetMSRs = 0x4008ae89
)

// MSREntry is one {index, value} pair exchanged with KVM_GET_MSRS/
// KVM_SET_MSRS.
type MSREntry struct {
	Index    uint32
	Reserved uint32
	Data     uint64
}

// msrHeader mirrors struct kvm_msrs' fixed prefix; the variable-length
// entries array follows it in memory, built by GetMSRs/SetMSRs below.
type msrHeader struct {
	NMSRs uint32
	_     uint32
}

// GetMSRs reads the named MSRs from a vcpu, in place.
func GetMSRs(vcpuFd uintptr, entries []MSREntry) error {
	buf := make([]byte, unsafe.Sizeof(msrHeader{})+uintptr(len(entries))*unsafe.Sizeof(MSREntry{}))
	hdr := (*msrHeader)(unsafe.Pointer(&buf[0]))
	hdr.NMSRs = uint32(len(entries))

	dst := unsafe.Slice((*MSREntry)(unsafe.Pointer(&buf[unsafe.Sizeof(msrHeader{})])), len(entries))
	copy(dst, entries)

	_, err := Ioctl(vcpuFd, IIOWR(kvmGetMSRs, uintptr(len(buf))), uintptr(unsafe.Pointer(&buf[0])))
	copy(entries, dst)

	return err
}

// SetMSRs writes the given MSRs on a vcpu.
func SetMSRs(vcpuFd uintptr, entries []MSREntry) error {
	buf := make([]byte, unsafe.Sizeof(msrHeader{})+uintptr(len(entries))*unsafe.Sizeof(MSREntry{}))
	hdr := (*msrHeader)(unsafe.Pointer(&buf[0]))
	hdr.NMSRs = uint32(len(entries))

	dst := unsafe.Slice((*MSREntry)(unsafe.Pointer(&buf[unsafe.Sizeof(msrHeader{})])), len(entries))
	copy(dst, entries)

	_, err := Ioctl(vcpuFd, IIOW(kvmSetMSRs, uintptr(len(buf))), uintptr(unsafe.Pointer(&buf[0])))

	return err
}

// Well-known MSR indices the accountant and GCPU consult.
const (
	MSRIA32FeatureControl = 0x3a
	MSRIA32VMXBasic       = 0x480
	MSRIA32VMXPinbased    = 0x481
	MSRIA32VMXProcbased   = 0x482
	MSRIA32VMXExit        = 0x483
	MSRIA32VMXEntry       = 0x484
	MSRIA32VMXProcbased2  = 0x48b
	MSRIA32VMXTrue        = 0x48d // first of the "true" MSR block, offset by control kind
	MSREFER               = 0xc0000080
	MSRIA32PAT            = 0x277
	MSRIA32SysenterCS     = 0x174
	MSRIA32SysenterESP    = 0x175
	MSRIA32SysenterEIP    = 0x176
)

// MSRCapabilities is the subset of VMX capability-reporting MSRs the
// accountant (§4.H) reduces to minimal_1/minimal_0 masks for each
// controlled field. On the KVM binding these are read back from the host
// the same way the kernel itself derived them, rather than re-executing
// RDMSR, since userspace cannot safely RDMSR these on behalf of the
// guest.
type MSRCapabilities struct {
	PinbasedAllowed0, PinbasedAllowed1     uint32
	ProcbasedAllowed0, ProcbasedAllowed1   uint32
	Procbased2Allowed0, Procbased2Allowed1 uint32
	ExitAllowed0, ExitAllowed1             uint32
	EntryAllowed0, EntryAllowed1           uint32
	CR0Fixed0, CR0Fixed1                   uint64
	CR4Fixed0, CR4Fixed1                   uint64
}

// ReadMSRCapabilities reads the VMX capability MSR block for a vcpu.
func ReadMSRCapabilities(vcpuFd uintptr) (*MSRCapabilities, error) {
	entries := []MSREntry{
		{Index: MSRIA32VMXPinbased},
		{Index: MSRIA32VMXProcbased},
		{Index: MSRIA32VMXProcbased2},
		{Index: MSRIA32VMXExit},
		{Index: MSRIA32VMXEntry},
		{Index: 0x486}, // IA32_VMX_CR0_FIXED0
		{Index: 0x487}, // IA32_VMX_CR0_FIXED1
		{Index: 0x488}, // IA32_VMX_CR4_FIXED0
		{Index: 0x489}, // IA32_VMX_CR4_FIXED1
	}

	if err := GetMSRs(vcpuFd, entries); err != nil {
		return nil, err
	}

	caps := &MSRCapabilities{}
	caps.PinbasedAllowed0, caps.PinbasedAllowed1 = splitCap(entries[0].Data)
	caps.ProcbasedAllowed0, caps.ProcbasedAllowed1 = splitCap(entries[1].Data)
	caps.Procbased2Allowed0, caps.Procbased2Allowed1 = splitCap(entries[2].Data)
	caps.ExitAllowed0, caps.ExitAllowed1 = splitCap(entries[3].Data)
	caps.EntryAllowed0, caps.EntryAllowed1 = splitCap(entries[4].Data)
	caps.CR0Fixed0, caps.CR0Fixed1 = entries[5].Data, entries[6].Data
	caps.CR4Fixed0, caps.CR4Fixed1 = entries[7].Data, entries[8].Data

	return caps, nil
}

func splitCap(raw uint64) (allowed0, allowed1 uint32) {
	return uint32(raw), uint32(raw >> 32)
}
