package kvmhost

import "unsafe"

// CPUID is the set of CPUID entries exchanged with KVM_GET_SUPPORTED_CPUID
// and KVM_SET_CPUID2.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [100]CPUIDEntry2
}

// CPUIDEntry2 is a single leaf/subleaf CPUID result.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// GetSupportedCPUID fetches every CPUID leaf the host/kernel combination
// can present to a guest.
func GetSupportedCPUID(kvmFd uintptr, cpuid *CPUID) error {
	_, err := Ioctl(kvmFd, IIOWR(kvmGetSupportedCPUID, unsafe.Sizeof(*cpuid)), uintptr(unsafe.Pointer(cpuid)))

	return err
}

// SetCPUID2 installs the CPUID leaves a vcpu will report to the guest.
func SetCPUID2(vcpuFd uintptr, cpuid *CPUID) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetCPUID2, unsafe.Sizeof(*cpuid)), uintptr(unsafe.Pointer(cpuid)))

	return err
}

// MSRList is the set of MSR indices KVM knows how to save/restore for a
// guest, consulted when the accountant (§4.H) derives its must-save/
// must-load minimal-1 settings.
type MSRList struct {
	NMSRs    uint32
	Indicies [512]uint32
}

// GetMSRIndexList returns the host's supported guest-MSR index list.
func GetMSRIndexList(kvmFd uintptr, list *MSRList) error {
	list.NMSRs = uint32(len(list.Indicies))
	_, err := Ioctl(kvmFd, IIOWR(kvmGetMSRIndexList, unsafe.Sizeof(*list)), uintptr(unsafe.Pointer(list)))

	return err
}

// DetectL0KVM probes the hypervisor-present CPUID leaf (0x40000000) to
// decide whether this MON is itself running nested under a KVM L0 host.
// Per §9 open question (b), the 0xCF9 KVM-workaround path (reset.Monitor)
// must only arm in that case.
func DetectL0KVM(kvmFd uintptr) (bool, error) {
	cpuid := &CPUID{Nent: uint32(len(CPUID{}.Entries))}
	if err := GetSupportedCPUID(kvmFd, cpuid); err != nil {
		return false, err
	}

	for i := 0; i < int(cpuid.Nent); i++ {
		e := cpuid.Entries[i]
		if e.Function != CPUIDSignature {
			continue
		}

		return e.Ebx == 0x4b4d564b && e.Ecx == 0x564b4d56 && e.Edx == 0x4d, nil
	}

	return false, nil
}
