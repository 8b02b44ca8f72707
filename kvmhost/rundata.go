package kvmhost

import "unsafe"

// RunData mirrors the fixed prefix of struct kvm_run, the page KVM shares
// with userspace across every VM-entry/VM-exit. Data[] carries the
// exit-specific union; IO()/MMIO() below decode the two shapes the
// dispatcher (§4.I) cares about directly, the rest is read by the
// specific handler through the raw union.
type RunData struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the KVM_EXIT_IO union: direction, operand size, port,
// repetition count, and the byte offset (from the start of RunData) of
// the in/out data buffer.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return direction, size, port, count, offset
}

// IOBuf returns a view of the in/out data buffer KVM_EXIT_IO's offset
// points at, size bytes long, backed by the same shared page as r
// itself: writes through the returned slice are what KVM reads back for
// an IN, and the bytes already there are what the guest wrote for an
// OUT. Ported from the teacher's own pointer arithmetic in
// Machine.RunOnce (m.runs[cpu] plus the union offset).
func (r *RunData) IOBuf(offset uint64, size int) []byte {
	base := uintptr(unsafe.Pointer(r)) + uintptr(offset)

	return unsafe.Slice((*byte)(unsafe.Pointer(base)), size)
}

// MMIOAccess is the KVM_EXIT_MMIO union, the userspace-visible shape of
// what the spec calls an EPT violation against a GPA with no memory-slot
// backing (§4.D).
type MMIOAccess struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
}

// MMIO decodes the KVM_EXIT_MMIO union out of the raw data words.
func (r *RunData) MMIO() MMIOAccess {
	var m MMIOAccess
	m.PhysAddr = r.Data[0]
	for i := 0; i < 8; i++ {
		m.Data[i] = byte(r.Data[1] >> (8 * i))
	}
	m.Len = uint32(r.Data[2])
	m.IsWrite = uint8(r.Data[2] >> 32)

	return m
}

// FailEntryReason decodes the KVM_EXIT_FAIL_ENTRY union's hardware_entry_
// failure_reason, the trigger for the VMEnter consistency checker (§4.N).
func (r *RunData) FailEntryReason() uint64 {
	return r.Data[0]
}
