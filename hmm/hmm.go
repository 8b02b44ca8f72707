// Package hmm is the host memory manager: HVA<->HPA bookkeeping and the
// unmap-on-use discipline for sensitive scratch pages. Under the KVM
// binding the kernel owns the real host CR3, so hmm's mam tree is a
// software audit trail rather than a live page table -- vmcheck and
// tests assert against it in place of hardware state.
package hmm

import (
	"fmt"
	"sync"

	"github.com/monhv/monhv/mam"
)

// Attr bits for the identity-with-caveats map.
const (
	AttrPresent Attr = 1 << 0
	AttrWrite   Attr = 1 << 1
)

// Attr mirrors mam.Attr's bit layout for this address space.
type Attr = mam.Attr

type hostOps struct{}

func (hostOps) MaxLeafLevel() mam.Level { return mam.LevelPT }

// tableEntry tags a non-leaf entry. A leaf keeps its target below bit 52
// and its attributes in bits [11:0], so it never carries bit 61.
const tableEntry = 1 << 61

func (hostOps) IsLeaf(e mam.Entry, _ mam.Level) bool { return uint64(e)&tableEntry == 0 }

func (hostOps) IsPresent(e mam.Entry) bool { return uint64(e)&uint64(AttrPresent) != 0 }

func (hostOps) ToTable(e mam.Entry) uint64 { return (uint64(e) &^ tableEntry &^ 0xfff) >> 12 }

func (hostOps) ToLeaf(target uint64, attr mam.Attr) mam.Entry {
	return mam.Entry((target &^ 0xfff) | uint64(attr)&0xfff)
}

func (hostOps) ToTableEntry(child uint64) mam.Entry {
	return mam.Entry(child<<12 | tableEntry | uint64(AttrPresent|AttrWrite))
}

func (hostOps) LeafAttr(e mam.Entry) mam.Attr { return mam.Attr(uint64(e) & 0xfff) }

func (hostOps) LeafTarget(e mam.Entry) uint64 { return uint64(e) &^ 0xfff }

// Manager is the host identity-map audit trail.
type Manager struct {
	mu   sync.Mutex
	tree *mam.MAM
	// unmapped records HPAs explicitly unmapped through UnmapHPA, kept
	// separately from the tree's own not-present leaves so HPAToHVA can
	// distinguish "never identity-mapped" from "was mapped, now
	// deliberately unmapped" when reporting errors.
	unmapped map[uint64]bool
}

// New builds the audit-trail identity map covering [0, identitySize),
// with HPA 0 left permanently non-present (NULL-faulting). The per-CPU
// stack-guard restriction the spec describes for a bare-metal host CR3
// is enforced for real by the KVM binding itself -- each vCPU's host
// context is a separate kernel address space, so a single shared audit
// tree here only needs to record the identity map, not per-CPU
// visibility.
func New(identitySize uint64) *Manager {
	m := &Manager{
		tree:     mam.Create(hostOps{}, 0),
		unmapped: make(map[uint64]bool),
	}

	m.tree.InsertRange(4096, 4096, pageAlign(identitySize)-4096, Attr(AttrPresent|AttrWrite))

	return m
}

func pageAlign(v uint64) uint64 { return v &^ 0xfff }

// HVAToHPA looks up the host-physical address backing a host-virtual
// address. Under the KVM binding HVA and HPA of guest RAM coincide with
// the Go runtime's own virtual address, exposed here purely as a
// bookkeeping lookup rather than a real MMU walk.
func (m *Manager) HVAToHPA(hva uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hpa, _, present := m.tree.GetMapping(hva)
	if !present {
		return 0, fmt.Errorf("hmm: hva %#x not mapped", hva)
	}

	return hpa, nil
}

// HPAToHVA is HVAToHPA's inverse for this identity-with-caveats map: hva
// and hpa are numerically identical except where UnmapHPA has punched a
// hole.
func (m *Manager) HPAToHVA(hpa uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unmapped[pageAlign(hpa)] {
		return 0, fmt.Errorf("hmm: hpa %#x was unmapped", hpa)
	}

	_, _, present := m.tree.GetMapping(hpa)
	if !present {
		return 0, fmt.Errorf("hmm: hpa %#x not mapped", hpa)
	}

	return hpa, nil
}

// UnmapHPA removes [hpa, hpa+size) from the identity map, used once a
// VMXON-region-equivalent scratch page (the kvmhost per-vCPU mmap
// region) has been copied out and must no longer be touchable by
// anything other than the owning ioctl path.
func (m *Manager) UnmapHPA(hpa, size uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tree.UpdateAttr(pageAlign(hpa), pageAlign(size+0xfff), ^mam.Attr(0), 0)

	for off := uint64(0); off < size; off += 4096 {
		m.unmapped[pageAlign(hpa)+off] = true
	}
}

// Map installs or extends the identity map over [hpa, hpa+size).
func (m *Manager) Map(hpa, size uint64, writable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	attr := Attr(AttrPresent)
	if writable {
		attr |= AttrWrite
	}

	m.tree.InsertRange(pageAlign(hpa), pageAlign(hpa), pageAlign(size+0xfff), attr)

	for off := uint64(0); off < size; off += 4096 {
		delete(m.unmapped, pageAlign(hpa)+off)
	}
}
