// Package ept implements the EPT engine: second-level address
// translation tables kept coherent with a guest's GPM, and exposed as
// the fallback handler for a KVM_EXIT_MMIO the kernel could not resolve
// against any memory slot -- the userspace-visible analogue of a true
// EPT violation under the KVM binding.
package ept

import (
	"sync"

	"github.com/monhv/monhv/event"
	"github.com/monhv/monhv/kvmhost"
	"github.com/monhv/monhv/mam"
)

// Leaf attribute bit layout, per the architectural EPT entry format:
// R,W,X at [2:0], EMT at [5:3], IgnorePAT at [6], page-size at [7],
// suppress-#VE at [62].
const (
	AttrRead  mam.Attr = 1 << 0
	AttrWrite mam.Attr = 1 << 1
	AttrExec  mam.Attr = 1 << 2

	emtShift = 3
	emtMask  = 0x7 << emtShift

	EMTUncacheable mam.Attr = 0 << emtShift
	EMTWriteBack   mam.Attr = 6 << emtShift

	AttrIgnorePAT  mam.Attr = 1 << 6
	AttrSuppressVE mam.Attr = 1 << 62
)

type eptOps struct {
	maxLeaf mam.Level
}

func (o eptOps) MaxLeafLevel() mam.Level { return o.maxLeaf }

// tableEntry tags a non-leaf entry. A leaf keeps its target below bit 52
// and its attributes in bits [11:0] and 62, so it never carries bit 61.
const tableEntry = 1 << 61

func (eptOps) IsLeaf(e mam.Entry, _ mam.Level) bool { return uint64(e)&tableEntry == 0 }

func (eptOps) IsPresent(e mam.Entry) bool {
	return uint64(e)&uint64(AttrRead|AttrWrite|AttrExec) != 0
}

func (eptOps) ToTable(e mam.Entry) uint64 { return (uint64(e) &^ tableEntry &^ 0xfff) >> 12 }

func (eptOps) ToLeaf(target uint64, attr mam.Attr) mam.Entry {
	return mam.Entry((target &^ 0xfff) | uint64(attr)&(0xfff|uint64(AttrSuppressVE)))
}

func (eptOps) ToTableEntry(child uint64) mam.Entry {
	return mam.Entry(child<<12 | tableEntry | uint64(AttrRead|AttrWrite|AttrExec))
}

func (eptOps) LeafAttr(e mam.Entry) mam.Attr {
	return mam.Attr(uint64(e)&0xfff) | mam.Attr(uint64(e)&uint64(AttrSuppressVE))
}

func (eptOps) LeafTarget(e mam.Entry) uint64 { return uint64(e) &^ 0xfff }

// Policy bits controlling how this guest's EPT behaves.
type Policy struct {
	Enable     bool
	UGRealMode bool
}

// Engine is one guest's EPT state: its second-level mam tree, EPTP, and
// the memory-slot mirror installed into KVM.
type Engine struct {
	mu        sync.Mutex
	tree      *mam.MAM
	policy    Policy
	vmFd      uintptr
	slot      uint32
	bc        *event.Broadcaster
	unclaimed func(gpa uint64, write bool) bool
}

// New constructs an EPT engine for a guest, subscribing onGPMSet to bus.
// maxLeaf is the intersection of the VT-d and KVM EPT-capability probes,
// folded by the caller before this constructor runs.
func New(bus *event.Bus, bc *event.Broadcaster, vmFd uintptr, maxLeaf mam.Level, policy Policy) *Engine {
	e := &Engine{
		tree:   mam.Create(eptOps{maxLeaf: maxLeaf}, 0),
		policy: policy,
		vmFd:   vmFd,
		bc:     bc,
	}

	bus.Subscribe(event.GPMSet, e.onGPMSet)

	return e
}

// EPTP composes the EPT pointer: memory-type, 4-level walk length
// (gaw=3), and the tree's synthetic root handle.
func (e *Engine) EPTP() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	emt := uint64(EMTWriteBack) >> emtShift

	return (emt << 0) | (3 << 3) | (e.tree.RootHPA() << 12)
}

// onGPMSet mirrors a GPM mutation into this guest's EPT tree, resyncs
// the backing KVM memory slot, then broadcasts an invept-equivalent to
// every other host CPU currently running a vCPU of this guest. invept
// itself is not reachable from userspace; KVM performs the real invept
// on the affected vCPU's next VM-entry, so this only needs to land the
// memory-slot update before that entry, which Broadcast's
// happens-before already guarantees.
func (e *Engine) onGPMSet(payload any) bool {
	p := payload.(event.GPMSetPayload)

	e.mu.Lock()
	if p.Attr == 0 {
		e.tree.UpdateAttr(p.GPA, p.Size, ^mam.Attr(0), 0)
	} else {
		e.tree.InsertRange(p.GPA, p.HPA, p.Size, mam.Attr(p.Attr)|EMTWriteBack)
		e.resyncMemSlot(p.GPA, p.HPA, p.Size, p.Attr&uint64(AttrWrite) == 0)
	}
	e.mu.Unlock()

	if e.bc != nil {
		e.bc.Broadcast(-1)
	}

	return false
}

// resyncMemSlot installs or updates the KVM memory slot backing a GPA
// range. This is the "targeted memory-slot resync" the spec substitutes
// for a userspace-issued invept: KVM performs the hardware invept
// itself the next time the affected vCPU enters.
func (e *Engine) resyncMemSlot(gpa, hpa, size uint64, readonly bool) {
	if e.vmFd == 0 {
		return
	}

	region := &kvmhost.UserspaceMemoryRegion{
		Slot:          e.slot,
		GuestPhysAddr: gpa,
		MemorySize:    size,
		UserspaceAddr: hpa,
	}
	if readonly {
		region.SetMemReadonly()
	}

	_ = kvmhost.SetUserMemoryRegion(e.vmFd, region)
	e.slot++
}

// SetUnclaimedHandler installs the subscriber (devblk) consulted when no
// higher-priority handler claims an EPTViolation.
func (e *Engine) SetUnclaimedHandler(h func(gpa uint64, write bool) bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.unclaimed = h
}

// HandleMMIOExit is the KVM_EXIT_MMIO fallback path: decode the access,
// raise EVENT_EPT_VIOLATION on bus, and report whether some subscriber
// claimed it. An unclaimed access is fatal at the call site
// (vmcheck.Deadloop).
func (e *Engine) HandleMMIOExit(bus *event.Bus, access kvmhost.MMIOAccess) bool {
	payload := &event.EPTViolationPayload{
		GPA:   access.PhysAddr,
		Write: access.IsWrite != 0,
		Len:   int(access.Len),
	}

	bus.Publish(event.EPTViolation, payload)
	if payload.Handled {
		return true
	}

	e.mu.Lock()
	unclaimed := e.unclaimed
	e.mu.Unlock()

	if unclaimed != nil {
		return unclaimed(access.PhysAddr, access.IsWrite != 0)
	}

	return false
}
