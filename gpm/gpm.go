// Package gpm implements the per-guest guest-physical map: GPA->HPA
// mapping plus cache-type attribute, with every mutation announced on
// the guest's event bus before it takes effect.
package gpm

import (
	"sync"

	"github.com/monhv/monhv/event"
	"github.com/monhv/monhv/mam"
)

// Attr bits. Cache type occupies [5:3], defaulting to write-back (110)
// when a mapping is installed without an explicit type.
type Attr uint64

const (
	AttrRead  Attr = 1 << 0
	AttrWrite Attr = 1 << 1
	AttrExec  Attr = 1 << 2

	cacheShift = 3
	cacheMask  = 0x7 << cacheShift

	CacheUC Attr = 0 << cacheShift
	CacheWB Attr = 6 << cacheShift
)

type gpmOps struct{}

func (gpmOps) MaxLeafLevel() mam.Level { return mam.LevelPT }

// tableEntry tags a non-leaf entry. A leaf keeps its target below bit 52
// and its attributes in bits [11:0], so it never carries bit 61.
const tableEntry = 1 << 61

func (gpmOps) IsLeaf(e mam.Entry, _ mam.Level) bool { return uint64(e)&tableEntry == 0 }

func (gpmOps) IsPresent(e mam.Entry) bool { return uint64(e)&uint64(AttrRead|AttrWrite|AttrExec) != 0 }

func (gpmOps) ToTable(e mam.Entry) uint64 { return (uint64(e) &^ tableEntry &^ 0xfff) >> 12 }

func (gpmOps) ToLeaf(target uint64, attr mam.Attr) mam.Entry {
	return mam.Entry((target &^ 0xfff) | uint64(attr)&0xfff)
}

func (gpmOps) ToTableEntry(child uint64) mam.Entry {
	return mam.Entry(child<<12 | tableEntry | uint64(AttrRead|AttrWrite|AttrExec))
}

func (gpmOps) LeafAttr(e mam.Entry) mam.Attr { return mam.Attr(uint64(e) & 0xfff) }

func (gpmOps) LeafTarget(e mam.Entry) uint64 { return uint64(e) &^ 0xfff }

// Map is one guest's GPA->HPA map.
type Map struct {
	mu   sync.RWMutex
	tree *mam.MAM
	bus  *event.Bus
}

// New returns an empty guest-physical map publishing mutation events on
// bus.
func New(bus *event.Bus) *Map {
	return &Map{
		tree: mam.Create(gpmOps{}, 0),
		bus:  bus,
	}
}

// SetMapping installs [gpa, gpa+size) -> [hpa, hpa+size) with attr. If
// attr carries no explicit cache-type bits, write-back is assumed.
// EVENT_GPM_SET is published before the underlying mam mutation, so that
// EPT/VT-d subscribers observe the event strictly ordered ahead of any
// reader that might otherwise race the mapping's installation -- the
// event synchronously runs to completion before SetMapping returns.
func (m *Map) SetMapping(gpa, hpa, size uint64, attr Attr) {
	if attr&cacheMask == 0 && attr != 0 {
		attr |= CacheWB
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.bus.Publish(event.GPMSet, event.GPMSetPayload{GPA: gpa, HPA: hpa, Size: size, Attr: uint64(attr)})

	if attr == 0 {
		m.tree.UpdateAttr(gpa, size, ^mam.Attr(0), 0)

		return
	}

	m.tree.InsertRange(gpa, hpa, size, mam.Attr(attr))
}

// RemoveMapping is SetMapping with attr=0.
func (m *Map) RemoveMapping(gpa, size uint64) {
	m.SetMapping(gpa, 0, size, 0)
}

// GetMapping reports the current HPA/attr/presence for a GPA.
func (m *Map) GetMapping(gpa uint64) (hpa uint64, attr Attr, present bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hpa, a, present := m.tree.GetMapping(gpa)

	return hpa, Attr(a), present
}
