// Package mam implements a generic 4-level radix-tree page-table builder.
// One implementation backs three distinct address spaces -- the host's
// identity map (hmm), a guest's EPT tables (ept), and a VT-d domain's
// second-level tables (vtd) -- each supplying its own EntryOps rather than
// forking the tree walker three times.
package mam

import (
	"fmt"
	"sync"
)

const (
	entriesPerTable = 512
	levelBits       = 9
	pageShift       = 12

	// MaxVA is the exclusive upper bound on a source address/size:
	// 2^48, the 4-level tree's addressable span.
	MaxVA = 1 << 48
	// MaxPA is the exclusive upper bound on a target physical address.
	MaxPA = 1 << 52

	pageSize = 1 << pageShift
)

// Level identifies a radix level, 0 being PML4 and 3 being PT.
type Level int

const (
	LevelPML4 Level = 0
	LevelPDPT Level = 1
	LevelPD   Level = 2
	LevelPT   Level = 3
)

// span returns the number of bytes one entry at this level covers.
func (l Level) span() uint64 {
	return uint64(1) << (pageShift + (3-int(l))*levelBits)
}

func (l Level) shift() uint {
	return uint(pageShift + (3-int(l))*levelBits)
}

// Attr is an opaque, entry-ops-defined attribute word (permission bits,
// memory type, and any other per-leaf metadata). A zero Attr is defined
// by convention as "not present" for EntryOps implementations that want
// GetMapping to report present=false for it, but mam itself never
// inspects an Attr's bits.
type Attr uint64

// Entry is one opaque 8-byte radix-tree entry, format owned entirely by
// EntryOps.
type Entry uint64

// EntryOps parametrizes the tree over what a leaf/table entry actually
// encodes: CR3-shaped, EPT-shaped, or VT-d-shaped.
type EntryOps interface {
	// MaxLeafLevel is the shallowest level hardware permits as a leaf --
	// LevelPT always qualifies; reporting LevelPD or LevelPDPT additionally
	// permits 2 MiB or 1 GiB pages respectively.
	MaxLeafLevel() Level
	IsLeaf(e Entry, l Level) bool
	IsPresent(e Entry) bool
	ToTable(e Entry) uint64 // table entry -> child table HPA
	// ToLeaf builds a leaf entry pointing at target with the given attr.
	ToLeaf(target uint64, attr Attr) Entry
	// ToTableEntry builds a table (non-leaf) entry pointing at child.
	ToTableEntry(child uint64) Entry
	LeafAttr(e Entry) Attr
	LeafTarget(e Entry) uint64
}

// table is one 512-entry radix-tree node. Allocation is simulated: since
// this MON runs its guest memory under KVM rather than owning raw host
// physical frames, a table's "HPA" is a synthetic, densely-allocated
// handle (its slice index) good enough to satisfy RootHPA/ToTable-shaped
// callers that just need a stable, comparable identity per table.
type table struct {
	entries [entriesPerTable]Entry
	hpa     uint64
}

// MAM is one radix-tree address space.
type MAM struct {
	mu          sync.RWMutex
	ops         EntryOps
	tables      map[uint64]*table
	nextHPA     uint64
	root        uint64
	defaultAttr Attr
}

// Create allocates an empty tree whose root table is entirely
// non-present, except that every entry is initialized with defaultAttr
// (letting EntryOps distinguish "never mapped" from "mapped not
// present" if it wants to).
func Create(ops EntryOps, defaultAttr Attr) *MAM {
	m := &MAM{
		ops:         ops,
		tables:      make(map[uint64]*table),
		defaultAttr: defaultAttr,
	}
	m.root = m.allocTable(defaultAttr)

	return m
}

func (m *MAM) allocTable(fill Attr) uint64 {
	hpa := m.nextHPA
	m.nextHPA++

	t := &table{hpa: hpa}
	leaf := m.ops.ToLeaf(0, fill)
	for i := range t.entries {
		t.entries[i] = leaf
	}

	m.tables[hpa] = t

	return hpa
}

// RootHPA returns the synthetic root-table handle, the EPTP/CR3-root
// equivalent for this tree.
func (m *MAM) RootHPA() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.root
}

func checkRange(src, size uint64) {
	if src%pageSize != 0 {
		panic(fmt.Sprintf("mam: misaligned source address %#x", src))
	}

	if size%pageSize != 0 || size == 0 {
		panic(fmt.Sprintf("mam: misaligned or zero size %#x", size))
	}

	if src >= MaxVA || size > MaxVA || src+size > MaxVA {
		panic(fmt.Sprintf("mam: range [%#x,%#x) exceeds address span", src, src+size))
	}
}

func indexAt(addr uint64, l Level) int {
	return int((addr >> l.shift()) & (entriesPerTable - 1))
}

// InsertRange maps [src, src+size) to [tgt, tgt+size) with the given
// attr, choosing the shallowest level hardware and alignment permit.
func (m *MAM) InsertRange(src, tgt, size uint64, attr Attr) {
	checkRange(src, size)

	if tgt >= MaxPA || tgt+size > MaxPA {
		panic(fmt.Sprintf("mam: target %#x exceeds physical span", tgt))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.insert(m.root, LevelPML4, src, tgt, size, attr)
}

func (m *MAM) insert(tableHPA uint64, l Level, src, tgt, size uint64, attr Attr) {
	t := m.tables[tableHPA]
	span := l.span()

	for size > 0 {
		idx := indexAt(src, l)
		alignedSrc := src%span == 0
		alignedTgt := tgt%span == 0
		remaining := size

		// how much of [src, src+size) falls within this entry's span
		entryEnd := (src &^ (span - 1)) + span
		chunk := entryEnd - src
		if chunk > remaining {
			chunk = remaining
		}

		fitsWhole := chunk == span

		if alignedSrc && alignedTgt && fitsWhole && canLeafHereAt(l, m.ops.MaxLeafLevel()) {
			t.entries[idx] = m.ops.ToLeaf(tgt, attr)
		} else {
			child := m.descend(t, idx, l)
			m.insert(child, l+1, src, tgt, chunk, attr)
			m.collapseIfUniform(tableHPA, l)
		}

		src += chunk
		tgt += chunk
		size -= chunk
	}
}

func canLeafHereAt(l, maxLeaf Level) bool {
	return l == LevelPT || l >= maxLeaf
}

// descend returns the child table HPA at idx (an entry of a table at
// level l), converting a leaf entry into a freshly populated table
// (propagating the leaf's attribute, fanned out across contiguous
// sub-targets, to all 512 children) if necessary.
func (m *MAM) descend(t *table, idx int, l Level) uint64 {
	e := t.entries[idx]
	childSpan := (l + 1).span()

	if m.ops.IsPresent(e) && m.ops.IsLeaf(e, l) {
		attr := m.ops.LeafAttr(e)
		base := m.ops.LeafTarget(e)

		child := m.allocTable(attr)
		ct := m.tables[child]

		for i := range ct.entries {
			ct.entries[i] = m.ops.ToLeaf(base+uint64(i)*childSpan, attr)
		}

		t.entries[idx] = m.ops.ToTableEntry(child)

		return child
	}

	if !m.ops.IsPresent(e) {
		child := m.allocTable(m.defaultAttr)
		t.entries[idx] = m.ops.ToTableEntry(child)

		return child
	}

	return m.ops.ToTable(e)
}

// UpdateAttr walks present leaves covering [src, src+size), rewriting
// their attribute in place where the whole leaf span is covered by the
// update, descending into a sub-table otherwise.
func (m *MAM) UpdateAttr(src, size uint64, mask, value Attr) {
	checkRange(src, size)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.updateAttr(m.root, LevelPML4, src, size, mask, value)
}

func (m *MAM) updateAttr(tableHPA uint64, l Level, src, size uint64, mask, value Attr) {
	t := m.tables[tableHPA]
	span := l.span()

	for size > 0 {
		idx := indexAt(src, l)
		entryEnd := (src &^ (span - 1)) + span
		chunk := entryEnd - src
		if chunk > size {
			chunk = size
		}

		e := t.entries[idx]
		if m.ops.IsPresent(e) && m.ops.IsLeaf(e, l) {
			if chunk == span {
				tgt := m.ops.LeafTarget(e)
				cur := m.ops.LeafAttr(e)
				newAttr := Attr(uint64(cur)&^uint64(mask) | uint64(value)&uint64(mask))
				t.entries[idx] = m.ops.ToLeaf(tgt, newAttr)
			} else {
				child := m.descend(t, idx, l)
				m.updateAttr(child, l+1, src, chunk, mask, value)
				m.collapseIfUniform(tableHPA, l)
			}
		} else if m.ops.IsPresent(e) {
			m.updateAttr(m.ops.ToTable(e), l+1, src, chunk, mask, value)
			m.collapseIfUniform(tableHPA, l)
		}

		src += chunk
		size -= chunk
	}
}

// GetMapping descends until it hits a leaf. A non-present leaf reports
// present=false but still returns its stored attribute unchanged --
// EPT's suppress-#VE encoding depends on that attribute surviving the
// miss. A present leaf above the PT level reports the target of the
// 4 KiB page within it that contains src.
func (m *MAM) GetMapping(src uint64) (tgt uint64, attr Attr, present bool) {
	if src >= MaxVA {
		panic(fmt.Sprintf("mam: address %#x exceeds address span", src))
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	tableHPA := m.root
	for l := LevelPML4; ; l++ {
		t := m.tables[tableHPA]
		idx := indexAt(src, l)
		e := t.entries[idx]

		if m.ops.IsLeaf(e, l) {
			tgt := m.ops.LeafTarget(e)
			if m.ops.IsPresent(e) {
				tgt += src & (l.span() - 1) &^ (pageSize - 1)
			}

			return tgt, m.ops.LeafAttr(e), m.ops.IsPresent(e)
		}

		if !m.ops.IsPresent(e) {
			return 0, m.ops.LeafAttr(e), false
		}

		tableHPA = m.ops.ToTable(e)
	}
}

// collapseIfUniform destroys tableHPA's child at idxInParent-level l's
// table if every one of its 512 entries is now a leaf with identical
// attributes and arithmetically contiguous targets, folding it back
// into a single leaf entry in the parent. Never applied at the root.
func (m *MAM) collapseIfUniform(parentHPA uint64, parentLevel Level) {
	parent := m.tables[parentHPA]

	for idx := range parent.entries {
		e := parent.entries[idx]
		if m.ops.IsLeaf(e, parentLevel) || !m.ops.IsPresent(e) {
			continue
		}

		if !canLeafHereAt(parentLevel, m.ops.MaxLeafLevel()) {
			continue
		}

		childHPA := m.ops.ToTable(e)
		if childHPA == m.root {
			continue
		}

		if uniform, target, attr := m.uniformLeaves(childHPA, parentLevel+1); uniform {
			delete(m.tables, childHPA)
			parent.entries[idx] = m.ops.ToLeaf(target, attr)
		}
	}
}

// uniformLeaves reports whether every entry of the table at hpa is a
// present leaf sharing one attribute value with arithmetically
// contiguous targets, and if so returns the base target and the shared
// attribute.
func (m *MAM) uniformLeaves(hpa uint64, l Level) (ok bool, base uint64, attr Attr) {
	t, found := m.tables[hpa]
	if !found {
		return false, 0, 0
	}

	span := l.span()

	first := t.entries[0]
	if !m.ops.IsPresent(first) || !m.ops.IsLeaf(first, l) {
		return false, 0, 0
	}

	base = m.ops.LeafTarget(first)
	attr = m.ops.LeafAttr(first)

	for i := 1; i < entriesPerTable; i++ {
		e := t.entries[i]
		if !m.ops.IsPresent(e) || !m.ops.IsLeaf(e, l) {
			return false, 0, 0
		}

		if m.ops.LeafAttr(e) != attr {
			return false, 0, 0
		}

		if m.ops.LeafTarget(e) != base+uint64(i)*span {
			return false, 0, 0
		}
	}

	return true, base, attr
}
