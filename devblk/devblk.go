// Package devblk implements the device-block monitor: a dummy
// 0xFF-filled page that silently absorbs writes to a blocked GPA range,
// and the PCI-device variant that additionally hides a BDF's ECAM
// window and swallows its BARs. It is grounded in ept.Engine's
// EPTViolation subscriber hook and gpm's read-only-attr convention
// rather than any single teacher file, since the teacher has no
// equivalent device-hiding concept.
package devblk

import (
	"unsafe"

	"github.com/monhv/monhv/event"
	"github.com/monhv/monhv/gpm"
	"github.com/monhv/monhv/iomonitor"
	"github.com/monhv/monhv/pci"
)

const pageSize = 4096

// Blocker owns the dummy page and the set of GPA ranges currently
// remapped onto it.
type Blocker struct {
	dummy  []byte
	hpa    uint64
	ranges []gpaRange
}

type gpaRange struct {
	start, size uint64
}

// New allocates the dummy 0xFF page and subscribes to bus's
// EPT-violation stream so writes landing on it are swallowed.
func New(bus *event.Bus) *Blocker {
	dummy := make([]byte, pageSize)
	for i := range dummy {
		dummy[i] = 0xFF
	}

	b := &Blocker{
		dummy: dummy,
		hpa:   uint64(uintptr(unsafe.Pointer(&dummy[0]))),
	}

	bus.Subscribe(event.EPTViolation, b.onViolation)

	return b
}

func (b *Blocker) owns(gpa uint64) bool {
	for _, r := range b.ranges {
		if gpa >= r.start && gpa < r.start+r.size {
			return true
		}
	}

	return false
}

// onViolation swallows any write landing inside a blocked range; reads
// never reach here because BlockMMIO installs the dummy page as a
// readable, read-only memory slot, so they're served by hardware.
func (b *Blocker) onViolation(payload any) bool {
	p := payload.(*event.EPTViolationPayload)

	if !p.Write || !b.owns(p.GPA) {
		return false
	}

	p.Handled = true

	return true
}

// BlockMMIO remaps every 4 KiB GPA in [start, start+size) onto the dummy
// page with EPT r=1 (no write), so reads return 0xFF transparently and
// writes trip the EPT-violation subscriber above.
func (b *Blocker) BlockMMIO(gpmMap *gpm.Map, start, size uint64) {
	b.ranges = append(b.ranges, gpaRange{start: start, size: size})

	for gpa := start; gpa < start+size; gpa += pageSize {
		gpmMap.SetMapping(gpa, b.hpa, pageSize, gpm.AttrRead)
	}
}

// BlockPCIDevice hides bdf's ECAM window behind the dummy page and, for
// each decoded BAR, either blocks the MMIO extent or installs an
// iomonitor handler that returns all-ones on read and swallows writes.
func (b *Blocker) BlockPCIDevice(gpmMap *gpm.Map, io *iomonitor.Monitor, mmconfigBase uint64, bdf pci.BDF, bars []pci.BARRecord) {
	b.BlockMMIO(gpmMap, bdf.ECAMAddress(mmconfigBase), pageSize)

	for _, bar := range bars {
		if bar.IsIO {
			b.blockIOBAR(io, bar)

			continue
		}

		b.BlockMMIO(gpmMap, bar.Base, alignUp(bar.Size, pageSize))
	}
}

func (b *Blocker) blockIOBAR(io *iomonitor.Monitor, bar pci.BARRecord) {
	for port := bar.Base; port < bar.Base+bar.Size; port++ {
		io.Register(uint16(port), ioBARRead, ioBARWrite)
	}
}

// ioBARRead is the iomonitor.ReadHandler installed for a blocked IO-BAR
// port: every read returns all-ones.
func ioBARRead(_ uint16, data []byte) error {
	for i := range data {
		data[i] = 0xFF
	}

	return nil
}

// ioBARWrite is the iomonitor.WriteHandler installed for a blocked
// IO-BAR port: every write is swallowed.
func ioBARWrite(uint16, []byte) error { return nil }

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
