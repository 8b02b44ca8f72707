// Package iomonitor implements the I/O-port monitor: a per-guest bitmap
// plus a registered-handler table, generalizing the teacher's
// ioportHandlers array (indexed by port and direction) into an
// interception bitmap a caller can toggle port-by-port, with
// string/REP instructions walked through pagewalker rather than relying
// on KVM's pre-populated data buffer.
package iomonitor

import (
	"fmt"

	"github.com/monhv/monhv/gcpu"
	"github.com/monhv/monhv/gpm"
	"github.com/monhv/monhv/kvmhost"
	"github.com/monhv/monhv/pagewalker"
)

// Direction mirrors the KVM_EXIT_IO direction byte.
type Direction uint8

const (
	DirIn  Direction = 0
	DirOut Direction = 1
)

// ReadHandler services an IN: fill data with size bytes for port.
type ReadHandler func(port uint16, data []byte) error

// WriteHandler services an OUT: data holds size bytes written to port.
type WriteHandler func(port uint16, data []byte) error

type portEntry struct {
	read  ReadHandler
	write WriteHandler
}

// maxChunk bounds one REP-string iteration's transfer, per §4.K.
const maxChunk = 512

// Monitor is one guest's I/O-port interception state: a two-page,
// bit-per-port bitmap (VT-x's I/O-bitmap-A/B layout, ports 0-0x7fff and
// 0x8000-0xffff) plus the handler registered for each intercepted port.
type Monitor struct {
	bitmapA, bitmapB [4096]byte
	handlers         map[uint16]*portEntry

	// PassThrough is consulted for any port with no set bit -- the
	// teacher-style default ioportHandlers table forwarding.
	PassThrough func(port uint16, dir Direction, data []byte) error
}

// New returns an empty monitor; every port starts pass-through.
func New() *Monitor {
	return &Monitor{handlers: make(map[uint16]*portEntry)}
}

func (m *Monitor) setBit(port uint16) {
	if port < 0x8000 {
		m.bitmapA[port/8] |= 1 << (port % 8)
	} else {
		p := port - 0x8000
		m.bitmapB[p/8] |= 1 << (p % 8)
	}
}

func (m *Monitor) clearBit(port uint16) {
	if port < 0x8000 {
		m.bitmapA[port/8] &^= 1 << (port % 8)
	} else {
		p := port - 0x8000
		m.bitmapB[p/8] &^= 1 << (p % 8)
	}
}

func (m *Monitor) bitSet(port uint16) bool {
	if port < 0x8000 {
		return m.bitmapA[port/8]&(1<<(port%8)) != 0
	}

	p := port - 0x8000

	return m.bitmapB[p/8]&(1<<(p%8)) != 0
}

// Register enables interception of port with the given handlers. A nil
// handler for a direction makes a non-string access in that direction
// an error, matching a guest probing a write-only or read-only port;
// string accesses in that direction fall back to PassThrough.
func (m *Monitor) Register(port uint16, read ReadHandler, write WriteHandler) {
	m.setBit(port)
	m.handlers[port] = &portEntry{read: read, write: write}
}

// Unregister reverts a port to pass-through.
func (m *Monitor) Unregister(port uint16) {
	m.clearBit(port)
	delete(m.handlers, port)
}

// Registered reports whether port currently has an interception bit set.
func (m *Monitor) Registered(port uint16) bool { return m.bitSet(port) }

// FaultClass names which architectural pre-check tripped, so the caller
// can inject the matching exception with InjectEvent/ReflectException.
type FaultClass int

const (
	FaultNone FaultClass = iota
	FaultGP
	FaultSS
	FaultAC
	FaultPF
)

// Fault carries enough context for the caller to synthesize an
// inject.Event: the vector class and, for #PF, the faulting GVA.
type Fault struct {
	Class FaultClass
	GVA   uint64
}

// GuestMode names the four architectural modes string-I/O pre-checks
// branch on, per §4.K step 2.
type GuestMode int

const (
	ModeReal GuestMode = iota
	ModeV8086
	ModeProtected
	ModeIA32e
)

// ModeOf derives the guest mode the pre-check table branches on from
// gcpu state, mirroring pagewalker's own CR0/EFER/RFLAGS.VM decode.
func ModeOf(cpu *gcpu.CPU) GuestMode {
	if cpu.IA32eModeGuest() {
		return ModeIA32e
	}

	if cpu.CR0()&(1<<0) == 0 {
		return ModeReal
	}

	if cpu.RFlagsVM() {
		return ModeV8086
	}

	return ModeProtected
}

// StringPreCheck implements §4.K step 2's architectural fault checks for
// string I/O, one per guest mode. segLimitOK/segUsable/segWritable/
// canonical/aligned are supplied by the caller from the segment the
// string instruction actually addresses (DS:RSI for OUTS, ES:RDI for
// INS, which is always flat and writable per the architecture so INS's
// non-writable check only applies to an explicit segment override).
func StringPreCheck(mode GuestMode, gva uint64, aligned, segLimitOK, segUsable, segWritableForINS, canonical bool) Fault {
	switch mode {
	case ModeReal:
		if !segLimitOK {
			return Fault{Class: FaultGP}
		}

	case ModeV8086:
		if !aligned {
			return Fault{Class: FaultAC}
		}

	case ModeProtected:
		if !segUsable {
			return Fault{Class: FaultGP}
		}

		if !segLimitOK {
			return Fault{Class: FaultSS}
		}

		if !segWritableForINS {
			return Fault{Class: FaultGP}
		}

		if !aligned {
			return Fault{Class: FaultAC}
		}

	case ModeIA32e:
		if !canonical {
			return Fault{Class: FaultGP, GVA: gva}
		}

		if !aligned {
			return Fault{Class: FaultAC}
		}
	}

	return Fault{Class: FaultNone}
}

// Decode is the per-exit I/O decode: direction/size/port/count plus,
// for a string instruction, the GVA the REP loop walks from and its
// per-iteration stride.
type Decode struct {
	Direction Direction
	Size      int // 1, 2, or 4
	Port      uint16
	Count     uint64
	String    bool
	GVA       uint64 // RSI for OUTS, RDI for INS
	Offset    uint64 // byte offset of the non-string in/out buffer
}

// DecodeIO reads the KVM_EXIT_IO union and the GP state needed to decide
// whether this is a string access: KVM's io union carries no explicit
// string bit, so a count greater than one is read as a REP string,
// matching hardware's exit-qualification STRING bit always co-occurring
// with a multi-iteration repeat count.
func DecodeIO(run *kvmhost.RunData, cpu *gcpu.CPU) Decode {
	dir, size, port, count, offset := run.IO()

	d := Decode{Direction: Direction(dir), Size: int(size), Port: uint16(port), Count: count, Offset: offset}

	if count > 1 {
		d.String = true

		if dir == uint64(DirOut) {
			d.GVA = cpu.ReadGP(6) // RSI
		} else {
			d.GVA = cpu.ReadGP(7) // RDI
		}
	}

	return d
}

// HandleIO services one I/O VMExit per §4.K's five steps. fault is
// non-nil (FaultClass != FaultNone) when a string pre-check tripped and
// no transfer was performed; the caller injects the matching exception
// and must not call SkipInstruction in that case. mem is the guest's
// flat physical memory, indexed by GPA.
func (m *Monitor) HandleIO(run *kvmhost.RunData, cpu *gcpu.CPU, gpmMap *gpm.Map, mem []byte, instrLen uint64, precheck func(d Decode) Fault) (*Fault, error) {
	d := DecodeIO(run, cpu)

	if d.String {
		if precheck != nil {
			if f := precheck(d); f.Class != FaultNone {
				return &f, nil
			}
		}

		fault, err := m.handleString(d, cpu, gpmMap, mem)
		if err != nil {
			return nil, err
		}

		if fault != nil {
			return fault, nil
		}
	} else if err := m.handleNonString(run, d); err != nil {
		return nil, err
	}

	cpu.SkipInstruction(instrLen)

	return nil, nil
}

// handleNonString services a single in/out against buf, the live
// KVM_EXIT_IO data buffer: an OUT handler reads the bytes the guest
// already wrote there, an IN handler's writes are what KVM copies back
// into the guest's register on resume, so neither direction needs its
// own copy step.
func (m *Monitor) handleNonString(run *kvmhost.RunData, d Decode) error {
	buf := run.IOBuf(d.Offset, d.Size)

	entry, registered := m.handlers[d.Port]
	if !m.bitSet(d.Port) || !registered {
		if m.PassThrough == nil {
			return nil
		}

		return m.PassThrough(d.Port, d.Direction, buf)
	}

	switch d.Direction {
	case DirIn:
		if entry.read == nil {
			return fmt.Errorf("iomonitor: port %#x has no read handler", d.Port)
		}

		return entry.read(d.Port, buf)
	default:
		if entry.write == nil {
			return fmt.Errorf("iomonitor: port %#x has no write handler", d.Port)
		}

		return entry.write(d.Port, buf)
	}
}

// handleString services steps 3-4 of §4.K for a REP string access: it
// walks the guest's address space in chunks no larger than maxChunk,
// honoring RFLAGS.DF for direction, copying each chunk between the
// per-port handler and guest memory via pagewalker.
func (m *Monitor) handleString(d Decode, cpu *gcpu.CPU, gpmMap *gpm.Map, mem []byte) (*Fault, error) {
	stride := int64(d.Size)
	if cpu.RFlagsDF() {
		stride = -stride
	}

	remaining := d.Count
	gva := d.GVA

	for remaining > 0 {
		chunkCount := remaining
		if chunkCount*uint64(d.Size) > maxChunk {
			chunkCount = maxChunk / uint64(d.Size)
		}

		for i := uint64(0); i < chunkCount; i++ {
			buf := make([]byte, d.Size)

			switch d.Direction {
			case DirOut:
				_, faultGVA, pf := pagewalker.CopyFromGVA(cpu, gpmMap, mem, gva, buf)
				if pf != nil {
					return &Fault{Class: FaultPF, GVA: faultGVA}, nil
				}

				if err := m.writeOneString(d.Port, buf); err != nil {
					return nil, err
				}

			default:
				if err := m.readOneString(d.Port, buf); err != nil {
					return nil, err
				}

				if _, faultGVA, pf := pagewalker.CopyToGVA(cpu, gpmMap, mem, gva, buf); pf != nil {
					return &Fault{Class: FaultPF, GVA: faultGVA}, nil
				}
			}

			gva = uint64(int64(gva) + stride)
			remaining--
		}
	}

	return nil, nil
}

func (m *Monitor) writeOneString(port uint16, buf []byte) error {
	entry, registered := m.handlers[port]
	if !m.bitSet(port) || !registered || entry.write == nil {
		if m.PassThrough != nil {
			return m.PassThrough(port, DirOut, buf)
		}

		return nil
	}

	return entry.write(port, buf)
}

func (m *Monitor) readOneString(port uint16, buf []byte) error {
	entry, registered := m.handlers[port]
	if !m.bitSet(port) || !registered || entry.read == nil {
		if m.PassThrough != nil {
			return m.PassThrough(port, DirIn, buf)
		}

		return nil
	}

	return entry.read(port, buf)
}
