// Package pci implements the two ways a guest addresses PCI
// configuration space in this design: the legacy CONFIG_ADDRESS/
// CONFIG_DATA port pair (0xCF8/0xCFC, Configuration Access Mechanism
// #1) for devices the guest probes the old way, and the BDF/ECAM
// addressing devblk's device-hiding needs for modern MMCONFIG access.
//
// refs:
// https://wiki.osdev.org/PCI
// http://www2.comp.ufscar.br/~helio/boot-int/pci.html
package pci

import "encoding/binary"

// address is one CONFIG_ADDRESS register value: enable bit, bus,
// device, function, and register offset all packed into 32 bits.
type address uint32

func (a address) getRegisterOffset() uint32 {
	return uint32(a) & 0xff
}

func (a address) getFunctionNumber() uint32 {
	return (uint32(a) >> 8) & 0x7
}

func (a address) getDeviceNumber() uint32 {
	return (uint32(a) >> 11) & 0x1f
}

func (a address) getBusNumber() uint32 {
	return (uint32(a) >> 16) & 0xff
}

func (a address) isEnable() bool {
	return ((uint32(a) >> 31) | 0x1) == 0x1
}

func (a address) bdf() BDF {
	return BDF{Bus: uint8(a.getBusNumber()), Device: uint8(a.getDeviceNumber()), Function: uint8(a.getFunctionNumber())}
}

// Device is anything addressable through the legacy configuration
// mechanism: a PCI-to-PCI bridge, a virtio transitional device's PCI
// header, or any other function this config space exposes to the guest.
type Device interface {
	GetDeviceHeader() DeviceHeader
	IOInHandler(port uint64, data []byte) error
	IOOutHandler(port uint64, data []byte) error
	GetIORange() (start, end uint64)
}

// DeviceHeader mirrors the fields of a PCI type-0/type-1 configuration
// header this monitor needs to serve reads against.
type DeviceHeader struct {
	VendorID      uint16
	DeviceID      uint16
	Command       uint16
	Status        uint16
	HeaderType    uint8
	SubsystemID   uint16
	InterruptLine uint8
	InterruptPin  uint8
	BAR           [6]uint32
}

// Bytes serializes the header into its 64-byte configuration-space
// encoding.
func (dh DeviceHeader) Bytes() ([]byte, error) {
	buf := make([]byte, 64)

	binary.LittleEndian.PutUint16(buf[0x00:], dh.VendorID)
	binary.LittleEndian.PutUint16(buf[0x02:], dh.DeviceID)
	binary.LittleEndian.PutUint16(buf[0x04:], dh.Command)
	binary.LittleEndian.PutUint16(buf[0x06:], dh.Status)
	buf[0x0e] = dh.HeaderType

	for i, bar := range dh.BAR {
		binary.LittleEndian.PutUint32(buf[0x10+4*i:], bar)
	}

	binary.LittleEndian.PutUint16(buf[0x2e:], dh.SubsystemID)
	buf[0x3c] = dh.InterruptLine
	buf[0x3d] = dh.InterruptPin

	return buf, nil
}

// barOffsets are the six double-word offsets BAR-size probing can land
// on.
var barOffsets = map[uint32]bool{0x10: true, 0x14: true, 0x18: true, 0x1c: true, 0x20: true, 0x24: true}

const allOnes = 0xffffffff

// PCI is the CONFIG_ADDRESS/CONFIG_DATA state machine: one address
// register plus every device registered against it, keyed by BDF.
// New(devices...) attaches each device as successive functions of
// bus 0, device 0, mirroring a single multi-function PCI device.
type PCI struct {
	addr     address
	devices  map[BDF]Device
	barProbe map[address]uint32
}

// New builds a config space with devices attached at bus 0, device 0,
// functions 0..len(devices)-1.
func New(devices ...Device) *PCI {
	p := &PCI{addr: 0xaabbccdd, devices: map[BDF]Device{}, barProbe: map[address]uint32{}}

	for i, d := range devices {
		p.devices[BDF{Function: uint8(i)}] = d
	}

	return p
}

// PciConfDataIn reads CONFIG_DATA: a pending BAR-size probe takes
// priority, otherwise the selected device's header bytes at the current
// register offset are returned.
func (p *PCI) PciConfDataIn(port uint64, values []byte) error {
	if probe, ok := p.barProbe[p.addr]; ok && len(values) == 4 {
		binary.LittleEndian.PutUint32(values, probe)

		return nil
	}

	dev, ok := p.devices[p.addr.bdf()]
	if !ok {
		return nil
	}

	hdr, err := dev.GetDeviceHeader().Bytes()
	if err != nil {
		return err
	}

	off := p.addr.getRegisterOffset()
	if int(off) >= len(hdr) {
		return nil
	}

	copy(values, hdr[off:])

	return nil
}

// PciConfDataOut writes CONFIG_DATA. The only write this config space
// acts on is the BAR-sizing idiom: software writes all-ones to a BAR
// register and reads back the size mask on the next PciConfDataIn.
func (p *PCI) PciConfDataOut(port uint64, values []byte) error {
	off := p.addr.getRegisterOffset()
	if !barOffsets[off] {
		return nil
	}

	if BytesToNum(values) != allOnes {
		return nil
	}

	dev, ok := p.devices[p.addr.bdf()]
	if !ok {
		return nil
	}

	start, end := dev.GetIORange()
	p.barProbe[p.addr] = SizeToBits(end - start)

	return nil
}

// PciConfAddrIn reads back the currently selected CONFIG_ADDRESS value.
func (p *PCI) PciConfAddrIn(port uint64, values []byte) error {
	if len(values) != 4 {
		return nil
	}

	binary.LittleEndian.PutUint32(values, uint32(p.addr))

	return nil
}

// PciConfAddrOut selects a new CONFIG_ADDRESS value.
func (p *PCI) PciConfAddrOut(port uint64, values []byte) error {
	if len(values) != 4 {
		return nil
	}

	p.addr = address(binary.LittleEndian.Uint32(values))

	return nil
}

// SizeToBits turns a BAR range size into the all-ones-minus-size mask
// the BAR-sizing probe protocol expects back.
func SizeToBits(size uint64) uint32 {
	if size == 0 {
		return 0
	}

	return ^uint32(size - 1)
}

// BytesToNum decodes a little-endian 1/2/4/8-byte buffer; any other
// length decodes as 0.
func BytesToNum(b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	case 8:
		return binary.LittleEndian.Uint64(b)
	default:
		return 0
	}
}

// NumToBytes encodes num as little-endian bytes sized to its concrete
// integer type; an unsupported type encodes as an empty slice.
func NumToBytes(num any) []byte {
	switch v := num.(type) {
	case uint8:
		return []byte{v}
	case uint16:
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, v)

		return b
	case uint32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, v)

		return b
	case uint64:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, v)

		return b
	default:
		return []byte{}
	}
}
