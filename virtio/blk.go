package virtio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/monhv/monhv/pci"
)

const (
	BlkIOPortStart = 0x6300
	BlkIOPortSize  = 0x100

	blkTypeOut = 1
	sectorSize = 512

	blkISRPeriod = 10 * time.Millisecond
)

// BlkReq mirrors struct virtio_blk_outhdr: the 16-byte request header a
// driver places in the first descriptor of every chain.
//
// refs: https://wiki.osdev.org/Virtio#Block_Device_Packets
type BlkReq struct {
	Type   uint32
	_      uint32
	Sector uint64
}

type Blk struct {
	Hdr blkHdr

	VirtQueue    [1]*VirtQueue
	Mem          []byte
	LastAvailIdx [1]uint16

	file *os.File

	kick chan struct{}
	done chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once

	irq         uint8
	IRQInjector IRQInjector
}

type blkHdr struct {
	commonHeader commonHeader
	blkHeader    blkHeader
}

func (h blkHdr) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}

type blkHeader struct {
	capacity uint64
}

func (v *Blk) GetDeviceHeader() pci.DeviceHeader {
	return pci.DeviceHeader{
		DeviceID:    0x1001,
		VendorID:    0x1AF4,
		HeaderType:  0,
		SubsystemID: 2, // Block Device
		Command:     1, // Enable IO port
		BAR: [6]uint32{
			BlkIOPortStart | 0x1,
		},
		InterruptPin:  1,
		InterruptLine: v.irq,
	}
}

// IOInHandler serves CONFIG_DATA reads against the virtio-blk common and
// device-specific headers. Reading the ISR register (offset 19) also
// clears it, per the virtio spec's edge-triggered interrupt status.
func (v *Blk) IOInHandler(port uint64, data []byte) error {
	offset := int(port - BlkIOPortStart)

	if offset == 19 {
		data[0] = v.Hdr.commonHeader.isr
		v.Hdr.commonHeader.isr = 0

		return nil
	}

	b, err := v.Hdr.Bytes()
	if err != nil {
		return err
	}

	l := len(data)
	copy(data[:l], b[offset:offset+l])

	return nil
}

func (v *Blk) IOOutHandler(port uint64, data []byte) error {
	offset := int(port - BlkIOPortStart)

	switch offset {
	case 8:
		// Queue PFN is aligned to page (4096 bytes).
		physAddr := uint32(pci.BytesToNum(data) * 4096)
		v.VirtQueue[v.Hdr.commonHeader.queueSEL] = (*VirtQueue)(unsafe.Pointer(&v.Mem[physAddr]))
	case 14:
		v.Hdr.commonHeader.queueSEL = uint16(pci.BytesToNum(data))
	case 16:
		v.Hdr.commonHeader.isr = 0x0

		if !v.closed.Load() {
			select {
			case v.kick <- struct{}{}:
			default:
			}
		}
	case 19:
	default:
	}

	return nil
}

func (v *Blk) GetIORange() (start, end uint64) {
	return BlkIOPortStart, BlkIOPortStart + BlkIOPortSize
}

// Read and Write expose the same CONFIG_DATA access as a plain
// port-range device, matching how the I/O-port monitor dispatches to
// devices that don't need the BAR-probe/config-header distinction.
func (v *Blk) Read(port uint64, data []byte) error { return v.IOInHandler(port, data) }

func (v *Blk) Write(port uint64, data []byte) error { return v.IOOutHandler(port, data) }

func (v *Blk) Size() uint64 {
	start, end := v.GetIORange()

	return end - start
}

// IOThreadEntry drains kicks on its own goroutine so a vCPU thread
// writing the queue-notify register never blocks on disk I/O. It also
// re-injects the IRQ on a short tick as long as ISR remains set, since
// a lost MSI/line interrupt would otherwise stall the guest's block
// driver forever.
func (v *Blk) IOThreadEntry() {
	ticker := time.NewTicker(blkISRPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-v.done:
			return
		case <-v.kick:
			for v.IO() == nil {
			}
		case <-ticker.C:
			if v.Hdr.commonHeader.isr != 0 {
				_ = v.IRQInjector.InjectVirtioBlkIRQ()
			}
		}
	}
}

// IO services one descriptor chain: request header, data buffer, status
// byte, following the standard virtio-blk three-descriptor layout.
func (v *Blk) IO() error {
	vq := v.VirtQueue[0]
	if vq == nil {
		return errors.New("virtio: blk virtqueue not initialized")
	}

	if v.LastAvailIdx[0] == vq.AvailRing.Idx {
		return errors.New("virtio: blk no request pending")
	}

	headID := vq.AvailRing.Ring[v.LastAvailIdx[0]%QueueSize]
	reqDesc := vq.DescTable[headID]
	req := (*BlkReq)(unsafe.Pointer(&v.Mem[reqDesc.Addr]))

	dataDesc := vq.DescTable[reqDesc.Next]
	statusDesc := vq.DescTable[dataDesc.Next]

	off := int64(req.Sector) * sectorSize
	buf := v.Mem[dataDesc.Addr : dataDesc.Addr+uint64(dataDesc.Len)]

	var ioErr error
	if req.Type == blkTypeOut {
		_, ioErr = v.file.WriteAt(buf, off)
	} else {
		_, ioErr = v.file.ReadAt(buf, off)
	}

	status := byte(0)
	if ioErr != nil {
		status = 1
	}

	v.Mem[statusDesc.Addr] = status

	vq.UsedRing.Ring[vq.UsedRing.Idx%QueueSize].Idx = uint32(headID)
	vq.UsedRing.Ring[vq.UsedRing.Idx%QueueSize].Len = dataDesc.Len + statusDesc.Len
	vq.UsedRing.Idx++
	v.LastAvailIdx[0]++

	v.Hdr.commonHeader.isr = 0x1
	_ = v.IRQInjector.InjectVirtioBlkIRQ()

	return nil
}

// Close stops IOThreadEntry and closes the backing image. A second
// Close surfaces the OS's already-closed error, matching the teacher's
// convention of not hiding a double-close as success.
func (v *Blk) Close() error {
	v.closeOnce.Do(func() {
		v.closed.Store(true)
		close(v.done)
	})

	return v.file.Close()
}

func NewBlk(path string, irq uint8, irqInjector IRQInjector, mem []byte) (*Blk, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	res := &Blk{
		Hdr: blkHdr{
			commonHeader: commonHeader{
				queueNUM: QueueSize,
				isr:      0x0,
			},
			blkHeader: blkHeader{
				capacity: 0x100,
			},
		},
		file:         f,
		irq:          irq,
		IRQInjector:  irqInjector,
		kick:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		Mem:          mem,
		VirtQueue:    [1]*VirtQueue{},
		LastAvailIdx: [1]uint16{0},
	}

	return res, nil
}
