package guest

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/monhv/monhv/bootparam"
	"github.com/monhv/monhv/bootproto"
	"github.com/monhv/monhv/kvmhost"
)

// Linux x86 boot-time guest-physical layout, grounded in the teacher's
// machine/constants.go.
const (
	bootParamAddr = 0x10000
	cmdlineAddr   = 0x20000
	initrdAddr    = 0xf000000

	pageTableBase = 0x30_000
)

// CR0/CR4/EFER/PDE64 bits this package's long-mode setup needs. Named
// the way the teacher's machine/constants.go names them.
const (
	cr0PE = 1
	cr0MP = 1 << 1
	cr0ET = 1 << 4
	cr0NE = 1 << 5
	cr0WP = 1 << 16
	cr0AM = 1 << 18
	cr0PG = 1 << 31

	cr4PAE = 1 << 5

	eferLME = 1 << 8
	eferLMA = 1 << 10
)

// ErrZeroSizeKernel is returned when the kernel image read zero bytes,
// almost always a wrong path or truncated file rather than a real
// zero-length kernel.
var ErrZeroSizeKernel = errors.New("guest: kernel image read zero bytes")

// LoadLinux loads a bzImage and optional initrd into guest memory,
// builds the zero page (boot_params) at bootParamAddr, and primes every
// attached vCPU's registers to enter the kernel's 32-bit entry point.
// Ported from the teacher's Machine.LoadLinux, generalized to the
// multi-vCPU VM/VCPU split instead of Machine's flat vcpuFds slice.
func (v *VM) LoadLinux(kernelPath string, initrd io.ReaderAt, params string, vcpus []*VCPU) error {
	var initrdSize int

	if initrd != nil {
		var err error

		initrdSize, err = initrd.ReadAt(v.Mem[initrdAddr:], 0)
		if err != nil && initrdSize == 0 && !errors.Is(err, io.EOF) {
			return fmt.Errorf("guest: initrd: (%d, %w)", initrdSize, err)
		}
	}

	copy(v.Mem[cmdlineAddr:], params)
	v.Mem[cmdlineAddr+len(params)] = 0

	kernFile, err := os.Open(kernelPath)
	if err != nil {
		return fmt.Errorf("guest: open kernel: %w", err)
	}
	defer kernFile.Close()

	proto, err := bootproto.New(kernelPath)
	if err != nil {
		return fmt.Errorf("guest: parse bzImage setup header: %w", err)
	}

	bp, err := bootparam.New(kernFile)
	if err != nil {
		return fmt.Errorf("guest: build boot params: %w", err)
	}

	// refs https://github.com/kvmtool/kvmtool/blob/0e1882a49f81cb15d328ef83a78849c0ea26eecc/x86/bios.c#L66-L86
	bp.AddE820Entry(realModeIVTBegin, bootparam.EBDAStart-realModeIVTBegin, bootparam.E820Ram)
	bp.AddE820Entry(bootparam.EBDAStart, vgaRAMBegin-bootparam.EBDAStart, bootparam.E820Reserved)
	bp.AddE820Entry(mbBIOSBegin, mbBIOSEnd-mbBIOSBegin, bootparam.E820Reserved)
	bp.AddE820Entry(highMemBase, uint64(len(v.Mem)-highMemBase), bootparam.E820Ram)

	bp.SetVidMode(0xffff)
	bp.SetTypeOfLoader(0xff)
	bp.SetRamdisk(initrdAddr, uint32(initrdSize))
	bp.OrLoadFlags(bootparam.LoadFlagCanUseHeap | bootparam.LoadFlagLoadedHigh | bootparam.LoadFlagKeepSegments)
	bp.SetHeapEndPtr(0xfe00)
	bp.SetExtLoaderVer(0)
	bp.SetCmdline(cmdlineAddr, uint32(len(params)+1))

	zeroPage, err := bp.Bytes()
	if err != nil {
		return fmt.Errorf("guest: serialize boot params: %w", err)
	}

	copy(v.Mem[bootParamAddr:], zeroPage)

	setupSz := (int(proto.SetupSects) + 1) * 512
	if proto.SetupSects == 0 {
		setupSz = 5 * 512
	}

	kernSize, err := kernFile.ReadAt(v.Mem[highMemBase:], int64(setupSz))
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("guest: kernel: (%d, %w)", kernSize, err)
	}

	if kernSize == 0 {
		return ErrZeroSizeKernel
	}

	for _, c := range vcpus {
		if err := c.setupRegs(highMemBase, bootParamAddr); err != nil {
			return fmt.Errorf("guest: vcpu %d setup regs: %w", c.ID, err)
		}

		if err := c.setupSregsLongMode(v.Mem); err != nil {
			return fmt.Errorf("guest: vcpu %d setup sregs: %w", c.ID, err)
		}
	}

	return nil
}

// Real-mode memory map constants this hypervisor's E820 table reports
// as either RAM or reserved, per the PC-compatible layout every BIOS
// (and kvmtool's in-userspace substitute) reports.
const (
	realModeIVTBegin = 0x0
	vgaRAMBegin      = 0xa0000
	mbBIOSBegin      = 0xf0000
	mbBIOSEnd        = 0x100000
)

// setupRegs sets RFLAGS (bit 1 is architecturally always set), RIP (the
// kernel's 32-bit entry point), and RSI (the zero page's guest-physical
// address, per the Linux boot protocol's 32-bit entry convention); every
// other general-purpose register keeps the value KVM reports for it.
func (c *VCPU) setupRegs(rip, zeroPageGPA uint64) error {
	regs, err := kvmhost.GetRegs(c.Fd)
	if err != nil {
		return err
	}

	regs.RFLAGS = 2
	regs.RIP = rip
	regs.RSI = zeroPageGPA

	return kvmhost.SetRegs(c.Fd, regs)
}

// setupSregsLongMode builds an identity-mapped long-mode page table at
// pageTableBase (one PML4 entry, four PDPT entries, 2MB PD leaves
// covering the low 4GB) and points CR3/CR4/CR0/EFER and every segment
// at it, so the kernel's 32-bit entry point -- which itself switches to
// long mode -- finds a flat identity map already installed the way
// kvmtool's bios32 stub would have left it. Ported from the teacher's
// initSregs amd64 branch.
func (c *VCPU) setupSregsLongMode(mem []byte) error {
	sregs, err := kvmhost.GetSregs(c.Fd)
	if err != nil {
		return err
	}

	pageTables := mem[pageTableBase : pageTableBase+0x6000]
	for i := range pageTables {
		pageTables[i] = 0
	}

	putEntry := func(off int, target uint64, flags uint8) {
		v := (target &^ 0xfff) | uint64(flags)
		pageTables[off+0] = uint8(v)
		pageTables[off+1] = uint8(v >> 8)
		pageTables[off+2] = uint8(v >> 16)
		pageTables[off+3] = uint8(v >> 24)
		pageTables[off+4] = uint8(v >> 32)
	}

	const (
		present  = 1
		readonly = 0
		writable = 1 << 1
		pageSize = 1 << 7
	)

	putEntry(0, pageTableBase+0x1000, present|writable)

	for i := uint64(0); i < 4; i++ {
		ptb := pageTableBase + (i+2)*0x1000
		putEntry(0x1000+int(i*8), ptb, present|writable)
	}

	for i := uint64(0); i < 1<<32; i += 0x20_0000 {
		putEntry(0x2000+int((i/0x20_0000)*8), i, present|writable|pageSize)
	}

	sregs.CR3 = uint64(pageTableBase)
	sregs.CR4 = cr4PAE
	sregs.CR0 = cr0PE | cr0MP | cr0ET | cr0NE | cr0WP | cr0AM | cr0PG
	sregs.EFER = eferLME | eferLMA

	code := kvmhost.Segment{
		Base: 0, Limit: 0xffffffff, Selector: 1 << 3,
		Typ: 11, Present: 1, S: 1, L: 1, G: 1,
	}
	sregs.CS = code

	data := code
	data.Typ = 3
	data.Selector = 2 << 3
	data.L = 0
	sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = data, data, data, data, data

	return kvmhost.SetSregs(c.Fd, sregs)
}
