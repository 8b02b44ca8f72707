// Package guest ties the per-vCPU and per-VM building blocks -- gcpu,
// vmcs, vmexit, iomonitor, inject, vmcheck -- into the two data models
// the spec names: a VM (the machine-wide state every vCPU shares) and a
// VCPU (one hardware thread's run loop). Grounded in the teacher's
// Machine/RunOnce split (machine.go's Machine owns shared memory/devices
// while each vCPU's RunOnce drives its own kvm_run page), generalized to
// route every exit through vmexit.Dispatcher instead of the teacher's
// switch statement.
package guest

import (
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"github.com/monhv/monhv/devblk"
	"github.com/monhv/monhv/ept"
	"github.com/monhv/monhv/event"
	"github.com/monhv/monhv/gcpu"
	"github.com/monhv/monhv/gpm"
	"github.com/monhv/monhv/inject"
	"github.com/monhv/monhv/iomonitor"
	"github.com/monhv/monhv/kvmhost"
	"github.com/monhv/monhv/mam"
	"github.com/monhv/monhv/reset"
	"github.com/monhv/monhv/suspend"
	"github.com/monhv/monhv/vmcheck"
	"github.com/monhv/monhv/vmcs"
	"github.com/monhv/monhv/vmexit"
)

// VM is the machine-wide state shared by every VCPU: the guest-physical
// memory map, the EPT engine it feeds, the I/O-port monitor, the device
// blocker, and the event bus/broadcaster tying all of it together.
type VM struct {
	KVMFd uintptr
	VMFd  uintptr

	Bus *event.Bus
	BC  *event.Broadcaster

	GPM   *gpm.Map
	EPT   *ept.Engine
	IO    *iomonitor.Monitor
	Block *devblk.Blocker

	Reset   *reset.Monitor
	Suspend *suspend.Monitor

	Mem []byte

	mu    sync.Mutex
	vcpus []*VCPU

	// Debug selects vmcheck.Deadloop's panic-on-failure path instead of
	// parking forever, set from the caller's own verbosity flag.
	Debug bool
}

// poison fills guest memory above highMemBase with a pattern that traps
// immediately if ever fetched as code (a repeated mov eax, 0xcafebabe;
// nop; ud2 sequence), so a jump into never-initialized memory fails fast during boot
// instead of running off into garbage. Ported from the teacher's own
// memory.go, which poisoned the same way before any E820 region was
// populated.
const (
	highMemBase = 0x100000
	poison      = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"
)

// pm1SlpType is the standard ACPI PM1 control-block layout: SLP_TYP
// occupies bits [12:10], SLP_EN is bit 13. This hypervisor authors its
// own DSDT (see the acpi package), so it chooses the \_S3 encoding
// itself rather than needing to discover it by parsing guest AML.
var pm1SlpTypeS3 = suspend.SlpType{
	Value: 1 << 10,
	Mask:  0x1c00,
	EnBit: 0x2000,
}

// NewVM wires the shared state for a VM with memSize bytes of guest
// memory, registering mem with KVM as guest-physical address 0 the way
// the teacher's Machine.New does. numCPUs is the total vCPU count this
// VM will eventually host, used to size the suspend monitor's
// application-processor quiesce count (every vCPU but the BSP).
func NewVM(kvmFd, vmFd uintptr, memSize int, numCPUs int) (*VM, error) {
	mem, err := syscall.Mmap(-1, 0, memSize,
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("guest: mmap guest memory: %w", err)
	}

	for i := highMemBase; i+len(poison) <= len(mem); i += len(poison) {
		copy(mem[i:], poison)
	}

	bus := event.NewBus()
	bc := event.NewBroadcaster()
	gpmMap := gpm.New(bus)

	v := &VM{
		KVMFd: kvmFd, VMFd: vmFd,
		Bus: bus, BC: bc,
		GPM: gpmMap,
		IO:  iomonitor.New(),
		Mem: mem,
	}

	v.Block = devblk.New(bus)

	if err := kvmhost.SetUserMemoryRegion(vmFd, &kvmhost.UserspaceMemoryRegion{
		Slot: 0, GuestPhysAddr: 0, MemorySize: uint64(memSize),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}); err != nil {
		return nil, fmt.Errorf("guest: set user memory region: %w", err)
	}

	gpmMap.SetMapping(0, 0, uint64(memSize), gpm.AttrRead|gpm.AttrWrite|gpm.AttrExec)

	// 4K leaves only: conservative until a real EPT superpage capability
	// probe lands (large-page EPT support varies across host CPUs and
	// KVM exposes no direct CPUID-style query for it).
	v.EPT = ept.New(bus, bc, vmFd, mam.LevelPT, ept.Policy{Enable: true, UGRealMode: true})

	resetMon, err := reset.New(kvmFd, bc, -1, v.clearAllVMX)
	if err != nil {
		return nil, fmt.Errorf("guest: probe l0 kvm nesting: %w", err)
	}

	v.Reset = resetMon

	apCount := numCPUs - 1
	if apCount < 0 {
		apCount = 0
	}

	v.Suspend = suspend.New(bus, bc, apCount, pm1SlpTypeS3, suspend.SlpType{}, false)
	v.Suspend.Resume = v.resumeAllVCPUs

	v.IO.Register(reset.CF9Port, v.readCF9, v.writeCF9)

	shutdown := suspend.NewShutdownDevice(bus)
	v.IO.Register(suspend.ShutdownPort, shutdown.Read, shutdown.Write)

	v.IO.Register(iomonitor.PostCodePort, iomonitor.PostCodeRead, iomonitor.PostCodeWrite)

	// The 8042 status register's bit 1 (input buffer full) must read 0
	// or a guest kernel with no real PS/2 controller backing it spins
	// forever waiting for it to clear. Ported from the teacher's
	// funcInbPS2 workaround, discovered against a WSL2 kvm host.
	v.IO.Register(ps2StatusPort, readPS2Status, ignoreWrite)

	return v, nil
}

const ps2StatusPort = 0x64

func readPS2Status(port uint16, data []byte) error {
	data[0] = 0x20

	return nil
}

func ignoreWrite(port uint16, data []byte) error { return nil }

// clearAllVMX is reset.Monitor's ClearVMX callback: this hypervisor
// never executes VMXON/VMXOFF itself (KVM owns that in-kernel), so the
// userspace-visible teardown is closing every vCPU file descriptor this
// VM still owns.
func (v *VM) clearAllVMX() {
	v.mu.Lock()
	vcpus := append([]*VCPU(nil), v.vcpus...)
	v.mu.Unlock()

	for _, c := range vcpus {
		syscall.Close(int(c.Fd))
	}
}

// resumeAllVCPUs is suspend.Monitor's Resume callback, invoked once
// every AP has quiesced for S3; nothing in this VM model needs to
// recreate vCPU file descriptors across a host-side sleep, so the hook
// is a no-op placeholder for a future real suspend/resume host bridge.
func (v *VM) resumeAllVCPUs() {}

// readCF9/writeCF9 adapt reset.Monitor onto the iomonitor handler shape;
// the only platform-visible side effect of a CF9 write this monitor
// doesn't itself intercept is a no-op here, since this VM model has no
// separate "real" reset line to forward the write to.
func (v *VM) readCF9(port uint16, data []byte) error {
	data[0] = 0

	return nil
}

func (v *VM) writeCF9(port uint16, data []byte) error {
	return v.Reset.Write(data, func([]byte) error { return nil })
}

// AttachVCPU records a newly created VCPU under the VM so Suspend/Reset
// broadcasts and the AP-count they need can find it.
func (v *VM) AttachVCPU(c *VCPU) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.vcpus = append(v.vcpus, c)
}

// VCPU is one hardware thread's guest-CPU state and exit-dispatch loop.
type VCPU struct {
	ID int

	VM *VM

	Fd  uintptr
	Run *kvmhost.RunData

	CPU   *gcpu.CPU
	VMCS  *vmcs.VMCS
	Acct  *vmcs.Accountant
	Exits *vmexit.Dispatcher

	platform inject.Platform

	// TraceEvery, when non-zero, makes RunOnce log the decoded
	// instruction at RIP every TraceEvery exits; 0 disables tracing.
	TraceEvery uint64
	traceN     uint64
}

// NewVCPU creates vCPU id's file descriptor, maps its kvm_run page, and
// builds the CPU/VMCS/Accountant/Dispatcher stack around it.
func NewVCPU(vm *VM, id int, caps vmcs.CapabilitySource) (*VCPU, error) {
	fd, err := kvmhost.CreateVCPU(vm.VMFd, id)
	if err != nil {
		return nil, fmt.Errorf("guest: create vcpu %d: %w", id, err)
	}

	mmapSize, err := kvmhost.GetVCPUMMapSize(vm.KVMFd)
	if err != nil {
		return nil, fmt.Errorf("guest: get vcpu mmap size: %w", err)
	}

	r, err := syscall.Mmap(int(fd), 0, int(mmapSize), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("guest: mmap vcpu %d run page: %w", id, err)
	}

	v := vmcs.New()
	acct := vmcs.NewAccountant(v, caps)

	c := gcpu.New(fd, vm.Bus, v)

	run := (*kvmhost.RunData)(unsafe.Pointer(&r[0]))

	vcpu := &VCPU{
		ID: id, VM: vm, Fd: fd, Run: run,
		CPU: c, VMCS: v, Acct: acct,
		Exits: vmexit.New(fd, run, c, v, acct, vm.Bus),
	}

	vcpu.registerExits()

	vm.AttachVCPU(vcpu)

	return vcpu, nil
}

// RunOnce performs a single VM-entry/VM-exit cycle. A KVM_EXIT_FAIL_ENTRY
// is handed to vmcheck's consistency sweep before anything else, since
// the dispatcher's reason table has no entry that could possibly make
// sense of it.
func (c *VCPU) RunOnce() (bool, error) {
	if err := kvmhost.Run(c.Fd); err != nil {
		return false, fmt.Errorf("guest: vcpu %d run: %w", c.ID, err)
	}

	if kvmhost.ExitType(c.Run.ExitReason) == kvmhost.ExitFailEntry {
		c.checkFailEntry()

		return false, nil
	}

	cont, err := c.Exits.RunOnce()

	if c.TraceEvery > 0 {
		c.traceN++
		if c.traceN >= c.TraceEvery {
			c.traceN = 0
			c.Trace()
		}
	}

	return cont, err
}

func (c *VCPU) checkFailEntry() {
	sregs, err := kvmhost.GetSregs(c.Fd)
	if err != nil {
		return
	}

	regs, err := kvmhost.GetRegs(c.Fd)
	if err != nil {
		return
	}

	violations := vmcheck.Sweep(sregs, regs)
	vmcheck.Deadloop(c.VM.Debug, violations)
}

// DeliverPending checks the guest-CPU's pending-interrupt bitmap and, if
// anything is pending and not blocked, injects the highest vector via
// inject.InjectEvent.
func (c *VCPU) DeliverPending(in inject.Interruptibility) error {
	vector, ok := c.CPU.PendingInterrupts().Get()
	if !ok {
		return nil
	}

	e := inject.Event{Vector: vector, Kind: inject.KindExternalInterrupt}

	return inject.InjectEvent(c.Fd, c.CPU, e, in, c.platform, func(nmiWindow bool) {
		c.Acct.SetupOnly(vmcs.ProcBasedControls, vmcs.Request{
			Bits: procBasedNMIWindowExiting(nmiWindow),
			Mask: procBasedNMIWindowExiting(true),
		})
	})
}

func procBasedNMIWindowExiting(set bool) uint64 {
	const nmiWindowExiting = 1 << 22

	if set {
		return nmiWindowExiting
	}

	return 0
}
