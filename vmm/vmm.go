// Package vmm is the system orchestrator: it owns the host resources
// guest doesn't -- the open /dev/kvm and VM file descriptors, the
// terminal -- wires every device package together against one guest.VM,
// and drives each guest.VCPU's run loop. Grounded in the teacher's
// Machine.New/Boot split, generalized from Machine's single flat struct
// into composing guest.VM/guest.VCPU with the standalone pci/virtio/
// serial/tap packages the teacher kept as fields inside Machine itself.
package vmm

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/monhv/monhv/guest"
	"github.com/monhv/monhv/kvmhost"
	"github.com/monhv/monhv/pci"
	"github.com/monhv/monhv/serial"
	"github.com/monhv/monhv/tap"
	"github.com/monhv/monhv/term"
	"github.com/monhv/monhv/virtio"
)

// IRQ lines this platform wires into the in-kernel IOAPIC/PIC, ported
// from the teacher's constants.go.
const (
	serialIRQ    = 4
	virtioNetIRQ = 9
	virtioBlkIRQ = 10
)

// TSS and identity-map pages KVM's real-mode emulation needs reserved
// below 4GB and above any guest RAM size this hypervisor hands out by
// default; the same addresses QEMU and kvmtool use.
const (
	identityMapAddr = 0xfffbc000
	tssAddr         = 0xfffbd000
)

// MinMemSize is the smallest guest memory size worth booting a kernel
// into, ported from the teacher's own MinMemSize.
const MinMemSize = 1 << 25

// Config is BootCMD's argument set translated into the orchestrator's
// own terms: MemSize and TraceCount are already resolved to bytes and a
// skip-count by flag.ParseSize.
type Config struct {
	Dev        string
	Kernel     string
	Initrd     string
	Params     string
	TapIfName  string
	Disk       string
	NCPUs      int
	MemSize    int
	TraceCount int
	Debug      bool
}

// VMM owns every host-side resource Init/Setup/Boot build up: the open
// /dev/kvm and VM file descriptors, the shared guest.VM, one guest.VCPU
// per configured CPU, and the PCI/virtio/serial devices attached to it.
type VMM struct {
	Config

	devKVM *os.File
	vmFd   uintptr

	VM    *guest.VM
	VCPUs []*guest.VCPU

	Serial *serial.Serial
	PCI    *pci.PCI
	tap    *tap.Tap
}

// New returns an unopened VMM; call Init, then Setup, then Boot.
func New(c Config) *VMM {
	return &VMM{Config: c}
}

// irqLine adapts kvmhost.IRQLine's edge-triggered pulse convention onto
// virtio.IRQInjector and serial.IRQInjector, ported from the teacher's
// Machine.InjectSerialIRQ/InjectVirtioNetIRQ/InjectVirtioBlkIRQ.
type irqLine struct {
	vmFd uintptr
	irq  uint32
}

func (i irqLine) pulse() error {
	if err := kvmhost.IRQLine(i.vmFd, i.irq, 0); err != nil {
		return err
	}

	return kvmhost.IRQLine(i.vmFd, i.irq, 1)
}

func (i irqLine) InjectSerialIRQ() error    { return i.pulse() }
func (i irqLine) InjectVirtioNetIRQ() error { return i.pulse() }
func (i irqLine) InjectVirtioBlkIRQ() error { return i.pulse() }

// Init opens the KVM device, creates the VM and its shared memory/EPT/
// I/O-monitor state, and brings up every configured vCPU, following the
// teacher's Machine.New ordering: the TSS/identity-map addresses and the
// in-kernel IRQCHIP/PIT must be installed before the first vCPU exists.
func (v *VMM) Init() error {
	if v.MemSize < MinMemSize {
		return fmt.Errorf("vmm: memory size %d too small (minimum %d)", v.MemSize, MinMemSize)
	}

	devKVM, err := os.OpenFile(v.Dev, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("vmm: open %s: %w", v.Dev, err)
	}

	v.devKVM = devKVM

	vmFd, err := kvmhost.CreateVM(devKVM.Fd())
	if err != nil {
		return fmt.Errorf("vmm: create vm: %w", err)
	}

	v.vmFd = vmFd

	if err := kvmhost.SetTSSAddr(vmFd, tssAddr); err != nil {
		return fmt.Errorf("vmm: set tss addr: %w", err)
	}

	if err := kvmhost.SetIdentityMapAddr(vmFd, identityMapAddr); err != nil {
		return fmt.Errorf("vmm: set identity map addr: %w", err)
	}

	if err := kvmhost.CreateIRQChip(vmFd); err != nil {
		return fmt.Errorf("vmm: create irqchip: %w", err)
	}

	if err := kvmhost.CreatePIT2(vmFd); err != nil {
		return fmt.Errorf("vmm: create pit: %w", err)
	}

	vm, err := guest.NewVM(devKVM.Fd(), vmFd, v.MemSize, v.NCPUs)
	if err != nil {
		return fmt.Errorf("vmm: new vm: %w", err)
	}

	vm.Debug = v.Debug
	v.VM = vm

	caps, err := guest.ProbeCapabilities(vm)
	if err != nil {
		return fmt.Errorf("vmm: probe vmx capabilities: %w", err)
	}

	for id := 0; id < v.NCPUs; id++ {
		c, err := guest.NewVCPU(vm, id, caps)
		if err != nil {
			return fmt.Errorf("vmm: new vcpu %d: %w", id, err)
		}

		c.TraceEvery = uint64(v.TraceCount)

		v.VCPUs = append(v.VCPUs, c)
	}

	return v.attachDevices()
}

// attachDevices wires the serial console, the optional tap-backed
// virtio-net device, the optional file-backed virtio-blk device, and
// the PCI configuration-space state machine binding them together, all
// against the VM's shared iomonitor.Monitor. Ported from the teacher's
// initIOPortHandlers, minus the wide funcNone/funcError default ranges
// iomonitor.Monitor's own pass-through-when-unregistered behavior
// already covers.
func (v *VMM) attachDevices() error {
	ser, err := serial.New(irqLine{vmFd: v.vmFd, irq: serialIRQ})
	if err != nil {
		return fmt.Errorf("new serial: %w", err)
	}

	v.Serial = ser
	v.VM.IO.Register(serial.COM1Addr, adapt(ser.In, serial.COM1Addr), adapt(ser.Out, serial.COM1Addr))

	devices := []pci.Device{pci.NewBridge()}

	if v.TapIfName != "" {
		t, err := tap.New(v.TapIfName)
		if err != nil {
			return fmt.Errorf("new tap %s: %w", v.TapIfName, err)
		}

		v.tap = t

		netDev := virtio.NewNet(v.VM.Mem)
		netDev.(*virtio.Net).Attach(t, irqLine{vmFd: v.vmFd, irq: virtioNetIRQ})

		devices = append(devices, netDev)
	}

	if v.Disk != "" {
		blk, err := virtio.NewBlk(v.Disk, virtioBlkIRQ, irqLine{vmFd: v.vmFd, irq: virtioBlkIRQ}, v.VM.Mem)
		if err != nil {
			return fmt.Errorf("new blk %s: %w", v.Disk, err)
		}

		devices = append(devices, blk)
	}

	v.PCI = pci.New(devices...)

	v.VM.IO.Register(0xcf8, adapt(v.PCI.PciConfAddrIn, 0), adapt(v.PCI.PciConfAddrOut, 0))
	v.VM.IO.Register(0xcfc, adapt(v.PCI.PciConfDataIn, 0), adapt(v.PCI.PciConfDataOut, 0))

	for _, d := range devices {
		start, end := d.GetIORange()
		for port := start; port < end; port++ {
			v.VM.IO.Register(uint16(port), adapt(d.IOInHandler, 0), adapt(d.IOOutHandler, 0))
		}
	}

	return nil
}

// adapt bridges a uint64-ported handler (pci's and virtio's convention,
// since PCI config addressing and BARs both predate iomonitor's 16-bit
// port table) onto iomonitor's uint16 port callback shape, adding back
// base if the handler expects a port relative to its own window rather
// than the architectural absolute port number.
func adapt(f func(port uint64, data []byte) error, base uint64) func(uint16, []byte) error {
	return func(port uint16, data []byte) error { return f(uint64(port)+base, data) }
}

// Setup loads the kernel/initrd/cmdline and primes every vCPU's
// registers to enter it, via guest.VM.LoadLinux.
func (v *VMM) Setup() error {
	if v.Initrd == "" {
		return v.VM.LoadLinux(v.Kernel, nil, v.Params, v.VCPUs)
	}

	initrd, err := os.Open(v.Initrd)
	if err != nil {
		return fmt.Errorf("vmm: open initrd %s: %w", v.Initrd, err)
	}
	defer initrd.Close()

	return v.VM.LoadLinux(v.Kernel, initrd, v.Params, v.VCPUs)
}

// Boot starts every vCPU's run loop on its own goroutine, forwards
// stdin to the serial console under raw terminal mode, and blocks until
// every vCPU loop returns or the Ctrl-A+x exit sequence fires. Ported
// from the teacher's Machine.Boot.
func (v *VMM) Boot() error {
	restore, err := term.SetRawMode()
	if err != nil {
		return fmt.Errorf("vmm: set raw terminal mode: %w", err)
	}

	var wg sync.WaitGroup

	errs := make(chan error, len(v.VCPUs))

	for _, c := range v.VCPUs {
		wg.Add(1)

		go func(c *guest.VCPU) {
			defer wg.Done()

			for {
				cont, err := c.RunOnce()
				if err != nil {
					errs <- fmt.Errorf("vcpu %d: %w", c.ID, err)

					return
				}

				if !cont {
					return
				}
			}
		}(c)
	}

	injectSerial := irqLine{vmFd: v.vmFd, irq: serialIRQ}.InjectSerialIRQ

	go func() {
		if err := v.Serial.Start(*bufio.NewReader(os.Stdin), restore, injectSerial); err != nil {
			log.Printf("vmm: serial console: %v", err)
		}
	}()

	wg.Wait()
	restore()

	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}

	return nil
}
