// Package reset implements the 0xCF9 reset-control-register monitor:
// armed only when the platform is itself running nested under a KVM L0
// host, it intercepts the RESET encoding and broadcasts a VMX teardown
// to every other host CPU before forwarding the write, generalizing the
// teacher's funcOutbCF9 (which simply turned any CF9 write into a
// process-exit error) into the spec's per-CPU clear-vmx sequencing.
package reset

import (
	"errors"
	"fmt"

	"github.com/monhv/monhv/event"
	"github.com/monhv/monhv/kvmhost"
)

// ErrPowerCycle is returned by Monitor.Write for the RESTART encoding
// (0xE), the one CF9 write this monitor does not intercept itself and
// instead reports up so the caller can tear the whole process down,
// mirroring the teacher's ErrWriteToCF9.
var ErrPowerCycle = errors.New("reset: write 0xe to cf9: power cycle requested")

// CF9Port is the reset-control-register I/O port this monitor watches.
const CF9Port = 0xcf9

// CF9 bit layout: bit1 is RST_CPU, bit2 is SYS_RST. The teacher's
// comment documents 4=INIT, 6=RESET, 0xE=RESTART; this monitor only
// distinguishes RESET (SYS_RST|RST_CPU) from everything else.
const (
	bitRSTCPU = 1 << 1
	bitSYSRST = 1 << 2

	maskSysRstCPU = bitSYSRST | bitRSTCPU
	valRestart    = 0xe
)

// ClearVMX tears down one host CPU's VMX state: every VMCS pointer on
// its chain cleared, then VMXOFF. The caller supplies the actual
// teardown since it depends on which vCPU file descriptors this host
// CPU owns.
type ClearVMX func()

// Monitor is the per-platform 0xCF9 interception state.
type Monitor struct {
	armed    bool
	bc       *event.Broadcaster
	selfTD   ClearVMX
	selfCPU  int
}

// New probes whether this platform is running nested under a KVM L0
// host (§9 open question (b)) and, if so, arms the monitor. bc
// broadcasts clear-vmx to every other host CPU; selfClearVMX tears down
// the calling CPU's own VMX state last, after the broadcast completes.
func New(kvmFd uintptr, bc *event.Broadcaster, selfCPU int, selfClearVMX ClearVMX) (*Monitor, error) {
	nested, err := kvmhost.DetectL0KVM(kvmFd)
	if err != nil {
		return nil, fmt.Errorf("reset: detect l0 kvm: %w", err)
	}

	return &Monitor{armed: nested, bc: bc, selfCPU: selfCPU, selfTD: selfClearVMX}, nil
}

// Armed reports whether this monitor intercepts CF9 at all.
func (m *Monitor) Armed() bool { return m.armed }

// Write services a write to port 0xCF9. forward is called with the raw
// bytes after any VMX teardown this write triggers, so the write's
// platform-visible side effect (the actual reset) still happens exactly
// once via the caller's normal pass-through path.
func (m *Monitor) Write(data []byte, forward func([]byte) error) error {
	if !m.armed || len(data) == 0 {
		return forward(data)
	}

	if data[0] == valRestart {
		return ErrPowerCycle
	}

	if data[0]&maskSysRstCPU == maskSysRstCPU {
		if m.bc != nil {
			m.bc.Broadcast(m.selfCPU)
		}

		if m.selfTD != nil {
			m.selfTD()
		}
	}

	return forward(data)
}
