package suspend

import "github.com/monhv/monhv/event"

// ShutdownPort is the EDK2/CloudHv convention for signaling ACPI power
// state changes over a single I/O port, used by guest firmware that
// has no real PM1 control block to write instead.
//
// refs: https://github.com/cloud-hypervisor/edk2/blob/ch/OvmfPkg/Include/IndustryStandard/CloudHv.h
const ShutdownPort = 0x600

const (
	s5SleepVal       = uint8(5)
	sleepStatusENBit = uint8(5)
	sleepValBit      = uint8(2)
)

// ShutdownDevice ports the teacher's ACPIShutDownDevice into an
// iomonitor handler: instead of leaving the signaled event
// unimplemented, a write matching the S5 encoding raises event.Shutdown
// on the guest's bus so the orchestrator can stop every vCPU.
type ShutdownDevice struct {
	bus *event.Bus
}

func NewShutdownDevice(bus *event.Bus) *ShutdownDevice {
	return &ShutdownDevice{bus: bus}
}

func (d *ShutdownDevice) Read(port uint16, data []byte) error {
	data[0] = 0

	return nil
}

func (d *ShutdownDevice) Write(port uint16, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	if data[0] == 1 {
		d.bus.Publish(event.Reboot, nil)

		return nil
	}

	if data[0] == (s5SleepVal<<sleepValBit)|(1<<sleepStatusENBit) {
		d.bus.Publish(event.Shutdown, nil)
	}

	return nil
}
