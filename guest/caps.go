package guest

import (
	"fmt"
	"syscall"

	"github.com/monhv/monhv/kvmhost"
	"github.com/monhv/monhv/vmcs"
)

// ProbeCapabilities reads the host's VMX capability MSRs through a
// throwaway vCPU and closes it immediately. Capability MSRs are uniform
// across every logical CPU of the same model, so which id reads them
// doesn't matter; NewVCPU is left free to create every real id,
// including 0, afterward.
func ProbeCapabilities(vm *VM) (vmcs.CapabilitySource, error) {
	fd, err := kvmhost.CreateVCPU(vm.VMFd, 0)
	if err != nil {
		return nil, fmt.Errorf("guest: probe caps: create scratch vcpu: %w", err)
	}
	defer syscall.Close(int(fd))

	caps, err := kvmhost.ReadMSRCapabilities(fd)
	if err != nil {
		return nil, fmt.Errorf("guest: probe caps: read msrs: %w", err)
	}

	return vmcs.FromMSRCapabilities(caps), nil
}
