package tools

import (
	"fmt"
	"os"

	"github.com/monhv/monhv/kvmhost"
)

// TestCaps probes the system for kvm capabilities.
func TestCaps() error {
	X86tests := []kvmhost.Capability{
		kvmhost.CapIRQChip,
		kvmhost.CapUserMemory,
		kvmhost.CapSetTSSAddr,
		kvmhost.CapEXTCPUID,
		kvmhost.CapMPState,
		kvmhost.CapCoalescedMMIO,
		kvmhost.CapUserNMI,
		kvmhost.CapSetGuestDebug,
		kvmhost.CapReinjectControl,
		kvmhost.CapIRQRouting,
		kvmhost.CapMCE,
		kvmhost.CapIRQFD,
		kvmhost.CapPIT2,
		kvmhost.CapSetBootCPUID,
		kvmhost.CapPITState2,
		kvmhost.CapIOEventFD,
		kvmhost.CapAdjustClock,
		kvmhost.CapVCPUEvents,
		kvmhost.CapINTRShadow,
		kvmhost.CapDebugRegs,
		kvmhost.CapEnableCap,
		kvmhost.CapXSave,
		kvmhost.CapXCRS,
		kvmhost.CapTSCControl,
		kvmhost.CapONEREG,
		kvmhost.CapKVMClockCtrl,
		kvmhost.CapSignalMSI,
		kvmhost.CapDeviceCtrl,
		kvmhost.CapEXTEmulCPUID,
		kvmhost.CapVMAttributes,
		kvmhost.CapX86SMM,
		kvmhost.CapX86DisableExits,
		kvmhost.CapGETMSRFeatures,
		kvmhost.CapNestedState,
		kvmhost.CapCoalescedPIO,
		kvmhost.CapManualDirtyLogProtect2,
		kvmhost.CapPMUEventFilter,
		kvmhost.CapX86UserSpaceMSR,
		kvmhost.CapX86MSRFilter,
		kvmhost.CapX86BusLockExit,
		kvmhost.CapSREGS2,
		kvmhost.CapBinaryStatsFD,
		kvmhost.CapXSave2,
		kvmhost.CapSysAttributes,
		kvmhost.CapVMTSCControl,
		kvmhost.CapX86TripleFaultEvent,
		kvmhost.CapX86NotifyVMExit,
	}

	kvmFile, err := os.Open("/dev/kvm")
	if err != nil {
		return err
	}

	kvmfd := kvmFile.Fd()

	for _, test := range X86tests {
		res, err := kvmhost.CheckExtension(kvmfd, test)
		if err != nil {
			return err
		}

		fmt.Printf("%-30v: %t\n", test, (res != 0))
	}

	return nil
}
