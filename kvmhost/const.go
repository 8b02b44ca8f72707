package kvmhost

// ioctl request numbers, as published by <linux/kvm.h>. Numeric rather
// than computed through IIO*/ for the handful whose size argument is a
// pointee that differs per call site, mirroring the teacher's kvm.go.
const (
	kvmGetAPIVersion       = 44544
	kvmCreateVM            = 44545
	kvmGetMSRIndexList     = 0xc004ae02
	kvmCreateVCPU          = 44609
	kvmGetDirtyLog         = 0x4010ae42
	kvmSetTSSAddr          = 0xae47
	kvmSetIdentityMapAddr  = 0x4008ae48
	kvmSetUserMemoryRegion = 1075883590
	kvmCreateIRQChip       = 0xae60
	kvmIRQLine             = 0xc008ae67
	kvmCreatePIT2          = 0x4040ae77
	kvmGetSupportedCPUID   = 0xc008ae05
	kvmSetCPUID2           = 0x4008ae90
	kvmGetVCPUMMapSize     = 44548
	kvmRun                 = 44672
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
	kvmGetFPU              = 0x81a0ae8c
	kvmSetFPU              = 0x41a0ae8d
	kvmGetDebugRegs        = 0x8080ae9e
	kvmSetDebugRegs        = 0x4080ae9f
	kvmInterrupt           = 0x4004ae86
	kvmCheckExtension      = 44561
	kvmSetGuestDebug       = 0x4048ae9b
	kvmTranslate           = 0xc018ae85

	kvmNRVCPUEvents = 0xb1
)

// Capability is an argument to CheckExtension (KVM_CHECK_EXTENSION).
type Capability int

// KVM capability numbers, per <linux/kvm.h>. Only the subset the probe
// command and the dispatcher's feature gates consult are enumerated; an
// unknown capability value is still a legal CheckExtension argument, it
// simply reports unsupported.
const (
	CapIRQChip       Capability = 0
	CapUserMemory    Capability = 3
	CapSetTSSAddr    Capability = 4
	CapEXTCPUID      Capability = 7
	CapMPState       Capability = 14
	CapCoalescedMMIO Capability = 15
	CapIOMMU         Capability = 18
	CapUserNMI       Capability = 22
	CapSetGuestDebug Capability = 23
	CapVCPUEvents    Capability = 41
	CapDebugRegs     Capability = 42
	CapEnableCap     Capability = 43
	CapXSave         Capability = 44
	CapXCRS          Capability = 45
	CapNRMemSlots    Capability = 10
	CapPIT2          Capability = 33
	CapIRQRouting    Capability = 25
	CapIRQFD         Capability = 32
	CapIOEventFD     Capability = 36
	CapMCE           Capability = 31
	CapONEREG        Capability = 70
	CapImmediateExit Capability = 136
	CapX86SMM        Capability = 49
	CapNestedState   Capability = 157
	CapUnrestrictedGuest Capability = 52
	CapEPT              Capability = 187

	CapReinjectControl        Capability = 24
	CapSetBootCPUID           Capability = 34
	CapPITState2              Capability = 35
	CapAdjustClock            Capability = 39
	CapINTRShadow             Capability = 40
	CapTSCControl             Capability = 60
	CapKVMClockCtrl           Capability = 76
	CapSignalMSI              Capability = 77
	CapDeviceCtrl             Capability = 79
	CapEXTEmulCPUID           Capability = 95
	CapVMAttributes           Capability = 101
	CapX86DisableExits        Capability = 134
	CapGETMSRFeatures         Capability = 133
	CapCoalescedPIO           Capability = 126
	CapManualDirtyLogProtect2 Capability = 168
	CapPMUEventFilter         Capability = 173
	CapX86UserSpaceMSR        Capability = 188
	CapX86MSRFilter           Capability = 189
	CapX86BusLockExit         Capability = 193
	CapSREGS2                 Capability = 198
	CapBinaryStatsFD          Capability = 199
	CapXSave2                 Capability = 208
	CapSysAttributes          Capability = 209
	CapVMTSCControl           Capability = 214
	CapX86TripleFaultEvent    Capability = 218
	CapX86NotifyVMExit        Capability = 219
)

// vCPU exit reasons (KVM_EXIT_*).
const (
	EXITUNKNOWN       = 0
	EXITEXCEPTION     = 1
	EXITIO            = 2
	EXITHYPERCALL     = 3
	EXITDEBUG         = 4
	EXITHLT           = 5
	EXITMMIO          = 6
	EXITIRQWINDOWOPEN = 7
	EXITSHUTDOWN      = 8
	EXITFAILENTRY     = 9
	EXITINTR          = 10
	EXITSETTPR        = 11
	EXITTPRACCESS     = 12
	EXITS390SIEIC     = 13
	EXITS390RESET     = 14
	EXITDCR           = 15
	EXITNMI           = 16
	EXITINTERNALERROR = 17
	EXITOSI           = 18
	EXITPAPRHCALL     = 19
	EXITWATCHDOG      = 21
	EXITEPR           = 23
	EXITSYSTEMEVENT   = 24

	EXITIOIN  = 0
	EXITIOOUT = 1
)

const (
	numInterrupts  = 0x100
	CPUIDFuncPerMon = 0x0a
	CPUIDSignature  = 0x40000000
	CPUIDFeatures   = 0x40000001
)
