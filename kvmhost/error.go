package kvmhost

import "fmt"

// ExitType names a KVM_EXIT_* reason for logging and for the dispatcher's
// reason table (§4.I), which keys off of this rather than the raw integer.
type ExitType uint32

// ExitType values line up with the EXIT* constants in const.go.
const (
	ExitUnknown       ExitType = EXITUNKNOWN
	ExitException     ExitType = EXITEXCEPTION
	ExitIO            ExitType = EXITIO
	ExitHypercall     ExitType = EXITHYPERCALL
	ExitDebug         ExitType = EXITDEBUG
	ExitHLT           ExitType = EXITHLT
	ExitMMIO          ExitType = EXITMMIO
	ExitIRQWindowOpen ExitType = EXITIRQWINDOWOPEN
	ExitShutdown      ExitType = EXITSHUTDOWN
	ExitFailEntry     ExitType = EXITFAILENTRY
	ExitIntr          ExitType = EXITINTR
	ExitSetTPR        ExitType = EXITSETTPR
	ExitTPRAccess     ExitType = EXITTPRACCESS
	ExitNMI           ExitType = EXITNMI
	ExitInternalError ExitType = EXITINTERNALERROR
	ExitSystemEvent   ExitType = EXITSYSTEMEVENT
)

var exitTypeNames = map[ExitType]string{
	ExitUnknown:       "UNKNOWN",
	ExitException:     "EXCEPTION",
	ExitIO:            "IO",
	ExitHypercall:     "HYPERCALL",
	ExitDebug:         "DEBUG",
	ExitHLT:           "HLT",
	ExitMMIO:          "MMIO",
	ExitIRQWindowOpen: "IRQ_WINDOW_OPEN",
	ExitShutdown:      "SHUTDOWN",
	ExitFailEntry:     "FAIL_ENTRY",
	ExitIntr:          "INTR",
	ExitSetTPR:        "SET_TPR",
	ExitTPRAccess:     "TPR_ACCESS",
	ExitNMI:           "NMI",
	ExitInternalError: "INTERNAL_ERROR",
	ExitSystemEvent:   "SYSTEM_EVENT",
}

func (e ExitType) String() string {
	if name, ok := exitTypeNames[e]; ok {
		return name
	}

	return fmt.Sprintf("EXIT(%d)", uint32(e))
}
