package guest

import (
	"log"

	"github.com/monhv/monhv/pagewalker"
	"golang.org/x/arch/x86/x86asm"
)

// Trace decodes and logs the instruction at the vCPU's current RIP,
// ported from the teacher's debug_amd64.go Inst/Asm helpers. Guest mode
// (32- vs 64-bit) follows the gcpu cache's own long-mode flag instead of
// the teacher's hardcoded 64, since this hypervisor traces from the very
// first real-mode-adjacent instruction the kernel's 32-bit entry point
// runs, not just steady-state 64-bit kernel code.
func (c *VCPU) Trace() {
	rip := c.CPU.RIP()

	buf := make([]byte, 16)

	if _, _, fault := pagewalker.CopyFromGVA(c.CPU, c.VM.GPM, c.VM.Mem, rip, buf); fault != nil {
		log.Printf("vcpu %d: trace: page fault decoding rip %#x", c.ID, rip)

		return
	}

	mode := 32
	if c.CPU.IA32eModeGuest() {
		mode = 64
	}

	inst, err := x86asm.Decode(buf, mode)
	if err != nil {
		log.Printf("vcpu %d: rip %#x: decode: %v", c.ID, rip, err)

		return
	}

	log.Printf("vcpu %d: rip %#x: %s", c.ID, rip, x86asm.GNUSyntax(inst, rip, nil))
}
