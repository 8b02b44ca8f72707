package pagewalker

import (
	"testing"

	"github.com/monhv/monhv/event"
	"github.com/monhv/monhv/gpm"
)

type fakeCPU struct {
	cr0, cr3, cr4, efer uint64
	cpl                 int
}

func (f *fakeCPU) CR0() uint64         { return f.cr0 }
func (f *fakeCPU) CR3() uint64         { return f.cr3 }
func (f *fakeCPU) CR4() uint64         { return f.cr4 }
func (f *fakeCPU) EFER() uint64        { return f.efer }
func (f *fakeCPU) CPL() int            { return f.cpl }
func (f *fakeCPU) RFlagsAC() bool      { return false }
func (f *fakeCPU) SMAPEnabled() bool   { return false }
func (f *fakeCPU) PKRU() uint32        { return 0 }

func TestGVAToGPAIdentityMode(t *testing.T) {
	t.Parallel()

	cpu := &fakeCPU{}
	g := gpm.New(event.NewBus())

	gpa, fault := GVAToGPA(cpu, g, 0x12345, AccessRead)
	if fault != nil {
		t.Fatalf("unexpected fault: %+v", fault)
	}

	if gpa != 0x12345 {
		t.Errorf("gpa = %#x, want identity 0x12345", gpa)
	}
}

func TestGVAToGPA64BitGPMMissIsInternalFailure(t *testing.T) {
	t.Parallel()

	cpu := &fakeCPU{cr0: 1 << 31, cr4: 1 << 5, efer: 1 << 8, cr3: 0x1000}
	g := gpm.New(event.NewBus())

	// No GPM mapping backs the PML4 table itself, so the walk cannot
	// even read the entry -- per spec that is an internal failure
	// (IsPF=false), distinct from an architectural not-present #PF.
	_, fault := GVAToGPA(cpu, g, 0x400000, AccessRead)
	if fault == nil || fault.IsPF {
		t.Fatalf("expected internal (non-#PF) failure, got %+v", fault)
	}
}
