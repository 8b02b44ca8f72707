package ept

import (
	"testing"

	"github.com/monhv/monhv/event"
	"github.com/monhv/monhv/gpm"
	"github.com/monhv/monhv/kvmhost"
	"github.com/monhv/monhv/mam"
)

func mmioAccess(gpa uint64, write bool) kvmhost.MMIOAccess {
	a := kvmhost.MMIOAccess{PhysAddr: gpa, Len: 4}
	if write {
		a.IsWrite = 1
	}

	return a
}

func TestOnGPMSetMirrorsMapping(t *testing.T) {
	t.Parallel()

	bus := event.NewBus()
	g := gpm.New(bus)
	e := New(bus, nil, 0, mam.LevelPT, Policy{Enable: true})

	g.SetMapping(0x1000, 0x2000, 4096, gpm.AttrRead|gpm.AttrWrite)

	hpa, attr, present := e.tree.GetMapping(0x1000)
	if !present {
		t.Fatalf("expected EPT mapping mirrored from GPM")
	}

	if hpa != 0x2000 {
		t.Errorf("hpa = %#x, want 0x2000", hpa)
	}

	if attr&AttrWrite == 0 {
		t.Errorf("expected write bit carried through")
	}
}

func TestHandleMMIOExitUnclaimedIsFatalSignal(t *testing.T) {
	t.Parallel()

	bus := event.NewBus()
	e := New(bus, nil, 0, mam.LevelPT, Policy{})

	handled := e.HandleMMIOExit(bus, mmioAccess(0x3000, false))
	if handled {
		t.Errorf("expected unclaimed access to report unhandled")
	}
}

func TestHandleMMIOExitClaimedByUnclaimedHandler(t *testing.T) {
	t.Parallel()

	bus := event.NewBus()
	e := New(bus, nil, 0, mam.LevelPT, Policy{})
	e.SetUnclaimedHandler(func(gpa uint64, write bool) bool { return gpa == 0x4000 })

	if !e.HandleMMIOExit(bus, mmioAccess(0x4000, true)) {
		t.Errorf("expected claimed access to report handled")
	}
}
