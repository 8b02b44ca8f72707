package suspend

import (
	"testing"
	"time"

	"github.com/monhv/monhv/event"
)

func TestSlpTypeMatches(t *testing.T) {
	t.Parallel()

	s3 := SlpType{Value: 5 << 10, Mask: 7 << 10, EnBit: 1 << 13}

	if !s3.Matches(5<<10 | 1<<13) {
		t.Fatal("expected a matching SLP_TYP with SLP_EN set to match")
	}

	if s3.Matches(5 << 10) {
		t.Fatal("expected SLP_EN=0 to not match")
	}

	if s3.Matches(3<<10 | 1<<13) {
		t.Fatal("expected a different SLP_TYP to not match")
	}
}

func TestWritePM1ControlRunsFullSequenceOnMatch(t *testing.T) {
	t.Parallel()

	bus := event.NewBus()
	resumed := false
	bus.Subscribe(event.ResumeFromS3, func(any) bool { resumed = true; return false })

	bc := event.NewBroadcaster()

	s3 := SlpType{Value: 5 << 10, Mask: 7 << 10, EnBit: 1 << 13}
	m := New(bus, bc, 1, s3, SlpType{}, false)

	bc.Register(1, func() {
		time.Sleep(time.Millisecond)
		m.MarkSlept(1)
	})

	wakingCalled := false
	m.WakingVectorPage = func(uint32) { wakingCalled = true }

	resumeCalled := false
	m.Resume = func() { resumeCalled = true }

	m.WritePM1Control(false, 5<<10|1<<13, 0x9000)

	if !wakingCalled || !resumeCalled || !resumed {
		t.Fatalf("expected full sequence to run: waking=%v resume=%v resumed=%v", wakingCalled, resumeCalled, resumed)
	}
}

func TestWritePM1ControlIgnoresNonMatchingWrite(t *testing.T) {
	t.Parallel()

	m := New(event.NewBus(), event.NewBroadcaster(), 0, SlpType{Value: 5 << 10, Mask: 7 << 10, EnBit: 1 << 13}, SlpType{}, false)

	ran := false
	m.Resume = func() { ran = true }

	m.WritePM1Control(false, 0, 0)

	if ran {
		t.Fatal("expected a non-matching write to never trigger the suspend sequence")
	}
}

func TestWritePM1ControlIgnoresPM1BWhenAbsent(t *testing.T) {
	t.Parallel()

	m := New(event.NewBus(), event.NewBroadcaster(), 0, SlpType{}, SlpType{Value: 5 << 10, Mask: 7 << 10, EnBit: 1 << 13}, false)

	ran := false
	m.Resume = func() { ran = true }

	m.WritePM1Control(true, 5<<10|1<<13, 0)

	if ran {
		t.Fatal("expected a PM1b write to be ignored when havePM1B is false")
	}
}
