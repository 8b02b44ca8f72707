package vmexit

import (
	"errors"
	"testing"

	"github.com/monhv/monhv/event"
	"github.com/monhv/monhv/gcpu"
	"github.com/monhv/monhv/kvmhost"
	"github.com/monhv/monhv/vmcs"
)

func newTestDispatcher() *Dispatcher {
	bus := event.NewBus()
	cpu := gcpu.New(0, bus, nil)
	v := vmcs.New()
	acct := vmcs.NewAccountant(v, nil)

	return New(0, &kvmhost.RunData{}, cpu, v, acct, bus)
}

func TestDispatchBottomUpReflectsWhenNotHandled(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher()

	reflected := false
	d.ReflectException = func(*Dispatcher) error {
		reflected = true

		return nil
	}

	entry := ReasonEntry{
		Classification: BottomUp,
		L0:             func(*Dispatcher) (Result, error) { return NotHandled, nil },
	}

	result, err := d.dispatch(entry, kvmhost.ExitException)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result != Handled {
		t.Fatalf("result = %v, want Handled (serviced via reflection)", result)
	}

	if !reflected {
		t.Fatal("expected ReflectException to run for an unclaimed bottom-up exit")
	}
}

func TestDispatchBottomUpHandledSkipsReflection(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher()

	reflected := false
	d.ReflectException = func(*Dispatcher) error {
		reflected = true

		return nil
	}

	entry := ReasonEntry{
		Classification: BottomUp,
		L0:             func(*Dispatcher) (Result, error) { return Handled, nil },
	}

	result, err := d.dispatch(entry, kvmhost.ExitException)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result != Handled || reflected {
		t.Fatal("expected a Handled L0 result to skip reflection entirely")
	}
}

func TestDispatchTopDownAsksAnalyzerFirst(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher()
	d.Level = LevelL2
	d.Analyzer = stubAnalyzer{trap: true}

	ran := false
	entry := ReasonEntry{
		Classification: TopDown,
		L0:             func(*Dispatcher) (Result, error) { ran = true; return Handled, nil },
	}

	result, err := d.dispatch(entry, kvmhost.ExitIO)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result != NotHandled || ran {
		t.Fatal("expected the analyzer's L1 claim to ascend without running the L0 handler")
	}

	if d.Level != LevelL1 {
		t.Fatalf("Level = %v, want LevelL1 after ascent", d.Level)
	}
}

func TestDispatchUnknownExitReasonSurfacesError(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher()

	_, err := d.handleReason(kvmhost.ExitSetTPR)
	if err == nil {
		t.Fatal("expected an error for an unregistered exit reason")
	}

	if !errors.Is(err, kvmhost.ErrUnexpectedExitReason) {
		t.Errorf("error = %v, want wrapping ErrUnexpectedExitReason", err)
	}
}

type stubAnalyzer struct{ trap bool }

func (s stubAnalyzer) WouldL1Trap(*Dispatcher, kvmhost.ExitType) bool { return s.trap }
