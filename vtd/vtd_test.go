package vtd

import "testing"

func TestDefaultBusResolvesToDomainZero(t *testing.T) {
	t.Parallel()

	e := New(nil, nil)

	if got := e.DomainForBus(3); got != 0 {
		t.Errorf("DomainForBus = %d, want 0", got)
	}
}

func TestAssignDevForksContextOnlyWhenMultiGuest(t *testing.T) {
	t.Parallel()

	e := New(nil, nil)
	e.AssignDev(1, 5)

	if got := e.DomainForBus(5); got != 0 {
		t.Errorf("expected bus unchanged without MultiGuestDMA, got domain %d", got)
	}

	e.MultiGuestDMA = true
	e.AssignDev(1, 5)

	if got := e.DomainForBus(5); got != 1 {
		t.Errorf("DomainForBus = %d, want 1", got)
	}
}

func TestActivateLogsSequence(t *testing.T) {
	t.Parallel()

	e := New(nil, nil)
	e.Activate()

	steps := e.Trace().Steps
	if len(steps) != 6 {
		t.Fatalf("expected 6 trace steps, got %d: %v", len(steps), steps)
	}

	if steps[0] != "WBINVD" {
		t.Errorf("first step = %q, want WBINVD", steps[0])
	}
}
