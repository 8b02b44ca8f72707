package inject

import "testing"

func TestClassifyVector(t *testing.T) {
	t.Parallel()

	cases := map[uint8]Class{
		VectorDF: ClassDoubleFault,
		VectorPF: ClassPageFault,
		VectorGP: ClassContributory,
		VectorTS: ClassContributory,
		6:        ClassBenign, // #UD
	}

	for vector, want := range cases {
		if got := ClassifyVector(vector); got != want {
			t.Errorf("ClassifyVector(%d) = %v, want %v", vector, got, want)
		}
	}
}

func TestReflectionTableContributoryOnContributoryMakesDoubleFault(t *testing.T) {
	t.Parallel()

	got := reflectionTable[ClassContributory][ClassContributory]
	if got != ActionMakeDoubleFault {
		t.Fatalf("contributory-on-contributory = %v, want ActionMakeDoubleFault", got)
	}
}

func TestReflectionTablePageFaultOnPageFaultMakesDoubleFault(t *testing.T) {
	t.Parallel()

	got := reflectionTable[ClassPageFault][ClassPageFault]
	if got != ActionMakeDoubleFault {
		t.Fatalf("#PF-on-#PF = %v, want ActionMakeDoubleFault", got)
	}
}

func TestReflectionTableDoubleFaultAlwaysTearsDown(t *testing.T) {
	t.Parallel()

	for col := ClassBenign; col <= ClassDoubleFault; col++ {
		if got := reflectionTable[ClassDoubleFault][col]; got != ActionTearDown {
			t.Errorf("prior #DF, new class %v = %v, want ActionTearDown", col, got)
		}
	}
}

func TestReflectionTableBenignPriorInjectsExceptOnDoubleFault(t *testing.T) {
	t.Parallel()

	for col := ClassBenign; col <= ClassPageFault; col++ {
		if got := reflectionTable[ClassBenign][col]; got != ActionInjectNew {
			t.Errorf("prior benign, new class %v = %v, want ActionInjectNew", col, got)
		}
	}

	if got := reflectionTable[ClassBenign][ClassDoubleFault]; got != ActionTearDown {
		t.Fatalf("prior benign, new #DF = %v, want ActionTearDown", got)
	}
}

func TestWantsErrorCodeGatedByUnrestrictedGuestAndProtectedMode(t *testing.T) {
	t.Parallel()

	e := Event{Vector: VectorGP, Kind: KindHardwareException}

	if !wantsErrorCode(e, false, false) {
		t.Fatal("expected error code when unrestricted guest is disabled")
	}

	if !wantsErrorCode(e, true, true) {
		t.Fatal("expected error code when guest is in protected mode")
	}

	if wantsErrorCode(e, true, false) {
		t.Fatal("expected no error code for real-mode unrestricted guest")
	}
}

func TestWantsErrorCodeOnlyForHardwareExceptionVectors(t *testing.T) {
	t.Parallel()

	soft := Event{Vector: VectorGP, Kind: KindSoftwareInterrupt}
	if wantsErrorCode(soft, false, false) {
		t.Fatal("software events never carry an architectural error code")
	}

	benign := Event{Vector: 6, Kind: KindHardwareException} // #UD carries none
	if wantsErrorCode(benign, false, false) {
		t.Fatal("#UD is not in the error-code vector set")
	}
}

func TestCheckBlockedByOutstandingEvent(t *testing.T) {
	t.Parallel()

	e := Event{Vector: 0x20, Kind: KindExternalInterrupt}

	if got := checkBlocked(e, true, Interruptibility{RFlagsIF: true}); got != BlockedByPendingEvent {
		t.Fatalf("blocked = %v, want BlockedByPendingEvent", got)
	}
}

func TestCheckBlockedExternalInterruptNeedsIF(t *testing.T) {
	t.Parallel()

	e := Event{Vector: 0x20, Kind: KindExternalInterrupt}

	if got := checkBlocked(e, false, Interruptibility{RFlagsIF: false}); got != BlockedByInterruptFlag {
		t.Fatalf("blocked = %v, want BlockedByInterruptFlag", got)
	}

	if got := checkBlocked(e, false, Interruptibility{RFlagsIF: true}); got != NotBlocked {
		t.Fatalf("blocked = %v, want NotBlocked", got)
	}
}

func TestCheckBlockedNMIRespectsNMIBlocking(t *testing.T) {
	t.Parallel()

	e := Event{Vector: 2, Kind: KindNMI}

	if got := checkBlocked(e, false, Interruptibility{NMIBlocking: true}); got != BlockedByNMI {
		t.Fatalf("blocked = %v, want BlockedByNMI", got)
	}
}

func TestCheckBlockedMovSSOverridesEventKind(t *testing.T) {
	t.Parallel()

	e := Event{Vector: 2, Kind: KindNMI}

	if got := checkBlocked(e, false, Interruptibility{MovSSBlocking: true}); got != BlockedByMovSS {
		t.Fatalf("blocked = %v, want BlockedByMovSS", got)
	}
}

func TestNMIUnblockingOnIRETRearmsForNonDoubleFault(t *testing.T) {
	t.Parallel()

	rearmed := false
	NMIUnblockingOnIRET(VectorGP, true, func() { rearmed = true })

	if !rearmed {
		t.Fatal("expected re-arm for a non-#DF vector during the IRET unblocking window")
	}
}

func TestNMIUnblockingOnIRETSkipsForDoubleFault(t *testing.T) {
	t.Parallel()

	rearmed := false
	NMIUnblockingOnIRET(VectorDF, true, func() { rearmed = true })

	if rearmed {
		t.Fatal("expected no re-arm when the delivered vector is #DF itself")
	}
}
