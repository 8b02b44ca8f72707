// Package suspend implements the S3 prep/resume sequencing: a PM1
// control-block write matching the caller-supplied SLP_TYPa/b for S3 with
// SLP_EN=1 triggers a per-CPU quiesce, a BSP spin-wait, and a resume
// sequence that reactivates VT-d. Grounded in event.Broadcaster's
// goroutine-per-target fan-out (the same primitive reset.Monitor uses
// for its clear-vmx broadcast) rather than any teacher file, since the
// teacher implements no power-state transitions at all.
package suspend

import (
	"runtime"
	"sync"

	"github.com/monhv/monhv/event"
)

// SlpType names one PM1 control block's SLP_TYP field value and the
// SLP_EN bit position that arms it, both supplied by the caller; this
// package does not parse the guest's ACPI \_S3 object.
type SlpType struct {
	Value uint16
	Mask  uint16 // SLP_TYP field mask within the control word
	EnBit uint16 // SLP_EN bit mask
}

// Matches reports whether a PM1 control-block write requests S3.
func (s SlpType) Matches(written uint16) bool {
	return written&s.EnBit != 0 && written&s.Mask == s.Value&s.Mask
}

// PerCPU is what one AP does when asked to quiesce for suspend: clear
// its VMCS-equivalent pointers, tear down its vCPU file descriptor, and
// report back via MarkSlept.
type PerCPU func()

// Monitor is the per-platform S3 sequencing state.
type Monitor struct {
	pm1a, pm1b SlpType
	havePM1B   bool

	bc  *event.Broadcaster
	bus *event.Bus

	mu      sync.Mutex
	slept   map[int]bool
	apCount int

	// WakingVectorPage, when non-nil, is called with the resume SIPI
	// page's GPA so the caller can write the firmware waking vector.
	WakingVectorPage func(resumeVectorGPA uint32)

	// WBINVD is invoked in place of an actual cache-control instruction,
	// since userspace has no meaningful WBINVD -- logged, not executed.
	WBINVD func()

	// Resume re-creates vCPU file descriptors and reloads guest state for
	// every AP; called once the spin-wait completes, before
	// EVENT_RESUME_FROM_S3 is raised.
	Resume func()
}

// New builds a suspend monitor for apCount application processors
// (excluding the BSP), watching pm1a (and, if havePM1B, pm1b) for the
// given S3 encoding.
func New(bus *event.Bus, bc *event.Broadcaster, apCount int, pm1a SlpType, pm1b SlpType, havePM1B bool) *Monitor {
	return &Monitor{
		pm1a: pm1a, pm1b: pm1b, havePM1B: havePM1B,
		bc: bc, bus: bus,
		slept:   make(map[int]bool),
		apCount: apCount,
	}
}

// MarkSlept is called by an AP's PerCPU callback once it has quiesced.
func (m *Monitor) MarkSlept(vcpuID int) {
	m.mu.Lock()
	m.slept[vcpuID] = true
	m.mu.Unlock()
}

func (m *Monitor) sleptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.slept)
}

func (m *Monitor) resetSlept() {
	m.mu.Lock()
	m.slept = make(map[int]bool)
	m.mu.Unlock()
}

// WritePM1Control services a write to the PM1a (or PM1b) control block.
// If the write doesn't match the S3 encoding it is a no-op; the caller
// still forwards the raw write to whatever virtual ACPI device backs
// the register.
func (m *Monitor) WritePM1Control(pm1b bool, written uint16, resumeVectorGPA uint32) {
	slp := m.pm1a
	if pm1b {
		if !m.havePM1B {
			return
		}

		slp = m.pm1b
	}

	if !slp.Matches(written) {
		return
	}

	m.suspendAndResume(resumeVectorGPA)
}

// suspendAndResume runs the full sequence synchronously: broadcast
// prepare-s3 to every AP, spin until each has reported slept, write the
// resume vector, mark WBINVD, run Resume, and raise EVENT_RESUME_FROM_S3.
func (m *Monitor) suspendAndResume(resumeVectorGPA uint32) {
	m.resetSlept()

	if m.bc != nil {
		m.bc.Broadcast(-1)
	}

	for m.sleptCount() < m.apCount {
		runtime.Gosched()
	}

	if m.WakingVectorPage != nil {
		m.WakingVectorPage(resumeVectorGPA)
	}

	if m.WBINVD != nil {
		m.WBINVD()
	}

	if m.Resume != nil {
		m.Resume()
	}

	if m.bus != nil {
		m.bus.Publish(event.ResumeFromS3, nil)
	}
}
