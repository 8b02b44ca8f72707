// Package event implements the guest-local mutation event bus: a
// synchronous publish/subscribe mechanism used by GPM, EPT, VT-d and the
// reset/suspend machinery to stay coherent with each other without a
// direct dependency cycle between them.
package event

import "sync"

// Kind names one event type raised on a Bus.
type Kind int

const (
	// GPMSet fires on every gpm.SetMapping/RemoveMapping, before the
	// underlying mam mutation is visible to any reader.
	GPMSet Kind = iota
	// EPTViolation fires when ept's KVM_EXIT_MMIO fallback handler sees
	// an access it cannot resolve as a memory-slot gap.
	EPTViolation
	// SetCR2 fires when the page-walker or an injected #PF needs to set
	// a guest's CR2, allowing at most one subscriber to veto the default
	// write.
	SetCR2
	// ResumeFromS3 fires once host state has been restored after an S3
	// sleep, reactivating VT-d and any other engine with volatile
	// hardware state.
	ResumeFromS3
	// Shutdown fires when the guest signals ACPI S5 power-off through its
	// virtual shutdown device, telling the orchestrator to stop every
	// vCPU and tear the VM down.
	Shutdown
	// Reboot fires when the guest signals a warm reboot through the same
	// device, distinct from Shutdown's power-off.
	Reboot
)

// GPMSetPayload is delivered with a GPMSet event.
type GPMSetPayload struct {
	GPA, HPA, Size uint64
	Attr           uint64
}

// EPTViolationPayload is delivered with an EPTViolation event. Handled,
// when set true by a subscriber, tells the caller the access was
// resolved and the guest instruction should be treated as emulated
// rather than fatal.
type EPTViolationPayload struct {
	GPA      uint64
	Write    bool
	Len      int
	Handled  bool
}

// Handler processes one event. It returns true to stop dispatch to
// later-registered handlers (used by the single-subscriber-wins SetCR2
// veto and by EPTViolation's first-claimant-wins short-circuit).
type Handler func(payload any) bool

// Bus is one guest's event bus. Dispatch is synchronous and in
// registration order; GPMSet's "before the mam mutation returns"
// ordering guarantee is satisfied simply by the caller invoking Publish
// before committing its own mutation.
type Bus struct {
	mu       sync.Mutex
	handlers map[Kind][]Handler
}

// NewBus returns an empty event bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Kind][]Handler)}
}

// Subscribe registers h to run whenever kind is published. Subscribers
// for SetCR2 are expected to register at most one handler per guest; a
// second SetCR2 subscription is a programmer error and panics, mirroring
// the spec's first-subscriber-wins veto semantics for that one event.
func (b *Bus) Subscribe(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if kind == SetCR2 && len(b.handlers[kind]) > 0 {
		panic("event: SetCR2 already has a subscriber")
	}

	b.handlers[kind] = append(b.handlers[kind], h)
}

// Publish dispatches payload to every handler registered for kind, in
// registration order, stopping early if a handler returns true.
func (b *Bus) Publish(kind Kind, payload any) {
	b.mu.Lock()
	handlers := append([]Handler(nil), b.handlers[kind]...)
	b.mu.Unlock()

	for _, h := range handlers {
		if h(payload) {
			return
		}
	}
}

// Broadcaster runs a closure on every other host CPU currently executing
// a vCPU of the guest, used by ept/vtd to push an invalidation out before
// continuing. Grounded in the teacher's own per-vCPU goroutine fan-out
// (one goroutine per host CPU, joined with a sync.WaitGroup).
type Broadcaster struct {
	mu      sync.Mutex
	targets map[int]func()
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{targets: make(map[int]func())}
}

// Register associates a per-vCPU "run this on my host thread" callback
// with a vCPU id, invoked by Broadcast.
func (b *Broadcaster) Register(vcpuID int, onIPI func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.targets[vcpuID] = onIPI
}

// Unregister removes a vCPU's broadcast target, called when a vCPU is
// parked or torn down.
func (b *Broadcaster) Unregister(vcpuID int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.targets, vcpuID)
}

// Broadcast runs every registered target concurrently and waits for all
// of them to complete before returning, giving the caller a
// happens-before guarantee over the side effect each target performs.
func (b *Broadcaster) Broadcast(except int) {
	b.mu.Lock()
	targets := make([]func(), 0, len(b.targets))
	for id, fn := range b.targets {
		if id == except {
			continue
		}

		targets = append(targets, fn)
	}
	b.mu.Unlock()

	var wg sync.WaitGroup

	for _, fn := range targets {
		wg.Add(1)

		go func(fn func()) {
			defer wg.Done()
			fn()
		}(fn)
	}

	wg.Wait()
}
