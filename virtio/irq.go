package virtio

// IRQInjector delivers a virtio device's interrupt to the guest. The
// VM orchestrator implements this against its own vCPU's inject.Event
// path rather than virtio touching KVM directly.
type IRQInjector interface {
	InjectVirtioBlkIRQ() error
	InjectVirtioNetIRQ() error
}
