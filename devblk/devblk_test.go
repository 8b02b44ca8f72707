package devblk

import (
	"testing"

	"github.com/monhv/monhv/event"
	"github.com/monhv/monhv/iomonitor"
	"github.com/monhv/monhv/pci"
)

func TestDummyPageIsAllOnes(t *testing.T) {
	t.Parallel()

	b := New(event.NewBus())

	for i, v := range b.dummy {
		if v != 0xFF {
			t.Fatalf("dummy[%d] = %#x, want 0xFF", i, v)
		}
	}
}

func TestOnViolationOnlySwallowsOwnedWrites(t *testing.T) {
	t.Parallel()

	bus := event.NewBus()
	b := New(bus)
	b.ranges = append(b.ranges, gpaRange{start: 0x1000, size: 0x1000})

	read := &event.EPTViolationPayload{GPA: 0x1000, Write: false}
	if handled := b.onViolation(read); handled {
		t.Fatal("expected a read to pass through, not be swallowed")
	}

	outside := &event.EPTViolationPayload{GPA: 0x5000, Write: true}
	if handled := b.onViolation(outside); handled {
		t.Fatal("expected a write outside the blocked range to pass through")
	}

	owned := &event.EPTViolationPayload{GPA: 0x1800, Write: true}
	if handled := b.onViolation(owned); !handled || !owned.Handled {
		t.Fatal("expected a write inside the blocked range to be swallowed")
	}
}

func TestIOBARHandlersReadAllOnesAndSwallowWrites(t *testing.T) {
	t.Parallel()

	buf := []byte{0, 0}
	if err := ioBARRead(0xC000, buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i, v := range buf {
		if v != 0xFF {
			t.Fatalf("buf[%d] = %#x, want 0xFF", i, v)
		}
	}

	if err := ioBARWrite(0xC000, []byte{0x42}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}


func TestBlockIOBARRegistersEveryPortInRange(t *testing.T) {
	t.Parallel()

	b := New(event.NewBus())
	io := iomonitor.New()

	b.blockIOBAR(io, pci.BARRecord{IsIO: true, Base: 0xC000, Size: 4})

	for port := uint16(0xC000); port < 0xC004; port++ {
		if !io.Registered(port) {
			t.Fatalf("port %#x not registered by blockIOBAR", port)
		}
	}

	if io.Registered(0xC004) {
		t.Fatal("expected the port past the BAR's end to remain unregistered")
	}
}

func TestAlignUp(t *testing.T) {
	t.Parallel()

	if got := alignUp(1, pageSize); got != pageSize {
		t.Fatalf("alignUp(1, 4096) = %d, want 4096", got)
	}

	if got := alignUp(pageSize, pageSize); got != pageSize {
		t.Fatalf("alignUp(4096, 4096) = %d, want 4096", got)
	}

	if got := alignUp(pageSize+1, pageSize); got != 2*pageSize {
		t.Fatalf("alignUp(4097, 4096) = %d, want 8192", got)
	}
}
