package bootparam_test

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"testing"

	"github.com/monhv/monhv/bootparam"
)

func bpnew(n string) (*bootparam.BootParam, error) {
	f, err := os.Open(n)
	if err != nil {
		return nil, fmt.Errorf("skipping this test: %w", err)
	}
	defer f.Close()

	return bootparam.New(f)
}

func TestNew(t *testing.T) {
	t.Parallel()

	if _, err := bpnew("../bzImage"); err != nil {
		t.Skipf("skipping this test: %v", err)
	}
}

func TestNewNotbzImage(t *testing.T) {
	t.Parallel()

	if _, err := bpnew("../DESIGN.md"); err == nil {
		t.Fatal("expected an error for a non-bzImage file")
	}
}

func TestBytes(t *testing.T) {
	t.Parallel()

	b, err := bpnew("../bzImage")
	if err != nil {
		t.Skipf("skipping this test: %v", err)
	}

	if _, err := b.Bytes(); err != nil {
		t.Fatal(err)
	}
}

func TestSetters(t *testing.T) {
	t.Parallel()

	b, err := bpnew("../bzImage")
	if err != nil {
		t.Skipf("skipping this test: %v", err)
	}

	b.SetVidMode(0xffff)
	b.SetTypeOfLoader(0xff)
	b.OrLoadFlags(bootparam.LoadFlagCanUseHeap | bootparam.LoadFlagLoadedHigh)
	b.SetRamdisk(0xf000000, 0x1000)
	b.SetHeapEndPtr(0xfe00)
	b.SetExtLoaderVer(0)
	b.SetCmdline(0x20000, 7)

	raw, err := b.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	if got := binary.LittleEndian.Uint16(raw[0x1fa:]); got != 0xffff {
		t.Fatalf("vid_mode: got %#x, want 0xffff", got)
	}

	if raw[0x210] != 0xff {
		t.Fatalf("type_of_loader: got %#x, want 0xff", raw[0x210])
	}

	if got := binary.LittleEndian.Uint32(raw[0x218:]); got != 0xf000000 {
		t.Fatalf("ramdisk_image: got %#x, want 0xf000000", got)
	}

	if got := binary.LittleEndian.Uint32(raw[0x228:]); got != 0x20000 {
		t.Fatalf("cmd_line_ptr: got %#x, want 0x20000", got)
	}
}

func TestAddE820Entry(t *testing.T) {
	t.Parallel()

	b, err := bpnew("../bzImage")
	if err != nil {
		t.Skipf("skipping this test: %v", err)
	}

	b.AddE820Entry(
		0x1234567812345678,
		0xabcdefabcdefabcd,
		bootparam.E820Ram,
	)

	rawBootParam, _ := b.Bytes()
	if rawBootParam[0x1E8] != 1 {
		t.Fatalf("invalid e820_entries: %d", rawBootParam[0x1E8])
	}

	actual := bootparam.E820Entry{}
	reader := bytes.NewReader(rawBootParam[0x2D0:])

	if err := binary.Read(reader, binary.LittleEndian, &actual); err != nil {
		t.Fatal(err)
	}

	if actual.Addr != 0x1234567812345678 {
		t.Fatalf("invalid e820 addr: %v", actual.Addr)
	}

	if actual.Size != 0xabcdefabcdefabcd {
		t.Fatalf("invalid e820 size: %v", actual.Size)
	}

	if actual.Type != bootparam.E820Ram {
		t.Fatalf("invalid e820 type: %v", actual.Type)
	}
}
