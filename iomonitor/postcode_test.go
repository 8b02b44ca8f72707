package iomonitor_test

import (
	"testing"

	"github.com/monhv/monhv/iomonitor"
)

func TestPostCodeWriteRejectsWrongSize(t *testing.T) {
	t.Parallel()

	if err := iomonitor.PostCodeWrite(iomonitor.PostCodePort, []byte{1, 2}); err == nil {
		t.Fatal("expected an error for a non-1-byte postcode write")
	}
}

func TestPostCodeWriteAcceptsOneByte(t *testing.T) {
	t.Parallel()

	if err := iomonitor.PostCodeWrite(iomonitor.PostCodePort, []byte{'A'}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPostCodeRead(t *testing.T) {
	t.Parallel()

	buf := []byte{0xff}
	if err := iomonitor.PostCodeRead(iomonitor.PostCodePort, buf); err != nil {
		t.Fatal(err)
	}

	if buf[0] != 0 {
		t.Fatalf("expected 0, got %d", buf[0])
	}
}
