package mmioconsole_test

import (
	"bytes"
	"testing"

	"github.com/bobuhiro11/govmm/device/mmioconsole"
)

func TestWriteAtOffsetZeroEchoesBytes(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	d := mmioconsole.New(0x900000, &buf)

	if err := d.Write(0, []byte{'H'}); err != nil {
		t.Fatal(err)
	}
	if err := d.Write(0, []byte{'i'}); err != nil {
		t.Fatal(err)
	}

	if buf.String() != "Hi" {
		t.Fatalf("console output = %q, want %q", buf.String(), "Hi")
	}
}

func TestWriteAtNonZeroOffsetIsIgnored(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	d := mmioconsole.New(0x900000, &buf)

	if err := d.Write(4, []byte{'x'}); err != nil {
		t.Fatal(err)
	}

	if buf.Len() != 0 {
		t.Fatalf("Write at offset 4 produced output %q, want none", buf.String())
	}
}

func TestReadReturnsZero(t *testing.T) {
	t.Parallel()

	d := mmioconsole.New(0x900000, &bytes.Buffer{})
	data := []byte{0xff, 0xff}

	if err := d.Read(0, data); err != nil {
		t.Fatal(err)
	}

	if data[0] != 0 || data[1] != 0 {
		t.Fatalf("Read() = %v, want zeros", data)
	}
}
