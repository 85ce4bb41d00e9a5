package wire

import (
	"bytes"
	"testing"
)

func TestReadWriteRoundTrip(t *testing.T) {
	var buf []byte
	buf = PutU16LE(buf, 0xBEEF)
	buf = PutU32LE(buf, 0xDEADBEEF)
	buf = PutU64LE(buf, 0x0102030405060708)

	r := bytes.NewReader(buf)

	u16, err := ReadU16LE(r)
	if err != nil || u16 != 0xBEEF {
		t.Fatalf("ReadU16LE() = %x, %v, want 0xBEEF, nil", u16, err)
	}
	u32, err := ReadU32LE(r)
	if err != nil || u32 != 0xDEADBEEF {
		t.Fatalf("ReadU32LE() = %x, %v, want 0xDEADBEEF, nil", u32, err)
	}
	u64, err := ReadU64LE(r)
	if err != nil || u64 != 0x0102030405060708 {
		t.Fatalf("ReadU64LE() = %x, %v, want 0x0102030405060708, nil", u64, err)
	}
}

func TestReadShortInput(t *testing.T) {
	if _, err := ReadU64LE(bytes.NewReader([]byte{1, 2, 3})); err == nil {
		t.Fatalf("expected error reading truncated u64")
	}
}

func TestDirectSliceDecode(t *testing.T) {
	b := []byte{0x01, 0x00, 0x02, 0x00, 0x00, 0x00}
	if got := U16LE(b); got != 1 {
		t.Fatalf("U16LE() = %d, want 1", got)
	}
	if got := U32LE(b[2:]); got != 2 {
		t.Fatalf("U32LE() = %d, want 2", got)
	}
}
