package wire

import "testing"

func TestBitFieldExtraction(t *testing.T) {
	// event header: bits 63..60 format, 59..32 impl-defined, 31..0 n_words.
	word := uint64(0xA)<<60 | uint64(0x123456)<<32 | uint64(0x89ABCDEF)

	if got := BitField(word, 60, 4); got != 0xA {
		t.Fatalf("format = %x, want 0xA", got)
	}
	if got := BitField(word, 32, 28); got != 0x123456 {
		t.Fatalf("impl_defined = %x, want 0x123456", got)
	}
	if got := BitField(word, 0, 32); got != 0x89ABCDEF {
		t.Fatalf("n_words = %x, want 0x89ABCDEF", got)
	}
}

func TestPackBitFieldRoundTrip(t *testing.T) {
	var word uint64
	word = PackBitField(word, 60, 4, 0xA)
	word = PackBitField(word, 0, 32, 0x89ABCDEF)

	if got := BitField(word, 60, 4); got != 0xA {
		t.Fatalf("format = %x, want 0xA", got)
	}
	if got := BitField(word, 0, 32); got != 0x89ABCDEF {
		t.Fatalf("n_words = %x, want 0x89ABCDEF", got)
	}
}

func TestSignExtend14(t *testing.T) {
	// 0x3FFF is -1 in 14-bit two's complement.
	if got := SignExtend(0x3FFF, 14); got != -1 {
		t.Fatalf("SignExtend(0x3FFF, 14) = %d, want -1", got)
	}
	// 0x2000 is the most negative 14-bit value: -8192.
	if got := SignExtend(0x2000, 14); got != -8192 {
		t.Fatalf("SignExtend(0x2000, 14) = %d, want -8192", got)
	}
	if got := SignExtend(0x0001, 14); got != 1 {
		t.Fatalf("SignExtend(1, 14) = %d, want 1", got)
	}
}

func TestPopcount64(t *testing.T) {
	cases := map[uint64]int{
		0:    0,
		0b11: 2,
		^uint64(0): 64,
	}
	for v, want := range cases {
		if got := Popcount64(v); got != want {
			t.Fatalf("Popcount64(%b) = %d, want %d", v, got, want)
		}
	}
}
