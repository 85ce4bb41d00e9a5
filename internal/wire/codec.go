// Package wire implements the endian-fixed integer serialization used by
// every frame in the streaming runtime (control frames, data frame
// headers, event headers) and the bit-field pack/unpack helpers the event
// decoders use to pull sub-byte fields out of 64-bit wire words.
//
// All multi-byte integers on the wire are little-endian (spec §6), unlike
// the teacher's protocol package which is big-endian; only the framing
// shape (magic + fixed header + length-prefixed body) is reused here.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ErrShortRead is returned when a Read* helper cannot fill its target from
// the supplied reader.
var ErrShortRead = fmt.Errorf("wire: short read")

// ReadU8 reads a single byte.
func ReadU8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("wire: reading u8: %w", err)
	}
	return b[0], nil
}

// ReadU16LE reads a little-endian uint16.
func ReadU16LE(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("wire: reading u16: %w", err)
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

// ReadU32LE reads a little-endian uint32.
func ReadU32LE(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("wire: reading u32: %w", err)
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// ReadU64LE reads a little-endian uint64.
func ReadU64LE(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("wire: reading u64: %w", err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// PutU16LE appends the little-endian encoding of v to dst.
func PutU16LE(dst []byte, v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return append(dst, b[:]...)
}

// PutU32LE appends the little-endian encoding of v to dst.
func PutU32LE(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

// PutU64LE appends the little-endian encoding of v to dst.
func PutU64LE(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// U16LE decodes a little-endian uint16 directly out of a byte slice.
func U16LE(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }

// U32LE decodes a little-endian uint32 directly out of a byte slice.
func U32LE(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

// U64LE decodes a little-endian uint64 directly out of a byte slice.
func U64LE(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }
