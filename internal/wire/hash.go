package wire

// DJB2aSeed is the traditional djb2 starting value.
const DJB2aSeed uint32 = 5381

// DJB2a computes the DJB2a (xor variant) hash over a sequence of 32-bit
// words, with salt prepended as the first element of the hashed sequence.
// The UDP data transport (spec §4.4.3) hashes the datagram payload as
// 32-bit half-words with the expected datagram counter prepended this
// way, so the hash doubles as both a checksum and an implicit sequence
// check.
func DJB2a(salt uint32, words []uint32) uint32 {
	h := DJB2aSeed
	h = ((h << 5) + h) ^ salt
	for _, w := range words {
		h = ((h << 5) + h) ^ w
	}
	return h
}

// DJB2aBytes hashes payload as a sequence of little-endian 32-bit words.
// If len(payload) is not a multiple of 4, the final partial word is
// zero-padded on the high end.
func DJB2aBytes(salt uint32, payload []byte) uint32 {
	n := len(payload) / 4
	words := make([]uint32, 0, n+1)
	for i := 0; i < n; i++ {
		words = append(words, U32LE(payload[i*4:]))
	}
	if rem := len(payload) % 4; rem != 0 {
		var tail [4]byte
		copy(tail[:], payload[n*4:])
		words = append(words, U32LE(tail[:]))
	}
	return DJB2a(salt, words)
}
