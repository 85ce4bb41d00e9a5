package endpoint

import (
	"log/slog"
	"net"

	"github.com/dig2-project/dig2-go/internal/dig2err"
	"github.com/dig2-project/dig2-go/internal/wire"
)

// rawudp trailer bit layout within the 8-byte little-endian trailer word
// (spec §6 "UDP data frame"): buffer_id:16, reserved:1, hash:32,
// aligned:1, n_words:13, last:1.
const (
	trailerBufferIDShift = 0
	trailerBufferIDWidth = 16
	trailerHashShift     = 17
	trailerHashWidth     = 32
	trailerAlignedShift  = 49
	trailerAlignedWidth  = 1
	trailerNWordsShift   = 50
	trailerNWordsWidth   = 13
	trailerLastShift     = 63
	trailerLastWidth     = 1
)

type udpTrailer struct {
	bufferID uint16
	hash     uint32
	aligned  bool
	nWords   uint16
	last     bool
}

func parseUDPTrailer(word uint64) udpTrailer {
	return udpTrailer{
		bufferID: uint16(wire.BitField(word, trailerBufferIDShift, trailerBufferIDWidth)),
		hash:     uint32(wire.BitField(word, trailerHashShift, trailerHashWidth)),
		aligned:  wire.BitField(word, trailerAlignedShift, trailerAlignedWidth) != 0,
		nWords:   uint16(wire.BitField(word, trailerNWordsShift, trailerNWordsWidth)),
		last:     wire.BitField(word, trailerLastShift, trailerLastWidth) != 0,
	}
}

// RawUDP is the UDP transport of the hardware endpoint (spec §4.4.3). It
// has no ordering guarantee from the network, so the trailer's
// buffer_id + datagram counter + DJB2a hash together provide ordering
// verification and loss detection in place of a retransmit.
//
// Grounded on internal/server/gap_tracker.go's single-struct,
// mutex-guarded sequence-tracking shape: both decide between "accept",
// "reset", and "discard partial" for an out-of-order arrival, though
// rawudp never requests a retransmission (spec §4.4.3 "Rationale").
type RawUDP struct {
	*Hardware
	conn   net.PacketConn
	logger *slog.Logger

	expectedBufferID uint16
	expectedCounter  uint32
	priorAligned     bool
	building         ByteBuffer
}

// NewRawUDP wraps conn as the "rawudp" hardware endpoint transport.
func NewRawUDP(hw *Hardware, conn net.PacketConn, logger *slog.Logger) *RawUDP {
	return &RawUDP{Hardware: hw, conn: conn, logger: logger}
}

// Run is the receiver thread body: read one datagram at a time and drive
// the byte ring through the buffer_id/counter/hash decision table.
func (r *RawUDP) Run() error {
	const op = "endpoint.RawUDP.Run"
	buf := make([]byte, 65536)

	for {
		state := r.state.WaitActive()
		if state == StateQuittingDecoder {
			return nil
		}

		n, _, err := r.conn.ReadFrom(buf)
		if err != nil {
			return dig2err.Wrap(dig2err.CommunicationError, op, err)
		}
		if n < 8 {
			continue // short datagram, no trailer: protocol violation, drop
		}

		payload := buf[:n-8]
		trailer := parseUDPTrailer(wire.U64LE(buf[n-8 : n]))

		if state != StateReady && state != StateClearingReceiver {
			continue
		}

		if state == StateClearingReceiver {
			// Discard payload while clearing; only the barrier matters
			// (spec §4.4.1 "In clearing_receiver, data is read from the
			// socket and discarded"). An empty datagram is the barrier
			// equivalent for the UDP transport: the device injects it a
			// moment after the last real data, the same way the TCP
			// transport's zero-length frame does.
			r.building.Reset()
			if len(payload) == 0 {
				r.state.Set(StateIdle)
			}
			continue
		}

		r.handleDatagram(payload, trailer)
	}
}

func (r *RawUDP) handleDatagram(payload []byte, t udpTrailer) {
	// Rule: empty payload with the prior trailer's aligned flag set
	// flushes the currently-building buffer even without a last bit.
	if len(payload) == 0 && r.priorAligned {
		r.flush()
		return
	}

	if t.bufferID != r.expectedBufferID {
		// Prior buffer's tail lost: discard partial accumulation, start
		// fresh tracking for the buffer_id actually being observed.
		r.building.Reset()
		r.expectedBufferID = t.bufferID
		r.expectedCounter = 0
	}

	expectedHash := wire.DJB2aBytes(r.expectedCounter, payload)
	if t.hash != expectedHash {
		// Mid-stream device reset: the stream restarted at buffer 0,
		// counter 0, and this datagram's hash verifies against that.
		resetHash := wire.DJB2aBytes(0, payload)
		if t.bufferID == 0 && t.hash == resetHash {
			r.building.Reset()
			r.expectedBufferID = 0
			r.expectedCounter = 0
		} else {
			r.logger.Warn("rawudp hash mismatch, dropping datagram",
				"buffer_id", t.bufferID, "expected_counter", r.expectedCounter)
			r.priorAligned = t.aligned
			return
		}
	}

	offset := r.building.Len
	if need := offset + len(payload); cap(r.building.Data) < need {
		r.WarnSizeWidened(cap(r.building.Data), need)
	}
	r.building.Reserve(offset + len(payload))
	copy(r.building.Data[offset:], payload)
	r.building.Len = offset + len(payload)
	r.building.EventCount++
	r.expectedCounter++
	r.priorAligned = t.aligned

	if t.last {
		r.flush()
		r.expectedBufferID++ // wraps modulo 2^16 via uint16 overflow
		r.expectedCounter = 0
	}
}

func (r *RawUDP) flush() {
	if r.building.Len == 0 {
		return
	}
	slot := r.ring.AcquireWrite()
	slot.Reserve(r.building.Len)
	copy(slot.Data, r.building.Data[:r.building.Len])
	slot.Len = r.building.Len
	slot.EventCount = r.building.EventCount
	r.ring.CommitWrite()
	r.building.Reset()
}
