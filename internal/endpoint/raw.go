package endpoint

import (
	"io"
	"log/slog"
	"net"

	"github.com/dig2-project/dig2-go/internal/dig2err"
	"github.com/dig2-project/dig2-go/internal/wire"
)

// rawHeaderSize is the 13-byte per-buffer header the server sends ahead
// of every TCP "raw" payload: u64 size, u32 event_count, u8 aligned
// (spec §4.4.2, §6 "TCP data frame").
const rawHeaderSize = 13

// Raw is the TCP transport of the hardware endpoint (spec §4.4.2).
type Raw struct {
	*Hardware
	conn   net.Conn
	logger *slog.Logger

	building ByteBuffer
}

// NewRaw wraps conn as the "raw" hardware endpoint transport.
func NewRaw(hw *Hardware, conn net.Conn, logger *slog.Logger) *Raw {
	return &Raw{Hardware: hw, conn: conn, logger: logger}
}

// Run is the receiver thread body: read one 13-byte header at a time,
// and drive the byte ring or the clearing-receiver barrier accordingly
// (spec §4.4.1, §4.4.2). It returns when conn is closed or a protocol
// invariant is violated.
func (r *Raw) Run() error {
	const op = "endpoint.Raw.Run"
	header := make([]byte, rawHeaderSize)

	for {
		state := r.state.WaitActive()
		if state == StateQuittingDecoder {
			return nil
		}

		if _, err := io.ReadFull(r.conn, header); err != nil {
			if err == io.EOF {
				return nil
			}
			return dig2err.Wrap(dig2err.CommunicationError, op, err)
		}

		size := wire.U64LE(header[0:8])
		eventCount := wire.U32LE(header[8:12])
		aligned := header[12] != 0

		if size == 0 {
			// Barrier packet: fences the clearing_receiver -> idle
			// transition, never appended to any buffer (spec §4.4.2).
			if state == StateClearingReceiver {
				r.state.Set(StateIdle)
			}
			continue
		}

		if state != StateReady && state != StateClearingReceiver {
			continue
		}

		offset := r.building.Len
		if need := offset + int(size); cap(r.building.Data) < need {
			r.WarnSizeWidened(cap(r.building.Data), need)
		}
		r.building.Reserve(offset + int(size))
		if _, err := io.ReadFull(r.conn, r.building.Data[offset:offset+int(size)]); err != nil {
			return dig2err.Wrap(dig2err.CommunicationError, op, err)
		}
		r.building.Len = offset + int(size)
		r.building.EventCount += eventCount

		if state == StateClearingReceiver {
			// Discard payload while clearing; only the barrier matters.
			r.building.Reset()
			continue
		}

		if aligned {
			slot := r.ring.AcquireWrite()
			slot.Reserve(r.building.Len)
			copy(slot.Data, r.building.Data[:r.building.Len])
			slot.Len = r.building.Len
			slot.EventCount = r.building.EventCount
			r.ring.CommitWrite()
			r.building.Reset()
		}
	}
}
