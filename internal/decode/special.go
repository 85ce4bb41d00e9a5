package decode

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dig2-project/dig2-go/internal/dig2err"
	"github.com/dig2-project/dig2-go/internal/schema"
	"github.com/dig2-project/dig2-go/internal/wire"
)

// StartInfo is the acquisition-wide metadata carried by a "start"
// special event (spec §4.6.4).
type StartInfo struct {
	DecimationLog2 uint8
	NTraces        uint8
	AcqWidth       uint32
	ChannelMask    uint64
}

// StopInfo is the final timestamp/dead-time metadata carried by a
// "stop" special event (spec §4.6.4).
type StopInfo struct {
	Timestamp uint64
	DeadTime  uint64
}

// Special is the implicit "events" software endpoint: it consumes
// start/stop framing events and, on stop, sets a pending flag the
// dispatcher polls to broadcast stop() to every sibling decoder (spec
// §4.5, §4.6.4). It is never exposed to the library's user (spec §3
// "Endpoint").
//
// Grounded on original_source/src/endpoints/events.cpp's decode/switch
// over special_evt::event_id_type; read_data/has_data are genuinely
// not_yet_implemented there since this endpoint has no user-visible
// record, reused verbatim as the NotYetImplemented behavior here.
type Special struct {
	mu        sync.Mutex
	lastStart *StartInfo
	lastStop  *StopInfo

	pendingStop atomic.Bool

	onStart func(StartInfo)
}

// NewSpecial constructs the implicit events decoder. onStart, if
// non-nil, is invoked synchronously from the decoder thread on every
// "start" event with the decoded StartInfo (spec §4.6.4 "notifies the
// hardware endpoint"). dig2.Open passes Session.onAcquisitionStart, which
// ignores the metadata; the hardware endpoint itself is not notified.
func NewSpecial(onStart func(StartInfo)) *Special {
	return &Special{onStart: onStart}
}

func (s *Special) NodeName() string  { return "events" }
func (s *Special) Format() FormatCode { return FormatSpecialEvent }

func (s *Special) Resize(int) error { return nil }
func (s *Special) ClearData()       {}
func (s *Special) Stop()            {}

// TakePendingStop implements stopper: the dispatcher calls this once
// per event, after routing it to every decoder, to learn whether a stop
// broadcast is now due.
func (s *Special) TakePendingStop() bool {
	return s.pendingStop.Swap(false)
}

// Decode parses one special event. The leading 4 bits must equal
// FormatSpecialEvent; any other format is silently ignored (spec §4.6
// "decode").
func (s *Special) Decode(buf []byte) error {
	if len(buf) < 8 {
		return nil
	}
	header := wire.U64LE(buf)
	if formatOf(header) != FormatSpecialEvent {
		return nil
	}

	eventID := EventID(wire.BitField(header, 56, 4))
	nAdditional := int(wire.BitField(header, 48, 8))
	nWords := int(wire.BitField(header, 0, 32))
	if nWords < 1+nAdditional {
		return dig2err.New(dig2err.InternalError, "decode.Special.Decode", "inconsistent additional header count")
	}

	additional := make([]uint64, nAdditional)
	off := 8
	for i := 0; i < nAdditional; i++ {
		if off+8 > len(buf) {
			return dig2err.New(dig2err.InternalError, "decode.Special.Decode", "truncated additional header")
		}
		additional[i] = wire.U64LE(buf[off:])
		off += 8
	}

	switch eventID {
	case EventStart:
		info := s.decodeStart(additional)
		s.mu.Lock()
		s.lastStart = &info
		s.mu.Unlock()
		if s.onStart != nil {
			s.onStart(info)
		}
	case EventStop:
		info := s.decodeStop(additional)
		s.mu.Lock()
		s.lastStop = &info
		s.mu.Unlock()
		s.pendingStop.Store(true)
	}
	return nil
}

// decodeStart unpacks the "acq_width" and "size_32" additional headers
// of a start event (spec §4.6.4; layout grounded on
// original_source/include/endpoints/events.hpp's start_event_data).
func (s *Special) decodeStart(additional []uint64) StartInfo {
	var info StartInfo
	if len(additional) > 0 {
		w := additional[0]
		info.AcqWidth = uint32(wire.BitField(w, 0, 25))
		info.NTraces = uint8(wire.BitField(w, 25, 2))
		info.DecimationLog2 = uint8(wire.BitField(w, 27, 5))
	}
	if len(additional) > 1 {
		info.ChannelMask = wire.BitField(additional[1], 0, 32)
	}
	if len(additional) > 2 {
		info.ChannelMask |= wire.BitField(additional[2], 0, 32) << 32
	}
	return info
}

// decodeStop unpacks the "evt_time_tag"/"dead_time" additional headers
// of a stop event.
func (s *Special) decodeStop(additional []uint64) StopInfo {
	var info StopInfo
	if len(additional) > 0 {
		info.Timestamp = wire.BitField(additional[0], 0, 48)
	}
	if len(additional) > 1 {
		info.DeadTime = wire.BitField(additional[1], 0, 32)
	}
	return info
}

// LastStart returns the most recently observed start metadata, if any.
func (s *Special) LastStart() (StartInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastStart == nil {
		return StartInfo{}, false
	}
	return *s.lastStart, true
}

// LastStop returns the most recently observed stop metadata, if any.
func (s *Special) LastStop() (StopInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastStop == nil {
		return StopInfo{}, false
	}
	return *s.lastStop, true
}

// ReadData is not_yet_implemented: the events endpoint has no
// user-visible record (spec §3 "implicit... never exposed to the
// user"), matching original_source/src/endpoints/events.cpp exactly.
func (s *Special) ReadData(time.Duration, schema.Sink) error {
	return dig2err.New(dig2err.NotYetImplemented, "decode.Special.ReadData", "events endpoint has no user-visible read path")
}

func (s *Special) HasData(time.Duration) bool { return false }

func (s *Special) DefaultSchema() schema.Schema { return nil }

func (s *Special) FieldRank(string) (schema.Rank, bool) { return 0, false }
