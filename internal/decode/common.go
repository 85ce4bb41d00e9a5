// Package decode implements the event dispatcher and the per-format
// decoders that turn a hardware endpoint's raw byte stream into decoded
// records (spec §4.5, §4.6): the oscilloscope decoder, the three
// aggregate DPP decoders (PHA, PSD, Open-DPP), the DPP-ZLE decoder and
// the implicit special-events sink.
package decode

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dig2-project/dig2-go/internal/dig2err"
	"github.com/dig2-project/dig2-go/internal/schema"
)

// FormatCode is the 4-bit format field of an event header (spec §4.5,
// §6). Values and names are grounded on
// original_source/include/endpoints/sw_endpoint.hpp's evt_header::format
// enum, the header that resolves the wire format the spec names only in
// prose. Every aggregate DPP decoder (PHA, PSD, open-DPP, ZLE) shares
// FormatIndividualTrigger: only one is ever registered per acquisition,
// since the device only advertises the /endpoint child matching its
// current firmware mode (spec §4.3 "Endpoint graph").
type FormatCode uint8

const (
	FormatUnused            FormatCode = 0x0
	FormatCommonTriggerMode FormatCode = 0x1 // scope
	FormatIndividualTrigger FormatCode = 0x2 // aggregate DPP envelope (PHA/PSD/open-DPP/ZLE)
	FormatSpecialEvent      FormatCode = 0x3
	FormatSpecialTimeEvent  FormatCode = 0x4
)

// EventID is the special-event sub-type carried in a special_event's
// implementation-defined bits (spec §4.6.4).
type EventID uint8

const (
	EventStart EventID = 0x0
	EventStop  EventID = 0x2
)

// Decoder is the contract every per-format decoder satisfies, both
// towards the event dispatcher (Decode, over its own registered
// FormatCode) and towards a consumer thread (ReadData, HasData,
// ClearData) — spec §4.6 "Decoders (common contract)".
type Decoder interface {
	NodeName() string
	Format() FormatCode
	Resize(maxRawDataSize int) error
	Decode(buf []byte) error
	Stop()
	ReadData(timeout time.Duration, sink schema.Sink) error
	HasData(timeout time.Duration) bool
	ClearData()
	DefaultSchema() schema.Schema
	FieldRank(name string) (schema.Rank, bool)
}

// stopper is implemented by the special-events decoder: the dispatcher
// polls it after every event to see whether a stop() broadcast to every
// sibling decoder is now due (spec §4.5 "After the main decoders have
// processed the event...").
type stopper interface {
	TakePendingStop() bool
}

// clearRequester is the asynchronous "clear required" flag an aggregate
// decoder polls between hits (spec §4.6 "decode": "an asynchronous
// 'clear required' flag is polled between hits"). Grounded on
// original_source/include/endpoints/aggregate_endpoint.hpp's
// require_clear/is_clear_required_and_reset pair.
type clearRequester struct {
	pending atomic.Bool
}

func (c *clearRequester) require()        { c.pending.Store(true) }
func (c *clearRequester) takeAndReset() bool { return c.pending.Swap(false) }

// Ring slot sizes, spec §4.6 "size: 4096 for high-rate DPP, 4 for
// scope/ZLE that are waveform-heavy".
const (
	ringCapacityHighRate      = 4096
	ringCapacityWaveformHeavy = 4
)

// readSentinel is the shared "timeout vs stop vs ok" translation every
// decoder's ReadData uses after AcquireRead (spec §4.6 "read_data").
func readSentinel(ok bool, isStop bool, op string) error {
	if !ok {
		return dig2err.New(dig2err.Timeout, op, "read_data timed out")
	}
	if isStop {
		return dig2err.New(dig2err.Stop, op, "end of stream")
	}
	return nil
}

// logWarn is a one-line indirection so decoders can log without each one
// importing log/slog separately at the call site for a single warning.
func logWarn(logger *slog.Logger, msg string, args ...any) {
	if logger != nil {
		logger.Warn(msg, args...)
	}
}
