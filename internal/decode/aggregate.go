package decode

import (
	"github.com/dig2-project/dig2-go/internal/dig2err"
	"github.com/dig2-project/dig2-go/internal/wire"
)

// AggregateHeader is the one-word envelope every aggregate DPP event
// (PHA, PSD, open-DPP, ZLE) begins with (spec §4.6.2 "aggregate
// header"). Grounded on
// original_source/include/endpoints/aggregate_endpoint.hpp's
// dpp_aggregate_header.
type AggregateHeader struct {
	Flush            bool
	BoardFail        bool
	AggregateCounter uint32
	NWords           uint32
}

// decodeAggregateHeader reads the 1-word aggregate header at the start
// of buf. ok is false if the format does not match FormatIndividualTrigger
// (spec §4.6 "decode": "if the leading 4 bits don't match the decoder's
// format, returns immediately").
func decodeAggregateHeader(buf []byte) (hdr AggregateHeader, ok bool, err error) {
	if len(buf) < 8 {
		return AggregateHeader{}, false, nil
	}
	w := wire.U64LE(buf)
	if formatOf(w) != FormatIndividualTrigger {
		return AggregateHeader{}, false, nil
	}
	hdr.NWords = uint32(wire.BitField(w, 0, 32))
	hdr.AggregateCounter = uint32(wire.BitField(w, 32, 24))
	hdr.BoardFail = wire.BitField(w, 56, 1) != 0
	hdr.Flush = wire.BitField(w, 59, 1) != 0
	if hdr.NWords == 0 {
		return hdr, true, dig2err.New(dig2err.InternalError, "decode.decodeAggregateHeader", "n_words == 0")
	}
	return hdr, true, nil
}

// AnalogProbeType is the decoded common analog probe type, spanning the
// format-specific raw type codes (spec §4.6.2 "probe type codes").
type AnalogProbeType int

const (
	AnalogProbeUnknown AnalogProbeType = iota
	AnalogProbeADCInput
	AnalogProbeTimeFilter
	AnalogProbeEnergyFilter
	AnalogProbeEnergyFilterBaseline
	AnalogProbeEnergyFilterMinusBaseline
)

var analogProbeTypes = [...]AnalogProbeType{
	AnalogProbeADCInput,
	AnalogProbeTimeFilter,
	AnalogProbeEnergyFilter,
	AnalogProbeEnergyFilterBaseline,
	AnalogProbeEnergyFilterMinusBaseline,
}

func decodeAnalogProbeType(raw uint64) AnalogProbeType {
	if int(raw) < len(analogProbeTypes) {
		return analogProbeTypes[raw]
	}
	return AnalogProbeUnknown
}

// DigitalProbeType is the decoded common digital probe type (spec
// §4.6.2).
type DigitalProbeType int

const (
	DigitalProbeUnknown DigitalProbeType = iota
	DigitalProbeTrigger
	DigitalProbeTimeFilterArmed
	DigitalProbeRetriggerGuard
	DigitalProbeEnergyFilterBaselineFreeze
	DigitalProbeEnergyFilterPeaking
	DigitalProbeEnergyFilterPeakReady
	DigitalProbeEnergyFilterPileUpGuard
	DigitalProbeEventPileUp
	DigitalProbeADCSaturation
	DigitalProbeADCSaturationProtection
	DigitalProbePostSaturationEvent
	DigitalProbeEnergyFilterSaturation
	DigitalProbeSignalInhibit
)

var digitalProbeTypes = [...]DigitalProbeType{
	DigitalProbeTrigger,
	DigitalProbeTimeFilterArmed,
	DigitalProbeRetriggerGuard,
	DigitalProbeEnergyFilterBaselineFreeze,
	DigitalProbeEnergyFilterPeaking,
	DigitalProbeEnergyFilterPeakReady,
	DigitalProbeEnergyFilterPileUpGuard,
	DigitalProbeEventPileUp,
	DigitalProbeADCSaturation,
	DigitalProbeADCSaturationProtection,
	DigitalProbePostSaturationEvent,
	DigitalProbeEnergyFilterSaturation,
	DigitalProbeSignalInhibit,
}

func decodeDigitalProbeType(raw uint64) DigitalProbeType {
	if int(raw) < len(digitalProbeTypes) {
		return digitalProbeTypes[raw]
	}
	return DigitalProbeUnknown
}

// mulFactorOf decodes the 2-bit multiplication-factor field into its
// actual multiplier (spec §4.6.2 "multiplication factors... ∈ {1,4,8,16}").
func mulFactorOf(raw uint64) int {
	switch raw {
	case 0:
		return 1
	case 1:
		return 4
	case 2:
		return 8
	case 3:
		return 16
	default:
		return 0
	}
}

// extraWordType is the 3-bit type field of a hit's "extra" words (spec
// §4.6.2).
type extraWordType uint8

const (
	extraWaveInfo    extraWordType = 0
	extraTimeInfo    extraWordType = 1
	extraCounterInfo extraWordType = 2
	// extraUserInfo0..3 are Open-DPP's up to 4 user-defined info words,
	// carried in the same "extra word" envelope as wave_info/time_info/
	// counter_info. Each carries a 60-bit payload: bits 60-62 hold the
	// type tag, so a user info value wider than 60 bits is not decoded.
	extraUserInfo0 extraWordType = 3
	extraUserInfo1 extraWordType = 4
	extraUserInfo2 extraWordType = 5
	extraUserInfo3 extraWordType = 6
)

// userInfoIndex returns the 0..3 slot for a extraUserInfo0..3 type, or
// -1 if t is not a user-info type.
func userInfoIndex(t extraWordType) int {
	switch t {
	case extraUserInfo0:
		return 0
	case extraUserInfo1:
		return 1
	case extraUserInfo2:
		return 2
	case extraUserInfo3:
		return 3
	}
	return -1
}

// TimeInfo is the dead-time stats payload of a time_info extra word
// (spec §4.6.2 "routed into the per-channel stats endpoint").
type TimeInfo struct {
	DeadTime uint64
}

// CounterInfo is the trigger/saved-event stats payload of a
// counter_info extra word.
type CounterInfo struct {
	TriggerCount     uint32
	SavedEventCount  uint32
}

// ChannelStats accumulates the last time_info/counter_info values per
// channel, the "per-channel stats endpoint" spec §4.6.2 describes as the
// destination for extra words whose hit is never delivered to the user.
type ChannelStats struct {
	stats map[uint32]*channelStat
}

type channelStat struct {
	timestamp       uint64
	deadTime        uint64
	triggerCount    uint32
	savedEventCount uint32
}

func NewChannelStats() *ChannelStats {
	return &ChannelStats{stats: make(map[uint32]*channelStat)}
}

func (c *ChannelStats) Update(channel uint32, timestamp uint64, t *TimeInfo, cnt *CounterInfo) {
	s, ok := c.stats[channel]
	if !ok {
		s = &channelStat{}
		c.stats[channel] = s
	}
	s.timestamp = timestamp
	if t != nil {
		s.deadTime = t.DeadTime
	}
	if cnt != nil {
		s.triggerCount = cnt.TriggerCount
		s.savedEventCount = cnt.SavedEventCount
	}
}
