package decode

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dig2-project/dig2-go/internal/dig2err"
	"github.com/dig2-project/dig2-go/internal/ringbuf"
	"github.com/dig2-project/dig2-go/internal/schema"
	"github.com/dig2-project/dig2-go/internal/session"
	"github.com/dig2-project/dig2-go/internal/wire"
)

// AnalogProbe is one decoded analog probe channel of a PHA hit's
// waveform (spec §4.6.2).
type AnalogProbe struct {
	Type         AnalogProbeType
	IsSigned     bool
	MulFactor    int
	Data         []uint16 // raw 14-bit samples
	DecodedData  []int32  // (signed? sign_extend14 : identity) * MulFactor
}

// DigitalProbe is one decoded digital probe channel.
type DigitalProbe struct {
	Type DigitalProbeType
	Data []uint8 // raw 1-bit samples
}

// PHARecord is the DPP-PHA decoder's decoded hit (spec §4.6.2, §8
// "DPP-PHA hit").
type PHARecord struct {
	Channel            uint32
	Timestamp          uint64
	FineTimestamp      uint16
	Energy             uint16
	FlagLowPriority    uint16
	FlagHighPriority   uint8
	TriggerThr         uint16
	TimeResolution     uint8
	AnalogProbes       [2]AnalogProbe
	DigitalProbes      [4]DigitalProbe
	WaveformTruncated  bool
	BoardFail          bool
	Flush              bool
	AggregateCounter   uint32
	EventSize          int

	FakeStopEvent bool
}

// PHA decodes DPP-PHA aggregate events (spec §4.6.2). Grounded
// bit-for-bit on original_source/include/endpoints/dpppha.hpp's hit_evt
// and original_source/src/endpoints/dpppha.cpp's decode_hit/
// decode_hit_waveform.
type PHA struct {
	commander session.Commander
	logger    *slog.Logger
	path      string
	nChannels int

	ring  *ringbuf.Ring[PHARecord]
	clear clearRequester
	stats *ChannelStats

	mu     sync.Mutex
	schema schema.Schema

	aggMu  sync.Mutex
	curAgg AggregateHeader
}

// NewPHA constructs the DPP-PHA decoder.
func NewPHA(commander session.Commander, logger *slog.Logger, path string, nChannels int) *PHA {
	return &PHA{
		commander: commander,
		logger:    logger,
		path:      path,
		nChannels: nChannels,
		ring:      ringbuf.New[PHARecord](ringCapacityHighRate),
		schema:    defaultPHASchema(),
		stats:     NewChannelStats(),
	}
}

func (d *PHA) NodeName() string   { return "dpppha" }
func (d *PHA) Format() FormatCode { return FormatIndividualTrigger }

func defaultPHASchema() schema.Schema {
	return schema.Schema{
		{Name: "CHANNEL", Wire: schema.U8, Rank: schema.RankScalar},
		{Name: "TIMESTAMP", Wire: schema.U64, Rank: schema.RankScalar},
		{Name: "FINE_TIMESTAMP", Wire: schema.U16, Rank: schema.RankScalar},
		{Name: "ENERGY", Wire: schema.U16, Rank: schema.RankScalar},
		{Name: "ANALOG_PROBE_1", Wire: schema.I32, Rank: schema.RankArray},
		{Name: "ANALOG_PROBE_2", Wire: schema.I32, Rank: schema.RankArray},
		{Name: "DIGITAL_PROBE_1", Wire: schema.U8, Rank: schema.RankArray},
		{Name: "DIGITAL_PROBE_2", Wire: schema.U8, Rank: schema.RankArray},
		{Name: "DIGITAL_PROBE_3", Wire: schema.U8, Rank: schema.RankArray},
		{Name: "DIGITAL_PROBE_4", Wire: schema.U8, Rank: schema.RankArray},
		{Name: "WAVEFORM_SIZE", Wire: schema.SizeT, Rank: schema.RankScalar},
	}
}

func (d *PHA) DefaultSchema() schema.Schema { return defaultPHASchema() }

func (d *PHA) FieldRank(name string) (schema.Rank, bool) {
	switch name {
	case "CHANNEL", "TIMESTAMP", "FINE_TIMESTAMP", "ENERGY", "FLAGS_LOW_PRIORITY",
		"FLAGS_HIGH_PRIORITY", "TRIGGER_THR", "TIME_RESOLUTION", "BOARD_FAIL",
		"AGGREGATE_COUNTER", "FLUSH", "EVENT_SIZE", "WAVEFORM_SIZE",
		"ANALOG_PROBE_1_TYPE", "ANALOG_PROBE_2_TYPE",
		"DIGITAL_PROBE_1_TYPE", "DIGITAL_PROBE_2_TYPE", "DIGITAL_PROBE_3_TYPE", "DIGITAL_PROBE_4_TYPE":
		return schema.RankScalar, true
	case "ANALOG_PROBE_1", "ANALOG_PROBE_2",
		"DIGITAL_PROBE_1", "DIGITAL_PROBE_2", "DIGITAL_PROBE_3", "DIGITAL_PROBE_4":
		return schema.RankArray, true
	}
	return 0, false
}

// Resize queries every channel's record length (chrecordlengths) and
// sizes the probe vectors to the largest one (spec §4.4.5 step 3).
// Channel enable and wave trigger source are not queried: disabled
// channels still count towards the largest record length.
func (d *PHA) Resize(int) error {
	const op = "decode.PHA.Resize"

	paths := make([]string, 0, d.nChannels)
	for ch := 0; ch < d.nChannels; ch++ {
		paths = append(paths, fmt.Sprintf("/ch/%d/par/chrecordlengths", ch))
	}
	values, err := d.commander.MultiGetValue(paths)
	if err != nil {
		return dig2err.Wrap(dig2err.CommandError, op, err)
	}

	maxLen := 0
	for _, v := range values {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err == nil && n > maxLen {
			maxLen = n
		}
	}
	if maxLen == 0 {
		maxLen = 1
	}

	for i := int64(0); i < int64(ringCapacityHighRate); i++ {
		slot := d.ring.AcquireWrite()
		for p := range slot.AnalogProbes {
			slot.AnalogProbes[p].Data = make([]uint16, maxLen)
			slot.AnalogProbes[p].DecodedData = make([]int32, maxLen)
		}
		for p := range slot.DigitalProbes {
			slot.DigitalProbes[p].Data = make([]uint8, maxLen)
		}
		d.ring.AbortWrite()
	}
	return nil
}

// Decode parses every hit of one aggregate event (spec §4.6.2, §4.6
// "decode").
func (d *PHA) Decode(buf []byte) error {
	hdr, ok, err := decodeAggregateHeader(buf)
	if !ok {
		return nil
	}
	if err != nil {
		return err
	}
	d.aggMu.Lock()
	d.curAgg = hdr
	d.aggMu.Unlock()

	off := 8
	end := int(hdr.NWords) * 8
	if end > len(buf) {
		return dig2err.New(dig2err.InternalError, "decode.PHA.Decode", "aggregate overruns buffer")
	}
	for off < end {
		if d.clear.takeAndReset() {
			return nil // remainder of the aggregate is dropped (spec §4.6 "decode")
		}
		n, err := d.decodeHit(buf[off:end], hdr)
		if err != nil {
			return err
		}
		off += n
	}
	return nil
}

// decodeHit parses a single hit starting at buf[0] and returns the
// number of bytes consumed.
func (d *PHA) decodeHit(buf []byte, agg AggregateHeader) (int, error) {
	const op = "decode.PHA.decodeHit"
	if len(buf) < 8 {
		return 0, dig2err.New(dig2err.InternalError, op, "truncated hit")
	}

	slot := d.ring.AcquireWrite()
	committed := false
	defer func() {
		if !committed {
			d.ring.AbortWrite()
		}
	}()

	slot.FakeStopEvent = false
	slot.BoardFail = agg.BoardFail
	slot.Flush = agg.Flush
	slot.AggregateCounter = agg.AggregateCounter

	w0 := wire.U64LE(buf)
	lastWord := wire.BitField(w0, 63, 1) != 0
	slot.Channel = uint32(wire.BitField(w0, 56, 7))

	off := 8
	var specialEvent, hasWaveform bool
	var timeInfo *TimeInfo
	var counterInfo *CounterInfo

	if lastWord {
		slot.FlagHighPriority = uint8(wire.BitField(w0, 48, 8))
		slot.Timestamp = wire.BitField(w0, 16, 32)
		slot.Energy = uint16(wire.BitField(w0, 0, 16))
		clearAnalog(&slot.AnalogProbes)
		clearDigital(&slot.DigitalProbes)
		slot.EventSize = off
		committed = true
		d.ring.CommitWrite()
		return off, nil
	}

	specialEvent = wire.BitField(w0, 55, 1) != 0
	slot.Timestamp = wire.BitField(w0, 0, 48)

	if len(buf) < off+8 {
		return 0, dig2err.New(dig2err.InternalError, op, "truncated hit 2nd word")
	}
	w1 := wire.U64LE(buf[off:])
	off += 8
	slot.Energy = uint16(wire.BitField(w1, 0, 16))
	slot.FineTimestamp = uint16(wire.BitField(w1, 16, 10))
	slot.FlagHighPriority = uint8(wire.BitField(w1, 42, 8))
	slot.FlagLowPriority = uint16(wire.BitField(w1, 50, 12))
	hasWaveform = wire.BitField(w1, 62, 1) != 0
	lastWord = wire.BitField(w1, 63, 1) != 0

	for !lastWord {
		if len(buf) < off+8 {
			return 0, dig2err.New(dig2err.InternalError, op, "truncated extra word")
		}
		w := wire.U64LE(buf[off:])
		off += 8
		extraData := wire.BitField(w, 0, 60)
		extraType := extraWordType(wire.BitField(w, 60, 3))
		lastWord = wire.BitField(w, 63, 1) != 0

		switch extraType {
		case extraWaveInfo:
			for i := 0; i < 2; i++ {
				shift := uint(i * 6)
				slot.AnalogProbes[i].Type = decodeAnalogProbeType(wire.BitField(extraData, shift, 3))
				slot.AnalogProbes[i].IsSigned = wire.BitField(extraData, shift+3, 1) != 0
				slot.AnalogProbes[i].MulFactor = mulFactorOf(wire.BitField(extraData, shift+4, 2))
			}
			for i := 0; i < 4; i++ {
				shift := uint(12 + i*4)
				slot.DigitalProbes[i].Type = decodeDigitalProbeType(wire.BitField(extraData, shift, 4))
			}
			slot.TriggerThr = uint16(wire.BitField(extraData, 28, 16))
			slot.TimeResolution = uint8(wire.BitField(extraData, 44, 2))
		case extraTimeInfo:
			timeInfo = &TimeInfo{DeadTime: wire.BitField(extraData, 0, 48)}
		case extraCounterInfo:
			counterInfo = &CounterInfo{
				TriggerCount:    uint32(wire.BitField(extraData, 0, 24)),
				SavedEventCount: uint32(wire.BitField(extraData, 24, 24)),
			}
		default:
			logWarn(d.logger, "dpppha: unsupported extra word type", "type", extraType)
		}
	}

	if hasWaveform {
		n, err := d.decodeWaveform(buf[off:], slot)
		if err != nil {
			return 0, err
		}
		off += n
	} else {
		clearAnalog(&slot.AnalogProbes)
		clearDigital(&slot.DigitalProbes)
	}

	slot.EventSize = off

	if specialEvent {
		d.stats.Update(slot.Channel, slot.Timestamp, timeInfo, counterInfo)
		return off, nil // special events are not propagated to the user
	}

	committed = true
	d.ring.CommitWrite()
	return off, nil
}

// decodeWaveform reads the waveform-size word and the bit-packed
// waveform words of a hit (spec §4.6.2 "Waveform words follow: each
// word packs 2 analog samples (14 bits each) + 4 digital samples (1 bit
// each)").
func (d *PHA) decodeWaveform(buf []byte, slot *PHARecord) (int, error) {
	const op = "decode.PHA.decodeWaveform"
	if len(buf) < 8 {
		return 0, dig2err.New(dig2err.InternalError, op, "truncated waveform size word")
	}
	sizeWord := wire.U64LE(buf)
	nWaveformWords := int(wire.BitField(sizeWord, 0, 12))
	truncated := wire.BitField(sizeWord, 63, 1) != 0
	slot.WaveformTruncated = truncated
	if truncated {
		logWarn(d.logger, "dpppha: truncated waveform")
	}

	nSamples := nWaveformWords * 2
	off := 8
	for i := range slot.AnalogProbes {
		ensureU16(&slot.AnalogProbes[i].Data, nSamples)
		ensureI32(&slot.AnalogProbes[i].DecodedData, nSamples)
	}
	for i := range slot.DigitalProbes {
		ensureU8(&slot.DigitalProbes[i].Data, nSamples)
	}

	for w := 0; w < nWaveformWords; w++ {
		if len(buf) < off+8 {
			return 0, dig2err.New(dig2err.InternalError, op, "truncated waveform word")
		}
		word := wire.U64LE(buf[off:])
		off += 8
		for i := 0; i < 2; i++ {
			base := uint(i * 32)
			s := w*2 + i
			slot.AnalogProbes[0].Data[s] = uint16(wire.BitField(word, base+0, 14))
			slot.DigitalProbes[0].Data[s] = uint8(wire.BitField(word, base+14, 1))
			slot.DigitalProbes[1].Data[s] = uint8(wire.BitField(word, base+15, 1))
			slot.AnalogProbes[1].Data[s] = uint16(wire.BitField(word, base+16, 14))
			slot.DigitalProbes[2].Data[s] = uint8(wire.BitField(word, base+30, 1))
			slot.DigitalProbes[3].Data[s] = uint8(wire.BitField(word, base+31, 1))
		}
	}

	for i := range slot.AnalogProbes {
		p := &slot.AnalogProbes[i]
		for s, raw := range p.Data {
			var v int32
			if p.IsSigned {
				v = int32(wire.SignExtend(uint64(raw), 14))
			} else {
				v = int32(raw)
			}
			p.DecodedData[s] = v * int32(p.MulFactor)
		}
	}

	return off, nil
}

func ensureU16(s *[]uint16, n int) {
	if cap(*s) >= n {
		*s = (*s)[:n]
		return
	}
	*s = make([]uint16, n)
}

func ensureU8(s *[]uint8, n int) {
	if cap(*s) >= n {
		*s = (*s)[:n]
		return
	}
	*s = make([]uint8, n)
}

func ensureI32(s *[]int32, n int) {
	if cap(*s) >= n {
		*s = (*s)[:n]
		return
	}
	*s = make([]int32, n)
}

func clearAnalog(probes *[2]AnalogProbe) {
	for i := range probes {
		probes[i].Data = probes[i].Data[:0]
		probes[i].DecodedData = probes[i].DecodedData[:0]
	}
}

func clearDigital(probes *[4]DigitalProbe) {
	for i := range probes {
		probes[i].Data = probes[i].Data[:0]
	}
}

// Stop enqueues a sentinel record.
func (d *PHA) Stop() {
	slot := d.ring.AcquireWrite()
	*slot = PHARecord{FakeStopEvent: true}
	d.ring.CommitWrite()
}

// ClearData invalidates the ring and requests that any in-flight
// aggregate decode abort at the next hit boundary (spec §4.6
// "asynchronous 'clear required' flag").
func (d *PHA) ClearData() {
	d.clear.require()
	d.ring.Invalidate()
}

func (d *PHA) HasData(time.Duration) bool { return d.ring.HasData() }

func (d *PHA) ReadData(timeout time.Duration, sink schema.Sink) error {
	const op = "decode.PHA.ReadData"
	slot, ok := d.ring.AcquireRead(timeout)
	if err := readSentinel(ok, ok && slot.FakeStopEvent, op); err != nil {
		if ok {
			d.ring.CommitRead()
		}
		return err
	}

	d.mu.Lock()
	sch := d.schema
	d.mu.Unlock()

	for _, f := range sch {
		if err := d.projectField(f, slot, sink); err != nil {
			d.ring.CommitRead()
			return err
		}
	}
	d.ring.CommitRead()
	return nil
}

func (d *PHA) projectField(f schema.Field, slot *PHARecord, sink schema.Sink) error {
	switch f.Name {
	case "CHANNEL":
		return sink.PutScalar(f.Name, f.Wire, float64(slot.Channel))
	case "TIMESTAMP":
		return sink.PutScalar(f.Name, f.Wire, float64(slot.Timestamp))
	case "FINE_TIMESTAMP":
		return sink.PutScalar(f.Name, f.Wire, float64(slot.FineTimestamp))
	case "ENERGY":
		return sink.PutScalar(f.Name, f.Wire, float64(slot.Energy))
	case "FLAGS_LOW_PRIORITY":
		return sink.PutScalar(f.Name, f.Wire, float64(slot.FlagLowPriority))
	case "FLAGS_HIGH_PRIORITY":
		return sink.PutScalar(f.Name, f.Wire, float64(slot.FlagHighPriority))
	case "TRIGGER_THR":
		return sink.PutScalar(f.Name, f.Wire, float64(slot.TriggerThr))
	case "TIME_RESOLUTION":
		return sink.PutScalar(f.Name, f.Wire, float64(slot.TimeResolution))
	case "BOARD_FAIL":
		return sink.PutScalar(f.Name, f.Wire, boolToFloat(slot.BoardFail))
	case "FLUSH":
		return sink.PutScalar(f.Name, f.Wire, boolToFloat(slot.Flush))
	case "AGGREGATE_COUNTER":
		return sink.PutScalar(f.Name, f.Wire, float64(slot.AggregateCounter))
	case "EVENT_SIZE":
		return sink.PutScalar(f.Name, f.Wire, float64(slot.EventSize))
	case "WAVEFORM_SIZE":
		return sink.PutScalar(f.Name, f.Wire, float64(len(slot.AnalogProbes[0].Data)))
	case "ANALOG_PROBE_1":
		return sink.PutArray(f.Name, f.Wire, int32sToFloat(slot.AnalogProbes[0].DecodedData))
	case "ANALOG_PROBE_2":
		return sink.PutArray(f.Name, f.Wire, int32sToFloat(slot.AnalogProbes[1].DecodedData))
	case "ANALOG_PROBE_1_TYPE":
		return sink.PutScalar(f.Name, f.Wire, float64(slot.AnalogProbes[0].Type))
	case "ANALOG_PROBE_2_TYPE":
		return sink.PutScalar(f.Name, f.Wire, float64(slot.AnalogProbes[1].Type))
	case "DIGITAL_PROBE_1":
		return sink.PutArray(f.Name, f.Wire, u8sToFloat(slot.DigitalProbes[0].Data))
	case "DIGITAL_PROBE_2":
		return sink.PutArray(f.Name, f.Wire, u8sToFloat(slot.DigitalProbes[1].Data))
	case "DIGITAL_PROBE_3":
		return sink.PutArray(f.Name, f.Wire, u8sToFloat(slot.DigitalProbes[2].Data))
	case "DIGITAL_PROBE_4":
		return sink.PutArray(f.Name, f.Wire, u8sToFloat(slot.DigitalProbes[3].Data))
	}
	return nil
}

func (d *PHA) SetSchema(sch schema.Schema) {
	d.mu.Lock()
	d.schema = sch
	d.mu.Unlock()
}

func int32sToFloat(v []int32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func u8sToFloat(v []uint8) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
