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

// PSDRecord is the DPP-PSD decoder's decoded hit (spec §4.6.2: "PSD and
// Open-DPP follow the same envelope with format-specific probe
// semantics"). The envelope, extra-word types and waveform bit-packing
// are identical to DPP-PHA; only the probe-type vocabulary differs in
// real firmware, which decodeAnalogProbeType/decodeDigitalProbeType
// already treat as opaque codes shared across every aggregate format.
type PSDRecord struct {
	Channel          uint32
	Timestamp        uint64
	FineTimestamp    uint16
	Charge           uint16 // the hit's 16-bit energy field, called "charge" for PSD
	FlagLowPriority  uint16
	FlagHighPriority uint8
	AnalogProbes     [2]AnalogProbe
	DigitalProbes    [4]DigitalProbe

	BoardFail        bool
	Flush            bool
	AggregateCounter uint32
	EventSize        int

	FakeStopEvent bool
}

// PSD decodes DPP-PSD aggregate events. Grounded on the same
// original_source/src/endpoints/dpppha.cpp decode_hit/decode_hit_waveform
// structure as PHA (spec §4.6.2 explicitly describes PSD as sharing the
// envelope).
type PSD struct {
	commander session.Commander
	logger    *slog.Logger
	path      string
	nChannels int

	ring  *ringbuf.Ring[PSDRecord]
	clear clearRequester
	stats *ChannelStats

	mu     sync.Mutex
	schema schema.Schema

	aggMu  sync.Mutex
	curAgg AggregateHeader
}

// NewPSD constructs the DPP-PSD decoder.
func NewPSD(commander session.Commander, logger *slog.Logger, path string, nChannels int) *PSD {
	return &PSD{
		commander: commander,
		logger:    logger,
		path:      path,
		nChannels: nChannels,
		ring:      ringbuf.New[PSDRecord](ringCapacityHighRate),
		schema:    defaultPSDSchema(),
		stats:     NewChannelStats(),
	}
}

func (d *PSD) NodeName() string   { return "dpppsd" }
func (d *PSD) Format() FormatCode { return FormatIndividualTrigger }

func defaultPSDSchema() schema.Schema {
	return schema.Schema{
		{Name: "CHANNEL", Wire: schema.U8, Rank: schema.RankScalar},
		{Name: "TIMESTAMP", Wire: schema.U64, Rank: schema.RankScalar},
		{Name: "FINE_TIMESTAMP", Wire: schema.U16, Rank: schema.RankScalar},
		{Name: "CHARGE", Wire: schema.U16, Rank: schema.RankScalar},
		{Name: "ANALOG_PROBE_1", Wire: schema.I32, Rank: schema.RankArray},
		{Name: "ANALOG_PROBE_2", Wire: schema.I32, Rank: schema.RankArray},
		{Name: "DIGITAL_PROBE_1", Wire: schema.U8, Rank: schema.RankArray},
		{Name: "DIGITAL_PROBE_2", Wire: schema.U8, Rank: schema.RankArray},
	}
}

func (d *PSD) DefaultSchema() schema.Schema { return defaultPSDSchema() }

func (d *PSD) FieldRank(name string) (schema.Rank, bool) {
	switch name {
	case "CHANNEL", "TIMESTAMP", "FINE_TIMESTAMP", "CHARGE", "FLAGS_LOW_PRIORITY",
		"FLAGS_HIGH_PRIORITY", "BOARD_FAIL", "AGGREGATE_COUNTER", "FLUSH", "EVENT_SIZE", "WAVEFORM_SIZE":
		return schema.RankScalar, true
	case "ANALOG_PROBE_1", "ANALOG_PROBE_2", "DIGITAL_PROBE_1", "DIGITAL_PROBE_2",
		"DIGITAL_PROBE_3", "DIGITAL_PROBE_4":
		return schema.RankArray, true
	}
	return 0, false
}

func (d *PSD) Resize(int) error {
	const op = "decode.PSD.Resize"
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

func (d *PSD) Decode(buf []byte) error {
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
		return dig2err.New(dig2err.InternalError, "decode.PSD.Decode", "aggregate overruns buffer")
	}
	for off < end {
		if d.clear.takeAndReset() {
			return nil
		}
		n, err := d.decodeHit(buf[off:end], hdr)
		if err != nil {
			return err
		}
		off += n
	}
	return nil
}

func (d *PSD) decodeHit(buf []byte, agg AggregateHeader) (int, error) {
	const op = "decode.PSD.decodeHit"
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

	if lastWord {
		slot.FlagHighPriority = uint8(wire.BitField(w0, 48, 8))
		slot.Timestamp = wire.BitField(w0, 16, 32)
		slot.Charge = uint16(wire.BitField(w0, 0, 16))
		clearAnalog(&slot.AnalogProbes)
		clearDigital(&slot.DigitalProbes)
		slot.EventSize = off
		committed = true
		d.ring.CommitWrite()
		return off, nil
	}

	specialEvent := wire.BitField(w0, 55, 1) != 0
	slot.Timestamp = wire.BitField(w0, 0, 48)

	if len(buf) < off+8 {
		return 0, dig2err.New(dig2err.InternalError, op, "truncated hit 2nd word")
	}
	w1 := wire.U64LE(buf[off:])
	off += 8
	slot.Charge = uint16(wire.BitField(w1, 0, 16))
	slot.FineTimestamp = uint16(wire.BitField(w1, 16, 10))
	slot.FlagHighPriority = uint8(wire.BitField(w1, 42, 8))
	slot.FlagLowPriority = uint16(wire.BitField(w1, 50, 12))
	hasWaveform := wire.BitField(w1, 62, 1) != 0
	lastWord = wire.BitField(w1, 63, 1) != 0

	var timeInfo *TimeInfo
	var counterInfo *CounterInfo

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
		case extraTimeInfo:
			timeInfo = &TimeInfo{DeadTime: wire.BitField(extraData, 0, 48)}
		case extraCounterInfo:
			counterInfo = &CounterInfo{
				TriggerCount:    uint32(wire.BitField(extraData, 0, 24)),
				SavedEventCount: uint32(wire.BitField(extraData, 24, 24)),
			}
		default:
			logWarn(d.logger, "dpppsd: unsupported extra word type", "type", extraType)
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
		return off, nil
	}

	committed = true
	d.ring.CommitWrite()
	return off, nil
}

// decodeWaveform mirrors PHA's bit-packing exactly: 2 analog samples (14
// bits) + 4 digital samples (1 bit) per sub-sample-set, 2 sub-sample-sets
// per 64-bit word.
func (d *PSD) decodeWaveform(buf []byte, slot *PSDRecord) (int, error) {
	const op = "decode.PSD.decodeWaveform"
	if len(buf) < 8 {
		return 0, dig2err.New(dig2err.InternalError, op, "truncated waveform size word")
	}
	sizeWord := wire.U64LE(buf)
	nWaveformWords := int(wire.BitField(sizeWord, 0, 12))
	truncated := wire.BitField(sizeWord, 63, 1) != 0
	if truncated {
		logWarn(d.logger, "dpppsd: truncated waveform")
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

func (d *PSD) Stop() {
	slot := d.ring.AcquireWrite()
	*slot = PSDRecord{FakeStopEvent: true}
	d.ring.CommitWrite()
}

func (d *PSD) ClearData() {
	d.clear.require()
	d.ring.Invalidate()
}

func (d *PSD) HasData(time.Duration) bool { return d.ring.HasData() }

func (d *PSD) ReadData(timeout time.Duration, sink schema.Sink) error {
	const op = "decode.PSD.ReadData"
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
		var err error
		switch f.Name {
		case "CHANNEL":
			err = sink.PutScalar(f.Name, f.Wire, float64(slot.Channel))
		case "TIMESTAMP":
			err = sink.PutScalar(f.Name, f.Wire, float64(slot.Timestamp))
		case "FINE_TIMESTAMP":
			err = sink.PutScalar(f.Name, f.Wire, float64(slot.FineTimestamp))
		case "CHARGE":
			err = sink.PutScalar(f.Name, f.Wire, float64(slot.Charge))
		case "FLAGS_LOW_PRIORITY":
			err = sink.PutScalar(f.Name, f.Wire, float64(slot.FlagLowPriority))
		case "FLAGS_HIGH_PRIORITY":
			err = sink.PutScalar(f.Name, f.Wire, float64(slot.FlagHighPriority))
		case "BOARD_FAIL":
			err = sink.PutScalar(f.Name, f.Wire, boolToFloat(slot.BoardFail))
		case "FLUSH":
			err = sink.PutScalar(f.Name, f.Wire, boolToFloat(slot.Flush))
		case "AGGREGATE_COUNTER":
			err = sink.PutScalar(f.Name, f.Wire, float64(slot.AggregateCounter))
		case "EVENT_SIZE":
			err = sink.PutScalar(f.Name, f.Wire, float64(slot.EventSize))
		case "WAVEFORM_SIZE":
			err = sink.PutScalar(f.Name, f.Wire, float64(len(slot.AnalogProbes[0].Data)))
		case "ANALOG_PROBE_1":
			err = sink.PutArray(f.Name, f.Wire, int32sToFloat(slot.AnalogProbes[0].DecodedData))
		case "ANALOG_PROBE_2":
			err = sink.PutArray(f.Name, f.Wire, int32sToFloat(slot.AnalogProbes[1].DecodedData))
		case "DIGITAL_PROBE_1":
			err = sink.PutArray(f.Name, f.Wire, u8sToFloat(slot.DigitalProbes[0].Data))
		case "DIGITAL_PROBE_2":
			err = sink.PutArray(f.Name, f.Wire, u8sToFloat(slot.DigitalProbes[1].Data))
		}
		if err != nil {
			d.ring.CommitRead()
			return err
		}
	}
	d.ring.CommitRead()
	return nil
}

func (d *PSD) SetSchema(sch schema.Schema) {
	d.mu.Lock()
	d.schema = sch
	d.mu.Unlock()
}
