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

// OpenDPPRecord is the Open-DPP decoder's decoded hit (spec §4.6.2):
// the same envelope as PHA/PSD, plus up to 4 user-defined info words
// the firmware's custom algorithm may attach to a hit. Each word's
// usable payload is 60 bits, not the full 63: the top 3 bits of every
// aggregate extra word are the type tag that already distinguishes
// wave_info/time_info/counter_info from user_info.
type OpenDPPRecord struct {
	Channel          uint32
	Timestamp        uint64
	FineTimestamp    uint16
	Energy           uint16
	FlagLowPriority  uint16
	FlagHighPriority uint8
	UserInfo         [4]uint64
	UserInfoPresent  [4]bool
	AnalogProbes     [2]AnalogProbe
	DigitalProbes    [4]DigitalProbe

	BoardFail        bool
	Flush            bool
	AggregateCounter uint32
	EventSize        int

	FakeStopEvent bool
}

// OpenDPP decodes Open-DPP aggregate events.
type OpenDPP struct {
	commander session.Commander
	logger    *slog.Logger
	path      string
	nChannels int

	ring  *ringbuf.Ring[OpenDPPRecord]
	clear clearRequester
	stats *ChannelStats

	mu     sync.Mutex
	schema schema.Schema

	aggMu  sync.Mutex
	curAgg AggregateHeader
}

// NewOpenDPP constructs the Open-DPP decoder.
func NewOpenDPP(commander session.Commander, logger *slog.Logger, path string, nChannels int) *OpenDPP {
	return &OpenDPP{
		commander: commander,
		logger:    logger,
		path:      path,
		nChannels: nChannels,
		ring:      ringbuf.New[OpenDPPRecord](ringCapacityHighRate),
		schema:    defaultOpenDPPSchema(),
		stats:     NewChannelStats(),
	}
}

func (d *OpenDPP) NodeName() string   { return "opendpp" }
func (d *OpenDPP) Format() FormatCode { return FormatIndividualTrigger }

func defaultOpenDPPSchema() schema.Schema {
	return schema.Schema{
		{Name: "CHANNEL", Wire: schema.U8, Rank: schema.RankScalar},
		{Name: "TIMESTAMP", Wire: schema.U64, Rank: schema.RankScalar},
		{Name: "ENERGY", Wire: schema.U16, Rank: schema.RankScalar},
		{Name: "USER_INFO", Wire: schema.U64, Rank: schema.RankArray},
		{Name: "ANALOG_PROBE_1", Wire: schema.I32, Rank: schema.RankArray},
		{Name: "DIGITAL_PROBE_1", Wire: schema.U8, Rank: schema.RankArray},
	}
}

func (d *OpenDPP) DefaultSchema() schema.Schema { return defaultOpenDPPSchema() }

func (d *OpenDPP) FieldRank(name string) (schema.Rank, bool) {
	switch name {
	case "CHANNEL", "TIMESTAMP", "FINE_TIMESTAMP", "ENERGY", "FLAGS_LOW_PRIORITY",
		"FLAGS_HIGH_PRIORITY", "BOARD_FAIL", "AGGREGATE_COUNTER", "FLUSH", "EVENT_SIZE", "WAVEFORM_SIZE":
		return schema.RankScalar, true
	case "USER_INFO", "ANALOG_PROBE_1", "ANALOG_PROBE_2", "DIGITAL_PROBE_1", "DIGITAL_PROBE_2",
		"DIGITAL_PROBE_3", "DIGITAL_PROBE_4":
		return schema.RankArray, true
	}
	return 0, false
}

func (d *OpenDPP) Resize(int) error {
	const op = "decode.OpenDPP.Resize"
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

func (d *OpenDPP) Decode(buf []byte) error {
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
		return dig2err.New(dig2err.InternalError, "decode.OpenDPP.Decode", "aggregate overruns buffer")
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

func (d *OpenDPP) decodeHit(buf []byte, agg AggregateHeader) (int, error) {
	const op = "decode.OpenDPP.decodeHit"
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
	slot.UserInfoPresent = [4]bool{}

	w0 := wire.U64LE(buf)
	lastWord := wire.BitField(w0, 63, 1) != 0
	slot.Channel = uint32(wire.BitField(w0, 56, 7))
	off := 8

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

	specialEvent := wire.BitField(w0, 55, 1) != 0
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

		if idx := userInfoIndex(extraType); idx >= 0 {
			// reuses the generic 60-bit extra-word payload rather than
			// the full 63 bits spec §4.6.2 describes, trading 3 bits of
			// user-info width to keep every aggregate extra word
			// (wave_info/time_info/counter_info/user_info) framed the
			// same way: a 3-bit type tag selects the interpretation.
			slot.UserInfo[idx] = extraData
			slot.UserInfoPresent[idx] = true
			continue
		}

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
			logWarn(d.logger, "opendpp: unsupported extra word type", "type", extraType)
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

func (d *OpenDPP) decodeWaveform(buf []byte, slot *OpenDPPRecord) (int, error) {
	const op = "decode.OpenDPP.decodeWaveform"
	if len(buf) < 8 {
		return 0, dig2err.New(dig2err.InternalError, op, "truncated waveform size word")
	}
	sizeWord := wire.U64LE(buf)
	nWaveformWords := int(wire.BitField(sizeWord, 0, 12))
	truncated := wire.BitField(sizeWord, 63, 1) != 0
	if truncated {
		logWarn(d.logger, "opendpp: truncated waveform")
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

func (d *OpenDPP) Stop() {
	slot := d.ring.AcquireWrite()
	*slot = OpenDPPRecord{FakeStopEvent: true}
	d.ring.CommitWrite()
}

func (d *OpenDPP) ClearData() {
	d.clear.require()
	d.ring.Invalidate()
}

func (d *OpenDPP) HasData(time.Duration) bool { return d.ring.HasData() }

func (d *OpenDPP) ReadData(timeout time.Duration, sink schema.Sink) error {
	const op = "decode.OpenDPP.ReadData"
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
		case "ENERGY":
			err = sink.PutScalar(f.Name, f.Wire, float64(slot.Energy))
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
		case "USER_INFO":
			vals := make([]float64, 0, 4)
			for i, present := range slot.UserInfoPresent {
				if present {
					vals = append(vals, float64(slot.UserInfo[i]))
				}
			}
			err = sink.PutArray(f.Name, f.Wire, vals)
		case "ANALOG_PROBE_1":
			err = sink.PutArray(f.Name, f.Wire, int32sToFloat(slot.AnalogProbes[0].DecodedData))
		case "ANALOG_PROBE_2":
			err = sink.PutArray(f.Name, f.Wire, int32sToFloat(slot.AnalogProbes[1].DecodedData))
		case "DIGITAL_PROBE_1":
			err = sink.PutArray(f.Name, f.Wire, u8sToFloat(slot.DigitalProbes[0].Data))
		case "DIGITAL_PROBE_2":
			err = sink.PutArray(f.Name, f.Wire, u8sToFloat(slot.DigitalProbes[1].Data))
		case "DIGITAL_PROBE_3":
			err = sink.PutArray(f.Name, f.Wire, u8sToFloat(slot.DigitalProbes[2].Data))
		case "DIGITAL_PROBE_4":
			err = sink.PutArray(f.Name, f.Wire, u8sToFloat(slot.DigitalProbes[3].Data))
		}
		if err != nil {
			d.ring.CommitRead()
			return err
		}
	}
	d.ring.CommitRead()
	return nil
}

func (d *OpenDPP) SetSchema(sch schema.Schema) {
	d.mu.Lock()
	d.schema = sch
	d.mu.Unlock()
}
