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

// maxZLECounters bounds how many counter words one channel's sub-event
// may carry, matching original_source/include/endpoints/dppzle.hpp's
// zle_evt::max_n_counters (1023) — the preallocation cap the allocation
// discipline of spec §5 requires.
const maxZLECounters = 1023

// zleCounter is one decoded 32-bit ZLE run-length counter (spec
// §4.6.3).
type zleCounter struct {
	size              uint32
	countersTruncated bool
	waveTruncated     bool
	last              bool
	isGood            bool
}

// ZLEChannelData is one channel's reconstructed waveform within a ZLE
// record.
type ZLEChannelData struct {
	TruncateWave          bool
	TruncateParam         bool
	WaveformDefValue      uint16
	ChunkTime             []int
	ChunkSize             []int
	ChunkBegin            []int
	Waveform              []uint16 // packed good-chunk samples only
	ReconstructedWaveform []uint16 // full record_length reconstruction
	SampleType            []uint8  // 0 = bad, 1 = good
}

// ZLERecord is the DPP-ZLE decoder's decoded event, merging every
// participating channel's sub-event (spec §4.6.3).
type ZLERecord struct {
	Timestamp        uint64
	BoardFail        bool
	Flush            bool
	AggregateCounter uint32
	EventSize        int
	ChannelData      []ZLEChannelData

	FakeStopEvent bool
}

// ZLE decodes DPP-ZLE aggregate events. Grounded bit-for-bit on
// original_source/include/endpoints/dppzle.hpp's zle_evt and
// original_source/src/endpoints/dppzle.cpp's decode_hit/
// decode_hit_waveform.
type ZLE struct {
	commander session.Commander
	logger    *slog.Logger
	path      string
	nChannels int

	ring  *ringbuf.Ring[ZLERecord]
	clear clearRequester

	mu           sync.Mutex
	schema       schema.Schema
	recordLength int

	// newEvent and curSlot track the in-progress record across
	// multiple Decode-level sub-events: a ZLE record only commits on
	// the sub-event carrying the last_channel bit (spec §4.6.3
	// "Commit happens only on the sub-event that carries the
	// last_channel bit"). Only the decoder goroutine touches these.
	newEvent bool
	curSlot  *ZLERecord
}

// NewZLE constructs the DPP-ZLE decoder.
func NewZLE(commander session.Commander, logger *slog.Logger, path string, nChannels int) *ZLE {
	return &ZLE{
		commander: commander,
		logger:    logger,
		path:      path,
		nChannels: nChannels,
		ring:      ringbuf.New[ZLERecord](ringCapacityWaveformHeavy),
		schema:    defaultZLESchema(),
		newEvent:  true,
	}
}

func (d *ZLE) NodeName() string   { return "dppzle" }
func (d *ZLE) Format() FormatCode { return FormatIndividualTrigger }

func defaultZLESchema() schema.Schema {
	return schema.Schema{
		{Name: "TIMESTAMP", Wire: schema.U64, Rank: schema.RankScalar},
		{Name: "RECONSTRUCTED_WAVEFORM", Wire: schema.U16, Rank: schema.RankMatrix},
		{Name: "SAMPLE_TYPE", Wire: schema.U8, Rank: schema.RankMatrix},
		{Name: "CHUNK_SIZE", Wire: schema.SizeT, Rank: schema.RankMatrix},
	}
}

func (d *ZLE) DefaultSchema() schema.Schema { return defaultZLESchema() }

func (d *ZLE) FieldRank(name string) (schema.Rank, bool) {
	switch name {
	case "TIMESTAMP", "BOARD_FAIL", "AGGREGATE_COUNTER", "FLUSH", "EVENT_SIZE":
		return schema.RankScalar, true
	case "RECONSTRUCTED_WAVEFORM", "SAMPLE_TYPE", "CHUNK_TIME", "CHUNK_SIZE", "CHUNK_BEGIN", "WAVEFORM":
		return schema.RankMatrix, true
	}
	return 0, false
}

// Resize queries per-channel enable and the global record length, then
// sizes the per-channel vectors of the ring slot at the write cursor
// (spec §4.4.5 step 3, §5 "Allocation discipline"). The other ring slots
// are not preallocated: Decode allocates their vectors when it first
// fills them.
func (d *ZLE) Resize(int) error {
	const op = "decode.ZLE.Resize"

	paths := make([]string, 0, d.nChannels+1)
	for ch := 0; ch < d.nChannels; ch++ {
		paths = append(paths, fmt.Sprintf("/ch/%d/par/chenable", ch))
	}
	paths = append(paths, "/par/recordlengths")

	values, err := d.commander.MultiGetValue(paths)
	if err != nil {
		return dig2err.Wrap(dig2err.CommandError, op, err)
	}
	if len(values) != len(paths) {
		return dig2err.New(dig2err.CommandError, op, "short multiGetValue reply")
	}

	enabled := make([]bool, d.nChannels)
	for i := 0; i < d.nChannels; i++ {
		enabled[i] = strings.EqualFold(values[i], "true")
	}
	recordLen, err := strconv.Atoi(values[len(values)-1])
	if err != nil {
		return dig2err.Wrap(dig2err.CommandError, op, err)
	}

	d.mu.Lock()
	d.recordLength = recordLen
	d.mu.Unlock()

	for i := int64(0); i < int64(ringCapacityWaveformHeavy); i++ {
		slot := d.ring.AcquireWrite()
		if len(slot.ChannelData) != d.nChannels {
			slot.ChannelData = make([]ZLEChannelData, d.nChannels)
		}
		for ch := 0; ch < d.nChannels; ch++ {
			cd := &slot.ChannelData[ch]
			if enabled[ch] {
				cd.ChunkTime = make([]int, 0, maxZLECounters/2+1)
				cd.ChunkSize = make([]int, 0, maxZLECounters/2+1)
				cd.ChunkBegin = make([]int, 0, maxZLECounters/2+1)
				cd.Waveform = make([]uint16, 0, recordLen)
				cd.ReconstructedWaveform = make([]uint16, recordLen)
				cd.SampleType = make([]uint8, recordLen)
			} else {
				cd.ChunkTime = cd.ChunkTime[:0]
				cd.ChunkSize = cd.ChunkSize[:0]
				cd.ChunkBegin = cd.ChunkBegin[:0]
				cd.Waveform = cd.Waveform[:0]
				cd.ReconstructedWaveform = cd.ReconstructedWaveform[:0]
				cd.SampleType = cd.SampleType[:0]
			}
		}
		d.ring.AbortWrite()
	}
	return nil
}

// Decode parses every per-channel sub-event of one aggregate (spec
// §4.6.3).
func (d *ZLE) Decode(buf []byte) error {
	hdr, ok, err := decodeAggregateHeader(buf)
	if !ok {
		return nil
	}
	if err != nil {
		return err
	}

	off := 8
	end := int(hdr.NWords) * 8
	if end > len(buf) {
		return dig2err.New(dig2err.InternalError, "decode.ZLE.Decode", "aggregate overruns buffer")
	}
	for off < end {
		if d.clear.takeAndReset() {
			d.abortInProgress()
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

func (d *ZLE) abortInProgress() {
	if !d.newEvent {
		d.ring.AbortWrite()
		d.curSlot = nil
		d.newEvent = true
	}
}

func (d *ZLE) decodeHit(buf []byte, agg AggregateHeader) (int, error) {
	const op = "decode.ZLE.decodeHit"
	if len(buf) < 16 {
		return 0, dig2err.New(dig2err.InternalError, op, "truncated sub-event")
	}

	w0 := wire.U64LE(buf)
	timestamp := wire.BitField(w0, 0, 48)
	lastChannel := wire.BitField(w0, 55, 1) != 0
	channel := uint32(wire.BitField(w0, 56, 7))
	off := 8

	if d.newEvent {
		d.curSlot = d.ring.AcquireWrite()
		slot := d.curSlot
		if len(slot.ChannelData) != d.nChannels {
			slot.ChannelData = make([]ZLEChannelData, d.nChannels)
		}
		for i := range slot.ChannelData {
			cd := &slot.ChannelData[i]
			cd.ChunkTime = cd.ChunkTime[:0]
			cd.ChunkSize = cd.ChunkSize[:0]
			cd.ChunkBegin = cd.ChunkBegin[:0]
			cd.Waveform = cd.Waveform[:0]
		}
		slot.BoardFail = false
		slot.Flush = false
		slot.EventSize = 0
		slot.AggregateCounter = agg.AggregateCounter
		slot.FakeStopEvent = false
		d.newEvent = false
	}

	slot := d.curSlot
	if int(channel) >= len(slot.ChannelData) {
		d.ring.AbortWrite()
		d.curSlot = nil
		d.newEvent = true
		return 0, dig2err.New(dig2err.InternalError, op, "channel out of range")
	}
	slot.Timestamp = timestamp
	slot.BoardFail = slot.BoardFail || agg.BoardFail
	slot.Flush = slot.Flush || agg.Flush
	cd := &slot.ChannelData[channel]

	if len(buf) < off+8 {
		d.ring.AbortWrite()
		d.curSlot = nil
		d.newEvent = true
		return 0, dig2err.New(dig2err.InternalError, op, "truncated 2nd word")
	}
	w1 := wire.U64LE(buf[off:])
	off += 8

	var first zleCounter
	first.size = uint32(wire.BitField(w1, 0, 28))
	first.countersTruncated = wire.BitField(w1, 28, 1) != 0
	first.waveTruncated = wire.BitField(w1, 29, 1) != 0
	first.last = wire.BitField(w1, 30, 1) != 0
	evenCountersGood := wire.BitField(w1, 32, 1) != 0
	waveformDefValue := uint16(wire.BitField(w1, 36, 16))
	hasWaveform := wire.BitField(w1, 62, 1) != 0
	lastWord := wire.BitField(w1, 63, 1) != 0
	first.isGood = evenCountersGood

	counters := make([]zleCounter, 0, 4)
	counters = append(counters, first)

	for !lastWord {
		if len(buf) < off+8 {
			d.ring.AbortWrite()
			d.curSlot = nil
			d.newEvent = true
			return 0, dig2err.New(dig2err.InternalError, op, "truncated counter word")
		}
		w := wire.U64LE(buf[off:])
		off += 8

		var low zleCounter
		low.size = uint32(wire.BitField(w, 0, 28))
		low.countersTruncated = wire.BitField(w, 28, 1) != 0
		low.waveTruncated = wire.BitField(w, 29, 1) != 0
		low.last = wire.BitField(w, 30, 1) != 0
		low.isGood = !evenCountersGood
		counters = append(counters, low)

		if low.last {
			lastWord = wire.BitField(w, 63, 1) != 0
		} else {
			var high zleCounter
			high.size = uint32(wire.BitField(w, 32, 28))
			high.countersTruncated = wire.BitField(w, 60, 1) != 0
			high.waveTruncated = wire.BitField(w, 61, 1) != 0
			high.last = wire.BitField(w, 62, 1) != 0
			high.isGood = evenCountersGood
			counters = append(counters, high)
			lastWord = wire.BitField(w, 63, 1) != 0
		}
	}

	last := counters[len(counters)-1]
	cd.TruncateWave = last.waveTruncated
	cd.TruncateParam = last.countersTruncated
	cd.WaveformDefValue = waveformDefValue

	if hasWaveform {
		n, err := d.decodeWaveform(buf[off:], cd)
		if err != nil {
			d.ring.AbortWrite()
			d.curSlot = nil
			d.newEvent = true
			return 0, err
		}
		off += n
	} else {
		cd.Waveform = cd.Waveform[:0]
	}

	d.reconstruct(cd, counters)

	slot.EventSize += off

	if lastChannel {
		d.ring.CommitWrite()
		d.curSlot = nil
		d.newEvent = true
	}
	return off, nil
}

// decodeWaveform reads the waveform-size word and the directly-packed
// (4 samples × 16 bits per 64-bit word) waveform words of one channel's
// sub-event.
func (d *ZLE) decodeWaveform(buf []byte, cd *ZLEChannelData) (int, error) {
	const op = "decode.ZLE.decodeWaveform"
	if len(buf) < 8 {
		return 0, dig2err.New(dig2err.InternalError, op, "truncated waveform size word")
	}
	sizeWord := wire.U64LE(buf)
	nWaveformWords := int(wire.BitField(sizeWord, 0, 12))
	truncated := wire.BitField(sizeWord, 63, 1) != 0
	if truncated {
		logWarn(d.logger, "dppzle: unexpected truncated waveform")
	}

	nSamples := nWaveformWords * 4
	off := 8
	ensureU16(&cd.Waveform, nSamples)

	for w := 0; w < nWaveformWords; w++ {
		if len(buf) < off+8 {
			return 0, dig2err.New(dig2err.InternalError, op, "truncated waveform word")
		}
		word := wire.U64LE(buf[off:])
		off += 8
		for i := 0; i < 4; i++ {
			cd.Waveform[w*4+i] = uint16(wire.BitField(word, uint(i*16), 16))
		}
	}
	return off, nil
}

// reconstruct walks counters and fills chunk_time/chunk_size/chunk_begin,
// reconstructed_waveform and sample_type (spec §4.6.3 "The decoder
// reconstructs...").
func (d *ZLE) reconstruct(cd *ZLEChannelData, counters []zleCounter) {
	d.mu.Lock()
	recordLength := d.recordLength
	d.mu.Unlock()

	ensureU16(&cd.ReconstructedWaveform, recordLength)
	ensureU8(&cd.SampleType, recordLength)

	waveIdx := 0
	reconIdx := 0
	accumulatedChunkTime := 0
	accumulatedChunkBegin := 0

	for _, c := range counters {
		size := int(c.size)
		if c.isGood {
			cd.ChunkSize = append(cd.ChunkSize, size)
			cd.ChunkTime = append(cd.ChunkTime, accumulatedChunkTime)
			cd.ChunkBegin = append(cd.ChunkBegin, accumulatedChunkBegin)
			sampleType := uint8(1)
			if c.countersTruncated {
				sampleType = 0
			}
			for i := 0; i < size && reconIdx < len(cd.ReconstructedWaveform); i++ {
				if waveIdx < len(cd.Waveform) {
					cd.ReconstructedWaveform[reconIdx] = cd.Waveform[waveIdx]
					waveIdx++
				}
				cd.SampleType[reconIdx] = sampleType
				reconIdx++
			}
			accumulatedChunkBegin += size
		} else {
			for i := 0; i < size && reconIdx < len(cd.ReconstructedWaveform); i++ {
				cd.ReconstructedWaveform[reconIdx] = cd.WaveformDefValue
				cd.SampleType[reconIdx] = 0
				reconIdx++
			}
		}
		accumulatedChunkTime += size
	}

	if cd.TruncateWave {
		n := accumulatedChunkTime
		if n > len(cd.ReconstructedWaveform) {
			n = len(cd.ReconstructedWaveform)
		}
		cd.ReconstructedWaveform = cd.ReconstructedWaveform[:n]
		cd.SampleType = cd.SampleType[:n]
	}
}

// Stop enqueues a sentinel record, aborting any in-flight partial
// record first.
func (d *ZLE) Stop() {
	d.abortInProgress()
	slot := d.ring.AcquireWrite()
	*slot = ZLERecord{FakeStopEvent: true}
	d.ring.CommitWrite()
}

// ClearData invalidates the ring and requests that any in-flight
// aggregate decode abort at the next sub-event boundary.
func (d *ZLE) ClearData() {
	d.clear.require()
	d.ring.Invalidate()
}

func (d *ZLE) HasData(time.Duration) bool { return d.ring.HasData() }

func (d *ZLE) ReadData(timeout time.Duration, sink schema.Sink) error {
	const op = "decode.ZLE.ReadData"
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
		case "TIMESTAMP":
			err = sink.PutScalar(f.Name, f.Wire, float64(slot.Timestamp))
		case "BOARD_FAIL":
			err = sink.PutScalar(f.Name, f.Wire, boolToFloat(slot.BoardFail))
		case "FLUSH":
			err = sink.PutScalar(f.Name, f.Wire, boolToFloat(slot.Flush))
		case "AGGREGATE_COUNTER":
			err = sink.PutScalar(f.Name, f.Wire, float64(slot.AggregateCounter))
		case "EVENT_SIZE":
			err = sink.PutScalar(f.Name, f.Wire, float64(slot.EventSize))
		case "RECONSTRUCTED_WAVEFORM":
			err = sink.PutMatrix(f.Name, f.Wire, zleMatrix(slot.ChannelData, func(cd ZLEChannelData) []uint16 { return cd.ReconstructedWaveform }))
		case "WAVEFORM":
			err = sink.PutMatrix(f.Name, f.Wire, zleMatrix(slot.ChannelData, func(cd ZLEChannelData) []uint16 { return cd.Waveform }))
		case "SAMPLE_TYPE":
			err = sink.PutMatrix(f.Name, f.Wire, zleSampleTypeMatrix(slot.ChannelData))
		case "CHUNK_SIZE":
			err = sink.PutMatrix(f.Name, f.Wire, zleIntMatrix(slot.ChannelData, func(cd ZLEChannelData) []int { return cd.ChunkSize }))
		case "CHUNK_TIME":
			err = sink.PutMatrix(f.Name, f.Wire, zleIntMatrix(slot.ChannelData, func(cd ZLEChannelData) []int { return cd.ChunkTime }))
		case "CHUNK_BEGIN":
			err = sink.PutMatrix(f.Name, f.Wire, zleIntMatrix(slot.ChannelData, func(cd ZLEChannelData) []int { return cd.ChunkBegin }))
		}
		if err != nil {
			d.ring.CommitRead()
			return err
		}
	}
	d.ring.CommitRead()
	return nil
}

func (d *ZLE) SetSchema(sch schema.Schema) {
	d.mu.Lock()
	d.schema = sch
	d.mu.Unlock()
}

func zleMatrix(channels []ZLEChannelData, pick func(ZLEChannelData) []uint16) [][]float64 {
	rows := make([][]float64, len(channels))
	for i, cd := range channels {
		v := pick(cd)
		row := make([]float64, len(v))
		for j, x := range v {
			row[j] = float64(x)
		}
		rows[i] = row
	}
	return rows
}

func zleSampleTypeMatrix(channels []ZLEChannelData) [][]float64 {
	rows := make([][]float64, len(channels))
	for i, cd := range channels {
		row := make([]float64, len(cd.SampleType))
		for j, x := range cd.SampleType {
			row[j] = float64(x)
		}
		rows[i] = row
	}
	return rows
}

func zleIntMatrix(channels []ZLEChannelData, pick func(ZLEChannelData) []int) [][]float64 {
	rows := make([][]float64, len(channels))
	for i, cd := range channels {
		v := pick(cd)
		row := make([]float64, len(v))
		for j, x := range v {
			row[j] = float64(x)
		}
		rows[i] = row
	}
	return rows
}
