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

// ScopeRecord is the oscilloscope decoder's decoded event (spec §4.6.1).
// Grounded on original_source/include/endpoints/scope.hpp's scope_evt.
type ScopeRecord struct {
	BoardFail         bool
	TriggerID         uint32
	Flags             uint16
	SamplesOverlapped uint8
	Timestamp         uint64
	ChannelMask       uint64
	Waveforms         [][]uint16 // one slice per channel, spec §3 "waveforms[c].len == record_length if enabled else 0"
	EventSize         int

	FakeStopEvent bool
}

// Scope decodes oscilloscope-mode events (spec §4.6.1): 3-word header
// then one sample word per (channel, sample) quartet, 4 16-bit samples
// packed per 64-bit word, round-robin over the enabled-channel list.
type Scope struct {
	commander session.Commander
	logger    *slog.Logger
	path      string

	ring *ringbuf.Ring[ScopeRecord]

	mu         sync.Mutex
	schema     schema.Schema
	nChannels  int
	chEnabled  []bool
	recordLen  int
}

// NewScope constructs the scope decoder bound to path (its node path,
// used to query per-channel configuration at resize time).
func NewScope(commander session.Commander, logger *slog.Logger, path string, nChannels int) *Scope {
	return &Scope{
		commander: commander,
		logger:    logger,
		path:      path,
		ring:      ringbuf.New[ScopeRecord](ringCapacityWaveformHeavy),
		schema:    defaultScopeSchema(),
		nChannels: nChannels,
	}
}

func (s *Scope) NodeName() string   { return "scope" }
func (s *Scope) Format() FormatCode { return FormatCommonTriggerMode }

func defaultScopeSchema() schema.Schema {
	return schema.Schema{
		{Name: "TIMESTAMP", Wire: schema.U64, Rank: schema.RankScalar},
		{Name: "TRIGGER_ID", Wire: schema.U32, Rank: schema.RankScalar},
		{Name: "WAVEFORM", Wire: schema.U16, Rank: schema.RankMatrix},
		{Name: "WAVEFORM_SIZE", Wire: schema.U32, Rank: schema.RankArray},
	}
}

func (s *Scope) DefaultSchema() schema.Schema { return defaultScopeSchema() }

func (s *Scope) FieldRank(name string) (schema.Rank, bool) {
	switch name {
	case "TIMESTAMP", "TRIGGER_ID", "FLAGS", "SAMPLES_OVERLAPPED", "BOARD_FAIL", "EVENT_SIZE":
		return schema.RankScalar, true
	case "WAVEFORM_SIZE":
		return schema.RankArray, true
	case "WAVEFORM":
		return schema.RankMatrix, true
	}
	return 0, false
}

// Resize queries per-channel chEnable and the global recordlengths
// parameter, then sizes the waveform vectors of the ring slot at the
// write cursor (spec §4.4.5 step 3, §4.6.1). The other ring slots are not
// preallocated: Decode allocates their vectors when it first fills them.
func (s *Scope) Resize(int) error {
	const op = "decode.Scope.Resize"

	paths := make([]string, 0, s.nChannels+1)
	for ch := 0; ch < s.nChannels; ch++ {
		paths = append(paths, fmt.Sprintf("/ch/%d/par/chenable", ch))
	}
	paths = append(paths, "/par/recordlengths")

	values, err := s.commander.MultiGetValue(paths)
	if err != nil {
		return dig2err.Wrap(dig2err.CommandError, op, err)
	}
	if len(values) != len(paths) {
		return dig2err.New(dig2err.CommandError, op, "short multiGetValue reply")
	}

	enabled := make([]bool, s.nChannels)
	for i := 0; i < s.nChannels; i++ {
		enabled[i] = strings.EqualFold(values[i], "true")
	}
	recordLen, err := strconv.Atoi(values[len(values)-1])
	if err != nil {
		return dig2err.Wrap(dig2err.CommandError, op, err)
	}

	s.mu.Lock()
	s.chEnabled = enabled
	s.recordLen = recordLen
	s.mu.Unlock()

	for i := int64(0); i < int64(ringCapacityWaveformHeavy); i++ {
		slot := s.ring.AcquireWrite()
		slot.Waveforms = make([][]uint16, s.nChannels)
		for ch := 0; ch < s.nChannels; ch++ {
			if enabled[ch] {
				slot.Waveforms[ch] = make([]uint16, recordLen)
			} else {
				slot.Waveforms[ch] = slot.Waveforms[ch][:0]
			}
		}
		s.ring.AbortWrite()
	}
	return nil
}

// Decode parses one scope event. Format mismatch is a silent no-op
// (spec §4.6 "decode").
func (s *Scope) Decode(buf []byte) error {
	if len(buf) < 24 {
		return nil
	}
	w0 := wire.U64LE(buf)
	if formatOf(w0) != FormatCommonTriggerMode {
		return nil
	}

	slot := s.ring.AcquireWrite()
	ok := false
	defer func() {
		if !ok {
			s.ring.AbortWrite()
		} else {
			s.ring.CommitWrite()
		}
	}()

	slot.FakeStopEvent = false
	slot.BoardFail = wire.BitField(w0, 56, 1) != 0
	slot.TriggerID = uint32(wire.BitField(w0, 32, 24))
	nWords := uint32(wire.BitField(w0, 0, 32))

	w1 := wire.U64LE(buf[8:])
	slot.Timestamp = wire.BitField(w1, 0, 48)
	slot.SamplesOverlapped = uint8(wire.BitField(w1, 48, 3))
	slot.Flags = uint16(wire.BitField(w1, 51, 13))

	w2 := wire.U64LE(buf[16:])
	slot.ChannelMask = w2

	nParticipating := wire.Popcount64(slot.ChannelMask)
	recordLength := 0
	if nParticipating > 0 {
		waveformWords := int(nWords) - 3
		totalSamples := waveformWords * 4
		if totalSamples%nParticipating != 0 {
			return dig2err.New(dig2err.InternalError, "decode.Scope.Decode",
				fmt.Sprintf("unexpected waveform size (total=%d, channels=%d)", totalSamples, nParticipating))
		}
		recordLength = totalSamples / nParticipating
	}

	if len(slot.Waveforms) != s.nChannels {
		slot.Waveforms = make([][]uint16, s.nChannels)
	}
	chList := make([]int, 0, nParticipating)
	for ch := 0; ch < len(slot.Waveforms) && ch < 64; ch++ {
		if slot.ChannelMask&(1<<uint(ch)) != 0 {
			if len(slot.Waveforms[ch]) < recordLength {
				slot.Waveforms[ch] = make([]uint16, recordLength)
			} else {
				slot.Waveforms[ch] = slot.Waveforms[ch][:recordLength]
			}
			chList = append(chList, ch)
		} else if ch < len(slot.Waveforms) {
			slot.Waveforms[ch] = slot.Waveforms[ch][:0]
		}
	}

	off := 24
	sampleIdx := 0
	for sampleIdx < recordLength*len(chList) {
		if off+8 > len(buf) {
			return dig2err.New(dig2err.InternalError, "decode.Scope.Decode", "truncated waveform word")
		}
		word := wire.U64LE(buf[off:])
		ch := chList[(sampleIdx/4)%len(chList)]
		firstSample := (sampleIdx / (4 * len(chList))) * 4
		for i := 0; i < 4; i++ {
			sample := uint16(wire.BitField(word, uint(i*16), 16))
			slot.Waveforms[ch][firstSample+i] = sample
		}
		sampleIdx += 4
		off += 8
	}

	slot.EventSize = len(buf)
	ok = true
	return nil
}

// Stop enqueues a sentinel record so a blocked consumer observes
// end-of-stream (spec §4.5, glossary "Sentinel record").
func (s *Scope) Stop() {
	slot := s.ring.AcquireWrite()
	*slot = ScopeRecord{FakeStopEvent: true}
	s.ring.CommitWrite()
}

func (s *Scope) ClearData() {
	s.ring.Invalidate()
}

func (s *Scope) HasData(timeout time.Duration) bool {
	return s.ring.HasData()
}

// ReadData blocks for a decoded record and projects the current schema
// into sink (spec §4.6 "read_data").
func (s *Scope) ReadData(timeout time.Duration, sink schema.Sink) error {
	const op = "decode.Scope.ReadData"
	slot, ok := s.ring.AcquireRead(timeout)
	if err := readSentinel(ok, ok && slot.FakeStopEvent, op); err != nil {
		if ok {
			s.ring.CommitRead()
		}
		return err
	}

	s.mu.Lock()
	sch := s.schema
	s.mu.Unlock()

	for _, f := range sch {
		var err error
		switch f.Name {
		case "TIMESTAMP":
			err = sink.PutScalar(f.Name, f.Wire, float64(slot.Timestamp))
		case "TRIGGER_ID":
			err = sink.PutScalar(f.Name, f.Wire, float64(slot.TriggerID))
		case "FLAGS":
			err = sink.PutScalar(f.Name, f.Wire, float64(slot.Flags))
		case "SAMPLES_OVERLAPPED":
			err = sink.PutScalar(f.Name, f.Wire, float64(slot.SamplesOverlapped))
		case "BOARD_FAIL":
			err = sink.PutScalar(f.Name, f.Wire, boolToFloat(slot.BoardFail))
		case "EVENT_SIZE":
			err = sink.PutScalar(f.Name, f.Wire, float64(slot.EventSize))
		case "WAVEFORM_SIZE":
			sizes := make([]float64, len(slot.Waveforms))
			for i, w := range slot.Waveforms {
				sizes[i] = float64(len(w))
			}
			err = sink.PutArray(f.Name, f.Wire, sizes)
		case "WAVEFORM":
			rows := make([][]float64, len(slot.Waveforms))
			for i, w := range slot.Waveforms {
				row := make([]float64, len(w))
				for j, v := range w {
					row[j] = float64(v)
				}
				rows[i] = row
			}
			err = sink.PutMatrix(f.Name, f.Wire, rows)
		}
		if err != nil {
			s.ring.CommitRead()
			return err
		}
	}

	s.ring.CommitRead()
	return nil
}

// SetSchema replaces the projected schema between acquisitions (spec §3
// "Consumer may replace the schema").
func (s *Scope) SetSchema(sch schema.Schema) {
	s.mu.Lock()
	s.schema = sch
	s.mu.Unlock()
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
