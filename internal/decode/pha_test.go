package decode

import (
	"strconv"
	"testing"

	"github.com/dig2-project/dig2-go/internal/schema"
	"github.com/dig2-project/dig2-go/internal/wire"
)

func buildAggregateHeader(flush, boardFail bool, aggregateCounter uint32, nWords uint32) uint64 {
	var w uint64
	w = wire.PackBitField(w, 60, 4, uint64(FormatIndividualTrigger))
	w = wire.PackBitField(w, 59, 1, boolU64(flush))
	w = wire.PackBitField(w, 56, 1, boolU64(boardFail))
	w = wire.PackBitField(w, 32, 24, uint64(aggregateCounter))
	w = wire.PackBitField(w, 0, 32, uint64(nWords))
	return w
}

// TestPHASingleWordHit reproduces spec §8 scenario 3.
func TestPHASingleWordHit(t *testing.T) {
	cmd := newFakeCommander()
	cmd.set("/ch/0/par/chrecordlengths", "0")
	cmd.set("/ch/5/par/chrecordlengths", "0")
	for ch := 0; ch < 16; ch++ {
		cmd.set(pathFor(ch), "0")
	}

	d := NewPHA(cmd, nil, "/endpoint/dpppha", 16)
	if err := d.Resize(0); err != nil {
		t.Fatalf("Resize: %v", err)
	}

	var hit uint64
	hit = wire.PackBitField(hit, 63, 1, 1) // last_word
	hit = wire.PackBitField(hit, 56, 7, 5) // channel
	hit = wire.PackBitField(hit, 48, 8, 0) // flags_high_priority
	hit = wire.PackBitField(hit, 16, 32, 0x01234567)
	hit = wire.PackBitField(hit, 0, 16, 0xBEEF)

	agg := buildAggregateHeader(false, false, 1, 2) // 1 header word + 1 hit word
	buf := wire.PutU64LE(nil, agg)
	buf = wire.PutU64LE(buf, hit)

	if err := d.Decode(buf); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	sink := schema.NewSliceSink()
	d.SetSchema(schema.Schema{
		{Name: "CHANNEL", Wire: schema.U8, Rank: schema.RankScalar},
		{Name: "TIMESTAMP", Wire: schema.U64, Rank: schema.RankScalar},
		{Name: "ENERGY", Wire: schema.U16, Rank: schema.RankScalar},
		{Name: "WAVEFORM_SIZE", Wire: schema.SizeT, Rank: schema.RankScalar},
	})
	if err := d.ReadData(0, sink); err != nil {
		t.Fatalf("ReadData: %v", err)
	}

	if sink.Scalars["CHANNEL"] != 5 {
		t.Errorf("CHANNEL = %v, want 5", sink.Scalars["CHANNEL"])
	}
	if uint32(sink.Scalars["TIMESTAMP"]) != 0x01234567 {
		t.Errorf("TIMESTAMP = %x, want 0x01234567", uint32(sink.Scalars["TIMESTAMP"]))
	}
	if uint16(sink.Scalars["ENERGY"]) != 0xBEEF {
		t.Errorf("ENERGY = %x, want 0xBEEF", uint16(sink.Scalars["ENERGY"]))
	}
	if sink.Scalars["WAVEFORM_SIZE"] != 0 {
		t.Errorf("WAVEFORM_SIZE = %v, want 0 (single-word hit has no waveform)", sink.Scalars["WAVEFORM_SIZE"])
	}
}

func pathFor(ch int) string {
	return "/ch/" + strconv.Itoa(ch) + "/par/chrecordlengths"
}

// TestPHAAggregateHeaderFlush exercises an aggregate header with the
// flush bit set (bit 59, not the format nibble at bits 60-63), and
// confirms it is projected through to the FLUSH schema field.
func TestPHAAggregateHeaderFlush(t *testing.T) {
	cmd := newFakeCommander()
	cmd.set("/ch/0/par/chrecordlengths", "0")
	cmd.set("/ch/5/par/chrecordlengths", "0")
	for ch := 0; ch < 16; ch++ {
		cmd.set(pathFor(ch), "0")
	}

	d := NewPHA(cmd, nil, "/endpoint/dpppha", 16)
	if err := d.Resize(0); err != nil {
		t.Fatalf("Resize: %v", err)
	}

	var hit uint64
	hit = wire.PackBitField(hit, 63, 1, 1) // last_word
	hit = wire.PackBitField(hit, 56, 7, 5) // channel
	hit = wire.PackBitField(hit, 48, 8, 0) // flags_high_priority
	hit = wire.PackBitField(hit, 16, 32, 0x01234567)
	hit = wire.PackBitField(hit, 0, 16, 0xBEEF)

	agg := buildAggregateHeader(true, false, 1, 2) // flush=true
	buf := wire.PutU64LE(nil, agg)
	buf = wire.PutU64LE(buf, hit)

	if err := d.Decode(buf); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	sink := schema.NewSliceSink()
	d.SetSchema(schema.Schema{
		{Name: "FLUSH", Wire: schema.Bool, Rank: schema.RankScalar},
	})
	if err := d.ReadData(0, sink); err != nil {
		t.Fatalf("ReadData: %v", err)
	}

	if sink.Scalars["FLUSH"] == 0 {
		t.Errorf("FLUSH = %v, want nonzero (flush bit was set)", sink.Scalars["FLUSH"])
	}
}

// TestPHAWaveformSignedMulFactor reproduces spec §8 scenario 4: a signed
// analog probe 0 with mul factor ×4 and raw sample 0x3FFF decodes to
// sign_extend14(0x3FFF) × 4 == -4.
func TestPHAWaveformSignedMulFactor(t *testing.T) {
	cmd := newFakeCommander()
	for ch := 0; ch < 1; ch++ {
		cmd.set(pathFor(ch), "2")
	}
	d := NewPHA(cmd, nil, "/endpoint/dpppha", 1)
	if err := d.Resize(0); err != nil {
		t.Fatalf("Resize: %v", err)
	}

	// word 1 (standard hit, not last_word)
	var w1 uint64
	w1 = wire.PackBitField(w1, 63, 1, 0) // not last_word
	w1 = wire.PackBitField(w1, 56, 7, 0) // channel
	w1 = wire.PackBitField(w1, 55, 1, 0) // special_event
	w1 = wire.PackBitField(w1, 0, 48, 0x1000)

	// word 2
	var w2 uint64
	w2 = wire.PackBitField(w2, 63, 1, 0) // not last_word (extras follow)
	w2 = wire.PackBitField(w2, 62, 1, 1) // has_waveform
	w2 = wire.PackBitField(w2, 50, 12, 0)
	w2 = wire.PackBitField(w2, 42, 8, 0)
	w2 = wire.PackBitField(w2, 16, 10, 0)
	w2 = wire.PackBitField(w2, 0, 16, 0x1234)

	// wave_info extra: analog probe 0 signed, mul factor index 1 (x4)
	var extra uint64
	extra = wire.PackBitField(extra, 63, 1, 1) // last_word
	extra = wire.PackBitField(extra, 60, 3, uint64(extraWaveInfo))
	var extraData uint64
	extraData = wire.PackBitField(extraData, 0, 3, 1) // analog probe 0 type
	extraData = wire.PackBitField(extraData, 3, 1, 1) // is_signed
	extraData = wire.PackBitField(extraData, 4, 2, 1) // mul factor index 1 -> x4
	extra = wire.PackBitField(extra, 0, 60, extraData)

	// waveform size word: 1 word, not truncated
	var sizeWord uint64
	sizeWord = wire.PackBitField(sizeWord, 0, 12, 1)

	// waveform word: analog probe 0 sample = 0x3FFF at bits[0:14)
	var waveWord uint64
	waveWord = wire.PackBitField(waveWord, 0, 14, 0x3FFF)

	agg := buildAggregateHeader(false, false, 1, 6) // header + 5 hit words
	buf := wire.PutU64LE(nil, agg)
	buf = wire.PutU64LE(buf, w1)
	buf = wire.PutU64LE(buf, w2)
	buf = wire.PutU64LE(buf, extra)
	buf = wire.PutU64LE(buf, sizeWord)
	buf = wire.PutU64LE(buf, waveWord)

	if err := d.Decode(buf); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	sink := schema.NewSliceSink()
	d.SetSchema(schema.Schema{
		{Name: "ANALOG_PROBE_1", Wire: schema.I32, Rank: schema.RankArray},
	})
	if err := d.ReadData(0, sink); err != nil {
		t.Fatalf("ReadData: %v", err)
	}

	decoded := sink.Arrays["ANALOG_PROBE_1"]
	if len(decoded) != 2 {
		t.Fatalf("len(ANALOG_PROBE_1) = %d, want 2 samples (1 waveform word)", len(decoded))
	}
	if decoded[0] != -4 {
		t.Errorf("decoded[0] = %v, want -4", decoded[0])
	}
}
