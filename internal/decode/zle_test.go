package decode

import (
	"testing"

	"github.com/dig2-project/dig2-go/internal/schema"
	"github.com/dig2-project/dig2-go/internal/wire"
)

// TestZLESingleChannelSingleGoodChunk exercises the simplest case: one
// channel, one sub-event, a single "good" counter spanning the whole
// record, with an explicit waveform (spec §4.6.3, §8 "sum(chunk_size
// [good]) == len(reconstructed_waveform_good_samples)").
func TestZLESingleChannelSingleGoodChunk(t *testing.T) {
	cmd := newFakeCommander()
	cmd.set("/ch/0/par/chenable", "true")
	cmd.set("/par/recordlengths", "4")

	d := NewZLE(cmd, nil, "/endpoint/dppzle", 1)
	if err := d.Resize(0); err != nil {
		t.Fatalf("Resize: %v", err)
	}

	// 1st word: timestamp, last_channel=1, channel=0
	var w0 uint64
	w0 = wire.PackBitField(w0, 0, 48, 777)
	w0 = wire.PackBitField(w0, 55, 1, 1) // last_channel
	w0 = wire.PackBitField(w0, 56, 7, 0) // channel

	// 2nd word: first counter (good, size=4), has_waveform=1, last_word=1
	var w1 uint64
	w1 = wire.PackBitField(w1, 0, 28, 4) // size
	w1 = wire.PackBitField(w1, 28, 1, 0) // counters_truncated
	w1 = wire.PackBitField(w1, 29, 1, 0) // wave_truncated
	w1 = wire.PackBitField(w1, 30, 1, 1) // last
	w1 = wire.PackBitField(w1, 32, 1, 1) // even_counters_good -> first counter is good
	w1 = wire.PackBitField(w1, 36, 16, 0)
	w1 = wire.PackBitField(w1, 62, 1, 1) // has_waveform
	w1 = wire.PackBitField(w1, 63, 1, 1) // last_word

	// waveform size word: 1 word (4 samples)
	var sizeWord uint64
	sizeWord = wire.PackBitField(sizeWord, 0, 12, 1)

	waveWord := packSamples(10, 11, 12, 13)

	agg := buildAggregateHeader(false, false, 1, 5) // header + w0 + w1 + sizeWord + waveWord
	buf := wire.PutU64LE(nil, agg)
	buf = wire.PutU64LE(buf, w0)
	buf = wire.PutU64LE(buf, w1)
	buf = wire.PutU64LE(buf, sizeWord)
	buf = wire.PutU64LE(buf, waveWord)

	if err := d.Decode(buf); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	sink := schema.NewSliceSink()
	d.SetSchema(defaultZLESchema())
	if err := d.ReadData(0, sink); err != nil {
		t.Fatalf("ReadData: %v", err)
	}

	if sink.Scalars["TIMESTAMP"] != 777 {
		t.Errorf("TIMESTAMP = %v, want 777", sink.Scalars["TIMESTAMP"])
	}
	recon := sink.Matrices["RECONSTRUCTED_WAVEFORM"]
	if len(recon) != 1 {
		t.Fatalf("len(channels) = %d, want 1", len(recon))
	}
	want := []float64{10, 11, 12, 13}
	for i, w := range want {
		if recon[0][i] != w {
			t.Errorf("reconstructed[0][%d] = %v, want %v", i, recon[0][i], w)
		}
	}
	sampleType := sink.Matrices["SAMPLE_TYPE"]
	for i, v := range sampleType[0] {
		if v != 1 {
			t.Errorf("sample_type[0][%d] = %v, want 1 (good)", i, v)
		}
	}
	chunkSize := sink.Matrices["CHUNK_SIZE"]
	if len(chunkSize[0]) != 1 || chunkSize[0][0] != 4 {
		t.Errorf("chunk_size[0] = %v, want [4]", chunkSize[0])
	}
}

func TestZLEStopSentinel(t *testing.T) {
	cmd := newFakeCommander()
	cmd.set("/ch/0/par/chenable", "false")
	cmd.set("/par/recordlengths", "4")
	d := NewZLE(cmd, nil, "/endpoint/dppzle", 1)
	if err := d.Resize(0); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	d.Stop()
	if err := d.ReadData(0, schema.NewSliceSink()); err == nil {
		t.Fatal("ReadData after Stop() should surface a stop error")
	}
}
