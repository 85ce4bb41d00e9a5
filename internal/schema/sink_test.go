package schema

import (
	"testing"

	"github.com/dig2-project/dig2-go/internal/dig2err"
)

func TestSliceSinkAccumulates(t *testing.T) {
	sink := NewSliceSink()
	if err := sink.PutScalar("energy", U16, 1234); err != nil {
		t.Fatalf("PutScalar() error = %v", err)
	}
	if err := sink.PutArray("waveform", I16, []float64{1, 2, 3}); err != nil {
		t.Fatalf("PutArray() error = %v", err)
	}
	if err := sink.PutMatrix("probes", Float, [][]float64{{1, 2}, {3, 4}}); err != nil {
		t.Fatalf("PutMatrix() error = %v", err)
	}

	if got, want := sink.Scalars["energy"], 1234.0; got != want {
		t.Fatalf("Scalars[energy] = %v, want %v", got, want)
	}
	if got, want := len(sink.Arrays["waveform"]), 3; got != want {
		t.Fatalf("len(Arrays[waveform]) = %d, want %d", got, want)
	}
	if got, want := len(sink.Matrices["probes"]), 2; got != want {
		t.Fatalf("len(Matrices[probes]) = %d, want %d", got, want)
	}
}

func TestSliceSinkArrayCopiesInput(t *testing.T) {
	sink := NewSliceSink()
	src := []float64{1, 2, 3}
	sink.PutArray("f", I16, src)
	src[0] = 99
	if sink.Arrays["f"][0] == 99 {
		t.Fatalf("PutArray() aliased the caller's slice")
	}
}

func TestNarrowToIntRangeChecks(t *testing.T) {
	if _, err := NarrowToInt("x", 127, 8, true); err != nil {
		t.Fatalf("NarrowToInt(127, 8, signed) error = %v", err)
	}
	if _, err := NarrowToInt("x", 128, 8, true); dig2err.Of(err) != dig2err.InvalidArgument {
		t.Fatalf("NarrowToInt(128, 8, signed) Of(err) = %v, want InvalidArgument", dig2err.Of(err))
	}
	if _, err := NarrowToInt("x", 255, 8, false); err != nil {
		t.Fatalf("NarrowToInt(255, 8, unsigned) error = %v", err)
	}
	if _, err := NarrowToInt("x", -1, 8, false); dig2err.Of(err) != dig2err.InvalidArgument {
		t.Fatalf("NarrowToInt(-1, 8, unsigned) Of(err) = %v, want InvalidArgument", dig2err.Of(err))
	}
}

func TestNarrowToIntRejectsNonIntegral(t *testing.T) {
	if _, err := NarrowToInt("x", 1.5, 8, true); dig2err.Of(err) != dig2err.InvalidArgument {
		t.Fatalf("Of(err) = %v, want InvalidArgument", dig2err.Of(err))
	}
}
