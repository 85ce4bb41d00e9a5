package schema

import (
	"fmt"
	"math"

	"github.com/dig2-project/dig2-go/internal/dig2err"
)

// Sink is the destination of one read_data call: for every field the
// current schema selects, the decoder calls the method matching that
// field's rank (spec §6 "User read-out API"). This replaces the original
// library's variadic C argument pack with an explicit Go interface;
// per-argument target typing is still driven by the schema, not by the
// decoded record's own field type.
type Sink interface {
	PutScalar(field string, wire WireType, value float64) error
	PutArray(field string, wire WireType, values []float64) error
	PutMatrix(field string, wire WireType, values [][]float64) error
}

// SliceSink is the simplest Sink: it accumulates every projected field
// into maps keyed by field name, for callers that want the whole decoded
// record rather than writing into preallocated destination buffers.
type SliceSink struct {
	Scalars map[string]float64
	Arrays  map[string][]float64
	Matrices map[string][][]float64
}

// NewSliceSink constructs an empty SliceSink.
func NewSliceSink() *SliceSink {
	return &SliceSink{
		Scalars:  make(map[string]float64),
		Arrays:   make(map[string][]float64),
		Matrices: make(map[string][][]float64),
	}
}

func (s *SliceSink) PutScalar(field string, _ WireType, value float64) error {
	s.Scalars[field] = value
	return nil
}

func (s *SliceSink) PutArray(field string, _ WireType, values []float64) error {
	s.Arrays[field] = append([]float64(nil), values...)
	return nil
}

func (s *SliceSink) PutMatrix(field string, _ WireType, values [][]float64) error {
	cp := make([][]float64, len(values))
	for i, row := range values {
		cp[i] = append([]float64(nil), row...)
	}
	s.Matrices[field] = cp
	return nil
}

// NarrowToInt converts value to the range of an N-bit signed/unsigned
// integer, per spec §6 "conversion uses widening when lossless and
// explicit narrowing (with runtime-checked range where the widths
// differ)". It returns InvalidArgument if value does not fit.
func NarrowToInt(field string, value float64, bits int, signed bool) (int64, error) {
	const op = "schema.NarrowToInt"
	if value != math.Trunc(value) {
		return 0, dig2err.New(dig2err.InvalidArgument, op,
			fmt.Sprintf("%s: non-integral value %v cannot narrow to an integer type", field, value))
	}

	var lo, hi float64
	if signed {
		lo = -math.Pow(2, float64(bits-1))
		hi = math.Pow(2, float64(bits-1)) - 1
	} else {
		lo = 0
		hi = math.Pow(2, float64(bits)) - 1
	}
	if value < lo || value > hi {
		return 0, dig2err.New(dig2err.InvalidArgument, op,
			fmt.Sprintf("%s: value %v out of range for %d-bit %s integer", field, value, bits, signedness(signed)))
	}
	return int64(value), nil
}

func signedness(signed bool) string {
	if signed {
		return "signed"
	}
	return "unsigned"
}
