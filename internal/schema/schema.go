// Package schema implements the format schema and the projection sink a
// decoder's read_data uses to copy decoded-record fields into
// caller-supplied targets (spec §3 "Format schema", §6 "User read-out
// API").
package schema

// WireType is one of the arithmetic wire types a schema field may be
// projected to (spec §6).
type WireType string

const (
	U8     WireType = "u8"
	U16    WireType = "u16"
	U32    WireType = "u32"
	U64    WireType = "u64"
	I8     WireType = "i8"
	I16    WireType = "i16"
	I32    WireType = "i32"
	I64    WireType = "i64"
	Char   WireType = "char"
	Bool   WireType = "bool"
	SizeT  WireType = "size_t"
	PtrdiffT WireType = "ptrdiff_t"
	Float  WireType = "float"
	Double WireType = "double"
	LongDouble WireType = "long_double"
)

// Rank is the dimensionality of a schema field: scalar, rank-1 array, or
// rank-2 matrix (spec §3 "Format schema").
type Rank int

const (
	RankScalar Rank = 0
	RankArray  Rank = 1
	RankMatrix Rank = 2
)

// Field is one (field, wire_type, rank) triple of a decoder's schema.
type Field struct {
	Name string
	Wire WireType
	Rank Rank
}

// Schema is an ordered list of fields a decoder currently projects.
// Consumers may replace it between acquisitions (spec §3).
type Schema []Field

// FieldRank looks up the mandated rank for name, per the decoder's
// universe of fields (spec §3 "(ii) the rank mandated per field").
func (s Schema) FieldRank(name string) (Rank, bool) {
	for _, f := range s {
		if f.Name == name {
			return f.Rank, true
		}
	}
	return 0, false
}

// Has reports whether the schema currently projects field name.
func (s Schema) Has(name string) bool {
	_, ok := s.FieldRank(name)
	return ok
}
