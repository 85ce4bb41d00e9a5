package schema

import "testing"

func TestSchemaFieldRank(t *testing.T) {
	s := Schema{
		{Name: "energy", Wire: U16, Rank: RankScalar},
		{Name: "waveform", Wire: I16, Rank: RankArray},
	}

	rank, ok := s.FieldRank("waveform")
	if !ok || rank != RankArray {
		t.Fatalf("FieldRank(waveform) = %v, %v, want RankArray, true", rank, ok)
	}
	if _, ok := s.FieldRank("missing"); ok {
		t.Fatalf("expected FieldRank(missing) to report not found")
	}
}

func TestSchemaHas(t *testing.T) {
	s := Schema{{Name: "energy", Wire: U16, Rank: RankScalar}}
	if !s.Has("energy") {
		t.Fatalf("expected Has(energy) to be true")
	}
	if s.Has("missing") {
		t.Fatalf("expected Has(missing) to be false")
	}
}
