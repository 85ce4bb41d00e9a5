package session

import "testing"

func TestHandleRoundTrip(t *testing.T) {
	h := NewHandle(3, 0x00ABCD)
	if got, want := h.SessionIndex(), uint8(3); got != want {
		t.Fatalf("SessionIndex() = %d, want %d", got, want)
	}
	if got, want := h.NodeID(), uint32(0x00ABCD); got != want {
		t.Fatalf("NodeID() = %#x, want %#x", got, want)
	}
	if !h.Valid() {
		t.Fatalf("expected handle to be valid")
	}
}

func TestHandleInvalidNodeID(t *testing.T) {
	h := NewHandle(0, InvalidNodeID)
	if h.Valid() {
		t.Fatalf("expected handle with reserved node id to be invalid")
	}
}

func TestHandleNodeIDMasked(t *testing.T) {
	h := NewHandle(1, 0xFFFFFFFF)
	if got, want := h.NodeID(), uint32(0x00FFFFFF); got != want {
		t.Fatalf("NodeID() = %#x, want %#x", got, want)
	}
}
