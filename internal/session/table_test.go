package session

import (
	"testing"

	"github.com/dig2-project/dig2-go/internal/dig2err"
)

func TestTableRegisterLookupRelease(t *testing.T) {
	tab := NewTable()
	c := &Client{}

	idx, err := tab.Register(c)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	got, ok := tab.Lookup(idx)
	if !ok || got != c {
		t.Fatalf("Lookup(%d) = %v, %v, want %v, true", idx, got, ok, c)
	}

	tab.Release(idx, c)
	if _, ok := tab.Lookup(idx); ok {
		t.Fatalf("expected slot %d to be free after Release", idx)
	}
}

func TestTableFullReturnsTooManyDevices(t *testing.T) {
	tab := NewTable()
	for i := 0; i < MaxSessions; i++ {
		if _, err := tab.Register(&Client{}); err != nil {
			t.Fatalf("Register() #%d error = %v", i, err)
		}
	}
	if _, err := tab.Register(&Client{}); dig2err.Of(err) != dig2err.TooManyDevices {
		t.Fatalf("Of(err) = %v, want TooManyDevices", dig2err.Of(err))
	}
}

func TestTableResolveRejectsInvalidHandle(t *testing.T) {
	tab := NewTable()
	c := &Client{}
	idx, _ := tab.Register(c)

	if _, ok := tab.Resolve(NewHandle(idx, InvalidNodeID)); ok {
		t.Fatalf("expected Resolve to reject the reserved node id")
	}
	if got, ok := tab.Resolve(NewHandle(idx, 1)); !ok || got != c {
		t.Fatalf("Resolve() = %v, %v, want %v, true", got, ok, c)
	}
}

func TestTableReleaseIgnoresMismatchedOwner(t *testing.T) {
	tab := NewTable()
	a, b := &Client{}, &Client{}
	idx, _ := tab.Register(a)

	tab.Release(idx, b) // not the owner, must be a no-op
	if got, ok := tab.Lookup(idx); !ok || got != a {
		t.Fatalf("Lookup(%d) = %v, %v, want %v, true", idx, got, ok, a)
	}
}
