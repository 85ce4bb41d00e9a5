package session

import (
	"sync"

	"github.com/dig2-project/dig2-go/internal/dig2err"
)

// MaxSessions is the fixed size of the process-wide session table: a
// Handle only has 8 bits to name a session (spec §3, §9 "Global state").
const MaxSessions = 256

// Table is the process-wide registry of live sessions, keyed by the high
// byte of a Handle. Unlike the teacher's ActiveSessionStore, which
// persists a JSONL history of session snapshots, Table holds no history
// and nothing is written to disk — spec §1 Non-goals rule out persistence
// entirely; only the bounded, indexed, mutex-guarded registry shape is
// reused.
//
// §9 asks for this to be "a value owned by an explicit context object"
// rather than a package-level global; callers construct one Table per
// process (or per test) and pass it to Connect.
type Table struct {
	mu   sync.Mutex
	slot [MaxSessions]*Client
}

// NewTable constructs an empty session table.
func NewTable() *Table {
	return &Table{}
}

// Register claims the first free slot for c and returns its index. It
// returns TooManyDevices if every slot is occupied.
func (t *Table) Register(c *Client) (uint8, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := 0; i < MaxSessions; i++ {
		if t.slot[i] == nil {
			t.slot[i] = c
			return uint8(i), nil
		}
	}
	return 0, dig2err.New(dig2err.TooManyDevices, "session.Table.Register",
		"session table is full (256 sessions)")
}

// Release frees the slot at index, if still occupied by c.
func (t *Table) Release(index uint8, c *Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.slot[index] == c {
		t.slot[index] = nil
	}
}

// Lookup returns the session registered at index, if any.
func (t *Table) Lookup(index uint8) (*Client, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.slot[index]
	return c, c != nil
}

// Resolve looks up the session owning h and reports whether h itself is a
// well-formed (non-reserved) node id within that session.
func (t *Table) Resolve(h Handle) (*Client, bool) {
	if !h.Valid() {
		return nil, false
	}
	return t.Lookup(h.SessionIndex())
}
