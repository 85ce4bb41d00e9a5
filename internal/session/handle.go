// Package session implements the Client: URL parsing and bootstrap, the
// device-tree mirror (Node), handle encoding, and the process-wide session
// table (spec §3, §4.3, §9).
package session

// Handle is a 32-bit node identifier: the high 8 bits are the session
// index within the process, the low 24 bits are the server-assigned node
// id within that session (spec §3).
type Handle uint32

// InvalidNodeID is the reserved low-24-bit value meaning "no such node".
const InvalidNodeID uint32 = 0x00FF_FFFF

const nodeIDMask uint32 = 0x00FF_FFFF

// NewHandle packs a session index and a node id into a Handle.
func NewHandle(sessionIndex uint8, nodeID uint32) Handle {
	return Handle(uint32(sessionIndex)<<24 | (nodeID & nodeIDMask))
}

// SessionIndex returns the high byte: which session table slot owns this
// handle.
func (h Handle) SessionIndex() uint8 {
	return uint8(h >> 24)
}

// NodeID returns the low 24 bits: the node id within the owning session.
func (h Handle) NodeID() uint32 {
	return uint32(h) & nodeIDMask
}

// Valid reports whether the node id is not the reserved invalid value.
func (h Handle) Valid() bool {
	return h.NodeID() != InvalidNodeID
}
