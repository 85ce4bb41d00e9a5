package session

// Endpoint is the subset of a hardware endpoint's lifecycle that Client
// needs to drive in response to a sendCommand reply flag (spec §4.2
// "Side effects of sendCommand", §4.4.1 "State machine").
//
// internal/endpoint implements this against session.Client through this
// interface rather than session importing internal/endpoint directly,
// which would form an import cycle: a hardware endpoint needs to query
// its own parameters back through the command channel (e.g.
// /par/MaxRawDataSize at arm time, spec §4.4.5), and Client needs to fan
// out ARM/DISARM/CLEAR to every registered endpoint. The root-level
// wiring package constructs both sides and registers concrete endpoints
// with a Client, so neither package imports the other.
type Endpoint interface {
	NodeName() string
	Arm() error
	Disarm() error
	Clear() error
	Close() error
}

// Commander is the command-side surface a registered Endpoint uses to
// query its own node tree (spec §4.4.5 "Pre-acquisition sizing": resize
// hooks read back chEnable, chrecordlengths, MaxRawDataSize, etc. through
// the owning session).
type Commander interface {
	GetValue(path string) (string, error)
	MultiGetValue(paths []string) ([]string, error)
	SetValue(path, value string) error
}
