package endpoint

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dig2-project/dig2-go/internal/dig2err"
	"github.com/dig2-project/dig2-go/internal/ringbuf"
	"github.com/dig2-project/dig2-go/internal/session"
)

// SoftwareEndpoint is the hook surface a hardware endpoint drives on
// every registered decoder during pre-acquisition sizing and shutdown
// (spec §4.4.5 step 3, §4.4.1 "quitting_decoder"). internal/decode
// implements this; internal/endpoint never imports internal/decode,
// keeping the dependency one-directional.
type SoftwareEndpoint interface {
	NodeName() string
	Resize(maxRawDataSize int) error
	ClearData()
	Stop()
}

// Hardware is the common state machine and byte-ring producer shared by
// the TCP ("raw") and UDP ("rawudp") transports (spec §4.4, "Two
// transports, same state machine and the same producer contract toward
// decoders").
//
// Grounded on internal/agent/ringbuffer.go's mutex/condvar receiver shell
// generalized to the explicit six-state machine spec §4.4.1 names, and
// on internal/server/chunkbuffer.go's preallocate-then-resize-in-place
// discipline for ring slot sizing.
type Hardware struct {
	name      string
	commander session.Commander
	logger    *slog.Logger

	state *stateBox
	ring  *ringbuf.Ring[ByteBuffer]

	mu             sync.Mutex
	decoders       []SoftwareEndpoint
	decoderRunning bool
	maxRawDataSize int

	// widenLimiter caps how often Reserve-beyond-capacity on the receiver
	// path can log (spec §5 "Size widening during run logs a warning but
	// is permitted"): a busy link that keeps widening would otherwise
	// flood the log at line rate.
	widenLimiter *rate.Limiter

	// OnArmed, if set, is invoked at the end of a successful Arm with
	// whether the decoder thread should be active (spec §4.4.5 step 4:
	// "Start the decoder thread if and only if a decoded endpoint is the
	// currently active one"). internal/endpoint never starts a decoder
	// goroutine itself — that would require importing internal/decode —
	// so the root wiring package supplies this hook to start or stop its
	// Dispatcher accordingly.
	OnArmed func(decoderActive bool)
}

// NewHardware constructs the common hardware endpoint shell. ringCapacity
// is 2 for the TCP variant, 4 for UDP (spec §4.4.4 "Producer behavior").
func NewHardware(name string, commander session.Commander, logger *slog.Logger, ringCapacity int) *Hardware {
	return &Hardware{
		name:         name,
		commander:    commander,
		logger:       logger,
		state:        newStateBox(),
		ring:         ringbuf.New[ByteBuffer](ringCapacity),
		widenLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// WarnSizeWidened logs, at most once per second, that a receiver buffer
// grew past its pre-acquisition capacity (spec §5 "Size widening during
// run logs a warning but is permitted").
func (h *Hardware) WarnSizeWidened(from, to int) {
	if h.widenLimiter.Allow() {
		h.logger.Warn("ring slot size widened beyond pre-acquisition capacity",
			"endpoint", h.name, "from_bytes", from, "to_bytes", to)
	}
}

// NodeName implements session.Endpoint.
func (h *Hardware) NodeName() string { return h.name }

// State returns the current lifecycle state.
func (h *Hardware) State() State { return h.state.Get() }

// RegisterDecoder attaches a software endpoint to be resized, cleared and
// stopped alongside this hardware endpoint's own lifecycle.
func (h *Hardware) RegisterDecoder(d SoftwareEndpoint) {
	h.mu.Lock()
	h.decoders = append(h.decoders, d)
	h.mu.Unlock()
}

// Ring exposes the byte ring so a transport-specific receiver can commit
// buffers into it and a decoder thread can read from it.
func (h *Hardware) Ring() *ringbuf.Ring[ByteBuffer] { return h.ring }

// Arm implements spec §4.4.5 "Pre-acquisition sizing": clear, query
// MaxRawDataSize, resize every decoder, start the decoder thread if a
// decoded endpoint is active, transition to ready.
func (h *Hardware) Arm() error {
	const op = "endpoint.Hardware.Arm"

	if err := h.Clear(); err != nil {
		return err
	}

	sizeStr, err := h.commander.GetValue("/par/maxrawdatasize")
	if err != nil {
		return dig2err.Wrap(dig2err.CommandError, op, err)
	}
	maxSize, err := strconv.Atoi(sizeStr)
	if err != nil {
		return dig2err.Wrap(dig2err.CommandError, op, err)
	}
	h.mu.Lock()
	h.maxRawDataSize = maxSize
	decoders := append([]SoftwareEndpoint(nil), h.decoders...)
	h.mu.Unlock()

	for _, d := range decoders {
		if err := d.Resize(maxSize); err != nil {
			return dig2err.Wrap(dig2err.InternalError, op, err)
		}
	}

	active, err := h.isDecodedActive()
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.decoderRunning = active
	h.mu.Unlock()

	h.state.Set(StateDecoderStarted)
	h.state.Set(StateReady)

	if h.OnArmed != nil {
		h.OnArmed(active)
	}
	return nil
}

// DecoderActive reports whether the last Arm found a decoded endpoint
// active (spec §4.4.5 step 4).
func (h *Hardware) DecoderActive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.decoderRunning
}

// isDecodedActive mirrors the original library's "pretty simple version":
// the decoder thread runs whenever the active endpoint parameter names
// something other than this hardware endpoint itself.
func (h *Hardware) isDecodedActive() (bool, error) {
	active, err := h.commander.GetValue("/endpoint/par/activeendpoint")
	if err != nil {
		return false, dig2err.Wrap(dig2err.CommandError, "endpoint.Hardware.isDecodedActive", err)
	}
	return active != h.name, nil
}

// Disarm implements session.Endpoint: stop producing new data, leave the
// receiver parked until the next clear or shutdown.
func (h *Hardware) Disarm() error {
	h.state.Set(StateIdle)
	return nil
}

// Clear implements session.Endpoint: transition through
// clearing_receiver, invalidate both the byte ring and every decoder,
// and block until the receiver thread itself observes the next barrier
// packet and transitions back to idle (spec §4.4.1 "the first
// zero-length server packet acts as a fence that transitions to idle",
// §5 "Cancellation": "clear_data ... waits until the receiver observes
// the next barrier packet and transitions back to idle").
func (h *Hardware) Clear() error {
	h.state.Set(StateClearingReceiver)
	h.ring.Invalidate()

	h.mu.Lock()
	decoders := append([]SoftwareEndpoint(nil), h.decoders...)
	h.mu.Unlock()
	for _, d := range decoders {
		d.ClearData()
	}

	h.state.WaitState(StateIdle)
	return nil
}

// Close implements session.Endpoint: quit the decoder thread, stop every
// registered decoder (spec §4.4.1 "Any -> quitting_decoder at shutdown").
func (h *Hardware) Close() error {
	h.state.Set(StateQuittingDecoder)

	h.mu.Lock()
	decoders := append([]SoftwareEndpoint(nil), h.decoders...)
	h.mu.Unlock()
	for _, d := range decoders {
		d.Stop()
	}
	return nil
}
