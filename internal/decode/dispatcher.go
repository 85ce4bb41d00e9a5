package decode

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dig2-project/dig2-go/internal/endpoint"
	"github.com/dig2-project/dig2-go/internal/ringbuf"
	"github.com/dig2-project/dig2-go/internal/wire"
)

// Dispatcher drains a hardware endpoint's byte ring, walks each buffer
// event by event, and calls every registered decoder for each event
// (spec §4.5 "Event dispatcher (decoder thread)").
type Dispatcher struct {
	ring     *ringbuf.Ring[endpoint.ByteBuffer]
	logger   *slog.Logger
	decoders []Decoder
	events   stopper // the implicit "events" decoder, if registered

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewDispatcher builds a dispatcher draining ring. decoders is every
// software endpoint a buffer's events are routed to, in registration
// order (dispatch order is otherwise unconstrained — spec §5 "No
// cross-decoder ordering is promised").
func NewDispatcher(ring *ringbuf.Ring[endpoint.ByteBuffer], decoders []Decoder, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		ring:     ring,
		logger:   logger,
		decoders: decoders,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, dec := range decoders {
		if s, ok := dec.(stopper); ok {
			d.events = s
			break
		}
	}
	return d
}

// Run drives the decoder thread loop until Close is called. It is meant
// to be launched with `go d.Run()` once per hardware endpoint (spec §5
// "one decoder thread per hardware endpoint").
func (d *Dispatcher) Run() {
	defer close(d.doneCh)
	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		buf, ok := d.ring.AcquireRead(200 * time.Millisecond)
		if !ok {
			continue
		}
		data := buf.Data[:buf.Len]
		if err := d.dispatchBuffer(data); err != nil {
			logWarn(d.logger, "dispatcher: aborting buffer", "error", err)
		}
		d.ring.CommitRead()

		if d.events != nil && d.events.TakePendingStop() {
			for _, dec := range d.decoders {
				dec.Stop()
			}
		}
	}
}

// Close stops the decoder thread and waits for it to exit.
func (d *Dispatcher) Close() {
	close(d.stopCh)
	<-d.doneCh
}

// dispatchBuffer walks buf word by word, reading each event's 64-bit
// header (format : n_words per spec §4.5) and routing the event to
// every registered decoder. n_words == 0 is a protocol violation that
// aborts the remainder of this buffer (spec §4.5).
func (d *Dispatcher) dispatchBuffer(buf []byte) error {
	off := 0
	for off < len(buf) {
		if off+8 > len(buf) {
			return fmt.Errorf("decode: truncated event header at offset %d", off)
		}
		header := wire.U64LE(buf[off:])
		nWords := wire.BitField(header, 0, 32)
		if nWords == 0 {
			return fmt.Errorf("decode: n_words == 0 at offset %d: protocol violation", off)
		}

		eventLen := int(nWords) * 8
		if off+eventLen > len(buf) {
			return fmt.Errorf("decode: event at offset %d overruns buffer (n_words=%d)", off, nWords)
		}

		event := buf[off : off+eventLen]
		for _, dec := range d.decoders {
			if err := dec.Decode(event); err != nil {
				logWarn(d.logger, "decoder rejected event", "decoder", dec.NodeName(), "error", err)
			}
		}

		off += eventLen
	}
	return nil
}

// formatOf reads just the 4-bit format field out of an event's first
// word, the "begin its own parse by reading the format" step every
// decoder's Decode performs before doing anything else (spec §4.5).
func formatOf(word uint64) FormatCode {
	return FormatCode(wire.BitField(word, 60, 4))
}
