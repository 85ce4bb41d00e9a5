package control

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dig2-project/dig2-go/internal/dig2err"
)

// Channel is a mutex-serialized request/reply connection to the device's
// command tree. Every exchange is: write request, read length header,
// read body, parse — and exactly one exchange may be in flight at a time
// (spec §4.2 "Concurrency"), grounded on the teacher's
// agent.ControlChannel single writeMu pattern generalized from a
// fire-and-forget ping to a full round trip with a reply.
type Channel struct {
	conn   net.Conn
	mu     sync.Mutex // serializes one full request/reply exchange
	logger *slog.Logger

	lastErr atomic.Value // stores error
}

// Dial opens the TCP command connection. Only the connect phase respects
// ctx cancellation, per spec §4.2 "steady-state commands block until
// reply".
func Dial(ctx context.Context, address string, logger *slog.Logger) (*Channel, error) {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, dig2err.Wrap(dig2err.CommunicationError, "control.Dial", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{conn: conn, logger: logger.With("component", "control_channel")}, nil
}

// RoundTrip serializes req/reply under the channel's single lock: write
// request, read reply, validate that the reply's Cmd echoes req.Cmd.
//
// Per spec §8 "Universal invariants": for any well-formed request, this
// either returns a reply whose Cmd == req.Cmd, or a typed error — never a
// reply for a different command.
func (c *Channel) RoundTrip(req *Request) (*Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := WriteFrame(c.conn, req); err != nil {
		c.storeLastError(err)
		return nil, err
	}

	var reply Reply
	if err := ReadFrame(c.conn, &reply); err != nil {
		c.storeLastError(err)
		return nil, err
	}

	if reply.Cmd != req.Cmd {
		err := dig2err.New(dig2err.CommandError, "control.RoundTrip",
			fmt.Sprintf("reply cmd %q does not match request cmd %q", reply.Cmd, req.Cmd))
		c.storeLastError(err)
		return nil, err
	}

	if !reply.Result {
		err := dig2err.New(dig2err.CommandError, "control.RoundTrip", reply.ErrorMessage())
		c.storeLastError(err)
		return nil, err
	}

	return &reply, nil
}

// storeLastError retains the last error observed on this channel (spec §7
// "The last error message per thread is retained for user inspection").
// Control-channel errors never mutate endpoint state (spec §4.2
// "Errors"); callers decide separately whether to fan the error out.
func (c *Channel) storeLastError(err error) {
	c.lastErr.Store(err)
	c.logger.Warn("control channel round trip failed", "error", err)
}

// LastError returns the most recent error observed on this channel, or
// nil if none has occurred yet.
func (c *Channel) LastError() error {
	v := c.lastErr.Load()
	if v == nil {
		return nil
	}
	return v.(error)
}

// SetDeadline forwards to the underlying connection, letting a caller
// bound a single command's round trip without tearing down the
// connection on timeout. The session package does not call it.
func (c *Channel) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// Close closes the underlying connection.
func (c *Channel) Close() error {
	return c.conn.Close()
}
