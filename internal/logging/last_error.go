package logging

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/dig2-project/dig2-go/internal/dig2err"
)

// LastErrorCell is a single-slot, atomically-swapped holder of the most
// recent error observed by one thread (spec §3 "Last-error retention",
// §7 "Propagation"). A thread that owns one classifies whatever it caught
// into a *dig2err.E and stores it here for the next API call on that
// thread to retrieve, instead of unwinding across its boundary. The
// receiver and decoder goroutines do not create one, and the command
// channel keeps its last error in control.Channel instead.
type LastErrorCell struct {
	v atomic.Pointer[dig2err.E]
}

// Set records err as the thread's last error. A nil err clears the cell.
func (c *LastErrorCell) Set(err error) {
	if err == nil {
		c.v.Store(nil)
		return
	}
	if e, ok := err.(*dig2err.E); ok {
		c.v.Store(e)
		return
	}
	c.v.Store(dig2err.Wrap(dig2err.Of(err), "", err))
}

// Get returns the thread's last recorded error, or nil if none is set.
func (c *LastErrorCell) Get() error {
	e := c.v.Load()
	if e == nil {
		return nil
	}
	return e
}

// Clear resets the cell to empty.
func (c *LastErrorCell) Clear() {
	c.v.Store(nil)
}

// errorCaptureHandler wraps a base slog.Handler and additionally routes
// every Error-level record into a LastErrorCell, so a thread's structured
// logging and its last-error retention stay in sync without the caller
// having to update both explicitly. It fans a record out to two
// destinations the same way the teacher's original session-file handler
// did, but the second destination is now a state cell instead of a file.
type errorCaptureHandler struct {
	base slog.Handler
	cell *LastErrorCell
}

// NewThreadLogger returns a logger tagged with "thread"=name whose Error
// records are mirrored into the returned LastErrorCell.
func NewThreadLogger(base *slog.Logger, thread string) (*slog.Logger, *LastErrorCell) {
	cell := &LastErrorCell{}
	handler := &errorCaptureHandler{base: base.Handler(), cell: cell}
	return slog.New(handler).With("thread", thread), cell
}

func (h *errorCaptureHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *errorCaptureHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelError {
		h.cell.Set(errFromRecord(r))
	}
	return h.base.Handle(ctx, r)
}

func (h *errorCaptureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &errorCaptureHandler{base: h.base.WithAttrs(attrs), cell: h.cell}
}

func (h *errorCaptureHandler) WithGroup(name string) slog.Handler {
	return &errorCaptureHandler{base: h.base.WithGroup(name), cell: h.cell}
}

// errFromRecord extracts an "err" attribute value if the caller logged one
// (logger.Error("...", "err", err)), otherwise falls back to a generic
// error built from the record's message.
func errFromRecord(r slog.Record) error {
	var found error
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != "err" {
			return true
		}
		if e, ok := a.Value.Any().(error); ok {
			found = e
			return false
		}
		return true
	})
	if found != nil {
		return found
	}
	return dig2err.New(dig2err.GenericError, "", r.Message)
}
