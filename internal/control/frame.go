// Package control implements the length-prefixed JSON request/reply
// protocol the session uses to address the device's command tree (spec
// §4.2, §6 "Control frame"). Framing is grounded on the teacher's
// protocol package (magic + fixed-size header followed by a body), here
// specialized to the single frame shape the device speaks: an 8-byte
// little-endian length followed by that many bytes of UTF-8 JSON, in both
// directions.
package control

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/dig2-project/dig2-go/internal/dig2err"
	"github.com/dig2-project/dig2-go/internal/wire"
)

// MaxFrameBytes bounds a single control frame body, guarding against a
// corrupt or hostile length header turning into an unbounded allocation.
const MaxFrameBytes = 64 * 1024 * 1024

// WriteFrame writes v as length-prefixed JSON to w.
func WriteFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return dig2err.Wrap(dig2err.CommandError, "control.WriteFrame", err)
	}

	header := wire.PutU64LE(nil, uint64(len(body)))
	if _, err := w.Write(header); err != nil {
		return dig2err.Wrap(dig2err.CommunicationError, "control.WriteFrame", err)
	}
	if _, err := w.Write(body); err != nil {
		return dig2err.Wrap(dig2err.CommunicationError, "control.WriteFrame", err)
	}
	return nil
}

// ReadFrame reads a length-prefixed JSON frame from r and unmarshals it
// into v.
func ReadFrame(r io.Reader, v any) error {
	n, err := wire.ReadU64LE(r)
	if err != nil {
		return dig2err.Wrap(dig2err.CommunicationError, "control.ReadFrame", err)
	}
	if n > MaxFrameBytes {
		return dig2err.New(dig2err.CommandError, "control.ReadFrame",
			fmt.Sprintf("frame length %d exceeds limit %d", n, MaxFrameBytes))
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return dig2err.Wrap(dig2err.CommunicationError, "control.ReadFrame", err)
	}

	if err := json.Unmarshal(body, v); err != nil {
		return dig2err.Wrap(dig2err.CommandError, "control.ReadFrame", err)
	}
	return nil
}
