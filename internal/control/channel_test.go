package control

import (
	"net"
	"testing"
	"time"

	"github.com/dig2-project/dig2-go/internal/dig2err"
)

// fakeServer echoes a canned reply for every request it receives on conn.
func fakeServer(t *testing.T, conn net.Conn, reply Reply) {
	t.Helper()
	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		return
	}
	reply.Cmd = req.Cmd
	_ = WriteFrame(conn, &reply)
}

func newTestChannel(conn net.Conn) *Channel {
	return &Channel{conn: conn, logger: discardLogger()}
}

func TestRoundTripSuccess(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go fakeServer(t, serverConn, Reply{Result: true, Value: []string{"42"}})

	ch := newTestChannel(clientConn)
	reply, err := ch.RoundTrip(&Request{Cmd: CmdGetValue, Handle: 1, Query: "/par/X"})
	if err != nil {
		t.Fatalf("RoundTrip() error = %v", err)
	}
	if reply.Cmd != CmdGetValue {
		t.Fatalf("reply.Cmd = %q, want %q", reply.Cmd, CmdGetValue)
	}
}

func TestRoundTripCommandErrorOnResultFalse(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go fakeServer(t, serverConn, Reply{Result: false, Value: []string{"no such handle"}})

	ch := newTestChannel(clientConn)
	_, err := ch.RoundTrip(&Request{Cmd: CmdGetValue})
	if dig2err.Of(err) != dig2err.CommandError {
		t.Fatalf("Of(err) = %v, want CommandError", dig2err.Of(err))
	}
}

func TestRoundTripCommunicationErrorOnClosedConn(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	serverConn.Close()
	clientConn.Close()

	ch := newTestChannel(clientConn)
	_, err := ch.RoundTrip(&Request{Cmd: CmdGetValue})
	if err == nil {
		t.Fatalf("expected error writing to a closed connection")
	}
	if ch.LastError() == nil {
		t.Fatalf("expected LastError to be retained")
	}
}

func TestRoundTripMismatchedCmdIsCommandError(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go func() {
		var req Request
		if err := ReadFrame(serverConn, &req); err != nil {
			return
		}
		// Reply echoes the wrong command — contract violation.
		_ = WriteFrame(serverConn, &Reply{Cmd: CmdGetPath, Result: true})
	}()

	ch := newTestChannel(clientConn)
	_, err := ch.RoundTrip(&Request{Cmd: CmdGetValue})
	if dig2err.Of(err) != dig2err.CommandError {
		t.Fatalf("Of(err) = %v, want CommandError", dig2err.Of(err))
	}
}

func TestSetDeadlineBoundsRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()
	// No server response: exercise that SetDeadline makes RoundTrip return.

	ch := newTestChannel(clientConn)
	ch.SetDeadline(time.Now().Add(20 * time.Millisecond))

	_, err := ch.RoundTrip(&Request{Cmd: CmdGetValue})
	if err == nil {
		t.Fatalf("expected deadline-induced error")
	}
}
