// Package integration exercises the full client against a fake device
// that speaks the command channel and the raw TCP data transport, end
// to end: connect, endpoint discovery, arm, one buffer of raw bytes
// carrying a stop special event, and teardown.
package integration

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	dig2 "github.com/dig2-project/dig2-go"
	"github.com/dig2-project/dig2-go/internal/control"
	"github.com/dig2-project/dig2-go/internal/decode"
	"github.com/dig2-project/dig2-go/internal/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDevice serves the command channel on a fixed port (the device's
// control port is not negotiable, spec §6 "TCP control port:
// device-defined") and one raw TCP data connection on an ephemeral port
// advertised through the endpoint node's /port parameter.
type fakeDevice struct {
	t       *testing.T
	rawLn   net.Listener
	armed   chan struct{}
}

func newFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()
	rawLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening for raw data: %v", err)
	}
	return &fakeDevice{t: t, rawLn: rawLn, armed: make(chan struct{})}
}

func (f *fakeDevice) rawPort() int {
	return f.rawLn.Addr().(*net.TCPAddr).Port
}

// serveControl handles exactly the request sequence Open + one
// SendCommand issues: connect, getChildHandles, getNodeProperties,
// getPath, getValue(/endpoint/raw/port), then sendCommand's getHandle
// plus the sendCommand itself, arming the hardware endpoint, followed
// by the two getValue round trips Hardware.Arm makes.
func (f *fakeDevice) serveControl(conn net.Conn) {
	defer conn.Close()

	for {
		var req control.Request
		if err := control.ReadFrame(conn, &req); err != nil {
			return
		}

		reply := &control.Reply{Cmd: req.Cmd, Result: true}
		switch req.Cmd {
		case control.CmdConnect:
			reply.Value = []string{"1", "100"}
		case control.CmdGetChildHandles:
			reply.Value = []string{"2"}
		case control.CmdGetNodeProperties:
			reply.Value = []string{"raw", "endpoint"}
		case control.CmdGetPath:
			reply.Value = []string{"/endpoint/raw"}
		case control.CmdGetValue:
			switch req.Query {
			case "/endpoint/raw/port":
				reply.Value = []string{itoa(f.rawPort())}
			case "/par/maxrawdatasize":
				reply.Value = []string{"65536"}
			case "/endpoint/par/activeendpoint":
				reply.Value = []string{"scope"} // != "raw", so the decoder thread starts
			default:
				reply.Value = []string{"0"}
			}
		case control.CmdGetHandle:
			reply.Value = []string{"9"}
		case control.CmdSendCommand:
			reply.Flag = control.FlagArm
			close(f.armed)
		}

		if err := control.WriteFrame(conn, reply); err != nil {
			return
		}
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// sendStopEvent writes one raw TCP data frame whose payload is a single
// special "stop" event (spec §4.4.2 frame layout, §4.6.4 stop event).
func sendStopEvent(t *testing.T, conn net.Conn, timestamp, deadTime uint64) {
	t.Helper()

	const nAdditional = 2
	const nWords = 1 + nAdditional
	header := uint64(nWords)
	header = wire.PackBitField(header, 48, 8, nAdditional)
	header = wire.PackBitField(header, 56, 4, uint64(decode.EventStop))
	header = wire.PackBitField(header, 60, 4, uint64(decode.FormatSpecialEvent))

	var payload []byte
	payload = wire.PutU64LE(payload, header)
	payload = wire.PutU64LE(payload, timestamp)
	payload = wire.PutU64LE(payload, deadTime)

	var frameHeader []byte
	frameHeader = wire.PutU64LE(frameHeader, uint64(len(payload)))
	frameHeader = wire.PutU32LE(frameHeader, 1) // event_count
	frameHeader = append(frameHeader, 1)        // aligned

	if _, err := conn.Write(frameHeader); err != nil {
		t.Fatalf("writing frame header: %v", err)
	}
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("writing frame payload: %v", err)
	}
}

func TestOpenArmAndDecodeStopEvent(t *testing.T) {
	ctrlLn, err := net.Listen("tcp", "127.0.0.1:24001")
	if err != nil {
		t.Skipf("cannot bind the device control port in this environment: %v", err)
	}
	defer ctrlLn.Close()

	dev := newFakeDevice(t)
	defer dev.rawLn.Close()

	go func() {
		conn, err := ctrlLn.Accept()
		if err != nil {
			return
		}
		dev.serveControl(conn)
	}()

	rawConnCh := make(chan net.Conn, 1)
	go func() {
		conn, err := dev.rawLn.Accept()
		if err != nil {
			return
		}
		// The device sends the zero-length barrier frame as soon as the
		// raw data connection is up (spec §4.4.1 "init -> ... ->
		// clearing_receiver -> idle after the server-injected 'clear'
		// packet is observed"). Hardware.Arm's own Clear() call blocks
		// on this same barrier, so it must be on the wire before ARM
		// is issued; the client-side receiver simply buffers it until
		// its state reaches clearing_receiver.
		if _, err := conn.Write(make([]byte, 13)); err != nil {
			return
		}
		rawConnCh <- conn
	}()

	sess, err := dig2.Open("dig2://127.0.0.1/digitizer", dig2.Options{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer sess.Close()

	if sess.Monitor() {
		t.Fatal("expected a non-monitor session")
	}
	if !sess.VersionAligned() {
		t.Fatal("expected VersionAligned() true for matching server version")
	}

	if err := sess.SendCommand("/cmd/armacquisition", ""); err != nil {
		t.Fatalf("SendCommand(arm) error = %v", err)
	}

	select {
	case <-dev.armed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the fake device to observe ARM")
	}

	var rawConn net.Conn
	select {
	case rawConn = <-rawConnCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the raw data connection")
	}
	defer rawConn.Close()

	sendStopEvent(t, rawConn, 123456789, 42)

	deadline := time.Now().Add(2 * time.Second)
	events, _ := sess.Decoder("events")
	special, ok := events.(*decode.Special)
	if !ok {
		t.Fatalf("Decoder(\"events\") = %T, want *decode.Special", events)
	}

	for time.Now().Before(deadline) {
		if info, ok := special.LastStop(); ok {
			if info.Timestamp != 123456789 || info.DeadTime != 42 {
				t.Fatalf("LastStop() = %+v, want {Timestamp:123456789 DeadTime:42}", info)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for the stop event to reach the events decoder")
}
