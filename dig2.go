// Package dig2 is the root wiring package of the digitizer streaming
// runtime: it owns the concrete construction spec §9's "cyclic ownership"
// design note asks for, tying internal/session (the command channel and
// device-tree mirror) to internal/endpoint (the hardware receiver) and
// internal/decode (the per-format decoder pool) without either of those
// packages importing one another.
//
// A cmd/ entry point is deliberately not part of this module: spec §1
// places "CLI/demo programs" outside this repository's scope as an
// external collaborator, so Open is the library's only public surface.
package dig2

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/dig2-project/dig2-go/internal/config"
	"github.com/dig2-project/dig2-go/internal/decode"
	"github.com/dig2-project/dig2-go/internal/dig2err"
	"github.com/dig2-project/dig2-go/internal/endpoint"
	"github.com/dig2-project/dig2-go/internal/logging"
	"github.com/dig2-project/dig2-go/internal/schema"
	"github.com/dig2-project/dig2-go/internal/session"
)

// DefaultUDPDataPort is the device's UDP data port (spec §6 "UDP data
// port: device-defined (server_definitions::udp_port)"), placeholder for
// the same reason session.DefaultCommandPort is: the header defining it
// is not part of this port's reference material.
const DefaultUDPDataPort = 24002

// Table is the process-wide session registry (spec §3, §9): construct
// one per process (or per test) and pass it to every Open call that
// should share the same 256-slot handle space.
type Table = session.Table

// NewTable constructs an empty session table.
func NewTable() *Table { return session.NewTable() }

// Options configures Open. The zero value connects with the client
// defaults baked into internal/config and a JSON logger writing to stdout
// and, when config.DefaultLogFile resolves a path, to that file.
type Options struct {
	// Table is the session registry this connection registers into. A
	// fresh one is created if nil.
	Table *Table

	// DefaultsPath is an optional path to a YAML client-defaults file
	// (internal/config); "" uses built-in defaults.
	DefaultsPath string

	// Logger overrides the logger built from DefaultsPath/SPDLOG_LEVEL.
	Logger *slog.Logger
}

// hardwareTransport is the subset of *endpoint.Raw / *endpoint.RawUDP
// the wiring package drives directly: both embed *endpoint.Hardware (so
// already satisfy session.Endpoint, the RegisterDecoder/Ring accessors)
// plus their own receiver-thread body.
type hardwareTransport interface {
	session.Endpoint
	Run() error
}

// Session is one connected digitizer: the command channel, the hardware
// endpoint's receiver thread, the decoder pool and its dispatcher
// (decoder thread), wired together per spec §2 "Data flow".
type Session struct {
	client  *session.Client
	logger  *slog.Logger
	closers []func() error

	mu         sync.Mutex
	hw         *endpoint.Hardware
	transport  hardwareTransport
	dispatcher *decode.Dispatcher
	dispOnce   sync.Once
	decoders   map[string]decode.Decoder
	pending    []decode.Decoder
}

// Open parses rawURL, connects to the device, discovers its endpoint
// graph and wires every decoder to the hardware endpoint's byte ring
// (spec §4.3 "Endpoint graph", §4.4.5 "Pre-acquisition sizing").
//
// In monitor mode (the dig2:// URL's "monitor" query) no hardware
// endpoint or decoder is constructed and the returned Session is
// read-only for configuration inspection (spec §4.3 "Monitor mode").
func Open(rawURL string, opts Options) (*Session, error) {
	const op = "dig2.Open"

	target, err := session.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}

	defaults, err := config.Load(opts.DefaultsPath)
	if err != nil {
		return nil, dig2err.Wrap(dig2err.InvalidArgument, op, err)
	}

	logger := opts.Logger
	if logger == nil {
		level := target.LogLevel
		if level == "" {
			level = config.EnvLogLevel()
		}
		if level == "" {
			level = defaults.Logging.Level
		}
		logFile := defaults.Logging.File
		if logFile == "" {
			logFile = config.DefaultLogFile()
		}
		built, _ := logging.NewLogger(level, defaults.Logging.Format, logFile)
		logger = built
	}

	if target.Keepalive == 0 {
		target.Keepalive = defaults.Transport.Keepalive
	}
	if target.RcvBuf == 0 {
		target.RcvBuf = defaults.Transport.RcvBufRaw
	}
	if target.ReceiverThreadAffinity == 0 {
		target.ReceiverThreadAffinity = defaults.Transport.ReceiverThreadAffinity
	}

	table := opts.Table
	if table == nil {
		table = session.NewTable()
	}

	s := &Session{
		logger:   logger,
		decoders: make(map[string]decode.Decoder),
	}

	special := decode.NewSpecial(s.onAcquisitionStart)
	s.decoders["events"] = special
	s.pending = append(s.pending, special)

	client, err := session.Connect(table, target, logger, func(c *session.Client, kind, path string, h session.Handle) (session.Endpoint, error) {
		return s.register(c, target, kind, path, h)
	})
	if err != nil {
		return nil, err
	}
	s.client = client

	if !target.Monitor {
		if err := s.finalize(); err != nil {
			client.Close()
			return nil, err
		}
	}

	return s, nil
}

// register is session.Connect's per-endpoint-node callback: it builds
// either the one hardware endpoint (raw/rawudp/opendata) or one decoder,
// per spec §4.3 "Endpoint graph".
func (s *Session) register(c *session.Client, target *session.Target, kind, path string, h session.Handle) (session.Endpoint, error) {
	switch kind {
	case "raw", "opendata":
		return s.registerTCP(c, target, kind, path)
	case "rawudp":
		return s.registerUDP(c, target, kind, path)
	default:
		return nil, s.registerDecoder(c, kind, path)
	}
}

func (s *Session) registerTCP(c *session.Client, target *session.Target, kind, path string) (session.Endpoint, error) {
	const op = "dig2.registerTCP"

	port, err := s.dataPort(c, path)
	if err != nil {
		return nil, err
	}
	host, _, err := net.SplitHostPort(target.Address)
	if err != nil {
		return nil, dig2err.Wrap(dig2err.InvalidArgument, op, err)
	}

	conn, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, dig2err.Wrap(dig2err.CommunicationError, op, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := endpoint.ApplyKeepalive(tcpConn, target.Keepalive); err != nil {
			s.logger.Warn("applying keepalive failed", "error", err)
		}
		if err := endpoint.ApplyRcvBuf(tcpConn, target.RcvBuf); err != nil {
			s.logger.Warn("applying rcvbuf failed", "error", err)
		}
	}

	hw := endpoint.NewHardware(kind, c, s.logger, 2)
	raw := endpoint.NewRaw(hw, conn, s.logger)
	s.attachHardware(hw, raw, conn)
	return hw, nil
}

func (s *Session) registerUDP(c *session.Client, target *session.Target, kind, path string) (session.Endpoint, error) {
	const op = "dig2.registerUDP"

	host, _, err := net.SplitHostPort(target.Address)
	if err != nil {
		return nil, dig2err.Wrap(dig2err.InvalidArgument, op, err)
	}

	conn, err := net.Dial("udp", net.JoinHostPort(host, strconv.Itoa(DefaultUDPDataPort)))
	if err != nil {
		return nil, dig2err.Wrap(dig2err.CommunicationError, op, err)
	}
	if udpConn, ok := conn.(*net.UDPConn); ok {
		if err := endpoint.ApplyRcvBuf(udpConn, target.RcvBuf); err != nil {
			s.logger.Warn("applying rcvbuf failed", "error", err)
		}
	}

	hw := endpoint.NewHardware(kind, c, s.logger, 4)
	rawudp := endpoint.NewRawUDP(hw, conn.(net.PacketConn), s.logger)
	s.attachHardware(hw, rawudp, conn)
	return hw, nil
}

// attachHardware records the one hardware endpoint, starts its receiver
// thread, and arranges for the decoder thread (Dispatcher) to start the
// first time Arm() finds a decoded endpoint active (spec §4.4.5 step 4).
func (s *Session) attachHardware(hw *endpoint.Hardware, transport hardwareTransport, closer net.Conn) {
	s.mu.Lock()
	s.hw = hw
	s.transport = transport
	s.mu.Unlock()

	s.closers = append(s.closers, closer.Close)

	hw.OnArmed = func(decoderActive bool) {
		if !decoderActive {
			return
		}
		s.dispOnce.Do(func() {
			s.mu.Lock()
			disp := s.dispatcher
			s.mu.Unlock()
			if disp != nil {
				go disp.Run()
			}
		})
	}

	go func() {
		if err := transport.Run(); err != nil {
			s.logger.Error("receiver thread exited", "endpoint", hw.NodeName(), "err", err)
		}
	}()
}

// registerDecoder builds one software endpoint (spec §4.6): the hardware
// endpoint and Dispatcher it belongs to are not guaranteed to exist yet
// (child node order is unspecified), so construction is queued in
// s.pending and wired up in finalize, once discoverEndpoints has
// confirmed exactly one hardware endpoint was found.
func (s *Session) registerDecoder(c *session.Client, kind, path string) error {
	const op = "dig2.registerDecoder"

	nChannels, err := s.channelCount(c)
	if err != nil {
		return err
	}

	var dec decode.Decoder
	switch kind {
	case "scope":
		dec = decode.NewScope(c, s.logger, path, nChannels)
	case "dpppha":
		dec = decode.NewPHA(c, s.logger, path, nChannels)
	case "dpppsd":
		dec = decode.NewPSD(c, s.logger, path, nChannels)
	case "opendpp":
		dec = decode.NewOpenDPP(c, s.logger, path, nChannels)
	case "dppzle":
		dec = decode.NewZLE(c, s.logger, path, nChannels)
	default:
		return dig2err.New(dig2err.NotYetImplemented, op, "unsupported decoder kind "+kind)
	}

	s.mu.Lock()
	s.decoders[kind] = dec
	s.pending = append(s.pending, dec)
	s.mu.Unlock()
	return nil
}

// dataPort queries the endpoint node's own /port parameter (spec §6 "TCP
// data port: advertised per endpoint via the node /port").
func (s *Session) dataPort(c *session.Client, path string) (int, error) {
	const op = "dig2.dataPort"
	v, err := c.GetValue(path + "/port")
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, dig2err.Wrap(dig2err.CommandError, op, err)
	}
	return n, nil
}

// channelCount queries the digitizer's channel count, used to size every
// decoder's per-channel state before Resize (spec §4.4.5 step 3).
func (s *Session) channelCount(c *session.Client) (int, error) {
	const op = "dig2.channelCount"
	v, err := c.GetValue("/par/numch")
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, dig2err.Wrap(dig2err.CommandError, op, err)
	}
	return n, nil
}

// finalize runs once session.Connect has walked every /endpoint child:
// it attaches every queued decoder to the hardware endpoint and builds
// the Dispatcher that will drain its byte ring (spec §4.5).
func (s *Session) finalize() error {
	const op = "dig2.finalize"

	s.mu.Lock()
	hw := s.hw
	pending := append([]decode.Decoder(nil), s.pending...)
	s.mu.Unlock()

	if hw == nil {
		return dig2err.New(dig2err.DeviceNotFound, op, "hardware endpoint not found")
	}
	for _, d := range pending {
		hw.RegisterDecoder(d)
	}

	s.mu.Lock()
	s.dispatcher = decode.NewDispatcher(hw.Ring(), pending, s.logger)
	s.mu.Unlock()
	return nil
}

// onAcquisitionStart is decode.Special's onStart hook (spec §4.6.4
// "notifies the hardware endpoint"); currently informational only, kept
// as a hook point for callers that want start-of-run metadata.
func (s *Session) onAcquisitionStart(decode.StartInfo) {}

// Handle returns this session's own node handle.
func (s *Session) Handle() session.Handle { return s.client.Handle() }

// Monitor reports whether this is a read-only monitor-mode session.
func (s *Session) Monitor() bool { return s.client.Monitor() }

// VersionAligned reports whether the server's major.minor does not
// exceed this client's (spec §4.3 "Version check").
func (s *Session) VersionAligned() bool { return s.client.VersionAligned() }

// GetValue reads a single parameter by path.
func (s *Session) GetValue(path string) (string, error) { return s.client.GetValue(path) }

// SetValue writes a single parameter by path. Configuration changes must
// happen while the hardware endpoint is idle (spec §5 "Shared resource
// policy").
func (s *Session) SetValue(path, value string) error { return s.client.SetValue(path, value) }

// SendCommand resolves path to a handle and issues sendCommand, fanning
// out any ARM/DISARM/CLEAR/RESET flag in the reply to every registered
// endpoint (spec §4.2 "Side effects of sendCommand").
func (s *Session) SendCommand(path, value string) error {
	h, err := s.client.GetHandle(path)
	if err != nil {
		return err
	}
	return s.client.SendCommand(h, value)
}

// Decoder returns the registered decoder of the given endpoint kind
// ("scope", "dpppha", "dpppsd", "opendpp", "dppzle"), or false if the
// device's active firmware mode does not advertise it.
func (s *Session) Decoder(kind string) (decode.Decoder, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decoders[kind]
	return d, ok
}

// ReadData reads one decoded record from the named decoder's ring into
// sink, per that decoder's current schema (spec §4.6 "read_data").
func (s *Session) ReadData(kind string, timeout time.Duration, sink schema.Sink) error {
	d, ok := s.Decoder(kind)
	if !ok {
		return dig2err.New(dig2err.NotEnabled, "dig2.Session.ReadData", fmt.Sprintf("decoder %q not registered", kind))
	}
	return d.ReadData(timeout, sink)
}

// Close stops the decoder thread, then closes the command channel, then
// closes the hardware endpoint's data connection (spec §4.4.1
// "quitting_decoder").
func (s *Session) Close() error {
	s.mu.Lock()
	disp := s.dispatcher
	s.mu.Unlock()
	if disp != nil {
		disp.Close()
	}

	var firstErr error
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			firstErr = err
		}
	}
	for _, closeFn := range s.closers {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
