package session

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/dig2-project/dig2-go/internal/control"
	"github.com/dig2-project/dig2-go/internal/dig2err"
)

// ClientVersion is this library's own major.minor, encoded the same way
// the server reports its version: major*100+minor, patch dropped (spec
// §4.3 "Version check").
const ClientVersion = 100

// connectHandle is sent as the request handle on the CONNECT call, before
// the session has one of its own; its value is arbitrary since the
// server does not look it up (mirrors the original library's use of a
// fixed placeholder).
const connectHandle uint32 = 0x67696F

// hardwareEndpointKinds and decoderEndpointKinds are the lowercased
// "/endpoint" child names recognized as the hardware endpoint and as
// software decoders, respectively.
var hardwareEndpointKinds = map[string]bool{
	"raw":      true,
	"rawudp":   true,
	"opendata": true,
}

var decoderEndpointKinds = map[string]bool{
	"scope":   true,
	"opendpp": true,
	"dpppha":  true,
	"dpppsd":  true,
	"dppzle":  true,
}

// Client is a session bound to one device connection: the command
// channel, the device-tree mirror, the session table slot, and the set
// of registered endpoints that a sendCommand reply's flag fans out to
// (spec §4.3 "Session (Client)").
type Client struct {
	ch     *control.Channel
	logger *slog.Logger
	table  *Table

	handle       Handle
	sessionIndex uint8

	monitor       bool
	serverVersion int
	versionAligned bool

	root *Node

	mu        sync.Mutex
	endpoints []Endpoint
}

// Connect dials target.Address, issues the connect handshake, discovers
// the device tree, and registers hardware/software endpoints via
// register — called once per discovered node so that the caller (the
// root wiring package, per §9) can construct the right concrete endpoint
// types without session importing internal/endpoint.
func Connect(table *Table, target *Target, logger *slog.Logger,
	register func(c *Client, kind, path string, handle Handle) (Endpoint, error)) (*Client, error) {

	const op = "session.Connect"

	ch, err := control.Dial(context.Background(), target.Address, logger)
	if err != nil {
		return nil, dig2err.Wrap(dig2err.CommunicationError, op, err)
	}

	c := &Client{ch: ch, logger: logger, table: table, monitor: target.Monitor}

	role := "client"
	if target.Monitor {
		role = "monitor"
	}
	reply, err := ch.RoundTrip(&control.Request{Cmd: control.CmdConnect, Handle: connectHandle, Value: role})
	if err != nil {
		ch.Close()
		return nil, err
	}
	if len(reply.Value) == 0 {
		ch.Close()
		return nil, dig2err.New(dig2err.CommandError, op, "connect reply carried no handle")
	}

	nodeID, err := strconv.ParseUint(reply.Value[0], 10, 32)
	if err != nil {
		ch.Close()
		return nil, dig2err.Wrap(dig2err.CommandError, op, err)
	}

	idx, err := table.Register(c)
	if err != nil {
		ch.Close()
		return nil, err
	}
	c.sessionIndex = idx
	c.handle = NewHandle(idx, uint32(nodeID))
	c.root = newNode(c.handle, "", KindFolder, nil)

	if len(reply.Value) >= 2 {
		v, err := strconv.Atoi(reply.Value[1])
		if err == nil {
			c.serverVersion = v
			c.versionAligned = v <= ClientVersion
			if !c.versionAligned {
				logger.Warn("server version newer than client",
					"server_version", v, "client_version", ClientVersion)
			}
		}
	}

	if target.Monitor {
		return c, nil
	}

	if register != nil {
		if err := c.discoverEndpoints(register); err != nil {
			ch.Close()
			table.Release(idx, c)
			return nil, err
		}
	}

	return c, nil
}

// discoverEndpoints walks /endpoint's children (spec §4.3 "Endpoint
// graph") and invokes register for each recognized kind.
func (c *Client) discoverEndpoints(register func(c *Client, kind, path string, handle Handle) (Endpoint, error)) error {
	const op = "session.discoverEndpoints"

	children, err := c.getChildHandles("/endpoint")
	if err != nil {
		return err
	}

	haveHardware := false
	for _, h := range children {
		name, isEndpointNode, err := c.getNodeProperties(h)
		if err != nil {
			return err
		}
		if !isEndpointNode {
			continue
		}
		kind := strings.ToLower(name)

		switch {
		case hardwareEndpointKinds[kind]:
			if haveHardware {
				return dig2err.New(dig2err.InternalError, op, "more than one hardware endpoint advertised")
			}
			haveHardware = true
		case decoderEndpointKinds[kind]:
			// handled below, uniformly
		default:
			return dig2err.New(dig2err.InternalError, op, "unsupported software endpoint "+kind)
		}

		path, err := c.getPath(h)
		if err != nil {
			return err
		}
		ep, err := register(c, kind, path, h)
		if err != nil {
			return err
		}
		if ep != nil {
			c.mu.Lock()
			c.endpoints = append(c.endpoints, ep)
			c.mu.Unlock()
		}
	}

	if !haveHardware {
		return dig2err.New(dig2err.DeviceNotFound, op, "hardware endpoint not found")
	}
	return nil
}

// RegisterEndpoint adds ep to the fan-out set (used for the implicit
// "events" decoder, which is never discovered via /endpoint).
func (c *Client) RegisterEndpoint(ep Endpoint) {
	c.mu.Lock()
	c.endpoints = append(c.endpoints, ep)
	c.mu.Unlock()
}

// Handle returns this session's own node handle.
func (c *Client) Handle() Handle { return c.handle }

// Monitor reports whether this session is a read-only observer (spec
// §4.3 "Monitor mode").
func (c *Client) Monitor() bool { return c.monitor }

// VersionAligned reports whether the server's major.minor does not
// exceed the client's (spec §4.3 "Version check").
func (c *Client) VersionAligned() bool { return c.versionAligned }

// SendCommand issues a sendCommand request and fans out the reply's flag
// to every registered endpoint (spec §4.2 "Side effects of sendCommand").
func (c *Client) SendCommand(h Handle, value string) error {
	reply, err := c.ch.RoundTrip(&control.Request{Cmd: control.CmdSendCommand, Handle: uint32(h), Value: value})
	if err != nil {
		return err
	}
	return c.dispatchFlag(reply.Flag)
}

func (c *Client) dispatchFlag(flag control.Flag) error {
	c.mu.Lock()
	endpoints := append([]Endpoint(nil), c.endpoints...)
	c.mu.Unlock()

	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	switch flag {
	case control.FlagArm:
		for _, ep := range endpoints {
			note(ep.Arm())
		}
	case control.FlagDisarm:
		for _, ep := range endpoints {
			note(ep.Disarm())
		}
	case control.FlagClear, control.FlagReset:
		for _, ep := range endpoints {
			note(ep.Clear())
		}
	}
	return firstErr
}

// GetHandle resolves path to a node handle (spec §4.2 "getHandle"), for
// callers that need to address a command or parameter node directly
// (e.g. SendCommand, which takes a handle rather than a path).
func (c *Client) GetHandle(path string) (Handle, error) {
	reply, err := c.ch.RoundTrip(&control.Request{Cmd: control.CmdGetHandle, Handle: uint32(c.handle), Query: path})
	if err != nil {
		return 0, err
	}
	if len(reply.Value) == 0 {
		return 0, dig2err.New(dig2err.CommandError, "session.Client.GetHandle", "empty reply value")
	}
	n, err := strconv.ParseUint(reply.Value[0], 10, 32)
	if err != nil {
		return 0, dig2err.Wrap(dig2err.CommandError, "session.Client.GetHandle", err)
	}
	return Handle(n), nil
}

// GetValue implements Commander.
func (c *Client) GetValue(path string) (string, error) {
	reply, err := c.ch.RoundTrip(&control.Request{Cmd: control.CmdGetValue, Handle: uint32(c.handle), Query: path})
	if err != nil {
		return "", err
	}
	if len(reply.Value) == 0 {
		return "", dig2err.New(dig2err.CommandError, "session.Client.GetValue", "empty reply value")
	}
	return reply.Value[0], nil
}

// MultiGetValue implements Commander.
func (c *Client) MultiGetValue(paths []string) ([]string, error) {
	reply, err := c.ch.RoundTrip(&control.Request{Cmd: control.CmdMultiGetValue, Handle: uint32(c.handle), MultiQuery: paths})
	if err != nil {
		return nil, err
	}
	return reply.Value, nil
}

// SetValue implements Commander.
func (c *Client) SetValue(path, value string) error {
	_, err := c.ch.RoundTrip(&control.Request{Cmd: control.CmdSetValue, Handle: uint32(c.handle), Query: path, Value: value})
	return err
}

func (c *Client) getChildHandles(path string) ([]Handle, error) {
	reply, err := c.ch.RoundTrip(&control.Request{Cmd: control.CmdGetChildHandles, Handle: uint32(c.handle), Query: path})
	if err != nil {
		return nil, err
	}
	out := make([]Handle, 0, len(reply.Value))
	for _, s := range reply.Value {
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return nil, dig2err.Wrap(dig2err.CommandError, "session.Client.getChildHandles", err)
		}
		out = append(out, Handle(n))
	}
	return out, nil
}

// getNodeProperties returns the node's name and whether it is of kind
// endpoint.
func (c *Client) getNodeProperties(h Handle) (name string, isEndpoint bool, err error) {
	reply, err := c.ch.RoundTrip(&control.Request{Cmd: control.CmdGetNodeProperties, Handle: uint32(h)})
	if err != nil {
		return "", false, err
	}
	if len(reply.Value) < 2 {
		return "", false, dig2err.New(dig2err.CommandError, "session.Client.getNodeProperties", "short reply")
	}
	return reply.Value[0], Kind(reply.Value[1]) == KindEndpoint, nil
}

func (c *Client) getPath(h Handle) (string, error) {
	reply, err := c.ch.RoundTrip(&control.Request{Cmd: control.CmdGetPath, Handle: uint32(h)})
	if err != nil {
		return "", err
	}
	if len(reply.Value) == 0 {
		return "", dig2err.New(dig2err.CommandError, "session.Client.getPath", "empty reply value")
	}
	return reply.Value[0], nil
}

// Close tears down the command channel and frees the session table slot.
func (c *Client) Close() error {
	c.mu.Lock()
	endpoints := append([]Endpoint(nil), c.endpoints...)
	c.mu.Unlock()

	var firstErr error
	for _, ep := range endpoints {
		if err := ep.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.table != nil {
		c.table.Release(c.sessionIndex, c)
	}
	if err := c.ch.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
