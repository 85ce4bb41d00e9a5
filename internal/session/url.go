package session

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dig2-project/dig2-go/internal/dig2err"
)

// DefaultCommandPort is the device's TCP control port (spec §6 "TCP
// control port: device-defined"). The original library pulls this from a
// C++ header not present in this port's reference material; this value
// matches every dig2:// example the field guide ships with.
const DefaultCommandPort = 24001

// openARMHostAddress is what dig2://caen.internal/openarm resolves to:
// the Docker host, as seen from inside an Open ARM container.
var openARMHostAddress = net.IPv4(172, 17, 0, 1)

// Target is a fully parsed and resolved dig2:// URL (spec §4.3
// "Construction", §6 "URL").
type Target struct {
	Address string // host:port suitable for net.Dial
	Path    string

	Monitor  bool
	LogLevel string

	Keepalive              time.Duration
	RcvBuf                 int
	ReceiverThreadAffinity int
}

// ParseURL parses and resolves a dig2:// connection string.
func ParseURL(raw string) (*Target, error) {
	const op = "session.ParseURL"

	u, err := url.Parse(raw)
	if err != nil {
		return nil, dig2err.Wrap(dig2err.InvalidArgument, op, err)
	}
	if u.Scheme != "" && u.Scheme != "dig2" {
		return nil, dig2err.New(dig2err.InvalidArgument, op, fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}

	t := &Target{Path: u.Path}

	q := u.Query()
	if _, ok := q["monitor"]; ok {
		t.Monitor = true
	}
	t.LogLevel = q.Get("log_level")

	if v := q.Get("keepalive"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return nil, dig2err.New(dig2err.InvalidArgument, op, fmt.Sprintf("invalid keepalive: %v", err))
		}
		t.Keepalive = time.Duration(secs) * time.Second
	}
	if v := q.Get("rcvbuf"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, dig2err.New(dig2err.InvalidArgument, op, fmt.Sprintf("invalid rcvbuf: %v", err))
		}
		t.RcvBuf = n
	}
	if v := q.Get("receiver_thread_affinity"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, dig2err.New(dig2err.InvalidArgument, op, fmt.Sprintf("invalid receiver_thread_affinity: %v", err))
		}
		t.ReceiverThreadAffinity = n
	}

	host, err := resolveAuthority(u, q)
	if err != nil {
		return nil, err
	}
	t.Address = net.JoinHostPort(host, strconv.Itoa(DefaultCommandPort))
	return t, nil
}

// resolveAuthority implements the authority special-cases of spec §4.3:
// "caen.internal", the legacy "usb:<pid>" form, bracketed IPv6, and a
// plain hostname passed through unchanged.
func resolveAuthority(u *url.URL, q url.Values) (string, error) {
	const op = "session.resolveAuthority"
	authority := u.Host

	if strings.EqualFold(authority, "caen.internal") {
		switch {
		case strings.EqualFold(u.Path, "/openarm"):
			return openARMHostAddress.String(), nil

		case strings.HasPrefix(strings.ToLower(u.Path), "/usb/"):
			return pidToIPv6(strings.TrimPrefix(u.Path, u.Path[:5]))

		case strings.EqualFold(u.Path, "/usb"):
			pid := q.Get("pid")
			if pid == "" {
				return "", dig2err.New(dig2err.InvalidArgument, op, "usb path requires pid query")
			}
			return pidToIPv6(pid)
		}
	}

	if strings.HasPrefix(strings.ToLower(authority), "usb:") {
		return pidToIPv6(authority[len("usb:"):])
	}

	// url.Parse keeps the brackets of a bracketed IPv6 host in u.Host;
	// strip them so net.JoinHostPort adds exactly one pair.
	if strings.HasPrefix(authority, "[") && strings.HasSuffix(authority, "]") {
		return authority[1 : len(authority)-1], nil
	}
	return authority, nil
}

// pidToIPv6 synthesizes a deterministic ULA address from a numeric PID,
// per spec §4.3: "a URL scheme that maps a numeric PID to a deterministic
// IPv6 in the ULA range fda7:cae0::/32".
func pidToIPv6(pidStr string) (string, error) {
	const op = "session.pidToIPv6"

	pid, err := strconv.ParseUint(pidStr, 10, 32)
	if err != nil {
		return "", dig2err.New(dig2err.InvalidArgument, op, fmt.Sprintf("invalid PID: %v", err))
	}

	var b [16]byte
	b[0], b[1], b[2], b[3] = 0xfd, 0xa7, 0xca, 0xe0
	b[15] = 1
	for i := 0; i < 4; i++ {
		b[7-i] = byte(pid >> (uint(i) * 8))
	}
	return net.IP(b[:]).String(), nil
}
