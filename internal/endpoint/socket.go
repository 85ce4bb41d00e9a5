package endpoint

import (
	"fmt"
	"net"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// TuneOptions carries the socket-tuning knobs a dig2:// URL can request
// (spec §4.3 "Construction": keepalive, rcvbuf, receiver_thread_affinity).
type TuneOptions struct {
	Keepalive              time.Duration
	RcvBuf                 int
	ReceiverThreadAffinity int
}

// ApplyKeepalive enables TCP keepalive with the given period, mirroring
// the original library's "set keep alive interval to patch rare missing
// data from digitizer."
func ApplyKeepalive(conn *net.TCPConn, period time.Duration) error {
	if period <= 0 {
		return nil
	}
	if err := conn.SetKeepAlive(true); err != nil {
		return fmt.Errorf("enabling keepalive: %w", err)
	}
	if err := conn.SetKeepAlivePeriod(period); err != nil {
		return fmt.Errorf("setting keepalive period: %w", err)
	}
	return nil
}

// ApplyRcvBuf sets SO_RCVBUF on conn via its raw file descriptor,
// grounded on internal/agent/dscp.go's SyscallConn().Control pattern for
// socket-option tuning (that file sets IP_TOS; this sets SO_RCVBUF).
func ApplyRcvBuf(conn syscall.Conn, bytes int) error {
	if bytes <= 0 {
		return nil
	}
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("getting raw conn for rcvbuf: %w", err)
	}
	var sysErr error
	if err := rawConn.Control(func(fd uintptr) {
		sysErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF, bytes)
	}); err != nil {
		return fmt.Errorf("control fd for rcvbuf: %w", err)
	}
	if sysErr != nil {
		return fmt.Errorf("setsockopt SO_RCVBUF=%d: %w", bytes, sysErr)
	}
	return nil
}

// PinReceiverThread locks the calling goroutine to its OS thread
// (runtime.LockOSThread) and pins that thread to the given CPU index; a
// negative cpu is a no-op (spec §4.3 "receiver_thread_affinity"). Neither
// receiver loop in this package calls it. net/syscall expose no
// portable CPU-affinity primitive, so this reaches past the teacher's own
// dependency set into golang.org/x/sys/unix, the pack's other choice for
// raw Linux syscalls not covered by net/syscall.
func PinReceiverThread(cpu int) error {
	if cpu < 0 {
		return nil
	}
	runtime.LockOSThread()

	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}
