// Package dig2err defines the stable error kinds surfaced at every public
// API boundary of the streaming runtime, and a small wrapper that keeps an
// operation name and an optional cause alongside the kind.
package dig2err

import "fmt"

// Kind is a stable, comparable error identifier (§7).
type Kind string

func (k Kind) Error() string { return string(k) }

// Canonical kinds, per spec §7.
const (
	Timeout            Kind = "timeout"
	Stop               Kind = "stop"
	InvalidArgument    Kind = "invalid_argument"
	InvalidHandle      Kind = "invalid_handle"
	CommandError       Kind = "command_error"
	CommunicationError Kind = "communication_error"
	DeviceNotFound     Kind = "device_not_found"
	TooManyDevices     Kind = "too_many_devices"
	BadLibraryVersion  Kind = "bad_library_version"
	NotEnabled         Kind = "not_enabled"
	NotYetImplemented  Kind = "not_yet_implemented"
	InternalError      Kind = "internal_error"
	GenericError       Kind = "generic_error"
)

// E wraps a Kind with an operation name, a human message and an optional
// cause. Threads that must not unwind across their boundary (receiver,
// decoder, §7 "Propagation") classify what they caught into one of these
// before storing it in a last-error cell.
type E struct {
	K   Kind
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.K, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.K)
}

func (e *E) Unwrap() error { return e.Err }

func (e *E) Kind() Kind { return e.K }

// New builds an *E with the given kind, operation and message.
func New(k Kind, op, msg string) *E {
	return &E{K: k, Op: op, Msg: msg}
}

// Wrap builds an *E that carries cause as its Unwrap target.
func Wrap(k Kind, op string, cause error) *E {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &E{K: k, Op: op, Msg: msg, Err: cause}
}

// Of extracts the Kind from err, defaulting to GenericError for unrecognized
// errors and OK-equivalent (empty Kind) for a nil error.
func Of(err error) Kind {
	if err == nil {
		return ""
	}
	if k, ok := err.(Kind); ok {
		return k
	}
	type coder interface{ Kind() Kind }
	if x, ok := err.(coder); ok {
		return x.Kind()
	}
	return GenericError
}

// Is reports whether err classifies as kind, directly or through Of.
func Is(err error, kind Kind) bool {
	return Of(err) == kind
}
