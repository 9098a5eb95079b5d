// Package vmmerr defines the error taxonomy shared by every layer of the
// VMM: backend, memory map, device table, and vCPU loop all report
// failures through the same small set of kinds so that callers can
// decide policy (fatal vs. logged-and-continue) without parsing strings.
package vmmerr

import (
	"errors"
	"fmt"
)

// Kind classifies a VMM error so callers can switch on it with errors.As.
type Kind int

const (
	// Unavailable means the hypervisor facility is not present on this host.
	Unavailable Kind = iota
	// PermissionDenied means privilege or entitlement is missing.
	PermissionDenied
	// InvalidArgument means the caller passed a bad size or unaligned GPA.
	InvalidArgument
	// OutOfResources means a slot table, vCPU set, or descriptor chain is full.
	OutOfResources
	// BackendFailure means the platform returned an error we cannot reinterpret.
	BackendFailure
	// GuestFault means the guest produced a state we refuse to continue from.
	GuestFault
	// Interrupted is benign; the caller should retry.
	Interrupted
	// UnmappedMMIO is non-fatal: logged, read returns zero, write discarded.
	UnmappedMMIO
	// ShuttingDown means a stop was requested and is cooperatively propagating.
	ShuttingDown
)

func (k Kind) String() string {
	switch k {
	case Unavailable:
		return "unavailable"
	case PermissionDenied:
		return "permission denied"
	case InvalidArgument:
		return "invalid argument"
	case OutOfResources:
		return "out of resources"
	case BackendFailure:
		return "backend failure"
	case GuestFault:
		return "guest fault"
	case Interrupted:
		return "interrupted"
	case UnmappedMMIO:
		return "unmapped mmio"
	case ShuttingDown:
		return "shutting down"
	default:
		return "unknown"
	}
}

// Error wraps a Kind with a message and an optional underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind.
func New(k Kind, msg string) error {
	return &Error{Kind: k, Msg: msg}
}

// Wrap builds an *Error of the given kind around a cause.
func Wrap(k Kind, msg string, err error) error {
	if err == nil {
		return nil
	}

	return &Error{Kind: k, Msg: msg, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}

	return false
}

// Remediation returns a short human-readable hint for terminal init errors,
// following spec.md's requirement that Unavailable/PermissionDenied carry
// advice on how to acquire privilege.
func Remediation(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}

	switch e.Kind {
	case Unavailable:
		return "the host hypervisor facility was not found (is /dev/kvm present, or is this darwin/arm64?)"
	case PermissionDenied:
		return "add the calling user to the kvm group, or (on macOS) grant the com.apple.security.hypervisor entitlement"
	default:
		return ""
	}
}
