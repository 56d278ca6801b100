package manager

import "fmt"

// ErrorKind classifies a client/control-path failure, mirroring the
// real-time path's plain dispositions with a richer, loggable type for
// the path that is allowed to allocate and return errors.
type ErrorKind int

const (
	KindInvalidPacket ErrorKind = iota
	KindXRun
	KindSyncLost
	KindTransportError
	KindLifecycleTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidPacket:
		return "InvalidPacket"
	case KindXRun:
		return "XRun"
	case KindSyncLost:
		return "SyncLost"
	case KindTransportError:
		return "TransportError"
	case KindLifecycleTimeout:
		return "LifecycleTimeout"
	default:
		return "Unknown"
	}
}

// Error is the client/control path's Result-carrying error type. The
// real-time path never constructs one of these; it only ever returns a
// disposition enum.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// newError constructs an Error and logs it exactly once at the point it
// is raised, at the severity its kind warrants: xruns and the softer,
// recoverable kinds at WARN, transport/lifecycle failures that abort a
// phase at ERROR.
func (m *Manager) newError(kind ErrorKind, format string, args ...any) *Error {
	e := &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
	if m.log == nil {
		return e
	}
	switch kind {
	case KindTransportError, KindLifecycleTimeout:
		m.log.Errorf("manager: %s", e.Error())
	default:
		m.log.Warnf("manager: %s", e.Error())
	}
	return e
}
