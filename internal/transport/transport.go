// Package transport defines the abstract 1394 service boundary the
// engine consumes: ISO channel allocation, per-cycle packet callbacks,
// and the bus cycle timer. The real host service, firmware, and bus
// topology are out of scope; the core only ever talks to this interface.
package transport

import "github.com/ffado-go/isocore/internal/cycletimer"

// Disposition is the transport-level result of invoking a registered
// callback, distinct from the richer per-family dispositions streamproc
// returns: it only needs to know whether the core wants to keep going,
// back off, or report a hard transport failure.
type Disposition int

const (
	OK Disposition = iota
	Defer
	Again
	Error
)

// ReceiveCallback is invoked once per incoming packet on channel.
type ReceiveCallback func(data []byte, tag byte, sy byte, cycle uint32, dropped bool) Disposition

// TransmitCallback is invoked once per outgoing cycle on channel; it
// fills data up to maxLength bytes and reports how much of it, plus tag
// and sy, the transport should actually send.
type TransmitCallback func(data []byte, cycle uint32, dropped bool, maxLength int) (length int, tag byte, sy byte, disposition Disposition)

// Iso1394 is the host 1394 service's interface to the core, per the
// external-interfaces section of the streaming-engine specification.
// Channel allocation and callback registration happen only on the
// control thread; CycleTimer and LocalNodeID may be called from the ISO
// thread.
type Iso1394 interface {
	AllocateIsoChannel(bandwidth int) (channel int, err error)
	FreeIsoChannel(channel int) error

	RegisterReceive(channel int, cb ReceiveCallback) error
	RegisterTransmit(channel int, cb TransmitCallback) error

	// CycleTimer returns the current 32-bit bus cycle timer value.
	CycleTimer() uint32

	// LocalNodeID returns this host's 6-bit node id, stamped into every
	// outgoing CIP header's SID field.
	LocalNodeID() byte

	// Start/Stop bring the simulated or real ISO cycle running; Start
	// begins invoking registered callbacks at cycle rate, Stop halts it.
	Start() error
	Stop() error
}

// CycleTimerNow adapts an Iso1394's CycleTimer into the decoded cycletimer.CT
// form the stream processors consume.
func CycleTimerNow(t Iso1394) cycletimer.CT {
	return cycletimer.Unpack(t.CycleTimer())
}
