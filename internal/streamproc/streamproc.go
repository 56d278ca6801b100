// Package streamproc implements the per-stream state machine (C5): on
// the receive side, classifying and timestamping incoming packets and
// pushing decoded frames into a ring buffer; on the transmit side,
// pulling frames out of a ring buffer and stamping outgoing packets.
package streamproc

import "github.com/ffado-go/isocore/internal/codec/cip"

// Family identifies which wire format a processor speaks.
type Family int

const (
	FamilyAMDTP Family = iota
	FamilyMOTU
)

// State is a stream processor's lifecycle state, driven in lockstep
// across all of a device's processors by the owning manager.
type State int

const (
	StateCreated State = iota
	StateInitialised
	StatePrepared
	StateDryRunning
	StateWaitingForStreamEnable
	StateRunning
	StateWaitingForStreamDisable
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateInitialised:
		return "Initialised"
	case StatePrepared:
		return "Prepared"
	case StateDryRunning:
		return "DryRunning"
	case StateWaitingForStreamEnable:
		return "WaitingForStreamEnable"
	case StateRunning:
		return "Running"
	case StateWaitingForStreamDisable:
		return "WaitingForStreamDisable"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// ReceiveDisposition is the real-time result of feeding one packet to a
// receive processor. It is a plain enum, never an error: the ISO thread
// path never allocates and never throws.
type ReceiveDisposition int

const (
	ReceiveOK ReceiveDisposition = iota
	ReceiveInvalid
	ReceiveXRun
	ReceiveDefer
)

func (d ReceiveDisposition) String() string {
	switch d {
	case ReceiveOK:
		return "OK"
	case ReceiveInvalid:
		return "Invalid"
	case ReceiveXRun:
		return "XRun"
	case ReceiveDefer:
		return "Defer"
	default:
		return "Unknown"
	}
}

// TransmitDisposition is the real-time result of asking a transmit
// processor to build one packet.
type TransmitDisposition int

const (
	TransmitEmptyPacket TransmitDisposition = iota
	TransmitAgain
	TransmitXRun
	TransmitPacket
	TransmitOK
)

func (d TransmitDisposition) String() string {
	switch d {
	case TransmitEmptyPacket:
		return "EmptyPacket"
	case TransmitAgain:
		return "Again"
	case TransmitXRun:
		return "XRun"
	case TransmitPacket:
		return "Packet"
	case TransmitOK:
		return "OK"
	default:
		return "Unknown"
	}
}

// validateHeader applies the per-family packet acceptance rule from the
// validate step: AMDTP packets are identified by CIP FMT, MOTU packets by
// the fixed FDF byte plus a non-zero DBS.
func validateHeader(family Family, tag byte, h cip.Header) bool {
	if tag != 1 {
		return false
	}
	switch family {
	case FamilyAMDTP:
		return h.FMT == cip.AMDTPFMT
	case FamilyMOTU:
		return h.FDF == cip.MOTUFDF && h.DBS > 0
	default:
		return false
	}
}

// dbcStep classifies an observed DBC against the value expected from the
// previous packet's DBC and event count: dbcOK means it matched exactly;
// dbcBackstep means it moved backward (a duplicate or reordered packet);
// dbcSkip means it jumped forward past the expected value (dropped
// packets in between).
type dbcStep int

const (
	dbcOK dbcStep = iota
	dbcBackstep
	dbcSkip
)

func classifyDBC(observed, expected byte) dbcStep {
	diff := int8(observed - expected)
	switch {
	case diff == 0:
		return dbcOK
	case diff < 0:
		return dbcBackstep
	default:
		return dbcSkip
	}
}
