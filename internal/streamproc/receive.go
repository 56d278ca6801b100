package streamproc

import (
	"sync/atomic"

	"github.com/ffado-go/isocore/internal/codec"
	"github.com/ffado-go/isocore/internal/codec/amdtp"
	"github.com/ffado-go/isocore/internal/codec/cip"
	"github.com/ffado-go/isocore/internal/cycletimer"
	"github.com/ffado-go/isocore/internal/logging"
	"github.com/ffado-go/isocore/internal/ports"
	"github.com/ffado-go/isocore/internal/ratedll"
	"github.com/ffado-go/isocore/internal/ringbuffer"
)

// Receive is one incoming device stream's state machine: classify each
// packet, extract its timestamp, optionally feed the rate DLL, and push
// decoded events into a ring buffer for the client thread to drain.
type Receive struct {
	Family Family

	codec  codec.Codec
	ring   *ringbuffer.Ring
	ports  []*ports.Port
	period int

	dll          *ratedll.DLL // non-nil only for the sync-source processor
	isSyncSource bool

	ctNow func() cycletimer.CT
	log   *logging.Logger

	disabled atomic.Bool // m_disabled: gates client visibility, not packet intake

	haveDBC bool
	lastDBC byte
	lastN   int

	eventBuf []byte // ReadPeriod scratch, sized to one period's events and then reused
}

// NewReceive constructs a receive processor. ringCapacity must be a
// power of two (nb_buffers * period, per the manager's Prepared phase).
func NewReceive(family Family, c codec.Codec, ps []*ports.Port, period, ringCapacity int, ctNow func() cycletimer.CT, log *logging.Logger) *Receive {
	return &Receive{
		Family: family,
		codec:  c,
		ring:   ringbuffer.New(ringCapacity, c.EventSize()),
		ports:  ps,
		period: period,
		ctNow:  ctNow,
		log:    log,
	}
}

// Ring exposes the underlying buffer, e.g. for the manager's prefill and
// xrun-recovery paths.
func (r *Receive) Ring() *ringbuffer.Ring { return r.ring }

// SetSyncSource designates this processor as the device's clock source:
// its DLL is fed from observed packet timestamps and is the value other
// streams snapshot.
func (r *Receive) SetSyncSource(d *ratedll.DLL) {
	r.dll = d
	r.isSyncSource = d != nil
}

// SetDisabled toggles m_disabled: while disabled, packets are still
// classified and used for DLL/sync but are not written to the ring
// buffer, keeping the pipeline pre-rolled before the client starts
// reading.
func (r *Receive) SetDisabled(v bool) { r.disabled.Store(v) }

// OnPacket is the ISO-thread callback. It writes the packet's events into
// the ring straight from data, with no scratch buffer, and never returns
// an error; a disposition is the only signal.
func (r *Receive) OnPacket(data []byte, tag byte, dropped bool) ReceiveDisposition {
	if len(data) < cip.HeaderSize {
		return ReceiveInvalid
	}
	h := cip.Decode(data[:cip.HeaderSize])
	if !validateHeader(r.Family, tag, h) {
		return ReceiveInvalid
	}

	eventSize := r.codec.EventSize()
	payload := data[cip.HeaderSize:]
	if eventSize <= 0 || len(payload)%eventSize != 0 {
		return ReceiveInvalid
	}
	nEvents := len(payload) / eventSize
	if nEvents == 0 {
		return ReceiveInvalid
	}

	if r.haveDBC {
		expected := byte(int(r.lastDBC) + r.lastN)
		switch classifyDBC(h.DBC, expected) {
		case dbcBackstep:
			return ReceiveInvalid
		case dbcSkip:
			r.haveDBC = false
			r.lastDBC = h.DBC
			r.lastN = nEvents
			r.log.HotPath().Warnf("streamproc: DBC gap, got %#x want %#x", h.DBC, expected)
			return ReceiveXRun
		}
	}
	r.lastDBC = h.DBC
	r.lastN = nEvents
	r.haveDBC = true

	ctNow := r.ctNow()
	var ts cycletimer.Timestamp
	switch r.Family {
	case FamilyAMDTP:
		ts = amdtp.SYTToFullTicks(h.SYT, ctNow)
	case FamilyMOTU:
		lastEventOff := (nEvents - 1) * eventSize
		sph := uint32(payload[lastEventOff])<<24 | uint32(payload[lastEventOff+1])<<16 |
			uint32(payload[lastEventOff+2])<<8 | uint32(payload[lastEventOff+3])
		ts = cycletimer.SPHRecvToFullTicks(sph, ctNow)
	}

	if r.isSyncSource && r.dll != nil {
		r.dll.Feed(ts, nEvents, cycletimer.FullCycleNumber(ctNow))
	}

	if r.disabled.Load() {
		return ReceiveOK
	}

	if err := r.ring.WriteFrames(nEvents, payload, ts); err != nil {
		return ReceiveXRun
	}

	if r.ring.ReadSpace() >= r.period {
		return ReceiveDefer
	}
	return ReceiveOK
}

// ReadPeriod is the client-thread operation: drain exactly one period of
// frames from the ring and decode them into every port's client-visible
// buffer. Only the client thread may call this.
func (r *Receive) ReadPeriod() error {
	eventSize := r.codec.EventSize()
	need := r.period * eventSize
	if cap(r.eventBuf) < need {
		r.eventBuf = make([]byte, need)
	}
	buf := r.eventBuf[:need]
	if err := r.ring.ReadFrames(r.period, buf); err != nil {
		return err
	}
	for i := 0; i < r.period; i++ {
		r.codec.DecodeEvent(buf[i*eventSize:(i+1)*eventSize], r.ports, i)
	}
	return nil
}

// Reset empties the ring and forgets DBC tracking, used on manager xrun
// recovery when returning every sibling to DryRunning.
func (r *Receive) Reset() {
	r.ring.Reset()
	r.haveDBC = false
}
