package streamproc

import (
	"sync/atomic"

	"github.com/ffado-go/isocore/internal/codec"
	"github.com/ffado-go/isocore/internal/codec/amdtp"
	"github.com/ffado-go/isocore/internal/codec/cip"
	"github.com/ffado-go/isocore/internal/codec/motu"
	"github.com/ffado-go/isocore/internal/cycletimer"
	"github.com/ffado-go/isocore/internal/logging"
	"github.com/ffado-go/isocore/internal/ports"
	"github.com/ffado-go/isocore/internal/ringbuffer"
)

// TransmitConfig carries the time-window parameters from the
// streaming.amdtp.* configuration surface. Expressed in cycles: the
// configured tick-valued options are converted to cycles once at
// construction, since every scenario and every comparison below is
// naturally a cycle count.
type TransmitConfig struct {
	TransferDelayCycles         int32
	MaxCyclesEarlyTransmit      int32
	MinCyclesBeforePresentation int32

	// Motu828MkIQuirk preserves the original 828 MkI's behaviour of
	// advancing DBC even on no-data packets. Empirically observed, not
	// derived from a general rule; do not set for any other model.
	Motu828MkIQuirk bool
}

// DefaultTransmitConfig matches the defaults named in the time-window
// description: transfer delay ~11 cycles, 2 cycles of early slack, 1
// cycle of presentation slack.
func DefaultTransmitConfig() TransmitConfig {
	return TransmitConfig{
		TransferDelayCycles:         11,
		MaxCyclesEarlyTransmit:      2,
		MinCyclesBeforePresentation: 1,
	}
}

// amdtpFDFRate maps common nominal sample rates to their IEC 61883-6 FDF
// rate code. Unlisted rates fall back to the 48kHz code.
var amdtpFDFRate = map[int]byte{
	32000: 0x00, 44100: 0x02, 48000: 0x04,
	88200: 0x06, 96000: 0x08, 176400: 0x0A, 192000: 0x0C,
}

func fdfRateFor(nominalRate int) byte {
	if v, ok := amdtpFDFRate[nominalRate]; ok {
		return v
	}
	return 0x04
}

// Transmit is one outgoing device stream's state machine: pull a period
// of frames from a ring buffer, decide per-cycle whether the result is a
// no-data, silent or data packet, and stamp the per-family framing.
type Transmit struct {
	Family Family

	codec       codec.Codec
	ring        *ringbuffer.Ring
	ports       []*ports.Port
	nominalRate int
	sid         byte

	cfg TransmitConfig

	ticksPerFrame func() float64 // snapshot of the sync source's DLL
	log           *logging.Logger

	running atomic.Bool // set once the manager reaches Running

	haveDBC bool
	dbc     byte

	eventBuf []byte
}

// NewTransmit constructs a transmit processor. ringCapacity must be a
// power of two (nb_buffers * period).
func NewTransmit(family Family, c codec.Codec, ps []*ports.Port, nominalRate int, sid byte, cfg TransmitConfig, ringCapacity int, ticksPerFrame func() float64, log *logging.Logger) *Transmit {
	return &Transmit{
		Family:        family,
		codec:         c,
		ring:          ringbuffer.New(ringCapacity, c.EventSize()),
		ports:         ps,
		nominalRate:   nominalRate,
		sid:           sid,
		cfg:           cfg,
		ticksPerFrame: ticksPerFrame,
		log:           log,
	}
}

// Ring exposes the underlying buffer for the manager's prefill and
// xrun-recovery paths.
func (t *Transmit) Ring() *ringbuffer.Ring { return t.ring }

// SetRunning marks the stream live: once set, successfully built data
// packets report TransmitPacket instead of the pre-roll TransmitOK.
func (t *Transmit) SetRunning(v bool) { t.running.Store(v) }

// WritePeriod is the client-thread operation: encode one period of port
// buffers into wire events and push them into the ring, stamped with
// lastFrameTS as the timestamp of the period's final frame.
func (t *Transmit) WritePeriod(period int, lastFrameTS cycletimer.Timestamp) error {
	eventSize := t.codec.EventSize()
	need := period * eventSize
	if cap(t.eventBuf) < need {
		t.eventBuf = make([]byte, need)
	}
	buf := t.eventBuf[:need]
	for i := 0; i < period; i++ {
		t.codec.EncodeEvent(buf[i*eventSize:(i+1)*eventSize], t.ports, i)
	}
	return t.ring.WriteFrames(period, buf, lastFrameTS)
}

// BuildPacket is the ISO-thread callback. It fills dst (which must be at
// least cip.HeaderSize + one packet's worth of events long) and reports
// how much of it is meaningful.
func (t *Transmit) BuildPacket(dst []byte, cycle uint32) (n int, tag byte, disposition TransmitDisposition) {
	nEvents := cip.NominalEventsPerPacket(t.nominalRate)
	eventSize := t.codec.EventSize()
	needed := cip.HeaderSize + nEvents*eventSize
	if len(dst) < needed {
		return 0, 0, TransmitXRun
	}

	head, fill, ok := t.ring.GetBufferHeadTimestamp()
	if !ok {
		return t.emitEmpty(dst), 1, TransmitEmptyPacket
	}

	presentationCycle := cycletimer.FullCycleNumber(cycletimer.TicksToCT(uint32(uint64(head) % cycletimer.WrapTicks)))
	dist := cycletimer.DiffCycles(presentationCycle, cycle)
	early := t.cfg.TransferDelayCycles + t.cfg.MaxCyclesEarlyTransmit

	switch {
	case dist > early:
		return t.emitEmpty(dst), 1, TransmitEmptyPacket
	case dist < 0:
		t.log.HotPath().Warnf("streamproc: transmit window missed, dist=%d", dist)
		return 0, 0, TransmitXRun
	default:
		if fill < nEvents {
			if dist > t.cfg.MinCyclesBeforePresentation {
				return 0, 0, TransmitAgain
			}
			t.log.HotPath().Warnf("streamproc: transmit underrun, fill=%d need=%d", fill, nEvents)
			return 0, 0, TransmitXRun
		}
		n := t.emitData(dst, nEvents, head)
		if t.running.Load() {
			return n, 1, TransmitPacket
		}
		return n, 1, TransmitOK
	}
}

func (t *Transmit) emitEmpty(dst []byte) int {
	dbc := byte(0)
	if t.haveDBC {
		dbc = t.dbc
	}
	t.haveDBC = true
	if t.Family == FamilyMOTU && t.cfg.Motu828MkIQuirk {
		dbc = byte(int(dbc) + cip.NominalEventsPerPacket(t.nominalRate))
		t.dbc = dbc
	}
	switch t.Family {
	case FamilyAMDTP:
		cip.EncodeAMDTP(dst[:cip.HeaderSize], t.sid, 0, dbc, fdfRateFor(t.nominalRate), 0xFFFF)
	case FamilyMOTU:
		cip.EncodeMOTU(dst[:cip.HeaderSize], t.sid, 0, dbc)
	}
	return cip.HeaderSize
}

func (t *Transmit) emitData(dst []byte, nEvents int, presentationTS cycletimer.Timestamp) int {
	eventSize := t.codec.EventSize()
	payload := dst[cip.HeaderSize : cip.HeaderSize+nEvents*eventSize]
	if err := t.ring.ReadFrames(nEvents, payload); err != nil {
		// fill was checked by the caller; a concurrent consumer race is
		// impossible under the single-consumer contract, so this would
		// indicate a caller bug rather than a recoverable condition.
		panic(err)
	}

	dbs := byte(eventSize / 4)
	dbc := byte(0)
	if t.haveDBC {
		dbc = t.dbc
	}
	t.haveDBC = true
	t.dbc = byte(int(dbc) + nEvents)

	switch t.Family {
	case FamilyAMDTP:
		syt := uint16(0xFFFF)
		if t.ticksPerFrame != nil {
			syt = amdtpSYTForLastEvent(presentationTS, nEvents, t.ticksPerFrame())
		}
		cip.EncodeAMDTP(dst[:cip.HeaderSize], t.sid, dbs, dbc, fdfRateFor(t.nominalRate), syt)
	case FamilyMOTU:
		cip.EncodeMOTU(dst[:cip.HeaderSize], t.sid, dbs, dbc)
		tpf := 0.0
		if t.ticksPerFrame != nil {
			tpf = t.ticksPerFrame()
		}
		for i := 0; i < nEvents; i++ {
			ts := cycletimer.AddTicks(presentationTS, int64(float64(i)*tpf+0.5))
			sph := cycletimer.FullTicksToSph(uint64(ts))
			off := i * eventSize
			payload[off] = byte(sph >> 24)
			payload[off+1] = byte(sph >> 16)
			payload[off+2] = byte(sph >> 8)
			payload[off+3] = byte(sph)
		}
	}
	return cip.HeaderSize + nEvents*eventSize
}

// Reset empties the ring and forgets DBC tracking, used on manager xrun
// recovery when returning every sibling to DryRunning.
func (t *Transmit) Reset() {
	t.ring.Reset()
	t.haveDBC = false
}

// PrefillSilence writes n periods worth of silent frames, used by the
// manager's Prepared phase before the client ever calls WritePeriod.
func (t *Transmit) PrefillSilence(periodFrames, periods int, startTS cycletimer.Timestamp, ticksPerFrame float64) error {
	eventSize := t.codec.EventSize()
	zero := make([]byte, periodFrames*eventSize)
	for p := 0; p < periods; p++ {
		tailFrame := (p+1)*periodFrames - 1
		ts := cycletimer.AddTicks(startTS, int64(float64(tailFrame)*ticksPerFrame+0.5))
		if err := t.ring.WriteFrames(periodFrames, zero, ts); err != nil {
			return err
		}
	}
	return nil
}

func amdtpSYTForLastEvent(presentationTS cycletimer.Timestamp, nEvents int, ticksPerFrame float64) uint16 {
	ts := cycletimer.AddTicks(presentationTS, int64(float64(nEvents-1)*ticksPerFrame+0.5))
	return amdtp.FullTicksToSYT(ts)
}

// motuSPHSize documents why MOTU's codec EventSize already includes the
// SPH: transmit stamps it directly into each outgoing event of the packet
// payload after reading the frames from the ring, rather than through a
// port, so the codec never needs to know about it.
const motuSPHSize = motu.SPHSize
