// Package ratedll implements the second-order delay-locked loop used to
// estimate ticks-per-frame from observed packet timestamps.
package ratedll

import (
	"math"
	"sync/atomic"

	"github.com/ffado-go/isocore/internal/codec/cip"
	"github.com/ffado-go/isocore/internal/cycletimer"
)

func floatBits(f float64) uint64    { return math.Float64bits(f) }
func floatFromBits(b uint64) float64 { return math.Float64frombits(b) }

// DefaultBandwidthFraction is the nominal DLL bandwidth as a fraction of
// the packet rate (≈0.01 of the update rate), used when a device does not
// override it.
const DefaultBandwidthFraction = 0.01

// unlockedAfterCycles: if no packet has fed the loop for more than this
// many bus cycles, the loop reports itself unlocked.
const unlockedAfterCycles = 2

// DLL is a second-order delay-locked loop: state (ticksPerFrame, bandwidth)
// driven by the error between the measured inter-packet interval and the
// nominal one. ticksPerFrame is stored behind an atomic so transmit
// threads can sample it without locking, per the spec's "single f64
// written by the sync-source receive thread, read by transmit threads"
// contract.
type DLL struct {
	nominalRate float64 // frames/sec

	b, c float64 // first and second order loop coefficients

	ticksPerFrame atomic.Uint64 // math.Float64bits

	lastTimestamp cycletimer.Timestamp
	haveLast      bool
	lastCycle     uint32
	haveLastCycle bool
}

// New creates a DLL seeded for nominalRate frames/sec with the given
// bandwidth in Hz (pass 0 to use DefaultBandwidthFraction of the nominal
// packet rate, nominalRate divided by the events per packet).
func New(nominalRate float64, bandwidthHz float64) *DLL {
	d := &DLL{nominalRate: nominalRate}
	if bandwidthHz <= 0 {
		packetRate := nominalRate / float64(cip.NominalEventsPerPacket(int(nominalRate)))
		bandwidthHz = DefaultBandwidthFraction * packetRate
	}
	d.setCoefficients(bandwidthHz)
	d.Reset()
	return d
}

// setCoefficients derives the critically-damped second-order loop
// coefficients from the desired bandwidth, following the standard
// DLL construction: omega = 2*pi*bandwidth, b = sqrt(2)*omega, c = omega^2.
func (d *DLL) setCoefficients(bandwidthHz float64) {
	const twoPi = 2 * 3.14159265358979323846
	omega := twoPi * bandwidthHz
	d.b = 1.4142135623730951 * omega // sqrt(2)
	d.c = omega * omega
}

// Reset re-seeds ticksPerFrame to TicksPerSecond/nominalRate and forgets
// any prior packet timing.
func (d *DLL) Reset() {
	seed := float64(cycletimer.TicksPerSecond) / d.nominalRate
	d.ticksPerFrame.Store(floatBits(seed))
	d.haveLast = false
	d.haveLastCycle = false
}

// TicksPerFrame returns the loop's current estimate.
func (d *DLL) TicksPerFrame() float64 {
	return floatFromBits(d.ticksPerFrame.Load())
}

// Feed updates the loop from a newly received data packet carrying
// measuredTS as its timestamp and framesInPacket frames. Call only from
// the sync-source receive processor.
func (d *DLL) Feed(measuredTS cycletimer.Timestamp, framesInPacket int, nowCycle uint32) {
	d.haveLastCycle = true
	d.lastCycle = nowCycle

	if !d.haveLast {
		d.lastTimestamp = measuredTS
		d.haveLast = true
		return
	}
	if framesInPacket <= 0 {
		return
	}

	measuredInterval := float64(cycletimer.TicksBetween(measuredTS, d.lastTimestamp))
	d.lastTimestamp = measuredTS

	nominalInterval := d.TicksPerFrame() * float64(framesInPacket)
	err := measuredInterval - nominalInterval

	tpf := d.TicksPerFrame()
	tpf += d.b * err / float64(framesInPacket) / float64(framesInPacket)
	tpf += d.c * err / float64(framesInPacket)
	d.ticksPerFrame.Store(floatBits(tpf))
}

// Locked reports whether a packet has been fed within the last
// unlockedAfterCycles bus cycles of nowCycle. While unlocked, callers
// should keep using the last reported TicksPerFrame (self-held value) and
// may escalate to XRun if this persists past a period boundary.
func (d *DLL) Locked(nowCycle uint32) bool {
	if !d.haveLastCycle {
		return false
	}
	return cycletimer.DiffCycles(nowCycle, d.lastCycle) <= unlockedAfterCycles
}
