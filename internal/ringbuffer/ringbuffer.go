// Package ringbuffer implements the single-producer/single-consumer
// timestamped frame buffer shared between a stream processor's ISO thread
// (producer on receive, consumer on transmit) and the client audio thread.
package ringbuffer

import (
	"math"
	"sync/atomic"

	"github.com/ffado-go/isocore/internal/cycletimer"
)

// XRun is returned by WriteFrames/ReadFrames when the ring cannot satisfy
// the requested number of frames: overrun on receive, underrun on transmit.
type XRun struct {
	Requested int
	Available int
}

func (e *XRun) Error() string {
	return "ringbuffer: xrun"
}

// Ring is a timestamped SPSC ring buffer of fixed-size "event" records.
// Capacity must be a power of two; head/tail arithmetic relies on it.
//
// Only the producer may call WriteFrames/Reset's write side; only the
// consumer may call ReadFrames, DropFrames, GetBufferHeadTimestamp,
// SetTicksPerFrame and Reset. Head/tail are atomic.Int64 counters under the
// standard SPSC acquire/release discipline: the producer's store to head
// and the consumer's store to tail are the only cross-thread
// synchronisation points, each performed with atomic.Store/Load so the
// other side's view is never torn.
type Ring struct {
	capacity  int // power of two
	eventSize int

	buf []byte

	head atomic.Int64 // next write slot; advanced only by producer
	tail atomic.Int64 // next read slot; advanced only by consumer

	// tailTimestamp is the tick value of the last frame written by the
	// most recent WriteFrames call (i.e. the frame currently at head-1).
	tailTimestamp atomic.Uint64
	timestampOK   atomic.Bool

	// ticksPerFrame is updated by the consumer whenever the DLL moves; a
	// torn/stale read here is harmless, matching the spec's "not locked"
	// contract.
	ticksPerFrame atomic.Uint64 // math.Float64bits
}

// New creates a ring with the given power-of-two capacity in frames and
// per-frame event size in bytes.
func New(capacity, eventSize int) *Ring {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		panic("ringbuffer: capacity must be a positive power of two")
	}
	r := &Ring{
		capacity:  capacity,
		eventSize: eventSize,
		buf:       make([]byte, capacity*eventSize),
	}
	r.SetTicksPerFrame(1.0)
	return r
}

func (r *Ring) mask(i int64) int64 { return i & int64(r.capacity-1) }

// Capacity returns the ring's capacity in frames.
func (r *Ring) Capacity() int { return r.capacity }

// WriteSpace returns the number of frames the producer may currently write.
func (r *Ring) WriteSpace() int {
	head := r.head.Load()
	tail := r.tail.Load()
	used := head - tail
	return r.capacity - 1 - int(used)
}

// ReadSpace returns the number of frames currently available to read.
func (r *Ring) ReadSpace() int {
	head := r.head.Load()
	tail := r.tail.Load()
	return int(head - tail)
}

// WriteFrames copies n frames from src (n*eventSize bytes) into the ring,
// recording tailTS as the timestamp of the last frame in this write. It
// returns an *XRun if there isn't room for all n frames; in that case no
// partial write occurs.
func (r *Ring) WriteFrames(n int, src []byte, tailTS cycletimer.Timestamp) error {
	if n <= 0 {
		return nil
	}
	if len(src) < n*r.eventSize {
		panic("ringbuffer: short source slice")
	}
	if r.WriteSpace() < n {
		return &XRun{Requested: n, Available: r.WriteSpace()}
	}
	head := r.head.Load()
	for i := 0; i < n; i++ {
		slot := r.mask(head + int64(i))
		copy(r.buf[int(slot)*r.eventSize:], src[i*r.eventSize:(i+1)*r.eventSize])
	}
	r.tailTimestamp.Store(uint64(tailTS))
	r.timestampOK.Store(true)
	r.head.Store(head + int64(n))
	return nil
}

// ReadFrames copies n frames out of the ring into dst (n*eventSize bytes),
// advancing the read cursor. It does not touch the stored timestamp. It
// returns an *XRun if fewer than n frames are available; in that case no
// partial read occurs.
func (r *Ring) ReadFrames(n int, dst []byte) error {
	if n <= 0 {
		return nil
	}
	if len(dst) < n*r.eventSize {
		panic("ringbuffer: short destination slice")
	}
	if r.ReadSpace() < n {
		return &XRun{Requested: n, Available: r.ReadSpace()}
	}
	tail := r.tail.Load()
	for i := 0; i < n; i++ {
		slot := r.mask(tail + int64(i))
		copy(dst[i*r.eventSize:(i+1)*r.eventSize], r.buf[int(slot)*r.eventSize:(int(slot)+1)*r.eventSize])
	}
	r.tail.Store(tail + int64(n))
	return nil
}

// DropFrames discards up to n buffered frames without copying them out.
// Only the consumer may call this.
func (r *Ring) DropFrames(n int) int {
	avail := r.ReadSpace()
	if n > avail {
		n = avail
	}
	r.tail.Store(r.tail.Load() + int64(n))
	return n
}

// Reset empties the buffer and invalidates the stored timestamp.
func (r *Ring) Reset() {
	r.head.Store(0)
	r.tail.Store(0)
	r.timestampOK.Store(false)
}

// SetTicksPerFrame updates the cached per-frame tick rate used by
// GetBufferHeadTimestamp's extrapolation. Safe to call concurrently with
// producer/consumer activity; a stale value is tolerated.
func (r *Ring) SetTicksPerFrame(f float64) {
	r.ticksPerFrame.Store(math.Float64bits(f))
}

// TicksPerFrame returns the last value set by SetTicksPerFrame.
func (r *Ring) TicksPerFrame() float64 {
	return math.Float64frombits(r.ticksPerFrame.Load())
}

// GetBufferHeadTimestamp returns the tick-time of the frame currently at
// the read cursor (the oldest buffered frame) and the total number of
// filled frames. The timestamp is extrapolated backward from the stored
// tail timestamp using the cached ticks-per-frame: if fill frames are
// buffered and the last one (at index fill-1 relative to the read cursor)
// has timestamp T, the frame at the read cursor has timestamp
// T - (fill-1)*ticksPerFrame.
//
// ok is false if no write has ever stamped the buffer (e.g. right after
// Reset).
func (r *Ring) GetBufferHeadTimestamp() (ts cycletimer.Timestamp, fill int, ok bool) {
	fill = r.ReadSpace()
	if !r.timestampOK.Load() {
		return 0, fill, false
	}
	tailTS := cycletimer.Timestamp(r.tailTimestamp.Load())
	if fill == 0 {
		return tailTS, 0, true
	}
	delta := float64(fill-1) * r.TicksPerFrame()
	return cycletimer.SubTicks(tailTS, int64(delta+0.5)), fill, true
}
