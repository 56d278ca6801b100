// Package simtransport implements a software-only transport.Iso1394
// for development and testing: no real 1394 hardware, just a Linux
// timerfd ticking at the bus cycle rate (8000 Hz) driving registered
// receive/transmit callbacks, and an internal loopback path connecting
// each allocated channel's transmit side back to its receive side so a
// simulated device stream can be exercised end to end.
package simtransport

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ffado-go/isocore/internal/cycletimer"
	"github.com/ffado-go/isocore/internal/transport"
)

// cyclePeriod is the real-world duration of one 1394 bus cycle (8000 Hz).
const cyclePeriod = time.Second / cycletimer.CyclesPerSecond

type channelBinding struct {
	recv transport.ReceiveCallback
	xmit transport.TransmitCallback
}

// Transport is a simulated Iso1394 service: an internal cycle counter
// advanced by a timerfd, loopback delivery between a channel's
// registered transmit and receive callbacks, and a fixed local node id.
type Transport struct {
	localNode byte

	mu       sync.Mutex
	channels map[int]*channelBinding
	nextChan int

	running  atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	cycleNum atomic.Uint64 // monotonic count, reduced mod WrapTicks/TicksPerCycle for CT

	timerFD int
}

// New constructs a simulated transport stamping localNode into outgoing
// CIP headers.
func New(localNode byte) *Transport {
	return &Transport{
		localNode: localNode,
		channels:  make(map[int]*channelBinding),
		timerFD:   -1,
	}
}

func (t *Transport) AllocateIsoChannel(bandwidth int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := t.nextChan
	t.nextChan++
	t.channels[ch] = &channelBinding{}
	return ch, nil
}

func (t *Transport) FreeIsoChannel(channel int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.channels, channel)
	return nil
}

func (t *Transport) RegisterReceive(channel int, cb transport.ReceiveCallback) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.channels[channel]
	if !ok {
		return fmt.Errorf("simtransport: unknown channel %d", channel)
	}
	b.recv = cb
	return nil
}

func (t *Transport) RegisterTransmit(channel int, cb transport.TransmitCallback) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.channels[channel]
	if !ok {
		return fmt.Errorf("simtransport: unknown channel %d", channel)
	}
	b.xmit = cb
	return nil
}

// CycleTimer packs the simulated monotonic cycle counter into the
// hardware register layout every other component expects.
func (t *Transport) CycleTimer() uint32 {
	n := t.cycleNum.Load()
	ticks := (n % uint64(cycletimer.WrapTicks/cycletimer.TicksPerCycle)) * cycletimer.TicksPerCycle
	return cycletimer.TicksToCT(uint32(ticks)).Pack()
}

func (t *Transport) LocalNodeID() byte { return t.localNode }

// Start begins the timerfd-driven cycle loop in a background goroutine.
func (t *Transport) Start() error {
	if t.running.Load() {
		return fmt.Errorf("simtransport: already running")
	}
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, 0)
	if err != nil {
		return fmt.Errorf("simtransport: timerfd_create: %w", err)
	}
	spec := &unix.ItimerSpec{
		Interval: unix.NsecToTimespec(cyclePeriod.Nanoseconds()),
		Value:    unix.NsecToTimespec(cyclePeriod.Nanoseconds()),
	}
	if err := unix.TimerfdSettime(fd, 0, spec, nil); err != nil {
		unix.Close(fd)
		return fmt.Errorf("simtransport: timerfd_settime: %w", err)
	}
	t.timerFD = fd
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})
	t.running.Store(true)
	go t.loop(fd)
	return nil
}

func (t *Transport) Stop() error {
	if !t.running.CompareAndSwap(true, false) {
		return nil
	}
	close(t.stopCh)
	<-t.doneCh
	unix.Close(t.timerFD)
	t.timerFD = -1
	return nil
}

func (t *Transport) loop(fd int) {
	defer close(t.doneCh)
	buf := make([]byte, 8)
	const maxPacket = 2048
	scratch := make([]byte, maxPacket)
	for {
		select {
		case <-t.stopCh:
			return
		default:
		}
		n, err := unix.Read(fd, buf)
		if err != nil || n != 8 {
			continue
		}
		// A timerfd read returns the number of expirations since the
		// last read; drive one simulated cycle per expiration so a
		// stalled goroutine catches up deterministically instead of
		// skipping cycles.
		expirations := hostEndianUint64(buf)
		for i := uint64(0); i < expirations; i++ {
			t.tick(scratch)
		}
	}
}

func (t *Transport) tick(scratch []byte) {
	t.cycleNum.Add(1)
	cycleNum32 := cycletimer.FullCycleNumber(cycletimer.Unpack(t.CycleTimer()))

	t.mu.Lock()
	bindings := make([]*channelBinding, 0, len(t.channels))
	for _, b := range t.channels {
		bindings = append(bindings, b)
	}
	t.mu.Unlock()

	for _, b := range bindings {
		if b.xmit == nil {
			continue
		}
		n, tag, sy, disp := b.xmit(scratch, cycleNum32, false, len(scratch))
		if disp != transport.OK && disp != transport.Defer {
			continue
		}
		if n <= 0 || b.recv == nil {
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, scratch[:n])
		b.recv(pkt, tag, sy, cycleNum32, false)
	}
}

func hostEndianUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
