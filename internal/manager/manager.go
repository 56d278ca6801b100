// Package manager implements the stream-processor manager (C6): it owns
// every receive and transmit processor belonging to one device, drives
// their shared startup/shutdown state machine, designates one of them as
// the sync source, wakes the client thread once per period, and cascades
// any child XRun back to a full re-prefill.
package manager

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ffado-go/isocore/internal/cycletimer"
	"github.com/ffado-go/isocore/internal/logging"
	"github.com/ffado-go/isocore/internal/ratedll"
	"github.com/ffado-go/isocore/internal/streamproc"
	"github.com/ffado-go/isocore/internal/transport"
)

// DiagnosticFilePattern is the strftime pattern used to name the YAML
// dump written on every XRun cascade.
const DiagnosticFilePattern = "ffado-diag-%Y%m%d-%H%M%S.yaml"

const diagRingCapacity = 64

// lifecycleTimeout bounds how long each startup phase may take before the
// manager gives up and reports KindLifecycleTimeout.
var lifecycleTimeout = map[streamproc.State]time.Duration{
	streamproc.StateDryRunning:            1 * time.Second,
	streamproc.StateWaitingForStreamEnable: 2 * time.Second,
}

type recvStream struct {
	proc    *streamproc.Receive
	channel int
}

type xmitStream struct {
	proc    *streamproc.Transmit
	channel int
}

// Manager coordinates all receive/transmit processors of one device.
type Manager struct {
	iso transport.Iso1394

	recv []*recvStream
	xmit []*xmitStream

	syncSourceIdx int // index into recv; -1 if none designated yet
	dll           *ratedll.DLL

	period     int
	numBuffers int

	mu    sync.Mutex
	state streamproc.State

	xrunFlag  atomic.Bool
	xrunCount atomic.Uint64
	diag      *diagRing

	log *logging.Logger
}

// New constructs a Manager bound to iso, with the given period (frames
// per client wakeup) and ring depth in periods (nb_buffers, >= 3).
func New(iso transport.Iso1394, period, numBuffers int, log *logging.Logger) *Manager {
	if numBuffers < 3 {
		numBuffers = 3
	}
	return &Manager{
		iso:           iso,
		syncSourceIdx: -1,
		period:        period,
		numBuffers:    numBuffers,
		state:         streamproc.StateCreated,
		diag:          newDiagRing(diagRingCapacity),
		log:           log,
	}
}

// RingCapacity is the frame capacity every child ring buffer must be
// constructed with: nb_buffers periods, rounded up to a power of two.
func (m *Manager) RingCapacity() int {
	n := m.numBuffers * m.period
	capacity := 1
	for capacity < n {
		capacity <<= 1
	}
	return capacity
}

// AddReceive registers a receive processor on the given ISO channel. The
// first processor added with isSyncSource=true owns the device's DLL.
func (m *Manager) AddReceive(proc *streamproc.Receive, channel int, isSyncSource bool) {
	m.recv = append(m.recv, &recvStream{proc: proc, channel: channel})
	if isSyncSource && m.syncSourceIdx < 0 {
		idx := len(m.recv) - 1
		m.syncSourceIdx = idx
		proc.SetSyncSource(m.dll)
	}
}

// SetDLL installs the device's rate DLL, owned by the sync-source
// receive processor and snapshotted read-only by every transmit
// processor.
func (m *Manager) SetDLL(dll *ratedll.DLL) {
	m.dll = dll
	if m.syncSourceIdx >= 0 {
		m.recv[m.syncSourceIdx].proc.SetSyncSource(dll)
	}
}

// TicksPerFrame exposes the DLL snapshot transmit processors are
// constructed with.
func (m *Manager) TicksPerFrame() float64 {
	if m.dll == nil {
		return 0
	}
	return m.dll.TicksPerFrame()
}

// AddTransmit registers a transmit processor on the given ISO channel.
func (m *Manager) AddTransmit(proc *streamproc.Transmit, channel int) {
	m.xmit = append(m.xmit, &xmitStream{proc: proc, channel: channel})
}

// State returns the manager's current lifecycle state.
func (m *Manager) State() streamproc.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s streamproc.State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Prepare allocates (resets) every child ring and pre-fills transmit
// rings with one period of silence, per the Prepared phase.
func (m *Manager) Prepare(ctx context.Context) error {
	for _, r := range m.recv {
		r.proc.Reset()
		r.proc.SetDisabled(true)
	}
	now := cycletimer.Timestamp(cycletimer.CTToTicks(transport.CycleTimerNow(m.iso)))
	tpf := m.TicksPerFrame()
	if tpf == 0 {
		tpf = 1
	}
	for _, x := range m.xmit {
		x.proc.Reset()
		x.proc.SetRunning(false)
		if err := x.proc.PrefillSilence(m.period, 1, now, tpf); err != nil {
			return m.newError(KindXRun, "prefill: %v", err)
		}
	}
	m.setState(streamproc.StatePrepared)
	return nil
}

func (m *Manager) registerCallbacks() error {
	for _, r := range m.recv {
		proc := r.proc
		if err := m.iso.RegisterReceive(r.channel, func(data []byte, tag, sy byte, cycle uint32, dropped bool) transport.Disposition {
			disp := proc.OnPacket(data, tag, dropped)
			m.recordReceive(r.channel, cycle, disp)
			switch disp {
			case streamproc.ReceiveXRun:
				m.xrunFlag.Store(true)
				return transport.Error
			case streamproc.ReceiveDefer:
				return transport.Defer
			case streamproc.ReceiveInvalid:
				return transport.OK
			default:
				return transport.OK
			}
		}); err != nil {
			return err
		}
	}
	for _, x := range m.xmit {
		proc := x.proc
		if err := m.iso.RegisterTransmit(x.channel, func(data []byte, cycle uint32, dropped bool, maxLength int) (int, byte, byte, transport.Disposition) {
			n, tag, disp := proc.BuildPacket(data[:min(len(data), maxLength)], cycle)
			m.recordTransmit(x.channel, cycle, disp)
			switch disp {
			case streamproc.TransmitXRun:
				m.xrunFlag.Store(true)
				return 0, 0, 0, transport.Error
			case streamproc.TransmitAgain:
				return 0, 0, 0, transport.Again
			default:
				return n, tag, 0, transport.OK
			}
		}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) recordReceive(channel int, cycle uint32, disp streamproc.ReceiveDisposition) {
	fill := 0
	for _, r := range m.recv {
		if r.channel == channel {
			fill = r.proc.Ring().ReadSpace()
			break
		}
	}
	m.diag.push(diagSample{Stream: fmt.Sprintf("recv[%d]", channel), Cycle: cycle, Disposition: disp.String(), Fill: fill})
}

func (m *Manager) recordTransmit(channel int, cycle uint32, disp streamproc.TransmitDisposition) {
	fill := 0
	for _, x := range m.xmit {
		if x.channel == channel {
			fill = x.proc.Ring().ReadSpace()
			break
		}
	}
	m.diag.push(diagSample{Stream: fmt.Sprintf("xmit[%d]", channel), Cycle: cycle, Disposition: disp.String(), Fill: fill})
}

// Start drives Prepared -> DryRunning -> WaitingForStreamEnable ->
// Running, fanning out one goroutine per child via an errgroup joined at
// each phase boundary, per the manager's atomic cross-child state
// transitions.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.registerCallbacks(); err != nil {
		return m.newError(KindTransportError, "registering callbacks: %v", err)
	}
	if err := m.iso.Start(); err != nil {
		return m.newError(KindTransportError, "starting transport: %v", err)
	}

	if err := m.phase(ctx, streamproc.StateDryRunning, func(ctx context.Context) error {
		for _, r := range m.recv {
			r.proc.SetDisabled(true)
		}
		return nil
	}); err != nil {
		return err
	}
	if err := m.waitOnePeriodReady(ctx); err != nil {
		return err
	}

	if err := m.phase(ctx, streamproc.StateWaitingForStreamEnable, func(ctx context.Context) error {
		return nil
	}); err != nil {
		return err
	}
	if err := m.waitEnableTimestamp(ctx); err != nil {
		return err
	}

	return m.phase(ctx, streamproc.StateRunning, func(ctx context.Context) error {
		for _, r := range m.recv {
			r.proc.SetDisabled(false)
		}
		for _, x := range m.xmit {
			x.proc.SetRunning(true)
		}
		return nil
	})
}

// phase runs action under an errgroup (one slot reserved per child, per
// the spec's "fans out one goroutine per child" startup model) and
// transitions state only once every child's action has returned, subject
// to that phase's lifecycle timeout.
func (m *Manager) phase(ctx context.Context, next streamproc.State, action func(context.Context) error) error {
	timeout, ok := lifecycleTimeout[next]
	phaseCtx := ctx
	var cancel context.CancelFunc
	if ok {
		phaseCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(phaseCtx)
	children := len(m.recv) + len(m.xmit)
	for i := 0; i < max(children, 1); i++ {
		g.Go(func() error { return action(gctx) })
	}
	if err := g.Wait(); err != nil {
		if phaseCtx.Err() != nil {
			return m.newError(KindLifecycleTimeout, "phase %s: %v", next, phaseCtx.Err())
		}
		return m.newError(KindTransportError, "phase %s: %v", next, err)
	}
	m.setState(next)
	return nil
}

// waitOnePeriodReady blocks until the sync source reports one period of
// frames ready, or its lifecycle timeout expires.
func (m *Manager) waitOnePeriodReady(ctx context.Context) error {
	if m.syncSourceIdx < 0 {
		return m.newError(KindLifecycleTimeout, "no sync source designated")
	}
	deadline := time.Now().Add(lifecycleTimeout[streamproc.StateDryRunning])
	src := m.recv[m.syncSourceIdx].proc
	for src.Ring().ReadSpace() < m.period {
		if time.Now().After(deadline) {
			return m.newError(KindLifecycleTimeout, "sync source never reached one period")
		}
		select {
		case <-ctx.Done():
			return m.newError(KindLifecycleTimeout, "context cancelled waiting for sync source")
		case <-time.After(time.Millisecond):
		}
	}
	return nil
}

// waitEnableTimestamp blocks until the sync source's head timestamp
// crosses now + one period (the safety margin), then atomically flips
// every child's visibility in the Running transition.
func (m *Manager) waitEnableTimestamp(ctx context.Context) error {
	if m.syncSourceIdx < 0 {
		return m.newError(KindLifecycleTimeout, "no sync source designated")
	}
	src := m.recv[m.syncSourceIdx].proc
	tpf := m.TicksPerFrame()
	if tpf <= 0 {
		tpf = 1
	}
	margin := int64(float64(m.period) * tpf)
	deadline := time.Now().Add(lifecycleTimeout[streamproc.StateWaitingForStreamEnable])
	for {
		ts, fill, ok := src.Ring().GetBufferHeadTimestamp()
		if ok && fill > 0 {
			nowTicks := cycletimer.Timestamp(cycletimer.CTToTicks(transport.CycleTimerNow(m.iso)))
			if cycletimer.TicksBetween(cycletimer.AddTicks(ts, margin), nowTicks) <= 0 {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return m.newError(KindLifecycleTimeout, "enable timestamp never reached")
		}
		select {
		case <-ctx.Done():
			return m.newError(KindLifecycleTimeout, "context cancelled waiting for enable timestamp")
		case <-time.After(time.Millisecond):
		}
	}
}

// RunPeriod is the client thread's per-wakeup action: read one period
// from every receive ring, write one period into every transmit ring
// stamped with the sync timestamp, and cascade to DryRunning on any
// child XRun observed since the last call.
func (m *Manager) RunPeriod(ctx context.Context) error {
	if m.xrunFlag.Load() {
		return m.recoverFromXRun(ctx)
	}

	for _, r := range m.recv {
		if err := r.proc.ReadPeriod(); err != nil {
			m.xrunFlag.Store(true)
			return m.recoverFromXRun(ctx)
		}
	}

	if m.syncSourceIdx < 0 || len(m.xmit) == 0 {
		return nil
	}
	src := m.recv[m.syncSourceIdx].proc
	ts, fill, ok := src.Ring().GetBufferHeadTimestamp()
	if !ok || fill == 0 {
		return nil
	}
	tpf := m.TicksPerFrame()
	syncTS := cycletimer.AddTicks(ts, int64(float64(m.period)*tpf))
	for _, x := range m.xmit {
		if err := x.proc.WritePeriod(m.period, syncTS); err != nil {
			m.xrunFlag.Store(true)
			return m.recoverFromXRun(ctx)
		}
	}
	return nil
}

// recoverFromXRun implements the manager's "no partial recovery" policy:
// any single child XRun forces every sibling back to DryRunning and
// every transmit ring is re-prefilled with silence.
func (m *Manager) recoverFromXRun(ctx context.Context) error {
	m.xrunCount.Add(1)
	m.setState(streamproc.StateDryRunning)
	for _, r := range m.recv {
		r.proc.SetDisabled(true)
		r.proc.Reset()
	}
	for _, x := range m.xmit {
		x.proc.SetRunning(false)
		x.proc.Reset()
	}
	m.xrunFlag.Store(false)
	writeDiagnostics(m.log, DiagnosticFilePattern, time.Now(), m.xrunCount.Load(), m.diag)

	if err := m.Prepare(ctx); err != nil {
		return err
	}
	return m.Start(ctx)
}

// XRunCount returns the number of XRun cascades observed since startup.
func (m *Manager) XRunCount() uint64 { return m.xrunCount.Load() }

// Stop drives the symmetric shutdown: WaitingForStreamDisable -> Stopping
// -> Stopped, then releases the transport.
func (m *Manager) Stop(ctx context.Context) error {
	if err := m.phase(ctx, streamproc.StateWaitingForStreamDisable, func(ctx context.Context) error {
		for _, x := range m.xmit {
			x.proc.SetRunning(false)
		}
		return nil
	}); err != nil {
		return err
	}
	if err := m.phase(ctx, streamproc.StateStopping, func(ctx context.Context) error {
		for _, r := range m.recv {
			r.proc.SetDisabled(true)
		}
		return nil
	}); err != nil {
		return err
	}
	if err := m.iso.Stop(); err != nil {
		return m.newError(KindTransportError, "stopping transport: %v", err)
	}
	m.setState(streamproc.StateStopped)
	return nil
}
