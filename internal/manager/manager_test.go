package manager

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ffado-go/isocore/internal/codec/amdtp"
	"github.com/ffado-go/isocore/internal/cycletimer"
	"github.com/ffado-go/isocore/internal/logging"
	"github.com/ffado-go/isocore/internal/ports"
	"github.com/ffado-go/isocore/internal/ratedll"
	"github.com/ffado-go/isocore/internal/streamproc"
	"github.com/ffado-go/isocore/internal/transport"
)

// fakeIso is a minimal transport.Iso1394 stand-in: it records registered
// callbacks without ever driving them itself, so phase transitions that
// don't depend on a live ISO cycle can be exercised synchronously.
type fakeIso struct {
	ct       uint32
	started  bool
	stopped  bool
	nextChan int
}

func newFakeIso(ct cycletimer.CT) *fakeIso {
	return &fakeIso{ct: ct.Pack()}
}

func (f *fakeIso) AllocateIsoChannel(bandwidth int) (int, error) {
	c := f.nextChan
	f.nextChan++
	return c, nil
}
func (f *fakeIso) FreeIsoChannel(channel int) error { return nil }
func (f *fakeIso) RegisterReceive(channel int, cb transport.ReceiveCallback) error {
	return nil
}
func (f *fakeIso) RegisterTransmit(channel int, cb transport.TransmitCallback) error {
	return nil
}
func (f *fakeIso) CycleTimer() uint32 { return f.ct }
func (f *fakeIso) LocalNodeID() byte  { return 0x3F }
func (f *fakeIso) Start() error       { f.started = true; return nil }
func (f *fakeIso) Stop() error        { f.stopped = true; return nil }

func discardLog() *logging.Logger { return logging.New(io.Discard, "test") }

func buildManagerReceive(period int) (*streamproc.Receive, []*ports.Port) {
	ps := []*ports.Port{ports.NewAudio("audio0", ports.DirectionCapture, 0, 4, period, ports.Int24)}
	c := amdtp.New(4)
	ct := cycletimer.CT{}
	r := streamproc.NewReceive(streamproc.FamilyAMDTP, c, ps, period, 16, func() cycletimer.CT { return ct }, discardLog())
	return r, ps
}

func TestRingCapacityRoundsUpToPowerOfTwo(t *testing.T) {
	m := New(newFakeIso(cycletimer.CT{}), 100, 3, discardLog())
	require.Equal(t, 512, m.RingCapacity())
}

func TestNewClampsNumBuffersToMinimumThree(t *testing.T) {
	m := New(newFakeIso(cycletimer.CT{}), 64, 1, discardLog())
	require.Equal(t, 256, m.RingCapacity()) // 64*3 = 192, rounds up to 256
}

func TestAddReceiveDesignatesSyncSourceAndSharesDLL(t *testing.T) {
	m := New(newFakeIso(cycletimer.CT{}), 4, 3, discardLog())
	recv, _ := buildManagerReceive(4)
	dll := ratedll.New(48000, 0)
	m.SetDLL(dll)
	m.AddReceive(recv, 0, true)
	require.Equal(t, dll.TicksPerFrame(), m.TicksPerFrame())
}

func TestTicksPerFrameZeroWithoutDLL(t *testing.T) {
	m := New(newFakeIso(cycletimer.CT{}), 4, 3, discardLog())
	require.Equal(t, float64(0), m.TicksPerFrame())
}

func TestPrepareResetsReceiveAndPrefillsTransmit(t *testing.T) {
	m := New(newFakeIso(cycletimer.CT{}), 4, 3, discardLog())
	recv, _ := buildManagerReceive(4)
	m.AddReceive(recv, 0, true)

	ps := []*ports.Port{ports.NewAudio("audio0", ports.DirectionPlayback, 0, 4, 4, ports.Int24)}
	xmit := streamproc.NewTransmit(streamproc.FamilyAMDTP, amdtp.New(4), ps, 48000, 0x1A,
		streamproc.DefaultTransmitConfig(), 16, func() float64 { return float64(cycletimer.TicksPerSecond) / 48000 }, discardLog())
	m.AddTransmit(xmit, 1)

	require.NoError(t, m.Prepare(context.Background()))
	require.Equal(t, streamproc.StatePrepared, m.State())
	require.Equal(t, 0, recv.Ring().ReadSpace())
	require.Equal(t, 4, xmit.Ring().ReadSpace()) // one period of 4 frames prefilled
}

func TestStartReachesRunningWhenSyncSourceAlreadyHasData(t *testing.T) {
	// A cycle timer reading well ahead of tick 0 so waitEnableTimestamp's
	// margin check is satisfied on its very first poll.
	iso := newFakeIso(cycletimer.CT{Cycles: 5})
	m := New(iso, 1, 3, discardLog())

	recv, _ := buildManagerReceive(1)
	require.NoError(t, recv.Ring().WriteFrames(1, make([]byte, 4), cycletimer.Timestamp(0)))
	m.AddReceive(recv, 0, true)
	m.SetDLL(ratedll.New(48000, 0))

	require.NoError(t, m.Start(context.Background()))
	require.Equal(t, streamproc.StateRunning, m.State())
	require.True(t, iso.started)
}

func TestStopDrivesSymmetricShutdown(t *testing.T) {
	iso := newFakeIso(cycletimer.CT{Cycles: 5})
	m := New(iso, 1, 3, discardLog())
	recv, _ := buildManagerReceive(1)
	require.NoError(t, recv.Ring().WriteFrames(1, make([]byte, 4), cycletimer.Timestamp(0)))
	m.AddReceive(recv, 0, true)
	m.SetDLL(ratedll.New(48000, 0))
	require.NoError(t, m.Start(context.Background()))

	require.NoError(t, m.Stop(context.Background()))
	require.Equal(t, streamproc.StateStopped, m.State())
	require.True(t, iso.stopped)
}

func TestRunPeriodWritesTransmitRingFromSyncSourceTimestamp(t *testing.T) {
	m := New(newFakeIso(cycletimer.CT{}), 4, 3, discardLog())
	recv, _ := buildManagerReceive(4)
	// Two periods buffered: after RunPeriod drains one, the sync source
	// still has a fill>0 head timestamp to extrapolate the transmit write
	// from, matching steady-state operation rather than a momentary lull.
	require.NoError(t, recv.Ring().WriteFrames(8, make([]byte, 32), cycletimer.Timestamp(2000)))
	m.AddReceive(recv, 0, true)
	m.SetDLL(ratedll.New(48000, 0))

	ps := []*ports.Port{ports.NewAudio("audio0", ports.DirectionPlayback, 0, 4, 4, ports.Int24)}
	xmit := streamproc.NewTransmit(streamproc.FamilyAMDTP, amdtp.New(4), ps, 48000, 0x1A,
		streamproc.DefaultTransmitConfig(), 16, m.TicksPerFrame, discardLog())
	m.AddTransmit(xmit, 1)

	require.NoError(t, m.RunPeriod(context.Background()))
	require.Equal(t, 4, recv.Ring().ReadSpace()) // one period drained, one remains
	require.Equal(t, 4, xmit.Ring().ReadSpace())  // one period written
}

func TestRunPeriodCascadesToRecoveryOnChildXRun(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(wd)

	iso := newFakeIso(cycletimer.CT{})
	m := New(iso, 1, 3, discardLog())
	recv, _ := buildManagerReceive(1)
	m.AddReceive(recv, 0, true)
	m.SetDLL(ratedll.New(48000, 0))

	m.xrunFlag.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = m.RunPeriod(ctx)
	require.Error(t, err)
	require.Equal(t, uint64(1), m.XRunCount())
	require.Equal(t, streamproc.StateDryRunning, m.State())
}
