package device

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ffado-go/isocore/internal/config"
	"github.com/ffado-go/isocore/internal/logging"
	"github.com/ffado-go/isocore/internal/ports"
	"github.com/ffado-go/isocore/internal/transport"
)

func TestBuildPortsAMDTPLayout(t *testing.T) {
	spec := Spec{Family: FamilyAMDTP, NominalRate: 48000, AudioChannels: 2, MIDIPorts: 1, DataType: ports.Int24}
	ps, codec, size := buildPorts(spec, ports.DirectionCapture, 32, logging.New(io.Discard, "test"))
	require.Len(t, ps, 3)
	require.Equal(t, 0, ps[0].Position)
	require.Equal(t, 4, ps[1].Position)
	require.Equal(t, 8, ps[2].Position)
	require.Equal(t, 12, size)
	require.Equal(t, 12, codec.EventSize())
}

func TestBuildPortsMOTULayout(t *testing.T) {
	spec := Spec{Family: FamilyMOTU, NominalRate: 48000, AudioChannels: 2, MIDIPorts: 1, DataType: ports.Int24}
	ps, codec, size := buildPorts(spec, ports.DirectionPlayback, 32, logging.New(io.Discard, "test"))
	require.Len(t, ps, 4) // midi, control, audio0, audio1
	require.Equal(t, ports.KindMIDI, ps[0].Kind)
	require.Equal(t, 4, ps[0].Position)
	require.Equal(t, ports.KindControl, ps[1].Kind)
	require.Equal(t, 5, ps[1].Position)
	require.Equal(t, 7, ps[2].Position)
	require.Equal(t, 10, ps[3].Position)
	require.Equal(t, 13, size)
	require.Equal(t, 13, codec.EventSize())
}

func TestBuildPortsMOTUExtraMIDIPortsShareFlagSlot(t *testing.T) {
	spec := Spec{Family: FamilyMOTU, NominalRate: 48000, AudioChannels: 1, MIDIPorts: 2, DataType: ports.Int24}
	ps, _, _ := buildPorts(spec, ports.DirectionCapture, 32, logging.New(io.Discard, "test"))
	require.Len(t, ps, 4) // midi, control, audio0, midi1
	require.Equal(t, "midi1", ps[3].Name)
	require.Equal(t, ps[0].Position, ps[3].Position)
}

// fakeIso is a minimal transport.Iso1394 stand-in sufficient to exercise
// device construction without a real 1394 service.
type fakeIso struct{ next int }

func (f *fakeIso) AllocateIsoChannel(bandwidth int) (int, error) {
	c := f.next
	f.next++
	return c, nil
}
func (f *fakeIso) FreeIsoChannel(channel int) error                          { return nil }
func (f *fakeIso) RegisterReceive(channel int, cb transport.ReceiveCallback) error {
	return nil
}
func (f *fakeIso) RegisterTransmit(channel int, cb transport.TransmitCallback) error {
	return nil
}
func (f *fakeIso) CycleTimer() uint32 { return 0 }
func (f *fakeIso) LocalNodeID() byte  { return 0x3F }
func (f *fakeIso) Start() error       { return nil }
func (f *fakeIso) Stop() error        { return nil }

func TestNewWiresCaptureAndPlaybackOnDistinctChannels(t *testing.T) {
	iso := &fakeIso{}
	cfg, err := config.Load("")
	require.NoError(t, err)
	spec := Spec{Family: FamilyAMDTP, NominalRate: 48000, AudioChannels: 2, MIDIPorts: 0, DataType: ports.Int24}

	dev, err := New(iso, cfg, spec, spec, logging.New(io.Discard, "test"))
	require.NoError(t, err)
	require.NotNil(t, dev.Manager)
	require.Len(t, dev.CapturePorts, 2)
	require.Len(t, dev.PlaybackPorts, 2)
	require.Equal(t, 2, iso.next) // one channel allocated for each direction
}
