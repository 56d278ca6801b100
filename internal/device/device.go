// Package device assembles the port, codec, stream-processor and
// manager layers into one runnable streaming device: a capture stream
// (receive) and a playback stream (transmit) sharing a sync source DLL,
// bound to a transport.Iso1394 and driven by a manager.Manager.
package device

import (
	"fmt"

	"github.com/ffado-go/isocore/internal/codec"
	"github.com/ffado-go/isocore/internal/codec/amdtp"
	"github.com/ffado-go/isocore/internal/codec/motu"
	"github.com/ffado-go/isocore/internal/config"
	"github.com/ffado-go/isocore/internal/cycletimer"
	"github.com/ffado-go/isocore/internal/logging"
	"github.com/ffado-go/isocore/internal/manager"
	"github.com/ffado-go/isocore/internal/ports"
	"github.com/ffado-go/isocore/internal/ratedll"
	"github.com/ffado-go/isocore/internal/streamproc"
	"github.com/ffado-go/isocore/internal/transport"
)

// Family selects which wire protocol a device speaks.
type Family = streamproc.Family

const (
	FamilyAMDTP = streamproc.FamilyAMDTP
	FamilyMOTU  = streamproc.FamilyMOTU
)

// Spec describes the channel layout of one device to build.
type Spec struct {
	Family        Family
	NominalRate   int
	AudioChannels int
	MIDIPorts     int
	DataType      ports.DataType
}

// Device owns one capture and one playback stream processor plus the
// manager coordinating them, and the ports the client reads/writes.
type Device struct {
	Manager    *manager.Manager
	CapturePorts  []*ports.Port
	PlaybackPorts []*ports.Port

	capture  *streamproc.Receive
	playback *streamproc.Transmit
}

func buildPorts(spec Spec, dir ports.Direction, period int, log *logging.Logger) ([]*ports.Port, codec.Codec, int) {
	var ps []*ports.Port
	pos := 0
	switch spec.Family {
	case FamilyMOTU:
		pos = 4 // SPH occupies bytes 0..3
		midiFlagPos := pos
		ps = append(ps, ports.NewMIDI("midi", dir, midiFlagPos, period))
		ps = append(ps, ports.NewControl("control", dir, midiFlagPos+1, 1, period))
		pos = midiFlagPos + 3
		for i := 0; i < spec.AudioChannels; i++ {
			ps = append(ps, ports.NewAudio(fmt.Sprintf("audio%d", i), dir, pos, 3, period, spec.DataType))
			pos += 3
		}
		for i := 0; i < spec.MIDIPorts-1; i++ {
			// Additional MIDI ports beyond the first share the wire's one
			// MIDI byte slot in real MOTU hardware; modelled here as
			// independent logical ports multiplexed by the codec's FIFO.
			ps = append(ps, ports.NewMIDI(fmt.Sprintf("midi%d", i+1), dir, midiFlagPos, period))
		}
		return ps, motu.New(pos, spec.NominalRate, log.With("component", "motu-codec")), pos
	default:
		for i := 0; i < spec.AudioChannels; i++ {
			ps = append(ps, ports.NewAudio(fmt.Sprintf("audio%d", i), dir, pos, 4, period, spec.DataType))
			pos += 4
		}
		for i := 0; i < spec.MIDIPorts; i++ {
			ps = append(ps, ports.NewMIDI(fmt.Sprintf("midi%d", i), dir, pos, period))
			pos += 4
		}
		return ps, amdtp.New(pos), pos
	}
}

// New assembles a Device from capture and playback specs, sharing one
// device-wide sync-source DLL fed by the capture stream.
func New(iso transport.Iso1394, cfg *config.Config, captureSpec, playbackSpec Spec, log *logging.Logger) (*Device, error) {
	period := cfg.Period()
	capturePorts, captureCodec, _ := buildPorts(captureSpec, ports.DirectionCapture, period, log)
	playbackPorts, playbackCodec, _ := buildPorts(playbackSpec, ports.DirectionPlayback, period, log)

	m := manager.New(iso, period, cfg.NumBuffers(), log)
	ringCap := m.RingCapacity()

	ctNow := func() cycletimer.CT { return transport.CycleTimerNow(iso) }

	recv := streamproc.NewReceive(captureSpec.Family, captureCodec, capturePorts, period, ringCap, ctNow, log)
	dll := ratedll.New(float64(captureSpec.NominalRate), cfg.RecvDLLBandwidth())
	m.SetDLL(dll)

	recvCh, err := iso.AllocateIsoChannel(captureSpec.NominalRate * 64)
	if err != nil {
		return nil, fmt.Errorf("device: allocating receive channel: %w", err)
	}
	m.AddReceive(recv, recvCh, true)

	xmitCfg := streamproc.TransmitConfig{
		TransferDelayCycles:         cfg.XmitTransferDelayCycles(),
		MaxCyclesEarlyTransmit:      cfg.XmitMaxCyclesEarly(),
		MinCyclesBeforePresentation: cfg.XmitMinCyclesBeforePresentation(),
		Motu828MkIQuirk:             false,
	}
	xmit := streamproc.NewTransmit(playbackSpec.Family, playbackCodec, playbackPorts, playbackSpec.NominalRate, iso.LocalNodeID(), xmitCfg, ringCap, m.TicksPerFrame, log)
	xmitCh, err := iso.AllocateIsoChannel(playbackSpec.NominalRate * 64)
	if err != nil {
		return nil, fmt.Errorf("device: allocating transmit channel: %w", err)
	}
	m.AddTransmit(xmit, xmitCh)

	return &Device{
		Manager:       m,
		CapturePorts:  capturePorts,
		PlaybackPorts: playbackPorts,
		capture:       recv,
		playback:      xmit,
	}, nil
}
