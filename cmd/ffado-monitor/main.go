// Command ffado-monitor runs a simulated capture stream and plays its
// decoded audio live through the host's audio output, so a person can
// listen for dropouts, MIDI overflow warnings, and DLL lock behaviour by
// ear instead of reading a log.
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hajimehoshi/ebiten/v2/audio"
	"github.com/spf13/pflag"

	"github.com/ffado-go/isocore/internal/config"
	"github.com/ffado-go/isocore/internal/device"
	"github.com/ffado-go/isocore/internal/logging"
	"github.com/ffado-go/isocore/internal/ports"
	"github.com/ffado-go/isocore/internal/transport/simtransport"
)

func main() {
	var (
		family     = pflag.String("family", "amdtp", "wire family to simulate: amdtp or motu")
		rate       = pflag.Int("rate", 48000, "nominal sample rate")
		configPath = pflag.String("config", "", "optional TOML config overlay")
		mono       = pflag.Bool("mono", false, "mix capture channels 0/1 down to mono before playback")
	)
	pflag.Parse()

	log := logging.New(os.Stderr, "monitor")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("loading config", "err", err)
	}

	fam := device.FamilyAMDTP
	if *family == "motu" {
		fam = device.FamilyMOTU
	}
	captureSpec := device.Spec{
		Family:        fam,
		NominalRate:   *rate,
		AudioChannels: 2,
		MIDIPorts:     1,
		DataType:      ports.Float32,
	}
	// The monitor never transmits audio of its own; it still needs a
	// playback stream so the manager has a sync-source-paired transmit
	// processor, matching every other device in this engine.
	playbackSpec := captureSpec

	iso := simtransport.New(0x3f)
	dev, err := device.New(iso, cfg, captureSpec, playbackSpec, log)
	if err != nil {
		log.Fatal("building device", "err", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := dev.Manager.Prepare(ctx); err != nil {
		log.Fatal("prepare", "err", err)
	}
	if err := dev.Manager.Start(ctx); err != nil {
		log.Fatal("start", "err", err)
	}

	pcm := make(chan []byte, 8)
	go drivePeriods(ctx, dev, pcm, log)

	actx := audio.NewContext(*rate)
	stream := &recvStream{pcm: pcm, mono: *mono}
	player, err := actx.NewPlayer(stream)
	if err != nil {
		log.Fatal("creating player", "err", err)
	}
	player.Play()

	log.Infof("monitoring: family=%s rate=%d mono=%t — ctrl-c to stop", *family, *rate, *mono)
	<-ctx.Done()

	player.Pause()
	if err := dev.Manager.Stop(context.Background()); err != nil {
		log.Warnf("stop: %v", err)
	}
}

// drivePeriods runs the manager's client-thread period loop and converts
// every completed period's decoded capture audio into interleaved int16
// stereo bytes for the player to pull.
func drivePeriods(ctx context.Context, dev *device.Device, pcm chan<- []byte, log *logging.Logger) {
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := dev.Manager.RunPeriod(ctx); err != nil {
				log.Warnf("run period: %v", err)
				continue
			}
			frame := encodePeriod(dev.CapturePorts)
			if frame == nil {
				continue
			}
			select {
			case pcm <- frame:
			default:
				// Drop the oldest pending period rather than block the
				// control loop: the stream reader underruns instead.
				select {
				case <-pcm:
				default:
				}
				pcm <- frame
			}
		}
	}
}

// encodePeriod converts the left/right audio ports' current period
// buffers into interleaved little-endian int16 stereo frames. Returns nil
// if the device has no audio port; a single audio port feeds both
// channels.
func encodePeriod(capturePorts []*ports.Port) []byte {
	var left, right *ports.Port
	for _, p := range capturePorts {
		if p.Kind != ports.KindAudio {
			continue
		}
		if left == nil {
			left = p
		} else if right == nil {
			right = p
			break
		}
	}
	if left == nil {
		return nil
	}
	if right == nil {
		right = left
	}
	n := left.BufferFrames
	out := make([]byte, n*4)
	for i := 0; i < n; i++ {
		l := sampleAt(left, i)
		r := sampleAt(right, i)
		putInt16LE(out[i*4:], l)
		putInt16LE(out[i*4+2:], r)
	}
	return out
}

func sampleAt(p *ports.Port, i int) int16 {
	switch p.DataType {
	case ports.Float32:
		v := p.Float32Buffer[i] * 32767
		if v > 32767 {
			v = 32767
		}
		if v < -32768 {
			v = -32768
		}
		return int16(v)
	default:
		return int16(p.Int32Buffer[i] >> 8)
	}
}

func putInt16LE(b []byte, v int16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

// recvStream implements io.Reader by pulling decoded PCM periods off a
// channel and trimming/padding them to whatever the player requested.
type recvStream struct {
	pcm       <-chan []byte
	mono      bool
	leftover  []byte
	underruns int
}

func (s *recvStream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(s.leftover) < len(p) {
		select {
		case chunk, ok := <-s.pcm:
			if !ok {
				return 0, io.EOF
			}
			s.leftover = append(s.leftover, chunk...)
		case <-time.After(20 * time.Millisecond):
			s.underruns++
			n := copy(p, s.leftover)
			for i := n; i < len(p); i++ {
				p[i] = 0
			}
			s.leftover = s.leftover[n:]
			return len(p), nil
		}
	}
	n := copy(p, s.leftover)
	s.leftover = s.leftover[n:]
	if s.mono {
		mixToMono(p[:n])
	}
	return n, nil
}

// mixToMono averages the left/right int16 channels of an interleaved
// stereo buffer in place.
func mixToMono(p []byte) {
	for i := 0; i+3 < len(p); i += 4 {
		l := int16(uint16(p[i]) | uint16(p[i+1])<<8)
		r := int16(uint16(p[i+2]) | uint16(p[i+3])<<8)
		m := int16((int32(l) + int32(r)) / 2)
		putInt16LE(p[i:], m)
		putInt16LE(p[i+2:], m)
	}
}
