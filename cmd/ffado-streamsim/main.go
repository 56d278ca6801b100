// Command ffado-streamsim runs a simulated FireWire audio device end to
// end against the software transport, with no real hardware involved: a
// capture and a playback stream are wired through one manager, driven at
// the simulated bus cycle rate, and the client period loop spins on the
// main goroutine until --duration elapses or the process is interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/ffado-go/isocore/internal/config"
	"github.com/ffado-go/isocore/internal/device"
	"github.com/ffado-go/isocore/internal/logging"
	"github.com/ffado-go/isocore/internal/ports"
	"github.com/ffado-go/isocore/internal/transport/simtransport"
)

func main() {
	var (
		family        = pflag.String("family", "amdtp", "wire family to simulate: amdtp or motu")
		rate          = pflag.Int("rate", 48000, "nominal sample rate")
		channels      = pflag.Int("channels", 2, "audio channel count per stream")
		midiPorts     = pflag.Int("midi-ports", 1, "midi port count per stream")
		configPath    = pflag.String("config", "", "optional TOML config overlay")
		period        = pflag.Int("streaming.common.period", 0, "override streaming.common.period (0 keeps config default)")
		numBuffers    = pflag.Int("streaming.common.nb_buffers", 0, "override streaming.common.nb_buffers (0 keeps config default)")
		duration      = pflag.Duration("duration", 5*time.Second, "how long to run before exiting")
		logLevel      = pflag.String("log-level", "info", "log level: debug, info, warn, error")
	)
	pflag.Parse()

	log := logging.New(os.Stderr, "streamsim")
	setLevel(log, *logLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("loading config", "err", err)
	}
	if *period > 0 {
		cfg.OverrideInt(config.KeyPeriod, *period)
	}
	if *numBuffers > 0 {
		cfg.OverrideInt(config.KeyNumBuffers, *numBuffers)
	}

	fam := device.FamilyAMDTP
	if *family == "motu" {
		fam = device.FamilyMOTU
	}
	spec := device.Spec{
		Family:        fam,
		NominalRate:   *rate,
		AudioChannels: *channels,
		MIDIPorts:     *midiPorts,
		DataType:      ports.Float32,
	}

	iso := simtransport.New(0x3f)
	dev, err := device.New(iso, cfg, spec, spec, log)
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
	log.Infof("streaming: family=%s rate=%d channels=%d midi=%d period=%d nb_buffers=%d",
		*family, *rate, *channels, *midiPorts, cfg.Period(), cfg.NumBuffers())

	statusLine(ctx, dev, *duration)

	if err := dev.Manager.Stop(ctx); err != nil {
		log.Warnf("stop: %v", err)
	}
}

// statusLine refreshes a single terminal line with the manager's state and
// xrun count once per period, for the duration of the run, the headless-CLI
// analogue of a frame-rate readout.
func statusLine(ctx context.Context, dev *device.Device, duration time.Duration) {
	width := 80
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w
	}
	deadline := time.Now().Add(duration)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			return
		case <-tick.C:
			if time.Now().After(deadline) {
				fmt.Println()
				return
			}
			if err := dev.Manager.RunPeriod(ctx); err != nil {
				fmt.Printf("\rrun period: %v%*s", err, width, "")
				continue
			}
			line := fmt.Sprintf("\rstate=%-24s xruns=%d", dev.Manager.State(), dev.Manager.XRunCount())
			if len(line) < width {
				line += fmt.Sprintf("%*s", width-len(line), "")
			}
			fmt.Print(line)
		}
	}
}

func setLevel(log *logging.Logger, level string) {
	switch level {
	case "debug":
		log.SetLevel(logging.DebugLevel)
	case "warn":
		log.SetLevel(logging.WarnLevel)
	case "error":
		log.SetLevel(logging.ErrorLevel)
	default:
		log.SetLevel(logging.InfoLevel)
	}
}
