// Package config implements the engine's dotted-path configuration
// surface: compiled-in defaults loaded first, then an optional user TOML
// file, then CLI flag overrides, all onto one koanf.Koanf instance so
// every layer shares the same dot-delimited key space as the spec names
// (streaming.common.period, streaming.amdtp.xmit_transfer_delay, …).
package config

import (
	"fmt"
	"os"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// defaultTOML seeds every key the streaming surface defines before any
// file or flag is applied.
const defaultTOML = `
[streaming.common]
recv_sp_dll_bw = 0.0
xmit_sp_dll_bw = 0.0
nb_buffers = 3
period = 64

[streaming.amdtp]
xmit_max_cycles_early_transmit = 2
xmit_transfer_delay = 33792
xmit_min_cycles_before_presentation = 1
`

// Keys used throughout the engine, named exactly as in the spec's
// configuration surface.
const (
	KeyRecvDLLBandwidth  = "streaming.common.recv_sp_dll_bw"
	KeyXmitDLLBandwidth  = "streaming.common.xmit_sp_dll_bw"
	KeyNumBuffers        = "streaming.common.nb_buffers"
	KeyPeriod            = "streaming.common.period"
	KeyXmitMaxEarly      = "streaming.amdtp.xmit_max_cycles_early_transmit"
	KeyXmitTransferDelay = "streaming.amdtp.xmit_transfer_delay"
	KeyXmitMinBeforePres = "streaming.amdtp.xmit_min_cycles_before_presentation"
)

// Config wraps a loaded koanf.Koanf. All options are enumerated in the
// spec's external-interfaces section; nothing else is persisted.
type Config struct {
	k *koanf.Koanf
}

// Load builds a Config from compiled-in defaults, optionally overlaid by
// a TOML file at path (path == "" skips this layer).
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider([]byte(defaultTOML)), toml.Parser()); err != nil {
		return nil, fmt.Errorf("config: loading defaults: %w", err)
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
				return nil, fmt.Errorf("config: loading %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}
	return &Config{k: k}, nil
}

// OverrideFloat/OverrideInt/OverrideBool let a CLI flag layer on top of
// whatever file/default value preceded it, without koanf needing to know
// about pflag's FlagSet type directly.
func (c *Config) OverrideFloat(key string, v float64) { c.k.Set(key, v) }
func (c *Config) OverrideInt(key string, v int)       { c.k.Set(key, v) }
func (c *Config) OverrideBool(key string, v bool)     { c.k.Set(key, v) }

func (c *Config) Float64(key string) float64 { return c.k.Float64(key) }
func (c *Config) Int(key string) int         { return c.k.Int(key) }
func (c *Config) Bool(key string) bool       { return c.k.Bool(key) }

// Period returns streaming.common.period, the number of frames the
// client consumes/produces per wakeup.
func (c *Config) Period() int { return c.Int(KeyPeriod) }

// NumBuffers returns streaming.common.nb_buffers, the ring capacity in
// periods (must be >= 3).
func (c *Config) NumBuffers() int { return c.Int(KeyNumBuffers) }

// RecvDLLBandwidth and XmitDLLBandwidth return the configured DLL
// bandwidths in Hz; 0 means "use the default fraction of the nominal packet rate".
func (c *Config) RecvDLLBandwidth() float64 { return c.Float64(KeyRecvDLLBandwidth) }
func (c *Config) XmitDLLBandwidth() float64 { return c.Float64(KeyXmitDLLBandwidth) }

// XmitTransferDelayCycles converts the tick-valued configuration option
// into the cycle count the transmit time-window arithmetic operates on.
func (c *Config) XmitTransferDelayCycles() int32 {
	const ticksPerCycle = 3072
	return int32(c.Int(KeyXmitTransferDelay) / ticksPerCycle)
}

func (c *Config) XmitMaxCyclesEarly() int32 { return int32(c.Int(KeyXmitMaxEarly)) }
func (c *Config) XmitMinCyclesBeforePresentation() int32 {
	return int32(c.Int(KeyXmitMinBeforePres))
}
