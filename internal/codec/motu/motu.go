// Package motu implements the MOTU family's event codec: no label byte,
// three raw big-endian audio bytes per channel, plus a small MIDI/control
// area at the front of the event. Port positions are wire offsets: bytes
// 0..3 of every event are the per-event Source Packet Header the stream
// processor stamps directly (not a port), byte 4 is the MIDI-present
// flag, byte 5 the control key, byte 6 the MIDI byte, and bytes 7.. the
// packed audio channels — so EventSize is the full wire event size.
package motu

import (
	"github.com/ffado-go/isocore/internal/codec"
	"github.com/ffado-go/isocore/internal/logging"
	"github.com/ffado-go/isocore/internal/ports"
)

// SPHSize is the length in bytes of the per-event Source Packet Header
// occupying the front of every MOTU wire event.
const SPHSize = 4

// midiFIFOCapacity is the size of the pending-MIDI-byte FIFO. Must be a
// power of two; 32 decouples the variable client MIDI rate from the fixed
// wire rate.
const midiFIFOCapacity = 32

// Codec implements codec.Codec for MOTU streams.
type Codec struct {
	eventSize int // full wire event size: 4 (SPH) + 3 (MIDI/control) + 3*numAudioChannels

	// midiTxPeriod is the minimum number of frames between two emitted
	// MIDI bytes: ceil(sampleRate/3125), the MIDI hardware 31250bps limit
	// expressed as one byte per sixteen samples at 48kHz.
	midiTxPeriod   int
	framesSinceTX  int
	midiFIFO       []byte // pending outgoing MIDI bytes, oldest first
	log            *logging.Logger
	warnedOverflow bool
}

// New constructs a MOTU codec for a wire event spanning eventSize bytes
// (4-byte SPH + 3-byte MIDI/control area + 3 bytes per audio channel) at
// the given nominal sample rate, used to derive the MIDI transmit rate
// cap.
func New(eventSize int, nominalRate int, log *logging.Logger) *Codec {
	return &Codec{
		eventSize:    eventSize,
		midiTxPeriod: ceilDiv(nominalRate, 3125),
		midiFIFO:     make([]byte, 0, midiFIFOCapacity),
		log:          log,
	}
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return 1
	}
	return (a + b - 1) / b
}

func (c *Codec) EventSize() int { return c.eventSize }

// midiByteOffset is the MIDI byte's position relative to its port's own
// Position, which by convention addresses the presence flag: flag at
// +0, the byte itself two bytes later at +2 (the control key sits at +1
// but is its own, separately positioned, Control port).
const midiByteOffset = 2

func (c *Codec) DecodeEvent(event []byte, ps []*ports.Port, frameIdx int) {
	for _, p := range ps {
		if p.IsDisabled() && p.Direction == ports.DirectionCapture {
			continue
		}
		switch p.Kind {
		case ports.KindAudio:
			decodeAudio24(event, p, frameIdx)
		case ports.KindMIDI:
			if event[p.Position] != 0 {
				p.Bytes = append(p.Bytes, event[p.Position+midiByteOffset])
			}
		case ports.KindControl:
			p.Bytes[frameIdx] = event[p.Position]
		}
	}
}

func (c *Codec) EncodeEvent(event []byte, ps []*ports.Port, frameIdx int) {
	// The MIDI slot is written as zeros unless a MIDI byte is due this
	// frame; a control port's byte is copied from its buffer whether or not
	// the port is disabled.
	for _, p := range ps {
		switch p.Kind {
		case ports.KindAudio:
			encodeAudio24(event, p, frameIdx)
		case ports.KindMIDI:
			c.encodeMIDISlot(event, p)
		case ports.KindControl:
			event[p.Position] = p.Bytes[frameIdx]
		}
	}
	c.framesSinceTX++
}

// PushMIDI enqueues a MIDI byte for eventual transmission, dropping the
// oldest pending byte and logging a warning (once per overflow transition)
// if the FIFO is full.
func (c *Codec) PushMIDI(b byte) {
	if len(c.midiFIFO) >= midiFIFOCapacity {
		c.midiFIFO = c.midiFIFO[1:]
		if !c.warnedOverflow && c.log != nil {
			c.log.Warnf("motu: MIDI transmit FIFO overflow, dropping oldest byte")
		}
		c.warnedOverflow = true
		c.midiFIFO = append(c.midiFIFO, b)
		return
	}
	c.warnedOverflow = false
	c.midiFIFO = append(c.midiFIFO, b)
}

func (c *Codec) encodeMIDISlot(event []byte, p *ports.Port) {
	event[p.Position] = 0
	event[p.Position+midiByteOffset] = 0
	if len(c.midiFIFO) == 0 {
		return
	}
	if c.framesSinceTX < c.midiTxPeriod {
		return
	}
	event[p.Position] = 0x01
	event[p.Position+midiByteOffset] = c.midiFIFO[0]
	c.midiFIFO = c.midiFIFO[1:]
	c.framesSinceTX = 0
}

func decodeAudio24(event []byte, p *ports.Port, frameIdx int) {
	off := p.Position
	raw := uint32(event[off])<<16 | uint32(event[off+1])<<8 | uint32(event[off+2])
	sample := codec.SignExtend24(raw)
	switch p.DataType {
	case ports.Float32:
		p.Float32Buffer[frameIdx] = float32(sample) / ((1 << 23) - 1)
	default:
		p.Int32Buffer[frameIdx] = sample
	}
}

func encodeAudio24(event []byte, p *ports.Port, frameIdx int) {
	var sample int32
	if !p.IsDisabled() {
		switch p.DataType {
		case ports.Float32:
			sample = codec.ClipToInt24(p.Float32Buffer[frameIdx] * ((1 << 23) - 1))
		default:
			sample = p.Int32Buffer[frameIdx]
		}
	}
	off := p.Position
	u := uint32(sample) & 0x00FFFFFF
	event[off] = byte(u >> 16)
	event[off+1] = byte(u >> 8)
	event[off+2] = byte(u)
}
