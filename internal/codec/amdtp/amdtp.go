// Package amdtp implements the DICE family's AMDTP/MBLA event codec: each
// audio sample is a labelled 32-bit quadlet, high byte 0x40 ("MBLA" label)
// and low 24 bits the signed sample.
package amdtp

import (
	"encoding/binary"

	"github.com/ffado-go/isocore/internal/codec"
	"github.com/ffado-go/isocore/internal/cycletimer"
	"github.com/ffado-go/isocore/internal/ports"
)

// MBLALabel is the AMDTP label byte identifying a Multi-Bit Linear Audio
// quadlet.
const MBLALabel = 0x40

// nominalScale is 2^23-1, the full-scale value used to convert between
// 24-bit integer samples and normalised floats.
const nominalScale = (1 << 23) - 1

// Codec implements codec.Codec for AMDTP/MBLA streams. There is no
// per-family framing beyond the labelled quadlet, so its ring event size
// equals the wire event size.
type Codec struct {
	eventSize int
}

// New constructs an AMDTP codec for a packet whose event layout spans
// eventSize bytes (the sum of all port widths within one event).
func New(eventSize int) *Codec {
	return &Codec{eventSize: eventSize}
}

func (c *Codec) EventSize() int { return c.eventSize }

func (c *Codec) DecodeEvent(event []byte, ps []*ports.Port, frameIdx int) {
	for _, p := range ps {
		if p.IsDisabled() && p.Direction == ports.DirectionCapture {
			continue
		}
		switch p.Kind {
		case ports.KindAudio:
			decodeAudioQuadlet(event, p, frameIdx)
		case ports.KindMIDI:
			decodeMIDIQuadlet(event, p)
		case ports.KindControl:
			copy(p.Bytes[frameIdx*p.Width:(frameIdx+1)*p.Width], event[p.Position:p.Position+p.Width])
		}
	}
}

func (c *Codec) EncodeEvent(event []byte, ps []*ports.Port, frameIdx int) {
	for _, p := range ps {
		switch p.Kind {
		case ports.KindAudio:
			encodeAudioQuadlet(event, p, frameIdx)
		case ports.KindMIDI:
			encodeMIDIQuadlet(event, p)
		case ports.KindControl:
			copy(event[p.Position:p.Position+p.Width], p.Bytes[frameIdx*p.Width:(frameIdx+1)*p.Width])
		}
	}
}

func decodeAudioQuadlet(event []byte, p *ports.Port, frameIdx int) {
	q := binary.BigEndian.Uint32(event[p.Position : p.Position+4])
	sample := codec.SignExtend24(q & 0x00FFFFFF)
	switch p.DataType {
	case ports.Float32:
		p.Float32Buffer[frameIdx] = float32(sample) / nominalScale
	default:
		p.Int32Buffer[frameIdx] = sample
	}
}

func encodeAudioQuadlet(event []byte, p *ports.Port, frameIdx int) {
	var sample int32
	if p.IsDisabled() {
		sample = 0
	} else {
		switch p.DataType {
		case ports.Float32:
			sample = codec.ClipToInt24(p.Float32Buffer[frameIdx] * nominalScale)
		default:
			sample = p.Int32Buffer[frameIdx]
		}
	}
	q := uint32(MBLALabel)<<24 | (uint32(sample) & 0x00FFFFFF)
	binary.BigEndian.PutUint32(event[p.Position:p.Position+4], q)
}

// decodeMIDIQuadlet and encodeMIDIQuadlet use the same labelled-quadlet
// layout as audio ports: a MIDI byte sits in the low byte of the quadlet,
// with the remaining low-order bytes zero. AMDTP does not have a presence
// flag distinct from the label byte; a MIDI event is indicated entirely
// by the packet's data block layout (one MIDI port's quadlet per data
// block), so every decode simply takes the low byte.
func decodeMIDIQuadlet(event []byte, p *ports.Port) {
	p.Bytes = append(p.Bytes, event[p.Position+3])
}

func encodeMIDIQuadlet(event []byte, p *ports.Port) {
	var b byte
	if len(p.Bytes) > 0 {
		b = p.Bytes[0]
		p.Bytes = p.Bytes[1:]
	}
	binary.BigEndian.PutUint32(event[p.Position:p.Position+4], uint32(MBLALabel)<<24|uint32(b))
}

// sytCycleBits is the width of the cycle nibble packed into a CIP SYT
// field: 4 bits (mod 16), much narrower than the cycle timer's own 13-bit
// cycle field, so SYT reconstruction needs its own promotion rule rather
// than cycletimer's SPH one.
const sytCycleBits = 4
const sytCycleMask = (1 << sytCycleBits) - 1
const sytCycleHalf = 1 << (sytCycleBits - 1)

// SYTToFullTicks reconstructs the full tick value a packet's CIP SYT field
// refers to, given the current cycle timer reading ctNow. SYT carries a
// 4-bit cycle count (mod 16) and a 12-bit in-cycle offset; the full cycle
// number is recovered by finding the value nearest ctNow's own cycle count
// that shares the SYT's low 4 bits.
func SYTToFullTicks(syt uint16, ctNow cycletimer.CT) cycletimer.Timestamp {
	sytCycle := int((syt >> 12) & sytCycleMask)
	sytOffset := int64(syt & 0x0FFF)

	fullCycleNow := int64(ctNow.Seconds)*cycletimer.CyclesPerSecond + int64(ctNow.Cycles)
	delta := sytCycle - int(ctNow.Cycles&sytCycleMask)
	if delta > sytCycleHalf {
		delta -= 1 << sytCycleBits
	} else if delta < -sytCycleHalf {
		delta += 1 << sytCycleBits
	}
	fullCycleTarget := fullCycleNow + int64(delta)

	ticks := fullCycleTarget*cycletimer.TicksPerCycle + sytOffset
	wrap := int64(cycletimer.WrapTicks)
	ticks = ((ticks % wrap) + wrap) % wrap
	return cycletimer.Timestamp(ticks)
}

// FullTicksToSYT packs ts into a 16-bit CIP SYT field: a 4-bit cycle
// nibble plus a 12-bit in-cycle offset.
func FullTicksToSYT(ts cycletimer.Timestamp) uint16 {
	ct := cycletimer.TicksToCT(uint32(uint64(ts) % cycletimer.WrapTicks))
	return uint16(ct.Cycles&sytCycleMask)<<12 | uint16(ct.Offset&0x0FFF)
}
