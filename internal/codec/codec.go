// Package codec defines the shared interface both wire-format families
// (AMDTP and MOTU) implement to decode/encode one ring-buffer event's
// worth of per-port sample data. Packet-level framing (CIP header
// assembly, timestamp extraction, MOTU's per-event SPH) is the stream
// processor's responsibility, not the codec's: the codec only ever sees
// one event's channel-data bytes plus the port list.
package codec

import "github.com/ffado-go/isocore/internal/ports"

// Codec decodes/encodes one event's sample data to/from a device's ports.
// EventSize is the full wire event size, including any per-event framing
// a family stamps itself (MOTU's 4-byte SPH occupies the front of the
// event and is not stripped out by the stream processor; no port covers
// it, and port Positions count from the event's first byte).
type Codec interface {
	EventSize() int
	// DecodeEvent unpacks one wire event into frameIdx of each port's
	// client-visible buffer.
	DecodeEvent(event []byte, ps []*ports.Port, frameIdx int)
	// EncodeEvent packs frameIdx of each port's client-visible buffer into
	// one wire event.
	EncodeEvent(event []byte, ps []*ports.Port, frameIdx int)
}

// SignExtend24 widens a 24-bit two's-complement sample held in the low
// bits of v to a full int32, shared by every family's 24-bit audio path.
func SignExtend24(v uint32) int32 {
	if v&0x00800000 != 0 {
		return int32(v | 0xFF000000)
	}
	return int32(v)
}

// ClipToInt24 saturates f to the representable 24-bit sample range.
func ClipToInt24(f float32) int32 {
	v := int32(f)
	const max = (1 << 23) - 1
	const min = -(1 << 23)
	if v > max {
		return max
	}
	if v < min {
		return min
	}
	return v
}
