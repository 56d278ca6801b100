// Package cip encodes and decodes the 8-byte Common Isochronous Packet
// header shared (with different second-quadlet semantics) by both the
// AMDTP and MOTU wire families.
//
//	Q0 : [ 00 | 00 | 04 | SID<<24 | DBS<<16 | DBC ]
//	Q1 : AMDTP: [ 10 | FDF | SYT ]        MOTU: 0x8222FFFF
package cip

import "encoding/binary"

// HeaderSize is the fixed size in bytes of a CIP header.
const HeaderSize = 8

// AMDTPFMT is the FMT field value identifying an AMDTP/MBLA stream.
const AMDTPFMT = 0x10

// MOTUFDF is the FDF-position byte value identifying a MOTU stream.
const MOTUFDF = 0x22

// Header is a decoded CIP header common to both families.
type Header struct {
	SID byte   // source node id
	DBS byte   // data block size, in quadlets
	DBC byte   // data block count
	FMT byte   // format field (AMDTP only; ignored for MOTU)
	FDF uint16 // format-dependent field (AMDTP: rate; MOTU: fixed 0x22)
	SYT uint16 // sync timestamp (AMDTP only)
}

// Decode parses an 8-byte CIP header.
func Decode(data []byte) Header {
	q0 := binary.BigEndian.Uint32(data[0:4])
	q1 := binary.BigEndian.Uint32(data[4:8])
	return Header{
		SID: byte((q0 >> 24) & 0x3F),
		DBS: byte((q0 >> 16) & 0xFF),
		DBC: byte(q0 & 0xFF),
		FMT: byte((q1 >> 24) & 0x3F),
		FDF: uint16((q1 >> 16) & 0xFF),
		SYT: uint16(q1 & 0xFFFF),
	}
}

// EncodeAMDTP writes an AMDTP CIP header: Q0 common, Q1 = [10|FDF|SYT].
func EncodeAMDTP(data []byte, sid, dbs, dbc byte, fdfRate byte, syt uint16) {
	q0 := uint32(sid&0x3F)<<24 | uint32(dbs)<<16 | uint32(0x04)<<8 | uint32(dbc)
	q1 := uint32(AMDTPFMT)<<24 | uint32(fdfRate)<<16 | uint32(syt)
	binary.BigEndian.PutUint32(data[0:4], q0)
	binary.BigEndian.PutUint32(data[4:8], q1)
}

// EncodeMOTU writes a MOTU CIP-like header: Q0 common, Q1 = 0x8222FFFF.
func EncodeMOTU(data []byte, sid, dbs, dbc byte) {
	q0 := uint32(sid&0x3F)<<24 | uint32(dbs)<<16 | uint32(0x04)<<8 | uint32(dbc)
	binary.BigEndian.PutUint32(data[0:4], q0)
	binary.BigEndian.PutUint32(data[4:8], 0x8222FFFF)
}

// NominalEventsPerPacket returns the number of events (N) a packet at the
// given nominal sample rate carries: 8 at <=48kHz, 16 at <=96kHz, 32
// otherwise.
func NominalEventsPerPacket(nominalRate int) int {
	switch {
	case nominalRate <= 48000:
		return 8
	case nominalRate <= 96000:
		return 16
	default:
		return 32
	}
}
