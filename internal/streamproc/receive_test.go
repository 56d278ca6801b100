package streamproc

import (
	"testing"

	"github.com/ffado-go/isocore/internal/codec/amdtp"
	"github.com/ffado-go/isocore/internal/codec/cip"
	"github.com/ffado-go/isocore/internal/cycletimer"
	"github.com/ffado-go/isocore/internal/logging"
	"github.com/ffado-go/isocore/internal/ports"
	"github.com/ffado-go/isocore/internal/ratedll"
)

func fixedCTNow(ct cycletimer.CT) func() cycletimer.CT {
	return func() cycletimer.CT { return ct }
}

func buildAMDTPPacket(t *testing.T, sid, dbc byte, nEvents, eventSize int, syt uint16) []byte {
	t.Helper()
	data := make([]byte, cip.HeaderSize+nEvents*eventSize)
	cip.EncodeAMDTP(data[:cip.HeaderSize], sid, byte(eventSize/4), dbc, 0x04, syt)
	return data
}

func newTestReceive(period int) (*Receive, []*ports.Port) {
	ps := []*ports.Port{ports.NewAudio("audio0", ports.DirectionCapture, 0, 4, period, ports.Int24)}
	c := amdtp.New(4)
	ct := cycletimer.CT{Seconds: 0, Cycles: 100, Offset: 0}
	r := NewReceive(FamilyAMDTP, c, ps, period, 16, fixedCTNow(ct), logging.New(nil, "test"))
	return r, ps
}

func TestOnPacketInvalidHeader(t *testing.T) {
	r, _ := newTestReceive(4)
	data := buildAMDTPPacket(t, 1, 0, 4, 4, 0)
	if got := r.OnPacket(data, 0 /* tag!=1 */, false); got != ReceiveInvalid {
		t.Fatalf("disposition = %v, want ReceiveInvalid", got)
	}
}

func TestOnPacketShortPacket(t *testing.T) {
	r, _ := newTestReceive(4)
	if got := r.OnPacket([]byte{1, 2, 3}, 1, false); got != ReceiveInvalid {
		t.Fatalf("disposition = %v, want ReceiveInvalid", got)
	}
}

func TestOnPacketMisalignedPayload(t *testing.T) {
	r, _ := newTestReceive(4)
	data := buildAMDTPPacket(t, 1, 0, 4, 4, 0)
	data = data[:len(data)-1] // break the eventSize alignment
	if got := r.OnPacket(data, 1, false); got != ReceiveInvalid {
		t.Fatalf("disposition = %v, want ReceiveInvalid", got)
	}
}

func TestOnPacketFirstPacketAccepted(t *testing.T) {
	r, _ := newTestReceive(4)
	data := buildAMDTPPacket(t, 1, 0, 4, 4, 0)
	got := r.OnPacket(data, 1, false)
	if got != ReceiveDefer && got != ReceiveOK {
		t.Fatalf("disposition = %v, want ReceiveOK or ReceiveDefer", got)
	}
	if r.Ring().ReadSpace() != 4 {
		t.Fatalf("ReadSpace = %d, want 4", r.Ring().ReadSpace())
	}
}

func TestOnPacketDBCSkipReportsXRun(t *testing.T) {
	r, _ := newTestReceive(4)
	first := buildAMDTPPacket(t, 1, 0, 4, 4, 0)
	if got := r.OnPacket(first, 1, false); got != ReceiveOK && got != ReceiveDefer {
		t.Fatalf("first packet disposition = %v", got)
	}
	// expected DBC after 4 events is 4; jump to 20 to force a skip.
	second := buildAMDTPPacket(t, 1, 20, 4, 4, 0)
	if got := r.OnPacket(second, 1, false); got != ReceiveXRun {
		t.Fatalf("disposition = %v, want ReceiveXRun on DBC skip", got)
	}
}

func TestOnPacketDBCBackstepInvalid(t *testing.T) {
	r, _ := newTestReceive(4)
	first := buildAMDTPPacket(t, 1, 10, 4, 4, 0)
	if got := r.OnPacket(first, 1, false); got != ReceiveOK && got != ReceiveDefer {
		t.Fatalf("first packet disposition = %v", got)
	}
	second := buildAMDTPPacket(t, 1, 5, 4, 4, 0) // below expected 14
	if got := r.OnPacket(second, 1, false); got != ReceiveInvalid {
		t.Fatalf("disposition = %v, want ReceiveInvalid on DBC backstep", got)
	}
}

func TestOnPacketDisabledSkipsRingWrite(t *testing.T) {
	r, _ := newTestReceive(4)
	r.SetDisabled(true)
	data := buildAMDTPPacket(t, 1, 0, 4, 4, 0)
	if got := r.OnPacket(data, 1, false); got != ReceiveOK {
		t.Fatalf("disposition = %v, want ReceiveOK while disabled", got)
	}
	if r.Ring().ReadSpace() != 0 {
		t.Fatalf("ReadSpace = %d, want 0 while disabled", r.Ring().ReadSpace())
	}
}

func TestOnPacketFeedsSyncSourceDLL(t *testing.T) {
	r, _ := newTestReceive(4)
	dll := ratedll.New(48000, 0)
	r.SetSyncSource(dll)
	before := dll.Locked(cycletimer.FullCycleNumber(cycletimer.CT{Seconds: 0, Cycles: 100, Offset: 0}))
	if before {
		t.Fatal("expected DLL unlocked before any packet")
	}
	data := buildAMDTPPacket(t, 1, 0, 4, 4, 0)
	r.OnPacket(data, 1, false)
	after := dll.Locked(cycletimer.FullCycleNumber(cycletimer.CT{Seconds: 0, Cycles: 100, Offset: 0}))
	if !after {
		t.Fatal("expected DLL locked after a packet feeds it at the same cycle")
	}
}

func TestReadPeriodDecodesIntoPorts(t *testing.T) {
	r, ps := newTestReceive(4)
	data := buildAMDTPPacket(t, 1, 0, 4, 4, 0)
	// Stamp a recognisable sample into event 0's quadlet: label 0x40, sample 1000.
	q := uint32(0x40)<<24 | uint32(1000)
	data[cip.HeaderSize+0] = byte(q >> 24)
	data[cip.HeaderSize+1] = byte(q >> 16)
	data[cip.HeaderSize+2] = byte(q >> 8)
	data[cip.HeaderSize+3] = byte(q)
	r.OnPacket(data, 1, false)
	if err := r.ReadPeriod(); err != nil {
		t.Fatalf("ReadPeriod: %v", err)
	}
	if ps[0].Int32Buffer[0] != 1000 {
		t.Fatalf("decoded sample = %d, want 1000", ps[0].Int32Buffer[0])
	}
}

func TestResetClearsDBCTracking(t *testing.T) {
	r, _ := newTestReceive(4)
	first := buildAMDTPPacket(t, 1, 10, 4, 4, 0)
	r.OnPacket(first, 1, false)
	r.Reset()
	if r.Ring().ReadSpace() != 0 {
		t.Fatalf("ReadSpace after Reset = %d, want 0", r.Ring().ReadSpace())
	}
	// After Reset, DBC tracking is forgotten, so any DBC is accepted as the
	// new baseline rather than compared against the old expectation.
	second := buildAMDTPPacket(t, 1, 99, 4, 4, 0)
	if got := r.OnPacket(second, 1, false); got == ReceiveInvalid {
		t.Fatalf("disposition = %v, want packet accepted as a fresh baseline", got)
	}
}
