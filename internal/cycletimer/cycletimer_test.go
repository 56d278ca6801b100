package cycletimer

import (
	"testing"

	"pgregory.net/rapid"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ct := CT{
			Seconds: uint8(rapid.IntRange(0, WrapSeconds-1).Draw(t, "seconds")),
			Cycles:  uint16(rapid.IntRange(0, (1<<CycleBits)-1).Draw(t, "cycles")),
			Offset:  uint16(rapid.IntRange(0, (1<<OffsetBits)-1).Draw(t, "offset")),
		}
		got := Unpack(ct.Pack())
		if got != ct {
			t.Fatalf("Pack/Unpack not inverse: got %+v, want %+v", got, ct)
		}
	})
}

func TestCTToTicksToCTRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ct := CT{
			Seconds: uint8(rapid.IntRange(0, WrapSeconds-1).Draw(t, "seconds")),
			Cycles:  uint16(rapid.IntRange(0, CyclesPerSecond-1).Draw(t, "cycles")),
			Offset:  uint16(rapid.IntRange(0, TicksPerCycle-1).Draw(t, "offset")),
		}
		ticks := CTToTicks(ct)
		got := TicksToCT(ticks)
		if got != ct {
			t.Fatalf("CTToTicks/TicksToCT not inverse: got %+v, want %+v (ticks=%d)", got, ct, ticks)
		}
	})
}

func TestAddSubTicksAreInverse(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ts := Timestamp(rapid.Uint64Range(0, uint64(WrapTicks)-1).Draw(t, "ts"))
		delta := rapid.Int64Range(-int64(WrapTicks/2), int64(WrapTicks/2)).Draw(t, "delta")
		forward := AddTicks(ts, delta)
		back := SubTicks(forward, delta)
		if back != ts {
			t.Fatalf("AddTicks/SubTicks not inverse: ts=%d delta=%d forward=%d back=%d", ts, delta, forward, back)
		}
	})
}

func TestDiffCyclesAntisymmetric(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.Uint32Range(0, ringSize-1).Draw(t, "a")
		b := rapid.Uint32Range(0, ringSize-1).Draw(t, "b")
		d1 := DiffCycles(a, b)
		d2 := DiffCycles(b, a)
		if d1 != -d2 {
			// The half-ring tie point is its own negation's edge case.
			if d1 == int32(ringSize/2) && d2 == int32(ringSize/2) {
				return
			}
			t.Fatalf("DiffCycles(a,b) != -DiffCycles(b,a): a=%d b=%d d1=%d d2=%d", a, b, d1, d2)
		}
	})
}

func TestDiffCyclesBounded(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.Uint32Range(0, ringSize-1).Draw(t, "a")
		b := rapid.Uint32Range(0, ringSize-1).Draw(t, "b")
		d := DiffCycles(a, b)
		if d > int32(ringSize/2) || d < -int32(ringSize/2) {
			t.Fatalf("DiffCycles out of range: %d", d)
		}
	})
}

func TestDiffCyclesZero(t *testing.T) {
	if d := DiffCycles(12345, 12345); d != 0 {
		t.Fatalf("DiffCycles(x,x) = %d, want 0", d)
	}
}

func TestFullCycleNumberMatchesPack(t *testing.T) {
	ct := CT{Seconds: 3, Cycles: 7999, Offset: 1500}
	got := FullCycleNumber(ct)
	want := ct.Pack() >> OffsetBits
	if got != want {
		t.Fatalf("FullCycleNumber = %d, want %d", got, want)
	}
	if got >= ringSize {
		t.Fatalf("FullCycleNumber %d exceeds DiffCycles ring size %d", got, ringSize)
	}
}

func TestSPHRoundTripSameSecond(t *testing.T) {
	ctNow := CT{Seconds: 10, Cycles: 4000, Offset: 100}
	sph := FullTicksToSph(uint64(CTToTicks(CT{Seconds: 10, Cycles: 4001, Offset: 200})))
	got := SPHRecvToFullTicks(sph, ctNow)
	want := Timestamp(CTToTicks(CT{Seconds: 10, Cycles: 4001, Offset: 200}))
	if got != want {
		t.Fatalf("SPHRecvToFullTicks = %d, want %d", got, want)
	}
}

func TestSPHRoundTripPreviousSecondWrap(t *testing.T) {
	// ctNow just after a second boundary; the SPH was stamped just before it,
	// so its cycle count looks far ahead of ctNow's own.
	ctNow := CT{Seconds: 5, Cycles: 10, Offset: 0}
	sentAt := CT{Seconds: 4, Cycles: 7995, Offset: 0}
	sph := FullTicksToSph(uint64(CTToTicks(sentAt)))
	got := SPHRecvToFullTicks(sph, ctNow)
	want := Timestamp(CTToTicks(sentAt))
	if got != want {
		t.Fatalf("SPHRecvToFullTicks (prev-second) = %d, want %d", got, want)
	}
}

func TestSPHRoundTripNextSecondWrap(t *testing.T) {
	ctNow := CT{Seconds: 4, Cycles: 7995, Offset: 0}
	sentAt := CT{Seconds: 5, Cycles: 10, Offset: 0}
	sph := FullTicksToSph(uint64(CTToTicks(sentAt)))
	got := SPHRecvToFullTicks(sph, ctNow)
	want := Timestamp(CTToTicks(sentAt))
	if got != want {
		t.Fatalf("SPHRecvToFullTicks (next-second) = %d, want %d", got, want)
	}
}
