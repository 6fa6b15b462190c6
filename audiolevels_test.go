package loopcore

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// fullScaleDbfs is the dBFS reading decayedPeak/convertToDbfs produce
// for a true full-scale (1.0) sample, given the original's asymmetric
// floatToIntMultiplier/intToFloatMultiplier scaling (AudioLevels.cpp
// converts up by 131072 but back down by only 0.2/131072).
var fullScaleDbfs = 20 * math.Log10(0.2)

// TestDecayedPeakFullScale checks that a fresh full-scale sample
// converts to the original's (quirky but faithfully-carried) -13.98
// dBFS reading, per spec.md §4.4 and AudioLevels.cpp's convertTodbFS.
func TestDecayedPeakFullScale(t *testing.T) {
	peak := decayedPeak(0, 1.0)
	got := convertToDbfs(float64(peak) * intToFloatMultiplier)
	if math.Abs(got-fullScaleDbfs) > 1e-6 {
		t.Fatalf("expected %v dBFS for a full-scale peak, got %v", fullScaleDbfs, got)
	}
}

// TestDecayedPeakSilenceClampsToFloor checks that a silent block
// (rawPeak == 0) decays to 0 and converts to the minDbfs floor rather
// than -Inf.
func TestDecayedPeakSilenceClampsToFloor(t *testing.T) {
	peak := decayedPeak(0, 0)
	if peak != 0 {
		t.Fatalf("expected silence to decay to a 0 linear peak, got %d", peak)
	}
	if got := convertToDbfs(float64(peak) * intToFloatMultiplier); got != minDbfs {
		t.Fatalf("expected silence to clamp to the floor %v, got %v", minDbfs, got)
	}
}

// TestDecayedPeakFallsAtFixedRatePerTick is the peak-decay invariant
// from spec.md §4.4/§8: the stored linear peak falls by exactly
// peakDecayPerTick (floored at 0) in the integer amplitude domain when
// the new scanned peak is silent, and a louder raw peak always wins
// over the decayed previous value, matching AudioLevels.cpp's
// qMax(0, peak - 10000) order of operations.
func TestDecayedPeakFallsAtFixedRatePerTick(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("a silent period decays the previous peak by exactly peakDecayPerTick, floored at 0", prop.ForAll(
		func(previous int64) bool {
			next := decayedPeak(previous, 0)
			want := previous - peakDecayPerTick
			if want < 0 {
				want = 0
			}
			return next == want
		},
		gen.Int64Range(0, int64(floatToIntMultiplier)),
	))

	properties.Property("a louder raw peak always wins over the decayed previous value", prop.ForAll(
		func(previous int64, raw float64) bool {
			next := decayedPeak(previous, raw)
			sampleInt := int64(floatToIntMultiplier * raw)
			return next >= sampleInt
		},
		gen.Int64Range(0, int64(floatToIntMultiplier)),
		gen.Float64Range(0.5, 1.0),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

// TestPeakDecayReachesFloorWithinSpecRange checks the wall-clock
// fall-off from a full-scale peak lands in spec.md §4.4's ~430-470ms
// window at the 30Hz metering tick rate, not the much faster fall-off
// a dB-domain decay would produce.
func TestPeakDecayReachesFloorWithinSpecRange(t *testing.T) {
	al := NewAudioLevels()
	client := al.Client(LevelsClientCapture)
	client.captureBuffers([]float64{1.0}, []float64{0})
	al.tick()

	client.captureBuffers([]float64{0}, []float64{0})
	ticks := 0
	for client.peakA.Load() > 0 {
		al.tick()
		ticks++
		if ticks > 100 {
			t.Fatal("peak never decayed to the floor")
		}
	}
	seconds := float64(ticks) / 30.0
	if seconds < 0.43 || seconds > 0.47 {
		t.Fatalf("expected the full-scale fall-off to take 430-470ms, got %.3fs over %d ticks", seconds, ticks)
	}
}

// TestScanPeakFindsAbsoluteMax checks scanPeak picks up negative-going
// peaks too.
func TestScanPeakFindsAbsoluteMax(t *testing.T) {
	got := scanPeak([]float64{0.1, -0.8, 0.3, 0.5})
	if got != 0.8 {
		t.Fatalf("expected peak 0.8, got %v", got)
	}
}

// TestClientTickPeakHoldFollowsLouderChannel exercises AudioLevels.tick
// end to end: feeding one loud buffer should raise both the per-channel
// reading and the playback-style peak hold.
func TestClientTickPeakHoldFollowsLouderChannel(t *testing.T) {
	al := NewAudioLevels()
	client := al.Client(LevelsClientPlayback)
	client.captureBuffers([]float64{1.0, 0, 0}, []float64{0, 0, 0})

	al.tick()

	dbA := client.DbfsA()
	if math.Abs(dbA-fullScaleDbfs) > 1e-6 {
		t.Fatalf("expected channel A to read %v dBFS after a full-scale sample, got %v", fullScaleDbfs, dbA)
	}
	hold := client.HoldDbfs()
	if hold < dbA-1e-9 {
		t.Fatalf("peak hold must track the loudest reading, got hold=%v dbA=%v", hold, dbA)
	}
}

// TestInterleaveToInt16RoundTrip is the WAV-path round-trip invariant
// from spec.md §8: encoding a known float buffer to interleaved int16
// samples must recover the same values (within 1 LSB) when decoded
// back to floats, and channel order must be preserved.
func TestInterleaveToInt16RoundTrip(t *testing.T) {
	left := []float64{1.0, -1.0, 0.5, -0.5, 0.0}
	right := []float64{-1.0, 1.0, -0.25, 0.25, 0.0}

	interleaved := interleaveToInt16([][]float64{left, right})
	if len(interleaved) != len(left)*2 {
		t.Fatalf("expected %d interleaved samples, got %d", len(left)*2, len(interleaved))
	}

	for i := range left {
		gotL := interleaved[i*2]
		gotR := interleaved[i*2+1]

		wantL := int(clamp(left[i]) * 32767)
		wantR := int(clamp(right[i]) * 32767)
		if gotL != wantL {
			t.Fatalf("frame %d left: expected %d, got %d", i, wantL, gotL)
		}
		if gotR != wantR {
			t.Fatalf("frame %d right: expected %d, got %d", i, wantR, gotR)
		}

		decodedL := float64(gotL) / 32767
		if math.Abs(decodedL-clamp(left[i])) > 1.0/32767 {
			t.Fatalf("frame %d left: round trip drifted beyond 1 LSB, got %v want %v", i, decodedL, clamp(left[i]))
		}
	}
}

// TestInterleaveToInt16ClampsOutOfRange checks that samples outside
// [-1, 1] are clamped rather than wrapping or overflowing int16 range.
func TestInterleaveToInt16ClampsOutOfRange(t *testing.T) {
	out := interleaveToInt16([][]float64{{1.5, -2.0}})
	if out[0] != 32767 {
		t.Fatalf("expected clamp to +32767, got %d", out[0])
	}
	if out[1] != -32767 {
		t.Fatalf("expected clamp to -32767, got %d", out[1])
	}
}

// TestInterleaveToInt16UnevenChannelsZeroPads checks that a shorter
// channel buffer is zero-padded rather than panicking.
func TestInterleaveToInt16UnevenChannelsZeroPads(t *testing.T) {
	out := interleaveToInt16([][]float64{{1.0, 1.0}, {1.0}})
	if len(out) != 4 {
		t.Fatalf("expected 4 interleaved samples, got %d", len(out))
	}
	if out[3] != 0 {
		t.Fatalf("expected the missing second frame of channel 1 to zero-pad, got %d", out[3])
	}
}

func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
