package loopcore

import "testing"

// newTestLoopVoice builds a Voice over a one-second, 1kHz clip with a
// looping [0.2s, 0.5s] slice, matching the loop-boundary scenario from
// spec.md §8.
func newTestLoopVoice(t *testing.T) (*Voice, Slice) {
	t.Helper()
	clip := &ClipAudioSource{
		SampleRate: 1000,
		Duration:   1.0,
		Channels:   [][]float64{make([]float64, 1000)},
		positions:  newPositionsModel(),
	}
	sound := newSamplerSynthSound(clip)

	slice := Slice{Name: "loop", StartPosition: 0.2, StopPosition: 0.5}
	cmd := &ClipCommand{Clip: clip, MidiNote: 60, Looping: true}

	v := &Voice{}
	v.start(sound, cmd, slice, clip.SampleRate)
	return v, slice
}

// TestVoiceLoopBoundaryWrapsToSliceStart is the loop-boundary scenario
// from spec.md §8: once sourceSamplePosition crosses the slice's stop
// frame, it must reset to exactly the slice's start frame rather than
// running past the end of the source buffer.
func TestVoiceLoopBoundaryWrapsToSliceStart(t *testing.T) {
	v, slice := newTestLoopVoice(t)
	startFrame := slice.StartPosition * v.sound.SampleRate
	stopFrame := slice.StopPosition * v.sound.SampleRate

	sawWrap := false
	for i := 0; i < 10*int(stopFrame-startFrame)+1; i++ {
		before := v.sourceSamplePosition
		_, _, active := v.renderSample()
		if !active {
			t.Fatalf("a looping voice must stay active, stopped at iteration %d", i)
		}
		if v.sourceSamplePosition < before {
			sawWrap = true
			if v.sourceSamplePosition != startFrame {
				t.Fatalf("expected wrap to reset exactly to the slice start frame %v, got %v", startFrame, v.sourceSamplePosition)
			}
		}
		if v.sourceSamplePosition > stopFrame+v.pitchRatio {
			t.Fatalf("position %v exceeded the stop frame %v by more than one step", v.sourceSamplePosition, stopFrame)
		}
	}
	if !sawWrap {
		t.Fatal("expected at least one loop wrap over 10 loop lengths of rendering")
	}
}

// TestVoiceNonLoopingStopsAtSliceEnd checks that a non-looping voice
// releases once it crosses the slice's stop frame, rather than
// wrapping.
func TestVoiceNonLoopingStopsAtSliceEnd(t *testing.T) {
	v, slice := newTestLoopVoice(t)
	v.cmd.Looping = false

	stopFrame := slice.StopPosition * v.sound.SampleRate
	steps := int(stopFrame-v.sourceSamplePosition) + 2

	stopped := false
	for i := 0; i < steps; i++ {
		_, _, active := v.renderSample()
		if !active {
			stopped = true
			break
		}
	}
	if !stopped {
		t.Fatal("expected the non-looping voice to release once it crossed the slice end")
	}
	if v.active {
		t.Fatal("expected the voice to be released (inactive) after stopping at the slice end")
	}
}
