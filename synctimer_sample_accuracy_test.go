package loopcore

import "testing"

// TestSampleAccurateDelayPlacement is the sample-accuracy invariant
// from spec.md §8: an event scheduled at a delay at or beyond
// scheduleAheadAmount lands on the subbeat-aligned frame the
// delayed-step-resolution algorithm predicts, not some later or
// earlier frame drifted by period boundaries.
func TestSampleAccurateDelayPlacement(t *testing.T) {
	st := NewSyncTimer(nil, nil)
	defer st.Close()
	st.Start(120)

	const framesPerSubbeat = 64.0
	const nframes = 32 // smaller than framesPerSubbeat, so a step can straddle periods
	const sampleRate = 48000.0

	delay := st.ScheduleAheadAmount() + 5
	st.ScheduleNote(60, 0, true, 100, 0, delay)

	want := uint64(float64(delay+1) * framesPerSubbeat)

	sink := &fakeSink{}
	framesPlayed := uint64(0)
	var gotFrame uint64
	found := false

	for period := 0; !found && period < 1000; period++ {
		sink.clear()
		scratch, next := st.drainSteps(framesPlayed, nframes, framesPerSubbeat, sampleRate, sink, nil)
		if len(scratch) != 0 {
			t.Fatalf("unexpected overflow in period %d", period)
		}
		for _, w := range sink.written {
			if isNoteOn(w.data) {
				gotFrame = framesPlayed + uint64(w.frame)
				found = true
				break
			}
		}
		framesPlayed = next
	}

	if !found {
		t.Fatal("scheduled note-on never appeared")
	}
	if gotFrame < want-framesPerSubbeat || gotFrame > want {
		t.Fatalf("expected the note-on within one subbeat below the predicted frame %d, got %d", want, gotFrame)
	}
}

func isNoteOn(data []byte) bool {
	return len(data) >= 3 && data[0]&0xF0 == 0x90 && data[2] > 0
}
