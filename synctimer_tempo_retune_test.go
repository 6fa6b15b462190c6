package loopcore

import "testing"

// TestMidPeriodTempoRetuneReQuantizesLaterSteps is scenario 2 from
// spec.md §8: an in-line OpSetBpm TimerCommand retunes the subbeat
// duration mid-period, and every step after the one that dispatched it
// is re-quantized to the new duration within that same drainSteps
// call, rather than waiting for the next period.
func TestMidPeriodTempoRetuneReQuantizesLaterSteps(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	st := NewSyncTimer(dispatcher, nil)
	defer st.Close()
	st.Start(120)

	for i := 1; i <= 10; i++ {
		st.ScheduleNote(uint8(60+i), 0, true, 100, 0, i)
	}

	tc := st.GetTimerCommand()
	tc.Operation = OpSetBpm
	tc.DataParameter = 200.0
	st.ScheduleTimerCommand(6, tc)

	const sampleRate = 48000.0
	const framesPerSubbeat120 = 250.0 // 48000 * 60 / (120 * 96)
	const framesPerSubbeat200 = 150.0 // 48000 * 60 / (200 * 96)

	sink := &fakeSink{}
	scratch, _ := st.drainSteps(0, 2500, framesPerSubbeat120, sampleRate, sink, nil)
	if len(scratch) != 0 {
		t.Fatalf("unexpected overflow: %v", scratch)
	}

	frames := make(map[int]uint64)
	for _, w := range sink.written {
		if isNoteOn(w.data) {
			frames[int(w.data[1])] = uint64(w.frame)
		}
	}

	for i := 1; i <= 10; i++ {
		if _, ok := frames[60+i]; !ok {
			t.Fatalf("note %d never appeared", 60+i)
		}
	}

	// Steps scheduled before the retune (delays 1..6, the step that
	// carries the OpSetBpm command) are still spaced at the original
	// 120 BPM subbeat length.
	for i := 1; i < 6; i++ {
		gap := frames[60+i+1] - frames[60+i]
		if gap != framesPerSubbeat120 {
			t.Fatalf("delay %d->%d: expected a %v-frame gap at 120 BPM, got %d", i, i+1, framesPerSubbeat120, gap)
		}
	}

	// Steps from the retuned one onward use the new 200 BPM length.
	for i := 6; i < 10; i++ {
		gap := frames[60+i+1] - frames[60+i]
		if gap != framesPerSubbeat200 {
			t.Fatalf("delay %d->%d: expected a %v-frame gap at 200 BPM after the retune, got %d", i, i+1, framesPerSubbeat200, gap)
		}
	}

	if got := st.BPM(); got != 200.0 {
		t.Fatalf("expected BPM to stick at 200 after the retune, got %v", got)
	}
}
