package loopcore

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// fakeSink is a midiSink that records writes in memory and can be
// told to reject writes past a capacity, modeling JACK's ENOBUFS.
type fakeSink struct {
	capacity int
	written  []sinkWrite
	cleared  int
}

type sinkWrite struct {
	frame uint32
	data  []byte
}

func (s *fakeSink) clear() { s.cleared++; s.written = nil }

func (s *fakeSink) write(frame uint32, data []byte) error {
	if s.capacity > 0 && len(s.written) >= s.capacity {
		return ErrNoBufferSpace
	}
	cp := append([]byte(nil), data...)
	s.written = append(s.written, sinkWrite{frame: frame, data: cp})
	return nil
}

func (s *fakeSink) maxEventSize() uint32 { return 1024 }

// TestSixteenStepSequence is scenario 1 from spec.md §8: sixteen note
// on/off pairs scheduled on a regular 24-subbeat grid should surface
// as 32 strictly-increasing-frame events once drained.
func TestSixteenStepSequence(t *testing.T) {
	st := NewSyncTimer(nil, nil)
	defer st.Close()
	st.Start(120)

	for i := 0; i < 16; i++ {
		st.ScheduleNote(60, 0, true, 100, 12, i*24)
	}

	sink := &fakeSink{}
	// drainSteps re-derives the grid from sampleRate and BPM after every
	// step, so the seed grid matches it: 48000 * 60 / (120 * 96) = 250.
	framesPerSubbeat := 250.0
	framesPlayed := uint64(0)

	// The last note-off sits on step 15*24+12 = 372, frame 373*250 =
	// 93250; 188 periods of 512 frames (about 2 s at 48 kHz) cover it.
	var allWrites []sinkWrite
	var absFrames []uint64
	for period := 0; period < 188; period++ {
		sink.clear()
		scratch, next := st.drainSteps(framesPlayed, 512, framesPerSubbeat, 48000, sink, nil)
		if len(scratch) != 0 {
			t.Fatalf("unexpected overflow in period %d", period)
		}
		for _, w := range sink.written {
			absFrames = append(absFrames, framesPlayed+uint64(w.frame))
		}
		allWrites = append(allWrites, sink.written...)
		framesPlayed = next
	}

	if len(allWrites) != 32 {
		t.Fatalf("expected 32 events (16 on/off pairs), got %d", len(allWrites))
	}
	for i := 1; i < len(absFrames); i++ {
		if absFrames[i] <= absFrames[i-1] {
			t.Fatalf("event %d at frame %d does not follow event %d at frame %d", i, absFrames[i], i-1, absFrames[i-1])
		}
	}
}

// TestOverflowingMidiStep is scenario 3: when the sink rejects writes
// (ENOBUFS), the overflow must be retried at frame 0 of the next
// period, in original order — never dropped, never reordered.
func TestOverflowingMidiStep(t *testing.T) {
	st := NewSyncTimer(nil, nil)
	defer st.Close()
	st.Start(120)

	const count = 2000
	for i := 0; i < count; i++ {
		st.ScheduleNote(uint8(i%128), 0, true, 100, 0, 0)
	}

	sink := &fakeSink{capacity: 100}
	scratch, _ := st.drainSteps(0, 512, 100, 48000, sink, nil)

	if len(sink.written) != 100 {
		t.Fatalf("expected exactly capacity (100) events written, got %d", len(sink.written))
	}
	if len(scratch) != count-100 {
		t.Fatalf("expected %d overflowed events, got %d", count-100, len(scratch))
	}

	// Retry at frame 0 on the next period, in original order.
	sink.capacity = 0
	sink.clear()
	for _, ev := range scratch {
		if err := sink.write(0, ev.Data); err != nil {
			t.Fatalf("retry should not fail once capacity is lifted: %v", err)
		}
	}
	if len(sink.written) != count-100 {
		t.Fatalf("expected all overflowed events to be retried, got %d", len(sink.written))
	}
	for _, w := range sink.written {
		if w.frame != 0 {
			t.Fatalf("retried events must land at frame 0, got %d", w.frame)
		}
	}
}

// TestStopDrainCorrectness is scenario 6: stop() forces every pending
// ClipCommand to volume 0 and emits every pending note-off immediately,
// while suppressing note-ons scheduled for the future.
func TestStopDrainCorrectness(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	st := NewSyncTimer(dispatcher, nil)
	defer st.Close()
	st.Start(120)

	st.ScheduleNote(60, 0, true, 100, 0, 5)
	st.ScheduleNote(60, 0, false, 0, 0, 5)
	st.ScheduleNote(64, 0, true, 100, 0, 50) // future note-on

	clip := &ClipAudioSource{}
	cmd := st.GetClipCommand()
	cmd.Clip = clip
	cmd.MidiNote = 60
	cmd.StartPlayback = true
	st.ScheduleClipCommand(cmd, 5)

	zeroIdx := st.resolveDelayedStep(5)
	futureIdx := st.resolveDelayedStep(50)

	st.Stop()

	relayIdx := (st.stepReadHead.Load() + 1) % StepRingCount

	relayStep := st.ring.at(relayIdx)
	foundOff := false
	for _, ev := range relayStep.midiBuffer {
		if isNoteOff(ev.Data) && ev.Data[1] == 60 {
			foundOff = true
		}
	}
	if !foundOff {
		t.Fatalf("expected a relayed note-off for note 60 in the immediate next step (idx %d)", relayIdx)
	}

	futureStep := st.ring.at(futureIdx)
	if len(futureStep.midiBuffer) != 0 {
		t.Fatalf("future note-on must not survive stop(), found %d events in step %d", len(futureStep.midiBuffer), futureIdx)
	}

	zeroStep := st.ring.at(zeroIdx)
	if len(zeroStep.midiBuffer) != 0 {
		t.Fatalf("drained step must be cleared after stop(), found %d events", len(zeroStep.midiBuffer))
	}

	if len(dispatcher.volumes) == 0 {
		t.Fatal("expected at least one volume=0 ClipCommand dispatched on stop")
	}
	for _, v := range dispatcher.volumes {
		if v != 0 {
			t.Fatalf("stop() must force every pending ClipCommand to volume 0, got %v", v)
		}
	}
}

// recordingDispatcher implements CommandDispatcher and records the
// volume of every ClipCommand it receives.
type recordingDispatcher struct {
	volumes []float64
}

func (d *recordingDispatcher) HandleClipCommand(cmd *ClipCommand, jackPlayhead uint64) {
	if cmd.ChangeVolume {
		d.volumes = append(d.volumes, cmd.Volume)
	}
}
func (d *recordingDispatcher) SetChannelEnabled(channel int, enabled bool) {}
func (d *recordingDispatcher) RegisterClip(clip *ClipAudioSource)         {}
func (d *recordingDispatcher) UnregisterClip(clip *ClipAudioSource)       {}
func (d *recordingDispatcher) StartClipLoop(cmd *ClipCommand)             {}
func (d *recordingDispatcher) StopClipLoop(cmd *ClipCommand)              {}
func (d *recordingDispatcher) StopAllPlayback()                           {}
func (d *recordingDispatcher) StartAllPlayback()                          {}

// TestClipCommandMergeIdempotence is the merge-idempotence invariant
// from spec.md §8: scheduling two equivalent commands at the same
// delay leaves exactly one surviving command with the union of
// changeX flags and the later command's values.
func TestClipCommandMergeIdempotence(t *testing.T) {
	st := NewSyncTimer(nil, nil)
	defer st.Close()
	st.Start(120)

	clip := &ClipAudioSource{}

	first := st.GetClipCommand()
	first.Clip = clip
	first.MidiNote = 60
	first.ChangeGain = true
	first.GainDb = -6
	st.ScheduleClipCommand(first, 10)

	second := st.GetClipCommand()
	second.Clip = clip
	second.MidiNote = 60
	second.ChangeVolume = true
	second.Volume = 0.5
	st.ScheduleClipCommand(second, 10)

	idx := st.targetStepIndex(10)
	step := st.ring.at(idx)
	if len(step.clipCommands) != 1 {
		t.Fatalf("expected exactly one surviving ClipCommand, got %d", len(step.clipCommands))
	}
	merged := step.clipCommands[0]
	if !merged.ChangeGain || !merged.ChangeVolume {
		t.Fatalf("expected union of changeX flags, got %+v", merged)
	}
	if merged.Volume != 0.5 {
		t.Fatalf("expected later command's volume to win, got %v", merged.Volume)
	}
}

// TestBoundedLookAhead is the bounded-look-ahead invariant from
// spec.md §8: cumulativeBeat - jackPlayhead never exceeds
// 2*scheduleAheadAmount.
func TestBoundedLookAhead(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("cumulativeBeat stays within 2*scheduleAheadAmount of jackPlayhead", prop.ForAll(
		func(bpm float64, steps int) bool {
			st := NewSyncTimer(nil, nil)
			defer st.Close()
			st.Start(bpm)

			for i := 0; i < steps; i++ {
				st.hiResTimerCallback()
				st.jackPlayhead.Add(1)
			}

			bound := 2 * uint64(st.ScheduleAheadAmount())
			diff := st.CumulativeBeat() - st.JackPlayhead()
			return diff <= bound
		},
		gen.Float64Range(MinBPM, MaxBPM),
		gen.IntRange(0, 200),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

// TestMonotonicJackPlayhead is the monotonicity invariant from
// spec.md §8: jackPlayhead never decreases while running.
func TestMonotonicJackPlayhead(t *testing.T) {
	st := NewSyncTimer(nil, nil)
	defer st.Close()
	st.Start(120)

	st.ScheduleNote(60, 0, true, 100, 0, 0)
	st.ScheduleNote(62, 0, true, 100, 0, 5)
	st.ScheduleNote(64, 0, true, 100, 0, 10)

	sink := &fakeSink{}
	framesPlayed := uint64(0)
	last := st.JackPlayhead()
	for period := 0; period < 5; period++ {
		_, next := st.drainSteps(framesPlayed, 256, 50, 48000, sink, nil)
		framesPlayed = next
		current := st.JackPlayhead()
		if current < last {
			t.Fatalf("jackPlayhead decreased: %d -> %d", last, current)
		}
		last = current
	}
}
