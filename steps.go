package loopcore

import "sync/atomic"

// Beat-grid constants. A bar is BeatsPerBar beats; a beat is
// BeatSubdivisions ticks. A MIDI beat-clock pulse (0xF8, 24 PPQ) is
// emitted every TicksPerMidiBeatClock ticks.
const (
	BeatSubdivisions      = 96
	BeatsPerBar           = 4
	TicksPerBar           = BeatSubdivisions * BeatsPerBar
	TicksPerMidiBeatClock = 3

	MinBPM = 50
	MaxBPM = 200

	// StepRingCount is the number of slots in SyncTimer's step ring.
	// At 200 BPM, StepRingCount*subbeat exceeds 1.5 minutes of
	// look-ahead.
	StepRingCount = 32768

	// FreshCommandStashSize is the capacity of the single-producer/
	// single-consumer ring reporting sampler-consumed ClipCommands.
	FreshCommandStashSize = 4096

	// commandPoolSize is the capacity of each of the two preallocated
	// command pools (ClipCommand, TimerCommand).
	commandPoolSize = 4096
)

// subbeatNanos returns the duration in nanoseconds of one subbeat
// (1/96th of a quarter note) at the given BPM.
func subbeatNanos(bpm float64) float64 {
	return 60e9 / (bpm * BeatSubdivisions)
}

// MidiEvent is one MIDI message with a sub-frame offset inside its
// owning Step.
type MidiEvent struct {
	Offset uint32 // sub-frame offset within the step, in frames
	Data   []byte
}

// TimerOperation enumerates the TimerCommand operations from spec.md
// §3.
type TimerOperation int

const (
	OpInvalid TimerOperation = iota
	OpStopPlayback
	OpStartPlayback
	OpStartClipLoop
	OpStopClipLoop
	OpClipCommand
	OpSamplerChannelEnabledState
	OpSetBpm
	OpRegisterCAS
	OpUnregisterCAS
	OpStartPart
	OpStopPart
)

// TimerCommand is a scheduled control-plane operation.
type TimerCommand struct {
	Operation       TimerOperation
	Parameter       int
	Parameter2      int
	Parameter3      int
	DataParameter   interface{}
	VariantParameter interface{}

	poolIndex int
}

// Special MIDI-channel sentinels used by ClipCommand (spec.md §3).
const (
	ChannelGlobalEffected   = -1
	ChannelGlobalUneffected = -2
)

// ClipCommand addresses one sampler action. Two commands are
// "equivalent" (and therefore merge on insertion) iff they target the
// same clip and either reference the same slice, or neither changes
// the slice and they share (MidiNote, MidiChannel).
type ClipCommand struct {
	Clip       *ClipAudioSource
	MidiNote   int
	MidiChannel int
	Slice      int

	StartPlayback bool
	StopPlayback  bool

	ChangeSlice    bool
	ChangeLooping  bool
	Looping        bool
	ChangePitch    bool
	PitchChange    float64
	ChangeSpeed    bool
	SpeedRatio     float64
	ChangeGain     bool
	GainDb         float64
	ChangeVolume   bool
	Volume         float64

	poolIndex int
}

// EquivalentTo reports whether cmd and other should be merged rather
// than both scheduled, per spec.md §3.
func (cmd *ClipCommand) EquivalentTo(other *ClipCommand) bool {
	if cmd.Clip != other.Clip {
		return false
	}
	if cmd.ChangeSlice && other.ChangeSlice {
		return cmd.Slice == other.Slice
	}
	if !cmd.ChangeSlice && !other.ChangeSlice {
		return cmd.MidiNote == other.MidiNote && cmd.MidiChannel == other.MidiChannel
	}
	return false
}

// mergeFrom folds the changeX fields of "incoming" into cmd, per the
// ClipCommand-merge-idempotence invariant (spec.md §8): the union of
// changeX flags survives, with values taken from the later-scheduled
// (incoming) command.
func (cmd *ClipCommand) mergeFrom(incoming *ClipCommand) {
	if incoming.StartPlayback {
		cmd.StartPlayback = true
	}
	if incoming.StopPlayback {
		cmd.StopPlayback = true
	}
	if incoming.ChangeLooping {
		cmd.ChangeLooping = true
		cmd.Looping = incoming.Looping
	}
	if incoming.ChangePitch {
		cmd.ChangePitch = true
		cmd.PitchChange = incoming.PitchChange
	}
	if incoming.ChangeSpeed {
		cmd.ChangeSpeed = true
		cmd.SpeedRatio = incoming.SpeedRatio
	}
	if incoming.ChangeGain {
		cmd.ChangeGain = true
		cmd.GainDb = incoming.GainDb
	}
	if incoming.ChangeVolume {
		cmd.ChangeVolume = true
		cmd.Volume = incoming.Volume
	}
	if incoming.ChangeSlice {
		cmd.ChangeSlice = true
		cmd.Slice = incoming.Slice
	}
}

// Step is one ring slot representing one subbeat's worth of scheduled
// events. Producers only ever write into a step whose Played flag is
// true; the real-time consumer is the sole writer of Played=true, and
// drains a given step exactly once.
type Step struct {
	index uint64

	midiBuffer    []MidiEvent
	clipCommands  []*ClipCommand
	timerCommands []*TimerCommand

	played atomic.Bool
}

// ensureFresh reclaims the step's payload and clears Played if the
// step was last drained by the consumer. Called by every producer
// path before writing, per spec.md §4.1's delayed-step resolution.
func (s *Step) ensureFresh(st *SyncTimer, newIndex uint64) {
	if s.played.Load() {
		for _, tc := range s.timerCommands {
			st.deleteTimerCommandLocked(tc)
		}
		for _, cmd := range s.clipCommands {
			st.DeleteClipCommand(cmd)
		}
		s.midiBuffer = s.midiBuffer[:0]
		s.clipCommands = s.clipCommands[:0]
		s.timerCommands = s.timerCommands[:0]
		s.index = newIndex
		s.played.Store(false)
	}
}

// stepRing is the 32768-slot SPMC ring owned by a SyncTimer.
type stepRing struct {
	slots [StepRingCount]Step
}

func newStepRing() *stepRing {
	r := &stepRing{}
	for i := range r.slots {
		r.slots[i].index = uint64(i)
		r.slots[i].played.Store(true)
	}
	return r
}

func (r *stepRing) at(index uint64) *Step {
	return &r.slots[index%StepRingCount]
}
