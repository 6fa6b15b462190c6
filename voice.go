package loopcore

import "math"

// SamplerSynthSound is the parallel decoded buffer SamplerSynth keeps
// for a registered clip. It holds up to 2 channels of length+4
// samples (the 4-sample guard lets the interpolator read one sample
// past the end without a bounds check), per spec.md §4.3.
type SamplerSynthSound struct {
	Clip       *ClipAudioSource
	Channels   [][]float64 // up to 2, each len(source)+4
	SampleRate float64
	RootNote   int
}

func newSamplerSynthSound(clip *ClipAudioSource) *SamplerSynthSound {
	n := len(clip.Channels)
	if n > 2 {
		n = 2
	}
	if n == 0 {
		n = 1
	}
	sound := &SamplerSynthSound{
		Clip:       clip,
		SampleRate: clip.SampleRate,
		RootNote:   60, // middle C, the conventional unshifted pitch
		Channels:   make([][]float64, n),
	}
	for ch := 0; ch < n; ch++ {
		var src []float64
		if ch < len(clip.Channels) {
			src = clip.Channels[ch]
		} else {
			src = clip.Channels[0]
		}
		padded := make([]float64, len(src)+4)
		copy(padded, src)
		sound.Channels[ch] = padded
	}
	return sound
}

// Voice is one of NumVoices concurrent playback slots in SamplerSynth.
type Voice struct {
	sound  *SamplerSynthSound
	cmd    *ClipCommand
	active bool

	sourceSamplePosition float64
	pitchRatio           float64
	gainLeft, gainRight  float64

	slice Slice

	positionID int

	adsr ADSR
}

// isFree reports whether the voice can be claimed by a new
// startPlayback command.
func (v *Voice) isFree() bool { return !v.active }

// note returns the MIDI note the voice is currently sounding, or -1.
func (v *Voice) note() int {
	if v.cmd == nil {
		return -1
	}
	return v.cmd.MidiNote
}

// start configures the voice for a fresh startPlayback command per
// spec.md §4.3, computing the pitch ratio from equal temperament and
// the sample-rate ratio between the clip and the audio device.
func (v *Voice) start(sound *SamplerSynthSound, cmd *ClipCommand, slice Slice, deviceSampleRate float64) {
	v.sound = sound
	v.cmd = cmd
	v.active = true
	v.slice = slice

	v.pitchRatio = math.Pow(2, float64(cmd.MidiNote-sound.RootNote)/12.0) * sound.SampleRate / deviceSampleRate
	if cmd.ChangePitch {
		v.pitchRatio *= math.Pow(2, cmd.PitchChange/12.0)
	}
	if cmd.ChangeSpeed && cmd.SpeedRatio > 0 {
		v.pitchRatio *= cmd.SpeedRatio
	}

	v.sourceSamplePosition = slice.StartPosition * sound.SampleRate

	v.positionID = sound.Clip.positions.Acquire()

	v.applyGain(cmd)

	v.adsr.SetSampleRate(deviceSampleRate)
	v.adsr.SetParameters(ADSRParameters{AttackSeconds: 0, DecaySeconds: 0, SustainLevel: 1, ReleaseSeconds: 0})
	v.adsr.NoteOn()
}

// applyGain latches per-side gains from cmd.Volume and cmd.GainDb,
// each used only when its change flag is set, matching changeVolume's
// "immediately updates per-side gains" rule.
func (v *Voice) applyGain(cmd *ClipCommand) {
	volume := 1.0
	if cmd.ChangeVolume {
		volume = cmd.Volume
	}
	gainDb := 0.0
	if cmd.ChangeGain {
		gainDb = cmd.GainDb
	}
	linear := volume * math.Pow(10, gainDb/20.0)
	v.gainLeft = linear
	v.gainRight = linear
}

// mergeMutation folds a non-start/stop ClipCommand into the actively
// playing voice, per spec.md §4.3's "mutations without start/stop are
// merged into the voice's active command".
func (v *Voice) mergeMutation(cmd *ClipCommand) {
	if v.cmd == nil {
		return
	}
	v.cmd.mergeFrom(cmd)
	if cmd.ChangeLooping {
		v.cmd.Looping = cmd.Looping
	}
	if cmd.ChangeVolume || cmd.ChangeGain {
		v.applyGain(v.cmd)
	}
}

// restart rewinds playback position for a startPlayback issued while
// the voice is already sounding the same note/clip.
func (v *Voice) restart(slice Slice) {
	v.slice = slice
	v.sourceSamplePosition = slice.StartPosition * v.sound.SampleRate
	v.adsr.NoteOn()
}

// stopNote mirrors the original's stopNote(velocity, tailOff):
// tailOff=false forces the envelope to idle immediately and releases
// the voice; the caller is expected to drop its reference afterward.
func (v *Voice) stopNote(tailOff bool) {
	if tailOff {
		v.adsr.NoteOff()
		return
	}
	v.adsr.Reset()
	v.release()
}

// release detaches the voice's clip reference, marking it free for
// reuse and forgetting its position-id, matching "unless the voice
// has been released (clip reference cleared)" in spec.md §4.3.
func (v *Voice) release() {
	if v.sound != nil {
		v.sound.Clip.positions.Release(v.positionID)
	}
	v.active = false
	v.sound = nil
	v.cmd = nil
}

// renderSample renders one left/right output frame and advances
// playback state. Returns (left, right, stillActive).
func (v *Voice) renderSample() (float64, float64, bool) {
	if !v.active || v.sound == nil {
		return 0, 0, false
	}

	left, right := v.interpolate()
	env := v.adsr.Next()
	left *= env * v.gainLeft
	right *= env * v.gainRight

	v.sourceSamplePosition += v.pitchRatio

	stopFrame := v.slice.StopPosition * v.sound.SampleRate
	if v.sourceSamplePosition > stopFrame {
		if v.cmd != nil && v.cmd.Looping {
			v.sourceSamplePosition = v.slice.StartPosition * v.sound.SampleRate
		} else {
			v.stopNote(false)
			return left, right, false
		}
	}

	if !v.adsr.IsActive() {
		v.release()
		return left, right, false
	}

	normalized := v.sourceSamplePosition / (v.sound.Clip.Duration * v.sound.SampleRate)
	v.sound.Clip.positions.Update(v.positionID, normalized)

	return left, right, true
}

// interpolate linearly interpolates between floor(pos) and
// floor(pos)+1 on each source channel. Mono sounds duplicate to both
// output sides; stereo sources keep separate sides and are never
// summed to mono.
func (v *Voice) interpolate() (float64, float64) {
	pos := v.sourceSamplePosition
	idx := int(math.Floor(pos))
	frac := pos - math.Floor(pos)

	sample := func(ch []float64) float64 {
		if idx < 0 || idx+1 >= len(ch) {
			return 0
		}
		return ch[idx]*(1-frac) + ch[idx+1]*frac
	}

	if len(v.sound.Channels) == 1 {
		s := sample(v.sound.Channels[0])
		return s, s
	}
	return sample(v.sound.Channels[0]), sample(v.sound.Channels[1])
}
