package loopcore

import (
	"sync"

	"github.com/GeoffreyPlitt/debuggo"
)

var samplerDebug = debuggo.Debug("loopcore:samplersynth")

// NumVoices is the size of SamplerSynth's voice pool.
const NumVoices = 16

// SamplerSynth is the polyphonic, pitch-shifted, envelope-shaped
// sample player described in spec.md §4.3. It implements
// CommandDispatcher so a SyncTimer can drive it directly.
type SamplerSynth struct {
	mu     sync.Mutex
	sounds map[*ClipAudioSource]*SamplerSynthSound
	voices [NumVoices]Voice

	deviceSampleRate float64

	channelEnabled [16]bool
}

// NewSamplerSynth constructs a SamplerSynth rendering at
// deviceSampleRate (the JACK server's sample rate).
func NewSamplerSynth(deviceSampleRate float64) *SamplerSynth {
	s := &SamplerSynth{
		sounds:           make(map[*ClipAudioSource]*SamplerSynthSound),
		deviceSampleRate: deviceSampleRate,
	}
	for i := range s.channelEnabled {
		s.channelEnabled[i] = true
	}
	return s
}

// RegisterClip decodes and attaches clip's parallel SamplerSynthSound.
func (s *SamplerSynth) RegisterClip(clip *ClipAudioSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sounds[clip] = newSamplerSynthSound(clip)
	samplerDebug("registered clip %s", clip.Path)
}

// UnregisterClip detaches clip's sound table entry. Voices already
// holding the sound continue until they naturally stop.
func (s *SamplerSynth) UnregisterClip(clip *ClipAudioSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sounds, clip)
	samplerDebug("unregistered clip %s", clip.Path)
}

// SetChannelEnabled sets a per-channel enable bit. The bit is consulted
// only when a ClipCommand is handled: commands addressed to a disabled
// channel (0-15) are dropped, stop commands included. Voices already
// sounding are unaffected; rendering does not consult the bit.
func (s *SamplerSynth) SetChannelEnabled(channel int, enabled bool) {
	if channel < 0 || channel >= len(s.channelEnabled) {
		return
	}
	s.mu.Lock()
	s.channelEnabled[channel] = enabled
	s.mu.Unlock()
}

func (s *SamplerSynth) channelIsEnabled(channel int) bool {
	if channel < 0 || channel >= len(s.channelEnabled) {
		return true
	}
	return s.channelEnabled[channel]
}

// HandleClipCommand dispatches cmd per spec.md §4.3's command-handling
// table. jackPlayhead is accepted to match the real-time audio
// thread's call signature and is not otherwise used.
func (s *SamplerSynth) HandleClipCommand(cmd *ClipCommand, jackPlayhead uint64) {
	if cmd == nil || cmd.Clip == nil {
		return
	}
	if !s.channelIsEnabled(cmd.MidiChannel) && cmd.MidiChannel >= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sound, ok := s.sounds[cmd.Clip]
	if !ok {
		return
	}

	if cmd.StopPlayback {
		for i := range s.voices {
			v := &s.voices[i]
			if v.active && v.sound == sound && v.note() == cmd.MidiNote {
				v.stopNote(false)
			}
		}
		return
	}

	if existing := s.findActiveVoice(sound, cmd); existing != nil {
		if cmd.StartPlayback {
			existing.restart(cmd.Clip.SliceByIndex(cmd.Slice))
			return
		}
		existing.mergeMutation(cmd)
		return
	}

	if cmd.StartPlayback {
		voice := s.firstInactiveVoice()
		if voice == nil {
			samplerDebug("voice pool exhausted, dropping startPlayback for note %d", cmd.MidiNote)
			return
		}
		slice := cmd.Clip.SliceByIndex(cmd.Slice)
		voice.start(sound, cmd, slice, s.deviceSampleRate)
	}
}

func (s *SamplerSynth) findActiveVoice(sound *SamplerSynthSound, cmd *ClipCommand) *Voice {
	for i := range s.voices {
		v := &s.voices[i]
		if v.active && v.sound == sound && v.note() == cmd.MidiNote {
			return v
		}
	}
	return nil
}

func (s *SamplerSynth) firstInactiveVoice() *Voice {
	for i := range s.voices {
		if s.voices[i].isFree() {
			return &s.voices[i]
		}
	}
	return nil
}

// StartClipLoop and StopClipLoop satisfy CommandDispatcher for the
// StartClipLoop/StopClipLoop TimerCommand operations, which set the
// loop flag on the matching command without otherwise restarting
// playback.
func (s *SamplerSynth) StartClipLoop(cmd *ClipCommand) {
	cmd.ChangeLooping = true
	cmd.Looping = true
	s.HandleClipCommand(cmd, 0)
}

func (s *SamplerSynth) StopClipLoop(cmd *ClipCommand) {
	cmd.ChangeLooping = true
	cmd.Looping = false
	s.HandleClipCommand(cmd, 0)
}

// StopAllPlayback forces every active voice to stop without a tail-off.
func (s *SamplerSynth) StopAllPlayback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.voices {
		if s.voices[i].active {
			s.voices[i].stopNote(false)
		}
	}
}

// StartAllPlayback is a no-op at the synth level: global transport
// start is owned by SyncTimer.Start, not by SamplerSynth.
func (s *SamplerSynth) StartAllPlayback() {}

// RenderPeriod mixes nframes of audio into left/right, which must
// already be sized to nframes and zeroed by the caller.
func (s *SamplerSynth) RenderPeriod(left, right []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.voices {
		v := &s.voices[i]
		if !v.active {
			continue
		}
		for n := range left {
			l, r, ok := v.renderSample()
			left[n] += l
			right[n] += r
			if !ok {
				break
			}
		}
	}
}
