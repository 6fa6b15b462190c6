package loopcore

// adsrStage is the current phase of an ADSR envelope.
type adsrStage int

const (
	adsrIdle adsrStage = iota
	adsrAttack
	adsrDecay
	adsrSustain
	adsrRelease
)

// ADSRParameters mirrors JUCE's juce::ADSR::Parameters, which the
// original C++ SamplerSynthVoice drives directly: attack/decay/release
// in seconds, sustain as a 0..1 level.
type ADSRParameters struct {
	AttackSeconds  float64
	DecaySeconds   float64
	SustainLevel   float64
	ReleaseSeconds float64
}

// ADSR is a per-voice envelope generator. Voice.start sets
// AttackSeconds=0, DecaySeconds=0, SustainLevel=1, ReleaseSeconds=0,
// so by default the envelope behaves as a gate; callers may still
// drive it with a shaped envelope.
type ADSR struct {
	params     ADSRParameters
	sampleRate float64

	stage     adsrStage
	level     float64
	stageStep float64
}

func (a *ADSR) SetSampleRate(sr float64) { a.sampleRate = sr }

func (a *ADSR) SetParameters(p ADSRParameters) { a.params = p }

// NoteOn resets the envelope and begins the attack stage. If
// AttackSeconds is 0 it starts at full level in the decay stage, or
// straight in sustain when DecaySeconds is 0 too.
func (a *ADSR) NoteOn() {
	if a.params.AttackSeconds <= 0 {
		a.level = 1
		a.enterDecay()
		return
	}
	a.stage = adsrAttack
	a.level = 0
	a.stageStep = 1 / (a.params.AttackSeconds * a.sampleRate)
}

// NoteOff begins the release stage (or silences immediately if
// ReleaseSeconds is 0).
func (a *ADSR) NoteOff() {
	if a.params.ReleaseSeconds <= 0 {
		a.stage = adsrIdle
		a.level = 0
		return
	}
	a.stage = adsrRelease
	a.stageStep = a.level / (a.params.ReleaseSeconds * a.sampleRate)
}

// Reset forces the envelope back to silence, used when a voice is
// forcibly stopped without a tail-off.
func (a *ADSR) Reset() {
	a.stage = adsrIdle
	a.level = 0
}

func (a *ADSR) enterDecay() {
	if a.params.DecaySeconds <= 0 {
		a.stage = adsrSustain
		a.level = a.params.SustainLevel
		return
	}
	a.stage = adsrDecay
	a.stageStep = (1 - a.params.SustainLevel) / (a.params.DecaySeconds * a.sampleRate)
}

// IsActive reports whether the envelope still contributes audio.
func (a *ADSR) IsActive() bool { return a.stage != adsrIdle }

// Next advances the envelope by one sample and returns its gain.
func (a *ADSR) Next() float64 {
	switch a.stage {
	case adsrIdle:
		return 0
	case adsrAttack:
		a.level += a.stageStep
		if a.level >= 1 {
			a.level = 1
			a.enterDecay()
		}
	case adsrDecay:
		a.level -= a.stageStep
		if a.level <= a.params.SustainLevel {
			a.level = a.params.SustainLevel
			a.stage = adsrSustain
		}
	case adsrSustain:
		// steady state, nothing to advance
	case adsrRelease:
		a.level -= a.stageStep
		if a.level <= 0 {
			a.level = 0
			a.stage = adsrIdle
		}
	}
	return a.level
}
