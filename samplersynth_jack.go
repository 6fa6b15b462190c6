//go:build jack

package loopcore

import (
	"fmt"

	"github.com/xthexder/go-jack"
)

// JackSamplerSynth wires a SamplerSynth to a stereo JACK audio output
// pair, grounded on jackPlayer.go's audio_out port registration and
// renderVoices/renderVoice process-callback structure.
type JackSamplerSynth struct {
	synth *SamplerSynth

	client      *jack.Client
	outL, outR  *jack.Port

	left, right []float64
}

// NewJackSamplerSynth opens a JACK client named "loopcore-samplersynth"
// and registers its stereo output ports.
func NewJackSamplerSynth(synth *SamplerSynth) (*JackSamplerSynth, error) {
	client, err := jack.ClientOpen("loopcore-samplersynth", jack.NoStartServer)
	if err != nil || client == nil {
		return nil, fmt.Errorf("loopcore: failed to open JACK client for samplersynth: %v", err)
	}
	jss := &JackSamplerSynth{synth: synth, client: client}

	outL, err := client.PortRegister("audio_out_l", jack.DEFAULT_AUDIO_TYPE, jack.PortIsOutput, 0)
	if err != nil || outL == nil {
		client.Close()
		return nil, fmt.Errorf("loopcore: failed to register samplersynth left output: %v", err)
	}
	outR, err := client.PortRegister("audio_out_r", jack.DEFAULT_AUDIO_TYPE, jack.PortIsOutput, 0)
	if err != nil || outR == nil {
		client.Close()
		return nil, fmt.Errorf("loopcore: failed to register samplersynth right output: %v", err)
	}
	jss.outL, jss.outR = outL, outR

	client.SetProcessCallback(jss.processCallback)
	return jss, nil
}

// Activate activates the underlying JACK client.
func (j *JackSamplerSynth) Activate() error {
	if err := j.client.Activate(); err != nil {
		return fmt.Errorf("loopcore: failed to activate samplersynth JACK client: %w", err)
	}
	return nil
}

// Close deactivates and closes the JACK client.
func (j *JackSamplerSynth) Close() error {
	j.client.Deactivate()
	return j.client.Close()
}

func (j *JackSamplerSynth) processCallback(nframes uint32) int {
	if cap(j.left) < int(nframes) {
		j.left = make([]float64, nframes)
		j.right = make([]float64, nframes)
	}
	left := j.left[:nframes]
	right := j.right[:nframes]
	for i := range left {
		left[i] = 0
		right[i] = 0
	}

	j.synth.RenderPeriod(left, right)

	outL := jack.GetAudioSamples(j.outL.GetBuffer(nframes), nframes)
	outR := jack.GetAudioSamples(j.outR.GetBuffer(nframes), nframes)
	for i := uint32(0); i < nframes; i++ {
		outL[i] = jack.AudioSample(left[i])
		outR[i] = jack.AudioSample(right[i])
	}
	return 0
}
