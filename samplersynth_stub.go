//go:build !jack

package loopcore

import "fmt"

// JackSamplerSynth is a stand-in used when built without JACK support.
type JackSamplerSynth struct{}

func NewJackSamplerSynth(synth *SamplerSynth) (*JackSamplerSynth, error) {
	return nil, fmt.Errorf("loopcore: JACK support not enabled (build with -tags jack)")
}

func (j *JackSamplerSynth) Activate() error {
	return fmt.Errorf("loopcore: JACK support not enabled (build with -tags jack)")
}

func (j *JackSamplerSynth) Close() error {
	return fmt.Errorf("loopcore: JACK support not enabled (build with -tags jack)")
}
