//go:build !jack

package loopcore

import "fmt"

// JackAudioLevels is a stand-in used when built without JACK support.
type JackAudioLevels struct{}

func NewJackAudioLevels(levels *AudioLevels) (*JackAudioLevels, error) {
	return nil, fmt.Errorf("loopcore: JACK support not enabled (build with -tags jack)")
}

func (j *JackAudioLevels) Activate() error {
	return fmt.Errorf("loopcore: JACK support not enabled (build with -tags jack)")
}

func (j *JackAudioLevels) Close() error {
	return fmt.Errorf("loopcore: JACK support not enabled (build with -tags jack)")
}
