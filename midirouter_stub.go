//go:build !jack

package loopcore

import "fmt"

// JackMidiRouter is a stand-in used when built without JACK support.
type JackMidiRouter struct{}

func NewJackMidiRouter(router *MidiRouter, st *SyncTimer) (*JackMidiRouter, error) {
	return nil, fmt.Errorf("loopcore: JACK support not enabled (build with -tags jack)")
}

func (j *JackMidiRouter) Activate() error {
	return fmt.Errorf("loopcore: JACK support not enabled (build with -tags jack)")
}

func (j *JackMidiRouter) Close() error {
	return fmt.Errorf("loopcore: JACK support not enabled (build with -tags jack)")
}
