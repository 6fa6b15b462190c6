//go:build jack

package loopcore

import (
	"fmt"

	"github.com/xthexder/go-jack"
)

// levelsPorts is one client's stereo input pair.
type levelsPorts struct {
	left, right *jack.Port
	scratchL, scratchR []float64
}

// JackAudioLevels opens the 13-client stereo capture fleet described in
// spec.md §4.4, one port pair per client, feeding levelsClient.captureBuffers
// once per period the way jackPlayer.go's processCallback pulls
// jack.GetAudioSamples once per period.
type JackAudioLevels struct {
	levels *AudioLevels
	client *jack.Client
	ports  [AudioLevelsClientCount]*levelsPorts
}

var levelsClientNames = [AudioLevelsClientCount]string{
	"capture", "playback", "recorder",
	"sketch-0", "sketch-1", "sketch-2", "sketch-3", "sketch-4",
	"sketch-5", "sketch-6", "sketch-7", "sketch-8", "sketch-9",
}

// NewJackAudioLevels opens a JACK client named "loopcore-audiolevels" and
// registers one stereo input pair per fleet client.
func NewJackAudioLevels(levels *AudioLevels) (*JackAudioLevels, error) {
	client, err := jack.ClientOpen("loopcore-audiolevels", jack.NoStartServer)
	if err != nil || client == nil {
		return nil, fmt.Errorf("loopcore: failed to open JACK client for audiolevels: %v", err)
	}
	jal := &JackAudioLevels{levels: levels, client: client}

	for i, name := range levelsClientNames {
		left, err := client.PortRegister(name+"_in_l", jack.DEFAULT_AUDIO_TYPE, jack.PortIsInput, 0)
		if err != nil || left == nil {
			client.Close()
			return nil, fmt.Errorf("loopcore: failed to register %s_in_l: %v", name, err)
		}
		right, err := client.PortRegister(name+"_in_r", jack.DEFAULT_AUDIO_TYPE, jack.PortIsInput, 0)
		if err != nil || right == nil {
			client.Close()
			return nil, fmt.Errorf("loopcore: failed to register %s_in_r: %v", name, err)
		}
		jal.ports[i] = &levelsPorts{left: left, right: right}
	}

	client.SetProcessCallback(jal.processCallback)
	return jal, nil
}

// Activate activates the underlying JACK client.
func (j *JackAudioLevels) Activate() error {
	if err := j.client.Activate(); err != nil {
		return fmt.Errorf("loopcore: failed to activate audiolevels JACK client: %w", err)
	}
	return nil
}

// Close deactivates and closes the underlying JACK client.
func (j *JackAudioLevels) Close() error {
	j.client.Deactivate()
	return j.client.Close()
}

func (j *JackAudioLevels) processCallback(nframes uint32) int {
	for i, ports := range j.ports {
		left := jack.GetAudioSamples(ports.left.GetBuffer(nframes), nframes)
		right := jack.GetAudioSamples(ports.right.GetBuffer(nframes), nframes)

		if cap(ports.scratchL) < len(left) {
			ports.scratchL = make([]float64, len(left))
			ports.scratchR = make([]float64, len(right))
		}
		ports.scratchL = ports.scratchL[:len(left)]
		ports.scratchR = ports.scratchR[:len(right)]
		for i, s := range left {
			ports.scratchL[i] = float64(s)
		}
		for i, s := range right {
			ports.scratchR[i] = float64(s)
		}

		j.levels.Client(i).captureBuffers(ports.scratchL, ports.scratchR)
	}
	return 0
}
