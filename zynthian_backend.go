package loopcore

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"github.com/sinshu/go-meltysynth/meltysynth"
	"gitlab.com/gomidi/midi/v2"
)

// ZynthianSynthBackend is the optional local synth sink named in
// SPEC_FULL.md's MidiRouter additions: a gomidi/midi/v2 message is
// translated into a (channel, command, data1, data2) tuple and fed to
// a go-meltysynth Synthesizer, the way midi_player.go's MIDIBridge
// forwards gomidi messages into meltysynth. It is an additional local
// sink, never a replacement for the JACK port writes MidiRouter is
// specified to perform.
type ZynthianSynthBackend struct {
	mu          sync.Mutex
	synthesizer *meltysynth.Synthesizer
	sampleRate  int
}

// NewZynthianSynthBackend loads soundFontPath and constructs a
// Synthesizer rendering at sampleRate.
func NewZynthianSynthBackend(soundFontPath string, sampleRate int) (*ZynthianSynthBackend, error) {
	data, err := os.ReadFile(soundFontPath)
	if err != nil {
		return nil, fmt.Errorf("loopcore: reading soundfont %s: %w", soundFontPath, err)
	}
	sf, err := meltysynth.NewSoundFont(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("loopcore: parsing soundfont %s: %w", soundFontPath, err)
	}
	settings := meltysynth.NewSynthesizerSettings(int32(sampleRate))
	synth, err := meltysynth.NewSynthesizer(sf, settings)
	if err != nil {
		return nil, fmt.Errorf("loopcore: constructing synthesizer: %w", err)
	}
	return &ZynthianSynthBackend{synthesizer: synth, sampleRate: sampleRate}, nil
}

// Write forwards a raw MIDI message, mirroring MIDIBridge.Write's
// extractMIDIComponents + ProcessMidiMessage call.
func (z *ZynthianSynthBackend) Write(data []byte) {
	if z == nil || len(data) == 0 {
		return
	}
	channel, command, data1, data2 := extractMIDIComponents(data)

	z.mu.Lock()
	defer z.mu.Unlock()
	z.synthesizer.ProcessMidiMessage(int32(channel), int32(command), int32(data1), int32(data2))
}

// extractMIDIComponents splits a raw message using
// gitlab.com/gomidi/midi/v2's typed getters, the way midi_player.go's
// helper of the same name wraps gomidi for the same translation job,
// instead of hand-rolled nibble arithmetic. Messages other than note
// on, note off and control change (aftertouch, program change, pitch
// bend, system messages) fall back to raw status-byte parsing.
func extractMIDIComponents(data []byte) (channel, command, data1, data2 byte) {
	msg := midi.Message(data)

	var ch, d1, d2 uint8
	switch {
	case msg.GetNoteOn(&ch, &d1, &d2):
		return ch, 0x90, d1, d2
	case msg.GetNoteOff(&ch, &d1, &d2):
		return ch, 0x80, d1, d2
	case msg.GetControlChange(&ch, &d1, &d2):
		return ch, 0xB0, d1, d2
	}

	status := data[0]
	if status >= 0x80 && status < 0xF0 {
		channel = status & 0x0F
		command = status & 0xF0
	} else {
		command = status
	}
	if len(data) > 1 {
		data1 = data[1]
	}
	if len(data) > 2 {
		data2 = data[2]
	}
	return channel, command, data1, data2
}

// RenderPeriod renders len(left) frames of synthesized audio into
// left/right, overwriting their contents.
func (z *ZynthianSynthBackend) RenderPeriod(left, right []float32) {
	if z == nil {
		return
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	z.synthesizer.Render(left, right)
}
