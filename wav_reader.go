package loopcore

import (
	"fmt"
	"os"

	"github.com/go-audio/wav"
)

// WavFormatReader decodes WAV files via github.com/go-audio/wav, the
// same decoder the teacher's SampleCache.loadWAV uses.
type WavFormatReader struct{}

func (WavFormatReader) Decode(path string) ([][]float64, float64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("opening WAV file %s: %w", path, err)
	}
	defer file.Close()

	decoder := wav.NewDecoder(file)
	if !decoder.IsValidFile() {
		return nil, 0, fmt.Errorf("invalid WAV file: %s", path)
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("reading PCM data from %s: %w", path, err)
	}

	numChannels := buf.Format.NumChannels
	if numChannels < 1 {
		numChannels = 1
	}
	frames := len(buf.Data) / numChannels

	channels := make([][]float64, numChannels)
	for ch := range channels {
		channels[ch] = make([]float64, frames)
	}

	scale := pcmScale(decoder.BitDepth)
	for i, sample := range buf.Data {
		ch := i % numChannels
		frame := i / numChannels
		channels[ch][frame] = float64(sample) / scale
	}

	return channels, float64(buf.Format.SampleRate), nil
}

func pcmScale(bitDepth int) float64 {
	switch bitDepth {
	case 16:
		return 32768.0
	case 24:
		return 8388608.0
	case 32:
		return 2147483648.0
	default:
		return 32768.0
	}
}
