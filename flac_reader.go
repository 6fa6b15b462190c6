package loopcore

import (
	"fmt"
	"io"
	"os"

	"github.com/mewkiz/flac"
)

// FlacFormatReader decodes FLAC files via github.com/mewkiz/flac, the
// same decoder the teacher's SampleCache.loadFLAC uses.
type FlacFormatReader struct{}

func (FlacFormatReader) Decode(path string) ([][]float64, float64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("opening FLAC file %s: %w", path, err)
	}
	defer file.Close()

	stream, err := flac.New(file)
	if err != nil {
		return nil, 0, fmt.Errorf("creating FLAC decoder for %s: %w", path, err)
	}
	defer stream.Close()

	info := stream.Info
	numChannels := int(info.NChannels)
	if numChannels < 1 {
		numChannels = 1
	}
	scale := pcmScale(int(info.BitsPerSample))

	channels := make([][]float64, numChannels)

	for {
		frame, err := stream.ParseNext()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("reading FLAC frame from %s: %w", path, err)
		}
		n := len(frame.Subframes[0].Samples)
		for ch := 0; ch < numChannels; ch++ {
			for i := 0; i < n; i++ {
				channels[ch] = append(channels[ch], float64(frame.Subframes[ch].Samples[i])/scale)
			}
		}
	}

	return channels, float64(info.SampleRate), nil
}
