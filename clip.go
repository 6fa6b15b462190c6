package loopcore

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/GeoffreyPlitt/debuggo"
)

var clipDebug = debuggo.Debug("loopcore:samplersynth:clip")

// AudioFormatReader decodes an audio file into planar float64 samples.
// This is the "audio-reader collaborator" named in spec.md §1 — an
// external interface, not owned by SamplerSynth. loopcore ships
// WavFormatReader and FlacFormatReader; any other implementation
// (e.g. from a language binding) plugs in without touching
// SamplerSynth, matching the teacher's SampleCache.loadWAV/loadFLAC
// split in sample.go.
type AudioFormatReader interface {
	// Decode returns one []float64 per channel, all equal length, plus
	// the file's native sample rate.
	Decode(path string) (channels [][]float64, sampleRate float64, err error)
}

var formatReaders = map[string]AudioFormatReader{
	".wav": WavFormatReader{},
	".flac": FlacFormatReader{},
}

// RegisterFormatReader lets a caller add or override the reader used
// for a given file extension (including "." prefix).
func RegisterFormatReader(ext string, reader AudioFormatReader) {
	formatReaders[strings.ToLower(ext)] = reader
}

// Slice is a named [startPosition, stopPosition] sub-range within a
// clip, in seconds.
type Slice struct {
	Name          string
	StartPosition float64
	StopPosition  float64
}

// ClipAudioSource owns a decoded clip and its playback parameters.
type ClipAudioSource struct {
	Path       string
	Channels   [][]float64
	SampleRate float64
	Duration   float64
	Slices     []Slice

	PitchChange float64
	SpeedRatio  float64
	GainDb      float64
	Volume      float64
	Looping     bool

	positions *positionsModel

	mu sync.RWMutex
}

// OpenClip decodes path using the AudioFormatReader registered for its
// extension (switch-on-extension, mirroring SampleCache.LoadSample's
// "switch ext" in the teacher).
func OpenClip(path string) (*ClipAudioSource, error) {
	ext := strings.ToLower(filepath.Ext(path))
	reader, ok := formatReaders[ext]
	if !ok {
		return nil, fmt.Errorf("loopcore: no AudioFormatReader registered for extension %q", ext)
	}
	channels, sampleRate, err := reader.Decode(path)
	if err != nil {
		return nil, fmt.Errorf("loopcore: decoding %s: %w", path, err)
	}
	if len(channels) == 0 || len(channels[0]) == 0 {
		return nil, fmt.Errorf("loopcore: %s decoded to zero samples", path)
	}
	clip := &ClipAudioSource{
		Path:       path,
		Channels:   channels,
		SampleRate: sampleRate,
		Duration:   float64(len(channels[0])) / sampleRate,
		SpeedRatio: 1,
		Volume:     1,
		positions:  newPositionsModel(),
	}
	clip.Slices = []Slice{{Name: "default", StartPosition: 0, StopPosition: clip.Duration}}
	clipDebug("opened clip %s: %d channels, %d frames, %.2f Hz", path, len(channels), len(channels[0]), sampleRate)
	return clip, nil
}

// SliceByIndex returns clip.Slices[idx], or the whole-clip default
// slice if idx is out of range.
func (c *ClipAudioSource) SliceByIndex(idx int) Slice {
	if idx < 0 || idx >= len(c.Slices) {
		return Slice{StartPosition: 0, StopPosition: c.Duration}
	}
	return c.Slices[idx]
}

// positionsModel is the "playback-positions model" named in spec.md
// §4.3/§9: a lock-protected map from position-id to normalized
// playback position (0..1), consulted by a UI layer for waveform
// cursors. Open Question 2 (spec.md §9) is resolved here as an
// explicit TryLock wait-or-skip: a racing reader sees the previous
// value rather than blocking the audio thread.
type positionsModel struct {
	mu        sync.Mutex
	positions map[int]float64
	nextID    int
}

func newPositionsModel() *positionsModel {
	return &positionsModel{positions: make(map[int]float64)}
}

// Acquire allocates a new position-id, called from startPlayback.
func (p *positionsModel) Acquire() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.positions[id] = 0
	return id
}

// Update is called from the audio thread for every rendered sample
// (Voice.renderSample). It uses TryLock so a concurrent UI read never
// stalls voice rendering; if the lock is held, this update is dropped
// and the next sample's update supersedes it.
func (p *positionsModel) Update(id int, normalized float64) {
	if !p.mu.TryLock() {
		return
	}
	defer p.mu.Unlock()
	p.positions[id] = normalized
}

// Release forgets a position-id once its voice stops.
func (p *positionsModel) Release(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.positions, id)
}

// Read returns the last published normalized position for id.
func (p *positionsModel) Read(id int) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positions[id]
}
