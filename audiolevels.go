package loopcore

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// AudioLevelsClientCount is the fleet size from spec.md §4.4: client 0
// is the capture bus; 1, playback (with peak-hold); 2, recorder; 3-12,
// per-sketchpad channels.
const AudioLevelsClientCount = 13

const (
	LevelsClientCapture  = 0
	LevelsClientPlayback = 1
	LevelsClientRecorder = 2
)

// minDbfs is the clamp floor for 20*log10(raw) per spec.md §4.4.
const minDbfs = -200.0

// floatToIntMultiplier/intToFloatMultiplier mirror AudioLevels.cpp's
// fixed-point peak representation: every scanned sample is converted
// to a 2^17-scaled linear-amplitude integer so the per-tick decay step
// (peakDecayPerTick) operates on integer units rather than directly on
// the logarithmic dBFS reading. The asymmetric 0.2 factor on the
// return trip is carried over unchanged from the original.
const (
	floatToIntMultiplier = 131072.0
	intToFloatMultiplier = 0.2 / floatToIntMultiplier
	peakDecayPerTick     = 10000
)

// levelsClient captures one stereo input pair's metering state.
type levelsClient struct {
	bufferA, bufferB []float64

	peakA, peakB atomic.Int64 // linear amplitude, scaled by floatToIntMultiplier

	holdPlayback atomic.Int64 // float64 bits (math.Float64bits) of the linear amplitude peak-hold

	writer *DiskWriter
}

func newLevelsClient() *levelsClient {
	return &levelsClient{}
}

func storeFloat(a *atomic.Int64, v float64) { a.Store(int64(math.Float64bits(v))) }
func loadFloat(a *atomic.Int64) float64     { return math.Float64frombits(uint64(a.Load())) }

// DbfsA/DbfsB report the current per-channel reading in dBFS.
func (c *levelsClient) DbfsA() float64 { return convertToDbfs(float64(c.peakA.Load()) * intToFloatMultiplier) }
func (c *levelsClient) DbfsB() float64 { return convertToDbfs(float64(c.peakB.Load()) * intToFloatMultiplier) }

// HoldDbfs reports the playback client's peak-hold reading in dBFS.
func (c *levelsClient) HoldDbfs() float64 { return convertToDbfs(loadFloat(&c.holdPlayback)) }

// captureBuffers is called once per JACK period with the client's
// input pointers; if a DiskWriter is armed, the block is also
// forwarded to it.
func (c *levelsClient) captureBuffers(a, b []float64) {
	c.bufferA = a
	c.bufferB = b
	if w := c.writer; w != nil {
		w.ProcessBlock([][]float64{a, b})
	}
}

// AudioLevels is the 13-client metering/recording fleet described in
// spec.md §4.4.
type AudioLevels struct {
	mu      sync.Mutex
	clients [AudioLevelsClientCount]*levelsClient

	stopTicker chan struct{}
}

// NewAudioLevels constructs the fleet.
func NewAudioLevels() *AudioLevels {
	al := &AudioLevels{}
	for i := range al.clients {
		al.clients[i] = newLevelsClient()
	}
	return al
}

// Client returns the metering state for index i (0-12), or nil if out
// of range.
func (al *AudioLevels) Client(i int) *levelsClient {
	if i < 0 || i >= AudioLevelsClientCount {
		return nil
	}
	return al.clients[i]
}

// ArmRecording attaches writer to client i's capture path.
func (al *AudioLevels) ArmRecording(i int, writer *DiskWriter) {
	al.mu.Lock()
	defer al.mu.Unlock()
	if c := al.Client(i); c != nil {
		c.writer = writer
	}
}

// StartMeteringTimer launches the 30Hz UI metering timer: per client,
// scanned peak -> decay -> peak-hold, all in the linear-amplitude
// domain; dBFS conversion happens at read time in DbfsA/DbfsB/HoldDbfs.
func (al *AudioLevels) StartMeteringTimer(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second / 30)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				al.tick()
			}
		}
	}()
}

func (al *AudioLevels) tick() {
	for _, c := range al.clients {
		peakA := decayedPeak(c.peakA.Load(), scanPeak(c.bufferA))
		peakB := decayedPeak(c.peakB.Load(), scanPeak(c.bufferB))
		c.peakA.Store(peakA)
		c.peakB.Store(peakB)

		linA := float64(peakA) * intToFloatMultiplier
		linB := float64(peakB) * intToFloatMultiplier

		holdLin := loadFloat(&c.holdPlayback) * 0.9
		if louder := math.Max(linA, linB); louder > holdLin {
			holdLin = louder
		}
		storeFloat(&c.holdPlayback, holdLin)
	}
}

// scanPeak computes the per-channel peak by scanning buf at stride 1.
func scanPeak(buf []float64) float64 {
	peak := 0.0
	for _, v := range buf {
		if abs := math.Abs(v); abs > peak {
			peak = abs
		}
	}
	return peak
}

// decayedPeak applies AudioLevels.cpp's qMax(0, peak-10000) fall-off
// in the integer linear-amplitude domain, then keeps the louder of the
// decayed value and the current period's scanned peak (converted via
// floatToIntMultiplier): the decay always runs first, so a silent
// period still lets a previously-peaked reading fall at the fixed
// per-tick rate instead of snapping straight to the floor.
func decayedPeak(previous int64, rawPeak float64) int64 {
	decayed := previous - peakDecayPerTick
	if decayed < 0 {
		decayed = 0
	}
	sampleInt := int64(floatToIntMultiplier * rawPeak)
	if sampleInt > decayed {
		return sampleInt
	}
	return decayed
}

// convertToDbfs converts a linear amplitude to dBFS, clamped to
// minDbfs, per AudioLevels.cpp's convertTodbFS.
func convertToDbfs(raw float64) float64 {
	if raw <= 0 {
		return minDbfs
	}
	db := 20 * math.Log10(raw)
	if db < minDbfs {
		return minDbfs
	}
	return db
}
