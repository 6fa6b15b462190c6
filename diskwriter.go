package loopcore

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const diskWriterFIFODepth = 256

// diskBlock is one queued interleaved audio block awaiting encode.
type diskBlock struct {
	data []int
}

// ThreadedWriter is the bounded FIFO feeding a background disk thread,
// per spec.md §4.4's DiskWriter description. The JACK thread pushes;
// a single background goroutine drains and encodes, so the real-time
// thread never blocks on file I/O.
type ThreadedWriter struct {
	encoder *wav.Encoder
	file    *os.File

	queue chan diskBlock

	wg sync.WaitGroup
}

func newThreadedWriter(path string, sampleRate, bitDepth, channels int) (*ThreadedWriter, error) {
	_ = os.Remove(path) // startRecording deletes any existing file first

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("loopcore: creating recording file %s: %w", path, err)
	}
	encoder := wav.NewEncoder(file, sampleRate, bitDepth, channels, 1)

	tw := &ThreadedWriter{
		encoder: encoder,
		file:    file,
		queue:   make(chan diskBlock, diskWriterFIFODepth),
	}
	tw.wg.Add(1)
	go tw.drain(channels, sampleRate, bitDepth)
	return tw, nil
}

func (tw *ThreadedWriter) drain(channels, sampleRate, bitDepth int) {
	defer tw.wg.Done()
	format := &audio.Format{NumChannels: channels, SampleRate: sampleRate}
	for block := range tw.queue {
		buf := &audio.IntBuffer{Format: format, Data: block.data, SourceBitDepth: bitDepth}
		if err := tw.encoder.Write(buf); err != nil {
			diskWriterDebug("encode error: %v", err)
		}
	}
}

// push enqueues an interleaved int block. Non-blocking: a full FIFO
// drops the block rather than stalling the caller (processBlock is
// "bounded").
func (tw *ThreadedWriter) push(data []int) {
	select {
	case tw.queue <- diskBlock{data: data}:
	default:
		diskWriterDebug("FIFO full, dropping block of %d samples", len(data))
	}
}

// flush closes the queue, waits for the drain goroutine, finalizes
// the WAV header via the encoder, and closes the file. Called
// synchronously outside the critical section, per spec.md §4.4.
func (tw *ThreadedWriter) flush() error {
	close(tw.queue)
	tw.wg.Wait()
	if err := tw.encoder.Close(); err != nil {
		return fmt.Errorf("loopcore: finalizing WAV encoder: %w", err)
	}
	return tw.file.Close()
}

// DiskWriter is AudioLevels' recording collaborator.
type DiskWriter struct {
	mu     sync.Mutex
	writer atomic.Pointer[ThreadedWriter]
}

var diskWriterDebugFn = func(format string, args ...interface{}) {}

func diskWriterDebug(format string, args ...interface{}) { diskWriterDebugFn(format, args...) }

// StartRecording atomically deletes any existing file, constructs the
// output stream and writer, and publishes it under the critical
// section, per spec.md §4.4.
func (d *DiskWriter) StartRecording(path string, sampleRate int, bitRate, channels int) error {
	if bitRate == 0 {
		bitRate = 16
	}
	if channels == 0 {
		channels = 2
	}

	tw, err := newThreadedWriter(path, sampleRate, bitRate, channels)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.writer.Store(tw)
	return nil
}

// ProcessBlock is called from the JACK thread: it acquires the same
// section without waiting (TryLock; if the section is held, the block
// is dropped) and forwards the block to the writer via the FIFO.
func (d *DiskWriter) ProcessBlock(channelData [][]float64) {
	if !d.mu.TryLock() {
		return
	}
	defer d.mu.Unlock()
	tw := d.writer.Load()
	if tw == nil {
		return
	}
	tw.push(interleaveToInt16(channelData))
}

// Stop nulls the atomic pointer under lock, then resets the writer
// (which flushes synchronously outside the lock).
func (d *DiskWriter) Stop() error {
	d.mu.Lock()
	tw := d.writer.Load()
	d.writer.Store(nil)
	d.mu.Unlock()

	if tw == nil {
		return nil
	}
	return tw.flush()
}

func interleaveToInt16(channelData [][]float64) []int {
	if len(channelData) == 0 {
		return nil
	}
	n := len(channelData[0])
	out := make([]int, 0, n*len(channelData))
	for i := 0; i < n; i++ {
		for ch := range channelData {
			if i >= len(channelData[ch]) {
				out = append(out, 0)
				continue
			}
			v := channelData[ch][i]
			if v > 1 {
				v = 1
			} else if v < -1 {
				v = -1
			}
			out = append(out, int(v*32767))
		}
	}
	return out
}
