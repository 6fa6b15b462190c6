package loopcore

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GeoffreyPlitt/debuggo"
)

var syncTimerDebug = debuggo.Debug("loopcore:synctimer")
var clockDebug = debuggo.Debug("loopcore:synctimer:clock")

// ErrNoBufferSpace is the real-time-path equivalent of JACK's ENOBUFS:
// the MIDI output port's buffer is full for this period. Per spec.md
// §7, the caller must divert the event to the scratch buffer and
// retry at delay 0 on the next period; it must never block or retry
// in place.
var ErrNoBufferSpace = errors.New("loopcore: midi output buffer full")

// midiSink abstracts the JACK MIDI output port so that the real-time
// audio-callback algorithm in processPeriod can be exercised without a
// live JACK client, the way the teacher's test_helpers.go exercises
// renderVoice logic through a MockJackClient instead of a real
// *jack.Client.
type midiSink interface {
	clear()
	write(frame uint32, data []byte) error
	maxEventSize() uint32
}

// CommandDispatcher receives the effects of TimerCommands and
// ClipCommands drained from the step ring. SamplerSynth implements
// the clip-related half; a host can implement the rest.
type CommandDispatcher interface {
	HandleClipCommand(cmd *ClipCommand, jackPlayhead uint64)
	SetChannelEnabled(channel int, enabled bool)
	RegisterClip(clip *ClipAudioSource)
	UnregisterClip(clip *ClipAudioSource)
	StartClipLoop(cmd *ClipCommand)
	StopClipLoop(cmd *ClipCommand)
	StopAllPlayback()
	StartAllPlayback()
}

// TransportObserver is the "UI/property-binding layer" collaborator
// named in spec.md §1: a signal/observer interface, not implemented by
// the core.
type TransportObserver interface {
	PartStarted(track, sketch, part int)
	PartStopped(track, sketch, part int)
}

// SyncTimer is the single source of truth for musical time and the
// sample-accurate event scheduler described in spec.md §4.1.
type SyncTimer struct {
	ring      *stepRing
	clipPool  *clipCommandPool
	timerPool *timerCommandPool
	sent      *sentCommandRing

	dispatcher CommandDispatcher
	observer   TransportObserver

	bpmBits atomic.Uint64 // math.Float64bits(bpm)

	paused  atomic.Bool
	running atomic.Bool

	stepReadHead        atomic.Uint64
	stepReadHeadOnStart atomic.Uint64
	cumulativeBeat      atomic.Uint64
	jackPlayhead        atomic.Uint64
	jackPlayheadUsecs   atomic.Uint64

	xrunCount atomic.Uint64

	scheduleAheadAmount atomic.Int64 // subbeats
	maxLatencyMs        atomic.Uint64 // math.Float64bits

	callbackMu sync.Mutex
	callbacks  []func()

	cond   *sync.Cond
	condMu sync.Mutex

	stopClock chan struct{}

	stopGC chan struct{}
}

// NewSyncTimer constructs a SyncTimer. dispatcher and observer may be
// nil; a nil dispatcher simply drops ClipCommand/TimerCommand effects
// (useful for ring-only tests), matching the "component left inert"
// startup-failure posture of spec.md §7.
func NewSyncTimer(dispatcher CommandDispatcher, observer TransportObserver) *SyncTimer {
	st := &SyncTimer{
		ring:      newStepRing(),
		clipPool:  newClipCommandPool(),
		timerPool: newTimerCommandPool(),
		sent:      newSentCommandRing(),

		dispatcher: dispatcher,
		observer:   observer,

		stopClock: make(chan struct{}),
		stopGC:    make(chan struct{}),
	}
	st.cond = sync.NewCond(&st.condMu)
	st.bpmBits.Store(math.Float64bits(120))
	st.paused.Store(true)
	st.setMaxLatencyMs(10) // conservative default until JACK reports real latency
	startGarbageReclaimTimer(st.clipPool, st.timerPool, 20*time.Millisecond, st.stopGC)
	return st
}

func (st *SyncTimer) bpm() float64 {
	return math.Float64frombits(st.bpmBits.Load())
}

func clampBPM(bpm float64) float64 {
	if bpm < MinBPM {
		return MinBPM
	}
	if bpm > MaxBPM {
		return MaxBPM
	}
	return bpm
}

// SetBpm retunes the subbeat duration. Per spec.md §5's ordering
// guarantee, when invoked inline from a drained SetBpm TimerCommand
// this takes effect immediately, mid-period.
func (st *SyncTimer) SetBpm(bpm float64) {
	st.bpmBits.Store(math.Float64bits(clampBPM(bpm)))
	st.recomputeScheduleAhead()
}

// BPM returns the current tempo.
func (st *SyncTimer) BPM() float64 { return st.bpm() }

// SubbeatNanos returns the current subbeat duration in nanoseconds.
func (st *SyncTimer) SubbeatNanos() float64 { return subbeatNanos(st.bpm()) }

func (st *SyncTimer) setMaxLatencyMs(ms float64) {
	st.maxLatencyMs.Store(math.Float64bits(ms))
	st.recomputeScheduleAhead()
}

// recomputeScheduleAhead derives scheduleAheadAmount (in subbeats) per
// spec.md §4.1: ceil(maxLatencyMs * BPM * 96 / 60000).
func (st *SyncTimer) recomputeScheduleAhead() {
	ms := math.Float64frombits(st.maxLatencyMs.Load())
	amount := math.Ceil(ms * st.bpm() * BeatSubdivisions / 60000.0)
	if amount < 1 {
		amount = 1
	}
	st.scheduleAheadAmount.Store(int64(amount))
}

// ScheduleAheadAmount is the minimum safe delay, in subbeats, for a
// producer event to reliably reach its intended audio period.
func (st *SyncTimer) ScheduleAheadAmount() int {
	return int(st.scheduleAheadAmount.Load())
}

// SetPlaybackLatencyMs feeds JACK's reported playback-latency range
// (maxLatencyMs) into the scheduleAheadAmount computation; called by
// the JACK wiring once the port's latency range is known.
func (st *SyncTimer) SetPlaybackLatencyMs(ms float64) { st.setMaxLatencyMs(ms) }

// JackPlayhead returns the number of steps drained by the audio thread
// since Start, a monotonically non-decreasing counter while running.
func (st *SyncTimer) JackPlayhead() uint64 { return st.jackPlayhead.Load() }

// JackPlayheadUsecs returns the time, in microseconds since the first
// drained frame, of the most recently drained step. It is derived from
// the frame count drainSteps tracks, not read from the JACK clock.
func (st *SyncTimer) JackPlayheadUsecs() uint64 { return st.jackPlayheadUsecs.Load() }

// JackSubbeatLengthInMicroseconds returns the current subbeat length.
func (st *SyncTimer) JackSubbeatLengthInMicroseconds() float64 {
	return st.SubbeatNanos() / 1000.0
}

// CumulativeBeat returns the clock thread's lookahead tick counter.
func (st *SyncTimer) CumulativeBeat() uint64 { return st.cumulativeBeat.Load() }

// IsRunning reports whether the clock is currently unpaused.
func (st *SyncTimer) IsRunning() bool { return !st.paused.Load() }

// Start sets the tempo, unpauses the clock thread, and snapshots the
// current read-head index as stepReadHeadOnStart, per spec.md §4.1.
func (st *SyncTimer) Start(bpm float64) {
	st.SetBpm(bpm)
	st.stepReadHeadOnStart.Store(st.stepReadHead.Load())
	st.cumulativeBeat.Store(0)
	st.jackPlayhead.Store(0)
	st.running.Store(true)

	st.condMu.Lock()
	st.paused.Store(false)
	st.cond.Broadcast()
	st.condMu.Unlock()
}

// Stop pauses the clock thread and drains the ring deterministically:
// for every non-played step, it extracts note-offs for immediate
// dispatch and forces every queued ClipCommand to volume=0 so the
// sampler silences, per spec.md §4.1.
func (st *SyncTimer) Stop() {
	st.condMu.Lock()
	st.paused.Store(true)
	st.condMu.Unlock()
	st.running.Store(false)

	head := st.stepReadHead.Load()
	for i := uint64(0); i < StepRingCount; i++ {
		step := st.ring.at(head + i)
		if step.played.Load() {
			continue
		}

		var offs []MidiEvent
		for _, ev := range step.midiBuffer {
			if isNoteOff(ev.Data) {
				offs = append(offs, ev)
			}
		}
		for _, ev := range offs {
			st.sendMidiBufferToStep(st.zeroDelayTarget(), ev.Data)
		}

		for _, cmd := range step.clipCommands {
			cmd.ChangeVolume = true
			cmd.Volume = 0
			cmd.StartPlayback = false
			if st.dispatcher != nil {
				st.dispatcher.HandleClipCommand(cmd, st.jackPlayhead.Load())
			}
			st.sent.push(cmd)
		}
		for _, tc := range step.timerCommands {
			st.deleteTimerCommandLocked(tc)
		}
		step.midiBuffer = step.midiBuffer[:0]
		step.clipCommands = step.clipCommands[:0]
		step.timerCommands = step.timerCommands[:0]
		step.played.Store(true)
	}
}

func isNoteOff(data []byte) bool {
	if len(data) < 1 {
		return false
	}
	status := data[0] & 0xF0
	if status == 0x80 {
		return true
	}
	if status == 0x90 && len(data) >= 3 && data[2] == 0 {
		return true
	}
	return false
}

// zeroDelayTarget resolves delay=0 without requiring the caller to
// know whether the timer is paused or running.
func (st *SyncTimer) zeroDelayTarget() uint64 { return st.resolveDelayedStep(0) }

// resolveDelayedStep implements the delayed-step-resolution algorithm
// from spec.md §4.1.
func (st *SyncTimer) resolveDelayedStep(delay int) uint64 {
	if st.paused.Load() {
		return (st.stepReadHead.Load() + uint64(delay) + 1) % StepRingCount
	}
	cumulative := st.cumulativeBeat.Load()
	playhead := st.jackPlayhead.Load()
	lookahead := int64(cumulative) + int64(delay)
	floor := int64(playhead) + 1
	if lookahead < floor {
		lookahead = floor
	}
	return (st.stepReadHeadOnStart.Load() + uint64(lookahead)) % StepRingCount
}

func (st *SyncTimer) targetStep(delay int) *Step {
	idx := st.resolveDelayedStep(delay)
	step := st.ring.at(idx)
	step.ensureFresh(st, idx)
	return step
}

// ScheduleNote deposits a note-on at relative offset delay and, if on
// and duration > 0, a matching note-off at delay+duration.
func (st *SyncTimer) ScheduleNote(note, channel uint8, on bool, velocity uint8, durationSubbeats, delay int) {
	status := byte(0x80)
	vel := velocity
	if on {
		status = 0x90
	} else {
		vel = 0
	}
	onMsg := []byte{status | (channel & 0x0F), note, vel}
	st.sendMidiBufferToStep(st.targetStepIndex(delay), onMsg)

	if on && durationSubbeats > 0 {
		offMsg := []byte{0x80 | (channel & 0x0F), note, 0}
		st.sendMidiBufferToStep(st.targetStepIndex(delay+durationSubbeats), offMsg)
	}
}

func (st *SyncTimer) targetStepIndex(delay int) uint64 {
	idx := st.resolveDelayedStep(delay)
	step := st.ring.at(idx)
	step.ensureFresh(st, idx)
	return idx
}

func (st *SyncTimer) sendMidiBufferToStep(idx uint64, data []byte) {
	step := st.ring.at(idx)
	step.midiBuffer = append(step.midiBuffer, MidiEvent{Data: data})
}

// ScheduleMidiBuffer appends buf to the target step's buffer at its
// current tail.
func (st *SyncTimer) ScheduleMidiBuffer(buf []byte, delay int) {
	idx := st.targetStepIndex(delay)
	st.sendMidiBufferToStep(idx, buf)
}

// SendNoteImmediately schedules a note at delay 0.
func (st *SyncTimer) SendNoteImmediately(note, channel uint8, on bool, velocity uint8, durationSubbeats int) {
	st.ScheduleNote(note, channel, on, velocity, durationSubbeats, 0)
}

// SendMidiBufferImmediately schedules buf at delay 0.
func (st *SyncTimer) SendMidiBufferImmediately(buf []byte) { st.ScheduleMidiBuffer(buf, 0) }

// GetClipCommand draws a pre-allocated slot from the pool, or nil if
// exhausted. Producers must never allocate on the hot path.
func (st *SyncTimer) GetClipCommand() *ClipCommand { return st.clipPool.acquire() }

// GetTimerCommand draws a pre-allocated TimerCommand slot.
func (st *SyncTimer) GetTimerCommand() *TimerCommand { return st.timerPool.acquire() }

// DeleteClipCommand queues cmd for reclamation.
func (st *SyncTimer) DeleteClipCommand(cmd *ClipCommand) { st.clipPool.release(cmd) }

// DeleteTimerCommand queues cmd for reclamation.
func (st *SyncTimer) DeleteTimerCommand(cmd *TimerCommand) { st.timerPool.release(cmd) }

func (st *SyncTimer) deleteTimerCommandLocked(cmd *TimerCommand) { st.timerPool.release(cmd) }

// ScheduleClipCommand walks the target step's clipCommands; if an
// equivalent command already resides there, merges all changeX fields
// into it and reclaims cmd; otherwise appends.
func (st *SyncTimer) ScheduleClipCommand(cmd *ClipCommand, delay int) {
	step := st.targetStep(delay)
	for _, existing := range step.clipCommands {
		if existing.EquivalentTo(cmd) {
			existing.mergeFrom(cmd)
			st.clipPool.release(cmd)
			return
		}
	}
	step.clipCommands = append(step.clipCommands, cmd)
}

// ScheduleTimerCommand appends cmd to the target step's timerCommands.
func (st *SyncTimer) ScheduleTimerCommand(delay int, cmd *TimerCommand) {
	step := st.targetStep(delay)
	step.timerCommands = append(step.timerCommands, cmd)
}

// RegisterCallback registers a user callback fired once per beat
// advanced by the clock thread, up to 16 at a time (spec.md §4.1).
func (st *SyncTimer) RegisterCallback(fn func()) bool {
	st.callbackMu.Lock()
	defer st.callbackMu.Unlock()
	if len(st.callbacks) >= 16 {
		return false
	}
	st.callbacks = append(st.callbacks, fn)
	return true
}

func (st *SyncTimer) fireCallbacks() {
	st.callbackMu.Lock()
	cbs := append([]func(){}, st.callbacks...)
	st.callbackMu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

// hiResTimerCallback advances cumulativeBeat until it reaches
// jackPlayhead + 2*scheduleAheadAmount, firing user callbacks once per
// beat crossed, and drains the sent-clip-commands ring.
func (st *SyncTimer) hiResTimerCallback() {
	target := st.jackPlayhead.Load() + 2*uint64(st.ScheduleAheadAmount())
	for st.cumulativeBeat.Load() < target {
		st.cumulativeBeat.Add(1)
		if st.cumulativeBeat.Load()%BeatSubdivisions == 0 {
			st.fireCallbacks()
		}
	}
	st.sent.drain(func(*ClipCommand) {
		// entries are discarded: no per-command signal is emitted and
		// the commands are not returned to the pool here.
	})
}

// dispatchTimerCommand applies a drained TimerCommand's effect to the
// dispatcher/observer, per the operation table in spec.md §3/§4.1, and
// always reclaims the command afterward.
func (st *SyncTimer) dispatchTimerCommand(tc *TimerCommand) {
	defer st.deleteTimerCommandLocked(tc)
	if st.dispatcher == nil && st.observer == nil {
		return
	}
	switch tc.Operation {
	case OpStopPlayback:
		if st.dispatcher != nil {
			st.dispatcher.StopAllPlayback()
		}
	case OpStartPlayback:
		if st.dispatcher != nil {
			st.dispatcher.StartAllPlayback()
		}
	case OpStartClipLoop:
		if cmd, ok := tc.DataParameter.(*ClipCommand); ok && st.dispatcher != nil {
			st.dispatcher.StartClipLoop(cmd)
		}
	case OpStopClipLoop:
		if cmd, ok := tc.DataParameter.(*ClipCommand); ok && st.dispatcher != nil {
			st.dispatcher.StopClipLoop(cmd)
		}
	case OpSamplerChannelEnabledState:
		if st.dispatcher != nil {
			st.dispatcher.SetChannelEnabled(tc.Parameter, tc.Parameter2 != 0)
		}
	case OpSetBpm:
		if bpm, ok := tc.DataParameter.(float64); ok {
			st.SetBpm(bpm)
		}
	case OpRegisterCAS:
		if clip, ok := tc.DataParameter.(*ClipAudioSource); ok && st.dispatcher != nil {
			st.dispatcher.RegisterClip(clip)
		}
	case OpUnregisterCAS:
		if clip, ok := tc.DataParameter.(*ClipAudioSource); ok && st.dispatcher != nil {
			st.dispatcher.UnregisterClip(clip)
		}
	case OpStartPart:
		if st.observer != nil {
			st.observer.PartStarted(tc.Parameter, tc.Parameter2, tc.Parameter3)
		}
	case OpStopPart:
		if st.observer != nil {
			st.observer.PartStopped(tc.Parameter, tc.Parameter2, tc.Parameter3)
		}
	}
}

// drainSteps executes the real-time step-draining algorithm from
// spec.md §4.1 against sink: every step whose scheduled frame falls
// within [framesPlayed, framesPlayed+nframes) is emitted, its
// ClipCommands dispatched, and its TimerCommands applied. Events the
// sink rejects (ErrNoBufferSpace) are returned for the caller to
// retry at frame 0 of the next period. onStep, if non-nil, is invoked
// once per drained step with that step's frame offset, so JACK wiring
// can advance its own BBT/beat-clock bookkeeping. Pulled out of
// JackSyncTimer.processCallback so it can be exercised with a fake
// midiSink without a live JACK graph, the way the teacher's
// test_helpers.go exercises renderVoice logic through a
// MockJackClient instead of a real *jack.Client.
func (st *SyncTimer) drainSteps(framesPlayed uint64, nframes uint32, framesPerSubbeat, sampleRate float64, sink midiSink, onStep func(frameOffset uint32)) (scratch []MidiEvent, newFramesPlayed uint64) {
	periodEnd := framesPlayed + uint64(nframes)

	// nextStepFrame is carried additively across iterations rather than
	// re-derived from jackPlayhead*framesPerSubbeat on every pass: once
	// an in-loop OpSetBpm retunes framesPerSubbeat, re-deriving from the
	// playhead would retroactively apply the new rate to the whole
	// history since playhead 0 and jump nextStepFrame backwards. Adding
	// the (possibly just-retuned) subbeat length to the previous step's
	// frame keeps every step's spacing exactly what was in effect when
	// it was scheduled, per spec.md §4.1 scenario 2.
	nextStepFrame := uint64(float64(st.jackPlayhead.Load()+1) * framesPerSubbeat)

	for st.IsRunning() {
		if nextStepFrame >= periodEnd {
			break
		}

		idx := st.stepReadHead.Load()
		step := st.ring.at(idx)

		frameOffset := uint32(0)
		if nextStepFrame > framesPlayed {
			frameOffset = uint32(nextStepFrame - framesPlayed)
		}
		if frameOffset >= nframes {
			frameOffset = nframes - 1
		}

		for _, ev := range step.midiBuffer {
			f := frameOffset + ev.Offset
			if f >= nframes {
				f = nframes - 1
			}
			if err := sink.write(f, ev.Data); err != nil {
				scratch = append(scratch, ev)
			}
		}

		for _, cmd := range step.clipCommands {
			if st.dispatcher != nil {
				st.dispatcher.HandleClipCommand(cmd, st.jackPlayhead.Load())
			}
			st.sent.push(cmd)
		}

		for _, tc := range step.timerCommands {
			st.dispatchTimerCommand(tc)
		}

		// An OpSetBpm command just dispatched may have retuned the
		// subbeat duration; re-derive framesPerSubbeat from the live
		// BPM so steps beyond this one in the same period are
		// re-quantized to the new duration, per spec.md §4.1.
		if sampleRate > 0 {
			if recomputed := sampleRate * (subbeatNanos(st.bpm()) / 1e9); recomputed > 0 {
				framesPerSubbeat = recomputed
			}
		}

		step.midiBuffer = step.midiBuffer[:0]
		step.clipCommands = step.clipCommands[:0]
		step.timerCommands = step.timerCommands[:0]
		step.played.Store(true)

		st.stepReadHead.Store(idx + 1)
		st.jackPlayhead.Add(1)
		if sampleRate > 0 {
			st.jackPlayheadUsecs.Store(uint64(float64(nextStepFrame) / sampleRate * 1e6))
		}

		if onStep != nil {
			onStep(frameOffset)
		}

		nextStepFrame += uint64(framesPerSubbeat)
	}

	return scratch, periodEnd
}

// AddAdjustmentByMicroseconds re-runs hiResTimerCallback once for each
// whole subbeat length contained in |us| (the sign of us is ignored).
// It does not move the clock thread's tick schedule.
func (st *SyncTimer) AddAdjustmentByMicroseconds(us int64) {
	subbeatUs := st.JackSubbeatLengthInMicroseconds()
	if subbeatUs <= 0 {
		return
	}
	crossings := int64(math.Abs(float64(us)) / subbeatUs)
	for i := int64(0); i < crossings; i++ {
		st.hiResTimerCallback()
	}
}

// runClock is the FIFO-max-priority clock thread described in
// spec.md §4.1/§9: hybrid sleep-then-spin, no catch-up skipping.
func (st *SyncTimer) runClock() {
	lockOSThreadAndElevate()

	var tickCount int64
	start := monotonicNow()

	for {
		select {
		case <-st.stopClock:
			return
		default:
		}

		st.condMu.Lock()
		for st.paused.Load() {
			st.cond.Wait()
			select {
			case <-st.stopClock:
				st.condMu.Unlock()
				return
			default:
			}
		}
		st.condMu.Unlock()

		intervalNs := time.Duration(subbeatNanos(st.bpm()))
		next := start.Add(time.Duration(tickCount) * intervalNs)
		now := monotonicNow()
		if remaining := next.Sub(now); remaining > 0 {
			if spin := 100 * time.Microsecond; remaining > spin {
				time.Sleep(remaining - spin)
			}
			for monotonicNow().Before(next) {
				// busy-wait spin window to absorb scheduler jitter
			}
		}

		st.hiResTimerCallback()
		tickCount++
	}
}

// monotonicNow is split out so tests can't accidentally depend on
// wall-clock semantics beyond monotonic deltas.
func monotonicNow() time.Time { return time.Now() }

// StartClock launches the clock thread goroutine. Call once per
// SyncTimer instance.
func (st *SyncTimer) StartClock() { go st.runClock() }

// Close stops the clock thread and the garbage-reclaim timer.
func (st *SyncTimer) Close() {
	close(st.stopClock)
	close(st.stopGC)
}

// XrunCount returns the number of JACK xruns observed by the audio
// callback.
func (st *SyncTimer) XrunCount() uint64 { return st.xrunCount.Load() }
