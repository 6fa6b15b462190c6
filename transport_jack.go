//go:build jack

package loopcore

import (
	"fmt"

	"github.com/xthexder/go-jack"
)

// TransportManager is the thin JACK timebase master from spec.md §1/§9:
// it forwards MIDI start/stop/continue into SyncTimer via scheduled
// commands and publishes BBT every period. It holds no scheduling logic
// of its own.
type TransportManager struct {
	st  *SyncTimer
	jst *JackSyncTimer

	client *jack.Client
	midiIn *jack.Port
}

const (
	midiRealtimeStart    = 0xFA
	midiRealtimeContinue = 0xFB
	midiRealtimeStop     = 0xFC
)

// NewTransportManager opens a JACK client named "loopcore-transport"
// with a midi_in port and registers as timebase master.
func NewTransportManager(st *SyncTimer, jst *JackSyncTimer) (*TransportManager, error) {
	client, err := jack.ClientOpen("loopcore-transport", jack.NoStartServer)
	if err != nil || client == nil {
		return nil, fmt.Errorf("loopcore: failed to open JACK client for transport: %v", err)
	}
	tm := &TransportManager{st: st, jst: jst, client: client}

	midiIn, err := client.PortRegister("midi_in", jack.DEFAULT_MIDI_TYPE, jack.PortIsInput, 0)
	if err != nil || midiIn == nil {
		client.Close()
		return nil, fmt.Errorf("loopcore: failed to register transport midi_in: %v", err)
	}
	tm.midiIn = midiIn

	if _, err := client.PortRegister("midi_out", jack.DEFAULT_MIDI_TYPE, jack.PortIsOutput, 0); err != nil {
		client.Close()
		return nil, fmt.Errorf("loopcore: failed to register transport midi_out: %v", err)
	}

	client.SetProcessCallback(tm.processCallback)
	client.SetTimebaseCallback(tm.setPosition, false)
	return tm, nil
}

// Activate activates the underlying JACK client.
func (tm *TransportManager) Activate() error {
	if err := tm.client.Activate(); err != nil {
		return fmt.Errorf("loopcore: failed to activate transport JACK client: %w", err)
	}
	return nil
}

// Close deactivates and closes the JACK client.
func (tm *TransportManager) Close() error {
	tm.client.Deactivate()
	return tm.client.Close()
}

func (tm *TransportManager) processCallback(nframes uint32) int {
	buf := tm.midiIn.GetBuffer(nframes)
	count := jack.MidiGetEventCount(buf)
	for i := uint32(0); i < count; i++ {
		event, err := jack.MidiEventGet(buf, i)
		if err != nil || len(event.Buffer) == 0 {
			continue
		}
		var op TimerOperation
		switch event.Buffer[0] {
		case midiRealtimeStart, midiRealtimeContinue:
			op = OpStartPlayback
		case midiRealtimeStop:
			op = OpStopPlayback
		default:
			continue
		}
		tc := tm.st.GetTimerCommand()
		if tc == nil {
			continue // pool exhausted: drop the event rather than block
		}
		tc.Operation = op
		tm.st.ScheduleTimerCommand(0, tc)
	}
	return 0
}

// setPosition copies the core's bar/beat/tick/BPM into pos, the
// "simply copies these fields" passthrough named in spec.md §9.
func (tm *TransportManager) setPosition(state jack.TransportState, nframes uint32, pos *jack.Position, newPos bool) {
	bar, beat, tick := tm.jst.BBT()
	pos.Bar = int32(bar)
	pos.Beat = int32(beat)
	pos.Tick = int32(tick)
	pos.BeatsPerBar = BeatsPerBar
	pos.BeatsPerMinute = tm.st.BPM()
	pos.TicksPerBeat = BeatSubdivisions
}
