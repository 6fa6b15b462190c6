//go:build jack

package loopcore

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xthexder/go-jack"
)

// hardwareInput pairs a registered JACK input port with the device
// name it was created for. enabled mirrors the original's per-device
// "enabled" flag (MidiRouter.cpp's InputDevice::enabled): the port
// stays registered and connected across a DISABLED_IN toggle, but its
// events are skipped in processCallback while disabled.
type hardwareInput struct {
	name    string
	port    *jack.Port
	enabled bool
}

// JackMidiRouter wires a MidiRouter to a JACK client: one output port
// per of the 16 ChannelOutputs, one input port per hardware device
// (disabled devices keep theirs), and the SyncTimer-facing
// input/passthrough port.
type JackMidiRouter struct {
	router *MidiRouter
	st     *SyncTimer

	client  *jack.Client
	outputs [16]*jack.Port
	syncIn  *jack.Port

	hwMu    sync.Mutex
	hwInputs []*hardwareInput

	outMu               sync.Mutex
	outputExternalConns [16][]string

	expectedNextUsecs uint64
	xrunCount         atomic.Uint64

	hotplugStop chan struct{}
}

// NewJackMidiRouter opens a JACK client named "loopcore-midirouter"
// and registers its 16 output ports plus a SyncTimer-facing input.
func NewJackMidiRouter(router *MidiRouter, st *SyncTimer) (*JackMidiRouter, error) {
	client, err := jack.ClientOpen("loopcore-midirouter", jack.NoStartServer)
	if err != nil || client == nil {
		return nil, fmt.Errorf("loopcore: failed to open JACK client for midirouter: %v", err)
	}
	jmr := &JackMidiRouter{router: router, st: st, client: client, hotplugStop: make(chan struct{})}

	for ch := 0; ch < 16; ch++ {
		name := fmt.Sprintf("output-%02d", ch)
		port, err := client.PortRegister(name, jack.DEFAULT_MIDI_TYPE, jack.PortIsOutput, 0)
		if err != nil || port == nil {
			client.Close()
			return nil, fmt.Errorf("loopcore: failed to register midirouter %s: %v", name, err)
		}
		jmr.outputs[ch] = port
	}

	syncIn, err := client.PortRegister("synctimer_in", jack.DEFAULT_MIDI_TYPE, jack.PortIsInput, 0)
	if err != nil || syncIn == nil {
		client.Close()
		return nil, fmt.Errorf("loopcore: failed to register synctimer_in: %v", err)
	}
	jmr.syncIn = syncIn

	client.SetProcessCallback(jmr.processCallback)
	client.SetPortRegistrationCallback(jmr.onPortRegistration)
	client.SetXRunCallback(func() int {
		jmr.xrunCount.Add(1)
		return 0
	})
	return jmr, nil
}

// shouldClearBuffer implements spec.md §4.2 step 1's "same
// expected_next_usecs cross-check as SyncTimer": skip clearing the
// output ports when this cycle wasn't the one predicted last period,
// so events written for a missed deadline aren't dropped.
func (j *JackMidiRouter) shouldClearBuffer() bool {
	_, currentUsecs, nextUsecs, _, err := j.client.GetCycleTimes()
	if err != nil {
		return true
	}
	clear := true
	if j.expectedNextUsecs != 0 && (j.expectedNextUsecs != currentUsecs || j.xrunCount.Load() > 0) {
		clear = false
		j.xrunCount.Store(0)
	}
	j.expectedNextUsecs = nextUsecs
	return clear
}

// Activate activates the underlying JACK client.
func (j *JackMidiRouter) Activate() error {
	if err := j.client.Activate(); err != nil {
		return fmt.Errorf("loopcore: failed to activate midirouter JACK client: %w", err)
	}
	return nil
}

// Close stops hot-plug handling and closes the JACK client.
func (j *JackMidiRouter) Close() error {
	close(j.hotplugStop)
	j.client.Deactivate()
	return j.client.Close()
}

func (j *JackMidiRouter) processCallback(nframes uint32) int {
	clearBuffers := j.shouldClearBuffer()

	var bufs [16]*jack.PortBuffer
	for ch := range j.outputs {
		buf := j.outputs[ch].GetBuffer(nframes)
		if clearBuffers {
			jack.MidiClearBuffer(buf)
		}
		bufs[ch] = buf
	}

	j.hwMu.Lock()
	inputs := append([]*hardwareInput{}, j.hwInputs...)
	j.hwMu.Unlock()

	for _, hw := range inputs {
		if !hw.enabled {
			continue
		}
		buf := hw.port.GetBuffer(nframes)
		count := jack.MidiGetEventCount(buf)
		for i := uint32(0); i < count; i++ {
			event, err := jack.MidiEventGet(buf, i)
			if err != nil {
				continue
			}
			j.routeAndWrite(event.Buffer, event.Time, nframes, bufs, true)
		}
	}

	syncBuf := j.syncIn.GetBuffer(nframes)
	syncCount := jack.MidiGetEventCount(syncBuf)
	for i := uint32(0); i < syncCount; i++ {
		event, err := jack.MidiEventGet(syncBuf, i)
		if err != nil {
			continue
		}
		j.routeAndWrite(event.Buffer, event.Time, nframes, bufs, false)
	}
	// Deliberate violation of the usual JACK convention: clearing an
	// input port confirms ingestion back to SyncTimer.
	jack.MidiClearBuffer(syncBuf)

	return 0
}

func (j *JackMidiRouter) routeAndWrite(data []byte, frameTime, nframes uint32, bufs [16]*jack.PortBuffer, fromHardware bool) {
	if len(data) == 0 {
		return
	}
	currentChannel := int(data[0] & 0x0F)
	events, adjustedChannel := j.router.routeHardwareEvent(currentChannel, data)
	for _, ev := range events {
		buf := bufs[ev.outputChannel&0x0F]
		jack.MidiEventWrite(buf, frameTime, ev.data, jack.MidiMaxEventSize(buf))
	}

	subbeatLen := j.st.JackSubbeatLengthInMicroseconds()
	stamp := float64(j.st.JackPlayhead())
	if sampleRate := float64(j.client.GetSampleRate()); subbeatLen > 0 && sampleRate > 0 {
		usecsPerFrame := 1e6 / sampleRate
		stamp += float64(frameTime) * usecsPerFrame / subbeatLen
	}
	note := NoteMessage{Channel: uint8(adjustedChannel), Data: data, SubbeatStamp: stamp}

	if fromHardware {
		j.router.HardwareInPassthrough.Emit(note)
		j.router.Passthrough.Emit(note)
		if j.router.outputs[adjustedChannel&0x0F].Destination == DestExternal {
			j.router.ExternalOut.Emit(note)
		}
	} else {
		j.router.InternalPassthrough.Emit(note)
	}

	if j.router.ZynthianBackend != nil {
		j.router.ZynthianBackend.Write(data)
	}
}

// onPortRegistration starts a 300ms timer for every port-registration
// event; when a timer fires it runs rescanHardwarePorts. Events that
// arrive within the same 300ms window are not coalesced: each one
// leads to its own rescan.
func (j *JackMidiRouter) onPortRegistration(port jack.PortId, register bool) {
	go func() {
		select {
		case <-time.After(300 * time.Millisecond):
			j.rescanHardwarePorts()
		case <-j.hotplugStop:
		}
	}()
}

// rescanHardwarePorts re-discovers physical MIDI sources, registers
// input ports for newly-plugged devices, retires unplugged ones, and
// (per spec.md §4.2's "reloading disconnects outputs, re-parses, and
// reconnects") re-derives every device's enabled state from the
// latest RouterConfig and reconnects the channel outputs.
func (j *JackMidiRouter) rescanHardwarePorts() {
	ports := j.client.GetPorts("", jack.DEFAULT_MIDI_TYPE, jack.PortIsOutput|jack.PortIsPhysical)

	j.router.mu.Lock()
	disabledIn := j.router.config.DisabledIn
	j.router.mu.Unlock()

	j.hwMu.Lock()

	seen := make(map[string]bool, len(ports))
	for _, source := range ports {
		seen[source] = true
		if j.hasInputFor(source) {
			continue
		}
		name := "input-" + aliasName(source)
		port, err := j.client.PortRegister(name, jack.DEFAULT_MIDI_TYPE, jack.PortIsInput, 0)
		if err != nil || port == nil {
			continue
		}
		j.client.Connect(source, j.client.GetName()+":"+name)
		j.hwInputs = append(j.hwInputs, &hardwareInput{name: source, port: port})
		routerDebug("hot-plugged MIDI input: %s", source)
	}

	kept := j.hwInputs[:0]
	for _, hw := range j.hwInputs {
		if !seen[hw.name] {
			routerDebug("disposed MIDI input for unplugged device: %s", hw.name)
			continue
		}
		hw.enabled = !stringSliceContains(disabledIn, hw.name)
		kept = append(kept, hw)
	}
	j.hwInputs = kept
	j.hwMu.Unlock()

	j.reconnectChannelOutputs()
}

// reconnectChannelOutputs applies EnabledOut/FilterOutput to the 16
// per-channel output ports, connecting each DestExternal output (and,
// when FilterOutput is set, every DestZynthian output too, mirroring
// the original's "filterMidiOut=1 means everything goes out
// externally") to the configured external ports, and disconnecting
// anything no longer eligible.
func (j *JackMidiRouter) reconnectChannelOutputs() {
	j.router.mu.Lock()
	cfg := j.router.config
	outputs := j.router.outputs
	j.router.mu.Unlock()

	j.outMu.Lock()
	defer j.outMu.Unlock()

	for ch := 0; ch < 16; ch++ {
		portName := j.client.GetName() + ":" + fmt.Sprintf("output-%02d", ch)
		wantsExternal := outputs[ch].Destination == DestExternal ||
			(cfg.FilterOutput && outputs[ch].Destination == DestZynthian)

		prev := j.outputExternalConns[ch]
		if !wantsExternal {
			for _, target := range prev {
				j.client.Disconnect(portName, target)
			}
			j.outputExternalConns[ch] = nil
			continue
		}

		next := append([]string{}, cfg.EnabledOut...)
		for _, target := range prev {
			if !stringSliceContains(next, target) {
				j.client.Disconnect(portName, target)
			}
		}
		for _, target := range next {
			j.client.Connect(portName, target)
		}
		j.outputExternalConns[ch] = next
	}
}

// Reload re-parses RouterConfig and re-applies it to the live JACK
// graph: per spec.md §4.2, "reloading disconnects outputs, re-parses,
// and reconnects".
func (j *JackMidiRouter) Reload() {
	j.router.Reload()
	j.rescanHardwarePorts()
}

func stringSliceContains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func (j *JackMidiRouter) hasInputFor(source string) bool {
	for _, hw := range j.hwInputs {
		if hw.name == source {
			return true
		}
	}
	return false
}

// aliasName derives a human-readable device name by stripping the
// first five dash-separated tokens from a JACK alias, per spec.md
// §4.2's hot-plug description.
func aliasName(source string) string {
	parts := splitDash(source)
	if len(parts) > 5 {
		return joinDash(parts[5:])
	}
	return source
}

func splitDash(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '-' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

func joinDash(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "-" + p
	}
	return out
}
