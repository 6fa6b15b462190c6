package loopcore

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/GeoffreyPlitt/debuggo"
)

var routerDebug = debuggo.Debug("loopcore:midirouter")

// Destination is the per-channel-output routing policy named in
// spec.md §4.2.
type Destination int

const (
	DestNone Destination = iota
	DestZynthian
	DestSampler
	DestExternal
)

// ChannelOutput is one of MidiRouter's 16 per-channel outputs.
type ChannelOutput struct {
	Channel                 int
	Destination             Destination
	ZynthianChannels        []int
	ExternalChannelOverride int // -1 means unset; falls back to inputChannel
}

// routedEvent is one transformed MIDI message ready to be written to
// an output's period buffer.
type routedEvent struct {
	outputChannel int
	data          []byte
}

// resolveDestination applies the destination policy from spec.md
// §4.2. Go's switch does not fall through by default, which fixes the
// ExternalDestination bug flagged in spec.md's REDESIGN FLAGS without
// any extra code.
func resolveDestination(output *ChannelOutput, inputChannel int, data []byte) []routedEvent {
	switch output.Destination {
	case DestZynthian:
		events := make([]routedEvent, 0, len(output.ZynthianChannels))
		for _, target := range output.ZynthianChannels {
			events = append(events, routedEvent{outputChannel: target, data: rewriteChannel(data, target)})
		}
		return events
	case DestSampler:
		return []routedEvent{{outputChannel: inputChannel, data: data}}
	case DestExternal:
		target := inputChannel
		if output.ExternalChannelOverride >= 0 {
			target = output.ExternalChannelOverride
		}
		return []routedEvent{{outputChannel: target, data: rewriteChannel(data, target)}}
	default: // DestNone
		return nil
	}
}

func rewriteChannel(data []byte, channel int) []byte {
	if len(data) == 0 {
		return data
	}
	out := append([]byte(nil), data...)
	out[0] = (out[0] & 0xF0) | byte(channel&0x0F)
	return out
}

// RouterConfig holds the ZYNTHIAN_MIDI_* environment configuration
// described in spec.md §4.2, consumed verbatim.
type RouterConfig struct {
	FilterOutput bool
	DisabledIn   []string
	EnabledOut   []string
	EnabledFb    []string
}

// LoadRouterConfig parses ZYNTHIAN_MIDI_FILTER_OUTPUT and
// ZYNTHIAN_MIDI_PORTS from the environment.
func LoadRouterConfig() RouterConfig {
	cfg := RouterConfig{}
	if v := os.Getenv("ZYNTHIAN_MIDI_FILTER_OUTPUT"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		cfg.FilterOutput = err == nil && n != 0
	}
	ports := os.Getenv("ZYNTHIAN_MIDI_PORTS")
	for _, line := range strings.Split(ports, "\n") {
		line = strings.TrimSpace(line)
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		values := splitNonEmpty(value, ",")
		switch strings.TrimSpace(key) {
		case "DISABLED_IN":
			cfg.DisabledIn = values
		case "ENABLED_OUT":
			cfg.EnabledOut = values
		case "ENABLED_FB":
			cfg.EnabledFb = values
		}
	}
	return cfg
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// MidiRouter demultiplexes MIDI by channel to 16 per-channel outputs
// with the per-note destination-affinity table from spec.md §4.2.
type MidiRouter struct {
	mu sync.Mutex

	outputs [16]*ChannelOutput

	noteActivations   [128]int
	activeNoteChannel [128]int

	config RouterConfig

	Passthrough            *ListenerPort
	InternalPassthrough    *ListenerPort
	HardwareInPassthrough  *ListenerPort
	ExternalOut            *ListenerPort

	// ZynthianBackend is an optional local synth sink; see
	// zynthian_backend.go. Nil-safe: never required for the router's
	// specified behavior.
	ZynthianBackend *ZynthianSynthBackend
}

// NewMidiRouter constructs a router with 16 default (DestNone)
// outputs and the four listener ports.
func NewMidiRouter() *MidiRouter {
	r := &MidiRouter{
		Passthrough:           NewListenerPort("Passthrough", 0),
		InternalPassthrough:   NewListenerPort("InternalPassthrough", 5*time.Millisecond),
		HardwareInPassthrough: NewListenerPort("HardwareInPassthrough", 5*time.Millisecond),
		ExternalOut:           NewListenerPort("ExternalOut", 5*time.Millisecond),
	}
	for i := range r.outputs {
		r.outputs[i] = &ChannelOutput{Channel: i, Destination: DestNone, ExternalChannelOverride: -1}
	}
	for i := range r.activeNoteChannel {
		r.activeNoteChannel[i] = -1
	}
	return r
}

// ConfigureChannel sets the destination policy for one of the 16
// outputs.
func (r *MidiRouter) ConfigureChannel(channel int, dest Destination, zynthianChannels []int, externalOverride int) {
	if channel < 0 || channel >= len(r.outputs) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[channel] = &ChannelOutput{
		Channel:                 channel,
		Destination:             dest,
		ZynthianChannels:        zynthianChannels,
		ExternalChannelOverride: externalOverride,
	}
}

// Reload re-reads environment configuration. Per spec.md §4.2,
// reloading disconnects outputs, re-parses, and reconnects; the JACK
// connection churn is handled by midirouter_jack.go, which calls this
// first.
func (r *MidiRouter) Reload() {
	r.mu.Lock()
	r.config = LoadRouterConfig()
	r.mu.Unlock()
	routerDebug("reloaded config: filterOutput=%v disabledIn=%v enabledOut=%v enabledFb=%v",
		r.config.FilterOutput, r.config.DisabledIn, r.config.EnabledOut, r.config.EnabledFb)
}

// isChannelNoteMessage reports whether status is a note-on/note-off byte.
func isChannelNoteMessage(status byte) bool {
	return status >= 0x80 && status < 0xA0
}

// isRealtimeOrSysex reports whether status should be skipped outright.
func isRealtimeOrSysex(status byte) bool {
	return status&0xF0 == 0xF0
}

// routeHardwareEvent implements step 2 of the per-period algorithm: it
// updates the note-activation table, resolves the destination output,
// and returns the events to write plus the channel the event should
// be attributed to for observation purposes.
func (r *MidiRouter) routeHardwareEvent(currentChannel int, data []byte) (events []routedEvent, attributedChannel int) {
	if len(data) == 0 {
		return nil, currentChannel
	}
	status := data[0] & 0xF0
	if isRealtimeOrSysex(data[0]) {
		return nil, currentChannel
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	adjustedChannel := currentChannel
	if isChannelNoteMessage(status) && len(data) >= 2 {
		note := data[1]
		isNoteOn := status == 0x90 && len(data) >= 3 && data[2] > 0
		if isNoteOn {
			if r.noteActivations[note] == 0 {
				r.activeNoteChannel[note] = currentChannel
			}
			r.noteActivations[note]++
		}
		if r.activeNoteChannel[note] >= 0 {
			adjustedChannel = r.activeNoteChannel[note]
		}
		if !isNoteOn {
			r.noteActivations[note] = 0
			r.activeNoteChannel[note] = -1
		}
	}

	output := r.outputs[adjustedChannel&0x0F]
	return resolveDestination(output, currentChannel, data), adjustedChannel
}
