package loopcore

import "testing"

// TestNoteAffinity is the note-affinity invariant from spec.md §8: the
// note-off for a note-on must be delivered to the same destination
// channel even if currentChannel changes in between.
func TestNoteAffinity(t *testing.T) {
	r := NewMidiRouter()

	noteOn := []byte{0x90, 60, 100}
	_, onChannel := r.routeHardwareEvent(3, noteOn)
	if onChannel != 3 {
		t.Fatalf("expected note-on attributed to channel 3, got %d", onChannel)
	}

	// currentChannel changes before the matching note-off arrives.
	noteOff := []byte{0x80, 60, 0}
	_, offChannel := r.routeHardwareEvent(7, noteOff)
	if offChannel != onChannel {
		t.Fatalf("note-off must follow the note-on's latched channel %d, got %d", onChannel, offChannel)
	}
}

// TestNoteAffinityRetrigger checks that a note retriggered while still
// active keeps its originally-latched channel, and that releasing it
// fully clears the latch so the next note-on picks up whatever
// channel is current at that point.
func TestNoteAffinityRetrigger(t *testing.T) {
	r := NewMidiRouter()

	r.routeHardwareEvent(1, []byte{0x90, 60, 100})
	_, second := r.routeHardwareEvent(9, []byte{0x90, 60, 100}) // retriggered on a different channel
	if second != 1 {
		t.Fatalf("a note already active should keep its original channel, got %d", second)
	}

	r.routeHardwareEvent(9, []byte{0x80, 60, 0}) // released, latch cleared
	_, third := r.routeHardwareEvent(5, []byte{0x90, 60, 100})
	if third != 5 {
		t.Fatalf("a fresh note-on after full release should latch the current channel (5), got %d", third)
	}
}

// TestExternalDestinationNoFallthrough verifies the REDESIGN FLAG fix:
// an External-destination channel must never also emit None's
// (no-op) effect.
func TestExternalDestinationNoFallthrough(t *testing.T) {
	output := &ChannelOutput{Channel: 0, Destination: DestExternal, ExternalChannelOverride: -1}
	events := resolveDestination(output, 2, []byte{0x90, 60, 100})
	if len(events) != 1 {
		t.Fatalf("expected exactly one routed event for DestExternal, got %d", len(events))
	}
	if events[0].outputChannel != 2 {
		t.Fatalf("expected the external event to target the input channel absent an override, got %d", events[0].outputChannel)
	}
}

// TestZynthianFanOut checks DestZynthian's channel rewrite for a
// multi-channel fan-out.
func TestZynthianFanOut(t *testing.T) {
	output := &ChannelOutput{Channel: 0, Destination: DestZynthian, ZynthianChannels: []int{1, 2}}
	events := resolveDestination(output, 0, []byte{0x90, 60, 100})
	if len(events) != 2 {
		t.Fatalf("expected one event per zynthian channel, got %d", len(events))
	}
	for i, want := range []int{1, 2} {
		if events[i].outputChannel != want {
			t.Fatalf("event %d: expected output channel %d, got %d", i, want, events[i].outputChannel)
		}
		if events[i].data[0]&0x0F != byte(want) {
			t.Fatalf("event %d: expected rewritten channel nibble %d, got %d", i, want, events[i].data[0]&0x0F)
		}
	}
}
