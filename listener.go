package loopcore

import (
	"sync"
	"sync/atomic"
	"time"
)

// NoteMessage is one observed MIDI event, timestamped in subbeats so
// observers can correlate it against SyncTimer's beat grid.
type NoteMessage struct {
	Channel      uint8
	Data         []byte
	SubbeatStamp float64
}

const listenerRingSize = 1000

// ListenerPort is a lock-free observation ring of up to 1,000
// pre-allocated NoteMessage slots, per spec.md §4.2's Observability
// section. The audio thread writes; a poll thread (waitTime > 0) or a
// direct emit (waitTime == 0, Passthrough only) reads.
type ListenerPort struct {
	name     string
	waitTime time.Duration

	slots [listenerRingSize]NoteMessage
	tail  atomic.Uint32 // next write index, wraps at listenerRingSize

	lastRelevant atomic.Uint32

	mu        sync.Mutex
	observers []func(NoteMessage)
}

// NewListenerPort constructs a port. waitTime=0 marks Passthrough,
// whose Emit calls observers directly from the audio thread — "use
// with care" per spec.md §4.2.
func NewListenerPort(name string, waitTime time.Duration) *ListenerPort {
	return &ListenerPort{name: name, waitTime: waitTime}
}

// Subscribe registers an observer callback invoked from the poll
// thread (or, for Passthrough, from the audio thread itself).
func (p *ListenerPort) Subscribe(fn func(NoteMessage)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, fn)
}

// Emit is called from the real-time audio thread. With waitTime > 0 it
// never allocates: the message is copied into a pre-allocated slot.
// With waitTime 0 it also calls the observers directly via notify,
// which copies the observer list.
func (p *ListenerPort) Emit(msg NoteMessage) {
	idx := p.tail.Load() % listenerRingSize
	p.slots[idx] = msg
	p.tail.Store(idx + 1)
	p.lastRelevant.Store(idx)

	if p.waitTime == 0 {
		p.notify(msg)
	}
}

func (p *ListenerPort) notify(msg NoteMessage) {
	p.mu.Lock()
	observers := append([]func(NoteMessage){}, p.observers...)
	p.mu.Unlock()
	for _, fn := range observers {
		fn(msg)
	}
}

// poll drains slots 0..lastRelevantMessage and resets, per spec.md
// §4.2's 5ms poll thread description.
func (p *ListenerPort) poll() {
	last := p.lastRelevant.Load()
	for i := uint32(0); i <= last; i++ {
		p.notify(p.slots[i])
	}
	p.lastRelevant.Store(0)
}

// StartListenerPolling launches the 5ms poll thread shared by every
// non-Passthrough listener port.
func StartListenerPolling(ports []*ListenerPort, stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Millisecond)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				for _, p := range ports {
					if p.waitTime > 0 {
						p.poll()
					}
				}
			}
		}
	}()
}
