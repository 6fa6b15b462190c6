package loopcore

import (
	"sync"
	"time"

	"github.com/GeoffreyPlitt/debuggo"
)

var poolDebug = debuggo.Debug("loopcore:synctimer:pool")

// commandSlotState tags a pool slot's position in the cyclic-ownership
// lifecycle described in spec.md §9: producers acquire a free slot;
// the audio thread hands the object to the sampler; the sampler
// returns it for reclamation. Modeled as a per-slot enum over a fixed
// array, never as a reference graph.
type commandSlotState int32

const (
	slotFree commandSlotState = iota
	slotProducer
	slotInFlight
	slotSampler
	slotReclaiming
)

// clipCommandPool is a preallocated arena of ClipCommand slots. The
// audio thread never allocates; it only draws already-prepared
// commands out of a pool sweep.
type clipCommandPool struct {
	mu      sync.Mutex
	slots   [commandPoolSize]ClipCommand
	state   [commandPoolSize]commandSlotState
	reclaim []int
}

func newClipCommandPool() *clipCommandPool {
	p := &clipCommandPool{}
	for i := range p.slots {
		p.slots[i].poolIndex = i
	}
	return p
}

// acquire draws a free slot via a linear sweep, or returns nil if the
// pool is exhausted. Callers (producers) must check for nil and drop
// the event rather than block, per spec.md §7.
func (p *clipCommandPool) acquire() *ClipCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.state {
		if p.state[i] == slotFree {
			p.state[i] = slotProducer
			cmd := &p.slots[i]
			*cmd = ClipCommand{poolIndex: i}
			return cmd
		}
	}
	poolDebug("ClipCommand pool exhausted (%d slots in use)", commandPoolSize)
	return nil
}

// release queues cmd for reclamation by the garbage-reclaim timer
// rather than freeing it immediately, matching the teacher's "never
// allocate/free on the hot path" discipline.
func (p *clipCommandPool) release(cmd *ClipCommand) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state[cmd.poolIndex] = slotReclaiming
	p.reclaim = append(p.reclaim, cmd.poolIndex)
}

// reclaimSweep is invoked by the low-priority garbage-reclaim timer.
// It nulls out reclaimed slots and marks them free again.
func (p *clipCommandPool) reclaimSweep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, idx := range p.reclaim {
		p.slots[idx] = ClipCommand{poolIndex: idx}
		p.state[idx] = slotFree
	}
	p.reclaim = p.reclaim[:0]
}

// timerCommandPool mirrors clipCommandPool for TimerCommand.
type timerCommandPool struct {
	mu      sync.Mutex
	slots   [commandPoolSize]TimerCommand
	state   [commandPoolSize]commandSlotState
	reclaim []int
}

func newTimerCommandPool() *timerCommandPool {
	p := &timerCommandPool{}
	for i := range p.slots {
		p.slots[i].poolIndex = i
	}
	return p
}

func (p *timerCommandPool) acquire() *TimerCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.state {
		if p.state[i] == slotFree {
			p.state[i] = slotProducer
			cmd := &p.slots[i]
			*cmd = TimerCommand{poolIndex: i}
			return cmd
		}
	}
	poolDebug("TimerCommand pool exhausted (%d slots in use)", commandPoolSize)
	return nil
}

func (p *timerCommandPool) release(cmd *TimerCommand) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state[cmd.poolIndex] = slotReclaiming
	p.reclaim = append(p.reclaim, cmd.poolIndex)
}

func (p *timerCommandPool) reclaimSweep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, idx := range p.reclaim {
		p.slots[idx] = TimerCommand{poolIndex: idx}
		p.state[idx] = slotFree
	}
	p.reclaim = p.reclaim[:0]
}

// startGarbageReclaimTimer runs the low-priority reclaim sweep on a
// normal-priority goroutine until stop is closed, per the thread table
// in spec.md §5.
func startGarbageReclaimTimer(clipPool *clipCommandPool, timerPool *timerCommandPool, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				clipPool.reclaimSweep()
				timerPool.reclaimSweep()
			}
		}
	}()
}
