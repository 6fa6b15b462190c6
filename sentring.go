package loopcore

import "sync"

// sentCommandRing is the single-producer/single-consumer notification
// ring used by the audio thread to tell the clock thread which
// ClipCommands it has actually handed to the sampler, per spec.md
// §4.1's "drains the sent-clip-commands ring, emitting one signal per
// entry". Capacity is FreshCommandStashSize; a full ring drops the
// oldest unread entry rather than blocking the audio thread.
type sentCommandRing struct {
	mu     sync.Mutex
	buf    [FreshCommandStashSize]*ClipCommand
	head   int
	tail   int
	filled int
}

func newSentCommandRing() *sentCommandRing {
	return &sentCommandRing{}
}

// push is called from the real-time audio thread. It never allocates;
// it takes the ring mutex, which drain holds only while snapshotting.
func (r *sentCommandRing) push(cmd *ClipCommand) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.tail] = cmd
	r.tail = (r.tail + 1) % FreshCommandStashSize
	if r.filled == FreshCommandStashSize {
		r.head = (r.head + 1) % FreshCommandStashSize
	} else {
		r.filled++
	}
}

// drain hands every queued entry to fn, in FIFO order, then empties
// the ring. Called from the clock thread only.
func (r *sentCommandRing) drain(fn func(*ClipCommand)) {
	r.mu.Lock()
	n := r.filled
	head := r.head
	buf := r.buf
	r.head = r.tail
	r.filled = 0
	r.mu.Unlock()

	for i := 0; i < n; i++ {
		fn(buf[(head+i)%FreshCommandStashSize])
	}
}
