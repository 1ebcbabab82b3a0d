package procman

import (
	"sync"
	"time"
)

// Chunk is one captured piece of process output
type Chunk struct {
	Stream string // "stdout" or "stderr"
	Text   string
	At     time.Time
}

// Ring is a fixed-capacity replay log of recent output chunks. When full,
// a new chunk evicts the oldest. A subscriber attaching to a live process
// receives the buffered backlog immediately followed by live chunks.
type Ring struct {
	mu      sync.Mutex
	buf     []Chunk
	start   int
	count   int
	subs    map[int]chan Chunk
	nextID  int
	dropped int
}

// DefaultRingCapacity is used when no capacity is configured
const DefaultRingCapacity = 100

// NewRing creates a ring buffer holding up to capacity chunks
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Ring{
		buf:  make([]Chunk, capacity),
		subs: make(map[int]chan Chunk),
	}
}

// Append adds a chunk, evicting the oldest when full, and forwards it to
// live subscribers
func (r *Ring) Append(c Chunk) {
	if c.At.IsZero() {
		c.At = time.Now()
	}

	r.mu.Lock()
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = c
		r.count++
	} else {
		r.buf[r.start] = c
		r.start = (r.start + 1) % len(r.buf)
	}
	for _, ch := range r.subs {
		select {
		case ch <- c:
		default:
			// Subscriber fell behind; it still holds the backlog it
			// received on attach and can re-attach for a fresh snapshot.
			r.dropped++
		}
	}
	r.mu.Unlock()
}

// Dropped returns how many live chunks were discarded because a
// subscriber's channel was full
func (r *Ring) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Snapshot returns the buffered chunks in emission order
func (r *Ring) Snapshot() []Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Chunk, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Subscribe returns the current backlog plus a channel of live chunks and
// a cancel function. Backlog and live delivery do not overlap or reorder:
// both are taken under the same lock.
func (r *Ring) Subscribe() ([]Chunk, <-chan Chunk, func()) {
	r.mu.Lock()
	backlog := make([]Chunk, r.count)
	for i := 0; i < r.count; i++ {
		backlog[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	ch := make(chan Chunk, 2*len(r.buf))
	id := r.nextID
	r.nextID++
	r.subs[id] = ch
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		if sub, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(sub)
		}
		r.mu.Unlock()
	}
	return backlog, ch, cancel
}

// Len returns the number of buffered chunks
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the configured capacity
func (r *Ring) Cap() int {
	return len(r.buf)
}
