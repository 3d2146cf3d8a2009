package http2

import "sync"

// BufferState is the state of a BufferIndicator.
type BufferState uint8

const (
	// BufferStateUnbuffered means the owner can currently accept more data.
	BufferStateUnbuffered BufferState = iota
	// BufferStateBuffered means the owner cannot accept more data; producers
	// must defer until the indicator transitions back to Unbuffered.
	BufferStateBuffered
)

// String returns a string representation of the BufferState.
func (s BufferState) String() string {
	switch s {
	case BufferStateUnbuffered:
		return "unbuffered"
	case BufferStateBuffered:
		return "buffered"
	default:
		return "unknown"
	}
}

// BufferSubscriber is notified of BufferIndicator state transitions.
type BufferSubscriber interface {
	OnBufferStateChange(state BufferState)
}

// BufferIndicator is a two-state backpressure latch. It is the single
// backpressure vocabulary shared by window handlers (window exhaustion), the
// frame writer (transport backpressure) and stream queues (consumer slowness).
//
// Marking the current state again is a no-op; only an actual transition
// notifies subscribers, synchronously and in registration order, before the
// marking call returns.
type BufferIndicator struct {
	mu          sync.Mutex
	state       BufferState
	subscribers []BufferSubscriber
}

// NewBufferIndicator creates a BufferIndicator in the Unbuffered state.
func NewBufferIndicator() *BufferIndicator {
	return &BufferIndicator{state: BufferStateUnbuffered}
}

// Subscribe registers a subscriber. Subscribers are notified in registration
// order on every state transition.
func (bi *BufferIndicator) Subscribe(sub BufferSubscriber) {
	bi.mu.Lock()
	defer bi.mu.Unlock()
	bi.subscribers = append(bi.subscribers, sub)
}

// Buffered reports whether the indicator is currently in the Buffered state.
func (bi *BufferIndicator) Buffered() bool {
	bi.mu.Lock()
	defer bi.mu.Unlock()
	return bi.state == BufferStateBuffered
}

// State returns the current state.
func (bi *BufferIndicator) State() BufferState {
	bi.mu.Lock()
	defer bi.mu.Unlock()
	return bi.state
}

// MarkBuffered moves the indicator to the Buffered state.
func (bi *BufferIndicator) MarkBuffered() {
	bi.mark(BufferStateBuffered)
}

// MarkUnbuffered moves the indicator to the Unbuffered state.
func (bi *BufferIndicator) MarkUnbuffered() {
	bi.mark(BufferStateUnbuffered)
}

func (bi *BufferIndicator) mark(next BufferState) {
	bi.mu.Lock()
	if bi.state == next {
		bi.mu.Unlock()
		return
	}
	bi.state = next
	// Copy so subscribers may re-enter Subscribe without holding the lock.
	subs := make([]BufferSubscriber, len(bi.subscribers))
	copy(subs, bi.subscribers)
	bi.mu.Unlock()

	for _, sub := range subs {
		sub.OnBufferStateChange(next)
	}
}
