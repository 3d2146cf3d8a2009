package http2

import (
	"fmt"
	"sync"

	"example.com/h2flow/internal/logger"
)

// ConnectionMessageQueueOut serializes outbound messages onto the wire via
// the FrameWriter collaborator, honoring the connection-level outgoing window
// and fragmenting DATA to fit available credit.
//
// Header and push-promise messages are never subject to flow control and are
// written immediately. DATA is deferred whole while the transport is buffered
// or the connection window is exhausted, and is resumed oldest-first when
// either indicator flips back to Unbuffered.
type ConnectionMessageQueueOut struct {
	mu sync.Mutex

	fw           FrameWriter
	window       *OutgoingWindowHandler // connection-scope send window
	maxFrameSize uint32
	log          *logger.Logger

	// pending holds DATA messages (or fragment remainders) not yet handed to
	// the frame writer, oldest first.
	pending []DataMessage

	closing   bool
	completed bool
	done      chan struct{}
}

// NewConnectionMessageQueueOut creates the connection-scope outbound queue and
// subscribes it to both the send window's and the frame writer's buffer
// indicators. maxFrameSize of 0 selects DefaultMaxFrameSize.
func NewConnectionMessageQueueOut(window *OutgoingWindowHandler, fw FrameWriter, maxFrameSize uint32, log *logger.Logger) *ConnectionMessageQueueOut {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	q := &ConnectionMessageQueueOut{
		fw:           fw,
		window:       window,
		maxFrameSize: maxFrameSize,
		log:          log,
		done:         make(chan struct{}),
	}
	window.BufferIndicator().Subscribe(q)
	fw.BufferIndicator().Subscribe(q)
	return q
}

// EnqueueMessage submits a message for transmission.
// Returns *ClosedQueueError after StartClosing has been called.
func (q *ConnectionMessageQueueOut) EnqueueMessage(msg Message) error {
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		return NewClosedQueueError(0)
	}

	switch m := msg.(type) {
	case HeadersMessage:
		q.mu.Unlock()
		return q.fw.WriteHeadersFrame(m.StreamID(), m.Headers(), m.EndStream())
	case PushPromiseMessage:
		q.mu.Unlock()
		return q.fw.WritePushPromiseFrame(m.StreamID(), m.PromisedStreamID(), m.Headers())
	case DataMessage:
		err := q.deliverDataLocked(m, false)
		q.mu.Unlock()
		return err
	default:
		q.mu.Unlock()
		return NewConnectionError(ErrCodeInternalError, fmt.Sprintf("unsupported message type %T", msg))
	}
}

// deliverDataLocked applies the window/backpressure policy to one DATA
// message. fromPending is true when the message was popped off the pending
// list by drainLocked, which has already verified the writer and window gates.
func (q *ConnectionMessageQueueOut) deliverDataLocked(m DataMessage, fromPending bool) error {
	n := m.FlowControlledLength()

	if !fromPending {
		// Defer whole when older data is pending (ordering), the transport is
		// buffered, or the connection window is exhausted.
		if len(q.pending) > 0 || q.fw.BufferIndicator().Buffered() || (n > 0 && q.window.Available() <= 0) {
			q.pending = append(q.pending, m)
			q.log.Debug("connection out-queue: data deferred", logger.LogFields{
				"stream_id": m.StreamID(),
				"length":    n,
				"pending":   len(q.pending),
			})
			return nil
		}
	}

	if n == 0 {
		// An empty DATA frame consumes no window; it only matters when it
		// carries END_STREAM.
		if !m.EndStream() {
			return nil
		}
		return q.fw.WriteDataFrame(m.StreamID(), m.Data(), true)
	}

	avail := q.window.Available()
	if avail <= 0 {
		// Window exactly 0: the message is fully deferred, never written as a
		// zero-byte fragment.
		q.pending = append([]DataMessage{m}, q.pending...)
		return nil
	}

	if avail >= int64(n) {
		q.window.DecreaseWindow(n)
		return q.writeDataChunkedLocked(m.StreamID(), m.Data(), m.EndStream())
	}

	// 0 < window < payload: write the first `window` bytes as a non-final
	// frame and re-enqueue a fresh message carrying the remaining suffix with
	// the original END_STREAM flag.
	credit := uint32(avail)
	q.window.DecreaseWindow(credit) // drives the handler into Buffered
	prefix, remainder := m.SplitAt(credit)
	q.pending = append([]DataMessage{remainder}, q.pending...)
	q.log.Debug("connection out-queue: fragmented", logger.LogFields{
		"stream_id": m.StreamID(),
		"written":   credit,
		"remaining": n - credit,
	})
	return q.writeDataChunkedLocked(m.StreamID(), prefix, false)
}

// writeDataChunkedLocked writes data whose window credit is already consumed,
// splitting it into frames of at most maxFrameSize. END_STREAM is carried by
// the final frame only.
func (q *ConnectionMessageQueueOut) writeDataChunkedLocked(streamID uint32, data []byte, endStream bool) error {
	for uint32(len(data)) > q.maxFrameSize {
		if err := q.fw.WriteDataFrame(streamID, data[:q.maxFrameSize], false); err != nil {
			return err
		}
		data = data[q.maxFrameSize:]
	}
	return q.fw.WriteDataFrame(streamID, data, endStream)
}

// drainLocked resumes delivery of pending messages, oldest first, until the
// list empties or a gate (transport backpressure, exhausted window) closes.
func (q *ConnectionMessageQueueOut) drainLocked() {
	for len(q.pending) > 0 {
		if q.fw.BufferIndicator().Buffered() {
			break
		}
		m := q.pending[0]
		if m.FlowControlledLength() > 0 && q.window.Available() <= 0 {
			break
		}
		q.pending = q.pending[1:]
		if err := q.deliverDataLocked(m, true); err != nil {
			q.log.Error("connection out-queue: write failed during drain", logger.LogFields{
				"stream_id": m.StreamID(),
				"error":     err.Error(),
			})
			break
		}
	}
	q.maybeCompleteLocked()
}

// OnBufferStateChange implements BufferSubscriber for both the window's and
// the frame writer's indicators; an Unbuffered edge resumes delivery.
func (q *ConnectionMessageQueueOut) OnBufferStateChange(state BufferState) {
	if state != BufferStateUnbuffered {
		return
	}
	q.mu.Lock()
	q.drainLocked()
	q.mu.Unlock()
}

// StartClosing stops accepting new messages. Pending messages keep draining
// as credit returns; once the queue is empty the completion signal fires.
// Closing is monotone and idempotent.
func (q *ConnectionMessageQueueOut) StartClosing() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closing {
		return
	}
	q.closing = true
	q.maybeCompleteLocked()
}

func (q *ConnectionMessageQueueOut) maybeCompleteLocked() {
	if q.closing && !q.completed && len(q.pending) == 0 {
		q.completed = true
		close(q.done)
	}
}

// Done returns a channel closed exactly once, when the queue has begun
// closing and all pending messages have drained.
func (q *ConnectionMessageQueueOut) Done() <-chan struct{} {
	return q.done
}

// PendingMessages returns the number of messages currently held back by
// insufficient window or transport backpressure.
func (q *ConnectionMessageQueueOut) PendingMessages() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
