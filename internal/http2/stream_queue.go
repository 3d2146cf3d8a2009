package http2

import (
	"sync"

	"example.com/h2flow/internal/logger"
)

// MessageConsumer receives the messages a StreamMessageQueueIn delivers for a
// single stream. ConsumeMessage returns false when the consumer cannot accept
// further messages after this one; the queue then buffers until ConsumerReady
// is called.
type MessageConsumer interface {
	ConsumeMessage(msg Message) bool
}

// StreamMessageQueueOut applies the stream-scope outgoing window before
// handing messages to the connection-scope queue. A message may therefore be
// held at stream scope even when connection-scope credit is ample; both
// windows must be positive for bytes to reach the wire.
type StreamMessageQueueOut struct {
	mu sync.Mutex

	streamID  uint32
	window    *OutgoingWindowHandler // stream-scope send window
	connQueue *ConnectionMessageQueueOut
	log       *logger.Logger

	pending []DataMessage

	closing   bool
	completed bool
	done      chan struct{}
}

// NewStreamMessageQueueOut creates the outbound queue for one stream and
// subscribes it to the stream send window's buffer indicator.
func NewStreamMessageQueueOut(streamID uint32, window *OutgoingWindowHandler, connQueue *ConnectionMessageQueueOut, log *logger.Logger) *StreamMessageQueueOut {
	q := &StreamMessageQueueOut{
		streamID:  streamID,
		window:    window,
		connQueue: connQueue,
		log:       log,
		done:      make(chan struct{}),
	}
	window.BufferIndicator().Subscribe(q)
	return q
}

// EnqueueMessage submits a message for transmission on this stream.
// Header and push-promise messages bypass stream flow control and go straight
// to the connection queue. Returns *ClosedQueueError after StartClosing.
func (q *StreamMessageQueueOut) EnqueueMessage(msg Message) error {
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		return NewClosedQueueError(q.streamID)
	}

	dm, isData := msg.(DataMessage)
	if !isData {
		q.mu.Unlock()
		return q.connQueue.EnqueueMessage(msg)
	}

	err := q.deliverDataLocked(dm, false)
	q.mu.Unlock()
	return err
}

func (q *StreamMessageQueueOut) deliverDataLocked(m DataMessage, fromPending bool) error {
	n := m.FlowControlledLength()

	if !fromPending {
		if len(q.pending) > 0 || (n > 0 && q.window.Available() <= 0) {
			q.pending = append(q.pending, m)
			q.log.Debug("stream out-queue: data deferred", logger.LogFields{
				"stream_id": q.streamID,
				"length":    n,
				"pending":   len(q.pending),
			})
			return nil
		}
	}

	if n == 0 {
		return q.connQueue.EnqueueMessage(m)
	}

	avail := q.window.Available()
	if avail <= 0 {
		q.pending = append([]DataMessage{m}, q.pending...)
		return nil
	}

	if avail >= int64(n) {
		q.window.DecreaseWindow(n)
		return q.connQueue.EnqueueMessage(m)
	}

	// Stream credit covers only a prefix: forward it as a non-final message
	// and hold the remainder until a stream WINDOW_UPDATE arrives.
	credit := uint32(avail)
	q.window.DecreaseWindow(credit)
	prefix, remainder := m.SplitAt(credit)
	q.pending = append([]DataMessage{remainder}, q.pending...)
	q.log.Debug("stream out-queue: fragmented", logger.LogFields{
		"stream_id": q.streamID,
		"written":   credit,
		"remaining": n - credit,
	})
	return q.connQueue.EnqueueMessage(NewDataMessage(m.StreamID(), prefix, false))
}

func (q *StreamMessageQueueOut) drainLocked() {
	for len(q.pending) > 0 {
		m := q.pending[0]
		if m.FlowControlledLength() > 0 && q.window.Available() <= 0 {
			break
		}
		q.pending = q.pending[1:]
		if err := q.deliverDataLocked(m, true); err != nil {
			q.log.Error("stream out-queue: forward failed during drain", logger.LogFields{
				"stream_id": q.streamID,
				"error":     err.Error(),
			})
			break
		}
	}
	q.maybeCompleteLocked()
}

// OnBufferStateChange implements BufferSubscriber for the stream send
// window's indicator; an Unbuffered edge resumes forwarding.
func (q *StreamMessageQueueOut) OnBufferStateChange(state BufferState) {
	if state != BufferStateUnbuffered {
		return
	}
	q.mu.Lock()
	q.drainLocked()
	q.mu.Unlock()
}

// StartClosing stops accepting new messages; pending data keeps draining and
// the completion signal fires once the queue empties.
func (q *StreamMessageQueueOut) StartClosing() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closing {
		return
	}
	q.closing = true
	q.maybeCompleteLocked()
}

func (q *StreamMessageQueueOut) maybeCompleteLocked() {
	if q.closing && !q.completed && len(q.pending) == 0 {
		q.completed = true
		close(q.done)
	}
}

// Done returns a channel closed exactly once, when the queue has begun
// closing and all pending messages have drained.
func (q *StreamMessageQueueOut) Done() <-chan struct{} {
	return q.done
}

// PendingMessages returns the number of messages currently held back by
// insufficient stream window.
func (q *StreamMessageQueueOut) PendingMessages() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// StreamMessageQueueIn orders inbound messages for a single stream's
// consumer, applying the stream-scope incoming window and exposing the
// BufferIndicator the connection-scope in-queue subscribes to. Per-stream
// consumer pace thus becomes visible one layer up through a single signal.
type StreamMessageQueueIn struct {
	mu sync.Mutex

	streamID  uint32
	window    *IncomingWindowHandler // stream-scope receive window
	fw        FrameWriter            // for stream-scope WINDOW_UPDATE emission
	consumer  MessageConsumer
	indicator *BufferIndicator
	log       *logger.Logger

	backlog []Message
	closing bool
}

// NewStreamMessageQueueIn creates the inbound queue for one stream.
func NewStreamMessageQueueIn(streamID uint32, window *IncomingWindowHandler, consumer MessageConsumer, fw FrameWriter, log *logger.Logger) *StreamMessageQueueIn {
	return &StreamMessageQueueIn{
		streamID:  streamID,
		window:    window,
		fw:        fw,
		consumer:  consumer,
		indicator: NewBufferIndicator(),
		log:       log,
	}
}

// StreamID returns the stream this queue belongs to.
func (q *StreamMessageQueueIn) StreamID() uint32 { return q.streamID }

// BufferIndicator returns the consumer-pace indicator: Buffered while the
// consumer cannot accept more messages.
func (q *StreamMessageQueueIn) BufferIndicator() *BufferIndicator {
	return q.indicator
}

// EnqueueMessage accepts one message routed down from the connection-scope
// in-queue. DATA is debited against the stream receive window on arrival.
// If the consumer is saturated the message joins the backlog; otherwise it is
// delivered synchronously and the stream window is credited back.
func (q *StreamMessageQueueIn) EnqueueMessage(msg Message) error {
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		return NewClosedQueueError(q.streamID)
	}

	flowBytes := flowControlledBytes(msg)
	if flowBytes > 0 {
		if err := q.window.DataReceived(flowBytes); err != nil {
			q.mu.Unlock()
			return err
		}
	}

	if len(q.backlog) > 0 || q.indicator.Buffered() {
		q.backlog = append(q.backlog, msg)
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	return q.deliver(msg, flowBytes)
}

// deliver hands one message to the consumer and performs stream-scope window
// accounting for the consumed bytes. Called without the queue lock held so
// the consumer may re-enter the queue.
func (q *StreamMessageQueueIn) deliver(msg Message, flowBytes uint32) error {
	ok := q.consumer.ConsumeMessage(msg)
	if !ok {
		q.indicator.MarkBuffered()
	}
	if flowBytes > 0 {
		increment, err := q.window.ApplicationConsumedData(flowBytes)
		if err != nil {
			return err
		}
		if increment > 0 {
			return q.fw.WriteWindowUpdateFrame(q.streamID, increment)
		}
	}
	return nil
}

// ConsumerReady drains the backlog in arrival order, then marks the indicator
// Unbuffered — the edge that lets the connection-scope in-queue resume
// routing held frames to this stream. If the consumer saturates again mid
// drain, the queue stays Buffered with the rest of the backlog intact.
func (q *StreamMessageQueueIn) ConsumerReady() error {
	for {
		q.mu.Lock()
		if q.closing {
			q.mu.Unlock()
			return nil
		}
		if len(q.backlog) == 0 {
			q.mu.Unlock()
			q.indicator.MarkUnbuffered()
			return nil
		}
		msg := q.backlog[0]
		q.backlog = q.backlog[1:]
		q.mu.Unlock()

		flowBytes := flowControlledBytes(msg)
		ok := q.consumer.ConsumeMessage(msg)
		if flowBytes > 0 {
			increment, err := q.window.ApplicationConsumedData(flowBytes)
			if err != nil {
				return err
			}
			if increment > 0 {
				if err := q.fw.WriteWindowUpdateFrame(q.streamID, increment); err != nil {
					return err
				}
			}
		}
		if !ok {
			// Still saturated; remaining backlog waits for the next
			// ConsumerReady call. The indicator never flipped, so no
			// redundant notification fires.
			return nil
		}
	}
}

// Close discards the backlog and rejects all further enqueues; the stream's
// consumer is gone.
func (q *StreamMessageQueueIn) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closing {
		return
	}
	q.closing = true
	if len(q.backlog) > 0 {
		q.log.Debug("stream in-queue: discarding backlog on close", logger.LogFields{
			"stream_id": q.streamID,
			"discarded": len(q.backlog),
		})
	}
	q.backlog = nil
}

// PendingMessages returns the number of messages buffered for a saturated
// consumer.
func (q *StreamMessageQueueIn) PendingMessages() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}

// flowControlledBytes returns the window-relevant byte count of a message:
// non-zero only for DATA.
func flowControlledBytes(msg Message) uint32 {
	if dm, ok := msg.(DataMessage); ok {
		return dm.FlowControlledLength()
	}
	return 0
}
