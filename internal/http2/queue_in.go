package http2

import (
	"fmt"
	"sync"

	"golang.org/x/net/http2/hpack"

	"example.com/h2flow/internal/logger"
)

// heldMessage is a routed-but-undelivered message parked at connection scope
// while its stream's consumer is saturated. flowBytes records the DATA payload
// length whose window credit is still outstanding.
type heldMessage struct {
	msg       Message
	flowBytes uint32
}

type streamInEntry struct {
	queue *StreamMessageQueueIn
	held  []heldMessage
}

// ConnectionMessageQueueIn routes frames arriving on the connection to the
// per-stream inbound queues, applying the connection-scope incoming window.
//
// Window accounting happens at arrival: every flow-controlled frame debits the
// connection receive window exactly once, whether it is forwarded, held for a
// slow consumer, or deliberately ignored. Credit is returned (and a
// connection-scope WINDOW_UPDATE possibly emitted) only when the bytes are
// actually handed to a stream queue.
type ConnectionMessageQueueIn struct {
	mu sync.Mutex

	window *IncomingWindowHandler // connection-scope receive window
	fw     FrameWriter
	log    *logger.Logger

	streams map[uint32]*streamInEntry

	// pendingMessages counts held messages across all streams.
	pendingMessages int
	closing         bool
}

// NewConnectionMessageQueueIn creates the connection-scope inbound router.
func NewConnectionMessageQueueIn(window *IncomingWindowHandler, fw FrameWriter, log *logger.Logger) *ConnectionMessageQueueIn {
	return &ConnectionMessageQueueIn{
		window:  window,
		fw:      fw,
		log:     log,
		streams: make(map[uint32]*streamInEntry),
	}
}

// streamReadiness adapts a stream queue's buffer indicator to the router: an
// Unbuffered edge on the stream's consumer-pace indicator triggers a drain of
// that stream's held messages.
type streamReadiness struct {
	q        *ConnectionMessageQueueIn
	streamID uint32
}

func (r streamReadiness) OnBufferStateChange(state BufferState) {
	if state != BufferStateUnbuffered {
		return
	}
	r.q.drainStream(r.streamID)
}

// InsertNewStreamMessageQueue registers the inbound queue for a newly opened
// stream. Registering the same stream twice is an error.
func (q *ConnectionMessageQueueIn) InsertNewStreamMessageQueue(sq *StreamMessageQueueIn) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closing {
		return NewClosedQueueError(0)
	}
	streamID := sq.StreamID()
	if _, exists := q.streams[streamID]; exists {
		return NewConnectionError(ErrCodeInternalError,
			fmt.Sprintf("inbound queue for stream %d already registered", streamID))
	}
	q.streams[streamID] = &streamInEntry{queue: sq}
	sq.BufferIndicator().Subscribe(streamReadiness{q: q, streamID: streamID})
	return nil
}

// RemoveStreamMessageQueue unregisters a stream's inbound queue, discarding
// any messages held for it. Removing an unknown stream is a no-op.
func (q *ConnectionMessageQueueIn) RemoveStreamMessageQueue(streamID uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.streams[streamID]
	if !ok {
		return
	}
	if len(entry.held) > 0 {
		q.pendingMessages -= len(entry.held)
		q.log.Debug("connection in-queue: discarding held messages on stream removal", logger.LogFields{
			"stream_id": streamID,
			"discarded": len(entry.held),
		})
	}
	delete(q.streams, streamID)
}

// ProcessDataFrame accounts a received DATA frame against the connection
// window and routes it to the stream's inbound queue. The full header-declared
// payload length counts: for a padded frame that includes the PadLength octet
// and the padding, matching what the peer debited on its side (RFC 7540, 6.9).
// The window debit happens unconditionally before routing; a frame for an
// unknown stream has still consumed connection window and yields a
// STREAM_CLOSED stream error.
func (q *ConnectionMessageQueueIn) ProcessDataFrame(f *DataFrame) error {
	dataLen := uint32(len(f.Data))
	declared := f.Length
	if declared < dataLen {
		declared = dataLen
	}

	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		return NewClosedQueueError(0)
	}
	if err := q.window.DataReceived(declared); err != nil {
		q.mu.Unlock()
		return err
	}

	// Padding overhead has no consumer to wait for; its credit returns
	// immediately, so only the data bytes ride on delivery pace.
	if overhead := declared - dataLen; overhead > 0 {
		increment, err := q.window.ApplicationConsumedData(overhead)
		if err != nil {
			q.mu.Unlock()
			return err
		}
		if increment > 0 {
			if err := q.fw.WriteWindowUpdateFrame(0, increment); err != nil {
				q.mu.Unlock()
				return err
			}
		}
	}

	entry, ok := q.streams[f.StreamID]
	if !ok {
		q.mu.Unlock()
		return NewStreamError(f.StreamID, ErrCodeStreamClosed,
			fmt.Sprintf("DATA frame for unknown stream %d", f.StreamID))
	}

	msg := NewDataMessage(f.StreamID, f.Data, f.Flags&FlagDataEndStream != 0)
	return q.routeLocked(entry, msg, dataLen)
}

// ProcessIgnoredDataFrame accounts a DATA frame that the connection has
// decided to discard (for example after RST_STREAM). The frame still occupied
// the peer's view of the connection window, so its full declared length
// (padding included) is debited here; the credit is never returned through
// this path, keeping the receive window an honest reflection of unprocessed
// bytes.
func (q *ConnectionMessageQueueIn) ProcessIgnoredDataFrame(f *DataFrame) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closing {
		return NewClosedQueueError(0)
	}
	declared := f.Length
	if dataLen := uint32(len(f.Data)); declared < dataLen {
		declared = dataLen
	}
	if err := q.window.DataReceived(declared); err != nil {
		return err
	}
	q.log.Debug("connection in-queue: ignored DATA", logger.LogFields{
		"stream_id": f.StreamID,
		"length":    declared,
	})
	return nil
}

// ProcessHeadersFrame routes a decoded header list to the stream's inbound
// queue. Headers consume no window but still honor per-stream ordering: they
// queue behind held DATA rather than overtaking it.
func (q *ConnectionMessageQueueIn) ProcessHeadersFrame(streamID uint32, headers []hpack.HeaderField, endStream bool) error {
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		return NewClosedQueueError(0)
	}
	entry, ok := q.streams[streamID]
	if !ok {
		q.mu.Unlock()
		return NewStreamError(streamID, ErrCodeStreamClosed,
			fmt.Sprintf("HEADERS frame for unknown stream %d", streamID))
	}
	return q.routeLocked(entry, NewHeadersMessage(streamID, headers, endStream), 0)
}

// ProcessPushPromiseFrame routes a decoded PUSH_PROMISE to the inbound queue
// of the stream it arrived on.
func (q *ConnectionMessageQueueIn) ProcessPushPromiseFrame(streamID, promisedStreamID uint32, headers []hpack.HeaderField) error {
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		return NewClosedQueueError(0)
	}
	entry, ok := q.streams[streamID]
	if !ok {
		q.mu.Unlock()
		return NewStreamError(streamID, ErrCodeStreamClosed,
			fmt.Sprintf("PUSH_PROMISE frame for unknown stream %d", streamID))
	}
	return q.routeLocked(entry, NewPushPromiseMessage(streamID, promisedStreamID, headers), 0)
}

// routeLocked holds or forwards one message for a registered stream. Called
// with q.mu held; releases it.
func (q *ConnectionMessageQueueIn) routeLocked(entry *streamInEntry, msg Message, flowBytes uint32) error {
	if len(entry.held) > 0 || entry.queue.BufferIndicator().Buffered() {
		entry.held = append(entry.held, heldMessage{msg: msg, flowBytes: flowBytes})
		q.pendingMessages++
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()
	return q.forward(entry.queue, msg, flowBytes)
}

// forward hands a message to a stream queue and returns the connection-scope
// window credit for its bytes, emitting a connection WINDOW_UPDATE when the
// cumulative consumed total crosses the threshold. Called without q.mu so the
// stream queue may deliver synchronously.
func (q *ConnectionMessageQueueIn) forward(sq *StreamMessageQueueIn, msg Message, flowBytes uint32) error {
	if err := sq.EnqueueMessage(msg); err != nil {
		return err
	}
	if flowBytes == 0 {
		return nil
	}
	increment, err := q.window.ApplicationConsumedData(flowBytes)
	if err != nil {
		return err
	}
	if increment > 0 {
		return q.fw.WriteWindowUpdateFrame(0, increment)
	}
	return nil
}

// drainStream forwards a stream's held messages in arrival order until the
// stream queue saturates again or the held list empties.
func (q *ConnectionMessageQueueIn) drainStream(streamID uint32) {
	for {
		q.mu.Lock()
		entry, ok := q.streams[streamID]
		if !ok || len(entry.held) == 0 {
			q.mu.Unlock()
			return
		}
		if entry.queue.BufferIndicator().Buffered() {
			q.mu.Unlock()
			return
		}
		hm := entry.held[0]
		entry.held = entry.held[1:]
		q.pendingMessages--
		sq := entry.queue
		q.mu.Unlock()

		if err := q.forward(sq, hm.msg, hm.flowBytes); err != nil {
			q.log.Error("connection in-queue: forward failed during drain", logger.LogFields{
				"stream_id": streamID,
				"error":     err.Error(),
			})
			return
		}
	}
}

// Close discards all held state and rejects further processing.
func (q *ConnectionMessageQueueIn) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closing {
		return
	}
	q.closing = true
	q.streams = make(map[uint32]*streamInEntry)
	q.pendingMessages = 0
}

// PendingMessages returns the number of messages held for saturated stream
// consumers across all streams.
func (q *ConnectionMessageQueueIn) PendingMessages() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingMessages
}
