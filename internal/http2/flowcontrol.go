package http2

import (
	"fmt"
	"sync"
)

// MaxWindowSize is the maximum value a flow control window can reach (2^31 - 1).
const MaxWindowSize = (1 << 31) - 1 // As per RFC 7540, 6.9.1

// FlowControlWindow is a bounded signed counter of flow-control credit for a
// stream or a connection. It never exceeds MaxWindowSize but may transiently
// go negative after a SETTINGS-induced shrink.
type FlowControlWindow struct {
	mu sync.Mutex

	size int64

	// initialWindowSize stores the initial window size this window was
	// configured with. For streams this is SETTINGS_INITIAL_WINDOW_SIZE; it is
	// used by AdjustInitialWindowSize to calculate deltas.
	initialWindowSize uint32

	// Identifier fields for error construction
	isConnection bool
	streamID     uint32 // 0 if connection
}

// NewFlowControlWindow creates a new flow control window.
// For a connection-scope window, streamID should be 0.
func NewFlowControlWindow(initialSize uint32, isConn bool, streamID uint32) *FlowControlWindow {
	// RFC 7540, 6.5.2: SETTINGS_INITIAL_WINDOW_SIZE maximum value is 2^31-1.
	// Validation happens earlier; clamp as a safeguard.
	if initialSize > MaxWindowSize {
		initialSize = MaxWindowSize
	}
	return &FlowControlWindow{
		size:              int64(initialSize),
		initialWindowSize: initialSize,
		isConnection:      isConn,
		streamID:          streamID,
	}
}

// Size returns the current window size. It can be negative after a
// SETTINGS_INITIAL_WINDOW_SIZE decrease.
func (w *FlowControlWindow) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Increase grows the window by n.
// Returns a FLOW_CONTROL_ERROR if the window would exceed MaxWindowSize; the
// window is unchanged on error. Per RFC 7540, 6.9.1 this condition must
// terminate the stream or the connection, as appropriate.
func (w *FlowControlWindow) Increase(n uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	newSize := w.size + int64(n)
	if newSize > MaxWindowSize {
		msg := fmt.Sprintf("flow control window (conn: %v, stream: %d) would overflow: current %d + increment %d = %d > max %d",
			w.isConnection, w.streamID, w.size, n, newSize, int64(MaxWindowSize))
		if w.isConnection {
			return NewConnectionError(ErrCodeFlowControlError, msg)
		}
		return NewStreamError(w.streamID, ErrCodeFlowControlError, msg)
	}
	w.size = newSize
	return nil
}

// Decrease shrinks the window by n unconditionally and returns the new size.
// The result may be negative, reflecting transient protocol states after a
// SETTINGS-induced shrink.
func (w *FlowControlWindow) Decrease(n uint32) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.size -= int64(n)
	return w.size
}

// AdjustInitialWindowSize applies a SETTINGS_INITIAL_WINDOW_SIZE change to a
// stream-scope window by the delta between the old and new initial sizes.
// (RFC 7540, 6.9.2.) Connection windows are not affected by this setting.
func (w *FlowControlWindow) AdjustInitialWindowSize(newInitialSize uint32) error {
	if w.isConnection {
		return nil
	}
	if newInitialSize > MaxWindowSize {
		// The peer sent an invalid SETTINGS value; connection error per RFC 6.5.2.
		return NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("new SETTINGS_INITIAL_WINDOW_SIZE %d exceeds MaxWindowSize %d", newInitialSize, int64(MaxWindowSize)))
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	delta := int64(newInitialSize) - int64(w.initialWindowSize)
	newSize := w.size + delta
	if newSize > MaxWindowSize {
		// RFC 6.9.2: a SETTINGS frame that causes a flow-control window to
		// exceed the maximum size is a connection error of type FLOW_CONTROL_ERROR.
		return NewConnectionError(ErrCodeFlowControlError,
			fmt.Sprintf("applying SETTINGS_INITIAL_WINDOW_SIZE delta %d (new_init %d, old_init %d) to stream %d window (current %d) would result in %d, exceeding max %d",
				delta, newInitialSize, w.initialWindowSize, w.streamID, w.size, newSize, int64(MaxWindowSize)))
	}

	w.size = newSize
	w.initialWindowSize = newInitialSize
	return nil
}

// IncomingWindowHandler accounts bytes received against the locally advertised
// receive window and decides when a WINDOW_UPDATE credit should be sent back
// to the peer. Connection-scope and stream-scope instances are independent.
type IncomingWindowHandler struct {
	mu sync.Mutex

	window *FlowControlWindow // credit we grant to the peer for sending to us

	// windowUpdateThreshold is the amount of consumed-but-not-yet-credited
	// bytes that triggers a WINDOW_UPDATE to the peer.
	windowUpdateThreshold uint32

	bytesConsumedTotal     uint64
	lastWindowUpdateSentAt uint64 // bytesConsumedTotal value at the last WINDOW_UPDATE
	totalBytesReceived     uint64
}

// NewConnectionIncomingWindowHandler creates the connection-scope incoming
// window handler.
func NewConnectionIncomingWindowHandler(initialSize uint32) *IncomingWindowHandler {
	return newIncomingWindowHandler(NewFlowControlWindow(initialSize, true, 0), initialSize)
}

// NewStreamIncomingWindowHandler creates an incoming window handler for a
// single stream.
func NewStreamIncomingWindowHandler(streamID uint32, initialSize uint32) *IncomingWindowHandler {
	return newIncomingWindowHandler(NewFlowControlWindow(initialSize, false, streamID), initialSize)
}

func newIncomingWindowHandler(window *FlowControlWindow, initialSize uint32) *IncomingWindowHandler {
	threshold := initialSize / 2
	if threshold == 0 && initialSize > 0 {
		threshold = 1
	}
	return &IncomingWindowHandler{
		window:                window,
		windowUpdateThreshold: threshold,
	}
}

// DataReceived debits the receive window by n as soon as the bytes land,
// before the application has consumed them. Receiving more than the
// advertised window is a FLOW_CONTROL_ERROR; the window is unchanged then.
func (h *IncomingWindowHandler) DataReceived(n uint32) error {
	if n == 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	available := h.window.Size()
	if int64(n) > available {
		if h.window.isConnection {
			return NewConnectionError(ErrCodeFlowControlError,
				fmt.Sprintf("connection flow control error: received %d bytes, receive window is %d", n, available))
		}
		return NewStreamError(h.window.streamID, ErrCodeFlowControlError,
			fmt.Sprintf("stream flow control error: received %d bytes, receive window is %d", n, available))
	}
	h.window.Decrease(n)
	h.totalBytesReceived += uint64(n)
	return nil
}

// ApplicationConsumedData credits the receive window back once the application
// has actually consumed n bytes. It returns the WINDOW_UPDATE increment to
// send to the peer, or 0 if the accumulated credit has not yet crossed the
// update threshold. This is the mechanism that turns consumer pace into
// peer-visible flow credit.
func (h *IncomingWindowHandler) ApplicationConsumedData(n uint32) (uint32, error) {
	if n == 0 {
		return 0, nil
	}
	if n > MaxWindowSize {
		return 0, NewConnectionError(ErrCodeInternalError,
			fmt.Sprintf("consumed byte count %d exceeds MaxWindowSize", n))
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.window.Increase(n); err != nil {
		return 0, err
	}
	h.bytesConsumedTotal += uint64(n)

	unsent := h.bytesConsumedTotal - h.lastWindowUpdateSentAt
	if unsent < uint64(h.windowUpdateThreshold) {
		return 0, nil
	}
	if unsent > MaxWindowSize {
		return 0, NewConnectionError(ErrCodeInternalError,
			fmt.Sprintf("calculated WINDOW_UPDATE increment %d exceeds MaxWindowSize", unsent))
	}
	h.lastWindowUpdateSentAt = h.bytesConsumedTotal
	return uint32(unsent), nil
}

// Available returns the current receive window size.
func (h *IncomingWindowHandler) Available() int64 {
	return h.window.Size()
}

// OutgoingWindowHandler gatekeeps how many bytes may be sent without violating
// peer-advertised credit. Its BufferIndicator is Buffered while the window
// is <= 0 and Unbuffered while it is positive; queues subscribe to it to
// pause and resume transmission.
type OutgoingWindowHandler struct {
	mu sync.Mutex

	window    *FlowControlWindow // credit the peer has granted us
	indicator *BufferIndicator
}

// NewConnectionOutgoingWindowHandler creates the connection-scope outgoing
// window handler.
func NewConnectionOutgoingWindowHandler(initialSize uint32) *OutgoingWindowHandler {
	return &OutgoingWindowHandler{
		window:    NewFlowControlWindow(initialSize, true, 0),
		indicator: NewBufferIndicator(),
	}
}

// NewStreamOutgoingWindowHandler creates an outgoing window handler for a
// single stream.
func NewStreamOutgoingWindowHandler(streamID uint32, initialSize uint32) *OutgoingWindowHandler {
	return &OutgoingWindowHandler{
		window:    NewFlowControlWindow(initialSize, false, streamID),
		indicator: NewBufferIndicator(),
	}
}

// DecreaseWindow consumes n bytes of send credit and returns the new window
// size. Must be called before the bytes are actually written. Marks the
// handler Buffered when the window drops to or below zero.
func (h *OutgoingWindowHandler) DecreaseWindow(n uint32) int64 {
	h.mu.Lock()
	size := h.window.Decrease(n)
	h.mu.Unlock()

	if size <= 0 {
		h.indicator.MarkBuffered()
	}
	return size
}

// HandleWindowUpdateFromPeer grows the send window upon receipt of a
// WINDOW_UPDATE. A zero increment on a stream is rejected as a PROTOCOL_ERROR
// here. On the connection RFC 7540, 6.9 makes it a connection error too, but
// connection-fatal responses belong to the frame-validation layer, so this
// handler deliberately treats it as a no-op. Marks the handler Unbuffered when
// the window crosses from <= 0 to > 0.
func (h *OutgoingWindowHandler) HandleWindowUpdateFromPeer(increment uint32) error {
	if increment == 0 {
		if !h.window.isConnection {
			return NewStreamError(h.window.streamID, ErrCodeProtocolError,
				"WINDOW_UPDATE increment cannot be 0 for a stream")
		}
		return nil
	}

	h.mu.Lock()
	before := h.window.Size()
	err := h.window.Increase(increment)
	after := h.window.Size()
	h.mu.Unlock()

	if err != nil {
		return err
	}
	if before <= 0 && after > 0 {
		h.indicator.MarkUnbuffered()
	}
	return nil
}

// AdjustInitialWindowSize applies a SETTINGS_INITIAL_WINDOW_SIZE change to a
// stream-scope send window and re-evaluates the buffer indicator in both
// directions, since the delta may be negative.
func (h *OutgoingWindowHandler) AdjustInitialWindowSize(newInitialSize uint32) error {
	h.mu.Lock()
	before := h.window.Size()
	err := h.window.AdjustInitialWindowSize(newInitialSize)
	after := h.window.Size()
	h.mu.Unlock()

	if err != nil {
		return err
	}
	switch {
	case before <= 0 && after > 0:
		h.indicator.MarkUnbuffered()
	case before > 0 && after <= 0:
		h.indicator.MarkBuffered()
	}
	return nil
}

// Available returns the current send window size.
func (h *OutgoingWindowHandler) Available() int64 {
	return h.window.Size()
}

// BufferIndicator returns the backpressure indicator owned by this handler.
func (h *OutgoingWindowHandler) BufferIndicator() *BufferIndicator {
	return h.indicator
}
