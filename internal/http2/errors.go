package http2

import "fmt"

// ErrorCode represents an HTTP/2 error code.
type ErrorCode uint32

// HTTP/2 error codes from RFC 7540 Section 7.
const (
	// ErrCodeNoError (0x0): Graceful shutdown.
	ErrCodeNoError ErrorCode = 0x0
	// ErrCodeProtocolError (0x1): Protocol error detected.
	ErrCodeProtocolError ErrorCode = 0x1
	// ErrCodeInternalError (0x2): Implementation fault.
	ErrCodeInternalError ErrorCode = 0x2
	// ErrCodeFlowControlError (0x3): Flow-control limits exceeded.
	ErrCodeFlowControlError ErrorCode = 0x3
	// ErrCodeStreamClosed (0x5): Frame received for already closed stream.
	ErrCodeStreamClosed ErrorCode = 0x5
	// ErrCodeFrameSizeError (0x6): Frame size incorrect.
	ErrCodeFrameSizeError ErrorCode = 0x6
	// ErrCodeRefusedStream (0x7): Stream not processed.
	ErrCodeRefusedStream ErrorCode = 0x7
	// ErrCodeCancel (0x8): Stream cancelled.
	ErrCodeCancel ErrorCode = 0x8
)

// String returns the string representation of the ErrorCode.
func (e ErrorCode) String() string {
	switch e {
	case ErrCodeNoError:
		return "NO_ERROR"
	case ErrCodeProtocolError:
		return "PROTOCOL_ERROR"
	case ErrCodeInternalError:
		return "INTERNAL_ERROR"
	case ErrCodeFlowControlError:
		return "FLOW_CONTROL_ERROR"
	case ErrCodeStreamClosed:
		return "STREAM_CLOSED"
	case ErrCodeFrameSizeError:
		return "FRAME_SIZE_ERROR"
	case ErrCodeRefusedStream:
		return "REFUSED_STREAM"
	case ErrCodeCancel:
		return "CANCEL"
	default:
		return fmt.Sprintf("UNKNOWN_ERROR_CODE_%d", uint32(e))
	}
}

// StreamError represents an error specific to an HTTP/2 stream.
// It implements the standard Go error interface.
type StreamError struct {
	StreamID uint32
	Code     ErrorCode
	Msg      string
	Cause    error // Optional underlying cause
}

// Error returns a string representation of the StreamError.
func (e *StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("stream error on stream %d: %s (code %s, %d): %s", e.StreamID, e.Msg, e.Code.String(), e.Code, e.Cause)
	}
	return fmt.Sprintf("stream error on stream %d: %s (code %s, %d)", e.StreamID, e.Msg, e.Code.String(), e.Code)
}

// Unwrap returns the underlying cause of the error, if any.
func (e *StreamError) Unwrap() error {
	return e.Cause
}

// NewStreamError creates a new StreamError.
func NewStreamError(streamID uint32, code ErrorCode, msg string) *StreamError {
	return &StreamError{StreamID: streamID, Code: code, Msg: msg}
}

// ConnectionError represents an error that affects the entire HTTP/2 connection.
// It implements the standard Go error interface.
type ConnectionError struct {
	LastStreamID uint32
	Code         ErrorCode
	Msg          string
	Cause        error // Optional underlying cause
	// DebugData can be used for the AdditionalDebugData in a GOAWAY frame.
	// It should be human-readable and not security-sensitive.
	DebugData []byte
}

// Error returns a string representation of the ConnectionError.
func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection error: %s (last_stream_id %d, code %s, %d): %s", e.Msg, e.LastStreamID, e.Code.String(), e.Code, e.Cause)
	}
	return fmt.Sprintf("connection error: %s (last_stream_id %d, code %s, %d)", e.Msg, e.LastStreamID, e.Code.String(), e.Code)
}

// Unwrap returns the underlying cause of the error, if any.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// NewConnectionError creates a new ConnectionError.
func NewConnectionError(code ErrorCode, msg string) *ConnectionError {
	return &ConnectionError{Code: code, Msg: msg}
}

// ClosedQueueError is returned when a message is enqueued on a queue that has
// begun closing. It is terminal: the queue never accepts new messages again.
// StreamID is 0 for the connection-scope queues.
type ClosedQueueError struct {
	StreamID uint32
}

// Error returns a string representation of the ClosedQueueError.
func (e *ClosedQueueError) Error() string {
	if e.StreamID == 0 {
		return "connection message queue is closed"
	}
	return fmt.Sprintf("message queue for stream %d is closed", e.StreamID)
}

// NewClosedQueueError creates a new ClosedQueueError.
func NewClosedQueueError(streamID uint32) *ClosedQueueError {
	return &ClosedQueueError{StreamID: streamID}
}

// GenerateRSTStreamFrame creates an RSTStreamFrame for surfacing a stream-fatal
// error to the peer. If err is a *StreamError, its StreamID and Code take
// precedence over the explicit arguments.
func GenerateRSTStreamFrame(streamID uint32, errCode ErrorCode, err error) *RSTStreamFrame {
	codeToUse := errCode
	finalStreamID := streamID

	if se, ok := err.(*StreamError); ok {
		codeToUse = se.Code
		if se.StreamID != 0 {
			finalStreamID = se.StreamID
		}
	}

	return &RSTStreamFrame{
		FrameHeader: FrameHeader{
			Type:     FrameRSTStream,
			StreamID: finalStreamID,
			Length:   4, // RST_STREAM payload is always 4 bytes for ErrorCode
		},
		ErrorCode: codeToUse,
	}
}

// GenerateGoAwayFrame creates a GoAwayFrame for surfacing a connection-fatal
// error to the peer. If err is a *ConnectionError, its LastStreamID, Code and
// debug data take precedence over the explicit arguments.
func GenerateGoAwayFrame(lastStreamID uint32, errCode ErrorCode, debugStr string, err error) *GoAwayFrame {
	codeToUse := errCode
	finalLastStreamID := lastStreamID
	var debugData []byte

	if ce, ok := err.(*ConnectionError); ok {
		finalLastStreamID = ce.LastStreamID
		codeToUse = ce.Code
		switch {
		case len(ce.DebugData) > 0:
			debugData = ce.DebugData
		case ce.Msg != "":
			debugData = []byte(ce.Msg)
		default:
			debugData = []byte(debugStr)
		}
	} else {
		debugData = []byte(debugStr)
	}

	return &GoAwayFrame{
		FrameHeader: FrameHeader{
			Type:     FrameGoAway,
			StreamID: 0, // GOAWAY is always on stream 0
			Length:   8 + uint32(len(debugData)),
		},
		LastStreamID:        finalLastStreamID,
		ErrorCode:           codeToUse,
		AdditionalDebugData: debugData,
	}
}
