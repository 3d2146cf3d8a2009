package http2

import "golang.org/x/net/http2/hpack"

// Message is one unit of application data exchanged between the stream and
// connection queue layers. Implementations are immutable value types; the
// closed set is HeadersMessage, DataMessage and PushPromiseMessage.
type Message interface {
	// StreamID returns the stream the message belongs to.
	StreamID() uint32
	// EndStream reports whether the message carries the END_STREAM flag.
	EndStream() bool
}

// HeadersMessage describes one header block to transmit or deliver.
// Header blocks are never subject to flow control.
type HeadersMessage struct {
	streamID  uint32
	headers   []hpack.HeaderField
	endStream bool
}

// NewHeadersMessage creates an immutable HeadersMessage.
func NewHeadersMessage(streamID uint32, headers []hpack.HeaderField, endStream bool) HeadersMessage {
	return HeadersMessage{streamID: streamID, headers: headers, endStream: endStream}
}

// StreamID returns the stream the message belongs to.
func (m HeadersMessage) StreamID() uint32 { return m.streamID }

// Headers returns the header list.
func (m HeadersMessage) Headers() []hpack.HeaderField { return m.headers }

// EndStream reports whether the header block ends the stream.
func (m HeadersMessage) EndStream() bool { return m.endStream }

// DataMessage describes one chunk of flow-controlled payload bytes.
type DataMessage struct {
	streamID  uint32
	data      []byte
	endStream bool
}

// NewDataMessage creates an immutable DataMessage. The byte slice is not
// copied; callers must not mutate it after construction.
func NewDataMessage(streamID uint32, data []byte, endStream bool) DataMessage {
	return DataMessage{streamID: streamID, data: data, endStream: endStream}
}

// StreamID returns the stream the message belongs to.
func (m DataMessage) StreamID() uint32 { return m.streamID }

// Data returns the payload bytes.
func (m DataMessage) Data() []byte { return m.data }

// EndStream reports whether this is the final chunk of the stream.
func (m DataMessage) EndStream() bool { return m.endStream }

// FlowControlledLength returns the number of bytes counted against
// flow-control windows when this message is sent or received.
func (m DataMessage) FlowControlledLength() uint32 { return uint32(len(m.data)) }

// SplitAt slices the message into the first n payload bytes and a fresh
// remainder message. The remainder references the tail of the original byte
// sequence (no copy), keeps the original stream ID and END_STREAM flag, and
// is what gets re-enqueued during fragmentation.
func (m DataMessage) SplitAt(n uint32) (prefix []byte, remainder DataMessage) {
	return m.data[:n], DataMessage{streamID: m.streamID, data: m.data[n:], endStream: m.endStream}
}

// PushPromiseMessage describes one PUSH_PROMISE header block to transmit or
// deliver. Like header blocks, it is never subject to flow control.
type PushPromiseMessage struct {
	streamID         uint32
	promisedStreamID uint32
	headers          []hpack.HeaderField
}

// NewPushPromiseMessage creates an immutable PushPromiseMessage.
func NewPushPromiseMessage(streamID, promisedStreamID uint32, headers []hpack.HeaderField) PushPromiseMessage {
	return PushPromiseMessage{streamID: streamID, promisedStreamID: promisedStreamID, headers: headers}
}

// StreamID returns the stream the promise was sent on.
func (m PushPromiseMessage) StreamID() uint32 { return m.streamID }

// PromisedStreamID returns the stream reserved by the promise.
func (m PushPromiseMessage) PromisedStreamID() uint32 { return m.promisedStreamID }

// Headers returns the promised request's header list.
func (m PushPromiseMessage) Headers() []hpack.HeaderField { return m.headers }

// EndStream always reports false; a PUSH_PROMISE never ends its stream.
func (m PushPromiseMessage) EndStream() bool { return false }
