package http2

import (
	"errors"
	"sync"

	"golang.org/x/net/http2/hpack"
)

// frameWriteCall records one FrameWriter invocation.
type frameWriteCall struct {
	kind             string // "HEADERS", "DATA", "PUSH_PROMISE", "WINDOW_UPDATE"
	streamID         uint32
	promisedStreamID uint32
	headers          []hpack.HeaderField
	data             []byte
	endStream        bool
	increment        uint32
}

// recordingFrameWriter is a hand-written FrameWriter fake that captures every
// call for later assertion. Its indicator can be driven directly to simulate
// transport backpressure, and failWrites makes every write return an error.
type recordingFrameWriter struct {
	mu         sync.Mutex
	calls      []frameWriteCall
	indicator  *BufferIndicator
	failWrites bool
}

func newRecordingFrameWriter() *recordingFrameWriter {
	return &recordingFrameWriter{indicator: NewBufferIndicator()}
}

var errWriteFailed = errors.New("simulated write failure")

func (r *recordingFrameWriter) record(c frameWriteCall) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWrites {
		return errWriteFailed
	}
	r.calls = append(r.calls, c)
	return nil
}

func (r *recordingFrameWriter) WriteHeadersFrame(streamID uint32, headers []hpack.HeaderField, endStream bool) error {
	return r.record(frameWriteCall{kind: "HEADERS", streamID: streamID, headers: headers, endStream: endStream})
}

func (r *recordingFrameWriter) WriteDataFrame(streamID uint32, data []byte, endStream bool) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	return r.record(frameWriteCall{kind: "DATA", streamID: streamID, data: buf, endStream: endStream})
}

func (r *recordingFrameWriter) WritePushPromiseFrame(streamID, promisedStreamID uint32, headers []hpack.HeaderField) error {
	return r.record(frameWriteCall{kind: "PUSH_PROMISE", streamID: streamID, promisedStreamID: promisedStreamID, headers: headers})
}

func (r *recordingFrameWriter) WriteWindowUpdateFrame(streamID uint32, increment uint32) error {
	return r.record(frameWriteCall{kind: "WINDOW_UPDATE", streamID: streamID, increment: increment})
}

func (r *recordingFrameWriter) BufferIndicator() *BufferIndicator {
	return r.indicator
}

func (r *recordingFrameWriter) allCalls() []frameWriteCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]frameWriteCall, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *recordingFrameWriter) callsOfKind(kind string) []frameWriteCall {
	var out []frameWriteCall
	for _, c := range r.allCalls() {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func (r *recordingFrameWriter) setFailWrites(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failWrites = fail
}

// collectingConsumer is a hand-written MessageConsumer fake. It accepts
// messages until capacity is exhausted, then reports saturation.
type collectingConsumer struct {
	mu       sync.Mutex
	messages []Message
	capacity int // <0 means unlimited
}

func newCollectingConsumer(capacity int) *collectingConsumer {
	return &collectingConsumer{capacity: capacity}
}

func (c *collectingConsumer) ConsumeMessage(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	if c.capacity < 0 {
		return true
	}
	return len(c.messages) < c.capacity
}

func (c *collectingConsumer) received() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *collectingConsumer) setCapacity(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capacity = n
}
