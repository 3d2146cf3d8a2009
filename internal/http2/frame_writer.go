package http2

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"golang.org/x/net/http2/hpack"

	"example.com/h2flow/internal/logger"
)

// FrameWriter is the collaborator contract the outbound queues drive. The
// queues hand it already-decided frames; flow-control and fragmentation
// decisions have been made by the time a Write method is called.
//
// BufferIndicator reflects whether the underlying transport can currently
// accept more writes; the connection out-queue defers DATA while it is
// Buffered.
type FrameWriter interface {
	WriteHeadersFrame(streamID uint32, headers []hpack.HeaderField, endStream bool) error
	WriteDataFrame(streamID uint32, data []byte, endStream bool) error
	WritePushPromiseFrame(streamID, promisedStreamID uint32, headers []hpack.HeaderField) error
	WriteWindowUpdateFrame(streamID uint32, increment uint32) error
	BufferIndicator() *BufferIndicator
}

// WireFrameWriter is a FrameWriter that serializes frames to an io.Writer,
// encoding header lists with HPACK. The transport owning the writer drives
// the BufferIndicator: MarkBuffered when the sink cannot accept more bytes,
// MarkUnbuffered when it can again.
type WireFrameWriter struct {
	mu        sync.Mutex
	w         io.Writer
	hpackBuf  bytes.Buffer
	hpackEnc  *hpack.Encoder
	indicator *BufferIndicator
	log       *logger.Logger
}

// NewWireFrameWriter creates a WireFrameWriter targeting w.
func NewWireFrameWriter(w io.Writer, log *logger.Logger) *WireFrameWriter {
	fw := &WireFrameWriter{
		w:         w,
		indicator: NewBufferIndicator(),
		log:       log,
	}
	fw.hpackEnc = hpack.NewEncoder(&fw.hpackBuf)
	return fw
}

// encodeHeaderBlockLocked encodes headers into a fresh byte slice using the
// writer's HPACK encoder. The encoder is stateful; all header blocks for a
// connection must flow through the same writer.
func (fw *WireFrameWriter) encodeHeaderBlockLocked(headers []hpack.HeaderField) ([]byte, error) {
	fw.hpackBuf.Reset()
	for _, hf := range headers {
		if err := fw.hpackEnc.WriteField(hf); err != nil {
			return nil, fmt.Errorf("hpack encoding field %q: %w", hf.Name, err)
		}
	}
	block := make([]byte, fw.hpackBuf.Len())
	copy(block, fw.hpackBuf.Bytes())
	return block, nil
}

// WriteHeadersFrame encodes and writes a HEADERS frame with END_HEADERS set.
func (fw *WireFrameWriter) WriteHeadersFrame(streamID uint32, headers []hpack.HeaderField, endStream bool) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	block, err := fw.encodeHeaderBlockLocked(headers)
	if err != nil {
		return err
	}
	flags := FlagHeadersEndHeaders
	if endStream {
		flags |= FlagHeadersEndStream
	}
	frame := &HeadersFrame{
		FrameHeader:         FrameHeader{Type: FrameHeaders, Flags: flags, StreamID: streamID},
		HeaderBlockFragment: block,
	}
	fw.log.Debug("frame writer: HEADERS", logger.LogFields{
		"stream_id":   streamID,
		"num_headers": len(headers),
		"end_stream":  endStream,
	})
	return WriteFrame(fw.w, frame)
}

// WriteDataFrame writes a DATA frame.
func (fw *WireFrameWriter) WriteDataFrame(streamID uint32, data []byte, endStream bool) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	var flags Flags
	if endStream {
		flags |= FlagDataEndStream
	}
	frame := &DataFrame{
		FrameHeader: FrameHeader{Type: FrameData, Flags: flags, StreamID: streamID},
		Data:        data,
	}
	fw.log.Debug("frame writer: DATA", logger.LogFields{
		"stream_id":  streamID,
		"length":     len(data),
		"end_stream": endStream,
	})
	return WriteFrame(fw.w, frame)
}

// WritePushPromiseFrame encodes and writes a PUSH_PROMISE frame with
// END_HEADERS set.
func (fw *WireFrameWriter) WritePushPromiseFrame(streamID, promisedStreamID uint32, headers []hpack.HeaderField) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	block, err := fw.encodeHeaderBlockLocked(headers)
	if err != nil {
		return err
	}
	frame := &PushPromiseFrame{
		FrameHeader:         FrameHeader{Type: FramePushPromise, Flags: FlagPushPromiseEndHeaders, StreamID: streamID},
		PromisedStreamID:    promisedStreamID,
		HeaderBlockFragment: block,
	}
	fw.log.Debug("frame writer: PUSH_PROMISE", logger.LogFields{
		"stream_id":          streamID,
		"promised_stream_id": promisedStreamID,
	})
	return WriteFrame(fw.w, frame)
}

// WriteWindowUpdateFrame writes a WINDOW_UPDATE frame. A zero increment is
// rejected; the protocol forbids sending one.
func (fw *WireFrameWriter) WriteWindowUpdateFrame(streamID uint32, increment uint32) error {
	if increment == 0 {
		return NewConnectionError(ErrCodeInternalError,
			fmt.Sprintf("refusing to write WINDOW_UPDATE with zero increment for stream %d", streamID))
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()

	frame := &WindowUpdateFrame{
		FrameHeader:         FrameHeader{Type: FrameWindowUpdate, StreamID: streamID},
		WindowSizeIncrement: increment,
	}
	fw.log.Debug("frame writer: WINDOW_UPDATE", logger.LogFields{
		"stream_id": streamID,
		"increment": increment,
	})
	return WriteFrame(fw.w, frame)
}

// BufferIndicator returns the transport backpressure indicator.
func (fw *WireFrameWriter) BufferIndicator() *BufferIndicator {
	return fw.indicator
}
