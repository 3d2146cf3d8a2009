package http2

import (
	"fmt"
	"sync"

	"example.com/h2flow/internal/config"
	"example.com/h2flow/internal/logger"
)

// Settings carries the flow-control parameters a QueueSession is built with.
// Receive windows are what we advertise to the peer; send windows are what the
// peer has advertised to us (from its SETTINGS frame).
type Settings struct {
	InitialConnectionReceiveWindow uint32
	InitialStreamReceiveWindow     uint32
	InitialConnectionSendWindow    uint32
	InitialStreamSendWindow        uint32
	MaxFrameSize                   uint32
}

// DefaultSettings returns the RFC 7540 defaults: 65,535-byte windows at both
// scopes and 16,384-byte frames.
func DefaultSettings() Settings {
	return Settings{
		InitialConnectionReceiveWindow: DefaultInitialWindowSize,
		InitialStreamReceiveWindow:     DefaultInitialWindowSize,
		InitialConnectionSendWindow:    DefaultInitialWindowSize,
		InitialStreamSendWindow:        DefaultInitialWindowSize,
		MaxFrameSize:                   DefaultMaxFrameSize,
	}
}

// SettingsFromConfig builds Settings from a loaded configuration. The config
// layer guarantees defaults and bounds, so no further validation happens here.
func SettingsFromConfig(cfg *config.Config) Settings {
	fc := cfg.FlowControl
	return Settings{
		InitialConnectionReceiveWindow: *fc.InitialConnectionReceiveWindow,
		InitialStreamReceiveWindow:     *fc.InitialStreamReceiveWindow,
		InitialConnectionSendWindow:    *fc.InitialConnectionSendWindow,
		InitialStreamSendWindow:        *fc.InitialStreamSendWindow,
		MaxFrameSize:                   *fc.MaxFrameSize,
	}
}

type sessionStream struct {
	sendWindow *OutgoingWindowHandler
	recvWindow *IncomingWindowHandler
	out        *StreamMessageQueueOut
	in         *StreamMessageQueueIn
}

// QueueSession assembles the flow-control and queueing machinery for one
// HTTP/2 connection: the connection-scope window handlers and queues plus a
// registry of per-stream pairs. The connection owning the session feeds it
// parsed frames and WINDOW_UPDATE/SETTINGS events; stream handlers get the
// per-stream queues returned by OpenStream.
type QueueSession struct {
	mu sync.Mutex

	fw       FrameWriter
	settings Settings
	log      *logger.Logger

	connSendWindow *OutgoingWindowHandler
	connRecvWindow *IncomingWindowHandler
	out            *ConnectionMessageQueueOut
	in             *ConnectionMessageQueueIn

	streams map[uint32]*sessionStream
	closed  bool
}

// NewQueueSession creates a session wired to the given frame writer. Zero
// settings fields fall back to the RFC defaults.
func NewQueueSession(fw FrameWriter, settings Settings, log *logger.Logger) *QueueSession {
	def := DefaultSettings()
	if settings.InitialConnectionReceiveWindow == 0 {
		settings.InitialConnectionReceiveWindow = def.InitialConnectionReceiveWindow
	}
	if settings.InitialStreamReceiveWindow == 0 {
		settings.InitialStreamReceiveWindow = def.InitialStreamReceiveWindow
	}
	if settings.InitialConnectionSendWindow == 0 {
		settings.InitialConnectionSendWindow = def.InitialConnectionSendWindow
	}
	if settings.InitialStreamSendWindow == 0 {
		settings.InitialStreamSendWindow = def.InitialStreamSendWindow
	}
	if settings.MaxFrameSize == 0 {
		settings.MaxFrameSize = def.MaxFrameSize
	}

	s := &QueueSession{
		fw:             fw,
		settings:       settings,
		log:            log,
		connSendWindow: NewConnectionOutgoingWindowHandler(settings.InitialConnectionSendWindow),
		connRecvWindow: NewConnectionIncomingWindowHandler(settings.InitialConnectionReceiveWindow),
		streams:        make(map[uint32]*sessionStream),
	}
	s.out = NewConnectionMessageQueueOut(s.connSendWindow, fw, settings.MaxFrameSize, log)
	s.in = NewConnectionMessageQueueIn(s.connRecvWindow, fw, log)
	return s
}

// ConnectionOut returns the connection-scope outbound queue.
func (s *QueueSession) ConnectionOut() *ConnectionMessageQueueOut { return s.out }

// ConnectionIn returns the connection-scope inbound router.
func (s *QueueSession) ConnectionIn() *ConnectionMessageQueueIn { return s.in }

// OpenStream creates the window handlers and queue pair for a new stream and
// registers the inbound queue with the connection router. The consumer
// receives the stream's inbound messages.
func (s *QueueSession) OpenStream(streamID uint32, consumer MessageConsumer) (*StreamMessageQueueIn, *StreamMessageQueueOut, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, NewClosedQueueError(streamID)
	}
	if _, exists := s.streams[streamID]; exists {
		return nil, nil, NewConnectionError(ErrCodeInternalError,
			fmt.Sprintf("stream %d already open", streamID))
	}

	st := &sessionStream{
		sendWindow: NewStreamOutgoingWindowHandler(streamID, s.settings.InitialStreamSendWindow),
		recvWindow: NewStreamIncomingWindowHandler(streamID, s.settings.InitialStreamReceiveWindow),
	}
	st.in = NewStreamMessageQueueIn(streamID, st.recvWindow, consumer, s.fw, s.log)
	st.out = NewStreamMessageQueueOut(streamID, st.sendWindow, s.out, s.log)
	if err := s.in.InsertNewStreamMessageQueue(st.in); err != nil {
		return nil, nil, err
	}
	s.streams[streamID] = st

	s.log.Debug("session: stream opened", logger.LogFields{
		"stream_id":          streamID,
		"send_window":        s.settings.InitialStreamSendWindow,
		"receive_window":     s.settings.InitialStreamReceiveWindow,
		"open_stream_queues": len(s.streams),
	})
	return st.in, st.out, nil
}

// CloseStream tears down a stream's queues: the inbound side is closed and
// unregistered immediately, the outbound side begins closing and drains any
// pending data as credit allows. Unknown streams are a no-op.
func (s *QueueSession) CloseStream(streamID uint32) {
	s.mu.Lock()
	st, ok := s.streams[streamID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.streams, streamID)
	s.mu.Unlock()

	s.in.RemoveStreamMessageQueue(streamID)
	st.in.Close()
	st.out.StartClosing()
}

// HandleWindowUpdate applies a WINDOW_UPDATE received from the peer. Stream 0
// targets the connection send window; an update for an unknown stream is
// discarded, matching the treatment of frames racing a local stream close.
func (s *QueueSession) HandleWindowUpdate(streamID uint32, increment uint32) error {
	if streamID == 0 {
		return s.connSendWindow.HandleWindowUpdateFromPeer(increment)
	}
	s.mu.Lock()
	st, ok := s.streams[streamID]
	s.mu.Unlock()
	if !ok {
		s.log.Debug("session: WINDOW_UPDATE for unknown stream discarded", logger.LogFields{
			"stream_id": streamID,
			"increment": increment,
		})
		return nil
	}
	return st.sendWindow.HandleWindowUpdateFromPeer(increment)
}

// UpdateInitialSendWindowSize applies a peer SETTINGS_INITIAL_WINDOW_SIZE
// change to every open stream's send window. The first error aborts the sweep;
// per RFC 7540 an overflow here is a connection-fatal FLOW_CONTROL_ERROR, so
// there is nothing useful in continuing.
func (s *QueueSession) UpdateInitialSendWindowSize(newInitialSize uint32) error {
	s.mu.Lock()
	windows := make([]*OutgoingWindowHandler, 0, len(s.streams))
	for _, st := range s.streams {
		windows = append(windows, st.sendWindow)
	}
	s.settings.InitialStreamSendWindow = newInitialSize
	s.mu.Unlock()

	for _, w := range windows {
		if err := w.AdjustInitialWindowSize(newInitialSize); err != nil {
			return err
		}
	}
	return nil
}

// Close shuts the whole session down: every stream is closed and the
// connection queues stop accepting work.
func (s *QueueSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	streams := s.streams
	s.streams = make(map[uint32]*sessionStream)
	s.mu.Unlock()

	for streamID, st := range streams {
		s.in.RemoveStreamMessageQueue(streamID)
		st.in.Close()
		st.out.StartClosing()
	}
	s.in.Close()
	s.out.StartClosing()
}
