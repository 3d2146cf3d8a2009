package http2

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2/hpack"

	"example.com/h2flow/internal/logger"
)

type connInFixture struct {
	router      *ConnectionMessageQueueIn
	connHandler *IncomingWindowHandler
	fw          *recordingFrameWriter
}

func newConnInFixture(t *testing.T, connWindow uint32) *connInFixture {
	t.Helper()
	handler := NewConnectionIncomingWindowHandler(connWindow)
	fw := newRecordingFrameWriter()
	return &connInFixture{
		router:      NewConnectionMessageQueueIn(handler, fw, logger.NewNopLogger()),
		connHandler: handler,
		fw:          fw,
	}
}

func (f *connInFixture) addStream(t *testing.T, streamID uint32, streamWindow uint32, consumer MessageConsumer) *StreamMessageQueueIn {
	t.Helper()
	handler := NewStreamIncomingWindowHandler(streamID, streamWindow)
	sq := NewStreamMessageQueueIn(streamID, handler, consumer, f.fw, logger.NewNopLogger())
	require.NoError(t, f.router.InsertNewStreamMessageQueue(sq))
	return sq
}

func dataFrame(streamID uint32, data []byte, endStream bool) *DataFrame {
	var flags Flags
	if endStream {
		flags |= FlagDataEndStream
	}
	return &DataFrame{
		FrameHeader: FrameHeader{Length: uint32(len(data)), Type: FrameData, Flags: flags, StreamID: streamID},
		Data:        data,
	}
}

func paddedDataFrame(streamID uint32, data []byte, padLen uint8, endStream bool) *DataFrame {
	flags := FlagDataPadded
	if endStream {
		flags |= FlagDataEndStream
	}
	return &DataFrame{
		FrameHeader: FrameHeader{
			Length:   1 + uint32(len(data)) + uint32(padLen),
			Type:     FrameData,
			Flags:    flags,
			StreamID: streamID,
		},
		PadLength: padLen,
		Data:      data,
		Padding:   make([]byte, padLen),
	}
}

func TestConnectionQueueIn_RoutesDataToStreamConsumer(t *testing.T) {
	f := newConnInFixture(t, 1000)
	consumer := newCollectingConsumer(-1)
	f.addStream(t, 1, 1000, consumer)

	require.NoError(t, f.router.ProcessDataFrame(dataFrame(1, []byte("hello"), true)))

	received := consumer.received()
	require.Len(t, received, 1)
	dm := received[0].(DataMessage)
	assert.Equal(t, []byte("hello"), dm.Data())
	assert.True(t, dm.EndStream())
	// Consumed immediately, so the connection window is fully restored.
	assert.Equal(t, int64(1000), f.connHandler.Available())
}

func TestConnectionQueueIn_WindowDebitedExactlyOncePerFrame(t *testing.T) {
	f := newConnInFixture(t, 1000)
	consumer := newCollectingConsumer(1)
	f.addStream(t, 1, 1000, consumer)

	// First frame consumed, second and third held for the saturated consumer.
	require.NoError(t, f.router.ProcessDataFrame(dataFrame(1, []byte("aaaa"), false)))
	require.NoError(t, f.router.ProcessDataFrame(dataFrame(1, []byte("bbbb"), false)))
	require.NoError(t, f.router.ProcessDataFrame(dataFrame(1, []byte("cccc"), false)))

	// All three debits landed; only the first frame's credit came back.
	assert.Equal(t, int64(1000-8), f.connHandler.Available())
	assert.Equal(t, 2, f.router.PendingMessages())
}

func TestConnectionQueueIn_DrainOnConsumerReady(t *testing.T) {
	f := newConnInFixture(t, 1000)
	consumer := newCollectingConsumer(1)
	sq := f.addStream(t, 1, 1000, consumer)

	require.NoError(t, f.router.ProcessDataFrame(dataFrame(1, []byte("one"), false)))
	require.NoError(t, f.router.ProcessDataFrame(dataFrame(1, []byte("two"), false)))
	require.NoError(t, f.router.ProcessDataFrame(dataFrame(1, []byte("end"), true)))
	require.Equal(t, 2, f.router.PendingMessages())

	consumer.setCapacity(-1)
	require.NoError(t, sq.ConsumerReady())

	received := consumer.received()
	require.Len(t, received, 3)
	assert.Equal(t, []byte("two"), received[1].(DataMessage).Data())
	assert.True(t, received[2].EndStream())
	assert.Equal(t, 0, f.router.PendingMessages())
	// Every byte was eventually consumed and credited back.
	assert.Equal(t, int64(1000), f.connHandler.Available())
}

func TestConnectionQueueIn_ConnectionWindowUpdateAfterDrain(t *testing.T) {
	// Connection window 10 -> threshold 5. Stream window large so only the
	// connection-scope update fires.
	f := newConnInFixture(t, 10)
	consumer := newCollectingConsumer(-1)
	f.addStream(t, 1, 1000, consumer)

	require.NoError(t, f.router.ProcessDataFrame(dataFrame(1, []byte("123456"), false)))

	calls := f.fw.callsOfKind("WINDOW_UPDATE")
	require.Len(t, calls, 1)
	assert.Equal(t, uint32(0), calls[0].streamID, "connection-scope update targets stream 0")
	assert.Equal(t, uint32(6), calls[0].increment)
}

func TestConnectionQueueIn_UnknownStreamStillDebitsWindow(t *testing.T) {
	f := newConnInFixture(t, 1000)

	err := f.router.ProcessDataFrame(dataFrame(42, []byte("ghost"), false))
	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Equal(t, uint32(42), streamErr.StreamID)
	assert.Equal(t, ErrCodeStreamClosed, streamErr.Code)

	// The bytes were on the wire either way; the window reflects them.
	assert.Equal(t, int64(995), f.connHandler.Available())
}

func TestConnectionQueueIn_PaddedFrameDebitsDeclaredLength(t *testing.T) {
	// Connection window 20 -> threshold 10.
	f := newConnInFixture(t, 20)
	consumer := newCollectingConsumer(1)
	sq := f.addStream(t, 1, 1000, consumer)

	// Saturate the consumer with a small unpadded frame first.
	require.NoError(t, f.router.ProcessDataFrame(dataFrame(1, []byte("ab"), false)))
	require.Equal(t, int64(20), f.connHandler.Available())

	// Declared length 10: PadLength octet + 4 data bytes + 5 padding. The full
	// 10 is debited; the 6 bytes of padding overhead come back immediately
	// while the 4 data bytes stay outstanding with the held message.
	require.NoError(t, f.router.ProcessDataFrame(paddedDataFrame(1, []byte("data"), 5, false)))
	assert.Equal(t, int64(20-10+6), f.connHandler.Available())
	assert.Equal(t, 1, f.router.PendingMessages())
	assert.Empty(t, f.fw.callsOfKind("WINDOW_UPDATE"), "accumulated credit still below threshold")

	// Draining releases the data bytes too, crossing the threshold.
	consumer.setCapacity(-1)
	require.NoError(t, sq.ConsumerReady())
	assert.Equal(t, int64(20), f.connHandler.Available())
	calls := f.fw.callsOfKind("WINDOW_UPDATE")
	require.Len(t, calls, 1)
	assert.Equal(t, uint32(0), calls[0].streamID)
	assert.Equal(t, uint32(2+6+4), calls[0].increment)
}

func TestConnectionQueueIn_PaddedFrameOverrunUsesDeclaredLength(t *testing.T) {
	f := newConnInFixture(t, 5)
	consumer := newCollectingConsumer(-1)
	f.addStream(t, 1, 1000, consumer)

	// Only 4 data bytes, but the declared 10 exceeds the 5-byte window.
	err := f.router.ProcessDataFrame(paddedDataFrame(1, []byte("data"), 5, false))
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, ErrCodeFlowControlError, connErr.Code)
	assert.Equal(t, int64(5), f.connHandler.Available(), "window unchanged after violation")
}

func TestConnectionQueueIn_IgnoredPaddedFrameDebitsDeclaredLength(t *testing.T) {
	f := newConnInFixture(t, 100)

	require.NoError(t, f.router.ProcessIgnoredDataFrame(paddedDataFrame(9, []byte("data"), 5, false)))

	assert.Equal(t, int64(90), f.connHandler.Available())
	assert.Empty(t, f.fw.callsOfKind("WINDOW_UPDATE"))
}

func TestConnectionQueueIn_IgnoredDataDebitsWithoutCredit(t *testing.T) {
	f := newConnInFixture(t, 1000)

	require.NoError(t, f.router.ProcessIgnoredDataFrame(dataFrame(9, []byte("dropped"), false)))

	assert.Equal(t, int64(993), f.connHandler.Available())
	assert.Empty(t, f.fw.callsOfKind("WINDOW_UPDATE"), "ignored bytes never produce credit")
	assert.Equal(t, 0, f.router.PendingMessages())
}

func TestConnectionQueueIn_ConnectionOverrunIsFatal(t *testing.T) {
	f := newConnInFixture(t, 4)

	err := f.router.ProcessDataFrame(dataFrame(1, []byte("12345"), false))
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, ErrCodeFlowControlError, connErr.Code)
	assert.Equal(t, int64(4), f.connHandler.Available(), "window unchanged after violation")
}

func TestConnectionQueueIn_HeadersQueueBehindHeldData(t *testing.T) {
	f := newConnInFixture(t, 1000)
	consumer := newCollectingConsumer(1)
	sq := f.addStream(t, 1, 1000, consumer)

	require.NoError(t, f.router.ProcessDataFrame(dataFrame(1, []byte("body"), false)))
	require.NoError(t, f.router.ProcessDataFrame(dataFrame(1, []byte("more"), false)))
	trailers := []hpack.HeaderField{{Name: "grpc-status", Value: "0"}}
	require.NoError(t, f.router.ProcessHeadersFrame(1, trailers, true))
	require.Equal(t, 2, f.router.PendingMessages())

	consumer.setCapacity(-1)
	require.NoError(t, sq.ConsumerReady())

	received := consumer.received()
	require.Len(t, received, 3)
	// Trailers arrive after the held DATA, preserving wire order.
	hm, ok := received[2].(HeadersMessage)
	require.True(t, ok)
	assert.Equal(t, trailers, hm.Headers())
	assert.True(t, hm.EndStream())
}

func TestConnectionQueueIn_PushPromiseRouted(t *testing.T) {
	f := newConnInFixture(t, 1000)
	consumer := newCollectingConsumer(-1)
	f.addStream(t, 1, 1000, consumer)

	headers := []hpack.HeaderField{{Name: ":path", Value: "/asset"}}
	require.NoError(t, f.router.ProcessPushPromiseFrame(1, 2, headers))

	received := consumer.received()
	require.Len(t, received, 1)
	pm, ok := received[0].(PushPromiseMessage)
	require.True(t, ok)
	assert.Equal(t, uint32(2), pm.PromisedStreamID())
}

func TestConnectionQueueIn_DuplicateStreamRegistration(t *testing.T) {
	f := newConnInFixture(t, 1000)
	consumer := newCollectingConsumer(-1)
	f.addStream(t, 1, 1000, consumer)

	handler := NewStreamIncomingWindowHandler(1, 1000)
	dup := NewStreamMessageQueueIn(1, handler, consumer, f.fw, logger.NewNopLogger())
	err := f.router.InsertNewStreamMessageQueue(dup)
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, ErrCodeInternalError, connErr.Code)
}

func TestConnectionQueueIn_RemoveStreamDiscardsHeld(t *testing.T) {
	f := newConnInFixture(t, 1000)
	consumer := newCollectingConsumer(1)
	f.addStream(t, 1, 1000, consumer)

	require.NoError(t, f.router.ProcessDataFrame(dataFrame(1, []byte("a"), false)))
	require.NoError(t, f.router.ProcessDataFrame(dataFrame(1, []byte("b"), false)))
	require.Equal(t, 1, f.router.PendingMessages())

	f.router.RemoveStreamMessageQueue(1)
	assert.Equal(t, 0, f.router.PendingMessages())

	// Frames for the removed stream now fail as unknown.
	err := f.router.ProcessDataFrame(dataFrame(1, []byte("c"), false))
	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Equal(t, ErrCodeStreamClosed, streamErr.Code)

	// Removing again is a no-op.
	f.router.RemoveStreamMessageQueue(1)
}

func TestConnectionQueueIn_CloseRejectsFurtherFrames(t *testing.T) {
	f := newConnInFixture(t, 1000)
	consumer := newCollectingConsumer(-1)
	f.addStream(t, 1, 1000, consumer)

	f.router.Close()
	assert.Equal(t, 0, f.router.PendingMessages())

	err := f.router.ProcessDataFrame(dataFrame(1, []byte("late"), false))
	var cqe *ClosedQueueError
	require.ErrorAs(t, err, &cqe)

	err = f.router.ProcessIgnoredDataFrame(dataFrame(1, []byte("late"), false))
	require.ErrorAs(t, err, &cqe)
}
