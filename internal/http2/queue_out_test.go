package http2

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2/hpack"

	"example.com/h2flow/internal/logger"
)

func newTestConnOutQueue(t *testing.T, initialWindow uint32, maxFrameSize uint32) (*ConnectionMessageQueueOut, *OutgoingWindowHandler, *recordingFrameWriter) {
	t.Helper()
	window := NewConnectionOutgoingWindowHandler(initialWindow)
	fw := newRecordingFrameWriter()
	q := NewConnectionMessageQueueOut(window, fw, maxFrameSize, logger.NewNopLogger())
	return q, window, fw
}

func TestConnectionQueueOut_HeadersBypassFlowControl(t *testing.T) {
	q, window, fw := newTestConnOutQueue(t, 65535, 0)
	window.DecreaseWindow(65535) // exhaust the window entirely

	headers := []hpack.HeaderField{{Name: ":status", Value: "200"}}
	require.NoError(t, q.EnqueueMessage(NewHeadersMessage(1, headers, true)))

	calls := fw.allCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "HEADERS", calls[0].kind)
	assert.Equal(t, uint32(1), calls[0].streamID)
	assert.True(t, calls[0].endStream)
	assert.Equal(t, 0, q.PendingMessages())
}

func TestConnectionQueueOut_PushPromiseBypassFlowControl(t *testing.T) {
	q, window, fw := newTestConnOutQueue(t, 10, 0)
	window.DecreaseWindow(10)

	headers := []hpack.HeaderField{{Name: ":path", Value: "/x"}}
	require.NoError(t, q.EnqueueMessage(NewPushPromiseMessage(1, 2, headers)))

	calls := fw.allCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "PUSH_PROMISE", calls[0].kind)
	assert.Equal(t, uint32(2), calls[0].promisedStreamID)
}

func TestConnectionQueueOut_DataWithinWindowWritesImmediately(t *testing.T) {
	q, window, fw := newTestConnOutQueue(t, 100, 0)

	require.NoError(t, q.EnqueueMessage(NewDataMessage(3, []byte("hello"), true)))

	calls := fw.callsOfKind("DATA")
	require.Len(t, calls, 1)
	assert.Equal(t, []byte("hello"), calls[0].data)
	assert.True(t, calls[0].endStream)
	assert.Equal(t, int64(95), window.Available())
	assert.Equal(t, 0, q.PendingMessages())
}

func TestConnectionQueueOut_FragmentsOnPartialWindow(t *testing.T) {
	q, window, fw := newTestConnOutQueue(t, 65535, 0)
	window.DecreaseWindow(65534) // leave exactly 1 byte of credit

	require.NoError(t, q.EnqueueMessage(NewDataMessage(99, []byte{1, 2, 3}, true)))

	// Only the first byte fits: it goes out as a non-final frame and the
	// remainder is held.
	calls := fw.callsOfKind("DATA")
	require.Len(t, calls, 1)
	assert.Equal(t, uint32(99), calls[0].streamID)
	assert.Equal(t, []byte{1}, calls[0].data)
	assert.False(t, calls[0].endStream)
	assert.Equal(t, 1, q.PendingMessages())
	assert.Equal(t, int64(0), window.Available())

	// Replenishing the window resumes the remainder with the original
	// END_STREAM flag.
	require.NoError(t, window.HandleWindowUpdateFromPeer(2))

	calls = fw.callsOfKind("DATA")
	require.Len(t, calls, 2)
	assert.Equal(t, uint32(99), calls[1].streamID)
	assert.Equal(t, []byte{2, 3}, calls[1].data)
	assert.True(t, calls[1].endStream)
	assert.Equal(t, 0, q.PendingMessages())
}

func TestConnectionQueueOut_ZeroWindowDefersWhole(t *testing.T) {
	q, window, fw := newTestConnOutQueue(t, 10, 0)
	window.DecreaseWindow(10)

	require.NoError(t, q.EnqueueMessage(NewDataMessage(1, []byte("abcd"), false)))

	// No zero-byte fragment is ever written.
	assert.Empty(t, fw.callsOfKind("DATA"))
	assert.Equal(t, 1, q.PendingMessages())

	require.NoError(t, window.HandleWindowUpdateFromPeer(100))
	calls := fw.callsOfKind("DATA")
	require.Len(t, calls, 1)
	assert.Equal(t, []byte("abcd"), calls[0].data)
	assert.Equal(t, 0, q.PendingMessages())
}

func TestConnectionQueueOut_TransportBackpressureDefersData(t *testing.T) {
	q, _, fw := newTestConnOutQueue(t, 100, 0)
	fw.BufferIndicator().MarkBuffered()

	require.NoError(t, q.EnqueueMessage(NewDataMessage(1, []byte("xy"), false)))
	assert.Empty(t, fw.callsOfKind("DATA"))
	assert.Equal(t, 1, q.PendingMessages())

	fw.BufferIndicator().MarkUnbuffered()
	calls := fw.callsOfKind("DATA")
	require.Len(t, calls, 1)
	assert.Equal(t, []byte("xy"), calls[0].data)
	assert.Equal(t, 0, q.PendingMessages())
}

func TestConnectionQueueOut_PendingPreservesOrder(t *testing.T) {
	q, window, fw := newTestConnOutQueue(t, 10, 0)
	window.DecreaseWindow(10)

	require.NoError(t, q.EnqueueMessage(NewDataMessage(1, []byte("first"), false)))
	require.NoError(t, q.EnqueueMessage(NewDataMessage(1, []byte("second"), false)))
	require.NoError(t, q.EnqueueMessage(NewDataMessage(1, []byte("third"), true)))
	assert.Equal(t, 3, q.PendingMessages())

	require.NoError(t, window.HandleWindowUpdateFromPeer(1000))

	calls := fw.callsOfKind("DATA")
	require.Len(t, calls, 3)
	assert.Equal(t, []byte("first"), calls[0].data)
	assert.Equal(t, []byte("second"), calls[1].data)
	assert.Equal(t, []byte("third"), calls[2].data)
	assert.True(t, calls[2].endStream)
}

func TestConnectionQueueOut_EmptyDataFrames(t *testing.T) {
	q, _, fw := newTestConnOutQueue(t, 100, 0)

	// An empty DATA without END_STREAM is dropped.
	require.NoError(t, q.EnqueueMessage(NewDataMessage(1, nil, false)))
	assert.Empty(t, fw.callsOfKind("DATA"))

	// With END_STREAM it must still reach the wire to close the stream.
	require.NoError(t, q.EnqueueMessage(NewDataMessage(1, nil, true)))
	calls := fw.callsOfKind("DATA")
	require.Len(t, calls, 1)
	assert.Empty(t, calls[0].data)
	assert.True(t, calls[0].endStream)
}

func TestConnectionQueueOut_ChunksAtMaxFrameSize(t *testing.T) {
	q, _, fw := newTestConnOutQueue(t, 1000, 4)

	require.NoError(t, q.EnqueueMessage(NewDataMessage(1, []byte("0123456789"), true)))

	calls := fw.callsOfKind("DATA")
	require.Len(t, calls, 3)
	assert.Equal(t, []byte("0123"), calls[0].data)
	assert.False(t, calls[0].endStream)
	assert.Equal(t, []byte("4567"), calls[1].data)
	assert.False(t, calls[1].endStream)
	assert.Equal(t, []byte("89"), calls[2].data)
	assert.True(t, calls[2].endStream, "END_STREAM rides the final chunk only")
}

func TestConnectionQueueOut_ClosedQueueRejectsEnqueue(t *testing.T) {
	q, _, _ := newTestConnOutQueue(t, 100, 0)
	q.StartClosing()

	err := q.EnqueueMessage(NewDataMessage(1, []byte("x"), false))
	var cqe *ClosedQueueError
	require.ErrorAs(t, err, &cqe)
	assert.Equal(t, uint32(0), cqe.StreamID)

	// Closing is idempotent; Done fires once.
	q.StartClosing()
	select {
	case <-q.Done():
	default:
		t.Fatal("Done should be closed once an empty queue starts closing")
	}
}

func TestConnectionQueueOut_DoneWaitsForDrain(t *testing.T) {
	q, window, fw := newTestConnOutQueue(t, 10, 0)
	window.DecreaseWindow(10)

	require.NoError(t, q.EnqueueMessage(NewDataMessage(1, []byte("held"), true)))
	q.StartClosing()

	select {
	case <-q.Done():
		t.Fatal("Done must not fire while messages are pending")
	default:
	}

	require.NoError(t, window.HandleWindowUpdateFromPeer(100))
	select {
	case <-q.Done():
	default:
		t.Fatal("Done should fire after the pending message drained")
	}
	require.Len(t, fw.callsOfKind("DATA"), 1)
}

func TestConnectionQueueOut_WriteErrorDuringFragmentKeepsRemainder(t *testing.T) {
	q, window, fw := newTestConnOutQueue(t, 65535, 0)
	window.DecreaseWindow(65534)

	require.NoError(t, q.EnqueueMessage(NewDataMessage(1, []byte{1, 2, 3}, true)))
	require.Equal(t, 1, q.PendingMessages())

	// Grant one more byte, but fail the write. The fragmentation path
	// re-enqueues the remainder before touching the writer, so the tail
	// survives the failure.
	fw.setFailWrites(true)
	require.NoError(t, window.HandleWindowUpdateFromPeer(1))

	assert.Equal(t, 1, q.PendingMessages())
}
