package h2client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mkStream(id uint32) *Stream {
	return newStream(id, nil, int64(defaultWindowSize), int64(defaultWindowSize))
}

func TestRegistryAllocatesOddIncreasingIDs(t *testing.T) {
	sr := newStreamRegistry()

	want := uint32(1)
	for i := 0; i < 5; i++ {
		strm, err := sr.allocate(0, mkStream)
		require.NoError(t, err)
		require.Equal(t, want, strm.ID())
		want += 2
	}
}

func TestRegistryMaxConcurrentStreams(t *testing.T) {
	sr := newStreamRegistry()

	for i := 0; i < 3; i++ {
		_, err := sr.allocate(3, mkStream)
		require.NoError(t, err)
	}

	_, err := sr.allocate(3, mkStream)
	require.ErrorIs(t, err, ErrNotAvailableStreams)

	// closing a stream frees a slot
	sr.remove(1)

	strm, err := sr.allocate(3, mkStream)
	require.NoError(t, err)
	require.Equal(t, uint32(7), strm.ID())
}

func TestRegistryIDExhaustion(t *testing.T) {
	sr := newStreamRegistry()
	sr.nextID = maxStreamID

	strm, err := sr.allocate(0, mkStream)
	require.NoError(t, err)
	require.Equal(t, uint32(maxStreamID), strm.ID())

	_, err = sr.allocate(0, mkStream)
	require.ErrorIs(t, err, ErrStreamIDExhausted)
}

func TestRegistryGoAway(t *testing.T) {
	sr := newStreamRegistry()

	for i := 0; i < 3; i++ { // streams 1, 3, 5
		_, err := sr.allocate(0, mkStream)
		require.NoError(t, err)
	}

	refused := sr.goAway(3)
	require.Len(t, refused, 1)
	require.Equal(t, uint32(5), refused[0].ID())

	require.NotNil(t, sr.get(1))
	require.NotNil(t, sr.get(3))
	require.Nil(t, sr.get(5))

	_, err := sr.allocate(0, mkStream)
	require.ErrorIs(t, err, ErrGoAwayInProgress)
}

func TestRegistryMaxRecv(t *testing.T) {
	sr := newStreamRegistry()

	sr.noteRecv(4)
	sr.noteRecv(2)
	require.Equal(t, uint32(4), sr.maxRecv())

	sr.noteRecv(6)
	require.Equal(t, uint32(6), sr.maxRecv())
}

func TestRegistryFail(t *testing.T) {
	sr := newStreamRegistry()

	_, err := sr.allocate(0, mkStream)
	require.NoError(t, err)

	strms := sr.fail(ErrPingTimeout)
	require.Len(t, strms, 1)

	_, err = sr.allocate(0, mkStream)
	require.ErrorIs(t, err, ErrPingTimeout)
}

func TestRegistryClosedStreamGrace(t *testing.T) {
	sr := newStreamRegistry()

	_, err := sr.allocate(0, mkStream)
	require.NoError(t, err)

	require.False(t, sr.closedRecently(1))

	sr.remove(1)
	require.True(t, sr.closedRecently(1))

	// age the record past the grace window
	sr.mu.Lock()
	sr.closed[1] = time.Now().Add(-closedStreamGrace - time.Second)
	sr.mu.Unlock()

	require.False(t, sr.closedRecently(1))
}

func TestRegistryClosedRecordBounded(t *testing.T) {
	sr := newStreamRegistry()

	sr.mu.Lock()
	for i := uint32(0); i < maxClosedStreams+16; i++ {
		sr.recordClosed(i*2 + 1)
	}
	n := len(sr.closed)
	sr.mu.Unlock()

	require.LessOrEqual(t, n, maxClosedStreams)
}

func TestStreamStateTransitions(t *testing.T) {
	strm := mkStream(1)
	require.Equal(t, StreamStateIdle, strm.State())

	strm.setState(StreamStateOpen)

	require.False(t, strm.closeLocal())
	require.Equal(t, StreamStateHalfClosedLocal, strm.State())

	require.True(t, strm.closeRemote())
	require.Equal(t, StreamStateClosed, strm.State())
}

func TestStreamTerminateDrainsMailbox(t *testing.T) {
	strm := mkStream(1)

	require.True(t, strm.deliver(&StreamEvent{kind: EventData, data: []byte("tail")}))
	strm.terminate(nil)

	ev, err := strm.Next()
	require.NoError(t, err)
	require.Equal(t, []byte("tail"), ev.Data())

	_, err = strm.Next()
	require.Error(t, err)
}
