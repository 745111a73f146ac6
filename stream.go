package h2client

import (
	"io"
	"sync"
)

// StreamState follows the lifecycle of RFC 7540, section 5.1.
type StreamState int8

const (
	StreamStateIdle StreamState = iota
	StreamStateReservedLocal
	StreamStateReservedRemote
	StreamStateOpen
	StreamStateHalfClosedLocal
	StreamStateHalfClosedRemote
	StreamStateClosed
)

func (ss StreamState) String() string {
	switch ss {
	case StreamStateIdle:
		return "Idle"
	case StreamStateReservedLocal:
		return "ReservedLocal"
	case StreamStateReservedRemote:
		return "ReservedRemote"
	case StreamStateOpen:
		return "Open"
	case StreamStateHalfClosedLocal:
		return "HalfClosedLocal"
	case StreamStateHalfClosedRemote:
		return "HalfClosedRemote"
	case StreamStateClosed:
		return "Closed"
	}

	return "IDK"
}

// StreamEventType discriminates the events delivered on a stream mailbox.
type StreamEventType int8

const (
	// EventHeaders carries a decoded header block: the response headers
	// or, after data, the trailers.
	EventHeaders StreamEventType = iota
	// EventData carries one DATA frame payload.
	EventData
)

// StreamEvent is one inbound event of a stream, delivered to the
// consumer in wire order.
type StreamEvent struct {
	kind      StreamEventType
	headers   []*HeaderField
	data      []byte
	endStream bool
}

func (ev *StreamEvent) Type() StreamEventType {
	return ev.kind
}

// Headers returns the decoded header fields of an EventHeaders event.
//
// The fields are owned by the consumer; release them with
// ReleaseHeaderFields when done.
func (ev *StreamEvent) Headers() []*HeaderField {
	return ev.headers
}

// Data returns the payload of an EventData event.
func (ev *StreamEvent) Data() []byte {
	return ev.data
}

// EndStream reports whether this event closed the remote side.
func (ev *StreamEvent) EndStream() bool {
	return ev.endStream
}

// Stream is the client handle of one HTTP/2 stream.
//
// The connection reader produces events into the mailbox; the consumer
// drains them with Next. All methods are safe for concurrent use.
type Stream struct {
	id uint32
	c  *Conn

	mu    sync.Mutex
	state StreamState

	events chan *StreamEvent
	done   chan struct{}

	closeOnce sync.Once
	termErr   error

	outWin *flowWindow
	inWin  *inboundWindow
}

func newStream(id uint32, c *Conn, outWin, inWin int64) *Stream {
	return &Stream{
		id:     id,
		c:      c,
		state:  StreamStateIdle,
		events: make(chan *StreamEvent, 64),
		done:   make(chan struct{}),
		outWin: newFlowWindow(outWin),
		inWin:  newInboundWindow(inWin),
	}
}

// ID returns the stream id.
func (s *Stream) ID() uint32 {
	return s.id
}

// State returns the current lifecycle state.
func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stream) setState(state StreamState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// closeLocal marks our sending side closed and reports whether the
// stream reached its terminal state.
func (s *Stream) closeLocal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StreamStateHalfClosedRemote, StreamStateReservedRemote:
		s.state = StreamStateClosed
	case StreamStateClosed:
	default:
		s.state = StreamStateHalfClosedLocal
	}

	return s.state == StreamStateClosed
}

// closeRemote marks the peer's sending side closed and reports whether
// the stream reached its terminal state.
func (s *Stream) closeRemote() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StreamStateHalfClosedLocal, StreamStateReservedLocal:
		s.state = StreamStateClosed
	case StreamStateClosed:
	default:
		s.state = StreamStateHalfClosedRemote
	}

	return s.state == StreamStateClosed
}

// Next blocks until the next inbound event. After the terminal event it
// returns the stream's end cause: io.EOF after a normal close, the
// reset or connection failure cause otherwise.
func (s *Stream) Next() (*StreamEvent, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case <-s.done:
		// drain events produced before termination
		select {
		case ev := <-s.events:
			return ev, nil
		default:
		}

		return nil, s.termErr
	}
}

// deliver posts ev to the mailbox, blocking for backpressure. Reports
// false if the stream terminated while waiting.
func (s *Stream) deliver(ev *StreamEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// terminate ends the stream with the given cause. Safe to call more
// than once; the first cause wins.
func (s *Stream) terminate(err error) {
	s.closeOnce.Do(func() {
		if err == nil {
			err = io.EOF
		}

		s.setState(StreamStateClosed)
		s.termErr = err
		s.outWin.fail(errStreamDone)
		close(s.done)
	})
}

var errStreamDone = NewError(StreamClosedError, "stream finished")

// SendData sends payload bytes on the stream, splitting them into DATA
// frames bounded by the peer's SETTINGS_MAX_FRAME_SIZE and blocking on
// both the stream and connection flow-control windows.
func (s *Stream) SendData(b []byte, endStream bool) error {
	return s.c.sendData(s, b, endStream)
}

// CloseSend half-closes our side with an empty DATA frame carrying
// END_STREAM.
func (s *Stream) CloseSend() error {
	return s.c.sendData(s, nil, true)
}

// Close cancels the stream. If it is not already closed a
// RST_STREAM(CANCEL) is sent to the peer.
func (s *Stream) Close() error {
	return s.c.resetStream(s, CancelError)
}
