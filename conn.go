package h2client

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fastrand"
)

const (
	// DefaultPingInterval is the interval the ping loop falls back to if
	// it runs without a positive PingInterval.
	DefaultPingInterval = time.Second * 10

	defaultPingTimeout         = time.Second * 5
	defaultFlowControlInterval = time.Second

	// maxConnWindow is the connection-level receive window advertised
	// right after the preface.
	maxConnWindow = 1 << 20
)

// ConnOpts defines the connection options.
type ConnOpts struct {
	// PingInterval defines the interval in which the client will ping
	// the server. An interval of 0 disables the ping loop.
	PingInterval time.Duration
	// PingTimeout bounds the wait for a PING acknowledgement before the
	// connection fails. Defaults to 5 seconds.
	PingTimeout time.Duration
	// FlowControlInterval is the tick on which accumulated receive
	// credit is flushed as WINDOW_UPDATE frames. Defaults to 1 second.
	FlowControlInterval time.Duration

	// MaxConcurrentStreams, MaxFrameSize, MaxHeaderListSize and
	// InitialWindowSize override the SETTINGS values advertised to the
	// server. Zero keeps the default.
	MaxConcurrentStreams uint32
	MaxFrameSize         uint32
	MaxHeaderListSize    uint32
	InitialWindowSize    uint32

	// OnDisconnect is a callback that fires when the Conn disconnects.
	OnDisconnect func(c *Conn)
	// OnRTT fires after every PING acknowledgement with the measured
	// round-trip time.
	OnRTT func(time.Duration)
	// OnGoAway fires when the server starts draining the connection.
	OnGoAway func(ga *GoAway)
	// OnPushPromise receives server-promised streams together with the
	// decoded request headers of the promise. Setting it advertises
	// ENABLE_PUSH=1. The callback runs on the connection reader and
	// must not block.
	OnPushPromise func(strm *Stream, headers []*HeaderField)
	// OnUnknownFrame receives frames of unrecognized types. The default
	// is to drop them.
	OnUnknownFrame func(kind FrameType, flags FrameFlags, stream uint32, payload []byte)
}

// headerBlock is an outbound header list. The writer encodes it, so the
// HPACK encoder state advances in wire order.
type headerBlock struct {
	strm      *Stream
	fields    []*HeaderField
	endStream bool
}

// outMessage is one unit of the writer queue: a back-to-back frame
// group and/or a header block, written without interleaving.
type outMessage struct {
	frs []*FrameHeader
	hdr *headerBlock

	// settings to apply to the encoder before writing frs; carried on
	// the queue so only the writer ever touches the encoder.
	encSettings *Settings

	done chan error
}

// WriteError wraps transport write failures.
type WriteError struct {
	err error
}

func (we WriteError) Error() string {
	return fmt.Sprintf("writing error: %s", we.err)
}

func (we WriteError) Unwrap() error {
	return we.err
}

func (we WriteError) Is(target error) bool {
	return errors.Is(we.err, target)
}

// Conn represents a raw client HTTP/2 connection over TLS + TCP.
//
// A single reader goroutine owns the transport read half and the HPACK
// decoder; a single writer goroutine owns the write half and the HPACK
// encoder. Everything else talks to them through the stream registry
// and the bounded writer queue.
type Conn struct {
	c net.Conn

	br *bufio.Reader
	bw *bufio.Writer

	enc *HPACK // writer-owned
	dec *HPACK // reader-owned

	strms *streamRegistry

	out    chan *outMessage
	closer chan struct{}

	connOutWin *flowWindow
	connInWin  *inboundWindow

	localS  atomic.Value // Settings in effect locally
	remoteS atomic.Value // Settings of the peer

	pendingMu sync.Mutex
	pendingS  Settings // our last sent SETTINGS, awaiting ACK

	startMu sync.Mutex // keeps wire order of HEADERS aligned with id order

	pingsMu sync.Mutex
	pings   map[[8]byte]*pendingPing

	// reader-owned header block accumulation
	cont contState

	opts ConnOpts

	errVal   atomic.Value
	closed   uint64
	failOnce sync.Once
}

type pendingPing struct {
	sent time.Time
	ch   chan time.Time
}

// contState accumulates the fragments of one header block. While a
// block is open no other frame may appear on any stream.
type contState struct {
	active    bool
	stream    uint32  // stream the fragments arrive on
	target    *Stream // stream the decoded block belongs to; nil if it is gone
	promised  bool
	endStream bool
	buf       []byte
}

// NewConn returns a new HTTP/2 connection over c.
// To start using the connection you need to call Handshake.
func NewConn(c net.Conn, opts ConnOpts) *Conn {
	var local Settings
	local.Reset()
	local.SetPush(opts.OnPushPromise != nil)

	if opts.MaxConcurrentStreams > 0 {
		local.SetMaxStreams(opts.MaxConcurrentStreams)
	}
	if opts.MaxFrameSize > 0 {
		local.SetMaxFrameSize(opts.MaxFrameSize)
	}
	if opts.MaxHeaderListSize > 0 {
		local.SetMaxHeaderListSize(opts.MaxHeaderListSize)
	}
	if opts.InitialWindowSize > 0 {
		local.SetMaxWindowSize(opts.InitialWindowSize)
	}

	var remote Settings
	remote.Reset()

	nc := &Conn{
		c:          c,
		br:         bufio.NewReaderSize(c, 4096),
		bw:         bufio.NewWriterSize(c, int(defaultMaxFrameSize)),
		enc:        AcquireHPACK(),
		dec:        AcquireHPACK(),
		strms:      newStreamRegistry(),
		out:        make(chan *outMessage, 128),
		closer:     make(chan struct{}),
		connOutWin: newFlowWindow(int64(defaultWindowSize)),
		connInWin:  newInboundWindow(int64(defaultWindowSize)),
		pings:      make(map[[8]byte]*pendingPing),
		opts:       opts,
	}

	nc.localS.Store(local)
	nc.remoteS.Store(remote)
	nc.pendingS = local

	return nc
}

func (c *Conn) localSettings() Settings {
	return c.localS.Load().(Settings)
}

func (c *Conn) remoteSettings() Settings {
	return c.remoteS.Load().(Settings)
}

// Closed indicates whether the connection is closed or not.
func (c *Conn) Closed() bool {
	return atomic.LoadUint64(&c.closed) == 1
}

// LastErr returns the cause the connection failed with, if any.
func (c *Conn) LastErr() error {
	if err, ok := c.errVal.Load().(error); ok {
		return err
	}

	return nil
}

func (c *Conn) cause() error {
	if err := c.LastErr(); err != nil {
		return err
	}

	return ErrConnectionClosed
}

// Handshake writes the connection preface, our SETTINGS and the
// connection WINDOW_UPDATE, then consumes the server preface and starts
// the reader, writer, flow-control and ping loops.
//
// If an error is returned the underlying connection has been closed.
func (c *Conn) Handshake() error {
	err := c.writePreface()
	if err == nil {
		err = c.readServerPreface()
	}

	if err != nil {
		_ = c.c.Close()
		return err
	}

	go c.readLoop()
	go c.writeLoop()
	go c.flowLoop()

	if c.opts.PingInterval > 0 {
		go c.pingLoop()
	}

	return nil
}

var preface = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

func (c *Conn) writePreface() error {
	_, err := c.bw.Write(preface)
	if err != nil {
		return err
	}

	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)

	st := AcquireFrame(FrameSettings).(*Settings)
	local := c.localSettings()
	local.CopyTo(st)

	fr.SetBody(st)

	if _, err = fr.WriteTo(c.bw); err != nil {
		return err
	}

	// raise the connection receive window above the 65535 default
	fr2 := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr2)

	wu := AcquireFrame(FrameWindowUpdate).(*WindowUpdate)
	wu.SetIncrement(maxConnWindow - int(defaultWindowSize))

	fr2.SetBody(wu)

	if _, err = fr2.WriteTo(c.bw); err != nil {
		return err
	}

	c.connInWin.adjust(maxConnWindow - int64(defaultWindowSize))

	return c.bw.Flush()
}

func (c *Conn) readServerPreface() error {
	fr, err := ReadFrameFrom(c.br)
	if err != nil {
		return err
	}
	defer ReleaseFrameHeader(fr)

	if fr.Type() != FrameSettings {
		return fmt.Errorf("unexpected frame, expected settings, got %s", fr.Type())
	}

	st := fr.Body().(*Settings)
	if st.IsAck() {
		return NewError(ProtocolError, "server preface settings carries ACK")
	}

	remote := c.remoteSettings()
	remote.Merge(st)
	c.remoteS.Store(remote)

	// the loops are not running yet, the encoder can be touched directly
	c.enc.SetMaxTableSize(remote.HeaderTableSize())

	ackFr := AcquireFrameHeader()
	defer ReleaseFrameHeader(ackFr)

	ack := AcquireFrame(FrameSettings).(*Settings)
	ack.SetAck(true)
	ackFr.SetBody(ack)

	if _, err = ackFr.WriteTo(c.bw); err != nil {
		return err
	}

	return c.bw.Flush()
}

// fail poisons the connection: the first cause wins, every blocked
// sender and every stream consumer observes it, the transport closes.
func (c *Conn) fail(err error) {
	c.failOnce.Do(func() {
		c.errVal.Store(err)
		atomic.StoreUint64(&c.closed, 1)
		close(c.closer)

		c.connOutWin.fail(err)

		for _, strm := range c.strms.fail(err) {
			strm.outWin.fail(err)
			strm.terminate(err)
		}

		c.failPings()

		_ = c.c.Close()

		if c.opts.OnDisconnect != nil {
			c.opts.OnDisconnect(c)
		}
	})
}

// failWithGoAway emits a best-effort GOAWAY carrying the protocol error
// code before poisoning the connection.
func (c *Conn) failWithGoAway(err error) {
	var protoErr Error
	if errors.As(err, &protoErr) {
		fr := AcquireFrameHeader()

		ga := AcquireFrame(FrameGoAway).(*GoAway)
		ga.SetStream(c.strms.maxRecv())
		ga.SetCode(protoErr.Code())
		ga.SetData([]byte(protoErr.Debug()))

		fr.SetBody(ga)

		done := make(chan error, 1)

		select {
		case c.out <- &outMessage{frs: []*FrameHeader{fr}, done: done}:
			// bounded wait for the frame to reach the wire before the
			// transport goes away
			select {
			case <-done:
			case <-time.After(time.Second):
			case <-c.closer:
			}
		default:
			ReleaseFrameHeader(fr)
		}
	}

	c.fail(err)
}

// enqueue pushes msg onto the writer queue, blocking for backpressure.
func (c *Conn) enqueue(msg *outMessage) error {
	if c.Closed() {
		return c.cause()
	}

	select {
	case c.out <- msg:
		return nil
	case <-c.closer:
		return c.cause()
	}
}

func (c *Conn) enqueueFrame(fr *FrameHeader) error {
	return c.enqueue(&outMessage{frs: []*FrameHeader{fr}})
}

// ----------------------------------------------------------------------------
// writer loop

func (c *Conn) writeLoop() {
	for {
		select {
		case msg := <-c.out:
			err := c.writeMessage(msg)
			if msg.done != nil {
				msg.done <- err
			}

			if err != nil {
				c.fail(WriteError{err})
				c.drainOut()
				return
			}
		case <-c.closer:
			c.drainOut()
			return
		}
	}
}

func (c *Conn) drainOut() {
	for {
		select {
		case msg := <-c.out:
			if msg.done != nil {
				msg.done <- c.cause()
			}

			for _, fr := range msg.frs {
				ReleaseFrameHeader(fr)
			}
		default:
			return
		}
	}
}

// writeMessage writes one queue entry: the whole group goes
// back-to-back on the wire, no other writer can interleave.
func (c *Conn) writeMessage(msg *outMessage) (err error) {
	if msg.encSettings != nil {
		c.enc.SetMaxTableSize(msg.encSettings.HeaderTableSize())
	}

	frs := msg.frs

	if msg.hdr != nil {
		frs = append(c.encodeHeaderBlock(msg.hdr), frs...)
	}

	for _, fr := range frs {
		if err == nil {
			_, err = fr.WriteTo(c.bw)
		}

		ReleaseFrameHeader(fr)
	}

	if err == nil {
		err = c.bw.Flush()
	}

	return err
}

// encodeHeaderBlock encodes the header list with the writer-confined
// encoder and splits the block into HEADERS + CONTINUATION frames
// bounded by the peer's SETTINGS_MAX_FRAME_SIZE.
func (c *Conn) encodeHeaderBlock(hdr *headerBlock) []*FrameHeader {
	var block []byte
	for _, hf := range hdr.fields {
		block = c.enc.AppendHeader(block, hf, hf.IsSensible())
		ReleaseHeaderField(hf)
	}

	remoteS := c.remoteSettings()
	maxFrame := int(remoteS.MaxFrameSize())

	chunk := block
	if len(chunk) > maxFrame {
		chunk = chunk[:maxFrame]
	}
	rest := block[len(chunk):]

	fr := AcquireFrameHeader()
	fr.SetStream(hdr.strm.id)

	h := AcquireFrame(FrameHeaders).(*Headers)
	h.SetHeaders(chunk)
	h.SetEndStream(hdr.endStream)
	h.SetEndHeaders(len(rest) == 0)
	fr.SetBody(h)

	frs := []*FrameHeader{fr}

	for len(rest) > 0 {
		chunk = rest
		if len(chunk) > maxFrame {
			chunk = chunk[:maxFrame]
		}
		rest = rest[len(chunk):]

		cfr := AcquireFrameHeader()
		cfr.SetStream(hdr.strm.id)

		cont := AcquireFrame(FrameContinuation).(*Continuation)
		cont.SetHeader(chunk)
		cont.SetEndHeaders(len(rest) == 0)
		cfr.SetBody(cont)

		frs = append(frs, cfr)
	}

	// sending HEADERS opens the stream; END_STREAM half-closes our side
	if hdr.endStream {
		if hdr.strm.closeLocal() {
			c.strms.remove(hdr.strm.id)
			hdr.strm.terminate(nil)
		}
	} else {
		hdr.strm.setState(StreamStateOpen)
	}

	return frs
}

// ----------------------------------------------------------------------------
// reader loop

func (c *Conn) readLoop() {
	for {
		localS := c.localSettings()
		fr, err := ReadFrameFromWithSize(c.br, localS.MaxFrameSize())
		if err != nil {
			c.failWithGoAway(c.mapReadError(err))
			return
		}

		err = c.dispatch(fr)
		ReleaseFrameHeader(fr)

		if err != nil {
			c.failWithGoAway(err)
			return
		}
	}
}

// mapReadError turns transport-level read failures into the connection
// failure cause, promoting framing violations to protocol errors.
func (c *Conn) mapReadError(err error) error {
	switch {
	case errors.Is(err, ErrPayloadExceeds):
		return NewError(FrameSizeError, err.Error())
	case errors.Is(err, ErrReservedBit), errors.Is(err, ErrMissingBytes):
		return NewError(ProtocolError, err.Error())
	case errors.Is(err, io.ErrUnexpectedEOF):
		return io.EOF
	}

	return err
}

// dispatch routes one inbound frame. Returned errors are fatal to the
// connection.
func (c *Conn) dispatch(fr *FrameHeader) error {
	sid := fr.Stream()

	// a header block is atomic: HEADERS/PUSH_PROMISE followed only by
	// CONTINUATION on the same stream until END_HEADERS
	if c.cont.active && (fr.Type() != FrameContinuation || sid != c.cont.stream) {
		return NewError(ProtocolError, "expected continuation frame")
	}

	if sid == 0 {
		return c.handleControl(fr)
	}

	c.strms.noteRecv(sid)

	switch fr.Type() {
	case FrameHeaders:
		h := fr.Body().(*Headers)

		c.cont = contState{
			active:    true,
			stream:    sid,
			target:    c.strms.get(sid),
			endStream: h.EndStream(),
			buf:       append(c.cont.buf[:0], h.Headers()...),
		}

		if h.EndHeaders() {
			return c.finishHeaderBlock()
		}
	case FrameContinuation:
		if !c.cont.active {
			return NewError(ProtocolError, "continuation without a preceding headers frame")
		}

		cont := fr.Body().(*Continuation)
		c.cont.buf = append(c.cont.buf, cont.Headers()...)

		if cont.EndHeaders() {
			return c.finishHeaderBlock()
		}
	case FramePushPromise:
		return c.handlePushPromise(fr)
	case FrameData:
		return c.handleData(fr)
	case FrameResetStream:
		rst := fr.Body().(*RstStream)

		strm := c.strms.get(sid)
		if strm == nil {
			return c.lateStreamFrame(sid)
		}

		c.strms.remove(sid)
		strm.terminate(NewError(rst.Code(), "stream reset by peer"))
	case FrameWindowUpdate:
		wu := fr.Body().(*WindowUpdate)

		strm := c.strms.get(sid)
		if strm == nil {
			return c.lateStreamFrame(sid)
		}

		if wu.Increment() == 0 {
			// increment 0 on a stream is a stream error
			c.writeReset(sid, ProtocolError)
			c.strms.remove(sid)
			strm.terminate(NewError(ProtocolError, "window update with increment 0"))

			return nil
		}

		if err := strm.outWin.release(int64(wu.Increment())); err != nil {
			c.writeReset(sid, FlowControlError)
			c.strms.remove(sid)
			strm.terminate(err)
		}
	case FramePriority:
		// accepted and dropped: no prioritized send scheduling
	case FrameSettings, FramePing, FrameGoAway:
		return NewError(ProtocolError, "connection control frame on a stream")
	default:
		if cb := c.opts.OnUnknownFrame; cb != nil {
			if u, ok := fr.Body().(*Unknown); ok {
				cb(fr.Type(), fr.Flags(), sid, u.Payload())
			}
		}
	}

	return nil
}

// lateStreamFrame handles a frame for a stream the registry no longer
// holds: inside the grace window after closing it is ignored, past it
// the peer is using a dead stream and the connection fails with
// STREAM_CLOSED.
func (c *Conn) lateStreamFrame(sid uint32) error {
	if c.strms.closedRecently(sid) {
		return nil
	}

	return NewError(StreamClosedError, "frame on a closed stream")
}

func (c *Conn) handlePushPromise(fr *FrameHeader) error {
	if c.opts.OnPushPromise == nil {
		return NewError(ProtocolError, "push promise with push disabled")
	}

	pp := fr.Body().(*PushPromise)

	promised := pp.Promised()
	if promised == 0 || promised&1 == 1 {
		return NewError(ProtocolError, "push promise with a client stream id")
	}

	c.strms.noteRecv(promised)

	local := c.localSettings()
	remote := c.remoteSettings()

	strm := newStream(promised, c, int64(remote.MaxWindowSize()), int64(local.MaxWindowSize()))
	strm.setState(StreamStateReservedRemote)
	c.strms.reserve(promised, strm)

	c.cont = contState{
		active:   true,
		stream:   fr.Stream(),
		target:   strm,
		promised: true,
		buf:      append(c.cont.buf[:0], pp.Headers()...),
	}

	if pp.EndHeaders() {
		return c.finishHeaderBlock()
	}

	return nil
}

// finishHeaderBlock decodes the accumulated fragments in wire order.
// The decoder runs even when the target stream is gone: the dynamic
// table must stay synchronized with the peer.
func (c *Conn) finishHeaderBlock() error {
	cont := c.cont
	c.cont.active = false
	c.cont.target = nil

	fields, err := c.dec.Decode(nil, cont.buf)
	if err != nil {
		ReleaseHeaderFields(fields)
		return err
	}

	strm := cont.target
	if strm == nil {
		// the stream is gone; the block only fed the decoder, then the
		// grace window decides whether the frame was forgivable
		ReleaseHeaderFields(fields)
		return c.lateStreamFrame(cont.stream)
	}

	if cont.promised {
		c.opts.OnPushPromise(strm, fields)
		return nil
	}

	switch strm.State() {
	case StreamStateIdle:
		strm.setState(StreamStateOpen)
	case StreamStateReservedRemote:
		strm.setState(StreamStateHalfClosedLocal)
	}

	delivered := strm.deliver(&StreamEvent{
		kind:      EventHeaders,
		headers:   fields,
		endStream: cont.endStream,
	})
	if !delivered {
		ReleaseHeaderFields(fields)
	}

	if cont.endStream && strm.closeRemote() {
		c.strms.remove(strm.id)
		strm.terminate(nil)
	}

	return nil
}

func (c *Conn) handleData(fr *FrameHeader) error {
	sid := fr.Stream()
	d := fr.Body().(*Data)

	// flow control charges the whole payload, padding included
	flen := int64(fr.Len())

	if err := c.connInWin.consume(flen); err != nil {
		return err
	}

	strm := c.strms.get(sid)
	if strm == nil {
		// the stream is gone: give the connection credit back, then let
		// the grace window decide whether the frame was forgivable
		c.connInWin.replenish(flen)
		c.flushConnWindow()
		return c.lateStreamFrame(sid)
	}

	if err := strm.inWin.consume(flen); err != nil {
		c.writeReset(sid, FlowControlError)
		c.strms.remove(sid)
		strm.terminate(err)
		return nil
	}

	ev := &StreamEvent{
		kind:      EventData,
		data:      append([]byte(nil), d.Data()...),
		endStream: d.EndStream(),
	}

	if strm.deliver(ev) {
		strm.inWin.replenish(flen)
		local := c.localSettings()
		if inc := strm.inWin.flush(int64(local.MaxWindowSize()) / 2); inc > 0 {
			c.writeWindowUpdate(sid, inc)
		}
	}

	c.connInWin.replenish(flen)
	c.flushConnWindow()

	if d.EndStream() && strm.closeRemote() {
		c.strms.remove(sid)
		strm.terminate(nil)
	}

	return nil
}

func (c *Conn) flushConnWindow() {
	if inc := c.connInWin.flush(maxConnWindow / 2); inc > 0 {
		c.writeWindowUpdate(0, inc)
	}
}

// ----------------------------------------------------------------------------
// control plane (stream 0)

func (c *Conn) handleControl(fr *FrameHeader) error {
	switch fr.Type() {
	case FrameSettings:
		st := fr.Body().(*Settings)
		if st.IsAck() {
			return c.applyLocalSettings()
		}

		return c.applyRemoteSettings(st)
	case FramePing:
		ping := fr.Body().(*Ping)
		if !ping.IsAck() {
			return c.echoPing(ping)
		}

		c.completePing(ping.Data())
	case FrameGoAway:
		return c.handleGoAway(fr.Body().(*GoAway))
	case FrameWindowUpdate:
		wu := fr.Body().(*WindowUpdate)
		if wu.Increment() == 0 {
			return NewError(ProtocolError, "window update increment 0 on the connection")
		}

		return c.connOutWin.release(int64(wu.Increment()))
	case FrameData, FrameHeaders, FrameContinuation, FramePushPromise, FrameResetStream:
		return NewError(ProtocolError, "stream frame on the connection control stream")
	case FramePriority:
		return NewError(ProtocolError, "priority frame on stream 0")
	default:
		if cb := c.opts.OnUnknownFrame; cb != nil {
			if u, ok := fr.Body().(*Unknown); ok {
				cb(fr.Type(), fr.Flags(), 0, u.Payload())
			}
		}
	}

	return nil
}

// applyRemoteSettings merges a non-ACK SETTINGS frame: the settings
// snapshot is replaced, every stream's outbound window is re-based on
// the INITIAL_WINDOW_SIZE delta, and the encoder bound plus the ACK
// travel through the writer queue so later header blocks observe them.
func (c *Conn) applyRemoteSettings(st *Settings) error {
	old := c.remoteSettings()

	merged := old
	merged.Merge(st)
	c.remoteS.Store(merged)

	delta := int64(merged.MaxWindowSize()) - int64(old.MaxWindowSize())
	if delta != 0 {
		err := c.strms.forEach(func(strm *Stream) error {
			return strm.outWin.adjust(delta)
		})
		if err != nil {
			return err
		}
	}

	fr := AcquireFrameHeader()

	ack := AcquireFrame(FrameSettings).(*Settings)
	ack.SetAck(true)
	fr.SetBody(ack)

	encS := new(Settings)
	merged.CopyTo(encS)

	return c.enqueue(&outMessage{frs: []*FrameHeader{fr}, encSettings: encS})
}

// applyLocalSettings commits our previously sent SETTINGS once the
// peer acknowledges them: the decoder bounds and the inbound stream
// windows move to the new values.
func (c *Conn) applyLocalSettings() error {
	c.pendingMu.Lock()
	pending := c.pendingS
	c.pendingMu.Unlock()

	old := c.localSettings()
	c.localS.Store(pending)

	c.dec.SetMaxDecoderTableSize(pending.HeaderTableSize())
	c.dec.SetMaxHeaderListSize(pending.MaxHeaderListSize())

	if delta := int64(pending.MaxWindowSize()) - int64(old.MaxWindowSize()); delta != 0 {
		_ = c.strms.forEach(func(strm *Stream) error {
			strm.inWin.adjust(delta)
			return nil
		})
	}

	return nil
}

func (c *Conn) echoPing(ping *Ping) error {
	fr := AcquireFrameHeader()

	ack := AcquireFrame(FramePing).(*Ping)
	ack.SetData(ping.Data())
	ack.SetAck(true)

	fr.SetBody(ack)

	return c.enqueueFrame(fr)
}

func (c *Conn) completePing(data []byte) {
	var key [8]byte
	copy(key[:], data)

	c.pingsMu.Lock()
	pp := c.pings[key]
	delete(c.pings, key)
	c.pingsMu.Unlock()

	if pp == nil {
		return
	}

	now := time.Now()
	pp.ch <- now

	if c.opts.OnRTT != nil {
		c.opts.OnRTT(now.Sub(pp.sent))
	}
}

func (c *Conn) failPings() {
	c.pingsMu.Lock()
	for key := range c.pings {
		delete(c.pings, key)
	}
	c.pingsMu.Unlock()
}

func (c *Conn) handleGoAway(ga *GoAway) error {
	refused := c.strms.goAway(ga.Stream())
	for _, strm := range refused {
		strm.terminate(NewError(RefusedStreamError, "stream refused by goaway"))
	}

	if c.opts.OnGoAway != nil {
		c.opts.OnGoAway(ga.Copy())
	}

	if ga.Code() != NoError {
		return ga.Copy()
	}

	return nil
}

// ----------------------------------------------------------------------------
// flow-control and ping loops

func (c *Conn) flowLoop() {
	interval := c.opts.FlowControlInterval
	if interval <= 0 {
		interval = defaultFlowControlInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if inc := c.connInWin.flush(1); inc > 0 {
				c.writeWindowUpdate(0, inc)
			}

			_ = c.strms.forEach(func(strm *Stream) error {
				if inc := strm.inWin.flush(1); inc > 0 {
					c.writeWindowUpdate(strm.id, inc)
				}
				return nil
			})
		case <-c.closer:
			return
		}
	}
}

func (c *Conn) pingLoop() {
	interval := c.opts.PingInterval
	if interval <= 0 {
		interval = DefaultPingInterval
	}

	timeout := c.opts.PingTimeout
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			var payload [8]byte
			fillRandom(payload[:])

			if _, err := c.Ping(payload[:], timeout); err != nil {
				if errors.Is(err, ErrPingTimeout) {
					c.fail(ErrPingTimeout)
				}
				return
			}
		case <-c.closer:
			return
		}
	}
}

func fillRandom(b []byte) {
	for i := 0; i < len(b); i += 4 {
		n := fastrand.Uint32()
		for j := 0; j < 4 && i+j < len(b); j++ {
			b[i+j] = byte(n >> (8 * j))
		}
	}
}

// ----------------------------------------------------------------------------
// client API

// StartStream allocates the next stream id, registers the stream and
// queues its HEADERS (split into CONTINUATION frames when needed). The
// stream ids observed on the wire are strictly increasing.
//
// The header fields are copied; the caller keeps ownership of fields.
func (c *Conn) StartStream(fields []*HeaderField, endStream bool) (*Stream, error) {
	if c.Closed() {
		return nil, c.cause()
	}

	c.startMu.Lock()
	defer c.startMu.Unlock()

	local := c.localSettings()
	remote := c.remoteSettings()

	strm, err := c.strms.allocate(remote.MaxStreams(), func(id uint32) *Stream {
		return newStream(id, c, int64(remote.MaxWindowSize()), int64(local.MaxWindowSize()))
	})
	if err != nil {
		return nil, err
	}

	copied := make([]*HeaderField, len(fields))
	for i, hf := range fields {
		copied[i] = AcquireHeaderField()
		hf.CopyTo(copied[i])
	}

	err = c.enqueue(&outMessage{hdr: &headerBlock{
		strm:      strm,
		fields:    copied,
		endStream: endStream,
	}})
	if err != nil {
		c.strms.remove(strm.id)
		return nil, err
	}

	return strm, nil
}

// sendData implements Stream.SendData: the payload is split at the
// peer's SETTINGS_MAX_FRAME_SIZE and each chunk reserves credit on the
// stream window first, then on the connection window.
func (c *Conn) sendData(strm *Stream, b []byte, endStream bool) error {
	if c.Closed() {
		return c.cause()
	}

	remoteS := c.remoteSettings()
	maxFrame := int(remoteS.MaxFrameSize())

	remaining := b
	for first := true; first || len(remaining) > 0; first = false {
		chunk := len(remaining)
		if chunk > maxFrame {
			chunk = maxFrame
		}

		if chunk > 0 {
			granted, err := strm.outWin.reserve(int64(chunk))
			if err != nil {
				return err
			}

			granted2, err := c.connOutWin.reserve(granted)
			if err != nil {
				strm.outWin.release(granted)
				return err
			}

			if granted2 < granted {
				strm.outWin.release(granted - granted2)
			}

			chunk = int(granted2)
		}

		fr := AcquireFrameHeader()
		fr.SetStream(strm.id)

		data := AcquireFrame(FrameData).(*Data)
		data.SetData(remaining[:chunk])
		data.SetEndStream(endStream && chunk == len(remaining))
		fr.SetBody(data)

		if err := c.enqueueFrame(fr); err != nil {
			ReleaseFrameHeader(fr)
			return err
		}

		remaining = remaining[chunk:]
	}

	if endStream {
		if strm.closeLocal() {
			c.strms.remove(strm.id)
			strm.terminate(nil)
		}
	}

	return nil
}

// resetStream implements Stream.Close.
func (c *Conn) resetStream(strm *Stream, code ErrorCode) error {
	if strm.State() == StreamStateClosed {
		return nil
	}

	c.strms.remove(strm.id)
	strm.terminate(NewError(code, "stream canceled locally"))

	if c.Closed() {
		return nil
	}

	return c.writeReset(strm.id, code)
}

func (c *Conn) writeReset(sid uint32, code ErrorCode) error {
	fr := AcquireFrameHeader()
	fr.SetStream(sid)

	rst := AcquireFrame(FrameResetStream).(*RstStream)
	rst.SetCode(code)
	fr.SetBody(rst)

	return c.enqueueFrame(fr)
}

func (c *Conn) writeWindowUpdate(sid uint32, inc int) {
	fr := AcquireFrameHeader()
	fr.SetStream(sid)

	wu := AcquireFrame(FrameWindowUpdate).(*WindowUpdate)
	wu.SetIncrement(inc)
	fr.SetBody(wu)

	_ = c.enqueueFrame(fr)
}

// PingResult reports one acknowledged PING.
type PingResult struct {
	Sent     time.Time
	Received time.Time
	Data     [8]byte
}

// RTT returns the measured round-trip time.
func (pr PingResult) RTT() time.Duration {
	return pr.Received.Sub(pr.Sent)
}

// Ping sends a PING carrying payload and blocks until the matching
// acknowledgement, the timeout, or the connection failing.
//
// The payload must be exactly 8 bytes; anything else is rejected
// locally without disturbing the connection.
func (c *Conn) Ping(payload []byte, timeout time.Duration) (PingResult, error) {
	if len(payload) != 8 {
		return PingResult{}, ErrPingPayload
	}

	if c.Closed() {
		return PingResult{}, c.cause()
	}

	var key [8]byte
	copy(key[:], payload)

	pp := &pendingPing{ch: make(chan time.Time, 1)}

	c.pingsMu.Lock()
	if _, dup := c.pings[key]; dup {
		c.pingsMu.Unlock()
		return PingResult{}, fmt.Errorf("ping with payload %v already outstanding", key)
	}
	c.pings[key] = pp
	c.pingsMu.Unlock()

	fr := AcquireFrameHeader()

	ping := AcquireFrame(FramePing).(*Ping)
	ping.SetData(payload)
	fr.SetBody(ping)

	pp.sent = time.Now()

	if err := c.enqueueFrame(fr); err != nil {
		c.dropPing(key)
		return PingResult{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case recv := <-pp.ch:
		return PingResult{Sent: pp.sent, Received: recv, Data: key}, nil
	case <-timer.C:
		c.dropPing(key)
		return PingResult{}, ErrPingTimeout
	case <-c.closer:
		c.dropPing(key)
		return PingResult{}, c.cause()
	}
}

func (c *Conn) dropPing(key [8]byte) {
	c.pingsMu.Lock()
	delete(c.pings, key)
	c.pingsMu.Unlock()
}

// UpdateSettings sends a SETTINGS frame with our new values. It returns
// after the frame is queued; the values take local effect when the
// server acknowledges them.
func (c *Conn) UpdateSettings(st *Settings) error {
	c.pendingMu.Lock()
	merged := c.pendingS
	merged.Merge(st)
	c.pendingS = merged
	c.pendingMu.Unlock()

	fr := AcquireFrameHeader()

	body := AcquireFrame(FrameSettings).(*Settings)
	merged.CopyTo(body)
	body.SetAck(false)
	fr.SetBody(body)

	return c.enqueueFrame(fr)
}

// GoAway sends a GOAWAY frame carrying the highest stream id received
// from the peer, waits for the writer queue to drain up to it, then
// closes the transport. Every remaining stream observes the closure.
func (c *Conn) GoAway(code ErrorCode, debug []byte) error {
	fr := AcquireFrameHeader()

	ga := AcquireFrame(FrameGoAway).(*GoAway)
	ga.SetStream(c.strms.maxRecv())
	ga.SetCode(code)
	ga.SetData(debug)

	fr.SetBody(ga)

	done := make(chan error, 1)
	if err := c.enqueue(&outMessage{frs: []*FrameHeader{fr}, done: done}); err != nil {
		return err
	}

	err := <-done

	c.fail(ErrConnectionClosed)

	return err
}

// Close closes the connection gracefully, sending a GOAWAY(NO_ERROR)
// and then closing the underlying connection.
func (c *Conn) Close() error {
	if c.Closed() {
		return io.EOF
	}

	return c.GoAway(NoError, nil)
}

// ----------------------------------------------------------------------------
// dialing

// Dialer allows to create HTTP/2 connections by specifying an address
// and tls configuration.
type Dialer struct {
	// Addr is the server's address in the form: `host:port`.
	Addr string

	// TLSConfig is the tls configuration.
	//
	// If TLSConfig is nil, a default one will be defined on the Dial call.
	TLSConfig *tls.Config
}

func (d *Dialer) tryDial() (net.Conn, error) {
	if d.TLSConfig == nil || !func() bool {
		for _, proto := range d.TLSConfig.NextProtos {
			if proto == H2TLSProto {
				return true
			}
		}

		return false
	}() {
		configureDialer(d)
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", d.Addr)
	if err != nil {
		return nil, err
	}

	c, err := net.DialTCP("tcp", nil, tcpAddr)
	if err != nil {
		return nil, err
	}

	tlsConn := tls.Client(c, d.TLSConfig)

	if err := tlsConn.Handshake(); err != nil {
		_ = c.Close()
		return nil, err
	}

	if tlsConn.ConnectionState().NegotiatedProtocol != H2TLSProto {
		_ = c.Close()
		return nil, ErrServerSupport
	}

	return tlsConn, nil
}

// Dial creates an HTTP/2 connection or returns an error.
//
// An expected error is ErrServerSupport.
func (d *Dialer) Dial(opts ConnOpts) (*Conn, error) {
	c, err := d.tryDial()
	if err != nil {
		return nil, err
	}

	nc := NewConn(c, opts)

	err = nc.Handshake()
	return nc, err
}
