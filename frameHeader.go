package h2client

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/domsolutions/h2client/h2utils"
)

const (
	// FrameHeader default size
	// http://httpwg.org/specs/rfc7540.html#FrameHeader
	DefaultFrameSize = 9
	// https://httpwg.org/specs/rfc7540.html#SETTINGS_MAX_FRAME_SIZE
	defaultMaxLen = 1 << 14

	// Frame Flag (described along the frame types)
	// More flags have been ignored due to redundancy
	FlagAck        FrameFlags = 0x1
	FlagEndStream  FrameFlags = 0x1
	FlagEndHeaders FrameFlags = 0x4
	FlagPadded     FrameFlags = 0x8
	FlagPriority   FrameFlags = 0x20
)

// FrameType represents the type of an HTTP/2 frame.
//
// https://httpwg.org/specs/rfc7540.html#FrameTypes
type FrameType int8

func (ft FrameType) String() string {
	switch ft {
	case FrameData:
		return "FrameData"
	case FrameHeaders:
		return "FrameHeaders"
	case FramePriority:
		return "FramePriority"
	case FrameResetStream:
		return "FrameResetStream"
	case FrameSettings:
		return "FrameSettings"
	case FramePushPromise:
		return "FramePushPromise"
	case FramePing:
		return "FramePing"
	case FrameGoAway:
		return "FrameGoAway"
	case FrameWindowUpdate:
		return "FrameWindowUpdate"
	case FrameContinuation:
		return "FrameContinuation"
	}

	return fmt.Sprintf("FrameUnknown(%d)", int8(ft))
}

// FrameFlags is the type for the frame header flag octet.
type FrameFlags int8

// Has returns true if f contains ff.
func (f FrameFlags) Has(ff FrameFlags) bool {
	return f&ff == ff
}

// Add adds ff to the flags.
func (f FrameFlags) Add(ff FrameFlags) FrameFlags {
	return f | ff
}

// Del deletes ff from the flags.
func (f FrameFlags) Del(ff FrameFlags) FrameFlags {
	return f &^ ff
}

// Frame is the interface implemented by the frame payload types.
type Frame interface {
	Type() FrameType
	Reset()

	Serialize(*FrameHeader)
	Deserialize(*FrameHeader) error
}

var framePools = func() [FrameContinuation + 1]*sync.Pool {
	var pools [FrameContinuation + 1]*sync.Pool

	pools[FrameData] = &sync.Pool{New: func() interface{} { return &Data{} }}
	pools[FrameHeaders] = &sync.Pool{New: func() interface{} { return &Headers{} }}
	pools[FramePriority] = &sync.Pool{New: func() interface{} { return &Priority{} }}
	pools[FrameResetStream] = &sync.Pool{New: func() interface{} { return &RstStream{} }}
	pools[FrameSettings] = &sync.Pool{New: func() interface{} { return &Settings{} }}
	pools[FramePushPromise] = &sync.Pool{New: func() interface{} { return &PushPromise{} }}
	pools[FramePing] = &sync.Pool{New: func() interface{} { return &Ping{} }}
	pools[FrameGoAway] = &sync.Pool{New: func() interface{} { return &GoAway{} }}
	pools[FrameWindowUpdate] = &sync.Pool{New: func() interface{} { return &WindowUpdate{} }}
	pools[FrameContinuation] = &sync.Pool{New: func() interface{} { return &Continuation{} }}

	return pools
}()

// AcquireFrame gets a Frame of the given type from its pool.
//
// Unknown frame types are represented by the Unknown body and are not pooled.
func AcquireFrame(ftype FrameType) Frame {
	if ftype < 0 || int(ftype) >= len(framePools) {
		return &Unknown{kind: ftype}
	}

	fr := framePools[ftype].Get().(Frame)
	fr.Reset()
	return fr
}

// ReleaseFrame puts fr back to its pool.
func ReleaseFrame(fr Frame) {
	ftype := fr.Type()
	if ftype < 0 || int(ftype) >= len(framePools) {
		return
	}

	fr.Reset()
	framePools[ftype].Put(fr)
}

var frameHeaderPool = sync.Pool{
	New: func() interface{} {
		return &FrameHeader{}
	},
}

// FrameHeader is frame representation of HTTP2 protocol
//
// Use AcquireFrameHeader instead of creating FrameHeader every time
// if you are going to use FrameHeader as your own and ReleaseFrameHeader to
// delete the FrameHeader
//
// FrameHeader instance MUST NOT be used from different goroutines.
//
// https://tools.ietf.org/html/rfc7540#section-4.1
type FrameHeader struct {
	length int        // 24 bits
	kind   FrameType  // 8 bits
	flags  FrameFlags // 8 bits
	stream uint32     // 31 bits

	maxLen uint32

	rawHeader [DefaultFrameSize]byte
	payload   []byte

	fr Frame
}

// AcquireFrameHeader gets a FrameHeader from pool.
func AcquireFrameHeader() *FrameHeader {
	fr := frameHeaderPool.Get().(*FrameHeader)
	fr.Reset()
	return fr
}

// ReleaseFrameHeader reset and puts fr to the pool.
func ReleaseFrameHeader(fr *FrameHeader) {
	if fr.fr != nil {
		ReleaseFrame(fr.fr)
	}

	frameHeaderPool.Put(fr)
}

// Reset resets header values.
func (frh *FrameHeader) Reset() {
	frh.kind = 0
	frh.flags = 0
	frh.stream = 0
	frh.length = 0
	frh.maxLen = defaultMaxLen
	frh.fr = nil
	frh.payload = frh.payload[:0]
}

// Type returns the frame type (https://httpwg.org/specs/rfc7540.html#Frame_types)
func (frh *FrameHeader) Type() FrameType {
	return frh.kind
}

// Flags ...
func (frh *FrameHeader) Flags() FrameFlags {
	return frh.flags
}

func (frh *FrameHeader) SetFlags(flags FrameFlags) {
	frh.flags = flags
}

// Stream returns the stream id of the current frame.
func (frh *FrameHeader) Stream() uint32 {
	return frh.stream
}

// SetStream sets the stream id on the current frame.
func (frh *FrameHeader) SetStream(stream uint32) {
	frh.stream = stream & (1<<31 - 1)
}

// Len returns the payload length
func (frh *FrameHeader) Len() int {
	return frh.length
}

// MaxLen returns max negotiated payload length.
func (frh *FrameHeader) MaxLen() uint32 {
	return frh.maxLen
}

// SetMaxLen sets the maximum payload length accepted when reading.
func (frh *FrameHeader) SetMaxLen(maxLen uint32) {
	frh.maxLen = maxLen
}

func (frh *FrameHeader) parseValues(header []byte) error {
	frh.length = int(h2utils.BytesToUint24(header[:3])) // 3
	frh.kind = FrameType(header[3])                     // 1
	frh.flags = FrameFlags(header[4])                   // 1

	if header[5]&0x80 != 0 {
		return ErrReservedBit
	}

	frh.stream = h2utils.BytesToUint32(header[5:]) & (1<<31 - 1) // 4

	return nil
}

func (frh *FrameHeader) parseHeader(header []byte) {
	h2utils.Uint24ToBytes(header[:3], uint32(frh.length)) // 3
	header[3] = byte(frh.kind)                            // 1
	header[4] = byte(frh.flags)                           // 1
	h2utils.Uint32ToBytes(header[5:], frh.stream)         // 4
}

// ReadFrameFrom reads a frame from br using the default maximum payload length.
func ReadFrameFrom(br *bufio.Reader) (*FrameHeader, error) {
	return ReadFrameFromWithSize(br, defaultMaxLen)
}

// ReadFrameFromWithSize reads a frame from br rejecting any payload
// longer than max.
func ReadFrameFromWithSize(br *bufio.Reader, max uint32) (*FrameHeader, error) {
	fr := AcquireFrameHeader()
	fr.maxLen = max

	_, err := fr.ReadFrom(br)
	if err != nil {
		ReleaseFrameHeader(fr)
		fr = nil
	}

	return fr, err
}

// ReadFrom reads frame from Reader.
//
// This function returns read bytes and/or error.
//
// Unlike io.ReaderFrom this method does not read until io.EOF
func (frh *FrameHeader) ReadFrom(br *bufio.Reader) (int64, error) {
	header, err := br.Peek(DefaultFrameSize)
	if err != nil {
		return -1, err
	}

	br.Discard(DefaultFrameSize)

	rn := int64(DefaultFrameSize)

	// Parsing FrameHeader's Header field.
	if err := frh.parseValues(header); err != nil {
		return 0, err
	}

	if err := frh.checkLen(); err != nil {
		return 0, err
	}

	frh.fr = AcquireFrame(frh.kind)

	if frh.length > 0 {
		frh.payload = h2utils.Resize(frh.payload, frh.length)

		n, err := io.ReadFull(br, frh.payload[:frh.length])
		if err != nil {
			return rn, err
		}

		rn += int64(n)
	}

	return rn, frh.fr.Deserialize(frh)
}

// WriteTo writes frame to the Writer.
//
// This function returns FrameHeader bytes written and/or error.
func (frh *FrameHeader) WriteTo(w *bufio.Writer) (wb int64, err error) {
	frh.fr.Serialize(frh)

	frh.length = len(frh.payload)
	frh.parseHeader(frh.rawHeader[:])

	n, err := w.Write(frh.rawHeader[:])
	if err == nil {
		wb += int64(n)

		n, err = w.Write(frh.payload)
		wb += int64(n)
	}

	return wb, err
}

// Body returns the frame payload body.
func (frh *FrameHeader) Body() Frame {
	return frh.fr
}

func (frh *FrameHeader) SetBody(fr Frame) {
	if fr == nil {
		panic("Body cannot be nil")
	}

	frh.kind = fr.Type()
	frh.fr = fr
}

func (frh *FrameHeader) setPayload(payload []byte) {
	frh.payload = append(frh.payload[:0], payload...)
}

func (frh *FrameHeader) checkLen() error {
	if frh.maxLen != 0 && frh.length > int(frh.maxLen) {
		return ErrPayloadExceeds
	}
	return nil
}
