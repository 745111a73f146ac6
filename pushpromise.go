package h2client

import (
	"github.com/domsolutions/h2client/h2utils"
)

const FramePushPromise FrameType = 0x5

var (
	_ Frame            = &PushPromise{}
	_ FrameWithHeaders = &PushPromise{}
)

// PushPromise reserves a server-initiated (even) stream id and carries
// the header block fragment of the promised request.
//
// https://tools.ietf.org/html/rfc7540#section-6.6
type PushPromise struct {
	ended  bool
	stream uint32 // promised stream id
	header []byte // header block fragment
}

func (pp *PushPromise) Type() FrameType {
	return FramePushPromise
}

func (pp *PushPromise) Reset() {
	pp.ended = false
	pp.stream = 0
	pp.header = pp.header[:0]
}

// Promised returns the promised stream id.
func (pp *PushPromise) Promised() uint32 {
	return pp.stream
}

// SetPromised sets the promised stream id.
func (pp *PushPromise) SetPromised(stream uint32) {
	pp.stream = stream & (1<<31 - 1)
}

// Headers returns the raw header block fragment.
func (pp *PushPromise) Headers() []byte {
	return pp.header
}

func (pp *PushPromise) SetHeader(h []byte) {
	pp.header = append(pp.header[:0], h...)
}

func (pp *PushPromise) EndHeaders() bool {
	return pp.ended
}

func (pp *PushPromise) SetEndHeaders(value bool) {
	pp.ended = value
}

func (pp *PushPromise) Write(b []byte) (int, error) {
	n := len(b)
	pp.header = append(pp.header, b...)
	return n, nil
}

func (pp *PushPromise) Deserialize(fr *FrameHeader) error {
	payload := fr.payload

	if fr.Flags().Has(FlagPadded) {
		var ok bool
		payload, ok = h2utils.CutPadding(payload, fr.Len())
		if !ok {
			return NewError(ProtocolError, "bad padding on push promise frame")
		}
	}

	if len(payload) < 4 {
		return ErrMissingBytes
	}

	pp.stream = h2utils.BytesToUint32(payload) & (1<<31 - 1)
	pp.header = append(pp.header[:0], payload[4:]...)
	pp.ended = fr.Flags().Has(FlagEndHeaders)

	return nil
}

func (pp *PushPromise) Serialize(fr *FrameHeader) {
	if pp.ended {
		fr.SetFlags(
			fr.Flags().Add(FlagEndHeaders))
	}

	fr.payload = h2utils.AppendUint32Bytes(fr.payload[:0], pp.stream)
	fr.payload = append(fr.payload, pp.header...)
}
