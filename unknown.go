package h2client

var _ Frame = &Unknown{}

// Unknown preserves the payload of a frame whose type this package does
// not recognize. Such frames are forwarded to the connection's fallback
// sink and dropped by default.
type Unknown struct {
	kind    FrameType
	payload []byte
}

func (u *Unknown) Type() FrameType {
	return u.kind
}

func (u *Unknown) Reset() {
	u.payload = u.payload[:0]
}

// Payload returns the raw payload bytes of the frame.
func (u *Unknown) Payload() []byte {
	return u.payload
}

func (u *Unknown) SetPayload(b []byte) {
	u.payload = append(u.payload[:0], b...)
}

func (u *Unknown) Deserialize(fr *FrameHeader) error {
	u.kind = fr.Type()
	u.payload = append(u.payload[:0], fr.payload...)

	return nil
}

func (u *Unknown) Serialize(fr *FrameHeader) {
	fr.kind = u.kind
	fr.setPayload(u.payload)
}
