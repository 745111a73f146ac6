package h2client

const FramePing FrameType = 0x6

var _ Frame = &Ping{}

// Ping frame, used to measure round-trip time and keep the connection alive.
//
// The payload is exactly 8 opaque bytes; any other length is a
// FRAME_SIZE_ERROR on the connection.
//
// https://tools.ietf.org/html/rfc7540#section-6.7
type Ping struct {
	ack  bool
	data [8]byte
}

func (ping *Ping) Type() FrameType {
	return FramePing
}

// Reset ...
func (ping *Ping) Reset() {
	ping.ack = false
	ping.data = [8]byte{}
}

// CopyTo ...
func (ping *Ping) CopyTo(p *Ping) {
	p.ack = ping.ack
	p.data = ping.data
}

// IsAck returns true if the ping has the ACK flag.
func (ping *Ping) IsAck() bool {
	return ping.ack
}

// SetAck sets the ACK flag.
func (ping *Ping) SetAck(ack bool) {
	ping.ack = ack
}

// Write ...
func (ping *Ping) Write(b []byte) (n int, err error) {
	n = copy(ping.data[:], b)
	return
}

// SetData ...
func (ping *Ping) SetData(b []byte) {
	copy(ping.data[:], b)
}

func (ping *Ping) Data() []byte {
	return ping.data[:]
}

// Deserialize ...
func (ping *Ping) Deserialize(frh *FrameHeader) error {
	if len(frh.payload) != 8 {
		return NewError(FrameSizeError, "ping payload must be 8 bytes")
	}

	ping.ack = frh.Flags().Has(FlagAck)
	ping.SetData(frh.payload)

	return nil
}

// Serialize ...
func (ping *Ping) Serialize(fr *FrameHeader) {
	if ping.ack {
		fr.SetFlags(fr.Flags().Add(FlagAck))
	}

	fr.setPayload(ping.data[:])
}
