package h2client

const FrameSettings FrameType = 0x4

var _ Frame = &Settings{}

const (
	// default Settings parameters
	// https://httpwg.org/specs/rfc7540.html#SettingValues
	defaultHeaderTableSize   uint32 = 4096
	defaultConcurrentStreams uint32 = 100
	defaultWindowSize        uint32 = 1<<16 - 1
	defaultMaxFrameSize      uint32 = 1 << 14

	maxWindowSize = 1<<31 - 1
	maxFrameSize  = 1<<24 - 1

	// Settings identifiers on the wire.
	HeaderTableSize      uint16 = 0x1
	EnablePush           uint16 = 0x2
	MaxConcurrentStreams uint16 = 0x3
	InitialWindowSize    uint16 = 0x4
	MaxFrameSize         uint16 = 0x5
	MaxHeaderListSize    uint16 = 0x6
)

// Settings is the options to establish between endpoints
// when starting the connection.
//
// https://tools.ietf.org/html/rfc7540#section-6.5
type Settings struct {
	ack            bool
	rawSettings    []byte
	tableSize      uint32
	enablePush     bool
	maxStreams     uint32
	windowSize     uint32
	frameSize      uint32
	headerListSize uint32

	// present is a bitmask of the wire keys carried by this frame or
	// touched through the setters. Merge only applies present entries,
	// so a SETTINGS frame omitting a parameter keeps its previously
	// negotiated value instead of reverting it to the default.
	present uint8
}

func (st *Settings) mark(key uint16) {
	st.present |= 1 << (key - 1)
}

func (st *Settings) has(key uint16) bool {
	return st.present&(1<<(key-1)) != 0
}

// Reset resets settings to default values.
func (st *Settings) Reset() {
	st.ack = false
	st.rawSettings = st.rawSettings[:0]
	st.tableSize = defaultHeaderTableSize
	st.enablePush = false
	st.maxStreams = defaultConcurrentStreams
	st.windowSize = defaultWindowSize
	st.frameSize = defaultMaxFrameSize
	st.headerListSize = 0
	st.present = 0
}

func (st *Settings) Type() FrameType {
	return FrameSettings
}

// CopyTo copies st fields to st2.
func (st *Settings) CopyTo(st2 *Settings) {
	st2.ack = st.ack
	st2.rawSettings = append(st2.rawSettings[:0], st.rawSettings...)
	st2.tableSize = st.tableSize
	st2.enablePush = st.enablePush
	st2.maxStreams = st.maxStreams
	st2.windowSize = st.windowSize
	st2.frameSize = st.frameSize
	st2.headerListSize = st.headerListSize
	st2.present = st.present
}

// HeaderTableSize returns the maximum size of the header compression table.
func (st *Settings) HeaderTableSize() uint32 {
	return st.tableSize
}

// SetHeaderTableSize sets the maximum size of the header compression table.
func (st *Settings) SetHeaderTableSize(size uint32) {
	st.tableSize = size
	st.mark(HeaderTableSize)
}

// Push returns true if the endpoint accepts server push.
func (st *Settings) Push() bool {
	return st.enablePush
}

// SetPush allows or denies server push.
func (st *Settings) SetPush(value bool) {
	st.enablePush = value
	st.mark(EnablePush)
}

// MaxStreams returns the maximum number of concurrent streams.
func (st *Settings) MaxStreams() uint32 {
	return st.maxStreams
}

// SetMaxStreams sets the maximum number of concurrent streams.
func (st *Settings) SetMaxStreams(n uint32) {
	st.maxStreams = n
	st.mark(MaxConcurrentStreams)
}

// MaxWindowSize returns the initial stream-level flow-control window.
func (st *Settings) MaxWindowSize() uint32 {
	return st.windowSize
}

// SetMaxWindowSize sets the initial stream-level flow-control window.
func (st *Settings) SetMaxWindowSize(size uint32) {
	if size > maxWindowSize {
		size = maxWindowSize
	}

	st.windowSize = size
	st.mark(InitialWindowSize)
}

// MaxFrameSize returns the largest payload the endpoint accepts per frame.
func (st *Settings) MaxFrameSize() uint32 {
	return st.frameSize
}

// SetMaxFrameSize sets the largest payload the endpoint accepts per frame.
func (st *Settings) SetMaxFrameSize(size uint32) {
	if size > maxFrameSize {
		size = maxFrameSize
	}

	st.frameSize = size
	st.mark(MaxFrameSize)
}

// MaxHeaderListSize returns the advisory limit on the decoded header list.
//
// A value of 0 indicates that there is no limit.
func (st *Settings) MaxHeaderListSize() uint32 {
	return st.headerListSize
}

// SetMaxHeaderListSize sets the advisory limit on the decoded header list.
func (st *Settings) SetMaxHeaderListSize(size uint32) {
	st.headerListSize = size
	st.mark(MaxHeaderListSize)
}

// IsAck returns true if the settings frame is an acknowledgement.
func (st *Settings) IsAck() bool {
	return st.ack
}

// SetAck marks the settings frame as an acknowledgement.
func (st *Settings) SetAck(ack bool) {
	st.ack = ack
}

// Merge applies the entries present in st2 to st. Parameters st2 does
// not carry keep their current value, as a SETTINGS frame only updates
// the parameters it lists.
//
// https://tools.ietf.org/html/rfc7540#section-6.5.2
func (st *Settings) Merge(st2 *Settings) {
	if st2.has(HeaderTableSize) {
		st.tableSize = st2.tableSize
	}
	if st2.has(EnablePush) {
		st.enablePush = st2.enablePush
	}
	if st2.has(MaxConcurrentStreams) {
		st.maxStreams = st2.maxStreams
	}
	if st2.has(InitialWindowSize) {
		st.windowSize = st2.windowSize
	}
	if st2.has(MaxFrameSize) {
		st.frameSize = st2.frameSize
	}
	if st2.has(MaxHeaderListSize) {
		st.headerListSize = st2.headerListSize
	}

	st.present |= st2.present
}

// Decode decodes a settings payload into st.
func (st *Settings) Decode(d []byte) {
	for i := 0; i+6 <= len(d); i += 6 {
		b := d[i : i+6]
		key := uint16(b[0])<<8 | uint16(b[1])
		value := uint32(b[2])<<24 | uint32(b[3])<<16 | uint32(b[4])<<8 | uint32(b[5])

		switch key {
		case HeaderTableSize:
			st.tableSize = value
			st.mark(HeaderTableSize)
		case EnablePush:
			st.enablePush = value != 0
			st.mark(EnablePush)
		case MaxConcurrentStreams:
			st.maxStreams = value
			st.mark(MaxConcurrentStreams)
		case InitialWindowSize:
			st.windowSize = value
			st.mark(InitialWindowSize)
		case MaxFrameSize:
			st.frameSize = value
			st.mark(MaxFrameSize)
		case MaxHeaderListSize:
			st.headerListSize = value
			st.mark(MaxHeaderListSize)
		}
	}
}

// Encode encodes the settings entries into rawSettings.
func (st *Settings) Encode() {
	st.rawSettings = st.rawSettings[:0]

	appendSetting := func(key uint16, value uint32) {
		st.rawSettings = append(st.rawSettings,
			byte(key>>8), byte(key),
			byte(value>>24), byte(value>>16),
			byte(value>>8), byte(value),
		)
	}

	if st.tableSize != 0 {
		appendSetting(HeaderTableSize, st.tableSize)
	}

	if st.enablePush {
		appendSetting(EnablePush, 1)
	} else {
		appendSetting(EnablePush, 0)
	}

	if st.maxStreams != 0 {
		appendSetting(MaxConcurrentStreams, st.maxStreams)
	}

	if st.windowSize != 0 {
		appendSetting(InitialWindowSize, st.windowSize)
	}

	if st.frameSize != 0 {
		appendSetting(MaxFrameSize, st.frameSize)
	}

	if st.headerListSize != 0 {
		appendSetting(MaxHeaderListSize, st.headerListSize)
	}
}

func (st *Settings) Deserialize(frh *FrameHeader) error {
	if len(frh.payload)%6 != 0 {
		return NewError(FrameSizeError, "settings payload not a multiple of 6")
	}

	st.ack = frh.Flags().Has(FlagAck)
	if st.ack && len(frh.payload) != 0 {
		return NewError(FrameSizeError, "settings ack with a payload")
	}

	st.Decode(frh.payload)

	return nil
}

func (st *Settings) Serialize(fr *FrameHeader) {
	if st.ack {
		fr.SetFlags(fr.Flags().Add(FlagAck))
		fr.setPayload(nil)
		return
	}

	st.Encode()
	fr.setPayload(st.rawSettings)
}
