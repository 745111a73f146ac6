package h2client

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSettingsRoundTrip(t *testing.T) {
	st := AcquireFrame(FrameSettings).(*Settings)
	st.SetHeaderTableSize(8192)
	st.SetMaxStreams(64)
	st.SetMaxWindowSize(1 << 18)
	st.SetMaxFrameSize(1 << 15)
	st.SetMaxHeaderListSize(10000)
	st.SetPush(true)

	got := roundTrip(t, st, 0)
	defer ReleaseFrameHeader(got)

	st2 := got.Body().(*Settings)
	require.False(t, st2.IsAck())
	require.Equal(t, uint32(8192), st2.HeaderTableSize())
	require.Equal(t, uint32(64), st2.MaxStreams())
	require.Equal(t, uint32(1<<18), st2.MaxWindowSize())
	require.Equal(t, uint32(1<<15), st2.MaxFrameSize())
	require.Equal(t, uint32(10000), st2.MaxHeaderListSize())
	require.True(t, st2.Push())
}

func TestSettingsAckRoundTrip(t *testing.T) {
	st := AcquireFrame(FrameSettings).(*Settings)
	st.SetAck(true)

	got := roundTrip(t, st, 0)
	defer ReleaseFrameHeader(got)

	st2 := got.Body().(*Settings)
	require.True(t, st2.IsAck())
}

func writeRawFrame(t *testing.T, kind FrameType, flags FrameFlags, stream uint32, payload []byte) *bufio.Reader {
	t.Helper()

	var h [9]byte
	h[0] = byte(len(payload) >> 16)
	h[1] = byte(len(payload) >> 8)
	h[2] = byte(len(payload))
	h[3] = byte(kind)
	h[4] = byte(flags)
	h[5] = byte(stream >> 24)
	h[6] = byte(stream >> 16)
	h[7] = byte(stream >> 8)
	h[8] = byte(stream)

	bf := bytes.NewBuffer(h[:])
	bf.Write(payload)

	return bufio.NewReader(bf)
}

func TestSettingsBadLength(t *testing.T) {
	br := writeRawFrame(t, FrameSettings, 0, 0, make([]byte, 7))

	_, err := ReadFrameFrom(br)
	require.ErrorIs(t, err, NewError(FrameSizeError, ""))
}

func TestSettingsAckWithPayload(t *testing.T) {
	br := writeRawFrame(t, FrameSettings, FlagAck, 0, make([]byte, 6))

	_, err := ReadFrameFrom(br)
	require.ErrorIs(t, err, NewError(FrameSizeError, ""))
}

func settingEntry(dst []byte, key uint16, value uint32) []byte {
	return append(dst,
		byte(key>>8), byte(key),
		byte(value>>24), byte(value>>16),
		byte(value>>8), byte(value),
	)
}

// A SETTINGS frame only updates the parameters it lists: a later frame
// omitting a key must not revert the previously negotiated value.
func TestSettingsPartialMergeKeepsNegotiatedValues(t *testing.T) {
	var remote Settings
	remote.Reset()

	var first Settings
	first.Reset()
	first.Decode(settingEntry(settingEntry(nil,
		MaxFrameSize, 65536),
		InitialWindowSize, 1<<20))

	remote.Merge(&first)
	require.Equal(t, uint32(65536), remote.MaxFrameSize())
	require.Equal(t, uint32(1<<20), remote.MaxWindowSize())

	var second Settings
	second.Reset()
	second.Decode(settingEntry(nil, MaxConcurrentStreams, 50))

	remote.Merge(&second)

	require.Equal(t, uint32(50), remote.MaxStreams())
	// omitted keys keep their negotiated values
	require.Equal(t, uint32(65536), remote.MaxFrameSize())
	require.Equal(t, uint32(1<<20), remote.MaxWindowSize())
}

func TestSettingsMerge(t *testing.T) {
	var a, b Settings
	a.Reset()
	b.Reset()

	b.SetMaxWindowSize(1024)
	b.SetMaxStreams(10)

	a.Merge(&b)

	require.Equal(t, uint32(1024), a.MaxWindowSize())
	require.Equal(t, uint32(10), a.MaxStreams())
	require.Equal(t, defaultMaxFrameSize, a.MaxFrameSize())
}
