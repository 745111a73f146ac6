package h2client

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/domsolutions/h2client/h2utils"
	"github.com/stretchr/testify/require"
)

const testStr = "make http2 clients great again"

func TestFrameWrite(t *testing.T) {
	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)

	data := AcquireFrame(FrameData).(*Data)

	fr.SetBody(data)

	n, err := io.WriteString(data, testStr)
	if err != nil {
		t.Fatal(err)
	}
	if nn := len(testStr); n != nn {
		t.Fatalf("unexpected size %d<>%d", n, nn)
	}

	var bf = bytes.NewBuffer(nil)
	var bw = bufio.NewWriter(bf)
	fr.WriteTo(bw)
	bw.Flush()

	b := bf.Bytes()
	if str := string(b[9:]); str != testStr {
		t.Fatalf("mismatch %s<>%s", str, testStr)
	}
}

func TestFrameRead(t *testing.T) {
	var h [9]byte
	bf := bytes.NewBuffer(nil)
	br := bufio.NewReader(bf)

	h2utils.Uint24ToBytes(h[:3], uint32(len(testStr)))

	n, err := bf.Write(h[:9])
	if err != nil {
		t.Fatal(err)
	}
	if n != 9 {
		t.Fatalf("unexpected written bytes %d<>9", n)
	}

	n, err = io.WriteString(bf, testStr)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(testStr) {
		t.Fatalf("unexpected written bytes %d<>%d", n, len(testStr))
	}

	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)

	nn, err := fr.ReadFrom(br)
	if err != nil {
		t.Fatal(err)
	}
	n = int(nn)
	if n != len(testStr)+9 {
		t.Fatalf("unexpected read bytes %d<>%d", n, len(testStr)+9)
	}

	if fr.Type() != FrameData {
		t.Fatalf("unexpected frame type: %s. Expected Data", fr.Type())
	}

	data := fr.Body().(*Data)

	if str := string(data.Data()); str != testStr {
		t.Fatalf("mismatch %s<>%s", str, testStr)
	}
}

func roundTrip(t *testing.T, body Frame, stream uint32) *FrameHeader {
	t.Helper()

	fr := AcquireFrameHeader()
	fr.SetStream(stream)
	fr.SetBody(body)

	bf := bytes.NewBuffer(nil)
	bw := bufio.NewWriter(bf)

	wn, err := fr.WriteTo(bw)
	require.NoError(t, err)
	require.NoError(t, bw.Flush())
	require.Equal(t, int64(9+fr.Len()), wn)

	got, err := ReadFrameFrom(bufio.NewReader(bf))
	require.NoError(t, err)
	require.Equal(t, body.Type(), got.Type())
	require.Equal(t, stream, got.Stream())

	ReleaseFrameHeader(fr)

	return got
}

func TestPingRoundTrip(t *testing.T) {
	ping := AcquireFrame(FramePing).(*Ping)
	ping.SetData([]byte("pingpong"))
	ping.SetAck(true)

	got := roundTrip(t, ping, 0)
	defer ReleaseFrameHeader(got)

	p := got.Body().(*Ping)
	require.True(t, p.IsAck())
	require.Equal(t, []byte("pingpong"), p.Data())
}

func TestPingBadLength(t *testing.T) {
	var h [9]byte
	h2utils.Uint24ToBytes(h[:3], 4)
	h[3] = byte(FramePing)

	bf := bytes.NewBuffer(h[:])
	bf.WriteString("ping")

	_, err := ReadFrameFrom(bufio.NewReader(bf))
	require.Error(t, err)
	require.ErrorIs(t, err, NewError(FrameSizeError, ""))
}

func TestGoAwayRoundTrip(t *testing.T) {
	ga := AcquireFrame(FrameGoAway).(*GoAway)
	ga.SetStream(7)
	ga.SetCode(EnhanceYourCalm)
	ga.SetData([]byte("slow down"))

	got := roundTrip(t, ga, 0)
	defer ReleaseFrameHeader(got)

	g := got.Body().(*GoAway)
	require.Equal(t, uint32(7), g.Stream())
	require.Equal(t, EnhanceYourCalm, g.Code())
	require.Equal(t, []byte("slow down"), g.Data())
}

func TestWindowUpdateRoundTrip(t *testing.T) {
	wu := AcquireFrame(FrameWindowUpdate).(*WindowUpdate)
	wu.SetIncrement(65535)

	got := roundTrip(t, wu, 3)
	defer ReleaseFrameHeader(got)

	require.Equal(t, 65535, got.Body().(*WindowUpdate).Increment())
}

func TestRstStreamRoundTrip(t *testing.T) {
	rst := AcquireFrame(FrameResetStream).(*RstStream)
	rst.SetCode(CancelError)

	got := roundTrip(t, rst, 5)
	defer ReleaseFrameHeader(got)

	require.Equal(t, CancelError, got.Body().(*RstStream).Code())
}

func TestUnknownFramePreserved(t *testing.T) {
	payload := []byte{0xde, 0xad, 0xbe, 0xef}

	var h [9]byte
	h2utils.Uint24ToBytes(h[:3], uint32(len(payload)))
	h[3] = 0x42
	h2utils.Uint32ToBytes(h[5:], 9)

	bf := bytes.NewBuffer(h[:])
	bf.Write(payload)

	fr, err := ReadFrameFrom(bufio.NewReader(bf))
	require.NoError(t, err)
	defer ReleaseFrameHeader(fr)

	u, ok := fr.Body().(*Unknown)
	require.True(t, ok)
	require.Equal(t, FrameType(0x42), u.Type())
	require.Equal(t, payload, u.Payload())
}

func TestReservedBitRejected(t *testing.T) {
	var h [9]byte
	h[3] = byte(FrameData)
	h[5] = 0x80 // reserved bit
	h[8] = 1

	_, err := ReadFrameFrom(bufio.NewReader(bytes.NewBuffer(h[:])))
	require.ErrorIs(t, err, ErrReservedBit)
}

func TestOversizedFrameRejected(t *testing.T) {
	var h [9]byte
	h2utils.Uint24ToBytes(h[:3], 32)
	h[3] = byte(FrameData)

	bf := bytes.NewBuffer(h[:])
	bf.Write(make([]byte, 32))

	_, err := ReadFrameFromWithSize(bufio.NewReader(bf), 16)
	require.ErrorIs(t, err, ErrPayloadExceeds)
}
