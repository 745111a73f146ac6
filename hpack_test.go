package h2client

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func encodeFields(hp *HPACK, kv [][2]string) []byte {
	hf := AcquireHeaderField()
	defer ReleaseHeaderField(hf)

	var block []byte
	for _, f := range kv {
		hf.Set(f[0], f[1])
		block = hp.AppendHeader(block, hf, false)
	}

	return block
}

func requireFields(t *testing.T, kv [][2]string, hfs []*HeaderField) {
	t.Helper()

	require.Len(t, hfs, len(kv))
	for i, f := range kv {
		require.Equal(t, f[0], hfs[i].Key())
		require.Equal(t, f[1], hfs[i].Value())
	}
}

func TestHPACKRoundTrip(t *testing.T) {
	enc := AcquireHPACK()
	dec := AcquireHPACK()
	defer ReleaseHPACK(enc)
	defer ReleaseHPACK(dec)

	kv := [][2]string{
		{":method", "GET"},
		{":scheme", "https"},
		{":path", "/"},
		{":authority", "example.com"},
		{"user-agent", "h2client"},
		{"x-custom", "some opaque value"},
	}

	block := encodeFields(enc, kv)

	hfs, err := dec.Decode(nil, block)
	require.NoError(t, err)
	requireFields(t, kv, hfs)

	ReleaseHeaderFields(hfs)
}

// The dynamic tables must stay synchronized across consecutive blocks:
// the second block indexes fields stored by the first.
func TestHPACKDynamicTableAcrossBlocks(t *testing.T) {
	enc := AcquireHPACK()
	dec := AcquireHPACK()
	defer ReleaseHPACK(enc)
	defer ReleaseHPACK(dec)

	kv := [][2]string{
		{":authority", "example.com"},
		{"x-session", "abcdef0123456789"},
	}

	first := encodeFields(enc, kv)
	second := encodeFields(enc, kv)

	// the second block should be smaller thanks to the dynamic table
	require.Less(t, len(second), len(first))

	hfs, err := dec.Decode(nil, first)
	require.NoError(t, err)
	requireFields(t, kv, hfs)
	ReleaseHeaderFields(hfs)

	hfs, err = dec.Decode(nil, second)
	require.NoError(t, err)
	requireFields(t, kv, hfs)
	ReleaseHeaderFields(hfs)
}

func TestHPACKTableSizeUpdate(t *testing.T) {
	enc := AcquireHPACK()
	dec := AcquireHPACK()
	defer ReleaseHPACK(enc)
	defer ReleaseHPACK(dec)

	enc.SetMaxTableSize(0)
	dec.SetMaxDecoderTableSize(0)

	kv := [][2]string{{"x-a", "1"}, {"x-b", "2"}}

	// two rounds: nothing may be stored in the zero-sized tables
	for i := 0; i < 2; i++ {
		block := encodeFields(enc, kv)

		hfs, err := dec.Decode(nil, block)
		require.NoError(t, err)
		requireFields(t, kv, hfs)
		ReleaseHeaderFields(hfs)
	}
}

func TestHPACKTruncatedBlock(t *testing.T) {
	enc := AcquireHPACK()
	dec := AcquireHPACK()
	defer ReleaseHPACK(enc)
	defer ReleaseHPACK(dec)

	block := encodeFields(enc, [][2]string{{"x-long-header-name", "with a fairly long value in it"}})

	hfs, err := dec.Decode(nil, block[:len(block)/2])
	ReleaseHeaderFields(hfs)

	require.Error(t, err)
	require.ErrorIs(t, err, NewError(CompressionError, ""))
}

func TestHPACKHeaderListTooLarge(t *testing.T) {
	enc := AcquireHPACK()
	dec := AcquireHPACK()
	defer ReleaseHPACK(enc)
	defer ReleaseHPACK(dec)

	dec.SetMaxHeaderListSize(40)

	block := encodeFields(enc, [][2]string{
		{"x-first", "ok"},
		{"x-second", "this one pushes the list over the limit"},
	})

	hfs, err := dec.Decode(nil, block)
	ReleaseHeaderFields(hfs)

	require.ErrorIs(t, err, NewError(CompressionError, ""))
}
