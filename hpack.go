package h2client

import (
	"bytes"
	"sync"

	"golang.org/x/net/http2/hpack"
)

// HPACK wraps the header compression encoder and decoder state.
//
// The dynamic tables are stateful and synchronized with the wire order,
// so a HPACK instance MUST be confined to a single goroutine: the
// connection writer owns the encoding side and the connection reader
// owns the decoding side. Neither is exposed to the user directly.
//
// Huffman coding is enabled by default on the encoding side.
type HPACK struct {
	buf bytes.Buffer
	enc *hpack.Encoder
	dec *hpack.Decoder

	maxListSize uint32
	listSize    int
	tooLarge    bool
}

var hpackPool = sync.Pool{
	New: func() interface{} {
		return newHPACK()
	},
}

func newHPACK() *HPACK {
	hp := &HPACK{}
	hp.enc = hpack.NewEncoder(&hp.buf)
	hp.dec = hpack.NewDecoder(defaultHeaderTableSize, nil)
	return hp
}

// AcquireHPACK gets HPACK from the pool.
func AcquireHPACK() *HPACK {
	hp := hpackPool.Get().(*HPACK)
	hp.Reset()
	return hp
}

// ReleaseHPACK puts hp back to the pool.
func ReleaseHPACK(hp *HPACK) {
	hpackPool.Put(hp)
}

// Reset restores the default table bounds. The dynamic tables
// themselves are rebuilt, as they only have meaning within one
// connection.
func (hp *HPACK) Reset() {
	hp.buf.Reset()
	hp.enc = hpack.NewEncoder(&hp.buf)
	hp.dec = hpack.NewDecoder(defaultHeaderTableSize, nil)
	hp.maxListSize = 0
	hp.listSize = 0
	hp.tooLarge = false
}

// SetMaxTableSize bounds the encoder's dynamic table. A table size
// update is emitted at the start of the next encoded block.
func (hp *HPACK) SetMaxTableSize(size uint32) {
	hp.enc.SetMaxDynamicTableSize(size)
}

// SetMaxDecoderTableSize bounds the decoder's dynamic table. Called
// when the peer acknowledges our SETTINGS_HEADER_TABLE_SIZE.
func (hp *HPACK) SetMaxDecoderTableSize(size uint32) {
	hp.dec.SetMaxDynamicTableSize(size)
}

// SetMaxHeaderListSize bounds the decoded header list of one block.
// Zero means no limit.
func (hp *HPACK) SetMaxHeaderListSize(size uint32) {
	hp.maxListSize = size
}

// AppendHeader appends the encoded representation of hf to dst and
// returns the extended slice.
func (hp *HPACK) AppendHeader(dst []byte, hf *HeaderField, sensitive bool) []byte {
	hp.buf.Reset()

	// the encoder writes into hp.buf, errors only surface on a full buffer
	_ = hp.enc.WriteField(hpack.HeaderField{
		Name:      string(hf.KeyBytes()),
		Value:     string(hf.ValueBytes()),
		Sensitive: sensitive || hf.IsSensible(),
	})

	return append(dst, hp.buf.Bytes()...)
}

// Decode decodes one complete header block, appending the decoded
// fields to dst. The block MUST be the concatenation of the fragments
// in wire order.
//
// Decode errors are connection errors of type COMPRESSION_ERROR.
func (hp *HPACK) Decode(dst []*HeaderField, block []byte) ([]*HeaderField, error) {
	hp.listSize = 0
	hp.tooLarge = false

	hp.dec.SetEmitFunc(func(f hpack.HeaderField) {
		hf := AcquireHeaderField()
		hf.Set(f.Name, f.Value)
		hf.SetSensible(f.Sensitive)
		dst = append(dst, hf)

		hp.listSize += hf.Size()
		if hp.maxListSize > 0 && hp.listSize > int(hp.maxListSize) {
			hp.tooLarge = true
			hp.dec.SetEmitEnabled(false)
		}
	})

	_, err := hp.dec.Write(block)
	if err == nil {
		err = hp.dec.Close()
	}

	hp.dec.SetEmitFunc(nil)
	hp.dec.SetEmitEnabled(true)

	if err != nil {
		return dst, NewError(CompressionError, err.Error())
	}

	if hp.tooLarge {
		return dst, NewError(CompressionError, "header list exceeds SETTINGS_MAX_HEADER_LIST_SIZE")
	}

	return dst, nil
}

// ReleaseHeaderFields puts every field of hfs back to the pool and
// returns the emptied slice.
func ReleaseHeaderFields(hfs []*HeaderField) []*HeaderField {
	for _, hf := range hfs {
		ReleaseHeaderField(hf)
	}

	return hfs[:0]
}
