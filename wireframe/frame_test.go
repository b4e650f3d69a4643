/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package wireframe_test

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/duskrpc/duskwire/memsys"
	"github.com/duskrpc/duskwire/wireframe"
)

func newMM(t *testing.T) *memsys.MMSA {
	t.Helper()
	mm := &memsys.MMSA{Name: "test"}
	mm.Init(0)
	return mm
}

// Test_SeedScenario1 reproduces the exact byte dump in spec.md §8
// scenario 1 for the client-side NewStream + Payload frames of a unary
// echo call.
func Test_SeedScenario1(t *testing.T) {
	const streamID = 1

	newStream := wireframe.Header{
		Kind:          wireframe.KindStreamHeader,
		KindFlags:     0,
		StreamID:      streamID,
		SequenceID:    0,
		PayloadLength: 9,
	}
	var hdrBuf [wireframe.HeaderSize]byte
	newStream.Encode(hdrBuf[:])
	method := "/svc/echo"
	got := append(append([]byte{}, hdrBuf[:]...), method...)

	want, err := hex.DecodeString(strings.ReplaceAll(
		"01 00 01 00 00 00 09 00 2F 73 76 63 2F 65 63 68 6F", " ", ""))
	if err != nil {
		t.Fatalf("bad hex fixture: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("NewStream bytes mismatch:\n got=% X\nwant=% X", got, want)
	}

	payload := wireframe.Header{
		Kind:          wireframe.KindPayload,
		KindFlags:     wireframe.EndItem | wireframe.EndAllItems,
		StreamID:      streamID,
		SequenceID:    0,
		PayloadLength: 13,
	}
	payload.Encode(hdrBuf[:])
	msg := "hello, world!"
	got = append(append([]byte{}, hdrBuf[:]...), msg...)

	want, err = hex.DecodeString(strings.ReplaceAll(
		"05 03 01 00 00 00 0D 00 68 65 6C 6C 6F 2C 20 77 6F 72 6C 64 21", " ", ""))
	if err != nil {
		t.Fatalf("bad hex fixture: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("Payload bytes mismatch:\n got=% X\nwant=% X", got, want)
	}
}

// Test_EncodeDecodeRoundTrip checks the §8 invariant
// decode(encode(f)) == f, byte-exact, across a range of payload sizes.
func Test_EncodeDecodeRoundTrip(t *testing.T) {
	mm := newMM(t)
	sizes := []int{0, 1, 13, 254, 4096, 65535}
	for _, size := range sizes {
		h := wireframe.Header{
			Kind:          wireframe.KindPayload,
			KindFlags:     wireframe.EndItem,
			StreamID:      7,
			SequenceID:    3,
			PayloadLength: uint16(size),
		}
		payload := bytes.Repeat([]byte{0xAB}, size)
		lease := mm.AllocSize(wireframe.HeaderSize + size)
		f := wireframe.NewFrame(h, payload, lease)
		buf := make([]byte, f.EncodedSize())
		n := f.WriteTo(buf)
		if n != len(buf) {
			t.Fatalf("size=%d: WriteTo wrote %d, want %d", size, n, len(buf))
		}

		gotHdr := wireframe.DecodeHeader(buf)
		if gotHdr != h {
			t.Fatalf("size=%d: header mismatch: got %+v want %+v", size, gotHdr, h)
		}
		if !bytes.Equal(buf[wireframe.HeaderSize:], payload) {
			t.Fatalf("size=%d: payload mismatch", size)
		}
		f.Release()
	}
}

// Test_BuilderArbitraryChunking feeds an encoded stream of several
// frames through the Builder split at arbitrary byte boundaries and
// checks that exactly the original frames come out, in order
// (spec.md §8).
func Test_BuilderArbitraryChunking(t *testing.T) {
	mm := newMM(t)

	type want struct {
		header  wireframe.Header
		payload []byte
	}
	wants := []want{
		{wireframe.Header{Kind: wireframe.KindStreamHeader, StreamID: 1, SequenceID: 0, PayloadLength: 5}, []byte("hello")},
		{wireframe.Header{Kind: wireframe.KindPayload, KindFlags: wireframe.EndItem, StreamID: 1, SequenceID: 0, PayloadLength: 0}, []byte{}},
		{wireframe.Header{Kind: wireframe.KindPayload, KindFlags: wireframe.EndItem | wireframe.EndAllItems, StreamID: 1, SequenceID: 1, PayloadLength: 3}, []byte("abc")},
	}

	var wire []byte
	for _, w := range wants {
		h := w.header
		h.PayloadLength = uint16(len(w.payload))
		var hb [wireframe.HeaderSize]byte
		h.Encode(hb[:])
		wire = append(wire, hb[:]...)
		wire = append(wire, w.payload...)
	}

	for _, chunk := range []int{1, 2, 3, 7, 64, 4096} {
		b := wireframe.NewBuilder(mm, nil)
		var got []want
		off := 0
		for off < len(wire) {
			need := b.Buffer()
			n := copy(need, wire[off:])
			if n > chunk {
				n = chunk
			}
			if n == 0 {
				n = 1
			}
			off += n
			f, done, err := b.Advance(n)
			if err != nil {
				t.Fatalf("chunk=%d: Advance error: %v", chunk, err)
			}
			if done {
				payload := append([]byte{}, f.Payload...)
				got = append(got, want{f.Header, payload})
				f.Release()
			}
		}
		if len(got) != len(wants) {
			t.Fatalf("chunk=%d: got %d frames, want %d", chunk, len(got), len(wants))
		}
		for i := range wants {
			if got[i].header != wants[i].header {
				t.Fatalf("chunk=%d frame %d: header got %+v want %+v", chunk, i, got[i].header, wants[i].header)
			}
			if !bytes.Equal(got[i].payload, wants[i].payload) {
				t.Fatalf("chunk=%d frame %d: payload got %q want %q", chunk, i, got[i].payload, wants[i].payload)
			}
		}
	}
}

// Test_BoundaryEmptyMessage covers spec.md §8: an empty message is one
// Payload frame with length 0 and EndItem|EndAllItems set.
func Test_BoundaryEmptyMessage(t *testing.T) {
	h := wireframe.Header{Kind: wireframe.KindPayload, KindFlags: wireframe.EndItem | wireframe.EndAllItems, StreamID: 1, PayloadLength: 0}
	f := wireframe.NewFrame(h, nil, nil)
	if f.EncodedSize() != wireframe.HeaderSize {
		t.Fatalf("got size %d, want %d", f.EncodedSize(), wireframe.HeaderSize)
	}
}
