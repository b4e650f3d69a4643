/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package wireframe

import (
	"encoding/binary"

	"github.com/duskrpc/duskwire/cmn/debug"
	"github.com/duskrpc/duskwire/memsys"
)

// Header is the 8-byte fixed frame header, little-endian throughout
// (spec.md §3).
type Header struct {
	Kind          Kind
	KindFlags     Flags
	StreamID      uint16
	SequenceID    uint16
	PayloadLength uint16
}

// Encode writes h into b[0:8]. Panics (via debug.Assert in debug builds)
// if b is shorter than HeaderSize.
func (h Header) Encode(b []byte) {
	debug.Assert(len(b) >= HeaderSize, "short header buffer")
	b[0] = byte(h.Kind)
	b[1] = byte(h.KindFlags)
	binary.LittleEndian.PutUint16(b[2:4], h.StreamID)
	binary.LittleEndian.PutUint16(b[4:6], h.SequenceID)
	binary.LittleEndian.PutUint16(b[6:8], h.PayloadLength)
}

// DecodeHeader parses the 8-byte header from b. b must have length
// exactly HeaderSize (or more; only the first 8 bytes are read).
func DecodeHeader(b []byte) Header {
	debug.Assert(len(b) >= HeaderSize, "short header buffer")
	return Header{
		Kind:          Kind(b[0]),
		KindFlags:     Flags(b[1]),
		StreamID:      binary.LittleEndian.Uint16(b[2:4]),
		SequenceID:    binary.LittleEndian.Uint16(b[4:6]),
		PayloadLength: binary.LittleEndian.Uint16(b[6:8]),
	}
}

// Frame is one wire unit: a Header plus a payload slice backed by a
// ref-counted memsys.Buffer lease. The payload slice is only valid while
// the lease's ref-count is >= 1; call Release exactly once per holder.
type Frame struct {
	Header  Header
	Payload []byte
	lease   *memsys.Buffer

	// headerReserved is set by FinalizeOutbound when Payload's backing
	// buffer has the 8 header bytes reserved immediately before it, so
	// Contiguous can hand the writer one slice with no extra copy.
	headerReserved bool
}

// NewFrame wraps a header and a payload slice backed by lease. lease's
// ref-count is NOT incremented here; the caller transfers its own
// reference to the returned Frame.
func NewFrame(h Header, payload []byte, lease *memsys.Buffer) *Frame {
	return &Frame{Header: h, Payload: payload, lease: lease}
}

// Forward increments the backing lease's ref-count and returns a new
// Frame value sharing the same payload bytes, for zero-copy fan-out to a
// second consumer. The original Frame is unaffected and must still be
// released by its own holder.
func (f *Frame) Forward() *Frame {
	if f.lease != nil {
		f.lease.Preserve()
	}
	return &Frame{Header: f.Header, Payload: f.Payload, lease: f.lease, headerReserved: f.headerReserved}
}

// Release decrements the backing lease's ref-count. Must be called
// exactly once by whoever last holds the Frame (spec.md §9).
func (f *Frame) Release() {
	if f.lease != nil {
		f.lease.Dispose()
		f.lease = nil
	}
}

// EncodedSize is the total wire size of f: header plus payload.
func (f *Frame) EncodedSize() int { return HeaderSize + len(f.Payload) }

// WriteTo serializes header+payload into dst, which must be at least
// EncodedSize() bytes. Returns the number of bytes written.
func (f *Frame) WriteTo(dst []byte) int {
	f.Header.PayloadLength = uint16(len(f.Payload))
	f.Header.Encode(dst)
	n := copy(dst[HeaderSize:], f.Payload)
	return HeaderSize + n
}

// HeaderReserved reports whether Payload's backing buffer has the 8
// header bytes reserved immediately before it (set by FinalizeOutbound),
// making Contiguous valid to call.
func (f *Frame) HeaderReserved() bool { return f.headerReserved }

// Contiguous encodes the header into the region reserved immediately
// before Payload and returns header+payload as one slice sharing the
// frame's backing lease, avoiding the copy WriteTo requires into a
// caller-supplied buffer. Only valid when HeaderReserved() is true.
func (f *Frame) Contiguous() []byte {
	debug.Assert(f.headerReserved, "Contiguous called on a frame with no reserved header")
	mem := f.lease.Memory()
	f.Header.PayloadLength = uint16(len(f.Payload))
	f.Header.Encode(mem[:HeaderSize])
	return mem[:HeaderSize+len(f.Payload)]
}
