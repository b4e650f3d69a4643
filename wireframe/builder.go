/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package wireframe

import (
	"fmt"

	"github.com/duskrpc/duskwire/cmn/debug"
	"github.com/duskrpc/duskwire/memsys"
	"github.com/duskrpc/duskwire/metrics"
)

// Builder incrementally ingests bytes from an arbitrary-sized read and
// emits complete Frames as soon as they're assembled, regardless of how
// the underlying reads are chunked (spec.md §4.2, §8 round-trip
// property: "for a byte stream split into arbitrary chunks, the builder
// yields exactly F in order").
//
// Modeled on the teacher's rpdu (transport/pdu.go): a small header
// region is read first, then exactly PayloadLength more bytes; unlike
// rpdu, which reads directly from an io.Reader, Builder exposes a
// request/fill/consume cycle (RequestBytes/Buffer/Advance) so the
// caller's transport.Reader owns the actual I/O call, matching this
// spec's get_buffer()/try_read(n) contract (spec.md §4.2).
type Builder struct {
	mm      *memsys.MMSA
	metrics *metrics.Set

	hdrBuf [HeaderSize]byte
	hdrOff int

	lease   *memsys.Buffer
	want    int // total payload bytes needed for the current frame
	have    int // payload bytes already placed into lease
	header  Header
	headerReady bool
}

// NewBuilder constructs a Builder that leases payload buffers from mm.
func NewBuilder(mm *memsys.MMSA, ms *metrics.Set) *Builder {
	return &Builder{mm: mm, metrics: ms}
}

// RequestBytes returns how many more bytes the builder needs to finish
// either the current header (if one isn't fully parsed yet) or the
// current frame's payload.
func (b *Builder) RequestBytes() int {
	if !b.headerReady {
		return HeaderSize - b.hdrOff
	}
	return b.want - b.have
}

// Buffer returns a writable region sized to satisfy RequestBytes(); the
// caller performs exactly one read into it and reports the count via
// Advance.
func (b *Builder) Buffer() []byte {
	if !b.headerReady {
		return b.hdrBuf[b.hdrOff:]
	}
	if b.lease == nil {
		b.lease = b.mm.AllocSize(b.want)
	}
	return b.lease.Memory()[b.have:b.want]
}

// Advance records that n bytes were written into the region returned by
// the most recent Buffer() call. If this completes the header, the
// header is parsed and Advance returns (nil, false, nil) so the caller
// loops back for the payload region. If it completes a frame (including
// zero-length payloads), the Frame is returned and the Builder rotates
// to await the next header.
func (b *Builder) Advance(n int) (*Frame, bool, error) {
	debug.Assert(n >= 0, "negative advance")
	if !b.headerReady {
		b.hdrOff += n
		if b.hdrOff < HeaderSize {
			return nil, false, nil
		}
		h := DecodeHeader(b.hdrBuf[:])
		if int(h.PayloadLength) > MaxPayload {
			return nil, false, fmt.Errorf("wireframe: payload_length %d exceeds max %d", h.PayloadLength, MaxPayload)
		}
		b.header = h
		b.want = int(h.PayloadLength)
		b.have = 0
		b.headerReady = true
		if b.metrics != nil {
			b.metrics.ObserveDecoded(h.Kind.String())
		}
		if b.want == 0 {
			return b.emit(), true, nil
		}
		return nil, false, nil
	}

	b.have += n
	debug.Assertf(b.have <= b.want, "over-read: have=%d want=%d", b.have, b.want)
	if b.have < b.want {
		return nil, false, nil
	}
	return b.emit(), true, nil
}

func (b *Builder) emit() *Frame {
	var payload []byte
	lease := b.lease
	if lease != nil {
		payload = lease.Memory()[:b.want]
	}
	f := NewFrame(b.header, payload, lease)

	b.hdrOff = 0
	b.headerReady = false
	b.lease = nil
	b.want, b.have = 0, 0
	return f
}
