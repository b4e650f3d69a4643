// Package transport adapts an opaque duplex byte transport (spec.md §1:
// "the core consumes an opaque bidirectional byte transport" — named
// pipes, TCP, TLS, in-process loopback are all out of scope here, the
// caller supplies any io.Reader/io.Writer pair) into an asynchronous
// source of inbound wireframe.Frames (Reader) and a sink of outbound
// (Frame, WriteFlags) pairs (Writer), the latter draining a
// multi-producer single-consumer queue per spec.md §4.7/§4.3.
//
// Grounded on the teacher's transport package's send/receive split
// (sendmsg.go's Read-driven send loop, pdu.go's header-then-payload
// read cycle) and on the pack's framer (other_examples
// hayabusa-cloud-framer) NewReader/NewWriter split.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import (
	"io"

	"github.com/duskrpc/duskwire/memsys"
	"github.com/duskrpc/duskwire/metrics"
	"github.com/duskrpc/duskwire/wireframe"
)

// Reader pulls bytes from conn and assembles them into Frames via a
// wireframe.Builder. It is not safe for concurrent use; spec.md §5
// dedicates exactly one reader task per connection.
type Reader struct {
	conn    io.Reader
	builder *wireframe.Builder
	metrics *metrics.Set
}

func NewReader(conn io.Reader, mm *memsys.MMSA, ms *metrics.Set) *Reader {
	return &Reader{conn: conn, builder: wireframe.NewBuilder(mm, ms), metrics: ms}
}

// ReadFrame blocks until one complete Frame has been assembled, or
// returns an error (including io.EOF when the peer closed cleanly).
// A malformed header surfaces as a non-nil, non-EOF error, which
// spec.md §7 treats as connection-fatal.
func (r *Reader) ReadFrame() (*wireframe.Frame, error) {
	for {
		buf := r.builder.Buffer()
		need := r.builder.RequestBytes()
		n, err := r.conn.Read(buf[:need])
		if n > 0 {
			r.metrics.AddBytesRead(n)
		}
		if n > 0 {
			frame, done, aerr := r.builder.Advance(n)
			if aerr != nil {
				return nil, aerr
			}
			if done {
				return frame, nil
			}
		}
		if err != nil {
			return nil, err
		}
	}
}
