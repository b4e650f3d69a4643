/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import (
	"context"
	"io"
	"sync"

	"github.com/duskrpc/duskwire/metrics"
	"github.com/duskrpc/duskwire/wireframe"
)

// WriteFlags accompanies each outbound frame (spec.md §4.3).
type WriteFlags uint8

const (
	// BufferHint permits the writer to coalesce this frame with
	// whatever else is already queued into one underlying Write.
	BufferHint WriteFlags = 1 << iota
	// FlushAfter forces an immediate underlying Write even if more
	// frames are queued right behind this one.
	FlushAfter
	// HeaderReserved indicates the frame's backing buffer was built
	// with the 8 header bytes already prepended, so the writer can
	// write header+payload as one contiguous slice with no copy.
	HeaderReserved
)

// Outbound is the producer-facing half of the writer coordinator: any
// stream handler or the multiplexer loop may call Enqueue concurrently
// (spec.md §4.7: "multi-producer, single-consumer").
type Outbound interface {
	Enqueue(f *wireframe.Frame, flags WriteFlags) error
}

type outboundItem struct {
	frame *wireframe.Frame
	flags WriteFlags
}

// WriterOptions configures write coalescing (spec.md §6).
type WriterOptions struct {
	// OutputBufferSize is the byte budget for coalesced writes; 0
	// disables coalescing, a negative value selects DefaultOutputBufferSize.
	OutputBufferSize int
	// MergeWrites permits concatenating multiple already-queued frames
	// into a single underlying Write.
	MergeWrites bool
}

const DefaultOutputBufferSize = 64 * 1024

// Writer is the single consumer draining the outbound queue to conn
// (spec.md §4.7). Exactly one goroutine must call Run.
type Writer struct {
	conn    io.Writer
	queue   chan outboundItem
	opts    WriterOptions
	metrics *metrics.Set

	closeOnce sync.Once
	closeErr  error
	closeCh   chan struct{}
}

func NewWriter(conn io.Writer, opts WriterOptions, ms *metrics.Set) *Writer {
	if opts.OutputBufferSize < 0 {
		opts.OutputBufferSize = DefaultOutputBufferSize
	}
	return &Writer{
		conn:    conn,
		queue:   make(chan outboundItem, 256),
		opts:    opts,
		metrics: ms,
		closeCh: make(chan struct{}),
	}
}

// Enqueue implements Outbound. Safe for concurrent producers. Returns
// an error once the writer has been closed (by Run exiting on a
// transport error, or by an explicit Close).
func (w *Writer) Enqueue(f *wireframe.Frame, flags WriteFlags) error {
	select {
	case <-w.closeCh:
		f.Release()
		return w.Err()
	default:
	}
	select {
	case w.queue <- outboundItem{f, flags}:
		return nil
	case <-w.closeCh:
		f.Release()
		return w.Err()
	}
}

// Err returns the error that caused the writer to stop, if any.
func (w *Writer) Err() error {
	if w.closeErr == nil {
		return io.ErrClosedPipe
	}
	return w.closeErr
}

// Close stops Run with the given terminal error (nil for a clean
// shutdown) and releases any frames still queued.
func (w *Writer) Close(err error) {
	w.closeOnce.Do(func() {
		if err == nil {
			err = io.EOF
		}
		w.closeErr = err
		close(w.closeCh)
	})
}

// Run drains the outbound queue to conn until ctx is cancelled or Close
// is called, coalescing consecutive BufferHint frames up to
// opts.OutputBufferSize when opts.MergeWrites is set (spec.md §4.3).
func (w *Writer) Run(ctx context.Context) error {
	scratch := make([]byte, 0, maxInt(w.opts.OutputBufferSize, wireframe.HeaderSize+wireframe.MaxPayload))
	flush := func() error {
		if len(scratch) == 0 {
			return nil
		}
		n, err := w.conn.Write(scratch)
		if n > 0 {
			w.metrics.AddBytesWritten(n)
		}
		scratch = scratch[:0]
		return err
	}

	for {
		select {
		case <-ctx.Done():
			_ = flush()
			w.Close(ctx.Err())
			w.drain()
			return ctx.Err()
		case <-w.closeCh:
			w.drain()
			return w.closeErr
		case item := <-w.queue:
			size := item.frame.EncodedSize()
			canCoalesce := w.opts.MergeWrites && w.opts.OutputBufferSize > 0 &&
				item.flags&BufferHint != 0 && item.flags&FlushAfter == 0 &&
				size <= w.opts.OutputBufferSize

			if !canCoalesce {
				if err := flush(); err != nil {
					item.frame.Release()
					w.Close(err)
					w.drain()
					return err
				}
			} else if len(scratch)+size > w.opts.OutputBufferSize {
				if err := flush(); err != nil {
					item.frame.Release()
					w.Close(err)
					w.drain()
					return err
				}
			}

			kind := item.frame.Header.Kind.String()
			if canCoalesce {
				off := len(scratch)
				scratch = scratch[:off+size]
				item.frame.WriteTo(scratch[off:])
				item.frame.Release()
			} else {
				var buf []byte
				if item.flags&HeaderReserved != 0 && item.frame.HeaderReserved() {
					// The frame's own backing buffer already has the
					// header's 8 bytes reserved in front of the payload;
					// write it directly instead of copying into a fresh
					// buffer. Release only after the write completes,
					// since buf aliases the frame's lease.
					buf = item.frame.Contiguous()
				} else {
					buf = make([]byte, size)
					item.frame.WriteTo(buf)
				}
				_, err := w.conn.Write(buf)
				item.frame.Release()
				if err != nil {
					w.Close(err)
					w.drain()
					return err
				}
				w.metrics.AddBytesWritten(size)
			}
			if w.metrics != nil {
				w.metrics.ObserveEncoded(kind)
			}
		}
	}
}

// drain releases any frames left queued after termination so their
// buffer leases aren't leaked (spec.md §8: "sum of release() calls
// equals sum of Frame constructions").
func (w *Writer) drain() {
	for {
		select {
		case item := <-w.queue:
			item.frame.Release()
		default:
			return
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
