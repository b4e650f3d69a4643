// Package mux implements the per-connection inbound dispatch loop
// (spec.md §4.5): demultiplexing frames onto a table of active
// rpcstream.Streams keyed by 16-bit stream id, admitting new
// server-side streams, and handling connection-level control frames
// (ping/close). It owns the single reader task per connection; the
// writer task lives in transport.Writer and the housekeeper tick lives
// in hk.
//
// Grounded on the teacher's transport receive-side dispatch (the
// `recv` goroutine in transport/recv.go keying off header fields to
// route to registered per-stream handlers) and on the pack's
// smux/muxado session.go stream-table pattern (other_examples) for the
// map-of-live-streams-plus-id-allocator shape.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package mux

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/duskrpc/duskwire/cmn/cos"
	"github.com/duskrpc/duskwire/cmn/nlog"
	"github.com/duskrpc/duskwire/config"
	"github.com/duskrpc/duskwire/hk"
	"github.com/duskrpc/duskwire/memsys"
	"github.com/duskrpc/duskwire/metrics"
	"github.com/duskrpc/duskwire/rpcstream"
	"github.com/duskrpc/duskwire/transport"
	"github.com/duskrpc/duskwire/wireframe"
)

// MethodLookup resolves a NewStream frame's method full-name to a
// Method descriptor, server-side only (spec.md §4.6 "name -> factory
// map"). Returns ok=false when unbound.
type MethodLookup func(fullName string) (rpcstream.Method, bool)

// Accepted is invoked once per admitted server-side stream, after it
// has been inserted into the table and transitioned to Open, so the
// caller can launch the handler goroutine for it.
type Accepted func(s *rpcstream.Stream, fullName string)

// Connection ties one transport.Reader/transport.Writer pair to a
// stream table and drives the inbound dispatch loop. ID is a
// log/metrics correlation key only (spec.md SPEC_FULL.md §6); it never
// appears on the wire.
type Connection struct {
	ID       string
	IsClient bool

	reader *transport.Reader
	writer *transport.Writer
	mm     *memsys.MMSA
	ms     *metrics.Set
	opts   *config.Options

	lookup   MethodLookup
	accepted Accepted

	mu      sync.Mutex
	streams map[uint16]*rpcstream.Stream
	nextID  uint16

	poolMu sync.Mutex
	pools  map[rpcstream.CallShape]*rpcstream.Pool

	hk *hk.Housekeeper

	ctx    context.Context
	cancel context.CancelCauseFunc
}

// New constructs a Connection. lookup may be nil on a pure client
// connection (it never admits server-initiated streams). accepted may
// be nil on a pure client connection for the same reason. housekeeper
// may be nil to disable keepalive/dead-peer scheduling entirely; when
// non-nil and opts.KeepaliveInterval is positive, the Connection
// registers itself on construction and deregisters in Close
// (SPEC_FULL.md §4.8).
func New(parent context.Context, isClient bool, reader *transport.Reader, writer *transport.Writer,
	mm *memsys.MMSA, ms *metrics.Set, opts *config.Options, lookup MethodLookup, accepted Accepted,
	housekeeper *hk.Housekeeper,
) *Connection {
	if opts == nil {
		opts = config.Default()
	}
	ctx, cancel := context.WithCancelCause(parent)
	start := uint16(0)
	if isClient {
		start = 1
	}
	c := &Connection{
		ID:       cos.GenConnID(),
		IsClient: isClient,
		reader:   reader,
		writer:   writer,
		mm:       mm,
		ms:       ms,
		opts:     opts,
		lookup:   lookup,
		accepted: accepted,
		streams:  make(map[uint16]*rpcstream.Stream),
		pools:    make(map[rpcstream.CallShape]*rpcstream.Pool),
		nextID:   start,
		ctx:      ctx,
		cancel:   cancel,
	}
	if housekeeper != nil && opts.KeepaliveInterval > 0 {
		c.hk = housekeeper
		c.hk.Register(c, time.Duration(opts.KeepaliveInterval)*time.Second)
	}
	return c
}

var _ hk.Pingable = (*Connection)(nil)

func (c *Connection) Context() context.Context { return c.ctx }

// MM exposes the connection's buffer pool so callers building outbound
// frames outside mux (rpc.Client's NewStream emission) can lease from
// the same pool.
func (c *Connection) MM() *memsys.MMSA { return c.mm }

// Metrics exposes the connection's optional metrics sink; may be nil.
func (c *Connection) Metrics() *metrics.Set { return c.ms }

// originates reports whether a stream id was allocated by this side
// (spec.md §3: "the low bit of stream_id encodes the originator").
// Clients hold odd ids, servers hold even ids (excluding 0, reserved
// for connection control).
func (c *Connection) originates(id uint16) bool {
	isOdd := id%2 == 1
	return isOdd == c.IsClient
}

// AllocateID finds a free odd (client) or even (server) id, bounded to
// opts.MaxConcurrentStreams attempts (spec.md §4.6, §8 "stream-id
// wraparound"). Caller holds no lock; AllocateID takes it internally
// and reserves the id by inserting a placeholder-free check only (the
// caller must Insert the real stream under the same id promptly).
func (c *Connection) AllocateID() (uint16, error) {
	step := uint16(2)
	bound := c.opts.MaxConcurrentStreams
	if bound <= 0 {
		bound = 1024
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	if id == 0 {
		id += step
	}
	for attempt := 0; attempt < bound; attempt++ {
		if _, taken := c.streams[id]; !taken {
			c.nextID = id + step
			if c.nextID == 0 {
				c.nextID = step
			}
			return id, nil
		}
		id += step
		if id == 0 {
			id += step
		}
	}
	return 0, errors.New("mux: no free stream ids")
}

// poolFor returns the per-shape free list, creating it on first use
// (spec.md §4.4 "Recycling").
func (c *Connection) poolFor(shape rpcstream.CallShape) *rpcstream.Pool {
	c.poolMu.Lock()
	defer c.poolMu.Unlock()
	p, ok := c.pools[shape]
	if !ok {
		p = rpcstream.NewPool(shape)
		c.pools[shape] = p
	}
	return p
}

// NewStream constructs id's Stream via the method's shape pool, reusing
// a terminal Stream from a prior call on this connection when one is
// available.
func (c *Connection) NewStream(id uint16, method rpcstream.Method, role rpcstream.Role, parent context.Context) *rpcstream.Stream {
	return c.poolFor(method.Shape).Get(id, method, role, c, c.mm, c.ms, parent)
}

// Insert registers s under its id. Caller must hold a freshly allocated
// (client) or freshly admitted (server) id with no existing entry.
func (c *Connection) Insert(s *rpcstream.Stream) {
	c.mu.Lock()
	c.streams[s.ID] = s
	c.mu.Unlock()
	c.ms.StreamOpened()
}

func (c *Connection) lookupStream(id uint16) (*rpcstream.Stream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[id]
	return s, ok
}

// Remove drops id from the table and, if the stream reached its
// terminal state, returns it to its shape's free list; safe to call
// more than once.
func (c *Connection) Remove(id uint16) {
	c.mu.Lock()
	s, existed := c.streams[id]
	delete(c.streams, id)
	c.mu.Unlock()
	if existed {
		c.ms.StreamClosed()
		c.poolFor(s.Method.Shape).Put(s)
	}
}

// NumStreams reports the live stream count.
func (c *Connection) NumStreams() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

// Enqueue implements rpcstream's transport.Outbound via the
// connection's writer, so streams constructed by this Connection can be
// handed it directly as their `out`.
func (c *Connection) Enqueue(f *wireframe.Frame, flags transport.WriteFlags) error {
	return c.writer.Enqueue(f, flags)
}

// SendPing enqueues a ConnectionPing frame, marked as locally originated
// via IsClientStream per this side's role (hk calls this on the
// keepalive tick).
func (c *Connection) SendPing() error {
	flags := wireframe.Flags(0)
	if c.IsClient {
		flags = wireframe.IsClientStream
	}
	h := wireframe.Header{Kind: wireframe.KindConnectionPing, KindFlags: flags, StreamID: wireframe.ConnStreamID}
	f := wireframe.NewFrame(h, nil, nil)
	return c.writer.Enqueue(f, transport.FlushAfter)
}

// Close tears down every live stream with Status{Unavailable}, closes
// the writer, and cancels the connection context (spec.md §7 "transport
// errors... all streams resolved with Status{Unavailable}").
func (c *Connection) Close(cause error) {
	c.mu.Lock()
	live := make([]*rpcstream.Stream, 0, len(c.streams))
	for _, s := range c.streams {
		live = append(live, s)
	}
	c.streams = make(map[uint16]*rpcstream.Stream)
	c.mu.Unlock()

	status := rpcstream.Status{Code: rpcstream.Unavailable, Message: "connection closed", Cause: cause}
	for _, s := range live {
		s.Fail(status)
		c.ms.StreamClosed()
		c.poolFor(s.Method.Shape).Put(s)
	}
	c.writer.Close(cause)
	if c.hk != nil {
		c.hk.Deregister(c)
	}
	c.cancel(cause)
}

// Run is the per-connection reader task: the inbound dispatch loop of
// spec.md §4.5. It returns when the transport errors or ConnectionClose
// completes the exchange; the caller (the errgroup in rpc/conn.go's
// Open) is responsible for also running the paired
// transport.Writer.Run and tearing down on the first error.
func (c *Connection) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		f, err := c.reader.ReadFrame()
		if err != nil {
			return errors.Wrap(err, "mux: read frame")
		}
		if c.hk != nil {
			c.hk.MarkSeen(c)
		}
		if err := c.dispatch(f); err != nil {
			return err
		}
	}
}

func (c *Connection) dispatch(f *wireframe.Frame) error {
	switch f.Header.Kind {
	case wireframe.KindConnectionClose:
		remote := c.isRemoteOriginated(f.Header.KindFlags)
		f.Release()
		if remote {
			_ = c.echoClose()
		}
		return errClosed

	case wireframe.KindConnectionPing:
		remote := c.isRemoteOriginated(f.Header.KindFlags)
		f.Release()
		if remote {
			return c.echoPing()
		}
		return nil

	case wireframe.KindStreamHeader:
		return c.admit(f)

	case wireframe.KindPayload, wireframe.KindStreamTrailer, wireframe.KindStreamCancel:
		return c.route(f)

	case wireframe.KindStreamMethodNotFound:
		return c.routeMethodNotFound(f)

	default:
		nlog.Warningf("mux[%s]: unknown frame kind %d, dropping", c.ID, f.Header.Kind)
		f.Release()
		return nil
	}
}

// isRemoteOriginated reports whether a connection-level control frame
// (stream_id == 0) was sent by the peer rather than echoed back to us
// (spec.md §4.5 "originator discrimination").
func (c *Connection) isRemoteOriginated(flags wireframe.Flags) bool {
	frameIsClient := flags.Has(wireframe.IsClientStream)
	return frameIsClient != c.IsClient
}

func (c *Connection) echoPing() error {
	flags := wireframe.IsResponse
	if c.IsClient {
		flags |= wireframe.IsClientStream
	}
	h := wireframe.Header{Kind: wireframe.KindConnectionPing, KindFlags: flags, StreamID: wireframe.ConnStreamID}
	return c.writer.Enqueue(wireframe.NewFrame(h, nil, nil), transport.FlushAfter)
}

func (c *Connection) echoClose() error {
	h := wireframe.Header{Kind: wireframe.KindConnectionClose, StreamID: wireframe.ConnStreamID}
	return c.writer.Enqueue(wireframe.NewFrame(h, nil, nil), transport.FlushAfter)
}

// admit handles an inbound StreamHeader (NewStream), server-side only
// (spec.md §4.5: "Clients MUST NOT receive NewStream; it is a protocol
// error").
func (c *Connection) admit(f *wireframe.Frame) error {
	id := f.Header.StreamID
	fullName := string(f.Payload)
	f.Release()

	if c.IsClient {
		return errors.Errorf("mux[%s]: received NewStream as client, protocol violation", c.ID)
	}

	c.mu.Lock()
	_, exists := c.streams[id]
	c.mu.Unlock()
	if exists {
		nlog.Warningf("mux[%s]: duplicate stream id %d on NewStream, cancelling new one", c.ID, id)
		return c.sendCancel(id)
	}

	if c.lookup == nil {
		return c.sendMethodNotFound(id)
	}
	method, ok := c.lookup(fullName)
	if !ok {
		nlog.Warningf("mux[%s]: unbound method %q on stream %d", c.ID, fullName, id)
		return c.sendMethodNotFound(id)
	}

	s := c.NewStream(id, method, rpcstream.RoleServer, c.ctx)
	s.Open()
	c.Insert(s)
	if c.accepted != nil {
		c.accepted(s, fullName)
	}
	return nil
}

func (c *Connection) sendCancel(id uint16) error {
	h := wireframe.Header{Kind: wireframe.KindStreamCancel, StreamID: id}
	return c.writer.Enqueue(wireframe.NewFrame(h, nil, nil), transport.FlushAfter)
}

func (c *Connection) sendMethodNotFound(id uint16) error {
	h := wireframe.Header{Kind: wireframe.KindStreamMethodNotFound, StreamID: id}
	return c.writer.Enqueue(wireframe.NewFrame(h, nil, nil), transport.FlushAfter)
}

// route hands a Payload/Trailer/Cancel frame to its stream
// (spec.md §4.5). Unknown stream ids are a non-fatal drop.
func (c *Connection) route(f *wireframe.Frame) error {
	s, ok := c.lookupStream(f.Header.StreamID)
	if !ok {
		nlog.Warningf("mux[%s]: frame for unknown stream %d, dropping", c.ID, f.Header.StreamID)
		f.Release()
		return nil
	}

	adopted, err := s.TryAcceptFrame(f)
	if !adopted {
		f.Release()
	}
	if err != nil {
		nlog.Warningf("mux[%s]: stream %d protocol violation: %v", c.ID, f.Header.StreamID, err)
		_ = s.WriteTrailer(rpcstream.Status{Code: rpcstream.Unknown, Message: err.Error(), Cause: err})
		c.Remove(f.Header.StreamID)
		return nil
	}
	if s.State() == rpcstream.Closed {
		c.Remove(f.Header.StreamID)
	}
	return nil
}

func (c *Connection) routeMethodNotFound(f *wireframe.Frame) error {
	id := f.Header.StreamID
	f.Release()
	s, ok := c.lookupStream(id)
	if !ok {
		return nil
	}
	s.Fail(rpcstream.Status{Code: rpcstream.Unimplemented, Message: "method not found"})
	c.Remove(id)
	return nil
}

var errClosed = errors.New("mux: connection closed")
