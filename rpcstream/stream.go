// Package rpcstream implements the per-stream state machine (spec.md
// §3 "Stream", §4.4): the lifecycle of one logical call from
// StreamHeader through Payload frames to StreamTrailer/Cancel, chunked
// serialization of outbound messages, reassembly of inbound ones across
// frame boundaries, cancellation, and the four call-shape contracts.
//
// Grounded on the teacher's transport streamBase/Stream split (one
// struct holding id/role/sequencing, shape-specific behavior kept
// small) and on the per-stream bookkeeping in the pack's smux/muxado/
// grpc-go stream.go reference material (other_examples) for the
// send/receive channel pairing and half-close tracking.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package rpcstream

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/duskrpc/duskwire/cmn/debug"
	"github.com/duskrpc/duskwire/memsys"
	"github.com/duskrpc/duskwire/metrics"
	"github.com/duskrpc/duskwire/transport"
	"github.com/duskrpc/duskwire/wireframe"
)

const recvBacklog = 16

// Stream is one live logical call. Frame admission (TryAcceptFrame) is
// called only from the connection's single reader task (spec.md §5);
// SendMessage/CloseSend/Cancel may be called from whatever goroutine is
// driving the call (the user's handler on the server, the invoker's
// caller on the client), concurrently with admission.
type Stream struct {
	ID     uint16
	Method Method
	Role   Role

	out transport.Outbound
	mm  *memsys.MMSA
	ms  *metrics.Set

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu               sync.Mutex
	state            State
	peerSeqExpected  uint16
	mySeqNext        uint16
	accum            bytes.Buffer
	recvCh           chan recvItem
	recvClosed       bool
	finalStatus      Status
	finalStatusKnown bool
}

type recvItem struct {
	msg any
	err error
}

// New constructs a Stream. role/shape/method identify the call; out is
// where outbound frames are enqueued (the connection's writer
// coordinator); parent supplies deadline/cancellation composition
// (spec.md §5 "Cancellation": user token, deadline, connection shutdown
// all compose into one per-stream signal via parent's context tree).
func New(id uint16, method Method, role Role, out transport.Outbound, mm *memsys.MMSA, ms *metrics.Set, parent context.Context) *Stream {
	ctx, cancel := context.WithCancelCause(parent)
	return &Stream{
		ID:     id,
		Method: method,
		Role:   role,
		out:    out,
		mm:     mm,
		ms:     ms,
		ctx:    ctx,
		cancel: cancel,
		state:  Idle,
		recvCh: make(chan recvItem, recvBacklog),
	}
}

// Context is cancelled when the stream is cancelled or reaches a
// terminal state.
func (s *Stream) Context() context.Context { return s.ctx }

func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open transitions Idle -> Open; called once the NewStream
// frame has actually been sent (client) or accepted (server).
func (s *Stream) Open() {
	s.mu.Lock()
	if s.state == Idle {
		s.state = Open
	}
	s.mu.Unlock()
}

//
// outbound (serialization, chunking, half-close)
//

// SendMessage serializes v via the method's marshaller and emits it as
// one or more Payload frames, chunked at wireframe.MaxPayload bytes
// (spec.md §4.4). The final chunk carries EndItem; if last is true it
// additionally carries EndAllItems, closing this stream's local half
// (spec.md §3 invariants).
func (s *Stream) SendMessage(v any, last bool) error {
	var body bytes.Buffer
	if err := s.Method.Marshal.Serialize(v, &body); err != nil {
		return err
	}
	return s.sendChunks(body.Bytes(), last)
}

// CloseSend closes this stream's local half by sending an empty Payload
// frame carrying EndItem|EndAllItems, the empty-message boundary case in
// spec.md §8; the peer deserializes it as one zero-length message before
// its end of stream. A no-op if already half-closed locally.
func (s *Stream) CloseSend() error {
	s.mu.Lock()
	already := s.state == HalfClosedLocal || s.state == Closed
	s.mu.Unlock()
	if already {
		return nil
	}
	return s.sendChunks(nil, true)
}

func (s *Stream) sendChunks(body []byte, last bool) error {
	flagsBase := transport.BufferHint
	if last {
		flagsBase = transport.FlushAfter
	}
	if len(body) == 0 {
		return s.sendOneChunk(nil, wireframe.EndItem|endAllItemsIf(last), flagsBase)
	}
	for off := 0; off < len(body); {
		n := len(body) - off
		if n > wireframe.MaxPayload {
			n = wireframe.MaxPayload
		}
		chunk := body[off : off+n]
		off += n
		flags := wireframe.Flags(0)
		isLastChunk := off == len(body)
		if isLastChunk {
			flags = wireframe.EndItem | endAllItemsIf(last)
		}
		wflags := transport.BufferHint | transport.HeaderReserved
		if isLastChunk && last {
			wflags = transport.FlushAfter | transport.HeaderReserved
		}
		if err := s.sendOneChunk(chunk, flags, wflags); err != nil {
			return err
		}
	}
	return nil
}

func endAllItemsIf(cond bool) wireframe.Flags {
	if cond {
		return wireframe.EndAllItems
	}
	return 0
}

func (s *Stream) sendOneChunk(chunk []byte, flags wireframe.Flags, wflags transport.WriteFlags) error {
	s.mu.Lock()
	if s.state == Closed || s.state == HalfClosedLocal {
		s.mu.Unlock()
		if s.state == Closed {
			return io.ErrClosedPipe
		}
		return nil
	}
	seq := s.mySeqNext
	s.mySeqNext++
	last := flags.Has(wireframe.EndAllItems)
	if last {
		s.advanceLocalClose()
	}
	s.mu.Unlock()

	kindFlags := flags
	if s.Role == RoleClient {
		kindFlags |= wireframe.IsClientStream
	}
	h := wireframe.Header{Kind: wireframe.KindPayload, KindFlags: kindFlags, StreamID: s.ID, SequenceID: seq}

	lease, buf := wireframe.NewOutboundFrame(s.mm, h, len(chunk))
	buf = append(buf, chunk...)
	f := wireframe.FinalizeOutbound(h, lease, buf)
	return s.out.Enqueue(f, wflags)
}

// advanceLocalClose moves the FSM when the local side finishes sending.
// Caller holds s.mu.
func (s *Stream) advanceLocalClose() {
	switch s.state {
	case Idle, Open:
		s.state = HalfClosedLocal
	case HalfClosedRemote:
		s.state = Closed
		s.cancel(nil)
	}
}

// advanceRemoteClose moves the FSM when the remote side finishes
// sending. Caller holds s.mu.
func (s *Stream) advanceRemoteClose() {
	switch s.state {
	case Idle, Open:
		s.state = HalfClosedRemote
	case HalfClosedLocal:
		s.state = Closed
		s.cancel(nil)
	}
}

//
// inbound (frame admission, reassembly)
//

// TryAcceptFrame is the demultiplexer's single entry point for handing a
// frame to this stream (spec.md §4.4, §4.5). It returns adopted=true iff
// it took ownership of f's buffer lease (the caller must not Release it);
// adopted=false means the caller releases as usual. A non-nil err
// indicates a protocol violation local to this stream (sequence
// mismatch, wrong kind for this role); the caller (mux) logs it and
// removes the stream, per spec.md §4.5 failure semantics.
func (s *Stream) TryAcceptFrame(f *wireframe.Frame) (adopted bool, err error) {
	switch f.Header.Kind {
	case wireframe.KindPayload:
		return s.acceptPayload(f)
	case wireframe.KindStreamTrailer:
		return s.acceptTrailer(f)
	case wireframe.KindStreamCancel:
		s.acceptCancel()
		return false, nil
	default:
		return false, errUnexpectedKind(f.Header.Kind)
	}
}

func (s *Stream) acceptPayload(f *wireframe.Frame) (adopted bool, err error) {
	s.mu.Lock()
	if f.Header.SequenceID != s.peerSeqExpected {
		s.mu.Unlock()
		return false, errSequenceMismatch(s.ID, s.peerSeqExpected, f.Header.SequenceID)
	}
	s.peerSeqExpected++
	s.accum.Write(f.Payload)
	endItem := f.Header.KindFlags.Has(wireframe.EndItem)
	endAll := f.Header.KindFlags.Has(wireframe.EndAllItems)

	var toDeliver *recvItem
	if endItem {
		msg, derr := s.Method.Marshal.Deserialize(bytes.NewReader(s.accum.Bytes()))
		s.accum.Reset()
		toDeliver = &recvItem{msg: msg, err: derr}
	}
	if endAll {
		s.advanceRemoteClose()
	}
	closeAfter := endAll && !s.recvClosed
	if closeAfter {
		s.recvClosed = true
	}
	s.mu.Unlock()

	if toDeliver != nil {
		s.deliver(*toDeliver)
	}
	if closeAfter {
		close(s.recvCh)
	}
	return false, nil
}

func (s *Stream) acceptTrailer(f *wireframe.Frame) (adopted bool, err error) {
	if s.Role != RoleClient {
		return false, errUnexpectedKind(f.Header.Kind)
	}
	status, derr := DecodeStatus(f.Payload)
	if derr != nil {
		status = Status{Code: Unknown, Message: derr.Error()}
	}
	s.mu.Lock()
	if s.state != Closed {
		s.state = Closed
	}
	s.finalStatus = status
	s.finalStatusKnown = true
	closeAfter := !s.recvClosed
	s.recvClosed = true
	s.mu.Unlock()

	s.cancel(status)
	if closeAfter {
		close(s.recvCh)
	}
	return false, nil
}

func (s *Stream) acceptCancel() {
	s.mu.Lock()
	s.state = Closed
	s.finalStatus = Status{Code: Canceled, Message: "canceled by peer"}
	s.finalStatusKnown = true
	closeAfter := !s.recvClosed
	s.recvClosed = true
	s.mu.Unlock()

	s.cancel(s.finalStatus)
	if closeAfter {
		close(s.recvCh)
	}
}

func (s *Stream) deliver(item recvItem) {
	select {
	case s.recvCh <- item:
	case <-s.ctx.Done():
	}
}

// NextMessage blocks for the next inbound message. Returns io.EOF once
// the remote half has closed cleanly with no more messages; returns the
// stream's final Status (as an error) if it closed with a non-OK
// disposition.
func (s *Stream) NextMessage(ctx context.Context) (any, error) {
	select {
	case item, ok := <-s.recvCh:
		if !ok {
			return nil, s.terminalRecvErr()
		}
		return item.msg, item.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		// Messages delivered before the stream closed are still handed
		// out ahead of the terminal result.
		select {
		case item, ok := <-s.recvCh:
			if ok {
				return item.msg, item.err
			}
		default:
		}
		return nil, s.terminalRecvErr()
	}
}

func (s *Stream) terminalRecvErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalStatusKnown && s.finalStatus.Code != OK {
		return s.finalStatus
	}
	return io.EOF
}

//
// cancellation / termination
//

// Cancel is the local-initiated cancellation path (spec.md §5): user
// token, deadline, or connection shutdown. It sends a Cancel frame if
// the stream is still open, marks the stream Closed, and unblocks any
// NextMessage waiter.
func (s *Stream) Cancel(cause error) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	wasOpen := s.state != Idle
	s.state = Closed
	s.finalStatus = Status{Code: Canceled, Message: cause.Error(), Cause: cause}
	s.finalStatusKnown = true
	closeAfter := !s.recvClosed
	s.recvClosed = true
	s.mu.Unlock()

	s.cancel(cause)
	if closeAfter {
		close(s.recvCh)
	}
	if wasOpen {
		h := wireframe.Header{Kind: wireframe.KindStreamCancel, StreamID: s.ID}
		f := wireframe.NewFrame(h, nil, nil)
		_ = s.out.Enqueue(f, transport.FlushAfter)
	}
}

// Fail terminates the stream locally with status, without emitting a
// wire frame: used when the peer has already told us the stream is
// dead (StreamMethodNotFound) or gone (connection teardown), so echoing
// a Cancel back would only be dropped by an unknown-stream-id or a
// closed writer.
func (s *Stream) Fail(status Status) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = Closed
	s.finalStatus = status
	s.finalStatusKnown = true
	closeAfter := !s.recvClosed
	s.recvClosed = true
	s.mu.Unlock()

	s.cancel(status)
	if closeAfter {
		close(s.recvCh)
	}
}

// WriteTrailer is the server-side completion path: it sends the
// method's terminal Status as a StreamTrailer frame, which implies
// EndAllItems (spec.md §6). A status of OK is passed through verbatim;
// callers that raise without an explicit status get Unknown coerced by
// the caller (rpc package), per spec.md §7 ("a method raising with
// status OK is coerced to Unknown" applies to the inverse: an OK status
// is only valid when the handler actually succeeded). It is a no-op once
// the stream's terminal status is already known (an earlier
// WriteTrailer, a cancel, or a failure).
func (s *Stream) WriteTrailer(status Status) error {
	debug.Assert(s.Role == RoleServer, "WriteTrailer is server-side only")
	body, err := EncodeStatus(status)
	if err != nil {
		body, _ = EncodeStatus(Status{Code: Unknown, Message: "failed to encode status: " + err.Error()})
	}
	s.mu.Lock()
	if s.finalStatusKnown {
		s.mu.Unlock()
		return nil
	}
	s.advanceLocalClose()
	s.state = Closed
	s.finalStatus = status
	s.finalStatusKnown = true
	s.mu.Unlock()
	s.cancel(status)

	lease, buf := wireframe.NewOutboundFrame(s.mm, wireframe.Header{}, len(body))
	buf = append(buf, body...)
	h := wireframe.Header{Kind: wireframe.KindStreamTrailer, StreamID: s.ID}
	f := wireframe.FinalizeOutbound(h, lease, buf)
	return s.out.Enqueue(f, transport.FlushAfter|transport.HeaderReserved)
}

// FinalStatus reports the stream's terminal disposition once known.
func (s *Stream) FinalStatus() (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalStatus, s.finalStatusKnown
}
