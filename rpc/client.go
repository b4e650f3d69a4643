// Package rpc is the user-facing call invoker (client) and service
// binder (server) (spec.md §4.6): allocating stream ids, emitting
// NewStream frames, and mapping method full-names to handler factories.
// Everything below this package (mux, rpcstream, transport, wireframe,
// memsys) is shape-agnostic; rpc is where the four call shapes become
// four distinct call-site APIs.
//
// Grounded on the teacher's api package's client-call surface (one
// function per verb, hiding the transport plumbing) and on the
// explicit-registration server pattern in the pack's grpc-go
// server.go reference material (other_examples) — no reflection, per
// spec.md §9's redesign note.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package rpc

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"github.com/duskrpc/duskwire/mux"
	"github.com/duskrpc/duskwire/rpcstream"
	"github.com/duskrpc/duskwire/transport"
	"github.com/duskrpc/duskwire/wireframe"
)

// Client drives outbound calls over one mux.Connection. Construct one
// per connection; methods are safe for concurrent use from multiple
// goroutines issuing independent calls.
type Client struct {
	conn *mux.Connection
}

func NewClient(conn *mux.Connection) *Client {
	return &Client{conn: conn}
}

// NewCall allocates a stream id, emits the NewStream frame carrying
// method's full name, and returns the opened client-side Stream ready
// to drive per its CallShape (spec.md §4.6). The caller owns the
// resulting Stream: send messages, read responses, and eventually
// observe its terminal Status via FinalStatus/NextMessage.
func (c *Client) NewCall(ctx context.Context, method rpcstream.Method) (*rpcstream.Stream, error) {
	id, err := c.conn.AllocateID()
	if err != nil {
		return nil, errors.Wrap(err, "rpc: allocate stream id")
	}

	s := c.conn.NewStream(id, method, rpcstream.RoleClient, ctx)
	c.conn.Insert(s)
	s.Open()

	lease, buf := wireframe.NewOutboundFrame(c.conn.MM(), wireframe.Header{}, len(method.FullName))
	buf = append(buf, method.FullName...)
	h := wireframe.Header{Kind: wireframe.KindStreamHeader, StreamID: id}
	f := wireframe.FinalizeOutbound(h, lease, buf)
	if err := c.conn.Enqueue(f, transport.HeaderReserved|transport.FlushAfter); err != nil {
		c.conn.Remove(id)
		return nil, errors.Wrap(err, "rpc: send NewStream")
	}
	return s, nil
}

// CallUnary drives the Unary shape end to end: send req, wait for
// exactly one reply plus a successful trailer (spec.md §4.4).
func (c *Client) CallUnary(ctx context.Context, method rpcstream.Method, req any) (any, error) {
	s, err := c.NewCall(ctx, method)
	if err != nil {
		return nil, err
	}
	if err := s.SendMessage(req, true); err != nil {
		return nil, err
	}
	reply, err := s.NextMessage(ctx)
	if err != nil {
		return nil, err
	}
	// Drain the trailer so the stream table entry is removed promptly;
	// a well-behaved server sends exactly one more item: the terminal
	// status, surfaced here as io.EOF or a non-OK Status error.
	if _, err := s.NextMessage(ctx); err != nil && err != io.EOF {
		return reply, err
	}
	return reply, nil
}

// CallClientStreaming opens a ClientStreaming call, sends every value
// produced by reqs (closing the channel ends the request half with
// EndAllItems), and returns the server's single reply.
func (c *Client) CallClientStreaming(ctx context.Context, method rpcstream.Method, reqs <-chan any) (any, error) {
	s, err := c.NewCall(ctx, method)
	if err != nil {
		return nil, err
	}
	var last any
	have := false
	for v := range reqs {
		if have {
			if err := s.SendMessage(last, false); err != nil {
				return nil, err
			}
		}
		last, have = v, true
	}
	if have {
		if err := s.SendMessage(last, true); err != nil {
			return nil, err
		}
	} else if err := s.CloseSend(); err != nil {
		return nil, err
	}
	return s.NextMessage(ctx)
}

// CallServerStreaming opens a ServerStreaming call, sends req, and
// returns the opened Stream for the caller to drain via NextMessage
// until io.EOF.
func (c *Client) CallServerStreaming(ctx context.Context, method rpcstream.Method, req any) (*rpcstream.Stream, error) {
	s, err := c.NewCall(ctx, method)
	if err != nil {
		return nil, err
	}
	if err := s.SendMessage(req, true); err != nil {
		return nil, err
	}
	return s, nil
}

// CallDuplex opens a Duplex call and returns the opened Stream; the
// caller drives SendMessage/NextMessage/CloseSend directly since
// duplex has no fixed request/response shape to wrap.
func (c *Client) CallDuplex(ctx context.Context, method rpcstream.Method) (*rpcstream.Stream, error) {
	return c.NewCall(ctx, method)
}
